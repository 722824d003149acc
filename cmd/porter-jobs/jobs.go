package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/observability"
)

const (
	jobExpireInvitations = "expire_invitations"
	jobArchiveAudit      = "archive_audit"
)

type expirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

type dayArchiver interface {
	ArchiveDay(ctx context.Context, day time.Time) (*audit.ArchiveResult, error)
}

// jobs holds the scheduled work. archiver is nil when archiving is disabled.
type jobs struct {
	invitations expirer
	archiver    dayArchiver
	timeout     time.Duration
	metrics     *observability.Metrics
	log         *logrus.Logger
}

// expireInvitations marks every overdue invitation expired
func (j *jobs) expireInvitations(ctx context.Context) error {
	ctx, cancel := j.bound(ctx)
	defer cancel()

	start := time.Now()
	n, err := j.invitations.ExpireOverdue(ctx)
	j.metrics.ObserveJob(jobExpireInvitations, err, time.Since(start))

	entry := j.log.WithFields(logrus.Fields{"job": jobExpireInvitations, "expired": n})
	if err != nil {
		entry.WithError(err).Error("Invitation expiry sweep failed")
		return err
	}
	entry.Info("Invitation expiry sweep completed")
	return nil
}

// archiveAudit exports the audit entries of the UTC day containing day
func (j *jobs) archiveAudit(ctx context.Context, day time.Time) error {
	if j.archiver == nil {
		return nil
	}
	ctx, cancel := j.bound(ctx)
	defer cancel()

	start := time.Now()
	result, err := j.archiver.ArchiveDay(ctx, day)
	j.metrics.ObserveJob(jobArchiveAudit, err, time.Since(start))

	entry := j.log.WithFields(logrus.Fields{"job": jobArchiveAudit, "day": day.UTC().Format("2006-01-02")})
	if err != nil {
		entry.WithError(err).Error("Audit archive failed")
		return err
	}
	entry.WithFields(logrus.Fields{"entries": result.Entries, "objects": len(result.Objects)}).Info("Audit archive completed")
	return nil
}

func (j *jobs) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if j.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, j.timeout)
}

// yesterday is the last complete UTC day before now
func yesterday(now time.Time) time.Time {
	return now.UTC().AddDate(0, 0, -1)
}
