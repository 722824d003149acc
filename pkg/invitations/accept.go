package invitations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/storage"
)

var tracer = otel.Tracer("github.com/platinummonkey/porter/pkg/invitations")

func (f *AcceptForm) normalize() error {
	f.FullName = strings.TrimSpace(f.FullName)
	f.Phone = strings.TrimSpace(f.Phone)
	f.CompanyName = strings.TrimSpace(f.CompanyName)
	if f.FullName == "" {
		return fmt.Errorf("%w: full name is required", rbac.ErrInvalidInput)
	}
	return nil
}

// Accept completes an invitation. In one transaction it creates the onboarding record of
// the invitation type with approval status PENDING, links it, assigns the implied role and
// writes the audit entry. Accepting a completed invitation returns the earlier result with
// Replayed set, including when a concurrent accept won the race.
func (s *Service) Accept(ctx context.Context, token string, form AcceptForm) (*AcceptResult, error) {
	ctx, span := tracer.Start(ctx, "invitations.Service.Accept")
	defer span.End()

	inv, err := s.current(ctx, "token", token)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("invitation.id", inv.ID),
		attribute.String("invitation.type", string(inv.Type)),
		attribute.String("invitation.status", string(inv.Status)),
	)

	if inv.Status == StatusCompleted {
		return s.replay(ctx, inv)
	}
	if err := statusError(inv.Status); err != nil {
		return nil, err
	}
	if err := form.normalize(); err != nil {
		return nil, err
	}

	result, err := s.accept(ctx, inv, form)
	if errors.Is(err, errStatusChanged) {
		// the update also misses when the invitation expired after it was read
		latest, getErr := s.current(ctx, "id", inv.ID)
		if getErr != nil {
			return nil, getErr
		}
		if latest.Status == StatusCompleted {
			span.AddEvent("lost acceptance race")
			return s.replay(ctx, latest)
		}
		if statusErr := statusError(latest.Status); statusErr != nil {
			return nil, statusErr
		}
		return nil, fmt.Errorf("%w: invitation changed while accepting", ErrInvalidTransition)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acceptance failed")
		return nil, err
	}
	return result, nil
}

func (s *Service) accept(ctx context.Context, inv *Invitation, form AcceptForm) (*AcceptResult, error) {
	onboarding, ok := inv.Type.Onboarding()
	if !ok {
		return nil, fmt.Errorf("%w: unknown invitation type %q", rbac.ErrInvalidInput, inv.Type)
	}

	// a sent invitation accepted without being resolved first passes through opened
	status := inv.Status
	if status == StatusSent {
		opened, err := next(status, eventOpen)
		if err != nil {
			return nil, err
		}
		status = opened
	}
	to, err := next(status, eventAccept)
	if err != nil {
		return nil, err
	}

	entityID := storage.NewID()
	actor := rbac.Actor{ID: entityID, Type: onboarding.ActorType}
	var result *AcceptResult

	err = s.recorder.Mutate(ctx, s.db, inviteeEntry(audit.ActionInvitationAccepted, inv), func(tx *sql.Tx, e *audit.Entry) error {
		now := s.now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE invitations
			SET status = $1, `+onboarding.LinkColumn+` = $2, completed_at = $3,
				opened_at = COALESCE(opened_at, $3), updated_at = $3
			WHERE id = $4 AND status = $5 AND expires_at >= $3`,
			to, entityID, now, inv.ID, inv.Status)
		if err != nil {
			return fmt.Errorf("failed to complete invitation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errStatusChanged
		}

		if err := insertOnboarding(ctx, tx, onboarding, entityID, inv, form, now); err != nil {
			return err
		}

		assignment, err := s.store.AssignInTx(ctx, tx, inv.InvitedBy, rbac.AssignRequest{
			Actor:          actor,
			RoleName:       onboarding.RoleName,
			OrganizationID: inv.OrganizationID,
			Scope:          inv.Scope,
		})
		if err != nil {
			return err
		}

		completed, err := s.getBy(ctx, tx, "id", inv.ID)
		if err != nil {
			return err
		}
		e.After = completed
		result = &AcceptResult{
			Invitation: completed,
			EntityID:   entityID,
			Actor:      actor,
			Assignment: assignment,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.store.InvalidateGrants(ctx)
	s.metrics.ObserveTransition(string(inv.Status), string(to))
	s.logger.WithFields(map[string]interface{}{
		"invitation_id": inv.ID,
		"entity_table":  onboarding.Table,
		"entity_id":     entityID,
		"role":          onboarding.RoleName,
	}).Info("Invitation accepted")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("invitation.entity_id", entityID))
	return result, nil
}

func insertOnboarding(ctx context.Context, tx *sql.Tx, o Onboarding, id string, inv *Invitation, form AcceptForm, now time.Time) error {
	columns := "id, organization_id, invitation_id, email, full_name, phone, company_name, approval_status, created_at"
	values := "$1, $2, $3, $4, $5, $6, $7, $8, $9"
	args := []any{
		id, storage.NullString(inv.OrganizationID), inv.ID, inv.Email,
		form.FullName, form.Phone, form.CompanyName, ApprovalPending, now,
	}
	if o.ProviderKind != "" {
		columns += ", provider_kind"
		values += ", $10"
		args = append(args, o.ProviderKind)
	}

	_, err := tx.ExecContext(ctx, `INSERT INTO `+o.Table+` (`+columns+`) VALUES (`+values+`)`, args...)
	if storage.IsUniqueViolation(err) {
		return errStatusChanged
	}
	if err != nil {
		return fmt.Errorf("failed to create %s record: %w", o.Table, err)
	}
	return nil
}

// replay rebuilds the result of an earlier acceptance
func (s *Service) replay(ctx context.Context, inv *Invitation) (*AcceptResult, error) {
	onboarding, ok := inv.Type.Onboarding()
	if !ok {
		return nil, fmt.Errorf("%w: unknown invitation type %q", rbac.ErrInvalidInput, inv.Type)
	}
	entityID := inv.EntityID()
	if entityID == "" {
		return nil, fmt.Errorf("completed invitation %s has no %s", inv.ID, onboarding.LinkColumn)
	}

	actor := rbac.Actor{ID: entityID, Type: onboarding.ActorType}
	assignments, err := s.store.ListAssignments(ctx, actor)
	if err != nil {
		return nil, err
	}
	result := &AcceptResult{
		Invitation: inv,
		EntityID:   entityID,
		Actor:      actor,
		Replayed:   true,
	}
	for _, a := range assignments {
		if a.Role.Name == onboarding.RoleName {
			result.Assignment = a
			break
		}
	}
	return result, nil
}
