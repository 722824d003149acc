package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/porter/pkg/contextkeys"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/storage"
)

// ErrNoMutation is returned by a Mutate callback that found nothing to change. The
// transaction is rolled back, no entry is written and Mutate returns the error unchanged.
var ErrNoMutation = errors.New("audit: nothing to record")

const insertEntrySQL = `
	INSERT INTO audit_log_entries (
		id, organization_id, actor_id, actor_type, action, entity_type, entity_id,
		before_state, after_state, changed_fields, success, error_message, request_id,
		created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// Recorder writes audit entries
type Recorder struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewRecorder creates a recorder. metrics may be nil.
func NewRecorder(logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Recorder{
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Record writes one entry with exec, which is normally the transaction that performed the
// mutation. ID, CreatedAt, RequestID and ChangedFields are filled in when unset.
func (r *Recorder) Record(ctx context.Context, exec storage.DBTX, e Entry) error {
	if e.ActorID == "" || e.Action == "" || e.EntityType == "" {
		return fmt.Errorf("audit entry requires actor, action and entity type")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if e.ID == "" {
		e.ID = storage.NewSortableID(e.CreatedAt)
	}
	if e.RequestID == "" {
		e.RequestID = contextkeys.GetRequestID(ctx)
	}

	before, err := marshalSnapshot(e.Before)
	if err != nil {
		return fmt.Errorf("failed to marshal before state: %w", err)
	}
	after, err := marshalSnapshot(e.After)
	if err != nil {
		return fmt.Errorf("failed to marshal after state: %w", err)
	}
	if e.ChangedFields == nil {
		e.ChangedFields = ChangedFields(before.String, after.String)
	}
	changed, err := json.Marshal(e.ChangedFields)
	if err != nil {
		return fmt.Errorf("failed to marshal changed fields: %w", err)
	}

	_, err = exec.ExecContext(ctx, insertEntrySQL,
		e.ID,
		storage.NullString(e.OrganizationID),
		e.ActorID,
		e.ActorType,
		e.Action,
		e.EntityType,
		e.EntityID,
		before,
		after,
		string(changed),
		e.Success,
		e.ErrorMessage,
		e.RequestID,
		e.CreatedAt,
	)
	r.metrics.ObserveAudit(e.Action, e.Success, err)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Mutate runs fn and the audit entry describing it in one transaction. fn receives the
// entry and fills in what it learns (entity id, snapshots). The entry is written as
// successful after fn returns nil; an audit write failure rolls the mutation back.
//
// When the transaction fails after it was opened, an entry with success=false is written
// outside it and the original error is returned.
func (r *Recorder) Mutate(ctx context.Context, db *sql.DB, e Entry, fn func(tx *sql.Tx, e *Entry) error) error {
	entry := e
	opened := false
	err := storage.WithTx(ctx, db, func(tx *sql.Tx) error {
		opened = true
		if err := fn(tx, &entry); err != nil {
			return err
		}
		entry.Success = true
		entry.ErrorMessage = ""
		return r.Record(ctx, tx, entry)
	})
	if err == nil || !opened || errors.Is(err, ErrNoMutation) {
		return err
	}

	failed := entry
	failed.ID = ""
	failed.CreatedAt = time.Time{}
	failed.Success = false
	failed.ErrorMessage = err.Error()
	if recErr := r.Record(ctx, db, failed); recErr != nil {
		r.logger.WithError(recErr).WithFields(map[string]interface{}{
			"action":    failed.Action,
			"actor_id":  failed.ActorID,
			"entity_id": failed.EntityID,
		}).Error("Failed to record failed mutation")
	}
	return err
}

func marshalSnapshot(v any) (sql.NullString, error) {
	switch s := v.(type) {
	case nil:
		return sql.NullString{}, nil
	case json.RawMessage:
		if len(s) == 0 {
			return sql.NullString{}, nil
		}
		return sql.NullString{String: string(s), Valid: true}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// ScanEntries decodes rows selected with Columns
func ScanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e             Entry
			orgID         sql.NullString
			entityID      sql.NullString
			before, after sql.NullString
			changed       string
			errMsg        sql.NullString
			requestID     sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &orgID, &e.ActorID, &e.ActorType, &e.Action, &e.EntityType, &entityID,
			&before, &after, &changed, &e.Success, &errMsg, &requestID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.OrganizationID = storage.StringPtr(orgID)
		e.EntityID = entityID.String
		e.Before = rawSnapshot(before.String)
		e.After = rawSnapshot(after.String)
		e.ErrorMessage = errMsg.String
		e.RequestID = requestID.String
		e.CreatedAt = e.CreatedAt.UTC()
		if err := json.Unmarshal([]byte(changed), &e.ChangedFields); err != nil {
			return nil, fmt.Errorf("failed to decode changed fields for %s: %w", e.ID, err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}
