package invitations

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/platinummonkey/porter/pkg/audit"
	"github.com/platinummonkey/porter/pkg/observability"
	"github.com/platinummonkey/porter/pkg/rbac"
	"github.com/platinummonkey/porter/pkg/storage"
	"github.com/platinummonkey/porter/pkg/tenancy"
)

// DefaultTTL is how long an invitation stays valid when the request does not say
const DefaultTTL = 7 * 24 * time.Hour

// InviteeActorType marks audit entries written on behalf of the person holding a token
const InviteeActorType = "INVITEE"

// Resource exposes the invitations table to the tenancy guard
type Resource struct{}

func (Resource) Category() rbac.Category    { return rbac.CategoryInvitation }
func (Resource) Table() string              { return "invitations" }
func (Resource) OrganizationColumn() string { return "organization_id" }

// Options configures a Service
type Options struct {
	TTL     time.Duration
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// Service runs the invitation workflow
type Service struct {
	db       *sql.DB
	store    *rbac.Store
	guard    *tenancy.Guard
	recorder *audit.Recorder
	metrics  *observability.Metrics
	logger   *observability.Logger
	ttl      time.Duration
	now      func() time.Time
	newToken func() (string, error)
}

// NewService creates the invitation service
func NewService(db *sql.DB, store *rbac.Store, guard *tenancy.Guard, recorder *audit.Recorder, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Service{
		db:       db,
		store:    store,
		guard:    guard,
		recorder: recorder,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		ttl:      opts.TTL,
		now:      time.Now,
		newToken: generateToken,
	}
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

const invitationColumns = `id, token, email, invitation_type, status, organization_id,
	scope_pmc_id, scope_landlord_id, scope_property_id,
	invited_by_id, invited_by_type, invited_by_role,
	landlord_id, tenant_id, pmc_id, service_provider_id, admin_id, cancel_reason,
	expires_at, sent_at, opened_at, completed_at, cancelled_at, expired_at, created_at, updated_at`

var invitationColumnList = strings.Split(strings.Join(strings.Fields(invitationColumns), ""), ",")

type scanner interface {
	Scan(dest ...any) error
}

func scanInvitation(row scanner) (*Invitation, error) {
	var (
		inv                                           Invitation
		orgID, scopePMC, scopeLandlord, scopeProperty sql.NullString
		landlordID, tenantID, pmcID, spID, adminID    sql.NullString
		sentAt, openedAt, completedAt                 sql.NullTime
		cancelledAt, expiredAt                        sql.NullTime
		invitedByType                                 string
	)
	err := row.Scan(
		&inv.ID, &inv.Token, &inv.Email, &inv.Type, &inv.Status, &orgID,
		&scopePMC, &scopeLandlord, &scopeProperty,
		&inv.InvitedBy.ID, &invitedByType, &inv.InvitedByRole,
		&landlordID, &tenantID, &pmcID, &spID, &adminID, &inv.CancelReason,
		&inv.ExpiresAt, &sentAt, &openedAt, &completedAt, &cancelledAt, &expiredAt,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.InvitedBy.Type = rbac.ActorType(invitedByType)
	inv.OrganizationID = storage.StringPtr(orgID)
	inv.Scope = rbac.Scope{PMCID: scopePMC.String, LandlordID: scopeLandlord.String, PropertyID: scopeProperty.String}
	inv.LandlordID = storage.StringPtr(landlordID)
	inv.TenantID = storage.StringPtr(tenantID)
	inv.PMCID = storage.StringPtr(pmcID)
	inv.ServiceProviderID = storage.StringPtr(spID)
	inv.AdminID = storage.StringPtr(adminID)
	inv.SentAt = storage.TimePtr(sentAt)
	inv.OpenedAt = storage.TimePtr(openedAt)
	inv.CompletedAt = storage.TimePtr(completedAt)
	inv.CancelledAt = storage.TimePtr(cancelledAt)
	inv.ExpiredAt = storage.TimePtr(expiredAt)
	return &inv, nil
}

func (s *Service) getBy(ctx context.Context, q storage.DBTX, column, value string) (*Invitation, error) {
	inv, err := scanInvitation(q.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE `+column+` = $1`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return inv, nil
}

func (s *Service) entry(by rbac.Actor, action string, inv *Invitation) audit.Entry {
	e := audit.Entry{
		ActorID:    by.ID,
		ActorType:  string(by.Type),
		Action:     action,
		EntityType: audit.EntityInvitation,
	}
	if inv != nil {
		e.OrganizationID = inv.OrganizationID
		e.EntityID = inv.ID
		e.Before = inv
	}
	return e
}

func inviteeEntry(action string, inv *Invitation) audit.Entry {
	return audit.Entry{
		OrganizationID: inv.OrganizationID,
		ActorID:        "invitee:" + inv.ID,
		ActorType:      InviteeActorType,
		Action:         action,
		EntityType:     audit.EntityInvitation,
		EntityID:       inv.ID,
		Before:         inv,
	}
}

func (req *CreateRequest) normalize() error {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return fmt.Errorf("%w: invalid email %q", rbac.ErrInvalidInput, req.Email)
	}
	req.Email = strings.ToLower(addr.Address)
	req.Type = Type(strings.ToLower(strings.TrimSpace(string(req.Type))))
	if !req.Type.Valid() {
		return fmt.Errorf("%w: unknown invitation type %q", rbac.ErrInvalidInput, req.Type)
	}
	if req.OrganizationID == nil || strings.TrimSpace(*req.OrganizationID) == "" {
		return fmt.Errorf("%w: invitations require an organization", rbac.ErrInvalidInput)
	}
	if req.TTL < 0 {
		return fmt.Errorf("%w: ttl must be positive", rbac.ErrInvalidInput)
	}
	return nil
}

// Create stores a pending invitation with a fresh token
func (s *Service) Create(ctx context.Context, by rbac.Actor, req CreateRequest) (*Invitation, error) {
	if err := by.Validate(); err != nil {
		return nil, err
	}
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if err := s.authorizeInviter(ctx, by, req.Type, *req.OrganizationID); err != nil {
		return nil, err
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.ttl
	}

	token, err := s.newToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	now := s.now().UTC()

	var created *Invitation
	entry := s.entry(by, audit.ActionInvitationCreated, nil)
	entry.OrganizationID = req.OrganizationID
	err = s.recorder.Mutate(ctx, s.db, entry, func(tx *sql.Tx, e *audit.Entry) error {
		id := storage.NewID()
		e.EntityID = id
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invitations (
				id, token, email, invitation_type, status, organization_id,
				scope_pmc_id, scope_landlord_id, scope_property_id,
				invited_by_id, invited_by_type, invited_by_role,
				expires_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
			id, token, req.Email, req.Type, StatusPending, storage.NullString(req.OrganizationID),
			storage.NullIfEmpty(req.Scope.PMCID),
			storage.NullIfEmpty(req.Scope.LandlordID),
			storage.NullIfEmpty(req.Scope.PropertyID),
			by.ID, by.Type, req.InvitedByRole,
			now.Add(ttl), now,
		)
		if err != nil {
			return fmt.Errorf("failed to create invitation: %w", err)
		}
		created, err = s.getBy(ctx, tx, "id", id)
		if err != nil {
			return err
		}
		e.After = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition("new", string(StatusPending))
	s.logger.WithFields(map[string]interface{}{
		"invitation_id":   created.ID,
		"invitation_type": created.Type,
		"organization_id": *created.OrganizationID,
	}).Info("Invitation created")
	return created, nil
}

// authorizeInviter checks that by holds, in organizationID, the permission the
// invitation type requires of its inviter
func (s *Service) authorizeInviter(ctx context.Context, by rbac.Actor, t Type, organizationID string) error {
	o, ok := t.Onboarding()
	if !ok {
		return fmt.Errorf("%w: unknown invitation type %q", rbac.ErrInvalidInput, t)
	}
	_, err := s.guard.Authorize(ctx, by, o.InviterCategory, rbac.WildcardResource, o.InviterAction, organizationID)
	if errors.Is(err, tenancy.ErrForbidden) {
		return fmt.Errorf("%w: %s may not issue %s invitations", tenancy.ErrForbidden, by, t)
	}
	return err
}

// Get returns an invitation visible to actor. Invitations in other organizations are
// reported as not found.
func (s *Service) Get(ctx context.Context, actor rbac.Actor, id string) (*Invitation, error) {
	q := tenancy.From(Resource{}, invitationColumnList...).Where("id = ?", id)
	scoped, err := s.guard.ScopeQuery(ctx, q, actor, "")
	if err != nil {
		return nil, err
	}
	list, err := s.query(ctx, scoped)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrInvitationNotFound
	}
	return list[0], nil
}

// List returns the invitations visible to actor, newest first
func (s *Service) List(ctx context.Context, actor rbac.Actor, filter ListFilter) ([]*Invitation, error) {
	q := tenancy.From(Resource{}, invitationColumnList...).OrderBy("created_at DESC, id")
	if filter.Status != "" {
		q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q.Limit(filter.Limit).Offset(filter.Offset)
	}
	scoped, err := s.guard.ScopeQuery(ctx, q, actor, filter.OrganizationID)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, scoped)
}

func (s *Service) query(ctx context.Context, scoped *tenancy.ScopedQuery) ([]*Invitation, error) {
	rows, err := scoped.Query(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []*Invitation{}
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invitation: %w", err)
		}
		list = append(list, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	return list, nil
}

// Dispatch moves a pending invitation to sent, or resends a sent one, and returns what
// the email collaborator needs
func (s *Service) Dispatch(ctx context.Context, by rbac.Actor, id string) (*Dispatch, error) {
	if err := by.Validate(); err != nil {
		return nil, err
	}
	inv, err := s.current(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	org := ""
	if inv.OrganizationID != nil {
		org = *inv.OrganizationID
	}
	if err := s.authorizeInviter(ctx, by, inv.Type, org); err != nil {
		return nil, err
	}
	if _, err := next(inv.Status, eventDispatch); err != nil {
		return nil, err
	}

	updated, err := s.transition(ctx, s.entry(by, audit.ActionInvitationSent, inv), inv, eventDispatch, "sent_at")
	if errors.Is(err, errStatusChanged) {
		return nil, fmt.Errorf("%w: invitation changed while dispatching", ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}
	return &Dispatch{
		InvitationID: updated.ID,
		Email:        updated.Email,
		Type:         updated.Type,
		Token:        updated.Token,
		ExpiresAt:    updated.ExpiresAt,
	}, nil
}

// Resolve looks an invitation up by token for the acceptance page. The first resolve of a
// sent invitation marks it opened.
func (s *Service) Resolve(ctx context.Context, token string) (*Invitation, error) {
	inv, err := s.current(ctx, "token", token)
	if err != nil {
		return nil, err
	}
	if err := statusError(inv.Status); err != nil {
		return nil, err
	}
	if inv.Status != StatusSent {
		return inv, nil
	}

	opened, err := s.transition(ctx, inviteeEntry(audit.ActionInvitationOpened, inv), inv, eventOpen, "opened_at")
	if errors.Is(err, errStatusChanged) {
		return s.Resolve(ctx, token)
	}
	return opened, err
}

// Cancel withdraws an invitation that has not been accepted
func (s *Service) Cancel(ctx context.Context, by rbac.Actor, id, reason string) (*Invitation, error) {
	if err := by.Validate(); err != nil {
		return nil, err
	}
	inv, err := s.current(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	to, err := next(inv.Status, eventCancel)
	if err != nil {
		return nil, err
	}

	var cancelled *Invitation
	err = s.recorder.Mutate(ctx, s.db, s.entry(by, audit.ActionInvitationCancelled, inv), func(tx *sql.Tx, e *audit.Entry) error {
		now := s.now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE invitations
			SET status = $1, cancel_reason = $2, cancelled_at = $3, updated_at = $3
			WHERE id = $4 AND status = $5`,
			to, strings.TrimSpace(reason), now, inv.ID, inv.Status)
		if err != nil {
			return fmt.Errorf("failed to cancel invitation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: invitation changed while cancelling", ErrInvalidTransition)
		}
		cancelled, err = s.getBy(ctx, tx, "id", inv.ID)
		if err != nil {
			return err
		}
		e.After = cancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveTransition(string(inv.Status), string(to))
	return cancelled, nil
}

// ExpireOverdue marks every non-terminal invitation past its expiry as expired and
// returns how many it changed. Each invitation is expired and audited on its own.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE status IN ($1, $2, $3) AND expires_at < $4
		ORDER BY expires_at`,
		StatusPending, StatusSent, StatusOpened, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to find overdue invitations: %w", err)
	}
	var overdue []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan invitation: %w", err)
		}
		overdue = append(overdue, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to find overdue invitations: %w", err)
	}

	expired := 0
	for _, inv := range overdue {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		changed, err := s.expire(ctx, inv)
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		s.logger.WithField("count", expired).Info("Expired overdue invitations")
	}
	return expired, nil
}

// current loads an invitation and applies lazy expiry
func (s *Service) current(ctx context.Context, column, value string) (*Invitation, error) {
	inv, err := s.getBy(ctx, s.db, column, value)
	if err != nil {
		return nil, err
	}
	if !inv.Overdue(s.now()) {
		return inv, nil
	}
	if _, err := s.expire(ctx, inv); err != nil {
		return nil, err
	}
	return s.getBy(ctx, s.db, "id", inv.ID)
}

// expire flips one invitation to expired. It reports false when the invitation had
// already left its status.
func (s *Service) expire(ctx context.Context, inv *Invitation) (bool, error) {
	_, err := s.transition(ctx, s.entry(rbac.SystemActor, audit.ActionInvitationExpired, inv), inv, eventExpire, "expired_at")
	if errors.Is(err, errStatusChanged) {
		return false, nil
	}
	return err == nil, err
}

// transition applies a status-only move guarded by a compare-and-set on the current
// status, stamping stampColumn. It returns errStatusChanged when the status moved first.
func (s *Service) transition(ctx context.Context, entry audit.Entry, inv *Invitation, ev event, stampColumn string) (*Invitation, error) {
	to, err := next(inv.Status, ev)
	if err != nil {
		return nil, err
	}

	var updated *Invitation
	err = s.recorder.Mutate(ctx, s.db, entry, func(tx *sql.Tx, e *audit.Entry) error {
		now := s.now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE invitations SET status = $1, `+stampColumn+` = $2, updated_at = $2
			WHERE id = $3 AND status = $4`,
			to, now, inv.ID, inv.Status)
		if err != nil {
			return fmt.Errorf("failed to update invitation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return audit.ErrNoMutation
		}
		updated, err = s.getBy(ctx, tx, "id", inv.ID)
		if err != nil {
			return err
		}
		e.After = updated
		return nil
	})
	if errors.Is(err, audit.ErrNoMutation) {
		return nil, errStatusChanged
	}
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveTransition(string(inv.Status), string(to))
	return updated, nil
}
