package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for sessions, the message
// ledger and the reminder sweep.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetSession retrieves the session row for a tenant.
func (r *Repository) GetSession(ctx context.Context, tenantID uuid.UUID) (*Session, error) {
	query := `
		SELECT
			tenant_id, state, is_connected, channel_identity, pairing_code,
			last_connected_at, last_activity_at, messages_sent_today,
			rate_limit_reset_at, created_at, updated_at
		FROM sessions
		WHERE tenant_id = $1
	`

	var s Session
	err := r.db.Pool().QueryRow(ctx, query, tenantID).Scan(
		&s.TenantID,
		&s.State,
		&s.IsConnected,
		&s.ChannelIdentity,
		&s.PairingCode,
		&s.LastConnectedAt,
		&s.LastActivityAt,
		&s.MessagesSentToday,
		&s.RateLimitResetAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		r.logger.Error("failed to get session",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		return nil, fmt.Errorf("query session: %w", err)
	}

	return &s, nil
}

// UpsertSession writes the connection-state fields of a session, keyed by
// tenant. The write is idempotent; only the process owning the tenant's
// live client calls it, so last-writer-wins on the state fields is safe.
// The send counters are owned by RecordSend and left untouched here.
func (r *Repository) UpsertSession(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO sessions (
			tenant_id, state, is_connected, channel_identity, pairing_code,
			last_connected_at, last_activity_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			state = EXCLUDED.state,
			is_connected = EXCLUDED.is_connected,
			channel_identity = EXCLUDED.channel_identity,
			pairing_code = EXCLUDED.pairing_code,
			last_connected_at = EXCLUDED.last_connected_at,
			last_activity_at = EXCLUDED.last_activity_at,
			updated_at = now()
		RETURNING messages_sent_today, rate_limit_reset_at, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		s.TenantID,
		s.State,
		s.IsConnected,
		s.ChannelIdentity,
		s.PairingCode,
		s.LastConnectedAt,
		s.LastActivityAt,
	).Scan(&s.MessagesSentToday, &s.RateLimitResetAt, &s.CreatedAt, &s.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to upsert session",
			zap.Error(err),
			zap.String("tenant_id", s.TenantID.String()),
		)
		return fmt.Errorf("upsert session: %w", err)
	}

	return nil
}

// RecordSend bumps the tenant's daily send counter and activity time.
// The counter resets lazily on the first send after the reset mark.
func (r *Repository) RecordSend(ctx context.Context, tenantID uuid.UUID) error {
	query := `
		UPDATE sessions SET
			messages_sent_today = CASE
				WHEN rate_limit_reset_at IS NULL OR rate_limit_reset_at <= now() THEN 1
				ELSE messages_sent_today + 1
			END,
			rate_limit_reset_at = CASE
				WHEN rate_limit_reset_at IS NULL OR rate_limit_reset_at <= now()
					THEN date_trunc('day', now()) + interval '1 day'
				ELSE rate_limit_reset_at
			END,
			last_activity_at = now(),
			updated_at = now()
		WHERE tenant_id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReadyTenants returns tenants whose session can send right now.
func (r *Repository) ListReadyTenants(ctx context.Context) ([]uuid.UUID, error) {
	query := `SELECT tenant_id FROM sessions WHERE state = $1`

	rows, err := r.db.Pool().Query(ctx, query, StateReady)
	if err != nil {
		return nil, fmt.Errorf("query ready tenants: %w", err)
	}
	defer rows.Close()

	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}

	return tenants, rows.Err()
}

// ListIdleTenants returns connected tenants with no activity since the
// cutoff, candidates for the inactivity teardown.
func (r *Repository) ListIdleTenants(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT tenant_id FROM sessions
		WHERE is_connected = true
		  AND last_activity_at IS NOT NULL
		  AND last_activity_at < $1
	`

	rows, err := r.db.Pool().Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query idle tenants: %w", err)
	}
	defer rows.Close()

	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}

	return tenants, rows.Err()
}

// ActiveTenantCount counts tenants with a connected session.
func (r *Repository) ActiveTenantCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT count(*) FROM sessions WHERE is_connected = true`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active tenants: %w", err)
	}
	return count, nil
}
