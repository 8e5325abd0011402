package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// ErrAlreadySettled is returned when a terminal-state transition is
// attempted on a row that is no longer processing. Sent and failed rows
// are immutable.
var ErrAlreadySettled = errors.New("message already settled")

// ErrDuplicateReminder is returned when an enqueue loses the unique
// race on the appointment+kind dedup index: another sweep already
// queued this reminder.
var ErrDuplicateReminder = errors.New("reminder already queued")

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == "23505" &&
		pgErr.ConstraintName == constraint
}

const messageColumns = `
	id, tenant_id, recipient, body, message_type, channel, priority,
	scheduled_for, attempts, max_attempts, status, appointment_ref,
	reminder_kind, last_error, created_at, updated_at
`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.Recipient,
		&m.Body,
		&m.MessageType,
		&m.Channel,
		&m.Priority,
		&m.ScheduledFor,
		&m.Attempts,
		&m.MaxAttempts,
		&m.Status,
		&m.AppointmentRef,
		&m.ReminderKind,
		&m.LastError,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Enqueue inserts a message into the outbound ledger.
func (r *Repository) Enqueue(ctx context.Context, msg *Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = DefaultMaxAttempts
	}
	if msg.ScheduledFor.IsZero() {
		msg.ScheduledFor = time.Now().UTC()
	}
	if msg.Channel == "" {
		msg.Channel = ChannelWhatsApp
	}
	msg.Status = StatusPending

	query := `
		INSERT INTO messages (
			id, tenant_id, recipient, body, message_type, channel, priority,
			scheduled_for, attempts, max_attempts, status, appointment_ref,
			reminder_kind
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.ID,
		msg.TenantID,
		msg.Recipient,
		msg.Body,
		msg.MessageType,
		msg.Channel,
		msg.Priority,
		msg.ScheduledFor,
		msg.MaxAttempts,
		msg.Status,
		msg.AppointmentRef,
		msg.ReminderKind,
	).Scan(&msg.CreatedAt, &msg.UpdatedAt)

	if isUniqueViolation(err, "idx_messages_reminder_dedup") {
		return fmt.Errorf("insert message: %w", ErrDuplicateReminder)
	}
	if err != nil {
		r.logger.Error("failed to enqueue message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
			zap.String("tenant_id", msg.TenantID.String()),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	r.logger.Info("message enqueued",
		zap.String("message_id", msg.ID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("message_type", msg.MessageType),
	)

	return nil
}

// ClaimDue atomically claims up to limit due pending messages for a
// tenant, moving them to processing and burning one attempt each.
// SKIP LOCKED makes claims exclusive across concurrent workers; a losing
// claim simply sees fewer rows.
func (r *Repository) ClaimDue(ctx context.Context, tenantID uuid.UUID, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE tenant_id = $1
		  AND status = $2
		  AND scheduled_for <= now()
		ORDER BY priority ASC, scheduled_for ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`

	rows, err := tx.Query(ctx, query, tenantID, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query due messages: %w", err)
	}

	var claimed []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		claimed = append(claimed, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	if len(claimed) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return nil, nil
	}

	ids := make([]uuid.UUID, len(claimed))
	for i, m := range claimed {
		ids[i] = m.ID
	}

	_, err = tx.Exec(ctx, `
		UPDATE messages
		SET status = $1, attempts = attempts + 1, updated_at = now()
		WHERE id = ANY($2)
	`, StatusProcessing, ids)
	if err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	now := time.Now().UTC()
	for _, m := range claimed {
		m.Status = StatusProcessing
		m.Attempts++
		m.UpdatedAt = now
	}

	return claimed, nil
}

// ReleaseClaim puts a processing message back to pending without burning
// the attempt. Used when the rate limiter defers a send.
func (r *Repository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE messages
		SET status = $1, attempts = attempts - 1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, StatusPending, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadySettled
	}
	return nil
}

// MarkSent settles a processing message as sent and appends the audit
// record in the same transaction. Settling an already-settled row
// returns ErrAlreadySettled and changes nothing.
func (r *Repository) MarkSent(ctx context.Context, msg *Message, protocolMessageID string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE messages
		SET status = $1, last_error = NULL, updated_at = now()
		WHERE id = $2 AND status = $3
	`, StatusSent, msg.ID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadySettled
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_records (id, message_id, tenant_id, outcome, protocol_message_id)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), msg.ID, msg.TenantID, OutcomeSent, protocolMessageID)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	msg.Status = StatusSent

	r.logger.Info("message sent",
		zap.String("message_id", msg.ID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("protocol_message_id", protocolMessageID),
	)

	return nil
}

// RetryLater reverts a processing message to pending with a new eligible
// time after a retryable failure.
func (r *Repository) RetryLater(ctx context.Context, id uuid.UUID, errText string, nextAt time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE messages
		SET status = $1, last_error = $2, scheduled_for = $3, updated_at = now()
		WHERE id = $4 AND status = $5
	`, StatusPending, errText, nextAt, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("retry later: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadySettled
	}
	return nil
}

// FailTerminal settles a processing message as failed and appends the
// audit record in the same transaction.
func (r *Repository) FailTerminal(ctx context.Context, msg *Message, errText string) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result, err := tx.Exec(ctx, `
		UPDATE messages
		SET status = $1, last_error = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, StatusFailed, errText, msg.ID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadySettled
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO delivery_records (id, message_id, tenant_id, outcome, error_text)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), msg.ID, msg.TenantID, OutcomeFailed, errText)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	msg.Status = StatusFailed

	r.logger.Warn("message failed",
		zap.String("message_id", msg.ID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("error", errText),
	)

	return nil
}

// GetMessage retrieves a message by ID
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	m, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}

	return m, nil
}

// ListMessagesByTenant retrieves a tenant's messages with pagination,
// newest first.
func (r *Repository) ListMessagesByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// GetDeliveryRecord returns the audit row for a message, if it has
// settled.
func (r *Repository) GetDeliveryRecord(ctx context.Context, messageID uuid.UUID) (*DeliveryRecord, error) {
	query := `
		SELECT id, message_id, tenant_id, outcome, protocol_message_id, error_text, created_at
		FROM delivery_records
		WHERE message_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var rec DeliveryRecord
	err := r.db.Pool().QueryRow(ctx, query, messageID).Scan(
		&rec.ID,
		&rec.MessageID,
		&rec.TenantID,
		&rec.Outcome,
		&rec.ProtocolMessageID,
		&rec.ErrorText,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery record: %w", err)
	}

	return &rec, nil
}
