package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ListUpcomingAppointments returns appointments across all tenants that
// start within the horizon. The reminder sweep is the only cross-tenant
// reader of appointment data.
func (r *Repository) ListUpcomingAppointments(ctx context.Context, horizon time.Duration) ([]*Appointment, error) {
	query := `
		SELECT id, tenant_id, client_name, client_phone, service, starts_at
		FROM appointments
		WHERE starts_at > now() AND starts_at <= now() + $1
		ORDER BY tenant_id, starts_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, horizon)
	if err != nil {
		return nil, fmt.Errorf("query upcoming appointments: %w", err)
	}
	defer rows.Close()

	var appts []*Appointment
	for rows.Next() {
		var a Appointment
		err := rows.Scan(
			&a.ID,
			&a.TenantID,
			&a.ClientName,
			&a.ClientPhone,
			&a.Service,
			&a.StartsAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		appts = append(appts, &a)
	}

	return appts, rows.Err()
}

// GetReminderTemplate retrieves a tenant's reminder template.
func (r *Repository) GetReminderTemplate(ctx context.Context, tenantID uuid.UUID) (*ReminderTemplate, error) {
	query := `
		SELECT tenant_id, salon_name, body, sms_fallback
		FROM reminder_templates
		WHERE tenant_id = $1
	`

	var t ReminderTemplate
	err := r.db.Pool().QueryRow(ctx, query, tenantID).Scan(
		&t.TenantID,
		&t.SalonName,
		&t.Body,
		&t.SMSFallback,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reminder template: %w", err)
	}

	return &t, nil
}

// ReminderExists reports whether a non-failed queue entry already exists
// for the appointment+kind pair. Failed reminders may be re-enqueued by
// a later sweep; queued and sent ones must not be duplicated.
func (r *Repository) ReminderExists(ctx context.Context, tenantID, appointmentRef uuid.UUID, kind string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE tenant_id = $1
			  AND appointment_ref = $2
			  AND reminder_kind = $3
			  AND status <> $4
		)
	`

	var exists bool
	err := r.db.Pool().QueryRow(ctx, query, tenantID, appointmentRef, kind, StatusFailed).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reminder exists: %w", err)
	}

	return exists, nil
}
