package db

import (
	"time"

	"github.com/google/uuid"
)

// Session is the durable record of one tenant's WhatsApp connection.
// Exactly one row per tenant; the process holding the live protocol
// client owns all state-field writes for that tenant.
type Session struct {
	TenantID          uuid.UUID  `json:"tenant_id"`
	State             string     `json:"state"`
	IsConnected       bool       `json:"is_connected"`
	ChannelIdentity   *string    `json:"channel_identity,omitempty"`
	PairingCode       *string    `json:"pairing_code,omitempty"`
	LastConnectedAt   *time.Time `json:"last_connected_at,omitempty"`
	LastActivityAt    *time.Time `json:"last_activity_at,omitempty"`
	MessagesSentToday int        `json:"messages_sent_today"`
	RateLimitResetAt  *time.Time `json:"rate_limit_reset_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Session state constants
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateReady        = "ready"
)

// Message is one row in the outbound ledger. Rows are never deleted;
// terminal rows are superseded by status.
type Message struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       uuid.UUID  `json:"tenant_id"`
	Recipient      string     `json:"recipient"`
	Body           string     `json:"body"`
	MessageType    string     `json:"message_type"`
	Channel        string     `json:"channel"`
	Priority       int        `json:"priority"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	Status         string     `json:"status"`
	AppointmentRef *uuid.UUID `json:"appointment_ref,omitempty"`
	ReminderKind   *string    `json:"reminder_kind,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Queue status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFailed     = "failed"
)

// Message type constants
const (
	TypeDirect   = "direct"
	TypeReminder = "reminder"
)

// Channel constants
const (
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
)

// DefaultMaxAttempts is the attempt ceiling applied when a caller does
// not specify one.
const DefaultMaxAttempts = 3

// DeliveryRecord is the audit projection: one row per terminal delivery
// outcome, linking back to the queue entry.
type DeliveryRecord struct {
	ID                uuid.UUID `json:"id"`
	MessageID         uuid.UUID `json:"message_id"`
	TenantID          uuid.UUID `json:"tenant_id"`
	Outcome           string    `json:"outcome"`
	ProtocolMessageID *string   `json:"protocol_message_id,omitempty"`
	ErrorText         *string   `json:"error_text,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Delivery outcome constants
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

// Appointment is the minimal projection of the CRM's appointment data
// that the reminder sweep reads. The CRM owns writes to this table.
type Appointment struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	ClientName  string    `json:"client_name"`
	ClientPhone string    `json:"client_phone"`
	Service     string    `json:"service"`
	StartsAt    time.Time `json:"starts_at"`
}

// ReminderTemplate holds a tenant's reminder message template. The body
// may contain {clientName}, {service}, {time}, {date} and {salonName}
// placeholders.
type ReminderTemplate struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	SalonName   string    `json:"salon_name"`
	Body        string    `json:"body"`
	SMSFallback bool      `json:"sms_fallback"`
}
