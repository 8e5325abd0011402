// Package session models the per-tenant connection lifecycle as a pure
// state machine over the persisted session row. The transport layer
// translates protocol callbacks into Events; Apply computes the next
// session without touching the network or the database, so every
// transition is unit-testable.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/glowdesk/courier/internal/db"
)

// EventType identifies a protocol-level lifecycle event.
type EventType string

const (
	// EventPairingCode carries a fresh QR payload. Valid from
	// disconnected or connecting (the upstream may rotate codes while
	// the user hasn't scanned yet).
	EventPairingCode EventType = "pairing_code"

	// EventAuthenticated fires once the external device completes the
	// pairing scan. The channel identity is known from here on.
	EventAuthenticated EventType = "authenticated"

	// EventReady fires when the client can send messages.
	EventReady EventType = "ready"

	// EventDisconnected tears the session down from any state. The
	// cause distinguishes user-initiated disconnects from pairing
	// timeouts and auth failures in logs and metrics.
	EventDisconnected EventType = "disconnected"
)

// Disconnect causes
const (
	CauseUser           = "user"
	CausePairingTimeout = "pairing_timeout"
	CauseAuthFailure    = "auth_failure"
	CauseTransport      = "transport"
	CauseIdle           = "idle"
)

// Event is one lifecycle event applied to a session.
type Event struct {
	Type            EventType
	PairingCode     string
	ChannelIdentity string
	Cause           string
}

// ErrInvalidTransition is returned when an event does not apply to the
// session's current state.
var ErrInvalidTransition = errors.New("invalid session transition")

// Apply computes the session's next state. It maintains two invariants:
// the pairing code is set iff the session is connecting, and the channel
// identity is set iff the session is connected or ready.
func Apply(s db.Session, ev Event, now time.Time) (db.Session, error) {
	switch ev.Type {
	case EventPairingCode:
		if s.State != db.StateDisconnected && s.State != db.StateConnecting {
			return s, fmt.Errorf("%w: %s event in state %s", ErrInvalidTransition, ev.Type, s.State)
		}
		if ev.PairingCode == "" {
			return s, fmt.Errorf("%w: empty pairing code", ErrInvalidTransition)
		}
		code := ev.PairingCode
		s.State = db.StateConnecting
		s.IsConnected = false
		s.PairingCode = &code
		s.ChannelIdentity = nil
		return s, nil

	case EventAuthenticated:
		if s.State != db.StateConnecting {
			return s, fmt.Errorf("%w: %s event in state %s", ErrInvalidTransition, ev.Type, s.State)
		}
		if ev.ChannelIdentity == "" {
			return s, fmt.Errorf("%w: empty channel identity", ErrInvalidTransition)
		}
		identity := ev.ChannelIdentity
		s.State = db.StateConnected
		s.IsConnected = true
		s.PairingCode = nil
		s.ChannelIdentity = &identity
		return s, nil

	case EventReady:
		// A resumed upstream session reports ready as its first event,
		// skipping the pairing handshake entirely, so ready is accepted
		// from any non-ready state as long as an identity is known.
		if s.State == db.StateReady {
			return s, fmt.Errorf("%w: %s event in state %s", ErrInvalidTransition, ev.Type, s.State)
		}
		identity := ev.ChannelIdentity
		if identity == "" && s.ChannelIdentity != nil {
			identity = *s.ChannelIdentity
		}
		if identity == "" {
			return s, fmt.Errorf("%w: ready without channel identity", ErrInvalidTransition)
		}
		t := now
		s.State = db.StateReady
		s.IsConnected = true
		s.PairingCode = nil
		s.ChannelIdentity = &identity
		s.LastConnectedAt = &t
		s.LastActivityAt = &t
		return s, nil

	case EventDisconnected:
		s.State = db.StateDisconnected
		s.IsConnected = false
		s.PairingCode = nil
		s.ChannelIdentity = nil
		return s, nil

	default:
		return s, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Type)
	}
}

// NewSession returns the disconnected session row created on a tenant's
// first connect request.
func NewSession(tenantID uuid.UUID) db.Session {
	return db.Session{
		TenantID: tenantID,
		State:    db.StateDisconnected,
	}
}
