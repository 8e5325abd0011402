package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/glowdesk/courier/internal/session"
)

// DeliveryResult is the outcome of a successful protocol send.
type DeliveryResult struct {
	ProtocolMessageID string
}

// ErrPermanent marks delivery errors that must not be retried, e.g. an
// invalid recipient address. Wrap with fmt.Errorf("...: %w", ErrPermanent)
// or errors.Join so errors.Is sees it.
var ErrPermanent = errors.New("permanent delivery error")

// ErrNotReady is returned when a send is attempted for a tenant whose
// session cannot deliver messages.
var ErrNotReady = errors.New("session not ready")

// Transport is the protocol bridge for one messaging upstream. Connect
// starts (or resumes) a tenant's session and returns a stream of
// lifecycle events; the stream closes when the upstream session ends or
// the context is cancelled.
type Transport interface {
	Connect(ctx context.Context, tenantID uuid.UUID) (<-chan session.Event, error)
	Send(ctx context.Context, tenantID uuid.UUID, recipient, body string) (*DeliveryResult, error)
	Disconnect(ctx context.Context, tenantID uuid.UUID) error
}
