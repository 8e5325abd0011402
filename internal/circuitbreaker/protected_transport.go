package circuitbreaker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowdesk/courier/internal/channel"
	"github.com/glowdesk/courier/internal/session"
)

// ProtectedTransport wraps a channel.Transport with a circuit breaker on
// the send path. Connects and disconnects pass through: the pairing flow
// has its own timeout, and teardown must never be rejected.
//
// ErrCircuitOpen surfaces as a transient send error; the delivery worker
// reschedules the message with backoff rather than failing it.
type ProtectedTransport struct {
	inner   channel.Transport
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedTransport wraps a transport with the given breaker.
func NewProtectedTransport(inner channel.Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
	}
}

// Connect passes through to the underlying transport.
func (t *ProtectedTransport) Connect(ctx context.Context, tenantID uuid.UUID) (<-chan session.Event, error) {
	return t.inner.Connect(ctx, tenantID)
}

// Send delivers through the breaker, failing fast while the upstream is
// considered down.
func (t *ProtectedTransport) Send(ctx context.Context, tenantID uuid.UUID, recipient, body string) (*channel.DeliveryResult, error) {
	if !t.breaker.Allow() {
		t.logger.Debug("send rejected by circuit breaker",
			zap.String("tenant_id", tenantID.String()),
			zap.String("breaker", t.breaker.String()),
		)
		return nil, fmt.Errorf("gateway unavailable: %w", ErrCircuitOpen)
	}

	result, err := t.inner.Send(ctx, tenantID, recipient, body)
	if err != nil {
		t.breaker.RecordFailure()
		return nil, err
	}

	t.breaker.RecordSuccess()
	return result, nil
}

// Disconnect passes through to the underlying transport.
func (t *ProtectedTransport) Disconnect(ctx context.Context, tenantID uuid.UUID) error {
	return t.inner.Disconnect(ctx, tenantID)
}
