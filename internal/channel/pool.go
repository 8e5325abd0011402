package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowdesk/courier/internal/db"
	"github.com/glowdesk/courier/internal/metrics"
	"github.com/glowdesk/courier/internal/session"
)

// Store is the session persistence the pool writes through.
type Store interface {
	GetSession(ctx context.Context, tenantID uuid.UUID) (*db.Session, error)
	UpsertSession(ctx context.Context, s *db.Session) error
}

// PoolConfig holds pool settings.
type PoolConfig struct {
	// PairingTimeout bounds how long a generated code may sit unscanned
	// before the attempt is abandoned.
	PairingTimeout time.Duration
}

// Pool owns at most one live protocol client per tenant. It mediates the
// pairing handshake, feeds transport events through the session state
// machine into the store, and serializes sends per tenant.
type Pool struct {
	store     Store
	transport Transport
	cfg       PoolConfig
	logger    *zap.Logger

	mu      sync.Mutex
	clients map[uuid.UUID]*client
}

type client struct {
	tenantID uuid.UUID
	cancel   context.CancelFunc
	done     chan struct{}

	// sendMu serializes sends for the tenant; no two concurrent sends
	// may run for the same session.
	sendMu sync.Mutex

	stateMu sync.Mutex
	state   string
}

func (c *client) setState(s string) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *client) currentState() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// NewPool creates a channel client pool.
func NewPool(store Store, transport Transport, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.PairingTimeout == 0 {
		cfg.PairingTimeout = 2 * time.Minute
	}

	return &Pool{
		store:     store,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		clients:   make(map[uuid.UUID]*client),
	}
}

// Connect initiates (or resumes) a tenant's session. Calling it while a
// client already exists for the tenant is a no-op returning the current
// session; an already-ready tenant gets no new pairing code.
func (p *Pool) Connect(ctx context.Context, tenantID uuid.UUID) (*db.Session, error) {
	p.mu.Lock()
	if _, exists := p.clients[tenantID]; exists {
		p.mu.Unlock()
		return p.currentSession(ctx, tenantID)
	}

	// Reserve the slot before the handshake so a racing Connect for the
	// same tenant sees the client and backs off.
	clientCtx, cancel := context.WithCancel(context.Background())
	c := &client{
		tenantID: tenantID,
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    db.StateDisconnected,
	}
	p.clients[tenantID] = c
	metrics.SetActiveClients(len(p.clients))
	p.mu.Unlock()

	sess, err := p.loadOrCreate(ctx, tenantID)
	if err != nil {
		p.remove(c)
		cancel()
		return nil, err
	}

	events, err := p.transport.Connect(clientCtx, tenantID)
	if err != nil {
		p.remove(c)
		cancel()
		return nil, fmt.Errorf("transport connect: %w", err)
	}

	// A persisted ready/connecting state belonged to a client a previous
	// process owned; this handshake re-establishes it from scratch.
	seed := *sess
	if seed.State != db.StateDisconnected {
		seed.State = db.StateDisconnected
		seed.IsConnected = false
		seed.PairingCode = nil
		seed.ChannelIdentity = nil
	}

	go p.run(clientCtx, c, events, seed)

	p.logger.Info("session connect initiated",
		zap.String("tenant_id", tenantID.String()),
	)

	return sess, nil
}

// Disconnect tears down the tenant's live client and marks the session
// disconnected. Safe to call for a tenant with no client.
func (p *Pool) Disconnect(ctx context.Context, tenantID uuid.UUID) error {
	p.mu.Lock()
	c := p.clients[tenantID]
	delete(p.clients, tenantID)
	metrics.SetActiveClients(len(p.clients))
	p.mu.Unlock()

	if c != nil {
		c.cancel()
		if err := p.transport.Disconnect(ctx, tenantID); err != nil {
			p.logger.Warn("transport disconnect failed",
				zap.Error(err),
				zap.String("tenant_id", tenantID.String()),
			)
		}
	}

	sess, err := p.store.GetSession(ctx, tenantID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if sess.State != db.StateDisconnected {
		next, err := session.Apply(*sess, session.Event{
			Type:  session.EventDisconnected,
			Cause: session.CauseUser,
		}, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := p.store.UpsertSession(ctx, &next); err != nil {
			return err
		}
		metrics.RecordSessionTransition(db.StateDisconnected, session.CauseUser)
	}

	p.logger.Info("session disconnected",
		zap.String("tenant_id", tenantID.String()),
		zap.String("cause", session.CauseUser),
	)

	return nil
}

// Send delivers one message over the tenant's live client. Sends for the
// same tenant are serialized.
func (p *Pool) Send(ctx context.Context, tenantID uuid.UUID, recipient, body string) (*DeliveryResult, error) {
	p.mu.Lock()
	c := p.clients[tenantID]
	p.mu.Unlock()

	if c == nil || c.currentState() != db.StateReady {
		return nil, ErrNotReady
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// Re-check under the send lock; the session may have dropped while
	// a previous send held it.
	if c.currentState() != db.StateReady {
		return nil, ErrNotReady
	}

	return p.transport.Send(ctx, tenantID, recipient, body)
}

// Size returns the number of live clients in this process.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Has reports whether a live client exists for the tenant.
func (p *Pool) Has(tenantID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[tenantID]
	return ok
}

// Shutdown stops all client loops. Upstream sessions are left intact so
// they can resume after restart; only an explicit Disconnect logs a
// tenant out.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	clients := make([]*client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[uuid.UUID]*client)
	metrics.SetActiveClients(0)
	p.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		<-c.done
	}
}

// run drives one tenant's lifecycle: transport events go through the
// state machine and into the store until the session ends.
func (p *Pool) run(ctx context.Context, c *client, events <-chan session.Event, sess db.Session) {
	defer close(c.done)

	var pairingTimer *time.Timer
	var pairingC <-chan time.Time
	stopPairingTimer := func() {
		if pairingTimer != nil {
			pairingTimer.Stop()
			pairingTimer = nil
			pairingC = nil
		}
	}
	defer stopPairingTimer()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pairingC:
			// Code expired unscanned. Distinct from a user-initiated
			// disconnect in both logs and metrics.
			metrics.RecordPairingTimeout()
			p.logger.Warn("pairing timed out",
				zap.String("tenant_id", c.tenantID.String()),
				zap.Duration("timeout", p.cfg.PairingTimeout),
			)
			p.settle(ctx, c, sess, session.CausePairingTimeout)
			return

		case ev, ok := <-events:
			if !ok {
				p.settle(ctx, c, sess, session.CauseTransport)
				return
			}

			next, err := session.Apply(sess, ev, time.Now().UTC())
			if err != nil {
				p.logger.Warn("dropped session event",
					zap.Error(err),
					zap.String("tenant_id", c.tenantID.String()),
					zap.String("event", string(ev.Type)),
				)
				continue
			}
			sess = next
			c.setState(sess.State)

			cause := ev.Cause
			if cause == "" {
				cause = "protocol"
			}
			metrics.RecordSessionTransition(sess.State, cause)

			if err := p.store.UpsertSession(ctx, &sess); err != nil {
				p.logger.Error("failed to persist session state",
					zap.Error(err),
					zap.String("tenant_id", c.tenantID.String()),
					zap.String("state", sess.State),
				)
			}

			switch ev.Type {
			case session.EventPairingCode:
				stopPairingTimer()
				pairingTimer = time.NewTimer(p.cfg.PairingTimeout)
				pairingC = pairingTimer.C

			case session.EventReady:
				stopPairingTimer()
				p.logger.Info("session ready",
					zap.String("tenant_id", c.tenantID.String()),
					zap.Stringp("channel_identity", sess.ChannelIdentity),
				)

			case session.EventDisconnected:
				// Terminal for this attempt. Auth failures are not
				// silently re-paired; the caller must connect again.
				p.logger.Warn("session ended",
					zap.String("tenant_id", c.tenantID.String()),
					zap.String("cause", cause),
				)
				c.cancel()
				p.remove(c)
				return
			}
		}
	}
}

// settle forces a session into disconnected after a local abort (pairing
// timeout, transport stream gone) and releases the client slot. Cancelling
// the transport context here stops the upstream poll; without it the old
// session would keep running under a re-Connect's new client.
func (p *Pool) settle(ctx context.Context, c *client, sess db.Session, cause string) {
	c.setState(db.StateDisconnected)
	c.cancel()
	p.remove(c)

	if sess.State == db.StateDisconnected {
		return
	}

	next, err := session.Apply(sess, session.Event{
		Type:  session.EventDisconnected,
		Cause: cause,
	}, time.Now().UTC())
	if err != nil {
		return
	}

	// The loop context may already be cancelled; persist with a fresh
	// bounded context so the store reflects reality.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.store.UpsertSession(writeCtx, &next); err != nil {
		p.logger.Error("failed to persist disconnect",
			zap.Error(err),
			zap.String("tenant_id", c.tenantID.String()),
			zap.String("cause", cause),
		)
	}
	metrics.RecordSessionTransition(db.StateDisconnected, cause)
}

// remove releases the tenant's client slot if this client still owns it.
func (p *Pool) remove(c *client) {
	p.mu.Lock()
	if cur, ok := p.clients[c.tenantID]; ok && cur == c {
		delete(p.clients, c.tenantID)
	}
	metrics.SetActiveClients(len(p.clients))
	p.mu.Unlock()
}

// currentSession reads the tenant's persisted session, creating the row
// on first contact.
func (p *Pool) currentSession(ctx context.Context, tenantID uuid.UUID) (*db.Session, error) {
	return p.loadOrCreate(ctx, tenantID)
}

func (p *Pool) loadOrCreate(ctx context.Context, tenantID uuid.UUID) (*db.Session, error) {
	sess, err := p.store.GetSession(ctx, tenantID)
	if errors.Is(err, db.ErrNotFound) {
		fresh := session.NewSession(tenantID)
		if err := p.store.UpsertSession(ctx, &fresh); err != nil {
			return nil, err
		}
		return &fresh, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}
