package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowdesk/courier/internal/channel"
	"github.com/glowdesk/courier/internal/db"
	"github.com/glowdesk/courier/internal/metrics"
	"github.com/glowdesk/courier/internal/ratelimit"
)

// Repository is the slice of the ledger the worker drives.
type Repository interface {
	ListReadyTenants(ctx context.Context) ([]uuid.UUID, error)
	ClaimDue(ctx context.Context, tenantID uuid.UUID, limit int) ([]*db.Message, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
	MarkSent(ctx context.Context, msg *db.Message, protocolMessageID string) error
	RetryLater(ctx context.Context, id uuid.UUID, errText string, nextAt time.Time) error
	FailTerminal(ctx context.Context, msg *db.Message, errText string) error
	RecordSend(ctx context.Context, tenantID uuid.UUID) error
}

// Pool is the send side of the channel client pool.
type Pool interface {
	Send(ctx context.Context, tenantID uuid.UUID, recipient, body string) (*channel.DeliveryResult, error)
}

// SMSSender delivers the SMS fallback channel. Nil disables it.
type SMSSender interface {
	Send(ctx context.Context, recipient, body string) (string, error)
}

// Config holds worker settings.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	BackoffBase  time.Duration
	BackoffCap   time.Duration

	// Human pacing: the deliberate typing-speed delay applied before
	// each send so outbound traffic doesn't look automated upstream.
	PacingBase    time.Duration
	PacingPerChar time.Duration
	PacingMax     time.Duration
}

// Result summarizes one tenant sweep.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

// Worker drains due queue entries per tenant. Tenants are swept
// concurrently; within a tenant, claims and sends are serialized.
type Worker struct {
	repo    Repository
	pool    Pool
	sms     SMSSender
	limiter *ratelimit.Limiter
	config  Config
	logger  *zap.Logger

	mu        sync.Mutex
	tenantMus map[uuid.UUID]*sync.Mutex
}

// New creates a delivery worker.
func New(repo Repository, pool Pool, sms SMSSender, limiter *ratelimit.Limiter, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 5
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 1 * time.Minute
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 30 * time.Minute
	}

	return &Worker{
		repo:      repo,
		pool:      pool,
		sms:       sms,
		limiter:   limiter,
		config:    cfg,
		logger:    logger,
		tenantMus: make(map[uuid.UUID]*sync.Mutex),
	}
}

// Start runs the recurring sweep until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.sweepAll(ctx)
		}
	}
}

// sweepAll processes every ready tenant, one concurrent task per tenant.
// One tenant's failure never halts the others.
func (w *Worker) sweepAll(ctx context.Context) {
	tenants, err := w.repo.ListReadyTenants(ctx)
	if err != nil {
		w.logger.Error("failed to list ready tenants", zap.Error(err))
		return
	}
	if len(tenants) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, tenantID := range tenants {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := w.ProcessTenant(ctx, id); err != nil {
				w.logger.Error("tenant sweep failed",
					zap.Error(err),
					zap.String("tenant_id", id.String()),
				)
			}
		}(tenantID)
	}
	wg.Wait()
}

// ProcessTenant drains the tenant's due messages now. It is the
// on-demand entry point behind POST /process-queue and the per-tenant
// unit of the recurring sweep; concurrent calls for the same tenant are
// serialized.
func (w *Worker) ProcessTenant(ctx context.Context, tenantID uuid.UUID) (Result, error) {
	mu := w.tenantMu(tenantID)
	mu.Lock()
	defer mu.Unlock()

	var res Result

	for {
		claimed, err := w.repo.ClaimDue(ctx, tenantID, w.config.BatchSize)
		if err != nil {
			return res, err
		}
		if len(claimed) == 0 {
			return res, nil
		}

		for i, msg := range claimed {
			if ctx.Err() != nil {
				w.releaseRest(claimed[i:], tenantID)
				return res, ctx.Err()
			}

			outcome := w.deliver(ctx, msg)
			switch outcome {
			case outcomeSent:
				res.Processed++
			case outcomeFailed:
				res.Failed++
			case outcomeDeferred:
				// Rate limit window exhausted; the rest of the claim
				// goes back untouched and the sweep ends here.
				res.Deferred++
				w.releaseRest(claimed[i+1:], tenantID)
				return res, nil
			case outcomeNotReady:
				// Session dropped mid-sweep. Stop claiming; released
				// rows wait for the next ready sweep.
				w.releaseRest(claimed[i:], tenantID)
				return res, nil
			}
		}

		if len(claimed) < w.config.BatchSize {
			return res, nil
		}
	}
}

type deliveryOutcome int

const (
	outcomeSent deliveryOutcome = iota
	outcomeFailed
	outcomeRetried
	outcomeDeferred
	outcomeNotReady
)

// deliver settles one claimed message.
func (w *Worker) deliver(ctx context.Context, msg *db.Message) deliveryOutcome {
	if !w.limiter.TryConsume(msg.TenantID) {
		if err := w.repo.ReleaseClaim(ctx, msg.ID); err != nil {
			w.logger.Error("failed to release claim",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
			)
		}
		metrics.RecordRateLimitDeferral(msg.TenantID.String())
		w.logger.Debug("send deferred by rate limiter",
			zap.String("tenant_id", msg.TenantID.String()),
			zap.String("message_id", msg.ID.String()),
		)
		return outcomeDeferred
	}

	if err := w.pace(ctx, msg.Body); err != nil {
		// Shutdown mid-pace; nothing was sent yet.
		_ = w.repo.ReleaseClaim(ctx, msg.ID)
		return outcomeNotReady
	}

	protocolID, err := w.send(ctx, msg)
	if err != nil {
		if errors.Is(err, channel.ErrNotReady) {
			if relErr := w.repo.ReleaseClaim(ctx, msg.ID); relErr != nil {
				w.logger.Error("failed to release claim",
					zap.Error(relErr),
					zap.String("message_id", msg.ID.String()),
				)
			}
			return outcomeNotReady
		}
		return w.settleFailure(ctx, msg, err)
	}

	if err := w.repo.MarkSent(ctx, msg, protocolID); err != nil {
		if errors.Is(err, db.ErrAlreadySettled) {
			return outcomeSent
		}
		w.logger.Error("failed to mark sent",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return outcomeSent
	}

	if msg.Channel == db.ChannelWhatsApp {
		if err := w.repo.RecordSend(ctx, msg.TenantID); err != nil {
			w.logger.Warn("failed to record send on session",
				zap.Error(err),
				zap.String("tenant_id", msg.TenantID.String()),
			)
		}
	}

	metrics.RecordMessageDelivered(db.OutcomeSent, msg.Channel)
	metrics.RecordDeliveryLatency(msg.Channel, time.Since(msg.CreatedAt))

	return outcomeSent
}

// send routes to the channel pool or the SMS fallback.
func (w *Worker) send(ctx context.Context, msg *db.Message) (string, error) {
	if msg.Channel == db.ChannelSMS {
		if w.sms == nil {
			return "", errors.Join(channel.ErrPermanent, errors.New("sms fallback not configured"))
		}
		return w.sms.Send(ctx, msg.Recipient, msg.Body)
	}

	result, err := w.pool.Send(ctx, msg.TenantID, msg.Recipient, msg.Body)
	if err != nil {
		return "", err
	}
	return result.ProtocolMessageID, nil
}

// settleFailure applies the error taxonomy: permanent errors and
// exhausted attempts are terminal; everything else is rescheduled with
// exponential backoff.
func (w *Worker) settleFailure(ctx context.Context, msg *db.Message, sendErr error) deliveryOutcome {
	errText := sendErr.Error()

	permanent := errors.Is(sendErr, channel.ErrPermanent)
	exhausted := msg.Attempts >= msg.MaxAttempts

	if permanent || exhausted {
		if err := w.repo.FailTerminal(ctx, msg, errText); err != nil && !errors.Is(err, db.ErrAlreadySettled) {
			w.logger.Error("failed to mark failed",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
			)
		}
		metrics.RecordMessageDelivered(db.OutcomeFailed, msg.Channel)
		metrics.RecordDeliveryLatency(msg.Channel, time.Since(msg.CreatedAt))
		w.logger.Warn("delivery failed terminally",
			zap.String("message_id", msg.ID.String()),
			zap.String("tenant_id", msg.TenantID.String()),
			zap.Int("attempts", msg.Attempts),
			zap.Bool("permanent", permanent),
			zap.String("error", errText),
		)
		return outcomeFailed
	}

	nextAt := time.Now().UTC().Add(w.backoff(msg.Attempts))
	if err := w.repo.RetryLater(ctx, msg.ID, errText, nextAt); err != nil && !errors.Is(err, db.ErrAlreadySettled) {
		w.logger.Error("failed to reschedule message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
	}

	w.logger.Info("delivery failed, rescheduled",
		zap.String("message_id", msg.ID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.Int("attempt", msg.Attempts),
		zap.Time("next_attempt_at", nextAt),
		zap.String("error", errText),
	)

	return outcomeRetried
}

// backoff computes base * 2^(attempts-1), capped.
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := time.Duration(float64(w.config.BackoffBase) * math.Pow(2, float64(attempts-1)))
	if d > w.config.BackoffCap || d <= 0 {
		d = w.config.BackoffCap
	}
	return d
}

// pace sleeps for the human-pacing delay: a typing-speed approximation
// proportional to message length, with jitter.
func (w *Worker) pace(ctx context.Context, body string) error {
	if w.config.PacingBase == 0 && w.config.PacingPerChar == 0 {
		return nil
	}

	delay := w.config.PacingBase + time.Duration(len(body))*w.config.PacingPerChar
	if w.config.PacingMax > 0 && delay > w.config.PacingMax {
		delay = w.config.PacingMax
	}

	// +/-20% jitter
	jitter := 0.8 + rand.Float64()*0.4
	delay = time.Duration(float64(delay) * jitter)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// releaseRest puts unprocessed claimed rows back to pending.
func (w *Worker) releaseRest(claimed []*db.Message, tenantID uuid.UUID) {
	if len(claimed) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, msg := range claimed {
		if err := w.repo.ReleaseClaim(ctx, msg.ID); err != nil && !errors.Is(err, db.ErrAlreadySettled) {
			w.logger.Error("failed to release claim",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
				zap.String("tenant_id", tenantID.String()),
			)
		}
	}
}

func (w *Worker) tenantMu(tenantID uuid.UUID) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()

	mu, ok := w.tenantMus[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		w.tenantMus[tenantID] = mu
	}
	return mu
}
