package reminder

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowdesk/courier/internal/db"
	"github.com/glowdesk/courier/internal/metrics"
	"github.com/glowdesk/courier/internal/worker"
)

// Repository is the slice of storage the sweep reads and writes.
type Repository interface {
	ListUpcomingAppointments(ctx context.Context, horizon time.Duration) ([]*db.Appointment, error)
	GetReminderTemplate(ctx context.Context, tenantID uuid.UUID) (*db.ReminderTemplate, error)
	ReminderExists(ctx context.Context, tenantID, appointmentRef uuid.UUID, kind string) (bool, error)
	Enqueue(ctx context.Context, msg *db.Message) error
	GetSession(ctx context.Context, tenantID uuid.UUID) (*db.Session, error)
	ListIdleTenants(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// Reservations narrows the cross-process race between overlapping
// sweeps. Nil degrades to the database dedup check alone.
type Reservations interface {
	Reserve(ctx context.Context, tenantID, appointmentRef uuid.UUID, kind string) (bool, error)
	Release(ctx context.Context, tenantID, appointmentRef uuid.UUID, kind string) error
}

// Trigger kicks the delivery worker for a tenant after the sweep
// enqueues messages for it.
type Trigger interface {
	ProcessTenant(ctx context.Context, tenantID uuid.UUID) (worker.Result, error)
}

// Disconnector tears down idle sessions; the pool implements it.
type Disconnector interface {
	Disconnect(ctx context.Context, tenantID uuid.UUID) error
}

// Config holds scheduler settings.
type Config struct {
	Interval time.Duration
	Offsets  []time.Duration

	// ReminderPriority orders reminders behind direct sends in the
	// queue (lower is more urgent; direct sends use 1).
	ReminderPriority int

	// IdleMax, when positive, disconnects sessions with no activity for
	// that long during the tick.
	IdleMax time.Duration
}

// Scheduler periodically sweeps all tenants' upcoming appointments and
// enqueues due reminders. The sweep is idempotent: an appointment+offset
// pair is enqueued at most once.
type Scheduler struct {
	repo         Repository
	reservations Reservations
	trigger      Trigger
	disconnector Disconnector
	config       Config
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a reminder scheduler.
func New(repo Repository, reservations Reservations, trigger Trigger, disconnector Disconnector, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 2 * time.Minute
	}
	if len(cfg.Offsets) == 0 {
		cfg.Offsets = []time.Duration{24 * time.Hour, 2 * time.Hour, 1 * time.Hour}
	}
	if cfg.ReminderPriority == 0 {
		cfg.ReminderPriority = 5
	}

	// Largest offset first so the horizon query covers every kind.
	offsets := make([]time.Duration, len(cfg.Offsets))
	copy(offsets, cfg.Offsets)
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] > offsets[j] })
	cfg.Offsets = offsets

	return &Scheduler{
		repo:         repo,
		reservations: reservations,
		trigger:      trigger,
		disconnector: disconnector,
		config:       cfg,
		logger:       logger,
		now:          time.Now,
	}
}

// Start runs the recurring sweep until the context is cancelled. The
// tick itself is exported so tests (and the HTTP surface) can drive it
// without a timer.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reminder scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep: enqueue due reminders, kick the worker for
// touched tenants, and tear down idle sessions.
func (s *Scheduler) Tick(ctx context.Context) {
	touched := s.sweep(ctx)

	for _, tenantID := range touched {
		if s.trigger == nil {
			break
		}
		if _, err := s.trigger.ProcessTenant(ctx, tenantID); err != nil {
			s.logger.Error("failed to trigger delivery",
				zap.Error(err),
				zap.String("tenant_id", tenantID.String()),
			)
		}
	}

	s.reapIdle(ctx)
}

// sweep enqueues every due, not-yet-queued reminder and returns the
// tenants that received new messages.
func (s *Scheduler) sweep(ctx context.Context) []uuid.UUID {
	horizon := s.config.Offsets[0] + s.config.Interval

	appts, err := s.repo.ListUpcomingAppointments(ctx, horizon)
	if err != nil {
		s.logger.Error("failed to list upcoming appointments", zap.Error(err))
		return nil
	}
	if len(appts) == 0 {
		return nil
	}

	now := s.now().UTC()
	templates := make(map[uuid.UUID]*db.ReminderTemplate)
	touchedSet := make(map[uuid.UUID]bool)

	for _, appt := range appts {
		tmpl, ok := templates[appt.TenantID]
		if !ok {
			tmpl, err = s.repo.GetReminderTemplate(ctx, appt.TenantID)
			if errors.Is(err, db.ErrNotFound) {
				// Tenant has not configured reminders.
				templates[appt.TenantID] = nil
				continue
			}
			if err != nil {
				s.logger.Error("failed to load reminder template",
					zap.Error(err),
					zap.String("tenant_id", appt.TenantID.String()),
				)
				continue
			}
			templates[appt.TenantID] = tmpl
		}
		if tmpl == nil {
			continue
		}

		for _, offset := range s.config.Offsets {
			if now.Before(appt.StartsAt.Add(-offset)) {
				continue
			}

			kind := KindForOffset(offset)
			if s.enqueueReminder(ctx, appt, tmpl, kind) {
				touchedSet[appt.TenantID] = true
			}
		}
	}

	touched := make([]uuid.UUID, 0, len(touchedSet))
	for id := range touchedSet {
		touched = append(touched, id)
	}
	return touched
}

// enqueueReminder enqueues one appointment+kind reminder unless it
// already exists. Returns true when a message was enqueued.
func (s *Scheduler) enqueueReminder(ctx context.Context, appt *db.Appointment, tmpl *db.ReminderTemplate, kind string) bool {
	exists, err := s.repo.ReminderExists(ctx, appt.TenantID, appt.ID, kind)
	if err != nil {
		s.logger.Error("reminder dedup check failed",
			zap.Error(err),
			zap.String("tenant_id", appt.TenantID.String()),
			zap.String("appointment_ref", appt.ID.String()),
		)
		return false
	}
	if exists {
		return false
	}

	if s.reservations != nil {
		reserved, err := s.reservations.Reserve(ctx, appt.TenantID, appt.ID, kind)
		if err != nil {
			s.logger.Warn("reminder reservation failed, relying on ledger dedup",
				zap.Error(err),
				zap.String("tenant_id", appt.TenantID.String()),
			)
		} else if !reserved {
			return false
		}
	}

	body := Render(tmpl.Body, TemplateData{
		ClientName: appt.ClientName,
		Service:    appt.Service,
		StartsAt:   appt.StartsAt,
		SalonName:  tmpl.SalonName,
	})

	apptID := appt.ID
	msg := &db.Message{
		TenantID:       appt.TenantID,
		Recipient:      appt.ClientPhone,
		Body:           body,
		MessageType:    db.TypeReminder,
		Channel:        s.channelFor(ctx, appt.TenantID, tmpl),
		Priority:       s.config.ReminderPriority,
		AppointmentRef: &apptID,
		ReminderKind:   &kind,
	}

	if err := s.repo.Enqueue(ctx, msg); errors.Is(err, db.ErrDuplicateReminder) {
		// A concurrent sweep won the unique race on the dedup index.
		s.logger.Debug("reminder already queued by a peer sweep",
			zap.String("tenant_id", appt.TenantID.String()),
			zap.String("appointment_ref", appt.ID.String()),
			zap.String("reminder_kind", kind),
		)
		return false
	} else if err != nil {
		s.logger.Error("failed to enqueue reminder",
			zap.Error(err),
			zap.String("tenant_id", appt.TenantID.String()),
			zap.String("appointment_ref", appt.ID.String()),
			zap.String("reminder_kind", kind),
		)
		if s.reservations != nil {
			_ = s.reservations.Release(ctx, appt.TenantID, appt.ID, kind)
		}
		return false
	}

	metrics.RecordReminderEnqueued(kind)
	metrics.RecordMessageEnqueued(appt.TenantID.String(), db.TypeReminder)

	s.logger.Info("reminder enqueued",
		zap.String("tenant_id", appt.TenantID.String()),
		zap.String("appointment_ref", appt.ID.String()),
		zap.String("reminder_kind", kind),
		zap.String("channel", msg.Channel),
	)

	return true
}

// channelFor picks WhatsApp unless the template opts into SMS fallback
// and the session cannot send.
func (s *Scheduler) channelFor(ctx context.Context, tenantID uuid.UUID, tmpl *db.ReminderTemplate) string {
	if !tmpl.SMSFallback {
		return db.ChannelWhatsApp
	}

	sess, err := s.repo.GetSession(ctx, tenantID)
	if err != nil || sess.State == db.StateReady {
		return db.ChannelWhatsApp
	}
	return db.ChannelSMS
}

// reapIdle disconnects sessions idle past the configured horizon.
func (s *Scheduler) reapIdle(ctx context.Context) {
	if s.config.IdleMax <= 0 || s.disconnector == nil {
		return
	}

	cutoff := s.now().UTC().Add(-s.config.IdleMax)
	idle, err := s.repo.ListIdleTenants(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list idle tenants", zap.Error(err))
		return
	}

	for _, tenantID := range idle {
		s.logger.Info("disconnecting idle session",
			zap.String("tenant_id", tenantID.String()),
			zap.Duration("idle_max", s.config.IdleMax),
		)
		if err := s.disconnector.Disconnect(ctx, tenantID); err != nil {
			s.logger.Error("failed to disconnect idle session",
				zap.Error(err),
				zap.String("tenant_id", tenantID.String()),
			)
		}
	}
}
