package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReservationTTL is how long a reminder reservation is held. It only
// needs to outlive the race between overlapping sweeps; after enqueue
// the ledger row is the durable dedup record.
const ReservationTTL = 10 * time.Minute

// ReservationService makes the reminder sweep race-safe across worker
// processes: a SETNX reservation keyed on appointment+kind ensures only
// one sweep enqueues a given reminder, even before the ledger row lands.
type ReservationService struct {
	client *Client
	logger *zap.Logger
}

// NewReservationService creates a new reservation service.
func NewReservationService(client *Client, logger *zap.Logger) *ReservationService {
	return &ReservationService{
		client: client,
		logger: logger,
	}
}

func (s *ReservationService) buildKey(tenantID, appointmentRef uuid.UUID, kind string) string {
	return fmt.Sprintf("reminder:%s:%s:%s", tenantID, appointmentRef, kind)
}

// Reserve acquires the reservation using SET NX. Returns true if this
// sweep owns the reminder, false if another process already claimed it.
func (s *ReservationService) Reserve(ctx context.Context, tenantID, appointmentRef uuid.UUID, kind string) (bool, error) {
	key := s.buildKey(tenantID, appointmentRef, kind)

	set, err := s.client.rdb.SetNX(ctx, key, time.Now().Unix(), ReservationTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}

	if !set {
		s.logger.Debug("reminder already reserved",
			zap.String("tenant_id", tenantID.String()),
			zap.String("appointment_ref", appointmentRef.String()),
			zap.String("reminder_kind", kind),
		)
	}

	return set, nil
}

// Release drops a reservation after a failed enqueue so a later sweep
// can retry the reminder.
func (s *ReservationService) Release(ctx context.Context, tenantID, appointmentRef uuid.UUID, kind string) error {
	key := s.buildKey(tenantID, appointmentRef, kind)

	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
