package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowdesk/courier/internal/channel"
	"github.com/glowdesk/courier/internal/db"
	"github.com/glowdesk/courier/internal/ratelimit"
)

var errTransportDown = errors.New("transport down")

// MockRepository is an in-memory queue with the same claim semantics as
// the real one.
type MockRepository struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*db.Message

	releaseCalls int
	sentOrder    []uuid.UUID
}

func NewMockRepository() *MockRepository {
	return &MockRepository{messages: make(map[uuid.UUID]*db.Message)}
}

func (m *MockRepository) add(msg *db.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.MaxAttempts == 0 {
		msg.MaxAttempts = db.DefaultMaxAttempts
	}
	if msg.Status == "" {
		msg.Status = db.StatusPending
	}
	if msg.Channel == "" {
		msg.Channel = db.ChannelWhatsApp
	}
	m.messages[msg.ID] = msg
}

func (m *MockRepository) get(id uuid.UUID) *db.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[id]
}

func (m *MockRepository) ListReadyTenants(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, msg := range m.messages {
		if !seen[msg.TenantID] {
			seen[msg.TenantID] = true
			out = append(out, msg.TenantID)
		}
	}
	return out, nil
}

func (m *MockRepository) ClaimDue(ctx context.Context, tenantID uuid.UUID, limit int) ([]*db.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var due []*db.Message
	for _, msg := range m.messages {
		if msg.TenantID == tenantID && msg.Status == db.StatusPending && !msg.ScheduledFor.After(now) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for _, msg := range due {
		msg.Status = db.StatusProcessing
		msg.Attempts++
	}
	return due, nil
}

func (m *MockRepository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	msg, ok := m.messages[id]
	if !ok || msg.Status != db.StatusProcessing {
		return db.ErrAlreadySettled
	}
	msg.Status = db.StatusPending
	msg.Attempts--
	return nil
}

func (m *MockRepository) MarkSent(ctx context.Context, msg *db.Message, protocolMessageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.messages[msg.ID]
	if !ok || stored.Status != db.StatusProcessing {
		return db.ErrAlreadySettled
	}
	stored.Status = db.StatusSent
	m.sentOrder = append(m.sentOrder, msg.ID)
	return nil
}

func (m *MockRepository) RetryLater(ctx context.Context, id uuid.UUID, errText string, nextAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Status != db.StatusProcessing {
		return db.ErrAlreadySettled
	}
	msg.Status = db.StatusPending
	msg.LastError = &errText
	msg.ScheduledFor = nextAt
	return nil
}

func (m *MockRepository) FailTerminal(ctx context.Context, msg *db.Message, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.messages[msg.ID]
	if !ok || stored.Status != db.StatusProcessing {
		return db.ErrAlreadySettled
	}
	stored.Status = db.StatusFailed
	stored.LastError = &errText
	return nil
}

func (m *MockRepository) RecordSend(ctx context.Context, tenantID uuid.UUID) error {
	return nil
}

// MockPool simulates the channel client pool send path.
type MockPool struct {
	mu      sync.Mutex
	sendErr error
	sent    []string
}

func (p *MockPool) Send(ctx context.Context, tenantID uuid.UUID, recipient, body string) (*channel.DeliveryResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return nil, p.sendErr
	}
	p.sent = append(p.sent, body)
	return &channel.DeliveryResult{ProtocolMessageID: "proto-" + uuid.NewString()}, nil
}

type MockSMSSender struct {
	sent []string
	err  error
}

func (s *MockSMSSender) Send(ctx context.Context, recipient, body string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, body)
	return "sms-" + uuid.NewString(), nil
}

func newTestWorker(repo *MockRepository, pool *MockPool, sms SMSSender, limit int) *Worker {
	limiter := ratelimit.New(limit, time.Minute)
	return New(repo, pool, sms, limiter, Config{
		PollInterval: time.Hour,
		BatchSize:    5,
		BackoffBase:  time.Minute,
		BackoffCap:   30 * time.Minute,
	}, zap.NewNop())
}

func TestProcessTenant_DrainsInPriorityOrder(t *testing.T) {
	repo := NewMockRepository()
	pool := &MockPool{}
	tenant := uuid.New()
	now := time.Now().UTC().Add(-time.Minute)

	low1 := &db.Message{TenantID: tenant, Recipient: "+15551230001", Body: "reminder one", MessageType: db.TypeReminder, Priority: 5, ScheduledFor: now}
	urgent := &db.Message{TenantID: tenant, Recipient: "+15551230002", Body: "direct send", MessageType: db.TypeDirect, Priority: 1, ScheduledFor: now.Add(time.Second)}
	low2 := &db.Message{TenantID: tenant, Recipient: "+15551230003", Body: "reminder two", MessageType: db.TypeReminder, Priority: 5, ScheduledFor: now.Add(2 * time.Second)}
	repo.add(low1)
	repo.add(urgent)
	repo.add(low2)

	w := newTestWorker(repo, pool, nil, 100)

	res, err := w.ProcessTenant(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ProcessTenant failed: %v", err)
	}
	if res.Processed != 3 {
		t.Fatalf("expected 3 processed, got %+v", res)
	}

	want := []uuid.UUID{urgent.ID, low1.ID, low2.ID}
	if len(repo.sentOrder) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(repo.sentOrder))
	}
	for i, id := range want {
		if repo.sentOrder[i] != id {
			t.Errorf("send %d: expected %s, got %s", i, id, repo.sentOrder[i])
		}
	}
}

func TestProcessTenant_TransientErrorReschedulesWithBackoff(t *testing.T) {
	repo := NewMockRepository()
	pool := &MockPool{sendErr: errTransportDown}
	tenant := uuid.New()

	msg := &db.Message{TenantID: tenant, Recipient: "+15551230001", Body: "hello", MessageType: db.TypeDirect, Priority: 1, ScheduledFor: time.Now().UTC().Add(-time.Minute)}
	repo.add(msg)

	w := newTestWorker(repo, pool, nil, 100)

	res, err := w.ProcessTenant(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ProcessTenant failed: %v", err)
	}
	if res.Processed != 0 || res.Failed != 0 {
		t.Errorf("retried message should count as neither processed nor failed, got %+v", res)
	}

	stored := repo.get(msg.ID)
	if stored.Status != db.StatusPending {
		t.Fatalf("expected pending after transient failure, got %s", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Errorf("expected 1 attempt recorded, got %d", stored.Attempts)
	}
	if stored.LastError == nil || *stored.LastError != errTransportDown.Error() {
		t.Error("expected last_error recorded")
	}

	// First retry lands roughly one backoff base out.
	wait := time.Until(stored.ScheduledFor)
	if wait < 50*time.Second || wait > 70*time.Second {
		t.Errorf("expected ~1m backoff, got %v", wait)
	}
}

func TestProcessTenant_PermanentErrorFailsWithoutRetry(t *testing.T) {
	repo := NewMockRepository()
	pool := &MockPool{sendErr: errors.Join(channel.ErrPermanent, errors.New("recipient not on whatsapp"))}
	tenant := uuid.New()

	msg := &db.Message{TenantID: tenant, Recipient: "+15551230001", Body: "hello", MessageType: db.TypeDirect, Priority: 1, ScheduledFor: time.Now().UTC().Add(-time.Minute)}
	repo.add(msg)

	w := newTestWorker(repo, pool, nil, 100)

	res, err := w.ProcessTenant(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ProcessTenant failed: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", res)
	}

	stored := repo.get(msg.ID)
	if stored.Status != db.StatusFailed {
		t.Errorf("expected failed on first attempt, got %s", stored.Status)
	}
	if stored.Attempts != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", stored.Attempts)
	}
}

func TestProcessTenant_ExhaustedAttemptsFailTerminally(t *testing.T) {
	repo := NewMockRepository()
	pool := &MockPool{sendErr: errTransportDown}
	tenant := uuid.New()

	msg := &db.Message{
		TenantID:     tenant,
		Recipient:    "+15551230001",
		Body:         "hello",
		MessageType:  db.TypeDirect,
		Priority:     1,
		ScheduledFor: time.Now().UTC().Add(-time.Minute),
		Attempts:     2,
		MaxAttempts:  3,
	}
	repo.add(msg)

	w := newTestWorker(repo, pool, nil, 100)

	res, err := w.ProcessTenant(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ProcessTenant failed: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", res)
	}
	if stored := repo.get(msg.ID); stored.Status != db.StatusFailed {
		t.Errorf("expected failed after exhausting attempts, got %s", stored.Status)
	}
}

func TestProcessTenant_RateLimitDefersWithoutConsumingAttempt(t *testing.T) {
	repo := NewMockRepository()
	pool := &MockPool{}
	tenant := uuid.New()
	now := time.Now().UTC().Add(-time.Minute)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		msg := &db.Message{TenantID: tenant, Recipient: "+15551230001", Body: "hi", MessageType: db.TypeDirect, Priority: 1, ScheduledFor: now.Add(time.Duration(i) * time.Second)}
		repo.add(msg)
		ids = append(ids, msg.ID)
	}

	w := newTestWorker(repo, pool, nil, 2)

	res, err := w.ProcessTenant(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ProcessTenant failed: %v", err)
	}
	if res.Processed != 2 {
		t.Errorf("expected 2 processed, got %+v", res)
	}
	if res.Deferred != 1 {
		t.Errorf("expected 1 deferred, got %+v", res)
	}

	deferred := repo.get(ids[2])
	if deferred.Status != db.StatusPending {
		t.Errorf("deferred message should be pending, got %s", deferred.Status)
	}
	if deferred.Attempts != 0 {
		t.Errorf("deferral must not consume an attempt, got %d", deferred.Attempts)
	}
}

func TestProcessTenant_NotReadyReleasesClaim(t *testing.T) {
	repo := NewMockRepository()
	pool := &MockPool{sendErr: channel.ErrNotReady}
	tenant := uuid.New()

	msg := &db.Message{TenantID: tenant, Recipient: "+15551230001", Body: "hello", MessageType: db.TypeDirect, Priority: 1, ScheduledFor: time.Now().UTC().Add(-time.Minute)}
	repo.add(msg)

	w := newTestWorker(repo, pool, nil, 100)

	res, err := w.ProcessTenant(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ProcessTenant failed: %v", err)
	}
	if res.Processed != 0 || res.Failed != 0 {
		t.Errorf("not-ready should settle nothing, got %+v", res)
	}

	stored := repo.get(msg.ID)
	if stored.Status != db.StatusPending {
		t.Errorf("expected pending after not-ready, got %s", stored.Status)
	}
	if stored.Attempts != 0 {
		t.Errorf("not-ready must not consume an attempt, got %d", stored.Attempts)
	}
}

func TestProcessTenant_SMSChannelUsesFallbackSender(t *testing.T) {
	repo := NewMockRepository()
	pool := &MockPool{sendErr: channel.ErrNotReady}
	sms := &MockSMSSender{}
	tenant := uuid.New()

	msg := &db.Message{
		TenantID:     tenant,
		Recipient:    "+15551230001",
		Body:         "your appointment is tomorrow",
		MessageType:  db.TypeReminder,
		Channel:      db.ChannelSMS,
		Priority:     5,
		ScheduledFor: time.Now().UTC().Add(-time.Minute),
	}
	repo.add(msg)

	w := newTestWorker(repo, pool, sms, 100)

	res, err := w.ProcessTenant(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ProcessTenant failed: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("expected 1 processed via sms, got %+v", res)
	}
	if len(sms.sent) != 1 {
		t.Errorf("expected 1 sms send, got %d", len(sms.sent))
	}
	if len(pool.sent) != 0 {
		t.Errorf("sms message must not touch the channel pool")
	}
}

func TestProcessTenant_SMSWithoutSenderFailsPermanently(t *testing.T) {
	repo := NewMockRepository()
	pool := &MockPool{}
	tenant := uuid.New()

	msg := &db.Message{
		TenantID:     tenant,
		Recipient:    "+15551230001",
		Body:         "hello",
		MessageType:  db.TypeReminder,
		Channel:      db.ChannelSMS,
		Priority:     5,
		ScheduledFor: time.Now().UTC().Add(-time.Minute),
	}
	repo.add(msg)

	w := newTestWorker(repo, pool, nil, 100)

	res, err := w.ProcessTenant(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ProcessTenant failed: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", res)
	}
	if stored := repo.get(msg.ID); stored.Status != db.StatusFailed {
		t.Errorf("expected failed, got %s", stored.Status)
	}
}

func TestProcessTenant_EmptyQueue(t *testing.T) {
	repo := NewMockRepository()
	w := newTestWorker(repo, &MockPool{}, nil, 100)

	res, err := w.ProcessTenant(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("ProcessTenant failed: %v", err)
	}
	if res.Processed != 0 || res.Failed != 0 || res.Deferred != 0 {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestProcessTenant_FutureMessagesNotClaimed(t *testing.T) {
	repo := NewMockRepository()
	pool := &MockPool{}
	tenant := uuid.New()

	msg := &db.Message{TenantID: tenant, Recipient: "+15551230001", Body: "later", MessageType: db.TypeDirect, Priority: 1, ScheduledFor: time.Now().UTC().Add(time.Hour)}
	repo.add(msg)

	w := newTestWorker(repo, pool, nil, 100)

	res, err := w.ProcessTenant(context.Background(), tenant)
	if err != nil {
		t.Fatalf("ProcessTenant failed: %v", err)
	}
	if res.Processed != 0 {
		t.Errorf("future message should not be claimed, got %+v", res)
	}
	if stored := repo.get(msg.ID); stored.Status != db.StatusPending {
		t.Errorf("expected pending, got %s", stored.Status)
	}
}

func TestBackoffSchedule(t *testing.T) {
	w := newTestWorker(NewMockRepository(), &MockPool{}, nil, 100)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{6, 30 * time.Minute}, // capped
		{10, 30 * time.Minute},
		{0, time.Minute}, // clamped to first attempt
	}

	for _, tt := range tests {
		if got := w.backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d): expected %v, got %v", tt.attempts, tt.want, got)
		}
	}
}

func TestPaceRespectsCancellation(t *testing.T) {
	limiter := ratelimit.New(100, time.Minute)
	w := New(NewMockRepository(), &MockPool{}, nil, limiter, Config{
		PacingBase: 10 * time.Second,
		PacingMax:  10 * time.Second,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := w.pace(ctx, "hello"); err == nil {
		t.Error("expected context error from cancelled pace")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled pace should return promptly, took %v", elapsed)
	}
}
