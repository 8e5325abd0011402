package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowdesk/courier/internal/db"
	"github.com/glowdesk/courier/internal/worker"
)

var ErrDatabaseError = errors.New("database error")

// MockRepository is a fake storage layer for testing
type MockRepository struct {
	sessions map[uuid.UUID]*db.Session
	messages map[uuid.UUID]*db.Message
	records  map[uuid.UUID]*db.DeliveryRecord

	enqueueCalled bool
	shouldFail    bool
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		sessions: make(map[uuid.UUID]*db.Session),
		messages: make(map[uuid.UUID]*db.Message),
		records:  make(map[uuid.UUID]*db.DeliveryRecord),
	}
}

func (m *MockRepository) GetSession(ctx context.Context, tenantID uuid.UUID) (*db.Session, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	sess, ok := m.sessions[tenantID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return sess, nil
}

func (m *MockRepository) ActiveTenantCount(ctx context.Context) (int, error) {
	if m.shouldFail {
		return 0, ErrDatabaseError
	}
	count := 0
	for _, sess := range m.sessions {
		if sess.IsConnected {
			count++
		}
	}
	return count, nil
}

func (m *MockRepository) Enqueue(ctx context.Context, msg *db.Message) error {
	m.enqueueCalled = true
	if m.shouldFail {
		return ErrDatabaseError
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.Status = db.StatusPending
	m.messages[msg.ID] = msg
	return nil
}

func (m *MockRepository) GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	msg, ok := m.messages[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return msg, nil
}

func (m *MockRepository) ListMessagesByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Message, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	var out []*db.Message
	for _, msg := range m.messages {
		if msg.TenantID == tenantID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *MockRepository) GetDeliveryRecord(ctx context.Context, messageID uuid.UUID) (*db.DeliveryRecord, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	rec, ok := m.records[messageID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return rec, nil
}

// MockPool fakes the channel client pool.
type MockPool struct {
	connectCalled    bool
	disconnectCalled bool
	connectErr       error
}

func (p *MockPool) Connect(ctx context.Context, tenantID uuid.UUID) (*db.Session, error) {
	p.connectCalled = true
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	code := "qr-code-data"
	return &db.Session{
		TenantID:    tenantID,
		State:       db.StateConnecting,
		PairingCode: &code,
	}, nil
}

func (p *MockPool) Disconnect(ctx context.Context, tenantID uuid.UUID) error {
	p.disconnectCalled = true
	return nil
}

// MockSweeper fakes the delivery worker trigger.
type MockSweeper struct {
	result worker.Result
	err    error
}

func (s *MockSweeper) ProcessTenant(ctx context.Context, tenantID uuid.UUID) (worker.Result, error) {
	return s.result, s.err
}

func newTestHandler(repo *MockRepository, pool *MockPool, sweeper *MockSweeper) (*Handler, *chi.Mux) {
	if pool == nil {
		pool = &MockPool{}
	}
	if sweeper == nil {
		sweeper = &MockSweeper{}
	}
	h := NewHandler(zap.NewNop(), repo, pool, sweeper)
	r := chi.NewRouter()
	h.Routes(r)
	return h, r
}

func TestSend(t *testing.T) {
	tenant := "00000000-0000-0000-0000-000000000001"

	tests := []struct {
		name           string
		requestBody    interface{}
		expectedStatus int
	}{
		{
			name: "valid send",
			requestBody: sendRequest{
				Tenant:    tenant,
				Recipient: "+15551234567",
				Body:      "Hi! Your appointment is confirmed.",
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "recipient without plus prefix",
			requestBody: sendRequest{
				Tenant:    tenant,
				Recipient: "15551234567",
				Body:      "hello",
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "missing body",
			requestBody: sendRequest{
				Tenant:    tenant,
				Recipient: "+15551234567",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "missing tenant",
			requestBody: sendRequest{
				Recipient: "+15551234567",
				Body:      "hello",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid tenant format",
			requestBody: sendRequest{
				Tenant:    "not-a-uuid",
				Recipient: "+15551234567",
				Body:      "hello",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "invalid recipient",
			requestBody: sendRequest{
				Tenant:    tenant,
				Recipient: "bob@example.com",
				Body:      "hello",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "recipient too short",
			requestBody: sendRequest{
				Tenant:    tenant,
				Recipient: "+123",
				Body:      "hello",
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON body",
			requestBody:    "not valid json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMockRepository()
			_, router := newTestHandler(repo, nil, nil)

			var body []byte
			var err error
			if str, ok := tt.requestBody.(string); ok {
				body = []byte(str)
			} else {
				body, err = json.Marshal(tt.requestBody)
				if err != nil {
					t.Fatalf("failed to marshal request: %v", err)
				}
			}

			req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
				t.Logf("Response body: %s", rec.Body.String())
			}

			if tt.expectedStatus == http.StatusCreated {
				var resp sendResponse
				if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if _, err := uuid.Parse(resp.ID); err != nil {
					t.Errorf("expected valid UUID, got: %s", resp.ID)
				}
				if !repo.enqueueCalled {
					t.Error("expected Enqueue to be called on repository")
				}
			}
		})
	}
}

func TestSend_DefaultsAndOverrides(t *testing.T) {
	repo := NewMockRepository()
	_, router := newTestHandler(repo, nil, nil)
	tenant := uuid.New()

	body, _ := json.Marshal(sendRequest{
		Tenant:    tenant.String(),
		Recipient: "+15551234567",
		Body:      "hello",
	})
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	for _, msg := range repo.messages {
		if msg.Priority != 1 {
			t.Errorf("expected default priority 1, got %d", msg.Priority)
		}
		if msg.MessageType != db.TypeDirect {
			t.Errorf("expected direct type, got %s", msg.MessageType)
		}
		if msg.Channel != db.ChannelWhatsApp {
			t.Errorf("expected whatsapp channel, got %s", msg.Channel)
		}
	}
}

// A send for a tenant with no session is accepted and queued; an
// immediate sweep then settles nothing because nothing is claimable.
func TestSendThenProcessQueueWithoutSession(t *testing.T) {
	repo := NewMockRepository()
	sweeper := &MockSweeper{result: worker.Result{}}
	_, router := newTestHandler(repo, nil, sweeper)
	tenant := uuid.New()

	body, _ := json.Marshal(sendRequest{
		Tenant:    tenant.String(),
		Recipient: "+15551234567",
		Body:      "hello",
	})
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("send: expected 201, got %d", rec.Code)
	}

	body, _ = json.Marshal(tenantRequest{Tenant: tenant.String()})
	req = httptest.NewRequest(http.MethodPost, "/process-queue", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("process-queue: expected 200, got %d", rec.Code)
	}

	var result worker.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Processed != 0 || result.Failed != 0 {
		t.Errorf("expected zero sweep for tenant without session, got %+v", result)
	}

	// The message is still queued for a later sweep.
	for _, msg := range repo.messages {
		if msg.Status != db.StatusPending {
			t.Errorf("expected message still pending, got %s", msg.Status)
		}
	}
}

func TestStatus(t *testing.T) {
	repo := NewMockRepository()
	tenant := uuid.New()
	identity := "15551234567@c.us"
	repo.sessions[tenant] = &db.Session{
		TenantID:        tenant,
		State:           db.StateReady,
		IsConnected:     true,
		ChannelIdentity: &identity,
	}
	_, router := newTestHandler(repo, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status?tenant="+tenant.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var sess db.Session
	if err := json.NewDecoder(rec.Body).Decode(&sess); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if sess.State != db.StateReady {
		t.Errorf("expected state ready, got %s", sess.State)
	}
}

func TestStatus_UnknownTenant(t *testing.T) {
	_, router := newTestHandler(NewMockRepository(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status?tenant="+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestStatus_MissingTenant(t *testing.T) {
	_, router := newTestHandler(NewMockRepository(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp.Status != 400 {
		t.Errorf("expected status 400 in body, got %d", errResp.Status)
	}
}

func TestQR_MidPairing(t *testing.T) {
	repo := NewMockRepository()
	tenant := uuid.New()
	code := "qr-payload"
	repo.sessions[tenant] = &db.Session{
		TenantID:    tenant,
		State:       db.StateConnecting,
		PairingCode: &code,
	}
	_, router := newTestHandler(repo, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/qr?tenant="+tenant.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		State string  `json:"state"`
		QR    *string `json:"qr"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.QR == nil || *resp.QR != code {
		t.Error("expected pairing code in response")
	}
}

func TestQR_NilOnceReady(t *testing.T) {
	repo := NewMockRepository()
	tenant := uuid.New()
	identity := "15551234567@c.us"
	repo.sessions[tenant] = &db.Session{
		TenantID:        tenant,
		State:           db.StateReady,
		IsConnected:     true,
		ChannelIdentity: &identity,
	}
	_, router := newTestHandler(repo, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/qr?tenant="+tenant.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp struct {
		QR *string `json:"qr"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.QR != nil {
		t.Errorf("expected nil qr for ready session, got %q", *resp.QR)
	}
}

func TestConnect(t *testing.T) {
	pool := &MockPool{}
	_, router := newTestHandler(NewMockRepository(), pool, nil)
	tenant := uuid.New()

	body, _ := json.Marshal(tenantRequest{Tenant: tenant.String()})
	req := httptest.NewRequest(http.MethodPost, "/connect", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !pool.connectCalled {
		t.Error("expected Connect to be called on pool")
	}

	var sess db.Session
	if err := json.NewDecoder(rec.Body).Decode(&sess); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if sess.State != db.StateConnecting {
		t.Errorf("expected connecting, got %s", sess.State)
	}
}

func TestConnect_GatewayDown(t *testing.T) {
	pool := &MockPool{connectErr: errors.New("gateway unreachable")}
	_, router := newTestHandler(NewMockRepository(), pool, nil)

	body, _ := json.Marshal(tenantRequest{Tenant: uuid.NewString()})
	req := httptest.NewRequest(http.MethodPost, "/connect", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestDisconnect(t *testing.T) {
	pool := &MockPool{}
	_, router := newTestHandler(NewMockRepository(), pool, nil)

	body, _ := json.Marshal(tenantRequest{Tenant: uuid.NewString()})
	req := httptest.NewRequest(http.MethodPost, "/disconnect", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !pool.disconnectCalled {
		t.Error("expected Disconnect to be called on pool")
	}
}

func TestGetMessage_WithDeliveryRecord(t *testing.T) {
	repo := NewMockRepository()
	tenant := uuid.New()
	id := uuid.New()
	repo.messages[id] = &db.Message{
		ID:       id,
		TenantID: tenant,
		Status:   db.StatusSent,
	}
	protoID := "proto-123"
	repo.records[id] = &db.DeliveryRecord{
		ID:                uuid.New(),
		MessageID:         id,
		TenantID:          tenant,
		Outcome:           db.OutcomeSent,
		ProtocolMessageID: &protoID,
		CreatedAt:         time.Now(),
	}
	_, router := newTestHandler(repo, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/messages/"+id.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Message  *db.Message        `json:"message"`
		Delivery *db.DeliveryRecord `json:"delivery"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Delivery == nil {
		t.Fatal("expected delivery record for sent message")
	}
	if resp.Delivery.Outcome != db.OutcomeSent {
		t.Errorf("expected outcome sent, got %s", resp.Delivery.Outcome)
	}
}

func TestGetMessage_NotFound(t *testing.T) {
	_, router := newTestHandler(NewMockRepository(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/messages/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListMessages(t *testing.T) {
	repo := NewMockRepository()
	tenant := uuid.New()
	for i := 0; i < 3; i++ {
		id := uuid.New()
		repo.messages[id] = &db.Message{ID: id, TenantID: tenant, Status: db.StatusPending}
	}
	// Another tenant's message must not leak.
	other := uuid.New()
	repo.messages[other] = &db.Message{ID: other, TenantID: uuid.New(), Status: db.StatusPending}

	_, router := newTestHandler(repo, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/messages?tenant="+tenant.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Messages []*db.Message `json:"messages"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Messages) != 3 {
		t.Errorf("expected 3 messages, got %d", len(resp.Messages))
	}
}

func TestHealth(t *testing.T) {
	repo := NewMockRepository()
	tenant := uuid.New()
	repo.sessions[tenant] = &db.Session{TenantID: tenant, State: db.StateReady, IsConnected: true}
	h, _ := newTestHandler(repo, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Status        string `json:"status"`
		ActiveTenants int    `json:"activeTenants"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %s", resp.Status)
	}
	if resp.ActiveTenants != 1 {
		t.Errorf("expected 1 active tenant, got %d", resp.ActiveTenants)
	}
}

func TestHealth_StorageDown(t *testing.T) {
	repo := NewMockRepository()
	repo.shouldFail = true
	h, _ := newTestHandler(repo, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
