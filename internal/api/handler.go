package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowdesk/courier/internal/db"
	"github.com/glowdesk/courier/internal/metrics"
	"github.com/glowdesk/courier/internal/worker"
)

// Repository defines the storage operations the API reads and writes.
type Repository interface {
	GetSession(ctx context.Context, tenantID uuid.UUID) (*db.Session, error)
	ActiveTenantCount(ctx context.Context) (int, error)
	Enqueue(ctx context.Context, msg *db.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	ListMessagesByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*db.Message, error)
	GetDeliveryRecord(ctx context.Context, messageID uuid.UUID) (*db.DeliveryRecord, error)
}

// Pool defines the channel pool operations the API drives.
type Pool interface {
	Connect(ctx context.Context, tenantID uuid.UUID) (*db.Session, error)
	Disconnect(ctx context.Context, tenantID uuid.UUID) error
}

// Sweeper triggers an immediate delivery sweep for one tenant.
type Sweeper interface {
	ProcessTenant(ctx context.Context, tenantID uuid.UUID) (worker.Result, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger  *zap.Logger
	repo    Repository
	pool    Pool
	sweeper Sweeper
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo Repository, pool Pool, sweeper Sweeper) *Handler {
	return &Handler{
		logger:  logger,
		repo:    repo,
		pool:    pool,
		sweeper: sweeper,
	}
}

// Routes mounts the handler on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.Status)
	r.Get("/qr", h.QR)
	r.Post("/connect", h.Connect)
	r.Post("/disconnect", h.Disconnect)
	r.Post("/send", h.Send)
	r.Post("/process-queue", h.ProcessQueue)
	r.Get("/messages", h.ListMessages)
	r.Get("/messages/{id}", h.GetMessage)
}

// recipientPattern is a loose E.164 shape; anything else is rejected
// before it can burn delivery attempts downstream.
var recipientPattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

type tenantRequest struct {
	Tenant string `json:"tenant"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	active, err := h.repo.ActiveTenantCount(r.Context())
	if err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "unhealthy", "Storage unreachable", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"activeTenants": active,
	})
}

// Status handles GET /status?tenant=<id>
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromQuery(w, r)
	if !ok {
		return
	}

	sess, err := h.repo.GetSession(r.Context(), tenantID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "No session for tenant", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to read session", "")
		return
	}

	h.writeJSON(w, http.StatusOK, sess)
}

// QR handles GET /qr?tenant=<id>. The pairing code is nil unless the
// session is mid-pairing.
func (h *Handler) QR(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromQuery(w, r)
	if !ok {
		return
	}

	sess, err := h.repo.GetSession(r.Context(), tenantID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "No session for tenant", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to read session", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"tenant": tenantID.String(),
		"state":  sess.State,
		"qr":     sess.PairingCode,
	})
}

// Connect handles POST /connect. Idempotent: connecting an already-ready
// tenant returns the current session unchanged.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromBody(w, r)
	if !ok {
		return
	}

	sess, err := h.pool.Connect(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("connect failed",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusBadGateway, "connect_failed", "Could not initiate session", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, sess)
}

// Disconnect handles POST /disconnect. Safe for tenants that are already
// disconnected.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromBody(w, r)
	if !ok {
		return
	}

	if err := h.pool.Disconnect(r.Context(), tenantID); err != nil {
		h.logger.Error("disconnect failed",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "disconnect_failed", "Could not tear down session", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

type sendRequest struct {
	Tenant         string `json:"tenant"`
	Recipient      string `json:"recipient"`
	Body           string `json:"body"`
	Priority       *int   `json:"priority,omitempty"`
	AppointmentRef string `json:"appointmentRef,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send handles POST /send: enqueues a message for the delivery worker.
// Messages are accepted even when the tenant has no ready session; they
// wait in the queue until one exists.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Tenant == "" || req.Recipient == "" || req.Body == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant, recipient, and body are required")
		return
	}

	tenantID, err := uuid.Parse(req.Tenant)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant", "tenant must be a valid UUID")
		return
	}

	if !recipientPattern.MatchString(req.Recipient) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient", "recipient must be a phone number")
		return
	}

	msg := &db.Message{
		TenantID:    tenantID,
		Recipient:   req.Recipient,
		Body:        req.Body,
		MessageType: db.TypeDirect,
		Channel:     db.ChannelWhatsApp,
		Priority:    1,
	}

	if req.Priority != nil {
		msg.Priority = *req.Priority
	}

	if req.AppointmentRef != "" {
		ref, err := uuid.Parse(req.AppointmentRef)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid appointmentRef", "appointmentRef must be a valid UUID")
			return
		}
		msg.AppointmentRef = &ref
	}

	if err := h.repo.Enqueue(r.Context(), msg); err != nil {
		h.logger.Error("failed to enqueue message",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to enqueue message", "")
		return
	}

	metrics.RecordMessageEnqueued(tenantID.String(), msg.MessageType)

	h.writeJSON(w, http.StatusCreated, sendResponse{ID: msg.ID.String()})
}

// ProcessQueue handles POST /process-queue: runs an immediate delivery
// sweep for the tenant. A tenant with no ready session sweeps zero rows.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromBody(w, r)
	if !ok {
		return
	}

	result, err := h.sweeper.ProcessTenant(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("queue sweep failed",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "sweep_failed", "Queue sweep failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// ListMessages handles GET /messages?tenant=<id>&limit=&offset=
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantFromQuery(w, r)
	if !ok {
		return
	}

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	messages, err := h.repo.ListMessagesByTenant(r.Context(), tenantID, limit, offset)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	if messages == nil {
		messages = []*db.Message{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"messages": messages,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetMessage handles GET /messages/{id}, including the delivery record
// once the message has settled.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid message id", "id must be a valid UUID")
		return
	}

	msg, err := h.repo.GetMessage(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to read message", "")
		return
	}

	resp := map[string]any{"message": msg}

	if msg.Status == db.StatusSent || msg.Status == db.StatusFailed {
		if rec, err := h.repo.GetDeliveryRecord(r.Context(), id); err == nil {
			resp["delivery"] = rec
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// tenantFromQuery parses the tenant query parameter, writing the error
// response itself on failure.
func (h *Handler) tenantFromQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("tenant")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant", "tenant query parameter is required")
		return uuid.Nil, false
	}

	tenantID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant", "tenant must be a valid UUID")
		return uuid.Nil, false
	}

	return tenantID, true
}

// tenantFromBody parses the tenant field of a JSON body, writing the
// error response itself on failure.
func (h *Handler) tenantFromBody(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return uuid.Nil, false
	}

	if req.Tenant == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant", "tenant field is required")
		return uuid.Nil, false
	}

	tenantID, err := uuid.Parse(req.Tenant)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant", "tenant must be a valid UUID")
		return uuid.Nil, false
	}

	return tenantID, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
