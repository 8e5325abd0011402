package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/glowdesk/courier/internal/session"
)

// GatewayConfig holds settings for the WhatsApp gateway bridge.
type GatewayConfig struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	PollInterval time.Duration // session status poll cadence during pairing
}

// Gateway talks to the external WhatsApp gateway over HTTP. The gateway
// owns the actual protocol connection; this client starts sessions,
// polls their status into lifecycle events, and posts outbound messages.
type Gateway struct {
	cfg    GatewayConfig
	client *http.Client
	logger *zap.Logger
}

// NewGateway creates a gateway transport.
func NewGateway(cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 3 * time.Second
	}

	return &Gateway{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

type startResponse struct {
	QR    string `json:"qr"`
	State string `json:"state"`
	Phone string `json:"phone"`
}

type statusResponse struct {
	State string `json:"state"`
	QR    string `json:"qr"`
	Phone string `json:"phone"`
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// Connect starts (or resumes) the tenant's upstream session and streams
// lifecycle events derived from status polls. The stream closes when the
// context is cancelled or the upstream reports the session gone.
func (g *Gateway) Connect(ctx context.Context, tenantID uuid.UUID) (<-chan session.Event, error) {
	var start startResponse
	if err := g.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/start", tenantID), nil, &start); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	events := make(chan session.Event, 8)

	// Resumed sessions report ready immediately and never show a QR.
	switch start.State {
	case "ready":
		events <- session.Event{Type: session.EventReady, ChannelIdentity: start.Phone}
	default:
		if start.QR != "" {
			events <- session.Event{Type: session.EventPairingCode, PairingCode: start.QR}
		}
	}

	go g.poll(ctx, tenantID, events, start.State, start.QR)

	return events, nil
}

// poll translates upstream status into lifecycle events until the
// session settles or the context ends.
func (g *Gateway) poll(ctx context.Context, tenantID uuid.UUID, events chan<- session.Event, lastState, lastQR string) {
	defer close(events)

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var status statusResponse
		err := g.do(ctx, http.MethodGet, fmt.Sprintf("/sessions/%s/status", tenantID), nil, &status)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Warn("session status poll failed",
				zap.Error(err),
				zap.String("tenant_id", tenantID.String()),
			)
			continue
		}

		switch status.State {
		case "scanning":
			if status.QR != "" && status.QR != lastQR {
				lastQR = status.QR
				if !emit(ctx, events, session.Event{Type: session.EventPairingCode, PairingCode: status.QR}) {
					return
				}
			}
		case "authenticated":
			if lastState != "authenticated" {
				if !emit(ctx, events, session.Event{Type: session.EventAuthenticated, ChannelIdentity: status.Phone}) {
					return
				}
			}
		case "ready":
			if lastState != "ready" {
				if !emit(ctx, events, session.Event{Type: session.EventReady, ChannelIdentity: status.Phone}) {
					return
				}
			}
		case "auth_failure":
			emit(ctx, events, session.Event{Type: session.EventDisconnected, Cause: session.CauseAuthFailure})
			return
		case "disconnected", "gone":
			emit(ctx, events, session.Event{Type: session.EventDisconnected, Cause: session.CauseTransport})
			return
		}
		lastState = status.State
	}
}

// emit sends one event unless the consumer is gone. A cancelled context
// must never leave the poll goroutine blocked on a full channel.
func emit(ctx context.Context, events chan<- session.Event, ev session.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Send posts one outbound message for an authenticated tenant session.
func (g *Gateway) Send(ctx context.Context, tenantID uuid.UUID, recipient, body string) (*DeliveryResult, error) {
	payload := sendRequest{Recipient: recipient, Body: body}

	var resp sendResponse
	err := g.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/messages", tenantID), payload, &resp)
	if err != nil {
		return nil, err
	}
	if resp.MessageID == "" {
		return nil, fmt.Errorf("gateway response missing messageId")
	}

	return &DeliveryResult{ProtocolMessageID: resp.MessageID}, nil
}

// Disconnect logs the tenant's session out of the upstream.
func (g *Gateway) Disconnect(ctx context.Context, tenantID uuid.UUID) error {
	return g.do(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/logout", tenantID), nil, nil)
}

// do performs one gateway request. 4xx responses other than 408/429 are
// permanent: the request itself is malformed or unfulfillable and a
// retry cannot change that.
func (g *Gateway) do(ctx context.Context, method, path string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		if isPermanentStatus(resp.StatusCode) {
			return fmt.Errorf("gateway rejected request: status=%d body=%q: %w", resp.StatusCode, raw, ErrPermanent)
		}
		return fmt.Errorf("gateway error: status=%d body=%q", resp.StatusCode, raw)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w body=%q", err, raw)
		}
	}

	return nil
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
