// Package webhook accepts signed status callbacks from external job runners
// and approval systems.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/h1v3-io/holdline/internal/resolution"
	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// Config holds webhook configuration.
type Config struct {
	// Endpoints maps endpoint names to their auth settings.
	// e.g., {"runner": {"secret": "whsec_abc123"}, "ci": {"bearer_token": "xyz"}}
	Endpoints map[string]EndpointConfig `json:"endpoints"`
}

// EndpointConfig holds per-endpoint webhook configuration.
type EndpointConfig struct {
	// Secret for HMAC-SHA256 signature verification (X-Hub-Signature-256 header).
	// If empty, Bearer auth is used instead.
	Secret string `json:"secret,omitempty"`
	// BearerToken for Authorization header auth. Used if Secret is empty.
	BearerToken string `json:"bearer_token,omitempty"`
}

// Payload is the expected JSON body for webhook requests.
type Payload struct {
	TicketID string          `json:"ticket_id"`
	Status   protocol.Status `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// ResolveFunc applies a status to a ticket. (*resolution.Service).Resolve fits.
type ResolveFunc func(ctx context.Context, id string, status protocol.Status, result json.RawMessage) (*protocol.Ticket, error)

// Handler provides HTTP handlers for webhook endpoints.
type Handler struct {
	config  Config
	resolve ResolveFunc
	logger  *slog.Logger
}

// New creates a new webhook handler.
func New(cfg Config, resolve ResolveFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:  cfg,
		resolve: resolve,
		logger:  logger.With("component", "webhook"),
	}
}

// ServeHTTP handles webhook requests at /api/webhook/{name}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := r.PathValue("name")
	if name == "" {
		name = extractName(r.URL.Path)
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing endpoint name in path")
		return
	}

	endpoint, ok := h.config.Endpoints[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown webhook endpoint: %s", name))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !h.authenticate(r, endpoint, body) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.TicketID == "" {
		writeError(w, http.StatusBadRequest, "ticket_id is required")
		return
	}
	if !payload.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", payload.Status))
		return
	}

	t, err := h.resolve(r.Context(), payload.TicketID, payload.Status, payload.Result)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("webhook resolve failed", "endpoint", name, "ticket", payload.TicketID, "error", err)
		} else {
			h.logger.Warn("webhook resolve rejected", "endpoint", name, "ticket", payload.TicketID, "status", payload.Status, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}

	h.logger.Info("webhook applied", "endpoint", name, "ticket", t.ID, "status", t.Status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(t)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ticket.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ticket.ErrConflict), errors.Is(err, ticket.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, resolution.ErrInvalidStatus):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) authenticate(r *http.Request, endpoint EndpointConfig, body []byte) bool {
	if endpoint.Secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" {
			sig = r.Header.Get("X-Signature-256")
		}
		return verifyHMAC(body, endpoint.Secret, sig)
	}

	if endpoint.BearerToken != "" {
		auth := r.Header.Get("Authorization")
		return hmac.Equal([]byte(auth), []byte("Bearer "+endpoint.BearerToken))
	}

	// No auth configured: allowed for local development.
	return true
}

// verifyHMAC checks an HMAC-SHA256 signature.
// Signature format: "sha256=<hex>"
func verifyHMAC(body []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	expectedMAC, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expectedMAC)
}

// extractName gets the last path segment from /api/webhook/{name}.
func extractName(path string) string {
	path = strings.TrimSuffix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// ComputeSignature generates an HMAC-SHA256 signature for job runners and tests.
func ComputeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
