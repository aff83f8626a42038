package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/holdline/internal/fanout"
	"github.com/h1v3-io/holdline/internal/logbuf"
	"github.com/h1v3-io/holdline/internal/resolution"
	"github.com/h1v3-io/holdline/internal/ticket"
	"github.com/h1v3-io/holdline/pkg/protocol"
)

// LogQuerier abstracts log entry querying. *logbuf.Buffer implements it.
type LogQuerier interface {
	Query(q logbuf.Query) []logbuf.Entry
}

// TicketService is the interface the API server needs from the resolution layer.
type TicketService interface {
	Get(ctx context.Context, id string) (*protocol.Ticket, error)
	List(ctx context.Context, filter ticket.Filter) ([]*protocol.Ticket, error)
	Resolve(ctx context.Context, id string, status protocol.Status, result json.RawMessage) (*protocol.Ticket, error)
	MarkRunning(ctx context.Context, id string) (*protocol.Ticket, error)
}

// EventSource hands out fan-out subscriptions. *fanout.Hub implements it.
type EventSource interface {
	Subscribe() *fanout.Subscription
	Unsubscribe(*fanout.Subscription)
}

// HealthFunc reports one component's health and a JSON-friendly detail.
type HealthFunc func() (healthy bool, detail any)

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
	// Heartbeat is the idle interval after which /api/events sends a
	// heartbeat frame.
	Heartbeat time.Duration
	// RatePerSecond limits requests per client; 0 disables limiting.
	RatePerSecond float64
	Burst         int
}

// Option wires optional collaborators into the Server.
type Option func(*Server)

// WithLogs exposes a log buffer at /api/logs.
func WithLogs(logs LogQuerier) Option {
	return func(s *Server) { s.logs = logs }
}

// WithEvents exposes fan-out events at /api/events.
func WithEvents(events EventSource) Option {
	return func(s *Server) { s.events = events }
}

// WithWebhook mounts h at POST /api/webhook/{name}. It does its own auth.
func WithWebhook(h http.Handler) Option {
	return func(s *Server) { s.webhook = h }
}

// WithHealth adds a component to /api/health.
func WithHealth(name string, fn HealthFunc) Option {
	return func(s *Server) { s.health[name] = fn }
}

// Server is the holdline REST API server.
type Server struct {
	svc     TicketService
	cfg     Config
	logger  *slog.Logger
	logs    LogQuerier
	events  EventSource
	webhook http.Handler
	issuer  TicketIssuer
	health  map[string]HealthFunc
	limiter *clientLimiter
	srv     *http.Server
}

// NewServer creates a new API server.
func NewServer(svc TicketService, cfg Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger.With("component", "api"),
		health: make(map[string]HealthFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RatePerSecond > 0 {
		s.limiter = newClientLimiter(cfg.RatePerSecond, cfg.Burst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	if s.issuer != nil {
		mux.HandleFunc("POST /api/tickets", s.requireAuth(s.handleIssueTicket))
	}
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("POST /api/tickets/{id}/resolve", s.requireAuth(s.handleResolveTicket))
	mux.HandleFunc("POST /api/tickets/{id}/start", s.requireAuth(s.handleStartTicket))
	mux.HandleFunc("GET /api/events", s.requireAuth(s.handleEvents))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	if s.webhook != nil {
		mux.Handle("POST /api/webhook/{name}", s.webhook)
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(s.rateLimit(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Hub-Signature-256")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok"}
	components := make(map[string]any, len(s.health))
	for name, fn := range s.health {
		healthy, detail := fn()
		components[name] = detail
		if !healthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	if len(components) > 0 {
		body["components"] = components
	}
	writeJSON(w, status, body)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ticket.Filter{SessionID: q.Get("session_id")}
	if kind := q.Get("kind"); kind != "" {
		k, err := protocol.ParseKind(kind)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filter.Kind = k
	}
	if status := q.Get("status"); status != "" {
		st, err := protocol.ParseStatus(status)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filter.Status = st
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	tickets, err := s.svc.List(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type resolveRequest struct {
	Status protocol.Status `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleResolveTicket(w http.ResponseWriter, r *http.Request) {
	req, err := decodeResolveRequest(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	t, err := s.svc.Resolve(r.Context(), r.PathValue("id"), req.Status, req.Result)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStartTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.MarkRunning(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := logbuf.Query{Limit: 200, MinLevel: slog.LevelDebug}
	params := r.URL.Query()
	if l := params.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			q.Limit = n
		}
	}
	if lvl := params.Get("level"); lvl != "" {
		q.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := params.Get("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			q.Since = time.UnixMilli(ms)
		}
	}
	q.Component = params.Get("component")
	q.Ticket = params.Get("ticket")

	entries := s.logs.Query(q)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

// writeError maps service errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ticket.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
	case errors.Is(err, ticket.ErrConflict), errors.Is(err, ticket.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, resolution.ErrInvalidStatus):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
