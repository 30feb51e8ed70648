package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agentworkforce/relaymail/internal/relaymail"
	"github.com/google/uuid"
)

// NotificationService is the core the HTTP surface drives.
type NotificationService interface {
	HandleNotification(ctx context.Context, body []byte) (relaymail.NotificationResult, error)
	Status() relaymail.Status
	Reset() (time.Time, error)
	CheckNow(ctx context.Context) (relaymail.CheckResult, error)
}

type ServerConfig struct {
	// PushToken, when set, must arrive as ?token= or X-Relaymail-Token on
	// webhook deliveries.
	PushToken string
	// AdminJWTSecret, when set, protects reset and check with an HS256
	// bearer token carrying the matching scope.
	AdminJWTSecret  string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	RequestTimeout  time.Duration
	EventOrigins    []string
	Logger          relaymail.Logger
}

type Server struct {
	service     NotificationService
	events      *EventHub
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      relaymail.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(service NotificationService, events *EventHub) *Server {
	return NewServerWithConfig(service, events, ServerConfig{})
}

func NewServerWithConfig(service NotificationService, events *EventHub, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		service:     service,
		events:      events,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case path == "/" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"message": "relaymail gmail webhook receiver"})
	case (path == "/gmail-webhook" || path == "/v1/webhooks/gmail") && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	case (path == "/status" || path == "/v1/status") && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case (path == "/reset" || path == "/v1/admin/reset") && r.Method == http.MethodPost:
		s.handleReset(w, r)
	case (path == "/check" || path == "/v1/admin/check") && r.Method == http.MethodPost:
		s.handleCheck(w, r)
	case path == "/v1/events" && r.Method == http.MethodGet:
		s.handleEventStream(w, r)
	case path == "/dashboard" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if !s.allow(w, "push|"+clientIP(r), correlationID) {
		return
	}
	if authErr := verifyPushToken(s.cfg.PushToken, pushTokenFromRequest(r)); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	result, err := s.service.HandleNotification(ctx, body)
	if err != nil {
		status, code := classifyError(err)
		s.logger.Printf("relaymail: webhook %s failed: %v", correlationID, err)
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminJWTSecret, "admin:reset", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	epoch, err := s.service.Reset()
	if err != nil {
		status, code := classifyError(err)
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "reset",
		"appStartTime": epoch.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if authErr := authorizeAdmin(r.Header.Get("Authorization"), s.cfg.AdminJWTSecret, "admin:check", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allow(w, "check|"+clientIP(r), correlationID) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	result, err := s.service.CheckNow(ctx)
	if err != nil {
		status, code := classifyError(err)
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, relaymail.ErrMalformedEnvelope):
		return http.StatusBadRequest, "invalid_envelope"
	case errors.Is(err, relaymail.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, relaymail.ErrAuthenticationUnavailable):
		return http.StatusInternalServerError, "authentication_unavailable"
	case errors.Is(err, relaymail.ErrResolutionFailure):
		return http.StatusInternalServerError, "resolution_failure"
	case errors.Is(err, relaymail.ErrPersistenceDegraded):
		return http.StatusInternalServerError, "persistence_degraded"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) allow(w http.ResponseWriter, key, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(key, time.Now().UTC()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

// getCorrelationID echoes X-Correlation-Id, or mints one so push deliveries
// can still be traced in logs.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
