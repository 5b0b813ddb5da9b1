package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	correlationHeader  = "X-Correlation-Id"
	notionTokenHeader  = "X-Notion-Token"
	healthCheckTimeout = 2 * time.Second
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// Credentials resolves the remote credential for a workspace when a sync
	// request does not carry one.
	Credentials    func(workspaceID string) string
	AllowedOrigins []string
	Logger         *zap.Logger
	Metrics        *relaygraph.Metrics
}

type Server struct {
	engine      *relaygraph.Engine
	broadcaster *relaygraph.Broadcaster
	cfg         ServerConfig
	logger      *zap.Logger
	rateLimiter *rateLimiter
	router      chi.Router
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

type contextKey string

const (
	correlationIDKey contextKey = "correlationID"
	claimsKey        contextKey = "claims"
)

func NewServer(engine *relaygraph.Engine, broadcaster *relaygraph.Broadcaster) *Server {
	return NewServerWithConfig(engine, broadcaster, ServerConfig{})
}

func NewServerWithConfig(engine *relaygraph.Engine, broadcaster *relaygraph.Broadcaster, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		engine:      engine,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      cfg.Logger,
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.correlate)
	r.Use(s.logRequests)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", s.handleHealth)
	r.Get("/dashboard", s.handleDashboard)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/v1/workspaces/{workspaceID}", func(r chi.Router) {
		r.With(s.authorize(scopeSyncTrigger)).Post("/sync", s.handleSync)
		r.With(s.authorize(scopeGraphRead)).Get("/graph", s.handleGraph)
		r.With(s.authorize(scopeGraphRead)).Get("/nodes", s.handleNodes)
		r.With(s.authorize(scopeGraphRead)).Get("/export", s.handleExport)
		r.With(s.authorize(scopeGraphRead)).Get("/stats", s.handleStats)
		r.With(s.authorize(scopeGraphRead)).Get("/events", s.handleEvents)
		r.With(s.authorize(scopeGraphRead)).Get("/ws", s.handleWebSocket)
		r.With(s.authorize(scopeWorkspaceAdmin)).Delete("/", s.handleRevoke)
	})
	return r
}

// correlate attaches a correlation id to every request, minting one when the
// caller did not send it.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := strings.TrimSpace(r.Header.Get(correlationHeader))
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set(correlationHeader, correlationID)
		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("correlationID", getCorrelationID(r)),
		)
	})
}

func (s *Server) authorize(requiredScope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			workspaceID := chi.URLParam(r, "workspaceID")
			correlationID := getCorrelationID(r)
			claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, workspaceID, requiredScope, time.Now().UTC())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
				return
			}
			if s.rateLimiter != nil {
				key := workspaceID + "|" + claims.AgentName
				if !s.rateLimiter.allow(key, time.Now().UTC()) {
					writeRetryAfter(w, s.rateLimiter.window)
					writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
					return
				}
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	if err := s.engine.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	correlationID := getCorrelationID(r)
	credential := strings.TrimSpace(r.Header.Get(notionTokenHeader))
	if credential == "" && s.cfg.Credentials != nil {
		credential = s.cfg.Credentials(workspaceID)
	}
	if credential == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing "+notionTokenHeader+" header", correlationID)
		return
	}
	result, err := s.engine.Sync(r.Context(), workspaceID, credential)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	s.logger.Info("manual sync completed",
		zap.String("workspaceID", workspaceID),
		zap.String("agent", requestClaims(r).AgentName),
		zap.Int("added", result.Added),
		zap.Int("updated", result.Updated),
		zap.Int("removed", result.Removed),
	)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	correlationID := getCorrelationID(r)
	dark, err := parseTheme(r.URL.Query().Get("theme"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	view, err := s.engine.Graph(r.Context(), workspaceID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, relaygraph.StyleGraph(view, dark))
}

type nodesResponse struct {
	WorkspaceID string            `json:"workspaceId"`
	FetchedAt   time.Time         `json:"fetchedAt"`
	Total       int               `json:"total"`
	Nodes       []relaygraph.Node `json:"nodes"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	correlationID := getCorrelationID(r)
	query := r.URL.Query()
	nodeQuery, err := relaygraph.ParseNodeQuery(query.Get("search"), query.Get("filter"), query.Get("sort"))
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	snapshot, ok := s.loadSnapshot(w, r, workspaceID, correlationID)
	if !ok {
		return
	}
	nodes := relaygraph.FilterNodes(snapshot.Nodes, nodeQuery)
	writeJSON(w, http.StatusOK, nodesResponse{
		WorkspaceID: workspaceID,
		FetchedAt:   snapshot.FetchedAt,
		Total:       len(nodes),
		Nodes:       nodes,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	snapshot, ok := s.loadSnapshot(w, r, workspaceID, getCorrelationID(r))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, relaygraph.ComputeStats(snapshot))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	correlationID := getCorrelationID(r)
	query := r.URL.Query()
	format, err := relaygraph.ParseExportFormat(query.Get("format"))
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	kinds, err := relaygraph.ParseExportKinds(query.Get("types"))
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	snapshot, ok := s.loadSnapshot(w, r, workspaceID, correlationID)
	if !ok {
		return
	}
	var body bytes.Buffer
	if err := relaygraph.WriteExport(&body, snapshot, format, kinds); err != nil {
		s.logger.Error("export failed", zap.String("workspaceID", workspaceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "export failed", correlationID)
		return
	}
	contentType := "application/json"
	if format == relaygraph.ExportCSV {
		contentType = "text/csv; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "relaygraph-"+workspaceID+"."+string(format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body.Bytes())
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	correlationID := getCorrelationID(r)
	if err := s.engine.Revoke(r.Context(), workspaceID); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	s.logger.Info("workspace revoked",
		zap.String("workspaceID", workspaceID),
		zap.String("agent", requestClaims(r).AgentName),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadSnapshot(w http.ResponseWriter, r *http.Request, workspaceID, correlationID string) (relaygraph.Snapshot, bool) {
	snapshot, ok, err := s.engine.Snapshot(r.Context(), workspaceID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return relaygraph.Snapshot{}, false
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "workspace has not been synced", correlationID)
		return relaygraph.Snapshot{}, false
	}
	return snapshot, true
}

// writeDomainError maps the sync and store error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	var syncErr *relaygraph.SyncError
	switch {
	case errors.Is(err, relaygraph.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaygraph.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "workspace has not been synced", correlationID)
	case errors.Is(err, relaygraph.ErrAuthExpired):
		writeError(w, http.StatusUnauthorized, "auth_expired", "remote credential rejected; reconnect the workspace", correlationID)
	case errors.Is(err, relaygraph.ErrRateLimited):
		var retryAfter time.Duration
		if errors.As(err, &syncErr) {
			retryAfter = syncErr.RetryAfter
		}
		writeRetryAfter(w, retryAfter)
		writeError(w, http.StatusTooManyRequests, "rate_limited", "remote rate limit reached", correlationID)
	case errors.Is(err, relaygraph.ErrStorageFailure):
		s.logger.Error("storage failure", zap.String("correlationID", correlationID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage_failure", "workspace store unavailable", correlationID)
	case errors.Is(err, relaygraph.ErrRemoteUnavailable):
		writeError(w, http.StatusServiceUnavailable, "remote_unavailable", "remote workspace unavailable", correlationID)
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "canceled", "request canceled", correlationID)
	default:
		s.logger.Error("unhandled error", zap.String("correlationID", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if value, ok := r.Context().Value(correlationIDKey).(string); ok {
		return value
	}
	return r.Header.Get(correlationHeader)
}

func requestClaims(r *http.Request) tokenClaims {
	claims, _ := r.Context().Value(claimsKey).(tokenClaims)
	return claims
}

func parseTheme(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "light":
		return false, nil
	case "dark":
		return true, nil
	default:
		return false, fmt.Errorf("unknown theme %q", raw)
	}
}

func writeRetryAfter(w http.ResponseWriter, wait time.Duration) {
	retryAfter := int(math.Ceil(wait.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
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
