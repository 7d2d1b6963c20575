package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/rulecache/internal/logger"
	"github.com/liamcoop/rulecache/rules"
)

// Pinger reports whether the backing database is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server exposes the rule cache over HTTP. Writes go to the store first and
// are then pushed into the cache; reads are served by the cache.
type Server struct {
	store    rules.RuleStore
	cache    *rules.RuleCache
	compiler *rules.Compiler
	db       Pinger
	logger   *slog.Logger
	router   *chi.Mux
}

// ServerOptions carries the optional parts of a Server
type ServerOptions struct {
	// DB is pinged by the health check; nil when rules are held in memory
	DB Pinger

	// Metrics, when set, is served at MetricsPath
	Metrics     prometheus.Gatherer
	MetricsPath string

	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func NewServer(store rules.RuleStore, cache *rules.RuleCache, compiler *rules.Compiler, opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		store:    store,
		cache:    cache,
		compiler: compiler,
		db:       opts.DB,
		logger:   opts.Logger,
	}
	s.setupRoutes(opts)
	return s
}

func (s *Server) setupRoutes(opts ServerOptions) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	if opts.Metrics != nil {
		r.Handle(opts.MetricsPath, promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/patterns/validate", s.handleValidatePattern)
		r.Get("/admin/log-level", s.handleGetLogLevel)
		r.Put("/admin/log-level", s.handleSetLogLevel)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)

			r.Route("/{ruleId}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
				r.Post("/evaluate", s.handleEvaluate)
				r.Post("/invalidate", s.handleInvalidate)
				r.Get("/dependencies", s.handleGetDependencies)
				r.Put("/dependencies", s.handleSetDependencies)
			})
		})

		r.Route("/cache", func(r chi.Router) {
			r.Post("/refresh", s.handleRefresh)
			r.Post("/clear", s.handleClear)
			r.Get("/stats", s.handleStats)
			r.Delete("/stats", s.handleResetStats)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request once it completes and feeds the HTTP
// error counters
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case status >= 500:
			logger.ErrorHTTP5xx()
			s.logger.Error("request failed", attrs...)
		case status >= 400:
			logger.WarnHTTP4xx(status)
			s.logger.Debug("request rejected", attrs...)
		default:
			s.logger.Debug("request", attrs...)
		}
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	stats := s.cache.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"l1Entries":   stats.L1.Size,
		"l2Entries":   stats.L2.Size,
		"compiledSet": stats.CompiledSize,
	})
}

func (s *Server) handleValidatePattern(w http.ResponseWriter, r *http.Request) {
	var req ValidatePatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	respondJSON(w, http.StatusOK, s.compiler.ValidatePattern(req.Pattern))
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, LogLevelRequest{Level: logger.GetLevel().String()})
}

// handleSetLogLevel changes the process log level without a restart
func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	level, err := logger.ParseLevel(req.Level)
	if err != nil || req.Level == "" {
		respondError(w, http.StatusBadRequest, "invalid log level", err)
		return
	}

	logger.SetLevel(level)
	s.logger.Info("log level changed", "level", level.String())
	respondJSON(w, http.StatusOK, LogLevelRequest{Level: level.String()})
}

// List rules handler. ?type= narrows to one type (active only unless
// ?status= is given); ?fresh=true bypasses the cache; ?compile=true
// attaches compilation summaries.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := rules.ListOptions{
		ForceFresh: queryBool(q.Get("fresh")),
		Compile:    queryBool(q.Get("compile")),
		Status:     rules.RuleStatus(q.Get("status")),
	}

	var (
		entries []*rules.RuleEntry
		err     error
	)
	if ruleType := q.Get("type"); ruleType != "" {
		entries, err = s.cache.GetRulesByType(r.Context(), rules.RuleType(ruleType), opts)
	} else {
		entries, err = s.cache.GetAllRules(r.Context(), opts)
	}
	if err != nil {
		s.respondCacheError(w, "failed to list rules", err)
		return
	}

	resp := RulesListResponse{Rules: make([]RuleResponse, 0, len(entries)), Count: len(entries)}
	for _, e := range entries {
		resp.Rules = append(resp.Rules, toRuleResponse(e))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	q := r.URL.Query()

	entry, err := s.cache.GetRule(r.Context(), ruleID, rules.GetOptions{
		ForceFresh: queryBool(q.Get("fresh")),
		Compile:    queryBool(q.Get("compile")),
	})
	if err != nil {
		s.respondCacheError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, toRuleResponse(entry))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	rule := req.toRule(id)
	if !s.validateRule(w, rule) {
		return
	}

	if _, err := s.store.GetRuleByID(r.Context(), id); err == nil {
		respondError(w, http.StatusConflict, "rule already exists", nil)
		return
	} else if !errors.Is(err, rules.ErrRuleNotFound) {
		respondError(w, http.StatusInternalServerError, "failed to create rule", err)
		return
	}

	if err := s.store.AddRule(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create rule", err)
		return
	}
	s.pushToCache(w, r, id, http.StatusCreated)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule(ruleID)
	if !s.validateRule(w, rule) {
		return
	}

	if err := s.store.UpdateRule(r.Context(), rule); err != nil {
		s.respondCacheError(w, "failed to update rule", err)
		return
	}
	s.pushToCache(w, r, ruleID, http.StatusOK)
}

// pushToCache re-reads the stored rule, so version and timestamps are the
// store's, and writes it into the cache
func (s *Server) pushToCache(w http.ResponseWriter, r *http.Request, ruleID string, status int) {
	stored, err := s.store.GetRuleByID(r.Context(), ruleID)
	if err != nil {
		s.respondCacheError(w, "failed to reload rule", err)
		return
	}
	if err := s.cache.SetRule(stored); err != nil {
		s.respondCacheError(w, "failed to cache rule", err)
		return
	}
	respondJSON(w, status, RuleResponse{Rule: stored})
}

func (s *Server) validateRule(w http.ResponseWriter, rule *rules.Rule) bool {
	if err := rule.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid rule", err)
		return false
	}
	if v := s.compiler.ValidatePattern(rule.Pattern); !v.Valid {
		respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "invalid pattern",
			"problems": v.Errors,
		})
		return false
	}
	return true
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.store.DeleteRule(r.Context(), ruleID); err != nil {
		s.respondCacheError(w, "failed to delete rule", err)
		return
	}
	if err := s.cache.DeleteRule(ruleID); err != nil {
		s.respondCacheError(w, "failed to evict rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Facts == nil {
		respondError(w, http.StatusBadRequest, "facts are required", nil)
		return
	}

	result, err := s.cache.Evaluate(r.Context(), ruleID, req.Facts, rules.EvalOptions{Trace: req.Trace})
	if err != nil {
		s.respondCacheError(w, "evaluation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	respondJSON(w, http.StatusOK, InvalidateResponse{Invalidated: s.cache.Invalidate(ruleID)})
}

func (s *Server) handleGetDependencies(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	respondJSON(w, http.StatusOK, DependenciesResponse{
		RuleID:       ruleID,
		Dependencies: nonNil(s.cache.Dependencies(ruleID)),
		Dependents:   nonNil(s.cache.Dependents(ruleID)),
	})
}

func (s *Server) handleSetDependencies(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req DependenciesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	deps := make([]rules.RuleDependency, 0, len(req.DependsOn))
	for _, d := range req.DependsOn {
		depType := d.Type
		if depType == "" {
			depType = rules.DependencyRequired
		}
		dep := rules.RuleDependency{RuleID: ruleID, DependsOnRuleID: d.RuleID, Type: depType}
		if err := dep.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid dependency", err)
			return
		}
		deps = append(deps, dep)
	}

	if _, err := s.store.GetRuleByID(r.Context(), ruleID); err != nil {
		s.respondCacheError(w, "failed to set dependencies", err)
		return
	}
	if err := s.store.SetDependencies(r.Context(), ruleID, deps); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to set dependencies", err)
		return
	}

	// Setting the rule again reloads its edges into the cache
	s.pushToCache(w, r, ruleID, http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	opts := rules.RefreshOptions{Full: req.Full, Types: req.Types}
	if req.OlderThan != nil {
		opts.OlderThan = *req.OlderThan
	}

	result, err := s.cache.Refresh(r.Context(), opts)
	if err != nil {
		s.respondCacheError(w, "refresh failed", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	s.cache.Clear(rules.ClearOptions{
		KeepL1:           req.KeepL1,
		KeepL2:           req.KeepL2,
		KeepCompiled:     req.KeepCompiled,
		KeepDependencies: req.KeepDependencies,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	s.cache.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

// respondCacheError maps rule and cache sentinels onto status codes
func (s *Server) respondCacheError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
	case errors.Is(err, rules.ErrRefreshInProgress):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, rules.ErrCacheDisposed):
		respondError(w, http.StatusServiceUnavailable, message, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusGatewayTimeout, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func queryBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
