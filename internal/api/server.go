// Package api exposes the orchestrator over HTTP: status, the module
// registry, run history, the candidate archive, and a websocket stream of
// run events. Authentication is JWT bearer tokens; an empty secret runs
// the API open (dev mode).
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

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/promethean-dev/promethean/internal/core"
	"github.com/promethean-dev/promethean/internal/reasoning"
	"github.com/promethean-dev/promethean/internal/store"
	"github.com/promethean-dev/promethean/internal/types"
)

const version = "0.1.0"

// LoopController is the slice of the core loop the API needs.
type LoopController interface {
	Status() core.Status
	RunOnce(ctx context.Context) (*types.RunRecord, error)
}

// Server is the HTTP API server.
type Server struct {
	port       int
	store      *store.Store
	loop       LoopController
	client     *reasoning.Client
	hub        *Hub
	jwtSecret  []byte
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates the API server. client may be nil; hub may be nil to
// disable the websocket stream.
func NewServer(port int, st *store.Store, loop LoopController, client *reasoning.Client, hub *Hub, jwtSecret string, logger *slog.Logger) *Server {
	var secret []byte
	if jwtSecret != "" {
		secret = []byte(jwtSecret)
	}
	return &Server{
		port:      port,
		store:     st,
		loop:      loop,
		client:    client,
		hub:       hub,
		jwtSecret: secret,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/modules", s.handleModules)
	mux.HandleFunc("/api/modules/", s.handleModuleDetail)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/trigger", s.handleTrigger)
	mux.HandleFunc("/api/usage", s.handleUsage)
	mux.HandleFunc("/ws/runs", s.handleRunsWS)

	return s.corsMiddleware(s.loggingMiddleware(s.authMiddleware(mux)))
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.jwtSecret == nil {
		s.logger.Warn("JWT authentication disabled (dev mode)")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleStatus returns orchestrator status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	modules, err := s.store.ListModules(r.Context())
	if err != nil {
		s.logger.Error("list modules failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	status := map[string]interface{}{
		"version": version,
		"uptime":  time.Since(s.startedAt).Seconds(),
		"modules": len(modules),
		"loop":    s.loop.Status(),
	}
	if s.hub != nil {
		status["subscribers"] = s.hub.Subscribers()
	}

	s.respondJSON(w, status)
}

// handleModules lists the module registry.
func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	modules, err := s.store.ListModules(r.Context())
	if err != nil {
		s.logger.Error("list modules failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, modules)
}

// handleModuleDetail dispatches /api/modules/{id}[/{action}[/{arg}]].
func (s *Server) handleModuleDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/modules/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		http.Error(w, "module id required", http.StatusBadRequest)
		return
	}
	moduleID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		module, err := s.store.GetModule(r.Context(), moduleID)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, module)

	case "runs":
		runs, err := s.store.RunsByModule(r.Context(), moduleID, time.Time{}, time.Time{})
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, runs)

	case "versions":
		if len(parts) < 3 {
			http.Error(w, "version number required", http.StatusBadRequest)
			return
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			http.Error(w, "invalid version number", http.StatusBadRequest)
			return
		}
		rec, err := s.store.ModuleVersion(r.Context(), moduleID, n)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, rec)

	case "candidates":
		minFitness := 0.0
		if v := r.URL.Query().Get("min_fitness"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				http.Error(w, "invalid min_fitness", http.StatusBadRequest)
				return
			}
			minFitness = f
		}
		limit := queryInt(r, "limit", 50)
		archived, err := s.store.ArchivedCandidates(r.Context(), moduleID, minFitness, limit)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, archived)

	default:
		http.Error(w, "invalid action", http.StatusBadRequest)
	}
}

// handleRuns returns recent run history across all modules.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runs, err := s.store.RecentRuns(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.logger.Error("recent runs failed", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, runs)
}

// handleTrigger runs one loop iteration on demand.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	run, err := s.loop.RunOnce(r.Context())
	if err != nil {
		s.logger.Error("triggered iteration failed", "error", err)
		http.Error(w, "iteration failed", http.StatusInternalServerError)
		return
	}
	if run == nil {
		s.respondJSON(w, map[string]interface{}{"message": "no targets registered"})
		return
	}
	s.respondJSON(w, run)
}

// handleUsage returns per-model reasoning usage.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.client == nil {
		s.respondJSON(w, map[string]interface{}{})
		return
	}
	s.respondJSON(w, s.client.AllUsage())
}

// handleRunsWS upgrades to a websocket and streams run events until the
// client disconnects. Auth uses a ?token= query param since browsers
// cannot set headers on websocket upgrades.
func (s *Server) handleRunsWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}
	if s.jwtSecret != nil {
		tokenStr := r.URL.Query().Get("token")
		if tokenStr == "" {
			http.Error(w, `{"error":"missing token"}`, http.StatusUnauthorized)
			return
		}
		if _, err := ValidateToken(tokenStr, s.jwtSecret); err != nil {
			http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // accept any Origin for dev convenience
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	s.logger.Info("run event subscriber connected", "remote", r.RemoteAddr)

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	// CloseRead surfaces client disconnects through the context.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.logger.Debug("ws write ended", "error", err)
				return
			}
		}
	}
}

// respondStoreError maps store errors to HTTP status codes.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.logger.Error("store query failed", "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
