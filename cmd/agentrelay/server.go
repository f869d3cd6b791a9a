package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/internal/cache"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/BaSui01/agentrelay/internal/server"
	"github.com/BaSui01/agentrelay/internal/telemetry"
	"github.com/BaSui01/agentrelay/orchestrator"
	"github.com/BaSui01/agentrelay/persistence"
	"github.com/BaSui01/agentrelay/types"
)

// Server wires configuration, storage, the task registry and the HTTP
// surface together for the serve command.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	cacheMgr *cache.Manager
	store    persistence.RecordStore
	registry *orchestrator.Registry

	promReg     *prometheus.Registry
	httpManager *server.Manager

	otelProvider *telemetry.Provider
}

// NewServer creates the server. Nothing is connected until Start.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProvider *telemetry.Provider) *Server {
	return &Server{
		cfg:          cfg,
		logger:       logger,
		otelProvider: otelProvider,
	}
}

// Start connects Redis, builds the registry and begins serving HTTP.
func (s *Server) Start() error {
	if err := s.initStorage(); err != nil {
		return err
	}

	s.promReg = prometheus.NewRegistry()
	s.promReg.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector("agentrelay", s.promReg)

	s.registry = orchestrator.NewRegistry(
		s.cfg.Orchestrator, s.cacheMgr, s.store, s.logger, collector)

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	serverCfg.ReadTimeout = s.cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = s.cfg.Server.WriteTimeout
	serverCfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.httpManager = server.NewManager(s.routes(), serverCfg, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("server started", zap.Int("http_port", s.cfg.Server.HTTPPort))
	return nil
}

// initStorage connects the Redis cache and builds the record store.
// A failed Redis connection degrades to in-memory operation.
func (s *Server) initStorage() error {
	mgr, err := cache.NewManager(s.cfg.Redis, s.logger)
	if err != nil {
		s.logger.Warn("redis unavailable, running with in-memory buffers only",
			zap.Error(err))
	} else {
		s.cacheMgr = mgr
	}

	switch s.cfg.Persistence.Type {
	case persistence.StoreTypeRedis:
		if s.cacheMgr == nil {
			s.logger.Warn("redis record store requested but redis is down, using memory store")
			s.store = persistence.NewMemoryRecordStore(s.cfg.Persistence)
			return nil
		}
		store, err := persistence.NewRedisRecordStore(s.cacheMgr.Client(), s.cfg.Persistence)
		if err != nil {
			return fmt.Errorf("failed to create redis record store: %w", err)
		}
		s.store = store
	default:
		s.store = persistence.NewMemoryRecordStore(s.cfg.Persistence)
	}
	return nil
}

// WaitForShutdown blocks until a signal arrives, then tears everything
// down in dependency order: HTTP, registry, storage, telemetry.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.registry.Shutdown(ctx); err != nil {
		s.logger.Error("registry shutdown incomplete", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("record store close failed", zap.Error(err))
	}
	if s.cacheMgr != nil {
		if err := s.cacheMgr.Close(); err != nil {
			s.logger.Error("cache close failed", zap.Error(err))
		}
	}
	if err := s.otelProvider.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /tasks/{id}", s.handleTaskInfo)
	mux.HandleFunc("GET /tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /tasks/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /subagents/{id}/events", s.handleSubagentEvents)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if s.cacheMgr != nil {
		if err := s.cacheMgr.Ping(r.Context()); err != nil {
			status["redis"] = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			status["redis"] = "ok"
		}
	} else {
		status["redis"] = "disabled"
	}

	if err := s.store.Ping(r.Context()); err != nil {
		status["store"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["store"] = "ok"
	}

	writeJSON(w, code, status)
}

func (s *Server) handleTaskInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Info(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Cancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.SoftInterrupt(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "interrupting"})
}

// handleTaskEvents streams task events over SSE, replaying everything
// after the optional ?after=N cursor before going live.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	lastSeen, err := parseAfter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := s.registry.Attach(r.Context(), r.PathValue("id"), lastSeen)
	if err != nil {
		writeError(w, err)
		return
	}

	s.streamSSE(w, r, events)
}

func (s *Server) handleSubagentEvents(w http.ResponseWriter, r *http.Request) {
	lastSeen, err := parseAfter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	events, err := s.registry.AttachSubagent(r.Context(), r.PathValue("id"), lastSeen)
	if err != nil {
		writeError(w, err)
		return
	}

	s.streamSSE(w, r, events)
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, events <-chan types.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.IsSentinel() {
				fmt.Fprint(w, "event: done\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
			flusher.Flush()
		}
	}
}

func parseAfter(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, types.NewError(types.ErrInvalidArgument, "after must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a types.Error code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch types.CodeOf(err) {
	case types.ErrTaskNotFound:
		code = http.StatusNotFound
	case types.ErrTaskExpired:
		code = http.StatusGone
	case types.ErrTaskRunning, types.ErrDrainPending, types.ErrInvalidTransition:
		code = http.StatusConflict
	case types.ErrInvalidArgument:
		code = http.StatusBadRequest
	case types.ErrCeilingReached, types.ErrShuttingDown:
		code = http.StatusServiceUnavailable
	}

	var apiErr *types.Error
	if !errors.As(err, &apiErr) {
		apiErr = types.NewError(types.ErrInternalError, err.Error())
	}
	writeJSON(w, code, apiErr)
}
