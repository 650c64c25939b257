// Package api provides the HTTP and WebSocket server for submitting
// backtests and retrieving their results.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/internal/analytics"
	"github.com/quantframe/backtest-core/internal/backtester"
	"github.com/quantframe/backtest-core/internal/data"
	"github.com/quantframe/backtest-core/internal/strategy"
	"github.com/quantframe/backtest-core/internal/workers"
	"github.com/quantframe/backtest-core/pkg/types"
	"github.com/quantframe/backtest-core/pkg/utils"
)

// Backtest lifecycle states reported by the API.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// BacktestState tracks one submitted backtest.
type BacktestState struct {
	ID          string                    `json:"id"`
	Config      types.BacktestConfig      `json:"config"`
	Status      string                    `json:"status"`
	SubmittedAt time.Time                 `json:"submittedAt"`
	CompletedAt *time.Time                `json:"completedAt,omitempty"`
	Result      *types.RunResult          `json:"result,omitempty"`
	Metrics     *types.PerformanceMetrics `json:"metrics,omitempty"`
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	hub        *Hub
	pool       *workers.Pool
	registry   *strategy.Registry
	analyzer   *analytics.Analyzer
	metrics    *Metrics
	backtests  map[string]*BacktestState
}

// NewServer creates a new API server.
func NewServer(logger *zap.Logger, config types.ServerConfig) *Server {
	s := &Server{
		logger:    logger,
		config:    config,
		router:    mux.NewRouter(),
		hub:       NewHub(logger),
		pool:      workers.NewPool(logger, workers.DefaultPoolConfig("backtests")),
		registry:  strategy.NewRegistry(logger),
		analyzer:  analytics.NewAnalyzer(logger),
		metrics:   NewMetrics(),
		backtests: make(map[string]*BacktestState),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies", s.handleListStrategies).Methods("GET")
	s.router.HandleFunc("/api/v1/backtests", s.handleSubmitBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtests", s.handleListBacktests).Methods("GET")
	s.router.HandleFunc("/api/v1/backtests/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtests/{id}/trades", s.handleGetTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtests/{id}/montecarlo", s.handleMonteCarlo).Methods("GET")
	s.router.HandleFunc("/ws", s.hub.HandleWebSocket)

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// Router exposes the configured handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// StartWorkers launches the backtest worker pool without binding the
// HTTP listener. Start does this as part of normal startup.
func (s *Server) StartWorkers() { s.pool.Start() }

// Start runs the worker pool and blocks serving HTTP.
func (s *Server) Start() error {
	s.pool.Start()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("api server starting", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server and its worker pool down.
func (s *Server) Stop(ctx context.Context) error {
	s.pool.Stop(10 * time.Second)
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	names := s.registry.List()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": names})
}

func (s *Server) handleSubmitBacktest(w http.ResponseWriter, r *http.Request) {
	config := types.DefaultBacktestConfig()
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := config.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.registry.Create(config.Strategy); !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown strategy %q", config.Strategy))
		return
	}

	if config.ID == "" {
		config.ID = utils.GenerateID("bt")
	}
	state := &BacktestState{
		ID:          config.ID,
		Config:      config,
		Status:      StatusQueued,
		SubmittedAt: time.Now(),
	}

	s.mu.Lock()
	if _, exists := s.backtests[state.ID]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Sprintf("backtest %s already exists", state.ID))
		return
	}
	s.backtests[state.ID] = state
	s.mu.Unlock()

	if err := s.pool.Submit(workers.TaskFunc(func() error {
		s.runBacktest(state.ID)
		return nil
	})); err != nil {
		s.mu.Lock()
		delete(s.backtests, state.ID)
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "backtest queue full")
		return
	}

	s.metrics.BacktestsSubmitted.Inc()

	// The pool worker may already be mutating the state; respond with
	// a copy taken under the lock.
	s.mu.RLock()
	snapshot := *state
	s.mu.RUnlock()
	writeJSON(w, http.StatusAccepted, snapshot)
}

// runBacktest executes one queued backtest on a pool worker.
func (s *Server) runBacktest(id string) {
	s.mu.Lock()
	state, ok := s.backtests[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	state.Status = StatusRunning
	config := state.Config
	s.mu.Unlock()

	started := time.Now()
	strat, _ := s.registry.Create(config.Strategy)
	sim := backtester.NewSimulator(s.logger, config, s.loaderFor(config), strat)
	result := sim.Run()

	var metrics *types.PerformanceMetrics
	if result.Success {
		m := s.analyzer.Analyze(result)
		metrics = &m
	}

	now := time.Now()
	s.mu.Lock()
	state.Result = result
	state.Metrics = metrics
	state.CompletedAt = &now
	if result.Success {
		state.Status = StatusCompleted
	} else {
		state.Status = StatusFailed
	}
	status := state.Status
	s.mu.Unlock()

	s.metrics.BacktestDuration.Observe(time.Since(started).Seconds())
	if result.Success {
		s.metrics.BacktestsCompleted.Inc()
	} else {
		s.metrics.BacktestsFailed.Inc()
	}

	s.hub.Broadcast(map[string]interface{}{
		"type":      "backtest_" + status,
		"id":        id,
		"timestamp": now.Unix(),
	})
}

// loaderFor picks the data source: a CSV file when configured, the
// deterministic generator otherwise.
func (s *Server) loaderFor(config types.BacktestConfig) data.Loader {
	if config.DataFile != "" {
		return data.NewCSVLoader(s.logger, config.DataFile)
	}
	interval := 24 * time.Hour
	if config.BarInterval == types.BarIntervalMinute && config.MinuteUnit > 0 {
		interval = time.Duration(config.MinuteUnit) * time.Minute
	}
	return data.NewGeneratorLoader(s.logger, 42, 70_000, interval)
}

func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	list := make([]BacktestState, 0, len(s.backtests))
	for _, st := range s.backtests {
		list = append(list, *st)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].SubmittedAt.After(list[j].SubmittedAt)
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"backtests": list})
}

// stateByID returns a copy of the requested state. Copies are taken
// under the lock because pool workers mutate states in place.
func (s *Server) stateByID(r *http.Request) (BacktestState, bool) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.backtests[id]
	if !ok {
		return BacktestState{}, false
	}
	return *st, true
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	state, ok := s.stateByID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	state, ok := s.stateByID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	if state.Result == nil {
		writeError(w, http.StatusConflict, "backtest has not completed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": state.Result.Trades})
}

func (s *Server) handleMonteCarlo(w http.ResponseWriter, r *http.Request) {
	state, ok := s.stateByID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	if state.Result == nil || !state.Result.Success {
		writeError(w, http.StatusConflict, "backtest has not completed")
		return
	}

	mc := analytics.NewMonteCarloSimulator(s.logger, analytics.MonteCarloConfig{})
	writeJSON(w, http.StatusOK, mc.Run(state.Result.Trades))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
