package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/balancer"
	"github.com/FairForge/helmsman/internal/cluster"
	"github.com/FairForge/helmsman/internal/config"
	"github.com/FairForge/helmsman/internal/failover"
	"github.com/FairForge/helmsman/internal/health"
	"github.com/FairForge/helmsman/internal/metrics"
)

type Server struct {
	config     *config.Config
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	metrics    *metrics.Metrics

	balancer *balancer.LoadBalancer
	checker  *health.Checker
	failover *failover.Manager
	cluster  *cluster.Manager

	requestCount int64
	errorCount   int64
	startTime    time.Time
}

func NewServer(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics,
	lb *balancer.LoadBalancer, checker *health.Checker,
	fo *failover.Manager, cl *cluster.Manager) *Server {

	s := &Server{
		config:    cfg,
		logger:    logger,
		metrics:   m,
		balancer:  lb,
		checker:   checker,
		failover:  fo,
		cluster:   cl,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")

	// Control-plane routes live on a chi subrouter.
	api := chi.NewRouter()
	NewBalancerHandler(s.balancer, s.logger).RegisterRoutes(api)
	NewHealthHandler(s.checker, s.logger).RegisterRoutes(api)
	NewFailoverHandler(s.failover, s.logger).RegisterRoutes(api)
	NewClusterHandler(s.cluster, s.logger).RegisterRoutes(api)
	s.router.PathPrefix("/api/v1/").Handler(api)

	s.router.Use(s.loggingMiddleware)
}

// Router exposes the handler tree for tests and for embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary := s.checker.Summary()
	payload := map[string]interface{}{
		"status":       summary.Overall,
		"health_score": summary.HealthScore,
		"uptime":       time.Since(s.startTime).Seconds(),
	}

	code := http.StatusOK
	if summary.Overall == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := map[string]interface{}{
		"ready":     true,
		"memory_mb": getMemoryUsageMB(),
	}
	writeJSON(w, http.StatusOK, ready)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	version := map[string]string{
		"version": "0.1.0",
		"go":      runtime.Version(),
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.requestCount, 1)
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.Int("port", s.config.Server.Port))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func getMemoryUsageMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc / 1024 / 1024
}
