// Package server provides the REST API server for the control plane.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/auth"
	"github.com/virtforge/virtforge/internal/cluster"
	"github.com/virtforge/virtforge/internal/config"
	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/health"
	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/ledger"
	"github.com/virtforge/virtforge/internal/metrics"
	"github.com/virtforge/virtforge/internal/migration"
	"github.com/virtforge/virtforge/internal/repository/etcd"
	"github.com/virtforge/virtforge/internal/repository/memory"
	"github.com/virtforge/virtforge/internal/repository/postgres"
	"github.com/virtforge/virtforge/internal/repository/redis"
	"github.com/virtforge/virtforge/internal/scheduler"
	"github.com/virtforge/virtforge/internal/server/middleware"
	nodeservice "github.com/virtforge/virtforge/internal/services/node"
	workloadservice "github.com/virtforge/virtforge/internal/services/workload"
)

// nodeStore is the union of the node persistence surfaces the subsystems
// consume. Both *postgres.NodeRepository and *memory.NodeRepository satisfy
// it.
type nodeStore interface {
	Create(ctx context.Context, n *domain.ComputeNode) (*domain.ComputeNode, error)
	Get(ctx context.Context, id string) (*domain.ComputeNode, error)
	GetByName(ctx context.Context, name string) (*domain.ComputeNode, error)
	List(ctx context.Context) ([]*domain.ComputeNode, error)
	Update(ctx context.Context, n *domain.ComputeNode) (*domain.ComputeNode, error)
	UpdateHealth(ctx context.Context, id string, health domain.NodeHealth, probeFailures int, probedAt time.Time) error
	UpdateMaintenance(ctx context.Context, id string, maintenance bool) error
	Delete(ctx context.Context, id string) error
}

// workloadStore is the union of the workload persistence surfaces.
type workloadStore interface {
	Create(ctx context.Context, wl *domain.Workload) (*domain.Workload, error)
	Get(ctx context.Context, id string) (*domain.Workload, error)
	List(ctx context.Context) ([]*domain.Workload, error)
	ListByNode(ctx context.Context, nodeID string) ([]*domain.Workload, error)
	Count(ctx context.Context) (int, error)
	Update(ctx context.Context, wl *domain.Workload) (*domain.Workload, error)
	UpdateState(ctx context.Context, id string, state domain.WorkloadState) error
	TransferOwnership(ctx context.Context, id, nodeID string, state domain.WorkloadState) error
}

// jobStore is the migration job persistence surface.
type jobStore interface {
	CreateIfNoneActive(ctx context.Context, job *domain.MigrationJob) error
	Get(ctx context.Context, id string) (*domain.MigrationJob, error)
	Update(ctx context.Context, job *domain.MigrationJob) error
	List(ctx context.Context) ([]*domain.MigrationJob, error)
	ListActive(ctx context.Context) ([]*domain.MigrationJob, error)
	ListByWorkload(ctx context.Context, workloadID string) ([]*domain.MigrationJob, error)
}

// tokenStore is the enrollment token persistence surface.
type tokenStore interface {
	Create(ctx context.Context, token *domain.EnrollmentToken) (*domain.EnrollmentToken, error)
	Get(ctx context.Context, id string) (*domain.EnrollmentToken, error)
	List(ctx context.Context) ([]*domain.EnrollmentToken, error)
	Update(ctx context.Context, token *domain.EnrollmentToken) (*domain.EnrollmentToken, error)
	Delete(ctx context.Context, id string) error
}

// leaderElectionName keys the control plane's etcd election.
const leaderElectionName = "controlplane"

// leaderGate adapts leader election to the subsystems' IsLeader checks. A
// process running without etcd has no peers to defer to, so it always leads.
type leaderGate struct {
	mu     sync.RWMutex
	leader *etcd.Leader
}

func (g *leaderGate) set(l *etcd.Leader) {
	g.mu.Lock()
	g.leader = l
	g.mu.Unlock()
}

// IsLeader implements the LeaderChecker interfaces of the health monitor
// and the rebalance advisor.
func (g *leaderGate) IsLeader() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.leader == nil {
		return true
	}
	return g.leader.IsLeader()
}

// Server represents the control plane API server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	handler    http.Handler

	// Infrastructure
	db         *postgres.DB
	cache      *redis.Cache
	etcdClient *etcd.Client
	metrics    *metrics.Metrics

	// Repositories (PostgreSQL or in-memory behind one surface)
	nodes     nodeStore
	workloads workloadStore
	jobs      jobStore
	tokens    tokenStore

	// Core subsystems
	ledger     *ledger.Ledger
	agentPool  *hypervisor.Pool
	driver     hypervisor.Driver
	monitor    *health.Monitor
	scheduler  *scheduler.Scheduler
	migrations *migration.Orchestrator
	cluster    *cluster.Manager
	advisor    *cluster.Advisor

	// Services
	workloadService *workloadservice.Service
	nodeService     *nodeservice.Service

	authn *middleware.Authenticator

	// Leader election (for HA)
	leaderGate *leaderGate
	leader     *etcd.Leader

	background sync.WaitGroup
}

// Option configures the server.
type Option func(*Server)

// WithPostgreSQL enables PostgreSQL as the data store.
func WithPostgreSQL(db *postgres.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables Redis caching and event publishing.
func WithRedis(cache *redis.Cache) Option {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for leader election and distributed locks.
func WithEtcd(client *etcd.Client) Option {
	return func(s *Server) {
		s.etcdClient = client
	}
}

// WithMetrics wires the Prometheus collectors through every subsystem. The
// collectors register against the default registry, so the caller creates
// them exactly once.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a new server instance. Repositories, subsystems, and routes
// are all wired here; Run starts the listener and the background loops.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		config:     cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		leaderGate: &leaderGate{},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.initRepositories()
	s.initSubsystems()
	s.registerRoutes()

	s.handler = s.setupMiddleware(s.mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// initRepositories initializes data repositories.
func (s *Server) initRepositories() {
	if s.db != nil {
		s.logger.Info("Initializing PostgreSQL repositories")
		s.nodes = postgres.NewNodeRepository(s.db, s.logger)
		s.workloads = postgres.NewWorkloadRepository(s.db, s.logger)
		s.jobs = postgres.NewMigrationJobRepository(s.db, s.logger)
		s.tokens = postgres.NewEnrollmentTokenRepository(s.db, s.logger)
	} else {
		s.logger.Info("Initializing in-memory repositories")
		s.nodes = memory.NewNodeRepository()
		s.workloads = memory.NewWorkloadRepository()
		s.jobs = memory.NewMigrationJobRepository()
		s.tokens = memory.NewEnrollmentTokenRepository()
	}

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcdClient != nil),
	)
}

// initSubsystems wires the ledger, placement engine, health monitor,
// migration orchestrator, cluster manager, and services together.
func (s *Server) initSubsystems() {
	s.ledger = ledger.New(s.logger)
	s.agentPool = hypervisor.NewPool(s.logger)
	s.driver = hypervisor.NewAgentDriver(s.agentPool, s.logger)

	// Assigning a nil *redis.Cache straight into these interfaces would
	// make them non-nil; keep them nil unless Redis is configured.
	var (
		healthEvents    health.EventPublisher
		migrationEvents migration.EventPublisher
		nodeEvents      nodeservice.EventPublisher
		healthCache     cluster.HealthCache
	)
	if s.cache != nil {
		healthEvents = s.cache
		migrationEvents = s.cache
		nodeEvents = s.cache
		healthCache = s.cache
	}

	s.monitor = health.NewMonitor(
		s.config.Health,
		s.nodes,
		s.driver,
		healthEvents,
		s.leaderGate,
		s.metrics,
		s.logger,
	)

	s.scheduler = scheduler.New(s.ledger, s.monitor, s.workloads, s.config.Scheduler, s.logger)

	s.migrations = migration.New(
		s.config.Migration,
		s.jobs,
		s.workloads,
		s.nodes,
		s.driver,
		s.ledger,
		s.scheduler,
		migrationEvents,
		s.metrics,
		s.logger,
	)

	s.cluster = cluster.New(
		s.config.Cluster,
		s.nodes,
		s.workloads,
		s.scheduler,
		s.ledger,
		s.migrations,
		healthCache,
		s.metrics,
		s.logger,
	)
	s.advisor = cluster.NewAdvisor(s.config.Advisor, s.cluster, s.leaderGate, s.logger)

	s.workloadService = workloadservice.NewService(
		s.workloads,
		s.nodes,
		s.scheduler,
		s.ledger,
		s.driver,
		s.metrics,
		s.logger,
	)
	s.nodeService = nodeservice.NewService(
		s.nodes,
		s.workloads,
		s.tokens,
		s.ledger,
		s.monitor,
		s.agentPool,
		nodeEvents,
		s.logger,
	)

	s.authn = middleware.NewAuthenticator(auth.NewManager(s.config.Auth), s.logger)

	s.logger.Info("Subsystems initialized",
		zap.String("default_strategy", string(s.scheduler.DefaultStrategy())),
		zap.Bool("health_monitor", s.config.Health.Enabled),
		zap.Bool("rebalance_advisor", s.config.Advisor.Enabled),
	)
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Ops endpoints
	s.mux.HandleFunc("/healthz", s.healthzHandler)
	s.mux.HandleFunc("/readyz", s.readyzHandler)
	s.mux.HandleFunc("/livez", s.livezHandler)
	s.mux.HandleFunc("/v1/info", s.infoHandler)
	s.mux.Handle("/metrics", promhttp.Handler())

	workloads := &workloadHandler{server: s, logger: s.logger.Named("workload-rest")}
	s.mux.Handle("/v1/workloads", workloads)
	s.mux.Handle("/v1/workloads/", workloads)

	nodes := &nodeHandler{server: s, logger: s.logger.Named("node-rest")}
	s.mux.Handle("/v1/nodes", nodes)
	s.mux.Handle("/v1/nodes/", nodes)

	migrations := &migrationHandler{server: s, logger: s.logger.Named("migration-rest")}
	s.mux.Handle("/v1/migrations", migrations)
	s.mux.Handle("/v1/migrations/", migrations)

	clusterOps := &clusterHandler{server: s, logger: s.logger.Named("cluster-rest")}
	s.mux.Handle("/v1/cluster/", clusterOps)

	tokens := &tokenHandler{server: s, logger: s.logger.Named("enrollment-rest")}
	s.mux.Handle("/v1/enrollment-tokens", tokens)
	s.mux.Handle("/v1/enrollment-tokens/", tokens)

	s.logger.Info("Routes registered")
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	// Innermost first: auth resolves identity, CORS wraps it, then request
	// logging and panic recovery on the outside.
	handler = s.authn.Wrap(handler)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})
	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests and records request metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		elapsed := time.Since(start)

		if s.metrics != nil && strings.HasPrefix(r.URL.Path, "/v1/") {
			route := routeLabel(r.URL.Path)
			s.metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
			s.metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		}

		// Skip logging for probes and scrapes
		switch r.URL.Path {
		case "/healthz", "/readyz", "/livez", "/metrics":
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", elapsed),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// routeLabel collapses resource IDs so metric label cardinality stays
// bounded: /v1/workloads/wl-123/start becomes /v1/workloads/:id/start.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[2] != "enroll" {
		switch parts[1] {
		case "nodes", "workloads", "migrations", "enrollment-tokens":
			parts[2] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// healthzHandler returns health status.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"virtforge-controlplane"}`)
}

// readyzHandler reports whether every configured backend is reachable.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	components := map[string]string{}

	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			ready = false
			components["postgres"] = "unhealthy"
		} else {
			components["postgres"] = "healthy"
		}
	}
	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			ready = false
			components["redis"] = "unhealthy"
		} else {
			components["redis"] = "healthy"
		}
	}
	if s.etcdClient != nil {
		if err := s.etcdClient.Health(ctx); err != nil {
			ready = false
			components["etcd"] = "unhealthy"
		} else {
			components["etcd"] = "healthy"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"ready":      ready,
		"components": components,
	})
}

// livezHandler returns liveness status.
func (s *Server) livezHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"alive":true}`)
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"name":              "VirtForge Control Plane",
		"version":           "0.1.0",
		"api_version":       "v1",
		"leader":            s.leaderGate.IsLeader(),
		"connected_agents":  len(s.agentPool.ConnectedNodes()),
		"active_migrations": s.migrations.ActiveCount(),
		"infrastructure": map[string]bool{
			"postgres": s.db != nil,
			"redis":    s.cache != nil,
			"etcd":     s.etcdClient != nil,
		},
	}

	// With etcd configured the cluster-wide leader is known; expose its
	// session lease so operators can tell the instances apart.
	if s.etcdClient != nil {
		switch lease, err := s.etcdClient.GetLeader(r.Context(), leaderElectionName); {
		case err == nil:
			info["leader_lease"] = lease
		case errors.Is(err, etcd.ErrNoLeader):
			info["leader_lease"] = ""
		default:
			s.logger.Debug("Leader lookup failed", zap.Error(err))
		}
	}

	s.writeJSON(w, http.StatusOK, info)
}

// Handler returns the fully wired HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}

// Run hydrates runtime state from the store, starts the background loops
// and the HTTP listener, and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
	)

	if err := s.hydrate(ctx); err != nil {
		return fmt.Errorf("hydrating runtime state: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start leader election if etcd is available
	if s.etcdClient != nil {
		leader, err := s.etcdClient.CampaignForLeader(runCtx, leaderElectionName, func(isLeader bool) {
			if isLeader {
				s.logger.Info("This instance is now the leader")
			} else {
				s.logger.Info("This instance is now a follower")
			}
		})
		if err != nil {
			s.logger.Warn("Failed to start leader election", zap.Error(err))
		} else {
			s.leader = leader
			s.leaderGate.set(leader)
		}
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.monitor.Start(runCtx)
	}()
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.advisor.Start(runCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		cancel()
		s.background.Wait()
		return fmt.Errorf("server error: %w", err)
	}

	cancel()
	return s.Shutdown()
}

// hydrate rebuilds the in-memory runtime state from the store: every node
// joins the ledger, every placed workload re-occupies its capacity, and
// migration jobs orphaned by a previous process exit are failed.
func (s *Server) hydrate(ctx context.Context) error {
	nodes, err := s.nodes.List(ctx)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	for _, n := range nodes {
		s.ledger.AddNode(n)
	}

	workloads, err := s.workloads.List(ctx)
	if err != nil {
		return fmt.Errorf("listing workloads: %w", err)
	}
	placed := 0
	for _, wl := range workloads {
		if !wl.IsPlaced() {
			continue
		}
		s.ledger.Hydrate(wl.NodeID, wl.ID, wl.Request)
		placed++
	}

	if err := s.failOrphanedJobs(ctx); err != nil {
		return err
	}

	s.logger.Info("Runtime state hydrated",
		zap.Int("nodes", len(nodes)),
		zap.Int("placed_workloads", placed),
	)
	return nil
}

// failOrphanedJobs closes out migration jobs that were mid-flight when a
// previous process exited. Their executors are gone, so the jobs can never
// progress. The owning node recorded on the workload is correct on both
// sides of the ownership commit point; only the lifecycle state needs
// recovering.
func (s *Server) failOrphanedJobs(ctx context.Context) error {
	jobs, err := s.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("listing active migration jobs: %w", err)
	}

	for _, job := range jobs {
		now := time.Now()
		job.State = domain.MigrationStateFailed
		job.FailureReason = "control plane restarted while the migration was in flight"
		job.CompletedAt = &now
		if err := s.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("failing orphaned job %s: %w", job.ID, err)
		}

		wl, err := s.workloads.Get(ctx, job.WorkloadID)
		if err != nil {
			s.logger.Warn("Orphaned migration references missing workload",
				zap.String("job_id", job.ID),
				zap.String("workload_id", job.WorkloadID),
				zap.Error(err),
			)
			continue
		}
		if wl.State == domain.WorkloadStateMigrating {
			// Offline migrations stop the source as their first stage, so
			// STOPPED is the safe recovery state; live workloads keep
			// running on the source until switchover.
			recovered := domain.WorkloadStateRunning
			if job.Mode == domain.MigrationModeOffline {
				recovered = domain.WorkloadStateStopped
			}
			if err := s.workloads.UpdateState(ctx, wl.ID, recovered); err != nil {
				return fmt.Errorf("recovering workload %s after orphaned migration: %w", wl.ID, err)
			}
		}

		s.logger.Warn("Failed orphaned migration job",
			zap.String("job_id", job.ID),
			zap.String("workload_id", job.WorkloadID),
			zap.String("stage", string(job.Stage)),
		)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	// Resign from leadership
	if s.leader != nil {
		if err := s.leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	// Close HTTP server
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	// Let in-flight migrations reach a clean stage boundary.
	if err := s.migrations.Drain(shutdownCtx); err != nil {
		s.logger.Warn("Migration drain incomplete", zap.Error(err))
	}

	s.background.Wait()

	// Close infrastructure connections
	if s.etcdClient != nil {
		if err := s.etcdClient.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}
