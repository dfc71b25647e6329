package main

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trexxak/ghostship-master-sub001/internal/activity"
	"github.com/trexxak/ghostship-master-sub001/internal/admin"
	"github.com/trexxak/ghostship-master-sub001/internal/alert"
	"github.com/trexxak/ghostship-master-sub001/internal/circuitbreaker"
	"github.com/trexxak/ghostship-master-sub001/internal/config"
	"github.com/trexxak/ghostship-master-sub001/internal/engine"
	"github.com/trexxak/ghostship-master-sub001/internal/generation"
	"github.com/trexxak/ghostship-master-sub001/internal/health"
	"github.com/trexxak/ghostship-master-sub001/internal/metrics"
	"github.com/trexxak/ghostship-master-sub001/internal/provider"
	"github.com/trexxak/ghostship-master-sub001/internal/scheduler"
	"github.com/trexxak/ghostship-master-sub001/internal/simconfig"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
	"github.com/trexxak/ghostship-master-sub001/internal/store/memory"
	"github.com/trexxak/ghostship-master-sub001/internal/store/postgres"
	redispkg "github.com/trexxak/ghostship-master-sub001/internal/store/redis"
	"github.com/trexxak/ghostship-master-sub001/internal/tickctl"
	"github.com/trexxak/ghostship-master-sub001/internal/tracing"
	"golang.org/x/sync/errgroup"
)

const serverShutdownTimeout = 5 * time.Second

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type dbPoolStatsGauges struct {
	open         prometheus.Gauge
	inUse        prometheus.Gauge
	idle         prometheus.Gauge
	waitCount    prometheus.Gauge
	waitDuration prometheus.Gauge
}

func collectDBPoolStats(db dbStatsProvider, gauges dbPoolStatsGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.Set(float64(stats.OpenConnections))
	gauges.inUse.Set(float64(stats.InUse))
	gauges.idle.Set(float64(stats.Idle))
	gauges.waitCount.Set(float64(stats.WaitCount))
	gauges.waitDuration.Set(stats.WaitDuration.Seconds())

	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, interval time.Duration, logger *slog.Logger) {
	if db == nil || interval <= 0 {
		return
	}

	gauges := dbPoolStatsGauges{
		open:         metrics.DBPoolOpen,
		inUse:        metrics.DBPoolInUse,
		idle:         metrics.DBPoolIdle,
		waitCount:    metrics.DBPoolWaitCount,
		waitDuration: metrics.DBPoolWaitDurationSeconds,
	}

	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db, gauges); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db, gauges); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

// maskCredentials strips the userinfo from a connection URL for logging.
func maskCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}

func basicAuthMiddleware(user, pass string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
			subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// healthChecker answers readiness probes with a bounded database ping.
type healthChecker struct {
	db *sql.DB
}

func (h *healthChecker) check(ctx context.Context) error {
	if h.db == nil {
		return fmt.Errorf("database not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

func main() {
	// Setup logger
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting ghostship",
		"db_url", maskCredentials(cfg.DB.URL),
		"redis_url", maskCredentials(cfg.Redis.URL),
		"provider_base_url", cfg.Provider.BaseURL,
		"provider_model", cfg.Provider.Model,
		"daily_request_limit", cfg.Provider.DailyRequestLimit,
		"queue_batch_size", cfg.Queue.BatchSize,
		"activity_window", cfg.Activity.Window,
		"sim_config_path", cfg.Sim.Path,
		"admin_port", cfg.Admin.Port,
		"health_port", cfg.Server.HealthPort,
	)

	// Initialize OpenTelemetry tracing
	tracingCfg := tracing.Config{}
	if cfg.Tracing.Enabled {
		tracingCfg = tracing.Config{
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
			SampleRatio: cfg.Tracing.SampleRatio,
		}
	}
	shutdownTracing, err := tracing.Init(context.Background(), "ghostship", tracingCfg)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	// Connect to PostgreSQL
	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if cfg.DB.MigrationsDir != "" {
		if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
			logger.Error("failed to run migrations", "dir", cfg.DB.MigrationsDir, "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied", "dir", cfg.DB.MigrationsDir)
	}

	// Session store: Redis when configured, in-process otherwise
	var sessions store.SessionStore
	if cfg.Redis.URL != "" {
		redisSessions, err := redispkg.NewSessions(cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err, "redis_url", maskCredentials(cfg.Redis.URL))
			os.Exit(1)
		}
		sessions = redisSessions
		logger.Info("redis session store enabled", "redis_url", maskCredentials(cfg.Redis.URL))
	} else {
		sessions = memory.NewSessions()
		logger.Info("in-memory session store enabled")
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			logger.Warn("session store close error", "error", err)
		}
	}()

	// Create repositories
	repos := &store.Repos{
		Agents:   postgres.NewAgentRepo(db),
		Threads:  postgres.NewThreadRepo(db),
		Posts:    postgres.NewPostRepo(db),
		Messages: postgres.NewMessageRepo(db),
		Tasks:    postgres.NewTaskRepo(db),
		Control:  postgres.NewControlRepo(db),
		Tickets:  postgres.NewTicketRepo(db),
		Usage:    postgres.NewUsageRepo(db),
	}

	control := tickctl.NewManager(repos.Control, logger)

	simCache := simconfig.New(cfg.Sim.Path)
	if _, err := simCache.Load(true); err != nil {
		logger.Error("failed to load sim config", "path", simCache.Path(), "error", err)
		os.Exit(1)
	}
	metrics.ConfigReloads.WithLabelValues("startup").Inc()
	if fp, err := simCache.Fingerprint(); err == nil {
		logger.Info("sim config loaded", "path", fp.Path, "version", fp.Version, "sha1", fp.SHA1)
	}

	tracker := activity.NewTracker(sessions, cfg.Activity.Window, logger)

	// Alert channels
	alerters := []alert.Alerter{alert.NewLogAlerter(logger)}
	if cfg.Alert.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
		logger.Info("webhook alerts enabled")
	}
	alerter := alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alerters...)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Cooldown: cfg.Provider.FailureBackoff,
		OnTrip: func(reason string, until time.Time) {
			alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = alerter.Send(alertCtx, alert.Alert{
				Type:      alert.AlertTypeProviderOffline,
				Component: "provider",
				Title:     "generation provider offline",
				Message:   reason,
				Fields:    map[string]string{"offline_until": until.UTC().Format(time.RFC3339)},
			})
		},
	})

	quota := provider.NewQuota(repos.Usage, cfg.Provider.DailyRequestLimit, nil)
	client := provider.NewClient(provider.Config{
		BaseURL:   cfg.Provider.BaseURL,
		APIKey:    cfg.Provider.APIKey,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,
		Timeout:   cfg.Provider.Timeout,
		Title:     cfg.Provider.Title,
		Referrer:  cfg.Provider.Referrer,
	}, breaker, quota, cfg.Provider.RequestsPerMinute, logger)

	guard := generation.NewGuard(repos.Posts, repos.Tasks, logger)
	processor := generation.NewProcessor(db, repos, client, generation.Config{
		BatchSize:        cfg.Queue.BatchSize,
		DefaultMaxTokens: cfg.Provider.MaxTokens,
	}, logger).WithAlerter(alerter)
	worker := generation.NewWorker(processor, logger)

	eng := engine.New(control, simCache, tracker, guard, repos.Agents, repos.Threads, logger)

	monitor := health.NewMonitor(0)
	monitor.Register("scheduler")

	sched := scheduler.New(control, simCache, eng, worker, logger).
		WithHeartbeat(monitor).
		WithAlerter(alerter)

	adminSrv := admin.NewServer(control, simCache, tracker, repos.Tasks, logger,
		admin.WithTickRunner(eng),
		admin.WithQueueProcessor(processor),
		admin.WithBreaker(breaker),
		admin.WithHealthProvider(monitor),
	)
	rateLimiter := admin.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()

	var adminHandler http.Handler = admin.AuditMiddleware(logger, rateLimiter.Wrap(adminSrv.Handler()))
	if cfg.Admin.BasicAuthUser != "" && cfg.Admin.BasicAuthPass != "" {
		adminHandler = basicAuthMiddleware(cfg.Admin.BasicAuthUser, cfg.Admin.BasicAuthPass, adminHandler)
		logger.Info("admin basic auth enabled", "user", cfg.Admin.BasicAuthUser)
	}

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// Health check server
	checker := &healthChecker{db: db.DB}
	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, monitor, checker, logger)
	})

	// Admin API server
	g.Go(func() error {
		return runAdminServer(gCtx, cfg.Admin.Port, adminHandler, logger)
	})

	// Simulation loops
	g.Go(func() error {
		return sched.Run(gCtx)
	})
	g.Go(func() error {
		return worker.Run(gCtx)
	})
	g.Go(func() error {
		return tracker.RunJanitor(gCtx, cfg.Activity.PruneInterval)
	})

	startDBPoolStatsPump(gCtx, db.DB, cfg.DB.PoolStatsInterval, logger)

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("ghostship exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("ghostship shut down gracefully")
}

func runHealthServer(ctx context.Context, port int, monitor *health.Monitor, checker *healthChecker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/healthz", monitor.Handler())
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checker.check(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write ready response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func runAdminServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("admin server shutdown error", "error", err)
		}
	}()

	logger.Info("admin server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}
