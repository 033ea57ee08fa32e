package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lanish19/ravint22-sub000/internal/agents"
	authpkg "github.com/lanish19/ravint22-sub000/internal/auth"
	"github.com/lanish19/ravint22-sub000/internal/circuitbreaker"
	"github.com/lanish19/ravint22-sub000/internal/config"
	"github.com/lanish19/ravint22-sub000/internal/db"
	"github.com/lanish19/ravint22-sub000/internal/health"
	"github.com/lanish19/ravint22-sub000/internal/httpapi"
	"github.com/lanish19/ravint22-sub000/internal/pipeline"
	"github.com/lanish19/ravint22-sub000/internal/policy"
	"github.com/lanish19/ravint22-sub000/internal/ratecontrol"
	"github.com/lanish19/ravint22-sub000/internal/review"
	"github.com/lanish19/ravint22-sub000/internal/service"
	"github.com/lanish19/ravint22-sub000/internal/session"
	"github.com/lanish19/ravint22-sub000/internal/streaming"
	"github.com/lanish19/ravint22-sub000/internal/toolaudit"
	"github.com/lanish19/ravint22-sub000/internal/tracing"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting ravint orchestrator",
		zap.Int("api_port", cfg.Service.Port),
		zap.Int("admin_port", cfg.Metrics.Port),
		zap.Bool("persistence", cfg.Persistence.Enabled),
		zap.Bool("auth", cfg.Auth.Enabled),
		zap.Bool("policy", cfg.Policy.Enabled),
	)

	if err := tracing.Initialize(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Bring up the health manager and admin HTTP endpoints early so
	// probes respond while the heavier components are still connecting.
	// ------------------------------------------------------------------
	hm := health.NewManagerWithConfig(healthConfiguration(cfg.Health), logger)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	if cfg.Metrics.Enabled {
		adminMux.Handle("/metrics", promhttp.Handler())
	}
	adminSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Metrics.Port))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()
	if err := hm.Start(ctx); err != nil {
		logger.Warn("Health manager start failed", zap.Error(err))
	}

	// Durable run store. Persistence is opt-out; when enabled the daemon
	// refuses to start without its database.
	var store *db.Store
	if cfg.Persistence.Enabled {
		store, err = db.Open(db.Config{
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			Database:        cfg.Postgres.Database,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConnections:  cfg.Postgres.MaxOpenConns,
			IdleConnections: cfg.Postgres.MaxIdleConns,
			MaxLifetime:     cfg.Postgres.ConnMaxLifetime,
			QueueSize:       cfg.Persistence.QueueSize,
			Workers:         cfg.Persistence.Workers,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database store", zap.Error(err))
		}
		_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(store, logger))
	}

	// Redis snapshot store. The pipeline runs fine without it; phase
	// checkpoints and review snapshots are simply not kept.
	sessions, err := session.NewStore(session.StoreConfig{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.SessionTTL,
	}, logger)
	if err != nil {
		logger.Warn("Redis session store unavailable, running without snapshots", zap.Error(err))
		sessions = nil
	} else {
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(sessions.Client(), logger))
	}

	_ = hm.RegisterChecker(health.NewReasonerHealthChecker(cfg.Agents.BaseURL, logger))

	var policyEngine *policy.OPAEngine
	if cfg.Policy.Enabled {
		policyEngine, err = policy.NewOPAEngine(&policy.Config{
			Enabled:             cfg.Policy.Enabled,
			Mode:                policy.Mode(cfg.Policy.Mode),
			Path:                cfg.Policy.Path,
			FailClosed:          cfg.Policy.FailClosed,
			Environment:         cfg.Policy.Environment,
			EmergencyKillSwitch: cfg.Policy.EmergencyKillSwitch,
			CacheSize:           cfg.Policy.CacheSize,
			CacheTTL:            cfg.Policy.CacheTTL,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize policy engine", zap.Error(err))
		}
		logger.Info("Policy engine initialized",
			zap.String("mode", cfg.Policy.Mode),
			zap.String("path", cfg.Policy.Path),
			zap.Bool("fail_closed", cfg.Policy.FailClosed),
		)
	}

	// ------------------------------------------------------------------
	// Configuration hot reload. The watcher re-validates edits to the
	// root file and keeps the last good snapshot on a bad one; .rego
	// changes recompile the policy engine in place.
	// ------------------------------------------------------------------
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = config.DefaultPath
	}
	policyDir := ""
	if policyEngine != nil {
		policyDir = cfg.Policy.Path
	}
	cfgMgr, err := config.NewManager(filepath.Dir(configPath), policyDir, logger)
	if err != nil {
		logger.Warn("Config manager init failed, hot reload disabled", zap.Error(err))
		cfgMgr = nil
	} else {
		runtime := config.NewRuntime(cfgMgr, cfg, filepath.Base(configPath), logger)
		runtime.Initialize()
		runtime.OnUpdate(func(old, next *config.Config) {
			if err := hm.UpdateConfiguration(healthConfiguration(next.Health)); err != nil {
				logger.Error("Failed to update health configuration", zap.Error(err))
			}
			if old.Policy != next.Policy {
				logger.Warn("Policy configuration changed, restart to apply mode or path changes")
			}
		})
		if policyEngine != nil {
			cfgMgr.RegisterPolicyHandler(func(path string) error {
				logger.Info("Reloading policies", zap.String("path", path))
				return policyEngine.LoadPolicies()
			})
		}
		if err := cfgMgr.Start(); err != nil {
			logger.Warn("Config manager start failed, hot reload disabled", zap.Error(err))
			cfgMgr = nil
		}
	}

	var limiter *ratecontrol.Limiter
	if cfg.RateLimit.Enabled {
		perAgent := make(map[string]ratecontrol.AgentRate, len(cfg.RateLimit.PerAgent))
		for name, r := range cfg.RateLimit.PerAgent {
			perAgent[name] = ratecontrol.AgentRate{RPS: r.RPS, Burst: r.Burst}
		}
		limiter = ratecontrol.NewLimiter(ratecontrol.Config{
			Enabled:  true,
			RPS:      cfg.RateLimit.RPS,
			Burst:    cfg.RateLimit.Burst,
			PerAgent: perAgent,
		}, logger)
	}

	// Reasoning-service client with the tool audit chain in front of it.
	var toolGate toolaudit.PolicyGate
	if policyEngine != nil {
		toolGate = policyEngine
	}
	client := agents.NewClient(agents.ClientConfig{
		BaseURL:      cfg.Agents.BaseURL,
		Timeout:      cfg.Agents.Timeout,
		AllowedTools: cfg.Agents.AllowedTools,
	}, toolaudit.Default(toolGate, store, logger), logger)
	registry := agents.NewRegistry(client)

	broker := review.NewBroker(cfg.Review.Timeout, logger)
	events := streaming.NewManager(cfg.Streaming.RingCapacity)

	gates := []service.Gate{service.PolicyGate(policyEngine)}
	if limiter != nil {
		gates = append(gates, limiter.Gate())
	}

	svc := service.New(registry, service.Options{
		Pipeline: pipeline.Config{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			Breaker: circuitbreaker.Config{
				FailureThreshold: cfg.Breaker.FailureThreshold,
				ResetTimeout:     cfg.Breaker.ResetTimeout,
			},
			SharedBreakers:      cfg.Pipeline.SharedBreakers,
			FanOutParallelism:   cfg.Pipeline.FanOutParallelism,
			Lenses:              cfg.Pipeline.Lenses,
			PerspectiveAttempts: cfg.Pipeline.PerspectiveAttempts,
			ReviewThreshold:     agents.Confidence(cfg.Pipeline.ReviewThreshold),
		},
		Gates:      gates,
		Store:      store,
		Sessions:   sessions,
		Events:     events,
		Broker:     broker,
		RunTimeout: cfg.Pipeline.RunTimeout,
	}, logger)

	if table := svc.Engine().Breakers(); table != nil {
		_ = hm.RegisterChecker(health.NewBreakerHealthChecker(table))
	}

	// Authentication needs the database for users, keys, and refresh
	// tokens. Without persistence the API runs open.
	var authMW *authpkg.Middleware
	var authHandler *httpapi.AuthHandler
	if cfg.Auth.Enabled {
		if store == nil {
			logger.Warn("Auth enabled but persistence is not, API running unauthenticated")
		} else {
			authSvc := authpkg.NewService(store.DB(), logger, cfg.Auth.JWTSecret,
				cfg.Auth.AccessTokenExpiry, cfg.Auth.RefreshTokenExpiry)
			authMW = authpkg.NewMiddleware(authSvc, authSvc.JWTManager(), cfg.Auth.SkipAuth)
			authHandler = httpapi.NewAuthHandler(authSvc, logger)
			logger.Info("Auth middleware initialized", zap.Bool("skip_auth", cfg.Auth.SkipAuth))
		}
	}

	api := httpapi.NewServer(svc, events, logger)
	if authMW != nil {
		api = api.WithAuth(authMW, authHandler)
	}
	apiSrv := api.Start(cfg.Service.Port, cfg.Service.ReadTimeout, cfg.Service.WriteTimeout,
		cfg.Service.MaxHeaderBytes)

	// Handle graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown failed", zap.Error(err))
	}
	// Cancel active runs and wait for them before the stores go away.
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Warn("Run service stopped before all runs finished", zap.Error(err))
	}
	_ = hm.Stop()
	if cfgMgr != nil {
		cfgMgr.Stop()
	}
	if sessions != nil {
		_ = sessions.Close()
	}
	if store != nil {
		_ = store.Close()
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func healthConfiguration(cfg config.HealthConfig) *health.Configuration {
	return &health.Configuration{
		Enabled:       cfg.Enabled,
		CheckInterval: cfg.CheckInterval,
	}
}
