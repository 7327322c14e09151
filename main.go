package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/deep-research/internal/app"
	"github.com/Kocoro-lab/deep-research/internal/auth"
	"github.com/Kocoro-lab/deep-research/internal/circuitbreaker"
	"github.com/Kocoro-lab/deep-research/internal/config"
	"github.com/Kocoro-lab/deep-research/internal/health"
	"github.com/Kocoro-lab/deep-research/internal/httpapi"
	"github.com/Kocoro-lab/deep-research/internal/tracing"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, level, err := app.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Path != "" {
		logger.Info("Configuration loaded", zap.String("path", cfg.Path))
	} else {
		logger.Info("No configuration file found, using defaults and environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	svc, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize research service", zap.Error(err))
	}
	defer svc.Close()

	// Health checks
	hm := health.NewManager(logger)
	if svc.DB != nil {
		_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(svc.DB, logger))
	}
	if svc.Redis != nil {
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(svc.Redis, true, logger))
	}
	_ = hm.RegisterChecker(health.NewAdmissionHealthChecker(svc.Admission))
	_ = hm.RegisterChecker(health.NewBreakerHealthChecker(circuitbreaker.Breakers))

	guard := newAuthMiddleware(cfg.Auth, logger)

	// Admin mux: health checks and metrics
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())

	deps := httpapi.Deps{
		Sessions:    svc.Pipeline,
		Events:      svc.Events,
		Cache:       svc.Searcher,
		Admission:   svc.Admission,
		Policy:      svc.PolicyEngine(),
		Auth:        guard,
		CORSOrigins: cfg.Server.CORSOrigins,
		Environment: app.Environment(),
	}
	if svc.Store != nil {
		deps.History = svc.Store
	}

	host := getEnvOrDefault("HTTP_HOST", "")
	apiServer := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(cfg.Server.HTTPPort)),
		Handler:           httpapi.NewHandler(deps, logger),
		ReadHeaderTimeout: 10 * time.Second,
		// no write timeout: research streams stay open for minutes
		IdleTimeout: 120 * time.Second,
	}
	adminServer := &http.Server{
		Addr:         net.JoinHostPort(host, strconv.Itoa(cfg.Server.AdminPort)),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return hm.Run(gctx) })
	g.Go(func() error { return circuitbreaker.Breakers.Run(gctx, 10*time.Second) })
	g.Go(func() error { return serveHTTP(apiServer, "Research API", logger) })
	g.Go(func() error { return serveHTTP(adminServer, "Admin HTTP server", logger) })

	if cfg.Server.GRPCHealthPort > 0 {
		lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(cfg.Server.GRPCHealthPort)))
		if err != nil {
			logger.Fatal("Failed to listen for gRPC health", zap.Error(err))
		}
		grpcHealth := health.NewGRPCServer(logger)
		hm.OnChange(grpcHealth.Sync)
		g.Go(func() error { return grpcHealth.Serve(gctx, lis) })
	}

	if cfg.Path != "" {
		watcher, err := newConfigWatcher(cfg, svc, level, logger)
		if err != nil {
			logger.Warn("Config hot-reload disabled", zap.Error(err))
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down research service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			// open research streams cancel their sessions when closed
			logger.Warn("Forcing research streams closed", zap.Error(err))
			_ = apiServer.Close()
		}
		return errors.Join(
			adminServer.Shutdown(shutdownCtx),
			tracing.Shutdown(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Research service stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Research service stopped")
}

func serveHTTP(srv *http.Server, name string, logger *zap.Logger) error {
	logger.Info(name+" listening", zap.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// newAuthMiddleware guards operator routes. With auth disabled every caller
// is treated as an admin, which suits local development only.
func newAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *auth.Middleware {
	if !cfg.Enabled {
		logger.Warn("Operator auth disabled; admin routes are open")
		return auth.NewMiddleware(nil, nil, true, logger)
	}
	var jwtManager *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.JWTSecret, time.Hour)
	}
	logger.Info("Operator auth enabled",
		zap.Bool("jwt", jwtManager != nil),
		zap.Bool("api_key", cfg.APIKeyHash != ""),
	)
	return auth.NewMiddleware(jwtManager, auth.NewAPIKeyVerifier(cfg.APIKeyHash), false, logger)
}

func newConfigWatcher(cfg *config.Config, svc *app.App, level zap.AtomicLevel, logger *zap.Logger) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(cfg, logger)
	if err != nil {
		return nil, err
	}
	if interval := getEnvOrDefaultInt("CONFIG_POLL_SECONDS", 0); interval > 0 {
		watcher.EnablePolling(time.Duration(interval) * time.Second)
	}

	watcher.RegisterHandler(func(ev config.ChangeEvent) error {
		if ev.New.Admission.Capacity != ev.Old.Admission.Capacity {
			svc.Admission.SetCapacity(ev.New.Admission.Capacity)
			logger.Info("Admission capacity updated",
				zap.Int("old", ev.Old.Admission.Capacity),
				zap.Int("new", ev.New.Admission.Capacity),
			)
		}
		if ev.New.Logging.Level != ev.Old.Logging.Level {
			if err := app.SetLevel(level, ev.New.Logging.Level); err != nil {
				return err
			}
			logger.Info("Log level updated", zap.String("level", ev.New.Logging.Level))
		}
		if ev.New.Policy != ev.Old.Policy || ev.New.Database != ev.Old.Database || ev.New.Redis != ev.Old.Redis {
			logger.Warn("Configuration change requires a restart to take effect", zap.String("file", ev.File))
		}
		return nil
	})

	if svc.Policy != nil {
		watcher.AddDir(cfg.Policy.Path)
		watcher.RegisterPolicyHandler(func() error {
			logger.Info("Reloading policy engine due to .rego file change")
			return svc.Policy.LoadPolicies()
		})
	}
	return watcher, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
