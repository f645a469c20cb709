// cmd/dnscheck — the DNS validation service. Accepts validation
// requests over HTTP, polls each target's DNS until it matches the
// expected forwarding profile, and promotes or expires requests in
// Postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/forwardmx/dnscheck/internal/checker/handler"
	"github.com/forwardmx/dnscheck/internal/checker/repository"
	"github.com/forwardmx/dnscheck/internal/checker/service"
	"github.com/forwardmx/dnscheck/internal/config"
	"github.com/forwardmx/dnscheck/internal/email"
	"github.com/forwardmx/dnscheck/internal/health"
	"github.com/forwardmx/dnscheck/internal/resolver"
)

// forceExitGrace is how long shutdown may take before the process
// exits regardless of in-flight work.
const forceExitGrace = 10 * time.Second

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("dnscheck exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// ── Database ─────────────────────────────────────────────────────────────
	poolCfg, err := pgxpool.ParseConfig(cfg.DB.URL())
	if err != nil {
		return fmt.Errorf("parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DB.PoolConnectionLimit)
	poolCfg.ConnConfig.ConnectTimeout = cfg.DB.PoolConnectTimeout

	db, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer db.Close()

	if err := db.Ping(context.Background()); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres",
		zap.String("host", cfg.DB.Host),
		zap.Int("pool_limit", cfg.DB.PoolConnectionLimit),
	)

	// ── Wire up layers ────────────────────────────────────────────────────────
	retry := repository.RetryConfig{
		Count:     cfg.DB.QueryRetryCount,
		Delay:     cfg.DB.QueryRetryDelay,
		OpTimeout: cfg.DB.PoolAcquireTimeout,
	}
	requests := repository.NewRequestRepository(db, retry, logger)
	domains := repository.NewDomainRepository(db, logger)

	dnsClient := resolver.New(cfg.DNS.Servers, cfg.DNS.Timeout)
	limits := service.Limits{
		MaxRecords:    cfg.DNS.MaxRecords,
		MaxTXTRecords: cfg.DNS.MaxTXTRecords,
		MaxTXTLength:  cfg.DNS.MaxTXTLength,
		MaxHostLength: cfg.DNS.MaxHostLength,
	}
	checker := service.NewChecker(dnsClient, cfg.Profile, limits, logger)

	var sender email.Sender
	if cfg.SMTP.Host != "" {
		sender = email.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Secure,
			cfg.SMTP.User, cfg.SMTP.Pass, cfg.SMTP.From)
		logger.Info("SMTP sender configured", zap.String("host", cfg.SMTP.Host))
	} else {
		sender = email.NewNoopSender(logger)
	}
	notifier := email.NewNotifier(sender, cfg.AdminEmailTo, cfg.EmailBodyMaxLength, logger)

	sched := service.NewScheduler(requests, domains, checker.Check, notifier,
		service.SchedulerConfig{
			PollInterval:   cfg.DNS.PollInterval,
			MaxActiveJobs:  cfg.MaxActiveJobs,
			ResumeJitter:   cfg.ResumeStartupJitter,
			ResultMaxBytes: cfg.ResultJSONMaxBytes,
		}, logger)
	sched.SetMetricsHooks(handler.RecordCheck, handler.RecordTransition, handler.SetJobGauges)

	intake := service.NewIntakeService(requests, domains, sched, checker.Check, notifier,
		service.IntakeConfig{
			JobMaxAge:      cfg.DNS.JobMaxAge,
			TargetCooldown: cfg.TargetCooldown,
			PollInterval:   cfg.DNS.PollInterval,
			ResultMaxBytes: cfg.ResultJSONMaxBytes,
		}, logger)
	query := service.NewQueryService(requests, checker.Check, cfg.Profile, cfg.CheckDNSMinInterval, logger)

	requestHandler := handler.NewRequestHandler(intake, logger)
	checkdnsHandler := handler.NewCheckDNSHandler(query, cfg.CheckDNSToken, logger)
	healthChecker := health.New(db, logger)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())
	router.Use(handler.SecurityHeaders())
	router.Use(handler.RequestID())

	// Request body size limit (64 KB is generous for a single target).
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 64<<10)
		c.Next()
	})

	stopSweep := make(chan struct{})
	defer close(stopSweep)
	router.Use(handler.NewRateLimiter().Middleware(stopSweep))
	router.Use(handler.RequireJSON())
	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", healthChecker.Handler())
	router.GET("/metrics", handler.MetricsHandler())
	requestHandler.Register(router)
	checkdnsHandler.Register(router)

	// ── Resume pending jobs ───────────────────────────────────────────────────
	if err := sched.Resume(context.Background()); err != nil {
		return fmt.Errorf("resume pending jobs: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("dnscheck HTTP listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down dnscheck...")

	// In-flight work gets a bounded window; after that the process
	// exits no matter what is stuck.
	go func() {
		time.Sleep(forceExitGrace)
		logger.Error("shutdown grace elapsed, forcing exit")
		os.Exit(1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), forceExitGrace-time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if err := sched.Shutdown(ctx); err != nil {
		logger.Warn("scheduler shutdown incomplete", zap.Error(err))
	}

	logger.Info("dnscheck stopped")
	return nil
}
