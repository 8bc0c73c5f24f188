package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gorilla/mux"
	promversion "github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/api"
	"github.com/kenneth/field-keyguard/internal/audit"
	"github.com/kenneth/field-keyguard/internal/config"
	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/entropy"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/lifecycle"
	"github.com/kenneth/field-keyguard/internal/memlock"
	"github.com/kenneth/field-keyguard/internal/metrics"
	"github.com/kenneth/field-keyguard/internal/middleware"
	"github.com/kenneth/field-keyguard/internal/power"
	"github.com/kenneth/field-keyguard/internal/service"
	"github.com/kenneth/field-keyguard/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	promversion.Version = version
	promversion.Revision = commit
	logger.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"device_id": cfg.Device.ID,
		"build":     promversion.BuildContext(),
	}).Info("Starting field keyguard")

	defer memguard.Purge()

	if cfg.Security.LockMemory {
		protection, err := memlock.Lock()
		if err != nil {
			logger.WithError(err).Fatal("Failed to lock memory")
		}
		logger.WithField("protection", protection.String()).Info("Memory locking applied")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, tracing.Options{Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	source, err := entropy.Open(cfg.Entropy.Source, cfg.Entropy.Device)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open entropy source")
	}
	engine, err := crypto.NewEngine(source, service.EngineOptions(cfg))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create crypto engine")
	}

	primary, offsite, err := openStorage(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open storage")
	}

	master, persistent, err := masterKey(ctx, cfg, primary, engine)
	if err != nil {
		logger.WithError(err).Fatal("Failed to obtain master key")
	}
	if !persistent {
		logger.Warn("No master passphrase configured, key state will not survive a restart")
	}
	store, err := keystore.New(engine, master)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create key store")
	}

	policy, err := loadPolicy(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Invalid key policy")
	}

	m := metrics.NewMetrics()

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger.WithField("component", "audit")))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	mgr, err := lifecycle.New(store, engine, primary, lifecycle.Options{
		Policy:   policy,
		Logger:   logger.WithField("component", "lifecycle"),
		Offsite:  offsite,
		Observer: service.NewRecorder(m, auditLogger, logger),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create key manager")
	}

	if persistent {
		if _, err := mgr.Load(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to load persisted key store")
		}
	}

	svc := service.New(mgr, service.Options{
		Metrics: m,
		Audit:   auditLogger,
		Logger:  logger.WithField("component", "service"),
	})

	usages, err := service.BootstrapUsages(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Invalid bootstrap usages")
	}
	if err := svc.Bootstrap(ctx, usages); err != nil {
		logger.WithError(err).Fatal("Failed to bootstrap keys")
	}

	m.StartCollector(ctx, 15*time.Second, func(*metrics.Metrics) {
		svc.GetStatistics(ctx)
	})

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Configuration hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(policyReloader(mgr, logger))
		go reloader.Start()
		defer reloader.Stop()
	}

	go func() {
		if err := mgr.Run(ctx); err != nil {
			logger.WithError(err).Error("Key maintenance loop exited")
		}
	}()

	powerCtrl := power.NewSignalController()
	defer powerCtrl.Close()
	adapter := power.NewAdapter(powerCtrl, mgr, logger, 10*time.Second)
	adapter.OnSuspend = func(n power.Notice, _ error) {
		if n.Signal == syscall.SIGTERM {
			stop()
		}
	}
	go adapter.Run(ctx)

	handler := api.NewHandler(svc, logger, m, auditLogger)

	router := mux.NewRouter()
	router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	router.Use(middleware.MaxBodyMiddleware(cfg.Server.MaxBodyBytes))
	handler.RegisterRoutes(router)

	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	if cfg.Security.SecurityHeaders {
		httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	}

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			cfg.RateLimit.Limit,
			cfg.RateLimit.Window,
			logger,
		)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := mgr.FlushAndSuspend(shutdownCtx); err != nil {
		logger.WithError(err).Error("Final key store flush failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Tracing shutdown failed")
	}
	logger.Info("Server stopped gracefully")
}
