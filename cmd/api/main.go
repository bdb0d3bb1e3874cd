package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/srm-health/rxchain/internal/config"
	v1 "github.com/srm-health/rxchain/internal/handler/v1"
	"github.com/srm-health/rxchain/internal/ledger"
	"github.com/srm-health/rxchain/internal/repository"
	"github.com/srm-health/rxchain/internal/service"
	"github.com/srm-health/rxchain/internal/verifytoken"
	"github.com/srm-health/rxchain/pkg/auth"
	"github.com/srm-health/rxchain/pkg/database"
	"github.com/srm-health/rxchain/pkg/logger"
	"github.com/srm-health/rxchain/pkg/metrics"
	"github.com/srm-health/rxchain/pkg/tracer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting rxchain api",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	tp, err := tracer.Init(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	if err := database.Migrate(db, log); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	collector := metrics.NewCollector("rxchain")
	if sqlDB, err := db.DB(); err == nil {
		collector.DBConnections.Set(float64(sqlDB.Stats().OpenConnections))
	}

	rxRepo := repository.NewPrescriptionRepository(db)
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	grantRepo := repository.NewGrantRepository(db)

	jwtManager := auth.NewJWTManager(cfg.JWT)
	codec := verifytoken.New(cfg.Verify.Secret, cfg.JWT.Secret)

	var anchorClient service.AnchorClient
	if cfg.Ledger.Real() {
		client, err := ledger.Dial(cfg.Ledger, log)
		if err != nil {
			return fmt.Errorf("dialing ledger rpc: %w", err)
		}
		anchorClient = client
		log.Info("ledger anchoring enabled", zap.String("rpc", cfg.Ledger.RPCURL))
	} else {
		log.Info("ledger anchoring in demo mode; anchors are placeholders")
	}

	auditSvc := service.NewAuditService(auditRepo, collector, log)
	defer auditSvc.Shutdown()

	authSvc := service.NewAuthService(userRepo, jwtManager, log)
	rxSvc := service.NewPrescriptionService(rxRepo, userRepo, codec, anchorClient, auditSvc, log)
	grantSvc := service.NewGrantService(grantRepo, userRepo, auditSvc, log)
	historySvc := service.NewHistoryService(rxRepo, grantRepo, userRepo, auditSvc, log)

	router := v1.NewRouter(v1.RouterDeps{
		Config:        cfg,
		Log:           log,
		Collector:     collector,
		JWTManager:    jwtManager,
		DB:            db,
		Auth:          v1.NewAuthHandler(authSvc),
		Prescriptions: v1.NewPrescriptionHandler(rxSvc, collector),
		Grants:        v1.NewGrantHandler(grantSvc, historySvc),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
