package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/cmd/stockledger/cli"
	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] != "serve" {
		os.Exit(cli.Run(ctx, cli.Env{Config: cfg, Logger: logger}, os.Args[1:], cli.Options{}))
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.Pool("stockledger"))
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	var balanceCache ledger.BalanceCachePort
	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis unavailable, balance cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		balanceCache = ledger.NewBalanceCache(redisClient, cfg.BalanceCacheTTL)
	}

	metrics := observability.NewMetrics()
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, idempotencyStore, balanceCache, metrics, ledger.ServiceConfig{
		TaxRate:         cfg.TaxRate,
		LegacyReturnCap: cfg.LegacyReturnCap,
	}, logger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	inspector := asynq.NewInspector(cfg.Redis().Asynq())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		LedgerHandler: ledgerHandler,
		JobHandler:    jobHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
