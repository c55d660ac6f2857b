package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/account-ledger-system/internal/api"
	"github.com/sheikh-saqib/account-ledger-system/internal/config"
	"github.com/sheikh-saqib/account-ledger-system/internal/events/kafka"
	"github.com/sheikh-saqib/account-ledger-system/internal/events/outbox"
	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/account-ledger-system/internal/ledger"
	"github.com/sheikh-saqib/account-ledger-system/internal/storage"
)

const outboxReplayInterval = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := serve(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// serve returns the process exit code. It returns instead of exiting so
// that deferred cleanup, including the logger flush, always runs.
func serve(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		return 1
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithLockTimeout(cfg.Ledger.LockTimeout),
		ledger.WithRetry(cfg.Ledger.LockRetries, cfg.Ledger.RetryMinDelay, cfg.Ledger.RetryMaxDelay),
	}

	if len(cfg.Events.Brokers) > 0 {
		producer := kafka.NewPublisher(cfg.Events.Brokers)
		defer producer.Close()

		var publisher interfaces.EventPublisher = producer
		if cfg.Events.OutboxDir != "" {
			journal, err := outbox.Open(cfg.Events.OutboxDir, producer, logger)
			if err != nil {
				return err
			}
			defer journal.Close()

			if n, err := journal.Replay(ctx); err != nil {
				logger.Warn("outbox replay incomplete", zap.Int("delivered", n), zap.Error(err))
			}
			go journal.Run(ctx, outboxReplayInterval)
			publisher = journal
		}
		opts = append(opts, ledger.WithPublisher(publisher, cfg.Events.Topic))
		logger.Info("publishing transaction events",
			zap.Strings("brokers", cfg.Events.Brokers),
			zap.String("topic", cfg.Events.Topic))
	}

	ledgerService := ledger.NewLedger(store, opts...)
	if err := ledgerService.Init(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewHandler(ledgerService, logger).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server running", zap.String("addr", cfg.Server.Addr), zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
