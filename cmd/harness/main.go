package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/account-ledger-system/internal/config"
	"github.com/sheikh-saqib/account-ledger-system/internal/harness"
	"github.com/sheikh-saqib/account-ledger-system/internal/ledger"
	"github.com/sheikh-saqib/account-ledger-system/internal/storage"
)

type harnessOptions struct {
	ConfigPath string
	harness.Options
}

func newRootCommand() *cobra.Command {
	opts := &harnessOptions{Options: harness.DefaultOptions()}

	cmd := &cobra.Command{
		Use:   "harness",
		Short: "Exercise the ledger with single and concurrent customers",
		Long: `Run the ledger test bench against the configured storage backend.

The bench resets the store, runs the single-user scenarios, resets again,
runs concurrent customers on disjoint accounts and finishes with a storm
of opposite-direction transfers. It exits non-zero if any check failed.

Example:
  harness --customers 20 --storm 1000
  harness --config ./ledger.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarness(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.Flags().IntVar(&opts.Accounts, "accounts", opts.Accounts, "accounts created for the single-user phase")
	cmd.Flags().IntVar(&opts.Customers, "customers", opts.Customers, "number of concurrent customers")
	cmd.Flags().IntVar(&opts.Storm, "storm", opts.Storm, "transfers per direction in the storm phase (0 to skip)")
	return cmd
}

func runHarness(ctx context.Context, opts *harnessOptions) error {
	// Checked before any store is opened or reset.
	if err := opts.Options.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	bank := ledger.NewLedger(store,
		ledger.WithLogger(logger),
		ledger.WithLockTimeout(cfg.Ledger.LockTimeout),
		ledger.WithRetry(cfg.Ledger.LockRetries, cfg.Ledger.RetryMinDelay, cfg.Ledger.RetryMaxDelay),
	)
	if err := bank.Init(ctx); err != nil {
		return err
	}

	report, err := harness.NewRunner(bank, logger, os.Stdout).Run(ctx, opts.Options)
	if err != nil {
		return err
	}
	if !report.Passed() {
		logger.Error("harness checks failed", zap.Strings("failures", report.Failures))
		return fmt.Errorf("%d of %d checks failed", report.Total-report.OK, report.Total)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
