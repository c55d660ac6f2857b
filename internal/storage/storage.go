// Package storage selects the LedgerStore backend named in configuration.
package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sheikh-saqib/account-ledger-system/internal/config"
	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/account-ledger-system/internal/storage/memory"
	"github.com/sheikh-saqib/account-ledger-system/internal/storage/postgres"
	"github.com/sheikh-saqib/account-ledger-system/internal/storage/sqlite"
)

// Open connects to the configured backend. Schema setup is left to the
// ledger's Init.
func Open(ctx context.Context, cfg config.Storage) (interfaces.LedgerStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewMemoryLedgerStore(), nil
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
