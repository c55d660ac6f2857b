package interfaces

import (
	"context"
	"time"

	"github.com/sheikh-saqib/account-ledger-system/internal/models"
)

// LedgerStore is the persistence port of the ledger. Implementations only
// store what they are given: balance rules live in the ledger package.
type LedgerStore interface {
	// InitializeSchema creates tables if missing. Safe to call repeatedly.
	InitializeSchema(ctx context.Context) error
	// ResetSchema drops all accounts and entries and recreates the schema.
	ResetSchema(ctx context.Context) error

	LoadAccount(ctx context.Context, number int64) (models.Account, bool, error)
	// QueryLog returns entries of one account with from <= CreatedAt <= to,
	// ordered by CreatedAt then Seq.
	QueryLog(ctx context.Context, number int64, from, to time.Time) ([]models.LedgerEntry, error)

	Begin(ctx context.Context) (LedgerTx, error)
	Close() error
}

// LedgerTx groups the writes of one ledger operation. Nothing written
// through it is visible to LoadAccount or QueryLog before Commit.
type LedgerTx interface {
	// SaveAccount inserts the account or overwrites the stored row.
	SaveAccount(ctx context.Context, account models.Account) error
	// AppendLogEntry stores the entry and returns it with Seq assigned.
	AppendLogEntry(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error)
	Commit() error
	// Rollback discards pending writes. It is a no-op after Commit.
	Rollback() error
}
