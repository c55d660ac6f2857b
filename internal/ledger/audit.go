package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/account-ledger-system/internal/models"
)

// AuditLog is the append-only record of committed balance changes.
type AuditLog struct {
	store interfaces.LedgerStore
}

func NewAuditLog(store interfaces.LedgerStore) *AuditLog {
	return &AuditLog{store: store}
}

// Append writes one entry through tx and returns it with its seq.
func (a *AuditLog) Append(ctx context.Context, tx interfaces.LedgerTx, txID string, number int64, delta decimal.Decimal, at time.Time) (models.LedgerEntry, error) {
	entry, err := tx.AppendLogEntry(ctx, models.LedgerEntry{
		TransactionID: txID,
		AccountNumber: number,
		Amount:        delta,
		CreatedAt:     at,
	})
	if err != nil {
		return models.LedgerEntry{}, storageFault("append log entry", err)
	}
	return entry, nil
}

// Query returns the entries of number stamped within [from, to], oldest
// first, leaving out anything newer than upToSeq.
func (a *AuditLog) Query(ctx context.Context, number int64, from, to time.Time, upToSeq int64) ([]models.LedgerEntry, error) {
	if to.Before(from) {
		return []models.LedgerEntry{}, nil
	}
	entries, err := a.store.QueryLog(ctx, number, from, to)
	if err != nil {
		return nil, storageFault("query log", err)
	}

	visible := make([]models.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		if e.Seq <= upToSeq {
			visible = append(visible, e)
		}
	}
	return visible, nil
}
