package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry represents a single committed balance change for an account
type LedgerEntry struct {
	Seq           int64           // assigned by the store, strictly increasing
	TransactionID string          // shared by every entry written in the same commit
	AccountNumber int64           // which account this entry belongs to
	Amount        decimal.Decimal // signed delta, never zero
	CreatedAt     time.Time       // commit timestamp
}
