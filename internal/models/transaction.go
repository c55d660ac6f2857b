package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind names the coordinator operation that produced a commit.
type TransactionKind string

const (
	KindCredit   TransactionKind = "credit"
	KindWithdraw TransactionKind = "withdraw"
	KindTransfer TransactionKind = "transfer"
)

// Transaction describes one committed coordinator operation.
// FromAccount is zero for credits, ToAccount is zero for withdrawals.
type Transaction struct {
	ID          string
	Kind        TransactionKind
	FromAccount int64
	ToAccount   int64
	Amount      decimal.Decimal
	CreatedAt   time.Time
}
