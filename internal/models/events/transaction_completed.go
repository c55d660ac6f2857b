package events

import (
	"time"

	"github.com/shopspring/decimal"
)

const TopicTransactionCompleted = "transaction_completed"

type TransactionCompleted struct {
	TransactionID string          `json:"transaction_id"`
	Kind          string          `json:"kind"`
	FromAccount   int64           `json:"from_account,omitempty"`
	ToAccount     int64           `json:"to_account,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
