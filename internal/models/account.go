package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a numbered balance holder.
type Account struct {
	Number    int64           // caller-assigned, unique
	Balance   decimal.Decimal // never negative
	LastSeq   int64           // seq of the newest committed entry for this account, 0 if none
	CreatedAt time.Time
	UpdatedAt time.Time
}
