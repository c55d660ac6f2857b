// Package storetest holds the behaviour every LedgerStore backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/account-ledger-system/internal/models"
)

// Run exercises store against the LedgerStore contract. newStore must
// return a store with an initialised, empty schema.
func Run(t *testing.T, newStore func(t *testing.T) interfaces.LedgerStore) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store interfaces.LedgerStore)
	}{
		{"LoadMissingAccount", testLoadMissingAccount},
		{"CommitAccountsAndEntries", testCommitAccountsAndEntries},
		{"RollbackDiscardsEverything", testRollbackDiscardsEverything},
		{"SeqIncreases", testSeqIncreases},
		{"QueryLogRange", testQueryLogRange},
		{"ResetSchema", testResetSchema},
		{"ReadsDoNotWaitForWriter", testReadsDoNotWaitForWriter},
		{"QueryLogSubMicrosecondBounds", testQueryLogSubMicrosecondBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			tt.fn(t, store)
		})
	}
}

var base = time.Date(2024, 5, 1, 9, 30, 0, 123456000, time.UTC)

func saveAccounts(t *testing.T, store interfaces.LedgerStore, accounts ...models.Account) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	for _, a := range accounts {
		require.NoError(t, tx.SaveAccount(ctx, a))
	}
	require.NoError(t, tx.Commit())
}

func account(number int64, balance int64) models.Account {
	return models.Account{
		Number:    number,
		Balance:   decimal.NewFromInt(balance),
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func testLoadMissingAccount(t *testing.T, store interfaces.LedgerStore) {
	_, found, err := store.LoadAccount(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, found)
}

func testCommitAccountsAndEntries(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	saveAccounts(t, store, account(1, 0), account(2, 0))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	at := base.Add(time.Minute)
	debit, err := tx.AppendLogEntry(ctx, models.LedgerEntry{
		TransactionID: "tx-1", AccountNumber: 1, Amount: decimal.RequireFromString("-12.34"), CreatedAt: at,
	})
	require.NoError(t, err)
	credit, err := tx.AppendLogEntry(ctx, models.LedgerEntry{
		TransactionID: "tx-1", AccountNumber: 2, Amount: decimal.RequireFromString("12.34"), CreatedAt: at,
	})
	require.NoError(t, err)
	assert.Greater(t, credit.Seq, debit.Seq)

	updated := account(2, 0)
	updated.Balance = decimal.RequireFromString("12.34")
	updated.LastSeq = credit.Seq
	updated.UpdatedAt = at
	require.NoError(t, tx.SaveAccount(ctx, updated))
	require.NoError(t, tx.Commit())

	got, found, err := store.LoadAccount(ctx, 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("12.34")))
	assert.Equal(t, credit.Seq, got.LastSeq)
	assert.True(t, got.CreatedAt.Equal(base), "created_at kept on update")
	assert.True(t, got.UpdatedAt.Equal(at))

	entries, err := store.QueryLog(ctx, 2, base, at)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, credit.Seq, entries[0].Seq)
	assert.Equal(t, "tx-1", entries[0].TransactionID)
	assert.Equal(t, int64(2), entries[0].AccountNumber)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("12.34")))
	assert.True(t, entries[0].CreatedAt.Equal(at))
}

func testRollbackDiscardsEverything(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	saveAccounts(t, store, account(1, 10))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.AppendLogEntry(ctx, models.LedgerEntry{
		TransactionID: "tx-rolled-back", AccountNumber: 1, Amount: decimal.NewFromInt(5), CreatedAt: base,
	})
	require.NoError(t, err)
	require.NoError(t, tx.SaveAccount(ctx, account(1, 15)))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback(), "rollback twice is harmless")

	got, found, err := store.LoadAccount(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(10)))

	entries, err := store.QueryLog(ctx, 1, time.Time{}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testSeqIncreases(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	saveAccounts(t, store, account(1, 0))

	var last int64
	for i := 0; i < 5; i++ {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		e, err := tx.AppendLogEntry(ctx, models.LedgerEntry{
			TransactionID: "tx", AccountNumber: 1, Amount: decimal.NewFromInt(1), CreatedAt: base,
		})
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Greater(t, e.Seq, last)
		last = e.Seq
	}
}

func testQueryLogRange(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	saveAccounts(t, store, account(1, 0), account(2, 0))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	// Appended out of time order; results come back ordered by time.
	for _, offset := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		_, err := tx.AppendLogEntry(ctx, models.LedgerEntry{
			TransactionID: "tx", AccountNumber: 1, Amount: decimal.NewFromInt(int64(offset / time.Hour)), CreatedAt: base.Add(offset),
		})
		require.NoError(t, err)
	}
	_, err = tx.AppendLogEntry(ctx, models.LedgerEntry{
		TransactionID: "other", AccountNumber: 2, Amount: decimal.NewFromInt(1), CreatedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	entries, err := store.QueryLog(ctx, 1, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2, "bounds are inclusive")
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromInt(1)))
	assert.True(t, entries[1].Amount.Equal(decimal.NewFromInt(2)))

	entries, err = store.QueryLog(ctx, 1, time.Time{}, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].CreatedAt.Before(entries[i-1].CreatedAt))
	}

	entries, err = store.QueryLog(ctx, 1, base.Add(4*time.Hour), base.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
}

func testResetSchema(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	saveAccounts(t, store, account(1, 10))

	require.NoError(t, store.ResetSchema(ctx))
	_, found, err := store.LoadAccount(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	saveAccounts(t, store, account(1, 0))
	require.NoError(t, store.InitializeSchema(ctx), "initialising twice is harmless")
	_, found, err = store.LoadAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, found)
}

func testReadsDoNotWaitForWriter(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	saveAccounts(t, store, account(1, 10))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, tx.SaveAccount(ctx, account(1, 20)))
	_, err = tx.AppendLogEntry(ctx, models.LedgerEntry{
		TransactionID: "tx-open", AccountNumber: 1, Amount: decimal.NewFromInt(10), CreatedAt: base,
	})
	require.NoError(t, err)

	// The write transaction stays open while these run.
	readCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()

	got, found, err := store.LoadAccount(readCtx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(10)), "uncommitted balance is invisible")

	entries, err := store.QueryLog(readCtx, 1, time.Time{}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, tx.Commit())
}

func testQueryLogSubMicrosecondBounds(t *testing.T, store interfaces.LedgerStore) {
	ctx := context.Background()
	saveAccounts(t, store, account(1, 0))

	// Entries are stamped at microsecond precision.
	at := base.Add(time.Minute)
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.AppendLogEntry(ctx, models.LedgerEntry{
		TransactionID: "tx", AccountNumber: 1, Amount: decimal.NewFromInt(1), CreatedAt: at,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	entries, err := store.QueryLog(ctx, 1, at.Add(time.Nanosecond), at.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, entries, "from just after the entry excludes it")

	entries, err = store.QueryLog(ctx, 1, base, at.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.Empty(t, entries, "to just before the entry excludes it")

	entries, err = store.QueryLog(ctx, 1, at, at)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
