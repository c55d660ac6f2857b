package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/account-ledger-system/internal/models"
	"github.com/sheikh-saqib/account-ledger-system/internal/models/events"
	"github.com/sheikh-saqib/account-ledger-system/internal/storage/memory"
)

var errBoom = errors.New("boom")

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newTestLedger(t *testing.T, store interfaces.LedgerStore, opts ...Option) *Ledger {
	t.Helper()
	if store == nil {
		store = memory.NewMemoryLedgerStore()
	}
	l := NewLedger(store, opts...)
	require.NoError(t, l.Init(context.Background()))
	return l
}

func createAccounts(t *testing.T, l *Ledger, numbers ...int64) {
	t.Helper()
	for _, n := range numbers {
		require.NoError(t, l.CreateAccount(context.Background(), n), "create account %d", n)
	}
}

func allOperations(t *testing.T, l *Ledger, number int64) []models.LedgerEntry {
	t.Helper()
	ops, err := l.GetOperations(context.Background(), number, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return ops
}

func balanceOf(t *testing.T, l *Ledger, number int64) decimal.Decimal {
	t.Helper()
	b, err := l.GetBalance(context.Background(), number)
	require.NoError(t, err)
	return b
}

// faultyStore fails selected calls of the transactions it hands out.
type faultyStore struct {
	*memory.MemoryLedgerStore

	mu           sync.Mutex
	failAppendAt int // 1-based append within one tx, 0 disables
	failSave     bool
	failCommit   bool
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryLedgerStore: memory.NewMemoryLedgerStore()}
}

func (f *faultyStore) set(fn func(*faultyStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultyStore) Begin(ctx context.Context) (interfaces.LedgerTx, error) {
	tx, err := f.MemoryLedgerStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{LedgerTx: tx, store: f}, nil
}

type faultyTx struct {
	interfaces.LedgerTx
	store   *faultyStore
	appends int
}

func (t *faultyTx) SaveAccount(ctx context.Context, a models.Account) error {
	t.store.mu.Lock()
	fail := t.store.failSave
	t.store.mu.Unlock()
	if fail {
		return errBoom
	}
	return t.LedgerTx.SaveAccount(ctx, a)
}

func (t *faultyTx) AppendLogEntry(ctx context.Context, e models.LedgerEntry) (models.LedgerEntry, error) {
	t.appends++
	t.store.mu.Lock()
	fail := t.store.failAppendAt == t.appends
	t.store.mu.Unlock()
	if fail {
		return models.LedgerEntry{}, errBoom
	}
	return t.LedgerTx.AppendLogEntry(ctx, e)
}

func (t *faultyTx) Commit() error {
	t.store.mu.Lock()
	fail := t.store.failCommit
	t.store.mu.Unlock()
	if fail {
		return errBoom
	}
	return t.LedgerTx.Commit()
}

func TestLedger_CreditAndTransfer(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 1, 2, 3)

	balance, err := l.Credit(ctx, 1, d(1000))
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(1000)))

	require.NoError(t, l.Transfer(ctx, 1, 2, d(250)))
	assert.True(t, balanceOf(t, l, 1).Equal(d(750)))
	assert.True(t, balanceOf(t, l, 2).Equal(d(250)))
	assert.True(t, balanceOf(t, l, 3).IsZero())

	ops1 := allOperations(t, l, 1)
	require.Len(t, ops1, 2)
	assert.True(t, ops1[0].Amount.Equal(d(1000)))
	assert.True(t, ops1[1].Amount.Equal(d(-250)))

	ops2 := allOperations(t, l, 2)
	require.Len(t, ops2, 1)
	assert.True(t, ops2[0].Amount.Equal(d(250)))
	assert.Equal(t, ops1[1].TransactionID, ops2[0].TransactionID, "both legs belong to one transaction")
	assert.Equal(t, ops1[1].CreatedAt, ops2[0].CreatedAt, "both legs share the commit timestamp")

	assert.Empty(t, allOperations(t, l, 3))
}

func TestLedger_CreditTransferRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 1, 2)

	_, err := l.Credit(ctx, 1, d(100))
	require.NoError(t, err)
	require.NoError(t, l.Transfer(ctx, 1, 2, d(40)))
	require.NoError(t, l.Transfer(ctx, 2, 1, d(40)))

	assert.True(t, balanceOf(t, l, 1).Equal(d(100)))
	assert.True(t, balanceOf(t, l, 2).IsZero())
	assert.Len(t, allOperations(t, l, 1), 3)
	assert.Len(t, allOperations(t, l, 2), 2)
}

func TestLedger_InsufficientFundsChangesNothing(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 1, 2)
	_, err := l.Credit(ctx, 1, d(500))
	require.NoError(t, err)

	err = l.Transfer(ctx, 1, 2, d(10000))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, balanceOf(t, l, 1).Equal(d(500)))
	assert.True(t, balanceOf(t, l, 2).IsZero())
	assert.Len(t, allOperations(t, l, 1), 1)
	assert.Empty(t, allOperations(t, l, 2))

	// The refused transfer must not leave staged state behind.
	require.NoError(t, l.Transfer(ctx, 1, 2, d(500)))
	assert.True(t, balanceOf(t, l, 1).IsZero())
}

func TestLedger_CreateAccountTwice(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 5)

	assert.ErrorIs(t, l.CreateAccount(ctx, 5), ErrAccountAlreadyExists)
	assert.True(t, balanceOf(t, l, 5).IsZero())
	assert.Empty(t, allOperations(t, l, 5))
}

func TestLedger_CreateAccountAcceptsAnyNumber(t *testing.T) {
	l := newTestLedger(t, nil)
	createAccounts(t, l, 0, -7, 1<<40)
	assert.True(t, balanceOf(t, l, -7).IsZero())
}

func TestLedger_InvalidAmount(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 1, 2)
	_, err := l.Credit(ctx, 1, d(10))
	require.NoError(t, err)

	for _, amount := range []decimal.Decimal{decimal.Zero, d(-5)} {
		_, err := l.Credit(ctx, 1, amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = l.Withdraw(ctx, 1, amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.ErrorIs(t, l.Transfer(ctx, 1, 2, amount), ErrInvalidAmount)
	}

	assert.True(t, balanceOf(t, l, 1).Equal(d(10)))
	assert.Len(t, allOperations(t, l, 1), 1)
	assert.Empty(t, allOperations(t, l, 2))
}

func TestLedger_UnknownAccounts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 1)
	_, err := l.Credit(ctx, 1, d(100))
	require.NoError(t, err)

	_, err = l.GetBalance(ctx, 42)
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = l.GetOperations(ctx, 42, time.Time{}, time.Now())
	assert.ErrorIs(t, err, ErrAccountNotFound)
	_, err = l.Credit(ctx, 42, d(1))
	assert.ErrorIs(t, err, ErrAccountNotFound)

	assert.ErrorIs(t, l.Transfer(ctx, 42, 1, d(1)), ErrAccountNotFound)
	// The debit of account 1 is staged before the credit leg finds 42 missing.
	assert.ErrorIs(t, l.Transfer(ctx, 1, 42, d(30)), ErrAccountNotFound)

	assert.True(t, balanceOf(t, l, 1).Equal(d(100)))
	assert.Len(t, allOperations(t, l, 1), 1)

	balance, err := l.Credit(ctx, 1, d(1))
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(101)), "debit of the failed transfer was discarded")
}

func TestLedger_Withdraw(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 1)
	_, err := l.Credit(ctx, 1, d(100))
	require.NoError(t, err)

	balance, err := l.Withdraw(ctx, 1, d(60))
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(40)))

	_, err = l.Withdraw(ctx, 1, d(41))
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err = l.Withdraw(ctx, 1, d(40))
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	ops := allOperations(t, l, 1)
	require.Len(t, ops, 3)
	assert.True(t, ops[1].Amount.Equal(d(-60)))
}

func TestLedger_SelfTransfer(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 1)
	_, err := l.Credit(ctx, 1, d(100))
	require.NoError(t, err)

	require.NoError(t, l.Transfer(ctx, 1, 1, d(70)))
	assert.True(t, balanceOf(t, l, 1).Equal(d(100)))

	ops := allOperations(t, l, 1)
	require.Len(t, ops, 3)
	assert.True(t, ops[1].Amount.Equal(d(-70)))
	assert.True(t, ops[2].Amount.Equal(d(70)))

	assert.ErrorIs(t, l.Transfer(ctx, 1, 1, d(101)), ErrInsufficientFunds)
}

func TestLedger_DecimalAmounts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 1, 2)

	_, err := l.Credit(ctx, 1, decimal.RequireFromString("0.1"))
	require.NoError(t, err)
	_, err = l.Credit(ctx, 1, decimal.RequireFromString("0.2"))
	require.NoError(t, err)
	require.NoError(t, l.Transfer(ctx, 1, 2, decimal.RequireFromString("0.3")))

	assert.True(t, balanceOf(t, l, 1).IsZero())
	assert.True(t, balanceOf(t, l, 2).Equal(decimal.RequireFromString("0.3")))
}

func TestLedger_StorageFaultLeavesNoTrace(t *testing.T) {
	tests := []struct {
		name   string
		inject func(*faultyStore)
	}{
		{"second entry fails", func(f *faultyStore) { f.failAppendAt = 2 }},
		{"first entry fails", func(f *faultyStore) { f.failAppendAt = 1 }},
		{"account save fails", func(f *faultyStore) { f.failSave = true }},
		{"commit fails", func(f *faultyStore) { f.failCommit = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newFaultyStore()
			l := newTestLedger(t, store)
			createAccounts(t, l, 1, 2)
			_, err := l.Credit(ctx, 1, d(100))
			require.NoError(t, err)

			store.set(tt.inject)
			err = l.Transfer(ctx, 1, 2, d(30))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrStorageFault)
			assert.ErrorIs(t, err, errBoom)

			assert.True(t, balanceOf(t, l, 1).Equal(d(100)))
			assert.True(t, balanceOf(t, l, 2).IsZero())
			assert.Len(t, allOperations(t, l, 1), 1)
			assert.Empty(t, allOperations(t, l, 2))

			stored, _, err := store.LoadAccount(ctx, 1)
			require.NoError(t, err)
			assert.True(t, stored.Balance.Equal(d(100)))

			store.set(func(f *faultyStore) {
				f.failAppendAt, f.failSave, f.failCommit = 0, false, false
			})
			require.NoError(t, l.Transfer(ctx, 1, 2, d(30)))
			assert.True(t, balanceOf(t, l, 1).Equal(d(70)))
			assert.True(t, balanceOf(t, l, 2).Equal(d(30)))
			assert.Len(t, allOperations(t, l, 2), 1)
		})
	}
}

func TestLedger_StorageFaultOnCredit(t *testing.T) {
	ctx := context.Background()
	store := newFaultyStore()
	l := newTestLedger(t, store)
	createAccounts(t, l, 1)

	store.set(func(f *faultyStore) { f.failCommit = true })
	_, err := l.Credit(ctx, 1, d(10))
	assert.ErrorIs(t, err, ErrStorageFault)
	assert.True(t, balanceOf(t, l, 1).IsZero())
	assert.Empty(t, allOperations(t, l, 1))
}

func TestLedger_ConcurrentTransfersConserveMoney(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	accounts := []int64{1, 2, 3, 4}
	createAccounts(t, l, accounts...)
	for _, a := range accounts {
		_, err := l.Credit(ctx, a, d(1000))
		require.NoError(t, err)
	}

	const perDirection = 100
	var g errgroup.Group
	for _, pair := range [][2]int64{{1, 2}, {2, 1}, {3, 4}, {4, 3}} {
		for i := 0; i < perDirection; i++ {
			g.Go(func() error {
				return l.Transfer(ctx, pair[0], pair[1], d(1))
			})
		}
	}
	require.NoError(t, g.Wait())

	total := decimal.Zero
	for _, a := range accounts {
		balance := balanceOf(t, l, a)
		assert.False(t, balance.IsNegative())
		total = total.Add(balance)

		ops := allOperations(t, l, a)
		assert.Len(t, ops, 1+2*perDirection)
		sum := decimal.Zero
		for _, op := range ops {
			sum = sum.Add(op.Amount)
		}
		assert.True(t, sum.Equal(balance), "log of account %d sums to its balance", a)
	}
	assert.True(t, total.Equal(d(4000)))
}

func TestLedger_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 1)
	_, err := l.Credit(ctx, 1, d(50))
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		succeeded int
		refused   int
		wg        sync.WaitGroup
	)
	for i := 0; i < 120; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Withdraw(ctx, 1, d(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInsufficientFunds):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, succeeded)
	assert.Equal(t, 70, refused)
	assert.True(t, balanceOf(t, l, 1).IsZero())
	assert.Len(t, allOperations(t, l, 1), 51)
}

func TestLedger_LockTimeout(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil,
		WithLockTimeout(20*time.Millisecond),
		WithRetry(1, time.Millisecond, 2*time.Millisecond))
	createAccounts(t, l, 1, 2)

	release, err := l.locks.Acquire(ctx, 1)
	require.NoError(t, err)

	_, err = l.Credit(ctx, 1, d(10))
	assert.ErrorIs(t, err, ErrConcurrencyTimeout)
	assert.ErrorIs(t, l.Transfer(ctx, 2, 1, d(1)), ErrConcurrencyTimeout)

	// Readers never wait on locks.
	assert.True(t, balanceOf(t, l, 1).IsZero())

	release()
	_, err = l.Credit(ctx, 1, d(10))
	require.NoError(t, err)
	assert.True(t, balanceOf(t, l, 1).Equal(d(10)))
}

func TestLedger_RetriesBusyLock(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil,
		WithLockTimeout(20*time.Millisecond),
		WithRetry(10, 5*time.Millisecond, 20*time.Millisecond))
	createAccounts(t, l, 1)

	release, err := l.locks.Acquire(ctx, 1)
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		release()
	}()

	balance, err := l.Credit(ctx, 1, d(10))
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(10)))
}

func TestLedger_RetryHonoursContext(t *testing.T) {
	l := newTestLedger(t, nil,
		WithLockTimeout(10*time.Millisecond),
		WithRetry(100, 50*time.Millisecond, 50*time.Millisecond))
	createAccounts(t, l, 1)

	release, err := l.locks.Acquire(context.Background(), 1)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Credit(ctx, 1, d(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLedger_GetOperationsRange(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var step time.Duration
	clock := NewClock()
	clock.now = func() time.Time {
		step += time.Hour
		return base.Add(step)
	}

	l := newTestLedger(t, nil, WithClock(clock))
	createAccounts(t, l, 1) // stamped base+1h
	for i := 0; i < 3; i++ {
		_, err := l.Credit(ctx, 1, d(1)) // base+2h, +3h, +4h
		require.NoError(t, err)
	}

	ops, err := l.GetOperations(ctx, 1, base.Add(3*time.Hour), base.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, ops, 2, "both bounds are inclusive")
	assert.Equal(t, base.Add(3*time.Hour), ops[0].CreatedAt)
	assert.Equal(t, base.Add(4*time.Hour), ops[1].CreatedAt)

	ops, err = l.GetOperations(ctx, 1, base.Add(5*time.Hour), base.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ops)

	ops, err = l.GetOperations(ctx, 1, base.Add(4*time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ops, "an inverted range is empty")
}

func TestLedger_Reset(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, nil)
	createAccounts(t, l, 1)
	_, err := l.Credit(ctx, 1, d(10))
	require.NoError(t, err)

	require.NoError(t, l.Reset(ctx))
	_, err = l.GetBalance(ctx, 1)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	createAccounts(t, l, 1)
	assert.True(t, balanceOf(t, l, 1).IsZero())
	assert.Empty(t, allOperations(t, l, 1))
}

func TestLedger_ReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemoryLedgerStore()
	first := newTestLedger(t, store)
	createAccounts(t, first, 1, 2)
	_, err := first.Credit(ctx, 1, d(100))
	require.NoError(t, err)
	require.NoError(t, first.Transfer(ctx, 1, 2, d(25)))

	second := newTestLedger(t, store)
	assert.True(t, balanceOf(t, second, 1).Equal(d(75)))
	assert.True(t, balanceOf(t, second, 2).Equal(d(25)))
	assert.Len(t, allOperations(t, second, 1), 2)
	assert.ErrorIs(t, second.CreateAccount(ctx, 1), ErrAccountAlreadyExists)
}

type recordingPublisher struct {
	ledger *Ledger
	err    error

	mu       sync.Mutex
	topics   []string
	events   []events.TransactionCompleted
	lockFree []bool
	balances []decimal.Decimal
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event any) error {
	e := event.(events.TransactionCompleted)

	accounts := []int64{}
	for _, a := range []int64{e.FromAccount, e.ToAccount} {
		if a != 0 {
			accounts = append(accounts, a)
		}
	}
	probe, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	release, err := p.ledger.locks.Acquire(probe, accounts...)
	cancel()
	if err == nil {
		release()
	}
	balance, _ := p.ledger.GetBalance(ctx, accounts[len(accounts)-1])

	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, e)
	p.lockFree = append(p.lockFree, err == nil)
	p.balances = append(p.balances, balance)
	return p.err
}

func TestLedger_PublishesAfterCommit(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	l := newTestLedger(t, nil, WithPublisher(pub, "ledger.events"))
	pub.ledger = l
	createAccounts(t, l, 1, 2)

	_, err := l.Credit(ctx, 1, d(100))
	require.NoError(t, err)
	require.NoError(t, l.Transfer(ctx, 1, 2, d(40)))
	assert.ErrorIs(t, l.Transfer(ctx, 1, 2, d(1000)), ErrInsufficientFunds)

	require.Len(t, pub.events, 2, "refused operations publish nothing")
	assert.Equal(t, []string{"ledger.events", "ledger.events"}, pub.topics)
	assert.Equal(t, []bool{true, true}, pub.lockFree, "locks are released before publishing")

	credit := pub.events[0]
	assert.Equal(t, string(models.KindCredit), credit.Kind)
	assert.Equal(t, int64(1), credit.ToAccount)
	assert.True(t, credit.Amount.Equal(d(100)))
	assert.True(t, pub.balances[0].Equal(d(100)), "the credit is visible when published")

	transfer := pub.events[1]
	assert.Equal(t, string(models.KindTransfer), transfer.Kind)
	assert.Equal(t, int64(1), transfer.FromAccount)
	assert.Equal(t, int64(2), transfer.ToAccount)
	assert.True(t, transfer.Amount.Equal(d(40)))
	assert.True(t, pub.balances[1].Equal(d(40)))

	ops := allOperations(t, l, 2)
	require.Len(t, ops, 1)
	assert.Equal(t, ops[0].TransactionID, transfer.TransactionID)
}

func TestLedger_PublishFailureKeepsCommit(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{err: errBoom}
	l := newTestLedger(t, nil, WithPublisher(pub, ""))
	pub.ledger = l
	createAccounts(t, l, 1)

	balance, err := l.Credit(ctx, 1, d(5))
	require.NoError(t, err)
	assert.True(t, balance.Equal(d(5)))
	assert.True(t, balanceOf(t, l, 1).Equal(d(5)))
	assert.Equal(t, []string{events.TopicTransactionCompleted}, pub.topics)
}
