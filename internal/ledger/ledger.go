package ledger

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/account-ledger-system/internal/models"
	"github.com/sheikh-saqib/account-ledger-system/internal/models/events"
)

const (
	DefaultLockTimeout = 2 * time.Second
	DefaultLockRetries = 3
	defaultRetryMin    = 10 * time.Millisecond
	defaultRetryMax    = 250 * time.Millisecond
)

// Ledger is the transaction coordinator. It is the only writer of balances
// and audit entries: every mutation takes the account locks it needs,
// validates, stages the change, persists balances and entries in one store
// transaction and only then makes them visible.
type Ledger struct {
	store    interfaces.LedgerStore
	accounts *AccountStore
	audit    *AuditLog
	locks    *LockManager
	clock    *Clock

	publisher interfaces.EventPublisher
	topic     string
	log       *zap.Logger

	retries  int
	retryMin time.Duration
	retryMax time.Duration
}

type Option func(*Ledger)

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithPublisher sends a TransactionCompleted event for every committed
// credit, withdrawal and transfer.
func WithPublisher(p interfaces.EventPublisher, topic string) Option {
	return func(l *Ledger) {
		l.publisher = p
		if topic != "" {
			l.topic = topic
		}
	}
}

func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.locks = NewLockManager(d) }
}

// WithRetry sets how many times an operation is retried after
// ErrConcurrencyTimeout, and the backoff bounds between attempts.
func WithRetry(attempts int, minDelay, maxDelay time.Duration) Option {
	return func(l *Ledger) {
		l.retries = attempts
		l.retryMin = minDelay
		l.retryMax = maxDelay
	}
}

func WithClock(c *Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// NewLedger wires the ledger components around store.
func NewLedger(store interfaces.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		accounts: NewAccountStore(store),
		audit:    NewAuditLog(store),
		locks:    NewLockManager(DefaultLockTimeout),
		clock:    NewClock(),
		topic:    events.TopicTransactionCompleted,
		log:      zap.NewNop(),
		retries:  DefaultLockRetries,
		retryMin: defaultRetryMin,
		retryMax: defaultRetryMax,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init prepares the store schema. Call once before serving.
func (l *Ledger) Init(ctx context.Context) error {
	if err := l.store.InitializeSchema(ctx); err != nil {
		return storageFault("initialize schema", err)
	}
	return nil
}

// Reset wipes every account and entry. It must not run concurrently with
// other operations.
func (l *Ledger) Reset(ctx context.Context) error {
	if err := l.store.ResetSchema(ctx); err != nil {
		return storageFault("reset schema", err)
	}
	l.accounts.forget()
	l.log.Info("ledger reset")
	return nil
}

func (l *Ledger) CreateAccount(ctx context.Context, number int64) error {
	return l.withRetry(ctx, "create account", func() error {
		release, err := l.locks.Acquire(ctx, number)
		if err != nil {
			return err
		}
		defer release()

		if err := l.accounts.Create(ctx, number, l.clock.Now()); err != nil {
			return err
		}
		l.log.Debug("account created", zap.Int64("account", number))
		return nil
	})
}

// GetBalance returns the last committed balance without waiting on locks.
func (l *Ledger) GetBalance(ctx context.Context, number int64) (decimal.Decimal, error) {
	account, err := l.accounts.Get(ctx, number)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// GetOperations lists the committed entries of number stamped within
// [from, to], oldest first.
func (l *Ledger) GetOperations(ctx context.Context, number int64, from, to time.Time) ([]models.LedgerEntry, error) {
	account, err := l.accounts.Get(ctx, number)
	if err != nil {
		return nil, err
	}
	return l.audit.Query(ctx, number, from, to, account.LastSeq)
}

// Credit adds amount to the account and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, number int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return l.apply(ctx, models.KindCredit, number, amount)
}

// Withdraw removes amount from the account and returns the new balance.
func (l *Ledger) Withdraw(ctx context.Context, number int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return l.apply(ctx, models.KindWithdraw, number, amount.Neg())
}

func (l *Ledger) apply(ctx context.Context, kind models.TransactionKind, number int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var (
		balance decimal.Decimal
		txn     models.Transaction
	)
	err := l.withRetry(ctx, string(kind), func() error {
		release, err := l.locks.Acquire(ctx, number)
		if err != nil {
			return err
		}
		defer release()

		balance, err = l.accounts.TryApply(ctx, number, delta)
		if err != nil {
			return err
		}

		txn = models.Transaction{
			ID:        uuid.NewString(),
			Kind:      kind,
			Amount:    delta.Abs(),
			CreatedAt: l.clock.Now(),
		}
		if delta.IsPositive() {
			txn.ToAccount = number
		} else {
			txn.FromAccount = number
		}
		return l.commit(ctx, txn, []leg{{number, delta}})
	})
	if err != nil {
		return decimal.Zero, err
	}

	l.publish(ctx, txn)
	return balance, nil
}

// Transfer moves amount from one account to another. Either both legs
// and both entries are committed or nothing is.
func (l *Ledger) Transfer(ctx context.Context, from, to int64, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	var txn models.Transaction
	err := l.withRetry(ctx, "transfer", func() error {
		// Both accounts are locked in ascending order, whatever the direction.
		release, err := l.locks.Acquire(ctx, from, to)
		if err != nil {
			return err
		}
		defer release()

		// Debit first: the only leg that can fail for lack of funds.
		if _, err := l.accounts.TryApply(ctx, from, amount.Neg()); err != nil {
			return err
		}
		// A credit cannot go negative, so only a missing account fails here.
		if _, err := l.accounts.TryApply(ctx, to, amount); err != nil {
			l.accounts.Discard(from)
			return err
		}

		txn = models.Transaction{
			ID:          uuid.NewString(),
			Kind:        models.KindTransfer,
			FromAccount: from,
			ToAccount:   to,
			Amount:      amount,
			CreatedAt:   l.clock.Now(),
		}
		return l.commit(ctx, txn, []leg{{from, amount.Neg()}, {to, amount}})
	})
	if err != nil {
		return err
	}

	l.publish(ctx, txn)
	return nil
}

type leg struct {
	number int64
	delta  decimal.Decimal
}

// commit persists the staged legs of txn and publishes the touched
// accounts. On any failure the staged changes are discarded.
func (l *Ledger) commit(ctx context.Context, txn models.Transaction, legs []leg) (err error) {
	numbers := make([]int64, 0, len(legs))
	for _, lg := range legs {
		if !slices.Contains(numbers, lg.number) {
			numbers = append(numbers, lg.number)
		}
	}
	// Any error below leaves the cached balances as they were.
	defer func() {
		if err != nil {
			l.accounts.Discard(numbers...)
		}
	}()

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return storageFault("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// One audit entry per leg, each stamped with the same commit time.
	for _, lg := range legs {
		entry, appendErr := l.audit.Append(ctx, tx, txn.ID, lg.number, lg.delta, txn.CreatedAt)
		if appendErr != nil {
			return appendErr
		}
		l.accounts.stamp(lg.number, entry.Seq, txn.CreatedAt)
	}
	// Balances and their seq watermarks are saved in the same transaction.
	for _, number := range numbers {
		if err = l.accounts.Persist(ctx, tx, number); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return storageFault("commit", err)
	}

	// Durable now; make the new balances visible before the locks drop.
	l.accounts.Publish(numbers...)
	for _, lg := range legs {
		l.log.Debug("balance changed",
			zap.String("tx_id", txn.ID),
			zap.Int64("account", lg.number),
			zap.String("amount", lg.delta.String()))
	}
	return nil
}

func (l *Ledger) withRetry(ctx context.Context, op string, fn func() error) error {
	b := &backoff.Backoff{Min: l.retryMin, Max: l.retryMax, Factor: 2, Jitter: true}

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		// Only a busy lock is worth another attempt.
		if !errors.Is(err, ErrConcurrencyTimeout) || attempt >= l.retries {
			if errors.Is(err, ErrStorageFault) {
				l.log.Error("ledger operation aborted", zap.String("op", op), zap.Error(err))
			}
			return err
		}

		wait := b.Duration()
		l.log.Warn("account lock busy, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), op)
		case <-timer.C:
		}
	}
}

// publish runs after the locks are released; a failure is logged and does
// not affect the committed operation.
func (l *Ledger) publish(ctx context.Context, txn models.Transaction) {
	if l.publisher == nil {
		return
	}
	event := events.TransactionCompleted{
		TransactionID: txn.ID,
		Kind:          string(txn.Kind),
		FromAccount:   txn.FromAccount,
		ToAccount:     txn.ToAccount,
		Amount:        txn.Amount,
		OccurredAt:    txn.CreatedAt,
	}
	if err := l.publisher.Publish(ctx, l.topic, event); err != nil {
		l.log.Error("failed to publish transaction event",
			zap.String("tx_id", txn.ID),
			zap.Error(err))
	}
}
