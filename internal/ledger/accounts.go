package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/account-ledger-system/internal/models"
)

// accountSlot caches one account. committed is what readers see; working
// is the lock holder's scratch copy and only differs from committed while
// an operation is in flight.
type accountSlot struct {
	committed models.Account // guarded by AccountStore.mu
	working   models.Account // guarded by the account lock
}

// AccountStore holds the authoritative balances, loading accounts from
// the persistence store on first use. Every method except Get must be
// called while holding the account's lock.
type AccountStore struct {
	store interfaces.LedgerStore // where accounts are loaded from and saved to

	mu    sync.RWMutex           // protects slots and every committed copy
	slots map[int64]*accountSlot // cached accounts by number
}

func NewAccountStore(store interfaces.LedgerStore) *AccountStore {
	return &AccountStore{
		store: store,
		slots: make(map[int64]*accountSlot),
	}
}

func (s *AccountStore) cached(number int64) (*accountSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[number]
	return slot, ok
}

// adopt caches a freshly loaded account unless another caller got there
// first, in which case the existing slot wins.
func (s *AccountStore) adopt(account models.Account) *accountSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slots[account.Number]; ok {
		return slot
	}
	slot := &accountSlot{committed: account, working: account}
	s.slots[account.Number] = slot
	return slot
}

func (s *AccountStore) load(ctx context.Context, number int64) (*accountSlot, error) {
	if slot, ok := s.cached(number); ok {
		return slot, nil
	}
	account, found, err := s.store.LoadAccount(ctx, number)
	if err != nil {
		return nil, storageFault("load account", err)
	}
	if !found {
		return nil, ErrAccountNotFound
	}
	return s.adopt(account), nil
}

// Create stores a new account with a zero balance.
func (s *AccountStore) Create(ctx context.Context, number int64, now time.Time) error {
	// The account may already exist in the store even if it is not cached.
	if _, err := s.load(ctx, number); err == nil {
		return ErrAccountAlreadyExists
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}

	// New accounts always start empty.
	account := models.Account{Number: number, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return storageFault("begin", err)
	}
	if err := tx.SaveAccount(ctx, account); err != nil {
		_ = tx.Rollback()
		return storageFault("save account", err)
	}
	if err := tx.Commit(); err != nil {
		return storageFault("commit", err)
	}
	s.adopt(account) // cache only once the row is durable
	return nil
}

// Get returns the last committed state of the account. It never waits on
// account locks.
func (s *AccountStore) Get(ctx context.Context, number int64) (models.Account, error) {
	slot, err := s.load(ctx, number)
	if err != nil {
		return models.Account{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slot.committed, nil
}

// TryApply adds delta to the working balance if the result stays
// non-negative and returns the new balance. The change stays invisible to
// Get until Publish.
func (s *AccountStore) TryApply(ctx context.Context, number int64, delta decimal.Decimal) (decimal.Decimal, error) {
	slot, err := s.load(ctx, number)
	if err != nil {
		return decimal.Zero, err
	}
	next := slot.working.Balance.Add(delta) // delta is negative for debits
	if next.IsNegative() {
		return decimal.Zero, ErrInsufficientFunds // working copy left untouched
	}
	slot.working.Balance = next
	return next, nil
}

// stamp records the newest entry written for the account in the working copy.
func (s *AccountStore) stamp(number int64, seq int64, at time.Time) {
	if slot, ok := s.cached(number); ok {
		slot.working.LastSeq = seq
		slot.working.UpdatedAt = at
	}
}

// Persist writes the working copy of the account through tx.
func (s *AccountStore) Persist(ctx context.Context, tx interfaces.LedgerTx, number int64) error {
	slot, ok := s.cached(number)
	if !ok {
		return ErrAccountNotFound
	}
	if err := tx.SaveAccount(ctx, slot.working); err != nil {
		return storageFault("save account", err)
	}
	return nil
}

// Publish makes the working copies of all listed accounts visible to
// readers in one step.
func (s *AccountStore) Publish(numbers ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, number := range numbers {
		if slot, ok := s.slots[number]; ok {
			slot.committed = slot.working // readers now see the new balance
		}
	}
}

// Discard drops uncommitted changes of the listed accounts.
func (s *AccountStore) Discard(numbers ...int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, number := range numbers {
		if slot, ok := s.slots[number]; ok {
			slot.working = slot.committed // roll back to what readers see
		}
	}
}

// forget empties the cache so the next access reloads from the store.
func (s *AccountStore) forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = make(map[int64]*accountSlot)
}
