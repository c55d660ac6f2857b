package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// LockManager hands out per-account locks. Multi-account acquisitions
// always take locks in ascending account number, so two callers locking
// the same pair can never wait on each other in a cycle.
type LockManager struct {
	timeout time.Duration

	mapMu sync.Mutex // protects locks
	locks map[int64]*semaphore.Weighted
}

// NewLockManager returns a manager whose acquisitions give up after
// timeout. A zero timeout waits until ctx is done.
func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		timeout: timeout,
		locks:   make(map[int64]*semaphore.Weighted),
	}
}

func (m *LockManager) accountLock(number int64) *semaphore.Weighted {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	sem, ok := m.locks[number]
	if !ok {
		sem = semaphore.NewWeighted(1)
		m.locks[number] = sem
	}
	return sem
}

// Acquire locks every listed account, once each, and returns a release
// func that is safe to call more than once. On failure nothing stays
// locked. A lock that cannot be taken within the timeout yields
// ErrConcurrencyTimeout.
func (m *LockManager) Acquire(ctx context.Context, numbers ...int64) (func(), error) {
	ordered := slices.Clone(numbers)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	held := make([]*semaphore.Weighted, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
		held = held[:0]
	}

	for _, number := range ordered {
		sem := m.accountLock(number)
		if err := m.acquireOne(ctx, sem); err != nil {
			release()
			if ctx.Err() != nil {
				return nil, errors.Wrapf(ctx.Err(), "lock account %d", number)
			}
			return nil, errors.Wrapf(ErrConcurrencyTimeout, "lock account %d", number)
		}
		held = append(held, sem)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (m *LockManager) acquireOne(ctx context.Context, sem *semaphore.Weighted) error {
	if m.timeout <= 0 {
		return sem.Acquire(ctx, 1)
	}
	waitCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return sem.Acquire(waitCtx, 1)
}
