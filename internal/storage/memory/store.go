package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/account-ledger-system/internal/models"
)

var ErrTxDone = errors.New("transaction already committed or rolled back")

// MemoryLedgerStore is an in-memory implementation of interfaces.LedgerStore.
// Writes are buffered per transaction and applied under one lock on
// Commit, so readers see all of a transaction or none of it.
type MemoryLedgerStore struct {
	mu       sync.RWMutex                   // guards every field below
	accounts map[int64]models.Account       // committed accounts by number
	entries  map[int64][]models.LedgerEntry // per account, in seq order
	seq      int64                          // last entry id handed out
}

// NewMemoryLedgerStore creates and returns a new MemoryLedgerStore instance
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts: make(map[int64]models.Account),
		entries:  make(map[int64][]models.LedgerEntry),
	}
}

func (m *MemoryLedgerStore) InitializeSchema(ctx context.Context) error { return nil }

func (m *MemoryLedgerStore) ResetSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// seq keeps counting so ids stay unique across resets
	m.accounts = make(map[int64]models.Account)
	m.entries = make(map[int64][]models.LedgerEntry)
	return nil
}

func (m *MemoryLedgerStore) LoadAccount(ctx context.Context, number int64) (models.Account, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[number]
	return account, ok, nil
}

func (m *MemoryLedgerStore) QueryLog(ctx context.Context, number int64, from, to time.Time) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.LedgerEntry, 0) // empty, never nil, when nothing matches
	for _, e := range m.entries[number] {
		if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue // outside the inclusive [from, to] range
		}
		result = append(result, e)
	}
	// Entries can be appended out of time order, so sort by time and
	// break ties by seq.
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Seq < result[j].Seq
	})
	return result, nil
}

func (m *MemoryLedgerStore) Begin(ctx context.Context) (interfaces.LedgerTx, error) {
	return &memoryTx{store: m}, nil
}

func (m *MemoryLedgerStore) Close() error { return nil }

// nextSeq hands out entry ids; ids of rolled back entries are not reused.
func (m *MemoryLedgerStore) nextSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq
}

type memoryTx struct {
	store    *MemoryLedgerStore
	accounts []models.Account
	entries  []models.LedgerEntry
	done     bool
}

func (t *memoryTx) SaveAccount(ctx context.Context, account models.Account) error {
	if t.done {
		return ErrTxDone
	}
	t.accounts = append(t.accounts, account) // applied on Commit
	return nil
}

func (t *memoryTx) AppendLogEntry(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error) {
	if t.done {
		return models.LedgerEntry{}, ErrTxDone
	}
	entry.Seq = t.store.nextSeq() // ids are assigned now, visibility waits for Commit
	t.entries = append(t.entries, entry)
	return entry, nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true

	// Apply everything under one lock so readers never see half a commit.
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range t.accounts {
		m.accounts[a.Number] = a
	}
	for _, e := range t.entries {
		m.entries[e.AccountNumber] = append(m.entries[e.AccountNumber], e)
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	t.done = true
	t.accounts = nil // drop the buffered writes
	t.entries = nil
	return nil
}

// Compile-time check: ensure MemoryLedgerStore implements LedgerStore interface
var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
