package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"

	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/account-ledger-system/internal/models"
)

// Timestamps are stored as unix nanoseconds so range filters compare
// integers, and balances as decimal text so no precision is lost.
const createSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	number     INTEGER PRIMARY KEY,
	balance    TEXT    NOT NULL,
	last_seq   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT    NOT NULL,
	account_number INTEGER NOT NULL REFERENCES accounts(number),
	amount         TEXT    NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_account_time
	ON ledger_entries (account_number, created_at, seq);`

const dropSchema = `DROP TABLE IF EXISTS ledger_entries; DROP TABLE IF EXISTS accounts;`

// readerConns caps the read pool. Readers never block each other in WAL
// mode, so a handful is enough for the HTTP handlers.
const readerConns = 4

// SQLiteLedgerStore is a durable single-file LedgerStore. Writes go
// through one connection; LoadAccount and QueryLog use a separate
// query-only pool so they are not queued behind an open transaction.
type SQLiteLedgerStore struct {
	db   *sql.DB // single writer, owns Begin and schema changes
	read *sql.DB // read pool, same handle as db for in-memory databases
}

// Open creates or opens the database at path. The schema is not touched
// until InitializeSchema.
func Open(path string) (*SQLiteLedgerStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared between callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to execute %q", pragma)
		}
	}

	// An in-memory database lives inside its one connection, so reads
	// have to share it.
	if inMemory(path) {
		return &SQLiteLedgerStore{db: db, read: db}, nil
	}

	read, err := sql.Open("sqlite3", readerDSN(path))
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to open read pool")
	}
	if err := read.Ping(); err != nil {
		read.Close()
		db.Close()
		return nil, errors.Wrap(err, "failed to connect read pool")
	}
	read.SetMaxOpenConns(readerConns)
	read.SetMaxIdleConns(readerConns)
	return &SQLiteLedgerStore{db: db, read: read}, nil
}

// readerDSN adds the driver parameters for the read pool. The WAL mode
// set by the writer is stored in the file, so readers pick it up.
func readerDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_query_only=true"
}

func inMemory(path string) bool {
	return path == "" || strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory")
}

func (s *SQLiteLedgerStore) InitializeSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createSchema)
	return errors.Wrap(err, "create schema")
}

func (s *SQLiteLedgerStore) ResetSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, dropSchema); err != nil {
		return errors.Wrap(err, "drop schema")
	}
	return s.InitializeSchema(ctx)
}

func (s *SQLiteLedgerStore) LoadAccount(ctx context.Context, number int64) (models.Account, bool, error) {
	var (
		a                models.Account
		created, updated int64
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT number, balance, last_seq, created_at, updated_at FROM accounts WHERE number = ?`, number,
	).Scan(&a.Number, &a.Balance, &a.LastSeq, &created, &updated)
	if err == sql.ErrNoRows {
		return models.Account{}, false, nil
	}
	if err != nil {
		return models.Account{}, false, errors.Wrapf(err, "load account %d", number)
	}
	a.CreatedAt = fromNanos(created)
	a.UpdatedAt = fromNanos(updated)
	return a, true, nil
}

func (s *SQLiteLedgerStore) QueryLog(ctx context.Context, number int64, from, to time.Time) ([]models.LedgerEntry, error) {
	rows, err := s.read.QueryContext(ctx, `
		SELECT seq, transaction_id, account_number, amount, created_at FROM ledger_entries
		WHERE account_number = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at, seq`,
		number, toNanos(from), toNanos(to),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "query log of account %d", number)
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0)
	for rows.Next() {
		var (
			e       models.LedgerEntry
			created int64
		)
		if err := rows.Scan(&e.Seq, &e.TransactionID, &e.AccountNumber, &e.Amount, &created); err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}
		e.CreatedAt = fromNanos(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteLedgerStore) Begin(ctx context.Context) (interfaces.LedgerTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteLedgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	var err error
	if s.read != nil && s.read != s.db {
		err = s.read.Close()
	}
	if cerr := s.db.Close(); cerr != nil {
		err = cerr
	}
	return err
}

// verifyPragma is used by tests.
func (s *SQLiteLedgerStore) verifyPragma(db *sql.DB, name, expected string) error {
	var value string
	if err := db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) SaveAccount(ctx context.Context, a models.Account) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (number, balance, last_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET
			balance = excluded.balance, last_seq = excluded.last_seq, updated_at = excluded.updated_at`,
		a.Number, a.Balance.String(), a.LastSeq, a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(),
	)
	return errors.Wrapf(err, "save account %d", a.Number)
}

func (t *sqliteTx) AppendLogEntry(ctx context.Context, e models.LedgerEntry) (models.LedgerEntry, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (transaction_id, account_number, amount, created_at)
		VALUES (?, ?, ?, ?)`,
		e.TransactionID, e.AccountNumber, e.Amount.String(), e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return models.LedgerEntry{}, errors.Wrapf(err, "append entry for account %d", e.AccountNumber)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return models.LedgerEntry{}, errors.Wrap(err, "read entry seq")
	}
	return e, nil
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

var (
	minTime = time.Unix(0, math.MinInt64)
	maxTime = time.Unix(0, math.MaxInt64)
)

// toNanos clamps times outside the int64 nanosecond range, such as the
// zero time used as an open lower bound.
func toNanos(t time.Time) int64 {
	switch {
	case t.Before(minTime):
		return math.MinInt64
	case t.After(maxTime):
		return math.MaxInt64
	}
	return t.UnixNano()
}

var _ interfaces.LedgerStore = (*SQLiteLedgerStore)(nil)
