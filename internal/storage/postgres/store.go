package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	_ "github.com/lib/pq"

	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
	"github.com/sheikh-saqib/account-ledger-system/internal/models"
)

const createSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	number     BIGINT PRIMARY KEY,
	balance    NUMERIC NOT NULL CHECK (balance >= 0),
	last_seq   BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq            BIGSERIAL PRIMARY KEY,
	transaction_id TEXT NOT NULL,
	account_number BIGINT NOT NULL REFERENCES accounts(number),
	amount         NUMERIC NOT NULL CHECK (amount <> 0),
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_account_time
	ON ledger_entries (account_number, created_at, seq);`

const dropSchema = `DROP TABLE IF EXISTS ledger_entries; DROP TABLE IF EXISTS accounts;`

type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
	}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*PostgresLedgerStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return NewPostgresLedgerStore(db), nil
}

func (p *PostgresLedgerStore) InitializeSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createSchema)
	return errors.Wrap(err, "create schema")
}

func (p *PostgresLedgerStore) ResetSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, dropSchema); err != nil {
		return errors.Wrap(err, "drop schema")
	}
	return p.InitializeSchema(ctx)
}

func (p *PostgresLedgerStore) LoadAccount(ctx context.Context, number int64) (models.Account, bool, error) {
	const query = `SELECT number, balance, last_seq, created_at, updated_at FROM accounts WHERE number = $1`

	var a models.Account
	err := p.db.QueryRowContext(ctx, query, number).Scan(&a.Number, &a.Balance, &a.LastSeq, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Account{}, false, nil
	}
	if err != nil {
		return models.Account{}, false, errors.Wrapf(err, "load account %d", number)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, true, nil
}

func (p *PostgresLedgerStore) QueryLog(ctx context.Context, number int64, from, to time.Time) ([]models.LedgerEntry, error) {
	const query = `SELECT seq, transaction_id, account_number, amount, created_at FROM ledger_entries
	WHERE account_number = $1 AND created_at BETWEEN $2 AND $3
	ORDER BY created_at, seq`

	lo, hi := microBounds(from, to)
	rows, err := p.db.QueryContext(ctx, query, number, lo, hi)
	if err != nil {
		return nil, errors.Wrapf(err, "query log of account %d", number)
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0)
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(&entry.Seq, &entry.TransactionID, &entry.AccountNumber, &entry.Amount, &entry.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// microBounds narrows an inclusive range to whole microseconds, the
// resolution of timestamptz. Postgres would otherwise round the bounds to
// the nearest microsecond and could pull in an entry just outside them.
func microBounds(from, to time.Time) (time.Time, time.Time) {
	lo := from.UTC().Truncate(time.Microsecond)
	if lo.Before(from) {
		lo = lo.Add(time.Microsecond)
	}
	return lo, to.UTC().Truncate(time.Microsecond)
}

func (p *PostgresLedgerStore) Begin(ctx context.Context) (interfaces.LedgerTx, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	return &postgresTx{tx: dbTx}, nil
}

func (p *PostgresLedgerStore) Close() error {
	return p.db.Close()
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) SaveAccount(ctx context.Context, a models.Account) error {
	const query = `INSERT INTO accounts (number, balance, last_seq, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (number) DO UPDATE SET balance = EXCLUDED.balance, last_seq = EXCLUDED.last_seq, updated_at = EXCLUDED.updated_at`

	_, err := t.tx.ExecContext(ctx, query, a.Number, a.Balance, a.LastSeq, a.CreatedAt, a.UpdatedAt)
	return errors.Wrapf(err, "save account %d", a.Number)
}

func (t *postgresTx) AppendLogEntry(ctx context.Context, entry models.LedgerEntry) (models.LedgerEntry, error) {
	const query = `INSERT INTO ledger_entries (transaction_id, account_number, amount, created_at)
	VALUES ($1, $2, $3, $4) RETURNING seq`

	err := t.tx.QueryRowContext(ctx, query, entry.TransactionID, entry.AccountNumber, entry.Amount, entry.CreatedAt).Scan(&entry.Seq)
	if err != nil {
		return models.LedgerEntry{}, errors.Wrapf(err, "append entry for account %d", entry.AccountNumber)
	}
	return entry, nil
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit()
}

func (t *postgresTx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
