package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/auctionhouse/internal/model"
)

// Schema creates the tables PostgresStore expects.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id      INTEGER PRIMARY KEY,
	name    TEXT NOT NULL UNIQUE,
	kind    SMALLINT NOT NULL,
	balance NUMERIC NOT NULL
);
CREATE TABLE IF NOT EXISTS transfers (
	seq        BIGSERIAL PRIMARY KEY,
	id         UUID NOT NULL UNIQUE,
	from_id    INTEGER NOT NULL,
	to_id      INTEGER NOT NULL,
	item_id    INTEGER NOT NULL,
	amount     NUMERIC NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`

// PostgresStore implements Store using PostgreSQL.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, kind, balance::TEXT FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()

	accounts := []model.Account{}
	for rows.Next() {
		var a model.Account
		var kind int
		var balance string
		if err := rows.Scan(&a.ID, &a.Name, &kind, &balance); err != nil {
			return nil, err
		}
		a.Kind = model.AccountKind(kind)
		a.Balance, _ = decimal.NewFromString(balance)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SaveAccounts replaces the accounts table in one transaction.
func (s *PostgresStore) SaveAccounts(ctx context.Context, accounts []model.Account) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM accounts`); err != nil {
		return fmt.Errorf("clear accounts: %w", err)
	}
	batch := &pgx.Batch{}
	for _, a := range accounts {
		batch.Queue(
			`INSERT INTO accounts (id, name, kind, balance) VALUES ($1, $2, $3, $4::NUMERIC)`,
			a.ID, a.Name, int(a.Kind), a.Balance.String(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert accounts: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertTransfer(ctx context.Context, t *model.Transfer) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transfers (id, from_id, to_id, item_id, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		t.ID, t.FromID, t.ToID, t.ItemID, t.Amount.String(), t.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListTransfers(ctx context.Context) ([]model.Transfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, from_id, to_id, item_id, amount::TEXT, created_at
		 FROM transfers ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransfers(rows)
}

// scanTransfers reads pgx rows into Transfer slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTransfers(rows pgxRows) ([]model.Transfer, error) {
	var transfers []model.Transfer
	for rows.Next() {
		var t model.Transfer
		var amount string
		if err := rows.Scan(&t.ID, &t.FromID, &t.ToID, &t.ItemID, &amount, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}
