package postgres

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		stock INTEGER NOT NULL DEFAULT 0,
		cost_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		selling_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		list_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		purchase_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		wholesale_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		dealer_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT '',
		brand TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		counterparty_id TEXT NOT NULL DEFAULT '',
		txn_date TIMESTAMPTZ,
		idempotency_key TEXT,
		doc JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT ledger_transactions_idempotency_key UNIQUE (idempotency_key)
	)`,
	`ALTER TABLE ledger_transactions ADD COLUMN IF NOT EXISTS version INTEGER NOT NULL DEFAULT 1`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_kind_date_idx ON ledger_transactions (kind, txn_date)`,
	`CREATE INDEX IF NOT EXISTS ledger_transactions_counterparty_idx ON ledger_transactions (counterparty_id, txn_date)`,
	`CREATE TABLE IF NOT EXISTS transaction_lines (
		transaction_id TEXT NOT NULL REFERENCES ledger_transactions(id) ON DELETE CASCADE,
		line_index INTEGER NOT NULL,
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		returned_quantity INTEGER NOT NULL DEFAULT 0 CHECK (returned_quantity >= 0),
		PRIMARY KEY (transaction_id, line_index),
		CHECK (returned_quantity <= quantity)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_returns (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		original_transaction_id TEXT NOT NULL REFERENCES ledger_transactions(id),
		idempotency_key TEXT,
		doc JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT ledger_returns_idempotency_key UNIQUE (idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_returns_original_idx ON ledger_returns (original_transaction_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_created_idx ON audit_logs (created_at)`,
	`CREATE TABLE IF NOT EXISTS app_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
