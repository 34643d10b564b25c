package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion bumps whenever migrations grows. Each entry runs at most
// once; schema_migrations records which versions have been applied.
const schemaVersion = 1

var migrations = map[int]string{
	1: `
		CREATE TABLE IF NOT EXISTS lots (
			seq           BIGSERIAL PRIMARY KEY,
			lot_id        TEXT NOT NULL UNIQUE,
			product_id    TEXT,
			name_key      TEXT NOT NULL,
			name          TEXT NOT NULL,
			category      TEXT NOT NULL DEFAULT '',
			unit_cost     BIGINT NOT NULL,
			unit_price    BIGINT NOT NULL,
			qty_received  INT NOT NULL CHECK (qty_received > 0),
			qty_consumed  INT NOT NULL DEFAULT 0 CHECK (qty_consumed >= 0 AND qty_consumed <= qty_received),
			received_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_lots_product_id ON lots (product_id);
		CREATE INDEX IF NOT EXISTS idx_lots_name_key ON lots (name_key);

		CREATE TABLE IF NOT EXISTS product_aggregates (
			name_key    TEXT PRIMARY KEY,
			product_id  TEXT UNIQUE,
			name        TEXT NOT NULL,
			category    TEXT NOT NULL DEFAULT '',
			stock       INT NOT NULL DEFAULT 0,
			unit_price  BIGINT NOT NULL DEFAULT 0,
			unit_cost   BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS ledger_detail (
			id             BIGSERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			lot_id         TEXT NOT NULL,
			lot_date       TEXT,
			product_name   TEXT NOT NULL,
			category       TEXT NOT NULL DEFAULT '',
			unit_price     BIGINT NOT NULL,
			unit_cost      BIGINT NOT NULL,
			qty_allocated  INT NOT NULL CHECK (qty_allocated > 0),
			revenue        BIGINT NOT NULL,
			cost           BIGINT NOT NULL,
			margin         BIGINT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_detail_tx ON ledger_detail (transaction_id);
		CREATE INDEX IF NOT EXISTS idx_ledger_detail_created_at ON ledger_detail (created_at);

		CREATE TABLE IF NOT EXISTS ledger_summary (
			transaction_id TEXT PRIMARY KEY,
			created_at     TIMESTAMPTZ NOT NULL,
			item_count     INT NOT NULL,
			total_revenue  BIGINT NOT NULL,
			total_cost     BIGINT NOT NULL,
			total_margin   BIGINT NOT NULL,
			discount       BIGINT NOT NULL DEFAULT 0,
			discount_type  TEXT NOT NULL DEFAULT 'amount',
			net_payable    BIGINT NOT NULL,
			payment_method TEXT NOT NULL DEFAULT 'cash',
			cash_tendered  BIGINT NOT NULL DEFAULT 0,
			change         BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_summary_created_at ON ledger_summary (created_at);

		CREATE TABLE IF NOT EXISTS audit_logs (
			id             TEXT PRIMARY KEY,
			actor_username TEXT NOT NULL,
			actor_role     TEXT NOT NULL,
			action         TEXT NOT NULL,
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			detail         TEXT NOT NULL DEFAULT '',
			created_at     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs (created_at);

		CREATE TABLE IF NOT EXISTS users (
			username   TEXT PRIMARY KEY,
			password   TEXT NOT NULL,
			role       TEXT NOT NULL,
			active     BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL
		);
	`,
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for version := 1; version <= schemaVersion; version++ {
		var exists bool
		err := db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)
		`, version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if exists {
			continue
		}
		if _, err := db.ExecContext(ctx, migrations[version]); err != nil {
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			return fmt.Errorf("record migration %d: %w", version, err)
		}
	}
	return nil
}
