// Package postgres implements the order store, merchant store, and display counters on
// PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ravintola/ordersync/internal/repositories"
)

const defaultMaxConns = 8

// Connect opens a pool, applies the pool limits, and verifies connectivity.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Schema creates the tables used by this package and the Postgres event ledger.
const Schema = `
CREATE TABLE IF NOT EXISTS merchants (
	id                       TEXT PRIMARY KEY,
	name                     TEXT NOT NULL DEFAULT '',
	email                    TEXT NOT NULL DEFAULT '',
	payment_account_id       TEXT NOT NULL DEFAULT '',
	payment_enabled          BOOLEAN NOT NULL DEFAULT FALSE,
	requirements_outstanding BOOLEAN NOT NULL DEFAULT FALSE,
	payment_updated_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS merchants_payment_account_idx ON merchants (payment_account_id);

CREATE TABLE IF NOT EXISTS orders (
	id                TEXT PRIMARY KEY,
	display_number    TEXT NOT NULL,
	merchant_id       TEXT NOT NULL,
	customer          JSONB NOT NULL,
	fulfilment        TEXT NOT NULL,
	delivery_address  JSONB,
	items             JSONB NOT NULL,
	currency          TEXT NOT NULL,
	subtotal          BIGINT NOT NULL,
	shipping_cost     BIGINT,
	total_amount      BIGINT NOT NULL,
	status            TEXT NOT NULL,
	payment_status    TEXT NOT NULL,
	payment_ref       TEXT NOT NULL DEFAULT '',
	authorization_ref TEXT NOT NULL DEFAULT '',
	authorized_amount BIGINT NOT NULL DEFAULT 0,
	captured_amount   BIGINT,
	captured_at       TIMESTAMPTZ,
	refunded_amount   BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	CHECK (captured_amount IS NULL OR captured_amount <= authorized_amount)
);
CREATE INDEX IF NOT EXISTS orders_payment_ref_idx ON orders (payment_ref) WHERE payment_ref <> '';
CREATE INDEX IF NOT EXISTS orders_authorization_ref_idx ON orders (authorization_ref) WHERE authorization_ref <> '';

CREATE TABLE IF NOT EXISTS counters (
	id            TEXT PRIMARY KEY,
	current_value BIGINT NOT NULL,
	step          BIGINT NOT NULL DEFAULT 1,
	max_value     BIGINT,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_events (
	event_id     TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	state        TEXT NOT NULL,
	received_at  TIMESTAMPTZ NOT NULL,
	lease_until  TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_events_expires_idx ON webhook_events (expires_at);
`

// EnsureSchema applies Schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return wrapError("schema.ensure", err)
	}
	return nil
}

const uniqueViolation = "23505"

// wrapError classifies pgx failures into repository errors. Context errors pass through.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == uniqueViolation {
			return repositories.NewStoreError(op, repositories.StoreErrorConflict, err)
		}
		return repositories.NewStoreError(op, repositories.StoreErrorUnknown, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, err)
	}
	return repositories.NewStoreError(op, repositories.StoreErrorUnknown, err)
}
