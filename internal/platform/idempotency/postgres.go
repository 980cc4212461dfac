package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger implements Ledger on the webhook_events table. The claim is a single
// INSERT ... ON CONFLICT statement, which Postgres serialises per primary key.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger constructs a Postgres-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const claimSQL = `
INSERT INTO webhook_events (event_id, event_type, state, received_at, lease_until, completed_at, expires_at)
VALUES ($1, $2, 'pending', $3, $4, NULL, $4)
ON CONFLICT (event_id) DO UPDATE
SET event_type = EXCLUDED.event_type,
    state = 'pending',
    received_at = EXCLUDED.received_at,
    lease_until = EXCLUDED.lease_until,
    completed_at = NULL,
    expires_at = EXCLUDED.expires_at
WHERE webhook_events.expires_at <= $3
   OR (webhook_events.state = 'pending' AND webhook_events.lease_until <= $3)
RETURNING event_id`

const selectEntrySQL = `
SELECT event_type, state, received_at, lease_until, completed_at, expires_at
FROM webhook_events WHERE event_id = $1`

// Claim implements the Ledger interface.
func (l *PostgresLedger) Claim(ctx context.Context, eventID, eventType string, now time.Time, lease time.Duration) (Claim, error) {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return Claim{}, err
	}
	now = now.UTC()
	entry := pendingEntry(eventID, eventType, now, leaseOrDefault(lease))

	var claimed string
	err = l.pool.QueryRow(ctx, claimSQL, eventID, eventType, now, entry.LeaseUntil).Scan(&claimed)
	if err == nil {
		return Claim{State: ClaimStateNew, Entry: entry}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Claim{}, fmt.Errorf("idempotency: postgres claim: %w", err)
	}

	existing, err := l.load(ctx, eventID)
	if err != nil {
		return Claim{}, err
	}
	return Claim{State: classify(existing), Entry: existing}, nil
}

func (l *PostgresLedger) load(ctx context.Context, eventID string) (Entry, error) {
	var (
		entry       = Entry{EventID: eventID}
		state       string
		leaseUntil  *time.Time
		completedAt *time.Time
	)
	err := l.pool.QueryRow(ctx, selectEntrySQL, eventID).Scan(
		&entry.EventType, &state, &entry.ReceivedAt, &leaseUntil, &completedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("idempotency: postgres load %s: %w", eventID, err)
	}
	entry.State = State(state)
	entry.ReceivedAt = entry.ReceivedAt.UTC()
	entry.ExpiresAt = entry.ExpiresAt.UTC()
	if leaseUntil != nil {
		entry.LeaseUntil = leaseUntil.UTC()
	}
	if completedAt != nil {
		entry.CompletedAt = completedAt.UTC()
	}
	return entry, nil
}

// Complete implements the Ledger interface.
func (l *PostgresLedger) Complete(ctx context.Context, eventID string, now time.Time, ttl time.Duration) error {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return err
	}
	now = now.UTC()
	tag, err := l.pool.Exec(ctx, `
UPDATE webhook_events
SET state = 'completed', completed_at = $2, lease_until = NULL, expires_at = $3
WHERE event_id = $1`, eventID, now, now.Add(ttlOrDefault(ttl)))
	if err != nil {
		return fmt.Errorf("idempotency: postgres complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Release implements the Ledger interface.
func (l *PostgresLedger) Release(ctx context.Context, eventID string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1 AND state = 'pending'`, eventID); err != nil {
		return fmt.Errorf("idempotency: postgres release: %w", err)
	}
	return nil
}

// CleanupExpired implements the Ledger interface.
func (l *PostgresLedger) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupSize
	}
	tag, err := l.pool.Exec(ctx, `
DELETE FROM webhook_events
WHERE event_id IN (
	SELECT event_id FROM webhook_events WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2
)`, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("idempotency: postgres cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
