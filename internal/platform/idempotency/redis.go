package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "webhook_event:"
	redisTxAttempts    = 3
)

// RedisLedger implements Ledger with SET NX claims. Expiry is delegated to key TTLs, so
// CleanupExpired has nothing to do.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger constructs a Redis-backed ledger. An empty prefix falls back to "webhook_event:".
func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}
}

type redisEntry struct {
	EventType   string    `json:"eventType"`
	State       State     `json:"state"`
	ReceivedAt  time.Time `json:"receivedAt"`
	LeaseUntil  time.Time `json:"leaseUntil"`
	CompletedAt time.Time `json:"completedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (l *RedisLedger) key(eventID string) string {
	return l.prefix + eventID
}

// Claim implements the Ledger interface. A pending key expires with its lease, which is how a
// crashed delivery's claim becomes reclaimable.
func (l *RedisLedger) Claim(ctx context.Context, eventID, eventType string, now time.Time, lease time.Duration) (Claim, error) {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return Claim{}, err
	}
	now = now.UTC()
	lease = leaseOrDefault(lease)
	key := l.key(eventID)

	entry := pendingEntry(eventID, eventType, now, lease)
	payload, err := json.Marshal(toRedisEntry(entry))
	if err != nil {
		return Claim{}, err
	}

	// The existing key may expire between SETNX and GET; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := l.client.SetNX(ctx, key, payload, lease).Result()
		if err != nil {
			return Claim{}, fmt.Errorf("idempotency: redis claim: %w", err)
		}
		if ok {
			return Claim{State: ClaimStateNew, Entry: entry}, nil
		}

		raw, err := l.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Claim{}, fmt.Errorf("idempotency: redis read: %w", err)
		}
		var stored redisEntry
		if err := json.Unmarshal(raw, &stored); err != nil {
			return Claim{}, fmt.Errorf("idempotency: decode entry %s: %w", eventID, err)
		}
		existing := stored.toEntry(eventID)
		return Claim{State: classify(existing), Entry: existing}, nil
	}
	return Claim{}, fmt.Errorf("idempotency: redis claim for %s did not settle", eventID)
}

// Complete marks the claim completed and retains it for ttl. The read-modify-write runs in a
// WATCH transaction, retried while another writer races on the key.
func (l *RedisLedger) Complete(ctx context.Context, eventID string, now time.Time, ttl time.Duration) error {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return err
	}
	now = now.UTC()
	ttl = ttlOrDefault(ttl)
	key := l.key(eventID)

	complete := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotClaimed
		}
		if err != nil {
			return fmt.Errorf("idempotency: redis read: %w", err)
		}
		var stored redisEntry
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("idempotency: decode entry %s: %w", eventID, err)
		}

		stored.State = StateCompleted
		stored.CompletedAt = now
		stored.LeaseUntil = time.Time{}
		stored.ExpiresAt = now.Add(ttl)
		payload, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisTxAttempts; attempt++ {
		err = l.client.Watch(ctx, complete, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("idempotency: redis complete %s: %w", eventID, err)
	}
	return err
}

// Release deletes a pending claim. The check-and-delete runs in a WATCH transaction so a
// concurrent Complete is never undone.
func (l *RedisLedger) Release(ctx context.Context, eventID string) error {
	key := l.key(eventID)
	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var stored redisEntry
		if err := json.Unmarshal(raw, &stored); err != nil {
			return err
		}
		if stored.State != StatePending {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// CleanupExpired is a no-op: Redis evicts entries through their TTL.
func (l *RedisLedger) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func toRedisEntry(entry Entry) redisEntry {
	return redisEntry{
		EventType:   entry.EventType,
		State:       entry.State,
		ReceivedAt:  entry.ReceivedAt,
		LeaseUntil:  entry.LeaseUntil,
		CompletedAt: entry.CompletedAt,
		ExpiresAt:   entry.ExpiresAt,
	}
}

func (r redisEntry) toEntry(eventID string) Entry {
	return Entry{
		EventID:     eventID,
		EventType:   r.EventType,
		State:       r.State,
		ReceivedAt:  r.ReceivedAt.UTC(),
		LeaseUntil:  r.LeaseUntil.UTC(),
		CompletedAt: r.CompletedAt.UTC(),
		ExpiresAt:   r.ExpiresAt.UTC(),
	}
}
