package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger provides an in-memory implementation useful for testing and local development.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger constructs an empty memory-backed ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

// Claim implements the Ledger interface.
func (l *MemoryLedger) Claim(_ context.Context, eventID, eventType string, now time.Time, lease time.Duration) (Claim, error) {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return Claim{}, err
	}
	now = now.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[eventID]
	if !ok || claimable(entry, now) {
		entry = pendingEntry(eventID, eventType, now, leaseOrDefault(lease))
		l.entries[eventID] = entry
		return Claim{State: ClaimStateNew, Entry: entry}, nil
	}
	return Claim{State: classify(entry), Entry: entry}, nil
}

// Complete implements the Ledger interface.
func (l *MemoryLedger) Complete(_ context.Context, eventID string, now time.Time, ttl time.Duration) error {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return err
	}
	now = now.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[eventID]
	if !ok {
		return ErrNotClaimed
	}
	entry.State = StateCompleted
	entry.CompletedAt = now
	entry.LeaseUntil = time.Time{}
	entry.ExpiresAt = now.Add(ttlOrDefault(ttl))
	l.entries[eventID] = entry
	return nil
}

// Release deletes a pending claim so that the next delivery may retry.
func (l *MemoryLedger) Release(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[eventID]; ok && entry.State == StatePending {
		delete(l.entries, eventID)
	}
	return nil
}

// CleanupExpired implements the Ledger interface.
func (l *MemoryLedger) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}

	removed := 0
	for id, entry := range l.entries {
		if removed >= limit {
			break
		}
		if entry.ExpiresAt.IsZero() || now.Before(entry.ExpiresAt) {
			continue
		}
		delete(l.entries, id)
		removed++
	}
	return removed, nil
}

// Entry returns the stored entry for inspection.
func (l *MemoryLedger) Entry(eventID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[eventID]
	return entry, ok
}
