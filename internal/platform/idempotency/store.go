package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// State represents the lifecycle state of a ledger entry.
type State string

const (
	// DefaultTTL is how long completed entries are retained for duplicate detection.
	DefaultTTL = 30 * 24 * time.Hour
	// DefaultLease bounds how long an in-flight claim blocks other deliveries of the same event.
	DefaultLease = 2 * time.Minute
	// StatePending indicates that a delivery has claimed the event but not yet finished its handler.
	StatePending State = "pending"
	// StateCompleted indicates that the event has been fully processed.
	StateCompleted State = "completed"
)

// ClaimState describes the outcome of attempting to claim an event id.
type ClaimState int

const (
	// ClaimStateNew means the caller owns the event and must run its handler.
	ClaimStateNew ClaimState = iota
	// ClaimStateCompleted means the event was already processed; the delivery is a duplicate.
	ClaimStateCompleted
	// ClaimStateInFlight means another delivery holds an unexpired claim.
	ClaimStateInFlight
)

func (s ClaimState) String() string {
	switch s {
	case ClaimStateNew:
		return "new"
	case ClaimStateCompleted:
		return "completed"
	case ClaimStateInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Entry is the persisted ledger record for a processor event id.
type Entry struct {
	EventID     string
	EventType   string
	State       State
	ReceivedAt  time.Time
	LeaseUntil  time.Time
	CompletedAt time.Time
	ExpiresAt   time.Time
}

// Claim encapsulates the result of claiming an event, including the stored entry.
type Claim struct {
	State ClaimState
	Entry Entry
}

// Ledger records processed webhook event ids. Claim must be atomic against concurrent deliveries
// of the same id; an expired pending claim is handed to the next caller.
type Ledger interface {
	Claim(ctx context.Context, eventID, eventType string, now time.Time, lease time.Duration) (Claim, error)
	Complete(ctx context.Context, eventID string, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, eventID string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

var (
	// ErrEventIDRequired is returned when an empty event id is claimed.
	ErrEventIDRequired = errors.New("idempotency: event id is required")
	// ErrNotClaimed is returned when completing an event that has no pending claim.
	ErrNotClaimed = errors.New("idempotency: event is not claimed")
)

func normalizeEventID(eventID string) (string, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", ErrEventIDRequired
	}
	return eventID, nil
}

func leaseOrDefault(lease time.Duration) time.Duration {
	if lease <= 0 {
		return DefaultLease
	}
	return lease
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func pendingEntry(eventID, eventType string, now time.Time, lease time.Duration) Entry {
	return Entry{
		EventID:    eventID,
		EventType:  eventType,
		State:      StatePending,
		ReceivedAt: now,
		LeaseUntil: now.Add(lease),
		ExpiresAt:  now.Add(lease),
	}
}

// claimable reports whether an existing entry may be taken over by a new delivery.
func claimable(entry Entry, now time.Time) bool {
	if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
		return true
	}
	return entry.State == StatePending && !now.Before(entry.LeaseUntil)
}

func classify(entry Entry) ClaimState {
	if entry.State == StateCompleted {
		return ClaimStateCompleted
	}
	return ClaimStateInFlight
}

func documentKey(eventID string) string {
	sum := sha256.Sum256([]byte(eventID))
	return hex.EncodeToString(sum[:])
}
