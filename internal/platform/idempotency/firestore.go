package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultCollection  = "webhook_events"
	defaultMaxAttempts = 5
	defaultCleanupSize = 100
)

// FirestoreOption customises the FirestoreLedger behaviour.
type FirestoreOption func(*FirestoreLedger)

// WithCollection overrides the collection name used to store ledger entries.
func WithCollection(name string) FirestoreOption {
	return func(ledger *FirestoreLedger) {
		if name != "" {
			ledger.collection = name
		}
	}
}

// WithMaxAttempts configures the transaction retry attempts.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(ledger *FirestoreLedger) {
		if attempts > 0 {
			ledger.maxAttempts = attempts
		}
	}
}

// FirestoreLedger implements Ledger backed by Google Cloud Firestore.
type FirestoreLedger struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

var _ Ledger = (*FirestoreLedger)(nil)

// NewFirestoreLedger constructs a Firestore-backed ledger.
func NewFirestoreLedger(client *firestore.Client, opts ...FirestoreOption) *FirestoreLedger {
	ledger := &FirestoreLedger{
		client:      client,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}
	return ledger
}

func (l *FirestoreLedger) ref(eventID string) *firestore.DocumentRef {
	return l.client.Collection(l.collection).Doc(documentKey(eventID))
}

// Claim inserts a pending entry inside a transaction so concurrent deliveries of the same event
// id serialise on the document.
func (l *FirestoreLedger) Claim(ctx context.Context, eventID, eventType string, now time.Time, lease time.Duration) (Claim, error) {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return Claim{}, err
	}
	now = now.UTC()
	lease = leaseOrDefault(lease)
	ref := l.ref(eventID)

	var result Claim
	err = l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var record firestoreEntry
			if err := snap.DataTo(&record); err != nil {
				return err
			}
			existing := record.toEntry()
			if !claimable(existing, now) {
				result = Claim{State: classify(existing), Entry: existing}
				return nil
			}
		}

		entry := pendingEntry(eventID, eventType, now, lease)
		if err := tx.Set(ref, fromEntry(entry)); err != nil {
			return err
		}
		result = Claim{State: ClaimStateNew, Entry: entry}
		return nil
	}, firestore.MaxAttempts(l.maxAttempts))
	if err != nil {
		return Claim{}, err
	}
	return result, nil
}

// Complete marks the claimed event as processed.
func (l *FirestoreLedger) Complete(ctx context.Context, eventID string, now time.Time, ttl time.Duration) error {
	eventID, err := normalizeEventID(eventID)
	if err != nil {
		return err
	}
	now = now.UTC()
	expires := now.Add(ttlOrDefault(ttl))

	_, err = l.ref(eventID).Update(ctx, []firestore.Update{
		{Path: "state", Value: string(StateCompleted)},
		{Path: "completed_at", Value: now},
		{Path: "lease_until", Value: nil},
		{Path: "expires_at", Value: expires},
	}, firestore.Exists)
	if status.Code(err) == codes.NotFound {
		return ErrNotClaimed
	}
	return err
}

// Release removes a pending claim to allow the next delivery to retry. Completed entries are
// left untouched.
func (l *FirestoreLedger) Release(ctx context.Context, eventID string) error {
	ref := l.ref(eventID)
	return l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var record firestoreEntry
		if err := snap.DataTo(&record); err != nil {
			return err
		}
		if State(record.State) != StatePending {
			return nil
		}
		return tx.Delete(ref)
	}, firestore.MaxAttempts(l.maxAttempts))
}

// CleanupExpired removes expired entries up to the provided limit.
func (l *FirestoreLedger) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	if limit <= 0 {
		limit = defaultCleanupSize
	}

	query := l.client.Collection(l.collection).Where("expires_at", "<=", now).Limit(limit)
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	writer := l.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := writer.Delete(doc.Ref)
		if err != nil {
			writer.End()
			return 0, err
		}
		jobs = append(jobs, job)
	}
	writer.End()

	removed := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

type firestoreEntry struct {
	EventID     string     `firestore:"event_id"`
	EventType   string     `firestore:"event_type"`
	State       string     `firestore:"state"`
	ReceivedAt  time.Time  `firestore:"received_at"`
	LeaseUntil  *time.Time `firestore:"lease_until"`
	CompletedAt *time.Time `firestore:"completed_at"`
	ExpiresAt   time.Time  `firestore:"expires_at"`
}

func fromEntry(entry Entry) firestoreEntry {
	record := firestoreEntry{
		EventID:    entry.EventID,
		EventType:  entry.EventType,
		State:      string(entry.State),
		ReceivedAt: entry.ReceivedAt,
		ExpiresAt:  entry.ExpiresAt,
	}
	if !entry.LeaseUntil.IsZero() {
		lease := entry.LeaseUntil
		record.LeaseUntil = &lease
	}
	if !entry.CompletedAt.IsZero() {
		completed := entry.CompletedAt
		record.CompletedAt = &completed
	}
	return record
}

func (r firestoreEntry) toEntry() Entry {
	entry := Entry{
		EventID:    r.EventID,
		EventType:  r.EventType,
		State:      State(r.State),
		ReceivedAt: r.ReceivedAt.UTC(),
		ExpiresAt:  r.ExpiresAt.UTC(),
	}
	if r.LeaseUntil != nil {
		entry.LeaseUntil = r.LeaseUntil.UTC()
	}
	if r.CompletedAt != nil {
		entry.CompletedAt = r.CompletedAt.UTC()
	}
	return entry
}
