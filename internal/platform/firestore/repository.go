package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot together with its id and last update time.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// BaseRepository binds a document type to one collection. Operation names in errors are
// "<collection>.<action>".
type BaseRepository[T any] struct {
	provider   *Provider
	collection string
}

// NewBaseRepository constructs a BaseRepository bound to a collection.
func NewBaseRepository[T any](provider *Provider, collection string) *BaseRepository[T] {
	return &BaseRepository[T]{provider: provider, collection: strings.TrimSpace(collection)}
}

// Create writes value under id. An existing document yields a conflict.
func (r *BaseRepository[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, value)
	return WrapError(r.op("create"), err)
}

// Update applies field updates. Pass firestore.Exists to turn a missing document into not found
// instead of a silent create.
func (r *BaseRepository[T]) Update(ctx context.Context, id string, updates []firestore.Update, preconditions ...firestore.Precondition) error {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, updates, preconditions...)
	return WrapError(r.op("update"), err)
}

func (r *BaseRepository[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := r.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(r.op("get"), err)
	}
	return r.Decode(snapshot)
}

// FindOne returns the first document whose field equals value, or a not-found error. Lookups by
// processor reference rely on the reference being unique.
func (r *BaseRepository[T]) FindOne(ctx context.Context, field string, value any) (Document[T], error) {
	client, err := r.client(ctx)
	if err != nil {
		return Document[T]{}, err
	}
	iter := client.Collection(r.collection).
		WhereEntity(firestore.PropertyFilter{Path: field, Operator: "==", Value: value}).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snapshot, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return Document[T]{}, NewNotFoundError(r.op("find"), fmt.Errorf("no document with %s", field))
	}
	if err != nil {
		return Document[T]{}, WrapError(r.op("find"), err)
	}
	return r.Decode(snapshot)
}

// DocumentRef returns the reference for id, for use inside transactions.
func (r *BaseRepository[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "/") {
		return nil, WrapError(r.op("document"), fmt.Errorf("firestore: invalid document id %q", id))
	}
	client, err := r.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(r.collection).Doc(id), nil
}

// Decode converts a snapshot read elsewhere, typically through a transaction.
func (r *BaseRepository[T]) Decode(snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snapshot.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s/%s: %w", r.collection, snapshot.Ref.ID, err)
	}
	return Document[T]{ID: snapshot.Ref.ID, Data: data, UpdateTime: snapshot.UpdateTime}, nil
}

func (r *BaseRepository[T]) client(ctx context.Context) (*firestore.Client, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("firestore: repository has no provider")
	}
	if r.collection == "" {
		return nil, errors.New("firestore: collection name is required")
	}
	return r.provider.Client(ctx)
}

func (r *BaseRepository[T]) op(action string) string {
	return r.collection + "." + action
}
