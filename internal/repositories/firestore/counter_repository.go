package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/ravintola/ordersync/internal/platform/firestore"
	"github.com/ravintola/ordersync/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	Step         int64     `firestore:"step"`
	MaxValue     *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// advance returns the document after one increment. step <= 0 uses the stored step.
func (d counterDocument) advance(id string, step int64) (counterDocument, error) {
	if step <= 0 {
		step = max(d.Step, 1)
	}
	value := d.CurrentValue + step
	if d.MaxValue != nil && value > *d.MaxValue {
		return d, repositories.NewCounterError(repositories.CounterErrorExhausted,
			fmt.Sprintf("counter %s exceeded max value %d", id, *d.MaxValue), nil)
	}
	d.CurrentValue = value
	d.Step = step
	return d, nil
}

// CounterRepository keeps one document per counter and increments it transactionally.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDocument]
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewBaseRepository[counterDocument](provider, countersCollection),
	}, nil
}

// Next increments the counter and returns the new value. A missing counter is created at step.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id, err := counterDocumentID(counterID)
	if err != nil {
		return 0, err
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}

	var next counterDocument
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		var current counterDocument
		exists := true
		snapshot, err := tx.Get(ref)
		switch {
		case err == nil:
			decoded, err := r.counters.Decode(snapshot)
			if err != nil {
				return err
			}
			current = decoded.Data
		case repositories.IsNotFound(pfirestore.WrapError("counters.get", err)):
			exists = false
		default:
			return err
		}

		next, err = current.advance(id, step)
		if err != nil {
			return err
		}
		next.UpdatedAt = time.Now().UTC()
		if !exists {
			// a concurrent first increment makes this conflict and the transaction retries
			return tx.Create(ref, next)
		}
		return tx.Set(ref, next)
	})
	if err != nil {
		if _, ok := repositories.CounterErrorCodeOf(err); ok {
			return 0, err
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return next.CurrentValue, nil
}

// Configure merges the set fields of cfg into the counter, creating it when absent.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	id, err := counterDocumentID(counterID)
	if err != nil {
		return err
	}
	fields := map[string]any{"updatedAt": time.Now().UTC()}
	if cfg.Step > 0 {
		fields["step"] = cfg.Step
	}
	if cfg.MaxValue != nil {
		fields["maxValue"] = *cfg.MaxValue
	}
	if cfg.InitialValue != nil {
		fields["currentValue"] = *cfg.InitialValue
	}

	ref, err := r.counters.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, fields, firestore.MergeAll)
	return pfirestore.WrapError("counters.configure", err)
}

// Document ids cannot contain slashes; display counters are "display:<merchantId>".
func counterDocumentID(counterID string) (string, error) {
	id := strings.TrimSpace(counterID)
	switch {
	case id == "":
		return "", repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	case strings.Contains(id, "/"):
		return "", repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id must not contain '/'", nil)
	}
	return id, nil
}
