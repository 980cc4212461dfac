package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ravintola/ordersync/internal/repositories"
)

// CounterRepository implements repositories.CounterRepository with a single upsert per increment.
type CounterRepository struct {
	db *pgxpool.Pool
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs a pgx-backed counter repository.
func NewCounterRepository(db *pgxpool.Pool) (*CounterRepository, error) {
	if db == nil {
		return nil, errors.New("counter repository requires postgres pool")
	}
	return &CounterRepository{db: db}, nil
}

// Next increments counterID by step (or the stored step when step is zero) and returns the value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}

	var value int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO counters (id, current_value, step, updated_at)
		VALUES ($1, GREATEST($2::bigint, 1), GREATEST($2::bigint, 1), now())
		ON CONFLICT (id) DO UPDATE SET
			current_value = counters.current_value + CASE WHEN $2::bigint > 0 THEN $2::bigint ELSE GREATEST(counters.step, 1) END,
			updated_at = now()
		WHERE counters.max_value IS NULL
			OR counters.current_value + CASE WHEN $2::bigint > 0 THEN $2::bigint ELSE GREATEST(counters.step, 1) END <= counters.max_value
		RETURNING current_value`, id, step).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("counter %s exceeded max value", id), nil)
	}
	if err != nil {
		return 0, wrapError("counters.next", err)
	}
	return value, nil
}

// Configure sets step, max value, or current value for a counter, creating it when absent.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	var step *int64
	if cfg.Step > 0 {
		step = &cfg.Step
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO counters (id, current_value, step, max_value, updated_at)
		VALUES ($1, COALESCE($2::bigint, 0), COALESCE($3::bigint, 1), $4::bigint, now())
		ON CONFLICT (id) DO UPDATE SET
			current_value = COALESCE($2, counters.current_value),
			step = COALESCE($3, counters.step),
			max_value = COALESCE($4, counters.max_value),
			updated_at = now()`, id, cfg.InitialValue, step, cfg.MaxValue)
	return wrapError("counters.configure", err)
}
