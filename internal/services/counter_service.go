package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ravintola/ordersync/internal/repositories"
)

var (
	// ErrCounterInvalidInput indicates the merchant id was missing or malformed.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted is returned when the sequence could not be rolled over.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

const (
	displayNumberDigits = 6
	displayNumberMax    = 999999
	displayCounterScope = "display"
)

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type counterService struct {
	repo   repositories.CounterRepository
	logger func(ctx context.Context, event string, fields map[string]any)

	mu         sync.Mutex
	configured map[string]bool
}

// NewCounterService issues per-merchant order display numbers.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &counterService{
		repo:       deps.Repository,
		logger:     logger,
		configured: make(map[string]bool),
	}, nil
}

// NextDisplayNumber returns the merchant's next order number, zero-padded to six digits. The
// sequence restarts at 000001 after 999999.
func (s *counterService) NextDisplayNumber(ctx context.Context, merchantID string) (string, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return "", fmt.Errorf("%w: merchant id is required", ErrCounterInvalidInput)
	}
	if strings.Contains(merchantID, "/") {
		return "", fmt.Errorf("%w: merchant id must not contain '/'", ErrCounterInvalidInput)
	}
	counterID := displayCounterScope + ":" + merchantID

	if err := s.ensureBounded(ctx, counterID); err != nil {
		return "", err
	}

	value, err := s.repo.Next(ctx, counterID, 1)
	if code, ok := repositories.CounterErrorCodeOf(err); ok && code == repositories.CounterErrorExhausted {
		s.logger(ctx, "counter.rollover", map[string]any{"merchantId": merchantID})
		value, err = s.rollover(ctx, counterID)
	}
	if err != nil {
		return "", mapCounterError(err)
	}
	return fmt.Sprintf("%0*d", displayNumberDigits, value), nil
}

func (s *counterService) ensureBounded(ctx context.Context, counterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configured[counterID] {
		return nil
	}
	limit := int64(displayNumberMax)
	if err := s.repo.Configure(ctx, counterID, repositories.CounterConfig{Step: 1, MaxValue: &limit}); err != nil {
		return mapCounterError(err)
	}
	s.configured[counterID] = true
	return nil
}

func (s *counterService) rollover(ctx context.Context, counterID string) (int64, error) {
	var zero int64
	if err := s.repo.Configure(ctx, counterID, repositories.CounterConfig{InitialValue: &zero}); err != nil {
		return 0, err
	}
	value, err := s.repo.Next(ctx, counterID, 1)
	if code, ok := repositories.CounterErrorCodeOf(err); ok && code == repositories.CounterErrorExhausted {
		return 0, fmt.Errorf("%w: %s", ErrCounterExhausted, counterID)
	}
	return value, err
}

func mapCounterError(err error) error {
	code, ok := repositories.CounterErrorCodeOf(err)
	if !ok {
		return err
	}
	switch code {
	case repositories.CounterErrorInvalidInput:
		return fmt.Errorf("%w: %v", ErrCounterInvalidInput, err)
	case repositories.CounterErrorExhausted:
		return fmt.Errorf("%w: %v", ErrCounterExhausted, err)
	}
	return err
}
