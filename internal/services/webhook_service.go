package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/platform/idempotency"
	"github.com/ravintola/ordersync/internal/repositories"
)

const defaultLedgerCleanupBatch = 200

// webhookHandler applies one event type. Returning nil means the event may be recorded as
// processed; a missing order is not an error.
type webhookHandler func(ctx context.Context, event payments.Event) error

// WebhookServiceDeps wires the webhook dispatcher.
type WebhookServiceDeps struct {
	Verifier    payments.WebhookVerifier
	Ledger      idempotency.Ledger
	Orders      repositories.OrderRepository
	Merchants   repositories.MerchantRepository
	Archive     WebhookArchive
	Cache       OrderStatusCache
	Publisher   OrderEventPublisher
	Events      EventSink
	LedgerTTL   time.Duration
	LedgerLease time.Duration
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	verifier  payments.WebhookVerifier
	ledger    idempotency.Ledger
	orders    repositories.OrderRepository
	merchants repositories.MerchantRepository
	archive   WebhookArchive
	sync      *orderSync
	events    EventSink
	ttl       time.Duration
	lease     time.Duration
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
	handlers  map[string]webhookHandler
}

var _ WebhookService = (*webhookService)(nil)

// NewWebhookService constructs the dispatcher and its handler table.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Verifier == nil {
		return nil, errors.New("webhook service: verifier is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("webhook service: ledger is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order repository is required")
	}
	if deps.Merchants == nil {
		return nil, errors.New("webhook service: merchant repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	svc := &webhookService{
		verifier:  deps.Verifier,
		ledger:    deps.Ledger,
		orders:    deps.Orders,
		merchants: deps.Merchants,
		archive:   deps.Archive,
		sync: newOrderSync(orderSyncDeps{
			Orders:    deps.Orders,
			Cache:     deps.Cache,
			Publisher: deps.Publisher,
			Events:    deps.Events,
			Clock:     clock,
			Logger:    logger,
		}),
		events: deps.Events,
		ttl:    deps.LedgerTTL,
		lease:  deps.LedgerLease,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}
	svc.handlers = svc.handlerTable()
	return svc, nil
}

// HandleWebhook verifies, deduplicates and dispatches one delivery. Verification failures never
// touch the ledger. A handler error releases the claim so the processor's retry runs it again.
func (s *webhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	event, err := s.verifier.Verify(payload, signature)
	if err != nil {
		s.logger(ctx, "webhooks.rejected", map[string]any{"error": err.Error()})
		emit(ctx, s.events, LifecycleEvent{Name: "webhook.rejected", Outcome: "invalid", Fields: map[string]any{"error": err.Error()}})
		return WebhookResult{}, err
	}
	result := WebhookResult{EventID: event.ID, EventType: event.Type}
	now := s.now()

	s.archivePayload(ctx, event, now, payload)

	claim, err := s.ledger.Claim(ctx, event.ID, event.Type, now, s.lease)
	if err != nil {
		return result, fmt.Errorf("webhooks: claim %s: %w", event.ID, err)
	}
	switch claim.State {
	case idempotency.ClaimStateCompleted:
		result.Duplicate = true
		s.record(ctx, event, "duplicate", nil)
		return result, nil
	case idempotency.ClaimStateInFlight:
		s.record(ctx, event, "in_flight", nil)
		return result, fmt.Errorf("%w: %s", ErrEventInFlight, event.ID)
	}

	handler, ok := s.handlers[event.Type]
	if !ok {
		s.logger(ctx, "webhooks.unhandled", map[string]any{"eventId": event.ID, "type": event.Type})
	} else if err := handler(ctx, event); err != nil {
		s.release(ctx, event.ID)
		s.record(ctx, event, "failed", map[string]any{"error": err.Error()})
		return result, err
	}

	if err := s.ledger.Complete(ctx, event.ID, s.now(), s.ttl); err != nil {
		s.release(ctx, event.ID)
		s.record(ctx, event, "ledger_failed", map[string]any{"error": err.Error()})
		return result, fmt.Errorf("webhooks: complete %s: %w", event.ID, err)
	}

	result.Handled = ok
	outcome := "processed"
	if !ok {
		outcome = "ignored"
	}
	s.record(ctx, event, outcome, nil)
	return result, nil
}

// CleanupLedger removes expired ledger entries.
func (s *webhookService) CleanupLedger(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultLedgerCleanupBatch
	}
	removed, err := s.ledger.CleanupExpired(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger(ctx, "webhooks.ledger.cleanup", map[string]any{"removed": removed})
	}
	return removed, nil
}

func (s *webhookService) release(ctx context.Context, eventID string) {
	if err := s.ledger.Release(ctx, eventID); err != nil {
		s.logger(ctx, "webhooks.ledger.release_failed", map[string]any{
			"eventId": eventID,
			"error":   err.Error(),
		})
	}
}

func (s *webhookService) archivePayload(ctx context.Context, event payments.Event, receivedAt time.Time, payload []byte) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Archive(ctx, event.ID, receivedAt, payload); err != nil {
		s.logger(ctx, "webhooks.archive_failed", map[string]any{
			"eventId": event.ID,
			"error":   err.Error(),
		})
	}
}

func (s *webhookService) record(ctx context.Context, event payments.Event, outcome string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = event.Type
	s.logger(ctx, "webhooks."+outcome, map[string]any{
		"eventId": event.ID,
		"type":    event.Type,
	})
	emit(ctx, s.events, LifecycleEvent{
		Name:    "webhook.delivery",
		EventID: event.ID,
		Outcome: outcome,
		Fields:  fields,
	})
}
