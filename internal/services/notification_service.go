package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/repositories"
)

// DefaultSMSPrefixes lists the phone prefixes eligible for SMS notifications (Finnish numbers).
var DefaultSMSPrefixes = []string{"+358", "00358"}

// NotificationServiceDeps wires the notification service.
type NotificationServiceDeps struct {
	Publisher   NotificationPublisher
	Merchants   repositories.MerchantRepository
	SMSPrefixes []string
	Language    language.Tag
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type notificationService struct {
	publisher   NotificationPublisher
	merchants   repositories.MerchantRepository
	smsPrefixes []string
	printer     *message.Printer
	policy      *bluemonday.Policy
	now         func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

var _ NotificationService = (*notificationService)(nil)

// NewNotificationService constructs the notification service.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Publisher == nil {
		return nil, errors.New("notification service: publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	prefixes := normalisePrefixes(deps.SMSPrefixes)
	if len(prefixes) == 0 {
		prefixes = DefaultSMSPrefixes
	}
	tag := deps.Language
	if tag == language.Und {
		tag = language.Finnish
	}

	return &notificationService{
		publisher:   deps.Publisher,
		merchants:   deps.Merchants,
		smsPrefixes: prefixes,
		printer:     message.NewPrinter(tag),
		policy:      bluemonday.StrictPolicy(),
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// NotifyStatusChange enqueues an email, and an SMS for eligible phone numbers, when the order
// entered a customer-visible status. Other statuses are silent.
func (s *notificationService) NotifyStatusChange(ctx context.Context, order Order) (NotificationResult, error) {
	if !notifiableStatus(order.Status) {
		return NotificationResult{}, nil
	}

	merchantName := s.merchantName(ctx, order.MerchantID)
	subject, text := s.compose(order, merchantName)
	now := s.now()

	var (
		result NotificationResult
		errs   []error
	)
	if email := strings.TrimSpace(order.Customer.Email); email != "" {
		msg := NotificationMessage{
			ID:          s.newID(),
			Channel:     NotificationChannelEmail,
			OrderID:     order.ID,
			MerchantID:  order.MerchantID,
			OrderStatus: order.Status,
			Recipient:   email,
			Subject:     subject,
			Body:        "<p>" + html.EscapeString(text) + "</p>",
			QueuedAt:    now,
		}
		if err := s.publish(ctx, msg); err != nil {
			errs = append(errs, err)
		} else {
			result.Messages = append(result.Messages, msg)
		}
	}

	if phone, ok := s.smsRecipient(order.Customer.Phone); ok {
		msg := NotificationMessage{
			ID:          s.newID(),
			Channel:     NotificationChannelSMS,
			OrderID:     order.ID,
			MerchantID:  order.MerchantID,
			OrderStatus: order.Status,
			Recipient:   phone,
			Body:        text,
			QueuedAt:    now,
		}
		if err := s.publish(ctx, msg); err != nil {
			errs = append(errs, err)
		} else {
			result.Messages = append(result.Messages, msg)
		}
	}

	return result, errors.Join(errs...)
}

func (s *notificationService) publish(ctx context.Context, msg NotificationMessage) error {
	messageID, err := s.publisher.PublishNotification(ctx, msg)
	if err != nil {
		s.logger(ctx, "notifications.publish_failed", map[string]any{
			"orderId": msg.OrderID,
			"channel": string(msg.Channel),
			"error":   err.Error(),
		})
		return fmt.Errorf("publish %s notification: %w", msg.Channel, err)
	}
	s.logger(ctx, "notifications.queued", map[string]any{
		"orderId":   msg.OrderID,
		"channel":   string(msg.Channel),
		"status":    string(msg.OrderStatus),
		"messageId": messageID,
	})
	return nil
}

func (s *notificationService) merchantName(ctx context.Context, merchantID string) string {
	if s.merchants == nil || strings.TrimSpace(merchantID) == "" {
		return ""
	}
	merchant, err := s.merchants.Get(ctx, merchantID)
	if err != nil {
		if !isRepoNotFound(err) {
			s.logger(ctx, "notifications.merchant_lookup_failed", map[string]any{
				"merchantId": merchantID,
				"error":      err.Error(),
			})
		}
		return ""
	}
	return merchant.Name
}

// compose returns a subject and a plain-text body. Names come from customers and merchants, so
// they are stripped of markup before use.
func (s *notificationService) compose(order Order, merchantName string) (string, string) {
	number := order.DisplayNumber
	if number == "" {
		number = order.ID
	}
	customer := s.clean(order.Customer.Name)
	merchant := s.clean(merchantName)
	if merchant == "" {
		merchant = "the restaurant"
	}
	greeting := "Hello"
	if customer != "" {
		greeting = "Hello " + customer
	}

	switch order.Status {
	case domain.OrderStatusAccepted:
		charged := order.TotalAmount
		if order.CapturedAmount != nil {
			charged = *order.CapturedAmount
		}
		return fmt.Sprintf("Order %s accepted", number),
			fmt.Sprintf("%s, your order %s at %s has been accepted. Amount charged: %s.", greeting, number, merchant, s.formatMoney(charged, order.Currency))
	case domain.OrderStatusRejected:
		return fmt.Sprintf("Order %s could not be accepted", number),
			fmt.Sprintf("%s, unfortunately %s could not accept your order %s. %s", greeting, merchant, number, s.rejectedPayment(order))
	default:
		ready := "is ready for pickup"
		if order.Fulfilment == domain.FulfilmentShipping {
			ready = "is ready and on its way"
		}
		return fmt.Sprintf("Order %s is ready", number),
			fmt.Sprintf("%s, your order %s from %s %s.", greeting, number, merchant, ready)
	}
}

// rejectedPayment tells the customer what happened to their money on a rejected order.
func (s *notificationService) rejectedPayment(order Order) string {
	switch {
	case order.RefundedAmount > 0:
		return fmt.Sprintf("A refund of %s has been issued to your payment method.", s.formatMoney(order.RefundedAmount, order.Currency))
	case order.PaymentStatus == domain.PaymentStatusCaptured:
		charged := order.TotalAmount
		if order.CapturedAmount != nil {
			charged = *order.CapturedAmount
		}
		return fmt.Sprintf("The payment of %s will be refunded to your payment method.", s.formatMoney(charged, order.Currency))
	case order.PaymentStatus == domain.PaymentStatusCanceled:
		reserved := order.AuthorizedAmount
		if reserved == 0 {
			reserved = order.TotalAmount
		}
		return fmt.Sprintf("The reserved payment of %s has been released.", s.formatMoney(reserved, order.Currency))
	default:
		return "You have not been charged."
	}
}

func (s *notificationService) clean(value string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(value)))
}

func (s *notificationService) formatMoney(amount int64, code string) string {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return fmt.Sprintf("%d %s", amount, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	value := float64(amount) / math.Pow10(scale)
	return s.printer.Sprint(currency.Symbol(unit.Amount(value)))
}

func (s *notificationService) smsRecipient(phone string) (string, bool) {
	normalised := normalisePhone(phone)
	if normalised == "" {
		return "", false
	}
	for _, prefix := range s.smsPrefixes {
		if strings.HasPrefix(normalised, prefix) {
			return normalised, true
		}
	}
	return "", false
}

func normalisePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalisePrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		if p := normalisePhone(prefix); p != "" {
			out = append(out, p)
		}
	}
	return out
}
