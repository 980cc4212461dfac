package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/payments"
	"github.com/ravintola/ordersync/internal/repositories"
)

// CheckoutMode selects between marketplace split payments and direct charges.
type CheckoutMode string

const (
	// CheckoutModeMarketplace routes funds to the merchant sub-account minus the platform fee.
	CheckoutModeMarketplace CheckoutMode = "marketplace"
	// CheckoutModeDirect charges the platform account without a split.
	CheckoutModeDirect CheckoutMode = "direct"

	defaultPlatformFeeBps = 300
	basisPointsDivisor    = 10_000
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrOrderAlreadyPaid indicates the order already has a payment beyond NONE.
	ErrOrderAlreadyPaid = errors.New("checkout: order already paid")
	// ErrCheckoutOrderClosed indicates the order is no longer awaiting payment.
	ErrCheckoutOrderClosed = errors.New("checkout: order is not awaiting payment")
	// ErrPaymentAccountNotConfigured indicates the merchant has no processor sub-account.
	ErrPaymentAccountNotConfigured = errors.New("checkout: payment account not configured")
	// ErrPaymentAccountNotEnabled indicates the sub-account cannot accept charges yet.
	ErrPaymentAccountNotEnabled = errors.New("checkout: payment account not enabled")
)

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders         repositories.OrderRepository
	Merchants      repositories.MerchantRepository
	Gateway        payments.Gateway
	Shipping       ShippingPolicy
	Mode           CheckoutMode
	PlatformFeeBps int64
	Cache          OrderStatusCache
	Publisher      OrderEventPublisher
	Events         EventSink
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders    repositories.OrderRepository
	merchants repositories.MerchantRepository
	gateway   payments.Gateway
	shipping  ShippingPolicy
	mode      CheckoutMode
	feeBps    int64
	sync      *orderSync
	events    EventSink
	newKey    func() string
	logger    func(context.Context, string, map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}

	mode := deps.Mode
	if mode == "" {
		mode = CheckoutModeMarketplace
	}
	switch mode {
	case CheckoutModeMarketplace:
		if deps.Merchants == nil {
			return nil, errors.New("checkout service: merchant repository is required in marketplace mode")
		}
	case CheckoutModeDirect:
	default:
		return nil, fmt.Errorf("checkout service: unknown mode %q", mode)
	}

	feeBps := deps.PlatformFeeBps
	if feeBps == 0 {
		feeBps = defaultPlatformFeeBps
	}
	if feeBps < 0 || feeBps > basisPointsDivisor {
		return nil, fmt.Errorf("checkout service: platform fee %d bps out of range", feeBps)
	}

	newKey := deps.IDGenerator
	if newKey == nil {
		newKey = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:    deps.Orders,
		merchants: deps.Merchants,
		gateway:   deps.Gateway,
		shipping:  deps.Shipping,
		mode:      mode,
		feeBps:    feeBps,
		sync: newOrderSync(orderSyncDeps{
			Orders:    deps.Orders,
			Cache:     deps.Cache,
			Publisher: deps.Publisher,
			Events:    deps.Events,
			Clock:     deps.Clock,
			Logger:    logger,
		}),
		events: deps.Events,
		newKey: newKey,
		logger: logger,
	}, nil
}

// CreateCheckoutSession builds a manual-capture session for the order and records the session
// references once the processor accepted it.
func (s *checkoutService) CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	successURL := strings.TrimSpace(cmd.SuccessURL)
	cancelURL := strings.TrimSpace(cmd.CancelURL)
	if orderID == "" || successURL == "" || cancelURL == "" {
		return CheckoutSession{}, fmt.Errorf("%w: orderId, successUrl and cancelUrl are required", ErrCheckoutInvalidInput)
	}

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return CheckoutSession{}, s.translateOrderLoad(err)
	}
	if order.PaymentStatus != domain.PaymentStatusNone {
		return CheckoutSession{}, fmt.Errorf("%w: order %s payment is %s", ErrOrderAlreadyPaid, order.ID, order.PaymentStatus)
	}
	if order.Status != domain.OrderStatusPlaced {
		return CheckoutSession{}, fmt.Errorf("%w: order %s is %s", ErrCheckoutOrderClosed, order.ID, order.Status)
	}

	items, charged := checkoutLines(order)
	s.reconcileTotals(ctx, order, charged)

	split, err := s.split(ctx, order, charged)
	if err != nil {
		return CheckoutSession{}, err
	}

	req := payments.CheckoutSessionRequest{
		Amount:        charged,
		Currency:      order.Currency,
		CustomerEmail: order.Customer.Email,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		Items:         items,
		Metadata: map[string]string{
			"order_id":       order.ID,
			"merchant_id":    order.MerchantID,
			"display_number": order.DisplayNumber,
		},
		IdempotencyKey: "checkout:" + s.newKey(),
		Split:          split,
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		fields := map[string]any{
			"orderId":    order.ID,
			"merchantId": order.MerchantID,
			"charged":    charged,
			"stored":     order.TotalAmount,
			"mode":       string(s.mode),
			"transient":  payments.IsTransient(err),
			"error":      err.Error(),
		}
		if split != nil {
			fields["applicationFee"] = split.ApplicationFee
			fields["destination"] = split.Destination
		}
		s.logger(ctx, "checkout.session.failed", fields)
		emit(ctx, s.events, LifecycleEvent{Name: "checkout.session", OrderID: order.ID, Outcome: "gateway_failed", Fields: fields})
		return CheckoutSession{}, err
	}

	upd := repositories.OrderUpdate{PaymentRef: &session.ID}
	if session.IntentID != "" {
		upd.AuthorizationRef = &session.IntentID
	}
	_, err = s.sync.apply(ctx, order.ID, session.ID, orderChange{
		Cond: repositories.OrderCondition{
			PaymentStatuses: []PaymentStatus{domain.PaymentStatusNone},
			OrderStatuses:   []OrderStatus{domain.OrderStatusPlaced},
		},
		Update: upd,
		Event:  "checkout.session_created",
	})
	if err != nil {
		s.logger(ctx, "checkout.persist_failed", map[string]any{
			"orderId":   order.ID,
			"sessionId": session.ID,
			"error":     err.Error(),
		})
		return CheckoutSession{}, translateOrderError(err)
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"orderId":   order.ID,
		"sessionId": session.ID,
		"charged":   charged,
		"split":     split != nil,
	})

	return CheckoutSession{
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   session.ExpiresAt.UTC(),
	}, nil
}

func (s *checkoutService) translateOrderLoad(err error) error {
	switch {
	case isRepoNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	default:
		return err
	}
}

// reconcileTotals compares the stored total with the recomputed one. A mismatch is reported but
// never blocks checkout.
func (s *checkoutService) reconcileTotals(ctx context.Context, order Order, charged int64) {
	subtotal := order.ItemsSubtotal()
	expected := s.shipping.Total(subtotal, order.Fulfilment)
	if expected == order.TotalAmount && charged == order.TotalAmount {
		return
	}
	fields := map[string]any{
		"orderId":  order.ID,
		"subtotal": subtotal,
		"expected": expected,
		"charged":  charged,
		"stored":   order.TotalAmount,
	}
	s.logger(ctx, "checkout.reconciliation.mismatch", fields)
	emit(ctx, s.events, LifecycleEvent{Name: "checkout.reconciliation", OrderID: order.ID, Outcome: "mismatch", Fields: fields})
}

func (s *checkoutService) split(ctx context.Context, order Order, charged int64) (*payments.SplitPayment, error) {
	if s.mode == CheckoutModeDirect {
		return nil, nil
	}

	merchant, err := s.merchants.Get(ctx, order.MerchantID)
	if err != nil {
		if isRepoNotFound(err) {
			return nil, fmt.Errorf("%w: merchant %s not found", ErrPaymentAccountNotConfigured, order.MerchantID)
		}
		if isRepoUnavailable(err) {
			return nil, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
		return nil, err
	}
	account := merchant.PaymentAccount
	if strings.TrimSpace(account.AccountID) == "" {
		return nil, fmt.Errorf("%w: merchant %s", ErrPaymentAccountNotConfigured, merchant.ID)
	}
	if account.RequirementsOutstanding || !account.Enabled {
		return nil, fmt.Errorf("%w: merchant %s account %s", ErrPaymentAccountNotEnabled, merchant.ID, account.AccountID)
	}

	return &payments.SplitPayment{
		Destination:    account.AccountID,
		ApplicationFee: PlatformFee(charged, s.feeBps),
	}, nil
}

// PlatformFee returns total × bps / 10000 rounded half up.
func PlatformFee(total, bps int64) int64 {
	if total <= 0 || bps <= 0 {
		return 0
	}
	return (total*bps + basisPointsDivisor/2) / basisPointsDivisor
}

// checkoutLines renders one line per item with option deltas folded into the unit price and name,
// plus a shipping line when shipping costs anything.
func checkoutLines(order Order) ([]payments.CheckoutLineItem, int64) {
	items := make([]payments.CheckoutLineItem, 0, len(order.Items)+1)
	var total int64
	for _, item := range order.Items {
		name := item.Name
		if len(item.Options) > 0 {
			labels := make([]string, 0, len(item.Options))
			for _, opt := range item.Options {
				labels = append(labels, opt.Name)
			}
			name = fmt.Sprintf("%s (%s)", name, strings.Join(labels, ", "))
		}
		line := payments.CheckoutLineItem{
			Name:       name,
			Quantity:   item.Quantity,
			UnitAmount: item.EffectiveUnitPrice(),
		}
		items = append(items, line)
		total += line.UnitAmount * line.Quantity
	}
	if shipping := order.ShippingAmount(); shipping > 0 {
		items = append(items, payments.CheckoutLineItem{Name: "Shipping", Quantity: 1, UnitAmount: shipping})
		total += shipping
	}
	return items, total
}
