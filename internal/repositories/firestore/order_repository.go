package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/ravintola/ordersync/internal/domain"
	pfirestore "github.com/ravintola/ordersync/internal/platform/firestore"
	"github.com/ravintola/ordersync/internal/repositories"
)

const ordersCollection = "orders"

type orderDocument struct {
	DisplayNumber    string             `firestore:"displayNumber"`
	MerchantID       string             `firestore:"merchantId"`
	Customer         customerDocument   `firestore:"customer"`
	Fulfilment       string             `firestore:"fulfilment"`
	DeliveryAddress  *addressDocument   `firestore:"deliveryAddress,omitempty"`
	Items            []lineItemDocument `firestore:"items"`
	Currency         string             `firestore:"currency"`
	Subtotal         int64              `firestore:"subtotal"`
	ShippingCost     *int64             `firestore:"shippingCost,omitempty"`
	TotalAmount      int64              `firestore:"totalAmount"`
	Status           string             `firestore:"status"`
	PaymentStatus    string             `firestore:"paymentStatus"`
	PaymentRef       string             `firestore:"paymentRef,omitempty"`
	AuthorizationRef string             `firestore:"authorizationRef,omitempty"`
	AuthorizedAmount int64              `firestore:"authorizedAmount"`
	CapturedAmount   *int64             `firestore:"capturedAmount,omitempty"`
	CapturedAt       *time.Time         `firestore:"capturedAt,omitempty"`
	RefundedAmount   int64              `firestore:"refundedAmount"`
	CreatedAt        time.Time          `firestore:"createdAt"`
	UpdatedAt        time.Time          `firestore:"updatedAt"`
}

type customerDocument struct {
	Name  string `firestore:"name"`
	Email string `firestore:"email"`
	Phone string `firestore:"phone,omitempty"`
}

type addressDocument struct {
	Recipient  string `firestore:"recipient"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	PostalCode string `firestore:"postalCode"`
	City       string `firestore:"city"`
	Country    string `firestore:"country"`
}

type lineItemDocument struct {
	ProductID string           `firestore:"productId"`
	Name      string           `firestore:"name"`
	UnitPrice int64            `firestore:"unitPrice"`
	Quantity  int64            `firestore:"quantity"`
	Options   []optionDocument `firestore:"options,omitempty"`
}

type optionDocument struct {
	Name       string `firestore:"name"`
	PriceDelta int64  `firestore:"priceDelta"`
}

// OrderRepository implements repositories.OrderRepository on Firestore. Conditional updates run
// in a read-modify-write transaction so concurrent webhook handlers serialise per order document.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
	}, nil
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	return r.orders.Create(ctx, id, encodeOrder(order))
}

func (r *OrderRepository) GetByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

func (r *OrderRepository) GetByAuthorizationRef(ctx context.Context, authorizationRef string) (domain.Order, error) {
	return r.findBy(ctx, "authorizationRef", authorizationRef)
}

func (r *OrderRepository) GetByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error) {
	return r.findBy(ctx, "paymentRef", paymentRef)
}

func (r *OrderRepository) findBy(ctx context.Context, field, value string) (domain.Order, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Order{}, pfirestore.NewNotFoundError("orders."+field, errors.New("empty reference"))
	}
	doc, err := r.orders.FindOne(ctx, field, value)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

func (r *OrderRepository) ConditionalUpdate(ctx context.Context, orderID string, cond repositories.OrderCondition, upd repositories.OrderUpdate) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	var updated domain.Order

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := r.orders.Decode(snapshot)
		if err != nil {
			return err
		}

		current := decodeOrder(id, doc.Data)
		if !cond.Matches(current) {
			return pfirestore.NewConflictError("orders.conditional_update",
				fmt.Errorf("%w: order %s is %s/%s", repositories.ErrConditionFailed, id, current.Status, current.PaymentStatus))
		}
		if upd.UpdatedAt.IsZero() {
			upd.UpdatedAt = time.Now()
		}
		upd.Apply(&current)
		updated = current
		return tx.Set(ref, encodeOrder(current))
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		DisplayNumber: order.DisplayNumber,
		MerchantID:    order.MerchantID,
		Customer: customerDocument{
			Name:  order.Customer.Name,
			Email: order.Customer.Email,
			Phone: order.Customer.Phone,
		},
		Fulfilment:       string(order.Fulfilment),
		Currency:         order.Currency,
		Subtotal:         order.Subtotal,
		ShippingCost:     order.ShippingCost,
		TotalAmount:      order.TotalAmount,
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		PaymentRef:       order.PaymentRef,
		AuthorizationRef: order.AuthorizationRef,
		AuthorizedAmount: order.AuthorizedAmount,
		CapturedAmount:   order.CapturedAmount,
		CapturedAt:       order.CapturedAt,
		RefundedAmount:   order.RefundedAmount,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
	}
	if addr := order.DeliveryAddress; addr != nil {
		doc.DeliveryAddress = &addressDocument{
			Recipient:  addr.Recipient,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			PostalCode: addr.PostalCode,
			City:       addr.City,
			Country:    addr.Country,
		}
	}
	doc.Items = make([]lineItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		entry := lineItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		}
		for _, opt := range item.Options {
			entry.Options = append(entry.Options, optionDocument{Name: opt.Name, PriceDelta: opt.PriceDelta})
		}
		doc.Items = append(doc.Items, entry)
	}
	return doc
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:            id,
		DisplayNumber: doc.DisplayNumber,
		MerchantID:    doc.MerchantID,
		Customer: domain.Customer{
			Name:  doc.Customer.Name,
			Email: doc.Customer.Email,
			Phone: doc.Customer.Phone,
		},
		Fulfilment:       domain.FulfilmentType(doc.Fulfilment),
		Currency:         doc.Currency,
		Subtotal:         doc.Subtotal,
		ShippingCost:     doc.ShippingCost,
		TotalAmount:      doc.TotalAmount,
		Status:           domain.OrderStatus(doc.Status),
		PaymentStatus:    domain.PaymentStatus(doc.PaymentStatus),
		PaymentRef:       doc.PaymentRef,
		AuthorizationRef: doc.AuthorizationRef,
		AuthorizedAmount: doc.AuthorizedAmount,
		CapturedAmount:   doc.CapturedAmount,
		RefundedAmount:   doc.RefundedAmount,
		CreatedAt:        doc.CreatedAt.UTC(),
		UpdatedAt:        doc.UpdatedAt.UTC(),
	}
	if doc.CapturedAt != nil {
		at := doc.CapturedAt.UTC()
		order.CapturedAt = &at
	}
	if addr := doc.DeliveryAddress; addr != nil {
		order.DeliveryAddress = &domain.Address{
			Recipient:  addr.Recipient,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			PostalCode: addr.PostalCode,
			City:       addr.City,
			Country:    addr.Country,
		}
	}
	for _, item := range doc.Items {
		entry := domain.OrderLineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		}
		for _, opt := range item.Options {
			entry.Options = append(entry.Options, domain.OrderOption{Name: opt.Name, PriceDelta: opt.PriceDelta})
		}
		order.Items = append(order.Items, entry)
	}
	return order
}
