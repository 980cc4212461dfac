package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/repositories"
)

const orderColumns = `id, display_number, merchant_id, customer, fulfilment, delivery_address, items,
	currency, subtotal, shipping_cost, total_amount, status, payment_status, payment_ref,
	authorization_ref, authorized_amount, captured_amount, captured_at, refunded_amount,
	created_at, updated_at`

type customerJSON struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type addressJSON struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	PostalCode string `json:"postalCode"`
	City       string `json:"city"`
	Country    string `json:"country"`
}

type lineItemJSON struct {
	ProductID string       `json:"productId"`
	Name      string       `json:"name"`
	UnitPrice int64        `json:"unitPrice"`
	Quantity  int64        `json:"quantity"`
	Options   []optionJSON `json:"options,omitempty"`
}

type optionJSON struct {
	Name       string `json:"name"`
	PriceDelta int64  `json:"priceDelta"`
}

// OrderRepository implements repositories.OrderRepository on PostgreSQL. Conditional updates lock
// the row with SELECT ... FOR UPDATE so the check and the write share one transaction.
type OrderRepository struct {
	db *pgxpool.Pool
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a pgx-backed order repository.
func NewOrderRepository(db *pgxpool.Pool) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("order repository requires postgres pool")
	}
	return &OrderRepository{db: db}, nil
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	args, err := orderArgs(order)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`, args...)
	return wrapError("orders.create", err)
}

func (r *OrderRepository) GetByID(ctx context.Context, orderID string) (domain.Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, strings.TrimSpace(orderID))
	order, err := scanOrder(row)
	return order, wrapError("orders.get", err)
}

func (r *OrderRepository) GetByAuthorizationRef(ctx context.Context, authorizationRef string) (domain.Order, error) {
	ref := strings.TrimSpace(authorizationRef)
	if ref == "" {
		return domain.Order{}, wrapError("orders.get_by_authorization_ref", pgx.ErrNoRows)
	}
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE authorization_ref = $1 LIMIT 1`, ref)
	order, err := scanOrder(row)
	return order, wrapError("orders.get_by_authorization_ref", err)
}

func (r *OrderRepository) GetByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error) {
	ref := strings.TrimSpace(paymentRef)
	if ref == "" {
		return domain.Order{}, wrapError("orders.get_by_payment_ref", pgx.ErrNoRows)
	}
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_ref = $1 LIMIT 1`, ref)
	order, err := scanOrder(row)
	return order, wrapError("orders.get_by_payment_ref", err)
}

func (r *OrderRepository) ConditionalUpdate(ctx context.Context, orderID string, cond repositories.OrderCondition, upd repositories.OrderUpdate) (domain.Order, error) {
	const op = "orders.conditional_update"
	id := strings.TrimSpace(orderID)

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	if !cond.Matches(current) {
		return domain.Order{}, repositories.NewStoreError(op, repositories.StoreErrorConflict,
			fmt.Errorf("%w: order %s is %s/%s", repositories.ErrConditionFailed, id, current.Status, current.PaymentStatus))
	}
	if upd.UpdatedAt.IsZero() {
		upd.UpdatedAt = time.Now()
	}
	upd.Apply(&current)

	_, err = tx.Exec(ctx, `UPDATE orders SET
			status = $2, payment_status = $3, payment_ref = $4, authorization_ref = $5,
			authorized_amount = $6, captured_amount = $7, captured_at = $8, refunded_amount = $9,
			updated_at = $10
		WHERE id = $1`,
		id, string(current.Status), string(current.PaymentStatus), current.PaymentRef, current.AuthorizationRef,
		current.AuthorizedAmount, current.CapturedAmount, current.CapturedAt, current.RefundedAmount,
		current.UpdatedAt)
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	return current, nil
}

func orderArgs(order domain.Order) ([]any, error) {
	customer, err := json.Marshal(customerJSON{Name: order.Customer.Name, Email: order.Customer.Email, Phone: order.Customer.Phone})
	if err != nil {
		return nil, fmt.Errorf("orders: encode customer: %w", err)
	}
	var address []byte
	if a := order.DeliveryAddress; a != nil {
		address, err = json.Marshal(addressJSON{
			Recipient: a.Recipient, Line1: a.Line1, Line2: a.Line2,
			PostalCode: a.PostalCode, City: a.City, Country: a.Country,
		})
		if err != nil {
			return nil, fmt.Errorf("orders: encode address: %w", err)
		}
	}
	items := make([]lineItemJSON, 0, len(order.Items))
	for _, item := range order.Items {
		entry := lineItemJSON{ProductID: item.ProductID, Name: item.Name, UnitPrice: item.UnitPrice, Quantity: item.Quantity}
		for _, opt := range item.Options {
			entry.Options = append(entry.Options, optionJSON{Name: opt.Name, PriceDelta: opt.PriceDelta})
		}
		items = append(items, entry)
	}
	itemsRaw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("orders: encode items: %w", err)
	}

	return []any{
		order.ID, order.DisplayNumber, order.MerchantID, customer, string(order.Fulfilment), address, itemsRaw,
		order.Currency, order.Subtotal, order.ShippingCost, order.TotalAmount, string(order.Status),
		string(order.PaymentStatus), order.PaymentRef, order.AuthorizationRef, order.AuthorizedAmount,
		order.CapturedAmount, order.CapturedAt, order.RefundedAmount, order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
	}, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order                       domain.Order
		customerRaw, addressRaw     []byte
		itemsRaw                    []byte
		fulfilment, status, payment string
	)
	err := row.Scan(
		&order.ID, &order.DisplayNumber, &order.MerchantID, &customerRaw, &fulfilment, &addressRaw, &itemsRaw,
		&order.Currency, &order.Subtotal, &order.ShippingCost, &order.TotalAmount, &status, &payment,
		&order.PaymentRef, &order.AuthorizationRef, &order.AuthorizedAmount, &order.CapturedAmount,
		&order.CapturedAt, &order.RefundedAmount, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.Fulfilment = domain.FulfilmentType(fulfilment)
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(payment)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	if order.CapturedAt != nil {
		at := order.CapturedAt.UTC()
		order.CapturedAt = &at
	}

	var customer customerJSON
	if err := json.Unmarshal(customerRaw, &customer); err != nil {
		return domain.Order{}, fmt.Errorf("orders: decode customer: %w", err)
	}
	order.Customer = domain.Customer{Name: customer.Name, Email: customer.Email, Phone: customer.Phone}

	if len(addressRaw) > 0 {
		var a addressJSON
		if err := json.Unmarshal(addressRaw, &a); err != nil {
			return domain.Order{}, fmt.Errorf("orders: decode address: %w", err)
		}
		order.DeliveryAddress = &domain.Address{
			Recipient: a.Recipient, Line1: a.Line1, Line2: a.Line2,
			PostalCode: a.PostalCode, City: a.City, Country: a.Country,
		}
	}

	var items []lineItemJSON
	if err := json.Unmarshal(itemsRaw, &items); err != nil {
		return domain.Order{}, fmt.Errorf("orders: decode items: %w", err)
	}
	for _, item := range items {
		entry := domain.OrderLineItem{ProductID: item.ProductID, Name: item.Name, UnitPrice: item.UnitPrice, Quantity: item.Quantity}
		for _, opt := range item.Options {
			entry.Options = append(entry.Options, domain.OrderOption{Name: opt.Name, PriceDelta: opt.PriceDelta})
		}
		order.Items = append(order.Items, entry)
	}
	return order, nil
}
