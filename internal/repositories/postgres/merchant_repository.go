package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/repositories"
)

const merchantColumns = `id, name, email, payment_account_id, payment_enabled, requirements_outstanding, payment_updated_at`

// MerchantRepository implements repositories.MerchantRepository on PostgreSQL.
type MerchantRepository struct {
	db *pgxpool.Pool
}

var _ repositories.MerchantRepository = (*MerchantRepository)(nil)

// NewMerchantRepository constructs a pgx-backed merchant repository.
func NewMerchantRepository(db *pgxpool.Pool) (*MerchantRepository, error) {
	if db == nil {
		return nil, errors.New("merchant repository requires postgres pool")
	}
	return &MerchantRepository{db: db}, nil
}

func (r *MerchantRepository) Get(ctx context.Context, merchantID string) (domain.Merchant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, strings.TrimSpace(merchantID))
	merchant, err := scanMerchant(row)
	return merchant, wrapError("merchants.get", err)
}

func (r *MerchantRepository) FindByPaymentAccountID(ctx context.Context, accountID string) (domain.Merchant, error) {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return domain.Merchant{}, wrapError("merchants.find_by_account", pgx.ErrNoRows)
	}
	row := r.db.QueryRow(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE payment_account_id = $1 LIMIT 1`, id)
	merchant, err := scanMerchant(row)
	return merchant, wrapError("merchants.find_by_account", err)
}

func (r *MerchantRepository) UpdatePaymentAccount(ctx context.Context, merchantID string, account domain.MerchantPaymentAccount) error {
	updatedAt := account.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	tag, err := r.db.Exec(ctx, `UPDATE merchants SET
			payment_account_id = $2, payment_enabled = $3, requirements_outstanding = $4, payment_updated_at = $5
		WHERE id = $1`,
		strings.TrimSpace(merchantID), account.AccountID, account.Enabled, account.RequirementsOutstanding, updatedAt.UTC())
	if err != nil {
		return wrapError("merchants.update_payment_account", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapError("merchants.update_payment_account", pgx.ErrNoRows)
	}
	return nil
}

func scanMerchant(row pgx.Row) (domain.Merchant, error) {
	var (
		merchant  domain.Merchant
		updatedAt *time.Time
	)
	err := row.Scan(&merchant.ID, &merchant.Name, &merchant.Email, &merchant.PaymentAccount.AccountID,
		&merchant.PaymentAccount.Enabled, &merchant.PaymentAccount.RequirementsOutstanding, &updatedAt)
	if err != nil {
		return domain.Merchant{}, err
	}
	if updatedAt != nil {
		merchant.PaymentAccount.UpdatedAt = updatedAt.UTC()
	}
	return merchant, nil
}
