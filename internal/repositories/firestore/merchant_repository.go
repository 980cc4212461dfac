package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/ravintola/ordersync/internal/domain"
	pfirestore "github.com/ravintola/ordersync/internal/platform/firestore"
	"github.com/ravintola/ordersync/internal/repositories"
)

const merchantsCollection = "merchants"

type merchantDocument struct {
	Name           string                 `firestore:"name"`
	Email          string                 `firestore:"email"`
	PaymentAccount paymentAccountDocument `firestore:"paymentAccount"`
}

type paymentAccountDocument struct {
	AccountID               string    `firestore:"accountId"`
	Enabled                 bool      `firestore:"enabled"`
	RequirementsOutstanding bool      `firestore:"requirementsOutstanding"`
	UpdatedAt               time.Time `firestore:"updatedAt"`
}

// MerchantRepository reads merchant locations. Only the payment account sub-document is ever
// written from here.
type MerchantRepository struct {
	merchants *pfirestore.BaseRepository[merchantDocument]
}

var _ repositories.MerchantRepository = (*MerchantRepository)(nil)

// NewMerchantRepository constructs a Firestore-backed merchant repository.
func NewMerchantRepository(provider *pfirestore.Provider) (*MerchantRepository, error) {
	if provider == nil {
		return nil, errors.New("merchant repository requires firestore provider")
	}
	return &MerchantRepository{
		merchants: pfirestore.NewBaseRepository[merchantDocument](provider, merchantsCollection),
	}, nil
}

func (r *MerchantRepository) Get(ctx context.Context, merchantID string) (domain.Merchant, error) {
	doc, err := r.merchants.Get(ctx, strings.TrimSpace(merchantID))
	if err != nil {
		return domain.Merchant{}, err
	}
	return decodeMerchant(doc.ID, doc.Data), nil
}

func (r *MerchantRepository) FindByPaymentAccountID(ctx context.Context, accountID string) (domain.Merchant, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Merchant{}, pfirestore.NewNotFoundError("merchants.find_by_account", errors.New("empty account id"))
	}
	doc, err := r.merchants.FindOne(ctx, "paymentAccount.accountId", accountID)
	if err != nil {
		return domain.Merchant{}, err
	}
	return decodeMerchant(doc.ID, doc.Data), nil
}

func (r *MerchantRepository) UpdatePaymentAccount(ctx context.Context, merchantID string, account domain.MerchantPaymentAccount) error {
	updatedAt := account.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	return r.merchants.Update(ctx, strings.TrimSpace(merchantID), []firestore.Update{
		{Path: "paymentAccount.accountId", Value: account.AccountID},
		{Path: "paymentAccount.enabled", Value: account.Enabled},
		{Path: "paymentAccount.requirementsOutstanding", Value: account.RequirementsOutstanding},
		{Path: "paymentAccount.updatedAt", Value: updatedAt.UTC()},
	}, firestore.Exists)
}

func decodeMerchant(id string, doc merchantDocument) domain.Merchant {
	return domain.Merchant{
		ID:    id,
		Name:  doc.Name,
		Email: doc.Email,
		PaymentAccount: domain.MerchantPaymentAccount{
			AccountID:               doc.PaymentAccount.AccountID,
			Enabled:                 doc.PaymentAccount.Enabled,
			RequirementsOutstanding: doc.PaymentAccount.RequirementsOutstanding,
			UpdatedAt:               doc.PaymentAccount.UpdatedAt.UTC(),
		},
	}
}
