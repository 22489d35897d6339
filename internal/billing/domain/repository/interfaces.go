package repository

import (
	"context"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

// TxManager runs fn inside one transaction. Repository calls made with the
// context handed to fn join that transaction.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type ProductRepository interface {
	Save(ctx context.Context, product *model.Product) error
	Update(ctx context.Context, product *model.Product) error
	FindByID(ctx context.Context, id string) (*model.Product, error)
	List(ctx context.Context, filter model.ProductFilter) ([]*model.Product, int, error)
	Delete(ctx context.Context, id string) error
}

type PlanRepository interface {
	Save(ctx context.Context, plan *model.Plan) error
	Update(ctx context.Context, plan *model.Plan) error
	FindByID(ctx context.Context, id string) (*model.Plan, error)
	List(ctx context.Context, filter model.PlanFilter) ([]*model.Plan, int, error)
	Delete(ctx context.Context, id string) error
}

type CouponRepository interface {
	Save(ctx context.Context, coupon *model.Coupon) error
	Update(ctx context.Context, coupon *model.Coupon) error
	FindByID(ctx context.Context, id string) (*model.Coupon, error)
	FindByCode(ctx context.Context, code string) (*model.Coupon, error)
	// FindByCodeForUpdate locks the coupon row until the surrounding transaction ends
	FindByCodeForUpdate(ctx context.Context, code string) (*model.Coupon, error)
	List(ctx context.Context, filter model.CouponFilter) ([]*model.Coupon, int, error)
	Delete(ctx context.Context, id string) error
}

type CustomerRepository interface {
	Save(ctx context.Context, customer *model.Customer) error
	Update(ctx context.Context, customer *model.Customer) error
	FindByID(ctx context.Context, id string) (*model.Customer, error)
	FindByUserID(ctx context.Context, userID string) (*model.Customer, error)
	List(ctx context.Context, filter model.CustomerFilter) ([]*model.Customer, int, error)
}

type SubscriptionRepository interface {
	Save(ctx context.Context, sub *model.Subscription) error
	Update(ctx context.Context, sub *model.Subscription) error
	FindByID(ctx context.Context, id string) (*model.Subscription, error)
	// FindByIDForUpdate locks the subscription row until the surrounding transaction ends
	FindByIDForUpdate(ctx context.Context, id string) (*model.Subscription, error)
	List(ctx context.Context, filter model.SubscriptionFilter) ([]*model.Subscription, int, error)
	ExistsLive(ctx context.Context, customerID, planID string) (bool, error)
	CountLiveByPlan(ctx context.Context, planID string) (int, error)
	// FindDue returns subscriptions whose period ended or whose retry is due at now
	FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Subscription, error)
	// FindRenewingBetween returns live subscriptions whose period ends in [from, to)
	FindRenewingBetween(ctx context.Context, from, to time.Time) ([]*model.Subscription, error)
}

type InvoiceRepository interface {
	Save(ctx context.Context, invoice *model.Invoice) error
	Update(ctx context.Context, invoice *model.Invoice) error
	FindByID(ctx context.Context, id string) (*model.Invoice, error)
	FindByIDForUpdate(ctx context.Context, id string) (*model.Invoice, error)
	List(ctx context.Context, filter model.InvoiceFilter) ([]*model.Invoice, int, error)
	// FindOpenBySubscription returns the newest unpaid invoice of a subscription
	FindOpenBySubscription(ctx context.Context, subscriptionID string) (*model.Invoice, error)
}

// InvoiceSequence allocates invoice numbers
type InvoiceSequence interface {
	// Next increments and returns the counter for year. It must run inside the
	// transaction that stores the invoice so a rollback also returns the number.
	Next(ctx context.Context, year int) (int64, error)
}

type PaymentRepository interface {
	Save(ctx context.Context, payment *model.Payment) error
	Update(ctx context.Context, payment *model.Payment) error
	FindByID(ctx context.Context, id string) (*model.Payment, error)
	FindByProviderRef(ctx context.Context, provider, providerRef string) (*model.Payment, error)
	FindByProviderRefForUpdate(ctx context.Context, provider, providerRef string) (*model.Payment, error)
	List(ctx context.Context, filter model.PaymentFilter) ([]*model.Payment, int, error)
	FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]*model.Payment, error)
}

// WebhookLedger records processed webhook deliveries
type WebhookLedger interface {
	// Record stores the delivery and reports false when it was already recorded
	Record(ctx context.Context, record *model.WebhookRecord) (bool, error)
	UpdateEffect(ctx context.Context, provider, eventID string, effect model.Effect) error
}
