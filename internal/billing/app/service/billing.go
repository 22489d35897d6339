package service

import (
	"context"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/gateway"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/resilience"
)

// Dependencies holds the adapters the billing services run on
type Dependencies struct {
	Renderer Renderer
	// Documents may be nil; PDFs are then rendered on every download
	Documents DocumentStore
	// Cache may be nil
	Cache    Cache
	Gateways gateway.Registry
	// Breakers may be nil
	Breakers *resilience.Registry
}

// Billing groups the services of the billing context
type Billing struct {
	Customers     *CustomerService
	Catalog       *CatalogService
	Subscriptions *SubscriptionService
	Invoices      *InvoiceService
	Payments      *PaymentService
	Lifecycle     *LifecycleService
}

// NewBilling wires the billing services together
func NewBilling(repos Repositories, settings Settings, deps Dependencies, opts Options) *Billing {
	invoices := NewInvoiceService(repos, settings, deps.Renderer, deps.Documents, opts)
	payments := NewPaymentService(repos, settings, deps.Gateways, deps.Breakers, opts)
	return &Billing{
		Customers:     NewCustomerService(repos, opts),
		Catalog:       NewCatalogService(repos, settings, deps.Cache, opts),
		Subscriptions: NewSubscriptionService(repos, invoices, opts),
		Invoices:      invoices,
		Payments:      payments,
		Lifecycle:     NewLifecycleService(repos, settings, invoices, payments, opts),
	}
}

// GetCustomer retrieves a customer by ID
func (b *Billing) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	return b.Customers.GetCustomer(ctx, id)
}

// GetSubscription retrieves a subscription by ID
func (b *Billing) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	return b.Subscriptions.GetSubscription(ctx, id)
}

// GetPlan retrieves a plan by ID
func (b *Billing) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	return b.Catalog.GetPlan(ctx, id)
}

// GetPayment retrieves a payment by ID
func (b *Billing) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return b.Payments.GetPayment(ctx, id)
}
