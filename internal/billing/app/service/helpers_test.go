package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/payment"
	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/pdf"
	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/repository/memory"
	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

const webhookSecret = "whsec_test"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recordingNotifier struct {
	mu        sync.Mutex
	finalized []string
	paid      []string
	reminders []string
}

func (n *recordingNotifier) InvoiceFinalized(_ context.Context, inv *model.Invoice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finalized = append(n.finalized, inv.Number)
	return nil
}

func (n *recordingNotifier) PaymentSucceeded(_ context.Context, inv *model.Invoice, _ *model.Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paid = append(n.paid, inv.Number)
	return nil
}

func (n *recordingNotifier) RenewalUpcoming(_ context.Context, sub *model.Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders = append(n.reminders, sub.ID)
	return nil
}

func (n *recordingNotifier) counts() (finalized, paid, reminders int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.finalized), len(n.paid), len(n.reminders)
}

type fixture struct {
	billing  *service.Billing
	dummy    *payment.DummyProvider
	clock    *testClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithCache(t, nil)
}

func newFixtureWithCache(t *testing.T, cache service.Cache) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	dummy := payment.NewDummyProvider(payment.DummyConfig{WebhookSecret: webhookSecret, Clock: clock.Now})
	registry, err := payment.NewRegistry(payment.ProviderDummy, dummy)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	billing := service.NewBilling(
		memory.NewStore().Repositories(),
		service.DefaultSettings(),
		service.Dependencies{Renderer: pdf.NewRenderer(), Gateways: registry, Cache: cache},
		service.Options{Notifier: notifier, Clock: clock.Now},
	)
	return &fixture{billing: billing, dummy: dummy, clock: clock, notifier: notifier}
}

func (f *fixture) customer(t *testing.T, userID string) *model.Customer {
	t.Helper()
	c, err := f.billing.Customers.Ensure(context.Background(), service.Account{
		UserID: userID,
		Email:  userID + "@example.com",
		Name:   "User " + userID,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) plan(t *testing.T, priceCents int64, trialDays int) *model.Plan {
	t.Helper()
	ctx := context.Background()
	product, err := f.billing.Catalog.CreateProduct(ctx, fmt.Sprintf("Product %d", priceCents), "")
	require.NoError(t, err)
	plan, err := f.billing.Catalog.CreatePlan(ctx, model.PlanParams{
		ProductID:  product.ID,
		Name:       fmt.Sprintf("Plan %d", priceCents),
		PriceCents: priceCents,
		Currency:   "USD",
		Interval:   model.IntervalMonthly,
		TrialDays:  trialDays,
		Active:     true,
	})
	require.NoError(t, err)
	return plan
}

func (f *fixture) percentCoupon(t *testing.T, code string, percent int64, maxRedemptions *int64) *model.Coupon {
	t.Helper()
	c, err := f.billing.Catalog.CreateCoupon(context.Background(), model.CouponParams{
		Code:           code,
		DiscountType:   model.DiscountPercent,
		PercentOff:     percent,
		MaxRedemptions: maxRedemptions,
		Active:         true,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) subscribe(t *testing.T, customerID, planID, coupon string) *service.CreateSubscriptionResult {
	t.Helper()
	result, err := f.billing.Subscriptions.CreateSubscription(context.Background(), service.CreateSubscriptionInput{
		CustomerID: customerID,
		PlanID:     planID,
		CouponCode: coupon,
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) subscription(t *testing.T, id string) *model.Subscription {
	t.Helper()
	sub, err := f.billing.Subscriptions.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (f *fixture) invoice(t *testing.T, id string) *model.Invoice {
	t.Helper()
	inv, err := f.billing.Invoices.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func (f *fixture) invoicesFor(t *testing.T, subscriptionID string) []*model.Invoice {
	t.Helper()
	items, _, err := f.billing.Invoices.ListInvoices(context.Background(), model.InvoiceFilter{
		SubscriptionID: subscriptionID,
		Pagination:     model.Pagination{Page: 1, PageSize: model.MaxPageSize},
	})
	require.NoError(t, err)
	return items
}

func int64Ptr(v int64) *int64 { return &v }

// openInvoice issues a finalized ad-hoc invoice of one line
func (f *fixture) openInvoice(t *testing.T, customerID string, cents int64) *model.Invoice {
	t.Helper()
	ctx := context.Background()
	inv, err := f.billing.Invoices.CreateAdHoc(ctx, service.AdHocInput{
		CustomerID: customerID,
		Items:      []service.ItemInput{{Description: "Consulting", Quantity: 1, UnitPriceCents: cents}},
	})
	require.NoError(t, err)
	inv, err = f.billing.Invoices.Finalize(ctx, inv.ID)
	require.NoError(t, err)
	return inv
}
