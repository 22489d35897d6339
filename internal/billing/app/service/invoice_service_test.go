package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

func TestCheckoutWithCoupon(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t, "u1")
	plan := f.plan(t, 5000, 0)
	coupon := f.percentCoupon(t, "SPRING20", 20, nil)

	result := f.subscribe(t, customer.ID, plan.ID, "spring20")

	sub := result.Subscription
	assert.Equal(t, model.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.CouponID)
	assert.Equal(t, coupon.ID, *sub.CouponID)

	inv := result.Invoice
	require.NotNil(t, inv)
	assert.Equal(t, "INV-2025-0001", inv.Number)
	assert.Equal(t, model.InvoiceStatusOpen, inv.Status)
	assert.Equal(t, int64(5000), inv.SubtotalCents)
	assert.Equal(t, int64(1000), inv.DiscountCents)
	assert.Equal(t, int64(340), inv.TaxCents)
	assert.Equal(t, int64(4340), inv.TotalCents)
	require.Len(t, inv.Items, 1)
	assert.Equal(t, sub.CurrentPeriodStart, *inv.Items[0].PeriodStart)
	assert.Equal(t, sub.CurrentPeriodEnd, *inv.Items[0].PeriodEnd)

	stored, err := f.billing.Catalog.GetCoupon(context.Background(), coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TimesRedeemed)

	finalized, _, _ := f.notifier.counts()
	assert.Equal(t, 1, finalized)
}

func TestCheckoutRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.customer(t, "u1")
	trial := f.plan(t, 900, 14)

	result := f.subscribe(t, customer.ID, trial.ID, "")
	assert.Equal(t, model.SubscriptionStatusTrialing, result.Subscription.Status)
	assert.Nil(t, result.Invoice)

	tests := []struct {
		name   string
		input  service.CreateSubscriptionInput
		target error
	}{
		{"second live subscription to the same plan", service.CreateSubscriptionInput{CustomerID: customer.ID, PlanID: trial.ID}, model.ErrSubscriptionExists},
		{"unknown plan", service.CreateSubscriptionInput{CustomerID: customer.ID, PlanID: "missing"}, model.ErrPlanNotFound},
		{"unknown customer", service.CreateSubscriptionInput{CustomerID: "missing", PlanID: trial.ID}, model.ErrCustomerNotFound},
		{"unknown coupon", service.CreateSubscriptionInput{CustomerID: f.customer(t, "u2").ID, PlanID: trial.ID, CouponCode: "NOPE"}, model.ErrInvalidCoupon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.billing.Subscriptions.CreateSubscription(ctx, tt.input)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	t.Run("inactive plan", func(t *testing.T) {
		params := model.PlanParams{ProductID: trial.ProductID, Name: trial.Name, PriceCents: trial.PriceCents, Currency: "USD", Interval: trial.Interval, TrialDays: trial.TrialDays}
		_, err := f.billing.Catalog.UpdatePlan(ctx, trial.ID, params)
		require.NoError(t, err)
		_, err = f.billing.Subscriptions.CreateSubscription(ctx, service.CreateSubscriptionInput{CustomerID: f.customer(t, "u3").ID, PlanID: trial.ID})
		assert.ErrorIs(t, err, model.ErrPlanInactive)
	})

	t.Run("a canceled subscription frees the plan", func(t *testing.T) {
		active := f.plan(t, 2900, 0)
		first := f.subscribe(t, customer.ID, active.ID, "")
		_, err := f.billing.Subscriptions.CancelSubscription(ctx, first.Subscription.ID, false)
		require.NoError(t, err)
		f.subscribe(t, customer.ID, active.ID, "")
	})
}

func TestConcurrentInvoiceNumbering(t *testing.T) {
	f := newFixture(t)
	customer := f.customer(t, "u1")

	const n = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv, err := f.billing.Invoices.CreateAdHoc(context.Background(), service.AdHocInput{
				CustomerID: customer.ID,
				Items:      []service.ItemInput{{Description: fmt.Sprintf("Consulting %d", i), Quantity: 1, UnitPriceCents: 1000}},
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers = append(numbers, inv.Number)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, numbers, n)
	sort.Strings(numbers)
	for i, number := range numbers {
		assert.Equal(t, fmt.Sprintf("INV-2025-%04d", i+1), number)
	}
}

func TestCouponRedemptionCapUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	plan := f.plan(t, 2000, 0)
	coupon := f.percentCoupon(t, "LIMITED", 50, int64Ptr(3))

	const buyers = 10
	customers := make([]*model.Customer, buyers)
	for i := range customers {
		customers[i] = f.customer(t, fmt.Sprintf("buyer-%d", i))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		redeemed int
		rejected int
	)
	for _, c := range customers {
		wg.Add(1)
		go func(customerID string) {
			defer wg.Done()
			_, err := f.billing.Subscriptions.CreateSubscription(context.Background(), service.CreateSubscriptionInput{
				CustomerID: customerID,
				PlanID:     plan.ID,
				CouponCode: "LIMITED",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				redeemed++
			case errors.Is(err, model.ErrInvalidCoupon):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(c.ID)
	}
	wg.Wait()

	assert.Equal(t, 3, redeemed)
	assert.Equal(t, buyers-3, rejected)
	stored, err := f.billing.Catalog.GetCoupon(context.Background(), coupon.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.TimesRedeemed)

	// Rejected checkouts left nothing behind
	subs, total, err := f.billing.Subscriptions.ListSubscriptions(context.Background(), model.SubscriptionFilter{PlanID: plan.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, subs, 3)
}

func TestAdHocInvoiceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.customer(t, "u1")

	inv, err := f.billing.Invoices.CreateAdHoc(ctx, service.AdHocInput{CustomerID: customer.ID, Notes: "Setup work"})
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusDraft, inv.Status)
	assert.Equal(t, "USD", inv.Currency)

	_, err = f.billing.Invoices.Finalize(ctx, inv.ID)
	assert.ErrorIs(t, err, model.ErrInvoiceEmpty)

	inv, err = f.billing.Invoices.AddItem(ctx, inv.ID, service.ItemInput{Description: "Onboarding", Quantity: 2, UnitPriceCents: 1450})
	require.NoError(t, err)
	assert.Equal(t, int64(2900), inv.SubtotalCents)
	assert.Equal(t, int64(3146), inv.TotalCents)

	inv, err = f.billing.Invoices.Finalize(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusOpen, inv.Status)

	_, err = f.billing.Invoices.AddItem(ctx, inv.ID, service.ItemInput{Description: "Late", Quantity: 1, UnitPriceCents: 1})
	assert.ErrorIs(t, err, model.ErrInvoiceNotDraft)

	inv, err = f.billing.Invoices.MarkUncollectible(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusUncollectible, inv.Status)

	inv, err = f.billing.Invoices.Void(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusVoid, inv.Status)

	_, err = f.billing.Payments.PayInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, model.ErrInvoiceNotOpen)

	_, err = f.billing.Invoices.CreateAdHoc(ctx, service.AdHocInput{
		CustomerID: customer.ID,
		Items:      []service.ItemInput{{Description: "", Quantity: 1, UnitPriceCents: 1}},
	})
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestInvoicePDF(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.customer(t, "u1")
	result := f.subscribe(t, customer.ID, f.plan(t, 2900, 0).ID, "")

	data, name, err := f.billing.Invoices.PDF(ctx, result.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, "INV-2025-0001.pdf", name)
	assert.True(t, len(data) > 4 && string(data[:4]) == "%PDF")

	_, _, err = f.billing.Invoices.PDF(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrInvoiceNotFound)
}

func TestCancelSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.customer(t, "u1")
	sub := f.subscribe(t, customer.ID, f.plan(t, 2900, 0).ID, "").Subscription

	scheduled, err := f.billing.Subscriptions.CancelSubscription(ctx, sub.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusActive, scheduled.Status)
	assert.True(t, scheduled.CancelAtPeriodEnd)

	ended, err := f.billing.Subscriptions.CancelSubscription(ctx, sub.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionStatusCanceled, ended.Status)

	_, err = f.billing.Subscriptions.CancelSubscription(ctx, sub.ID, false)
	assert.ErrorIs(t, err, model.ErrSubscriptionCanceled)

	_, err = f.billing.Subscriptions.CancelSubscription(ctx, "missing", false)
	assert.ErrorIs(t, err, model.ErrSubscriptionNotFound)
}
