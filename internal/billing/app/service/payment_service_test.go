package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saas-invoice/saas-invoice/internal/billing/adapters/payment"
	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

func webhookBody(t *testing.T, id, eventType, ref string) []byte {
	t.Helper()
	var hook payment.DummyWebhook
	hook.ID = id
	hook.Type = eventType
	hook.Data.ProviderRef = ref
	hook.Data.Amount = 3146
	hook.Data.Currency = "usd"
	body, err := json.Marshal(hook)
	require.NoError(t, err)
	return body
}

func TestWebhookIsAppliedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.customer(t, "u1")
	inv := f.subscribe(t, customer.ID, f.plan(t, 2900, 0).ID, "").Invoice

	f.dummy.SetOutcome(payment.OutcomePending)
	paid, err := f.billing.Payments.PayInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusPending, paid.Payment.Status)
	assert.Equal(t, model.InvoiceStatusOpen, f.invoice(t, inv.ID).Status)
	ref := paid.Payment.ProviderRef

	body := webhookBody(t, "evt_1", "payment.succeeded", ref)
	effect, err := f.billing.Payments.HandleWebhook(ctx, payment.ProviderDummy, body, payment.Sign(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, model.EffectPaymentSucceeded, effect)

	settled := f.invoice(t, inv.ID)
	assert.Equal(t, model.InvoiceStatusPaid, settled.Status)
	require.NotNil(t, settled.PaidAt)
	_, paidCount, _ := f.notifier.counts()
	assert.Equal(t, 1, paidCount)

	tests := []struct {
		name   string
		body   []byte
		effect model.Effect
	}{
		{"replayed delivery", body, model.EffectDuplicate},
		{"new delivery for a settled payment", webhookBody(t, "evt_2", "payment.succeeded", ref), model.EffectNoChange},
		{"unknown payment", webhookBody(t, "evt_3", "payment.succeeded", "dummy_pay_unknown"), model.EffectIgnored},
		{"unhandled event type", webhookBody(t, "evt_4", "customer.updated", ref), model.EffectIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			effect, err := f.billing.Payments.HandleWebhook(ctx, payment.ProviderDummy, tt.body, payment.Sign(webhookSecret, tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.effect, effect)
		})
	}

	_, paidCount, _ = f.notifier.counts()
	assert.Equal(t, 1, paidCount)

	payments, total, err := f.billing.Payments.ListPayments(ctx, model.PaymentFilter{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, model.PaymentStatusSucceeded, payments[0].Status)
}

func TestWebhookRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := webhookBody(t, "evt_1", "payment.succeeded", "ref")

	_, err := f.billing.Payments.HandleWebhook(ctx, payment.ProviderDummy, body, "deadbeef")
	assert.ErrorIs(t, err, model.ErrInvalidSignature)

	_, err = f.billing.Payments.HandleWebhook(ctx, "paypal", body, payment.Sign(webhookSecret, body))
	assert.ErrorIs(t, err, model.ErrUnknownProvider)

	garbage := []byte("{not json")
	_, err = f.billing.Payments.HandleWebhook(ctx, payment.ProviderDummy, garbage, payment.Sign(webhookSecret, garbage))
	assert.ErrorIs(t, err, model.ErrInvalidPayload)

	// A rejected delivery is not recorded, so a valid retry still applies
	effect, err := f.billing.Payments.HandleWebhook(ctx, payment.ProviderDummy, body, payment.Sign(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, model.EffectIgnored, effect)
}

func TestRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.customer(t, "u1")
	inv := f.subscribe(t, customer.ID, f.plan(t, 2900, 0).ID, "").Invoice

	paid, err := f.billing.Payments.PayInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusSucceeded, paid.Payment.Status)
	assert.Equal(t, model.InvoiceStatusPaid, paid.Invoice.Status)
	assert.Equal(t, int64(3146), paid.Payment.AmountCents)

	partial, err := f.billing.Payments.RefundPayment(ctx, paid.Payment.ID, 1000, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusSucceeded, partial.Status)
	assert.Equal(t, int64(1000), partial.RefundedCents)

	_, err = f.billing.Payments.RefundPayment(ctx, paid.Payment.ID, 5000, "")
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)

	full, err := f.billing.Payments.RefundPayment(ctx, paid.Payment.ID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusRefunded, full.Status)
	assert.Equal(t, int64(3146), full.RefundedCents)

	_, err = f.billing.Payments.RefundPayment(ctx, paid.Payment.ID, 0, "")
	assert.ErrorIs(t, err, model.ErrRefundNotAllowed)

	// The invoice stays paid; refunds live on the payment
	assert.Equal(t, model.InvoiceStatusPaid, f.invoice(t, inv.ID).Status)
}

func TestDeclinedManualCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.customer(t, "u1")
	result := f.subscribe(t, customer.ID, f.plan(t, 2900, 0).ID, "")

	f.dummy.SetOutcome(payment.OutcomeFail)
	paid, err := f.billing.Payments.PayInvoice(ctx, result.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, paid.Payment.Status)
	assert.Equal(t, payment.DeclineReason, paid.Payment.FailureReason)
	assert.Equal(t, model.InvoiceStatusOpen, paid.Invoice.Status)

	sub := f.subscription(t, result.Subscription.ID)
	assert.Equal(t, model.SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, 1, sub.PaymentAttempts)

	// Manual retries of a past-due invoice leave the dunning schedule alone
	_, err = f.billing.Payments.PayInvoice(ctx, result.Invoice.ID)
	require.NoError(t, err)
	sub = f.subscription(t, result.Subscription.ID)
	assert.Equal(t, 1, sub.PaymentAttempts)
	require.NotNil(t, sub.NextPaymentAttemptAt)
	assert.Equal(t, f.clock.Now().Add(24*time.Hour), *sub.NextPaymentAttemptAt)

	f.dummy.SetOutcome(payment.OutcomeSucceed)
	paid, err = f.billing.Payments.PayInvoice(ctx, result.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPaid, paid.Invoice.Status)
	sub = f.subscription(t, result.Subscription.ID)
	assert.Equal(t, model.SubscriptionStatusActive, sub.Status)
	assert.Zero(t, sub.PaymentAttempts)
}

func TestReconcilePendingPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.customer(t, "u1")
	inv := f.subscribe(t, customer.ID, f.plan(t, 2900, 0).ID, "").Invoice

	f.dummy.SetOutcome(payment.OutcomePending)
	paid, err := f.billing.Payments.PayInvoice(ctx, inv.ID)
	require.NoError(t, err)
	f.dummy.Resolve(paid.Payment.ProviderRef, model.PaymentStatusSucceeded)

	resolved, err := f.billing.Lifecycle.ReconcilePayments(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, resolved, "fresh payments are left for the webhook")

	resolved, err = f.billing.Lifecycle.ReconcilePayments(ctx, f.clock.Advance(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	assert.Equal(t, model.InvoiceStatusPaid, f.invoice(t, inv.ID).Status)
	stored, err := f.billing.Payments.GetPayment(ctx, paid.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusSucceeded, stored.Status)

	resolved, err = f.billing.Lifecycle.ReconcilePayments(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, resolved)
}

func TestPayInvoiceRequiresOpenInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.customer(t, "u1")

	tests := []struct {
		name    string
		prepare func(t *testing.T) *model.Invoice
		status  model.InvoiceStatus
	}{
		{
			name: "draft",
			prepare: func(t *testing.T) *model.Invoice {
				inv, err := f.billing.Invoices.CreateAdHoc(ctx, service.AdHocInput{
					CustomerID: customer.ID,
					Items:      []service.ItemInput{{Description: "Setup", Quantity: 1, UnitPriceCents: 1000}},
				})
				require.NoError(t, err)
				return inv
			},
			status: model.InvoiceStatusDraft,
		},
		{
			name: "uncollectible",
			prepare: func(t *testing.T) *model.Invoice {
				inv, err := f.billing.Invoices.MarkUncollectible(ctx, f.openInvoice(t, customer.ID, 1000).ID)
				require.NoError(t, err)
				return inv
			},
			status: model.InvoiceStatusUncollectible,
		},
		{
			name: "void",
			prepare: func(t *testing.T) *model.Invoice {
				inv, err := f.billing.Invoices.Void(ctx, f.openInvoice(t, customer.ID, 1000).ID)
				require.NoError(t, err)
				return inv
			},
			status: model.InvoiceStatusVoid,
		},
		{
			name: "paid",
			prepare: func(t *testing.T) *model.Invoice {
				paid, err := f.billing.Payments.PayInvoice(ctx, f.openInvoice(t, customer.ID, 1000).ID)
				require.NoError(t, err)
				return paid.Invoice
			},
			status: model.InvoiceStatusPaid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := tt.prepare(t)
			_, before, err := f.billing.Payments.ListPayments(ctx, model.PaymentFilter{InvoiceID: inv.ID})
			require.NoError(t, err)

			_, err = f.billing.Payments.PayInvoice(ctx, inv.ID)
			assert.ErrorIs(t, err, model.ErrInvoiceNotOpen)

			assert.Equal(t, tt.status, f.invoice(t, inv.ID).Status)
			_, after, err := f.billing.Payments.ListPayments(ctx, model.PaymentFilter{InvoiceID: inv.ID})
			require.NoError(t, err)
			assert.Equal(t, before, after, "no charge is recorded")
		})
	}
}

func TestPendingPaymentBlocksAnotherCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.customer(t, "u1")
	inv := f.openInvoice(t, customer.ID, 1000)

	f.dummy.SetOutcome(payment.OutcomePending)
	first, err := f.billing.Payments.PayInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusPending, first.Payment.Status)

	_, err = f.billing.Payments.PayInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, model.ErrPaymentPending)

	// A declined webhook frees the invoice for another attempt
	body := webhookBody(t, "evt_fail", "payment.failed", first.Payment.ProviderRef)
	effect, err := f.billing.Payments.HandleWebhook(ctx, payment.ProviderDummy, body, payment.Sign(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, model.EffectPaymentFailed, effect)

	f.dummy.SetOutcome(payment.OutcomeSucceed)
	second, err := f.billing.Payments.PayInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvoiceStatusPaid, second.Invoice.Status)

	payments, total, err := f.billing.Payments.ListPayments(ctx, model.PaymentFilter{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	succeeded := 0
	for _, p := range payments {
		if p.Status == model.PaymentStatusSucceeded {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestConcurrentPayInvoiceChargesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.openInvoice(t, f.customer(t, "u1").ID, 1085)
	f.dummy.SetOutcome(payment.OutcomePending)

	const callers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		refs     []string
		rejected int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paid, err := f.billing.Payments.PayInvoice(ctx, inv.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				refs = append(refs, paid.Payment.ProviderRef)
			case errors.Is(err, model.ErrPaymentPending):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, refs, 1)
	assert.Equal(t, callers-1, rejected)

	body := webhookBody(t, "evt_ok", "payment.succeeded", refs[0])
	effect, err := f.billing.Payments.HandleWebhook(ctx, payment.ProviderDummy, body, payment.Sign(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, model.EffectPaymentSucceeded, effect)

	payments, total, err := f.billing.Payments.ListPayments(ctx, model.PaymentFilter{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, model.PaymentStatusSucceeded, payments[0].Status)
	assert.Equal(t, model.InvoiceStatusPaid, f.invoice(t, inv.ID).Status)
	_, paidCount, _ := f.notifier.counts()
	assert.Equal(t, 1, paidCount)
}

func TestLatePaymentSettlesWrittenOffInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.openInvoice(t, f.customer(t, "u1").ID, 1000)

	f.dummy.SetOutcome(payment.OutcomePending)
	pending, err := f.billing.Payments.PayInvoice(ctx, inv.ID)
	require.NoError(t, err)
	_, err = f.billing.Invoices.MarkUncollectible(ctx, inv.ID)
	require.NoError(t, err)

	body := webhookBody(t, "evt_late", "payment.succeeded", pending.Payment.ProviderRef)
	effect, err := f.billing.Payments.HandleWebhook(ctx, payment.ProviderDummy, body, payment.Sign(webhookSecret, body))
	require.NoError(t, err)
	assert.Equal(t, model.EffectPaymentSucceeded, effect)
	assert.Equal(t, model.InvoiceStatusPaid, f.invoice(t, inv.ID).Status)
}
