package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/gateway"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
)

func chargeReq() gateway.ChargeRequest {
	return gateway.ChargeRequest{
		InvoiceID:      "inv-1",
		InvoiceNumber:  "INV-2025-0001",
		CustomerID:     "cus-1",
		CustomerEmail:  "ada@example.com",
		AmountCents:    4340,
		Currency:       "USD",
		IdempotencyKey: "inv-1-1",
		Description:    "Invoice INV-2025-0001",
	}
}

func TestDummyCharge(t *testing.T) {
	tests := []struct {
		outcome string
		status  model.PaymentStatus
		reason  string
	}{
		{"", model.PaymentStatusSucceeded, ""},
		{"succeed", model.PaymentStatusSucceeded, ""},
		{"FAIL", model.PaymentStatusFailed, DeclineReason},
		{"pending", model.PaymentStatusPending, ""},
	}

	for _, tt := range tests {
		t.Run("outcome "+tt.outcome, func(t *testing.T) {
			p := NewDummyProvider(DummyConfig{Outcome: tt.outcome})
			result, err := p.Charge(context.Background(), chargeReq())
			require.NoError(t, err)
			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, tt.reason, result.FailureReason)
			assert.Contains(t, result.ProviderRef, "dummy_pay_")
			assert.Equal(t, tt.status == model.PaymentStatusPending, result.ProcessedAt.IsZero())

			status, err := p.PaymentStatus(context.Background(), result.ProviderRef)
			require.NoError(t, err)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestDummyResolveAndRefund(t *testing.T) {
	p := NewDummyProvider(DummyConfig{Outcome: OutcomePending})
	result, err := p.Charge(context.Background(), chargeReq())
	require.NoError(t, err)

	p.Resolve(result.ProviderRef, model.PaymentStatusSucceeded)
	status, err := p.PaymentStatus(context.Background(), result.ProviderRef)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusSucceeded, status)

	refund, err := p.Refund(context.Background(), gateway.RefundRequest{ProviderRef: result.ProviderRef, AmountCents: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), refund.AmountCents)
	assert.NotEmpty(t, refund.RefundRef)

	p.SetOutcome(OutcomeFail)
	req := chargeReq()
	req.IdempotencyKey = "inv-1-2"
	failed, err := p.Charge(context.Background(), req)
	require.NoError(t, err)
	_, err = p.Refund(context.Background(), gateway.RefundRequest{ProviderRef: failed.ProviderRef})
	assert.Error(t, err)
}

func TestDummyChargeIsIdempotent(t *testing.T) {
	p := NewDummyProvider(DummyConfig{Outcome: OutcomePending})
	first, err := p.Charge(context.Background(), chargeReq())
	require.NoError(t, err)

	p.SetOutcome(OutcomeSucceed)
	again, err := p.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, first.ProviderRef, again.ProviderRef)
	assert.Equal(t, model.PaymentStatusPending, again.Status)

	req := chargeReq()
	req.IdempotencyKey = "inv-1-2"
	other, err := p.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ProviderRef, other.ProviderRef)
	assert.Equal(t, model.PaymentStatusSucceeded, other.Status)
}

func TestDummyWebhook(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment.failed","data":{"provider_ref":"dummy_pay_1","amount":4340,"currency":"usd","failure_reason":"Card declined"}}`)

	tests := []struct {
		name      string
		secret    string
		signature string
		wantErr   error
	}{
		{"unsigned accepted without secret", "", "", nil},
		{"valid signature", "whsec", Sign("whsec", payload), nil},
		{"prefixed signature", "whsec", "sha256=" + Sign("whsec", payload), nil},
		{"missing signature", "whsec", "", model.ErrInvalidSignature},
		{"wrong signature", "whsec", Sign("other", payload), model.ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewDummyProvider(DummyConfig{WebhookSecret: tt.secret})
			event, err := p.ParseWebhook(payload, tt.signature)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "evt_1", event.ID)
			assert.Equal(t, model.WebhookPaymentFailed, event.Type)
			assert.Equal(t, "dummy_pay_1", event.ProviderRef)
			assert.Equal(t, int64(4340), event.AmountCents)
			assert.Equal(t, "USD", event.Currency)
			assert.Equal(t, "Card declined", event.FailureReason)
		})
	}
}

func TestDummyWebhookPayloads(t *testing.T) {
	p := NewDummyProvider(DummyConfig{})

	event, err := p.ParseWebhook([]byte(`{"id":"evt_2","type":"customer.created","data":{}}`), "")
	require.NoError(t, err)
	assert.Equal(t, model.WebhookUnknown, event.Type)
	assert.Equal(t, "customer.created", event.RawType)

	_, err = p.ParseWebhook([]byte(`{"type":"payment.succeeded"}`), "")
	assert.ErrorIs(t, err, model.ErrInvalidPayload)

	_, err = p.ParseWebhook([]byte(`not json`), "")
	assert.ErrorIs(t, err, model.ErrInvalidPayload)
}

func TestRegistry(t *testing.T) {
	dummy := NewDummyProvider(DummyConfig{})
	stripeProvider := NewStripeProvider(StripeConfig{SecretKey: "sk_test_x"}, nil)

	r, err := NewRegistry("", dummy, stripeProvider)
	require.NoError(t, err)
	assert.Equal(t, ProviderDummy, r.Default().Name())
	assert.Equal(t, []string{"dummy", "stripe"}, r.Names())

	p, err := r.Get("Stripe")
	require.NoError(t, err)
	assert.Equal(t, ProviderStripe, p.Name())

	_, err = r.Get("paypal")
	assert.ErrorIs(t, err, model.ErrUnknownProvider)

	_, err = NewRegistry("paypal", dummy)
	assert.ErrorIs(t, err, model.ErrUnknownProvider)

	r, err = NewRegistryFromConfig(config.PaymentsConfig{Provider: "dummy"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"dummy"}, r.Names())
}

func signedStripePayload(t *testing.T, secret string, body interface{}) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   raw,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestStripeWebhook(t *testing.T) {
	const secret = "whsec_test"
	p := NewStripeProvider(StripeConfig{SecretKey: "sk_test_x", WebhookSecret: secret}, nil)

	tests := []struct {
		name     string
		event    map[string]interface{}
		wantType model.WebhookEventType
		wantRef  string
		amount   int64
		reason   string
	}{
		{
			name: "intent succeeded",
			event: map[string]interface{}{
				"id": "evt_1", "object": "event", "type": "payment_intent.succeeded", "created": 1735689600,
				"data": map[string]interface{}{"object": map[string]interface{}{
					"id": "pi_1", "object": "payment_intent", "amount": 4340, "currency": "usd", "status": "succeeded",
				}},
			},
			wantType: model.WebhookPaymentSucceeded, wantRef: "pi_1", amount: 4340,
		},
		{
			name: "intent failed",
			event: map[string]interface{}{
				"id": "evt_2", "object": "event", "type": "payment_intent.payment_failed", "created": 1735689600,
				"data": map[string]interface{}{"object": map[string]interface{}{
					"id": "pi_2", "object": "payment_intent", "amount": 900, "currency": "usd",
					"status":             "requires_payment_method",
					"last_payment_error": map[string]interface{}{"message": "Your card was declined."},
				}},
			},
			wantType: model.WebhookPaymentFailed, wantRef: "pi_2", amount: 900, reason: "Your card was declined.",
		},
		{
			name: "charge refunded",
			event: map[string]interface{}{
				"id": "evt_3", "object": "event", "type": "charge.refunded", "created": 1735689600,
				"data": map[string]interface{}{"object": map[string]interface{}{
					"id": "ch_1", "object": "charge", "amount": 4340, "amount_refunded": 4340,
					"currency": "usd", "refunded": true, "payment_intent": "pi_1",
				}},
			},
			wantType: model.WebhookPaymentRefunded, wantRef: "pi_1", amount: 4340,
		},
		{
			name: "unhandled type",
			event: map[string]interface{}{
				"id": "evt_4", "object": "event", "type": "customer.created", "created": 1735689600,
				"data": map[string]interface{}{"object": map[string]interface{}{"id": "cus_1", "object": "customer"}},
			},
			wantType: model.WebhookUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, header := signedStripePayload(t, secret, tt.event)
			event, err := p.ParseWebhook(payload, header)
			require.NoError(t, err)
			assert.Equal(t, tt.event["id"], event.ID)
			assert.Equal(t, tt.wantType, event.Type)
			assert.Equal(t, tt.wantRef, event.ProviderRef)
			assert.Equal(t, tt.amount, event.AmountCents)
			assert.Equal(t, tt.reason, event.FailureReason)
		})
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	p := NewStripeProvider(StripeConfig{SecretKey: "sk_test_x", WebhookSecret: "whsec_test"}, nil)
	payload, header := signedStripePayload(t, "whsec_other", map[string]interface{}{"id": "evt_1", "object": "event", "type": "payment_intent.succeeded"})

	_, err := p.ParseWebhook(payload, header)
	assert.ErrorIs(t, err, model.ErrInvalidSignature)

	_, err = p.ParseWebhook(payload, "")
	assert.ErrorIs(t, err, model.ErrInvalidSignature)

	unconfigured := NewStripeProvider(StripeConfig{SecretKey: "sk_test_x"}, nil)
	_, err = unconfigured.ParseWebhook(payload, header)
	assert.True(t, errors.Is(err, model.ErrInvalidSignature))
}

func TestStripeCharge(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "inv-1-1", r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","amount":4340,"currency":"usd","status":"succeeded"}`))
	}))
	defer srv.Close()

	p := NewStripeProvider(StripeConfig{SecretKey: "sk_test_x", PaymentMethod: "pm_card_visa", BackendURL: srv.URL}, nil)
	result, err := p.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, "pi_123", result.ProviderRef)
	assert.Equal(t, model.PaymentStatusSucceeded, result.Status)
	assert.False(t, result.ProcessedAt.IsZero())

	assert.Equal(t, "4340", form.Get("amount"))
	assert.Equal(t, "usd", form.Get("currency"))
	assert.Equal(t, "true", form.Get("confirm"))
	assert.Equal(t, "inv-1", form.Get("metadata[invoice_id]"))
}

func TestStripeChargeWithoutPaymentMethodIsPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_456","object":"payment_intent","amount":4340,"currency":"usd","status":"requires_payment_method"}`))
	}))
	defer srv.Close()

	p := NewStripeProvider(StripeConfig{SecretKey: "sk_test_x", BackendURL: srv.URL}, nil)
	result, err := p.Charge(context.Background(), chargeReq())
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, result.Status)
	assert.True(t, result.ProcessedAt.IsZero())
}

func TestStripeChargeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	}))
	defer srv.Close()

	p := NewStripeProvider(StripeConfig{SecretKey: "sk_test_x", BackendURL: srv.URL}, nil)
	_, err := p.Charge(context.Background(), chargeReq())
	assert.Error(t, err)
}
