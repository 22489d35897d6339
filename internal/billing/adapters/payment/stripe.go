package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/gateway"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
)

// StripeConfig configures the Stripe provider
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// PaymentMethod is confirmed immediately when set. Without it charges
	// stay pending until the customer completes the intent.
	PaymentMethod string
	// BackendURL overrides the API endpoint
	BackendURL string
	Clock      func() time.Time
}

// StripeProvider charges through Stripe PaymentIntents
type StripeProvider struct {
	config  StripeConfig
	intents *paymentintent.Client
	refunds *refund.Client
	logger  logger.Logger
}

// NewStripeProvider creates a Stripe provider
func NewStripeProvider(cfg StripeConfig, log logger.Logger) *StripeProvider {
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = logger.NewNop()
	}
	var backend stripe.Backend
	if cfg.BackendURL != "" {
		backend = stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(cfg.BackendURL),
			MaxNetworkRetries: stripe.Int64(0),
		})
	} else {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &StripeProvider{
		config:  cfg,
		intents: &paymentintent.Client{B: backend, Key: cfg.SecretKey},
		refunds: &refund.Client{B: backend, Key: cfg.SecretKey},
		logger:  log,
	}
}

func (p *StripeProvider) Name() string { return ProviderStripe }

// Charge creates a PaymentIntent for the invoice total. A card decline is a
// failed result, not an error.
func (p *StripeProvider) Charge(ctx context.Context, req gateway.ChargeRequest) (*model.PaymentResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	if req.CustomerEmail != "" {
		params.ReceiptEmail = stripe.String(req.CustomerEmail)
	}
	if p.config.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(p.config.PaymentMethod)
		params.Confirm = stripe.Bool(true)
	}
	params.Context = ctx
	params.AddMetadata("invoice_id", req.InvoiceID)
	params.AddMetadata("invoice_number", req.InvoiceNumber)
	params.AddMetadata("customer_id", req.CustomerID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	intent, err := p.intents.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Type == stripe.ErrorTypeCard {
			result := &model.PaymentResult{
				Status:        model.PaymentStatusFailed,
				FailureReason: serr.Msg,
				ProcessedAt:   p.config.Clock(),
			}
			if serr.PaymentIntent != nil {
				result.ProviderRef = serr.PaymentIntent.ID
			}
			return result, nil
		}
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	result := &model.PaymentResult{
		ProviderRef: intent.ID,
		Status:      intentStatus(intent),
	}
	if result.Status != model.PaymentStatusPending {
		result.ProcessedAt = p.config.Clock()
	}
	if result.Status == model.PaymentStatusFailed && intent.LastPaymentError != nil {
		result.FailureReason = intent.LastPaymentError.Msg
	}
	return result, nil
}

// Refund refunds the PaymentIntent behind providerRef
func (p *StripeProvider) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProviderRef),
	}
	if req.AmountCents > 0 {
		params.Amount = stripe.Int64(req.AmountCents)
	}
	params.Context = ctx
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	r, err := p.refunds.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create refund: %w", err)
	}
	processed := p.config.Clock()
	if r.Created > 0 {
		processed = time.Unix(r.Created, 0).UTC()
	}
	return &gateway.RefundResult{RefundRef: r.ID, AmountCents: r.Amount, ProcessedAt: processed}, nil
}

// PaymentStatus retrieves the PaymentIntent
func (p *StripeProvider) PaymentStatus(ctx context.Context, providerRef string) (model.PaymentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := p.intents.Get(providerRef, params)
	if err != nil {
		return "", fmt.Errorf("stripe: retrieve payment intent: %w", err)
	}
	return intentStatus(intent), nil
}

// ParseWebhook verifies the Stripe-Signature header and normalizes
// payment_intent.succeeded, payment_intent.payment_failed and charge.refunded
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*model.WebhookEvent, error) {
	if p.config.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: stripe webhook secret not configured", model.ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrInvalidHeader) || errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}

	out := &model.WebhookEvent{
		ID:         event.ID,
		Provider:   ProviderStripe,
		Type:       model.WebhookUnknown,
		RawType:    string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
		}
		out.ProviderRef = intent.ID
		out.AmountCents = intent.Amount
		out.Currency = strings.ToUpper(string(intent.Currency))
		out.Type = model.WebhookPaymentSucceeded
		if event.Type == "payment_intent.payment_failed" {
			out.Type = model.WebhookPaymentFailed
			if intent.LastPaymentError != nil {
				out.FailureReason = intent.LastPaymentError.Msg
			}
		}
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
		}
		if charge.PaymentIntent != nil {
			out.ProviderRef = charge.PaymentIntent.ID
		}
		out.AmountCents = charge.AmountRefunded
		out.Currency = strings.ToUpper(string(charge.Currency))
		out.Type = model.WebhookPaymentRefunded
		if !charge.Refunded {
			p.logger.Info("Partial Stripe refund reported", "event_id", event.ID, "charge", charge.ID)
		}
	}
	return out, nil
}

// intentStatus maps a PaymentIntent onto a payment status. An intent that still
// requires a payment method has failed only if an attempt was made.
func intentStatus(intent *stripe.PaymentIntent) model.PaymentStatus {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return model.PaymentStatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return model.PaymentStatusFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			return model.PaymentStatusFailed
		}
		return model.PaymentStatusPending
	default:
		return model.PaymentStatusPending
	}
}
