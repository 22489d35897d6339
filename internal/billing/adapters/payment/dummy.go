package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/gateway"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

// Dummy outcomes
const (
	OutcomeSucceed = "succeed"
	OutcomeFail    = "fail"
	OutcomePending = "pending"
)

// DeclineReason is the failure reason of a charge declined by the dummy provider
const DeclineReason = "Simulated decline"

// DummyConfig configures the dummy provider
type DummyConfig struct {
	// Outcome is succeed, fail or pending. Blank means succeed.
	Outcome string
	// WebhookSecret enables X-Signature verification of webhooks when set
	WebhookSecret string
	Clock         func() time.Time
}

// DummyProvider settles charges locally without a network call
type DummyProvider struct {
	config DummyConfig

	mu       sync.Mutex
	outcome  string
	payments map[string]model.PaymentStatus
	keys     map[string]model.PaymentResult
}

// NewDummyProvider creates a dummy provider
func NewDummyProvider(cfg DummyConfig) *DummyProvider {
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	outcome := strings.ToLower(cfg.Outcome)
	if outcome == "" {
		outcome = OutcomeSucceed
	}
	return &DummyProvider{
		config:   cfg,
		outcome:  outcome,
		payments: make(map[string]model.PaymentStatus),
		keys:     make(map[string]model.PaymentResult),
	}
}

func (p *DummyProvider) Name() string { return ProviderDummy }

// SetOutcome changes the outcome of subsequent charges
func (p *DummyProvider) SetOutcome(outcome string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcome = strings.ToLower(outcome)
}

// Charge reports the configured outcome. A repeated idempotency key returns
// the first result.
func (p *DummyProvider) Charge(ctx context.Context, req gateway.ChargeRequest) (*model.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.AmountCents < 0 {
		return nil, fmt.Errorf("dummy: negative amount %d", req.AmountCents)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.keys[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return &prev, nil
	}

	result := &model.PaymentResult{
		ProviderRef: "dummy_pay_" + shortID(),
		ProcessedAt: p.config.Clock(),
	}
	switch p.outcome {
	case OutcomeFail:
		result.Status = model.PaymentStatusFailed
		result.FailureReason = DeclineReason
	case OutcomePending:
		result.Status = model.PaymentStatusPending
		result.ProcessedAt = time.Time{}
	default:
		result.Status = model.PaymentStatusSucceeded
	}
	p.payments[result.ProviderRef] = result.Status
	if req.IdempotencyKey != "" {
		p.keys[req.IdempotencyKey] = *result
	}
	return result, nil
}

// Refund always succeeds for the amount asked
func (p *DummyProvider) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if status, ok := p.payments[req.ProviderRef]; ok && status == model.PaymentStatusFailed {
		return nil, fmt.Errorf("dummy: payment %s was not settled", req.ProviderRef)
	}
	return &gateway.RefundResult{
		RefundRef:   "dummy_refund_" + shortID(),
		AmountCents: req.AmountCents,
		ProcessedAt: p.config.Clock(),
	}, nil
}

// PaymentStatus returns the recorded status. Unknown references are pending.
func (p *DummyProvider) PaymentStatus(ctx context.Context, providerRef string) (model.PaymentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status, ok := p.payments[providerRef]; ok {
		return status, nil
	}
	return model.PaymentStatusPending, nil
}

// Resolve settles a pending charge, for tests and local simulations
func (p *DummyProvider) Resolve(providerRef string, status model.PaymentStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments[providerRef] = status
}

// DummyWebhook is the JSON body of a dummy webhook delivery
type DummyWebhook struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ProviderRef   string `json:"provider_ref"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		FailureReason string `json:"failure_reason"`
	} `json:"data"`
	Created int64 `json:"created,omitempty"`
}

var dummyEventTypes = map[string]model.WebhookEventType{
	"payment.succeeded":             model.WebhookPaymentSucceeded,
	"payment_intent.succeeded":      model.WebhookPaymentSucceeded,
	"payment.failed":                model.WebhookPaymentFailed,
	"payment_intent.payment_failed": model.WebhookPaymentFailed,
	"payment.refunded":              model.WebhookPaymentRefunded,
	"charge.refunded":               model.WebhookPaymentRefunded,
}

// ParseWebhook verifies the X-Signature when a secret is configured and
// normalizes the delivery
func (p *DummyProvider) ParseWebhook(payload []byte, signature string) (*model.WebhookEvent, error) {
	if p.config.WebhookSecret != "" && !VerifySignature(p.config.WebhookSecret, payload, signature) {
		return nil, model.ErrInvalidSignature
	}

	var body DummyWebhook
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	if body.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", model.ErrInvalidPayload)
	}

	eventType, ok := dummyEventTypes[body.Type]
	if !ok {
		eventType = model.WebhookUnknown
	}
	occurred := p.config.Clock()
	if body.Created > 0 {
		occurred = time.Unix(body.Created, 0).UTC()
	}
	return &model.WebhookEvent{
		ID:            body.ID,
		Provider:      ProviderDummy,
		Type:          eventType,
		RawType:       body.Type,
		ProviderRef:   body.Data.ProviderRef,
		AmountCents:   body.Data.Amount,
		Currency:      strings.ToUpper(body.Data.Currency),
		FailureReason: body.Data.FailureReason,
		OccurredAt:    occurred,
	}, nil
}

// Sign returns the hex HMAC-SHA256 of payload
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature with Sign in constant time. An optional
// "sha256=" prefix is accepted.
func VerifySignature(secret string, payload []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
