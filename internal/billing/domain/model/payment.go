package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus represents the state of a charge attempt
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment is one charge attempt against an invoice
type Payment struct {
	ID            string
	InvoiceID     string
	Provider      string
	ProviderRef   string
	AmountCents   int64
	RefundedCents int64
	Currency      string
	Status        PaymentStatus
	FailureReason string
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LocalRefPrefix marks a provider reference assigned before the provider answered
const LocalRefPrefix = "local_"

// NewPendingPayment reserves a charge attempt on the invoice before the
// provider is called. Its ID doubles as the provider idempotency key.
func NewPendingPayment(inv *Invoice, provider string, now time.Time) *Payment {
	id := uuid.New().String()
	return &Payment{
		ID:          id,
		InvoiceID:   inv.ID,
		Provider:    provider,
		ProviderRef: LocalRefPrefix + id,
		AmountCents: inv.TotalCents,
		Currency:    inv.Currency,
		Status:      PaymentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Resolve records the provider's answer on a reserved payment. It reports
// false when the payment already left pending.
func (p *Payment) Resolve(result *PaymentResult, now time.Time) bool {
	if p.Status != PaymentStatusPending {
		return false
	}
	if result.ProviderRef != "" {
		p.ProviderRef = result.ProviderRef
	}
	p.Status = result.Status
	p.FailureReason = result.FailureReason
	p.UpdatedAt = now
	if result.Status != PaymentStatusPending {
		processed := result.ProcessedAt
		if processed.IsZero() {
			processed = now
		}
		p.ProcessedAt = &processed
	}
	return true
}

// Unconfirmed reports a reservation the provider never acknowledged
func (p *Payment) Unconfirmed() bool {
	return strings.HasPrefix(p.ProviderRef, LocalRefPrefix)
}

// MarkSucceeded settles the payment. The return value is false when nothing changed.
func (p *Payment) MarkSucceeded(now time.Time) bool {
	if p.Status != PaymentStatusPending && p.Status != PaymentStatusFailed {
		return false
	}
	p.Status = PaymentStatusSucceeded
	p.FailureReason = ""
	p.ProcessedAt = &now
	p.UpdatedAt = now
	return true
}

// MarkFailed records a declined charge. Only pending payments can fail.
func (p *Payment) MarkFailed(reason string, now time.Time) bool {
	if p.Status != PaymentStatusPending {
		return false
	}
	p.Status = PaymentStatusFailed
	p.FailureReason = reason
	p.ProcessedAt = &now
	p.UpdatedAt = now
	return true
}

// RefundableCents is what is left to refund
func (p *Payment) RefundableCents() int64 {
	if p.Status != PaymentStatusSucceeded {
		return 0
	}
	return p.AmountCents - p.RefundedCents
}

// ApplyRefund adds a refund of amount. A zero amount refunds the remainder. The
// payment becomes refunded once nothing is left.
func (p *Payment) ApplyRefund(amount int64, now time.Time) (int64, error) {
	remaining := p.RefundableCents()
	if remaining <= 0 {
		return 0, ErrRefundNotAllowed
	}
	if amount == 0 {
		amount = remaining
	}
	if amount < 0 || amount > remaining {
		return 0, invalid("amount_cents", "must be between 1 and the refundable amount")
	}
	p.RefundedCents += amount
	if p.RefundedCents == p.AmountCents {
		p.Status = PaymentStatusRefunded
	}
	p.UpdatedAt = now
	return amount, nil
}

// MarkRefunded applies a provider-reported full refund. It is a no-op when already refunded.
func (p *Payment) MarkRefunded(now time.Time) bool {
	if p.Status != PaymentStatusSucceeded {
		return false
	}
	p.RefundedCents = p.AmountCents
	p.Status = PaymentStatusRefunded
	p.UpdatedAt = now
	return true
}

// PaymentResult is what a provider reports for a charge
type PaymentResult struct {
	ProviderRef   string
	Status        PaymentStatus
	FailureReason string
	ProcessedAt   time.Time
}

// Succeeded reports a confirmed charge
func (r *PaymentResult) Succeeded() bool {
	return r.Status == PaymentStatusSucceeded
}

// WebhookEventType is the normalized kind of a provider event
type WebhookEventType string

const (
	WebhookPaymentSucceeded WebhookEventType = "payment.succeeded"
	WebhookPaymentFailed    WebhookEventType = "payment.failed"
	WebhookPaymentRefunded  WebhookEventType = "payment.refunded"
	WebhookUnknown          WebhookEventType = "unknown"
)

// WebhookEvent is a verified, provider-neutral webhook delivery
type WebhookEvent struct {
	ID            string
	Provider      string
	Type          WebhookEventType
	RawType       string
	ProviderRef   string
	AmountCents   int64
	Currency      string
	FailureReason string
	OccurredAt    time.Time
}

// Effect is what handling a webhook did to billing state
type Effect string

const (
	EffectPaymentSucceeded Effect = "payment_succeeded"
	EffectPaymentFailed    Effect = "payment_failed"
	EffectPaymentRefunded  Effect = "payment_refunded"
	EffectNoChange         Effect = "no_change"
	EffectDuplicate        Effect = "duplicate"
	EffectIgnored          Effect = "ignored"
)

// WebhookRecord is the idempotency ledger entry of a processed delivery
type WebhookRecord struct {
	Provider   string
	EventID    string
	EventType  string
	Effect     Effect
	ReceivedAt time.Time
}
