// Package gateway defines the provider-neutral payment interface
package gateway

import (
	"context"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

// ChargeRequest asks a provider to collect an invoice total
type ChargeRequest struct {
	InvoiceID     string
	InvoiceNumber string
	CustomerID    string
	CustomerEmail string
	AmountCents   int64
	Currency      string
	// IdempotencyKey lets the provider deduplicate retried requests
	IdempotencyKey string
	Description    string
}

// RefundRequest asks a provider to return money from a settled charge
type RefundRequest struct {
	ProviderRef    string
	AmountCents    int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

// RefundResult is what a provider reports for a refund
type RefundResult struct {
	RefundRef   string
	AmountCents int64
	ProcessedAt time.Time
}

// Provider is a payment backend
type Provider interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (*model.PaymentResult, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	// ParseWebhook verifies the delivery and normalizes it
	ParseWebhook(payload []byte, signature string) (*model.WebhookEvent, error)
	// PaymentStatus polls the provider for the current state of a charge
	PaymentStatus(ctx context.Context, providerRef string) (model.PaymentStatus, error)
}

// Registry resolves providers by name
type Registry interface {
	Get(name string) (Provider, error)
	Default() Provider
}
