// Package service provides billing business logic
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/repository"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

// Repositories bundles the persistence ports of the billing context
type Repositories struct {
	Tx            repository.TxManager
	Products      repository.ProductRepository
	Plans         repository.PlanRepository
	Coupons       repository.CouponRepository
	Customers     repository.CustomerRepository
	Subscriptions repository.SubscriptionRepository
	Invoices      repository.InvoiceRepository
	Sequence      repository.InvoiceSequence
	Payments      repository.PaymentRepository
	Webhooks      repository.WebhookLedger
}

// Settings holds the billing rules taken from configuration
type Settings struct {
	DefaultCurrency     string
	Tax                 model.TaxPolicy
	InvoiceDueDays      int
	Retry               model.RetryPolicy
	RenewalReminderDays int
	Company             model.Company
	// PendingReconcileAfter is how old a pending payment must be before it is polled
	PendingReconcileAfter time.Duration
}

// DefaultSettings returns the stock billing rules
func DefaultSettings() Settings {
	return Settings{
		DefaultCurrency:       model.DefaultCurrency,
		Tax:                   model.TaxPolicy{RateBps: 850, Rounding: model.RoundingFloor},
		InvoiceDueDays:        30,
		Retry:                 model.DefaultRetryPolicy(),
		RenewalReminderDays:   3,
		PendingReconcileAfter: time.Hour,
	}
}

// SettingsFrom maps the billing and payments config sections onto Settings.
// Zero values keep the defaults.
func SettingsFrom(billing config.BillingConfig, payments config.PaymentsConfig) (Settings, error) {
	out := DefaultSettings()
	if billing.DefaultCurrency != "" {
		out.DefaultCurrency = model.NormalizeCurrency(billing.DefaultCurrency)
	}
	out.Tax.RateBps = billing.TaxRateBps
	if billing.TaxRounding != "" {
		rounding, err := model.ParseRounding(billing.TaxRounding)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid tax rounding: %w", err)
		}
		out.Tax.Rounding = rounding
	}
	if billing.InvoiceDueDays > 0 {
		out.InvoiceDueDays = billing.InvoiceDueDays
	}
	if len(billing.RetryBackoff) > 0 {
		out.Retry.Backoff = billing.RetryBackoff
	}
	if billing.MaxPaymentAttempts > 0 {
		out.Retry.MaxAttempts = billing.MaxPaymentAttempts
	}
	if billing.RenewalReminderDays > 0 {
		out.RenewalReminderDays = billing.RenewalReminderDays
	}
	out.Company = model.Company{
		Name:    billing.Company.Name,
		Address: billing.Company.Address,
		Phone:   billing.Company.Phone,
		Email:   billing.Company.Email,
	}
	if payments.PendingReconcileAfter > 0 {
		out.PendingReconcileAfter = payments.PendingReconcileAfter
	}
	return out, nil
}

func (s Settings) dueIn() time.Duration {
	return time.Duration(s.InvoiceDueDays) * 24 * time.Hour
}

// Notifier hands off follow-up work that runs outside the request
type Notifier interface {
	// InvoiceFinalized renders, stores and emails the invoice
	InvoiceFinalized(ctx context.Context, invoice *model.Invoice) error
	PaymentSucceeded(ctx context.Context, invoice *model.Invoice, payment *model.Payment) error
	RenewalUpcoming(ctx context.Context, sub *model.Subscription) error
}

// Renderer turns an invoice into a PDF
type Renderer interface {
	Render(doc *model.InvoiceDocument) ([]byte, error)
}

// DocumentStore keeps rendered invoices in object storage
type DocumentStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Cache is the read-through cache used for the public catalog
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	InvalidatePattern(ctx context.Context, pattern string) error
}

// Recorder receives billing metrics
type Recorder interface {
	InvoiceTransition(status string)
	PaymentRecorded(provider, status string)
	WebhookHandled(provider, effect string)
	RenewalProcessed(outcome string)
}

type nopNotifier struct{}

func (nopNotifier) InvoiceFinalized(context.Context, *model.Invoice) error { return nil }
func (nopNotifier) PaymentSucceeded(context.Context, *model.Invoice, *model.Payment) error {
	return nil
}
func (nopNotifier) RenewalUpcoming(context.Context, *model.Subscription) error { return nil }

type nopRecorder struct{}

func (nopRecorder) InvoiceTransition(string)       {}
func (nopRecorder) PaymentRecorded(string, string) {}
func (nopRecorder) WebhookHandled(string, string)  {}
func (nopRecorder) RenewalProcessed(string)        {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *events.Event) error { return nil }
func (nopPublisher) Close() error                                 { return nil }

// Options carries the optional collaborators of the billing services
type Options struct {
	Publisher events.Publisher
	Notifier  Notifier
	Metrics   Recorder
	Logger    logger.Logger
	Clock     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Publisher == nil {
		o.Publisher = nopPublisher{}
	}
	if o.Notifier == nil {
		o.Notifier = nopNotifier{}
	}
	if o.Metrics == nil {
		o.Metrics = nopRecorder{}
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// eventBuffer collects events inside a transaction and publishes them after commit
type eventBuffer struct {
	events []*events.Event
}

func (b *eventBuffer) add(aggregateID, aggregateType, eventType string, payload interface{}) {
	evt, err := events.NewEvent(aggregateID, aggregateType, eventType, payload)
	if err != nil {
		return
	}
	b.events = append(b.events, evt)
}

func (b *eventBuffer) flush(ctx context.Context, pub events.Publisher, log logger.Logger) {
	for _, evt := range b.events {
		if err := pub.Publish(ctx, evt); err != nil {
			log.WithContext(ctx).Warn("Failed to publish event", "event_type", evt.EventType, "error", err)
		}
	}
	b.events = nil
}

func subscriptionPayload(sub *model.Subscription) events.SubscriptionPayload {
	return events.SubscriptionPayload{
		SubscriptionID:     sub.ID,
		CustomerID:         sub.CustomerID,
		PlanID:             sub.PlanID,
		Status:             string(sub.Status),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
}

func invoicePayload(inv *model.Invoice) events.InvoicePayload {
	p := events.InvoicePayload{
		InvoiceID:  inv.ID,
		Number:     inv.Number,
		CustomerID: inv.CustomerID,
		Status:     string(inv.Status),
		Currency:   inv.Currency,
		TotalCents: inv.TotalCents,
	}
	if inv.SubscriptionID != nil {
		p.SubscriptionID = *inv.SubscriptionID
	}
	return p
}

func paymentPayload(p *model.Payment) events.PaymentPayload {
	return events.PaymentPayload{
		PaymentID:     p.ID,
		InvoiceID:     p.InvoiceID,
		Provider:      p.Provider,
		ProviderRef:   p.ProviderRef,
		Status:        string(p.Status),
		AmountCents:   p.AmountCents,
		RefundedCents: p.RefundedCents,
		Currency:      p.Currency,
		FailureReason: p.FailureReason,
	}
}
