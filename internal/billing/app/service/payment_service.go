package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/gateway"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/resilience"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

// ReasonProviderUnavailable is recorded when a charge could not reach the provider
const ReasonProviderUnavailable = "provider unavailable"

// chargeSource says why a charge was attempted. Only automated retries count
// against a past-due subscription's attempt budget.
type chargeSource int

const (
	chargeManual chargeSource = iota
	chargeRenewal
	chargeRetry
)

// PaymentService charges invoices through the gateway and applies provider outcomes
type PaymentService struct {
	repos    Repositories
	settings Settings
	registry gateway.Registry
	breakers *resilience.Registry
	opts     Options
}

// NewPaymentService creates a new payment service. breakers may be nil.
func NewPaymentService(repos Repositories, settings Settings, registry gateway.Registry, breakers *resilience.Registry, opts Options) *PaymentService {
	if breakers == nil {
		breakers = resilience.NewRegistry(resilience.DefaultConfig("payments"))
	}
	return &PaymentService{
		repos:    repos,
		settings: settings,
		registry: registry,
		breakers: breakers,
		opts:     opts.withDefaults(),
	}
}

// PayResult is the outcome of a charge attempt
type PayResult struct {
	Invoice      *model.Invoice
	Payment      *model.Payment
	Subscription *model.Subscription
}

// PayInvoice charges an open invoice with the default provider. A declined or
// unreachable charge is not an error: it is recorded as a failed payment.
func (s *PaymentService) PayInvoice(ctx context.Context, invoiceID string) (*PayResult, error) {
	return s.charge(ctx, invoiceID, chargeManual)
}

func (s *PaymentService) charge(ctx context.Context, invoiceID string, source chargeSource) (*PayResult, error) {
	provider := s.registry.Default()

	// Reserve the attempt under the invoice lock so a second charge cannot
	// start while this one is in flight or awaiting its webhook.
	var (
		inv      *model.Invoice
		customer *model.Customer
		reserved *model.Payment
	)
	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.repos.Invoices.FindByIDForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := inv.CanBePaid(); err != nil {
			return err
		}
		if err := s.ensureNoPending(ctx, inv.ID); err != nil {
			return err
		}
		customer, err = s.repos.Customers.FindByID(ctx, inv.CustomerID)
		if err != nil {
			return err
		}
		reserved = model.NewPendingPayment(inv, provider.Name(), s.opts.Clock())
		if err := s.repos.Payments.Save(ctx, reserved); err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := s.callCharge(ctx, provider, gateway.ChargeRequest{
		InvoiceID:      inv.ID,
		InvoiceNumber:  inv.Number,
		CustomerID:     customer.ID,
		CustomerEmail:  customer.Email,
		AmountCents:    reserved.AmountCents,
		Currency:       reserved.Currency,
		IdempotencyKey: reserved.ID,
		Description:    "Invoice " + inv.Number,
	})

	buf := &eventBuffer{}
	out := &PayResult{}
	err = s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.opts.Clock()
		payment, err := s.repos.Payments.FindByProviderRefForUpdate(ctx, reserved.Provider, reserved.ProviderRef)
		if err != nil {
			return err
		}
		locked, err := s.repos.Invoices.FindByIDForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		out.Invoice, out.Payment = locked, payment
		if !payment.Resolve(result, now) {
			return nil
		}
		if err := s.repos.Payments.Update(ctx, payment); err != nil {
			return fmt.Errorf("failed to record payment: %w", err)
		}

		switch payment.Status {
		case model.PaymentStatusSucceeded:
			buf.add(payment.ID, events.AggregatePayment, events.PaymentSucceeded, paymentPayload(payment))
			out.Subscription, err = s.settle(ctx, locked, now, buf)
		case model.PaymentStatusFailed:
			buf.add(payment.ID, events.AggregatePayment, events.PaymentFailed, paymentPayload(payment))
			out.Subscription, err = s.recordFailure(ctx, locked, source, now, buf)
		default:
			buf.add(payment.ID, events.AggregatePayment, events.PaymentPending, paymentPayload(payment))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
	s.opts.Metrics.PaymentRecorded(out.Payment.Provider, string(out.Payment.Status))
	s.opts.Logger.WithContext(ctx).Info("Charge attempted",
		"invoice_id", inv.ID,
		"payment_id", out.Payment.ID,
		"provider", out.Payment.Provider,
		"status", out.Payment.Status,
	)
	if out.Payment.Status == model.PaymentStatusSucceeded {
		s.notifyPaid(ctx, out.Invoice, out.Payment)
	}
	return out, nil
}

// ensureNoPending rejects a charge while another one on the invoice is unresolved
func (s *PaymentService) ensureNoPending(ctx context.Context, invoiceID string) error {
	_, pending, err := s.repos.Payments.List(ctx, model.PaymentFilter{
		InvoiceID:  invoiceID,
		Status:     model.PaymentStatusPending,
		Pagination: model.Pagination{Page: 1, PageSize: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to check pending payments: %w", err)
	}
	if pending > 0 {
		return model.ErrPaymentPending
	}
	return nil
}

// callCharge runs the provider behind its circuit breaker and converts errors
// into a failed result
func (s *PaymentService) callCharge(ctx context.Context, provider gateway.Provider, req gateway.ChargeRequest) *model.PaymentResult {
	var result *model.PaymentResult
	err := s.breakers.Get(provider.Name()).Execute(ctx, func() error {
		var err error
		result, err = provider.Charge(ctx, req)
		return err
	})
	if err == nil && result != nil {
		return result
	}

	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		s.opts.Logger.WithContext(ctx).Error("Payment provider charge failed",
			"provider", provider.Name(), "invoice_id", req.InvoiceID, "error", err)
	}
	return &model.PaymentResult{
		Status:        model.PaymentStatusFailed,
		FailureReason: ReasonProviderUnavailable,
		ProcessedAt:   s.opts.Clock(),
	}
}

// settle marks the invoice paid and returns its subscription to good standing
func (s *PaymentService) settle(ctx context.Context, inv *model.Invoice, now time.Time, buf *eventBuffer) (*model.Subscription, error) {
	if inv.AcceptsSettlement() {
		if err := inv.MarkPaid(now); err != nil {
			return nil, err
		}
		if err := s.repos.Invoices.Update(ctx, inv); err != nil {
			return nil, err
		}
		buf.add(inv.ID, events.AggregateInvoice, events.InvoicePaid, invoicePayload(inv))
		s.opts.Metrics.InvoiceTransition(string(inv.Status))
	}
	if inv.SubscriptionID == nil {
		return nil, nil
	}
	sub, err := s.repos.Subscriptions.FindByIDForUpdate(ctx, *inv.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubscriptionStatusCanceled || (sub.Status == model.SubscriptionStatusActive && sub.PaymentAttempts == 0) {
		return sub, nil
	}
	if err := sub.MarkPaid(now); err != nil {
		return nil, err
	}
	if err := s.repos.Subscriptions.Update(ctx, sub); err != nil {
		return nil, err
	}
	buf.add(sub.ID, events.AggregateSubscription, events.SubscriptionRenewed, subscriptionPayload(sub))
	return sub, nil
}

// recordFailure applies the retry policy to the invoice's subscription. Manual
// retries on an already past-due subscription do not consume attempts.
func (s *PaymentService) recordFailure(ctx context.Context, inv *model.Invoice, source chargeSource, now time.Time, buf *eventBuffer) (*model.Subscription, error) {
	if inv.SubscriptionID == nil || inv.Status != model.InvoiceStatusOpen {
		return nil, nil
	}
	sub, err := s.repos.Subscriptions.FindByIDForUpdate(ctx, *inv.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Status.Live() {
		return sub, nil
	}
	if sub.Status == model.SubscriptionStatusPastDue && source == chargeManual {
		return sub, nil
	}

	canceled, err := sub.RecordPaymentFailure(s.settings.Retry, now)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Subscriptions.Update(ctx, sub); err != nil {
		return nil, err
	}
	if !canceled {
		buf.add(sub.ID, events.AggregateSubscription, events.SubscriptionPastDue, subscriptionPayload(sub))
		return sub, nil
	}

	buf.add(sub.ID, events.AggregateSubscription, events.SubscriptionCanceled, subscriptionPayload(sub))
	if inv.Status == model.InvoiceStatusOpen {
		if err := inv.MarkUncollectible(now); err != nil {
			return nil, err
		}
		if err := s.repos.Invoices.Update(ctx, inv); err != nil {
			return nil, err
		}
		buf.add(inv.ID, events.AggregateInvoice, events.InvoiceUncollectible, invoicePayload(inv))
		s.opts.Metrics.InvoiceTransition(string(inv.Status))
	}
	s.opts.Logger.WithContext(ctx).Warn("Subscription canceled after exhausting payment attempts",
		"subscription_id", sub.ID, "attempts", sub.PaymentAttempts)
	return sub, nil
}

// HandleWebhook verifies a provider delivery and applies it exactly once
func (s *PaymentService) HandleWebhook(ctx context.Context, providerName string, payload []byte, signature string) (model.Effect, error) {
	provider, err := s.registry.Get(providerName)
	if err != nil {
		return "", err
	}
	event, err := provider.ParseWebhook(payload, signature)
	if err != nil {
		return "", err
	}
	event.Provider = provider.Name()
	log := s.opts.Logger.WithContext(ctx).WithFields(map[string]interface{}{
		"provider": event.Provider,
		"event_id": event.ID,
		"type":     event.RawType,
	})

	buf := &eventBuffer{}
	var (
		effect  model.Effect
		invoice *model.Invoice
		payment *model.Payment
	)
	err = s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.opts.Clock()
		inserted, err := s.repos.Webhooks.Record(ctx, &model.WebhookRecord{
			Provider:   event.Provider,
			EventID:    event.ID,
			EventType:  event.RawType,
			ReceivedAt: now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			effect = model.EffectDuplicate
			return nil
		}

		effect, invoice, payment, err = s.apply(ctx, event.Provider, event.ProviderRef, event.Type, event.FailureReason, now, buf)
		if err != nil {
			return err
		}
		return s.repos.Webhooks.UpdateEffect(ctx, event.Provider, event.ID, effect)
	})
	if err != nil {
		log.Error("Webhook handling failed", "error", err)
		return "", err
	}

	buf.add(event.ID, events.AggregatePayment, events.WebhookEventProcessed, events.WebhookPayload{
		Provider:  event.Provider,
		EventID:   event.ID,
		EventType: event.RawType,
		Effect:    string(effect),
	})
	buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
	s.opts.Metrics.WebhookHandled(event.Provider, string(effect))

	switch effect {
	case model.EffectIgnored:
		log.Warn("Webhook ignored", "provider_ref", event.ProviderRef)
	case model.EffectDuplicate:
		log.Info("Duplicate webhook delivery")
	default:
		log.Info("Webhook applied", "effect", effect)
	}
	if effect == model.EffectPaymentSucceeded && invoice != nil {
		s.notifyPaid(ctx, invoice, payment)
	}
	return effect, nil
}

// apply moves a payment to the reported state. Every transition is taken only
// from its expected source state so replays converge.
func (s *PaymentService) apply(ctx context.Context, provider, providerRef string, kind model.WebhookEventType, reason string, now time.Time, buf *eventBuffer) (model.Effect, *model.Invoice, *model.Payment, error) {
	if kind == model.WebhookUnknown || providerRef == "" {
		return model.EffectIgnored, nil, nil, nil
	}
	payment, err := s.repos.Payments.FindByProviderRefForUpdate(ctx, provider, providerRef)
	if errors.Is(err, model.ErrPaymentNotFound) {
		return model.EffectIgnored, nil, nil, nil
	}
	if err != nil {
		return "", nil, nil, err
	}

	var changed bool
	switch kind {
	case model.WebhookPaymentSucceeded:
		changed = payment.MarkSucceeded(now)
	case model.WebhookPaymentFailed:
		if reason == "" {
			reason = "declined"
		}
		changed = payment.MarkFailed(reason, now)
	case model.WebhookPaymentRefunded:
		changed = payment.MarkRefunded(now)
	}
	if !changed {
		return model.EffectNoChange, nil, payment, nil
	}
	if err := s.repos.Payments.Update(ctx, payment); err != nil {
		return "", nil, nil, err
	}
	s.opts.Metrics.PaymentRecorded(payment.Provider, string(payment.Status))

	inv, err := s.repos.Invoices.FindByIDForUpdate(ctx, payment.InvoiceID)
	if err != nil {
		return "", nil, nil, err
	}
	switch kind {
	case model.WebhookPaymentSucceeded:
		buf.add(payment.ID, events.AggregatePayment, events.PaymentSucceeded, paymentPayload(payment))
		if _, err := s.settle(ctx, inv, now, buf); err != nil {
			return "", nil, nil, err
		}
		return model.EffectPaymentSucceeded, inv, payment, nil
	case model.WebhookPaymentFailed:
		buf.add(payment.ID, events.AggregatePayment, events.PaymentFailed, paymentPayload(payment))
		if _, err := s.recordFailure(ctx, inv, chargeRetry, now, buf); err != nil {
			return "", nil, nil, err
		}
		return model.EffectPaymentFailed, inv, payment, nil
	default:
		buf.add(payment.ID, events.AggregatePayment, events.PaymentRefunded, paymentPayload(payment))
		return model.EffectPaymentRefunded, inv, payment, nil
	}
}

// RefundPayment returns money from a settled payment. amountCents zero refunds
// the remainder.
func (s *PaymentService) RefundPayment(ctx context.Context, paymentID string, amountCents int64, reason string) (*model.Payment, error) {
	payment, err := s.repos.Payments.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	remaining := payment.RefundableCents()
	if remaining <= 0 {
		return nil, model.ErrRefundNotAllowed
	}
	if amountCents == 0 {
		amountCents = remaining
	}
	if amountCents < 0 || amountCents > remaining {
		return nil, &model.ValidationError{Field: "amount_cents", Message: "must be between 1 and the refundable amount"}
	}
	provider, err := s.registry.Get(payment.Provider)
	if err != nil {
		return nil, err
	}

	req := gateway.RefundRequest{
		ProviderRef:    payment.ProviderRef,
		AmountCents:    amountCents,
		Currency:       payment.Currency,
		Reason:         reason,
		IdempotencyKey: fmt.Sprintf("refund-%s-%d", payment.ID, payment.RefundedCents+amountCents),
	}
	err = s.breakers.Get(provider.Name()).Execute(ctx, func() error {
		_, err := provider.Refund(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refund payment: %w", err)
	}

	err = s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		payment, err = s.repos.Payments.FindByProviderRefForUpdate(ctx, payment.Provider, payment.ProviderRef)
		if err != nil {
			return err
		}
		if _, err := payment.ApplyRefund(amountCents, s.opts.Clock()); err != nil {
			return err
		}
		return s.repos.Payments.Update(ctx, payment)
	})
	if err != nil {
		return nil, err
	}

	buf := &eventBuffer{}
	buf.add(payment.ID, events.AggregatePayment, events.PaymentRefunded, paymentPayload(payment))
	buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
	s.opts.Metrics.PaymentRecorded(payment.Provider, string(payment.Status))
	s.opts.Logger.WithContext(ctx).Info("Payment refunded", "payment_id", payment.ID, "amount_cents", amountCents)
	return payment, nil
}

// ReconcilePending polls the provider for payments left pending since before
// the cutoff and applies whatever they settled to
func (s *PaymentService) ReconcilePending(ctx context.Context, before time.Time, limit int) (int, error) {
	pending, err := s.repos.Payments.FindPendingBefore(ctx, before, limit)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, p := range pending {
		kind, reason, ok := s.poll(ctx, p)
		if !ok {
			continue
		}

		buf := &eventBuffer{}
		var (
			effect  model.Effect
			invoice *model.Invoice
			payment *model.Payment
		)
		err = s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			effect, invoice, payment, err = s.apply(ctx, p.Provider, p.ProviderRef, kind, reason, s.opts.Clock(), buf)
			return err
		})
		if err != nil {
			s.opts.Logger.Error("Failed to reconcile payment", "payment_id", p.ID, "error", err)
			continue
		}
		buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
		if effect == model.EffectPaymentSucceeded && invoice != nil {
			s.notifyPaid(ctx, invoice, payment)
		}
		resolved++
	}
	return resolved, nil
}

// poll asks the provider what became of a pending payment. A reservation the
// provider never acknowledged is failed so the invoice can be charged again.
func (s *PaymentService) poll(ctx context.Context, p *model.Payment) (model.WebhookEventType, string, bool) {
	if p.Unconfirmed() {
		return model.WebhookPaymentFailed, ReasonProviderUnavailable, true
	}
	provider, err := s.registry.Get(p.Provider)
	if err != nil {
		s.opts.Logger.Warn("Pending payment has unknown provider", "payment_id", p.ID, "provider", p.Provider)
		return "", "", false
	}
	var status model.PaymentStatus
	err = s.breakers.Get(provider.Name()).Execute(ctx, func() error {
		var err error
		status, err = provider.PaymentStatus(ctx, p.ProviderRef)
		return err
	})
	if err != nil {
		s.opts.Logger.Warn("Failed to poll payment status", "payment_id", p.ID, "error", err)
		return "", "", false
	}
	switch status {
	case model.PaymentStatusSucceeded:
		return model.WebhookPaymentSucceeded, "", true
	case model.PaymentStatusFailed:
		return model.WebhookPaymentFailed, "", true
	default:
		return "", "", false
	}
}

// GetPayment retrieves a payment
func (s *PaymentService) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return s.repos.Payments.FindByID(ctx, id)
}

// ListPayments lists payments
func (s *PaymentService) ListPayments(ctx context.Context, filter model.PaymentFilter) ([]*model.Payment, int, error) {
	return s.repos.Payments.List(ctx, filter)
}

func (s *PaymentService) notifyPaid(ctx context.Context, inv *model.Invoice, p *model.Payment) {
	if err := s.opts.Notifier.PaymentSucceeded(ctx, inv, p); err != nil {
		s.opts.Logger.WithContext(ctx).Error("Failed to queue payment confirmation",
			"invoice_id", inv.ID, "error", err)
	}
}
