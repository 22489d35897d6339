package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

const lifecycleBatchSize = 100

// Renewal outcomes reported to metrics
const (
	OutcomeCanceled = "canceled"
	OutcomeRenewed  = "renewed"
	OutcomeRetried  = "retried"
	OutcomeSettled  = "settled"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// LifecycleService advances subscriptions across period boundaries and runs dunning
type LifecycleService struct {
	repos    Repositories
	settings Settings
	invoices *InvoiceService
	payments *PaymentService
	opts     Options
}

// NewLifecycleService creates a new lifecycle service
func NewLifecycleService(repos Repositories, settings Settings, invoices *InvoiceService, payments *PaymentService, opts Options) *LifecycleService {
	return &LifecycleService{
		repos:    repos,
		settings: settings,
		invoices: invoices,
		payments: payments,
		opts:     opts.withDefaults(),
	}
}

// RunReport summarizes one lifecycle pass
type RunReport struct {
	Processed int
	Renewed   int
	Retried   int
	Canceled  int
	Failed    int
}

// RunDue processes every subscription that is due at now: scheduled
// cancellations, period renewals and payment retries
func (s *LifecycleService) RunDue(ctx context.Context, now time.Time) (*RunReport, error) {
	report := &RunReport{}
	seen := make(map[string]bool)

	for {
		due, err := s.repos.Subscriptions.FindDue(ctx, now, lifecycleBatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to load due subscriptions: %w", err)
		}

		progressed := false
		for _, sub := range due {
			if seen[sub.ID] {
				continue
			}
			seen[sub.ID] = true
			progressed = true

			outcome, err := s.process(ctx, sub.ID, now)
			report.Processed++
			s.opts.Metrics.RenewalProcessed(outcome)
			switch {
			case err != nil:
				report.Failed++
				s.opts.Logger.WithContext(ctx).Error("Subscription lifecycle step failed",
					"subscription_id", sub.ID, "error", err)
			case outcome == OutcomeCanceled:
				report.Canceled++
			case outcome == OutcomeRenewed:
				report.Renewed++
			case outcome == OutcomeRetried, outcome == OutcomeSettled:
				report.Retried++
			}
		}
		if !progressed || len(due) < lifecycleBatchSize {
			break
		}
	}

	if report.Processed > 0 {
		s.opts.Logger.WithContext(ctx).Info("Lifecycle pass complete",
			"processed", report.Processed,
			"renewed", report.Renewed,
			"retried", report.Retried,
			"canceled", report.Canceled,
			"failed", report.Failed,
		)
	}
	return report, nil
}

// process performs the single step a due subscription needs
func (s *LifecycleService) process(ctx context.Context, subscriptionID string, now time.Time) (string, error) {
	sub, err := s.repos.Subscriptions.FindByID(ctx, subscriptionID)
	if err != nil {
		return OutcomeFailed, err
	}
	switch {
	case sub.CancelAtPeriodEnd && sub.Status.Live() && sub.PeriodElapsed(now):
		return s.cancelScheduled(ctx, subscriptionID, now)
	case sub.DueForRenewal(now):
		return s.renew(ctx, subscriptionID, now)
	case sub.DueForRetry(now):
		return s.retry(ctx, sub)
	}
	return OutcomeSkipped, nil
}

func (s *LifecycleService) cancelScheduled(ctx context.Context, subscriptionID string, now time.Time) (string, error) {
	buf := &eventBuffer{}
	outcome := OutcomeSkipped
	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := s.repos.Subscriptions.FindByIDForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		applied, err := sub.ApplyScheduledCancellation(now)
		if err != nil || !applied {
			return err
		}
		if err := s.repos.Subscriptions.Update(ctx, sub); err != nil {
			return err
		}
		outcome = OutcomeCanceled
		buf.add(sub.ID, events.AggregateSubscription, events.SubscriptionCanceled, subscriptionPayload(sub))
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
	return outcome, nil
}

// renew rolls the period forward, bills it and charges the new invoice
func (s *LifecycleService) renew(ctx context.Context, subscriptionID string, now time.Time) (string, error) {
	buf := &eventBuffer{}
	var inv *model.Invoice
	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := s.repos.Subscriptions.FindByIDForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.DueForRenewal(now) || sub.CancelAtPeriodEnd {
			return nil
		}
		plan, err := s.repos.Plans.FindByID(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		var coupon *model.Coupon
		if sub.CouponID != nil {
			coupon, err = s.repos.Coupons.FindByID(ctx, *sub.CouponID)
			if err != nil && !errors.Is(err, model.ErrCouponNotFound) {
				return err
			}
		}
		if err := sub.AdvancePeriod(plan, now); err != nil {
			return err
		}
		if err := s.repos.Subscriptions.Update(ctx, sub); err != nil {
			return err
		}
		inv, err = s.invoices.generateForPeriod(ctx, sub, plan, coupon, buf)
		if err != nil || inv.TotalCents > 0 {
			return err
		}
		// Nothing to collect
		if err := inv.MarkPaid(now); err != nil {
			return err
		}
		if err := s.repos.Invoices.Update(ctx, inv); err != nil {
			return err
		}
		buf.add(inv.ID, events.AggregateInvoice, events.InvoicePaid, invoicePayload(inv))
		if err := sub.MarkPaid(now); err != nil {
			return err
		}
		return s.repos.Subscriptions.Update(ctx, sub)
	})
	if err != nil {
		return OutcomeFailed, err
	}
	if inv == nil {
		return OutcomeSkipped, nil
	}
	buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
	s.invoices.notifyFinalized(ctx, inv)

	if inv.Status == model.InvoiceStatusPaid {
		return OutcomeRenewed, nil
	}
	if _, err := s.payments.charge(ctx, inv.ID, chargeRenewal); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeRenewed, nil
}

// retry charges the open invoice of a past-due subscription again
func (s *LifecycleService) retry(ctx context.Context, sub *model.Subscription) (string, error) {
	inv, err := s.repos.Invoices.FindOpenBySubscription(ctx, sub.ID)
	if errors.Is(err, model.ErrInvoiceNotFound) {
		// Settled or voided out of band
		return s.restore(ctx, sub.ID)
	}
	if err != nil {
		return OutcomeFailed, err
	}
	_, err = s.payments.charge(ctx, inv.ID, chargeRetry)
	if errors.Is(err, model.ErrPaymentPending) {
		// The previous attempt is still awaiting the provider
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}
	return OutcomeRetried, nil
}

func (s *LifecycleService) restore(ctx context.Context, subscriptionID string) (string, error) {
	buf := &eventBuffer{}
	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		sub, err := s.repos.Subscriptions.FindByIDForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != model.SubscriptionStatusPastDue {
			return nil
		}
		if err := sub.MarkPaid(s.opts.Clock()); err != nil {
			return err
		}
		buf.add(sub.ID, events.AggregateSubscription, events.SubscriptionRenewed, subscriptionPayload(sub))
		return s.repos.Subscriptions.Update(ctx, sub)
	})
	if err != nil {
		return OutcomeFailed, err
	}
	buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
	return OutcomeSettled, nil
}

// SendRenewalReminders notifies customers whose period ends within
// [now+days, now+days+window)
func (s *LifecycleService) SendRenewalReminders(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	if s.settings.RenewalReminderDays <= 0 {
		return 0, nil
	}
	from := now.AddDate(0, 0, s.settings.RenewalReminderDays)
	subs, err := s.repos.Subscriptions.FindRenewingBetween(ctx, from, from.Add(window))
	if err != nil {
		return 0, fmt.Errorf("failed to load renewing subscriptions: %w", err)
	}
	sent := 0
	for _, sub := range subs {
		if err := s.opts.Notifier.RenewalUpcoming(ctx, sub); err != nil {
			s.opts.Logger.WithContext(ctx).Error("Failed to queue renewal reminder",
				"subscription_id", sub.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// ReconcilePayments resolves pending payments older than the configured age
func (s *LifecycleService) ReconcilePayments(ctx context.Context, now time.Time) (int, error) {
	return s.payments.ReconcilePending(ctx, now.Add(-s.settings.PendingReconcileAfter), lifecycleBatchSize)
}
