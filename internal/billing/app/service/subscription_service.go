package service

import (
	"context"
	"fmt"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

// SubscriptionService manages checkout and cancellation
type SubscriptionService struct {
	repos    Repositories
	invoices *InvoiceService
	opts     Options
}

// NewSubscriptionService creates a new subscription service
func NewSubscriptionService(repos Repositories, invoices *InvoiceService, opts Options) *SubscriptionService {
	return &SubscriptionService{
		repos:    repos,
		invoices: invoices,
		opts:     opts.withDefaults(),
	}
}

// CreateSubscriptionInput represents subscription creation input
type CreateSubscriptionInput struct {
	CustomerID string
	PlanID     string
	CouponCode string
}

// CreateSubscriptionResult is the new subscription and, for plans without a
// trial, its first invoice
type CreateSubscriptionResult struct {
	Subscription *model.Subscription
	Invoice      *model.Invoice
}

// CreateSubscription subscribes a customer to a plan. Coupon redemption, the
// subscription row and the first invoice commit together.
func (s *SubscriptionService) CreateSubscription(ctx context.Context, input CreateSubscriptionInput) (*CreateSubscriptionResult, error) {
	buf := &eventBuffer{}
	result := &CreateSubscriptionResult{}

	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		now := s.opts.Clock()
		plan, err := s.repos.Plans.FindByID(ctx, input.PlanID)
		if err != nil {
			return err
		}
		if !plan.Active {
			return model.ErrPlanInactive
		}
		if _, err := s.repos.Customers.FindByID(ctx, input.CustomerID); err != nil {
			return err
		}
		exists, err := s.repos.Subscriptions.ExistsLive(ctx, input.CustomerID, plan.ID)
		if err != nil {
			return fmt.Errorf("failed to check existing subscriptions: %w", err)
		}
		if exists {
			return model.ErrSubscriptionExists
		}

		var coupon *model.Coupon
		var couponID *string
		if input.CouponCode != "" {
			coupon, err = s.invoices.redeemCoupon(ctx, input.CouponCode, plan.Currency)
			if err != nil {
				return err
			}
			id := coupon.ID
			couponID = &id
		}

		sub := model.NewSubscription(input.CustomerID, plan, couponID, now)
		if err := s.repos.Subscriptions.Save(ctx, sub); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}
		result.Subscription = sub
		buf.add(sub.ID, events.AggregateSubscription, events.SubscriptionCreated, subscriptionPayload(sub))

		if sub.Status == model.SubscriptionStatusActive {
			inv, err := s.invoices.generateForPeriod(ctx, sub, plan, coupon, buf)
			if err != nil {
				return err
			}
			result.Invoice = inv
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
	if result.Invoice != nil {
		s.invoices.notifyFinalized(ctx, result.Invoice)
	}
	s.opts.Logger.WithContext(ctx).Info("Subscription created",
		"subscription_id", result.Subscription.ID,
		"plan_id", input.PlanID,
		"status", result.Subscription.Status,
	)
	return result, nil
}

// CancelSubscription ends a subscription now or at the end of its period
func (s *SubscriptionService) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*model.Subscription, error) {
	var sub *model.Subscription
	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		sub, err = s.repos.Subscriptions.FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := sub.Cancel(atPeriodEnd, s.opts.Clock()); err != nil {
			return err
		}
		return s.repos.Subscriptions.Update(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	if sub.Status == model.SubscriptionStatusCanceled {
		buf := &eventBuffer{}
		buf.add(sub.ID, events.AggregateSubscription, events.SubscriptionCanceled, subscriptionPayload(sub))
		buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
	}
	s.opts.Logger.WithContext(ctx).Info("Subscription cancellation requested",
		"subscription_id", sub.ID, "at_period_end", atPeriodEnd)
	return sub, nil
}

// GetSubscription retrieves a subscription
func (s *SubscriptionService) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	return s.repos.Subscriptions.FindByID(ctx, id)
}

// ListSubscriptions lists subscriptions
func (s *SubscriptionService) ListSubscriptions(ctx context.Context, filter model.SubscriptionFilter) ([]*model.Subscription, int, error) {
	return s.repos.Subscriptions.List(ctx, filter)
}
