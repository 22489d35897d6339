package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents subscription status
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing SubscriptionStatus = "trialing"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusTrialing: {SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCanceled},
	SubscriptionStatusActive:   {SubscriptionStatusPastDue, SubscriptionStatusCanceled},
	SubscriptionStatusPastDue:  {SubscriptionStatusActive, SubscriptionStatusCanceled},
	SubscriptionStatusCanceled: nil,
}

// CanTransition reports whether from may move to to
func (s SubscriptionStatus) CanTransition(to SubscriptionStatus) bool {
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Live reports whether the status still bills
func (s SubscriptionStatus) Live() bool {
	return s == SubscriptionStatusTrialing || s == SubscriptionStatusActive || s == SubscriptionStatusPastDue
}

// Subscription binds a customer to a plan
type Subscription struct {
	ID                   string
	CustomerID           string
	PlanID               string
	CouponID             *string
	Status               SubscriptionStatus
	StartedAt            time.Time
	CurrentPeriodStart   time.Time
	CurrentPeriodEnd     time.Time
	CancelAtPeriodEnd    bool
	CanceledAt           *time.Time
	EndedAt              *time.Time
	PaymentAttempts      int
	NextPaymentAttemptAt *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// NewSubscription starts a subscription at now. Plans with a trial start in
// trialing for the trial length; the rest start active for one interval.
func NewSubscription(customerID string, plan *Plan, couponID *string, now time.Time) *Subscription {
	s := &Subscription{
		ID:                 uuid.New().String(),
		CustomerID:         customerID,
		PlanID:             plan.ID,
		CouponID:           couponID,
		StartedAt:          now,
		CurrentPeriodStart: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if plan.TrialDays > 0 {
		s.Status = SubscriptionStatusTrialing
		s.CurrentPeriodEnd = now.AddDate(0, 0, plan.TrialDays)
	} else {
		s.Status = SubscriptionStatusActive
		s.CurrentPeriodEnd = plan.Interval.PeriodEnd(now)
	}
	return s
}

func (s *Subscription) transition(to SubscriptionStatus, now time.Time) error {
	if s.Status == to {
		return nil
	}
	if s.Status == SubscriptionStatusCanceled {
		return ErrSubscriptionCanceled
	}
	if !s.Status.CanTransition(to) {
		return fmt.Errorf("%w: subscription %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = now
	return nil
}

// IsActive reports whether the subscription is in good standing and not winding down
func (s *Subscription) IsActive() bool {
	return (s.Status == SubscriptionStatusTrialing || s.Status == SubscriptionStatusActive) && !s.CancelAtPeriodEnd
}

// Cancel ends the subscription now, or flags it to end at the period boundary
func (s *Subscription) Cancel(atPeriodEnd bool, now time.Time) error {
	if s.Status == SubscriptionStatusCanceled {
		return ErrSubscriptionCanceled
	}
	if atPeriodEnd {
		s.CancelAtPeriodEnd = true
		s.CanceledAt = &now
		s.UpdatedAt = now
		return nil
	}
	return s.end(now)
}

func (s *Subscription) end(now time.Time) error {
	if err := s.transition(SubscriptionStatusCanceled, now); err != nil {
		return err
	}
	if s.CanceledAt == nil {
		s.CanceledAt = &now
	}
	s.EndedAt = &now
	s.NextPaymentAttemptAt = nil
	return nil
}

// PeriodElapsed reports whether the current period has ended at now
func (s *Subscription) PeriodElapsed(now time.Time) bool {
	return !s.CurrentPeriodEnd.After(now)
}

// DueForRenewal reports whether the boundary has passed for a subscription in good standing
func (s *Subscription) DueForRenewal(now time.Time) bool {
	return (s.Status == SubscriptionStatusTrialing || s.Status == SubscriptionStatusActive) && s.PeriodElapsed(now)
}

// DueForRetry reports whether a past-due subscription should be charged again
func (s *Subscription) DueForRetry(now time.Time) bool {
	return s.Status == SubscriptionStatusPastDue &&
		s.NextPaymentAttemptAt != nil && !s.NextPaymentAttemptAt.After(now)
}

// ApplyScheduledCancellation cancels a flagged subscription once its period has ended
func (s *Subscription) ApplyScheduledCancellation(now time.Time) (bool, error) {
	if !s.CancelAtPeriodEnd || s.Status == SubscriptionStatusCanceled || !s.PeriodElapsed(now) {
		return false, nil
	}
	if err := s.end(now); err != nil {
		return false, err
	}
	return true, nil
}

// AdvancePeriod rolls the billing window forward by one plan interval
func (s *Subscription) AdvancePeriod(plan *Plan, now time.Time) error {
	if s.Status == SubscriptionStatusCanceled {
		return ErrSubscriptionCanceled
	}
	s.CurrentPeriodStart = s.CurrentPeriodEnd
	s.CurrentPeriodEnd = plan.Interval.PeriodEnd(s.CurrentPeriodStart)
	s.UpdatedAt = now
	return nil
}

// MarkPaid records a settled charge and returns the subscription to active
func (s *Subscription) MarkPaid(now time.Time) error {
	if err := s.transition(SubscriptionStatusActive, now); err != nil {
		return err
	}
	s.PaymentAttempts = 0
	s.NextPaymentAttemptAt = nil
	return nil
}

// RetryPolicy decides when failed charges are retried
type RetryPolicy struct {
	Backoff     []time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy retries after one, three and seven days
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Backoff:     []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour},
		MaxAttempts: 4,
	}
}

// Delay returns the wait before the attempt following the given failed attempt count
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if len(p.Backoff) == 0 {
		return 24 * time.Hour
	}
	i := attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

// RecordPaymentFailure moves the subscription to past_due and schedules the next
// attempt. Once the policy is exhausted the subscription is canceled; the return
// value reports that case.
func (s *Subscription) RecordPaymentFailure(policy RetryPolicy, now time.Time) (bool, error) {
	if s.Status == SubscriptionStatusCanceled {
		return false, ErrSubscriptionCanceled
	}
	if err := s.transition(SubscriptionStatusPastDue, now); err != nil {
		return false, err
	}
	s.PaymentAttempts++
	if s.PaymentAttempts >= policy.MaxAttempts {
		return true, s.end(now)
	}
	next := now.Add(policy.Delay(s.PaymentAttempts))
	s.NextPaymentAttemptAt = &next
	return false, nil
}
