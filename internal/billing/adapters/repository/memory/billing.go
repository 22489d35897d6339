package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

// CustomerRepository is the in-memory customer table
type CustomerRepository struct{ s *Store }

// Customers returns the customer repository
func (s *Store) Customers() *CustomerRepository { return &CustomerRepository{s: s} }

func cloneCustomer(c *model.Customer) *model.Customer {
	out := *c
	return &out
}

func (r *CustomerRepository) Save(ctx context.Context, customer *model.Customer) error {
	return r.s.write(ctx, func() (func(), error) {
		for _, c := range r.s.customers {
			if c.UserID == customer.UserID {
				return nil, fmt.Errorf("customer for user %s already exists", customer.UserID)
			}
		}
		return put(r.s.customers, customer.ID, cloneCustomer(customer)), nil
	})
}

func (r *CustomerRepository) Update(ctx context.Context, customer *model.Customer) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.customers[customer.ID]; !ok {
			return nil, model.ErrCustomerNotFound
		}
		return put(r.s.customers, customer.ID, cloneCustomer(customer)), nil
	})
}

func (r *CustomerRepository) FindByID(ctx context.Context, id string) (*model.Customer, error) {
	var out *model.Customer
	r.s.read(func() {
		if c, ok := r.s.customers[id]; ok {
			out = cloneCustomer(c)
		}
	})
	if out == nil {
		return nil, model.ErrCustomerNotFound
	}
	return out, nil
}

func (r *CustomerRepository) FindByUserID(ctx context.Context, userID string) (*model.Customer, error) {
	var out *model.Customer
	r.s.read(func() {
		for _, c := range r.s.customers {
			if c.UserID == userID {
				out = cloneCustomer(c)
				return
			}
		}
	})
	if out == nil {
		return nil, model.ErrCustomerNotFound
	}
	return out, nil
}

func (r *CustomerRepository) List(ctx context.Context, filter model.CustomerFilter) ([]*model.Customer, int, error) {
	var items []*model.Customer
	r.s.read(func() {
		for _, c := range r.s.customers {
			items = append(items, cloneCustomer(c))
		}
	})
	page, total := paginate(items,
		func(c *model.Customer) time.Time { return c.CreatedAt },
		func(c *model.Customer) string { return c.ID },
		filter.Pagination)
	return page, total, nil
}

// SubscriptionRepository is the in-memory subscription table
type SubscriptionRepository struct{ s *Store }

// Subscriptions returns the subscription repository
func (s *Store) Subscriptions() *SubscriptionRepository { return &SubscriptionRepository{s: s} }

func cloneSubscription(sub *model.Subscription) *model.Subscription {
	out := *sub
	out.CouponID = stringPtr(sub.CouponID)
	out.CanceledAt = timePtr(sub.CanceledAt)
	out.EndedAt = timePtr(sub.EndedAt)
	out.NextPaymentAttemptAt = timePtr(sub.NextPaymentAttemptAt)
	return &out
}

func (r *SubscriptionRepository) Save(ctx context.Context, sub *model.Subscription) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.customers[sub.CustomerID]; !ok {
			return nil, model.ErrCustomerNotFound
		}
		if _, ok := r.s.plans[sub.PlanID]; !ok {
			return nil, model.ErrPlanNotFound
		}
		return put(r.s.subscriptions, sub.ID, cloneSubscription(sub)), nil
	})
}

func (r *SubscriptionRepository) Update(ctx context.Context, sub *model.Subscription) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.subscriptions[sub.ID]; !ok {
			return nil, model.ErrSubscriptionNotFound
		}
		return put(r.s.subscriptions, sub.ID, cloneSubscription(sub)), nil
	})
}

func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	var out *model.Subscription
	r.s.read(func() {
		if sub, ok := r.s.subscriptions[id]; ok {
			out = cloneSubscription(sub)
		}
	})
	if out == nil {
		return nil, model.ErrSubscriptionNotFound
	}
	return out, nil
}

func (r *SubscriptionRepository) FindByIDForUpdate(ctx context.Context, id string) (*model.Subscription, error) {
	return r.FindByID(ctx, id)
}

func (r *SubscriptionRepository) List(ctx context.Context, filter model.SubscriptionFilter) ([]*model.Subscription, int, error) {
	var items []*model.Subscription
	r.s.read(func() {
		for _, sub := range r.s.subscriptions {
			if filter.CustomerID != "" && sub.CustomerID != filter.CustomerID {
				continue
			}
			if filter.PlanID != "" && sub.PlanID != filter.PlanID {
				continue
			}
			if filter.Status != "" && sub.Status != filter.Status {
				continue
			}
			items = append(items, cloneSubscription(sub))
		}
	})
	page, total := paginate(items,
		func(s *model.Subscription) time.Time { return s.CreatedAt },
		func(s *model.Subscription) string { return s.ID },
		filter.Pagination)
	return page, total, nil
}

func (r *SubscriptionRepository) ExistsLive(ctx context.Context, customerID, planID string) (bool, error) {
	found := false
	r.s.read(func() {
		for _, sub := range r.s.subscriptions {
			if sub.CustomerID == customerID && sub.PlanID == planID && sub.Status.Live() {
				found = true
				return
			}
		}
	})
	return found, nil
}

func (r *SubscriptionRepository) CountLiveByPlan(ctx context.Context, planID string) (int, error) {
	n := 0
	r.s.read(func() {
		for _, sub := range r.s.subscriptions {
			if sub.PlanID == planID && sub.Status.Live() {
				n++
			}
		}
	})
	return n, nil
}

func (r *SubscriptionRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Subscription, error) {
	var items []*model.Subscription
	r.s.read(func() {
		for _, sub := range r.s.subscriptions {
			if sub.DueForRenewal(now) || sub.DueForRetry(now) ||
				(sub.CancelAtPeriodEnd && sub.Status.Live() && sub.PeriodElapsed(now)) {
				items = append(items, cloneSubscription(sub))
			}
		}
	})
	sort.Slice(items, func(i, j int) bool {
		return items[i].CurrentPeriodEnd.Before(items[j].CurrentPeriodEnd)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *SubscriptionRepository) FindRenewingBetween(ctx context.Context, from, to time.Time) ([]*model.Subscription, error) {
	var items []*model.Subscription
	r.s.read(func() {
		for _, sub := range r.s.subscriptions {
			if !sub.Status.Live() || sub.CancelAtPeriodEnd {
				continue
			}
			if !sub.CurrentPeriodEnd.Before(from) && sub.CurrentPeriodEnd.Before(to) {
				items = append(items, cloneSubscription(sub))
			}
		}
	})
	sort.Slice(items, func(i, j int) bool {
		return items[i].CurrentPeriodEnd.Before(items[j].CurrentPeriodEnd)
	})
	return items, nil
}
