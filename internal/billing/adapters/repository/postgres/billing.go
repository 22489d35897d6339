package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/database"
)

// CustomerRepository implements customer persistence
type CustomerRepository struct {
	db *database.DB
}

// Customers returns the customer repository
func (s *Store) Customers() *CustomerRepository { return &CustomerRepository{db: s.db} }

const customerColumns = `id, user_id, email, name, company_name, tax_id, address_line1, address_line2,
	city, state, postal_code, country, created_at, updated_at`

func scanCustomer(row scanner) (*model.Customer, error) {
	var c model.Customer
	err := row.Scan(&c.ID, &c.UserID, &c.Email, &c.Name, &c.CompanyName, &c.TaxID,
		&c.AddressLine1, &c.AddressLine2, &c.City, &c.State, &c.PostalCode, &c.Country,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Save creates a new customer
func (r *CustomerRepository) Save(ctx context.Context, c *model.Customer) error {
	query := `
		INSERT INTO customers (` + customerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		c.ID, c.UserID, c.Email, c.Name, c.CompanyName, c.TaxID,
		c.AddressLine1, c.AddressLine2, c.City, c.State, c.PostalCode, c.Country,
		c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("customer for user %s already exists", c.UserID)
	}
	return err
}

// Update updates the customer profile
func (r *CustomerRepository) Update(ctx context.Context, c *model.Customer) error {
	query := `
		UPDATE customers
		SET email = $2, name = $3, company_name = $4, tax_id = $5, address_line1 = $6, address_line2 = $7,
		    city = $8, state = $9, postal_code = $10, country = $11, updated_at = $12
		WHERE id = $1
	`
	res, err := r.db.Conn(ctx).ExecContext(ctx, query,
		c.ID, c.Email, c.Name, c.CompanyName, c.TaxID, c.AddressLine1, c.AddressLine2,
		c.City, c.State, c.PostalCode, c.Country, c.UpdatedAt)
	if err != nil {
		return err
	}
	return affected(res, model.ErrCustomerNotFound)
}

// FindByID finds a customer by ID
func (r *CustomerRepository) FindByID(ctx context.Context, id string) (*model.Customer, error) {
	return r.findBy(ctx, "id", id)
}

// FindByUserID finds the customer owned by a user
func (r *CustomerRepository) FindByUserID(ctx context.Context, userID string) (*model.Customer, error) {
	return r.findBy(ctx, "user_id", userID)
}

func (r *CustomerRepository) findBy(ctx context.Context, field, value string) (*model.Customer, error) {
	query := fmt.Sprintf(`SELECT %s FROM customers WHERE %s = $1`, customerColumns, field)
	c, err := scanCustomer(r.db.Conn(ctx).QueryRowContext(ctx, query, value))
	if err != nil {
		return nil, notFound(err, model.ErrCustomerNotFound)
	}
	return c, nil
}

// List lists customers
func (r *CustomerRepository) List(ctx context.Context, filter model.CustomerFilter) ([]*model.Customer, int, error) {
	qb := database.NewQueryBuilder(`SELECT `+customerColumns+` FROM customers`).
		OrderBy("created_at", true).
		Limit(filter.Limit(), filter.Offset())
	return list(ctx, r.db.Conn(ctx), qb, scanCustomer)
}

// SubscriptionRepository implements subscription persistence
type SubscriptionRepository struct {
	db *database.DB
}

// Subscriptions returns the subscription repository
func (s *Store) Subscriptions() *SubscriptionRepository { return &SubscriptionRepository{db: s.db} }

const subscriptionColumns = `id, customer_id, plan_id, coupon_id, status, started_at,
	current_period_start, current_period_end, cancel_at_period_end, canceled_at, ended_at,
	payment_attempts, next_payment_attempt_at, created_at, updated_at`

func scanSubscription(row scanner) (*model.Subscription, error) {
	var (
		s           model.Subscription
		couponID    sql.NullString
		canceledAt  sql.NullTime
		endedAt     sql.NullTime
		nextAttempt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.CustomerID, &s.PlanID, &couponID, &s.Status, &s.StartedAt,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &canceledAt, &endedAt,
		&s.PaymentAttempts, &nextAttempt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.CouponID = database.StringPtr(couponID)
	s.CanceledAt = database.TimePtr(canceledAt)
	s.EndedAt = database.TimePtr(endedAt)
	s.NextPaymentAttemptAt = database.TimePtr(nextAttempt)
	return &s, nil
}

// Save creates a new subscription
func (r *SubscriptionRepository) Save(ctx context.Context, s *model.Subscription) error {
	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		s.ID, s.CustomerID, s.PlanID, database.NullStringPtr(s.CouponID), s.Status, s.StartedAt,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd,
		database.NullTime(s.CanceledAt), database.NullTime(s.EndedAt),
		s.PaymentAttempts, database.NullTime(s.NextPaymentAttemptAt), s.CreatedAt, s.UpdatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("subscription references a missing customer, plan or coupon: %w", err)
	}
	return err
}

// Update updates a subscription
func (r *SubscriptionRepository) Update(ctx context.Context, s *model.Subscription) error {
	query := `
		UPDATE subscriptions
		SET status = $2, current_period_start = $3, current_period_end = $4, cancel_at_period_end = $5,
		    canceled_at = $6, ended_at = $7, payment_attempts = $8, next_payment_attempt_at = $9, updated_at = $10
		WHERE id = $1
	`
	res, err := r.db.Conn(ctx).ExecContext(ctx, query,
		s.ID, s.Status, s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd,
		database.NullTime(s.CanceledAt), database.NullTime(s.EndedAt),
		s.PaymentAttempts, database.NullTime(s.NextPaymentAttemptAt), s.UpdatedAt)
	if err != nil {
		return err
	}
	return affected(res, model.ErrSubscriptionNotFound)
}

// FindByID finds a subscription by ID
func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	return r.find(ctx, id, "")
}

// FindByIDForUpdate locks the subscription row for the rest of the transaction
func (r *SubscriptionRepository) FindByIDForUpdate(ctx context.Context, id string) (*model.Subscription, error) {
	return r.find(ctx, id, " FOR UPDATE")
}

func (r *SubscriptionRepository) find(ctx context.Context, id, lock string) (*model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1` + lock
	s, err := scanSubscription(r.db.Conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, model.ErrSubscriptionNotFound)
	}
	return s, nil
}

// List lists subscriptions
func (r *SubscriptionRepository) List(ctx context.Context, filter model.SubscriptionFilter) ([]*model.Subscription, int, error) {
	qb := database.NewQueryBuilder(`SELECT `+subscriptionColumns+` FROM subscriptions`).
		WhereIf(filter.CustomerID != "", "customer_id = ?", filter.CustomerID).
		WhereIf(filter.PlanID != "", "plan_id = ?", filter.PlanID).
		WhereIf(filter.Status != "", "status = ?", string(filter.Status)).
		OrderBy("created_at", true).
		Limit(filter.Limit(), filter.Offset())
	return list(ctx, r.db.Conn(ctx), qb, scanSubscription)
}

// ExistsLive reports whether the customer already holds a live subscription to the plan
func (r *SubscriptionRepository) ExistsLive(ctx context.Context, customerID, planID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM subscriptions
			WHERE customer_id = $1 AND plan_id = $2 AND status IN ('trialing', 'active', 'past_due')
		)
	`
	var exists bool
	err := r.db.Conn(ctx).QueryRowContext(ctx, query, customerID, planID).Scan(&exists)
	return exists, err
}

// CountLiveByPlan counts live subscriptions of a plan
func (r *SubscriptionRepository) CountLiveByPlan(ctx context.Context, planID string) (int, error) {
	query := `SELECT COUNT(*) FROM subscriptions WHERE plan_id = $1 AND status IN ('trialing', 'active', 'past_due')`
	var n int
	err := r.db.Conn(ctx).QueryRowContext(ctx, query, planID).Scan(&n)
	return n, err
}

// FindDue returns subscriptions the lifecycle runner has to act on at now
func (r *SubscriptionRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE (status IN ('trialing', 'active', 'past_due') AND cancel_at_period_end AND current_period_end <= $1)
		   OR (status IN ('trialing', 'active') AND current_period_end <= $1)
		   OR (status = 'past_due' AND next_payment_attempt_at <= $1)
		ORDER BY current_period_end
		LIMIT $2
	`
	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due subscriptions: %w", err)
	}
	return collect(rows, scanSubscription)
}

// FindRenewingBetween returns live subscriptions whose period ends in [from, to)
func (r *SubscriptionRepository) FindRenewingBetween(ctx context.Context, from, to time.Time) ([]*model.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status IN ('trialing', 'active', 'past_due') AND NOT cancel_at_period_end
		  AND current_period_end >= $1 AND current_period_end < $2
		ORDER BY current_period_end
	`
	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query renewing subscriptions: %w", err)
	}
	return collect(rows, scanSubscription)
}
