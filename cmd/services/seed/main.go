// Package main loads demo accounts, catalog and coupons. Running it twice is
// harmless: existing records are reused.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	authservice "github.com/saas-invoice/saas-invoice/internal/auth/app/service"
	authmodel "github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/container"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
)

type demoUser struct {
	email, password, first, last string
	role                         authmodel.Role
}

var users = []demoUser{
	{"admin@example.com", "Admin123!", "Admin", "User", authmodel.RoleOwner},
	{"accountant@example.com", "Accountant123!", "Ada", "Ledger", authmodel.RoleAccountant},
	{"customer@example.com", "Customer123!", "John", "Doe", authmodel.RoleUser},
}

type demoPlan struct {
	name      string
	price     int64
	interval  model.Interval
	trialDays int
}

var plans = []demoPlan{
	{"Basic", 900, model.IntervalMonthly, 14},
	{"Pro", 2900, model.IntervalMonthly, 7},
	{"Enterprise", 9900, model.IntervalMonthly, 0},
	{"Pro Annual", 29000, model.IntervalYearly, 0},
}

func main() {
	cfg, err := config.Load("seed")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	log := logger.New(cfg.Logger)
	if cfg.Database.InMemory() {
		log.Fatal("seeding needs a persistent database; set database.driver to postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := container.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to build dependencies", "error", err)
	}
	defer c.Close(context.Background())

	if err := seed(ctx, c, log); err != nil {
		log.Error("seeding failed", "error", err)
		return
	}
	log.Info("Demo data seeded",
		"owner", "admin@example.com / Admin123!",
		"accountant", "accountant@example.com / Accountant123!",
		"customer", "customer@example.com / Customer123!",
		"coupon", "WELCOME20",
	)
}

func seed(ctx context.Context, c *container.Container, log logger.Logger) error {
	owner := requestctx.Principal{Role: string(authmodel.RoleOwner)}
	accounts := make(map[string]*authmodel.User, len(users))
	for _, u := range users {
		user, err := c.Auth.CreateUser(ctx, owner, authservice.CreateUserInput{
			RegisterInput: authservice.RegisterInput{
				Email:     u.email,
				Password:  u.password,
				FirstName: u.first,
				LastName:  u.last,
			},
			Role:       u.role,
			IsVerified: true,
		})
		if errors.Is(err, authmodel.ErrEmailTaken) {
			user, err = c.Users.FindByEmail(ctx, u.email)
		}
		if err != nil {
			return fmt.Errorf("user %s: %w", u.email, err)
		}
		accounts[u.email] = user
		log.Info("User ready", "email", user.Email, "role", user.Role)
	}

	product, err := ensureProduct(ctx, c.Billing.Catalog, "SaaS Platform", "Complete SaaS solution for businesses")
	if err != nil {
		return err
	}
	byName := make(map[string]*model.Plan)
	for _, p := range plans {
		plan, err := ensurePlan(ctx, c.Billing.Catalog, product.ID, p)
		if err != nil {
			return err
		}
		byName[p.name] = plan
	}

	maxRedemptions := int64(100)
	_, err = c.Billing.Catalog.CreateCoupon(ctx, model.CouponParams{
		Code:           "WELCOME20",
		DiscountType:   model.DiscountPercent,
		PercentOff:     20,
		Currency:       model.DefaultCurrency,
		MaxRedemptions: &maxRedemptions,
		Active:         true,
	})
	if err != nil && !errors.Is(err, model.ErrCouponCodeTaken) {
		return fmt.Errorf("coupon: %w", err)
	}

	demo := accounts["customer@example.com"]
	account := service.Account{UserID: demo.ID, Email: demo.Email, Name: demo.FullName()}
	customer, err := c.Billing.Customers.UpdateProfile(ctx, account, model.CustomerProfile{
		CompanyName:  "Demo Company Inc.",
		TaxID:        "12-3456789",
		AddressLine1: "123 Business St",
		AddressLine2: "Suite 100",
		City:         "New York",
		State:        "NY",
		PostalCode:   "10001",
		Country:      "USA",
	})
	if err != nil {
		return fmt.Errorf("customer profile: %w", err)
	}

	_, total, err := c.Billing.Subscriptions.ListSubscriptions(ctx, model.SubscriptionFilter{
		CustomerID: customer.ID,
		Pagination: model.Pagination{Page: 1, PageSize: 1},
	})
	if err != nil {
		return err
	}
	if total == 0 {
		result, err := c.Billing.Subscriptions.CreateSubscription(ctx, service.CreateSubscriptionInput{
			CustomerID: customer.ID,
			PlanID:     byName["Pro"].ID,
		})
		if err != nil {
			return fmt.Errorf("subscription: %w", err)
		}
		log.Info("Trial subscription created", "subscription_id", result.Subscription.ID, "status", result.Subscription.Status)
	}
	return nil
}

func ensureProduct(ctx context.Context, catalog *service.CatalogService, name, description string) (*model.Product, error) {
	products, _, err := catalog.ListProducts(ctx, model.ProductFilter{Pagination: model.Pagination{Page: 1, PageSize: model.MaxPageSize}})
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		if p.Name == name {
			return p, nil
		}
	}
	return catalog.CreateProduct(ctx, name, description)
}

func ensurePlan(ctx context.Context, catalog *service.CatalogService, productID string, p demoPlan) (*model.Plan, error) {
	existing, _, err := catalog.ListPlans(ctx, model.PlanFilter{
		ProductID:  productID,
		Pagination: model.Pagination{Page: 1, PageSize: model.MaxPageSize},
	})
	if err != nil {
		return nil, err
	}
	for _, plan := range existing {
		if plan.Name == p.name {
			return plan, nil
		}
	}
	plan, err := catalog.CreatePlan(ctx, model.PlanParams{
		ProductID:  productID,
		Name:       p.name,
		PriceCents: p.price,
		Currency:   model.DefaultCurrency,
		Interval:   p.interval,
		TrialDays:  p.trialDays,
		Active:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", p.name, err)
	}
	return plan, nil
}
