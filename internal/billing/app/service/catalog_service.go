package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

const (
	catalogCachePrefix = "catalog:"
	catalogCacheTTL    = 5 * time.Minute
)

// CatalogService manages products, plans and coupons
type CatalogService struct {
	repos    Repositories
	settings Settings
	cache    Cache
	opts     Options
}

// NewCatalogService creates a new catalog service. cache may be nil.
func NewCatalogService(repos Repositories, settings Settings, cache Cache, opts Options) *CatalogService {
	return &CatalogService{
		repos:    repos,
		settings: settings,
		cache:    cache,
		opts:     opts.withDefaults(),
	}
}

// CreateProduct creates a product
func (s *CatalogService) CreateProduct(ctx context.Context, name, description string) (*model.Product, error) {
	product, err := model.NewProduct(name, description)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Products.Save(ctx, product); err != nil {
		return nil, fmt.Errorf("failed to save product: %w", err)
	}
	s.invalidate(ctx)
	return product, nil
}

// UpdateProductInput represents product update input
type UpdateProductInput struct {
	Name        *string
	Description *string
	Active      *bool
}

// UpdateProduct edits a product
func (s *CatalogService) UpdateProduct(ctx context.Context, id string, input UpdateProductInput) (*model.Product, error) {
	product, err := s.repos.Products.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		if *input.Name == "" {
			return nil, &model.ValidationError{Field: "name", Message: "is required"}
		}
		product.Name = *input.Name
	}
	if input.Description != nil {
		product.Description = *input.Description
	}
	if input.Active != nil {
		product.Active = *input.Active
	}
	product.UpdatedAt = s.opts.Clock()
	if err := s.repos.Products.Update(ctx, product); err != nil {
		return nil, fmt.Errorf("failed to update product: %w", err)
	}
	s.invalidate(ctx)
	return product, nil
}

// GetProduct retrieves a product
func (s *CatalogService) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	return s.repos.Products.FindByID(ctx, id)
}

// ListProducts lists products
func (s *CatalogService) ListProducts(ctx context.Context, filter model.ProductFilter) ([]*model.Product, int, error) {
	if !filter.ActiveOnly {
		return s.repos.Products.List(ctx, filter)
	}
	key := fmt.Sprintf("%sproducts:%d:%d", catalogCachePrefix, filter.Normalize().Page, filter.Limit())
	return cached(ctx, s, key, func() ([]*model.Product, int, error) {
		return s.repos.Products.List(ctx, filter)
	})
}

// DeleteProduct removes a product without plans
func (s *CatalogService) DeleteProduct(ctx context.Context, id string) error {
	if err := s.repos.Products.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// CreatePlan creates a plan under an existing product
func (s *CatalogService) CreatePlan(ctx context.Context, params model.PlanParams) (*model.Plan, error) {
	if params.Currency == "" {
		params.Currency = s.settings.DefaultCurrency
	}
	plan, err := model.NewPlan(params)
	if err != nil {
		return nil, err
	}
	if _, err := s.repos.Products.FindByID(ctx, plan.ProductID); err != nil {
		return nil, err
	}
	if err := s.repos.Plans.Save(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to save plan: %w", err)
	}
	s.invalidate(ctx)
	return plan, nil
}

// UpdatePlan edits a plan. Pricing fields are frozen while live subscriptions
// reference the plan.
func (s *CatalogService) UpdatePlan(ctx context.Context, id string, params model.PlanParams) (*model.Plan, error) {
	var plan *model.Plan
	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		plan, err = s.repos.Plans.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if params.Currency == "" {
			params.Currency = plan.Currency
		}
		live, err := s.repos.Subscriptions.CountLiveByPlan(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to count subscriptions: %w", err)
		}
		if err := plan.Update(params, live > 0); err != nil {
			return err
		}
		return s.repos.Plans.Update(ctx, plan)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return plan, nil
}

// GetPlan retrieves a plan
func (s *CatalogService) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	return s.repos.Plans.FindByID(ctx, id)
}

// ListPlans lists plans
func (s *CatalogService) ListPlans(ctx context.Context, filter model.PlanFilter) ([]*model.Plan, int, error) {
	if !filter.ActiveOnly {
		return s.repos.Plans.List(ctx, filter)
	}
	key := fmt.Sprintf("%splans:%s:%s:%d:%d", catalogCachePrefix, filter.ProductID, filter.Interval,
		filter.Normalize().Page, filter.Limit())
	return cached(ctx, s, key, func() ([]*model.Plan, int, error) {
		return s.repos.Plans.List(ctx, filter)
	})
}

// DeletePlan removes a plan that was never subscribed to
func (s *CatalogService) DeletePlan(ctx context.Context, id string) error {
	if err := s.repos.Plans.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// CreateCoupon creates a coupon
func (s *CatalogService) CreateCoupon(ctx context.Context, params model.CouponParams) (*model.Coupon, error) {
	coupon, err := model.NewCoupon(params)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Coupons.Save(ctx, coupon); err != nil {
		return nil, err
	}
	return coupon, nil
}

// UpdateCoupon edits a coupon under its row lock so the redemption counter is not lost
func (s *CatalogService) UpdateCoupon(ctx context.Context, id string, params model.CouponParams) (*model.Coupon, error) {
	var coupon *model.Coupon
	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repos.Coupons.FindByID(ctx, id)
		if err != nil {
			return err
		}
		coupon, err = s.repos.Coupons.FindByCodeForUpdate(ctx, current.Code)
		if err != nil {
			return err
		}
		if err := coupon.Update(params); err != nil {
			return err
		}
		return s.repos.Coupons.Update(ctx, coupon)
	})
	if err != nil {
		return nil, err
	}
	return coupon, nil
}

// GetCoupon retrieves a coupon
func (s *CatalogService) GetCoupon(ctx context.Context, id string) (*model.Coupon, error) {
	return s.repos.Coupons.FindByID(ctx, id)
}

// ListCoupons lists coupons
func (s *CatalogService) ListCoupons(ctx context.Context, filter model.CouponFilter) ([]*model.Coupon, int, error) {
	return s.repos.Coupons.List(ctx, filter)
}

// DeleteCoupon removes a coupon that was never applied
func (s *CatalogService) DeleteCoupon(ctx context.Context, id string) error {
	return s.repos.Coupons.Delete(ctx, id)
}

// CouponPreview is the discount a coupon would grant on one plan period
type CouponPreview struct {
	Coupon *model.Coupon
	Plan   *model.Plan
	model.Totals
}

// ValidateCoupon checks a code against a plan without redeeming it
func (s *CatalogService) ValidateCoupon(ctx context.Context, code, planID string) (*CouponPreview, error) {
	coupon, err := s.repos.Coupons.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, model.ErrCouponNotFound) {
			return nil, fmt.Errorf("%w: unknown code", model.ErrInvalidCoupon)
		}
		return nil, err
	}
	plan, err := s.repos.Plans.FindByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, model.ErrPlanInactive
	}
	if err := coupon.CheckApplicable(s.opts.Clock(), plan.Currency); err != nil {
		return nil, err
	}
	return &CouponPreview{
		Coupon: coupon,
		Plan:   plan,
		Totals: model.ComputeTotals(plan.PriceCents, coupon.Discount(), s.settings.Tax),
	}, nil
}

type page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func cached[T any](ctx context.Context, s *CatalogService, key string, load func() ([]T, int, error)) ([]T, int, error) {
	if s.cache != nil {
		var hit page[T]
		if err := s.cache.Get(ctx, key, &hit); err == nil {
			return hit.Items, hit.Total, nil
		}
	}
	items, total, err := load()
	if err != nil {
		return nil, 0, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, page[T]{Items: items, Total: total}, catalogCacheTTL); err != nil {
			s.opts.Logger.WithContext(ctx).Warn("Failed to cache catalog page", "key", key, "error", err)
		}
	}
	return items, total, nil
}

func (s *CatalogService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidatePattern(ctx, catalogCachePrefix+"*"); err != nil {
		s.opts.Logger.WithContext(ctx).Warn("Failed to invalidate catalog cache", "error", err)
	}
}
