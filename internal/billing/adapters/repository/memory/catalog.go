package memory

import (
	"context"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

// ProductRepository is the in-memory product table
type ProductRepository struct{ s *Store }

// Products returns the product repository
func (s *Store) Products() *ProductRepository { return &ProductRepository{s: s} }

func cloneProduct(p *model.Product) *model.Product {
	c := *p
	return &c
}

func (r *ProductRepository) Save(ctx context.Context, product *model.Product) error {
	return r.s.write(ctx, func() (func(), error) {
		return put(r.s.products, product.ID, cloneProduct(product)), nil
	})
}

func (r *ProductRepository) Update(ctx context.Context, product *model.Product) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.products[product.ID]; !ok {
			return nil, model.ErrProductNotFound
		}
		return put(r.s.products, product.ID, cloneProduct(product)), nil
	})
}

func (r *ProductRepository) FindByID(ctx context.Context, id string) (*model.Product, error) {
	var out *model.Product
	r.s.read(func() {
		if p, ok := r.s.products[id]; ok {
			out = cloneProduct(p)
		}
	})
	if out == nil {
		return nil, model.ErrProductNotFound
	}
	return out, nil
}

func (r *ProductRepository) List(ctx context.Context, filter model.ProductFilter) ([]*model.Product, int, error) {
	var items []*model.Product
	r.s.read(func() {
		for _, p := range r.s.products {
			if filter.ActiveOnly && !p.Active {
				continue
			}
			items = append(items, cloneProduct(p))
		}
	})
	page, total := paginate(items,
		func(p *model.Product) time.Time { return p.CreatedAt },
		func(p *model.Product) string { return p.ID },
		filter.Pagination)
	return page, total, nil
}

func (r *ProductRepository) Delete(ctx context.Context, id string) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.products[id]; !ok {
			return nil, model.ErrProductNotFound
		}
		for _, p := range r.s.plans {
			if p.ProductID == id {
				return nil, model.ErrProductInUse
			}
		}
		return remove(r.s.products, id), nil
	})
}

// PlanRepository is the in-memory plan table
type PlanRepository struct{ s *Store }

// Plans returns the plan repository
func (s *Store) Plans() *PlanRepository { return &PlanRepository{s: s} }

func clonePlan(p *model.Plan) *model.Plan {
	c := *p
	return &c
}

func (r *PlanRepository) Save(ctx context.Context, plan *model.Plan) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.products[plan.ProductID]; !ok {
			return nil, model.ErrProductNotFound
		}
		return put(r.s.plans, plan.ID, clonePlan(plan)), nil
	})
}

func (r *PlanRepository) Update(ctx context.Context, plan *model.Plan) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.plans[plan.ID]; !ok {
			return nil, model.ErrPlanNotFound
		}
		if _, ok := r.s.products[plan.ProductID]; !ok {
			return nil, model.ErrProductNotFound
		}
		return put(r.s.plans, plan.ID, clonePlan(plan)), nil
	})
}

func (r *PlanRepository) FindByID(ctx context.Context, id string) (*model.Plan, error) {
	var out *model.Plan
	r.s.read(func() {
		if p, ok := r.s.plans[id]; ok {
			out = clonePlan(p)
		}
	})
	if out == nil {
		return nil, model.ErrPlanNotFound
	}
	return out, nil
}

func (r *PlanRepository) List(ctx context.Context, filter model.PlanFilter) ([]*model.Plan, int, error) {
	var items []*model.Plan
	r.s.read(func() {
		for _, p := range r.s.plans {
			if filter.ActiveOnly && !p.Active {
				continue
			}
			if filter.ProductID != "" && p.ProductID != filter.ProductID {
				continue
			}
			if filter.Interval != "" && p.Interval != filter.Interval {
				continue
			}
			items = append(items, clonePlan(p))
		}
	})
	page, total := paginate(items,
		func(p *model.Plan) time.Time { return p.CreatedAt },
		func(p *model.Plan) string { return p.ID },
		filter.Pagination)
	return page, total, nil
}

func (r *PlanRepository) Delete(ctx context.Context, id string) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.plans[id]; !ok {
			return nil, model.ErrPlanNotFound
		}
		for _, sub := range r.s.subscriptions {
			if sub.PlanID == id {
				return nil, model.ErrPlanInUse
			}
		}
		return remove(r.s.plans, id), nil
	})
}

// CouponRepository is the in-memory coupon table
type CouponRepository struct{ s *Store }

// Coupons returns the coupon repository
func (s *Store) Coupons() *CouponRepository { return &CouponRepository{s: s} }

func cloneCoupon(c *model.Coupon) *model.Coupon {
	out := *c
	out.ExpiresAt = timePtr(c.ExpiresAt)
	if c.MaxRedemptions != nil {
		m := *c.MaxRedemptions
		out.MaxRedemptions = &m
	}
	return &out
}

func (r *CouponRepository) Save(ctx context.Context, coupon *model.Coupon) error {
	return r.s.write(ctx, func() (func(), error) {
		for _, c := range r.s.coupons {
			if c.Code == coupon.Code {
				return nil, model.ErrCouponCodeTaken
			}
		}
		return put(r.s.coupons, coupon.ID, cloneCoupon(coupon)), nil
	})
}

func (r *CouponRepository) Update(ctx context.Context, coupon *model.Coupon) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.coupons[coupon.ID]; !ok {
			return nil, model.ErrCouponNotFound
		}
		for _, c := range r.s.coupons {
			if c.ID != coupon.ID && c.Code == coupon.Code {
				return nil, model.ErrCouponCodeTaken
			}
		}
		return put(r.s.coupons, coupon.ID, cloneCoupon(coupon)), nil
	})
}

func (r *CouponRepository) FindByID(ctx context.Context, id string) (*model.Coupon, error) {
	var out *model.Coupon
	r.s.read(func() {
		if c, ok := r.s.coupons[id]; ok {
			out = cloneCoupon(c)
		}
	})
	if out == nil {
		return nil, model.ErrCouponNotFound
	}
	return out, nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*model.Coupon, error) {
	code = model.NormalizeCouponCode(code)
	var out *model.Coupon
	r.s.read(func() {
		for _, c := range r.s.coupons {
			if c.Code == code {
				out = cloneCoupon(c)
				return
			}
		}
	})
	if out == nil {
		return nil, model.ErrCouponNotFound
	}
	return out, nil
}

// FindByCodeForUpdate relies on the store-wide transaction lock for exclusivity
func (r *CouponRepository) FindByCodeForUpdate(ctx context.Context, code string) (*model.Coupon, error) {
	return r.FindByCode(ctx, code)
}

func (r *CouponRepository) List(ctx context.Context, filter model.CouponFilter) ([]*model.Coupon, int, error) {
	var items []*model.Coupon
	r.s.read(func() {
		for _, c := range r.s.coupons {
			if filter.ActiveOnly && !c.Active {
				continue
			}
			items = append(items, cloneCoupon(c))
		}
	})
	page, total := paginate(items,
		func(c *model.Coupon) time.Time { return c.CreatedAt },
		func(c *model.Coupon) string { return c.ID },
		filter.Pagination)
	return page, total, nil
}

func (r *CouponRepository) Delete(ctx context.Context, id string) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.coupons[id]; !ok {
			return nil, model.ErrCouponNotFound
		}
		for _, sub := range r.s.subscriptions {
			if sub.CouponID != nil && *sub.CouponID == id {
				return nil, model.ErrCouponInUse
			}
		}
		for _, inv := range r.s.invoices {
			if inv.CouponID != nil && *inv.CouponID == id {
				return nil, model.ErrCouponInUse
			}
		}
		return remove(r.s.coupons, id), nil
	})
}
