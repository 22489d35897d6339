package postgres

import (
	"context"
	"database/sql"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/database"
)

// ProductRepository implements product persistence
type ProductRepository struct {
	db *database.DB
}

// Products returns the product repository
func (s *Store) Products() *ProductRepository { return &ProductRepository{db: s.db} }

const productColumns = `id, name, description, active, created_at, updated_at`

func scanProduct(row scanner) (*model.Product, error) {
	var p model.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Save creates a new product
func (r *ProductRepository) Save(ctx context.Context, p *model.Product) error {
	query := `
		INSERT INTO products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		p.ID, p.Name, p.Description, p.Active, p.CreatedAt, p.UpdatedAt)
	return err
}

// Update updates a product
func (r *ProductRepository) Update(ctx context.Context, p *model.Product) error {
	query := `
		UPDATE products
		SET name = $2, description = $3, active = $4, updated_at = $5
		WHERE id = $1
	`
	res, err := r.db.Conn(ctx).ExecContext(ctx, query, p.ID, p.Name, p.Description, p.Active, p.UpdatedAt)
	if err != nil {
		return err
	}
	return affected(res, model.ErrProductNotFound)
}

// FindByID finds a product by ID
func (r *ProductRepository) FindByID(ctx context.Context, id string) (*model.Product, error) {
	row := r.db.Conn(ctx).QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if err != nil {
		return nil, notFound(err, model.ErrProductNotFound)
	}
	return p, nil
}

// List lists products
func (r *ProductRepository) List(ctx context.Context, filter model.ProductFilter) ([]*model.Product, int, error) {
	qb := database.NewQueryBuilder(`SELECT `+productColumns+` FROM products`).
		WhereIf(filter.ActiveOnly, "active = TRUE").
		OrderBy("created_at", true).
		Limit(filter.Limit(), filter.Offset())
	return list(ctx, r.db.Conn(ctx), qb, scanProduct)
}

// Delete removes a product. Products that still own plans cannot be deleted.
func (r *ProductRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.ErrProductInUse
		}
		return err
	}
	return affected(res, model.ErrProductNotFound)
}

// PlanRepository implements plan persistence
type PlanRepository struct {
	db *database.DB
}

// Plans returns the plan repository
func (s *Store) Plans() *PlanRepository { return &PlanRepository{db: s.db} }

const planColumns = `id, product_id, name, price_cents, currency, interval, trial_days, active, created_at, updated_at`

func scanPlan(row scanner) (*model.Plan, error) {
	var p model.Plan
	err := row.Scan(&p.ID, &p.ProductID, &p.Name, &p.PriceCents, &p.Currency,
		&p.Interval, &p.TrialDays, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Save creates a new plan
func (r *PlanRepository) Save(ctx context.Context, p *model.Plan) error {
	query := `
		INSERT INTO plans (` + planColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		p.ID, p.ProductID, p.Name, p.PriceCents, p.Currency,
		p.Interval, p.TrialDays, p.Active, p.CreatedAt, p.UpdatedAt)
	if isForeignKeyViolation(err) {
		return model.ErrProductNotFound
	}
	return err
}

// Update updates a plan
func (r *PlanRepository) Update(ctx context.Context, p *model.Plan) error {
	query := `
		UPDATE plans
		SET product_id = $2, name = $3, price_cents = $4, currency = $5,
		    interval = $6, trial_days = $7, active = $8, updated_at = $9
		WHERE id = $1
	`
	res, err := r.db.Conn(ctx).ExecContext(ctx, query,
		p.ID, p.ProductID, p.Name, p.PriceCents, p.Currency,
		p.Interval, p.TrialDays, p.Active, p.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.ErrProductNotFound
		}
		return err
	}
	return affected(res, model.ErrPlanNotFound)
}

// FindByID finds a plan by ID
func (r *PlanRepository) FindByID(ctx context.Context, id string) (*model.Plan, error) {
	row := r.db.Conn(ctx).QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
	p, err := scanPlan(row)
	if err != nil {
		return nil, notFound(err, model.ErrPlanNotFound)
	}
	return p, nil
}

// List lists plans
func (r *PlanRepository) List(ctx context.Context, filter model.PlanFilter) ([]*model.Plan, int, error) {
	qb := database.NewQueryBuilder(`SELECT `+planColumns+` FROM plans`).
		WhereIf(filter.ActiveOnly, "active = TRUE").
		WhereIf(filter.ProductID != "", "product_id = ?", filter.ProductID).
		WhereIf(filter.Interval != "", "interval = ?", string(filter.Interval)).
		OrderBy("created_at", true).
		Limit(filter.Limit(), filter.Offset())
	return list(ctx, r.db.Conn(ctx), qb, scanPlan)
}

// Delete removes a plan that no subscription references
func (r *PlanRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx, `DELETE FROM plans WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.ErrPlanInUse
		}
		return err
	}
	return affected(res, model.ErrPlanNotFound)
}

// CouponRepository implements coupon persistence
type CouponRepository struct {
	db *database.DB
}

// Coupons returns the coupon repository
func (s *Store) Coupons() *CouponRepository { return &CouponRepository{db: s.db} }

const couponColumns = `id, code, discount_type, percent_off, amount_off_cents, currency,
	expires_at, max_redemptions, times_redeemed, active, created_at, updated_at`

func scanCoupon(row scanner) (*model.Coupon, error) {
	var (
		c         model.Coupon
		expiresAt sql.NullTime
		maxRedeem sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.Code, &c.DiscountType, &c.PercentOff, &c.AmountOffCents, &c.Currency,
		&expiresAt, &maxRedeem, &c.TimesRedeemed, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = database.TimePtr(expiresAt)
	c.MaxRedemptions = int64Ptr(maxRedeem)
	return &c, nil
}

// Save creates a new coupon
func (r *CouponRepository) Save(ctx context.Context, c *model.Coupon) error {
	query := `
		INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		c.ID, c.Code, c.DiscountType, c.PercentOff, c.AmountOffCents, c.Currency,
		database.NullTime(c.ExpiresAt), nullInt64(c.MaxRedemptions), c.TimesRedeemed, c.Active,
		c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return model.ErrCouponCodeTaken
	}
	return err
}

// Update updates a coupon, including its redemption counter
func (r *CouponRepository) Update(ctx context.Context, c *model.Coupon) error {
	query := `
		UPDATE coupons
		SET code = $2, discount_type = $3, percent_off = $4, amount_off_cents = $5, currency = $6,
		    expires_at = $7, max_redemptions = $8, times_redeemed = $9, active = $10, updated_at = $11
		WHERE id = $1
	`
	res, err := r.db.Conn(ctx).ExecContext(ctx, query,
		c.ID, c.Code, c.DiscountType, c.PercentOff, c.AmountOffCents, c.Currency,
		database.NullTime(c.ExpiresAt), nullInt64(c.MaxRedemptions), c.TimesRedeemed, c.Active,
		c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ErrCouponCodeTaken
		}
		return err
	}
	return affected(res, model.ErrCouponNotFound)
}

// FindByID finds a coupon by ID
func (r *CouponRepository) FindByID(ctx context.Context, id string) (*model.Coupon, error) {
	row := r.db.Conn(ctx).QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id)
	c, err := scanCoupon(row)
	if err != nil {
		return nil, notFound(err, model.ErrCouponNotFound)
	}
	return c, nil
}

// FindByCode finds a coupon by its normalized code
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*model.Coupon, error) {
	return r.findByCode(ctx, code, "")
}

// FindByCodeForUpdate locks the coupon row for the rest of the transaction
func (r *CouponRepository) FindByCodeForUpdate(ctx context.Context, code string) (*model.Coupon, error) {
	return r.findByCode(ctx, code, " FOR UPDATE")
}

func (r *CouponRepository) findByCode(ctx context.Context, code, lock string) (*model.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1` + lock
	c, err := scanCoupon(r.db.Conn(ctx).QueryRowContext(ctx, query, model.NormalizeCouponCode(code)))
	if err != nil {
		return nil, notFound(err, model.ErrCouponNotFound)
	}
	return c, nil
}

// List lists coupons
func (r *CouponRepository) List(ctx context.Context, filter model.CouponFilter) ([]*model.Coupon, int, error) {
	qb := database.NewQueryBuilder(`SELECT `+couponColumns+` FROM coupons`).
		WhereIf(filter.ActiveOnly, "active = TRUE").
		OrderBy("created_at", true).
		Limit(filter.Limit(), filter.Offset())
	return list(ctx, r.db.Conn(ctx), qb, scanCoupon)
}

// Delete removes a coupon that was never applied to a subscription or invoice
func (r *CouponRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx, `DELETE FROM coupons WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.ErrCouponInUse
		}
		return err
	}
	return affected(res, model.ErrCouponNotFound)
}
