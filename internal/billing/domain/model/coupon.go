package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Coupon is a discount code
type Coupon struct {
	ID             string
	Code           string
	DiscountType   DiscountType
	PercentOff     int64
	AmountOffCents int64
	Currency       string
	ExpiresAt      *time.Time
	MaxRedemptions *int64
	TimesRedeemed  int64
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CouponParams holds the fields accepted when creating or editing a coupon
type CouponParams struct {
	Code           string
	DiscountType   DiscountType
	PercentOff     int64
	AmountOffCents int64
	Currency       string
	ExpiresAt      *time.Time
	MaxRedemptions *int64
	Active         bool
}

// NormalizeCouponCode is the canonical form codes are stored and looked up in
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks coupon field constraints
func (p CouponParams) Validate() error {
	if NormalizeCouponCode(p.Code) == "" {
		return invalid("code", "is required")
	}
	switch p.DiscountType {
	case DiscountPercent:
		if p.PercentOff < 1 || p.PercentOff > 100 {
			return invalid("percent_off", "must be between 1 and 100")
		}
	case DiscountFixed:
		if p.AmountOffCents <= 0 {
			return invalid("amount_off_cents", "must be positive")
		}
		if !validCurrency(NormalizeCurrency(p.Currency)) {
			return invalid("currency", "must be a three-letter ISO code")
		}
	default:
		return invalid("discount_type", "must be percent or fixed")
	}
	if p.MaxRedemptions != nil && *p.MaxRedemptions < 1 {
		return invalid("max_redemptions", "must be at least 1")
	}
	return nil
}

// NewCoupon creates a coupon from validated params
func NewCoupon(p CouponParams) (*Coupon, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	c := &Coupon{
		ID:        uuid.New().String(),
		CreatedAt: now,
	}
	c.apply(p, now)
	return c, nil
}

// Update applies params to the coupon. The redemption counter is kept.
func (c *Coupon) Update(p CouponParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.MaxRedemptions != nil && *p.MaxRedemptions < c.TimesRedeemed {
		return invalid("max_redemptions", "must not be below times_redeemed")
	}
	c.apply(p, time.Now().UTC())
	return nil
}

func (c *Coupon) apply(p CouponParams, now time.Time) {
	c.Code = NormalizeCouponCode(p.Code)
	c.DiscountType = p.DiscountType
	c.PercentOff = 0
	c.AmountOffCents = 0
	c.Currency = ""
	if p.DiscountType == DiscountPercent {
		c.PercentOff = p.PercentOff
	} else {
		c.AmountOffCents = p.AmountOffCents
		c.Currency = NormalizeCurrency(p.Currency)
	}
	c.ExpiresAt = p.ExpiresAt
	c.MaxRedemptions = p.MaxRedemptions
	c.Active = p.Active
	c.UpdatedAt = now
}

// IsValid reports whether the coupon can still be redeemed at now
func (c *Coupon) IsValid(now time.Time) bool {
	return c.check(now) == nil
}

// CheckApplicable verifies the coupon can be applied to an amount in currency
func (c *Coupon) CheckApplicable(now time.Time, currency string) error {
	if err := c.check(now); err != nil {
		return err
	}
	if c.DiscountType == DiscountFixed && c.Currency != NormalizeCurrency(currency) {
		return fmt.Errorf("%w: coupon currency %s does not match %s", ErrInvalidCoupon, c.Currency, NormalizeCurrency(currency))
	}
	return nil
}

func (c *Coupon) check(now time.Time) error {
	if !c.Active {
		return fmt.Errorf("%w: coupon is not active", ErrInvalidCoupon)
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return fmt.Errorf("%w: coupon has expired", ErrInvalidCoupon)
	}
	if c.MaxRedemptions != nil && c.TimesRedeemed >= *c.MaxRedemptions {
		return fmt.Errorf("%w: coupon redemption limit reached", ErrInvalidCoupon)
	}
	return nil
}

// Redeem consumes one redemption. Callers must hold a lock on the coupon row.
func (c *Coupon) Redeem(now time.Time, currency string) error {
	if err := c.CheckApplicable(now, currency); err != nil {
		return err
	}
	c.TimesRedeemed++
	c.UpdatedAt = now
	return nil
}

// Discount returns the rule frozen onto invoices
func (c *Coupon) Discount() *Discount {
	if c.DiscountType == DiscountPercent {
		return &Discount{Type: DiscountPercent, Value: c.PercentOff}
	}
	return &Discount{Type: DiscountFixed, Value: c.AmountOffCents}
}

// DiscountAmount is the reduction this coupon grants on subtotal
func (c *Coupon) DiscountAmount(subtotal int64) int64 {
	return c.Discount().Amount(subtotal)
}
