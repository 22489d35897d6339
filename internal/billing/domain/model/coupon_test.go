package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestCouponParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		params CouponParams
		field  string
	}{
		{"missing code", CouponParams{DiscountType: DiscountPercent, PercentOff: 10}, "code"},
		{"percent above 100", CouponParams{Code: "X", DiscountType: DiscountPercent, PercentOff: 101}, "percent_off"},
		{"percent zero", CouponParams{Code: "X", DiscountType: DiscountPercent}, "percent_off"},
		{"fixed without amount", CouponParams{Code: "X", DiscountType: DiscountFixed, Currency: "USD"}, "amount_off_cents"},
		{"fixed with bad currency", CouponParams{Code: "X", DiscountType: DiscountFixed, AmountOffCents: 100, Currency: "dollars"}, "currency"},
		{"unknown type", CouponParams{Code: "X", DiscountType: "bogus"}, "discount_type"},
		{"zero redemptions", CouponParams{Code: "X", DiscountType: DiscountPercent, PercentOff: 5, MaxRedemptions: int64Ptr(0)}, "max_redemptions"},
		{"valid percent", CouponParams{Code: "x", DiscountType: DiscountPercent, PercentOff: 100}, ""},
		{"valid fixed", CouponParams{Code: "x", DiscountType: DiscountFixed, AmountOffCents: 500, Currency: "eur"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNewCouponNormalizes(t *testing.T) {
	c, err := NewCoupon(CouponParams{Code: " save5 ", DiscountType: DiscountFixed, AmountOffCents: 500, Currency: "usd", Active: true})
	require.NoError(t, err)
	assert.Equal(t, "SAVE5", c.Code)
	assert.Equal(t, "USD", c.Currency)
	assert.Zero(t, c.PercentOff)
	assert.Equal(t, int64(500), c.DiscountAmount(2900))
	assert.Equal(t, int64(200), c.DiscountAmount(200))
}

func TestCouponRedeem(t *testing.T) {
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Second)

	tests := []struct {
		name     string
		coupon   Coupon
		currency string
		wantErr  bool
	}{
		{"active percent", Coupon{DiscountType: DiscountPercent, PercentOff: 10, Active: true}, "EUR", false},
		{"inactive", Coupon{DiscountType: DiscountPercent, PercentOff: 10}, "USD", true},
		{"expired", Coupon{DiscountType: DiscountPercent, PercentOff: 10, Active: true, ExpiresAt: &expired}, "USD", true},
		{"expires exactly now", Coupon{DiscountType: DiscountPercent, PercentOff: 10, Active: true, ExpiresAt: &now}, "USD", true},
		{"limit reached", Coupon{DiscountType: DiscountPercent, PercentOff: 10, Active: true, MaxRedemptions: int64Ptr(2), TimesRedeemed: 2}, "USD", true},
		{"fixed in other currency", Coupon{DiscountType: DiscountFixed, AmountOffCents: 100, Currency: "USD", Active: true}, "EUR", true},
		{"fixed in same currency", Coupon{DiscountType: DiscountFixed, AmountOffCents: 100, Currency: "USD", Active: true}, "usd", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.coupon
			err := c.Redeem(now, tt.currency)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCoupon)
				assert.Equal(t, tt.coupon.TimesRedeemed, c.TimesRedeemed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.coupon.TimesRedeemed+1, c.TimesRedeemed)
		})
	}
}

func TestCouponUpdateKeepsCounter(t *testing.T) {
	c, err := NewCoupon(CouponParams{Code: "A", DiscountType: DiscountPercent, PercentOff: 10, Active: true})
	require.NoError(t, err)
	c.TimesRedeemed = 5

	err = c.Update(CouponParams{Code: "A", DiscountType: DiscountPercent, PercentOff: 15, MaxRedemptions: int64Ptr(4), Active: true})
	assert.Error(t, err)

	require.NoError(t, c.Update(CouponParams{Code: "A", DiscountType: DiscountPercent, PercentOff: 15, MaxRedemptions: int64Ptr(10), Active: true}))
	assert.Equal(t, int64(5), c.TimesRedeemed)
	assert.Equal(t, int64(15), c.PercentOff)
}
