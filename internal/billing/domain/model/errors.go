// Package model defines billing domain models
package model

import "errors"

// Errors
var (
	ErrProductNotFound      = errors.New("product not found")
	ErrProductInUse         = errors.New("product still has plans")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrPlanInactive         = errors.New("plan is not active")
	ErrPlanInUse            = errors.New("plan is referenced by a live subscription")
	ErrCouponNotFound       = errors.New("coupon not found")
	ErrCouponCodeTaken      = errors.New("coupon code already exists")
	ErrCouponInUse          = errors.New("coupon has been applied and cannot be deleted")
	ErrInvalidCoupon        = errors.New("invalid coupon")
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("customer already has a live subscription to this plan")
	ErrSubscriptionCanceled = errors.New("subscription is canceled")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrInvoiceNotDraft      = errors.New("invoice is not in draft status")
	ErrInvoiceNotOpen       = errors.New("invoice is not open for payment")
	ErrInvoiceImmutable     = errors.New("invoice can no longer be changed")
	ErrInvoiceEmpty         = errors.New("invoice has no line items")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrPaymentPending       = errors.New("invoice already has a payment in progress")
	ErrRefundNotAllowed     = errors.New("payment cannot be refunded")
	ErrUnknownProvider      = errors.New("unknown payment provider")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrInvalidPayload       = errors.New("invalid webhook payload")
	ErrCurrencyMismatch     = errors.New("currency mismatch")
)

// ValidationError reports an invalid field value
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
