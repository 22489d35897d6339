// Package dto defines the request and response bodies of the billing API
package dto

import (
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/validation"
)

// MessageResponse is a plain acknowledgement
type MessageResponse struct {
	Message string `json:"message"`
}

// CustomerProfileRequest is a full (PUT) or partial (PATCH) profile update
type CustomerProfileRequest struct {
	CompanyName  *string `json:"company_name"`
	TaxID        *string `json:"tax_id"`
	AddressLine1 *string `json:"address_line1"`
	AddressLine2 *string `json:"address_line2"`
	City         *string `json:"city"`
	State        *string `json:"state"`
	PostalCode   *string `json:"postal_code"`
	Country      *string `json:"country"`
}

// Validate checks field lengths
func (r *CustomerProfileRequest) Validate() error {
	v := validation.New()
	if r.CompanyName != nil {
		v.MaxLength(*r.CompanyName, 255, "company_name")
	}
	if r.TaxID != nil {
		v.MaxLength(*r.TaxID, 64, "tax_id")
	}
	if r.Country != nil && *r.Country != "" && len(*r.Country) != 2 {
		v.AddError("country", "must be a two-letter country code")
	}
	return v.Err()
}

// Profile merges the request onto the current customer. Omitted fields keep
// their current value.
func (r *CustomerProfileRequest) Profile(current *model.Customer) model.CustomerProfile {
	pick := func(v *string, fallback string) string {
		if v != nil {
			return *v
		}
		return fallback
	}
	return model.CustomerProfile{
		CompanyName:  pick(r.CompanyName, current.CompanyName),
		TaxID:        pick(r.TaxID, current.TaxID),
		AddressLine1: pick(r.AddressLine1, current.AddressLine1),
		AddressLine2: pick(r.AddressLine2, current.AddressLine2),
		City:         pick(r.City, current.City),
		State:        pick(r.State, current.State),
		PostalCode:   pick(r.PostalCode, current.PostalCode),
		Country:      pick(r.Country, current.Country),
	}
}

// CustomerResponse represents a billing profile
type CustomerResponse struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	CompanyName  string    `json:"company_name"`
	TaxID        string    `json:"tax_id"`
	AddressLine1 string    `json:"address_line1"`
	AddressLine2 string    `json:"address_line2"`
	City         string    `json:"city"`
	State        string    `json:"state"`
	PostalCode   string    `json:"postal_code"`
	Country      string    `json:"country"`
	FullAddress  string    `json:"full_address"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FromCustomer converts a customer
func FromCustomer(c *model.Customer) CustomerResponse {
	return CustomerResponse{
		ID:           c.ID,
		UserID:       c.UserID,
		Email:        c.Email,
		Name:         c.Name,
		CompanyName:  c.CompanyName,
		TaxID:        c.TaxID,
		AddressLine1: c.AddressLine1,
		AddressLine2: c.AddressLine2,
		City:         c.City,
		State:        c.State,
		PostalCode:   c.PostalCode,
		Country:      c.Country,
		FullAddress:  c.FullAddress(),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// ProductRequest creates or edits a product
type ProductRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

// Validate requires a name on create
func (r *ProductRequest) Validate(create bool) error {
	v := validation.New()
	if create || r.Name != nil {
		name := ""
		if r.Name != nil {
			name = *r.Name
		}
		v.Required(name, "name").MaxLength(name, 255, "name")
	}
	return v.Err()
}

// Update converts the request to a service input
func (r *ProductRequest) Update() service.UpdateProductInput {
	return service.UpdateProductInput{Name: r.Name, Description: r.Description, Active: r.Active}
}

// ProductResponse represents a product
type ProductResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FromProduct converts a product
func FromProduct(p *model.Product) ProductResponse {
	return ProductResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Active:      p.Active,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// PlanRequest creates or replaces a plan
type PlanRequest struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`
	Interval   string `json:"interval"`
	TrialDays  int    `json:"trial_days"`
	Active     *bool  `json:"active"`
}

// Params converts the request. A missing active flag means active.
func (r *PlanRequest) Params() model.PlanParams {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return model.PlanParams{
		ProductID:  r.ProductID,
		Name:       r.Name,
		PriceCents: r.PriceCents,
		Currency:   r.Currency,
		Interval:   model.Interval(r.Interval),
		TrialDays:  r.TrialDays,
		Active:     active,
	}
}

// PlanResponse represents a plan
type PlanResponse struct {
	ID                string    `json:"id"`
	ProductID         string    `json:"product_id"`
	Name              string    `json:"name"`
	PriceCents        int64     `json:"price_cents"`
	PriceDisplay      string    `json:"price_display"`
	Currency          string    `json:"currency"`
	Interval          string    `json:"interval"`
	TrialDays         int       `json:"trial_days"`
	Active            bool      `json:"active"`
	MonthlyPriceCents int64     `json:"monthly_price_cents"`
	YearlyPriceCents  int64     `json:"yearly_price_cents"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// FromPlan converts a plan
func FromPlan(p *model.Plan) PlanResponse {
	return PlanResponse{
		ID:                p.ID,
		ProductID:         p.ProductID,
		Name:              p.Name,
		PriceCents:        p.PriceCents,
		PriceDisplay:      model.FormatAmount(p.PriceCents, p.Currency),
		Currency:          p.Currency,
		Interval:          string(p.Interval),
		TrialDays:         p.TrialDays,
		Active:            p.Active,
		MonthlyPriceCents: p.MonthlyPriceCents(),
		YearlyPriceCents:  p.YearlyPriceCents(),
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

// CouponRequest creates or replaces a coupon
type CouponRequest struct {
	Code           string     `json:"code"`
	DiscountType   string     `json:"discount_type"`
	PercentOff     int64      `json:"percent_off"`
	AmountOffCents int64      `json:"amount_off_cents"`
	Currency       string     `json:"currency"`
	ExpiresAt      *time.Time `json:"expires_at"`
	MaxRedemptions *int64     `json:"max_redemptions"`
	Active         *bool      `json:"active"`
}

// Params converts the request. A missing active flag means active.
func (r *CouponRequest) Params() model.CouponParams {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return model.CouponParams{
		Code:           r.Code,
		DiscountType:   model.DiscountType(r.DiscountType),
		PercentOff:     r.PercentOff,
		AmountOffCents: r.AmountOffCents,
		Currency:       r.Currency,
		ExpiresAt:      r.ExpiresAt,
		MaxRedemptions: r.MaxRedemptions,
		Active:         active,
	}
}

// CouponResponse represents a coupon
type CouponResponse struct {
	ID               string     `json:"id"`
	Code             string     `json:"code"`
	DiscountType     string     `json:"discount_type"`
	PercentOff       int64      `json:"percent_off,omitempty"`
	AmountOffCents   int64      `json:"amount_off_cents,omitempty"`
	AmountOffDisplay string     `json:"amount_off_display,omitempty"`
	Currency         string     `json:"currency,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at"`
	MaxRedemptions   *int64     `json:"max_redemptions"`
	TimesRedeemed    int64      `json:"times_redeemed"`
	Active           bool       `json:"active"`
	IsValid          bool       `json:"is_valid"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// FromCoupon converts a coupon, evaluating validity at now
func FromCoupon(c *model.Coupon, now time.Time) CouponResponse {
	out := CouponResponse{
		ID:             c.ID,
		Code:           c.Code,
		DiscountType:   string(c.DiscountType),
		PercentOff:     c.PercentOff,
		AmountOffCents: c.AmountOffCents,
		Currency:       c.Currency,
		ExpiresAt:      c.ExpiresAt,
		MaxRedemptions: c.MaxRedemptions,
		TimesRedeemed:  c.TimesRedeemed,
		Active:         c.Active,
		IsValid:        c.IsValid(now),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.AmountOffCents > 0 {
		out.AmountOffDisplay = model.FormatAmount(c.AmountOffCents, c.Currency)
	}
	return out
}

// ValidateCouponRequest asks for a discount preview
type ValidateCouponRequest struct {
	Code   string `json:"code"`
	PlanID string `json:"plan_id"`
}

// Validate requires both fields
func (r *ValidateCouponRequest) Validate() error {
	v := validation.New()
	v.Required(r.Code, "code")
	v.Required(r.PlanID, "plan_id")
	return v.Err()
}

// TotalsResponse is the amount block of an invoice or preview
type TotalsResponse struct {
	SubtotalCents int64  `json:"subtotal_cents"`
	DiscountCents int64  `json:"discount_cents"`
	TaxCents      int64  `json:"tax_cents"`
	TotalCents    int64  `json:"total_cents"`
	TotalDisplay  string `json:"total_display"`
}

func fromTotals(t model.Totals, currency string) TotalsResponse {
	return TotalsResponse{
		SubtotalCents: t.SubtotalCents,
		DiscountCents: t.DiscountCents,
		TaxCents:      t.TaxCents,
		TotalCents:    t.TotalCents,
		TotalDisplay:  model.FormatAmount(t.TotalCents, currency),
	}
}

// CouponPreviewResponse is the discount a coupon grants on a plan
type CouponPreviewResponse struct {
	Valid    bool           `json:"valid"`
	Code     string         `json:"code"`
	PlanID   string         `json:"plan_id"`
	Currency string         `json:"currency"`
	Totals   TotalsResponse `json:"totals"`
}

// FromCouponPreview converts a preview
func FromCouponPreview(p *service.CouponPreview) CouponPreviewResponse {
	return CouponPreviewResponse{
		Valid:    true,
		Code:     p.Coupon.Code,
		PlanID:   p.Plan.ID,
		Currency: p.Plan.Currency,
		Totals:   fromTotals(p.Totals, p.Plan.Currency),
	}
}

// CreateSubscriptionRequest subscribes the caller to a plan
type CreateSubscriptionRequest struct {
	PlanID     string `json:"plan_id"`
	CouponCode string `json:"coupon_code"`
}

// Validate requires a plan
func (r *CreateSubscriptionRequest) Validate() error {
	v := validation.New()
	v.Required(r.PlanID, "plan_id")
	return v.Err()
}

// CancelSubscriptionRequest selects immediate or end-of-period cancellation
type CancelSubscriptionRequest struct {
	CancelAtPeriodEnd *bool `json:"cancel_at_period_end"`
}

// AtPeriodEnd defaults to true
func (r *CancelSubscriptionRequest) AtPeriodEnd() bool {
	return r.CancelAtPeriodEnd == nil || *r.CancelAtPeriodEnd
}

// SubscriptionResponse represents a subscription
type SubscriptionResponse struct {
	ID                   string     `json:"id"`
	CustomerID           string     `json:"customer_id"`
	PlanID               string     `json:"plan_id"`
	CouponID             *string    `json:"coupon_id"`
	Status               string     `json:"status"`
	StartedAt            time.Time  `json:"started_at"`
	CurrentPeriodStart   time.Time  `json:"current_period_start"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	CanceledAt           *time.Time `json:"canceled_at"`
	EndedAt              *time.Time `json:"ended_at"`
	PaymentAttempts      int        `json:"payment_attempts"`
	NextPaymentAttemptAt *time.Time `json:"next_payment_attempt_at"`
	IsActive             bool       `json:"is_active"`
	IsTrialing           bool       `json:"is_trialing"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// FromSubscription converts a subscription
func FromSubscription(s *model.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                   s.ID,
		CustomerID:           s.CustomerID,
		PlanID:               s.PlanID,
		CouponID:             s.CouponID,
		Status:               string(s.Status),
		StartedAt:            s.StartedAt,
		CurrentPeriodStart:   s.CurrentPeriodStart,
		CurrentPeriodEnd:     s.CurrentPeriodEnd,
		CancelAtPeriodEnd:    s.CancelAtPeriodEnd,
		CanceledAt:           s.CanceledAt,
		EndedAt:              s.EndedAt,
		PaymentAttempts:      s.PaymentAttempts,
		NextPaymentAttemptAt: s.NextPaymentAttemptAt,
		IsActive:             s.IsActive(),
		IsTrialing:           s.Status == model.SubscriptionStatusTrialing,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

// SubscriptionCreatedResponse is a new subscription with its first invoice
type SubscriptionCreatedResponse struct {
	Subscription SubscriptionResponse `json:"subscription"`
	Invoice      *InvoiceResponse     `json:"invoice"`
}

// FromCreateResult converts a subscription checkout
func FromCreateResult(r *service.CreateSubscriptionResult) SubscriptionCreatedResponse {
	out := SubscriptionCreatedResponse{Subscription: FromSubscription(r.Subscription)}
	if r.Invoice != nil {
		inv := FromInvoice(r.Invoice)
		out.Invoice = &inv
	}
	return out
}

// LineItemRequest describes an invoice line
type LineItemRequest struct {
	Description    string     `json:"description"`
	Quantity       int64      `json:"quantity"`
	UnitPriceCents int64      `json:"unit_price_cents"`
	PeriodStart    *time.Time `json:"period_start"`
	PeriodEnd      *time.Time `json:"period_end"`
}

// Input converts the request. A zero quantity means one.
func (r *LineItemRequest) Input() service.ItemInput {
	qty := r.Quantity
	if qty == 0 {
		qty = 1
	}
	return service.ItemInput{
		Description:    r.Description,
		Quantity:       qty,
		UnitPriceCents: r.UnitPriceCents,
		PeriodStart:    r.PeriodStart,
		PeriodEnd:      r.PeriodEnd,
	}
}

// CreateInvoiceRequest creates an ad-hoc draft invoice
type CreateInvoiceRequest struct {
	CustomerID string            `json:"customer_id"`
	Currency   string            `json:"currency"`
	Items      []LineItemRequest `json:"items"`
	CouponCode string            `json:"coupon_code"`
	Notes      string            `json:"notes"`
}

// Validate requires a customer
func (r *CreateInvoiceRequest) Validate() error {
	v := validation.New()
	v.Required(r.CustomerID, "customer_id")
	if r.Currency != "" {
		v.Currency(r.Currency, "currency")
	}
	return v.Err()
}

// Input converts the request
func (r *CreateInvoiceRequest) Input() service.AdHocInput {
	items := make([]service.ItemInput, len(r.Items))
	for i := range r.Items {
		items[i] = r.Items[i].Input()
	}
	return service.AdHocInput{
		CustomerID: r.CustomerID,
		Currency:   r.Currency,
		Items:      items,
		CouponCode: r.CouponCode,
		Notes:      r.Notes,
	}
}

// LineItemResponse represents an invoice line
type LineItemResponse struct {
	ID             string     `json:"id"`
	Description    string     `json:"description"`
	Quantity       int64      `json:"quantity"`
	UnitPriceCents int64      `json:"unit_price_cents"`
	AmountCents    int64      `json:"amount_cents"`
	PeriodStart    *time.Time `json:"period_start,omitempty"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
}

// DiscountResponse is the coupon rule frozen on an invoice
type DiscountResponse struct {
	Type  string `json:"type"`
	Value int64  `json:"value"`
}

// InvoiceResponse represents an invoice
type InvoiceResponse struct {
	ID             string             `json:"id"`
	Number         string             `json:"number"`
	CustomerID     string             `json:"customer_id"`
	SubscriptionID *string            `json:"subscription_id"`
	CouponID       *string            `json:"coupon_id"`
	Status         string             `json:"status"`
	Currency       string             `json:"currency"`
	Items          []LineItemResponse `json:"items"`
	Discount       *DiscountResponse  `json:"discount"`
	TaxRateBps     int64              `json:"tax_rate_bps"`
	TotalsResponse
	IssuedAt    time.Time  `json:"issued_at"`
	DueAt       time.Time  `json:"due_at"`
	FinalizedAt *time.Time `json:"finalized_at"`
	PaidAt      *time.Time `json:"paid_at"`
	VoidedAt    *time.Time `json:"voided_at"`
	Notes       string     `json:"notes"`
	HasPDF      bool       `json:"has_pdf"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// FromInvoice converts an invoice
func FromInvoice(inv *model.Invoice) InvoiceResponse {
	items := make([]LineItemResponse, len(inv.Items))
	for i, it := range inv.Items {
		items[i] = LineItemResponse{
			ID:             it.ID,
			Description:    it.Description,
			Quantity:       it.Quantity,
			UnitPriceCents: it.UnitPriceCents,
			AmountCents:    it.AmountCents,
			PeriodStart:    it.PeriodStart,
			PeriodEnd:      it.PeriodEnd,
		}
	}
	out := InvoiceResponse{
		ID:             inv.ID,
		Number:         inv.Number,
		CustomerID:     inv.CustomerID,
		SubscriptionID: inv.SubscriptionID,
		CouponID:       inv.CouponID,
		Status:         string(inv.Status),
		Currency:       inv.Currency,
		Items:          items,
		TaxRateBps:     inv.Tax.RateBps,
		TotalsResponse: fromTotals(inv.Totals, inv.Currency),
		IssuedAt:       inv.IssuedAt,
		DueAt:          inv.DueAt,
		FinalizedAt:    inv.FinalizedAt,
		PaidAt:         inv.PaidAt,
		VoidedAt:       inv.VoidedAt,
		Notes:          inv.Notes,
		HasPDF:         inv.PDFKey != "",
		CreatedAt:      inv.CreatedAt,
		UpdatedAt:      inv.UpdatedAt,
	}
	if inv.Discount != nil {
		out.Discount = &DiscountResponse{Type: string(inv.Discount.Type), Value: inv.Discount.Value}
	}
	return out
}

// PaymentResponse represents a payment
type PaymentResponse struct {
	ID            string     `json:"id"`
	InvoiceID     string     `json:"invoice_id"`
	Provider      string     `json:"provider"`
	ProviderRef   string     `json:"provider_ref"`
	AmountCents   int64      `json:"amount_cents"`
	AmountDisplay string     `json:"amount_display"`
	RefundedCents int64      `json:"refunded_cents"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FromPayment converts a payment
func FromPayment(p *model.Payment) PaymentResponse {
	return PaymentResponse{
		ID:            p.ID,
		InvoiceID:     p.InvoiceID,
		Provider:      p.Provider,
		ProviderRef:   p.ProviderRef,
		AmountCents:   p.AmountCents,
		AmountDisplay: model.FormatAmount(p.AmountCents, p.Currency),
		RefundedCents: p.RefundedCents,
		Currency:      p.Currency,
		Status:        string(p.Status),
		FailureReason: p.FailureReason,
		ProcessedAt:   p.ProcessedAt,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// PayResponse is the outcome of a charge attempt
type PayResponse struct {
	Message      string                `json:"message"`
	Invoice      InvoiceResponse       `json:"invoice"`
	Payment      PaymentResponse       `json:"payment"`
	Subscription *SubscriptionResponse `json:"subscription,omitempty"`
}

// FromPayResult converts a charge outcome
func FromPayResult(r *service.PayResult) PayResponse {
	message := "Payment processed successfully"
	switch r.Payment.Status {
	case model.PaymentStatusFailed:
		message = "Payment failed: " + r.Payment.FailureReason
	case model.PaymentStatusPending:
		message = "Payment is pending confirmation"
	}
	out := PayResponse{
		Message: message,
		Invoice: FromInvoice(r.Invoice),
		Payment: FromPayment(r.Payment),
	}
	if r.Subscription != nil {
		sub := FromSubscription(r.Subscription)
		out.Subscription = &sub
	}
	return out
}

// RefundRequest refunds part or all of a payment
type RefundRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

// Validate rejects negative amounts
func (r *RefundRequest) Validate() error {
	v := validation.New()
	v.Min(r.AmountCents, 0, "amount_cents")
	v.MaxLength(r.Reason, 500, "reason")
	return v.Err()
}

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Status string `json:"status"`
	Effect string `json:"effect"`
}
