package model

// Pagination selects one page of a list. Page is 1-based.
type Pagination struct {
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps page and page size to their allowed ranges
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset is the number of rows to skip
func (p Pagination) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.PageSize
}

// Limit is the number of rows to return
func (p Pagination) Limit() int {
	return p.Normalize().PageSize
}

// ProductFilter narrows product lists
type ProductFilter struct {
	ActiveOnly bool
	Pagination
}

// PlanFilter narrows plan lists
type PlanFilter struct {
	ProductID  string
	Interval   Interval
	ActiveOnly bool
	Pagination
}

// CouponFilter narrows coupon lists
type CouponFilter struct {
	ActiveOnly bool
	Pagination
}

// CustomerFilter narrows customer lists
type CustomerFilter struct {
	Pagination
}

// SubscriptionFilter narrows subscription lists
type SubscriptionFilter struct {
	CustomerID string
	PlanID     string
	Status     SubscriptionStatus
	Pagination
}

// InvoiceFilter narrows invoice lists
type InvoiceFilter struct {
	CustomerID     string
	SubscriptionID string
	Status         InvoiceStatus
	Pagination
}

// PaymentFilter narrows payment lists
type PaymentFilter struct {
	InvoiceID string
	Provider  string
	Status    PaymentStatus
	Pagination
}
