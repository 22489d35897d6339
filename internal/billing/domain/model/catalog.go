package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Product groups the plans sold under one name
type Product struct {
	ID          string
	Name        string
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewProduct creates an active product
func NewProduct(name, description string) (*Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name", "is required")
	}
	now := time.Now().UTC()
	return &Product{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Interval is a plan's billing period
type Interval string

const (
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Valid reports whether i is a known interval
func (i Interval) Valid() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// PeriodEnd returns the end of a billing period starting at start
func (i Interval) PeriodEnd(start time.Time) time.Time {
	if i == IntervalYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Plan is a priced offer of a product
type Plan struct {
	ID         string
	ProductID  string
	Name       string
	PriceCents int64
	Currency   string
	Interval   Interval
	TrialDays  int
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PlanParams holds the fields accepted when creating or editing a plan
type PlanParams struct {
	ProductID  string
	Name       string
	PriceCents int64
	Currency   string
	Interval   Interval
	TrialDays  int
	Active     bool
}

// Validate checks plan field constraints
func (p PlanParams) Validate() error {
	if strings.TrimSpace(p.ProductID) == "" {
		return invalid("product_id", "is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return invalid("name", "is required")
	}
	if p.PriceCents < 0 {
		return invalid("price_cents", "must not be negative")
	}
	if !validCurrency(NormalizeCurrency(p.Currency)) {
		return invalid("currency", "must be a three-letter ISO code")
	}
	if !p.Interval.Valid() {
		return invalid("interval", "must be monthly or yearly")
	}
	if p.TrialDays < 0 {
		return invalid("trial_days", "must not be negative")
	}
	return nil
}

// NewPlan creates a plan from validated params
func NewPlan(p PlanParams) (*Plan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Plan{
		ID:         uuid.New().String(),
		ProductID:  p.ProductID,
		Name:       strings.TrimSpace(p.Name),
		PriceCents: p.PriceCents,
		Currency:   NormalizeCurrency(p.Currency),
		Interval:   p.Interval,
		TrialDays:  p.TrialDays,
		Active:     p.Active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Update applies params to the plan. While a live subscription references the
// plan only the active flag may change.
func (p *Plan) Update(params PlanParams, inUse bool) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if inUse && p.pricingChanged(params) {
		return ErrPlanInUse
	}
	p.ProductID = params.ProductID
	p.Name = strings.TrimSpace(params.Name)
	p.PriceCents = params.PriceCents
	p.Currency = NormalizeCurrency(params.Currency)
	p.Interval = params.Interval
	p.TrialDays = params.TrialDays
	p.Active = params.Active
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Plan) pricingChanged(params PlanParams) bool {
	return p.ProductID != params.ProductID ||
		p.Name != strings.TrimSpace(params.Name) ||
		p.PriceCents != params.PriceCents ||
		p.Currency != NormalizeCurrency(params.Currency) ||
		p.Interval != params.Interval ||
		p.TrialDays != params.TrialDays
}

// MonthlyPriceCents is the per-month equivalent price
func (p *Plan) MonthlyPriceCents() int64 {
	if p.Interval == IntervalYearly {
		return p.PriceCents / 12
	}
	return p.PriceCents
}

// YearlyPriceCents is the per-year equivalent price
func (p *Plan) YearlyPriceCents() int64 {
	if p.Interval == IntervalMonthly {
		return p.PriceCents * 12
	}
	return p.PriceCents
}
