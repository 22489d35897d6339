package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus represents invoice status
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:         {InvoiceStatusOpen, InvoiceStatusVoid},
	InvoiceStatusOpen:          {InvoiceStatusPaid, InvoiceStatusVoid, InvoiceStatusUncollectible},
	InvoiceStatusUncollectible: {InvoiceStatusPaid, InvoiceStatusVoid},
	InvoiceStatusPaid:          nil,
	InvoiceStatusVoid:          nil,
}

// CanTransition reports whether from may move to to
func (s InvoiceStatus) CanTransition(to InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvoiceNumber formats the human-readable number for a year and sequence value
func InvoiceNumber(year int, seq int64) string {
	return fmt.Sprintf("INV-%d-%04d", year, seq)
}

// LineItem is one charge on an invoice
type LineItem struct {
	ID             string
	Description    string
	Quantity       int64
	UnitPriceCents int64
	AmountCents    int64
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
}

// NewLineItem validates and prices a line item
func NewLineItem(description string, quantity, unitPriceCents int64) (LineItem, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return LineItem{}, invalid("description", "is required")
	}
	if quantity < 1 {
		return LineItem{}, invalid("quantity", "must be at least 1")
	}
	if unitPriceCents < 0 {
		return LineItem{}, invalid("unit_price_cents", "must not be negative")
	}
	return LineItem{
		ID:             uuid.New().String(),
		Description:    description,
		Quantity:       quantity,
		UnitPriceCents: unitPriceCents,
		AmountCents:    quantity * unitPriceCents,
	}, nil
}

// Invoice is a bill issued to a customer
type Invoice struct {
	ID             string
	Number         string
	CustomerID     string
	SubscriptionID *string
	CouponID       *string
	Status         InvoiceStatus
	Currency       string
	Items          []LineItem
	Discount       *Discount
	Tax            TaxPolicy
	Totals
	IssuedAt    time.Time
	DueAt       time.Time
	FinalizedAt *time.Time
	PaidAt      *time.Time
	VoidedAt    *time.Time
	Notes       string
	PDFKey      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InvoiceParams describes a new draft invoice
type InvoiceParams struct {
	CustomerID     string
	SubscriptionID *string
	Coupon         *Coupon
	Currency       string
	Items          []LineItem
	Tax            TaxPolicy
	DueIn          time.Duration
	Notes          string
	IssuedAt       time.Time
}

// NewInvoice builds a draft invoice with computed totals. The number is assigned
// by the caller inside the creating transaction.
func NewInvoice(p InvoiceParams) (*Invoice, error) {
	if p.CustomerID == "" {
		return nil, invalid("customer_id", "is required")
	}
	issued := p.IssuedAt
	if issued.IsZero() {
		issued = time.Now().UTC()
	}
	inv := &Invoice{
		ID:             uuid.New().String(),
		CustomerID:     p.CustomerID,
		SubscriptionID: p.SubscriptionID,
		Status:         InvoiceStatusDraft,
		Currency:       NormalizeCurrency(p.Currency),
		Items:          append([]LineItem(nil), p.Items...),
		Tax:            p.Tax,
		IssuedAt:       issued,
		DueAt:          issued.Add(p.DueIn),
		Notes:          p.Notes,
		CreatedAt:      issued,
		UpdatedAt:      issued,
	}
	if p.Coupon != nil {
		id := p.Coupon.ID
		inv.CouponID = &id
		inv.Discount = p.Coupon.Discount()
	}
	inv.Recalculate()
	return inv, nil
}

// AssignNumber sets the invoice number from the year's sequence value
func (i *Invoice) AssignNumber(seq int64) {
	i.Number = InvoiceNumber(i.IssuedAt.Year(), seq)
}

// Recalculate recomputes item amounts and the totals block
func (i *Invoice) Recalculate() {
	var subtotal int64
	for idx := range i.Items {
		i.Items[idx].AmountCents = i.Items[idx].Quantity * i.Items[idx].UnitPriceCents
		subtotal += i.Items[idx].AmountCents
	}
	i.Totals = ComputeTotals(subtotal, i.Discount, i.Tax)
}

// AddItem appends a line item to a draft invoice
func (i *Invoice) AddItem(item LineItem, now time.Time) error {
	if i.Status != InvoiceStatusDraft {
		return ErrInvoiceNotDraft
	}
	i.Items = append(i.Items, item)
	i.Recalculate()
	i.UpdatedAt = now
	return nil
}

func (i *Invoice) transition(to InvoiceStatus, now time.Time) error {
	if !i.Status.CanTransition(to) {
		if i.Status == InvoiceStatusPaid || i.Status == InvoiceStatusVoid {
			return fmt.Errorf("%w: invoice is %s", ErrInvoiceImmutable, i.Status)
		}
		return fmt.Errorf("%w: invoice %s -> %s", ErrInvalidTransition, i.Status, to)
	}
	i.Status = to
	i.UpdatedAt = now
	return nil
}

// Finalize freezes a draft invoice and opens it for payment
func (i *Invoice) Finalize(now time.Time) error {
	if i.Status != InvoiceStatusDraft {
		return ErrInvoiceNotDraft
	}
	if len(i.Items) == 0 {
		return ErrInvoiceEmpty
	}
	i.Recalculate()
	if err := i.transition(InvoiceStatusOpen, now); err != nil {
		return err
	}
	i.FinalizedAt = &now
	return nil
}

// CanBePaid reports whether a charge may be attempted. Only open invoices are charged.
func (i *Invoice) CanBePaid() error {
	if i.Status != InvoiceStatusOpen {
		return ErrInvoiceNotOpen
	}
	return nil
}

// AcceptsSettlement reports whether a confirmed payment can still mark the
// invoice paid. A written-off invoice settles when a late payment lands.
func (i *Invoice) AcceptsSettlement() bool {
	return i.Status == InvoiceStatusOpen || i.Status == InvoiceStatusUncollectible
}

// MarkPaid records provider-confirmed payment
func (i *Invoice) MarkPaid(now time.Time) error {
	if err := i.transition(InvoiceStatusPaid, now); err != nil {
		return err
	}
	i.PaidAt = &now
	return nil
}

// Void cancels an invoice that has not been paid
func (i *Invoice) Void(now time.Time) error {
	if err := i.transition(InvoiceStatusVoid, now); err != nil {
		return err
	}
	i.VoidedAt = &now
	return nil
}

// MarkUncollectible writes off an open invoice
func (i *Invoice) MarkUncollectible(now time.Time) error {
	return i.transition(InvoiceStatusUncollectible, now)
}

// Filename is the download name of the rendered PDF
func (i *Invoice) Filename() string {
	if i.Number == "" {
		return "invoice-" + i.ID + ".pdf"
	}
	return i.Number + ".pdf"
}
