package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/shared/events"
)

// InvoiceService generates invoices and drives their status transitions
type InvoiceService struct {
	repos    Repositories
	settings Settings
	renderer Renderer
	store    DocumentStore
	opts     Options
}

// NewInvoiceService creates a new invoice service. store may be nil, in which
// case PDFs are rendered on every download.
func NewInvoiceService(repos Repositories, settings Settings, renderer Renderer, store DocumentStore, opts Options) *InvoiceService {
	return &InvoiceService{
		repos:    repos,
		settings: settings,
		renderer: renderer,
		store:    store,
		opts:     opts.withDefaults(),
	}
}

// ItemInput describes one line item
type ItemInput struct {
	Description    string
	Quantity       int64
	UnitPriceCents int64
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
}

func (in ItemInput) lineItem() (model.LineItem, error) {
	item, err := model.NewLineItem(in.Description, in.Quantity, in.UnitPriceCents)
	if err != nil {
		return model.LineItem{}, err
	}
	item.PeriodStart = in.PeriodStart
	item.PeriodEnd = in.PeriodEnd
	return item, nil
}

// AdHocInput represents a manually created invoice
type AdHocInput struct {
	CustomerID string
	Currency   string
	Items      []ItemInput
	CouponCode string
	Notes      string
}

// create numbers and stores a new invoice. It must run inside a transaction so a
// failed insert hands the number back.
func (s *InvoiceService) create(ctx context.Context, params model.InvoiceParams, buf *eventBuffer) (*model.Invoice, error) {
	inv, err := model.NewInvoice(params)
	if err != nil {
		return nil, err
	}
	seq, err := s.repos.Sequence.Next(ctx, inv.IssuedAt.Year())
	if err != nil {
		return nil, err
	}
	inv.AssignNumber(seq)
	if err := s.repos.Invoices.Save(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to save invoice: %w", err)
	}
	buf.add(inv.ID, events.AggregateInvoice, events.InvoiceCreated, invoicePayload(inv))
	return inv, nil
}

// generateForPeriod bills the subscription's current period and finalizes the
// invoice. coupon is the rule fixed at checkout and is not redeemed again.
func (s *InvoiceService) generateForPeriod(ctx context.Context, sub *model.Subscription, plan *model.Plan, coupon *model.Coupon, buf *eventBuffer) (*model.Invoice, error) {
	now := s.opts.Clock()
	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	item, err := model.NewLineItem(
		fmt.Sprintf("%s (%s - %s)", plan.Name, start.Format("2006-01-02"), end.Format("2006-01-02")),
		1, plan.PriceCents)
	if err != nil {
		return nil, err
	}
	item.PeriodStart = &start
	item.PeriodEnd = &end

	subID := sub.ID
	inv, err := model.NewInvoice(model.InvoiceParams{
		CustomerID:     sub.CustomerID,
		SubscriptionID: &subID,
		Coupon:         coupon,
		Currency:       plan.Currency,
		Items:          []model.LineItem{item},
		Tax:            s.settings.Tax,
		DueIn:          s.settings.dueIn(),
		IssuedAt:       now,
	})
	if err != nil {
		return nil, err
	}
	if err := inv.Finalize(now); err != nil {
		return nil, err
	}
	seq, err := s.repos.Sequence.Next(ctx, inv.IssuedAt.Year())
	if err != nil {
		return nil, err
	}
	inv.AssignNumber(seq)
	if err := s.repos.Invoices.Save(ctx, inv); err != nil {
		return nil, fmt.Errorf("failed to save invoice: %w", err)
	}
	buf.add(inv.ID, events.AggregateInvoice, events.InvoiceFinalized, invoicePayload(inv))
	s.opts.Metrics.InvoiceTransition(string(inv.Status))
	return inv, nil
}

// CreateAdHoc creates a draft invoice from explicit line items
func (s *InvoiceService) CreateAdHoc(ctx context.Context, input AdHocInput) (*model.Invoice, error) {
	items := make([]model.LineItem, 0, len(input.Items))
	for _, in := range input.Items {
		item, err := in.lineItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	currency := input.Currency
	if currency == "" {
		currency = s.settings.DefaultCurrency
	}

	buf := &eventBuffer{}
	var inv *model.Invoice
	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.repos.Customers.FindByID(ctx, input.CustomerID); err != nil {
			return err
		}
		var coupon *model.Coupon
		if input.CouponCode != "" {
			var err error
			coupon, err = s.redeemCoupon(ctx, input.CouponCode, currency)
			if err != nil {
				return err
			}
		}
		var err error
		inv, err = s.create(ctx, model.InvoiceParams{
			CustomerID: input.CustomerID,
			Coupon:     coupon,
			Currency:   currency,
			Items:      items,
			Tax:        s.settings.Tax,
			DueIn:      s.settings.dueIn(),
			Notes:      input.Notes,
			IssuedAt:   s.opts.Clock(),
		}, buf)
		return err
	})
	if err != nil {
		return nil, err
	}
	buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
	s.opts.Metrics.InvoiceTransition(string(inv.Status))
	s.opts.Logger.WithContext(ctx).Info("Invoice created", "invoice_id", inv.ID, "number", inv.Number)
	return inv, nil
}

// redeemCoupon locks the coupon row and consumes one redemption
func (s *InvoiceService) redeemCoupon(ctx context.Context, code, currency string) (*model.Coupon, error) {
	coupon, err := s.repos.Coupons.FindByCodeForUpdate(ctx, code)
	if err != nil {
		if errors.Is(err, model.ErrCouponNotFound) {
			return nil, fmt.Errorf("%w: unknown code", model.ErrInvalidCoupon)
		}
		return nil, err
	}
	if err := coupon.Redeem(s.opts.Clock(), currency); err != nil {
		return nil, err
	}
	if err := s.repos.Coupons.Update(ctx, coupon); err != nil {
		return nil, fmt.Errorf("failed to redeem coupon: %w", err)
	}
	return coupon, nil
}

// AddItem appends a line item to a draft invoice
func (s *InvoiceService) AddItem(ctx context.Context, invoiceID string, input ItemInput) (*model.Invoice, error) {
	item, err := input.lineItem()
	if err != nil {
		return nil, err
	}
	var inv *model.Invoice
	err = s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err = s.repos.Invoices.FindByIDForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := inv.AddItem(item, s.opts.Clock()); err != nil {
			return err
		}
		return s.repos.Invoices.Update(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// transition loads the invoice under lock, applies fn and stores the result
func (s *InvoiceService) transition(ctx context.Context, invoiceID string, fn func(inv *model.Invoice, now time.Time) error) (*model.Invoice, error) {
	var inv *model.Invoice
	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		inv, err = s.repos.Invoices.FindByIDForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if err := fn(inv, s.opts.Clock()); err != nil {
			return err
		}
		return s.repos.Invoices.Update(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	s.opts.Metrics.InvoiceTransition(string(inv.Status))
	return inv, nil
}

// Finalize freezes a draft and queues its PDF and email
func (s *InvoiceService) Finalize(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	inv, err := s.transition(ctx, invoiceID, func(inv *model.Invoice, now time.Time) error {
		return inv.Finalize(now)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, inv, events.InvoiceFinalized)
	s.notifyFinalized(ctx, inv)
	return inv, nil
}

// Void cancels an unpaid invoice
func (s *InvoiceService) Void(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	inv, err := s.transition(ctx, invoiceID, func(inv *model.Invoice, now time.Time) error {
		return inv.Void(now)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, inv, events.InvoiceVoided)
	return inv, nil
}

// MarkUncollectible writes off an open invoice
func (s *InvoiceService) MarkUncollectible(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	inv, err := s.transition(ctx, invoiceID, func(inv *model.Invoice, now time.Time) error {
		return inv.MarkUncollectible(now)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, inv, events.InvoiceUncollectible)
	return inv, nil
}

// GetInvoice retrieves an invoice
func (s *InvoiceService) GetInvoice(ctx context.Context, id string) (*model.Invoice, error) {
	return s.repos.Invoices.FindByID(ctx, id)
}

// ListInvoices lists invoices
func (s *InvoiceService) ListInvoices(ctx context.Context, filter model.InvoiceFilter) ([]*model.Invoice, int, error) {
	return s.repos.Invoices.List(ctx, filter)
}

// Document assembles the render input of an invoice
func (s *InvoiceService) Document(ctx context.Context, inv *model.Invoice) (*model.InvoiceDocument, error) {
	customer, err := s.repos.Customers.FindByID(ctx, inv.CustomerID)
	if err != nil {
		return nil, err
	}
	return &model.InvoiceDocument{
		Company:  s.settings.Company,
		Customer: customer,
		Invoice:  inv,
	}, nil
}

// PDF returns the rendered invoice and its download name. A stored copy is
// served when present.
func (s *InvoiceService) PDF(ctx context.Context, invoiceID string) ([]byte, string, error) {
	inv, err := s.repos.Invoices.FindByID(ctx, invoiceID)
	if err != nil {
		return nil, "", err
	}
	if inv.PDFKey != "" && s.store != nil {
		data, err := s.store.Get(ctx, inv.PDFKey)
		if err == nil {
			return data, inv.Filename(), nil
		}
		s.opts.Logger.WithContext(ctx).Warn("Stored invoice PDF unavailable, rendering",
			"invoice_id", inv.ID, "key", inv.PDFKey, "error", err)
	}
	data, err := s.render(ctx, inv)
	if err != nil {
		return nil, "", err
	}
	return data, inv.Filename(), nil
}

func (s *InvoiceService) render(ctx context.Context, inv *model.Invoice) ([]byte, error) {
	doc, err := s.Document(ctx, inv)
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.Render(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render invoice %s: %w", inv.Number, err)
	}
	return data, nil
}

// StorePDF renders the invoice, uploads it and records the object key. It
// returns the invoice and the rendered bytes.
func (s *InvoiceService) StorePDF(ctx context.Context, invoiceID string) (*model.Invoice, []byte, error) {
	inv, err := s.repos.Invoices.FindByID(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.render(ctx, inv)
	if err != nil {
		return nil, nil, err
	}
	if s.store == nil {
		return inv, data, nil
	}

	key := fmt.Sprintf("invoices/%d/%s", inv.IssuedAt.Year(), inv.Filename())
	if err := s.store.Put(ctx, key, data, "application/pdf"); err != nil {
		return nil, nil, fmt.Errorf("failed to store invoice PDF: %w", err)
	}
	err = s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.repos.Invoices.FindByIDForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		locked.PDFKey = key
		if err := s.repos.Invoices.Update(ctx, locked); err != nil {
			return err
		}
		inv = locked
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return inv, data, nil
}

func (s *InvoiceService) publish(ctx context.Context, inv *model.Invoice, eventType string) {
	buf := &eventBuffer{}
	buf.add(inv.ID, events.AggregateInvoice, eventType, invoicePayload(inv))
	buf.flush(ctx, s.opts.Publisher, s.opts.Logger)
}

func (s *InvoiceService) notifyFinalized(ctx context.Context, inv *model.Invoice) {
	if err := s.opts.Notifier.InvoiceFinalized(ctx, inv); err != nil {
		s.opts.Logger.WithContext(ctx).Error("Failed to queue invoice delivery",
			"invoice_id", inv.ID, "error", err)
	}
}
