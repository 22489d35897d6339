package memory

import (
	"context"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

// InvoiceRepository is the in-memory invoice table
type InvoiceRepository struct{ s *Store }

// Invoices returns the invoice repository
func (s *Store) Invoices() *InvoiceRepository { return &InvoiceRepository{s: s} }

func cloneInvoice(inv *model.Invoice) *model.Invoice {
	out := *inv
	out.SubscriptionID = stringPtr(inv.SubscriptionID)
	out.CouponID = stringPtr(inv.CouponID)
	out.FinalizedAt = timePtr(inv.FinalizedAt)
	out.PaidAt = timePtr(inv.PaidAt)
	out.VoidedAt = timePtr(inv.VoidedAt)
	if inv.Discount != nil {
		d := *inv.Discount
		out.Discount = &d
	}
	out.Items = make([]model.LineItem, len(inv.Items))
	for i, item := range inv.Items {
		item.PeriodStart = timePtr(item.PeriodStart)
		item.PeriodEnd = timePtr(item.PeriodEnd)
		out.Items[i] = item
	}
	return &out
}

func (r *InvoiceRepository) Save(ctx context.Context, inv *model.Invoice) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.customers[inv.CustomerID]; !ok {
			return nil, model.ErrCustomerNotFound
		}
		return put(r.s.invoices, inv.ID, cloneInvoice(inv)), nil
	})
}

func (r *InvoiceRepository) Update(ctx context.Context, inv *model.Invoice) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.invoices[inv.ID]; !ok {
			return nil, model.ErrInvoiceNotFound
		}
		return put(r.s.invoices, inv.ID, cloneInvoice(inv)), nil
	})
}

func (r *InvoiceRepository) FindByID(ctx context.Context, id string) (*model.Invoice, error) {
	var out *model.Invoice
	r.s.read(func() {
		if inv, ok := r.s.invoices[id]; ok {
			out = cloneInvoice(inv)
		}
	})
	if out == nil {
		return nil, model.ErrInvoiceNotFound
	}
	return out, nil
}

func (r *InvoiceRepository) FindByIDForUpdate(ctx context.Context, id string) (*model.Invoice, error) {
	return r.FindByID(ctx, id)
}

func (r *InvoiceRepository) List(ctx context.Context, filter model.InvoiceFilter) ([]*model.Invoice, int, error) {
	var items []*model.Invoice
	r.s.read(func() {
		for _, inv := range r.s.invoices {
			if filter.CustomerID != "" && inv.CustomerID != filter.CustomerID {
				continue
			}
			if filter.SubscriptionID != "" && (inv.SubscriptionID == nil || *inv.SubscriptionID != filter.SubscriptionID) {
				continue
			}
			if filter.Status != "" && inv.Status != filter.Status {
				continue
			}
			items = append(items, cloneInvoice(inv))
		}
	})
	page, total := paginate(items,
		func(i *model.Invoice) time.Time { return i.CreatedAt },
		func(i *model.Invoice) string { return i.Number },
		filter.Pagination)
	return page, total, nil
}

func (r *InvoiceRepository) FindOpenBySubscription(ctx context.Context, subscriptionID string) (*model.Invoice, error) {
	var out *model.Invoice
	r.s.read(func() {
		for _, inv := range r.s.invoices {
			if inv.SubscriptionID == nil || *inv.SubscriptionID != subscriptionID {
				continue
			}
			if inv.Status != model.InvoiceStatusOpen && inv.Status != model.InvoiceStatusUncollectible {
				continue
			}
			if out == nil || inv.CreatedAt.After(out.CreatedAt) {
				out = inv
			}
		}
		if out != nil {
			out = cloneInvoice(out)
		}
	})
	if out == nil {
		return nil, model.ErrInvoiceNotFound
	}
	return out, nil
}

// InvoiceSequence is the in-memory per-year counter
type InvoiceSequence struct{ s *Store }

// Sequence returns the invoice number allocator
func (s *Store) Sequence() *InvoiceSequence { return &InvoiceSequence{s: s} }

func (q *InvoiceSequence) Next(ctx context.Context, year int) (int64, error) {
	var next int64
	err := q.s.write(ctx, func() (func(), error) {
		next = q.s.sequences[year] + 1
		return put(q.s.sequences, year, next), nil
	})
	return next, err
}

// PaymentRepository is the in-memory payment table
type PaymentRepository struct{ s *Store }

// Payments returns the payment repository
func (s *Store) Payments() *PaymentRepository { return &PaymentRepository{s: s} }

func clonePayment(p *model.Payment) *model.Payment {
	out := *p
	out.ProcessedAt = timePtr(p.ProcessedAt)
	return &out
}

func (r *PaymentRepository) Save(ctx context.Context, p *model.Payment) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.invoices[p.InvoiceID]; !ok {
			return nil, model.ErrInvoiceNotFound
		}
		return put(r.s.payments, p.ID, clonePayment(p)), nil
	})
}

func (r *PaymentRepository) Update(ctx context.Context, p *model.Payment) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.payments[p.ID]; !ok {
			return nil, model.ErrPaymentNotFound
		}
		return put(r.s.payments, p.ID, clonePayment(p)), nil
	})
}

func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*model.Payment, error) {
	var out *model.Payment
	r.s.read(func() {
		if p, ok := r.s.payments[id]; ok {
			out = clonePayment(p)
		}
	})
	if out == nil {
		return nil, model.ErrPaymentNotFound
	}
	return out, nil
}

func (r *PaymentRepository) FindByProviderRef(ctx context.Context, provider, providerRef string) (*model.Payment, error) {
	var out *model.Payment
	r.s.read(func() {
		for _, p := range r.s.payments {
			if p.Provider == provider && p.ProviderRef == providerRef {
				out = clonePayment(p)
				return
			}
		}
	})
	if out == nil {
		return nil, model.ErrPaymentNotFound
	}
	return out, nil
}

func (r *PaymentRepository) FindByProviderRefForUpdate(ctx context.Context, provider, providerRef string) (*model.Payment, error) {
	return r.FindByProviderRef(ctx, provider, providerRef)
}

func (r *PaymentRepository) List(ctx context.Context, filter model.PaymentFilter) ([]*model.Payment, int, error) {
	var items []*model.Payment
	r.s.read(func() {
		for _, p := range r.s.payments {
			if filter.InvoiceID != "" && p.InvoiceID != filter.InvoiceID {
				continue
			}
			if filter.Provider != "" && p.Provider != filter.Provider {
				continue
			}
			if filter.Status != "" && p.Status != filter.Status {
				continue
			}
			items = append(items, clonePayment(p))
		}
	})
	page, total := paginate(items,
		func(p *model.Payment) time.Time { return p.CreatedAt },
		func(p *model.Payment) string { return p.ID },
		filter.Pagination)
	return page, total, nil
}

func (r *PaymentRepository) FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]*model.Payment, error) {
	var items []*model.Payment
	r.s.read(func() {
		for _, p := range r.s.payments {
			if p.Status == model.PaymentStatusPending && p.CreatedAt.Before(before) {
				items = append(items, clonePayment(p))
			}
		}
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// WebhookLedger is the in-memory record of processed webhook deliveries
type WebhookLedger struct{ s *Store }

// Webhooks returns the webhook ledger
func (s *Store) Webhooks() *WebhookLedger { return &WebhookLedger{s: s} }

func ledgerKey(provider, eventID string) string {
	return provider + "/" + eventID
}

func (l *WebhookLedger) Record(ctx context.Context, record *model.WebhookRecord) (bool, error) {
	inserted := false
	err := l.s.write(ctx, func() (func(), error) {
		key := ledgerKey(record.Provider, record.EventID)
		if _, ok := l.s.webhooks[key]; ok {
			return nil, nil
		}
		inserted = true
		c := *record
		return put(l.s.webhooks, key, &c), nil
	})
	return inserted, err
}

func (l *WebhookLedger) UpdateEffect(ctx context.Context, provider, eventID string, effect model.Effect) error {
	return l.s.write(ctx, func() (func(), error) {
		rec, ok := l.s.webhooks[ledgerKey(provider, eventID)]
		if !ok {
			return nil, nil
		}
		prev := rec.Effect
		rec.Effect = effect
		return func() { rec.Effect = prev }, nil
	})
}

// Get returns a copy of a ledger entry
func (l *WebhookLedger) Get(provider, eventID string) (*model.WebhookRecord, bool) {
	var out *model.WebhookRecord
	l.s.read(func() {
		if rec, ok := l.s.webhooks[ledgerKey(provider, eventID)]; ok {
			c := *rec
			out = &c
		}
	})
	return out, out != nil
}
