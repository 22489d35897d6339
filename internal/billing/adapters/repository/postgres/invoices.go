package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/database"
)

// InvoiceRepository implements invoice persistence. Line items live in
// invoice_items and are rewritten with their invoice.
type InvoiceRepository struct {
	db *database.DB
}

// Invoices returns the invoice repository
func (s *Store) Invoices() *InvoiceRepository { return &InvoiceRepository{db: s.db} }

const invoiceColumns = `id, number, customer_id, subscription_id, coupon_id, status, currency,
	discount_type, discount_value, tax_rate_bps, tax_rounding,
	subtotal_cents, discount_cents, tax_cents, total_cents,
	issued_at, due_at, finalized_at, paid_at, voided_at, notes, pdf_key, created_at, updated_at`

func scanInvoice(row scanner) (*model.Invoice, error) {
	var (
		inv            model.Invoice
		subscriptionID sql.NullString
		couponID       sql.NullString
		discountType   sql.NullString
		discountValue  int64
		finalizedAt    sql.NullTime
		paidAt         sql.NullTime
		voidedAt       sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.Number, &inv.CustomerID, &subscriptionID, &couponID, &inv.Status, &inv.Currency,
		&discountType, &discountValue, &inv.Tax.RateBps, &inv.Tax.Rounding,
		&inv.SubtotalCents, &inv.DiscountCents, &inv.TaxCents, &inv.TotalCents,
		&inv.IssuedAt, &inv.DueAt, &finalizedAt, &paidAt, &voidedAt, &inv.Notes, &inv.PDFKey,
		&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.SubscriptionID = database.StringPtr(subscriptionID)
	inv.CouponID = database.StringPtr(couponID)
	if discountType.Valid {
		inv.Discount = &model.Discount{Type: model.DiscountType(discountType.String), Value: discountValue}
	}
	inv.FinalizedAt = database.TimePtr(finalizedAt)
	inv.PaidAt = database.TimePtr(paidAt)
	inv.VoidedAt = database.TimePtr(voidedAt)
	return &inv, nil
}

func discountArgs(d *model.Discount) (sql.NullString, int64) {
	if d == nil {
		return sql.NullString{}, 0
	}
	return sql.NullString{String: string(d.Type), Valid: true}, d.Value
}

// Save inserts the invoice and its line items. Callers run it inside the
// transaction that allocated the number.
func (r *InvoiceRepository) Save(ctx context.Context, inv *model.Invoice) error {
	conn := r.db.Conn(ctx)
	discountType, discountValue := discountArgs(inv.Discount)
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`
	_, err := conn.ExecContext(ctx, query,
		inv.ID, inv.Number, inv.CustomerID, database.NullStringPtr(inv.SubscriptionID), database.NullStringPtr(inv.CouponID),
		inv.Status, inv.Currency, discountType, discountValue, inv.Tax.RateBps, inv.Tax.Rounding,
		inv.SubtotalCents, inv.DiscountCents, inv.TaxCents, inv.TotalCents,
		inv.IssuedAt, inv.DueAt, database.NullTime(inv.FinalizedAt), database.NullTime(inv.PaidAt),
		database.NullTime(inv.VoidedAt), inv.Notes, inv.PDFKey, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.ErrCustomerNotFound
		}
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return r.insertItems(ctx, conn, inv)
}

func (r *InvoiceRepository) insertItems(ctx context.Context, conn database.Querier, inv *model.Invoice) error {
	query := `
		INSERT INTO invoice_items (id, invoice_id, position, description, quantity, unit_price_cents, amount_cents, period_start, period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for i, item := range inv.Items {
		_, err := conn.ExecContext(ctx, query,
			item.ID, inv.ID, i, item.Description, item.Quantity, item.UnitPriceCents, item.AmountCents,
			database.NullTime(item.PeriodStart), database.NullTime(item.PeriodEnd))
		if err != nil {
			return fmt.Errorf("failed to insert invoice item: %w", err)
		}
	}
	return nil
}

// Update writes the invoice header and replaces its line items
func (r *InvoiceRepository) Update(ctx context.Context, inv *model.Invoice) error {
	return r.db.Transaction(ctx, func(ctx context.Context) error {
		conn := r.db.Conn(ctx)
		discountType, discountValue := discountArgs(inv.Discount)
		query := `
			UPDATE invoices
			SET status = $2, discount_type = $3, discount_value = $4, tax_rate_bps = $5, tax_rounding = $6,
			    subtotal_cents = $7, discount_cents = $8, tax_cents = $9, total_cents = $10,
			    due_at = $11, finalized_at = $12, paid_at = $13, voided_at = $14, notes = $15, pdf_key = $16, updated_at = $17
			WHERE id = $1
		`
		res, err := conn.ExecContext(ctx, query,
			inv.ID, inv.Status, discountType, discountValue, inv.Tax.RateBps, inv.Tax.Rounding,
			inv.SubtotalCents, inv.DiscountCents, inv.TaxCents, inv.TotalCents,
			inv.DueAt, database.NullTime(inv.FinalizedAt), database.NullTime(inv.PaidAt),
			database.NullTime(inv.VoidedAt), inv.Notes, inv.PDFKey, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to update invoice: %w", err)
		}
		if err := affected(res, model.ErrInvoiceNotFound); err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, inv.ID); err != nil {
			return fmt.Errorf("failed to clear invoice items: %w", err)
		}
		return r.insertItems(ctx, conn, inv)
	})
}

// FindByID finds an invoice with its line items
func (r *InvoiceRepository) FindByID(ctx context.Context, id string) (*model.Invoice, error) {
	return r.find(ctx, id, "")
}

// FindByIDForUpdate locks the invoice row for the rest of the transaction
func (r *InvoiceRepository) FindByIDForUpdate(ctx context.Context, id string) (*model.Invoice, error) {
	return r.find(ctx, id, " FOR UPDATE")
}

func (r *InvoiceRepository) find(ctx context.Context, id, lock string) (*model.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1` + lock
	inv, err := scanInvoice(r.db.Conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, model.ErrInvoiceNotFound)
	}
	if err := r.loadItems(ctx, []*model.Invoice{inv}); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *InvoiceRepository) loadItems(ctx context.Context, invoices []*model.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	byID := make(map[string]*model.Invoice, len(invoices))
	ids := make([]interface{}, 0, len(invoices))
	qb := database.NewQueryBuilder(`
		SELECT invoice_id, id, description, quantity, unit_price_cents, amount_cents, period_start, period_end
		FROM invoice_items`)
	placeholders := ""
	for i, inv := range invoices {
		inv.Items = []model.LineItem{}
		byID[inv.ID] = inv
		ids = append(ids, inv.ID)
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
	}
	query, args := qb.Where("invoice_id IN ("+placeholders+")", ids...).
		OrderBy("invoice_id, position", false).
		Build()

	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load invoice items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			invoiceID   string
			item        model.LineItem
			periodStart sql.NullTime
			periodEnd   sql.NullTime
		)
		if err := rows.Scan(&invoiceID, &item.ID, &item.Description, &item.Quantity,
			&item.UnitPriceCents, &item.AmountCents, &periodStart, &periodEnd); err != nil {
			return err
		}
		item.PeriodStart = database.TimePtr(periodStart)
		item.PeriodEnd = database.TimePtr(periodEnd)
		if inv, ok := byID[invoiceID]; ok {
			inv.Items = append(inv.Items, item)
		}
	}
	return rows.Err()
}

// List lists invoices with their line items
func (r *InvoiceRepository) List(ctx context.Context, filter model.InvoiceFilter) ([]*model.Invoice, int, error) {
	qb := database.NewQueryBuilder(`SELECT `+invoiceColumns+` FROM invoices`).
		WhereIf(filter.CustomerID != "", "customer_id = ?", filter.CustomerID).
		WhereIf(filter.SubscriptionID != "", "subscription_id = ?", filter.SubscriptionID).
		WhereIf(filter.Status != "", "status = ?", string(filter.Status)).
		OrderBy("created_at DESC, number", true).
		Limit(filter.Limit(), filter.Offset())
	items, total, err := list(ctx, r.db.Conn(ctx), qb, scanInvoice)
	if err != nil {
		return nil, 0, err
	}
	if err := r.loadItems(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// FindOpenBySubscription returns the newest unpaid invoice of a subscription
func (r *InvoiceRepository) FindOpenBySubscription(ctx context.Context, subscriptionID string) (*model.Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + ` FROM invoices
		WHERE subscription_id = $1 AND status IN ('open', 'uncollectible')
		ORDER BY created_at DESC
		LIMIT 1
	`
	inv, err := scanInvoice(r.db.Conn(ctx).QueryRowContext(ctx, query, subscriptionID))
	if err != nil {
		return nil, notFound(err, model.ErrInvoiceNotFound)
	}
	if err := r.loadItems(ctx, []*model.Invoice{inv}); err != nil {
		return nil, err
	}
	return inv, nil
}

// InvoiceSequence allocates invoice numbers from invoice_sequences
type InvoiceSequence struct {
	db *database.DB
}

// Sequence returns the invoice number allocator
func (s *Store) Sequence() *InvoiceSequence { return &InvoiceSequence{db: s.db} }

// Next increments the year's counter. The upsert holds the row lock until the
// surrounding transaction ends, so concurrent creators queue behind it.
func (q *InvoiceSequence) Next(ctx context.Context, year int) (int64, error) {
	query := `
		INSERT INTO invoice_sequences (year, last_value) VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value
	`
	var next int64
	if err := q.db.Conn(ctx).QueryRowContext(ctx, query, year).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to allocate invoice number: %w", err)
	}
	return next, nil
}

// PaymentRepository implements payment persistence
type PaymentRepository struct {
	db *database.DB
}

// Payments returns the payment repository
func (s *Store) Payments() *PaymentRepository { return &PaymentRepository{db: s.db} }

const paymentColumns = `id, invoice_id, provider, provider_ref, amount_cents, refunded_cents, currency,
	status, failure_reason, processed_at, created_at, updated_at`

func scanPayment(row scanner) (*model.Payment, error) {
	var (
		p           model.Payment
		processedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.InvoiceID, &p.Provider, &p.ProviderRef, &p.AmountCents, &p.RefundedCents,
		&p.Currency, &p.Status, &p.FailureReason, &processedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ProcessedAt = database.TimePtr(processedAt)
	return &p, nil
}

// Save records a charge attempt
func (r *PaymentRepository) Save(ctx context.Context, p *model.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		p.ID, p.InvoiceID, p.Provider, p.ProviderRef, p.AmountCents, p.RefundedCents, p.Currency,
		p.Status, p.FailureReason, database.NullTime(p.ProcessedAt), p.CreatedAt, p.UpdatedAt)
	if isForeignKeyViolation(err) {
		return model.ErrInvoiceNotFound
	}
	return err
}

// Update updates a payment
func (r *PaymentRepository) Update(ctx context.Context, p *model.Payment) error {
	query := `
		UPDATE payments
		SET provider_ref = $2, refunded_cents = $3, status = $4, failure_reason = $5, processed_at = $6, updated_at = $7
		WHERE id = $1
	`
	res, err := r.db.Conn(ctx).ExecContext(ctx, query,
		p.ID, p.ProviderRef, p.RefundedCents, p.Status, p.FailureReason, database.NullTime(p.ProcessedAt), p.UpdatedAt)
	if err != nil {
		return err
	}
	return affected(res, model.ErrPaymentNotFound)
}

// FindByID finds a payment by ID
func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.db.Conn(ctx).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, model.ErrPaymentNotFound)
	}
	return p, nil
}

// FindByProviderRef finds a payment by its provider transaction id
func (r *PaymentRepository) FindByProviderRef(ctx context.Context, provider, providerRef string) (*model.Payment, error) {
	return r.findByRef(ctx, provider, providerRef, "")
}

// FindByProviderRefForUpdate locks the payment row for the rest of the transaction
func (r *PaymentRepository) FindByProviderRefForUpdate(ctx context.Context, provider, providerRef string) (*model.Payment, error) {
	return r.findByRef(ctx, provider, providerRef, " FOR UPDATE")
}

func (r *PaymentRepository) findByRef(ctx context.Context, provider, providerRef, lock string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider = $1 AND provider_ref = $2` + lock
	p, err := scanPayment(r.db.Conn(ctx).QueryRowContext(ctx, query, provider, providerRef))
	if err != nil {
		return nil, notFound(err, model.ErrPaymentNotFound)
	}
	return p, nil
}

// List lists payments
func (r *PaymentRepository) List(ctx context.Context, filter model.PaymentFilter) ([]*model.Payment, int, error) {
	qb := database.NewQueryBuilder(`SELECT `+paymentColumns+` FROM payments`).
		WhereIf(filter.InvoiceID != "", "invoice_id = ?", filter.InvoiceID).
		WhereIf(filter.Provider != "", "provider = ?", filter.Provider).
		WhereIf(filter.Status != "", "status = ?", string(filter.Status)).
		OrderBy("created_at", true).
		Limit(filter.Limit(), filter.Offset())
	return list(ctx, r.db.Conn(ctx), qb, scanPayment)
}

// FindPendingBefore returns pending payments created before the cutoff
func (r *PaymentRepository) FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]*model.Payment, error) {
	query := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending payments: %w", err)
	}
	return collect(rows, scanPayment)
}

// WebhookLedger records processed webhook deliveries in webhook_events
type WebhookLedger struct {
	db *database.DB
}

// Webhooks returns the webhook ledger
func (s *Store) Webhooks() *WebhookLedger { return &WebhookLedger{db: s.db} }

// Record inserts the delivery unless (provider, event_id) is already present
func (l *WebhookLedger) Record(ctx context.Context, rec *model.WebhookRecord) (bool, error) {
	query := `
		INSERT INTO webhook_events (provider, event_id, event_type, effect, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, event_id) DO NOTHING
	`
	res, err := l.db.Conn(ctx).ExecContext(ctx, query,
		rec.Provider, rec.EventID, rec.EventType, rec.Effect, rec.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateEffect stores the outcome of a recorded delivery
func (l *WebhookLedger) UpdateEffect(ctx context.Context, provider, eventID string, effect model.Effect) error {
	_, err := l.db.Conn(ctx).ExecContext(ctx,
		`UPDATE webhook_events SET effect = $3 WHERE provider = $1 AND event_id = $2`,
		provider, eventID, effect)
	return err
}
