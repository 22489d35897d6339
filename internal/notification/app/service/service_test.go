package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	authmodel "github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	billingmodel "github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/notification/adapters/logmail"
	"github.com/saas-invoice/saas-invoice/internal/notification/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/queue"
)

type emailRecorder struct {
	mu    sync.Mutex
	sends map[string]int
	fails map[string]int
}

func (r *emailRecorder) EmailSent(template string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sends == nil {
		r.sends, r.fails = map[string]int{}, map[string]int{}
	}
	if err != nil {
		r.fails[template]++
		return
	}
	r.sends[template]++
}

type failingProvider struct{ err error }

func (p failingProvider) Name() string                             { return "failing" }
func (p failingProvider) Send(context.Context, *model.Email) error { return p.err }

type fakeBilling struct {
	invoices      map[string]*billingmodel.Invoice
	customers     map[string]*billingmodel.Customer
	subscriptions map[string]*billingmodel.Subscription
	plans         map[string]*billingmodel.Plan
	payments      map[string]*billingmodel.Payment
	stored        []string
}

func (f *fakeBilling) StorePDF(_ context.Context, id string) (*billingmodel.Invoice, []byte, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, nil, billingmodel.ErrInvoiceNotFound
	}
	inv.PDFKey = "invoices/2025/" + inv.Filename()
	f.stored = append(f.stored, inv.PDFKey)
	return inv, []byte("%PDF-1.3 fake"), nil
}

func (f *fakeBilling) GetInvoice(_ context.Context, id string) (*billingmodel.Invoice, error) {
	if inv, ok := f.invoices[id]; ok {
		return inv, nil
	}
	return nil, billingmodel.ErrInvoiceNotFound
}

func (f *fakeBilling) GetCustomer(_ context.Context, id string) (*billingmodel.Customer, error) {
	if c, ok := f.customers[id]; ok {
		return c, nil
	}
	return nil, billingmodel.ErrCustomerNotFound
}

func (f *fakeBilling) GetSubscription(_ context.Context, id string) (*billingmodel.Subscription, error) {
	if s, ok := f.subscriptions[id]; ok {
		return s, nil
	}
	return nil, billingmodel.ErrSubscriptionNotFound
}

func (f *fakeBilling) GetPlan(_ context.Context, id string) (*billingmodel.Plan, error) {
	if p, ok := f.plans[id]; ok {
		return p, nil
	}
	return nil, billingmodel.ErrPlanNotFound
}

func (f *fakeBilling) GetPayment(_ context.Context, id string) (*billingmodel.Payment, error) {
	if p, ok := f.payments[id]; ok {
		return p, nil
	}
	return nil, billingmodel.ErrPaymentNotFound
}

var (
	issued    = time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	periodEnd = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newFakeBilling() *fakeBilling {
	processed := issued.Add(time.Hour)
	return &fakeBilling{
		invoices: map[string]*billingmodel.Invoice{
			"inv-1": {
				ID: "inv-1", Number: "INV-2025-0007", CustomerID: "cus-1",
				Status: billingmodel.InvoiceStatusOpen, Currency: "USD",
				Totals:   billingmodel.Totals{SubtotalCents: 5000, DiscountCents: 1000, TaxCents: 340, TotalCents: 4340},
				IssuedAt: issued, DueAt: issued.AddDate(0, 0, 30),
			},
			"inv-void": {
				ID: "inv-void", Number: "INV-2025-0008", CustomerID: "cus-1",
				Status: billingmodel.InvoiceStatusVoid, Currency: "USD", IssuedAt: issued,
			},
		},
		customers: map[string]*billingmodel.Customer{
			"cus-1": {ID: "cus-1", Email: "ada@example.com", Name: "Ada Lovelace"},
		},
		subscriptions: map[string]*billingmodel.Subscription{
			"sub-1": {
				ID: "sub-1", CustomerID: "cus-1", PlanID: "plan-pro",
				Status: billingmodel.SubscriptionStatusActive, CurrentPeriodEnd: periodEnd,
			},
		},
		plans: map[string]*billingmodel.Plan{
			"plan-pro": {ID: "plan-pro", Name: "Pro Monthly", PriceCents: 5000, Currency: "USD"},
		},
		payments: map[string]*billingmodel.Payment{
			"pay-1": {
				ID: "pay-1", InvoiceID: "inv-1", AmountCents: 4340, Currency: "USD",
				ProviderRef: "dummy_pay_abc", ProcessedAt: &processed,
			},
		},
	}
}

func newEmailService(t *testing.T, provider EmailProvider, rec Recorder) *EmailService {
	t.Helper()
	svc, err := NewEmailService(provider, EmailConfig{
		FromAddress:  "billing@example.com",
		FromName:     "SaaS Invoice Platform",
		CompanyName:  "SaaS Invoice Platform",
		CompanyEmail: "billing@example.com",
		CompanyPhone: "+1 (555) 123-4567",
	}, rec, nil)
	require.NoError(t, err)
	return svc
}

func TestEmailServiceRender(t *testing.T) {
	svc := newEmailService(t, logmail.NewProvider(nil), nil)

	tests := []struct {
		name        string
		msg         Message
		wantSubject string
		wantText    []string
	}{
		{
			name: "invoice",
			msg: Message{Type: model.EmailTypeInvoice, To: "ada@example.com", ToName: "Ada", Vars: map[string]interface{}{
				"Number": "INV-2025-0007", "IssueDate": "February 1, 2025", "DueDate": "March 3, 2025", "Total": "$43.40",
			}},
			wantSubject: "Invoice INV-2025-0007 from SaaS Invoice Platform",
			wantText:    []string{"Hi Ada,", "Amount due: $43.40"},
		},
		{
			name: "payment receipt",
			msg: Message{Type: model.EmailTypePaymentReceipt, To: "ada@example.com", ToName: "Ada", Vars: map[string]interface{}{
				"Number": "INV-2025-0007", "Amount": "$43.40", "PaidDate": "February 1, 2025", "Reference": "ch_1",
			}},
			wantSubject: "Payment Confirmation - Invoice INV-2025-0007",
			wantText:    []string{"payment of $43.40", "Payment reference: ch_1"},
		},
		{
			name: "renewal reminder ending",
			msg: Message{Type: model.EmailTypeRenewalReminder, To: "ada@example.com", ToName: "Ada", Vars: map[string]interface{}{
				"PlanName": "Pro", "RenewalDate": "March 1, 2025", "Amount": "$50.00", "CancelAtPeriodEnd": true,
			}},
			wantSubject: "Subscription Renewal Reminder - Pro",
			wantText:    []string{"renews on March 1, 2025 for $50.00", "will not be charged again"},
		},
		{
			name:        "welcome",
			msg:         Message{Type: model.EmailTypeWelcome, To: "ada@example.com", ToName: "Ada", Vars: map[string]interface{}{"Email": "ada@example.com"}},
			wantSubject: "Welcome to SaaS Invoice Platform",
			wantText:    []string{"Your account ada@example.com is ready."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			email, err := svc.Render(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSubject, email.Subject)
			assert.Equal(t, "billing@example.com", email.From)
			assert.Equal(t, "billing@example.com", email.ReplyTo)
			for _, want := range tt.wantText {
				assert.Contains(t, email.TextContent, want)
			}
			assert.Contains(t, email.HTMLContent, "<!DOCTYPE html>")
			assert.Contains(t, email.HTMLContent, "123-4567")
		})
	}
}

func TestEmailServiceRenderEscapesHTML(t *testing.T) {
	svc := newEmailService(t, logmail.NewProvider(nil), nil)
	email, err := svc.Render(Message{
		Type: model.EmailTypeWelcome, To: "x@example.com", ToName: "<script>",
		Vars: map[string]interface{}{"Email": "x@example.com"},
	})
	require.NoError(t, err)
	assert.NotContains(t, email.HTMLContent, "<script>")
	assert.Contains(t, email.TextContent, "Hi <script>,")
}

func TestEmailServiceRenderErrors(t *testing.T) {
	svc := newEmailService(t, logmail.NewProvider(nil), nil)

	_, err := svc.Render(Message{Type: "unknown", To: "x@example.com"})
	assert.ErrorIs(t, err, model.ErrTemplateNotFound)

	_, err = svc.Render(Message{Type: model.EmailTypeInvoice, To: "x@example.com"})
	assert.Error(t, err, "missing template variables must fail")

	_, err = svc.Send(context.Background(), Message{
		Type: model.EmailTypeWelcome, Vars: map[string]interface{}{"Email": ""},
	})
	assert.ErrorIs(t, err, model.ErrNoRecipient)
}

func TestEmailServiceSendRecordsOutcome(t *testing.T) {
	rec := &emailRecorder{}
	msg := Message{Type: model.EmailTypeWelcome, To: "ada@example.com", Vars: map[string]interface{}{"Email": "ada@example.com"}}

	ok := newEmailService(t, logmail.NewProvider(nil), rec)
	email, err := ok.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, model.EmailStatusSent, email.Status)
	assert.NotNil(t, email.SentAt)

	failing := newEmailService(t, failingProvider{err: errors.New("connection refused")}, rec)
	email, err = failing.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "via failing")
	assert.Equal(t, model.EmailStatusFailed, email.Status)

	assert.Equal(t, 1, rec.sends["welcome"])
	assert.Equal(t, 1, rec.fails["welcome"])
}

func TestDispatcherEnqueuesTasks(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(nil)
	d := NewDispatcher(q)
	billing := newFakeBilling()

	require.NoError(t, d.InvoiceFinalized(ctx, billing.invoices["inv-1"]))
	require.NoError(t, d.PaymentSucceeded(ctx, billing.invoices["inv-1"], billing.payments["pay-1"]))
	require.NoError(t, d.RenewalUpcoming(ctx, billing.subscriptions["sub-1"]))
	require.NoError(t, d.Welcome(ctx, &authmodel.User{ID: "u-1", Email: "ada@example.com", FirstName: "Ada"}))

	var types []string
	for {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if task == nil {
			break
		}
		types = append(types, task.Type)
	}
	assert.ElementsMatch(t, []string{TaskInvoiceDelivery, TaskPaymentReceipt, TaskRenewalReminder, TaskWelcome}, types)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, d.InvoiceFinalized(ctx, billing.invoices["inv-1"]), queue.ErrClosed)
}

// runTasks drains q through a pool with the notification handlers registered
func runTasks(t *testing.T, q *queue.MemoryQueue, h *TaskHandlers) *queue.Pool {
	t.Helper()
	pool := queue.NewPool(q, queue.PoolConfig{MaxAttempts: 1}, nil, nil)
	h.Register(pool)
	for {
		worked, err := pool.ProcessNext(context.Background())
		require.NoError(t, err)
		if !worked {
			return pool
		}
	}
}

func TestTaskHandlers(t *testing.T) {
	ctx := context.Background()
	billing := newFakeBilling()
	provider := logmail.NewProvider(nil)
	h := NewTaskHandlers(billing, billing, newEmailService(t, provider, nil), nil)

	q := queue.NewMemoryQueue(nil)
	d := NewDispatcher(q)
	require.NoError(t, d.InvoiceFinalized(ctx, billing.invoices["inv-1"]))
	require.NoError(t, d.PaymentSucceeded(ctx, billing.invoices["inv-1"], billing.payments["pay-1"]))
	require.NoError(t, d.RenewalUpcoming(ctx, billing.subscriptions["sub-1"]))
	require.NoError(t, d.Welcome(ctx, &authmodel.User{ID: "u-1", Email: "new@example.com", FirstName: "Grace", LastName: "Hopper"}))

	pool := runTasks(t, q, h)
	assert.Equal(t, int64(4), pool.Stats().Succeeded)

	sent := provider.Sent()
	require.Len(t, sent, 4)
	byType := map[model.EmailType]*model.Email{}
	for _, e := range sent {
		byType[e.Type] = e
	}

	invoice := byType[model.EmailTypeInvoice]
	require.NotNil(t, invoice)
	assert.Equal(t, "ada@example.com", invoice.To)
	require.Len(t, invoice.Attachments, 1)
	assert.Equal(t, "INV-2025-0007.pdf", invoice.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", invoice.Attachments[0].ContentType)
	assert.Contains(t, invoice.TextContent, "$43.40")
	assert.Equal(t, []string{"invoices/2025/INV-2025-0007.pdf"}, billing.stored)

	assert.Contains(t, byType[model.EmailTypePaymentReceipt].TextContent, "dummy_pay_abc")
	assert.Contains(t, byType[model.EmailTypeRenewalReminder].Subject, "Pro Monthly")
	assert.Equal(t, "new@example.com", byType[model.EmailTypeWelcome].To)
	assert.Contains(t, byType[model.EmailTypeWelcome].TextContent, "Hi Grace Hopper,")
}

func TestTaskHandlersSkipStaleWork(t *testing.T) {
	ctx := context.Background()
	billing := newFakeBilling()
	provider := logmail.NewProvider(nil)
	h := NewTaskHandlers(billing, billing, newEmailService(t, provider, nil), nil)
	q := queue.NewMemoryQueue(nil)
	d := NewDispatcher(q)

	require.NoError(t, d.InvoiceFinalized(ctx, billing.invoices["inv-void"]))

	// the subscription renewed after the reminder was queued
	sub := *billing.subscriptions["sub-1"]
	require.NoError(t, d.RenewalUpcoming(ctx, &sub))
	billing.subscriptions["sub-1"].CurrentPeriodEnd = periodEnd.AddDate(0, 1, 0)

	pool := runTasks(t, q, h)
	assert.Equal(t, int64(2), pool.Stats().Succeeded)
	assert.Empty(t, provider.Sent())
}

func TestTaskHandlersBuryMissingRecords(t *testing.T) {
	ctx := context.Background()
	billing := newFakeBilling()
	h := NewTaskHandlers(billing, billing, newEmailService(t, logmail.NewProvider(nil), nil), nil)
	q := queue.NewMemoryQueue(nil)
	d := NewDispatcher(q)

	require.NoError(t, d.InvoiceFinalized(ctx, &billingmodel.Invoice{ID: "missing"}))
	require.NoError(t, d.PaymentSucceeded(ctx, billing.invoices["inv-1"], &billingmodel.Payment{ID: "missing"}))

	pool := runTasks(t, q, h)
	assert.Equal(t, int64(2), pool.Stats().Buried)
	dead := q.DeadLetters()
	require.Len(t, dead, 2)
	assert.Equal(t, 1, dead[0].Attempts)
}

func TestTaskHandlersRetryProviderFailures(t *testing.T) {
	ctx := context.Background()
	billing := newFakeBilling()
	failing := failingProvider{err: errors.New("421 try again later")}
	h := NewTaskHandlers(billing, billing, newEmailService(t, failing, nil), nil)

	q := queue.NewMemoryQueue(nil)
	require.NoError(t, NewDispatcher(q).InvoiceFinalized(ctx, billing.invoices["inv-1"]))

	pool := queue.NewPool(q, queue.PoolConfig{MaxAttempts: 3}, nil, nil)
	h.Register(pool)
	worked, err := pool.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, int64(1), pool.Stats().Retried)
	assert.Empty(t, q.DeadLetters())
}
