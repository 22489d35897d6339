package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	authmodel "github.com/saas-invoice/saas-invoice/internal/auth/domain/model"
	billingmodel "github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/notification/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
	"github.com/saas-invoice/saas-invoice/internal/platform/queue"
)

// Task types handled by the notification workers
const (
	TaskInvoiceDelivery = "invoice.deliver"
	TaskPaymentReceipt  = "payment.receipt"
	TaskRenewalReminder = "renewal.reminder"
	TaskWelcome         = "user.welcome"
)

const dateLayout = "January 2, 2006"

type invoiceTask struct {
	InvoiceID string `json:"invoice_id"`
}

type receiptTask struct {
	InvoiceID string `json:"invoice_id"`
	PaymentID string `json:"payment_id"`
}

type reminderTask struct {
	SubscriptionID string    `json:"subscription_id"`
	PeriodEnd      time.Time `json:"period_end"`
}

type welcomeTask struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// Enqueuer accepts background tasks
type Enqueuer interface {
	Enqueue(ctx context.Context, task *queue.Task) error
}

// Dispatcher turns billing and account events into queued email tasks. It
// satisfies the billing notifier and the auth mailer.
type Dispatcher struct {
	queue Enqueuer
}

// NewDispatcher creates a dispatcher on q
func NewDispatcher(q Enqueuer) *Dispatcher {
	return &Dispatcher{queue: q}
}

func (d *Dispatcher) enqueue(ctx context.Context, taskType string, payload interface{}) error {
	task, err := queue.NewTask(taskType, payload)
	if err != nil {
		return err
	}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return nil
}

// InvoiceFinalized queues PDF rendering, storage and the invoice email
func (d *Dispatcher) InvoiceFinalized(ctx context.Context, inv *billingmodel.Invoice) error {
	return d.enqueue(ctx, TaskInvoiceDelivery, invoiceTask{InvoiceID: inv.ID})
}

// PaymentSucceeded queues the payment confirmation
func (d *Dispatcher) PaymentSucceeded(ctx context.Context, inv *billingmodel.Invoice, p *billingmodel.Payment) error {
	return d.enqueue(ctx, TaskPaymentReceipt, receiptTask{InvoiceID: inv.ID, PaymentID: p.ID})
}

// RenewalUpcoming queues the renewal reminder
func (d *Dispatcher) RenewalUpcoming(ctx context.Context, sub *billingmodel.Subscription) error {
	return d.enqueue(ctx, TaskRenewalReminder, reminderTask{SubscriptionID: sub.ID, PeriodEnd: sub.CurrentPeriodEnd})
}

// Welcome queues the welcome email for a new account
func (d *Dispatcher) Welcome(ctx context.Context, user *authmodel.User) error {
	return d.enqueue(ctx, TaskWelcome, welcomeTask{UserID: user.ID, Email: user.Email, Name: user.FullName()})
}

// InvoiceSource renders, stores and loads invoices
type InvoiceSource interface {
	StorePDF(ctx context.Context, invoiceID string) (*billingmodel.Invoice, []byte, error)
	GetInvoice(ctx context.Context, id string) (*billingmodel.Invoice, error)
}

// BillingReader loads the records referenced by notification tasks
type BillingReader interface {
	GetCustomer(ctx context.Context, id string) (*billingmodel.Customer, error)
	GetSubscription(ctx context.Context, id string) (*billingmodel.Subscription, error)
	GetPlan(ctx context.Context, id string) (*billingmodel.Plan, error)
	GetPayment(ctx context.Context, id string) (*billingmodel.Payment, error)
}

// TaskHandlers executes notification tasks
type TaskHandlers struct {
	invoices InvoiceSource
	billing  BillingReader
	email    *EmailService
	logger   logger.Logger
}

// NewTaskHandlers creates the handlers
func NewTaskHandlers(invoices InvoiceSource, billing BillingReader, email *EmailService, log logger.Logger) *TaskHandlers {
	if log == nil {
		log = logger.NewNop()
	}
	return &TaskHandlers{invoices: invoices, billing: billing, email: email, logger: log}
}

// Register binds every notification task type on the pool
func (h *TaskHandlers) Register(pool *queue.Pool) {
	pool.Register(TaskInvoiceDelivery, h.DeliverInvoice)
	pool.Register(TaskPaymentReceipt, h.SendPaymentReceipt)
	pool.Register(TaskRenewalReminder, h.SendRenewalReminder)
	pool.Register(TaskWelcome, h.SendWelcome)
}

// permanent stops retries for records that no longer exist
func permanent(err error) error {
	for _, target := range []error{
		billingmodel.ErrInvoiceNotFound,
		billingmodel.ErrCustomerNotFound,
		billingmodel.ErrSubscriptionNotFound,
		billingmodel.ErrPlanNotFound,
		billingmodel.ErrPaymentNotFound,
		model.ErrNoRecipient,
		model.ErrTemplateNotFound,
	} {
		if errors.Is(err, target) {
			return queue.Permanent(err)
		}
	}
	return err
}

// DeliverInvoice renders the invoice PDF, stores it and emails it
func (h *TaskHandlers) DeliverInvoice(ctx context.Context, task *queue.Task) error {
	var p invoiceTask
	if err := task.Decode(&p); err != nil {
		return err
	}

	inv, pdf, err := h.invoices.StorePDF(ctx, p.InvoiceID)
	if err != nil {
		return permanent(err)
	}
	if inv.Status == billingmodel.InvoiceStatusVoid {
		h.logger.WithContext(ctx).Info("Skipping delivery of void invoice", "invoice_id", inv.ID)
		return nil
	}
	customer, err := h.billing.GetCustomer(ctx, inv.CustomerID)
	if err != nil {
		return permanent(err)
	}

	_, err = h.email.Send(ctx, Message{
		Type:   model.EmailTypeInvoice,
		To:     customer.Email,
		ToName: customer.DisplayName(),
		Vars: map[string]interface{}{
			"Number":    inv.Number,
			"IssueDate": inv.IssuedAt.Format(dateLayout),
			"DueDate":   inv.DueAt.Format(dateLayout),
			"Total":     billingmodel.FormatAmount(inv.TotalCents, inv.Currency),
		},
		Attachments: []model.Attachment{{
			Filename:    inv.Filename(),
			ContentType: "application/pdf",
			Data:        pdf,
		}},
		Metadata: map[string]string{"invoice_id": inv.ID},
	})
	return permanent(err)
}

// SendPaymentReceipt emails the payment confirmation
func (h *TaskHandlers) SendPaymentReceipt(ctx context.Context, task *queue.Task) error {
	var p receiptTask
	if err := task.Decode(&p); err != nil {
		return err
	}

	inv, err := h.invoices.GetInvoice(ctx, p.InvoiceID)
	if err != nil {
		return permanent(err)
	}
	payment, err := h.billing.GetPayment(ctx, p.PaymentID)
	if err != nil {
		return permanent(err)
	}
	customer, err := h.billing.GetCustomer(ctx, inv.CustomerID)
	if err != nil {
		return permanent(err)
	}

	paidAt := payment.CreatedAt
	if payment.ProcessedAt != nil {
		paidAt = *payment.ProcessedAt
	}
	_, err = h.email.Send(ctx, Message{
		Type:   model.EmailTypePaymentReceipt,
		To:     customer.Email,
		ToName: customer.DisplayName(),
		Vars: map[string]interface{}{
			"Number":    inv.Number,
			"Amount":    billingmodel.FormatAmount(payment.AmountCents, payment.Currency),
			"PaidDate":  paidAt.Format(dateLayout),
			"Reference": payment.ProviderRef,
		},
		Metadata: map[string]string{"invoice_id": inv.ID, "payment_id": payment.ID},
	})
	return permanent(err)
}

// SendRenewalReminder emails a reminder ahead of the period end. Reminders
// for subscriptions that ended or moved to another period are dropped.
func (h *TaskHandlers) SendRenewalReminder(ctx context.Context, task *queue.Task) error {
	var p reminderTask
	if err := task.Decode(&p); err != nil {
		return err
	}

	sub, err := h.billing.GetSubscription(ctx, p.SubscriptionID)
	if err != nil {
		return permanent(err)
	}
	if sub.Status == billingmodel.SubscriptionStatusCanceled || !sub.CurrentPeriodEnd.Equal(p.PeriodEnd) {
		h.logger.WithContext(ctx).Info("Skipping stale renewal reminder", "subscription_id", sub.ID)
		return nil
	}
	plan, err := h.billing.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return permanent(err)
	}
	customer, err := h.billing.GetCustomer(ctx, sub.CustomerID)
	if err != nil {
		return permanent(err)
	}

	_, err = h.email.Send(ctx, Message{
		Type:   model.EmailTypeRenewalReminder,
		To:     customer.Email,
		ToName: customer.DisplayName(),
		Vars: map[string]interface{}{
			"PlanName":          plan.Name,
			"RenewalDate":       sub.CurrentPeriodEnd.Format(dateLayout),
			"Amount":            billingmodel.FormatAmount(plan.PriceCents, plan.Currency),
			"CancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		},
		Metadata: map[string]string{"subscription_id": sub.ID},
	})
	return permanent(err)
}

// SendWelcome emails a newly registered user
func (h *TaskHandlers) SendWelcome(ctx context.Context, task *queue.Task) error {
	var p welcomeTask
	if err := task.Decode(&p); err != nil {
		return err
	}
	_, err := h.email.Send(ctx, Message{
		Type:     model.EmailTypeWelcome,
		To:       p.Email,
		ToName:   p.Name,
		Vars:     map[string]interface{}{"Email": p.Email},
		Metadata: map[string]string{"user_id": p.UserID},
	})
	return permanent(err)
}
