// Package model defines notification domain models
package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTemplateNotFound is returned for an unknown email type
	ErrTemplateNotFound = errors.New("email template not found")
	// ErrNoRecipient is returned when an email has no address to go to
	ErrNoRecipient = errors.New("email has no recipient")
)

// EmailType identifies a transactional email
type EmailType string

const (
	EmailTypeInvoice         EmailType = "invoice"
	EmailTypePaymentReceipt  EmailType = "payment_receipt"
	EmailTypeRenewalReminder EmailType = "renewal_reminder"
	EmailTypeWelcome         EmailType = "welcome"
)

// EmailStatus represents email sending status
type EmailStatus string

const (
	EmailStatusPending EmailStatus = "pending"
	EmailStatusSent    EmailStatus = "sent"
	EmailStatusFailed  EmailStatus = "failed"
)

// Attachment is a file sent along with an email
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Email represents an email to be sent
type Email struct {
	ID          string
	Type        EmailType
	Status      EmailStatus
	To          string
	ToName      string
	From        string
	FromName    string
	ReplyTo     string
	Subject     string
	TextContent string
	HTMLContent string
	Attachments []Attachment
	Metadata    map[string]string
	SentAt      *time.Time
	Error       string
	CreatedAt   time.Time
}

// NewEmail creates a new email
func NewEmail(emailType EmailType, to, toName, subject string) *Email {
	return &Email{
		ID:        uuid.New().String(),
		Type:      emailType,
		Status:    EmailStatusPending,
		To:        to,
		ToName:    toName,
		Subject:   subject,
		Metadata:  make(map[string]string),
		CreatedAt: time.Now(),
	}
}

// Attach adds a file to the email
func (e *Email) Attach(filename, contentType string, data []byte) {
	e.Attachments = append(e.Attachments, Attachment{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	})
}

// MarkSent marks email as sent
func (e *Email) MarkSent() {
	now := time.Now()
	e.Status = EmailStatusSent
	e.SentAt = &now
	e.Error = ""
}

// MarkFailed marks email as failed
func (e *Email) MarkFailed(err string) {
	e.Status = EmailStatusFailed
	e.Error = err
}

// EmailTemplate holds the subject and bodies of one email type. Subject and
// TextTemplate use text/template, HTMLTemplate uses html/template.
type EmailTemplate struct {
	Type         EmailType
	Name         string
	Subject      string
	TextTemplate string
	HTMLTemplate string
}

const htmlFooter = `
    <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 30px 0;">
    <p style="color: #6b7280; font-size: 12px;">{{.CompanyName}}{{if .CompanyEmail}} &middot; {{.CompanyEmail}}{{end}}{{if .CompanyPhone}} &middot; {{.CompanyPhone}}{{end}}</p>
</body>
</html>`

const htmlHeader = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">`

// DefaultTemplates returns the built-in email templates
func DefaultTemplates() map[EmailType]*EmailTemplate {
	return map[EmailType]*EmailTemplate{
		EmailTypeInvoice: {
			Type:    EmailTypeInvoice,
			Name:    "Invoice",
			Subject: "Invoice {{.Number}} from {{.CompanyName}}",
			HTMLTemplate: htmlHeader + `
    <h1 style="color: #1a1a2e;">Invoice {{.Number}}</h1>
    <p>Hi {{.Name}},</p>
    <p>A new invoice is available for your account.</p>
    <table style="border-collapse: collapse; margin: 20px 0;">
        <tr><td style="padding: 4px 16px 4px 0;">Issued</td><td>{{.IssueDate}}</td></tr>
        <tr><td style="padding: 4px 16px 4px 0;">Due</td><td>{{.DueDate}}</td></tr>
        <tr><td style="padding: 4px 16px 4px 0;"><strong>Amount due</strong></td><td><strong>{{.Total}}</strong></td></tr>
    </table>
    <p>The invoice is attached as a PDF.</p>` + htmlFooter,
			TextTemplate: `Invoice {{.Number}}

Hi {{.Name}},

A new invoice is available for your account.

Issued:     {{.IssueDate}}
Due:        {{.DueDate}}
Amount due: {{.Total}}

The invoice is attached as a PDF.

{{.CompanyName}}`,
		},
		EmailTypePaymentReceipt: {
			Type:    EmailTypePaymentReceipt,
			Name:    "Payment Confirmation",
			Subject: "Payment Confirmation - Invoice {{.Number}}",
			HTMLTemplate: htmlHeader + `
    <h1 style="color: #1a1a2e;">Payment received</h1>
    <p>Hi {{.Name}},</p>
    <p>We received your payment of <strong>{{.Amount}}</strong> for invoice {{.Number}} on {{.PaidDate}}.</p>
    <p>Payment reference: {{.Reference}}</p>
    <p>Thank you for your business!</p>` + htmlFooter,
			TextTemplate: `Payment received

Hi {{.Name}},

We received your payment of {{.Amount}} for invoice {{.Number}} on {{.PaidDate}}.
Payment reference: {{.Reference}}

Thank you for your business!

{{.CompanyName}}`,
		},
		EmailTypeRenewalReminder: {
			Type:    EmailTypeRenewalReminder,
			Name:    "Subscription Renewal Reminder",
			Subject: "Subscription Renewal Reminder - {{.PlanName}}",
			HTMLTemplate: htmlHeader + `
    <h1 style="color: #1a1a2e;">Your subscription renews soon</h1>
    <p>Hi {{.Name}},</p>
    <p>Your <strong>{{.PlanName}}</strong> subscription renews on {{.RenewalDate}} for {{.Amount}}.</p>
    {{if .CancelAtPeriodEnd}}<p>Your subscription is set to end on that date and will not be charged again.</p>{{end}}
    <p>No action is needed to keep your subscription active.</p>` + htmlFooter,
			TextTemplate: `Your subscription renews soon

Hi {{.Name}},

Your {{.PlanName}} subscription renews on {{.RenewalDate}} for {{.Amount}}.
{{if .CancelAtPeriodEnd}}Your subscription is set to end on that date and will not be charged again.
{{end}}
No action is needed to keep your subscription active.

{{.CompanyName}}`,
		},
		EmailTypeWelcome: {
			Type:    EmailTypeWelcome,
			Name:    "Welcome",
			Subject: "Welcome to {{.CompanyName}}",
			HTMLTemplate: htmlHeader + `
    <h1 style="color: #1a1a2e;">Welcome to {{.CompanyName}}!</h1>
    <p>Hi {{.Name}},</p>
    <p>Thanks for signing up. Your account {{.Email}} is ready.</p>
    <p>Pick a plan from the catalog to start your subscription. Invoices and receipts will arrive at this address.</p>` + htmlFooter,
			TextTemplate: `Welcome to {{.CompanyName}}!

Hi {{.Name}},

Thanks for signing up. Your account {{.Email}} is ready.

Pick a plan from the catalog to start your subscription. Invoices and receipts will arrive at this address.

{{.CompanyName}}`,
		},
	}
}
