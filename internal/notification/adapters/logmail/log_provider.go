// Package logmail provides an email provider that only logs messages
package logmail

import (
	"context"
	"sync"

	"github.com/saas-invoice/saas-invoice/internal/notification/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
)

// Provider writes emails to the log instead of delivering them. It keeps the
// sent messages for inspection in development and tests.
type Provider struct {
	logger logger.Logger

	mu   sync.Mutex
	sent []*model.Email
}

// NewProvider creates a log provider
func NewProvider(log logger.Logger) *Provider {
	if log == nil {
		log = logger.NewNop()
	}
	return &Provider{logger: log}
}

// Name identifies the provider in logs
func (p *Provider) Name() string { return "log" }

// Send records the email
func (p *Provider) Send(ctx context.Context, email *model.Email) error {
	if email.To == "" {
		return model.ErrNoRecipient
	}
	names := make([]string, 0, len(email.Attachments))
	for _, a := range email.Attachments {
		names = append(names, a.Filename)
	}
	p.logger.WithContext(ctx).Info("Email sent",
		"type", string(email.Type),
		"to", email.To,
		"subject", email.Subject,
		"attachments", names,
	)

	p.mu.Lock()
	p.sent = append(p.sent, email)
	p.mu.Unlock()
	return nil
}

// Sent returns a copy of the recorded emails
func (p *Provider) Sent() []*model.Email {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*model.Email, len(p.sent))
	copy(out, p.sent)
	return out
}
