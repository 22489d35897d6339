// Package postmark sends email through the Postmark API
package postmark

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"

	"github.com/saas-invoice/saas-invoice/internal/notification/domain/model"
)

// ErrInvalidConfig is returned when required tokens are missing
var ErrInvalidConfig = errors.New("invalid postmark configuration")

// API is the subset of the Postmark client used for sending
type API interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// Provider implements email sending via Postmark
type Provider struct {
	client API
}

// NewProvider creates a provider from server and account tokens
func NewProvider(serverToken, accountToken string) (*Provider, error) {
	if serverToken == "" {
		return nil, fmt.Errorf("%w: server token is required", ErrInvalidConfig)
	}
	return &Provider{client: postmark.NewClient(serverToken, accountToken)}, nil
}

// NewProviderWithClient wraps an existing client
func NewProviderWithClient(client API) *Provider {
	return &Provider{client: client}
}

// Name identifies the provider in logs
func (p *Provider) Name() string { return "postmark" }

// Send delivers the email. Open tracking is enabled and link tracking is
// limited to the HTML body.
func (p *Provider) Send(ctx context.Context, email *model.Email) error {
	if email.To == "" {
		return model.ErrNoRecipient
	}

	msg := postmark.Email{
		From:       formatAddress(email.FromName, email.From),
		To:         email.To,
		ReplyTo:    email.ReplyTo,
		Subject:    email.Subject,
		Tag:        string(email.Type),
		HTMLBody:   email.HTMLContent,
		TextBody:   email.TextContent,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	}
	for _, a := range email.Attachments {
		msg.Attachments = append(msg.Attachments, postmark.Attachment{
			Name:        a.Filename,
			Content:     base64.StdEncoding.EncodeToString(a.Data),
			ContentType: a.ContentType,
		})
	}

	resp, err := p.client.SendEmail(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send email via postmark: %w", err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
	}
	return nil
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%q <%s>", name, addr)
}
