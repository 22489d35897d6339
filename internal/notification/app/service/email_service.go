// Package service renders and delivers transactional email
package service

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/saas-invoice/saas-invoice/internal/notification/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
)

// EmailProvider defines email sending interface
type EmailProvider interface {
	Name() string
	Send(ctx context.Context, email *model.Email) error
}

// Recorder receives email metrics
type Recorder interface {
	EmailSent(template string, err error)
}

// EmailConfig holds email service configuration
type EmailConfig struct {
	FromAddress  string
	FromName     string
	ReplyTo      string
	CompanyName  string
	CompanyEmail string
	CompanyPhone string
}

type compiledTemplate struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

// EmailService renders templates and hands emails to the provider
type EmailService struct {
	provider  EmailProvider
	config    EmailConfig
	templates map[model.EmailType]*compiledTemplate
	recorder  Recorder
	logger    logger.Logger
}

// NewEmailService compiles the built-in templates
func NewEmailService(provider EmailProvider, config EmailConfig, rec Recorder, log logger.Logger) (*EmailService, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if config.ReplyTo == "" {
		config.ReplyTo = config.CompanyEmail
	}

	templates := make(map[model.EmailType]*compiledTemplate)
	for emailType, tmpl := range model.DefaultTemplates() {
		compiled, err := compile(tmpl)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s template: %w", emailType, err)
		}
		templates[emailType] = compiled
	}

	return &EmailService{
		provider:  provider,
		config:    config,
		templates: templates,
		recorder:  rec,
		logger:    log,
	}, nil
}

func compile(tmpl *model.EmailTemplate) (*compiledTemplate, error) {
	subject, err := texttemplate.New("subject").Option("missingkey=error").Parse(tmpl.Subject)
	if err != nil {
		return nil, err
	}
	text, err := texttemplate.New("text").Option("missingkey=error").Parse(tmpl.TextTemplate)
	if err != nil {
		return nil, err
	}
	html, err := htmltemplate.New("html").Option("missingkey=error").Parse(tmpl.HTMLTemplate)
	if err != nil {
		return nil, err
	}
	return &compiledTemplate{subject: subject, text: text, html: html}, nil
}

// Message is a templated email ready to render
type Message struct {
	Type        model.EmailType
	To          string
	ToName      string
	Vars        map[string]interface{}
	Attachments []model.Attachment
	Metadata    map[string]string
}

// Render builds the email for msg without sending it
func (s *EmailService) Render(msg Message) (*model.Email, error) {
	tmpl, ok := s.templates[msg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrTemplateNotFound, msg.Type)
	}

	vars := map[string]interface{}{
		"CompanyName":  s.config.CompanyName,
		"CompanyEmail": s.config.CompanyEmail,
		"CompanyPhone": s.config.CompanyPhone,
		"Name":         msg.ToName,
	}
	for k, v := range msg.Vars {
		vars[k] = v
	}

	var subject, text, html bytes.Buffer
	if err := tmpl.subject.Execute(&subject, vars); err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	if err := tmpl.text.Execute(&text, vars); err != nil {
		return nil, fmt.Errorf("failed to render text template: %w", err)
	}
	if err := tmpl.html.Execute(&html, vars); err != nil {
		return nil, fmt.Errorf("failed to render HTML template: %w", err)
	}

	email := model.NewEmail(msg.Type, msg.To, msg.ToName, subject.String())
	email.From = s.config.FromAddress
	email.FromName = s.config.FromName
	email.ReplyTo = s.config.ReplyTo
	email.TextContent = text.String()
	email.HTMLContent = html.String()
	email.Attachments = msg.Attachments
	for k, v := range msg.Metadata {
		email.Metadata[k] = v
	}
	return email, nil
}

// Send renders msg and delivers it through the provider
func (s *EmailService) Send(ctx context.Context, msg Message) (*model.Email, error) {
	email, err := s.Render(msg)
	if err != nil {
		return nil, err
	}
	if email.To == "" {
		return nil, model.ErrNoRecipient
	}

	err = s.provider.Send(ctx, email)
	if s.recorder != nil {
		s.recorder.EmailSent(string(msg.Type), err)
	}
	if err != nil {
		email.MarkFailed(err.Error())
		return email, fmt.Errorf("failed to send %s email via %s: %w", msg.Type, s.provider.Name(), err)
	}
	email.MarkSent()

	s.logger.WithContext(ctx).Info("Email delivered",
		"type", string(msg.Type),
		"email_id", email.ID,
		"provider", s.provider.Name(),
		"attachments", len(email.Attachments),
	)
	return email, nil
}
