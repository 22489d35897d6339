// Package smtp provides SMTP email sending implementation
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"sort"
	"strconv"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/notification/domain/model"
	"github.com/saas-invoice/saas-invoice/internal/platform/config"
)

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	UseTLS     bool
	SkipVerify bool
	Timeout    time.Duration
}

// ConfigFrom maps the email config section onto an SMTP config
func ConfigFrom(cfg config.EmailConfig) SMTPConfig {
	return SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		UseTLS:   cfg.SMTPUseTLS,
	}
}

// SMTPProvider implements email sending via SMTP
type SMTPProvider struct {
	config SMTPConfig
}

// NewSMTPProvider creates a new SMTP provider
func NewSMTPProvider(config SMTPConfig) *SMTPProvider {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTPProvider{config: config}
}

// Name identifies the provider in logs
func (p *SMTPProvider) Name() string { return "smtp" }

// Send sends an email via SMTP
func (p *SMTPProvider) Send(ctx context.Context, email *model.Email) error {
	msg, err := BuildMessage(email)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(p.config.Host, strconv.Itoa(p.config.Port))
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(p.config.Timeout))
	}

	client, err := smtp.NewClient(conn, p.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP client creation failed: %w", err)
	}
	defer client.Close()

	if !p.config.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(p.tlsConfig()); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}

	if p.config.Username != "" {
		auth := smtp.PlainAuth("", p.config.Username, p.config.Password, p.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}

	if err := client.Mail(email.From); err != nil {
		return fmt.Errorf("MAIL command failed: %w", err)
	}
	if err := client.Rcpt(email.To); err != nil {
		return fmt.Errorf("RCPT command failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write data failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write data failed: %w", err)
	}
	return client.Quit()
}

func (p *SMTPProvider) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.config.Timeout}
	if p.config.UseTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: p.tlsConfig()}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("TLS dial failed: %w", err)
		}
		return conn, nil
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return conn, nil
}

func (p *SMTPProvider) tlsConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: p.config.SkipVerify,
		ServerName:         p.config.Host,
	}
}

// BuildMessage renders the email as an RFC 5322 message. Text and HTML
// bodies become a multipart/alternative part; attachments wrap it in
// multipart/mixed.
func BuildMessage(email *model.Email) ([]byte, error) {
	if email.To == "" {
		return nil, model.ErrNoRecipient
	}

	headers := map[string]string{
		"From":         formatAddress(email.FromName, email.From),
		"To":           formatAddress(email.ToName, email.To),
		"Subject":      mime.QEncoding.Encode("utf-8", email.Subject),
		"MIME-Version": "1.0",
		"Date":         email.CreatedAt.Format(time.RFC1123Z),
		"Message-ID":   fmt.Sprintf("<%s@saas-invoice>", email.ID),
	}
	if email.ReplyTo != "" {
		headers["Reply-To"] = email.ReplyTo
	}

	var body bytes.Buffer
	var contentType string
	var err error
	if len(email.Attachments) == 0 {
		contentType, err = writeBody(&body, email)
	} else {
		contentType, err = writeMixed(&body, email)
	}
	if err != nil {
		return nil, err
	}
	headers["Content-Type"] = contentType

	var msg bytes.Buffer
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&msg, "%s: %s\r\n", k, headers[k])
	}
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), addr)
}

// writeBody writes the text and HTML bodies and returns their content type
func writeBody(buf *bytes.Buffer, email *model.Email) (string, error) {
	switch {
	case email.HTMLContent != "" && email.TextContent != "":
		mw := multipart.NewWriter(buf)
		for _, part := range []struct{ ctype, content string }{
			{"text/plain; charset=UTF-8", email.TextContent},
			{"text/html; charset=UTF-8", email.HTMLContent},
		} {
			w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype}})
			if err != nil {
				return "", err
			}
			if _, err := w.Write([]byte(part.content)); err != nil {
				return "", err
			}
		}
		if err := mw.Close(); err != nil {
			return "", err
		}
		return "multipart/alternative; boundary=" + mw.Boundary(), nil
	case email.HTMLContent != "":
		buf.WriteString(email.HTMLContent)
		return "text/html; charset=UTF-8", nil
	default:
		buf.WriteString(email.TextContent)
		return "text/plain; charset=UTF-8", nil
	}
}

func writeMixed(buf *bytes.Buffer, email *model.Email) (string, error) {
	mw := multipart.NewWriter(buf)

	var inner bytes.Buffer
	innerType, err := writeBody(&inner, email)
	if err != nil {
		return "", err
	}
	w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {innerType}})
	if err != nil {
		return "", err
	}
	if _, err := w.Write(inner.Bytes()); err != nil {
		return "", err
	}

	for _, a := range email.Attachments {
		ctype := a.ContentType
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", mime.FormatMediaType(ctype, map[string]string{"name": a.Filename}))
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
		h.Set("Content-Transfer-Encoding", "base64")
		w, err := mw.CreatePart(h)
		if err != nil {
			return "", err
		}
		if err := writeBase64(w, a.Data); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	return "multipart/mixed; boundary=" + mw.Boundary(), nil
}

// writeBase64 encodes data in 76 character lines
func writeBase64(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := w.Write([]byte(encoded[:76] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := w.Write([]byte(encoded + "\r\n"))
	return err
}
