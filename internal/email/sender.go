package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"time"

	mail "gopkg.in/mail.v2"
)

// Sender delivers an assembled message using a destination configuration.
type Sender interface {
	Send(ctx context.Context, cfg *Config, msg *Message) error
}

// NewSender returns the sender for the configured provider.
func NewSender(cfg *Config) (Sender, error) {
	switch cfg.Provider {
	case ProviderSMTP:
		return &smtpSender{}, nil
	case ProviderResend:
		return &resendSender{client: httpClient(cfg)}, nil
	case ProviderSendGrid:
		return &sendgridSender{client: httpClient(cfg)}, nil
	default:
		return nil, fmt.Errorf("email: unsupported provider %q", cfg.Provider)
	}
}

func httpClient(cfg *Config) *http.Client {
	timeout := 30 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// -----------------------------------------------------------------------------
// SMTP
// -----------------------------------------------------------------------------

type smtpSender struct{}

func (s *smtpSender) Send(ctx context.Context, cfg *Config, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := mail.NewMessage()
	m.SetAddressHeader("From", cfg.FromAddress, cfg.FromName)
	to := make([]string, len(msg.To))
	for i, box := range msg.To {
		to[i] = m.FormatAddress(box.Address, box.Name)
	}
	m.SetHeader("To", to...)
	if len(msg.CC) > 0 {
		cc := make([]string, len(msg.CC))
		for i, box := range msg.CC {
			cc[i] = m.FormatAddress(box.Address, box.Name)
		}
		m.SetHeader("Cc", cc...)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTMLBody)

	for _, a := range msg.Attachments {
		content := a.Content
		m.Attach(a.Filename,
			mail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
			mail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}))
	}

	d := mail.NewDialer(cfg.Host(), cfg.Port(), "", "")
	switch cfg.SecurityMode {
	case SecurityNone:
		d.StartTLSPolicy = mail.NoStartTLS
	case SecurityStartTLS:
		d.StartTLSPolicy = mail.MandatoryStartTLS
	default:
		d.StartTLSPolicy = mail.OpportunisticStartTLS
	}
	if cfg.TimeoutSeconds > 0 {
		d.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	// The dialer authenticates only when the server advertises AUTH.
	switch cfg.SMTPAuthType {
	case AuthOAuth2:
		user := cfg.OAuthUsername
		if user == "" {
			user = cfg.Username
		}
		d.Auth = &xoauth2Auth{username: user, token: cfg.OAuthToken}
	default:
		if cfg.Username != "" {
			d.Username = cfg.Username
			d.Password = cfg.Password
		}
	}

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("email: smtp send: %w", err)
	}
	return nil
}

// xoauth2Auth implements the XOAUTH2 SASL mechanism over net/smtp.
type xoauth2Auth struct {
	username string
	token    string
}

func (a *xoauth2Auth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	payload := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.username, a.token)
	return "XOAUTH2", []byte(payload), nil
}

func (a *xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// Server sent an error challenge; reply with an empty line to get
		// the final SMTP error.
		return []byte{}, nil
	}
	return nil, nil
}

// -----------------------------------------------------------------------------
// Resend
// -----------------------------------------------------------------------------

const resendEndpoint = "https://api.resend.com/emails"

type resendSender struct {
	client *http.Client
}

type resendAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type resendRequest struct {
	From        string             `json:"from"`
	To          []string           `json:"to"`
	CC          []string           `json:"cc,omitempty"`
	Subject     string             `json:"subject"`
	HTML        string             `json:"html"`
	Attachments []resendAttachment `json:"attachments,omitempty"`
}

func (s *resendSender) Send(ctx context.Context, cfg *Config, msg *Message) error {
	req := resendRequest{
		From:    formatFrom(cfg),
		Subject: msg.Subject,
		HTML:    msg.HTMLBody,
	}
	for _, box := range msg.To {
		req.To = append(req.To, box.Address)
	}
	for _, box := range msg.CC {
		req.CC = append(req.CC, box.Address)
	}
	for _, a := range msg.Attachments {
		req.Attachments = append(req.Attachments, resendAttachment{
			Filename: a.Filename,
			Content:  base64.StdEncoding.EncodeToString(a.Content),
		})
	}
	return postJSON(ctx, s.client, resendEndpoint, cfg.ResendAPIKey, req)
}

// -----------------------------------------------------------------------------
// SendGrid
// -----------------------------------------------------------------------------

const sendgridEndpoint = "https://api.sendgrid.com/v3/mail/send"

type sendgridSender struct {
	client *http.Client
}

type sendgridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendgridRequest struct {
	Personalizations []struct {
		To []sendgridAddress `json:"to"`
		CC []sendgridAddress `json:"cc,omitempty"`
	} `json:"personalizations"`
	From    sendgridAddress `json:"from"`
	Subject string          `json:"subject"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
	Attachments []struct {
		Content  string `json:"content"`
		Filename string `json:"filename"`
		Type     string `json:"type,omitempty"`
	} `json:"attachments,omitempty"`
}

func (s *sendgridSender) Send(ctx context.Context, cfg *Config, msg *Message) error {
	var req sendgridRequest
	req.From = sendgridAddress{Email: cfg.FromAddress, Name: cfg.FromName}
	req.Subject = msg.Subject
	req.Content = append(req.Content, struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}{Type: "text/html", Value: msg.HTMLBody})

	var p struct {
		To []sendgridAddress `json:"to"`
		CC []sendgridAddress `json:"cc,omitempty"`
	}
	for _, box := range msg.To {
		p.To = append(p.To, sendgridAddress{Email: box.Address, Name: box.Name})
	}
	for _, box := range msg.CC {
		p.CC = append(p.CC, sendgridAddress{Email: box.Address, Name: box.Name})
	}
	req.Personalizations = append(req.Personalizations, p)

	for _, a := range msg.Attachments {
		req.Attachments = append(req.Attachments, struct {
			Content  string `json:"content"`
			Filename string `json:"filename"`
			Type     string `json:"type,omitempty"`
		}{
			Content:  base64.StdEncoding.EncodeToString(a.Content),
			Filename: a.Filename,
			Type:     a.ContentType,
		})
	}
	return postJSON(ctx, s.client, sendgridEndpoint, cfg.SendGridAPIKey, req)
}

func formatFrom(cfg *Config) string {
	if cfg.FromName == "" {
		return cfg.FromAddress
	}
	return fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress)
}

func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("email: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("email: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("email: provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(detail) == 0 {
			return errors.New("email: provider rejected the message")
		}
		return fmt.Errorf("email: provider returned %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
