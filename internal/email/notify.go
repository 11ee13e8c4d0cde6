package email

import (
	"context"
	"fmt"

	"github.com/reef-io/reef/internal/notification"
)

// NotificationSender adapts the email transport to the notification
// subsystem: every system notification goes to a fixed admin recipient list.
type NotificationSender struct {
	cfg    *Config
	to     []Mailbox
	sender Sender
}

// NewNotificationSender builds a notification sender from an email destination
// configuration and a comma-separated recipient list.
func NewNotificationSender(cfg *Config, recipients string) (*NotificationSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	to, err := ParseMailboxList(recipients)
	if err != nil {
		return nil, err
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("email: notification recipients are required")
	}
	sender, err := NewSender(cfg)
	if err != nil {
		return nil, err
	}
	return &NotificationSender{cfg: cfg, to: to, sender: sender}, nil
}

var _ notification.Sender = (*NotificationSender)(nil)

func (n *NotificationSender) Send(ctx context.Context, subject, htmlBody string) error {
	return n.sender.Send(ctx, n.cfg, &Message{
		To:       n.to,
		Subject:  subject,
		HTMLBody: htmlBody,
	})
}
