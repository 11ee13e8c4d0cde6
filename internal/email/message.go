package email

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
)

// Mailbox is one addressee, optionally with a display name.
type Mailbox struct {
	Name    string
	Address string
}

// String renders the mailbox in RFC 5322 form.
func (m Mailbox) String() string {
	if m.Name == "" {
		return m.Address
	}
	return (&mail.Address{Name: m.Name, Address: m.Address}).String()
}

// Message is one assembled email ready for a sender.
type Message struct {
	To          []Mailbox
	CC          []Mailbox
	Subject     string
	HTMLBody    string
	Attachments []Attachment
}

// ParseMailbox parses a recipient entry. The form "Display Name;email@host"
// yields a named mailbox; the display name is stripped of control characters
// including CR/LF. A bare address yields a plain mailbox. Malformed addresses
// are an error.
func ParseMailbox(raw string) (Mailbox, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Mailbox{}, fmt.Errorf("email: empty recipient")
	}

	var box Mailbox
	if i := strings.LastIndex(raw, ";"); i >= 0 {
		box.Name = stripControl(strings.TrimSpace(raw[:i]))
		box.Address = strings.TrimSpace(raw[i+1:])
	} else {
		box.Address = raw
	}

	if _, err := mail.ParseAddress(box.Address); err != nil {
		return Mailbox{}, fmt.Errorf("email: invalid address %q: %w", box.Address, err)
	}
	return box, nil
}

// ParseMailboxList parses a comma-separated recipient list.
func ParseMailboxList(raw string) ([]Mailbox, error) {
	var boxes []Mailbox
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		box, err := ParseMailbox(part)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
