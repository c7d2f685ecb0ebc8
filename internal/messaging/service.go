// Package messaging provides the outbound message gateway abstraction for
// LeadPipe.
//
// A Sender delivers the three WhatsApp message shapes the conversation
// engine emits: plain text, interactive reply buttons, and interactive
// lists. Each send returns the provider-assigned message id, which the
// engine logs for later delivery-status reconciliation.
package messaging

import (
	"context"
	"regexp"
	"strings"

	"github.com/ResiLeads/LeadPipe/internal/models"
)

// Sender defines a pluggable message delivery abstraction. The channel
// carries the sending business number's credentials; implementations that
// hold account-level credentials may ignore it.
type Sender interface {
	// SendText sends a plain text message.
	SendText(ctx context.Context, ch models.Channel, to, body string) (string, error)

	// SendButtons sends an interactive message with reply buttons.
	SendButtons(ctx context.Context, ch models.Channel, to, body string, buttons []models.Button) (string, error)

	// SendList sends an interactive list message.
	SendList(ctx context.Context, ch models.Channel, to, body, buttonLabel string, sections []models.ListSection) (string, error)
}

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// CanonicalizeRecipient validates a phone number and strips formatting so
// the same customer always maps to the same conversation key.
func CanonicalizeRecipient(recipient string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(recipient))
	if cleaned == "" {
		return "", models.ErrEmptyRecipient
	}
	if !phonePattern.MatchString(cleaned) {
		return "", models.ErrInvalidRecipient
	}
	return strings.TrimPrefix(cleaned, "+"), nil
}
