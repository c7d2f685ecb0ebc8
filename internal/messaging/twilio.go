// Package messaging provides outbound gateways for LeadPipe.
//
// This file implements a Twilio-backed sender for deployments that route
// WhatsApp traffic through Twilio instead of the Cloud API. Twilio's Go SDK
// has no native interactive messages, so buttons and lists are rendered as
// numbered-option text.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ResiLeads/LeadPipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration options for the Twilio sender.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// TwilioOption defines a configuration option for the Twilio sender.
type TwilioOption func(*TwilioOpts)

func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

func WithFromWhats(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromWhats = from }
}

// TwilioSender wraps the Twilio REST API for WhatsApp delivery. Credentials
// are account-level, so the per-channel token on Channel is ignored.
type TwilioSender struct {
	client    *twilio.RestClient
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// NewTwilioSender creates a Twilio sender, falling back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables for unset options.
func NewTwilioSender(opts ...TwilioOption) (*TwilioSender, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio sender config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioSender{client: client, fromWhats: cfg.FromWhats}, nil
}

// SendText sends a WhatsApp text message through Twilio.
func (s *TwilioSender) SendText(ctx context.Context, ch models.Channel, to, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + strings.TrimPrefix(to, "+"))
	params.SetFrom(s.fromWhats)
	params.SetBody(body)

	msg, err := s.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendText failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	sid := ""
	if msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// SendButtons renders the buttons as numbered options appended to the body.
func (s *TwilioSender) SendButtons(ctx context.Context, ch models.Channel, to, body string, buttons []models.Button) (string, error) {
	return s.SendText(ctx, ch, to, RenderButtonsAsText(body, buttons))
}

// SendList renders the list sections as numbered options appended to the
// body.
func (s *TwilioSender) SendList(ctx context.Context, ch models.Channel, to, body, buttonLabel string, sections []models.ListSection) (string, error) {
	return s.SendText(ctx, ch, to, RenderListAsText(body, sections))
}

// RenderButtonsAsText builds the degraded text form of a button message.
func RenderButtonsAsText(body string, buttons []models.Button) string {
	var sb strings.Builder
	sb.WriteString(body)
	sb.WriteString("\n")
	for i, b := range buttons {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, b.Title)
	}
	sb.WriteString("\n\nReply with the number of your choice.")
	return sb.String()
}

// RenderListAsText builds the degraded text form of a list message.
func RenderListAsText(body string, sections []models.ListSection) string {
	var sb strings.Builder
	sb.WriteString(body)
	sb.WriteString("\n")
	i := 0
	for _, sec := range sections {
		if sec.Title != "" {
			fmt.Fprintf(&sb, "\n*%s*", sec.Title)
		}
		for _, r := range sec.Rows {
			i++
			fmt.Fprintf(&sb, "\n%d. %s", i, r.Title)
			if r.Description != "" {
				fmt.Fprintf(&sb, " - %s", r.Description)
			}
		}
	}
	sb.WriteString("\n\nReply with the number of your choice.")
	return sb.String()
}
