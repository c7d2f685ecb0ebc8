// Package messaging provides outbound gateways for LeadPipe.
//
// This file implements the WhatsApp Cloud API (Graph API) sender. Each
// business phone number authenticates with its own bearer token, carried on
// the Channel.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ResiLeads/LeadPipe/internal/models"
)

// Constants for Cloud API sender configuration
const (
	// DefaultGraphBaseURL is the Meta Graph API endpoint prefix.
	DefaultGraphBaseURL = "https://graph.facebook.com/v20.0"
	// DefaultRequestTimeout bounds a single send call.
	DefaultRequestTimeout = 30 * time.Second
)

// CloudAPIOpts holds configuration options for the Cloud API sender.
type CloudAPIOpts struct {
	BaseURL    string
	HTTPClient *http.Client
}

// CloudAPIOption defines a configuration option for the Cloud API sender.
type CloudAPIOption func(*CloudAPIOpts)

// WithBaseURL overrides the Graph API endpoint (used in tests).
func WithBaseURL(url string) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.BaseURL = url }
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(c *http.Client) CloudAPIOption {
	return func(o *CloudAPIOpts) { o.HTTPClient = c }
}

// CloudAPISender sends messages through the WhatsApp Cloud API.
type CloudAPISender struct {
	baseURL string
	client  *http.Client
}

// NewCloudAPISender creates a Cloud API sender.
func NewCloudAPISender(opts ...CloudAPIOption) *CloudAPISender {
	var cfg CloudAPIOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &CloudAPISender{baseURL: cfg.BaseURL, client: cfg.HTTPClient}
}

// Wire types for the Cloud API /PHONE_NUMBER_ID/messages endpoint.

type cloudTextBody struct {
	Body string `json:"body"`
}

type cloudReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type cloudButton struct {
	Type  string     `json:"type"`
	Reply cloudReply `json:"reply"`
}

type cloudListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type cloudListSection struct {
	Title string         `json:"title,omitempty"`
	Rows  []cloudListRow `json:"rows"`
}

type cloudInteractiveAction struct {
	Buttons  []cloudButton      `json:"buttons,omitempty"`
	Button   string             `json:"button,omitempty"`
	Sections []cloudListSection `json:"sections,omitempty"`
}

type cloudInteractive struct {
	Type   string                 `json:"type"`
	Body   cloudTextBody          `json:"body"`
	Action cloudInteractiveAction `json:"action"`
}

type cloudMessageRequest struct {
	MessagingProduct string            `json:"messaging_product"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Text             *cloudTextBody    `json:"text,omitempty"`
	Interactive      *cloudInteractive `json:"interactive,omitempty"`
}

type cloudMessageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a plain text message.
func (s *CloudAPISender) SendText(ctx context.Context, ch models.Channel, to, body string) (string, error) {
	req := cloudMessageRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &cloudTextBody{Body: body},
	}
	return s.post(ctx, ch, to, req)
}

// SendButtons sends an interactive reply-button message. Button ids carry
// the target node id so the webhook reply maps straight back to a state.
func (s *CloudAPISender) SendButtons(ctx context.Context, ch models.Channel, to, body string, buttons []models.Button) (string, error) {
	action := cloudInteractiveAction{}
	for _, b := range buttons {
		action.Buttons = append(action.Buttons, cloudButton{
			Type:  "reply",
			Reply: cloudReply{ID: b.ReplyID(), Title: b.Title},
		})
	}
	req := cloudMessageRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "interactive",
		Interactive: &cloudInteractive{
			Type:   "button",
			Body:   cloudTextBody{Body: body},
			Action: action,
		},
	}
	return s.post(ctx, ch, to, req)
}

// SendList sends an interactive list message.
func (s *CloudAPISender) SendList(ctx context.Context, ch models.Channel, to, body, buttonLabel string, sections []models.ListSection) (string, error) {
	action := cloudInteractiveAction{Button: buttonLabel}
	for _, sec := range sections {
		rows := make([]cloudListRow, 0, len(sec.Rows))
		for _, r := range sec.Rows {
			rows = append(rows, cloudListRow{ID: r.ReplyID(), Title: r.Title, Description: r.Description})
		}
		action.Sections = append(action.Sections, cloudListSection{Title: sec.Title, Rows: rows})
	}
	req := cloudMessageRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "interactive",
		Interactive: &cloudInteractive{
			Type:   "list",
			Body:   cloudTextBody{Body: body},
			Action: action,
		},
	}
	return s.post(ctx, ch, to, req)
}

// post sends the request to the channel's messages endpoint and returns the
// provider message id.
func (s *CloudAPISender) post(ctx context.Context, ch models.Channel, to string, payload cloudMessageRequest) (string, error) {
	if ch.BusinessNumberID == "" || ch.AccessToken == "" {
		return "", fmt.Errorf("channel credentials missing for send to %s: %w", to, models.ErrChannelNotFound)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode message for %s: %w", to, err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, ch.BusinessNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+ch.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Error("CloudAPISender request failed", "error", err, "to", to, "business_number", ch.BusinessNumberID)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Error("CloudAPISender API error", "status", resp.StatusCode, "to", to, "body", string(respBody))
		return "", fmt.Errorf("whatsapp api error: status=%d body=%s", resp.StatusCode, string(respBody))
	}

	var decoded cloudMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		slog.Warn("CloudAPISender response decode failed", "error", err, "to", to)
		return "", nil
	}
	if len(decoded.Messages) == 0 {
		slog.Warn("CloudAPISender response carried no message id", "to", to)
		return "", nil
	}

	slog.Debug("CloudAPISender message sent", "to", to, "type", payload.Type, "message_id", decoded.Messages[0].ID)
	return decoded.Messages[0].ID, nil
}
