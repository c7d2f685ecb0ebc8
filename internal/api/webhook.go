// Package api provides the HTTP surface for LeadPipe.
//
// This file decodes WhatsApp Cloud API webhook deliveries and routes each
// message to the conversation engine.
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ResiLeads/LeadPipe/internal/models"
)

// webhookPayload is the Cloud API delivery envelope. Only the fields the
// engine consumes are decoded.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive struct {
		Type        string       `json:"type"`
		ButtonReply webhookReply `json:"button_reply"`
		ListReply   webhookReply `json:"list_reply"`
	} `json:"interactive"`
}

type webhookReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// inboundEvent pairs a decoded message with its receiving business number.
type inboundEvent struct {
	Message          models.InboundMessage
	BusinessNumberID string
}

// extractEvents flattens a webhook payload into engine inputs. Status-only
// deliveries and unsupported message types are dropped.
func extractEvents(payload webhookPayload) []inboundEvent {
	var out []inboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if strings.TrimSpace(change.Field) != "messages" {
				continue
			}
			businessNumberID := strings.TrimSpace(change.Value.Metadata.PhoneNumberID)
			if businessNumberID == "" {
				businessNumberID = strings.TrimSpace(entry.ID)
			}
			for _, m := range change.Value.Messages {
				msg, ok := decodeMessage(m)
				if !ok {
					continue
				}
				out = append(out, inboundEvent{Message: msg, BusinessNumberID: businessNumberID})
			}
		}
	}
	return out
}

func decodeMessage(m webhookMessage) (models.InboundMessage, bool) {
	msg := models.InboundMessage{
		From:              strings.TrimSpace(m.From),
		ProviderMessageID: strings.TrimSpace(m.ID),
	}
	if ts, err := strconv.ParseInt(strings.TrimSpace(m.Timestamp), 10, 64); err == nil {
		msg.Timestamp = ts
	}

	switch strings.ToLower(strings.TrimSpace(m.Type)) {
	case "text":
		body := strings.TrimSpace(m.Text.Body)
		if body == "" {
			return msg, false
		}
		msg.Kind = models.MessageKindText
		msg.Text = body
	case "interactive":
		switch m.Interactive.Type {
		case "button_reply":
			msg.Kind = models.MessageKindButtonReply
			msg.ReplyID = m.Interactive.ButtonReply.ID
			msg.ReplyTitle = m.Interactive.ButtonReply.Title
		case "list_reply":
			msg.Kind = models.MessageKindListReply
			msg.ReplyID = m.Interactive.ListReply.ID
			msg.ReplyTitle = m.Interactive.ListReply.Title
		default:
			return msg, false
		}
	default:
		return msg, false
	}
	return msg, msg.From != ""
}

// verifySignature validates the raw body against Meta's
// X-Hub-Signature-256 header using the app secret.
func verifySignature(r *http.Request, rawBody []byte, secret string) bool {
	sig := strings.TrimSpace(r.Header.Get("X-Hub-Signature-256"))
	if !strings.HasPrefix(sig, "sha256=") {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(sig, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(provided, mac.Sum(nil))
}

// handleWebhookVerify answers the Graph API subscription handshake.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == s.verifyToken && s.verifyToken != "" && challenge != "" {
		slog.Info("Webhook verification succeeded")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(challenge)); err != nil {
			slog.Error("Webhook verification write failed", "error", err)
		}
		return
	}
	slog.Warn("Webhook verification rejected", "mode", mode, "token_ok", token == s.verifyToken)
	w.WriteHeader(http.StatusForbidden)
}

// handleWebhook acknowledges the delivery quickly and processes each
// message asynchronously; the engine serializes per conversation key.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleWebhookVerify(w, r)
		return
	case http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("Webhook body read failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if s.appSecret != "" && !verifySignature(r, rawBody, s.appSecret) {
		slog.Warn("Webhook signature rejected", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		slog.Error("Webhook payload decode failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	events := extractEvents(payload)
	slog.Debug("Webhook delivery decoded", "events", len(events))

	// Acknowledge before processing so Meta does not retry slow turns.
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("EVENT_RECEIVED")); err != nil {
		slog.Error("Webhook ack write failed", "error", err)
	}

	for _, ev := range events {
		go s.process(ev)
	}
}

// process runs one engine turn for a decoded message.
func (s *Server) process(ev inboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.turnTimeout)
	defer cancel()

	results, err := s.engine.HandleInboundMessage(ctx, ev.Message, ev.BusinessNumberID)
	if err != nil {
		slog.Error("Webhook turn failed", "error", err, "from", ev.Message.From, "business_number", ev.BusinessNumberID)
		return
	}
	slog.Debug("Webhook turn completed", "from", ev.Message.From, "sends", len(results))
}
