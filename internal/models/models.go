// Package models defines the core data structures for LeadPipe.
//
// It includes inbound message events, outbound send results, the message log
// record, and the shared error variables used across modules.
package models

import (
	"errors"
	"time"
)

// MessageKind identifies how an inbound WhatsApp message was produced.
type MessageKind string

const (
	// MessageKindText is a free-text message typed by the customer.
	MessageKindText MessageKind = "text"
	// MessageKindButtonReply is a tap on an interactive reply button.
	MessageKindButtonReply MessageKind = "button_reply"
	// MessageKindListReply is a selection from an interactive list.
	MessageKindListReply MessageKind = "list_reply"
)

// Reserved interactive reply identifiers used by the follow-up flow.
const (
	// FollowUpYesID is the reply id meaning "an agent contacted me".
	FollowUpYesID = "followup_yes"
	// FollowUpNoID is the reply id meaning "no agent contacted me yet".
	FollowUpNoID = "followup_no"
)

// Error variables for better error handling and testability
var (
	ErrFlowNotFound     = errors.New("flow not found")
	ErrNodeNotFound     = errors.New("node not found in flow")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrNoStartNode      = errors.New("flow has no start node")
	ErrDanglingEdge     = errors.New("node references a nonexistent node")
	ErrEmptyRecipient   = errors.New("recipient cannot be empty")
	ErrInvalidRecipient = errors.New("recipient is not a valid phone number")
	ErrInvalidEmail     = errors.New("invalid email address")
)

// InboundMessage is the decoded shape of one customer message delivered by
// the WhatsApp webhook. For interactive kinds, ReplyID and ReplyTitle carry
// the selected option; Text carries the raw body for text kinds.
type InboundMessage struct {
	From              string      `json:"from"`
	Kind              MessageKind `json:"kind"`
	Text              string      `json:"text,omitempty"`
	ReplyID           string      `json:"reply_id,omitempty"`
	ReplyTitle        string      `json:"reply_title,omitempty"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	Timestamp         int64       `json:"timestamp,omitempty"`
}

// IsInteractive reports whether the message is a button or list reply.
func (m InboundMessage) IsInteractive() bool {
	return m.Kind == MessageKindButtonReply || m.Kind == MessageKindListReply
}

// SendResult describes one outbound message produced during an engine turn.
type SendResult struct {
	To                string `json:"to"`
	NodeID            string `json:"node_id"`
	ProviderMessageID string `json:"provider_message_id"`
}

// OutboundMessage is the persisted log record for a sent message. The
// provider-assigned message id is kept for later delivery-status
// reconciliation.
type OutboundMessage struct {
	ID                string    `json:"id"`
	CustomerPhone     string    `json:"customer_phone"`
	BusinessNumberID  string    `json:"business_number_id"`
	NodeID            string    `json:"node_id"`
	Body              string    `json:"body"`
	ProviderMessageID string    `json:"provider_message_id"`
	SentAt            time.Time `json:"sent_at"`
}

// Channel holds the credentials and active flow binding for one WhatsApp
// business phone number.
type Channel struct {
	BusinessNumberID string    `json:"business_number_id"`
	AccessToken      string    `json:"access_token"`
	FlowName         string    `json:"flow_name"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
