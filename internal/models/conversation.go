// Package models defines the conversation session record for LeadPipe.
package models

import "time"

// ConversationRecord tracks one customer's progress through a flow. Records
// are keyed by (customer phone, business phone-number id); the most recent
// non-archived record for a key is the active conversation. Historical
// records are kept for audit and for seeding skip flags on re-engagement.
type ConversationRecord struct {
	ID               string `json:"id"`
	CustomerPhone    string `json:"customer_phone"`
	BusinessNumberID string `json:"business_number_id"`

	// State is the current node id, or EndNodeID once the flow completes.
	State string `json:"state"`

	// Captured lead fields.
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	Budget      string `json:"budget,omitempty"`
	Bedrooms    string `json:"bedrooms,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
	PageURL     string `json:"page_url,omitempty"`

	// Skip flags seeded at creation from the customer's most recent prior
	// record, letting the flow bypass questions already answered.
	SkipName  bool `json:"skip_name,omitempty"`
	SkipEmail bool `json:"skip_email,omitempty"`

	// Terminal bookkeeping. The END message is sent at most once per
	// conversation lifetime.
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndMessageSent bool       `json:"end_message_sent,omitempty"`

	// Follow-up lifecycle flags.
	FollowUpSent            bool       `json:"follow_up_sent,omitempty"`
	FollowUpSentAt          *time.Time `json:"follow_up_sent_at,omitempty"`
	AgentContacted          bool       `json:"agent_contacted,omitempty"`
	NeedsImmediateAttention bool       `json:"needs_immediate_attention,omitempty"`

	// Archived marks a record retired by external tooling; archived records
	// are never the active conversation but still seed skip flags.
	Archived bool `json:"archived,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ended reports whether the conversation has reached the END state.
func (r *ConversationRecord) Ended() bool {
	return r.State == EndNodeID
}

// Field returns the captured value for a field name, or empty string for
// unknown fields. Used by the template renderer.
func (r *ConversationRecord) Field(name string) string {
	switch name {
	case FieldName:
		return r.Name
	case FieldEmail:
		return r.Email
	case FieldBudget:
		return r.Budget
	case FieldBedrooms:
		return r.Bedrooms
	case FieldProjectName:
		return r.ProjectName
	default:
		return ""
	}
}

// SetField writes a captured value by field name. Unknown field names are
// ignored so a misconfigured flow cannot corrupt the record.
func (r *ConversationRecord) SetField(name, value string) {
	switch name {
	case FieldName:
		r.Name = value
	case FieldEmail:
		r.Email = value
	case FieldBudget:
		r.Budget = value
	case FieldBedrooms:
		r.Bedrooms = value
	case FieldProjectName:
		r.ProjectName = value
	}
}

// SkipField reports whether the given field should be bypassed because it is
// already known from a prior conversation.
func (r *ConversationRecord) SkipField(name string) bool {
	switch name {
	case FieldName:
		return r.SkipName
	case FieldEmail:
		return r.SkipEmail
	default:
		return false
	}
}
