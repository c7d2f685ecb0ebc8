package store

import (
	"database/sql"
	"fmt"

	"github.com/ResiLeads/LeadPipe/internal/models"
)

// conversationColumns is the column list shared by conversation queries; the
// scan helpers below must stay in sync with it.
const conversationColumns = `id, customer_phone, business_number_id, state,
	name, email, budget, bedrooms, project_name, page_url,
	skip_name, skip_email, ended_at, end_message_sent,
	follow_up_sent, follow_up_sent_at, agent_contacted,
	needs_immediate_attention, archived, created_at, updated_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime converts an optional time pointer to a driver value.
func nilIfZeroTime(t *sql.NullTime) interface{} {
	if t == nil || !t.Valid {
		return nil
	}
	return t.Time
}

// conversationScanDest builds the scan destination slice for a record.
func conversationScanDest(r *models.ConversationRecord, name, email, budget, bedrooms, projectName, pageURL *sql.NullString, endedAt, followUpSentAt *sql.NullTime) []interface{} {
	return []interface{}{
		&r.ID, &r.CustomerPhone, &r.BusinessNumberID, &r.State,
		name, email, budget, bedrooms, projectName, pageURL,
		&r.SkipName, &r.SkipEmail, endedAt, &r.EndMessageSent,
		&r.FollowUpSent, followUpSentAt, &r.AgentContacted,
		&r.NeedsImmediateAttention, &r.Archived, &r.CreatedAt, &r.UpdatedAt,
	}
}

func applyNullables(r *models.ConversationRecord, name, email, budget, bedrooms, projectName, pageURL sql.NullString, endedAt, followUpSentAt sql.NullTime) {
	r.Name = name.String
	r.Email = email.String
	r.Budget = budget.String
	r.Bedrooms = bedrooms.String
	r.ProjectName = projectName.String
	r.PageURL = pageURL.String
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	if followUpSentAt.Valid {
		t := followUpSentAt.Time
		r.FollowUpSentAt = &t
	}
}

// scanConversation scans a ConversationRecord from sql.Rows.
func scanConversation(rows *sql.Rows) (models.ConversationRecord, error) {
	var r models.ConversationRecord
	var name, email, budget, bedrooms, projectName, pageURL sql.NullString
	var endedAt, followUpSentAt sql.NullTime
	if err := rows.Scan(conversationScanDest(&r, &name, &email, &budget, &bedrooms, &projectName, &pageURL, &endedAt, &followUpSentAt)...); err != nil {
		return r, fmt.Errorf("scan conversation failed: %w", err)
	}
	applyNullables(&r, name, email, budget, bedrooms, projectName, pageURL, endedAt, followUpSentAt)
	return r, nil
}

// scanConversationRow scans a ConversationRecord from a single sql.Row.
func scanConversationRow(row *sql.Row) (models.ConversationRecord, error) {
	var r models.ConversationRecord
	var name, email, budget, bedrooms, projectName, pageURL sql.NullString
	var endedAt, followUpSentAt sql.NullTime
	if err := row.Scan(conversationScanDest(&r, &name, &email, &budget, &bedrooms, &projectName, &pageURL, &endedAt, &followUpSentAt)...); err != nil {
		return r, err
	}
	applyNullables(&r, name, email, budget, bedrooms, projectName, pageURL, endedAt, followUpSentAt)
	return r, nil
}

// conversationArgs builds the insert/update argument list for a record.
func conversationArgs(r models.ConversationRecord) []interface{} {
	var endedAt, followUpSentAt sql.NullTime
	if r.EndedAt != nil {
		endedAt = sql.NullTime{Time: *r.EndedAt, Valid: true}
	}
	if r.FollowUpSentAt != nil {
		followUpSentAt = sql.NullTime{Time: *r.FollowUpSentAt, Valid: true}
	}
	return []interface{}{
		r.ID, r.CustomerPhone, r.BusinessNumberID, r.State,
		nilIfEmpty(r.Name), nilIfEmpty(r.Email), nilIfEmpty(r.Budget),
		nilIfEmpty(r.Bedrooms), nilIfEmpty(r.ProjectName), nilIfEmpty(r.PageURL),
		r.SkipName, r.SkipEmail, nilIfZeroTime(&endedAt), r.EndMessageSent,
		r.FollowUpSent, nilIfZeroTime(&followUpSentAt), r.AgentContacted,
		r.NeedsImmediateAttention, r.Archived, r.CreatedAt, r.UpdatedAt,
	}
}
