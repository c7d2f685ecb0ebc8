// Package flow implements the conversation state machine for LeadPipe.
package flow

import (
	"regexp"

	"github.com/ResiLeads/LeadPipe/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Render substitutes the named placeholders in a node's message template
// with values captured on the conversation record. Unresolved placeholders
// render as empty string, never as literal text.
func Render(template string, rec *models.ConversationRecord) string {
	if rec == nil {
		return placeholderPattern.ReplaceAllString(template, "")
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return rec.Field(name)
	})
}
