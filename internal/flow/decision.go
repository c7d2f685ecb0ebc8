package flow

import (
	"regexp"
	"strings"

	"github.com/ResiLeads/LeadPipe/internal/models"
)

// emailPattern is the standard local@domain shape accepted for the email
// field.
var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// ValidateEmail checks and case-normalizes an email answer.
func ValidateEmail(input string) (string, bool) {
	cleaned := strings.ToLower(strings.TrimSpace(input))
	if !emailPattern.MatchString(cleaned) {
		return "", false
	}
	return cleaned, true
}

// resolveNextNode determines the next node id for a turn. For interactive
// replies the selected reply id is the next node id by convention; for text
// prompts the node's configured pointer is followed. Empty means the turn
// cannot advance.
func resolveNextNode(node *models.Node, msg models.InboundMessage) string {
	if msg.IsInteractive() {
		return msg.ReplyID
	}
	if node.Type == models.NodeTypeText {
		return node.NextNodeID
	}
	return ""
}

// skipTarget advances through consecutive nodes whose bound field is
// already known, so the customer never sees a question whose answer was
// captured in a prior conversation. The visited set guards against pointer
// cycles in a misconfigured flow.
func skipTarget(g *models.FlowGraph, rec *models.ConversationRecord, id string) string {
	visited := make(map[string]bool)
	for id != "" && id != models.EndNodeID && !visited[id] {
		visited[id] = true
		node := g.Node(id)
		if node == nil || node.SaveToField == "" || !rec.SkipField(node.SaveToField) {
			break
		}
		if node.NextNodeID == "" {
			break
		}
		id = node.NextNodeID
	}
	return id
}
