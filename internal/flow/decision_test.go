package flow

import (
	"testing"

	"github.com/ResiLeads/LeadPipe/internal/models"
)

func TestValidateEmail(t *testing.T) {
	email, ok := ValidateEmail("  Dana.Lee+leads@Example.COM ")
	if !ok {
		t.Fatalf("expected valid email")
	}
	if email != "dana.lee+leads@example.com" {
		t.Errorf("expected normalized email, got %q", email)
	}

	for _, bad := range []string{"", "not-an-email", "a@b", "a b@c.com", "@example.com"} {
		if _, ok := ValidateEmail(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestResolveNextNodeInteractive(t *testing.T) {
	node := &models.Node{ID: "q", Type: models.NodeTypeButtons}
	msg := models.InboundMessage{Kind: models.MessageKindButtonReply, ReplyID: "next_q"}
	if got := resolveNextNode(node, msg); got != "next_q" {
		t.Errorf("expected reply id to be the next node, got %q", got)
	}
}

func TestResolveNextNodeTextPrompt(t *testing.T) {
	node := &models.Node{ID: "q", Type: models.NodeTypeText, NextNodeID: "next_q"}
	msg := models.InboundMessage{Kind: models.MessageKindText, Text: "an answer"}
	if got := resolveNextNode(node, msg); got != "next_q" {
		t.Errorf("expected configured pointer, got %q", got)
	}
}

func TestResolveNextNodeTextOnInteractivePrompt(t *testing.T) {
	node := &models.Node{ID: "q", Type: models.NodeTypeButtons}
	msg := models.InboundMessage{Kind: models.MessageKindText, Text: "free text"}
	if got := resolveNextNode(node, msg); got != "" {
		t.Errorf("expected no advancement, got %q", got)
	}
}

func TestSkipTargetChainsConsecutiveKnownFields(t *testing.T) {
	g := &models.FlowGraph{
		Name:        "test",
		StartNodeID: "ask_name",
		Nodes: []models.Node{
			{ID: "ask_name", Type: models.NodeTypeText, SaveToField: models.FieldName, NextNodeID: "ask_email"},
			{ID: "ask_email", Type: models.NodeTypeText, SaveToField: models.FieldEmail, NextNodeID: "ask_budget"},
			{ID: "ask_budget", Type: models.NodeTypeText, SaveToField: models.FieldBudget, NextNodeID: "END"},
		},
	}
	rec := &models.ConversationRecord{SkipName: true, SkipEmail: true}
	if got := skipTarget(g, rec, "ask_name"); got != "ask_budget" {
		t.Errorf("expected chain to land on ask_budget, got %q", got)
	}

	rec = &models.ConversationRecord{SkipName: true}
	if got := skipTarget(g, rec, "ask_name"); got != "ask_email" {
		t.Errorf("expected single skip to ask_email, got %q", got)
	}

	rec = &models.ConversationRecord{}
	if got := skipTarget(g, rec, "ask_name"); got != "ask_name" {
		t.Errorf("expected no skip, got %q", got)
	}
}

func TestSkipTargetStopsAtEnd(t *testing.T) {
	g := &models.FlowGraph{
		Name:        "test",
		StartNodeID: "ask_email",
		Nodes: []models.Node{
			{ID: "ask_email", Type: models.NodeTypeText, SaveToField: models.FieldEmail, NextNodeID: "END"},
		},
	}
	rec := &models.ConversationRecord{SkipEmail: true}
	if got := skipTarget(g, rec, "ask_email"); got != models.EndNodeID {
		t.Errorf("expected END, got %q", got)
	}
}

func TestSkipTargetGuardsAgainstCycles(t *testing.T) {
	g := &models.FlowGraph{
		Name:        "test",
		StartNodeID: "a",
		Nodes: []models.Node{
			{ID: "a", Type: models.NodeTypeText, SaveToField: models.FieldName, NextNodeID: "b"},
			{ID: "b", Type: models.NodeTypeText, SaveToField: models.FieldEmail, NextNodeID: "a"},
		},
	}
	rec := &models.ConversationRecord{SkipName: true, SkipEmail: true}
	got := skipTarget(g, rec, "a")
	if got != "a" && got != "b" {
		t.Errorf("expected cycle guard to terminate on a visited node, got %q", got)
	}
}
