package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ResiLeads/LeadPipe/internal/models"
	"github.com/ResiLeads/LeadPipe/internal/store"
)

const (
	testBusinessNumber = "biz-100"
	testCustomer       = "15550100000"
	testFlowName       = "lead-intake"
)

// mockSender records every send and returns synthetic provider ids.
type mockSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
	seq  int
}

type sentMessage struct {
	to      string
	body    string
	kind    string
	buttons []models.Button
}

func (m *mockSender) record(to, body, kind string, buttons []models.Button) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.seq++
	m.sent = append(m.sent, sentMessage{to: to, body: body, kind: kind, buttons: buttons})
	return fmt.Sprintf("wamid.%d", m.seq), nil
}

func (m *mockSender) SendText(_ context.Context, _ models.Channel, to, body string) (string, error) {
	return m.record(to, body, "text", nil)
}

func (m *mockSender) SendButtons(_ context.Context, _ models.Channel, to, body string, buttons []models.Button) (string, error) {
	return m.record(to, body, "buttons", buttons)
}

func (m *mockSender) SendList(_ context.Context, _ models.Channel, to, body, _ string, _ []models.ListSection) (string, error) {
	return m.record(to, body, "list", nil)
}

func (m *mockSender) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// mockResponder returns a canned free-text reply.
type mockResponder struct {
	reply string
	err   error
	asked []string
}

func (m *mockResponder) Respond(_ context.Context, _ *models.ConversationRecord, question string) (string, error) {
	m.asked = append(m.asked, question)
	return m.reply, m.err
}

func testGraph() models.FlowGraph {
	return models.FlowGraph{
		Name:              testFlowName,
		StartNodeID:       "greeting",
		FollowUpYesNodeID: "agent_yes",
		FollowUpNoNodeID:  "agent_no",
		Nodes: []models.Node{
			{ID: "greeting", Type: models.NodeTypeText, MessageText: "Welcome to ResiLeads!", NextNodeID: "ask_name"},
			{ID: "ask_name", Type: models.NodeTypeText, MessageText: "What's your name?", SaveToField: models.FieldName, NextNodeID: "ask_email"},
			{ID: "ask_email", Type: models.NodeTypeText, MessageText: "Thanks {{name}}! What's your email?", SaveToField: models.FieldEmail, NextNodeID: "ask_budget"},
			{ID: "ask_budget", Type: models.NodeTypeButtons, MessageText: "What's your budget?", SaveToField: models.FieldBudget, Buttons: []models.Button{
				{ID: "budget_low", Title: "Under 1M", NextNodeID: "ask_bedrooms"},
				{ID: "budget_high", Title: "1M or more", NextNodeID: "ask_bedrooms"},
			}},
			{ID: "ask_bedrooms", Type: models.NodeTypeList, MessageText: "How many bedrooms?", SaveToField: models.FieldBedrooms, ButtonLabel: "Choose", Sections: []models.ListSection{
				{Title: "Bedrooms", Rows: []models.ListRow{
					{ID: "bed_1", Title: "1", NextNodeID: "END"},
					{ID: "bed_2", Title: "2+", NextNodeID: "END"},
				}},
			}},
			{ID: "END", Type: models.NodeTypeText, MessageText: "Thanks {{name}}, an agent will contact you shortly."},
			{ID: "agent_yes", Type: models.NodeTypeText, MessageText: "Great, glad to hear it!"},
			{ID: "agent_no", Type: models.NodeTypeText, MessageText: "Sorry about that, someone will reach out right away."},
		},
	}
}

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *store.InMemoryStore, *mockSender) {
	t.Helper()
	st := store.NewInMemoryStore()
	graph := testGraph()
	if err := graph.Validate(); err != nil {
		t.Fatalf("test graph failed validation: %v", err)
	}
	if err := st.SaveFlow(graph); err != nil {
		t.Fatalf("failed to save flow: %v", err)
	}
	if err := st.SaveChannel(models.Channel{BusinessNumberID: testBusinessNumber, AccessToken: "token", FlowName: testFlowName}); err != nil {
		t.Fatalf("failed to save channel: %v", err)
	}
	sender := &mockSender{}
	engine := NewEngine(st, NewRegistry(st), sender, opts...)
	return engine, st, sender
}

func textMsg(body string) models.InboundMessage {
	return models.InboundMessage{From: testCustomer, Kind: models.MessageKindText, Text: body}
}

func TestFirstMessageStartsConversation(t *testing.T) {
	engine, st, sender := newTestEngine(t)

	results, err := engine.HandleInboundMessage(context.Background(), textMsg("hi"), testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	// Greeting is an announcement, so the first question follows immediately.
	if len(results) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(results))
	}
	sent := sender.messages()
	if sent[0].body != "Welcome to ResiLeads!" {
		t.Errorf("unexpected greeting %q", sent[0].body)
	}
	if sent[1].body != "What's your name?" {
		t.Errorf("unexpected first question %q", sent[1].body)
	}

	rec, err := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if err != nil || rec == nil {
		t.Fatalf("expected conversation record, got %v (err=%v)", rec, err)
	}
	if rec.State != "ask_name" {
		t.Errorf("expected state ask_name, got %q", rec.State)
	}
}

func TestSenderCanonicalization(t *testing.T) {
	engine, st, _ := newTestEngine(t)

	msg := models.InboundMessage{From: "+1 (555) 010-0000", Kind: models.MessageKindText, Text: "hi"}
	if _, err := engine.HandleInboundMessage(context.Background(), msg, testBusinessNumber); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if rec == nil {
		t.Fatalf("expected record keyed by canonical phone %s", testCustomer)
	}
}

func TestInvalidSenderRejected(t *testing.T) {
	engine, _, sender := newTestEngine(t)

	msg := models.InboundMessage{From: "not a phone", Kind: models.MessageKindText, Text: "hi"}
	if _, err := engine.HandleInboundMessage(context.Background(), msg, testBusinessNumber); err == nil {
		t.Errorf("expected error for invalid sender")
	}
	if len(sender.messages()) != 0 {
		t.Errorf("expected no sends for invalid sender")
	}
}

func TestTextAnswerCapturedAndAdvanced(t *testing.T) {
	engine, st, sender := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.HandleInboundMessage(ctx, textMsg("hi"), testBusinessNumber); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := engine.HandleInboundMessage(ctx, textMsg("  Dana  "), testBusinessNumber); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if rec.Name != "Dana" {
		t.Errorf("expected trimmed name Dana, got %q", rec.Name)
	}
	if rec.State != "ask_email" {
		t.Errorf("expected state ask_email, got %q", rec.State)
	}
	sent := sender.messages()
	last := sent[len(sent)-1]
	if last.body != "Thanks Dana! What's your email?" {
		t.Errorf("expected rendered email prompt, got %q", last.body)
	}
}

func TestEmailValidationReprompt(t *testing.T) {
	engine, st, sender := newTestEngine(t)
	ctx := context.Background()

	engine.HandleInboundMessage(ctx, textMsg("hi"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, textMsg("Dana"), testBusinessNumber)

	results, err := engine.HandleInboundMessage(ctx, textMsg("not-an-email"), testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 re-prompt send, got %d", len(results))
	}
	sent := sender.messages()
	if !strings.Contains(sent[len(sent)-1].body, "valid email") {
		t.Errorf("expected validation prompt, got %q", sent[len(sent)-1].body)
	}
	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if rec.State != "ask_email" {
		t.Errorf("expected state unchanged on invalid email, got %q", rec.State)
	}
	if rec.Email != "" {
		t.Errorf("expected no email stored, got %q", rec.Email)
	}

	if _, err := engine.HandleInboundMessage(ctx, textMsg("Dana@Example.COM"), testBusinessNumber); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	rec, _ = st.GetActiveConversation(testCustomer, testBusinessNumber)
	if rec.Email != "dana@example.com" {
		t.Errorf("expected normalized email, got %q", rec.Email)
	}
	if rec.State != "ask_budget" {
		t.Errorf("expected state ask_budget, got %q", rec.State)
	}
}

func TestSkipClearsFieldAndAdvances(t *testing.T) {
	engine, st, _ := newTestEngine(t)
	ctx := context.Background()

	engine.HandleInboundMessage(ctx, textMsg("hi"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, textMsg("Dana"), testBusinessNumber)
	if _, err := engine.HandleInboundMessage(ctx, textMsg("SKIP"), testBusinessNumber); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if rec.Email != "" {
		t.Errorf("expected skip to leave email empty, got %q", rec.Email)
	}
	if rec.State != "ask_budget" {
		t.Errorf("expected state ask_budget after skip, got %q", rec.State)
	}
}

func TestButtonReplyStoresTitleAndFollowsReplyID(t *testing.T) {
	engine, st, sender := newTestEngine(t)
	ctx := context.Background()

	engine.HandleInboundMessage(ctx, textMsg("hi"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, textMsg("Dana"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, textMsg("dana@example.com"), testBusinessNumber)

	reply := models.InboundMessage{
		From: testCustomer, Kind: models.MessageKindButtonReply,
		ReplyID: "ask_bedrooms", ReplyTitle: "Under 1M",
	}
	results, err := engine.HandleInboundMessage(ctx, reply, testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 send, got %d", len(results))
	}

	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if rec.Budget != "Under 1M" {
		t.Errorf("expected display title stored, got %q", rec.Budget)
	}
	if rec.State != "ask_bedrooms" {
		t.Errorf("expected state ask_bedrooms, got %q", rec.State)
	}
	sent := sender.messages()
	if sent[len(sent)-1].kind != "list" {
		t.Errorf("expected list message, got %q", sent[len(sent)-1].kind)
	}
}

func TestCompletionSendsEndMessageOnce(t *testing.T) {
	engine, st, sender := newTestEngine(t)
	ctx := context.Background()

	engine.HandleInboundMessage(ctx, textMsg("hi"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, textMsg("Dana"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, textMsg("dana@example.com"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, models.InboundMessage{
		From: testCustomer, Kind: models.MessageKindButtonReply, ReplyID: "ask_bedrooms", ReplyTitle: "Under 1M",
	}, testBusinessNumber)

	results, err := engine.HandleInboundMessage(ctx, models.InboundMessage{
		From: testCustomer, Kind: models.MessageKindListReply, ReplyID: "END", ReplyTitle: "2+",
	}, testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 closing send, got %d", len(results))
	}
	sent := sender.messages()
	if sent[len(sent)-1].body != "Thanks Dana, an agent will contact you shortly." {
		t.Errorf("unexpected closing message %q", sent[len(sent)-1].body)
	}

	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if !rec.Ended() {
		t.Errorf("expected conversation ended, state=%q", rec.State)
	}
	if rec.EndedAt == nil || !rec.EndMessageSent {
		t.Errorf("expected terminal bookkeeping set, got endedAt=%v sent=%v", rec.EndedAt, rec.EndMessageSent)
	}
	if rec.Bedrooms != "2+" {
		t.Errorf("expected bedrooms captured, got %q", rec.Bedrooms)
	}
}

func TestQuietPeriodDropsThenRestarts(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	engine, st, sender := newTestEngine(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	endedAt := base.Add(-30 * time.Minute)
	rec := models.ConversationRecord{
		ID: "conv-1", CustomerPhone: testCustomer, BusinessNumberID: testBusinessNumber,
		State: models.EndNodeID, Name: "Dana", EndedAt: &endedAt, EndMessageSent: true,
		CreatedAt: endedAt.Add(-10 * time.Minute), UpdatedAt: endedAt,
	}
	if err := st.CreateConversation(rec); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	// 30 minutes after completion: the message is silently dropped.
	results, err := engine.HandleInboundMessage(ctx, textMsg("hello again"), testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(results) != 0 || len(sender.messages()) != 0 {
		t.Fatalf("expected message dropped during quiet period, got %d sends", len(sender.messages()))
	}

	// 61 minutes after completion: the flow restarts in place.
	now = endedAt.Add(61 * time.Minute)
	results, err = engine.HandleInboundMessage(ctx, textMsg("hello again"), testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected restart to send greeting and first question, got %d", len(results))
	}
	refreshed, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if refreshed.ID != "conv-1" {
		t.Errorf("expected the same record reused, got %q", refreshed.ID)
	}
	if refreshed.State != "ask_name" {
		t.Errorf("expected state ask_name after restart, got %q", refreshed.State)
	}
	if refreshed.EndMessageSent || refreshed.EndedAt != nil {
		t.Errorf("expected terminal bookkeeping cleared on restart")
	}
}

func TestSkipFlagsSeededFromPriorConversation(t *testing.T) {
	engine, st, sender := newTestEngine(t)
	ctx := context.Background()

	prior := models.ConversationRecord{
		ID: "conv-old", CustomerPhone: testCustomer, BusinessNumberID: testBusinessNumber,
		State: models.EndNodeID, Name: "Dana", Email: "dana@example.com", Archived: true,
		CreatedAt: time.Now().Add(-48 * time.Hour), UpdatedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := st.CreateConversation(prior); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	results, err := engine.HandleInboundMessage(ctx, textMsg("hi"), testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(results))
	}
	// Name and email are known from the prior conversation, so the first
	// question is the budget.
	sent := sender.messages()
	if sent[1].body != "What's your budget?" {
		t.Errorf("expected known questions bypassed, got %q", sent[1].body)
	}
	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if rec.ID == "conv-old" {
		t.Errorf("expected a fresh record, archived one reused")
	}
	if !rec.SkipName || !rec.SkipEmail {
		t.Errorf("expected skip flags seeded, got name=%v email=%v", rec.SkipName, rec.SkipEmail)
	}
	if rec.State != "ask_budget" {
		t.Errorf("expected state ask_budget, got %q", rec.State)
	}
}

func TestPropertyLinkUpdatesProjectWithoutDerailing(t *testing.T) {
	engine, st, sender := newTestEngine(t)
	ctx := context.Background()

	engine.HandleInboundMessage(ctx, textMsg("hi"), testBusinessNumber)
	before := len(sender.messages())

	results, err := engine.HandleInboundMessage(ctx,
		textMsg("look at https://resileads.example.com/properties/marina-heights-tower"), testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no sends for a shared link, got %d", len(results))
	}
	if len(sender.messages()) != before {
		t.Errorf("expected no outbound traffic")
	}

	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if rec.ProjectName != "Marina Heights Tower" {
		t.Errorf("expected project name captured, got %q", rec.ProjectName)
	}
	if rec.Name != "" {
		t.Errorf("expected URL not stored as the name answer, got %q", rec.Name)
	}
	if rec.State != "ask_name" {
		t.Errorf("expected state unchanged, got %q", rec.State)
	}
}

func TestProjectRefCapturedAtConversationStart(t *testing.T) {
	engine, st, _ := newTestEngine(t)

	_, err := engine.HandleInboundMessage(context.Background(),
		textMsg("hi, about https://resileads.example.com/properties/oasis"), testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if rec.ProjectName != "Oasis" {
		t.Errorf("expected project captured at start, got %q", rec.ProjectName)
	}
}

func TestFollowUpYesResumesFlow(t *testing.T) {
	engine, st, sender := newTestEngine(t)
	ctx := context.Background()

	ended := time.Now().Add(-2 * time.Hour)
	rec := models.ConversationRecord{
		ID: "conv-1", CustomerPhone: testCustomer, BusinessNumberID: testBusinessNumber,
		State: models.EndNodeID, Name: "Dana", EndedAt: &ended, EndMessageSent: true,
		FollowUpSent: true, CreatedAt: ended, UpdatedAt: ended,
	}
	st.CreateConversation(rec)

	reply := models.InboundMessage{
		From: testCustomer, Kind: models.MessageKindButtonReply,
		ReplyID: models.FollowUpYesID, ReplyTitle: "Yes",
	}
	results, err := engine.HandleInboundMessage(ctx, reply, testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 send, got %d", len(results))
	}
	if sender.messages()[0].body != "Great, glad to hear it!" {
		t.Errorf("unexpected resume message %q", sender.messages()[0].body)
	}

	refreshed, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if !refreshed.AgentContacted {
		t.Errorf("expected agent contacted recorded")
	}
	if refreshed.NeedsImmediateAttention {
		t.Errorf("expected no attention flag on yes")
	}
	if refreshed.State != "agent_yes" {
		t.Errorf("expected state agent_yes, got %q", refreshed.State)
	}

	// A repeated reply re-sends the same target deterministically.
	results, err = engine.HandleInboundMessage(ctx, reply, testBusinessNumber)
	if err != nil {
		t.Fatalf("repeated reply failed: %v", err)
	}
	if len(results) != 1 || sender.messages()[1].body != "Great, glad to hear it!" {
		t.Errorf("expected deterministic re-send on repeated reply")
	}
}

func TestFollowUpNoFlagsAttention(t *testing.T) {
	engine, st, _ := newTestEngine(t)

	ended := time.Now().Add(-2 * time.Hour)
	st.CreateConversation(models.ConversationRecord{
		ID: "conv-1", CustomerPhone: testCustomer, BusinessNumberID: testBusinessNumber,
		State: models.EndNodeID, EndedAt: &ended, EndMessageSent: true,
		FollowUpSent: true, CreatedAt: ended, UpdatedAt: ended,
	})

	reply := models.InboundMessage{
		From: testCustomer, Kind: models.MessageKindButtonReply,
		ReplyID: models.FollowUpNoID, ReplyTitle: "Not yet",
	}
	if _, err := engine.HandleInboundMessage(context.Background(), reply, testBusinessNumber); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if !rec.NeedsImmediateAttention {
		t.Errorf("expected attention flag set")
	}
	if rec.AgentContacted {
		t.Errorf("expected agent contacted false")
	}
	if rec.State != "agent_no" {
		t.Errorf("expected state agent_no, got %q", rec.State)
	}
}

func TestFreeTextOnInteractivePromptUsesResponder(t *testing.T) {
	responder := &mockResponder{reply: "The tower is in the marina district."}
	engine, st, sender := newTestEngine(t, WithResponder(responder))
	ctx := context.Background()

	engine.HandleInboundMessage(ctx, textMsg("hi"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, textMsg("Dana"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, textMsg("dana@example.com"), testBusinessNumber)

	results, err := engine.HandleInboundMessage(ctx, textMsg("where is it located?"), testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 responder send, got %d", len(results))
	}
	sent := sender.messages()
	if sent[len(sent)-1].body != responder.reply {
		t.Errorf("expected responder reply, got %q", sent[len(sent)-1].body)
	}
	if len(responder.asked) != 1 || responder.asked[0] != "where is it located?" {
		t.Errorf("expected question forwarded to responder, got %v", responder.asked)
	}
	rec, _ := st.GetActiveConversation(testCustomer, testBusinessNumber)
	if rec.State != "ask_budget" {
		t.Errorf("expected flow state untouched, got %q", rec.State)
	}
}

func TestFreeTextWithoutResponderIsSilent(t *testing.T) {
	engine, _, sender := newTestEngine(t)
	ctx := context.Background()

	engine.HandleInboundMessage(ctx, textMsg("hi"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, textMsg("Dana"), testBusinessNumber)
	engine.HandleInboundMessage(ctx, textMsg("dana@example.com"), testBusinessNumber)
	before := len(sender.messages())

	results, err := engine.HandleInboundMessage(ctx, textMsg("where is it located?"), testBusinessNumber)
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if len(results) != 0 || len(sender.messages()) != before {
		t.Errorf("expected no sends without a responder")
	}
}

func TestNoChannelConfiguredIsNoOp(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := &mockSender{}
	engine := NewEngine(st, NewRegistry(st), sender)

	results, err := engine.HandleInboundMessage(context.Background(), textMsg("hi"), "unknown-biz")
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if results != nil || len(sender.messages()) != 0 {
		t.Errorf("expected no-op for unconfigured business number")
	}
}
