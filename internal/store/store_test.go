package store

import (
	"testing"
	"time"

	"github.com/ResiLeads/LeadPipe/internal/models"
)

func TestInMemoryFlowRoundTrip(t *testing.T) {
	st := NewInMemoryStore()
	flow := models.FlowGraph{
		Name:        "intake",
		StartNodeID: "greeting",
		Nodes:       []models.Node{{ID: "greeting", Type: models.NodeTypeText, MessageText: "hi"}},
	}
	if err := st.SaveFlow(flow); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := st.GetFlow("intake")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || got.StartNodeID != "greeting" || len(got.Nodes) != 1 {
		t.Errorf("unexpected flow %+v", got)
	}

	missing, err := st.GetFlow("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing flow, got %v, %v", missing, err)
	}
}

func TestInMemoryActiveVsLatestConversation(t *testing.T) {
	st := NewInMemoryStore()
	old := models.ConversationRecord{
		ID: "old", CustomerPhone: "15550100000", BusinessNumberID: "biz",
		State: models.EndNodeID, Name: "Dana", Archived: true,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	if err := st.CreateConversation(old); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	active, err := st.GetActiveConversation("15550100000", "biz")
	if err != nil {
		t.Fatalf("get active failed: %v", err)
	}
	if active != nil {
		t.Errorf("expected archived record excluded from active lookup")
	}

	latest, err := st.GetLatestConversation("15550100000", "biz")
	if err != nil {
		t.Fatalf("get latest failed: %v", err)
	}
	if latest == nil || latest.ID != "old" {
		t.Errorf("expected archived record visible to latest lookup, got %v", latest)
	}

	current := models.ConversationRecord{
		ID: "current", CustomerPhone: "15550100000", BusinessNumberID: "biz",
		State: "ask_name", CreatedAt: time.Now(),
	}
	st.CreateConversation(current)

	active, _ = st.GetActiveConversation("15550100000", "biz")
	if active == nil || active.ID != "current" {
		t.Errorf("expected the newest non-archived record, got %v", active)
	}
	latest, _ = st.GetLatestConversation("15550100000", "biz")
	if latest == nil || latest.ID != "current" {
		t.Errorf("expected the newest record overall, got %v", latest)
	}
}

func TestInMemoryUpdateConversation(t *testing.T) {
	st := NewInMemoryStore()
	rec := models.ConversationRecord{
		ID: "c1", CustomerPhone: "15550100000", BusinessNumberID: "biz",
		State: "ask_name", CreatedAt: time.Now(),
	}
	st.CreateConversation(rec)

	rec.State = "ask_email"
	rec.Name = "Dana"
	if err := st.UpdateConversation(rec); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, _ := st.GetActiveConversation("15550100000", "biz")
	if got.State != "ask_email" || got.Name != "Dana" {
		t.Errorf("expected update applied, got %+v", got)
	}
}

func TestInMemoryListStalledConversations(t *testing.T) {
	st := NewInMemoryStore()
	now := time.Now()

	stalled := models.ConversationRecord{
		ID: "stalled", CustomerPhone: "1", BusinessNumberID: "biz",
		CreatedAt: now.Add(-time.Hour),
	}
	young := models.ConversationRecord{
		ID: "young", CustomerPhone: "2", BusinessNumberID: "biz",
		CreatedAt: now.Add(-time.Minute),
	}
	prompted := models.ConversationRecord{
		ID: "prompted", CustomerPhone: "3", BusinessNumberID: "biz",
		CreatedAt: now.Add(-time.Hour), FollowUpSent: true,
	}
	contacted := models.ConversationRecord{
		ID: "contacted", CustomerPhone: "4", BusinessNumberID: "biz",
		CreatedAt: now.Add(-time.Hour), AgentContacted: true,
	}
	for _, r := range []models.ConversationRecord{stalled, young, prompted, contacted} {
		st.CreateConversation(r)
	}

	recs, err := st.ListStalledConversations(now.Add(-45 * time.Minute))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "stalled" {
		t.Errorf("expected only the stalled record, got %+v", recs)
	}
}

func TestInMemoryOutboundLog(t *testing.T) {
	st := NewInMemoryStore()
	msg := models.OutboundMessage{
		ID: "m1", CustomerPhone: "15550100000", BusinessNumberID: "biz",
		NodeID: "greeting", Body: "hi", ProviderMessageID: "wamid.1", SentAt: time.Now(),
	}
	if err := st.LogOutboundMessage(msg); err != nil {
		t.Fatalf("log failed: %v", err)
	}
	st.LogOutboundMessage(models.OutboundMessage{ID: "m2", CustomerPhone: "other", BusinessNumberID: "biz"})

	msgs, err := st.GetOutboundMessages("15550100000", "biz")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("expected only the matching message, got %+v", msgs)
	}
}

func TestInMemoryChannelRoundTrip(t *testing.T) {
	st := NewInMemoryStore()
	ch := models.Channel{BusinessNumberID: "biz", AccessToken: "token", FlowName: "intake"}
	if err := st.SaveChannel(ch); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := st.GetChannel("biz")
	if err != nil || got == nil || got.FlowName != "intake" {
		t.Errorf("unexpected channel %v (err=%v)", got, err)
	}

	missing, err := st.GetChannel("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing channel")
	}
}
