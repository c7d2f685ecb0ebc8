package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ResiLeads/LeadPipe/internal/messaging"
	"github.com/ResiLeads/LeadPipe/internal/models"
	"github.com/ResiLeads/LeadPipe/internal/store"
	"github.com/google/uuid"
)

// Timing constants. The completion quiet period and the stall detection
// delay are distinct windows and must not be conflated: the first silences
// a finished conversation, the second triggers the follow-up prompt on a
// stalled one (see the followup package).
const (
	// CompletionQuietPeriod is how long messages are dropped after a
	// conversation reaches END before the flow restarts in place.
	CompletionQuietPeriod = time.Hour
)

const (
	// emailValidationPrompt is re-sent when an email answer fails
	// validation; state does not advance.
	emailValidationPrompt = "That doesn't look like a valid email address. Please try again, or type 'skip'."
	// skipKeyword clears the current field and advances without an answer.
	skipKeyword = "skip"
	// defaultListButtonLabel is used when a list node configures no label.
	defaultListButtonLabel = "Options"
)

// Responder generates a free-text answer when a customer's message cannot
// be bound to the current node. It is an external collaborator; the engine
// never advances flow state based on its output.
type Responder interface {
	Respond(ctx context.Context, rec *models.ConversationRecord, question string) (string, error)
}

// Engine interprets one inbound message against the customer's position in
// the flow graph and emits the resulting outbound sends. All turns for the
// same (customer, business number) key are serialized through the keyed
// mutex.
type Engine struct {
	store     store.Store
	flows     *Registry
	sender    messaging.Sender
	responder Responder
	locks     *KeyedMutex
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithResponder attaches the free-text responder.
func WithResponder(r Responder) EngineOption {
	return func(e *Engine) { e.responder = r }
}

// WithClock overrides the engine's time source (used in tests).
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithKeyedMutex shares a keyed mutex with other components (the follow-up
// sweeper must serialize on the same keys).
func WithKeyedMutex(km *KeyedMutex) EngineOption {
	return func(e *Engine) { e.locks = km }
}

// NewEngine creates a conversation engine.
func NewEngine(st store.Store, flows *Registry, sender messaging.Sender, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  st,
		flows:  flows,
		sender: sender,
		locks:  NewKeyedMutex(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Locks exposes the engine's keyed mutex for components sharing its
// serialization discipline.
func (e *Engine) Locks() *KeyedMutex {
	return e.locks
}

// HandleInboundMessage processes one webhook message for a business number
// and returns the outbound sends it produced. Configuration problems for
// one conversation are contained to that turn.
func (e *Engine) HandleInboundMessage(ctx context.Context, msg models.InboundMessage, businessNumberID string) ([]models.SendResult, error) {
	from, err := messaging.CanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Error("Engine invalid sender", "error", err, "from", msg.From)
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	msg.From = from

	unlock := e.locks.Lock(ConversationKey(from, businessNumberID))
	defer unlock()

	// Follow-up replies bypass normal traversal entirely, even mid-flow.
	if msg.Kind == models.MessageKindButtonReply &&
		(msg.ReplyID == models.FollowUpYesID || msg.ReplyID == models.FollowUpNoID) {
		return e.handleFollowUpReply(ctx, msg, businessNumberID)
	}

	ch, graph, err := e.resolveChannelFlow(businessNumberID)
	if err != nil {
		return nil, err
	}
	if ch == nil || graph == nil {
		slog.Debug("Engine no active flow for business number", "business_number", businessNumberID)
		return nil, nil
	}

	rec, err := e.store.GetActiveConversation(from, businessNumberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation for %s: %w", from, err)
	}

	if rec != nil && rec.Ended() {
		if e.now().Sub(rec.UpdatedAt) < CompletionQuietPeriod {
			slog.Debug("Engine dropping message during quiet period", "customer", from, "ended_at", rec.EndedAt)
			return nil, nil
		}
		return e.restartConversation(ctx, *ch, graph, rec, msg)
	}

	if rec == nil {
		return e.startConversation(ctx, *ch, graph, msg, businessNumberID)
	}

	return e.advance(ctx, *ch, graph, rec, msg)
}

// resolveChannelFlow loads the channel and its active flow; both nil means
// no flow is configured and the turn is a no-op.
func (e *Engine) resolveChannelFlow(businessNumberID string) (*models.Channel, *models.FlowGraph, error) {
	ch, err := e.store.GetChannel(businessNumberID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load channel %s: %w", businessNumberID, err)
	}
	if ch == nil || ch.FlowName == "" {
		return nil, nil, nil
	}
	graph, err := e.flows.Get(ch.FlowName)
	if err != nil {
		// Broken flow configuration must not take down the handler.
		slog.Error("Engine flow unavailable", "error", err, "flow", ch.FlowName, "business_number", businessNumberID)
		return nil, nil, nil
	}
	return ch, graph, nil
}

// startConversation creates a record for a first-time customer. Skip flags
// are seeded from the customer's most recent prior record for the same
// business number, so known fields are never asked again.
func (e *Engine) startConversation(ctx context.Context, ch models.Channel, graph *models.FlowGraph, msg models.InboundMessage, businessNumberID string) ([]models.SendResult, error) {
	now := e.now()
	rec := models.ConversationRecord{
		ID:               uuid.NewString(),
		CustomerPhone:    msg.From,
		BusinessNumberID: businessNumberID,
		State:            graph.StartNodeID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	prior, err := e.store.GetLatestConversation(msg.From, businessNumberID)
	if err != nil {
		slog.Error("Engine prior record lookup failed", "error", err, "customer", msg.From)
	} else if prior != nil {
		rec.SkipName = prior.Name != ""
		rec.SkipEmail = prior.Email != ""
	}

	if name, url, ok := ExtractProjectRef(msg.Text); ok {
		rec.ProjectName = name
		rec.PageURL = url
	}

	if err := e.store.CreateConversation(rec); err != nil {
		return nil, fmt.Errorf("failed to create conversation for %s: %w", msg.From, err)
	}
	slog.Info("Engine conversation started", "customer", msg.From, "business_number", businessNumberID,
		"skip_name", rec.SkipName, "skip_email", rec.SkipEmail)

	return e.sendStartSequence(ctx, ch, graph, &rec)
}

// restartConversation reuses an ended record once the quiet period has
// elapsed: the flow rewinds to its start node and the greeting is re-sent.
func (e *Engine) restartConversation(ctx context.Context, ch models.Channel, graph *models.FlowGraph, rec *models.ConversationRecord, msg models.InboundMessage) ([]models.SendResult, error) {
	rec.State = graph.StartNodeID
	rec.EndMessageSent = false
	rec.EndedAt = nil
	if name, url, ok := ExtractProjectRef(msg.Text); ok {
		rec.ProjectName = name
		rec.PageURL = url
	}
	rec.UpdatedAt = e.now()
	if err := e.store.UpdateConversation(*rec); err != nil {
		return nil, fmt.Errorf("failed to restart conversation %s: %w", rec.ID, err)
	}
	slog.Info("Engine conversation restarted after quiet period", "customer", rec.CustomerPhone, "id", rec.ID)

	return e.sendStartSequence(ctx, ch, graph, rec)
}

// sendStartSequence sends the start node and, when the start node is a plain
// announcement (text, no answer expected), immediately advances to and sends
// its successor. A turn therefore produces up to two outbound messages.
func (e *Engine) sendStartSequence(ctx context.Context, ch models.Channel, graph *models.FlowGraph, rec *models.ConversationRecord) ([]models.SendResult, error) {
	startNode := graph.Node(graph.StartNodeID)
	if startNode == nil {
		slog.Error("Engine start node missing", "flow", graph.Name, "node", graph.StartNodeID)
		return nil, fmt.Errorf("start node %s: %w", graph.StartNodeID, models.ErrNodeNotFound)
	}

	var results []models.SendResult
	res, err := e.sendNode(ctx, ch, rec, startNode)
	if err != nil {
		return results, err
	}
	results = append(results, res)

	if startNode.Type != models.NodeTypeText || startNode.SaveToField != "" || startNode.NextNodeID == "" {
		return results, nil
	}
	dest := skipTarget(graph, rec, startNode.NextNodeID)
	if dest == models.EndNodeID {
		endRes, err := e.finish(ctx, ch, graph, rec)
		if endRes != nil {
			results = append(results, *endRes)
		}
		return results, err
	}

	destNode := graph.Node(dest)
	if destNode == nil {
		slog.Error("Engine start successor missing", "flow", graph.Name, "node", dest)
		return results, fmt.Errorf("node %s: %w", dest, models.ErrNodeNotFound)
	}
	rec.State = dest
	rec.UpdatedAt = e.now()
	if err := e.store.UpdateConversation(*rec); err != nil {
		return results, fmt.Errorf("failed to persist conversation %s: %w", rec.ID, err)
	}
	res, err = e.sendNode(ctx, ch, rec, destNode)
	if err != nil {
		return results, err
	}
	return append(results, res), nil
}

// advance runs one normal mid-flow turn: interpret the reply against the
// current node, capture fields, resolve the destination, and deliver it.
func (e *Engine) advance(ctx context.Context, ch models.Channel, graph *models.FlowGraph, rec *models.ConversationRecord, msg models.InboundMessage) ([]models.SendResult, error) {
	node := graph.Node(rec.State)
	if node == nil {
		slog.Error("Engine conversation state references unknown node", "customer", rec.CustomerPhone, "state", rec.State, "flow", graph.Name)
		return nil, fmt.Errorf("state %s: %w", rec.State, models.ErrNodeNotFound)
	}

	// The current question's answer is already known: advance past it
	// without interpreting the inbound message as an answer.
	if node.SaveToField != "" && rec.SkipField(node.SaveToField) {
		dest := skipTarget(graph, rec, node.NextNodeID)
		slog.Debug("Engine bypassing known field", "customer", rec.CustomerPhone, "field", node.SaveToField, "dest", dest)
		return e.deliver(ctx, ch, graph, rec, dest)
	}

	// A shared property link updates the project reference and ends the
	// turn without derailing the current question. Checked before field
	// capture so a pasted URL is never stored as an answer.
	if msg.Kind == models.MessageKindText && strings.Contains(msg.Text, "http") {
		if name, url, ok := ExtractProjectRef(msg.Text); ok {
			rec.ProjectName = name
			rec.PageURL = url
			rec.UpdatedAt = e.now()
			if err := e.store.UpdateConversation(*rec); err != nil {
				return nil, fmt.Errorf("failed to persist project reference for %s: %w", rec.ID, err)
			}
			slog.Info("Engine captured project reference", "customer", rec.CustomerPhone, "project", name)
			return nil, nil
		}
	}

	// Field capture for text prompts.
	if node.Type == models.NodeTypeText && node.SaveToField != "" && msg.Kind == models.MessageKindText {
		body := strings.TrimSpace(msg.Text)
		switch {
		case strings.EqualFold(body, skipKeyword):
			rec.SetField(node.SaveToField, "")
		case node.SaveToField == models.FieldEmail:
			email, ok := ValidateEmail(body)
			if !ok {
				slog.Debug("Engine email validation failed", "customer", rec.CustomerPhone, "input_length", len(body))
				res, err := e.sendPrompt(ctx, ch, rec, node.ID, emailValidationPrompt)
				if err != nil {
					return nil, err
				}
				return []models.SendResult{res}, nil
			}
			rec.Email = email
		default:
			rec.SetField(node.SaveToField, body)
		}
	}

	// Interactive selections store the display title, not the reply id.
	if msg.IsInteractive() && node.SaveToField != "" {
		rec.SetField(node.SaveToField, strings.TrimSpace(msg.ReplyTitle))
	}

	next := resolveNextNode(node, msg)
	if next == "" {
		if err := e.store.UpdateConversation(*rec); err != nil {
			return nil, fmt.Errorf("failed to persist conversation %s: %w", rec.ID, err)
		}
		// Free text on an interactive prompt: let the responder answer
		// without touching flow state.
		if msg.Kind == models.MessageKindText && strings.TrimSpace(msg.Text) != "" && e.responder != nil {
			return e.respondFreeText(ctx, ch, rec, msg)
		}
		slog.Debug("Engine turn aborted, no next node", "customer", rec.CustomerPhone, "state", rec.State)
		return nil, nil
	}

	dest := skipTarget(graph, rec, next)
	return e.deliver(ctx, ch, graph, rec, dest)
}

// deliver moves the conversation to dest and sends its message. State is
// persisted before the send so a crash mid-send leaves the record
// consistent with "already asked".
func (e *Engine) deliver(ctx context.Context, ch models.Channel, graph *models.FlowGraph, rec *models.ConversationRecord, dest string) ([]models.SendResult, error) {
	if dest == models.EndNodeID {
		res, err := e.finish(ctx, ch, graph, rec)
		if res == nil {
			return nil, err
		}
		return []models.SendResult{*res}, err
	}

	destNode := graph.Node(dest)
	if destNode == nil {
		// Commit captured fields, keep state, contain the config error.
		rec.UpdatedAt = e.now()
		if err := e.store.UpdateConversation(*rec); err != nil {
			slog.Error("Engine persist failed on dead-end turn", "error", err, "id", rec.ID)
		}
		slog.Error("Engine destination node missing", "flow", graph.Name, "node", dest, "customer", rec.CustomerPhone)
		return nil, fmt.Errorf("node %s: %w", dest, models.ErrNodeNotFound)
	}

	rec.State = dest
	rec.UpdatedAt = e.now()
	if err := e.store.UpdateConversation(*rec); err != nil {
		return nil, fmt.Errorf("failed to persist conversation %s: %w", rec.ID, err)
	}

	res, err := e.sendNode(ctx, ch, rec, destNode)
	if err != nil {
		return nil, err
	}
	return []models.SendResult{res}, nil
}

// finish marks the conversation ended and sends the END message at most
// once per conversation lifetime.
func (e *Engine) finish(ctx context.Context, ch models.Channel, graph *models.FlowGraph, rec *models.ConversationRecord) (*models.SendResult, error) {
	now := e.now()
	rec.State = models.EndNodeID
	if rec.EndedAt == nil {
		t := now
		rec.EndedAt = &t
	}
	alreadySent := rec.EndMessageSent
	rec.EndMessageSent = true
	rec.UpdatedAt = now
	if err := e.store.UpdateConversation(*rec); err != nil {
		return nil, fmt.Errorf("failed to persist ended conversation %s: %w", rec.ID, err)
	}

	if alreadySent {
		slog.Debug("Engine END message already sent", "customer", rec.CustomerPhone, "id", rec.ID)
		return nil, nil
	}
	endNode := graph.Node(models.EndNodeID)
	if endNode == nil {
		slog.Debug("Engine flow has no END node", "flow", graph.Name)
		return nil, nil
	}

	res, err := e.sendNode(ctx, ch, rec, endNode)
	if err != nil {
		return nil, err
	}
	slog.Info("Engine conversation completed", "customer", rec.CustomerPhone, "id", rec.ID)
	return &res, nil
}

// handleFollowUpReply reopens the conversation at the flow's configured
// yes/no resume target. Repeated replies re-send the same target
// deterministically.
func (e *Engine) handleFollowUpReply(ctx context.Context, msg models.InboundMessage, businessNumberID string) ([]models.SendResult, error) {
	ch, graph, err := e.resolveChannelFlow(businessNumberID)
	if err != nil {
		return nil, err
	}
	if ch == nil || graph == nil {
		slog.Debug("Engine follow-up reply with no active flow", "business_number", businessNumberID)
		return nil, nil
	}

	rec, err := e.store.GetActiveConversation(msg.From, businessNumberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation for %s: %w", msg.From, err)
	}
	if rec == nil {
		slog.Debug("Engine follow-up reply with no conversation", "customer", msg.From)
		return nil, nil
	}

	var target string
	if msg.ReplyID == models.FollowUpYesID {
		rec.AgentContacted = true
		target = graph.FollowUpYesNodeID
	} else {
		rec.AgentContacted = false
		rec.NeedsImmediateAttention = true
		target = graph.FollowUpNoNodeID
	}
	rec.EndMessageSent = false
	rec.EndedAt = nil
	rec.UpdatedAt = e.now()

	if target == "" {
		if err := e.store.UpdateConversation(*rec); err != nil {
			return nil, fmt.Errorf("failed to persist follow-up reply for %s: %w", rec.ID, err)
		}
		slog.Warn("Engine flow has no follow-up resume target", "flow", graph.Name, "reply", msg.ReplyID)
		return nil, nil
	}

	if target == models.EndNodeID {
		res, err := e.finish(ctx, *ch, graph, rec)
		if res == nil {
			return nil, err
		}
		return []models.SendResult{*res}, err
	}

	rec.State = target
	if err := e.store.UpdateConversation(*rec); err != nil {
		return nil, fmt.Errorf("failed to persist follow-up reply for %s: %w", rec.ID, err)
	}
	slog.Info("Engine follow-up reply processed", "customer", rec.CustomerPhone, "reply", msg.ReplyID,
		"needs_attention", rec.NeedsImmediateAttention)

	targetNode := graph.Node(target)
	if targetNode == nil {
		slog.Error("Engine follow-up target missing", "flow", graph.Name, "node", target)
		return nil, fmt.Errorf("node %s: %w", target, models.ErrNodeNotFound)
	}
	res, err := e.sendNode(ctx, *ch, rec, targetNode)
	if err != nil {
		return nil, err
	}
	return []models.SendResult{res}, nil
}

// respondFreeText answers an off-script question through the external
// responder. Responder failures never fail the turn.
func (e *Engine) respondFreeText(ctx context.Context, ch models.Channel, rec *models.ConversationRecord, msg models.InboundMessage) ([]models.SendResult, error) {
	reply, err := e.responder.Respond(ctx, rec, msg.Text)
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Error("Engine free-text responder failed", "error", err, "customer", rec.CustomerPhone)
		return nil, nil
	}
	res, err := e.sendPrompt(ctx, ch, rec, "", reply)
	if err != nil {
		return nil, err
	}
	return []models.SendResult{res}, nil
}

// sendNode renders and sends a node's message, logging the outbound record.
func (e *Engine) sendNode(ctx context.Context, ch models.Channel, rec *models.ConversationRecord, node *models.Node) (models.SendResult, error) {
	body := Render(node.MessageText, rec)

	var providerID string
	var err error
	switch node.Type {
	case models.NodeTypeButtons:
		providerID, err = e.sender.SendButtons(ctx, ch, rec.CustomerPhone, body, node.Buttons)
	case models.NodeTypeList:
		label := node.ButtonLabel
		if label == "" {
			label = defaultListButtonLabel
		}
		providerID, err = e.sender.SendList(ctx, ch, rec.CustomerPhone, body, label, node.Sections)
	default:
		providerID, err = e.sender.SendText(ctx, ch, rec.CustomerPhone, body)
	}
	if err != nil {
		slog.Error("Engine send failed", "error", err, "customer", rec.CustomerPhone, "node", node.ID)
		return models.SendResult{}, fmt.Errorf("failed to send node %s to %s: %w", node.ID, rec.CustomerPhone, err)
	}

	e.logOutbound(rec, node.ID, body, providerID)
	return models.SendResult{To: rec.CustomerPhone, NodeID: node.ID, ProviderMessageID: providerID}, nil
}

// sendPrompt sends an ad hoc text message outside the flow graph (the email
// validation prompt and responder replies).
func (e *Engine) sendPrompt(ctx context.Context, ch models.Channel, rec *models.ConversationRecord, nodeID, body string) (models.SendResult, error) {
	providerID, err := e.sender.SendText(ctx, ch, rec.CustomerPhone, body)
	if err != nil {
		slog.Error("Engine prompt send failed", "error", err, "customer", rec.CustomerPhone)
		return models.SendResult{}, fmt.Errorf("failed to send prompt to %s: %w", rec.CustomerPhone, err)
	}
	e.logOutbound(rec, nodeID, body, providerID)
	return models.SendResult{To: rec.CustomerPhone, NodeID: nodeID, ProviderMessageID: providerID}, nil
}

// logOutbound records a sent message. Logging failures are never fatal to
// the turn.
func (e *Engine) logOutbound(rec *models.ConversationRecord, nodeID, body, providerID string) {
	msg := models.OutboundMessage{
		ID:                uuid.NewString(),
		CustomerPhone:     rec.CustomerPhone,
		BusinessNumberID:  rec.BusinessNumberID,
		NodeID:            nodeID,
		Body:              body,
		ProviderMessageID: providerID,
		SentAt:            e.now(),
	}
	if err := e.store.LogOutboundMessage(msg); err != nil {
		slog.Error("Engine outbound log failed", "error", err, "customer", rec.CustomerPhone, "node", nodeID)
	}
}
