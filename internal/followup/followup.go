// Package followup re-engages stalled conversations.
//
// A periodic sweep finds conversations where no agent contact has been
// confirmed and no follow-up was sent within the stall detection delay, and
// sends a yes/no prompt asking whether an agent reached out. The customer's
// reply is routed back through the conversation engine's follow-up
// interception.
package followup

import (
	"context"
	"log/slog"
	"time"

	"github.com/ResiLeads/LeadPipe/internal/flow"
	"github.com/ResiLeads/LeadPipe/internal/messaging"
	"github.com/ResiLeads/LeadPipe/internal/models"
	"github.com/ResiLeads/LeadPipe/internal/store"
	"github.com/google/uuid"
)

const (
	// StallDetectionDelay is how long a conversation may sit without agent
	// contact before the follow-up prompt goes out. Distinct from the
	// engine's completion quiet period.
	StallDetectionDelay = 45 * time.Minute
	// DefaultSweepInterval is the recommended sweep cadence.
	DefaultSweepInterval = 5 * time.Minute
)

const (
	promptText     = "Has one of our agents been in touch with you yet?"
	promptYesTitle = "Yes"
	promptNoTitle  = "Not yet"
)

// Sweeper runs the periodic stalled-conversation sweep. It shares the
// engine's keyed mutex so a sweep never races a live turn on the same
// record.
type Sweeper struct {
	store      store.Store
	sender     messaging.Sender
	locks      *flow.KeyedMutex
	stallDelay time.Duration
	now        func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithStallDelay overrides the stall detection delay.
func WithStallDelay(d time.Duration) Option {
	return func(s *Sweeper) { s.stallDelay = d }
}

// WithClock overrides the sweeper's time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// NewSweeper creates a Sweeper.
func NewSweeper(st store.Store, sender messaging.Sender, locks *flow.KeyedMutex, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:      st,
		sender:     sender,
		locks:      locks,
		stallDelay: StallDetectionDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep selects stalled conversations and sends the follow-up prompt to
// each. Per-record failures are logged and skipped; they never abort the
// sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.stallDelay)
	recs, err := s.store.ListStalledConversations(cutoff)
	if err != nil {
		slog.Error("Sweeper selection failed", "error", err)
		return
	}
	if len(recs) == 0 {
		slog.Debug("Sweeper found no stalled conversations")
		return
	}
	slog.Info("Sweeper processing stalled conversations", "count", len(recs))
	for _, rec := range recs {
		s.sweepOne(ctx, rec)
	}
}

// sweepOne sends the follow-up prompt to one record. The followUpSent flag
// is set before the send so overlapping sweeps cannot double-prompt.
func (s *Sweeper) sweepOne(ctx context.Context, rec models.ConversationRecord) {
	unlock := s.locks.Lock(flow.ConversationKey(rec.CustomerPhone, rec.BusinessNumberID))
	defer unlock()

	// Re-read under the lock; a live turn or an overlapping sweep may have
	// claimed the record since selection.
	fresh, err := s.store.GetActiveConversation(rec.CustomerPhone, rec.BusinessNumberID)
	if err != nil {
		slog.Error("Sweeper record reload failed", "error", err, "customer", rec.CustomerPhone)
		return
	}
	if fresh == nil || fresh.ID != rec.ID || fresh.FollowUpSent || fresh.AgentContacted {
		slog.Debug("Sweeper record no longer eligible", "customer", rec.CustomerPhone, "id", rec.ID)
		return
	}

	ch, err := s.store.GetChannel(rec.BusinessNumberID)
	if err != nil || ch == nil {
		slog.Warn("Sweeper cannot resolve channel, skipping record",
			"error", err, "business_number", rec.BusinessNumberID, "customer", rec.CustomerPhone)
		return
	}

	now := s.now()
	fresh.FollowUpSent = true
	fresh.FollowUpSentAt = &now
	fresh.UpdatedAt = now
	if err := s.store.UpdateConversation(*fresh); err != nil {
		slog.Error("Sweeper claim failed", "error", err, "id", fresh.ID)
		return
	}

	buttons := []models.Button{
		{ID: models.FollowUpYesID, Title: promptYesTitle},
		{ID: models.FollowUpNoID, Title: promptNoTitle},
	}
	providerID, err := s.sender.SendButtons(ctx, *ch, fresh.CustomerPhone, promptText, buttons)
	if err != nil {
		// The claim stands: at-least-once is acceptable, double-prompting
		// is not.
		slog.Error("Sweeper prompt send failed", "error", err, "customer", fresh.CustomerPhone)
		return
	}

	if err := s.store.LogOutboundMessage(models.OutboundMessage{
		ID:                uuid.NewString(),
		CustomerPhone:     fresh.CustomerPhone,
		BusinessNumberID:  fresh.BusinessNumberID,
		Body:              promptText,
		ProviderMessageID: providerID,
		SentAt:            now,
	}); err != nil {
		slog.Error("Sweeper outbound log failed", "error", err, "customer", fresh.CustomerPhone)
	}
	slog.Info("Sweeper follow-up prompt sent", "customer", fresh.CustomerPhone, "id", fresh.ID)
}
