// Package store provides storage backends for LeadPipe.
//
// This file implements an in-memory store used in tests and local
// development.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/ResiLeads/LeadPipe/internal/models"
)

// InMemoryStore is a mutex-guarded map-backed Store.
type InMemoryStore struct {
	mu            sync.RWMutex
	flows         map[string]models.FlowGraph
	conversations []models.ConversationRecord
	outbound      []models.OutboundMessage
	channels      map[string]models.Channel
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]models.FlowGraph),
		channels: make(map[string]models.Channel),
	}
}

func (s *InMemoryStore) SaveFlow(flow models.FlowGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.Name] = flow
	return nil
}

func (s *InMemoryStore) GetFlow(name string) (*models.FlowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[name]
	if !ok {
		return nil, nil
	}
	return &flow, nil
}

func (s *InMemoryStore) CreateConversation(rec models.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append(s.conversations, rec)
	return nil
}

func (s *InMemoryStore) UpdateConversation(rec models.ConversationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == rec.ID {
			s.conversations[i] = rec
			return nil
		}
	}
	s.conversations = append(s.conversations, rec)
	return nil
}

func (s *InMemoryStore) GetActiveConversation(customerPhone, businessNumberID string) (*models.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest(customerPhone, businessNumberID, false), nil
}

func (s *InMemoryStore) GetLatestConversation(customerPhone, businessNumberID string) (*models.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest(customerPhone, businessNumberID, true), nil
}

// latest returns the most recently created matching record. Callers hold the
// lock.
func (s *InMemoryStore) latest(customerPhone, businessNumberID string, includeArchived bool) *models.ConversationRecord {
	var best *models.ConversationRecord
	for i := range s.conversations {
		r := &s.conversations[i]
		if r.CustomerPhone != customerPhone || r.BusinessNumberID != businessNumberID {
			continue
		}
		if r.Archived && !includeArchived {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	copied := *best
	return &copied
}

func (s *InMemoryStore) ListStalledConversations(cutoff time.Time) ([]models.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationRecord
	for _, r := range s.conversations {
		if r.Archived || r.AgentContacted || r.FollowUpSent {
			continue
		}
		if r.CreatedAt.After(cutoff) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) LogOutboundMessage(msg models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = append(s.outbound, msg)
	return nil
}

func (s *InMemoryStore) GetOutboundMessages(customerPhone, businessNumberID string) ([]models.OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OutboundMessage
	for _, m := range s.outbound {
		if m.CustomerPhone == customerPhone && m.BusinessNumberID == businessNumberID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveChannel(ch models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.BusinessNumberID] = ch
	return nil
}

func (s *InMemoryStore) GetChannel(businessNumberID string) (*models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[businessNumberID]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

func (s *InMemoryStore) Close() error { return nil }
