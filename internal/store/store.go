// Package store provides storage backends for LeadPipe.
//
// It persists flow definitions, conversation records, the outbound message
// log, and business-number channel credentials. SQLite and PostgreSQL
// backends are provided, plus an in-memory store for tests.
package store

import (
	"time"

	"github.com/ResiLeads/LeadPipe/internal/models"
)

// Store is the persistence contract shared by all backends.
type Store interface {
	// SaveFlow stores or replaces a flow definition by name.
	SaveFlow(flow models.FlowGraph) error
	// GetFlow retrieves a flow definition by name. Returns nil when absent.
	GetFlow(name string) (*models.FlowGraph, error)

	// CreateConversation inserts a new conversation record.
	CreateConversation(rec models.ConversationRecord) error
	// UpdateConversation replaces an existing conversation record by id.
	UpdateConversation(rec models.ConversationRecord) error
	// GetActiveConversation returns the most recent non-archived record for
	// the (customer, business number) key, or nil when none exists.
	GetActiveConversation(customerPhone, businessNumberID string) (*models.ConversationRecord, error)
	// GetLatestConversation returns the most recent record for the key
	// regardless of archival, or nil. Used to seed skip flags.
	GetLatestConversation(customerPhone, businessNumberID string) (*models.ConversationRecord, error)
	// ListStalledConversations returns non-archived records with no agent
	// contact and no follow-up sent, created at or before the cutoff.
	ListStalledConversations(cutoff time.Time) ([]models.ConversationRecord, error)

	// LogOutboundMessage records a sent message with its provider id.
	LogOutboundMessage(msg models.OutboundMessage) error
	// GetOutboundMessages returns the send log for a conversation key,
	// oldest first.
	GetOutboundMessages(customerPhone, businessNumberID string) ([]models.OutboundMessage, error)

	// SaveChannel stores or replaces a business-number channel.
	SaveChannel(ch models.Channel) error
	// GetChannel retrieves a channel by business phone-number id.
	GetChannel(businessNumberID string) (*models.Channel, error)

	// Close releases the backend's resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite, a
	// connection URL for PostgreSQL.
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}
