// Package store provides storage backends for LeadPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/ResiLeads/LeadPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveFlow(flow models.FlowGraph) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow marshal failed", "error", err, "flow", flow.Name)
		return fmt.Errorf("failed to marshal flow %s: %w", flow.Name, err)
	}
	_, err = s.db.Exec(`INSERT INTO flows (name, definition, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		flow.Name, string(definition), time.Now())
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flow", flow.Name)
		return fmt.Errorf("failed to save flow %s: %w", flow.Name, err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flow", flow.Name)
	return nil
}

func (s *SQLiteStore) GetFlow(name string) (*models.FlowGraph, error) {
	var definition string
	err := s.db.QueryRow(`SELECT definition FROM flows WHERE name = ?`, name).Scan(&definition)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetFlow not found", "flow", name)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow query failed", "error", err, "flow", name)
		return nil, fmt.Errorf("failed to query flow %s: %w", name, err)
	}
	var flow models.FlowGraph
	if err := json.Unmarshal([]byte(definition), &flow); err != nil {
		slog.Error("SQLiteStore GetFlow unmarshal failed", "error", err, "flow", name)
		return nil, fmt.Errorf("failed to decode flow %s: %w", name, err)
	}
	slog.Debug("SQLiteStore GetFlow succeeded", "flow", name, "nodes", len(flow.Nodes))
	return &flow, nil
}

func (s *SQLiteStore) CreateConversation(rec models.ConversationRecord) error {
	_, err := s.db.Exec(`INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conversationArgs(rec)...)
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "customer", rec.CustomerPhone)
		return fmt.Errorf("failed to insert conversation for %s: %w", rec.CustomerPhone, err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "id", rec.ID, "customer", rec.CustomerPhone)
	return nil
}

func (s *SQLiteStore) UpdateConversation(rec models.ConversationRecord) error {
	args := conversationArgs(rec)
	// Reorder so the id lands in the WHERE clause.
	args = append(args[1:], rec.ID)
	_, err := s.db.Exec(`UPDATE conversations SET
		customer_phone = ?, business_number_id = ?, state = ?,
		name = ?, email = ?, budget = ?, bedrooms = ?, project_name = ?, page_url = ?,
		skip_name = ?, skip_email = ?, ended_at = ?, end_message_sent = ?,
		follow_up_sent = ?, follow_up_sent_at = ?, agent_contacted = ?,
		needs_immediate_attention = ?, archived = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		slog.Error("SQLiteStore UpdateConversation failed", "error", err, "id", rec.ID)
		return fmt.Errorf("failed to update conversation %s: %w", rec.ID, err)
	}
	slog.Debug("SQLiteStore UpdateConversation succeeded", "id", rec.ID, "state", rec.State)
	return nil
}

func (s *SQLiteStore) GetActiveConversation(customerPhone, businessNumberID string) (*models.ConversationRecord, error) {
	return s.getLatest(customerPhone, businessNumberID, `AND archived = 0`)
}

func (s *SQLiteStore) GetLatestConversation(customerPhone, businessNumberID string) (*models.ConversationRecord, error) {
	return s.getLatest(customerPhone, businessNumberID, ``)
}

func (s *SQLiteStore) getLatest(customerPhone, businessNumberID, filter string) (*models.ConversationRecord, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations
		WHERE customer_phone = ? AND business_number_id = ? `+filter+`
		ORDER BY created_at DESC LIMIT 1`, customerPhone, businessNumberID)
	rec, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore conversation lookup failed", "error", err, "customer", customerPhone, "business_number", businessNumberID)
		return nil, fmt.Errorf("failed to query conversation for %s: %w", customerPhone, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListStalledConversations(cutoff time.Time) ([]models.ConversationRecord, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations
		WHERE archived = 0 AND agent_contacted = 0 AND follow_up_sent = 0 AND created_at <= ?
		ORDER BY created_at ASC`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore ListStalledConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query stalled conversations: %w", err)
	}
	defer rows.Close()

	var out []models.ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListStalledConversations rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate stalled conversations: %w", err)
	}
	slog.Debug("SQLiteStore ListStalledConversations succeeded", "count", len(out))
	return out, nil
}

func (s *SQLiteStore) LogOutboundMessage(msg models.OutboundMessage) error {
	_, err := s.db.Exec(`INSERT INTO outbound_messages
		(id, customer_phone, business_number_id, node_id, body, provider_message_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.CustomerPhone, msg.BusinessNumberID, nilIfEmpty(msg.NodeID),
		nilIfEmpty(msg.Body), nilIfEmpty(msg.ProviderMessageID), msg.SentAt)
	if err != nil {
		slog.Error("SQLiteStore LogOutboundMessage failed", "error", err, "to", msg.CustomerPhone)
		return fmt.Errorf("failed to log outbound message to %s: %w", msg.CustomerPhone, err)
	}
	slog.Debug("SQLiteStore LogOutboundMessage succeeded", "to", msg.CustomerPhone, "node", msg.NodeID)
	return nil
}

func (s *SQLiteStore) GetOutboundMessages(customerPhone, businessNumberID string) ([]models.OutboundMessage, error) {
	rows, err := s.db.Query(`SELECT id, customer_phone, business_number_id, node_id, body, provider_message_id, sent_at
		FROM outbound_messages WHERE customer_phone = ? AND business_number_id = ? ORDER BY sent_at ASC`,
		customerPhone, businessNumberID)
	if err != nil {
		slog.Error("SQLiteStore GetOutboundMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query outbound messages: %w", err)
	}
	defer rows.Close()

	var out []models.OutboundMessage
	for rows.Next() {
		var m models.OutboundMessage
		var nodeID, body, providerID sql.NullString
		if err := rows.Scan(&m.ID, &m.CustomerPhone, &m.BusinessNumberID, &nodeID, &body, &providerID, &m.SentAt); err != nil {
			slog.Error("SQLiteStore GetOutboundMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan outbound message row: %w", err)
		}
		m.NodeID = nodeID.String
		m.Body = body.String
		m.ProviderMessageID = providerID.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbound message rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SaveChannel(ch models.Channel) error {
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO channels (business_number_id, access_token, flow_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(business_number_id) DO UPDATE SET
			access_token = excluded.access_token, flow_name = excluded.flow_name, updated_at = excluded.updated_at`,
		ch.BusinessNumberID, ch.AccessToken, nilIfEmpty(ch.FlowName), now, now)
	if err != nil {
		slog.Error("SQLiteStore SaveChannel failed", "error", err, "business_number", ch.BusinessNumberID)
		return fmt.Errorf("failed to save channel %s: %w", ch.BusinessNumberID, err)
	}
	slog.Debug("SQLiteStore SaveChannel succeeded", "business_number", ch.BusinessNumberID, "flow", ch.FlowName)
	return nil
}

func (s *SQLiteStore) GetChannel(businessNumberID string) (*models.Channel, error) {
	var ch models.Channel
	var flowName sql.NullString
	err := s.db.QueryRow(`SELECT business_number_id, access_token, flow_name, created_at, updated_at
		FROM channels WHERE business_number_id = ?`, businessNumberID).
		Scan(&ch.BusinessNumberID, &ch.AccessToken, &flowName, &ch.CreatedAt, &ch.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetChannel not found", "business_number", businessNumberID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetChannel query failed", "error", err, "business_number", businessNumberID)
		return nil, fmt.Errorf("failed to query channel %s: %w", businessNumberID, err)
	}
	ch.FlowName = flowName.String
	return &ch, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
