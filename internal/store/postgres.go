// Package store provides storage backends for LeadPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/ResiLeads/LeadPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveFlow(flow models.FlowGraph) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		slog.Error("PostgresStore SaveFlow marshal failed", "error", err, "flow", flow.Name)
		return fmt.Errorf("failed to marshal flow %s: %w", flow.Name, err)
	}
	_, err = s.db.Exec(`INSERT INTO flows (name, definition, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		flow.Name, string(definition), time.Now())
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flow", flow.Name)
		return fmt.Errorf("failed to save flow %s: %w", flow.Name, err)
	}
	slog.Debug("PostgresStore SaveFlow succeeded", "flow", flow.Name)
	return nil
}

func (s *PostgresStore) GetFlow(name string) (*models.FlowGraph, error) {
	var definition string
	err := s.db.QueryRow(`SELECT definition FROM flows WHERE name = $1`, name).Scan(&definition)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetFlow not found", "flow", name)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow query failed", "error", err, "flow", name)
		return nil, fmt.Errorf("failed to query flow %s: %w", name, err)
	}
	var flow models.FlowGraph
	if err := json.Unmarshal([]byte(definition), &flow); err != nil {
		slog.Error("PostgresStore GetFlow unmarshal failed", "error", err, "flow", name)
		return nil, fmt.Errorf("failed to decode flow %s: %w", name, err)
	}
	return &flow, nil
}

func (s *PostgresStore) CreateConversation(rec models.ConversationRecord) error {
	_, err := s.db.Exec(`INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		conversationArgs(rec)...)
	if err != nil {
		slog.Error("PostgresStore CreateConversation failed", "error", err, "customer", rec.CustomerPhone)
		return fmt.Errorf("failed to insert conversation for %s: %w", rec.CustomerPhone, err)
	}
	slog.Debug("PostgresStore CreateConversation succeeded", "id", rec.ID, "customer", rec.CustomerPhone)
	return nil
}

func (s *PostgresStore) UpdateConversation(rec models.ConversationRecord) error {
	args := conversationArgs(rec)
	args = append(args[1:], rec.ID)
	_, err := s.db.Exec(`UPDATE conversations SET
		customer_phone = $1, business_number_id = $2, state = $3,
		name = $4, email = $5, budget = $6, bedrooms = $7, project_name = $8, page_url = $9,
		skip_name = $10, skip_email = $11, ended_at = $12, end_message_sent = $13,
		follow_up_sent = $14, follow_up_sent_at = $15, agent_contacted = $16,
		needs_immediate_attention = $17, archived = $18, created_at = $19, updated_at = $20
		WHERE id = $21`, args...)
	if err != nil {
		slog.Error("PostgresStore UpdateConversation failed", "error", err, "id", rec.ID)
		return fmt.Errorf("failed to update conversation %s: %w", rec.ID, err)
	}
	slog.Debug("PostgresStore UpdateConversation succeeded", "id", rec.ID, "state", rec.State)
	return nil
}

func (s *PostgresStore) GetActiveConversation(customerPhone, businessNumberID string) (*models.ConversationRecord, error) {
	return s.getLatest(customerPhone, businessNumberID, `AND archived = FALSE`)
}

func (s *PostgresStore) GetLatestConversation(customerPhone, businessNumberID string) (*models.ConversationRecord, error) {
	return s.getLatest(customerPhone, businessNumberID, ``)
}

func (s *PostgresStore) getLatest(customerPhone, businessNumberID, filter string) (*models.ConversationRecord, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations
		WHERE customer_phone = $1 AND business_number_id = $2 `+filter+`
		ORDER BY created_at DESC LIMIT 1`, customerPhone, businessNumberID)
	rec, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore conversation lookup failed", "error", err, "customer", customerPhone, "business_number", businessNumberID)
		return nil, fmt.Errorf("failed to query conversation for %s: %w", customerPhone, err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListStalledConversations(cutoff time.Time) ([]models.ConversationRecord, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+` FROM conversations
		WHERE archived = FALSE AND agent_contacted = FALSE AND follow_up_sent = FALSE AND created_at <= $1
		ORDER BY created_at ASC`, cutoff)
	if err != nil {
		slog.Error("PostgresStore ListStalledConversations query failed", "error", err)
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
		slog.Error("PostgresStore ListStalledConversations rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate stalled conversations: %w", err)
	}
	slog.Debug("PostgresStore ListStalledConversations succeeded", "count", len(out))
	return out, nil
}

func (s *PostgresStore) LogOutboundMessage(msg models.OutboundMessage) error {
	_, err := s.db.Exec(`INSERT INTO outbound_messages
		(id, customer_phone, business_number_id, node_id, body, provider_message_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.CustomerPhone, msg.BusinessNumberID, nilIfEmpty(msg.NodeID),
		nilIfEmpty(msg.Body), nilIfEmpty(msg.ProviderMessageID), msg.SentAt)
	if err != nil {
		slog.Error("PostgresStore LogOutboundMessage failed", "error", err, "to", msg.CustomerPhone)
		return fmt.Errorf("failed to log outbound message to %s: %w", msg.CustomerPhone, err)
	}
	return nil
}

func (s *PostgresStore) GetOutboundMessages(customerPhone, businessNumberID string) ([]models.OutboundMessage, error) {
	rows, err := s.db.Query(`SELECT id, customer_phone, business_number_id, node_id, body, provider_message_id, sent_at
		FROM outbound_messages WHERE customer_phone = $1 AND business_number_id = $2 ORDER BY sent_at ASC`,
		customerPhone, businessNumberID)
	if err != nil {
		slog.Error("PostgresStore GetOutboundMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query outbound messages: %w", err)
	}
	defer rows.Close()

	var out []models.OutboundMessage
	for rows.Next() {
		var m models.OutboundMessage
		var nodeID, body, providerID sql.NullString
		if err := rows.Scan(&m.ID, &m.CustomerPhone, &m.BusinessNumberID, &nodeID, &body, &providerID, &m.SentAt); err != nil {
			slog.Error("PostgresStore GetOutboundMessages scan failed", "error", err)
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

func (s *PostgresStore) SaveChannel(ch models.Channel) error {
	now := time.Now()
	_, err := s.db.Exec(`INSERT INTO channels (business_number_id, access_token, flow_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (business_number_id) DO UPDATE SET
			access_token = EXCLUDED.access_token, flow_name = EXCLUDED.flow_name, updated_at = EXCLUDED.updated_at`,
		ch.BusinessNumberID, ch.AccessToken, nilIfEmpty(ch.FlowName), now, now)
	if err != nil {
		slog.Error("PostgresStore SaveChannel failed", "error", err, "business_number", ch.BusinessNumberID)
		return fmt.Errorf("failed to save channel %s: %w", ch.BusinessNumberID, err)
	}
	return nil
}

func (s *PostgresStore) GetChannel(businessNumberID string) (*models.Channel, error) {
	var ch models.Channel
	var flowName sql.NullString
	err := s.db.QueryRow(`SELECT business_number_id, access_token, flow_name, created_at, updated_at
		FROM channels WHERE business_number_id = $1`, businessNumberID).
		Scan(&ch.BusinessNumberID, &ch.AccessToken, &flowName, &ch.CreatedAt, &ch.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetChannel not found", "business_number", businessNumberID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetChannel query failed", "error", err, "business_number", businessNumberID)
		return nil, fmt.Errorf("failed to query channel %s: %w", businessNumberID, err)
	}
	ch.FlowName = flowName.String
	return &ch, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
