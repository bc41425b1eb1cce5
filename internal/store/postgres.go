// Package store provides storage backends for ChatterMill.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store, DedupRepo, and PendingRepo on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var (
	_ Store       = (*PostgresStore)(nil)
	_ DedupRepo   = (*PostgresStore)(nil)
	_ PendingRepo = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore ready")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetContact(id string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.QueryRow(
		`SELECT id, mode, needs_human_handover, active, created_at, updated_at FROM contacts WHERE id = $1`, id,
	).Scan(&c.ID, &c.Mode, &c.NeedsHumanHandover, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query contact %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) SaveContact(c models.Contact) error {
	_, err := s.db.Exec(
		`INSERT INTO contacts (id, mode, needs_human_handover, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET mode = EXCLUDED.mode,
		   needs_human_handover = EXCLUDED.needs_human_handover,
		   active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		c.ID, c.Mode, c.NeedsHumanHandover, c.Active, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "contactID", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetConversationState(contactID string) (*models.ConversationState, error) {
	var state models.ConversationState
	var contextJSON sql.NullString
	var lastInbound, windowExpires sql.NullTime
	err := s.db.QueryRow(
		`SELECT contact_id, flow_id, flow_version, step_id, context_json, mode,
		        last_inbound_at, window_expires_at, version, created_at, updated_at
		 FROM conversation_states WHERE contact_id = $1`, contactID,
	).Scan(&state.ContactID, &state.FlowID, &state.FlowVersion, &state.StepID, &contextJSON,
		&state.Mode, &lastInbound, &windowExpires, &state.Version, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation state for %s: %w", contactID, err)
	}
	if lastInbound.Valid {
		state.LastInboundAt = lastInbound.Time
	}
	if windowExpires.Valid {
		state.WindowExpiresAt = windowExpires.Time
	}
	state.Context = models.NewContext()
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), state.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context for %s: %w", contactID, err)
		}
	}
	return &state, nil
}

func (s *PostgresStore) CreateConversationState(state models.ConversationState) error {
	contextJSON, err := encodeContext(state.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversation_states
		 (contact_id, flow_id, flow_version, step_id, context_json, mode,
		  last_inbound_at, window_expires_at, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)`,
		state.ContactID, state.FlowID, state.FlowVersion, state.StepID, contextJSON, state.Mode,
		state.LastInboundAt, state.WindowExpiresAt, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateConversationState failed", "error", err, "contactID", state.ContactID)
		return fmt.Errorf("failed to create conversation state for %s: %w", state.ContactID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateConversationState(state models.ConversationState) error {
	contextJSON, err := encodeContext(state.Context)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE conversation_states
		 SET flow_id = $1, flow_version = $2, step_id = $3, context_json = $4, mode = $5,
		     last_inbound_at = $6, window_expires_at = $7, version = version + 1, updated_at = $8
		 WHERE contact_id = $9 AND version = $10`,
		state.FlowID, state.FlowVersion, state.StepID, contextJSON, state.Mode,
		state.LastInboundAt, state.WindowExpiresAt, time.Now(),
		state.ContactID, state.Version,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateConversationState failed", "error", err, "contactID", state.ContactID)
		return fmt.Errorf("failed to update conversation state for %s: %w", state.ContactID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for %s: %w", state.ContactID, err)
	}
	if n == 0 {
		existing, err := s.GetConversationState(state.ContactID)
		if err != nil {
			return err
		}
		if existing == nil {
			return models.ErrStateNotFound
		}
		slog.Warn("PostgresStore UpdateConversationState version conflict", "contactID", state.ContactID, "expected", state.Version, "stored", existing.Version)
		return models.ErrVersionConflict
	}
	return nil
}

// DedupRepo implementation.

func (s *PostgresStore) RecordInbound(eventID, contactID string) (bool, error) {
	now := time.Now()
	// The conditional upsert re-admits stale in-flight records (admitted,
	// never processed, release missed due to a crash) after the grace period.
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (event_id, contact_id, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO UPDATE
		 SET contact_id = EXCLUDED.contact_id, received_at = EXCLUDED.received_at
		 WHERE inbound_dedup.processed_at IS NULL AND inbound_dedup.received_at < $4`,
		eventID, contactID, now, now.Add(-DedupInFlightGrace),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound result failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(eventID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE event_id = $2`, time.Now(), eventID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseInbound(eventID string) error {
	_, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE event_id = $1 AND processed_at IS NULL`, eventID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PruneDedupBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune dedup failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune dedup result failed: %w", err)
	}
	return int(n), nil
}

// PendingRepo implementation.

func (s *PostgresStore) EnqueuePending(contactID, payloadJSON string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO pending_sends (id, contact_id, payload_json, status, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, 'queued', 0, $4, $5)`,
		id, contactID, payloadJSON, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue pending send failed: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ClaimPendingForContact(contactID string, limit int) ([]PendingMessage, error) {
	now := time.Now()
	rows, err := s.db.Query(
		`UPDATE pending_sends SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM pending_sends
		   WHERE contact_id = $2 AND status = 'queued'
		   ORDER BY created_at ASC LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, contact_id, payload_json, status, attempts, locked_at, last_error, created_at, updated_at`,
		now, contactID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending query failed: %w", err)
	}
	defer rows.Close()

	var msgs []PendingMessage
	for rows.Next() {
		m, err := scanPendingMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim pending rows failed: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) MarkPendingSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE pending_sends SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark pending sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailPending(id string, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE pending_sends SET status = 'queued', locked_at = NULL, attempts = attempts + 1,
		 last_error = $1, updated_at = $2 WHERE id = $3`,
		errMsg, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail pending failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE pending_sends SET status = 'queued', locked_at = NULL, updated_at = $1
		 WHERE status = 'sending' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale sending failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue stale result failed: %w", err)
	}
	return int(n), nil
}
