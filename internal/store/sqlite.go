// Package store provides storage backends for ChatterMill.
//
// This file implements the SQLite-backed store.
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

	_ "github.com/mattn/go-sqlite3"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/google/uuid"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store, DedupRepo, and PendingRepo on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store       = (*SQLiteStore)(nil)
	_ DedupRepo   = (*SQLiteStore)(nil)
	_ PendingRepo = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path; the parent directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore ready", "path", cfg.DSN)
	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetContact(id string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.QueryRow(
		`SELECT id, mode, needs_human_handover, active, created_at, updated_at FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.Mode, &c.NeedsHumanHandover, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query contact %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) SaveContact(c models.Contact) error {
	_, err := s.db.Exec(
		`INSERT INTO contacts (id, mode, needs_human_handover, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET mode = excluded.mode,
		   needs_human_handover = excluded.needs_human_handover,
		   active = excluded.active, updated_at = excluded.updated_at`,
		c.ID, c.Mode, c.NeedsHumanHandover, c.Active, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "contactID", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetConversationState(contactID string) (*models.ConversationState, error) {
	var state models.ConversationState
	var contextJSON sql.NullString
	var lastInbound, windowExpires sql.NullTime
	err := s.db.QueryRow(
		`SELECT contact_id, flow_id, flow_version, step_id, context_json, mode,
		        last_inbound_at, window_expires_at, version, created_at, updated_at
		 FROM conversation_states WHERE contact_id = ?`, contactID,
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
			slog.Error("SQLiteStore GetConversationState context decode failed", "error", err, "contactID", contactID)
			return nil, fmt.Errorf("failed to decode context for %s: %w", contactID, err)
		}
	}
	return &state, nil
}

func (s *SQLiteStore) CreateConversationState(state models.ConversationState) error {
	contextJSON, err := encodeContext(state.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversation_states
		 (contact_id, flow_id, flow_version, step_id, context_json, mode,
		  last_inbound_at, window_expires_at, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		state.ContactID, state.FlowID, state.FlowVersion, state.StepID, contextJSON, state.Mode,
		state.LastInboundAt, state.WindowExpiresAt, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateConversationState failed", "error", err, "contactID", state.ContactID)
		return fmt.Errorf("failed to create conversation state for %s: %w", state.ContactID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateConversationState(state models.ConversationState) error {
	contextJSON, err := encodeContext(state.Context)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE conversation_states
		 SET flow_id = ?, flow_version = ?, step_id = ?, context_json = ?, mode = ?,
		     last_inbound_at = ?, window_expires_at = ?, version = version + 1, updated_at = ?
		 WHERE contact_id = ? AND version = ?`,
		state.FlowID, state.FlowVersion, state.StepID, contextJSON, state.Mode,
		state.LastInboundAt, state.WindowExpiresAt, time.Now(),
		state.ContactID, state.Version,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateConversationState failed", "error", err, "contactID", state.ContactID)
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
		slog.Warn("SQLiteStore UpdateConversationState version conflict", "contactID", state.ContactID, "expected", state.Version, "stored", existing.Version)
		return models.ErrVersionConflict
	}
	return nil
}

// DedupRepo implementation.

func (s *SQLiteStore) RecordInbound(eventID, contactID string) (bool, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (event_id, contact_id, received_at) VALUES (?, ?, ?)`,
		eventID, contactID, now,
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound result failed: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// Re-admit a stale in-flight record (admitted, never processed, release
	// missed due to a crash) once the grace period has elapsed.
	res, err = s.db.Exec(
		`UPDATE inbound_dedup SET contact_id = ?, received_at = ?
		 WHERE event_id = ? AND processed_at IS NULL AND received_at < ?`,
		contactID, now, eventID, now.Add(-DedupInFlightGrace),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound readmit failed: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound readmit result failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(eventID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE event_id = ?`, time.Now(), eventID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseInbound(eventID string) error {
	_, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE event_id = ? AND processed_at IS NULL`, eventID)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneDedupBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff)
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

func (s *SQLiteStore) EnqueuePending(contactID, payloadJSON string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO pending_sends (id, contact_id, payload_json, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, 'queued', 0, ?, ?)`,
		id, contactID, payloadJSON, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue pending send failed: %w", err)
	}
	slog.Debug("SQLiteStore EnqueuePending succeeded", "id", id, "contactID", contactID)
	return id, nil
}

func (s *SQLiteStore) ClaimPendingForContact(contactID string, limit int) ([]PendingMessage, error) {
	now := time.Now()
	rows, err := s.db.Query(
		`SELECT id, contact_id, payload_json, status, attempts, locked_at, last_error, created_at, updated_at
		 FROM pending_sends WHERE contact_id = ? AND status = 'queued'
		 ORDER BY created_at ASC LIMIT ?`, contactID, limit)
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

	for i := range msgs {
		if _, err := s.db.Exec(
			`UPDATE pending_sends SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, msgs[i].ID,
		); err != nil {
			return nil, fmt.Errorf("claim pending update failed: %w", err)
		}
		msgs[i].Status = PendingStatusSending
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkPendingSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE pending_sends SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("mark pending sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailPending(id string, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE pending_sends SET status = 'queued', locked_at = NULL, attempts = attempts + 1,
		 last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("fail pending failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleSending(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE pending_sends SET status = 'queued', locked_at = NULL, updated_at = ?
		 WHERE status = 'sending' AND locked_at < ?`,
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
