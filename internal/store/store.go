// Package store provides storage backends for ChatterMill.
//
// It persists contacts, conversation states (with optimistic concurrency),
// the inbound dedup window, and the pending-send queue. SQLite and PostgreSQL
// backends are selected by DSN; an in-memory store serves tests.
package store

import (
	"strings"
	"time"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// Store defines persistence for contacts and conversation states.
//
// UpdateConversationState is the only write with concurrency semantics: it
// checks the caller's version against the stored row and increments it in the
// same statement, returning models.ErrVersionConflict on a mismatch. It never
// silently overwrites.
type Store interface {
	GetContact(id string) (*models.Contact, error)
	SaveContact(c models.Contact) error

	GetConversationState(contactID string) (*models.ConversationState, error)
	CreateConversationState(state models.ConversationState) error
	UpdateConversationState(state models.ConversationState) error

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite file path DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". File paths and
// anything that is not recognizably a PostgreSQL connection string default to
// SQLite.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// DedupRecord represents an inbound event deduplication record.
type DedupRecord struct {
	EventID     string     `json:"event_id"`
	ContactID   string     `json:"contact_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupInFlightGrace is how long an admitted event may stay unprocessed
// before redelivery of its id is re-admitted. Covers crashes where the
// failed-turn release never ran.
const DedupInFlightGrace = 2 * time.Minute

// DedupRepo defines the interface for inbound event deduplication. The engine
// must be idempotent against redelivery of the same event id, but only for
// events that actually completed a turn: admission alone must not consume the
// id, or a failed turn would swallow the contact's message forever.
type DedupRepo interface {
	// RecordInbound inserts a new inbound event record. Returns false if the
	// event was already recorded (duplicate). A record that was admitted but
	// never marked processed is re-admitted once it is older than
	// DedupInFlightGrace.
	RecordInbound(eventID, contactID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for an event, closing the
	// idempotency window: from here on the id is a duplicate for good.
	MarkProcessed(eventID string) error

	// ReleaseInbound removes an unprocessed admission record so provider
	// redelivery of the event id is re-admitted immediately. Called when a
	// turn fails after admission. A no-op for processed events.
	ReleaseInbound(eventID string) error

	// PruneDedupBefore deletes records received before the cutoff, keeping
	// the dedup window bounded. Returns the number of rows removed.
	PruneDedupBefore(cutoff time.Time) (int, error)
}

// PendingStatus represents the lifecycle state of a pending send.
type PendingStatus string

const (
	PendingStatusQueued  PendingStatus = "queued"
	PendingStatusSending PendingStatus = "sending"
	PendingStatusSent    PendingStatus = "sent"
	PendingStatusFailed  PendingStatus = "failed"
)

// PendingMessage is a durable outbound payload deferred by a closed messaging
// window, delivered once the window reopens.
type PendingMessage struct {
	ID          string        `json:"id"`
	ContactID   string        `json:"contact_id"`
	PayloadJSON string        `json:"payload_json"`
	Status      PendingStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	LockedAt    *time.Time    `json:"locked_at"`
	LastError   string        `json:"last_error"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// PendingRepo defines the interface for the window-deferred send queue.
type PendingRepo interface {
	// EnqueuePending inserts a deferred payload for a contact and returns its id.
	EnqueuePending(contactID, payloadJSON string) (string, error)

	// ClaimPendingForContact marks queued messages for the contact as sending
	// and returns them in enqueue order, up to limit.
	ClaimPendingForContact(contactID string, limit int) ([]PendingMessage, error)

	// MarkPendingSent marks a message as successfully delivered.
	MarkPendingSent(id string) error

	// FailPending records a delivery failure and requeues the message.
	FailPending(id string, errMsg string) error

	// RequeueStaleSending resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSending(staleBefore time.Time) (int, error)
}
