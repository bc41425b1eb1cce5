// Package models defines conversation state structures for ChatterMill.
package models

import "time"

// ConversationState is the single mutable record the engine keeps per contact.
// Exactly one live state exists per contact; it is created on the first
// inbound event, mutated on every processed event, and reset (not deleted) on
// an explicit restart.
type ConversationState struct {
	ContactID       string    `json:"contact_id"`
	FlowID          string    `json:"flow_id"`
	FlowVersion     int       `json:"flow_version"`
	StepID          string    `json:"step_id"`
	Context         *Context  `json:"context"`
	Mode            Mode      `json:"mode"`
	LastInboundAt   time.Time `json:"last_inbound_at"`
	WindowExpiresAt time.Time `json:"window_expires_at"`
	// Version is the optimistic-concurrency counter; every committed write
	// checks and increments it.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WindowOpen reports whether a free-form send is permitted at the given
// instant. The boundary is inclusive-closed: a send at exactly the expiry
// timestamp is outside the window.
func (s *ConversationState) WindowOpen(now time.Time) bool {
	if s.WindowExpiresAt.IsZero() {
		return false
	}
	return now.Before(s.WindowExpiresAt)
}

// TouchInbound records a newly admitted inbound event, reopening the
// messaging window for the configured duration.
func (s *ConversationState) TouchInbound(at time.Time, window time.Duration) {
	s.LastInboundAt = at
	s.WindowExpiresAt = at.Add(window)
}

// ReturnFrame is one entry of the subflow return stack held in context.
type ReturnFrame struct {
	FlowID      string `json:"flow_id"`
	FlowVersion int    `json:"flow_version"`
	StepID      string `json:"step_id"`
}
