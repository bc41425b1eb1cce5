// Package models defines the error taxonomy shared across ChatterMill modules.
package models

import "errors"

// Engine error kinds. Callers classify failures with errors.Is; raw detail is
// only ever logged, never shown to the contact.
var (
	// ErrUnknownStep indicates a persisted state references a step id that does
	// not exist in the active flow definition version.
	ErrUnknownStep = errors.New("unknown step")

	// ErrInvalidTransition indicates a transition rule resolved to a step that
	// cannot be entered from the current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnknownAction indicates an action name with no registered handler.
	ErrUnknownAction = errors.New("unknown action")

	// ErrActionExecutionFailed indicates an action handler failed after
	// exhausting its retry budget.
	ErrActionExecutionFailed = errors.New("action execution failed")

	// ErrWindowExpired indicates a free-text send was attempted outside the
	// provider messaging window.
	ErrWindowExpired = errors.New("messaging window expired")

	// ErrMalformedControlToken indicates a control token could not be parsed.
	// Recoverable; never surfaces past the token parser.
	ErrMalformedControlToken = errors.New("malformed control token")

	// ErrVersionConflict indicates an optimistic-concurrency write raced with
	// another writer for the same conversation state.
	ErrVersionConflict = errors.New("concurrent modification conflict")

	// ErrTimeout indicates a collaborator call exceeded its configured bound.
	ErrTimeout = errors.New("collaborator timeout")

	// ErrHandoverActive indicates automated processing is suspended for a
	// contact pending human intervention.
	ErrHandoverActive = errors.New("human handover active")

	// ErrStateNotFound indicates no conversation state exists for a contact.
	ErrStateNotFound = errors.New("conversation state not found")

	// ErrContactNotFound indicates no contact record exists for an id.
	ErrContactNotFound = errors.New("contact not found")
)
