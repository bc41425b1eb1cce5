// Package actions provides the name-keyed action registry and its built-in
// handlers.
//
// Handlers are registered once at startup into an immutable lookup table;
// invoking an unregistered name is a hard error, never a silent no-op. A
// failing handler is retried with backoff up to a configured cap, and
// exhausting the cap escalates to a human handover — failures are never
// swallowed.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CedarLaneLabs/ChatterMill/internal/metrics"
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/CedarLaneLabs/ChatterMill/internal/notify"
	"github.com/CedarLaneLabs/ChatterMill/internal/store"
)

// Default retry policy for failing handlers.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 250 * time.Millisecond
)

// StaffNotificationTemplate is the template used for escalation notices.
const StaffNotificationTemplate = "staff_handover_alert"

// Result is the reported outcome of one action invocation. ContextAdditions
// are merged into the conversation context by the interpreter.
type Result struct {
	Success          bool
	ContextAdditions map[string]string
	// Payloads are user-visible outputs produced by the action (e.g. a
	// generated document). They flow through the outbound dispatcher like any
	// other message.
	Payloads []models.OutboundPayload
}

// Handler executes one named action against the conversation state.
type Handler interface {
	Name() string
	Execute(ctx context.Context, state *models.ConversationState, params map[string]string) (Result, error)
}

// Opts holds configuration options for the registry.
type Opts struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Option defines a configuration option for the registry.
type Option func(*Opts)

// WithMaxAttempts sets the total attempt cap (first try plus retries).
func WithMaxAttempts(n int) Option {
	return func(o *Opts) { o.MaxAttempts = n }
}

// WithBackoff sets the base delay between attempts.
func WithBackoff(d time.Duration) Option {
	return func(o *Opts) { o.Backoff = d }
}

// Registry maps action names to handlers. Populated once at startup; the
// lookup table is never mutated afterwards, so it is shared across workers
// without locking.
type Registry struct {
	handlers    map[string]Handler
	contacts    store.Store
	notifier    notify.Notifier
	staff       []string
	maxAttempts int
	backoff     time.Duration
}

// NewRegistry builds a registry with the given handlers. The contact store
// and notifier serve the escalation path; staff lists the notification
// recipients for handover alerts.
func NewRegistry(contacts store.Store, notifier notify.Notifier, staff []string, handlers []Handler, opts ...Option) (*Registry, error) {
	cfg := Opts{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
	for _, opt := range opts {
		opt(&cfg)
	}

	table := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		if _, dup := table[h.Name()]; dup {
			return nil, fmt.Errorf("duplicate action handler %q", h.Name())
		}
		table[h.Name()] = h
	}
	slog.Info("actions.NewRegistry: handlers registered", "count", len(table), "maxAttempts", cfg.MaxAttempts)
	return &Registry{
		handlers:    table,
		contacts:    contacts,
		notifier:    notifier,
		staff:       staff,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}, nil
}

// Has reports whether a handler is registered for the name.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Invoke runs the named handler with retries. On retry exhaustion it converts
// the failure into an implicit human handover and returns a Result carrying
// the generic apology payload; the wrapped error is ErrActionExecutionFailed.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]string, state *models.ConversationState) (Result, error) {
	handler, ok := r.handlers[name]
	if !ok {
		slog.Error("Registry.Invoke: unregistered action", "action", name)
		metrics.ActionInvocations.WithLabelValues(name, "unknown").Inc()
		return Result{}, fmt.Errorf("action %q: %w", name, models.ErrUnknownAction)
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		res, err := handler.Execute(ctx, state, params)
		if err == nil {
			metrics.ActionInvocations.WithLabelValues(name, "ok").Inc()
			return res, nil
		}
		lastErr = err
		slog.Warn("Registry.Invoke: handler attempt failed", "action", name, "attempt", attempt, "error", err)
		if errors.Is(err, context.Canceled) {
			break
		}
		if attempt < r.maxAttempts {
			select {
			case <-time.After(r.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = r.maxAttempts
			}
		}
	}

	metrics.ActionInvocations.WithLabelValues(name, "failed").Inc()
	r.escalate(ctx, name, state, lastErr)
	return Result{
		Success:  false,
		Payloads: []models.OutboundPayload{models.FreeText(GenericApology)},
	}, fmt.Errorf("action %q exhausted %d attempts: %w (last: %v)", name, r.maxAttempts, models.ErrActionExecutionFailed, lastErr)
}

// GenericApology is the user-visible fallback after a failed action. Raw
// error detail never reaches the contact.
const GenericApology = "Sorry, something went wrong on our side. A member of our team will follow up with you shortly."

// escalate performs the implicit RequestHumanHandover after retry
// exhaustion: flag the contact, notify staff, log.
func (r *Registry) escalate(ctx context.Context, actionName string, state *models.ConversationState, cause error) {
	reason := "action_failed:" + actionName
	metrics.Handovers.WithLabelValues(reason).Inc()

	contact, err := r.contacts.GetContact(state.ContactID)
	if err != nil || contact == nil {
		slog.Error("Registry.escalate: failed to load contact", "error", err, "contactID", state.ContactID)
	} else {
		contact.NeedsHumanHandover = true
		contact.UpdatedAt = time.Now()
		if err := r.contacts.SaveContact(*contact); err != nil {
			slog.Error("Registry.escalate: failed to flag contact", "error", err, "contactID", state.ContactID)
		}
	}

	notifCtx := map[string]string{
		"contact_id": state.ContactID,
		"reason":     reason,
	}
	if cause != nil {
		notifCtx["detail"] = cause.Error()
	}
	if _, err := r.notifier.Enqueue(ctx, StaffNotificationTemplate, r.staff, notifCtx); err != nil {
		slog.Error("Registry.escalate: staff notification failed", "error", err, "contactID", state.ContactID, "reason", reason)
	}
	slog.Error("Registry.escalate: action escalated to human handover", "action", actionName, "contactID", state.ContactID, "cause", cause)
}
