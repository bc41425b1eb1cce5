// Package dispatch enforces the messaging-window policy on every outbound
// send.
//
// All engine output funnels through the Dispatcher; nothing else calls the
// channel client's Send. Free-form text is only delivered inside an open
// window. When the window is closed the dispatcher substitutes an approved
// template if one is configured and supported by the channel, and otherwise
// defers the payload to the durable pending queue, flushed when the window
// reopens.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/CedarLaneLabs/ChatterMill/internal/messaging"
	"github.com/CedarLaneLabs/ChatterMill/internal/metrics"
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/CedarLaneLabs/ChatterMill/internal/store"
)

// DefaultFlushLimit caps how many deferred messages are delivered per window
// reopen.
const DefaultFlushLimit = 20

// DefaultStaleClaim is how long a pending message may sit in "sending" before
// startup recovery requeues it.
const DefaultStaleClaim = 5 * time.Minute

// templateChecker is implemented by channel clients that track their
// approved-template registry.
type templateChecker interface {
	HasTemplate(name string) bool
}

// Opts holds configuration options for the dispatcher.
type Opts struct {
	SubstituteTemplate string
	FlushLimit         int
	Now                func() time.Time
}

// Option defines a configuration option for the dispatcher.
type Option func(*Opts)

// WithSubstituteTemplate sets the approved template sent in place of free
// text when the window is closed. Empty disables substitution.
func WithSubstituteTemplate(name string) Option {
	return func(o *Opts) { o.SubstituteTemplate = name }
}

// WithFlushLimit caps deferred deliveries per flush.
func WithFlushLimit(n int) Option {
	return func(o *Opts) { o.FlushLimit = n }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Dispatcher applies window policy and routes payloads to the channel client
// or the pending queue.
type Dispatcher struct {
	channel    messaging.Service
	pending    store.PendingRepo
	substitute string
	flushLimit int
	now        func() time.Time
}

// NewDispatcher creates a dispatcher over the given channel client and
// pending queue.
func NewDispatcher(channel messaging.Service, pending store.PendingRepo, opts ...Option) *Dispatcher {
	cfg := Opts{FlushLimit: DefaultFlushLimit, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{
		channel:    channel,
		pending:    pending,
		substitute: cfg.SubstituteTemplate,
		flushLimit: cfg.FlushLimit,
		now:        cfg.Now,
	}
}

// Send delivers one payload for the contact under window policy. Template
// payloads always go out; free text and documents require an open window at
// the moment of the send decision.
func (d *Dispatcher) Send(ctx context.Context, state *models.ConversationState, payload models.OutboundPayload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("outbound payload for %s invalid: %w", state.ContactID, err)
	}

	if payload.Kind == models.PayloadTemplate || state.WindowOpen(d.now()) {
		return d.deliver(ctx, state.ContactID, payload)
	}

	// Window closed.
	if payload.Kind == models.PayloadFreeText && d.canSubstitute() {
		slog.Info("Dispatcher.Send: window closed, substituting template",
			"contactID", state.ContactID, "template", d.substitute)
		metrics.WindowSubstitutions.Inc()
		sub := models.Template(d.substitute, map[string]string{"contact_id": state.ContactID})
		return d.deliver(ctx, state.ContactID, sub)
	}
	return d.deferPayload(state.ContactID, payload)
}

func (d *Dispatcher) canSubstitute() bool {
	if d.substitute == "" {
		return false
	}
	if tc, ok := d.channel.(templateChecker); ok {
		return tc.HasTemplate(d.substitute)
	}
	return true
}

func (d *Dispatcher) deliver(ctx context.Context, contactID string, payload models.OutboundPayload) error {
	if err := d.channel.Send(ctx, contactID, payload); err != nil {
		return fmt.Errorf("send to %s failed: %w", contactID, err)
	}
	metrics.OutboundSends.WithLabelValues(string(payload.Kind)).Inc()
	return nil
}

func (d *Dispatcher) deferPayload(contactID string, payload models.OutboundPayload) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode deferred payload for %s: %w", contactID, err)
	}
	id, err := d.pending.EnqueuePending(contactID, string(encoded))
	if err != nil {
		return fmt.Errorf("defer payload for %s: %w", contactID, err)
	}
	metrics.WindowDeferrals.Inc()
	slog.Info("Dispatcher.Send: window closed, payload deferred",
		"contactID", contactID, "pendingID", id, "kind", payload.Kind, "cause", models.ErrWindowExpired)
	return nil
}

// FlushPending delivers deferred payloads for the contact in enqueue order.
// Called after an inbound event reopens the window. Delivery stops at the
// first failure; the failed message is requeued and the rest stay queued.
func (d *Dispatcher) FlushPending(ctx context.Context, contactID string) (int, error) {
	claimed, err := d.pending.ClaimPendingForContact(contactID, d.flushLimit)
	if err != nil {
		return 0, fmt.Errorf("claim pending for %s: %w", contactID, err)
	}
	sent := 0
	for _, msg := range claimed {
		var payload models.OutboundPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err != nil {
			slog.Error("Dispatcher.FlushPending: undecodable pending payload",
				"pendingID", msg.ID, "contactID", contactID, "error", err)
			if ferr := d.pending.FailPending(msg.ID, "undecodable payload: "+err.Error()); ferr != nil {
				slog.Error("Dispatcher.FlushPending: failed to record failure", "pendingID", msg.ID, "error", ferr)
			}
			continue
		}
		if err := d.deliver(ctx, contactID, payload); err != nil {
			if ferr := d.pending.FailPending(msg.ID, err.Error()); ferr != nil {
				slog.Error("Dispatcher.FlushPending: failed to requeue", "pendingID", msg.ID, "error", ferr)
			}
			return sent, err
		}
		if err := d.pending.MarkPendingSent(msg.ID); err != nil {
			slog.Error("Dispatcher.FlushPending: failed to mark sent", "pendingID", msg.ID, "error", err)
		}
		sent++
	}
	if sent > 0 {
		slog.Info("Dispatcher.FlushPending: deferred payloads delivered", "contactID", contactID, "count", sent)
	}
	return sent, nil
}

// RecoverStale requeues pending messages stuck in "sending" from a previous
// crashed run. Called once at startup.
func (d *Dispatcher) RecoverStale() (int, error) {
	n, err := d.pending.RequeueStaleSending(d.now().Add(-DefaultStaleClaim))
	if err != nil {
		return 0, fmt.Errorf("requeue stale pending sends: %w", err)
	}
	if n > 0 {
		slog.Warn("Dispatcher.RecoverStale: requeued stale sends", "count", n)
	}
	return n, nil
}
