// Package engine implements the conversation orchestration core: per-contact
// turn serialization, mode routing between the flow interpreter and the AI
// responder, idempotent event ingestion, and optimistic state persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CedarLaneLabs/ChatterMill/internal/actions"
	"github.com/CedarLaneLabs/ChatterMill/internal/dispatch"
	"github.com/CedarLaneLabs/ChatterMill/internal/flowdef"
	"github.com/CedarLaneLabs/ChatterMill/internal/genai"
	"github.com/CedarLaneLabs/ChatterMill/internal/messaging"
	"github.com/CedarLaneLabs/ChatterMill/internal/metrics"
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/CedarLaneLabs/ChatterMill/internal/store"
)

// Defaults for engine configuration.
const (
	// DefaultWindowDuration is the messaging-window length opened by each
	// inbound event.
	DefaultWindowDuration = 24 * time.Hour
	// DefaultExitKeyword returns the contact to the main menu from anywhere.
	DefaultExitKeyword = "menu"
)

// CatalogProvider supplies the product catalog excerpt for shopping-mode
// prompts.
type CatalogProvider func(ctx context.Context) (string, error)

// Opts holds configuration options for the engine.
type Opts struct {
	WindowDuration time.Duration
	ExitKeyword    string
	HistoryLimit   int
	MaxWorkers     int
	Prompts        map[models.Mode]string
	Catalog        CatalogProvider
	Now            func() time.Time
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithWindowDuration sets the messaging-window length.
func WithWindowDuration(d time.Duration) Option {
	return func(o *Opts) { o.WindowDuration = d }
}

// WithExitKeyword sets the reserved reset keyword (matched case-insensitively
// against the whole trimmed message).
func WithExitKeyword(kw string) Option {
	return func(o *Opts) { o.ExitKeyword = strings.ToLower(strings.TrimSpace(kw)) }
}

// WithHistoryLimit caps AI prompt history turns.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithMaxWorkers bounds concurrently processing contacts.
func WithMaxWorkers(n int) Option {
	return func(o *Opts) { o.MaxWorkers = n }
}

// WithSystemPrompt overrides the system prompt for an AI mode.
func WithSystemPrompt(mode models.Mode, prompt string) Option {
	return func(o *Opts) {
		if o.Prompts == nil {
			o.Prompts = make(map[models.Mode]string)
		}
		o.Prompts[mode] = prompt
	}
}

// WithCatalogProvider sets the shopping-mode catalog source.
func WithCatalogProvider(p CatalogProvider) Option {
	return func(o *Opts) { o.Catalog = p }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine orchestrates multi-turn conversations for all contacts.
type Engine struct {
	st         store.Store
	dedup      store.DedupRepo
	flows      *flowdef.Registry
	actions    *actions.Registry
	dispatcher *dispatch.Dispatcher
	completer  genai.Completer
	channel    messaging.Service
	guard      *contactGuard

	window       time.Duration
	exitKeyword  string
	historyLimit int
	prompts      map[models.Mode]string
	catalog      CatalogProvider
	now          func() time.Time
}

// New assembles the engine from its collaborators.
func New(st store.Store, dedup store.DedupRepo, flows *flowdef.Registry, reg *actions.Registry,
	dispatcher *dispatch.Dispatcher, completer genai.Completer, channel messaging.Service, opts ...Option) *Engine {
	cfg := Opts{
		WindowDuration: DefaultWindowDuration,
		ExitKeyword:    DefaultExitKeyword,
		HistoryLimit:   DefaultHistoryLimit,
		MaxWorkers:     DefaultMaxWorkers,
		Now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		st:           st,
		dedup:        dedup,
		flows:        flows,
		actions:      reg,
		dispatcher:   dispatcher,
		completer:    completer,
		channel:      channel,
		guard:        newContactGuard(cfg.MaxWorkers),
		window:       cfg.WindowDuration,
		exitKeyword:  cfg.ExitKeyword,
		historyLimit: cfg.HistoryLimit,
		prompts:      cfg.Prompts,
		catalog:      cfg.Catalog,
		now:          cfg.Now,
	}
}

// Run consumes inbound events from the channel client until ctx is canceled,
// then waits for in-flight turns to finish. Crash-stale pending sends are
// requeued before the first event is admitted.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.dispatcher.RecoverStale(); err != nil {
		return fmt.Errorf("startup pending recovery: %w", err)
	}
	slog.Info("Engine.Run: consuming inbound events", "exitKeyword", e.exitKeyword, "window", e.window)
	for {
		select {
		case <-ctx.Done():
			e.guard.wait()
			return ctx.Err()
		case evt, ok := <-e.channel.Events():
			if !ok {
				e.guard.wait()
				return nil
			}
			e.Submit(ctx, evt)
		}
	}
}

// Submit admits one inbound event into the per-contact serialization guard.
// Events for the same contact process strictly in admission order; distinct
// contacts proceed in parallel.
func (e *Engine) Submit(ctx context.Context, evt models.InboundEvent) {
	e.guard.submit(ctx, evt, func(ctx context.Context, evt models.InboundEvent) {
		if err := e.ProcessEvent(ctx, evt); err != nil {
			slog.Error("Engine.Submit: turn failed", "contactID", evt.ContactID, "eventID", evt.EventID, "error", err)
		}
	})
}

// ProcessEvent runs one complete turn for an inbound event: dedup admission,
// window reopen, mode routing, optimistic state commit, outbound dispatch.
// A version conflict retries the whole turn once against fresh state; a
// second conflict drops the turn (redelivery will retry it).
func (e *Engine) ProcessEvent(ctx context.Context, evt models.InboundEvent) error {
	if err := evt.Validate(); err != nil {
		metrics.TurnsProcessed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("inbound event rejected: %w", err)
	}

	fresh, err := e.dedup.RecordInbound(evt.EventID, evt.ContactID)
	if err != nil {
		metrics.TurnsProcessed.WithLabelValues("error").Inc()
		return fmt.Errorf("dedup admission for event %s: %w", evt.EventID, err)
	}
	if !fresh {
		metrics.TurnsProcessed.WithLabelValues("duplicate").Inc()
		slog.Debug("Engine.ProcessEvent: duplicate event ignored", "contactID", evt.ContactID, "eventID", evt.EventID)
		return nil
	}

	err = e.processTurn(ctx, evt)
	if errors.Is(err, models.ErrVersionConflict) {
		slog.Warn("Engine.ProcessEvent: version conflict, retrying turn", "contactID", evt.ContactID, "eventID", evt.EventID)
		err = e.processTurn(ctx, evt)
		if errors.Is(err, models.ErrVersionConflict) {
			metrics.TurnsProcessed.WithLabelValues("conflict_dropped").Inc()
			slog.Error("Engine.ProcessEvent: repeated version conflict, dropping turn",
				"contactID", evt.ContactID, "eventID", evt.EventID)
			e.releaseEvent(evt.EventID)
			return nil
		}
	}
	if err != nil {
		metrics.TurnsProcessed.WithLabelValues("error").Inc()
		e.releaseEvent(evt.EventID)
		return err
	}

	if err := e.dedup.MarkProcessed(evt.EventID); err != nil {
		slog.Error("Engine.ProcessEvent: failed to mark event processed", "eventID", evt.EventID, "error", err)
	}
	metrics.TurnsProcessed.WithLabelValues("ok").Inc()
	return nil
}

// releaseEvent gives an admitted event id back to the dedup repo after a
// failed turn, so provider redelivery is processed instead of swallowed.
func (e *Engine) releaseEvent(eventID string) {
	if err := e.dedup.ReleaseInbound(eventID); err != nil {
		slog.Error("Engine.releaseEvent: dedup release failed; redelivery recovers after the grace period",
			"eventID", eventID, "error", err)
	}
}

// processTurn is one attempt at a turn against a fresh state snapshot.
func (e *Engine) processTurn(ctx context.Context, evt models.InboundEvent) error {
	now := e.now()

	contact, err := e.st.GetContact(evt.ContactID)
	if err != nil {
		return fmt.Errorf("contact load for %s: %w", evt.ContactID, err)
	}
	if contact == nil {
		contact = &models.Contact{
			ID:        evt.ContactID,
			Mode:      models.ModeFlow,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.st.SaveContact(*contact); err != nil {
			return fmt.Errorf("contact create for %s: %w", evt.ContactID, err)
		}
		slog.Info("Engine.processTurn: new contact registered", "contactID", evt.ContactID)
	}

	state, created, err := e.loadOrCreateState(evt.ContactID, now)
	if err != nil {
		return err
	}

	windowWasOpen := state.WindowOpen(now)
	state.TouchInbound(now, e.window)

	var payloads []models.OutboundPayload
	switch {
	case contact.NeedsHumanHandover:
		// Automation is suspended; the window still reopens so staff-cleared
		// contacts resume cleanly and deferred sends can flush.
		slog.Info("Engine.processTurn: automation suspended pending handover",
			"contactID", evt.ContactID, "eventID", evt.EventID, "cause", models.ErrHandoverActive)

	case created:
		// First turn for this contact: render the entry step.
		payloads = e.renderCurrentStep(state)

	case e.isExitKeyword(evt.Text):
		slog.Info("Engine.processTurn: exit keyword reset", "contactID", evt.ContactID)
		payloads = e.resetToMainMenu(state, false)

	case state.Mode.IsAI():
		payloads, err = e.advanceAI(ctx, state, evt.Text)
		if err != nil {
			return err
		}

	default:
		normalized := strings.ToLower(strings.TrimSpace(evt.Text))
		payloads, err = e.advanceFlow(ctx, state, normalized, evt.Text)
		if err != nil {
			return err
		}
	}

	state.UpdatedAt = now
	if err := e.st.UpdateConversationState(*state); err != nil {
		return fmt.Errorf("state commit for %s: %w", evt.ContactID, err)
	}

	// Keep the contact record's mode mirror in step with the committed state.
	if contact.Mode != state.Mode {
		contact.Mode = state.Mode
		contact.UpdatedAt = now
		if err := e.st.SaveContact(*contact); err != nil {
			slog.Error("Engine.processTurn: contact mode sync failed",
				"contactID", evt.ContactID, "mode", state.Mode, "error", err)
		}
	}

	// Deliver only after the turn committed; a conflict retry must never
	// double-send.
	for _, payload := range payloads {
		if err := e.dispatcher.Send(ctx, state, payload); err != nil {
			slog.Error("Engine.processTurn: outbound send failed",
				"contactID", evt.ContactID, "kind", payload.Kind, "error", err)
		}
	}
	if !windowWasOpen {
		if _, err := e.dispatcher.FlushPending(ctx, evt.ContactID); err != nil {
			slog.Error("Engine.processTurn: pending flush failed", "contactID", evt.ContactID, "error", err)
		}
	}
	return nil
}

// loadOrCreateState fetches the contact's live state, creating a fresh one at
// the main flow entry on first contact.
func (e *Engine) loadOrCreateState(contactID string, now time.Time) (*models.ConversationState, bool, error) {
	state, err := e.st.GetConversationState(contactID)
	if err != nil {
		return nil, false, fmt.Errorf("state load for %s: %w", contactID, err)
	}
	if state != nil {
		return state, false, nil
	}

	mainDef, _ := e.flows.MainMenu()
	fresh := models.ConversationState{
		ContactID:   contactID,
		FlowID:      mainDef.Name,
		FlowVersion: mainDef.Version,
		StepID:      mainDef.Entry,
		Context:     models.NewContext(),
		Mode:        models.ModeFlow,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.st.CreateConversationState(fresh); err != nil {
		return nil, false, fmt.Errorf("state create for %s: %w", contactID, err)
	}
	slog.Info("Engine.loadOrCreateState: conversation started",
		"contactID", contactID, "flowID", fresh.FlowID, "stepID", fresh.StepID)
	return &fresh, true, nil
}

// renderCurrentStep emits the message of the step the state is parked at.
func (e *Engine) renderCurrentStep(state *models.ConversationState) []models.OutboundPayload {
	def, ok := e.flows.Get(state.FlowID, state.FlowVersion)
	if !ok {
		return e.resetToMainMenu(state, true)
	}
	step, ok := def.Step(state.StepID)
	if !ok {
		return e.resetToMainMenu(state, true)
	}
	if step.Message == "" {
		return nil
	}
	return []models.OutboundPayload{models.FreeText(renderMessage(step.Message, state.Context))}
}

func (e *Engine) isExitKeyword(text string) bool {
	return strings.ToLower(strings.TrimSpace(text)) == e.exitKeyword
}

// ResetConversation force-resets a contact to the main menu (operator API).
// The reset goes through the normal optimistic commit.
func (e *Engine) ResetConversation(ctx context.Context, contactID string) error {
	state, err := e.st.GetConversationState(contactID)
	if err != nil {
		return fmt.Errorf("state load for %s: %w", contactID, err)
	}
	if state == nil {
		return fmt.Errorf("reset for %s: %w", contactID, models.ErrStateNotFound)
	}
	payloads := e.resetToMainMenu(state, false)
	state.UpdatedAt = e.now()
	if err := e.st.UpdateConversationState(*state); err != nil {
		return fmt.Errorf("reset commit for %s: %w", contactID, err)
	}
	if contact, err := e.st.GetContact(contactID); err == nil && contact != nil && contact.Mode != state.Mode {
		contact.Mode = state.Mode
		contact.UpdatedAt = e.now()
		if err := e.st.SaveContact(*contact); err != nil {
			slog.Error("Engine.ResetConversation: contact mode sync failed", "contactID", contactID, "error", err)
		}
	}
	for _, payload := range payloads {
		if err := e.dispatcher.Send(ctx, state, payload); err != nil {
			slog.Error("Engine.ResetConversation: send failed", "contactID", contactID, "error", err)
		}
	}
	return nil
}

// ClearHandover lifts the human-handover suspension for a contact (operator
// API). The next inbound event resumes automated processing.
func (e *Engine) ClearHandover(contactID string) error {
	contact, err := e.st.GetContact(contactID)
	if err != nil {
		return fmt.Errorf("contact load for %s: %w", contactID, err)
	}
	if contact == nil {
		return fmt.Errorf("clear handover for %s: %w", contactID, models.ErrContactNotFound)
	}
	if !contact.NeedsHumanHandover {
		return nil
	}
	contact.NeedsHumanHandover = false
	contact.UpdatedAt = e.now()
	if err := e.st.SaveContact(*contact); err != nil {
		return fmt.Errorf("clear handover save for %s: %w", contactID, err)
	}
	slog.Info("Engine.ClearHandover: automation resumed", "contactID", contactID)
	return nil
}
