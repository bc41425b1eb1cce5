// Package metrics exposes Prometheus collectors for the orchestration engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsProcessed counts processed inbound turns by outcome
	// (ok, duplicate, conflict_dropped, error).
	TurnsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chattermill_turns_processed_total",
		Help: "Inbound turns processed, by outcome.",
	}, []string{"outcome"})

	// OutboundSends counts payloads handed to the channel client by kind.
	OutboundSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chattermill_outbound_sends_total",
		Help: "Outbound payloads delivered, by kind.",
	}, []string{"kind"})

	// WindowSubstitutions counts free-text sends replaced by approved
	// templates because the messaging window was closed.
	WindowSubstitutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chattermill_window_substitutions_total",
		Help: "Free-text sends substituted with template messages.",
	})

	// WindowDeferrals counts payloads queued for delivery after window reopen.
	WindowDeferrals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chattermill_window_deferrals_total",
		Help: "Outbound payloads deferred until the messaging window reopens.",
	})

	// ActionInvocations counts action handler invocations by name and outcome.
	ActionInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chattermill_action_invocations_total",
		Help: "Action handler invocations, by action name and outcome.",
	}, []string{"action", "outcome"})

	// Handovers counts automated-to-human handover escalations by reason.
	Handovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chattermill_handovers_total",
		Help: "Human handover escalations, by reason.",
	}, []string{"reason"})

	// AICompletions counts AI responder calls by outcome (ok, error, timeout).
	AICompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chattermill_ai_completions_total",
		Help: "AI responder completions, by outcome.",
	}, []string{"outcome"})
)
