// Package flowdef defines versioned flow definition graphs and the immutable
// registry that serves them to the engine.
//
// Flow definitions are loaded once at startup from YAML files, validated for
// graph integrity, and never mutated afterwards. Replacing a version builds a
// new registry and swaps the reference; in-flight conversation states keep
// resolving against the version they were started on.
package flowdef

import (
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// StepKind defines the behavior of a single flow step.
type StepKind string

const (
	// StepMessage renders a message and waits for the next inbound event.
	StepMessage StepKind = "message"
	// StepInputCapture stores the inbound text under a context key before
	// evaluating transitions.
	StepInputCapture StepKind = "input-capture"
	// StepBranch evaluates transitions without sending a message.
	StepBranch StepKind = "branch"
	// StepAction invokes a registered action, then evaluates transitions
	// against the action's reported outcome.
	StepAction StepKind = "action"
	// StepSubflowCall pushes a return frame and jumps into another flow.
	StepSubflowCall StepKind = "subflow-call"
	// StepTerminal parks the conversation; no further transition occurs until
	// the mode router re-engages it.
	StepTerminal StepKind = "terminal"
)

// IsValidStepKind checks if the given step kind is supported.
func IsValidStepKind(k StepKind) bool {
	switch k {
	case StepMessage, StepInputCapture, StepBranch, StepAction, StepSubflowCall, StepTerminal:
		return true
	default:
		return false
	}
}

// Condition guards a transition rule. Exactly one matcher field should be
// set; an empty condition never matches. Conditions are evaluated against the
// normalized inbound text, the conversation context, and (for action steps)
// the action outcome.
type Condition struct {
	// Input matches when the normalized inbound text equals this value.
	Input string `yaml:"input,omitempty"`
	// InputOneOf matches when the normalized inbound text equals any entry.
	InputOneOf []string `yaml:"input_one_of,omitempty"`
	// InputContains matches when the normalized inbound text contains this
	// substring.
	InputContains string `yaml:"input_contains,omitempty"`
	// ContextKey/ContextEquals match when the context holds the given value.
	ContextKey    string `yaml:"context_key,omitempty"`
	ContextEquals string `yaml:"context_equals,omitempty"`
	// ActionResult matches the reported outcome of an action step:
	// "success" or "failure".
	ActionResult string `yaml:"action_result,omitempty"`
}

// Transition is one ordered (condition, next-step) rule.
type Transition struct {
	When Condition `yaml:"when"`
	Next string    `yaml:"next"`
}

// Step is a single node in a flow definition graph.
type Step struct {
	ID      string   `yaml:"id"`
	Kind    StepKind `yaml:"kind"`
	Message string   `yaml:"message,omitempty"`
	// CaptureKey is the context key an input-capture step stores the inbound
	// text under.
	CaptureKey string `yaml:"capture_key,omitempty"`
	// Action and Params configure action steps.
	Action string            `yaml:"action,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`
	// Subflow names the flow a subflow-call step jumps into.
	Subflow string `yaml:"subflow,omitempty"`
	// ModeEntry switches the contact into an AI mode after the message is
	// sent; further flow transitions are suppressed until the AI session ends.
	ModeEntry models.Mode `yaml:"mode_entry,omitempty"`
	// Transitions are evaluated in declared order; the first matching
	// condition wins. Default applies when none match and is required unless
	// the step is terminal.
	Transitions []Transition `yaml:"transitions,omitempty"`
	Default     string       `yaml:"default,omitempty"`
}

// FlowDefinition is a named, versioned graph of steps. Immutable once loaded.
type FlowDefinition struct {
	Name    string `yaml:"name"`
	Version int    `yaml:"version"`
	// Entry is the step a fresh conversation starts at.
	Entry string `yaml:"entry"`
	Steps []Step `yaml:"steps"`

	steps map[string]*Step
}

// Step resolves a step id within this definition.
func (f *FlowDefinition) Step(id string) (*Step, bool) {
	s, ok := f.steps[id]
	return s, ok
}

// index builds the step lookup table. Called by the loader after decoding.
func (f *FlowDefinition) index() {
	f.steps = make(map[string]*Step, len(f.Steps))
	for i := range f.Steps {
		f.steps[f.Steps[i].ID] = &f.Steps[i]
	}
}
