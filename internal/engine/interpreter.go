package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/CedarLaneLabs/ChatterMill/internal/flowdef"
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// maxHopsPerTurn bounds step traversal in a single turn. Validation rejects
// obviously broken graphs, but runtime cycles through branch and action steps
// are still possible; hitting the bound is treated like an unknown step.
const maxHopsPerTurn = 25

// fallbackApology is sent when the conversation state no longer matches the
// loaded flow definitions and the contact is reset to the main menu.
const fallbackApology = "Sorry, something went wrong there. Let's start over from the menu."

// advanceFlow processes one inbound turn through the flow interpreter. It
// mutates state (step, context, mode) and returns the payloads to deliver.
func (e *Engine) advanceFlow(ctx context.Context, state *models.ConversationState, normalized, raw string) ([]models.OutboundPayload, error) {
	def, ok := e.flows.Get(state.FlowID, state.FlowVersion)
	if !ok {
		slog.Error("Engine.advanceFlow: state references unloaded flow",
			"contactID", state.ContactID, "flowID", state.FlowID, "flowVersion", state.FlowVersion)
		return e.resetToMainMenu(state, true), nil
	}
	parked, ok := def.Step(state.StepID)
	if !ok {
		slog.Error("Engine.advanceFlow: state references unknown step",
			"contactID", state.ContactID, "flowID", state.FlowID, "stepID", state.StepID,
			"error", models.ErrUnknownStep)
		return e.resetToMainMenu(state, true), nil
	}

	var payloads []models.OutboundPayload

	// Resolve the transition out of the parked step using the inbound text.
	var nextID string
	switch parked.Kind {
	case flowdef.StepInputCapture:
		if parked.CaptureKey != "" {
			state.Context.Set(parked.CaptureKey, strings.TrimSpace(raw))
		}
		nextID = e.matchTransition(parked, normalized, state, "")
	case flowdef.StepTerminal:
		// Parked at a terminal: any new inbound re-engages at the main menu.
		return e.resetToMainMenu(state, false), nil
	default:
		nextID = e.matchTransition(parked, normalized, state, "")
	}
	if nextID == "" {
		// No matching transition and no default: re-prompt the parked step.
		if parked.Message != "" {
			payloads = append(payloads, models.FreeText(renderMessage(parked.Message, state.Context)))
		}
		return payloads, nil
	}

	// Execute steps until the conversation parks again.
	for hops := 0; ; hops++ {
		if hops >= maxHopsPerTurn {
			slog.Error("Engine.advanceFlow: hop budget exhausted, suspected cycle",
				"contactID", state.ContactID, "flowID", state.FlowID, "stepID", nextID)
			return append(payloads, e.resetToMainMenu(state, true)...), nil
		}

		step, ok := def.Step(nextID)
		if !ok {
			slog.Error("Engine.advanceFlow: transition to unknown step",
				"contactID", state.ContactID, "flowID", def.Name, "stepID", nextID,
				"error", models.ErrUnknownStep)
			return append(payloads, e.resetToMainMenu(state, true)...), nil
		}

		switch step.Kind {
		case flowdef.StepMessage, flowdef.StepInputCapture:
			if step.Message != "" {
				payloads = append(payloads, models.FreeText(renderMessage(step.Message, state.Context)))
			}
			state.FlowID = def.Name
			state.FlowVersion = def.Version
			state.StepID = step.ID
			if step.ModeEntry != "" {
				state.Mode = step.ModeEntry
				slog.Info("Engine.advanceFlow: mode entry", "contactID", state.ContactID, "mode", step.ModeEntry)
			}
			return payloads, nil

		case flowdef.StepBranch:
			nextID = e.matchTransition(step, normalized, state, "")
			if nextID == "" {
				slog.Error("Engine.advanceFlow: branch step resolved no target",
					"contactID", state.ContactID, "flowID", def.Name, "stepID", step.ID,
					"error", models.ErrInvalidTransition)
				return append(payloads, e.resetToMainMenu(state, true)...), nil
			}

		case flowdef.StepAction:
			outcome := "success"
			result, err := e.actions.Invoke(ctx, step.Action, step.Params, state)
			if err != nil {
				if errors.Is(err, models.ErrUnknownAction) {
					// Flow definition names an unregistered action; this is a
					// configuration error, never a silent skip.
					slog.Error("Engine.advanceFlow: flow references unregistered action",
						"contactID", state.ContactID, "flowID", def.Name, "stepID", step.ID,
						"action", step.Action, "error", err)
					return append(payloads, e.resetToMainMenu(state, true)...), nil
				}
				outcome = "failure"
			}
			applyContextAdditions(state.Context, result.ContextAdditions)
			payloads = append(payloads, result.Payloads...)
			nextID = e.matchTransition(step, normalized, state, outcome)
			if nextID == "" {
				// No failure branch defined; escalation already happened in the
				// registry, so park the contact at the main menu.
				return append(payloads, e.resetToMainMenu(state, false)...), nil
			}

		case flowdef.StepSubflowCall:
			sub, ok := e.flows.Latest(step.Subflow)
			if !ok {
				slog.Error("Engine.advanceFlow: subflow not loaded",
					"contactID", state.ContactID, "flowID", def.Name, "subflow", step.Subflow)
				return append(payloads, e.resetToMainMenu(state, true)...), nil
			}
			resumeAt := e.matchTransition(step, normalized, state, "")
			if err := pushReturnFrame(state.Context, models.ReturnFrame{
				FlowID:      def.Name,
				FlowVersion: def.Version,
				StepID:      resumeAt,
			}); err != nil {
				slog.Error("Engine.advanceFlow: return stack push failed",
					"contactID", state.ContactID, "error", err)
				return append(payloads, e.resetToMainMenu(state, true)...), nil
			}
			def = sub
			nextID = sub.Entry

		case flowdef.StepTerminal:
			if step.Message != "" {
				payloads = append(payloads, models.FreeText(renderMessage(step.Message, state.Context)))
			}
			frame, ok, err := popReturnFrame(state.Context)
			if err != nil {
				slog.Error("Engine.advanceFlow: return stack pop failed",
					"contactID", state.ContactID, "error", err)
				return append(payloads, e.resetToMainMenu(state, true)...), nil
			}
			if !ok {
				// Top-level terminal: park the conversation here.
				state.FlowID = def.Name
				state.FlowVersion = def.Version
				state.StepID = step.ID
				return payloads, nil
			}
			parent, okParent := e.flows.Get(frame.FlowID, frame.FlowVersion)
			if !okParent || frame.StepID == "" {
				slog.Error("Engine.advanceFlow: stale return frame",
					"contactID", state.ContactID, "flowID", frame.FlowID, "flowVersion", frame.FlowVersion,
					"error", models.ErrInvalidTransition)
				return append(payloads, e.resetToMainMenu(state, true)...), nil
			}
			def = parent
			nextID = frame.StepID

		default:
			slog.Error("Engine.advanceFlow: unsupported step kind",
				"contactID", state.ContactID, "stepID", step.ID, "kind", step.Kind)
			return append(payloads, e.resetToMainMenu(state, true)...), nil
		}
	}
}

// matchTransition evaluates a step's transitions in declared order and
// returns the first matching target, falling back to the step default.
func (e *Engine) matchTransition(step *flowdef.Step, normalized string, state *models.ConversationState, actionOutcome string) string {
	for _, tr := range step.Transitions {
		if conditionMatches(tr.When, normalized, state.Context, actionOutcome) {
			return tr.Next
		}
	}
	return step.Default
}

func conditionMatches(c flowdef.Condition, normalized string, bag *models.Context, actionOutcome string) bool {
	switch {
	case c.Input != "":
		return normalized == strings.ToLower(c.Input)
	case len(c.InputOneOf) > 0:
		for _, candidate := range c.InputOneOf {
			if normalized == strings.ToLower(candidate) {
				return true
			}
		}
		return false
	case c.InputContains != "":
		return strings.Contains(normalized, strings.ToLower(c.InputContains))
	case c.ContextKey != "":
		value, ok := bag.Get(c.ContextKey)
		return ok && value == c.ContextEquals
	case c.ActionResult != "":
		return actionOutcome == c.ActionResult
	default:
		return false
	}
}

// resetToMainMenu moves the contact to the designated main menu step,
// clearing flow-scoped context and restoring flow mode. Cart references
// survive the reset. With apologize set, the fallback apology precedes the
// menu message.
func (e *Engine) resetToMainMenu(state *models.ConversationState, apologize bool) []models.OutboundPayload {
	mainDef, menuStep := e.flows.MainMenu()
	state.Context.ClearFlowScoped()
	state.Mode = models.ModeFlow
	state.FlowID = mainDef.Name
	state.FlowVersion = mainDef.Version
	state.StepID = menuStep

	var payloads []models.OutboundPayload
	if apologize {
		payloads = append(payloads, models.FreeText(fallbackApology))
	}
	if step, ok := mainDef.Step(menuStep); ok && step.Message != "" {
		payloads = append(payloads, models.FreeText(renderMessage(step.Message, state.Context)))
	}
	return payloads
}

// renderMessage substitutes {{key}} placeholders from the context bag.
func renderMessage(msg string, bag *models.Context) string {
	if !strings.Contains(msg, "{{") {
		return msg
	}
	for _, key := range bag.Keys() {
		value, _ := bag.Get(key)
		msg = strings.ReplaceAll(msg, "{{"+key+"}}", value)
	}
	return msg
}

// applyContextAdditions merges action context additions in sorted key order
// so repeated runs produce identical context layouts.
func applyContextAdditions(bag *models.Context, additions map[string]string) {
	if len(additions) == 0 {
		return
	}
	keys := make([]string, 0, len(additions))
	for key := range additions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		bag.Set(key, additions[key])
	}
}

// pushReturnFrame appends a frame to the JSON-encoded subflow return stack.
func pushReturnFrame(bag *models.Context, frame models.ReturnFrame) error {
	stack, err := readReturnStack(bag)
	if err != nil {
		return err
	}
	stack = append(stack, frame)
	encoded, err := json.Marshal(stack)
	if err != nil {
		return fmt.Errorf("encode return stack: %w", err)
	}
	bag.Set(models.ReturnStackKey, string(encoded))
	return nil
}

// popReturnFrame removes and returns the top frame, reporting ok=false on an
// empty stack.
func popReturnFrame(bag *models.Context) (models.ReturnFrame, bool, error) {
	stack, err := readReturnStack(bag)
	if err != nil {
		return models.ReturnFrame{}, false, err
	}
	if len(stack) == 0 {
		return models.ReturnFrame{}, false, nil
	}
	frame := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		bag.Delete(models.ReturnStackKey)
	} else {
		encoded, err := json.Marshal(stack)
		if err != nil {
			return models.ReturnFrame{}, false, fmt.Errorf("encode return stack: %w", err)
		}
		bag.Set(models.ReturnStackKey, string(encoded))
	}
	return frame, true, nil
}

func readReturnStack(bag *models.Context) ([]models.ReturnFrame, error) {
	raw, ok := bag.Get(models.ReturnStackKey)
	if !ok || raw == "" {
		return nil, nil
	}
	var stack []models.ReturnFrame
	if err := json.Unmarshal([]byte(raw), &stack); err != nil {
		return nil, fmt.Errorf("decode return stack: %w", err)
	}
	return stack, nil
}
