package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/CedarLaneLabs/ChatterMill/internal/actions"
	"github.com/CedarLaneLabs/ChatterMill/internal/genai"
	"github.com/CedarLaneLabs/ChatterMill/internal/metrics"
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/CedarLaneLabs/ChatterMill/internal/tokens"
)

// DefaultHistoryLimit caps prior turns carried in the AI prompt.
const DefaultHistoryLimit = 10

// historyKey holds the JSON-encoded AI conversation history in context.
const historyKey = models.SysKeyPrefix + "ai_history"

// aiUnavailableApology is sent when the responder fails; the contact stays in
// the AI mode and can simply try again.
const aiUnavailableApology = "Sorry, I couldn't process that just now. Please try again in a moment."

// Default system prompts per AI mode. Overridable via engine options.
var defaultSystemPrompts = map[models.Mode]string{
	models.ModeAITroubleshooting: "You are a patient product support assistant. Help the customer resolve their issue step by step. " +
		"If you cannot help, emit [HUMAN_HANDOVER]. When the customer is done, emit [END_CONVERSATION].",
	models.ModeAIShopping: "You are a helpful shopping assistant. Recommend products from the catalog excerpt only. " +
		"Reference products with PRODUCT_IDS: [ids]. Add requested items with ADD_TO_CART: [ids]. " +
		"Offer a summary sheet with GENERATE_PDF: [ids]. " +
		"If you cannot help, emit [HUMAN_HANDOVER]. When the customer is done, emit [END_CONVERSATION].",
}

// advanceAI processes one inbound turn in an AI mode: complete, extract
// control tokens, run the resulting actions in priority order, and reply with
// the cleaned text.
func (e *Engine) advanceAI(ctx context.Context, state *models.ConversationState, raw string) ([]models.OutboundPayload, error) {
	pc := genai.PromptContext{
		System:   e.systemPrompt(state.Mode),
		History:  readHistory(state.Context),
		UserText: raw,
	}
	if state.Mode == models.ModeAIShopping && e.catalog != nil {
		snippet, err := e.catalog(ctx)
		if err != nil {
			slog.Warn("Engine.advanceAI: catalog snippet unavailable", "contactID", state.ContactID, "error", err)
		} else {
			pc.CatalogSnippet = snippet
		}
	}

	response, err := e.completer.Complete(ctx, pc)
	if err != nil {
		metrics.AICompletions.WithLabelValues("error").Inc()
		slog.Error("Engine.advanceAI: completion failed", "contactID", state.ContactID, "mode", state.Mode, "error", err)
		return []models.OutboundPayload{models.FreeText(aiUnavailableApology)}, nil
	}
	metrics.AICompletions.WithLabelValues("ok").Inc()

	parsed := tokens.Parse(response)
	var payloads []models.OutboundPayload
	if parsed.CleanText != "" {
		payloads = append(payloads, models.FreeText(parsed.CleanText))
	}
	appendHistory(state.Context, raw, parsed.CleanText, e.historyLimit)

	for _, token := range tokens.SortByPriority(parsed.Tokens) {
		more, stop := e.processToken(ctx, state, token)
		payloads = append(payloads, more...)
		if stop {
			break
		}
	}
	return payloads, nil
}

// processToken executes one control token. stop reports that no further
// tokens from this response should run (handover or conversation end).
func (e *Engine) processToken(ctx context.Context, state *models.ConversationState, token models.ControlToken) ([]models.OutboundPayload, bool) {
	switch token.Kind {
	case models.TokenProductIDs:
		// Informational: remember what the AI referenced for later turns.
		state.Context.Set("ai.product_ids", joinIDs(token.IDs))
		return nil, false

	case models.TokenAddToCart:
		params := map[string]string{actions.ParamProductIDs: joinIDs(token.IDs)}
		if len(token.Quantities) > 0 {
			params[actions.ParamQuantities] = joinIDs(token.Quantities)
		}
		result, err := e.actions.Invoke(ctx, actions.ActionAddToCart, params, state)
		applyContextAdditions(state.Context, result.ContextAdditions)
		if err != nil {
			return result.Payloads, true
		}
		return result.Payloads, false

	case models.TokenGeneratePDF:
		params := map[string]string{}
		if len(token.IDs) > 0 {
			params[actions.ParamProductIDs] = joinIDs(token.IDs)
		}
		result, err := e.actions.Invoke(ctx, actions.ActionGenerateDoc, params, state)
		applyContextAdditions(state.Context, result.ContextAdditions)
		if err != nil {
			return result.Payloads, true
		}
		return result.Payloads, false

	case models.TokenHumanHandover:
		params := map[string]string{actions.ParamReason: "ai_requested"}
		result, err := e.actions.Invoke(ctx, actions.ActionRequestHandover, params, state)
		applyContextAdditions(state.Context, result.ContextAdditions)
		if err != nil {
			slog.Error("Engine.processToken: handover request failed", "contactID", state.ContactID, "error", err)
		}
		return result.Payloads, true

	case models.TokenEndConversation:
		slog.Info("Engine.processToken: AI session ended", "contactID", state.ContactID, "mode", state.Mode)
		state.Context.Delete(historyKey)
		return e.resetToMainMenu(state, false), true

	default:
		slog.Warn("Engine.processToken: unrecognized token kind", "kind", token.Kind)
		return nil, false
	}
}

func (e *Engine) systemPrompt(mode models.Mode) string {
	if prompt, ok := e.prompts[mode]; ok && prompt != "" {
		return prompt
	}
	return defaultSystemPrompts[mode]
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func readHistory(bag *models.Context) []genai.Turn {
	raw, ok := bag.Get(historyKey)
	if !ok || raw == "" {
		return nil
	}
	var history []genai.Turn
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		slog.Warn("Engine.readHistory: discarding undecodable history", "error", err)
		return nil
	}
	return history
}

// appendHistory records the latest exchange, keeping at most limit turns.
func appendHistory(bag *models.Context, userText, assistantText string, limit int) {
	history := readHistory(bag)
	history = append(history, genai.Turn{Role: genai.RoleUser, Content: userText})
	if assistantText != "" {
		history = append(history, genai.Turn{Role: genai.RoleAssistant, Content: assistantText})
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	encoded, err := json.Marshal(history)
	if err != nil {
		slog.Warn("Engine.appendHistory: encode failed", "error", err)
		return
	}
	bag.Set(historyKey, string(encoded))
}
