package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/CedarLaneLabs/ChatterMill/internal/cart"
	"github.com/CedarLaneLabs/ChatterMill/internal/docgen"
	"github.com/CedarLaneLabs/ChatterMill/internal/metrics"
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/CedarLaneLabs/ChatterMill/internal/notify"
	"github.com/CedarLaneLabs/ChatterMill/internal/store"
)

// Built-in action names. Flow definitions and control tokens resolve to these.
const (
	ActionAddToCart       = "add_to_cart"
	ActionGenerateDoc     = "generate_document"
	ActionQueueNotify     = "queue_notification"
	ActionRequestHandover = "request_human_handover"
)

// Well-known handler params. Handlers receive a flat string map whether the
// invocation originates from a flow step or a parsed control token.
const (
	ParamProductIDs = "product_ids" // comma-separated ints
	ParamQuantities = "quantities"  // comma-separated ints, aligned with product_ids
	ParamKind       = "kind"
	ParamTitle      = "title"
	ParamTemplate   = "template"
	ParamRecipients = "recipients" // comma-separated
	ParamReason     = "reason"
)

// parseIntCSV parses a comma-separated integer list, rejecting empty and
// non-numeric entries.
func parseIntCSV(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty list")
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("non-numeric entry %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// AddToCartHandler adds products to the contact's cart. Duplicate ids within
// one invocation sum before the store call; quantities accumulate across
// invocations in the store itself.
type AddToCartHandler struct {
	Carts cart.Store
}

var _ Handler = (*AddToCartHandler)(nil)

func (h *AddToCartHandler) Name() string { return ActionAddToCart }

func (h *AddToCartHandler) Execute(ctx context.Context, state *models.ConversationState, params map[string]string) (Result, error) {
	ids, err := parseIntCSV(params[ParamProductIDs])
	if err != nil {
		return Result{}, fmt.Errorf("add_to_cart product_ids: %w", err)
	}
	var quantities []int
	if raw, ok := params[ParamQuantities]; ok && strings.TrimSpace(raw) != "" {
		quantities, err = parseIntCSV(raw)
		if err != nil {
			return Result{}, fmt.Errorf("add_to_cart quantities: %w", err)
		}
		if len(quantities) != len(ids) {
			return Result{}, fmt.Errorf("add_to_cart: %d quantities for %d product ids", len(quantities), len(ids))
		}
	}

	additions := make(map[int]int, len(ids))
	for i, id := range ids {
		qty := 1
		if quantities != nil {
			qty = quantities[i]
		}
		additions[id] += qty
	}
	if err := h.Carts.AddItems(ctx, state.ContactID, additions); err != nil {
		return Result{}, fmt.Errorf("add_to_cart: %w", err)
	}

	updated, err := h.Carts.Get(ctx, state.ContactID)
	if err != nil {
		return Result{}, fmt.Errorf("add_to_cart readback: %w", err)
	}
	total := 0
	for _, item := range updated.Items {
		total += item.Quantity
	}
	return Result{
		Success: true,
		ContextAdditions: map[string]string{
			"cart.item_count": strconv.Itoa(total),
			"cart.updated_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// GenerateDocumentHandler renders a document for the contact and emits it as
// a document payload. When no product_ids param is given, the current cart
// contents are used.
type GenerateDocumentHandler struct {
	Generator docgen.Generator
	Carts     cart.Store
}

var _ Handler = (*GenerateDocumentHandler)(nil)

func (h *GenerateDocumentHandler) Name() string { return ActionGenerateDoc }

func (h *GenerateDocumentHandler) Execute(ctx context.Context, state *models.ConversationState, params map[string]string) (Result, error) {
	spec := docgen.Spec{
		Kind:      params[ParamKind],
		ContactID: state.ContactID,
		Title:     params[ParamTitle],
	}
	if spec.Kind == "" {
		spec.Kind = "product_sheet"
	}

	if raw, ok := params[ParamProductIDs]; ok && strings.TrimSpace(raw) != "" {
		ids, err := parseIntCSV(raw)
		if err != nil {
			return Result{}, fmt.Errorf("generate_document product_ids: %w", err)
		}
		spec.ProductIDs = ids
	} else if h.Carts != nil {
		current, err := h.Carts.Get(ctx, state.ContactID)
		if err != nil {
			return Result{}, fmt.Errorf("generate_document cart read: %w", err)
		}
		for _, item := range current.Items {
			spec.ProductIDs = append(spec.ProductIDs, item.ProductID)
		}
	}

	ref, err := h.Generator.Generate(ctx, spec)
	if err != nil {
		return Result{}, fmt.Errorf("generate_document: %w", err)
	}
	caption := spec.Title
	if caption == "" {
		caption = "Here is the document you asked for."
	}
	return Result{
		Success:          true,
		ContextAdditions: map[string]string{"doc.last_ref": ref},
		Payloads:         []models.OutboundPayload{models.Document(ref, caption)},
	}, nil
}

// QueueNotificationHandler submits a staff notification. Success is reported
// only after the notifier confirms the enqueue.
type QueueNotificationHandler struct {
	Notifier notify.Notifier
	// DefaultRecipients is used when the step params carry none.
	DefaultRecipients []string
}

var _ Handler = (*QueueNotificationHandler)(nil)

func (h *QueueNotificationHandler) Name() string { return ActionQueueNotify }

func (h *QueueNotificationHandler) Execute(ctx context.Context, state *models.ConversationState, params map[string]string) (Result, error) {
	template := params[ParamTemplate]
	if template == "" {
		return Result{}, fmt.Errorf("queue_notification: missing template param")
	}
	recipients := h.DefaultRecipients
	if raw, ok := params[ParamRecipients]; ok && strings.TrimSpace(raw) != "" {
		recipients = nil
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				recipients = append(recipients, trimmed)
			}
		}
	}
	if len(recipients) == 0 {
		return Result{}, fmt.Errorf("queue_notification: no recipients")
	}

	notifCtx := map[string]string{"contact_id": state.ContactID}
	for key, value := range params {
		switch key {
		case ParamTemplate, ParamRecipients:
		default:
			notifCtx[key] = value
		}
	}
	id, err := h.Notifier.Enqueue(ctx, template, recipients, notifCtx)
	if err != nil {
		return Result{}, fmt.Errorf("queue_notification: %w", err)
	}
	return Result{
		Success:          true,
		ContextAdditions: map[string]string{"notify.last_id": id},
	}, nil
}

// RequestHandoverHandler flags the contact for human attention and notifies
// staff. Once flagged, the engine suspends automated replies for the contact
// until a staff member clears the flag.
type RequestHandoverHandler struct {
	Contacts store.Store
	Notifier notify.Notifier
	Staff    []string
}

var _ Handler = (*RequestHandoverHandler)(nil)

func (h *RequestHandoverHandler) Name() string { return ActionRequestHandover }

func (h *RequestHandoverHandler) Execute(ctx context.Context, state *models.ConversationState, params map[string]string) (Result, error) {
	reason := params[ParamReason]
	if reason == "" {
		reason = "requested"
	}

	contact, err := h.Contacts.GetContact(state.ContactID)
	if err != nil {
		return Result{}, fmt.Errorf("request_human_handover contact load: %w", err)
	}
	if contact == nil {
		return Result{}, fmt.Errorf("request_human_handover: %w", models.ErrContactNotFound)
	}
	contact.NeedsHumanHandover = true
	contact.UpdatedAt = time.Now()
	if err := h.Contacts.SaveContact(*contact); err != nil {
		return Result{}, fmt.Errorf("request_human_handover flag save: %w", err)
	}

	notifCtx := map[string]string{
		"contact_id": state.ContactID,
		"reason":     reason,
	}
	if _, err := h.Notifier.Enqueue(ctx, StaffNotificationTemplate, h.Staff, notifCtx); err != nil {
		return Result{}, fmt.Errorf("request_human_handover notify: %w", err)
	}
	metrics.Handovers.WithLabelValues(reason).Inc()
	return Result{
		Success:          true,
		ContextAdditions: map[string]string{"sys.handover_reason": reason},
	}, nil
}
