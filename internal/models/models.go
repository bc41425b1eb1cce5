// Package models defines the core data structures for ChatterMill.
//
// It includes contacts, inbound events, outbound payloads, and conversation
// state shared across modules.
package models

import (
	"errors"
	"time"
)

// Mode identifies which engine currently owns turn processing for a contact.
type Mode string

const (
	// ModeFlow routes inbound events through the flow interpreter.
	ModeFlow Mode = "flow"
	// ModeAITroubleshooting delegates turns to the AI responder for support questions.
	ModeAITroubleshooting Mode = "ai_troubleshooting"
	// ModeAIShopping delegates turns to the AI responder with product catalog context.
	ModeAIShopping Mode = "ai_shopping"
)

// IsValidMode checks if the given mode is supported.
func IsValidMode(m Mode) bool {
	switch m {
	case ModeFlow, ModeAITroubleshooting, ModeAIShopping:
		return true
	default:
		return false
	}
}

// IsAI reports whether the mode delegates turns to the AI responder.
func (m Mode) IsAI() bool {
	return m == ModeAITroubleshooting || m == ModeAIShopping
}

// Validation constants for inbound events and payloads.
const (
	// MaxInboundTextLength caps the accepted length of inbound message text.
	MaxInboundTextLength = 4096
	// MaxTemplateParams caps the number of parameters accepted for a template send.
	MaxTemplateParams = 20
)

// Error variables for validation failures.
var (
	ErrEmptyContactID = errors.New("contact id cannot be empty")
	ErrEmptyEventID   = errors.New("event id cannot be empty")
	ErrTextTooLong    = errors.New("inbound text exceeds maximum length")
	ErrEmptyPayload   = errors.New("outbound payload has no content")
	ErrInvalidPayload = errors.New("invalid outbound payload kind")
)

// Contact represents a messaging-channel identity known to the engine.
// Contacts are created on first inbound event and deactivated, never deleted.
type Contact struct {
	ID                 string    `json:"id"`
	Mode               Mode      `json:"mode"`
	NeedsHumanHandover bool      `json:"needs_human_handover"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// InboundEvent represents a single message received from a contact.
type InboundEvent struct {
	ContactID string    `json:"contact_id"`
	EventID   string    `json:"event_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate performs validation on an inbound event.
func (e *InboundEvent) Validate() error {
	if e.ContactID == "" {
		return ErrEmptyContactID
	}
	if e.EventID == "" {
		return ErrEmptyEventID
	}
	if len(e.Text) > MaxInboundTextLength {
		return ErrTextTooLong
	}
	return nil
}

// PayloadKind defines how an outbound payload is delivered.
type PayloadKind string

const (
	// PayloadFreeText sends an arbitrary text body (requires an open messaging window).
	PayloadFreeText PayloadKind = "free_text"
	// PayloadTemplate sends a pre-approved template message by name with parameters.
	PayloadTemplate PayloadKind = "template"
	// PayloadDocument sends a generated document reference with a caption.
	PayloadDocument PayloadKind = "document"
)

// OutboundPayload represents a message to be delivered to a contact.
type OutboundPayload struct {
	Kind           PayloadKind       `json:"kind"`
	Body           string            `json:"body,omitempty"`
	TemplateName   string            `json:"template_name,omitempty"`
	TemplateParams map[string]string `json:"template_params,omitempty"`
	DocumentRef    string            `json:"document_ref,omitempty"`
	Caption        string            `json:"caption,omitempty"`
}

// FreeText builds a free-text payload.
func FreeText(body string) OutboundPayload {
	return OutboundPayload{Kind: PayloadFreeText, Body: body}
}

// Template builds a template payload.
func Template(name string, params map[string]string) OutboundPayload {
	return OutboundPayload{Kind: PayloadTemplate, TemplateName: name, TemplateParams: params}
}

// Document builds a document payload.
func Document(ref, caption string) OutboundPayload {
	return OutboundPayload{Kind: PayloadDocument, DocumentRef: ref, Caption: caption}
}

// Validate performs validation on an outbound payload.
func (p *OutboundPayload) Validate() error {
	switch p.Kind {
	case PayloadFreeText:
		if p.Body == "" {
			return ErrEmptyPayload
		}
	case PayloadTemplate:
		if p.TemplateName == "" {
			return ErrEmptyPayload
		}
		if len(p.TemplateParams) > MaxTemplateParams {
			return ErrInvalidPayload
		}
	case PayloadDocument:
		if p.DocumentRef == "" {
			return ErrEmptyPayload
		}
	default:
		return ErrInvalidPayload
	}
	return nil
}

// CartItem represents a single product entry in a contact's cart.
type CartItem struct {
	ProductID int `json:"product_id"`
	Quantity  int `json:"quantity"`
}

// Cart is the ephemeral per-contact product collection. Items are keyed by
// product id; quantities accumulate across repeated additions.
type Cart struct {
	ContactID string     `json:"contact_id"`
	Items     []CartItem `json:"items"`
}
