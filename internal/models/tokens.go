// Package models defines control tokens extracted from AI responder output.
package models

// ControlTokenKind identifies the command variant carried by a control token.
type ControlTokenKind string

const (
	// TokenProductIDs lists product ids the AI referenced (informational).
	TokenProductIDs ControlTokenKind = "PRODUCT_IDS"
	// TokenAddToCart requests cart additions for the listed product ids.
	TokenAddToCart ControlTokenKind = "ADD_TO_CART"
	// TokenGeneratePDF requests a product document for the listed ids.
	TokenGeneratePDF ControlTokenKind = "GENERATE_PDF"
	// TokenHumanHandover flags the conversation for staff takeover.
	TokenHumanHandover ControlTokenKind = "HUMAN_HANDOVER"
	// TokenEndConversation returns the contact to the scripted main menu.
	TokenEndConversation ControlTokenKind = "END_CONVERSATION"
)

// ControlToken is a parsed, typed command embedded in AI free text. Tokens are
// ephemeral: produced per AI response and consumed immediately by the action
// registry.
type ControlToken struct {
	Kind ControlTokenKind `json:"kind"`
	// IDs carries the integer list for PRODUCT_IDS, ADD_TO_CART, GENERATE_PDF.
	IDs []int `json:"ids,omitempty"`
	// Quantities pairs with IDs for ADD_TO_CART when given; a missing entry
	// defaults to 1.
	Quantities []int `json:"quantities,omitempty"`
}

// tokenPriority fixes the downstream processing order: cart population must
// precede document generation, and conversation-ending commands run last.
var tokenPriority = map[ControlTokenKind]int{
	TokenProductIDs:      0,
	TokenAddToCart:       1,
	TokenGeneratePDF:     2,
	TokenHumanHandover:   3,
	TokenEndConversation: 4,
}

// Priority returns the fixed processing rank of the token kind, regardless of
// its position in the AI text.
func (t ControlToken) Priority() int {
	return tokenPriority[t.Kind]
}

// IsValidControlTokenKind checks if the given kind is recognized.
func IsValidControlTokenKind(k ControlTokenKind) bool {
	_, ok := tokenPriority[k]
	return ok
}
