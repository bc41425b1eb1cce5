// Package messaging provides pluggable channel clients for outbound delivery
// and inbound event ingestion.
//
// The engine never talks to a provider wire protocol directly: it hands
// validated OutboundPayloads to a Service after window-policy evaluation (see
// the dispatch package) and consumes InboundEvents from the Service's channel.
package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// DefaultChannelBufferSize defines the buffer size for inbound event channels.
const DefaultChannelBufferSize = 100

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a contact
	// identifier. Each service implements its own recipient rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers an outbound payload to a contact. Callers must run window
	// policy first; Send itself does not enforce it.
	Send(ctx context.Context, to string, payload models.OutboundPayload) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Events returns a channel of inbound contact events.
	Events() <-chan models.InboundEvent
}

// CanonicalizePhone normalizes a phone-number recipient: strips a leading "+",
// spaces, and dashes, and requires the remainder to be digits.
func CanonicalizePhone(recipient string) (string, error) {
	s := strings.TrimSpace(recipient)
	s = strings.TrimPrefix(s, "+")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	if s == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("recipient %q contains non-digit characters", recipient)
		}
	}
	return s, nil
}
