package messaging

import (
	"context"
	"sync"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// MockService implements Service in memory for tests and DSN-less local runs.
// Sends are recorded, and tests inject inbound events via PushInbound.
type MockService struct {
	mu     sync.Mutex
	sent   []SentMessage
	events chan models.InboundEvent
	// SendErr, when set, is returned by every Send call.
	SendErr error
	// Templates mirrors the approved-template registry of a real channel.
	Templates map[string]bool
}

// SentMessage records one delivered payload for assertions.
type SentMessage struct {
	To      string
	Payload models.OutboundPayload
}

var _ Service = (*MockService)(nil)

// NewMockService creates an empty mock channel client.
func NewMockService() *MockService {
	return &MockService{
		events:    make(chan models.InboundEvent, DefaultChannelBufferSize),
		Templates: make(map[string]bool),
	}
}

// ValidateAndCanonicalizeRecipient applies phone-number canonicalization.
func (s *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Send records the payload.
func (s *MockService) Send(ctx context.Context, to string, payload models.OutboundPayload) error {
	if s.SendErr != nil {
		return s.SendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, SentMessage{To: to, Payload: payload})
	return nil
}

// Start is a no-op.
func (s *MockService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the events channel.
func (s *MockService) Stop() error {
	close(s.events)
	return nil
}

// Events returns the inbound event channel.
func (s *MockService) Events() <-chan models.InboundEvent {
	return s.events
}

// PushInbound injects an inbound event.
func (s *MockService) PushInbound(evt models.InboundEvent) {
	s.events <- evt
}

// Sent returns a snapshot of recorded sends.
func (s *MockService) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// HasTemplate reports whether a template name is registered.
func (s *MockService) HasTemplate(name string) bool {
	return s.Templates[name]
}
