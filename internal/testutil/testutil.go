// Package testutil provides common test utilities and helpers for ChatterMill tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/CedarLaneLabs/ChatterMill/internal/actions"
	"github.com/CedarLaneLabs/ChatterMill/internal/cart"
	"github.com/CedarLaneLabs/ChatterMill/internal/dispatch"
	"github.com/CedarLaneLabs/ChatterMill/internal/docgen"
	"github.com/CedarLaneLabs/ChatterMill/internal/engine"
	"github.com/CedarLaneLabs/ChatterMill/internal/flowdef"
	"github.com/CedarLaneLabs/ChatterMill/internal/genai"
	"github.com/CedarLaneLabs/ChatterMill/internal/messaging"
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/CedarLaneLabs/ChatterMill/internal/notify"
	"github.com/CedarLaneLabs/ChatterMill/internal/store"
)

// ScriptedCompleter returns queued responses in order, then repeats the last
// one. It records every prompt context it received.
type ScriptedCompleter struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Prompts   []genai.PromptContext
}

var _ genai.Completer = (*ScriptedCompleter)(nil)

// Complete pops the next scripted response.
func (c *ScriptedCompleter) Complete(ctx context.Context, pc genai.PromptContext) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Prompts = append(c.Prompts, pc)
	if c.Err != nil {
		return "", c.Err
	}
	if len(c.Responses) == 0 {
		return "", nil
	}
	response := c.Responses[0]
	if len(c.Responses) > 1 {
		c.Responses = c.Responses[1:]
	}
	return response, nil
}

// FakeClock is a settable time source.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts the clock at a fixed instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to an instant.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Harness bundles an engine with all its in-memory collaborators so tests can
// drive turns and assert on every side effect.
type Harness struct {
	Engine    *engine.Engine
	Store     *store.InMemoryStore
	Channel   *messaging.MockService
	Carts     *cart.MemoryStore
	Notifier  *notify.MemoryNotifier
	Generator *docgen.MemoryGenerator
	Completer *ScriptedCompleter
	Clock     *FakeClock
}

// NewHarness assembles an engine over in-memory collaborators and the given
// flow definitions. Extra engine options are applied after the defaults.
func NewHarness(t *testing.T, defs []*flowdef.FlowDefinition, mainFlow, mainMenuStep string, opts ...engine.Option) *Harness {
	t.Helper()

	flows, err := flowdef.NewRegistry(defs, mainFlow, mainMenuStep)
	if err != nil {
		t.Fatalf("failed to build flow registry: %v", err)
	}

	st := store.NewInMemoryStore()
	channel := messaging.NewMockService()
	carts := cart.NewMemoryStore()
	notifier := notify.NewMemoryNotifier()
	generator := docgen.NewMemoryGenerator()
	completer := &ScriptedCompleter{}
	clock := NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	handlers := []actions.Handler{
		&actions.AddToCartHandler{Carts: carts},
		&actions.GenerateDocumentHandler{Generator: docgen.NewBounded(generator, time.Second), Carts: carts},
		&actions.QueueNotificationHandler{Notifier: notifier, DefaultRecipients: []string{"staff-1"}},
		&actions.RequestHandoverHandler{Contacts: st, Notifier: notifier, Staff: []string{"staff-1"}},
	}
	registry, err := actions.NewRegistry(st, notifier, []string{"staff-1"}, handlers,
		actions.WithBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("failed to build action registry: %v", err)
	}

	dispatcher := dispatch.NewDispatcher(channel, st, dispatch.WithClock(clock.Now))

	engineOpts := append([]engine.Option{engine.WithClock(clock.Now)}, opts...)
	eng := engine.New(st, st, flows, registry, dispatcher, completer, channel, engineOpts...)

	return &Harness{
		Engine:    eng,
		Store:     st,
		Channel:   channel,
		Carts:     carts,
		Notifier:  notifier,
		Generator: generator,
		Completer: completer,
		Clock:     clock,
	}
}

// Turn runs one inbound turn synchronously and fails the test on error.
func (h *Harness) Turn(t *testing.T, contactID, eventID, text string) {
	t.Helper()
	evt := models.InboundEvent{
		ContactID: contactID,
		EventID:   eventID,
		Text:      text,
		Timestamp: h.Clock.Now(),
	}
	if err := h.Engine.ProcessEvent(context.Background(), evt); err != nil {
		t.Fatalf("turn %s/%s failed: %v", contactID, eventID, err)
	}
}

// SentBodies returns the free-text bodies of everything the channel sent.
func (h *Harness) SentBodies() []string {
	var out []string
	for _, msg := range h.Channel.Sent() {
		if msg.Payload.Kind == models.PayloadFreeText {
			out = append(out, msg.Payload.Body)
		}
	}
	return out
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}
