package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/CedarLaneLabs/ChatterMill/internal/flowdef"
	"github.com/CedarLaneLabs/ChatterMill/internal/testutil"
)

const apiTestFlowYAML = `
name: main
version: 1
entry: welcome
steps:
  - id: welcome
    kind: message
    message: "Welcome aboard!"
    default: main_menu
  - id: main_menu
    kind: message
    message: "Menu: anything goes."
    default: main_menu
`

func newTestServer(t *testing.T) (*Server, *testutil.Harness) {
	t.Helper()
	def, err := flowdef.ParseDefinition([]byte(apiTestFlowYAML))
	if err != nil {
		t.Fatalf("parse flow: %v", err)
	}
	h := testutil.NewHarness(t, []*flowdef.FlowDefinition{def}, "main", "main_menu")
	return NewServer(h.Engine, h.Store, h.Channel), h
}

func waitForSends(t *testing.T, h *testutil.Harness, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(h.Channel.Sent()) >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d sends, have %d", want, len(h.Channel.Sent()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestInboundWebhookAcceptsAndProcesses(t *testing.T) {
	s, h := newTestServer(t)

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/webhook/inbound", map[string]interface{}{
		"from":     "+1 555-000-1111",
		"event_id": "evt-1",
		"text":     "hi",
	})
	rr := httptest.NewRecorder()
	s.inboundWebhookHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "webhook")
	testutil.AssertJSONResponse(t, rr, "accepted")

	// Processing is async behind the 202.
	waitForSends(t, h, 1)
	sent := h.Channel.Sent()
	if sent[0].To != "15550001111" {
		t.Errorf("recipient = %q, want canonicalized number", sent[0].To)
	}
	if !strings.HasPrefix(sent[0].Payload.Body, "Welcome aboard!") {
		t.Errorf("reply = %q", sent[0].Payload.Body)
	}
}

func TestInboundWebhookRejectsInvalidSender(t *testing.T) {
	s, _ := newTestServer(t)

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/webhook/inbound", map[string]interface{}{
		"from": "not-a-number",
		"text": "hi",
	})
	rr := httptest.NewRecorder()
	s.inboundWebhookHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid sender")
	testutil.AssertJSONResponse(t, rr, "error")
}

func TestInboundWebhookRejectsMalformedJSON(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhook/inbound", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	s.inboundWebhookHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "malformed body")
}

func TestInboundWebhookMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/webhook/inbound", nil)
	rr := httptest.NewRecorder()
	s.inboundWebhookHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "method check")
}

func TestResetHandlerUnknownContact(t *testing.T) {
	s, _ := newTestServer(t)

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/conversations/reset", map[string]string{
		"contact_id": "ghost",
	})
	rr := httptest.NewRecorder()
	s.resetHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "reset unknown contact")
}

func TestResetHandlerResetsKnownContact(t *testing.T) {
	s, h := newTestServer(t)
	h.Turn(t, "15550001111", "evt-1", "hi")

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/conversations/reset", map[string]string{
		"contact_id": "15550001111",
	})
	rr := httptest.NewRecorder()
	s.resetHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "reset")
	testutil.AssertJSONResponse(t, rr, "ok")

	state, _ := h.Store.GetConversationState("15550001111")
	if state.StepID != "main_menu" {
		t.Errorf("step after reset = %q, want main_menu", state.StepID)
	}
}

func TestStateHandler(t *testing.T) {
	s, h := newTestServer(t)
	h.Turn(t, "15550001111", "evt-1", "hi")

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/state?contact_id=15550001111", nil)
	rr := httptest.NewRecorder()
	s.stateHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "state lookup")
	response := testutil.AssertJSONResponse(t, rr, "ok")
	result, ok := response["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("result missing from response: %v", response)
	}
	if result["contact_id"] != "15550001111" {
		t.Errorf("contact_id = %v", result["contact_id"])
	}
}

func TestStateHandlerMissingParam(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/state", nil)
	rr := httptest.NewRecorder()
	s.stateHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing contact_id")
}

func TestStateHandlerUnknownContact(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/state?contact_id=ghost", nil)
	rr := httptest.NewRecorder()
	s.stateHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown contact")
}

func TestClearHandoverHandler(t *testing.T) {
	s, h := newTestServer(t)
	h.Turn(t, "15550001111", "evt-1", "hi")

	contact, _ := h.Store.GetContact("15550001111")
	contact.NeedsHumanHandover = true
	if err := h.Store.SaveContact(*contact); err != nil {
		t.Fatal(err)
	}

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/handover/clear", map[string]string{
		"contact_id": "15550001111",
	})
	rr := httptest.NewRecorder()
	s.clearHandoverHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "clear handover")
	cleared, _ := h.Store.GetContact("15550001111")
	if cleared.NeedsHumanHandover {
		t.Error("handover flag should be cleared")
	}
}

func TestClearHandoverHandlerUnknownContact(t *testing.T) {
	s, _ := newTestServer(t)

	req := testutil.CreateHTTPRequest(t, http.MethodPost, "/v1/handover/clear", map[string]string{
		"contact_id": "ghost",
	})
	rr := httptest.NewRecorder()
	s.clearHandoverHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "clear unknown contact")
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	s.healthHandler(rr, req)

	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
}
