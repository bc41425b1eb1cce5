package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/CedarLaneLabs/ChatterMill/internal/messaging"
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/CedarLaneLabs/ChatterMill/internal/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func openState(contactID string) *models.ConversationState {
	return &models.ConversationState{
		ContactID:       contactID,
		Context:         models.NewContext(),
		WindowExpiresAt: testNow.Add(time.Hour),
	}
}

func closedState(contactID string, expiry time.Time) *models.ConversationState {
	return &models.ConversationState{
		ContactID:       contactID,
		Context:         models.NewContext(),
		WindowExpiresAt: expiry,
	}
}

func newTestDispatcher(opts ...Option) (*Dispatcher, *messaging.MockService, *store.InMemoryStore) {
	channel := messaging.NewMockService()
	st := store.NewInMemoryStore()
	opts = append(opts, WithClock(func() time.Time { return testNow }))
	return NewDispatcher(channel, st, opts...), channel, st
}

func TestSendFreeTextInsideWindow(t *testing.T) {
	d, channel, _ := newTestDispatcher()
	if err := d.Send(context.Background(), openState("c1"), models.FreeText("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := channel.Sent()
	if len(sent) != 1 || sent[0].Payload.Body != "hello" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestSendFreeTextAtExactExpiryIsClosed(t *testing.T) {
	d, channel, st := newTestDispatcher()
	// Boundary: expiry equals now, so the window counts as closed.
	state := closedState("c1", testNow)

	if err := d.Send(context.Background(), state, models.FreeText("too late")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(channel.Sent()) != 0 {
		t.Error("nothing should reach the channel with a closed window")
	}
	claimed, _ := st.ClaimPendingForContact("c1", 10)
	if len(claimed) != 1 {
		t.Fatalf("pending = %d, want 1 deferred payload", len(claimed))
	}
}

func TestSendTemplateBypassesWindow(t *testing.T) {
	d, channel, _ := newTestDispatcher()
	state := closedState("c1", testNow.Add(-time.Hour))

	payload := models.Template("order_update", map[string]string{"1": "shipped"})
	if err := d.Send(context.Background(), state, payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := channel.Sent()
	if len(sent) != 1 || sent[0].Payload.Kind != models.PayloadTemplate {
		t.Errorf("sent = %+v, want the template delivered", sent)
	}
}

func TestSendSubstitutesTemplateWhenConfigured(t *testing.T) {
	d, channel, st := newTestDispatcher(WithSubstituteTemplate("come_back"))
	channel.Templates["come_back"] = true
	state := closedState("c1", testNow.Add(-time.Minute))

	if err := d.Send(context.Background(), state, models.FreeText("psst")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := channel.Sent()
	if len(sent) != 1 || sent[0].Payload.TemplateName != "come_back" {
		t.Fatalf("sent = %+v, want substitution template", sent)
	}
	if claimed, _ := st.ClaimPendingForContact("c1", 10); len(claimed) != 0 {
		t.Error("substituted send should not also defer")
	}
}

func TestSendDefersWhenSubstituteTemplateUnregistered(t *testing.T) {
	d, channel, st := newTestDispatcher(WithSubstituteTemplate("come_back"))
	// Template name configured but the channel has no approval for it.
	state := closedState("c1", testNow.Add(-time.Minute))

	if err := d.Send(context.Background(), state, models.FreeText("psst")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(channel.Sent()) != 0 {
		t.Error("unapproved substitute must not be sent")
	}
	if claimed, _ := st.ClaimPendingForContact("c1", 10); len(claimed) != 1 {
		t.Error("payload should fall back to the pending queue")
	}
}

func TestSendRejectsInvalidPayload(t *testing.T) {
	d, _, _ := newTestDispatcher()
	if err := d.Send(context.Background(), openState("c1"), models.FreeText("")); err == nil {
		t.Error("empty payload must be rejected")
	}
}

func TestFlushPendingDeliversInOrder(t *testing.T) {
	d, channel, _ := newTestDispatcher()
	state := closedState("c1", testNow.Add(-time.Hour))

	for _, body := range []string{"first", "second", "third"} {
		if err := d.Send(context.Background(), state, models.FreeText(body)); err != nil {
			t.Fatalf("defer %q: %v", body, err)
		}
	}

	sent, err := d.FlushPending(context.Background(), "c1")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if sent != 3 {
		t.Fatalf("flushed = %d, want 3", sent)
	}
	delivered := channel.Sent()
	for i, want := range []string{"first", "second", "third"} {
		if delivered[i].Payload.Body != want {
			t.Errorf("delivery %d = %q, want %q", i, delivered[i].Payload.Body, want)
		}
	}

	// Second flush finds nothing.
	if sent, _ := d.FlushPending(context.Background(), "c1"); sent != 0 {
		t.Errorf("second flush = %d, want 0", sent)
	}
}

func TestFlushPendingStopsAtFirstFailure(t *testing.T) {
	d, channel, _ := newTestDispatcher()
	state := closedState("c1", testNow.Add(-time.Hour))
	if err := d.Send(context.Background(), state, models.FreeText("doomed")); err != nil {
		t.Fatal(err)
	}

	channel.SendErr = context.DeadlineExceeded
	if _, err := d.FlushPending(context.Background(), "c1"); err == nil {
		t.Fatal("flush should surface the delivery failure")
	}
	channel.SendErr = nil

	// The failed message was requeued, not lost.
	if sent, err := d.FlushPending(context.Background(), "c1"); err != nil || sent != 1 {
		t.Errorf("recovery flush = %d, %v; want 1 delivered", sent, err)
	}
	if last := channel.Sent(); len(last) != 1 || last[0].Payload.Body != "doomed" {
		t.Errorf("recovered delivery = %+v", last)
	}
}
