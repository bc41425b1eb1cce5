package actions

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CedarLaneLabs/ChatterMill/internal/cart"
	"github.com/CedarLaneLabs/ChatterMill/internal/docgen"
	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/CedarLaneLabs/ChatterMill/internal/notify"
	"github.com/CedarLaneLabs/ChatterMill/internal/store"
)

// flakyHandler fails a fixed number of times before succeeding.
type flakyHandler struct {
	name      string
	failures  int
	attempts  int
	permanent bool
}

func (h *flakyHandler) Name() string { return h.name }

func (h *flakyHandler) Execute(ctx context.Context, state *models.ConversationState, params map[string]string) (Result, error) {
	h.attempts++
	if h.permanent || h.attempts <= h.failures {
		return Result{}, errors.New("backend unavailable")
	}
	return Result{Success: true}, nil
}

func testState(contactID string) *models.ConversationState {
	return &models.ConversationState{
		ContactID: contactID,
		Context:   models.NewContext(),
		Mode:      models.ModeFlow,
	}
}

func newTestRegistry(t *testing.T, st store.Store, notifier notify.Notifier, handlers ...Handler) *Registry {
	t.Helper()
	reg, err := NewRegistry(st, notifier, []string{"staff-1", "staff-2"}, handlers, WithBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestInvokeUnknownActionIsHardError(t *testing.T) {
	st := store.NewInMemoryStore()
	reg := newTestRegistry(t, st, notify.NewMemoryNotifier())

	_, err := reg.Invoke(context.Background(), "definitely_not_registered", nil, testState("c1"))
	if !errors.Is(err, models.ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
}

func TestInvokeRetriesTransientFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	h := &flakyHandler{name: "wobbly", failures: 2}
	reg := newTestRegistry(t, st, notify.NewMemoryNotifier(), h)

	res, err := reg.Invoke(context.Background(), "wobbly", nil, testState("c1"))
	if err != nil {
		t.Fatalf("Invoke = %v, want success after retries", err)
	}
	if !res.Success {
		t.Error("result should report success")
	}
	if h.attempts != 3 {
		t.Errorf("attempts = %d, want 3", h.attempts)
	}
}

func TestInvokeExhaustionEscalatesToHandover(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveContact(models.Contact{ID: "c1", Mode: models.ModeFlow, Active: true}); err != nil {
		t.Fatal(err)
	}
	notifier := notify.NewMemoryNotifier()
	h := &flakyHandler{name: "broken", permanent: true}
	reg := newTestRegistry(t, st, notifier, h)

	res, err := reg.Invoke(context.Background(), "broken", nil, testState("c1"))
	if !errors.Is(err, models.ErrActionExecutionFailed) {
		t.Fatalf("err = %v, want ErrActionExecutionFailed", err)
	}
	if h.attempts != DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", h.attempts, DefaultMaxAttempts)
	}

	// The contact is flagged for human attention.
	contact, _ := st.GetContact("c1")
	if contact == nil || !contact.NeedsHumanHandover {
		t.Error("contact should be flagged for handover after retry exhaustion")
	}

	// Staff are notified with the failing action named in the reason.
	queued := notifier.Queued()
	if len(queued) != 1 {
		t.Fatalf("staff notifications = %d, want 1", len(queued))
	}
	if queued[0].Template != StaffNotificationTemplate {
		t.Errorf("notification template = %q", queued[0].Template)
	}
	if reason := queued[0].Context["reason"]; reason != "action_failed:broken" {
		t.Errorf("notification reason = %q, want action_failed:broken", reason)
	}

	// The contact sees a generic apology, never the raw error.
	if len(res.Payloads) != 1 || res.Payloads[0].Body != GenericApology {
		t.Errorf("payloads = %+v, want generic apology", res.Payloads)
	}
	for _, p := range res.Payloads {
		if strings.Contains(p.Body, "backend unavailable") {
			t.Error("raw error detail leaked to the contact")
		}
	}
}

func TestAddToCartHandlerSumsDuplicatesAndAccumulates(t *testing.T) {
	carts := cart.NewMemoryStore()
	h := &AddToCartHandler{Carts: carts}
	state := testState("c1")

	// Duplicate id within one call sums before the store write.
	res, err := h.Execute(context.Background(), state, map[string]string{
		ParamProductIDs: "101,101,102",
	})
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if res.ContextAdditions["cart.item_count"] != "3" {
		t.Errorf("cart.item_count = %q, want 3", res.ContextAdditions["cart.item_count"])
	}

	// A later call accumulates on top.
	res, err = h.Execute(context.Background(), state, map[string]string{
		ParamProductIDs: "101,102",
		ParamQuantities: "3,1",
	})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if res.ContextAdditions["cart.item_count"] != "7" {
		t.Errorf("cart.item_count = %q, want 7", res.ContextAdditions["cart.item_count"])
	}

	got, _ := carts.Get(context.Background(), "c1")
	want := map[int]int{101: 5, 102: 2}
	for _, item := range got.Items {
		if want[item.ProductID] != item.Quantity {
			t.Errorf("product %d quantity = %d, want %d", item.ProductID, item.Quantity, want[item.ProductID])
		}
		delete(want, item.ProductID)
	}
	if len(want) != 0 {
		t.Errorf("missing products in cart: %v", want)
	}
}

func TestAddToCartHandlerRejectsBadParams(t *testing.T) {
	h := &AddToCartHandler{Carts: cart.NewMemoryStore()}
	cases := []map[string]string{
		{},
		{ParamProductIDs: ""},
		{ParamProductIDs: "abc"},
		{ParamProductIDs: "1,2", ParamQuantities: "1"},
		{ParamProductIDs: "1", ParamQuantities: "0"},
	}
	for i, params := range cases {
		if _, err := h.Execute(context.Background(), testState("c1"), params); err == nil {
			t.Errorf("case %d: params %v accepted, want error", i, params)
		}
	}
}

func TestGenerateDocumentHandlerUsesCartWhenNoIDs(t *testing.T) {
	carts := cart.NewMemoryStore()
	if err := carts.AddItems(context.Background(), "c1", map[int]int{5: 1, 3: 2}); err != nil {
		t.Fatal(err)
	}
	gen := docgen.NewMemoryGenerator()
	h := &GenerateDocumentHandler{Generator: gen, Carts: carts}

	res, err := h.Execute(context.Background(), testState("c1"), map[string]string{ParamKind: "quote"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Payloads) != 1 || res.Payloads[0].Kind != models.PayloadDocument {
		t.Fatalf("payloads = %+v, want one document", res.Payloads)
	}
	spec, ok := gen.Generated(res.Payloads[0].DocumentRef)
	if !ok {
		t.Fatal("generator has no record of the document")
	}
	if spec.Kind != "quote" || len(spec.ProductIDs) != 2 {
		t.Errorf("spec = %+v, want quote over 2 cart products", spec)
	}
	if res.ContextAdditions["doc.last_ref"] != res.Payloads[0].DocumentRef {
		t.Error("doc.last_ref should carry the generated reference")
	}
}

func TestGenerateDocumentHandlerPropagatesFailure(t *testing.T) {
	gen := docgen.NewMemoryGenerator()
	gen.Err = errors.New("renderer offline")
	h := &GenerateDocumentHandler{Generator: gen}

	if _, err := h.Execute(context.Background(), testState("c1"), map[string]string{ParamProductIDs: "1"}); err == nil {
		t.Error("generator failure must propagate")
	}
}

func TestQueueNotificationHandlerConfirmsEnqueue(t *testing.T) {
	notifier := notify.NewMemoryNotifier()
	h := &QueueNotificationHandler{Notifier: notifier, DefaultRecipients: []string{"ops"}}

	res, err := h.Execute(context.Background(), testState("c1"), map[string]string{
		ParamTemplate: "order_ready",
		"order_id":    "o-42",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	queued := notifier.Queued()
	if len(queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(queued))
	}
	if queued[0].Template != "order_ready" || queued[0].Context["order_id"] != "o-42" {
		t.Errorf("notification = %+v", queued[0])
	}
	if res.ContextAdditions["notify.last_id"] != queued[0].ID {
		t.Error("notify.last_id should carry the confirmation id")
	}
}

func TestQueueNotificationHandlerRequiresTemplate(t *testing.T) {
	h := &QueueNotificationHandler{Notifier: notify.NewMemoryNotifier(), DefaultRecipients: []string{"ops"}}
	if _, err := h.Execute(context.Background(), testState("c1"), nil); err == nil {
		t.Error("missing template must fail")
	}
}

func TestRequestHandoverHandler(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.SaveContact(models.Contact{ID: "c1", Mode: models.ModeFlow, Active: true}); err != nil {
		t.Fatal(err)
	}
	notifier := notify.NewMemoryNotifier()
	h := &RequestHandoverHandler{Contacts: st, Notifier: notifier, Staff: []string{"staff-1"}}

	res, err := h.Execute(context.Background(), testState("c1"), map[string]string{ParamReason: "customer_request"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Error("handover should report success")
	}
	contact, _ := st.GetContact("c1")
	if !contact.NeedsHumanHandover {
		t.Error("contact should be flagged")
	}
	queued := notifier.Queued()
	if len(queued) != 1 || queued[0].Context["reason"] != "customer_request" {
		t.Errorf("staff notification = %+v", queued)
	}
}

func TestRequestHandoverHandlerUnknownContact(t *testing.T) {
	h := &RequestHandoverHandler{Contacts: store.NewInMemoryStore(), Notifier: notify.NewMemoryNotifier()}
	_, err := h.Execute(context.Background(), testState("ghost"), nil)
	if !errors.Is(err, models.ErrContactNotFound) {
		t.Errorf("err = %v, want ErrContactNotFound", err)
	}
}

func TestNewRegistryRejectsDuplicateHandlers(t *testing.T) {
	st := store.NewInMemoryStore()
	_, err := NewRegistry(st, notify.NewMemoryNotifier(), nil, []Handler{
		&flakyHandler{name: "dup"},
		&flakyHandler{name: "dup"},
	})
	if err == nil {
		t.Error("duplicate handler names must be rejected")
	}
}
