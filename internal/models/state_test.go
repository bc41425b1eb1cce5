package models

import (
	"testing"
	"time"
)

func TestWindowOpenBoundary(t *testing.T) {
	expiry := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	state := ConversationState{WindowExpiresAt: expiry}

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"well before expiry", expiry.Add(-time.Hour), true},
		{"one nanosecond before expiry", expiry.Add(-time.Nanosecond), true},
		{"exactly at expiry", expiry, false},
		{"after expiry", expiry.Add(time.Second), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := state.WindowOpen(tc.now); got != tc.want {
				t.Errorf("WindowOpen(%v) = %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestWindowOpenZeroExpiry(t *testing.T) {
	var state ConversationState
	if state.WindowOpen(time.Now()) {
		t.Error("zero expiry must report a closed window")
	}
}

func TestTouchInbound(t *testing.T) {
	var state ConversationState
	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	state.TouchInbound(at, 24*time.Hour)

	if !state.LastInboundAt.Equal(at) {
		t.Errorf("LastInboundAt = %v, want %v", state.LastInboundAt, at)
	}
	if want := at.Add(24 * time.Hour); !state.WindowExpiresAt.Equal(want) {
		t.Errorf("WindowExpiresAt = %v, want %v", state.WindowExpiresAt, want)
	}
	if !state.WindowOpen(at) {
		t.Error("window should be open immediately after an inbound event")
	}
}

func TestInboundEventValidate(t *testing.T) {
	cases := []struct {
		name    string
		evt     InboundEvent
		wantErr error
	}{
		{"valid", InboundEvent{ContactID: "15551234567", EventID: "e1", Text: "hi"}, nil},
		{"missing contact", InboundEvent{EventID: "e1"}, ErrEmptyContactID},
		{"missing event id", InboundEvent{ContactID: "c1"}, ErrEmptyEventID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.evt.Validate(); err != tc.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestOutboundPayloadValidate(t *testing.T) {
	cases := []struct {
		name    string
		payload OutboundPayload
		wantErr bool
	}{
		{"free text", FreeText("hello"), false},
		{"empty free text", FreeText(""), true},
		{"template", Template("order_update", map[string]string{"1": "x"}), false},
		{"template without name", OutboundPayload{Kind: PayloadTemplate}, true},
		{"document", Document("doc://abc", "here"), false},
		{"document without ref", OutboundPayload{Kind: PayloadDocument}, true},
		{"unknown kind", OutboundPayload{Kind: "carrier_pigeon", Body: "x"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestControlTokenPriorityOrdering(t *testing.T) {
	ordered := []ControlTokenKind{
		TokenProductIDs, TokenAddToCart, TokenGeneratePDF, TokenHumanHandover, TokenEndConversation,
	}
	for i := 1; i < len(ordered); i++ {
		prev := ControlToken{Kind: ordered[i-1]}
		cur := ControlToken{Kind: ordered[i]}
		if prev.Priority() >= cur.Priority() {
			t.Errorf("%s must process before %s", ordered[i-1], ordered[i])
		}
	}
}
