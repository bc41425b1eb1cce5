// Package api provides HTTP handlers for ChatterMill endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// inboundWebhookRequest is the provider-agnostic webhook body. Providers that
// post form-encoded payloads (e.g. Twilio) are adapted upstream.
type inboundWebhookRequest struct {
	From      string `json:"from"`
	EventID   string `json:"event_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix seconds; defaults to now
}

// contactRequest is the body of operator endpoints addressing one contact.
type contactRequest struct {
	ContactID string `json:"contact_id"`
}

func (s *Server) inboundWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inboundWebhookHandler: processing webhook", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req inboundWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.inboundWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	canonicalFrom, err := s.msgService.ValidateAndCanonicalizeRecipient(req.From)
	if err != nil {
		slog.Warn("Server.inboundWebhookHandler: sender validation failed", "error", err, "from", req.From)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if req.EventID == "" {
		// Providers without delivery ids still get idempotent handling per
		// generated id; true redeliveries from such providers are not
		// collapsible.
		req.EventID = uuid.NewString()
	}
	ts := time.Now()
	if req.Timestamp > 0 {
		ts = time.Unix(req.Timestamp, 0)
	}

	evt := models.InboundEvent{
		ContactID: canonicalFrom,
		EventID:   req.EventID,
		Text:      req.Text,
		Timestamp: ts,
	}
	if err := evt.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	// Processing is asynchronous; the webhook acks as soon as the event is
	// admitted to the contact's mailbox. The request context would be
	// canceled on return, so the turn runs under the background context.
	s.eng.Submit(context.Background(), evt)
	slog.Info("Server.inboundWebhookHandler: event admitted", "contactID", evt.ContactID, "eventID", evt.EventID)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Event admitted for processing"))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContactID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: contact_id"))
		return
	}

	if err := s.eng.ResetConversation(r.Context(), req.ContactID); err != nil {
		if errors.Is(err, models.ErrStateNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("No conversation for contact"))
			return
		}
		slog.Error("Server.resetHandler: reset failed", "error", err, "contactID", req.ContactID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reset conversation"))
		return
	}
	slog.Info("Server.resetHandler: conversation reset", "contactID", req.ContactID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", nil))
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	contactID := r.URL.Query().Get("contact_id")
	if contactID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: contact_id"))
		return
	}

	state, err := s.st.GetConversationState(contactID)
	if err != nil {
		slog.Error("Server.stateHandler: state load failed", "error", err, "contactID", contactID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation state"))
		return
	}
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("No conversation for contact"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) clearHandoverHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ContactID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: contact_id"))
		return
	}

	if err := s.eng.ClearHandover(req.ContactID); err != nil {
		if errors.Is(err, models.ErrContactNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown contact"))
			return
		}
		slog.Error("Server.clearHandoverHandler: clear failed", "error", err, "contactID", req.ContactID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clear handover"))
		return
	}
	slog.Info("Server.clearHandoverHandler: handover cleared", "contactID", req.ContactID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Handover cleared", nil))
}
