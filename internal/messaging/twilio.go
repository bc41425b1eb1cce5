// Package messaging provides the Twilio WhatsApp channel client.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// TwilioOpts holds configuration options for the Twilio channel client.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	// ContentSIDs maps template names to approved Twilio content SIDs.
	ContentSIDs map[string]string
}

// TwilioOption defines a configuration option for the Twilio channel client.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number ("whatsapp:+1234567890").
func WithFromWhats(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromWhats = from }
}

// WithContentSIDs maps template names to approved Twilio content SIDs.
func WithContentSIDs(m map[string]string) TwilioOption {
	return func(o *TwilioOpts) { o.ContentSIDs = m }
}

// TwilioService implements Service on the Twilio WhatsApp API. Inbound events
// arrive through the HTTP webhook and are forwarded via PushInbound.
type TwilioService struct {
	client      *twilio.RestClient
	fromWhats   string
	contentSIDs map[string]string
	events      chan models.InboundEvent
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a Twilio-backed channel client. Credentials fall
// back to the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER
// environment variables.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	slog.Debug("TwilioService created", "from_set", cfg.FromWhats != "", "templates", len(cfg.ContentSIDs))
	return &TwilioService{
		client:      client,
		fromWhats:   cfg.FromWhats,
		contentSIDs: cfg.ContentSIDs,
		events:      make(chan models.InboundEvent, DefaultChannelBufferSize),
	}, nil
}

// ValidateAndCanonicalizeRecipient applies phone-number canonicalization.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Send delivers a payload through the Twilio messages API. Template payloads
// use the approved content SID registered for the template name.
func (s *TwilioService) Send(ctx context.Context, to string, payload models.OutboundPayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(s.fromWhats)

	switch payload.Kind {
	case models.PayloadFreeText:
		params.SetBody(payload.Body)
	case models.PayloadTemplate:
		sid, ok := s.contentSIDs[payload.TemplateName]
		if !ok {
			return fmt.Errorf("no content SID registered for template %q", payload.TemplateName)
		}
		params.SetContentSid(sid)
		if len(payload.TemplateParams) > 0 {
			vars, err := json.Marshal(payload.TemplateParams)
			if err != nil {
				return fmt.Errorf("failed to encode template params: %w", err)
			}
			params.SetContentVariables(string(vars))
		}
	case models.PayloadDocument:
		params.SetMediaUrl([]string{payload.DocumentRef})
		if payload.Caption != "" {
			params.SetBody(payload.Caption)
		}
	}

	_, err := s.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioService Send failed", "error", err, "to", to, "kind", payload.Kind)
		return fmt.Errorf("failed to send %s message to %s: %w", payload.Kind, to, err)
	}
	slog.Debug("TwilioService Send succeeded", "to", to, "kind", payload.Kind)
	return nil
}

// PushInbound forwards a webhook-delivered event into the events channel.
func (s *TwilioService) PushInbound(evt models.InboundEvent) {
	s.events <- evt
}

// Start is a no-op: Twilio inbound arrives via webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the events channel.
func (s *TwilioService) Stop() error {
	close(s.events)
	return nil
}

// Events returns the inbound event channel.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// HasTemplate reports whether an approved content SID exists for a template
// name. The dispatcher uses this for window-substitution decisions.
func (s *TwilioService) HasTemplate(name string) bool {
	_, ok := s.contentSIDs[name]
	return ok
}
