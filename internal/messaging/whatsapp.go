// Package messaging provides the whatsmeow-based direct WhatsApp channel
// client.
package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
	"github.com/CedarLaneLabs/ChatterMill/internal/store"
)

// JIDSuffix is the WhatsApp JID suffix for regular users.
const JIDSuffix = "s.whatsapp.net"

// WhatsAppOpts holds configuration options for the direct WhatsApp client.
type WhatsAppOpts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// WhatsAppOption defines a configuration option for the WhatsApp client.
type WhatsAppOption func(*WhatsAppOpts)

// WithWhatsAppDBDSN sets the whatsmeow session database connection string.
func WithWhatsAppDBDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the specified path.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode uses a numeric login code instead of a QR code.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsAppService implements Service on a direct whatsmeow session. Personal
// WhatsApp has no approved-template mechanism, so template payloads are
// rendered to plain text; window policy is still applied upstream by the
// dispatcher.
type WhatsAppService struct {
	waClient *whatsmeow.Client
	events   chan models.InboundEvent
	done     chan struct{}
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates and connects a whatsmeow-backed channel client,
// running the QR login flow when no session exists.
func NewWhatsAppService(opts ...WhatsAppOption) (*WhatsAppService, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("whatsapp session database DSN not set")
	}

	dbDriver := "sqlite3"
	if store.DetectDSNType(cfg.DBDSN) == "postgres" {
		dbDriver = "postgres"
	} else if !strings.Contains(cfg.DBDSN, "_foreign_keys") && !strings.Contains(cfg.DBDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled; "+
			"whatsmeow strongly recommends enabling them", "dsn_example", "file:"+cfg.DBDSN+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp session store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")

	return &WhatsAppService{
		waClient: waClient,
		events:   make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:     make(chan struct{}),
	}, nil
}

// ValidateAndCanonicalizeRecipient applies phone-number canonicalization.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Send delivers a payload as a WhatsApp conversation message. Templates are
// rendered to text; documents are sent as a captioned link.
func (s *WhatsAppService) Send(ctx context.Context, to string, payload models.OutboundPayload) error {
	if s.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if err := payload.Validate(); err != nil {
		return err
	}

	body := payload.Body
	switch payload.Kind {
	case models.PayloadTemplate:
		body = renderTemplateText(payload)
	case models.PayloadDocument:
		body = payload.DocumentRef
		if payload.Caption != "" {
			body = payload.Caption + "\n" + payload.DocumentRef
		}
	}

	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}
	if _, err := s.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("WhatsAppService Send failed", "error", err, "to", to, "kind", payload.Kind)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsAppService Send succeeded", "to", to, "kind", payload.Kind)
	return nil
}

// Start registers the whatsmeow event handler that feeds inbound messages
// into the events channel.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.waClient.AddEventHandler(func(evt interface{}) {
		msg, ok := evt.(*events.Message)
		if !ok {
			return
		}
		text := msg.Message.GetConversation()
		if text == "" && msg.Message.GetExtendedTextMessage() != nil {
			text = msg.Message.GetExtendedTextMessage().GetText()
		}
		if text == "" {
			return
		}
		eventID := msg.Info.ID
		if eventID == "" {
			eventID = uuid.NewString()
		}
		event := models.InboundEvent{
			ContactID: msg.Info.Sender.User,
			EventID:   eventID,
			Text:      text,
			Timestamp: msg.Info.Timestamp,
		}
		select {
		case s.events <- event:
		case <-time.After(time.Second):
			slog.Warn("WhatsAppService events channel full, dropping event", "eventID", eventID)
		case <-s.done:
		}
	})
	return nil
}

// Stop disconnects the client and closes the events channel.
func (s *WhatsAppService) Stop() error {
	close(s.done)
	s.waClient.Disconnect()
	close(s.events)
	return nil
}

// Events returns the inbound event channel.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

func renderTemplateText(payload models.OutboundPayload) string {
	var b strings.Builder
	b.WriteString(payload.TemplateName)
	for key, value := range payload.TemplateParams {
		b.WriteString("\n")
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
	}
	return b.String()
}
