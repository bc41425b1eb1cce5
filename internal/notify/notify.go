// Package notify provides the staff notification collaborator interface.
//
// Notifications are fire-and-forget from the engine's perspective, but
// Enqueue must confirm the hand-off (not merely attempt it) before an action
// reports success.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification is one confirmed-enqueued staff notification.
type Notification struct {
	ID         string            `json:"id"`
	Template   string            `json:"template"`
	Recipients []string          `json:"recipients"`
	Context    map[string]string `json:"context,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Notifier defines the notification service collaborator.
type Notifier interface {
	// Enqueue submits a notification and returns its confirmation id. An
	// error means the notification was NOT accepted; callers must treat the
	// action as failed.
	Enqueue(ctx context.Context, template string, recipients []string, notifCtx map[string]string) (string, error)
}

// MemoryNotifier implements Notifier in process memory. It stands in for the
// external notification service in tests and DSN-less local runs.
type MemoryNotifier struct {
	mu    sync.Mutex
	queue []Notification
}

var _ Notifier = (*MemoryNotifier)(nil)

// NewMemoryNotifier creates an empty in-memory notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

// Enqueue records the notification and returns its confirmation id.
func (n *MemoryNotifier) Enqueue(ctx context.Context, template string, recipients []string, notifCtx map[string]string) (string, error) {
	notif := Notification{
		ID:         uuid.NewString(),
		Template:   template,
		Recipients: recipients,
		Context:    notifCtx,
		EnqueuedAt: time.Now(),
	}
	n.mu.Lock()
	n.queue = append(n.queue, notif)
	n.mu.Unlock()
	slog.Debug("MemoryNotifier Enqueue confirmed", "id", notif.ID, "template", template, "recipients", len(recipients))
	return notif.ID, nil
}

// Queued returns a snapshot of enqueued notifications.
func (n *MemoryNotifier) Queued() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.queue))
	copy(out, n.queue)
	return out
}
