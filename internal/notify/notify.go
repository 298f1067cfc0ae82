// Package notify defines the outbound channel a message summary is
// forwarded to once it has been archived.
package notify

import (
	"context"

	"github.com/shineum/mailvault/internal/email"
)

// Notifier forwards a composed notification to an external channel
// (Telegram, an email relay, an MQTT topic, the console).
type Notifier interface {
	// Notify sends n. An error means the channel rejected or never
	// received it.
	Notify(ctx context.Context, n *email.Notification) error

	// Name returns the channel name used in logs.
	Name() string
}
