// Package pipeline runs one inbound message through resolve, decode,
// encrypt, archive and notify.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/shineum/mailvault/internal/decoder"
	"github.com/shineum/mailvault/internal/email"
	"github.com/shineum/mailvault/internal/notify"
)

// State is the stage an invocation reached.
type State int

const (
	StateReceived State = iota
	StateDropped
	StateDecoding
	StateEncrypting
	StatePersisting
	StateNotifying
	StateDone
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateDropped:
		return "DROPPED"
	case StateDecoding:
		return "DECODING"
	case StateEncrypting:
		return "ENCRYPTING"
	case StatePersisting:
		return "PERSISTING"
	case StateNotifying:
		return "NOTIFYING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PreviewLength caps the summary excerpt in a notification, in UTF-16
// code units. A cut preview gets Ellipsis appended.
const (
	PreviewLength = 500
	Ellipsis      = "..."
)

var (
	ErrResolve = errors.New("resolve destination")
	ErrEncrypt = errors.New("encrypt summary")
	ErrPersist = errors.New("persist message")
)

// Archive stores encrypted messages. Insert must not return before the
// row is durable.
type Archive interface {
	Insert(ctx context.Context, msg *email.StoredMessage) error
}

// Encryptor seals a summary under a secret.
type Encryptor interface {
	Encrypt(plaintext, secret string) (string, error)
}

// Dispatcher is safe for concurrent use as long as its collaborators are.
type Dispatcher struct {
	resolver  *Resolver
	encryptor Encryptor
	archive   Archive
	notifier  notify.Notifier
	secret    string
}

// NewDispatcher wires the pipeline stages. secret is the encryption secret
// every summary is sealed under.
func NewDispatcher(registry Registry, encryptor Encryptor, archive Archive, notifier notify.Notifier, secret string) *Dispatcher {
	return &Dispatcher{
		resolver:  NewResolver(registry),
		encryptor: encryptor,
		archive:   archive,
		notifier:  notifier,
		secret:    secret,
	}
}

// Dispatch processes ev and returns the state the invocation ended in.
// Messages to unknown addresses end in StateDropped with a nil error.
// A failed notification is logged and still ends in StateDone.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *email.InboundEvent) (State, error) {
	log := slog.With("invocation_id", uuid.NewString())

	to := strings.ToLower(strings.TrimSpace(ev.To))
	dest, ok, err := d.resolver.Resolve(ctx, to)
	if err != nil {
		log.Error("address lookup failed", "to", to, "error", err)
		return StateReceived, fmt.Errorf("%w: %w", ErrResolve, err)
	}
	if !ok {
		log.Info("unknown destination address", "to", to)
		return StateDropped, nil
	}

	subject := ev.Subject
	if subject == "" {
		subject = email.NoSubject
	}

	summary, err := decoder.Decode(ev.Raw)
	if err != nil {
		log.Warn("failed to read message body", "to", to, "error", err)
	}

	sealed, err := d.encryptor.Encrypt(summary, d.secret)
	if err != nil {
		log.Error("encryption failed", "to", to, "error", err)
		return StateEncrypting, fmt.Errorf("%w: %w", ErrEncrypt, err)
	}

	msg := &email.StoredMessage{
		OwnerID:       dest.ID,
		From:          ev.From,
		Subject:       subject,
		EncryptedBody: sealed,
	}
	if err := d.archive.Insert(ctx, msg); err != nil {
		log.Error("archive write failed", "to", to, "error", err)
		return StatePersisting, fmt.Errorf("%w: %w", ErrPersist, err)
	}
	log.Info("message archived", "to", to, "from", ev.From, "message_id", msg.ID)

	n := Compose(dest.Address, ev.From, subject, summary)
	if err := d.notifier.Notify(ctx, n); err != nil {
		log.Warn("notification failed",
			"notifier", d.notifier.Name(),
			"to", to,
			"error", err,
		)
		return StateDone, nil
	}

	log.Debug("notification sent", "notifier", d.notifier.Name(), "to", to)
	return StateDone, nil
}

// Deliver runs Dispatch and drops the terminal state, for transports that
// only care whether the message was accepted.
func (d *Dispatcher) Deliver(ctx context.Context, ev *email.InboundEvent) error {
	_, err := d.Dispatch(ctx, ev)
	return err
}

// Compose builds the notification for an archived message.
func Compose(to, from, subject, summary string) *email.Notification {
	preview := summary
	if decoder.Length(summary) > PreviewLength {
		preview, _ = decoder.Truncate(summary, PreviewLength)
		preview += Ellipsis
	}
	return &email.Notification{
		Destination: to,
		From:        from,
		Subject:     subject,
		Preview:     preview,
		Text:        fmt.Sprintf("📧 New mail\n\n📬 %s\n📨 %s\n📋 %s\n\n%s", to, from, subject, preview),
	}
}
