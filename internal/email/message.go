// Package email defines the core data model shared by the relay pipeline,
// the archive store and the notifiers.
package email

import (
	"io"
	"time"
)

// RegisteredAddress is a destination provisioned in the registry. Address is
// the unique, lower-cased lookup key.
type RegisteredAddress struct {
	ID        int64
	Address   string
	CreatedAt time.Time
}

// NoSubject stands in for a missing or empty Subject header.
const NoSubject = "(no subject)"

// InboundEvent is a single inbound message as handed over by a transport.
// Raw is consumed exactly once by the pipeline and never retained.
type InboundEvent struct {
	To      string
	From    string
	Subject string
	Raw     io.Reader
}

// StoredMessage is an archived message. EncryptedBody is the base64
// nonce||ciphertext produced by the vault; plaintext is never stored.
type StoredMessage struct {
	ID            int64
	OwnerID       int64
	From          string
	Subject       string
	EncryptedBody string
	CreatedAt     time.Time
}

// Notification is what a notifier receives after a message was archived.
// Text is the fully composed message; the other fields are there for
// channels that render their own layout (e.g. an email subject line).
type Notification struct {
	Destination string
	From        string
	Subject     string
	Preview     string
	Text        string
}
