// Package stdout implements a Notifier that prints notifications to the
// console. It is the fallback channel when nothing else is configured.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/mailvault/internal/email"
)

const rule = "========================================\n"

// Notifier writes each notification between two rules.
type Notifier struct {
	writer io.Writer
}

// New creates a Notifier that writes to os.Stdout.
func New() *Notifier {
	return &Notifier{writer: os.Stdout}
}

// NewWithWriter creates a Notifier that writes to w.
func NewWithWriter(w io.Writer) *Notifier {
	return &Notifier{writer: w}
}

// Notify prints n.Text. Write errors are returned so the caller can log
// them like any other channel failure.
func (p *Notifier) Notify(_ context.Context, n *email.Notification) error {
	var b strings.Builder
	b.WriteString(rule)
	b.WriteString(n.Text)
	if !strings.HasSuffix(n.Text, "\n") {
		b.WriteString("\n")
	}
	b.WriteString(rule)

	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Name returns the channel name.
func (p *Notifier) Name() string {
	return "stdout"
}
