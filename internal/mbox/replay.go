// Package mbox feeds the messages of an mbox file through the relay
// pipeline, one invocation per message, as if each had arrived over SMTP.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/shineum/mailvault/internal/email"
	"github.com/shineum/mailvault/internal/parser"
	"github.com/shineum/mailvault/internal/pipeline"
)

// Dispatcher runs one pipeline invocation.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *email.InboundEvent) (pipeline.State, error)
}

// Result counts the outcome of a replay.
type Result struct {
	Total     int
	Delivered int
	Dropped   int
	Skipped   int
	Failed    int
}

// Replayer reads an mbox stream and dispatches every message.
type Replayer struct {
	dispatcher Dispatcher
	// to overrides the recipient taken from each message's To header.
	to string
}

// NewReplayer returns a Replayer. With an empty to, each message goes to
// the first address of its own To header.
func NewReplayer(d Dispatcher, to string) *Replayer {
	return &Replayer{dispatcher: d, to: strings.TrimSpace(to)}
}

// Replay dispatches every message in r. A pipeline failure is counted and
// logged, and the replay moves on to the next message; only a broken mbox
// stream or a cancelled context stops it.
func (rp *Replayer) Replay(ctx context.Context, r io.Reader) (Result, error) {
	var res Result
	reader := mboxlib.NewReader(r)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			return res, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return res, fmt.Errorf("message %d read: %w", idx, err)
		}
		res.Total++

		ev, ok := rp.event(idx, raw)
		if !ok {
			res.Skipped++
			continue
		}

		state, err := rp.dispatcher.Dispatch(ctx, ev)
		switch {
		case err != nil:
			res.Failed++
			slog.Error("replay dispatch failed", "index", idx, "to", ev.To, "state", state.String(), "error", err)
		case state == pipeline.StateDropped:
			res.Dropped++
		default:
			res.Delivered++
		}
	}
}

func (rp *Replayer) event(idx int, raw []byte) (*email.InboundEvent, bool) {
	ev := &email.InboundEvent{To: rp.to, Raw: bytes.NewReader(raw)}

	hdr, err := parser.Parse(raw)
	if err != nil {
		slog.Warn("replay message header not parseable", "index", idx, "error", err)
	} else {
		ev.From = hdr.From
		ev.Subject = hdr.Subject
		if ev.To == "" && len(hdr.To) > 0 {
			ev.To = hdr.To[0]
		}
	}

	if ev.To == "" {
		slog.Warn("replay message has no recipient, skipping", "index", idx)
		return nil, false
	}
	return ev, true
}
