// Package parser reads the RFC 5322 header block of a raw message. Only the
// header is interpreted; the body is left to the decoder's heuristics.
package parser

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Header holds the fields the relay needs from a message header.
type Header struct {
	From      string
	To        []string
	Subject   string
	MessageID string
}

// Parse reads the header block of raw. Encoded words in the subject are
// decoded; an unknown charset keeps the raw header value.
func Parse(raw []byte) (*Header, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	mh := mail.Header{Header: message.Header{Header: h}}

	result := &Header{
		From:      firstAddress(mh, "From"),
		To:        addressList(mh, "To"),
		MessageID: strings.TrimSpace(mh.Get("Message-Id")),
	}

	subject, err := mh.Subject()
	if err != nil {
		slog.Debug("subject not decodable, keeping raw value", "error", err)
		subject = mh.Get("Subject")
	}
	result.Subject = strings.TrimSpace(subject)

	return result, nil
}

func firstAddress(h mail.Header, key string) string {
	list := addressList(h, key)
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// addressList returns bare addresses. Values that do not parse as an
// RFC 5322 list are split on commas instead.
func addressList(h mail.Header, key string) []string {
	raw := h.Get(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	addrs, err := h.AddressList(key)
	if err != nil {
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}
