// Package decoder turns an arbitrarily encoded raw message into a bounded
// plain-text summary.
//
// The extraction is heuristic by design: it never looks at Content-Type or
// Content-Transfer-Encoding headers. Instead it applies a fixed sequence of
// pattern-driven rewrites (body isolation, quoted-printable unescaping, a
// base64 detection, tag stripping and whitespace cleanup) and caps the result.
// The order of the steps is part of the observable behavior and must not
// change.
package decoder

import (
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// MaxSummaryLength is the summary cap in UTF-16 code units.
const MaxSummaryLength = 2000

// Placeholder replaces the summary when the raw body cannot be read.
const Placeholder = "(unable to read message content)"

var (
	blankLine    = regexp.MustCompile(`\r?\n\r?\n`)
	softBreak    = regexp.MustCompile(`=\r?\n`)
	qpEscape     = regexp.MustCompile(`=([0-9A-Fa-f]{2})`)
	base64Body   = regexp.MustCompile(`^[A-Za-z0-9+/=\s]+$`)
	whitespace   = regexp.MustCompile(`\s`)
	htmlTag      = regexp.MustCompile(`<[^>]+>`)
	excessBreaks = regexp.MustCompile(`\n{3,}`)
)

// Decode drains r and returns its summary. It always returns a usable
// summary: when r cannot be drained or decoded the summary is Placeholder
// and the returned error describes why.
func Decode(r io.Reader) (string, error) {
	text, err := ReadText(r)
	if err != nil {
		return Placeholder, err
	}
	return Extract(text), nil
}

// ReadText drains r into a single buffer and decodes it as UTF-8. Invalid
// sequences become U+FFFD and a leading byte order mark is dropped.
func ReadText(r io.Reader) (string, error) {
	if r == nil {
		return "", fmt.Errorf("no message body")
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("drain message body: %w", err)
	}
	text, err := unicode.UTF8BOM.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode message body: %w", err)
	}
	return string(text), nil
}

// Extract applies the summary steps to already decoded text.
func Extract(text string) string {
	body := isolateBody(text)
	body = unescapeQuotedPrintable(body)
	if decoded, ok := TryDecodeBase64(body); ok {
		body = decoded
	}
	body = htmlTag.ReplaceAllString(body, "")
	body = normalizeWhitespace(body)
	body, _ = Truncate(body, MaxSummaryLength)
	return body
}

// isolateBody drops everything up to the first blank line. Later
// blank-line separated sections are joined back with a double line break.
// Text without a blank line is returned whole.
func isolateBody(text string) string {
	parts := blankLine.Split(text, -1)
	if len(parts) < 2 {
		return text
	}
	return strings.Join(parts[1:], "\n\n")
}

func unescapeQuotedPrintable(body string) string {
	body = softBreak.ReplaceAllString(body, "")
	return qpEscape.ReplaceAllStringFunc(body, func(m string) string {
		b, err := strconv.ParseUint(m[1:], 16, 8)
		if err != nil {
			return m
		}
		return string(charmap.ISO8859_1.DecodeByte(byte(b)))
	})
}

// TryDecodeBase64 checks whether text is entirely base64 and, if so,
// decodes it. The decoded bytes are read one character per byte (Latin-1).
// Padding is optional, so a body whose trailing "=" was eaten by the
// soft-break rule still decodes. Input whose final character carries
// non-zero unused bits is rejected, as no encoder produces it.
// It reports false when text is not base64 or fails to decode, in which
// case the caller keeps the original text.
func TryDecodeBase64(text string) (string, bool) {
	if !base64Body.MatchString(strings.TrimSpace(text)) {
		return "", false
	}
	compact := whitespace.ReplaceAllString(text, "")
	if len(compact)%4 == 0 {
		for i := 0; i < 2 && strings.HasSuffix(compact, "="); i++ {
			compact = compact[:len(compact)-1]
		}
	}
	if len(compact)%4 == 1 {
		return "", false
	}
	raw, err := base64.RawStdEncoding.Strict().DecodeString(compact)
	if err != nil {
		return "", false
	}
	return latin1(raw), true
}

func normalizeWhitespace(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = excessBreaks.ReplaceAllString(body, "\n\n")
	return strings.TrimSpace(body)
}

func latin1(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		b.WriteRune(charmap.ISO8859_1.DecodeByte(c))
	}
	return b.String()
}

// Truncate cuts s to at most limit UTF-16 code units without splitting a
// character, and reports whether anything was cut.
func Truncate(s string, limit int) (string, bool) {
	units := 0
	for i, r := range s {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > limit {
			return s[:i], true
		}
		units += n
	}
	return s, false
}

// Length returns the length of s in UTF-16 code units.
func Length(s string) int {
	units := 0
	for _, r := range s {
		if n := utf16.RuneLen(r); n > 0 {
			units += n
		} else {
			units++
		}
	}
	return units
}
