package smtp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/mailvault/internal/email"
)

type deliveredEvent struct {
	to, from, subject, raw string
}

// mockDeliverer records every event it receives.
type mockDeliverer struct {
	mu     sync.Mutex
	events []deliveredEvent
	err    error
}

func (m *mockDeliverer) Deliver(_ context.Context, ev *email.InboundEvent) error {
	raw, _ := io.ReadAll(ev.Raw)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, deliveredEvent{to: ev.To, from: ev.From, subject: ev.Subject, raw: string(raw)})
	return m.err
}

func (m *mockDeliverer) delivered() []deliveredEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]deliveredEvent(nil), m.events...)
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// startSession runs a session in the background and returns the client
// side with the greeting already consumed.
func startSession(t *testing.T, d Deliverer, auth *Authenticator, maxSize int64) (net.Conn, *bufio.Reader) {
	t.Helper()
	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go NewSession(server, auth, d, "mail.test.com", nil, maxSize).Handle(ctx)

	reader := bufio.NewReader(client)
	if greeting := readLine(t, reader); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q", greeting)
	}
	return client, reader
}

func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// expect sends cmd and checks the reply code of the final reply line.
func expect(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd, code string) string {
	t.Helper()
	sendCmd(t, conn, cmd)
	for {
		line := readLine(t, reader)
		if strings.HasPrefix(line, code+"-") {
			continue
		}
		if !strings.HasPrefix(line, code+" ") && line != code {
			t.Fatalf("%s: got %q, want code %s", cmd, line, code)
		}
		return line
	}
}

func sendData(t *testing.T, conn net.Conn, reader *bufio.Reader, lines ...string) string {
	t.Helper()
	expect(t, conn, reader, "DATA", "354")
	body := strings.Join(append(lines, "."), "\r\n") + "\r\n"
	if _, err := conn.Write([]byte(body)); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	return readLine(t, reader)
}

func TestSession_GreetingAndEHLO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockDeliverer{}, NewAuthenticator("", ""), 1024)

	sendCmd(t, client, "EHLO client.test.com")
	var caps []string
	for {
		line := readLine(t, reader)
		caps = append(caps, line)
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}
	joined := strings.Join(caps, "\n")
	if !strings.Contains(joined, "mail.test.com Hello client.test.com") {
		t.Errorf("EHLO reply missing hostname: %q", joined)
	}
	if !strings.Contains(joined, "SIZE 1024") {
		t.Errorf("EHLO should advertise SIZE 1024: %q", joined)
	}
	if strings.Contains(joined, "AUTH") {
		t.Errorf("AUTH should not be advertised without credentials: %q", joined)
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Errorf("STARTTLS should not be advertised without TLS: %q", joined)
	}
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	d := &mockDeliverer{}
	client, reader := startSession(t, d, NewAuthenticator("", ""), 0)

	expect(t, client, reader, "EHLO client.test.com", "250")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "250")
	expect(t, client, reader, "RCPT TO:<A@Example.com>", "250")
	resp := sendData(t, client, reader,
		"From: Someone Else <other@y.com>",
		"To: a@example.com",
		"Subject: =?UTF-8?Q?Caf=C3=A9?=",
		"",
		"Hello",
		"",
		"..World",
	)
	if !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("DATA completion: got %q", resp)
	}

	got := d.delivered()
	if len(got) != 1 {
		t.Fatalf("delivered: got %d, want 1", len(got))
	}
	ev := got[0]
	if ev.to != "A@Example.com" {
		t.Errorf("To: got %q, want envelope recipient", ev.to)
	}
	if ev.from != "x@y.com" {
		t.Errorf("From: got %q, want envelope sender", ev.from)
	}
	if ev.subject != "Café" {
		t.Errorf("Subject: got %q, want %q", ev.subject, "Café")
	}
	if !strings.HasSuffix(ev.raw, "Hello\r\n\r\n.World\r\n") {
		t.Errorf("raw body not dot-unstuffed: %q", ev.raw)
	}
}

func TestSession_NullSenderUsesHeaderFrom(t *testing.T) {
	t.Parallel()

	d := &mockDeliverer{}
	client, reader := startSession(t, d, NewAuthenticator("", ""), 0)

	expect(t, client, reader, "HELO client", "250")
	expect(t, client, reader, "MAIL FROM:<>", "250")
	expect(t, client, reader, "RCPT TO:<a@example.com>", "250")
	sendData(t, client, reader, "From: mailer-daemon@y.com", "", "bounce")

	got := d.delivered()
	if len(got) != 1 || got[0].from != "mailer-daemon@y.com" {
		t.Errorf("delivered: got %+v", got)
	}
}

func TestSession_SecondRecipientRejected(t *testing.T) {
	t.Parallel()

	d := &mockDeliverer{}
	client, reader := startSession(t, d, NewAuthenticator("", ""), 0)

	expect(t, client, reader, "EHLO client", "250")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "250")
	expect(t, client, reader, "RCPT TO:<a@example.com>", "250")
	expect(t, client, reader, "RCPT TO:<b@example.com>", "452")
	sendData(t, client, reader, "Subject: hi", "", "body")

	got := d.delivered()
	if len(got) != 1 || got[0].to != "a@example.com" {
		t.Errorf("delivered: got %+v", got)
	}
}

func TestSession_DeliveryFailure(t *testing.T) {
	t.Parallel()

	d := &mockDeliverer{err: errors.New("archive down")}
	client, reader := startSession(t, d, NewAuthenticator("", ""), 0)

	expect(t, client, reader, "EHLO client", "250")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "250")
	expect(t, client, reader, "RCPT TO:<a@example.com>", "250")
	if resp := sendData(t, client, reader, "Subject: hi", "", "body"); !strings.HasPrefix(resp, "451 ") {
		t.Errorf("DATA completion: got %q, want 451", resp)
	}

	// The transaction is reset and a new one can start.
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "250")
}

func TestSession_MessageTooLarge(t *testing.T) {
	t.Parallel()

	d := &mockDeliverer{}
	client, reader := startSession(t, d, NewAuthenticator("", ""), 64)

	expect(t, client, reader, "EHLO client", "250")
	expect(t, client, reader, "MAIL FROM:<x@y.com> SIZE=65", "552")
	expect(t, client, reader, "MAIL FROM:<x@y.com> SIZE=10", "250")
	expect(t, client, reader, "RCPT TO:<a@example.com>", "250")
	resp := sendData(t, client, reader, "Subject: big", "", strings.Repeat("x", 100), "tail")
	if !strings.HasPrefix(resp, "552 ") {
		t.Errorf("DATA completion: got %q, want 552", resp)
	}
	if got := d.delivered(); len(got) != 0 {
		t.Errorf("oversized message should not be delivered, got %d", len(got))
	}

	expect(t, client, reader, "NOOP", "250")
}

func TestSession_SingleLineTooLarge(t *testing.T) {
	t.Parallel()

	d := &mockDeliverer{}
	client, reader := startSession(t, d, NewAuthenticator("", ""), 1024)

	expect(t, client, reader, "EHLO client", "250")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "250")
	expect(t, client, reader, "RCPT TO:<a@example.com>", "250")
	resp := sendData(t, client, reader, "Subject: big", "", strings.Repeat("y", 64*1024))
	if !strings.HasPrefix(resp, "552 ") {
		t.Errorf("DATA completion: got %q, want 552", resp)
	}
	if got := d.delivered(); len(got) != 0 {
		t.Errorf("oversized message should not be delivered, got %d", len(got))
	}

	expect(t, client, reader, "NOOP", "250")
}

func TestReadData_LongLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		maxSize   int64
		want      string
		wantBig   bool
		remaining string
	}{
		{
			name:      "line longer than the limit",
			input:     strings.Repeat("x", 1<<20) + "\r\n.\r\nNOOP\r\n",
			maxSize:   64,
			wantBig:   true,
			remaining: "NOOP\r\n",
		},
		{
			name:    "line longer than the read buffer",
			input:   "0123456789abcdef..x\r\n..y\r\n.\r\n",
			maxSize: 1024,
			want:    "0123456789abcdef..x\r\n.y\r\n",
		},
		{
			name:    "dot inside a long line is not a terminator",
			input:   "0123456789abcdef.\r\nend\r\n.\r\n",
			maxSize: 1024,
			want:    "0123456789abcdef.\r\nend\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// 16 is the smallest buffer bufio allows.
			s := &Session{reader: bufio.NewReaderSize(strings.NewReader(tt.input), 16), maxSize: tt.maxSize}
			got, tooBig, err := s.readData()
			if err != nil {
				t.Fatalf("readData: %v", err)
			}
			if tooBig != tt.wantBig {
				t.Errorf("tooBig: got %v, want %v", tooBig, tt.wantBig)
			}
			if tt.wantBig {
				if len(got) != 0 {
					t.Errorf("oversized data kept %d bytes", len(got))
				}
			} else if string(got) != tt.want {
				t.Errorf("data: got %q, want %q", got, tt.want)
			}
			rest, _ := io.ReadAll(s.reader)
			if string(rest) != tt.remaining {
				t.Errorf("remaining input: got %q, want %q", rest, tt.remaining)
			}
		})
	}
}

func TestReadData_ConnectionClosed(t *testing.T) {
	t.Parallel()

	s := &Session{reader: bufio.NewReaderSize(strings.NewReader(strings.Repeat("z", 100)), 16), maxSize: 1024}
	if _, _, err := s.readData(); !errors.Is(err, io.EOF) {
		t.Errorf("readData: got %v, want EOF", err)
	}
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockDeliverer{}, NewAuthenticator("", ""), 0)

	expect(t, client, reader, "MAIL FROM:<x@y.com>", "503")
	expect(t, client, reader, "EHLO client", "250")
	expect(t, client, reader, "RCPT TO:<a@example.com>", "503")
	expect(t, client, reader, "DATA", "503")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "250")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "503")
	expect(t, client, reader, "RSET", "250")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "250")
	expect(t, client, reader, "MAIL FROM", "503")
}

func TestSession_SyntaxErrors(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockDeliverer{}, NewAuthenticator("", ""), 0)

	expect(t, client, reader, "EHLO", "501")
	expect(t, client, reader, "EHLO client", "250")
	expect(t, client, reader, "MAIL TO:<x@y.com>", "501")
	expect(t, client, reader, "MAIL FROM:", "501")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "250")
	expect(t, client, reader, "RCPT FROM:<a@example.com>", "501")
	expect(t, client, reader, "RCPT TO:<>", "501")
	expect(t, client, reader, "VRFY a", "500")
	expect(t, client, reader, "QUIT", "221")
}

func TestSession_AuthRequired(t *testing.T) {
	t.Parallel()

	d := &mockDeliverer{}
	client, reader := startSession(t, d, NewAuthenticator("user", "pass"), 0)

	expect(t, client, reader, "AUTH PLAIN "+b64("\x00user\x00pass"), "503")
	expect(t, client, reader, "EHLO client", "250")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "530")
	expect(t, client, reader, "AUTH PLAIN "+b64("\x00user\x00wrong"), "535")
	expect(t, client, reader, "AUTH CRAM-MD5", "504")
	expect(t, client, reader, "AUTH PLAIN "+b64("\x00user\x00pass"), "235")
	expect(t, client, reader, "AUTH PLAIN "+b64("\x00user\x00pass"), "503")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "250")
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockDeliverer{}, NewAuthenticator("user", "pass"), 0)

	expect(t, client, reader, "EHLO client", "250")
	expect(t, client, reader, "AUTH LOGIN", "334")
	expect(t, client, reader, b64("user"), "334")
	expect(t, client, reader, b64("pass"), "235")
}

func TestSession_AuthCancelled(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, &mockDeliverer{}, NewAuthenticator("user", "pass"), 0)

	expect(t, client, reader, "EHLO client", "250")
	expect(t, client, reader, "AUTH PLAIN", "334")
	expect(t, client, reader, "*", "501")
	expect(t, client, reader, "MAIL FROM:<x@y.com>", "530")
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		wantCmd string
		wantArg string
	}{
		{line: "EHLO example.com", wantCmd: "EHLO", wantArg: "example.com"},
		{line: "mail FROM:<a@b.c>", wantCmd: "MAIL", wantArg: "FROM:<a@b.c>"},
		{line: "QUIT", wantCmd: "QUIT", wantArg: ""},
		{line: "AUTH PLAIN abc", wantCmd: "AUTH", wantArg: "PLAIN abc"},
	}
	for _, tt := range tests {
		cmd, arg := parseCommand(tt.line)
		if cmd != tt.wantCmd || arg != tt.wantArg {
			t.Errorf("parseCommand(%q): got (%q, %q), want (%q, %q)", tt.line, cmd, arg, tt.wantCmd, tt.wantArg)
		}
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{input: "<user@example.com>", want: "user@example.com"},
		{input: " <user@example.com> SIZE=100", want: "user@example.com"},
		{input: "user@example.com", want: "user@example.com"},
		{input: "user@example.com BODY=8BITMIME", want: "user@example.com"},
		{input: "<>", want: ""},
		{input: "<unterminated", want: ""},
		{input: "", want: ""},
	}
	for _, tt := range tests {
		if got := extractAddress(tt.input); got != tt.want {
			t.Errorf("extractAddress(%q): got %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSizeParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input  string
		want   int64
		wantOK bool
	}{
		{input: "<a@b.c> SIZE=1234", want: 1234, wantOK: true},
		{input: "<a@b.c> size=5 BODY=8BITMIME", want: 5, wantOK: true},
		{input: "<a@b.c>", wantOK: false},
		{input: "<a@b.c> SIZE=abc", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := sizeParam(tt.input)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("sizeParam(%q): got (%d, %v), want (%d, %v)", tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
}
