package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mailvault/internal/email"
	"github.com/shineum/mailvault/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageSize applies when no limit is configured (10 MB).
const DefaultMaxMessageSize = 10 * 1024 * 1024

// Deliverer receives one inbound event per accepted DATA. A non-nil error
// turns into a transient 451 so the sending MTA tries again later.
type Deliverer interface {
	Deliver(ctx context.Context, ev *email.InboundEvent) error
}

// Session is a single client connection.
type Session struct {
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	state     int
	auth      *Authenticator
	deliverer Deliverer
	hostname  string
	maxSize   int64

	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction. Only one recipient is accepted per message.
	mailFrom string
	rcptTo   string
}

// NewSession creates a session for conn. A maxSize of zero or less means
// DefaultMaxMessageSize.
func NewSession(conn net.Conn, auth *Authenticator, deliverer Deliverer, hostname string, tlsConfig *tls.Config, maxSize int64) *Session {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		auth:      auth,
		deliverer: deliverer,
		hostname:  hostname,
		maxSize:   maxSize,
		tlsConfig: tlsConfig,
	}
}

// Handle runs the command loop until the client quits, the connection
// drops, or ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP mailvault", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand dispatches one command and reports whether the session ends.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.maxSize)
	s.writeLine("250 OK")
}

func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "error", err)
		return
	}

	// RFC 3207: the client must greet again after the handshake.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.mailFrom, s.rcptTo = "", ""
}

func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		s.authPlain(initial)
	case "LOGIN":
		s.authLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *Session) authPlain(encoded string) {
	if encoded == "" {
		s.writeLine("334")
		line, ok := s.readAuthLine()
		if !ok {
			return
		}
		encoded = line
	}
	if err := s.auth.VerifyPlain(encoded); err != nil {
		slog.Info("SMTP authentication failed", "mechanism", "PLAIN", "remote", s.conn.RemoteAddr().String())
		s.writeLine("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

func (s *Session) authLogin() {
	s.writeLine("334 VXNlcm5hbWU6") // "Username:"
	user, ok := s.readAuthLine()
	if !ok {
		return
	}
	s.writeLine("334 UGFzc3dvcmQ6") // "Password:"
	pass, ok := s.readAuthLine()
	if !ok {
		return
	}
	if err := s.auth.VerifyLogin(user, pass); err != nil {
		slog.Info("SMTP authentication failed", "mechanism", "LOGIN", "remote", s.conn.RemoteAddr().String())
		s.writeLine("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// readAuthLine reads one SASL response line. A "*" cancels the exchange.
func (s *Session) readAuthLine() (string, bool) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Debug("failed to read AUTH response", "error", err)
		return "", false
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", false
	}
	return line, true
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	path := strings.TrimSpace(arg[5:])
	addr := extractAddress(path)
	// "<>" is the null reverse-path used by bounces.
	if addr == "" && !strings.HasPrefix(path, "<>") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	if size, ok := sizeParam(path); ok && size > s.maxSize {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	s.mailFrom = addr
	s.rcptTo = ""
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if s.rcptTo != "" {
		s.writeLine("452 Too many recipients, send one message per recipient")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = addr
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message up to the terminating dot. Input beyond
// maxSize is read and discarded so the reply stays in sync with the client.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooBig, err := s.readData()
	if err != nil {
		slog.Error("error reading DATA", "error", err)
		return
	}
	defer s.resetTransaction()

	if tooBig {
		slog.Warn("message rejected: size limit exceeded", "to", s.rcptTo, "limit", s.maxSize)
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	if err := s.deliverer.Deliver(ctx, s.buildEvent(raw)); err != nil {
		slog.Error("message delivery failed", "to", s.rcptTo, "error", err)
		s.writeLine("451 Temporary failure, please try again later")
		return
	}
	s.writeLine("250 OK message accepted")
}

// readData reads the DATA section up to the terminating dot line. Lines
// are consumed in buffer-sized chunks, so a single line without a break
// never grows memory past maxSize.
func (s *Session) readData() ([]byte, bool, error) {
	var buf bytes.Buffer
	tooBig := false
	lineStart := true
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if err != nil && err != bufio.ErrBufferFull {
			return nil, false, err
		}
		complete := err == nil
		if lineStart {
			if complete && string(bytes.TrimRight(chunk, "\r\n")) == "." {
				break
			}
			// Dot-stuffing: a leading ".." stands for a single dot.
			if bytes.HasPrefix(chunk, []byte("..")) {
				chunk = chunk[1:]
			}
		}
		lineStart = complete
		if tooBig {
			continue
		}
		if int64(buf.Len()+len(chunk)) > s.maxSize {
			tooBig = true
			buf = bytes.Buffer{}
			continue
		}
		buf.Write(chunk)
	}
	return buf.Bytes(), tooBig, nil
}

// buildEvent takes the envelope as authoritative and reads only the
// subject (and a sender fallback for the null reverse-path) from the header.
func (s *Session) buildEvent(raw []byte) *email.InboundEvent {
	ev := &email.InboundEvent{
		To:   s.rcptTo,
		From: s.mailFrom,
		Raw:  bytes.NewReader(raw),
	}

	hdr, err := parser.Parse(raw)
	if err != nil {
		slog.Debug("message header not parseable", "error", err)
		return ev
	}
	ev.Subject = hdr.Subject
	if ev.From == "" {
		ev.From = hdr.From
	}
	return ev
}

// resetTransaction clears the envelope, keeping greeting and auth state.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = ""

	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		slog.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return strings.TrimSpace(s[1:end])
	}

	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s
}

// sizeParam finds a SIZE=n ESMTP parameter after the path.
func sizeParam(path string) (int64, bool) {
	for _, field := range strings.Fields(path) {
		k, v, ok := strings.Cut(field, "=")
		if !ok || !strings.EqualFold(k, "SIZE") {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
