// Package telegram implements a Notifier backed by the Telegram Bot API
// sendMessage method.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/shineum/mailvault/internal/email"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

var (
	// ErrNon2xx is returned when the Bot API answers with a non-2xx status.
	ErrNon2xx = errors.New("telegram API returned non-2xx status")
	// ErrNotOK is returned when the Bot API answers 2xx with "ok": false.
	ErrNotOK = errors.New("telegram API response not ok")
)

// Config holds the bot credentials and the transport options.
type Config struct {
	BotToken string
	ChatID   string
	// APIBase overrides DefaultAPIBase, e.g. for a local Bot API server.
	APIBase string
	// Proxy is an optional socks5:// URL all requests are dialed through.
	Proxy   string
	Timeout time.Duration
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notifier posts each notification's text to one chat.
type Notifier struct {
	token      string
	chatID     string
	endpoint   string
	httpClient *http.Client
}

// New validates cfg and builds the HTTP client.
func New(cfg Config) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram chat id is required")
	}

	client, err := newHTTPClient(cfg.Proxy, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return NewWithClient(cfg, client), nil
}

// NewWithClient uses client as is; Proxy and Timeout in cfg are ignored.
func NewWithClient(cfg Config, client *http.Client) *Notifier {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	return &Notifier{
		token:      cfg.BotToken,
		chatID:     cfg.ChatID,
		endpoint:   fmt.Sprintf("%s/bot%s/sendMessage", base, cfg.BotToken),
		httpClient: client,
	}
}

// Name returns the channel name.
func (t *Notifier) Name() string {
	return "telegram"
}

// Notify sends n.Text to the configured chat. The bot token never appears
// in a returned error.
func (t *Notifier) Notify(ctx context.Context, n *email.Notification) error {
	if err := t.send(ctx, n.Text); err != nil {
		return &redactedError{msg: sanitize(err.Error(), t.token), err: err}
	}
	return nil
}

// redactedError hides the bot token from Error while keeping the chain
// intact for errors.Is.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func (t *Notifier) send(ctx context.Context, text string) error {
	payload, err := json.Marshal(sendMessageRequest{ChatID: t.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal sendMessage: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read sendMessage response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: (%d) %s", ErrNon2xx, resp.StatusCode, oneLine(body))
	}

	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("parse sendMessage response: %w", err)
	}
	if !r.OK {
		return fmt.Errorf("%w: %s", ErrNotOK, r.Description)
	}
	return nil
}

func newHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if proxyURL == "" {
		return client, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse telegram proxy: %w", err)
	}
	dialer, err := proxy.FromURL(u, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram proxy %s: %w", u.Redacted(), err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	client.Transport = transport
	return client, nil
}

func sanitize(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

func oneLine(b []byte) string {
	s := strings.ReplaceAll(string(b), "\r", `\r`)
	return strings.ReplaceAll(s, "\n", `\n`)
}
