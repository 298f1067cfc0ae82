// Package graph implements a Notifier that mails notifications through the
// Microsoft Graph sendMail endpoint using client-credentials OAuth.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shineum/mailvault/internal/email"
)

// ErrUnauthorized is returned when Graph rejects the access token. The
// cached token is dropped so the next notification fetches a fresh one.
var ErrUnauthorized = errors.New("graph rejected access token")

// Config holds the tenant app registration and the mailbox pair.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
	Recipient    string
}

// Notifier sends one mail per notification from Sender to Recipient.
type Notifier struct {
	recipient  string
	sendURL    string
	httpClient *http.Client
	creds      *credentials
}

// New builds a Notifier against the public Graph endpoints.
func New(cfg Config) *Notifier {
	client := &http.Client{Timeout: 30 * time.Second}
	return newNotifier(cfg,
		fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", cfg.Sender),
		fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		client,
	)
}

func newNotifier(cfg Config, sendURL, tokenURL string, client *http.Client) *Notifier {
	return &Notifier{
		recipient:  cfg.Recipient,
		sendURL:    sendURL,
		httpClient: client,
		creds:      newCredentials(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

// Name returns the channel name.
func (g *Notifier) Name() string {
	return "msgraph"
}

// Notify posts a single sendMail request. Failures are not retried.
func (g *Notifier) Notify(ctx context.Context, n *email.Notification) error {
	payload, err := json.Marshal(buildSendMail(g.recipient, n))
	if err != nil {
		return fmt.Errorf("marshal sendMail: %w", err)
	}

	token, err := g.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sendMail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendMail: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		g.creds.Invalidate()
		return ErrUnauthorized
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ge graphErrorResponse
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		return fmt.Errorf("graph sendMail returned %d (%s): %s", resp.StatusCode, ge.Error.Code, ge.Error.Message)
	}
	return fmt.Errorf("graph sendMail returned %d: %s", resp.StatusCode, body)
}

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject      string      `json:"subject"`
	Body         messageBody `json:"body"`
	ToRecipients []recipient `json:"toRecipients"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func buildSendMail(to string, n *email.Notification) *sendMailRequest {
	return &sendMailRequest{
		Message: sendMailMessage{
			Subject: fmt.Sprintf("New mail for %s: %s", n.Destination, n.Subject),
			Body:    messageBody{ContentType: "text", Content: n.Text},
			ToRecipients: []recipient{
				{EmailAddress: emailAddress{Address: to}},
			},
		},
	}
}
