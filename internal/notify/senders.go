package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
)

// Inbox is the subset of the store the InboxSender writes to.
type Inbox interface {
	InsertNotification(ctx context.Context, n *model.Notification) error
}

// InboxSender persists notifications to the account's inbox.
type InboxSender struct {
	inbox Inbox
}

func NewInboxSender(inbox Inbox) *InboxSender {
	return &InboxSender{inbox: inbox}
}

func (s *InboxSender) Send(ctx context.Context, n *model.Notification) error {
	return s.inbox.InsertNotification(ctx, n)
}

func (s *InboxSender) Name() string { return "inbox" }

// WebhookSender posts each notification as JSON to an operator webhook.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a WebhookSender for url. A zero timeout defaults
// to five seconds.
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type webhookPayload struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Severity  model.Severity `json:"severity"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *WebhookSender) Send(ctx context.Context, n *model.Notification) error {
	body, err := json.Marshal(webhookPayload{
		ID:        n.ID,
		AccountID: n.AccountID,
		Title:     n.Title,
		Body:      n.Body,
		Severity:  n.Severity,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (s *WebhookSender) Name() string { return "webhook" }

// Publisher pushes an event to live subscribers of one account.
type Publisher interface {
	Publish(accountID, eventType string, data any)
}

// HubSender forwards notifications to connected websocket clients.
type HubSender struct {
	pub Publisher
}

func NewHubSender(pub Publisher) *HubSender {
	return &HubSender{pub: pub}
}

func (s *HubSender) Send(_ context.Context, n *model.Notification) error {
	s.pub.Publish(n.AccountID, "notification", n)
	return nil
}

func (s *HubSender) Name() string { return "hub" }
