package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/incidentops/courier/db"
)

// ChannelError classifies adapter send failures. Transient errors
// (network, rate limit) are retried with backoff; permanent errors (bad
// address, unsupported recipient) fail the tuple immediately.
type ChannelError struct {
	Channel   string
	Transient bool
	Err       error
}

func (e *ChannelError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("channel %s: %s error: %v", e.Channel, kind, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// NewTransientChannelError wraps a retryable send failure.
func NewTransientChannelError(channel string, err error) *ChannelError {
	return &ChannelError{Channel: channel, Transient: true, Err: err}
}

// NewPermanentChannelError wraps a non-retryable send failure.
func NewPermanentChannelError(channel string, err error) *ChannelError {
	return &ChannelError{Channel: channel, Transient: false, Err: err}
}

// IsTransientChannelError reports whether the dispatcher should retry.
// Unclassified errors are treated as transient so flaky adapters get the
// benefit of the retry budget.
func IsTransientChannelError(err error) bool {
	var chErr *ChannelError
	if errors.As(err, &chErr) {
		return chErr.Transient
	}
	return true
}

// ChannelSender is the external channel adapter collaborator. Send returns
// the provider's external message id.
type ChannelSender interface {
	Send(ctx context.Context, channel string, st db.Stakeholder, message string) (string, error)
}

// AdapterRegistry maps channels to their senders. Registration happens at
// wiring time; lookups are read-mostly.
type AdapterRegistry struct {
	mu      sync.RWMutex
	senders map[string]ChannelSender
}

func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{senders: make(map[string]ChannelSender)}
}

func (r *AdapterRegistry) Register(channel string, sender ChannelSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = sender
}

// Sender returns the adapter for a channel. A missing adapter is a permanent
// configuration error, not a retryable one.
func (r *AdapterRegistry) Sender(channel string) (ChannelSender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sender, ok := r.senders[channel]
	if !ok {
		return nil, NewPermanentChannelError(channel, fmt.Errorf("no adapter registered for channel"))
	}
	return sender, nil
}

// ===========================
// WEBHOOK ADAPTER
// ===========================

// WebhookSender posts notifications to an HTTP endpoint. Used for chat-style
// channels fronted by a relay or incoming-webhook URL.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	TeamID  string `json:"team_id"`
	Role    string `json:"role,omitempty"`
	Channel string `json:"channel"`
	Message string `json:"message"`
}

type webhookResponse struct {
	MessageID string `json:"message_id"`
}

func (s *WebhookSender) Send(ctx context.Context, channel string, st db.Stakeholder, message string) (string, error) {
	if s.URL == "" {
		return "", NewPermanentChannelError(channel, fmt.Errorf("webhook URL not configured"))
	}

	body, err := json.Marshal(webhookPayload{
		TeamID:  st.TeamID,
		Role:    st.Role,
		Channel: channel,
		Message: message,
	})
	if err != nil {
		return "", NewPermanentChannelError(channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return "", NewPermanentChannelError(channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", NewTransientChannelError(channel, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var wr webhookResponse
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &wr); err == nil && wr.MessageID != "" {
			return wr.MessageID, nil
		}
		// Endpoint accepted but returned no id; synthesize one for the audit
		// trail.
		return uuid.New().String(), nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", NewTransientChannelError(channel, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	default:
		return "", NewPermanentChannelError(channel, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}

// ===========================
// LOG ADAPTER
// ===========================

// LogSender writes the message to the process log and reports success. It
// stands in for channels whose provider integration is configured per
// deployment (email, sms, pager).
type LogSender struct{}

func NewLogSender() LogSender {
	return LogSender{}
}

func (LogSender) Send(_ context.Context, channel string, st db.Stakeholder, message string) (string, error) {
	id := uuid.New().String()
	log.Printf("LogSender: [%s] to team %s (%s): %s", channel, st.TeamID, id, message)
	return id, nil
}

// ===========================
// ISSUE TRACKER COLLABORATOR
// ===========================

// IssueCreator is the issue-tracker collaborator consumed by create_issue
// routing actions.
type IssueCreator interface {
	CreateIssue(ctx context.Context, action db.RoutingAction, summary string) (string, error)
}

// LogIssueCreator is the default no-op tracker: it records the request in the
// log and returns a synthetic issue key. Deployments replace it with a real
// tracker client.
type LogIssueCreator struct{}

func (LogIssueCreator) CreateIssue(_ context.Context, action db.RoutingAction, summary string) (string, error) {
	key := fmt.Sprintf("%s-%s", action.IssueProject, uuid.New().String()[:8])
	log.Printf("IssueCreator: would create %s issue %s in project %s: %s",
		action.IssueType, key, action.IssueProject, summary)
	return key, nil
}
