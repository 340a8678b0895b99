// Package notifications delivers webhook notifications when a session
// finishes a turn and is waiting for input.
package notifications

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/xiaoyuanzhu-com/claude-bridge/log"
)

var logger = log.GetLogger("notifications")

// RequestTimeout bounds one webhook delivery.
const RequestTimeout = 10 * time.Second

// EventWaitingForInput is the only event the bridge currently emits: a result
// message arrived, the session is idle and wants the user back.
const EventWaitingForInput = "waiting_for_input"

// Payload is the JSON body POSTed to the webhook URL.
type Payload struct {
	Text        string `json:"text"`
	Content     string `json:"content"`
	Event       string `json:"event"`
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName"`
	Timestamp   int64  `json:"timestamp"`
	SessionURL  string `json:"sessionUrl,omitempty"`
}

// Settings supplies the current webhook configuration. Backed by the
// preferences database so changes apply without a restart.
type Settings func() (url string, enabled bool)

// Service posts session events to a user-configured webhook. Failures are
// logged and never retried.
type Service struct {
	settings Settings
	client   *http.Client
	// baseURL, when set, lets payloads carry a clickable session link.
	baseURL string
}

// NewService creates a webhook notifier.
func NewService(settings Settings, baseURL string) *Service {
	return &Service{
		settings: settings,
		client:   &http.Client{Timeout: RequestTimeout},
		baseURL:  baseURL,
	}
}

// NotifyWaitingForInput fires the webhook for a finished turn. Safe to call
// from the bridge's result path; delivery happens on the calling goroutine,
// so callers should invoke it asynchronously.
func (s *Service) NotifyWaitingForInput(sessionID, sessionName string) {
	url, enabled := s.settings()
	if !enabled || url == "" {
		return
	}

	name := sessionName
	if name == "" {
		name = sessionID
	}
	text := name + " is waiting for your input"

	payload := Payload{
		Text:        text,
		Content:     text,
		Event:       EventWaitingForInput,
		SessionID:   sessionID,
		SessionName: sessionName,
		Timestamp:   time.Now().UnixMilli(),
	}
	if s.baseURL != "" {
		payload.SessionURL = s.baseURL + "/sessions/" + sessionID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Error().Err(err).Str("sessionId", sessionID).Msg("failed to marshal webhook payload")
		return
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		logger.Warn().Err(err).Str("sessionId", sessionID).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn().Int("status", resp.StatusCode).Str("sessionId", sessionID).Msg("webhook returned non-success status")
		return
	}

	logger.Debug().Str("sessionId", sessionID).Msg("webhook delivered")
}
