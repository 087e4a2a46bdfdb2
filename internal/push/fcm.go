// Package push delivers mobile notifications through FCM and prunes
// registrations the provider reports as dead.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/httputil"
)

// ErrUnregistered marks a token the provider will never deliver to
// again. Callers should delete the registration.
var ErrUnregistered = errors.New("push: token unregistered")

// Sender is the provider contract. Implementations deliver one message
// to one device token.
type Sender interface {
	Send(ctx context.Context, token, title string, data map[string]string) error
}

const (
	defaultEndpoint = "https://fcm.googleapis.com/fcm/send"
	defaultTimeout  = 5 * time.Second
)

// HTTPSenderConfig configures the FCM legacy HTTP sender.
type HTTPSenderConfig struct {
	Endpoint   string
	ServerKey  string
	Timeout    time.Duration
	MaxRetries int
}

// HTTPSender sends through the FCM legacy HTTP endpoint.
type HTTPSender struct {
	endpoint  string
	serverKey string
	timeout   time.Duration
	client    *http.Client
	retry     httputil.RetryConfig
}

// NewHTTPSender creates an FCM sender.
func NewHTTPSender(cfg HTTPSenderConfig) *HTTPSender {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	retry := httputil.DefaultRetryConfig()
	retry.InitialDelay = 500 * time.Millisecond
	if cfg.MaxRetries >= 0 {
		retry.MaxRetries = cfg.MaxRetries
	}

	return &HTTPSender{
		endpoint:  endpoint,
		serverKey: cfg.ServerKey,
		timeout:   timeout,
		client:    &http.Client{},
		retry:     retry,
	}
}

type fcmRequest struct {
	To           string            `json:"to"`
	Priority     string            `json:"priority"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
}

type fcmResponse struct {
	Success int         `json:"success"`
	Failure int         `json:"failure"`
	Results []fcmResult `json:"results"`
}

type fcmResult struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// Send delivers one push. Transient HTTP failures are retried inside
// the configured timeout; a NotRegistered/InvalidRegistration result
// comes back as ErrUnregistered.
func (s *HTTPSender) Send(ctx context.Context, token, title string, data map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(fcmRequest{
		To:           token,
		Priority:     "high",
		Notification: fcmNotification{Title: title},
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode fcm request: %w", err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Authorization", "key="+s.serverKey)

	resp, err := httputil.Do(ctx, s.client, http.MethodPost, s.endpoint, body, headers, s.retry)
	if err != nil {
		return fmt.Errorf("fcm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fcm returned status %d", resp.StatusCode)
	}

	var parsed fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to decode fcm response: %w", err)
	}
	for _, result := range parsed.Results {
		switch result.Error {
		case "":
		case "NotRegistered", "InvalidRegistration":
			return ErrUnregistered
		default:
			return fmt.Errorf("fcm rejected message: %s", result.Error)
		}
	}
	return nil
}
