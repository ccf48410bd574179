// Package push delivers notifications to a user's devices through the Expo
// push service.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/inkframe/backend/internal/httputil"
	"github.com/inkframe/backend/internal/retry"
)

// Notification is one message to a user.
type Notification struct {
	Title    string
	Body     string
	DeepLink string
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, userID string, n Notification) error
}

// Noop drops every notification.
type Noop struct{}

func (Noop) Send(context.Context, string, Notification) error { return nil }

// TokenSource resolves the device tokens registered for a user.
type TokenSource interface {
	PushTokens(ctx context.Context, userID string) ([]string, error)
}

// ExpoConfig configures the Expo client.
type ExpoConfig struct {
	AccessToken string
	BaseURL     string
	HTTPClient  *http.Client
}

// Expo sends through https://exp.host/--/api/v2/push/send.
type Expo struct {
	client *httputil.Client
	tokens TokenSource
}

var _ Sender = (*Expo)(nil)

// NewExpo creates the sender.
func NewExpo(cfg ExpoConfig, tokens TokenSource) *Expo {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://exp.host"
	}
	header := map[string]string{}
	if cfg.AccessToken != "" {
		header["Authorization"] = "Bearer " + cfg.AccessToken
	}
	return &Expo{
		client: httputil.NewClient(httputil.ClientConfig{
			HTTPClient: cfg.HTTPClient,
			BaseURL:    cfg.BaseURL,
			Header:     header,
			Timeout:    10 * time.Second,
			Retry:      retry.Policy{Interval: time.Second, MaxAttempts: 2},
		}),
		tokens: tokens,
	}
}

type expoMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Sound string            `json:"sound,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// Send pushes n to every device of userID. A user without devices is not an
// error.
func (e *Expo) Send(ctx context.Context, userID string, n Notification) error {
	tokens, err := e.tokens.PushTokens(ctx, userID)
	if err != nil {
		return fmt.Errorf("push tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	messages := make([]expoMessage, 0, len(tokens))
	for _, token := range tokens {
		msg := expoMessage{To: token, Title: n.Title, Body: n.Body, Sound: "default"}
		if n.DeepLink != "" {
			msg.Data = map[string]string{"url": n.DeepLink}
		}
		messages = append(messages, msg)
	}

	raw, err := e.client.JSON(ctx, http.MethodPost, "/--/api/v2/push/send", messages)
	if err != nil {
		return err
	}

	var failures []string
	for _, ticket := range gjson.GetBytes(raw, "data").Array() {
		if ticket.Get("status").String() == "error" {
			failures = append(failures, ticket.Get("message").String())
		}
	}
	if len(failures) == len(tokens) {
		return errors.New("push: every ticket failed: " + strings.Join(failures, "; "))
	}
	return nil
}
