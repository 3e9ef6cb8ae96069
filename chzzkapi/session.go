package chzzkapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/onnwee/chzzk-vote/telemetry"
)

// ErrNoSessionURL is returned when the session endpoint answers without a URL.
var ErrNoSessionURL = errors.New("chzzk api: session url missing from response")

// SessionURL requests a single-use Socket.IO endpoint for the event stream.
func (c *Client) SessionURL(ctx context.Context) (string, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/open/v1/sessions/auth", nil, nil, &raw); err != nil {
		return "", fmt.Errorf("session auth: %w", err)
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(contentOrSelf(raw), &body); err != nil {
		return "", fmt.Errorf("session auth: decode: %w", err)
	}
	if body.URL == "" {
		// Some responses carry the url at the top level next to an empty content.
		var top struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &top); err == nil {
			body.URL = top.URL
		}
	}
	if body.URL == "" {
		slog.Debug("session auth response without url", slog.String("body", string(raw)))
		return "", ErrNoSessionURL
	}
	return body.URL, nil
}

// SubscribeChat subscribes the session identified by sessionKey to chat events.
func (c *Client) SubscribeChat(ctx context.Context, sessionKey string) error {
	if sessionKey == "" {
		return errors.New("chzzk api: empty session key")
	}
	q := url.Values{}
	q.Set("sessionKey", sessionKey)
	if err := c.do(ctx, http.MethodPost, "/open/v1/sessions/events/subscribe/chat", q, nil, nil); err != nil {
		return fmt.Errorf("subscribe chat: %w", err)
	}
	return nil
}

// SendNotice posts message as the channel's chat notice. Delivery is retried
// with exponential backoff (1s, 2s, 4s, capped at 8s) while the failure is
// retryable; the last error is returned once attempts are exhausted. The
// notice endpoint targets the channel owning the access token, so channelID
// is only used for logging.
func (c *Client) SendNotice(ctx context.Context, channelID, message string) error {
	attempts := c.NoticeAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := c.NoticeBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := 8 * backoff

	body := map[string]string{"message": message}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.do(ctx, http.MethodPost, "/open/v1/chats/notice", nil, body, nil)
		if lastErr == nil {
			telemetry.Inc(telemetry.NoticesSent)
			slog.Debug("notice sent", slog.String("channel_id", channelID), slog.Int("attempt", attempt))
			return nil
		}
		slog.Warn("notice send failed", slog.String("channel_id", channelID), slog.Int("attempt", attempt), slog.Any("err", lastErr))
		if attempt == attempts || !IsRetryable(lastErr) || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			telemetry.Inc(telemetry.NoticesFailed)
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	telemetry.Inc(telemetry.NoticesFailed)
	return fmt.Errorf("notice dropped: %w", lastErr)
}
