// Package chzzkapi contains minimal helpers for the CHZZK Open API: session
// endpoints for the chat event stream, chat notices, and the OAuth token
// endpoints used to obtain the bot's access token.
package chzzkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the CHZZK Open API host.
const DefaultBaseURL = "https://openapi.chzzk.naver.com"

const userAgent = "chzzk-vote/1.0"

// DefaultRequestTimeout bounds each Open API request when Client.HTTPClient
// is nil.
const DefaultRequestTimeout = 10 * time.Second

// APIError is returned for non-2xx responses.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chzzk api: HTTP %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// Client calls the CHZZK Open API on behalf of the bot account.
type Client struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Tokens       TokenProvider
	HTTPClient   *http.Client
	// RequestTimeout applies to the default HTTP client only.
	RequestTimeout time.Duration

	// Notice delivery retry policy; zero values use 3 attempts starting at 1s.
	NoticeAttempts int
	NoticeBackoff  time.Duration

	once        sync.Once
	defaultHTTP *http.Client
}

// envelope is the common {code, message, content} response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Content json.RawMessage `json:"content"`
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	c.once.Do(func() {
		timeout := c.RequestTimeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		c.defaultHTTP = &http.Client{Timeout: timeout}
	})
	return c.defaultHTTP
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return DefaultBaseURL
}

// do sends an authenticated request and decodes the JSON body into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.Tokens == nil {
		return errors.New("chzzk api: no token provider configured")
	}
	tok, err := c.Tokens.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	u := c.base() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.ClientID != "" {
		req.Header.Set("Client-Id", c.ClientID)
	}
	if c.ClientSecret != "" {
		req.Header.Set("Client-Secret", c.ClientSecret)
	}

	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// contentOrSelf returns the "content" member of an envelope, or the whole
// body when the response is not wrapped.
func contentOrSelf(raw []byte) []byte {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Content) > 0 && string(env.Content) != "null" {
		return env.Content
	}
	return raw
}
