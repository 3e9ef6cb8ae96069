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
	"strconv"
	"strings"
	"time"
)

// AuthorizeURL is the CHZZK account interlock page that starts the code grant.
const AuthorizeURL = "https://chzzk.naver.com/account-interlock"

// DefaultScopes are requested when none are configured.
const DefaultScopes = "chat:read chat:write chat:notice user:read"

// TokenResult is the content of a token endpoint response.
type TokenResult struct {
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	TokenType    string  `json:"tokenType"`
	ExpiresIn    flexInt `json:"expiresIn"`
	Scope        string  `json:"scope"`
}

// flexInt accepts both JSON numbers and numeric strings ("86400").
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("expiresIn: %w", err)
	}
	*f = flexInt(n)
	return nil
}

// OAuthClient exchanges codes and refresh tokens at the CHZZK token endpoint.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	BaseURL      string
	HTTPClient   *http.Client
}

// BuildAuthorizeURL constructs the user authorization URL for the code grant.
func BuildAuthorizeURL(clientID, redirectURI, scopes, state string) (string, error) {
	if clientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("clientId", clientID)
	v.Set("redirectUri", redirectURI)
	if scopes != "" {
		v.Set("scope", strings.TrimSpace(strings.ReplaceAll(scopes, ",", " ")))
	}
	if state != "" {
		v.Set("state", state)
	}
	return AuthorizeURL + "?" + v.Encode(), nil
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

// ExchangeAuthCode exchanges an authorization code for access and refresh tokens.
func (o *OAuthClient) ExchangeAuthCode(ctx context.Context, code, state string) (*TokenResult, error) {
	if o.ClientID == "" || o.ClientSecret == "" || code == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	return o.token(ctx, map[string]string{
		"grantType":    "authorization_code",
		"clientId":     o.ClientID,
		"clientSecret": o.ClientSecret,
		"code":         code,
		"state":        state,
		"redirectUri":  o.RedirectURI,
	})
}

// RefreshToken exchanges a refresh token for a new access token.
func (o *OAuthClient) RefreshToken(ctx context.Context, refreshToken string) (*TokenResult, error) {
	if o.ClientID == "" || o.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	return o.token(ctx, map[string]string{
		"grantType":    "refresh_token",
		"clientId":     o.ClientID,
		"clientSecret": o.ClientSecret,
		"refreshToken": refreshToken,
	})
}

func (o *OAuthClient) token(ctx context.Context, body map[string]string) (*TokenResult, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	base := DefaultBaseURL
	if o.BaseURL != "" {
		base = strings.TrimRight(o.BaseURL, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/auth/v1/token", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	var res TokenResult
	if err := json.Unmarshal(contentOrSelf(raw), &res); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if res.AccessToken == "" {
		return nil, errors.New("empty accessToken in chzzk response")
	}
	return &res, nil
}
