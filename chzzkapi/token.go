package chzzkapi

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// TokenProvider supplies the bearer token used for API calls. The token is
// opaque to callers; refreshing it is the provider's concern.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a fixed access token, e.g. from CHZZK_ACCESS_TOKEN.
type StaticToken string

// AccessToken implements TokenProvider.
func (s StaticToken) AccessToken(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("static access token is empty")
	}
	return string(s), nil
}

// OAuth2Tokens adapts an oauth2.TokenSource to TokenProvider.
type OAuth2Tokens struct {
	Source oauth2.TokenSource
}

// AccessToken implements TokenProvider.
func (o OAuth2Tokens) AccessToken(context.Context) (string, error) {
	if o.Source == nil {
		return "", errors.New("no oauth2 token source")
	}
	tok, err := o.Source.Token()
	if err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("oauth2 token source returned empty access token")
	}
	return tok.AccessToken, nil
}

// RefreshingSource is an oauth2.TokenSource that refreshes through the CHZZK
// token endpoint. Wrap it with oauth2.ReuseTokenSource to cache the result.
type RefreshingSource struct {
	Ctx          context.Context
	OAuth        *OAuthClient
	RefreshToken string
	// OnRefresh, if set, is called with every newly minted token (persistence hook).
	OnRefresh func(*oauth2.Token)
}

// Token implements oauth2.TokenSource.
func (r *RefreshingSource) Token() (*oauth2.Token, error) {
	ctx := r.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	res, err := r.OAuth.RefreshToken(ctx, r.RefreshToken)
	if err != nil {
		return nil, err
	}
	if res.RefreshToken != "" {
		r.RefreshToken = res.RefreshToken
	}
	tok := ResultToOAuth2(res)
	if r.OnRefresh != nil {
		r.OnRefresh(tok)
	}
	return tok, nil
}

// ResultToOAuth2 converts a token endpoint result into an oauth2.Token.
func ResultToOAuth2(res *TokenResult) *oauth2.Token {
	tt := res.TokenType
	if tt == "" {
		tt = "Bearer"
	}
	tok := &oauth2.Token{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		TokenType:    tt,
		Expiry:       ComputeExpiry(int(res.ExpiresIn)),
	}
	return tok.WithExtra(map[string]any{"scope": res.Scope})
}

// Refresh exchanges refreshToken and returns the new token with its granted
// scope. Its signature matches oauth.RefreshFunc.
func (o *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, string, error) {
	res, err := o.RefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, "", err
	}
	return ResultToOAuth2(res), res.Scope, nil
}
