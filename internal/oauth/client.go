// Package oauth exchanges and refreshes cTrader OAuth tokens against the
// broker's token endpoint.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Tokens is a normalized token response.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// Client posts form-encoded grant requests to the token endpoint.
type Client struct {
	tokenURL     string
	clientID     string
	clientSecret string
	redirectURI  string
	http         *http.Client
}

func NewClient(tokenURL, clientID, clientSecret, redirectURI string) *Client {
	return &Client{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		http:         &http.Client{Timeout: 30 * time.Second},
	}
}

// Exchange trades an authorization code for a token pair.
func (c *Client) Exchange(ctx context.Context, code string) (Tokens, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.redirectURI},
	}
	return c.post(ctx, form)
}

// Refresh trades a refresh token for a fresh token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.post(ctx, form)
}

// The endpoint answers in either camelCase or snake_case depending on the
// broker deployment, and signals failure in-band via errorCode.
type tokenResponse struct {
	AccessToken       string `json:"accessToken"`
	AccessTokenSnake  string `json:"access_token"`
	RefreshToken      string `json:"refreshToken"`
	RefreshTokenSnake string `json:"refresh_token"`
	ExpiresIn         int64  `json:"expiresIn"`
	ExpiresInSnake    int64  `json:"expires_in"`
	ErrorCode         string `json:"errorCode"`
	Description       string `json:"description"`
	Error             string `json:"error"`
	ErrorDescription  string `json:"error_description"`
}

func (c *Client) post(ctx context.Context, form url.Values) (Tokens, error) {
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Tokens{}, fmt.Errorf("token endpoint: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Tokens{}, fmt.Errorf("token endpoint: status %d: %s", resp.StatusCode, trimBody(body))
	}

	var raw tokenResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Tokens{}, fmt.Errorf("token endpoint: parse response: %w", err)
	}
	if raw.ErrorCode != "" || raw.Error != "" {
		desc := raw.Description
		if desc == "" {
			desc = raw.ErrorDescription
		}
		code := raw.ErrorCode
		if code == "" {
			code = raw.Error
		}
		return Tokens{}, fmt.Errorf("token endpoint: %s: %s", code, desc)
	}

	tok := Tokens{
		AccessToken:  firstNonEmpty(raw.AccessToken, raw.AccessTokenSnake),
		RefreshToken: firstNonEmpty(raw.RefreshToken, raw.RefreshTokenSnake),
		ExpiresIn:    raw.ExpiresIn,
	}
	if tok.ExpiresIn == 0 {
		tok.ExpiresIn = raw.ExpiresInSnake
	}
	if tok.AccessToken == "" {
		return Tokens{}, fmt.Errorf("token endpoint: response has no access token")
	}
	return tok, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// trimBody keeps error messages short. Failure bodies carry no secrets.
func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
