// Package gateway implements the trading operations behind the HTTP
// surface: token exchange, account authorization, symbol lookup, quotes,
// and order placement over the shared venue channel.
package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/ctrader-gateway/internal/metrics"
	"github.com/tradewire/ctrader-gateway/internal/oauth"
	"github.com/tradewire/ctrader-gateway/internal/quotes"
	"github.com/tradewire/ctrader-gateway/internal/session"
	"github.com/tradewire/ctrader-gateway/internal/symbols"
	"github.com/tradewire/ctrader-gateway/internal/upstream"
)

const (
	keyAccountAuth = "PROTO_OA_ACCOUNT_AUTH_REQ"
	keyAccountList = "PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_REQ"
	keySymbolsList = "PROTO_OA_SYMBOLS_LIST_REQ"
	keySubscribe   = "PROTO_OA_SUBSCRIBE_SPOTS_REQ"
	keyTrader      = "PROTO_OA_TRADER_REQ"
	keyNewOrder    = "PROTO_OA_NEW_ORDER_REQ"
	keyErrorRes    = "PROTO_OA_ERROR_RES"
	keySpotEvent   = "PROTO_OA_SPOT_EVENT"

	orderTimeout = 15 * time.Second
)

// Channel is satisfied by upstream.Conn. Decoupled here so gateway tests
// can use a scripted mock instead of a live socket.
type Channel interface {
	Send(ctx context.Context, key string, obj map[string]any, timeout time.Duration, meta upstream.Meta) (upstream.Result, error)
}

// Caller carries the per-request identity extracted from headers. Env and
// AccessToken are optional overrides; empty means fall back to the session.
type Caller struct {
	UserID      string
	Env         string
	AccessToken string
}

// Gateway owns no upstream state. It resolves caller identity against the
// session store and drives the single shared channel.
type Gateway struct {
	ch         Channel
	sessions   *session.Store
	symbols    *symbols.Store
	bus        *quotes.Bus
	oauth      *oauth.Client
	defaultEnv string
	log        *zap.Logger
	met        *metrics.Metrics

	subMu sync.Mutex
	subs  map[subKey]string
}

// subKey identifies a spot subscription on the shared channel. The venue
// does not echo the subscriber, so inbound spots are mapped back to a user
// through this index.
type subKey struct {
	env       string
	accountID int64
	symbolID  int64
}

func New(
	ch Channel,
	sessions *session.Store,
	syms *symbols.Store,
	bus *quotes.Bus,
	tokens *oauth.Client,
	defaultEnv string,
	log *zap.Logger,
	met *metrics.Metrics,
) *Gateway {
	if defaultEnv == "" {
		defaultEnv = upstream.EnvDemo
	}
	return &Gateway{
		ch:         ch,
		sessions:   sessions,
		symbols:    syms,
		bus:        bus,
		oauth:      tokens,
		defaultEnv: defaultEnv,
		log:        log,
		met:        met,
		subs:       make(map[subKey]string),
	}
}

// ── identity resolution ────────────────────────────────────────────────────

func (g *Gateway) resolveEnv(ctx context.Context, caller Caller) (string, error) {
	if caller.Env != "" {
		if !upstream.ValidEnv(caller.Env) {
			return "", validationf("invalid env %q (want demo or live)", caller.Env)
		}
		return caller.Env, nil
	}
	sess, err := g.sessions.Load(ctx, caller.UserID)
	if err != nil {
		return "", err
	}
	if sess != nil && sess.Env != "" {
		return sess.Env, nil
	}
	return g.defaultEnv, nil
}

func (g *Gateway) resolveAccessToken(ctx context.Context, caller Caller) (string, error) {
	if caller.AccessToken != "" {
		return caller.AccessToken, nil
	}
	token, err := g.sessions.AccessToken(ctx, caller.UserID)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", authErr("No access token stored. Complete the OAuth exchange first.")
	}
	return token, nil
}

func (g *Gateway) resolveAccountID(ctx context.Context, caller Caller, override int64) (int64, error) {
	if override > 0 {
		return override, nil
	}
	sess, err := g.sessions.Load(ctx, caller.UserID)
	if err != nil {
		return 0, err
	}
	if sess != nil && sess.ActiveAccountID > 0 {
		return sess.ActiveAccountID, nil
	}
	return 0, authErr("No active account. Authorize an account first.")
}

// ── channel helpers ────────────────────────────────────────────────────────

// sendOA sends one venue request and converts PROTO_OA_ERROR_RES answers
// into errors. Transport errors pass through unchanged.
func (g *Gateway) sendOA(ctx context.Context, env, key string, obj map[string]any, timeout time.Duration) (upstream.Result, error) {
	res, err := g.ch.Send(ctx, key, obj, timeout, upstream.Meta{Env: env})
	if err != nil {
		return res, err
	}
	if res.PayloadName == keyErrorRes {
		return res, upstreamErr(res.Decoded)
	}
	return res, nil
}

// ensureAccountAuthorized binds the trading account to the channel. Account
// auth is channel state upstream, so a second authorization answers with an
// "already authorized" error; that one counts as success.
func (g *Gateway) ensureAccountAuthorized(ctx context.Context, env string, accountID int64, accessToken string) (map[string]any, error) {
	obj := map[string]any{
		"ctidTraderAccountId": accountID,
		"accessToken":         accessToken,
	}
	res, err := g.ch.Send(ctx, keyAccountAuth, obj, 0, upstream.Meta{Env: env})
	if err != nil {
		return nil, err
	}
	if res.PayloadName == keyErrorRes {
		if strings.Contains(strings.ToLower(errorDescription(res.Decoded)), "already authorized") {
			return res.Decoded, nil
		}
		return nil, upstreamErr(res.Decoded)
	}
	return res.Decoded, nil
}

// ── tokens ─────────────────────────────────────────────────────────────────

// ExchangeCode trades an OAuth authorization code for tokens and stores
// them encrypted under the user's session.
func (g *Gateway) ExchangeCode(ctx context.Context, userID, code string) (oauth.Tokens, error) {
	if code == "" {
		return oauth.Tokens{}, validationf("code is required")
	}
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return oauth.Tokens{}, &Error{Kind: KindUpstream, Message: err.Error()}
	}
	if _, err := g.sessions.SaveTokens(ctx, userID, tok.AccessToken, tok.RefreshToken, tok.ExpiresIn); err != nil {
		return oauth.Tokens{}, err
	}
	g.log.Info("oauth exchange complete", zap.String("userId", userID), zap.Int64("expiresIn", tok.ExpiresIn))
	return tok, nil
}

// RefreshTokens rotates the stored tokens using the saved refresh token.
// When the endpoint omits a new refresh token the stored one is kept.
func (g *Gateway) RefreshTokens(ctx context.Context, userID string) (oauth.Tokens, error) {
	refresh, err := g.sessions.RefreshToken(ctx, userID)
	if err != nil {
		return oauth.Tokens{}, err
	}
	if refresh == "" {
		return oauth.Tokens{}, authErr("No refresh token stored. Complete the OAuth exchange first.")
	}
	tok, err := g.oauth.Refresh(ctx, refresh)
	if err != nil {
		return oauth.Tokens{}, &Error{Kind: KindUpstream, Message: err.Error()}
	}
	if _, err := g.sessions.SaveTokens(ctx, userID, tok.AccessToken, tok.RefreshToken, tok.ExpiresIn); err != nil {
		return oauth.Tokens{}, err
	}
	g.log.Info("oauth tokens refreshed", zap.String("userId", userID), zap.Int64("expiresIn", tok.ExpiresIn))
	return tok, nil
}

// ── accounts ───────────────────────────────────────────────────────────────

// AccountList is the GET /accounts response body.
type AccountList struct {
	Count int   `json:"count"`
	Items []any `json:"items"`
}

func (g *Gateway) ListAccounts(ctx context.Context, caller Caller) (*AccountList, error) {
	env, err := g.resolveEnv(ctx, caller)
	if err != nil {
		return nil, err
	}
	token, err := g.resolveAccessToken(ctx, caller)
	if err != nil {
		return nil, err
	}
	res, err := g.sendOA(ctx, env, keyAccountList, map[string]any{"accessToken": token}, 0)
	if err != nil {
		return nil, err
	}
	items, _ := res.Decoded["ctidTraderAccount"].([]any)
	if items == nil {
		items = []any{}
	}
	return &AccountList{Count: len(items), Items: items}, nil
}

// AccountAuth is the POST /auth/account response body.
type AccountAuth struct {
	Authorized      bool           `json:"authorized"`
	ActiveAccountID int64          `json:"activeAccountId"`
	Response        map[string]any `json:"response"`
}

// AuthorizeAccount authorizes the account on the channel and persists it as
// the user's active account along with the resolved environment.
func (g *Gateway) AuthorizeAccount(ctx context.Context, caller Caller, accountID int64) (*AccountAuth, error) {
	if accountID <= 0 {
		return nil, validationf("accountId must be a positive number")
	}
	env, err := g.resolveEnv(ctx, caller)
	if err != nil {
		return nil, err
	}
	token, err := g.resolveAccessToken(ctx, caller)
	if err != nil {
		return nil, err
	}
	decoded, err := g.ensureAccountAuthorized(ctx, env, accountID, token)
	if err != nil {
		return nil, err
	}
	patch := session.Patch{Env: &env, ActiveAccountID: &accountID}
	if _, err := g.sessions.Apply(ctx, caller.UserID, patch, 0); err != nil {
		return nil, err
	}
	g.log.Info("account authorized",
		zap.String("userId", caller.UserID),
		zap.String("env", env),
		zap.Int64("accountId", accountID))
	return &AccountAuth{Authorized: true, ActiveAccountID: accountID, Response: decoded}, nil
}

// GetAccountInfo fetches the trader details for the active account.
func (g *Gateway) GetAccountInfo(ctx context.Context, caller Caller) (map[string]any, error) {
	env, token, accountID, err := g.resolveAll(ctx, caller, 0)
	if err != nil {
		return nil, err
	}
	if _, err := g.ensureAccountAuthorized(ctx, env, accountID, token); err != nil {
		return nil, err
	}
	res, err := g.sendOA(ctx, env, keyTrader, map[string]any{"ctidTraderAccountId": accountID}, 0)
	if err != nil {
		return nil, err
	}
	if trader, ok := res.Decoded["trader"].(map[string]any); ok {
		return trader, nil
	}
	return res.Decoded, nil
}

// resolveAll resolves env, access token, and account id in one go for the
// operations that need the full triple.
func (g *Gateway) resolveAll(ctx context.Context, caller Caller, accountOverride int64) (env, token string, accountID int64, err error) {
	env, err = g.resolveEnv(ctx, caller)
	if err != nil {
		return "", "", 0, err
	}
	token, err = g.resolveAccessToken(ctx, caller)
	if err != nil {
		return "", "", 0, err
	}
	accountID, err = g.resolveAccountID(ctx, caller, accountOverride)
	if err != nil {
		return "", "", 0, err
	}
	return env, token, accountID, nil
}
