package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/ctrader-gateway/internal/quotes"
	"github.com/tradewire/ctrader-gateway/internal/upstream"
)

// SubscribeQuotes authorizes the account, resolves the symbol, and requests
// spot updates for it. The subscription index entry is registered before the
// subscribe request goes out so a spot racing the response is not dropped.
func (g *Gateway) SubscribeQuotes(ctx context.Context, caller Caller, symbol string) (quotes.Key, error) {
	if symbol == "" {
		return quotes.Key{}, validationf("symbol is required")
	}
	env, token, accountID, err := g.resolveAll(ctx, caller, 0)
	if err != nil {
		return quotes.Key{}, err
	}
	if _, err := g.ensureAccountAuthorized(ctx, env, accountID, token); err != nil {
		return quotes.Key{}, err
	}
	symbolID, err := g.ensureSymbolID(ctx, caller.UserID, env, accountID, symbol, token)
	if err != nil {
		return quotes.Key{}, err
	}
	g.registerSubscriber(env, accountID, symbolID, caller.UserID)

	obj := map[string]any{
		"ctidTraderAccountId":      accountID,
		"symbolId":                 []int64{symbolID},
		"subscribeToSpotTimestamp": true,
	}
	if _, err := g.sendOA(ctx, env, keySubscribe, obj, 0); err != nil {
		return quotes.Key{}, err
	}
	return quotes.Key{UserID: caller.UserID, Env: env, AccountID: accountID, SymbolID: symbolID}, nil
}

// GetQuote subscribes and returns a quote. With wait <= 0 it answers from
// the last published tick; otherwise it blocks for the next one up to the
// given number of seconds.
func (g *Gateway) GetQuote(ctx context.Context, caller Caller, symbol string, waitSeconds float64) (*quotes.Quote, error) {
	k, err := g.SubscribeQuotes(ctx, caller, symbol)
	if err != nil {
		return nil, err
	}
	if waitSeconds <= 0 {
		if q, ok := g.bus.Last(k); ok {
			return &q, nil
		}
		return nil, notFound("No quote received yet")
	}
	q, err := g.bus.WaitNext(ctx, k, time.Duration(waitSeconds*float64(time.Second)))
	switch {
	case err == nil:
		return &q, nil
	case errors.Is(err, quotes.ErrQuoteTimeout):
		return nil, &Error{Kind: KindTimeout, Message: err.Error()}
	case errors.Is(err, quotes.ErrTooManyWaiters):
		return nil, &Error{Kind: KindBusy, Message: err.Error()}
	}
	return nil, err
}

// LastQuote returns the most recent tick for a key, if any arrived yet.
func (g *Gateway) LastQuote(k quotes.Key) (quotes.Quote, bool) {
	return g.bus.Last(k)
}

// WatchQuotes taps the live stream for a key. Callers must pair it with
// UnwatchQuotes.
func (g *Gateway) WatchQuotes(k quotes.Key) chan quotes.Quote {
	return g.bus.Watch(k)
}

func (g *Gateway) UnwatchQuotes(k quotes.Key, ch chan quotes.Quote) {
	g.bus.Unwatch(k, ch)
}

func (g *Gateway) registerSubscriber(env string, accountID, symbolID int64, userID string) {
	g.subMu.Lock()
	g.subs[subKey{env: env, accountID: accountID, symbolID: symbolID}] = userID
	g.subMu.Unlock()
}

func (g *Gateway) subscriber(env string, accountID, symbolID int64) (string, bool) {
	g.subMu.Lock()
	userID, ok := g.subs[subKey{env: env, accountID: accountID, symbolID: symbolID}]
	g.subMu.Unlock()
	return userID, ok
}

// HandleUpstreamEvent routes uncorrelated venue pushes. Spot events become
// quotes for the subscribing user; everything else is logged and dropped.
func (g *Gateway) HandleUpstreamEvent(ev upstream.Event) {
	if ev.PayloadName != keySpotEvent {
		g.log.Debug("dropping unhandled upstream event", zap.String("payloadType", ev.PayloadName))
		return
	}
	accountID, okAcct := asInt64(ev.Decoded["ctidTraderAccountId"])
	symbolID, okSym := asInt64(ev.Decoded["symbolId"])
	if !okAcct || !okSym {
		g.log.Debug("dropping spot event without account or symbol")
		return
	}
	userID, ok := g.subscriber(ev.Env, accountID, symbolID)
	if !ok {
		g.log.Debug("dropping spot event with no subscriber",
			zap.String("env", ev.Env),
			zap.Int64("accountId", accountID),
			zap.Int64("symbolId", symbolID))
		return
	}
	q := quotes.Quote{UserID: userID, Env: ev.Env, AccountID: accountID, SymbolID: symbolID}
	if bid, ok := asInt64(ev.Decoded["bid"]); ok {
		q.Bid = &bid
	}
	if ask, ok := asInt64(ev.Decoded["ask"]); ok {
		q.Ask = &ask
	}
	if ts, ok := asInt64(ev.Decoded["timestamp"]); ok {
		q.Timestamp = &ts
	}
	g.bus.Upsert(q)
	g.met.RecordQuote()
}
