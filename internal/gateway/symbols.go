package gateway

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/tradewire/ctrader-gateway/internal/symbols"
)

// SymbolList is the GET /symbols response body.
type SymbolList struct {
	ActiveAccountID int64           `json:"activeAccountId"`
	Count           int             `json:"count"`
	Items           []symbols.Entry `json:"items"`
}

// ListSymbols ensures the symbol catalog exists for the caller's account and
// returns the entries matching q, capped at limit.
func (g *Gateway) ListSymbols(ctx context.Context, caller Caller, q string, limit int) (*SymbolList, error) {
	env, token, accountID, err := g.resolveAll(ctx, caller, 0)
	if err != nil {
		return nil, err
	}
	if _, err := g.ensureAccountAuthorized(ctx, env, accountID, token); err != nil {
		return nil, err
	}
	count, err := g.symbols.Count(ctx, caller.UserID, env, accountID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		if err := g.refreshSymbols(ctx, caller.UserID, env, accountID, token); err != nil {
			return nil, err
		}
	}
	items, err := g.symbols.Search(ctx, caller.UserID, env, accountID, q, limit)
	if err != nil {
		return nil, err
	}
	return &SymbolList{ActiveAccountID: accountID, Count: len(items), Items: items}, nil
}

// refreshSymbols pulls the venue's symbol list and atomically replaces the
// cached catalog. Account auth is re-asserted first since the catalog can be
// refreshed from any operation.
func (g *Gateway) refreshSymbols(ctx context.Context, userID, env string, accountID int64, token string) error {
	if _, err := g.ensureAccountAuthorized(ctx, env, accountID, token); err != nil {
		return err
	}
	obj := map[string]any{
		"ctidTraderAccountId":    accountID,
		"includeArchivedSymbols": false,
	}
	res, err := g.sendOA(ctx, env, keySymbolsList, obj, 0)
	if err != nil {
		return err
	}
	mapping := make(map[string]int64)
	if list, ok := res.Decoded["symbol"].([]any); ok {
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["symbolName"].(string)
			id, ok := asInt64(m["symbolId"])
			if name == "" || !ok || id <= 0 {
				continue
			}
			mapping[strings.ToUpper(name)] = id
		}
	}
	if err := g.symbols.ReplaceAll(ctx, userID, env, accountID, mapping); err != nil {
		return err
	}
	g.log.Info("symbol catalog refreshed",
		zap.String("userId", userID),
		zap.String("env", env),
		zap.Int64("accountId", accountID),
		zap.Int("symbols", len(mapping)))
	return nil
}

// ensureSymbolID resolves a symbol name to the venue's id, refreshing the
// catalog once on a miss.
func (g *Gateway) ensureSymbolID(ctx context.Context, userID, env string, accountID int64, symbol, token string) (int64, error) {
	id, err := g.symbols.SymbolID(ctx, userID, env, accountID, symbol)
	if err != nil {
		return 0, err
	}
	if id > 0 {
		return id, nil
	}
	if err := g.refreshSymbols(ctx, userID, env, accountID, token); err != nil {
		return 0, err
	}
	id, err = g.symbols.SymbolID(ctx, userID, env, accountID, symbol)
	if err != nil {
		return 0, err
	}
	if id > 0 {
		return id, nil
	}
	return 0, notFound("Symbol not found: " + strings.ToUpper(strings.TrimSpace(symbol)))
}

// asInt64 extracts an integer from a decoded protobuf value.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
