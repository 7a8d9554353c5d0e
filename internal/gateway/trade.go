package gateway

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"
)

// TradeRequest is the POST /trade body. VolumeUnits is in lots as the
// caller knows them; the venue wants it scaled by 100. Absolute prices and
// relative distances are pointers so "absent" is distinguishable from zero.
type TradeRequest struct {
	UserID             string   `json:"userId,omitempty"`
	Symbol             string   `json:"symbol"`
	Side               string   `json:"side"`
	OrderType          string   `json:"orderType"`
	VolumeUnits        float64  `json:"volumeUnits"`
	LimitPrice         *float64 `json:"limitPrice,omitempty"`
	StopPrice          *float64 `json:"stopPrice,omitempty"`
	StopLoss           *float64 `json:"stopLoss,omitempty"`
	TakeProfit         *float64 `json:"takeProfit,omitempty"`
	RelativeStopLoss   *int64   `json:"relativeStopLoss,omitempty"`
	RelativeTakeProfit *int64   `json:"relativeTakeProfit,omitempty"`
	Comment            string   `json:"comment,omitempty"`
	Label              string   `json:"label,omitempty"`
	AccountID          int64    `json:"accountId,omitempty"`
	Env                string   `json:"env,omitempty"`
}

// TradeResult echoes the exact order sent to the venue next to the venue's
// answer so callers can audit what was placed.
type TradeResult struct {
	Request  map[string]any `json:"request"`
	Response map[string]any `json:"response"`
}

// PlaceTrade validates the order, resolves identity and symbol, and submits
// PROTO_OA_NEW_ORDER_REQ. Validation happens before any venue traffic so a
// malformed order never touches the channel.
func (g *Gateway) PlaceTrade(ctx context.Context, caller Caller, req TradeRequest) (*TradeResult, error) {
	if req.Symbol == "" {
		return nil, validationf("symbol is required")
	}
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if side != "BUY" && side != "SELL" {
		return nil, validationf("side must be BUY or SELL, got %q", req.Side)
	}
	orderType := strings.ToUpper(strings.TrimSpace(req.OrderType))
	volume := int64(math.Round(req.VolumeUnits * 100))
	if volume <= 0 {
		return nil, validationf("volumeUnits must be positive, got %v", req.VolumeUnits)
	}
	switch orderType {
	case "MARKET":
		if req.StopLoss != nil || req.TakeProfit != nil {
			return nil, validationf("absolute stopLoss/takeProfit are not allowed on MARKET orders; use relativeStopLoss/relativeTakeProfit")
		}
	case "LIMIT":
		if req.LimitPrice == nil {
			return nil, validationf("limitPrice is required for LIMIT orders")
		}
	case "STOP", "STOP_LIMIT":
		if req.StopPrice == nil {
			return nil, validationf("stopPrice is required for %s orders", orderType)
		}
	default:
		return nil, validationf("orderType must be one of MARKET, LIMIT, STOP, STOP_LIMIT, got %q", req.OrderType)
	}

	if req.Env != "" && caller.Env == "" {
		caller.Env = req.Env
	}
	env, token, accountID, err := g.resolveAll(ctx, caller, req.AccountID)
	if err != nil {
		return nil, err
	}
	if _, err := g.ensureAccountAuthorized(ctx, env, accountID, token); err != nil {
		return nil, err
	}
	symbolID, err := g.ensureSymbolID(ctx, caller.UserID, env, accountID, req.Symbol, token)
	if err != nil {
		return nil, err
	}

	order := map[string]any{
		"ctidTraderAccountId": accountID,
		"symbolId":            symbolID,
		"orderType":           orderType,
		"tradeSide":           side,
		"volume":              volume,
	}
	if req.LimitPrice != nil {
		order["limitPrice"] = *req.LimitPrice
	}
	if req.StopPrice != nil {
		order["stopPrice"] = *req.StopPrice
	}
	if req.StopLoss != nil {
		order["stopLoss"] = *req.StopLoss
	}
	if req.TakeProfit != nil {
		order["takeProfit"] = *req.TakeProfit
	}
	if req.RelativeStopLoss != nil {
		order["relativeStopLoss"] = *req.RelativeStopLoss
	}
	if req.RelativeTakeProfit != nil {
		order["relativeTakeProfit"] = *req.RelativeTakeProfit
	}
	if req.Comment != "" {
		order["comment"] = req.Comment
	}
	if req.Label != "" {
		order["label"] = req.Label
	}

	res, err := g.sendOA(ctx, env, keyNewOrder, order, orderTimeout)
	if err != nil {
		return nil, err
	}
	g.log.Info("order placed",
		zap.String("userId", caller.UserID),
		zap.String("env", env),
		zap.Int64("accountId", accountID),
		zap.String("symbol", strings.ToUpper(req.Symbol)),
		zap.String("side", side),
		zap.String("orderType", orderType),
		zap.Int64("volume", volume))
	return &TradeResult{Request: order, Response: res.Decoded}, nil
}
