// Package api exposes the gateway's HTTP surface: OAuth plumbing, account
// and symbol lookups, quotes (polling and streaming), and order entry.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tradewire/ctrader-gateway/internal/gateway"
	"github.com/tradewire/ctrader-gateway/internal/metrics"
)

// Context keys set by the middleware chain.
const (
	ctxRequestID = "request_id"
	ctxUserID    = "user_id"
	ctxEnv       = "env"
	ctxToken     = "access_token"
)

// Server wires the gateway operations onto a Gin engine.
type Server struct {
	gw          *gateway.Gateway
	internalKey string
	log         *zap.Logger
	met         *metrics.Metrics
	upgrader    websocket.Upgrader
}

func New(gw *gateway.Gateway, internalKey string, log *zap.Logger, met *metrics.Metrics) *Server {
	return &Server{
		gw:          gw,
		internalKey: internalKey,
		log:         log,
		met:         met,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Access control is the internal key, not browser origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the full route tree. Health and metrics stay outside the
// internal-key check so probes and scrapers need no credentials.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestID())
	r.Use(s.requestLog())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", s.internalAuth(), s.userContext())
	api.POST("/oauth/exchange", s.handleOAuthExchange)
	api.POST("/oauth/refresh", s.handleOAuthRefresh)
	api.GET("/accounts", s.handleListAccounts)
	api.POST("/auth/account", s.handleAuthorizeAccount)
	api.GET("/symbols", s.handleListSymbols)
	api.GET("/quote", s.handleGetQuote)
	api.GET("/quote/stream", s.handleQuoteStream)
	api.GET("/account", s.handleAccountInfo)
	api.POST("/trade", s.handlePlaceTrade)
	return r
}

// caller assembles the per-request identity from the context set by
// userContext.
func (s *Server) caller(c *gin.Context, userID string) gateway.Caller {
	return gateway.Caller{
		UserID:      userID,
		Env:         c.GetString(ctxEnv),
		AccessToken: c.GetString(ctxToken),
	}
}
