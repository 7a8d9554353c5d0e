package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tradewire/ctrader-gateway/internal/api"
	"github.com/tradewire/ctrader-gateway/internal/config"
	"github.com/tradewire/ctrader-gateway/internal/crypt"
	"github.com/tradewire/ctrader-gateway/internal/gateway"
	"github.com/tradewire/ctrader-gateway/internal/metrics"
	"github.com/tradewire/ctrader-gateway/internal/oauth"
	"github.com/tradewire/ctrader-gateway/internal/quotes"
	"github.com/tradewire/ctrader-gateway/internal/schema"
	"github.com/tradewire/ctrader-gateway/internal/session"
	"github.com/tradewire/ctrader-gateway/internal/symbols"
	"github.com/tradewire/ctrader-gateway/internal/upstream"
)

func main() {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	boot, _ := zap.NewProduction()
	cfg, err := config.Load()
	if err != nil {
		boot.Fatal("config load failed", zap.Error(err))
	}

	log, err := buildLogger(cfg.Server.NodeEnv, cfg.Server.LogLevel)
	if err != nil {
		boot.Fatal("logger init failed", zap.Error(err))
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Token cipher ──────────────────────────────────────────────────────────
	key, err := crypt.ParseKey(cfg.Auth.TokenEncryptionKey)
	if err != nil {
		log.Fatal("invalid TOKEN_ENCRYPTION_KEY", zap.Error(err))
	}
	cipher, err := crypt.New(key)
	if err != nil {
		log.Fatal("cipher init failed", zap.Error(err))
	}

	// ── Venue schema ──────────────────────────────────────────────────────────
	reg, err := schema.Load(ctx, cfg.CTrader.ProtoDir)
	if err != nil {
		log.Fatal("schema load failed", zap.Error(err), zap.String("dir", cfg.CTrader.ProtoDir))
	}

	met := metrics.New()

	// ── Upstream channel ──────────────────────────────────────────────────────
	conn := upstream.NewConn(upstream.Config{
		ClientID:     cfg.CTrader.ClientID,
		ClientSecret: cfg.CTrader.ClientSecret,
		DemoHost:     cfg.CTrader.DemoHost,
		LiveHost:     cfg.CTrader.LiveHost,
		Port:         cfg.CTrader.Port,
		DefaultEnv:   cfg.CTrader.Env,
	}, reg, log, met)

	// ── Gateway ───────────────────────────────────────────────────────────────
	gw := gateway.New(
		conn,
		session.NewStore(rdb, cipher),
		symbols.NewStore(rdb, cfg.SymbolCacheTTL()),
		quotes.NewBus(),
		oauth.NewClient(cfg.CTrader.TokenURL, cfg.CTrader.ClientID, cfg.CTrader.ClientSecret, cfg.CTrader.RedirectURI),
		cfg.CTrader.Env,
		log,
		met,
	)
	conn.SetEventHandler(gw.HandleUpstreamEvent)
	conn.Start()

	// ── HTTP server ───────────────────────────────────────────────────────────
	if cfg.Server.NodeEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := api.New(gw, cfg.Auth.InternalAPIKey, log, met)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.CTrader.Env))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	conn.Stop()
	if err := rdb.Close(); err != nil {
		log.Error("redis close error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// buildLogger picks the encoder by NODE_ENV and applies LOG_LEVEL on top.
func buildLogger(nodeEnv, level string) (*zap.Logger, error) {
	var zcfg zap.Config
	if nodeEnv == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse LOG_LEVEL %q: %w", level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}
