// Package upstream owns the single TLS channel to the trading venue:
// framing, request/response correlation, reconnection with backoff,
// application auth, and heartbeating.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	EnvDemo = "demo"
	EnvLive = "live"
)

func ValidEnv(env string) bool {
	return env == EnvDemo || env == EnvLive
}

const (
	appAuthKey   = "PROTO_OA_APPLICATION_AUTH_REQ"
	heartbeatKey = "PROTO_HEARTBEAT_EVENT"
	errorResKey  = "PROTO_OA_ERROR_RES"

	maxClientMsgID = 2_000_000_000
)

// The venue occasionally omits clientMsgId on these frames; they are
// matched to the oldest pending request instead.
var systemPayloads = map[string]bool{
	"PROTO_OA_APPLICATION_AUTH_RES": true,
	"PROTO_OA_ERROR_RES":            true,
	"PROTO_OA_ACCOUNT_AUTH_RES":     true,
}

// Config tunes the channel. Zero values fall back to the venue defaults.
type Config struct {
	ClientID     string
	ClientSecret string
	DemoHost     string
	LiveHost     string
	Port         int
	DefaultEnv   string

	DialTimeout    time.Duration
	AppAuthTimeout time.Duration
	HeartbeatEvery time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	RequestTimeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.DefaultEnv == "" {
		cfg.DefaultEnv = EnvDemo
	}
	if cfg.Port == 0 {
		cfg.Port = 5035
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.AppAuthTimeout <= 0 {
		cfg.AppAuthTimeout = 12 * time.Second
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 9 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return cfg
}

// Result is a correlated response.
type Result struct {
	PayloadName string
	TypeName    string
	Decoded     map[string]any
}

// Event is an uncorrelated inbound frame handed to the event handler.
type Event struct {
	Env         string
	PayloadName string
	TypeName    string
	Decoded     map[string]any
}

// Meta carries per-send options.
type Meta struct {
	// Env routes the request; an empty value uses the channel's current
	// environment. A mismatch with the live channel forces a reconnect.
	Env string
}

var (
	// ErrDisconnected rejects pending and new requests while the channel
	// is down.
	ErrDisconnected = errors.New("Disconnected")

	// ErrShuttingDown rejects requests after Stop.
	ErrShuttingDown = errors.New("connection shutting down")
)

// TimeoutError reports an uncorrelated request that outlived its timer.
type TimeoutError struct {
	Key         string
	ClientMsgID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Request timeout (%s) clientMsgId=%s", e.Key, e.ClientMsgID)
}

// Dialer opens the transport. The default dials TLS; tests substitute a
// plain TCP dialer.
type Dialer func(ctx context.Context, addr, serverName string) (net.Conn, error)

type outcome struct {
	res Result
	err error
}

type pending struct {
	key   string
	id    string
	seq   uint64
	ch    chan outcome
	timer *time.Timer
}

// gate is the one-shot readiness latch, re-armed on every connect
// attempt. complete is only called with the connection mutex held; the
// error is published by the channel close.
type gate struct {
	ch   chan struct{}
	err  error
	done bool
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func newDoneGate(err error) *gate {
	g := newGate()
	g.complete(err)
	return g
}

func (g *gate) complete(err error) {
	if g.done {
		return
	}
	g.done = true
	g.err = err
	close(g.ch)
}
