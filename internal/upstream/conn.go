package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/ctrader-gateway/internal/metrics"
	"github.com/tradewire/ctrader-gateway/internal/schema"
	"github.com/tradewire/ctrader-gateway/internal/wire"
)

const backoffFactor = 1.8

// Conn multiplexes every upstream request over one socket per process.
// The mutex guards connection state and the pending map; writeMu
// serializes socket writes so frames keep send order.
type Conn struct {
	cfg  Config
	reg  *schema.Registry
	log  *zap.Logger
	met  *metrics.Metrics
	dial Dialer

	onEvent func(Event)

	mu              sync.Mutex
	sock            net.Conn
	sockGen         uint64
	connected       bool
	appAuthed       bool
	currentEnv      string
	connectInFlight bool
	shuttingDown    bool
	gate            *gate
	backoff         time.Duration
	reconnectTimer  *time.Timer
	hbStop          chan struct{}
	pending         map[string]*pending
	pendingSeq      uint64
	nextID          uint64

	writeMu sync.Mutex
}

func NewConn(cfg Config, reg *schema.Registry, log *zap.Logger, met *metrics.Metrics) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		cfg:        cfg,
		reg:        reg,
		log:        log,
		met:        met,
		currentEnv: cfg.DefaultEnv,
		gate:       newDoneGate(ErrDisconnected),
		pending:    make(map[string]*pending),
	}
	c.dial = defaultDialer(cfg.DialTimeout)
	return c
}

func defaultDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, addr, serverName string) (net.Conn, error) {
		d := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: timeout},
			Config: &tls.Config{
				ServerName: serverName,
				MinVersion: tls.VersionTLS12,
			},
		}
		return d.DialContext(ctx, "tcp", addr)
	}
}

// SetDialer replaces the transport dialer. Call before Start.
func (c *Conn) SetDialer(d Dialer) {
	c.dial = d
}

// SetEventHandler installs the sink for uncorrelated inbound frames.
// Call before Start.
func (c *Conn) SetEventHandler(fn func(Event)) {
	c.onEvent = fn
}

// Start opens the channel to the default environment in the background.
func (c *Conn) Start() {
	c.mu.Lock()
	env := c.currentEnv
	c.mu.Unlock()
	go c.connect(env)
}

// Stop tears the channel down and rejects everything in flight.
func (c *Conn) Stop() {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.teardownLocked()
	c.gate.complete(ErrShuttingDown)
	c.gate = newDoneGate(ErrShuttingDown)
	waiting := c.takeAllPendingLocked()
	c.mu.Unlock()

	failPending(waiting, ErrDisconnected)
	c.log.Info("upstream connection stopped")
}

// Ready reports whether the channel is connected and application-authed.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.appAuthed
}

// CurrentEnv returns the environment the channel is bound to.
func (c *Conn) CurrentEnv() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentEnv
}

func (c *Conn) host(env string) string {
	if env == EnvLive {
		return c.cfg.LiveHost
	}
	return c.cfg.DemoHost
}

func (c *Conn) addr(env string) string {
	return net.JoinHostPort(c.host(env), strconv.Itoa(c.cfg.Port))
}

func (c *Conn) connect(env string) {
	c.mu.Lock()
	if c.shuttingDown || c.connectInFlight || env != c.currentEnv {
		c.mu.Unlock()
		return
	}
	c.connectInFlight = true
	if c.gate.done {
		c.gate = newGate()
	}
	c.mu.Unlock()

	addr := c.addr(env)
	c.log.Info("connecting upstream", zap.String("env", env), zap.String("addr", addr))

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	sock, err := c.dial(ctx, addr, c.host(env))
	cancel()
	if err != nil {
		c.log.Warn("upstream dial failed", zap.String("env", env), zap.Error(err))
		c.mu.Lock()
		c.connectInFlight = false
		if !c.shuttingDown && env == c.currentEnv {
			c.scheduleReconnectLocked(env)
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.shuttingDown || env != c.currentEnv {
		// The target moved while dialing; this socket is for the wrong
		// place.
		c.connectInFlight = false
		if !c.shuttingDown {
			c.scheduleReconnectLocked(c.currentEnv)
		}
		c.mu.Unlock()
		sock.Close()
		return
	}
	c.sock = sock
	c.sockGen++
	gen := c.sockGen
	c.connected = true
	c.appAuthed = false
	c.backoff = 0
	c.connectInFlight = false
	c.mu.Unlock()

	c.log.Info("upstream connected", zap.String("env", env))
	go c.readLoop(sock, gen, env)
	go c.appAuth(gen, env)
}

// scheduleReconnectLocked arms the backoff timer. Callers hold c.mu.
func (c *Conn) scheduleReconnectLocked(env string) {
	if c.shuttingDown {
		return
	}
	if c.backoff <= 0 {
		c.backoff = c.cfg.ReconnectMin
	}
	delay := c.backoff
	next := time.Duration(float64(c.backoff) * backoffFactor)
	if next > c.cfg.ReconnectMax {
		next = c.cfg.ReconnectMax
	}
	c.backoff = next

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.met.RecordReconnect()
	c.log.Info("scheduling reconnect", zap.String("env", env), zap.Duration("delay", delay))
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnectNow(env) })
}

func (c *Conn) reconnectNow(env string) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	if c.connectInFlight {
		// Fired while a connect attempt is still running; try again
		// after another backoff step.
		c.scheduleReconnectLocked(env)
		c.mu.Unlock()
		return
	}
	env = c.currentEnv
	c.mu.Unlock()
	c.connect(env)
}

// teardownLocked closes the socket and invalidates its generation so the
// socket's read loop cannot double-handle the disconnect. Callers hold
// c.mu.
func (c *Conn) teardownLocked() {
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.sockGen++
	c.connected = false
	c.appAuthed = false
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

// EnsureReady blocks until the channel is ready for env. Requesting a
// different environment than the channel is bound to forces a reconnect,
// rejecting everything in flight.
func (c *Conn) EnsureReady(ctx context.Context, env string) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	if env != "" && env != c.currentEnv {
		c.mu.Unlock()
		return c.ForceReconnect(ctx, env)
	}
	if c.connected && c.appAuthed {
		c.mu.Unlock()
		return nil
	}
	g := c.gate
	c.mu.Unlock()

	select {
	case <-g.ch:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceReconnect drops the current socket, rebinds the channel to env,
// and waits for readiness on the fresh link.
func (c *Conn) ForceReconnect(ctx context.Context, env string) error {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	from := c.currentEnv
	c.teardownLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.gate.complete(ErrDisconnected)
	waiting := c.takeAllPendingLocked()
	c.currentEnv = env
	c.backoff = 0
	g := newGate()
	c.gate = g
	c.mu.Unlock()

	c.log.Info("switching upstream environment", zap.String("from", from), zap.String("to", env))
	failPending(waiting, ErrDisconnected)
	go c.connect(env)

	select {
	case <-g.ch:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) handleDisconnect(gen uint64, cause error) {
	c.mu.Lock()
	if c.shuttingDown || gen != c.sockGen {
		c.mu.Unlock()
		return
	}
	env := c.currentEnv
	c.teardownLocked()
	c.gate.complete(ErrDisconnected)
	c.gate = newDoneGate(ErrDisconnected)
	waiting := c.takeAllPendingLocked()
	c.scheduleReconnectLocked(env)
	c.mu.Unlock()

	c.log.Warn("upstream disconnected", zap.String("env", env), zap.Error(cause))
	failPending(waiting, ErrDisconnected)
}

// Send encodes obj as the payload named by key, writes it with a fresh
// clientMsgId, and waits for the correlated response. Zero timeout uses
// the configured default.
func (c *Conn) Send(ctx context.Context, key string, obj map[string]any, timeout time.Duration, meta Meta) (Result, error) {
	start := time.Now()
	res, err := c.send(ctx, key, obj, timeout, meta)
	c.met.ObserveUpstream(key, outcomeLabel(err), time.Since(start))
	return res, err
}

func (c *Conn) send(ctx context.Context, key string, obj map[string]any, timeout time.Duration, meta Meta) (Result, error) {
	c.mu.Lock()
	env := meta.Env
	if env == "" {
		env = c.currentEnv
	}
	connected := c.connected
	c.mu.Unlock()

	// App auth must go out before the ready gate opens; it only needs a
	// live socket.
	if key == appAuthKey {
		if !connected {
			return Result{}, ErrDisconnected
		}
	} else if err := c.EnsureReady(ctx, env); err != nil {
		return Result{}, err
	}

	ptID, err := c.reg.PayloadTypeID(key)
	if err != nil {
		return Result{}, err
	}
	typeName, err := c.reg.MessageTypeFor(key)
	if err != nil {
		return Result{}, err
	}

	id := c.allocID()
	payloadObj := obj
	if c.reg.HasField(typeName, "clientMsgId") {
		payloadObj = make(map[string]any, len(obj)+1)
		for k, v := range obj {
			payloadObj[k] = v
		}
		payloadObj["clientMsgId"] = id
	}
	payload, err := c.reg.EncodeMessage(typeName, payloadObj)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", key, err)
	}
	frame, err := c.reg.EncodeProtoMessage(ptID, payload, id)
	if err != nil {
		return Result{}, fmt.Errorf("encode wrapper for %s: %w", key, err)
	}

	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	p := &pending{key: key, id: id, ch: make(chan outcome, 1)}
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return Result{}, ErrShuttingDown
	}
	c.pendingSeq++
	p.seq = c.pendingSeq
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if q := c.takePending(id); q != nil {
			q.ch <- outcome{err: &TimeoutError{Key: key, ClientMsgID: id}}
		}
	})
	sock := c.sock
	c.mu.Unlock()

	if sock == nil {
		if c.takePending(id) != nil {
			return Result{}, ErrDisconnected
		}
		o := <-p.ch
		return o.res, o.err
	}

	if err := c.writeFrame(sock, frame); err != nil {
		sock.Close()
		if c.takePending(id) != nil {
			return Result{}, fmt.Errorf("write %s: %w", key, err)
		}
		o := <-p.ch
		return o.res, o.err
	}

	select {
	case o := <-p.ch:
		return o.res, o.err
	case <-ctx.Done():
		if c.takePending(id) != nil {
			return Result{}, ctx.Err()
		}
		o := <-p.ch
		return o.res, o.err
	}
}

func outcomeLabel(err error) string {
	var te *TimeoutError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.As(err, &te):
		return "timeout"
	default:
		return "error"
	}
}

// allocID hands out wrapping correlation ids; zero is never used.
func (c *Conn) allocID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	if c.nextID > maxClientMsgID {
		c.nextID = 1
	}
	return strconv.FormatUint(c.nextID, 10)
}

func (c *Conn) writeFrame(sock net.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := sock.Write(wire.Frame(payload))
	return err
}

func (c *Conn) appAuth(gen uint64, env string) {
	res, err := c.Send(context.Background(), appAuthKey, map[string]any{
		"clientId":     c.cfg.ClientID,
		"clientSecret": c.cfg.ClientSecret,
	}, c.cfg.AppAuthTimeout, Meta{Env: env})

	switch {
	case err != nil:
		c.failAppAuth(gen, env, err.Error())
		return
	case res.PayloadName == errorResKey:
		c.failAppAuth(gen, env, errorDescription(res.Decoded))
		return
	case res.Decoded == nil:
		c.failAppAuth(gen, env, "empty auth response")
		return
	}

	c.mu.Lock()
	if c.shuttingDown || gen != c.sockGen {
		c.mu.Unlock()
		return
	}
	c.appAuthed = true
	stop := make(chan struct{})
	c.hbStop = stop
	sock := c.sock
	c.gate.complete(nil)
	c.mu.Unlock()

	c.log.Info("upstream ready", zap.String("env", env))
	go c.heartbeatLoop(sock, stop)
}

// failAppAuth drops the socket so the normal disconnect path kicks in and
// schedules the retry.
func (c *Conn) failAppAuth(gen uint64, env, reason string) {
	c.log.Error("application auth failed", zap.String("env", env), zap.String("reason", reason))
	c.mu.Lock()
	sock := c.sock
	stale := gen != c.sockGen
	c.mu.Unlock()
	if !stale && sock != nil {
		sock.Close()
	}
}

func errorDescription(decoded map[string]any) string {
	if decoded == nil {
		return "unknown upstream error"
	}
	desc, _ := decoded["description"].(string)
	code, _ := decoded["errorCode"].(string)
	switch {
	case desc != "" && code != "":
		return code + ": " + desc
	case desc != "":
		return desc
	case code != "":
		return code
	}
	return "unknown upstream error"
}

func (c *Conn) heartbeatLoop(sock net.Conn, stop chan struct{}) {
	t := time.NewTicker(c.cfg.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := c.sendHeartbeat(sock); err != nil {
				c.log.Debug("heartbeat send failed", zap.Error(err))
			}
		}
	}
}

// sendHeartbeat is one-way: no clientMsgId, no pending entry.
func (c *Conn) sendHeartbeat(sock net.Conn) error {
	ptID, err := c.reg.PayloadTypeID(heartbeatKey)
	if err != nil {
		return err
	}
	typeName, err := c.reg.MessageTypeFor(heartbeatKey)
	if err != nil {
		return err
	}
	payload, err := c.reg.EncodeMessage(typeName, map[string]any{})
	if err != nil {
		return err
	}
	frame, err := c.reg.EncodeProtoMessage(ptID, payload, "")
	if err != nil {
		return err
	}
	return c.writeFrame(sock, frame)
}
