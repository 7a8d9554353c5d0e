package upstream

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tradewire/ctrader-gateway/internal/schema"
	"github.com/tradewire/ctrader-gateway/internal/wire"
)

func loadRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.Load(context.Background(), filepath.Join("..", "schema", "testdata"))
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

// fakeVenue is a minimal in-process stand-in for the trading venue: it
// answers application auth, counts heartbeats, and hands every other
// frame to the test's handler.
type fakeVenue struct {
	t   *testing.T
	reg *schema.Registry
	ln  net.Listener

	mu         sync.Mutex
	socks      []net.Conn
	heartbeats int
	authed     int

	// onFrame returns true when it handled the frame.
	onFrame func(sock net.Conn, key, id string, decoded map[string]any) bool
}

func newFakeVenue(t *testing.T, reg *schema.Registry) *fakeVenue {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	v := &fakeVenue{t: t, reg: reg, ln: ln}
	t.Cleanup(v.close)
	go v.acceptLoop()
	return v
}

func (v *fakeVenue) port() int {
	return v.ln.Addr().(*net.TCPAddr).Port
}

func (v *fakeVenue) close() {
	v.ln.Close()
	v.dropConns()
}

func (v *fakeVenue) dropConns() {
	v.mu.Lock()
	socks := v.socks
	v.socks = nil
	v.mu.Unlock()
	for _, s := range socks {
		s.Close()
	}
}

func (v *fakeVenue) counts() (heartbeats, authed int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.heartbeats, v.authed
}

func (v *fakeVenue) acceptLoop() {
	for {
		sock, err := v.ln.Accept()
		if err != nil {
			return
		}
		v.mu.Lock()
		v.socks = append(v.socks, sock)
		v.mu.Unlock()
		go v.serve(sock)
	}
}

func (v *fakeVenue) serve(sock net.Conn) {
	buf := make([]byte, 16<<10)
	var acc []byte
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			frames, rest := wire.Split(acc)
			acc = append(acc[:0], rest...)
			for _, f := range frames {
				v.handleFrame(sock, f)
			}
		}
		if err != nil {
			return
		}
	}
}

func (v *fakeVenue) handleFrame(sock net.Conn, data []byte) {
	ptID, payload, id, err := v.reg.DecodeProtoMessage(data)
	if err != nil {
		v.t.Errorf("venue: bad wrapper: %v", err)
		return
	}
	key := v.reg.PayloadTypeName(ptID)
	var decoded map[string]any
	if tn, err := v.reg.MessageTypeFor(key); err == nil {
		decoded, _ = v.reg.DecodeMessage(tn, payload)
	}

	switch key {
	case "HEARTBEAT_EVENT":
		v.mu.Lock()
		v.heartbeats++
		v.mu.Unlock()
		return
	case "PROTO_OA_APPLICATION_AUTH_REQ":
		v.mu.Lock()
		v.authed++
		v.mu.Unlock()
		v.reply(sock, "PROTO_OA_APPLICATION_AUTH_RES", id, map[string]any{})
		return
	}

	if v.onFrame != nil && v.onFrame(sock, key, id, decoded) {
		return
	}
}

// reply sends a wrapped payload back; id may be empty to simulate a
// frame with no correlation.
func (v *fakeVenue) reply(sock net.Conn, key, id string, obj map[string]any) {
	ptID, err := v.reg.PayloadTypeID(key)
	if err != nil {
		v.t.Errorf("venue: %v", err)
		return
	}
	tn, err := v.reg.MessageTypeFor(key)
	if err != nil {
		v.t.Errorf("venue: %v", err)
		return
	}
	payload, err := v.reg.EncodeMessage(tn, obj)
	if err != nil {
		v.t.Errorf("venue: encode %s: %v", key, err)
		return
	}
	frame, err := v.reg.EncodeProtoMessage(ptID, payload, id)
	if err != nil {
		v.t.Errorf("venue: wrap %s: %v", key, err)
		return
	}
	if _, err := sock.Write(wire.Frame(frame)); err != nil {
		v.t.Logf("venue: write: %v", err)
	}
}

func newTestConn(t *testing.T, v *fakeVenue) *Conn {
	t.Helper()
	cfg := Config{
		ClientID:       "cid",
		ClientSecret:   "csecret",
		DemoHost:       "127.0.0.1",
		LiveHost:       "127.0.0.1",
		Port:           v.port(),
		DialTimeout:    2 * time.Second,
		AppAuthTimeout: 2 * time.Second,
		HeartbeatEvery: 25 * time.Millisecond,
		ReconnectMin:   20 * time.Millisecond,
		ReconnectMax:   200 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}
	c := NewConn(cfg, v.reg, zap.NewNop(), nil)
	c.SetDialer(func(ctx context.Context, addr, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	})
	t.Cleanup(c.Stop)
	return c
}

func waitReady(t *testing.T, c *Conn, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Ready() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection did not become ready within %v", timeout)
}

// ── Request/response ─────────────────────────────────────────────────────────

func TestSendCorrelatedResponse(t *testing.T) {
	reg := loadRegistry(t)
	v := newFakeVenue(t, reg)
	v.onFrame = func(sock net.Conn, key, id string, decoded map[string]any) bool {
		if key != "PROTO_OA_TRADER_REQ" {
			return false
		}
		v.reply(sock, "PROTO_OA_TRADER_RES", id, map[string]any{
			"ctidTraderAccountId": decoded["ctidTraderAccountId"],
			"trader":              map[string]any{"balance": int64(5_000_00)},
		})
		return true
	}
	c := newTestConn(t, v)
	c.Start()
	waitReady(t, c, 2*time.Second)

	res, err := c.Send(context.Background(), "PROTO_OA_TRADER_REQ",
		map[string]any{"ctidTraderAccountId": int64(100)}, 0, Meta{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.PayloadName != "PROTO_OA_TRADER_RES" {
		t.Errorf("payload name: %q", res.PayloadName)
	}
	trader, _ := res.Decoded["trader"].(map[string]any)
	if trader["balance"] != int64(5_000_00) {
		t.Errorf("balance: %v", trader["balance"])
	}

	if _, authed := v.counts(); authed != 1 {
		t.Errorf("app auth count: %d", authed)
	}
}

func TestSendTimeout(t *testing.T) {
	reg := loadRegistry(t)
	v := newFakeVenue(t, reg)
	v.onFrame = func(net.Conn, string, string, map[string]any) bool { return true }
	c := newTestConn(t, v)
	c.Start()
	waitReady(t, c, 2*time.Second)

	_, err := c.Send(context.Background(), "PROTO_OA_TRADER_REQ",
		map[string]any{"ctidTraderAccountId": int64(1)}, 50*time.Millisecond, Meta{})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Request timeout (PROTO_OA_TRADER_REQ) clientMsgId=") {
		t.Errorf("timeout message: %q", err.Error())
	}

	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("pending map not drained: %d entries", n)
	}
}

func TestUncorrelatedSystemFrameSettlesOldestPending(t *testing.T) {
	reg := loadRegistry(t)
	v := newFakeVenue(t, reg)
	v.onFrame = func(sock net.Conn, key, id string, decoded map[string]any) bool {
		if key != "PROTO_OA_ACCOUNT_AUTH_REQ" {
			return false
		}
		// Answer with an error frame that carries no correlation id.
		v.reply(sock, "PROTO_OA_ERROR_RES", "", map[string]any{
			"errorCode":   "CH_ACCESS_TOKEN_INVALID",
			"description": "token rejected",
		})
		return true
	}
	c := newTestConn(t, v)
	c.Start()
	waitReady(t, c, 2*time.Second)

	res, err := c.Send(context.Background(), "PROTO_OA_ACCOUNT_AUTH_REQ",
		map[string]any{"ctidTraderAccountId": int64(1), "accessToken": "tok"}, 0, Meta{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.PayloadName != "PROTO_OA_ERROR_RES" {
		t.Fatalf("payload name: %q", res.PayloadName)
	}
	if res.Decoded["errorCode"] != "CH_ACCESS_TOKEN_INVALID" {
		t.Errorf("errorCode: %v", res.Decoded["errorCode"])
	}
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestDisconnectRejectsPendingThenRecovers(t *testing.T) {
	reg := loadRegistry(t)
	v := newFakeVenue(t, reg)

	var mu sync.Mutex
	swallow := true
	received := 0
	v.onFrame = func(sock net.Conn, key, id string, decoded map[string]any) bool {
		if key != "PROTO_OA_TRADER_REQ" {
			return false
		}
		mu.Lock()
		received++
		s := swallow
		mu.Unlock()
		if s {
			return true
		}
		v.reply(sock, "PROTO_OA_TRADER_RES", id, map[string]any{"ctidTraderAccountId": int64(1)})
		return true
	}

	c := newTestConn(t, v)
	c.Start()
	waitReady(t, c, 2*time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "PROTO_OA_TRADER_REQ",
			map[string]any{"ctidTraderAccountId": int64(1)}, 5*time.Second, Meta{})
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := received
		mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	v.dropConns()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("pending request: expected Disconnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not rejected on disconnect")
	}

	mu.Lock()
	swallow = false
	mu.Unlock()

	waitReady(t, c, 3*time.Second)
	if _, err := c.Send(context.Background(), "PROTO_OA_TRADER_REQ",
		map[string]any{"ctidTraderAccountId": int64(1)}, 0, Meta{}); err != nil {
		t.Fatalf("Send after recovery: %v", err)
	}

	if _, authed := v.counts(); authed < 2 {
		t.Errorf("expected a second app auth after reconnect, got %d", authed)
	}
}

func TestSendWhileDownFailsFast(t *testing.T) {
	reg := loadRegistry(t)
	v := newFakeVenue(t, reg)
	c := newTestConn(t, v)

	// Never started: the channel reports disconnected without blocking.
	start := time.Now()
	_, err := c.Send(context.Background(), "PROTO_OA_TRADER_REQ",
		map[string]any{"ctidTraderAccountId": int64(1)}, 0, Meta{})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected Disconnected, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("fail-fast path blocked for %v", time.Since(start))
	}
}

func TestEnvSwitchRebindsChannel(t *testing.T) {
	reg := loadRegistry(t)
	v := newFakeVenue(t, reg)
	c := newTestConn(t, v)
	c.Start()
	waitReady(t, c, 2*time.Second)

	if env := c.CurrentEnv(); env != EnvDemo {
		t.Fatalf("current env: %q", env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.EnsureReady(ctx, EnvLive); err != nil {
		t.Fatalf("EnsureReady(live): %v", err)
	}
	if env := c.CurrentEnv(); env != EnvLive {
		t.Errorf("env after switch: %q", env)
	}
	if !c.Ready() {
		t.Error("channel not ready after switch")
	}
	if _, authed := v.counts(); authed < 2 {
		t.Errorf("expected re-auth on the new env, got %d", authed)
	}
}

func TestHeartbeatsFlow(t *testing.T) {
	reg := loadRegistry(t)
	v := newFakeVenue(t, reg)
	c := newTestConn(t, v)
	c.Start()
	waitReady(t, c, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hb, _ := v.counts(); hb >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	hb, _ := v.counts()
	t.Fatalf("expected at least 2 heartbeats, got %d", hb)
}

// ── Unit details ─────────────────────────────────────────────────────────────

func TestAllocIDWrapsSkippingZero(t *testing.T) {
	c := &Conn{nextID: maxClientMsgID - 1}

	if id := c.allocID(); id != "2000000000" {
		t.Errorf("id before wrap: %q", id)
	}
	if id := c.allocID(); id != "1" {
		t.Errorf("id after wrap: %q", id)
	}
}

func TestOutcomeLabels(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrDisconnected, "disconnected"},
		{&TimeoutError{Key: "X", ClientMsgID: "1"}, "timeout"},
		{errors.New("boom"), "error"},
	}
	for _, tc := range cases {
		if got := outcomeLabel(tc.err); got != tc.want {
			t.Errorf("outcomeLabel(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
