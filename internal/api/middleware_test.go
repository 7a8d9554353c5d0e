package api

import (
	"net/http"
	"strings"
	"testing"
)

func TestInternalAuthEnforcedWhenConfigured(t *testing.T) {
	ts := newTestServer(t, "sekrit", nil)

	w := ts.do(t, http.MethodGet, "/accounts", nil, userHeader("u1"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid internal key") {
		t.Fatalf("body = %s", w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/accounts", nil, map[string]string{
		"x-user-id":      "u1",
		"x-internal-key": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", w.Code)
	}

	// The right key clears the gate; the request then fails further in
	// because u1 has no stored token, which proves the handler ran.
	w = ts.do(t, http.MethodGet, "/accounts", nil, map[string]string{
		"x-user-id":      "u1",
		"x-internal-key": "sekrit",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("right key: status = %d, want 400: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "OAuth") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestHealthAndMetricsSkipInternalAuth(t *testing.T) {
	ts := newTestServer(t, "sekrit", nil)

	if w := ts.do(t, http.MethodGet, "/health", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want 200", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/metrics", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", w.Code)
	}
}

func TestInternalAuthDisabledWithoutKey(t *testing.T) {
	ts := newTestServer(t, "", nil)
	w := ts.do(t, http.MethodGet, "/accounts", nil, userHeader("u1"))
	// 400 (no stored token), not 401: the gate is open.
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestEnvHeaderValidated(t *testing.T) {
	ts := newTestServer(t, "", nil)
	w := ts.do(t, http.MethodGet, "/accounts", nil, map[string]string{
		"x-user-id":     "u1",
		"x-ctrader-env": "staging",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "invalid x-ctrader-env") {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRequestIDHonorsInbound(t *testing.T) {
	ts := newTestServer(t, "", nil)

	w := ts.do(t, http.MethodGet, "/health", nil, map[string]string{"x-request-id": "req-fixed-1"})
	if got := w.Header().Get("x-request-id"); got != "req-fixed-1" {
		t.Fatalf("x-request-id = %q, want req-fixed-1", got)
	}

	// Error envelopes carry the same id.
	w = ts.do(t, http.MethodGet, "/accounts", nil, map[string]string{"x-request-id": "req-fixed-2"})
	if decodeBody(t, w)["requestId"] != "req-fixed-2" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestSymbolLimitClamp(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"", defaultSymbolLimit},
		{"abc", defaultSymbolLimit},
		{"0", 1},
		{"-5", 1},
		{"50", 50},
		{"2000", 2000},
		{"99999", maxSymbolLimit},
	}
	for _, tc := range cases {
		if got := symbolLimit(tc.raw); got != tc.want {
			t.Errorf("symbolLimit(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}
