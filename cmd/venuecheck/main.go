// cmd/venuecheck probes the venue channel with the configured application
// credentials: it dials the chosen environment, completes application auth,
// and optionally lists the trading accounts behind an access token.
//
// Usage:
//
//	CTRADER_CLIENT_ID=... CTRADER_CLIENT_SECRET=... \
//	go run ./cmd/venuecheck/ \
//	  --env demo \
//	  --proto-dir proto \
//	  --access-token <token>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tradewire/ctrader-gateway/internal/schema"
	"github.com/tradewire/ctrader-gateway/internal/upstream"
)

func main() {
	env := flag.String("env", "demo", "venue environment (demo or live)")
	demoHost := flag.String("demo-host", "demo.ctraderapi.com", "demo endpoint host")
	liveHost := flag.String("live-host", "live.ctraderapi.com", "live endpoint host")
	port := flag.Int("port", 5035, "venue port")
	protoDir := flag.String("proto-dir", "proto", "directory with the venue .proto files")
	accessToken := flag.String("access-token", "", "list the accounts behind this token")
	timeout := flag.Duration("timeout", 15*time.Second, "overall probe deadline")
	flag.Parse()

	_ = godotenv.Load()
	clientID := os.Getenv("CTRADER_CLIENT_ID")
	clientSecret := os.Getenv("CTRADER_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		fmt.Fprintln(os.Stderr, "CTRADER_CLIENT_ID and CTRADER_CLIENT_SECRET must be set")
		os.Exit(1)
	}
	if !upstream.ValidEnv(*env) {
		fmt.Fprintf(os.Stderr, "invalid --env %q (want demo or live)\n", *env)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reg, err := schema.Load(ctx, *protoDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schema load failed: %v\n", err)
		os.Exit(1)
	}

	log, _ := zap.NewDevelopment()
	conn := upstream.NewConn(upstream.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		DemoHost:     *demoHost,
		LiveHost:     *liveHost,
		Port:         *port,
		DefaultEnv:   *env,
	}, reg, log, nil)
	conn.Start()
	defer conn.Stop()

	if err := conn.EnsureReady(ctx, *env); err != nil {
		fmt.Fprintf(os.Stderr, "channel not ready: %v\n", err)
		os.Exit(1)
	}

	host := *demoHost
	if *env == upstream.EnvLive {
		host = *liveHost
	}
	fmt.Printf("env:       %s\n", *env)
	fmt.Printf("endpoint:  %s:%d\n", host, *port)
	fmt.Printf("app auth:  ok\n")

	if *accessToken == "" {
		return
	}
	res, err := conn.Send(ctx, "PROTO_OA_GET_ACCOUNT_LIST_BY_ACCESS_TOKEN_REQ",
		map[string]any{"accessToken": *accessToken}, 0, upstream.Meta{Env: *env})
	if err != nil {
		fmt.Fprintf(os.Stderr, "account list failed: %v\n", err)
		os.Exit(1)
	}
	if res.PayloadName == "PROTO_OA_ERROR_RES" {
		fmt.Fprintf(os.Stderr, "account list rejected: %v\n", res.Decoded)
		os.Exit(1)
	}
	accounts, _ := res.Decoded["ctidTraderAccount"].([]any)
	fmt.Printf("accounts:  %d\n", len(accounts))
	for _, a := range accounts {
		m, _ := a.(map[string]any)
		fmt.Printf("  id=%v live=%v login=%v\n", m["ctidTraderAccountId"], m["isLive"], m["traderLogin"])
	}
}
