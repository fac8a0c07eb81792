package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"botgate.io/pkg/botclient"
)

// Smoke test against a running botgate: two proxied calls must debit exactly the
// tokens they report.
func main() {
	addr := envOr("BOTGATE_URL", "http://localhost:8080")
	botID, secret := os.Getenv("BOTGATE_BOT_ID"), os.Getenv("BOTGATE_BOT_SECRET")
	userID, tenantID := os.Getenv("BOTGATE_USER_ID"), os.Getenv("BOTGATE_TENANT_ID")
	if botID == "" || secret == "" || userID == "" || tenantID == "" {
		log.Fatal("BOTGATE_BOT_ID, BOTGATE_BOT_SECRET, BOTGATE_USER_ID and BOTGATE_TENANT_ID are required")
	}
	path := envOr("BOTGATE_SMOKE_PATH", "/")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c := botclient.New(addr, botID, secret)
	if err := c.Connect(ctx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	sess, err := c.CreateUserSession(ctx, userID, tenantID)
	if err != nil {
		log.Fatalf("open session: %v", err)
	}

	first, err := c.Call(ctx, sess.ID, http.MethodGet, path, nil)
	if err != nil {
		log.Fatalf("first call: %v", err)
	}
	second, err := c.Call(ctx, sess.ID, http.MethodGet, path, nil)
	if err != nil {
		log.Fatalf("second call: %v", err)
	}

	if second.Usage.Total <= 0 {
		log.Fatalf("second call reported no usage")
	}
	if first.Usage.Remaining-second.Usage.Total != second.Usage.Remaining {
		log.Fatalf("quota conservation failed: %d - %d != %d",
			first.Usage.Remaining, second.Usage.Total, second.Usage.Remaining)
	}
	fmt.Printf("quota smoke test passed: session=%s remaining=%d/%d\n", sess.ID, second.Usage.Remaining, second.Usage.Limit)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
