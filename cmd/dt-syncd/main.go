// dt-syncd: reference sync server for dt devices.
// Accepts POST /v1/events with idempotent inserts into Postgres.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dosetap/dt/internal/syncserver"
)

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("DT_SYNCD_DSN")
	if dsn == "" {
		log.Fatal("dt-syncd: DT_SYNCD_DSN is required (postgres connection string)")
	}
	addr := os.Getenv("DT_SYNCD_ADDR")
	if addr == "" {
		addr = ":8787"
	}
	var keys []string
	if v := os.Getenv("DT_SYNCD_API_KEYS"); v != "" {
		keys = strings.Split(v, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := syncserver.OpenPG(ctx, dsn)
	if err != nil {
		log.Fatalf("dt-syncd: %v", err)
	}
	defer store.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           syncserver.New(store, keys).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Printf("[dt-syncd] shutdown: %v", err)
		}
	}()

	auth := "off"
	if len(keys) > 0 {
		auth = "on"
	}
	log.Printf("[dt-syncd] listening on %s (auth %s)", addr, auth)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("dt-syncd: %v", err)
	}
	log.Printf("[dt-syncd] stopped")
}
