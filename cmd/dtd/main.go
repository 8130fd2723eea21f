// dtd: background daemon for dt.
// Drains the delivery queue, runs retention, and pulls sleep summaries.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dosetap/dt/internal/clock"
	"github.com/dosetap/dt/internal/config"
	"github.com/dosetap/dt/internal/dose"
	"github.com/dosetap/dt/internal/health"
	"github.com/dosetap/dt/internal/orchestrator"
	"github.com/dosetap/dt/internal/queue"
	"github.com/dosetap/dt/internal/retention"
	"github.com/dosetap/dt/internal/sqlite"
	"github.com/dosetap/dt/internal/transport"
)

const (
	queuePoll     = 15 * time.Second
	retentionTick = 6 * time.Hour
	healthTick    = 24 * time.Hour
)

func writePid(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644)
}

// newTransport builds the configured sync backend, or nil for backend "none".
func newTransport(ctx context.Context, cfg *config.Config, deviceID string) (transport.Transport, error) {
	key, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	switch cfg.Sync.Backend {
	case "", "none":
		return nil, nil
	case "https":
		if cfg.Sync.Endpoint == "" {
			return nil, errors.New("sync.backend is https but sync.endpoint is not set")
		}
		return transport.NewHTTP(cfg.Sync.Endpoint, cfg.Sync.APIKey), nil
	case "s3":
		return transport.NewS3(ctx, transport.S3Config{
			Bucket:       cfg.Sync.Bucket,
			Prefix:       cfg.Sync.Prefix,
			Region:       cfg.Sync.Region,
			Endpoint:     cfg.Sync.S3Endpoint,
			PathStyle:    cfg.Sync.PathStyle,
			AccessKey:    cfg.Sync.AccessKey,
			SecretKey:    cfg.Sync.SecretKey,
			SessionToken: cfg.Sync.SessionToken,
		}, deviceID, key)
	case "folder":
		if cfg.Sync.FolderPath == "" {
			return nil, errors.New("sync.backend is folder but sync.folder_path is not set")
		}
		return transport.NewFolder(cfg.Sync.FolderPath, deviceID, key), nil
	}
	return nil, fmt.Errorf("unknown sync backend %q", cfg.Sync.Backend)
}

// pullSleepSummary attaches last night's provider data as an ancillary event,
// once per night.
func pullSleepSummary(ctx context.Context, hc *health.Client, orch *orchestrator.Orchestrator) {
	sess := orch.Session()
	if sess != nil {
		for _, ev := range sess.Events {
			if ev.Subtype == dose.SubSleepSummary {
				return
			}
		}
	}
	meta, err := hc.Summary(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		if !errors.Is(err, health.ErrNoSleep) {
			log.Printf("[dtd] sleep summary: %v", err)
		}
		return
	}
	if _, err := orch.LogAncillary(dose.SubSleepSummary, meta); err != nil {
		var rl *dose.RateLimitedError
		if !errors.As(err, &rl) {
			log.Printf("[dtd] log sleep summary: %v", err)
		}
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("dtd: %v", err)
	}
	dc, err := cfg.DoseConfig()
	if err != nil {
		log.Fatalf("dtd: %v", err)
	}

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("dtd: open db: %v", err)
	}
	defer st.Close()

	deviceID, err := st.DeviceID()
	if err != nil {
		log.Fatalf("dtd: device id: %v", err)
	}

	pidPath := filepath.Join(cfg.DataDir, "dtd.pid")
	if err := writePid(pidPath); err != nil {
		log.Fatalf("dtd: write pid file: %v", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr, err := newTransport(ctx, cfg, deviceID)
	if err != nil {
		log.Fatalf("dtd: sync backend: %v", err)
	}

	var orch *orchestrator.Orchestrator
	q := queue.New(clock.SystemClock{}, st, tr, deviceID, queue.Options{
		MaxDepth:   cfg.QueueDepth,
		StallAfter: cfg.StallAfter,
		OnAlert: func(err error) {
			if orch != nil {
				orch.NoteAlert(err)
			}
		},
		OnDelivered: func(eventID string) {
			if err := st.MarkDelivered(eventID); err != nil {
				log.Printf("[dtd] mark delivered %s: %v", eventID, err)
			}
		},
	})
	if err := q.Rebuild(); err != nil {
		log.Fatalf("dtd: %v", err)
	}

	orch, err = orchestrator.New(clock.SystemClock{}, clock.NewSystemScheduler(), st, q, dc)
	if err != nil {
		log.Fatalf("dtd: %v", err)
	}

	log.Printf("[dtd] started: device=%s backend=%s queue=%d pending",
		deviceID, cfg.Sync.Backend, q.Depth())

	if tr != nil {
		go q.Run(ctx, queuePoll)
	}

	var hc *health.Client
	if cfg.Health.Enabled {
		hc = health.New(ctx, health.Credentials{
			ClientID:     cfg.Health.ClientID,
			ClientSecret: cfg.Health.ClientSecret,
			RefreshToken: cfg.Health.RefreshToken,
		})
	}

	retTicker := time.NewTicker(retentionTick)
	defer retTicker.Stop()
	healthTicker := time.NewTicker(healthTick)
	defer healthTicker.Stop()

	// First health pull shortly after start so a freshly booted daemon does
	// not wait a full day.
	healthWarmup := time.After(time.Minute)

	archiveDir := filepath.Join(cfg.DataDir, "archive")
	for {
		select {
		case <-ctx.Done():
			log.Printf("[dtd] shutting down")
			return
		case <-retTicker.C:
			n, err := retention.PruneEvents(st, retention.Options{
				RetentionDays: cfg.RetentionDays,
				ArchiveDir:    archiveDir,
			})
			if err != nil {
				log.Printf("[dtd] retention: %v", err)
			} else if n > 0 {
				log.Printf("[dtd] pruned %d event(s)", n)
			}
		case <-healthWarmup:
			if hc != nil {
				pullSleepSummary(ctx, hc, orch)
			}
		case <-healthTicker.C:
			if hc != nil {
				pullSleepSummary(ctx, hc, orch)
			}
		}
	}
}
