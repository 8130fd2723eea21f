// dt: CLI for the dose timing engine.
// Commands: status, take, snooze, skip, log, history, sync, prune, keygen.

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/dosetap/dt/internal/clock"
	"github.com/dosetap/dt/internal/config"
	"github.com/dosetap/dt/internal/dose"
	"github.com/dosetap/dt/internal/orchestrator"
	"github.com/dosetap/dt/internal/queue"
	"github.com/dosetap/dt/internal/retention"
	"github.com/dosetap/dt/internal/sqlite"
	"github.com/dosetap/dt/internal/transport"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "dt: "+format+"\n", args...)
	os.Exit(1)
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

type app struct {
	cfg   *config.Config
	store *sqlite.Store
	q     *queue.Queue
	orch  *orchestrator.Orchestrator
	tr    transport.Transport
}

func openApp(ctx context.Context) *app {
	cfg, err := config.Load()
	if err != nil {
		fatalf("%v", err)
	}
	dc, err := cfg.DoseConfig()
	if err != nil {
		fatalf("%v", err)
	}
	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fatalf("open db: %v", err)
	}
	deviceID, err := st.DeviceID()
	if err != nil {
		fatalf("device id: %v", err)
	}
	tr, err := newTransport(ctx, cfg, deviceID)
	if err != nil {
		fatalf("sync backend: %v", err)
	}
	q := queue.New(clock.SystemClock{}, st, tr, deviceID, queue.Options{
		MaxDepth:    cfg.QueueDepth,
		StallAfter:  cfg.StallAfter,
		OnDelivered: func(eventID string) { _ = st.MarkDelivered(eventID) },
	})
	if err := q.Rebuild(); err != nil {
		fatalf("%v", err)
	}
	sched := clock.NewSystemScheduler()
	orch, err := orchestrator.New(clock.SystemClock{}, sched, st, q, dc)
	if err != nil {
		fatalf("%v", err)
	}
	return &app{cfg: cfg, store: st, q: q, orch: orch, tr: tr}
}

func (a *app) close() { _ = a.store.Close() }

// drainOnce pushes queued items to the backend, best effort.
func (a *app) drainOnce(ctx context.Context) {
	if a.tr == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if n, err := a.q.Drain(dctx); err == nil && n > 0 {
		fmt.Printf("Synced %d event(s).\n", n)
	}
}

// waitUndo holds the process open for the undo window. Ctrl-C inside the
// window cancels the staged action; otherwise it finalizes and is queued.
// Non-interactive callers (scripts, pipes) get the --yes behavior.
func (a *app) waitUndo(res orchestrator.Result, label string, yes bool) {
	window := a.orch.Status().UndoWindow
	deadline := time.After(window + 300*time.Millisecond)

	if yes || !term.IsTerminal(int(os.Stdout.Fd())) {
		<-deadline
		fmt.Printf("%s recorded.\n", label)
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	fmt.Printf("%s staged. Press Ctrl-C within %s to undo.\n", label, window)
	for {
		select {
		case <-sig:
			if a.orch.Undo(res.UndoToken) {
				fmt.Printf("%s undone. Nothing was recorded.\n", label)
				return
			}
			fmt.Printf("Too late to undo; %s stands.\n", strings.ToLower(label))
			return
		case <-deadline:
			fmt.Printf("%s recorded.\n", label)
			return
		}
	}
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func cmdStatus(ctx context.Context) {
	a := openApp(ctx)
	defer a.close()

	st := a.orch.Status()
	fmt.Println("dt status")
	if st.SessionKey == "" {
		fmt.Println("  night:   (none open)")
	} else {
		fmt.Printf("  night:   %s\n", st.SessionKey)
	}
	fmt.Printf("  phase:   %s\n", st.Snapshot.Phase)
	if st.Snapshot.TimeElapsed > 0 {
		fmt.Printf("  elapsed: %s since dose 1\n", st.Snapshot.TimeElapsed.Round(time.Minute))
	}
	if st.Snapshot.TimeRemaining > 0 {
		fmt.Printf("  left:    %s until window closes\n", st.Snapshot.TimeRemaining.Round(time.Minute))
	}
	fmt.Printf("  next:    %s\n", st.Snapshot.PrimaryAction)
	if !st.RemindAt.IsZero() {
		fmt.Printf("  remind:  %s\n", st.RemindAt.Local().Format("15:04"))
	}
	fmt.Printf("  snoozes: %d\n", st.SnoozeCount)
	fmt.Printf("  queue:   %d pending\n", st.QueueDepth)
	for _, alert := range st.Alerts {
		fmt.Printf("  alert:   %v\n", alert)
	}
}

func cmdTake(ctx context.Context, args []string) {
	a := openApp(ctx)
	defer a.close()

	sess := a.orch.Session()
	var (
		res   orchestrator.Result
		err   error
		label string
	)
	if sess == nil || sess.Dose1At == nil {
		res, err = a.orch.TakeDose1()
		label = "Dose 1"
	} else {
		res, err = a.orch.TakeDose2()
		label = "Dose 2"
	}
	if err != nil {
		reportIntentError(err)
	}
	if res.Validation != nil {
		fmt.Printf("Warning: dose 2 landed %s after dose 1, outside the %s-%s window. Recorded and flagged.\n",
			res.Validation.Offset.Round(time.Minute), dose.MinOffset, dose.MaxOffset)
	}
	a.waitUndo(res, label, hasFlag(args, "--yes"))
	a.drainOnce(ctx)
}

func cmdSnooze(ctx context.Context, args []string) {
	a := openApp(ctx)
	defer a.close()

	res, err := a.orch.Snooze()
	if err != nil {
		reportIntentError(err)
	}
	a.waitUndo(res, "Snooze", hasFlag(args, "--yes"))
	st := a.orch.Status()
	if !st.RemindAt.IsZero() {
		fmt.Printf("Next reminder at %s.\n", st.RemindAt.Local().Format("15:04"))
	}
	a.drainOnce(ctx)
}

func cmdSkip(ctx context.Context, args []string) {
	a := openApp(ctx)
	defer a.close()

	res, err := a.orch.SkipDose2()
	if err != nil {
		reportIntentError(err)
	}
	a.waitUndo(res, "Skip", hasFlag(args, "--yes"))
	a.drainOnce(ctx)
}

func cmdLog(ctx context.Context, args []string) {
	if len(args) == 0 {
		fatalf("usage: dt log <subtype> [key=value ...]")
	}
	sub := dose.Subtype(args[0])
	var meta dose.Meta
	yes := false
	for _, arg := range args[1:] {
		if arg == "--yes" {
			yes = true
			continue
		}
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			fatalf("metadata must be key=value, got %q", arg)
		}
		meta.Set(k, v)
	}

	a := openApp(ctx)
	defer a.close()

	res, err := a.orch.LogAncillary(sub, meta)
	if err != nil {
		reportIntentError(err)
	}
	a.waitUndo(res, "Log entry", yes)
	a.drainOnce(ctx)
}

func cmdHistory(ctx context.Context, args []string) {
	n := 14
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			fatalf("usage: dt history [nights]")
		}
		n = v
	}

	a := openApp(ctx)
	defer a.close()

	sessions, err := a.store.ListSessions(n)
	if err != nil {
		fatalf("history: %v", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No nights recorded yet.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Night", "Dose 1", "Dose 2", "Offset", "Snoozes", "Events"})
	for _, s := range sessions {
		d1, d2, offset := "-", "-", "-"
		if s.Dose1At != nil {
			d1 = s.Dose1At.Local().Format("15:04")
		}
		if s.Dose2At != nil {
			d2 = s.Dose2At.Local().Format("15:04")
			if s.Dose1At != nil {
				offset = s.Dose2At.Sub(*s.Dose1At).Round(time.Minute).String()
			}
		} else if s.Dose2Skipped {
			d2 = "skipped"
		}
		t.AppendRow(table.Row{s.Key, d1, d2, offset, s.SnoozeCount, len(s.Events)})
	}
	t.Render()
}

func cmdSync(ctx context.Context) {
	a := openApp(ctx)
	defer a.close()

	if a.tr == nil {
		fatalf("no sync backend configured (set sync.backend in config or DT_SYNC_BACKEND)")
	}
	dctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	n, err := a.q.Drain(dctx)
	if err != nil {
		fatalf("sync: %v", err)
	}
	fmt.Printf("Synced %d event(s); %d still pending.\n", n, a.q.Depth())
}

func cmdPrune(ctx context.Context) {
	a := openApp(ctx)
	defer a.close()

	n, err := retention.PruneEvents(a.store, retention.Options{
		RetentionDays: a.cfg.RetentionDays,
		ArchiveDir:    filepath.Join(a.cfg.DataDir, "archive"),
	})
	if err != nil {
		fatalf("prune: %v", err)
	}
	fmt.Printf("Pruned %d event(s) older than %d days.\n", n, a.cfg.RetentionDays)
}

func cmdKeygen(args []string) {
	cfg, err := config.Load()
	if err != nil {
		fatalf("%v", err)
	}
	path := cfg.Sync.KeyFile
	if path == "" {
		path = filepath.Join(cfg.DataDir, "master.key")
	}
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			path = arg
		}
	}

	if _, err := os.Stat(path); err == nil && !hasFlag(args, "--force") {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fatalf("keygen: %s exists; pass --force to overwrite", path)
		}
		fmt.Printf("Key file %s exists. Overwrite? Events sealed with the old key become unreadable. [y/N] ", path)
		var answer string
		_, _ = fmt.Scanln(&answer)
		if !strings.EqualFold(answer, "y") {
			fmt.Println("Aborted.")
			return
		}
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fatalf("keygen: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		fatalf("keygen: %v", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		fatalf("keygen: %v", err)
	}
	fmt.Printf("Wrote new 32-byte key to %s.\n", path)
	fmt.Println("Set sync.encrypt: true and sync.key_file in config to use it.")
}

func reportIntentError(err error) {
	var rl *dose.RateLimitedError
	var verr *dose.ValidationError
	switch {
	case errors.As(err, &rl):
		fatalf("%v", rl)
	case errors.As(err, &verr):
		fatalf("%v", verr)
	case errors.Is(err, dose.ErrDose1Recorded):
		fatalf("dose 1 is already recorded tonight; did you mean dt take again later for dose 2?")
	case errors.Is(err, dose.ErrNoDose1):
		fatalf("no dose 1 recorded tonight; take dose 1 first")
	case errors.Is(err, dose.ErrSessionClosed):
		fatalf("tonight's session is already resolved")
	case errors.Is(err, dose.ErrSnoozeNearClose):
		fatalf("too close to the window edge to snooze; take or skip dose 2")
	case errors.Is(err, dose.ErrSnoozeBudget):
		fatalf("snooze budget used up for tonight")
	default:
		fatalf("%v", err)
	}
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("dt: twice-nightly dose timing")
		fmt.Println("Usage: dt <status|take|snooze|skip|log|history|sync|prune|keygen>")
		os.Exit(0)
	}
	ctx := context.Background()
	args := os.Args[2:]

	switch os.Args[1] {
	case "status":
		cmdStatus(ctx)
	case "take":
		cmdTake(ctx, args)
	case "snooze":
		cmdSnooze(ctx, args)
	case "skip":
		cmdSkip(ctx, args)
	case "log":
		cmdLog(ctx, args)
	case "history":
		cmdHistory(ctx, args)
	case "sync":
		cmdSync(ctx)
	case "prune":
		cmdPrune(ctx)
	case "keygen":
		cmdKeygen(args)
	default:
		fatalf("unknown command %q", os.Args[1])
	}
}
