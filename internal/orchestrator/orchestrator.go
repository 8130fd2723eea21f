// Package orchestrator ties the dose-timing core together. It is the single
// writer of session state: user intents flow rate-limit → undo staging →
// state-machine validation → persistence → queue, and every failure comes
// back as a value next to the result, never a panic.
package orchestrator

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dosetap/dt/internal/clock"
	"github.com/dosetap/dt/internal/dose"
	"github.com/dosetap/dt/internal/ratelimit"
	"github.com/dosetap/dt/internal/timing"
	"github.com/dosetap/dt/internal/undo"
)

// Dispatcher is the slice of the offline queue the orchestrator needs.
type Dispatcher interface {
	Enqueue(ev dose.Event) (string, error)
	Depth() int
}

// Orchestrator serializes all mutations to the current session. Readers get
// consistent snapshot copies.
type Orchestrator struct {
	clk   clock.Clock
	cfg   dose.Config
	store dose.Storage
	disp  Dispatcher
	lim   *ratelimit.Limiter
	undo  *undo.Controller

	mu        sync.Mutex
	sess      *dose.Session
	staged    map[string]*stagedIntent
	resolving int // staged dose-2/skip actions being committed

	// alerts has its own lock: the queue raises OnAlert synchronously from
	// Enqueue, which finalize calls while holding o.mu. NoteAlert must never
	// need o.mu or that callback would deadlock the daemon.
	alertMu sync.Mutex
	alerts  []error
}

type stagedIntent struct {
	handle    *undo.Handle
	limKey    ratelimit.Key
	resolving bool
}

// Result of one intent. Event is the staged (not yet durable) event;
// UndoToken cancels it while the undo window is open.
type Result struct {
	Event      dose.Event
	UndoToken  string
	Validation *dose.ValidationError
	Snapshot   timing.Snapshot
	Alerts     []error
}

// Status is a read-only projection for UIs.
type Status struct {
	SessionKey  string
	Snapshot    timing.Snapshot
	SnoozeCount int
	QueueDepth  int
	RemindAt    time.Time
	UndoWindow  time.Duration
	Alerts      []error
}

// New wires the orchestrator. Everything is injected; there is no hidden
// process-wide state. The open session (if any) is loaded and the rate
// limiter reseeded from recent history so cooldowns survive restarts.
func New(clk clock.Clock, sched clock.Scheduler, store dose.Storage, disp Dispatcher, cfg dose.Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dose config: %w", err)
	}
	o := &Orchestrator{
		clk:    clk,
		cfg:    cfg,
		store:  store,
		disp:   disp,
		lim:    ratelimit.New(clk),
		undo:   undo.New(clk, sched, cfg.UndoWindow),
		staged: make(map[string]*stagedIntent),
	}
	sess, err := store.LoadOpenSession()
	if err != nil {
		return nil, fmt.Errorf("load open session: %w", err)
	}
	o.sess = sess
	recent, err := store.RecentEvents(200)
	if err != nil {
		return nil, fmt.Errorf("seed rate limiter: %w", err)
	}
	o.lim.Seed(recent)
	return o, nil
}

// TakeDose1 records the first dose and opens tonight's session.
func (o *Orchestrator) TakeDose1() (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clk.Now()
	key := dose.SessionKey(now, o.clk.Location(), o.cfg.RolloverHour)
	if o.sess != nil && o.sess.Key == key && o.sess.Dose1At != nil {
		return o.resultLocked(now), dose.ErrDose1Recorded
	}
	limKey := ratelimit.Key{Type: dose.TypeDose1}
	if !o.lim.Allow(limKey) {
		return o.resultLocked(now), &dose.RateLimitedError{Type: dose.TypeDose1, Remaining: o.lim.Remaining(limKey)}
	}
	if o.sess != nil && o.sess.Key != key {
		o.archiveLocked()
	}
	if o.sess == nil {
		o.sess = &dose.Session{Key: key}
	}

	ev := o.newEvent(dose.TypeDose1, dose.SubNone, nil, now)
	return o.stageLocked(ev, limKey, false, func(ev dose.Event) {
		at := ev.OccurredAt
		o.sess.Dose1At = &at
	}), nil
}

// TakeDose2 records the second dose. Outside the clamp the event is still
// recorded, flagged, and the validation error rides back to the caller.
func (o *Orchestrator) TakeDose2() (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clk.Now()
	if o.sess == nil || o.sess.Dose1At == nil {
		return o.resultLocked(now), dose.ErrNoDose1
	}
	if o.sess.Closed() {
		return o.resultLocked(now), dose.ErrSessionClosed
	}
	limKey := ratelimit.Key{Type: dose.TypeDose2}
	if !o.lim.Allow(limKey) {
		return o.resultLocked(now), &dose.RateLimitedError{Type: dose.TypeDose2, Remaining: o.lim.Remaining(limKey)}
	}

	ev := o.newEvent(dose.TypeDose2, dose.SubNone, nil, now)
	verr := timing.CheckDose2Offset(*o.sess.Dose1At, now)
	if verr != nil {
		ev.Flagged = true
	}
	res := o.stageLocked(ev, limKey, true, func(ev dose.Event) {
		at := ev.OccurredAt
		o.sess.Dose2At = &at
	})
	res.Validation = verr
	return res, nil
}

// Snooze shifts the reminder cadence by one step. It never moves the hard
// clamp, and near the close it is refused outright.
func (o *Orchestrator) Snooze() (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clk.Now()
	if o.sess == nil || o.sess.Dose1At == nil {
		return o.resultLocked(now), dose.ErrNoDose1
	}
	if o.sess.Closed() {
		return o.resultLocked(now), dose.ErrSessionClosed
	}
	snap := timing.Advance(o.sess, now, o.cfg)
	if snap.Phase == timing.PhaseNearClose || snap.Phase == timing.PhaseClosed {
		return o.resultLocked(now), dose.ErrSnoozeNearClose
	}
	if o.sess.SnoozeCount >= o.cfg.MaxSnoozes {
		return o.resultLocked(now), dose.ErrSnoozeBudget
	}
	limKey := ratelimit.Key{Type: dose.TypeSnooze}
	if !o.lim.Allow(limKey) {
		return o.resultLocked(now), &dose.RateLimitedError{Type: dose.TypeSnooze, Remaining: o.lim.Remaining(limKey)}
	}

	ev := o.newEvent(dose.TypeSnooze, dose.SubNone, nil, now)
	return o.stageLocked(ev, limKey, false, func(dose.Event) {
		o.sess.SnoozeCount++
	}), nil
}

// SkipDose2 resolves the session without a second dose.
func (o *Orchestrator) SkipDose2() (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clk.Now()
	if o.sess == nil || o.sess.Dose1At == nil {
		return o.resultLocked(now), dose.ErrNoDose1
	}
	if o.sess.Closed() {
		return o.resultLocked(now), dose.ErrSessionClosed
	}
	limKey := ratelimit.Key{Type: dose.TypeSkip}
	if !o.lim.Allow(limKey) {
		return o.resultLocked(now), &dose.RateLimitedError{Type: dose.TypeSkip, Remaining: o.lim.Remaining(limKey)}
	}

	ev := o.newEvent(dose.TypeSkip, dose.SubNone, nil, now)
	return o.stageLocked(ev, limKey, true, func(dose.Event) {
		o.sess.Dose2Skipped = true
	}), nil
}

// LogAncillary records a non-dose event. Allowed even after the session is
// resolved; a session is created lazily when none is open for this night.
func (o *Orchestrator) LogAncillary(sub dose.Subtype, meta dose.Meta) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clk.Now()
	limKey := ratelimit.Key{Type: dose.TypeAncillary, Subtype: sub}
	if !o.lim.Allow(limKey) {
		return o.resultLocked(now), &dose.RateLimitedError{Type: dose.TypeAncillary, Subtype: sub, Remaining: o.lim.Remaining(limKey)}
	}
	key := dose.SessionKey(now, o.clk.Location(), o.cfg.RolloverHour)
	if o.sess == nil {
		o.sess = &dose.Session{Key: key}
	}

	ev := o.newEvent(dose.TypeAncillary, sub, meta, now)
	return o.stageLocked(ev, limKey, false, func(dose.Event) {}), nil
}

// Undo cancels a staged action. True means the cancel won and the event will
// never be persisted or dispatched; false means the undo window had elapsed
// and the action stands, which is not an error.
func (o *Orchestrator) Undo(token string) bool {
	o.mu.Lock()
	st, ok := o.staged[token]
	o.mu.Unlock()
	if !ok {
		return false
	}
	if !o.undo.Cancel(st.handle) {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.staged, token)
	if st.resolving {
		o.resolving--
	}
	// The action never happened; give the cooldown back.
	o.lim.Forget(st.limKey)
	return true
}

// EndNight archives the current session explicitly.
func (o *Orchestrator) EndNight() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return nil
	}
	o.archiveLocked()
	return nil
}

// NoteAlert records an asynchronous warning (queue overflow, delivery stall)
// for the next response. Wire the queue's OnAlert here.
func (o *Orchestrator) NoteAlert(err error) {
	o.alertMu.Lock()
	o.alerts = append(o.alerts, err)
	o.alertMu.Unlock()
	log.Printf("[orchestrator] alert: %v", err)
}

// Status returns a consistent read-only snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clk.Now()
	st := Status{
		Snapshot:   o.snapshotLocked(now),
		QueueDepth: o.disp.Depth(),
		UndoWindow: o.cfg.UndoWindow,
		Alerts:     o.takeAlerts(),
	}
	if o.sess != nil {
		st.SessionKey = o.sess.Key
		st.SnoozeCount = o.sess.SnoozeCount
		st.RemindAt = timing.RemindAt(o.sess, o.cfg)
	}
	return st
}

// Session returns a snapshot copy of the current session, or nil.
func (o *Orchestrator) Session() *dose.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sess.Clone()
}

// stageLocked hands ev to the undo controller and registers the finalize
// path: apply the session mutation, persist, enqueue. Callers hold o.mu.
func (o *Orchestrator) stageLocked(ev dose.Event, limKey ratelimit.Key, resolving bool, apply func(dose.Event)) Result {
	h := o.undo.Stage(ev, func(ev dose.Event) {
		o.finalize(ev, apply)
	})
	o.staged[h.ID] = &stagedIntent{handle: h, limKey: limKey, resolving: resolving}
	if resolving {
		o.resolving++
	}
	res := o.resultLocked(o.clk.Now())
	res.Event = ev
	res.UndoToken = h.ID
	return res
}

// finalize runs on the undo timer, at most once per handle.
func (o *Orchestrator) finalize(ev dose.Event, apply func(dose.Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	// The session can only have been archived out from under a staged action
	// if the night rolled over inside the undo window; reopen its bucket.
	if o.sess == nil {
		o.sess = &dose.Session{Key: dose.SessionKey(ev.OccurredAt, o.clk.Location(), o.cfg.RolloverHour)}
	}
	apply(ev)
	delete(o.staged, findToken(o.staged, ev.ID))
	if o.resolving > 0 && (ev.Type == dose.TypeDose2 || ev.Type == dose.TypeSkip) {
		o.resolving--
	}
	if o.sess != nil {
		o.sess.Events = append(o.sess.Events, ev)
		if err := o.store.UpsertSession(o.sess); err != nil {
			o.NoteAlert(fmt.Errorf("persist session: %w", err))
		}
		if err := o.store.AppendEvent(o.sess.Key, ev); err != nil {
			o.NoteAlert(fmt.Errorf("persist event: %w", err))
		}
	}
	if _, err := o.disp.Enqueue(ev); err != nil {
		o.NoteAlert(fmt.Errorf("enqueue event: %w", err))
	}
}

func (o *Orchestrator) archiveLocked() {
	if o.sess == nil {
		return
	}
	if err := o.store.UpsertSession(o.sess); err != nil {
		log.Printf("[orchestrator] persist session before archive: %v", err)
	}
	if err := o.store.ArchiveSession(o.sess.Key); err != nil {
		log.Printf("[orchestrator] archive session %s: %v", o.sess.Key, err)
	}
	o.sess = nil
}

func (o *Orchestrator) newEvent(t dose.Type, sub dose.Subtype, meta dose.Meta, now time.Time) dose.Event {
	_, offset := now.In(o.clk.Location()).Zone()
	return dose.Event{
		ID:          uuid.NewString(),
		Type:        t,
		Subtype:     sub,
		OccurredAt:  now.UTC(),
		LocalOffset: offset,
		Meta:        append(dose.Meta(nil), meta...),
		Pending:     true,
	}
}

func (o *Orchestrator) snapshotLocked(now time.Time) timing.Snapshot {
	if o.resolving > 0 {
		return timing.Snapshot{Phase: timing.PhaseFinalizing}
	}
	return timing.Advance(o.sess, now, o.cfg)
}

func (o *Orchestrator) resultLocked(now time.Time) Result {
	return Result{
		Snapshot: o.snapshotLocked(now),
		Alerts:   o.takeAlerts(),
	}
}

func (o *Orchestrator) takeAlerts() []error {
	o.alertMu.Lock()
	defer o.alertMu.Unlock()
	out := o.alerts
	o.alerts = nil
	return out
}

func findToken(staged map[string]*stagedIntent, eventID string) string {
	for tok, st := range staged {
		if st.handle.Event.ID == eventID {
			return tok
		}
	}
	return ""
}
