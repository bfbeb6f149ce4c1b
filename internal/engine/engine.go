// Package engine drives the booking workflow for one target bot. It
// consumes the transport event stream in delivery order, keeps the control
// cache and stability tracker fed, detects the trigger phrase, and walks
// the state machine step by step: wait for the menu to stabilize, pick a
// control, press it, let the next menu advance the run. A background sweep
// forces any hung state into error so no run is ever stuck.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SnapLoad/SnapLoad/internal/clicker"
	"github.com/SnapLoad/SnapLoad/internal/controlcache"
	"github.com/SnapLoad/SnapLoad/internal/flow"
	"github.com/SnapLoad/SnapLoad/internal/match"
	"github.com/SnapLoad/SnapLoad/internal/stability"
	"github.com/SnapLoad/SnapLoad/internal/transport"
)

// Settings is the flat read-only configuration one engine runs with.
// The config layer builds it from file and environment; tests build it by
// hand with short durations.
type Settings struct {
	// Target labels log lines and status output, usually the bot username.
	Target string

	// TriggerPhrase starts a run when it appears in message text while the
	// workflow is idle. Matching is a case-insensitive substring check.
	TriggerPhrase string

	// Per-step keyword lists for control selection. A step with no match
	// falls back to the first control.
	Step1Keywords []string
	Step2Keywords []string
	Step3Keywords []string

	// Step2Index, when set, picks the load at that list position instead
	// of matching Step2Keywords.
	Step2Index *int

	// SuccessPhrases confirm a booking when one appears in message text
	// while the run is on the final step.
	SuccessPhrases []string

	// ListOnly stops the workflow once the load list is open instead of
	// booking. Selection is left to the operator.
	ListOnly bool

	CacheCapacity          int
	StabilizationThreshold time.Duration
	Strategy               stability.Strategy
	Retry                  clicker.Policy
	Timeouts               flow.Timeouts
	InterClickDelay        time.Duration
	GraceDelay             time.Duration
	SweepInterval          time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.CacheCapacity < 1 {
		s.CacheCapacity = 10
	}
	if s.StabilizationThreshold <= 0 {
		s.StabilizationThreshold = 100 * time.Millisecond
	}
	if s.Timeouts.Step1 <= 0 {
		s.Timeouts.Step1 = 5 * time.Second
	}
	if s.Timeouts.Step2 <= 0 {
		s.Timeouts.Step2 = 5 * time.Second
	}
	if s.Timeouts.Step3 <= 0 {
		s.Timeouts.Step3 = 5 * time.Second
	}
	if s.InterClickDelay < 0 {
		s.InterClickDelay = 0
	}
	if s.GraceDelay <= 0 {
		s.GraceDelay = 2 * time.Second
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = time.Second
	}
	return s
}

// Mode names the workflow mode for status output.
func (s Settings) Mode() string {
	if s.ListOnly {
		return "list_only"
	}
	return "full_cycle"
}

// Executor presses one control and reports the classified outcome.
// *clicker.Clicker is the production implementation.
type Executor interface {
	Click(ctx context.Context, messageID int64, payload []byte) clicker.Outcome
	Stats() clicker.Stats
}

// RunReport describes one workflow run for callbacks and the event feed.
type RunReport struct {
	RunID     string        `json:"run_id"`
	Target    string        `json:"target"`
	OK        bool          `json:"ok"`
	Booked    bool          `json:"booked"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Status is the outward snapshot combining workflow, cache, stability and
// executor statistics for one target.
type Status struct {
	Target       string             `json:"target"`
	Running      bool               `json:"running"`
	Mode         string             `json:"mode"`
	Workflow     flow.Stats         `json:"workflow"`
	Cache        controlcache.Stats `json:"cache"`
	Stability    stability.Stats    `json:"stability"`
	Executor     clicker.Stats      `json:"executor"`
	TriggersSeen int64              `json:"triggers_seen"`
	EventsSeen   int64              `json:"events_seen"`
	AvgCycle     time.Duration      `json:"avg_cycle"`
	LastError    string             `json:"last_error,omitempty"`
	LastErrorAt  time.Time          `json:"last_error_at"`
}

// Options wires an engine. Transport and Settings are required; nil Cache,
// Tracker and Executor are built from Settings, a nil Logger falls back to
// slog.Default.
type Options struct {
	Transport     transport.Client
	Settings      Settings
	Cache         *controlcache.Cache
	Tracker       *stability.Tracker
	Executor      Executor
	Logger        *slog.Logger
	OnRunStarted  func(RunReport)
	OnRunFinished func(RunReport)
}

type clickRecord struct {
	messageID int64
	controls  []match.Control
}

// Engine runs the workflow for one target. The dispatch loop is the only
// reader of the event channel; step goroutines, the sweep and grace timers
// mutate shared run state under one mutex, and every goroutine re-checks
// the run it serves before acting on results that crossed a suspension
// point.
type Engine struct {
	tclient transport.Client
	cache   *controlcache.Cache
	tracker *stability.Tracker
	exec    Executor
	machine *flow.Machine
	cfg     Settings
	log     *slog.Logger

	onStarted  func(RunReport)
	onFinished func(RunReport)

	running atomic.Bool

	mu          sync.Mutex
	runID       string
	runStart    time.Time
	runCtx      context.Context
	runCancel   context.CancelFunc
	clicked     map[flow.State]clickRecord
	lastClickAt time.Time
	lifeDone    <-chan struct{}

	triggersSeen int64
	eventsSeen   int64
	cycleTotal   time.Duration
	cycleCount   int64
	lastError    string
	lastErrorAt  time.Time
}

// New creates an engine. It does not start the transport; Run only consumes
// the event channel the transport exposes.
func New(opts Options) *Engine {
	cfg := opts.Settings.withDefaults()
	cache := opts.Cache
	if cache == nil {
		cache = controlcache.New(cfg.CacheCapacity)
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = stability.New(cfg.StabilizationThreshold, cfg.Strategy)
	}
	exec := opts.Executor
	if exec == nil {
		exec = clicker.New(opts.Transport, cfg.Retry)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		tclient:    opts.Transport,
		cache:      cache,
		tracker:    tracker,
		exec:       exec,
		machine:    flow.New(cfg.Timeouts),
		cfg:        cfg,
		log:        log,
		onStarted:  opts.OnRunStarted,
		onFinished: opts.OnRunFinished,
		clicked:    make(map[flow.State]clickRecord),
	}
}

// Run consumes transport events until the context is canceled or the event
// channel closes. It owns the timeout sweep for its lifetime.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	defer e.running.Store(false)

	e.mu.Lock()
	e.lifeDone = ctx.Done()
	e.mu.Unlock()

	e.log.Info("engine started",
		"target", e.cfg.Target,
		"mode", e.cfg.Mode(),
		"trigger", e.cfg.TriggerPhrase,
		"strategy", string(e.cfg.Strategy))

	go e.sweep(ctx)

	events := e.tclient.Events()
	for {
		select {
		case <-ctx.Done():
			e.cancelRun()
			return nil
		case evt, ok := <-events:
			if !ok {
				e.log.Info("event stream closed", "target", e.cfg.Target)
				e.cancelRun()
				return nil
			}
			e.handleEvent(ctx, evt)
		}
	}
}

// handleEvent runs on the dispatch goroutine only.
func (e *Engine) handleEvent(ctx context.Context, evt transport.Event) {
	msg := evt.Msg
	e.cache.Update(msg.ID, msg.ChatID, msg.Text, msg.Controls)
	e.tracker.RecordEdit(msg.ID)

	e.mu.Lock()
	e.eventsSeen++
	e.mu.Unlock()

	switch e.machine.State() {
	case flow.StateIdle:
		if e.isTrigger(msg.Text) {
			e.onTrigger(ctx, msg)
		}
	case flow.StateStep1:
		e.maybeAdvance(flow.StateStep1, msg)
	case flow.StateStep2:
		e.maybeAdvance(flow.StateStep2, msg)
	case flow.StateStep3:
		if phrase, ok := e.successPhrase(msg.Text); ok {
			e.completeRun("success phrase seen: " + phrase)
		}
	}
}

func (e *Engine) isTrigger(text string) bool {
	return e.cfg.TriggerPhrase != "" && containsFold(text, e.cfg.TriggerPhrase)
}

func (e *Engine) successPhrase(text string) (string, bool) {
	for _, p := range e.cfg.SuccessPhrases {
		if p != "" && containsFold(text, p) {
			return p, true
		}
	}
	return "", false
}

func (e *Engine) onTrigger(ctx context.Context, msg transport.Message) {
	e.mu.Lock()
	e.triggersSeen++
	if !e.machine.Begin(msg.ID, "trigger phrase matched") {
		e.mu.Unlock()
		e.log.Debug("trigger ignored, run already in flight", "message_id", msg.ID)
		return
	}
	e.runID = uuid.NewString()
	e.runStart = time.Now()
	e.clicked = make(map[flow.State]clickRecord)
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.runCancel = cancel
	report := RunReport{RunID: e.runID, Target: e.cfg.Target, StartedAt: e.runStart}
	e.mu.Unlock()

	e.log.Info("trigger matched, run started",
		"run_id", report.RunID,
		"target", e.cfg.Target,
		"message_id", msg.ID)
	if e.onStarted != nil {
		e.onStarted(report)
	}
	go e.executeStep(runCtx, report.RunID, flow.StateStep1, msg.ID)
}

// maybeAdvance moves the run forward when a menu materially different from
// the one the current step clicked shows up, either as a fresh message or
// as an in-place rewrite. Events before the step's click, and edits that
// do not change the control structure, are ignored.
func (e *Engine) maybeAdvance(st flow.State, msg transport.Message) {
	if len(msg.Controls) == 0 {
		return
	}
	e.mu.Lock()
	if e.machine.State() != st {
		e.mu.Unlock()
		return
	}
	cl, ok := e.clicked[st]
	if !ok {
		e.mu.Unlock()
		return
	}
	if msg.ID == cl.messageID && match.SameStructure(msg.Controls, cl.controls) {
		e.mu.Unlock()
		return
	}

	reason := "menu message replaced"
	if msg.ID == cl.messageID {
		reason = "menu controls changed"
	}

	if st == flow.StateStep1 && e.cfg.ListOnly {
		e.machine.Advance(msg.ID, reason)
		e.machine.Advance(msg.ID, "selection left to the operator")
		runID := e.runID
		e.mu.Unlock()
		e.log.Info("load list opened", "run_id", runID, "message_id", msg.ID)
		e.completeRun("load list opened")
		return
	}

	e.machine.Advance(msg.ID, reason)
	next := flow.StateStep2
	if st == flow.StateStep2 {
		next = flow.StateStep3
	}
	runID := e.runID
	runCtx := e.runCtx
	e.mu.Unlock()

	e.log.Debug("advancing", "run_id", runID, "to", string(next), "message_id", msg.ID, "reason", reason)
	go e.executeStep(runCtx, runID, next, msg.ID)
}

// executeStep performs one step's click: space out from the previous click,
// wait for the menu to stabilize, re-read it from the cache, select a
// control and press it. Any state observed across a suspension point is
// re-checked before use.
func (e *Engine) executeStep(ctx context.Context, runID string, st flow.State, messageID int64) {
	if d := e.untilNextClick(); d > 0 {
		if err := sleepCtx(ctx, d); err != nil {
			return
		}
	}

	maxWait := e.cfg.Timeouts.For(st)
	if !e.tracker.WaitForStable(ctx, messageID, maxWait) {
		if ctx.Err() != nil {
			return
		}
		e.failRun(runID, fmt.Sprintf("message %d still changing after %s in %s", messageID, maxWait, st))
		return
	}

	if !e.stillCurrent(runID, st) {
		return
	}

	msg, ok := e.cache.Get(messageID)
	if !ok {
		e.failRun(runID, fmt.Sprintf("message %d evicted before %s could act", messageID, st))
		return
	}
	if len(msg.Controls) == 0 {
		e.failRun(runID, fmt.Sprintf("message %d has no controls in %s", messageID, st))
		return
	}

	ctrl, deliberate := e.selectControl(st, msg.Controls)
	e.log.Info("pressing control",
		"run_id", runID,
		"state", string(st),
		"message_id", messageID,
		"label", ctrl.Label,
		"matched", deliberate)

	out := e.exec.Click(ctx, messageID, ctrl.Payload)

	if !e.stillCurrent(runID, st) {
		e.log.Debug("dropping click result for a finished run", "run_id", runID, "state", string(st))
		return
	}
	if !out.OK {
		e.failRun(runID, fmt.Sprintf("%s click failed after %d attempts: %s: %s", st, out.Attempts, out.Kind, out.Reason))
		return
	}

	e.recordClick(st, messageID, msg.Controls)
	e.log.Info("control pressed",
		"run_id", runID,
		"state", string(st),
		"label", ctrl.Label,
		"attempts", out.Attempts,
		"elapsed", out.Elapsed)

	if st == flow.StateStep3 && deliberate {
		e.completeRun(fmt.Sprintf("confirmation control %q pressed", ctrl.Label))
	}
}

// selectControl picks the control for a step. deliberate is false when the
// pick fell back to the first control.
func (e *Engine) selectControl(st flow.State, controls []match.Control) (match.Control, bool) {
	var keywords []string
	switch st {
	case flow.StateStep1:
		keywords = e.cfg.Step1Keywords
	case flow.StateStep2:
		if idx := e.cfg.Step2Index; idx != nil && *idx >= 0 && *idx < len(controls) {
			return controls[*idx], true
		}
		keywords = e.cfg.Step2Keywords
	case flow.StateStep3:
		keywords = e.cfg.Step3Keywords
	}
	if len(keywords) > 0 {
		if c, ok := match.ByKeywords(controls, keywords); ok {
			return c, true
		}
	}
	c, _ := match.First(controls)
	return c, false
}

func (e *Engine) completeRun(reason string) {
	e.mu.Lock()
	if e.machine.State() != flow.StateStep3 {
		e.mu.Unlock()
		return
	}
	e.machine.Complete(reason)
	elapsed := time.Since(e.runStart)
	e.cycleTotal += elapsed
	e.cycleCount++
	report := RunReport{
		RunID:     e.runID,
		Target:    e.cfg.Target,
		OK:        true,
		Booked:    !e.cfg.ListOnly,
		Reason:    reason,
		StartedAt: e.runStart,
		Duration:  elapsed,
	}
	cancel := e.endRunLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.log.Info("run completed",
		"run_id", report.RunID,
		"target", e.cfg.Target,
		"duration", report.Duration,
		"reason", reason)
	if e.onFinished != nil {
		e.onFinished(report)
	}
	e.tracker.ClearAll()
	e.scheduleReset()
}

// failRun moves the run to error. An empty runID means "whichever run is
// current" and is used by the timeout sweep.
func (e *Engine) failRun(runID, reason string) {
	e.mu.Lock()
	if runID != "" && e.runID != runID {
		e.mu.Unlock()
		return
	}
	if !e.machine.State().Active() {
		e.mu.Unlock()
		return
	}
	e.machine.Fail(reason)
	e.lastError = reason
	e.lastErrorAt = time.Now()
	report := RunReport{
		RunID:     e.runID,
		Target:    e.cfg.Target,
		Reason:    reason,
		StartedAt: e.runStart,
		Duration:  time.Since(e.runStart),
	}
	cancel := e.endRunLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.log.Warn("run failed",
		"run_id", report.RunID,
		"target", e.cfg.Target,
		"duration", report.Duration,
		"reason", reason)
	if e.onFinished != nil {
		e.onFinished(report)
	}
	e.tracker.ClearAll()
	e.scheduleReset()
}

// endRunLocked clears per-run fields and hands back the cancel func so the
// caller can invoke it outside the lock.
func (e *Engine) endRunLocked() context.CancelFunc {
	cancel := e.runCancel
	e.runCancel = nil
	e.runCtx = nil
	e.runID = ""
	e.clicked = make(map[flow.State]clickRecord)
	return cancel
}

// scheduleReset returns the machine to idle after the grace delay so late
// transport noise from the finished run cannot start acting on it.
func (e *Engine) scheduleReset() {
	e.mu.Lock()
	done := e.lifeDone
	e.mu.Unlock()
	go func() {
		t := time.NewTimer(e.cfg.GraceDelay)
		defer t.Stop()
		select {
		case <-done:
			return
		case <-t.C:
		}
		e.mu.Lock()
		if e.machine.State().Terminal() {
			e.machine.Reset("grace delay elapsed")
		}
		e.mu.Unlock()
		e.log.Debug("workflow reset, waiting for next trigger", "target", e.cfg.Target)
	}()
}

func (e *Engine) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			st := e.machine.State()
			timedOut := st.Active() && e.machine.TimedOut()
			e.mu.Unlock()
			if timedOut {
				e.failRun("", fmt.Sprintf("%s exceeded its timeout", st))
			}
		}
	}
}

func (e *Engine) stillCurrent(runID string, st flow.State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runID == runID && e.machine.State() == st
}

func (e *Engine) untilNextClick() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastClickAt.IsZero() || e.cfg.InterClickDelay <= 0 {
		return 0
	}
	return time.Until(e.lastClickAt.Add(e.cfg.InterClickDelay))
}

func (e *Engine) recordClick(st flow.State, messageID int64, controls []match.Control) {
	e.mu.Lock()
	e.clicked[st] = clickRecord{messageID: messageID, controls: controls}
	e.lastClickAt = time.Now()
	e.mu.Unlock()
}

func (e *Engine) cancelRun() {
	e.mu.Lock()
	cancel := e.runCancel
	e.runCancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status returns the combined snapshot for this target.
func (e *Engine) Status() Status {
	e.mu.Lock()
	var avg time.Duration
	if e.cycleCount > 0 {
		avg = e.cycleTotal / time.Duration(e.cycleCount)
	}
	st := Status{
		Target:       e.cfg.Target,
		Running:      e.running.Load(),
		Mode:         e.cfg.Mode(),
		TriggersSeen: e.triggersSeen,
		EventsSeen:   e.eventsSeen,
		AvgCycle:     avg,
		LastError:    e.lastError,
		LastErrorAt:  e.lastErrorAt,
	}
	e.mu.Unlock()

	st.Workflow = e.machine.Stats()
	st.Cache = e.cache.Stats()
	st.Stability = e.tracker.Stats()
	st.Executor = e.exec.Stats()
	return st
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
