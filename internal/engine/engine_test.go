package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SnapLoad/SnapLoad/internal/clicker"
	"github.com/SnapLoad/SnapLoad/internal/flow"
	"github.com/SnapLoad/SnapLoad/internal/match"
	"github.com/SnapLoad/SnapLoad/internal/stability"
	"github.com/SnapLoad/SnapLoad/internal/transport"
)

type pressCall struct {
	messageID int64
	payload   string
}

// fakeTransport feeds scripted events and records presses. Press errors are
// consumed from a queue, then presses succeed.
type fakeTransport struct {
	events chan transport.Event

	mu      sync.Mutex
	presses []pressCall
	errs    []error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 256)}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func (f *fakeTransport) Stop() error { return nil }

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Press(ctx context.Context, messageID int64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presses = append(f.presses, pressCall{messageID: messageID, payload: string(payload)})
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeTransport) pressed() []pressCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pressCall, len(f.presses))
	copy(out, f.presses)
	return out
}

func (f *fakeTransport) send(kind transport.EventKind, id int64, text string, controls ...match.Control) {
	f.events <- transport.Event{Kind: kind, Msg: transport.Message{
		ID:       id,
		ChatID:   77,
		Text:     text,
		Controls: controls,
	}}
}

func ctl(label, payload string, row, col int) match.Control {
	return match.Control{Label: label, Payload: []byte(payload), Row: row, Col: col}
}

func testSettings() Settings {
	return Settings{
		Target:                 "loadbot",
		TriggerPhrase:          "Появились новые перевозки",
		Step1Keywords:          []string{"перевозк"},
		Step3Keywords:          []string{"подтверд"},
		SuccessPhrases:         []string{"успешно"},
		CacheCapacity:          10,
		StabilizationThreshold: 10 * time.Millisecond,
		Strategy:               stability.Wait,
		Retry:                  clicker.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, FloodCeiling: time.Minute},
		Timeouts:               flow.Timeouts{Step1: 400 * time.Millisecond, Step2: 400 * time.Millisecond, Step3: 400 * time.Millisecond},
		InterClickDelay:        time.Millisecond,
		GraceDelay:             30 * time.Millisecond,
		SweepInterval:          20 * time.Millisecond,
	}
}

type reportSink struct {
	mu       sync.Mutex
	finished []RunReport
}

func (s *reportSink) add(r RunReport) {
	s.mu.Lock()
	s.finished = append(s.finished, r)
	s.mu.Unlock()
}

func (s *reportSink) all() []RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunReport, len(s.finished))
	copy(out, s.finished)
	return out
}

func startEngine(t *testing.T, tr *fakeTransport, cfg Settings) (*Engine, *reportSink) {
	t.Helper()
	sink := &reportSink{}
	e := New(Options{Transport: tr, Settings: cfg, OnRunFinished: sink.add})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()
	return e, sink
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// sendUntil re-delivers an event the way the bot re-edits its menus until
// the condition holds, then stops so the message can stabilize.
func sendUntil(t *testing.T, tr *fakeTransport, timeout time.Duration, what string, send func(), cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		send()
		time.Sleep(3 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func state(e *Engine) flow.State {
	return e.Status().Workflow.State
}

func TestEngineFullCycle(t *testing.T) {
	tr := newFakeTransport()
	e, sink := startEngine(t, tr, testSettings())

	tr.send(transport.KindNew, 1, "Появились новые перевозки!", ctl("Перевозки", "p1", 0, 0))
	waitFor(t, time.Second, "step 1 click", func() bool {
		p := tr.pressed()
		return len(p) >= 1 && p[0] == pressCall{1, "p1"}
	})

	sendUntil(t, tr, time.Second, "advance to step_2",
		func() { tr.send(transport.KindNew, 2, "Список перевозок", ctl("Груз А", "p2", 0, 0)) },
		func() bool { return state(e) == flow.StateStep2 })
	waitFor(t, time.Second, "step 2 click", func() bool {
		p := tr.pressed()
		return len(p) >= 2 && p[1] == pressCall{2, "p2"}
	})

	sendUntil(t, tr, time.Second, "advance to step_3",
		func() { tr.send(transport.KindNew, 3, "Груз А: Москва-Казань", ctl("Подтвердить", "p3", 0, 0)) },
		func() bool { return state(e) == flow.StateStep3 })

	waitFor(t, time.Second, "run completion", func() bool {
		r := sink.all()
		return len(r) == 1 && r[0].OK
	})
	got := sink.all()[0]
	if !got.Booked {
		t.Fatalf("report not marked booked: %+v", got)
	}
	if got.RunID == "" || got.Duration <= 0 {
		t.Fatalf("report missing run id or duration: %+v", got)
	}

	waitFor(t, time.Second, "reset to idle", func() bool { return state(e) == flow.StateIdle })

	st := e.Status()
	if st.Workflow.TotalRuns != 1 || st.Workflow.SuccessfulRuns != 1 {
		t.Fatalf("workflow stats = %+v", st.Workflow)
	}
	if st.Executor.Successes != 3 {
		t.Fatalf("executor successes = %d, want 3", st.Executor.Successes)
	}
	if st.TriggersSeen != 1 {
		t.Fatalf("triggers seen = %d, want 1", st.TriggersSeen)
	}
	if st.AvgCycle <= 0 {
		t.Fatalf("avg cycle = %v, want > 0", st.AvgCycle)
	}

	// A fresh trigger after the reset starts run number two.
	tr.send(transport.KindNew, 10, "Появились новые перевозки", ctl("Перевозки", "p10", 0, 0))
	waitFor(t, time.Second, "second run", func() bool {
		return e.Status().Workflow.TotalRuns == 2
	})
}

func TestEngineIgnoresNoOpEdits(t *testing.T) {
	tr := newFakeTransport()
	e, _ := startEngine(t, tr, testSettings())

	menu := ctl("Перевозки", "p1", 0, 0)
	tr.send(transport.KindNew, 1, "Появились новые перевозки", menu)
	waitFor(t, time.Second, "step 1 click", func() bool { return len(tr.pressed()) >= 1 })

	// Same structure, rotated payload: must not look like a new menu.
	for range 5 {
		tr.send(transport.KindEdited, 1, "Появились новые перевозки", ctl("Перевозки", "p1-rotated", 0, 0))
	}
	time.Sleep(40 * time.Millisecond)
	if got := state(e); got != flow.StateStep1 {
		t.Fatalf("state = %s, want still %s", got, flow.StateStep1)
	}

	sendUntil(t, tr, time.Second, "advance on a changed menu",
		func() { tr.send(transport.KindEdited, 1, "Список", ctl("Груз А", "p2", 0, 0)) },
		func() bool { return state(e) == flow.StateStep2 })
}

func TestEngineTimeoutForcesError(t *testing.T) {
	cfg := testSettings()
	cfg.StabilizationThreshold = 30 * time.Millisecond
	cfg.Timeouts = flow.Timeouts{Step1: 60 * time.Millisecond, Step2: 60 * time.Millisecond, Step3: 60 * time.Millisecond}
	tr := newFakeTransport()
	e, sink := startEngine(t, tr, cfg)

	tr.send(transport.KindNew, 1, "Появились новые перевозки", ctl("Перевозки", "p1", 0, 0))

	// Keep the message churning so it never stabilizes.
	sendUntil(t, tr, 2*time.Second, "run failure",
		func() { tr.send(transport.KindEdited, 1, "Появились новые перевозки", ctl("Перевозки", "p1", 0, 0)) },
		func() bool { return len(sink.all()) == 1 })

	got := sink.all()[0]
	if got.OK {
		t.Fatalf("expected a failed run, got %+v", got)
	}
	waitFor(t, time.Second, "reset to idle", func() bool { return state(e) == flow.StateIdle })

	st := e.Status()
	if st.Workflow.FailedRuns != 1 {
		t.Fatalf("failed runs = %d, want 1", st.Workflow.FailedRuns)
	}
	if st.LastError == "" {
		t.Fatal("last error is empty")
	}
}

func TestEngineClickFailureFailsRun(t *testing.T) {
	tr := newFakeTransport()
	stale := fmt.Errorf("press: %w", transport.ErrStaleMessage)
	tr.errs = []error{stale, stale, stale}
	e, sink := startEngine(t, tr, testSettings())

	tr.send(transport.KindNew, 1, "Появились новые перевозки", ctl("Перевозки", "p1", 0, 0))

	waitFor(t, time.Second, "run failure", func() bool { return len(sink.all()) == 1 })
	got := sink.all()[0]
	if got.OK {
		t.Fatalf("expected failure, got %+v", got)
	}
	if !strings.Contains(got.Reason, "stale") {
		t.Fatalf("reason = %q, want stale classification", got.Reason)
	}
	if len(tr.pressed()) != 3 {
		t.Fatalf("presses = %d, want 3", len(tr.pressed()))
	}
	waitFor(t, time.Second, "reset to idle", func() bool { return state(e) == flow.StateIdle })
}

func TestEngineListOnlyStopsAtOpenList(t *testing.T) {
	cfg := testSettings()
	cfg.ListOnly = true
	tr := newFakeTransport()
	e, sink := startEngine(t, tr, cfg)

	tr.send(transport.KindNew, 1, "Появились новые перевозки", ctl("Перевозки", "p1", 0, 0))
	waitFor(t, time.Second, "step 1 click", func() bool { return len(tr.pressed()) >= 1 })

	sendUntil(t, tr, time.Second, "run completion",
		func() { tr.send(transport.KindNew, 2, "Список перевозок", ctl("Груз А", "p2", 0, 0)) },
		func() bool { return len(sink.all()) == 1 })

	got := sink.all()[0]
	if !got.OK {
		t.Fatalf("expected success, got %+v", got)
	}
	if got.Booked {
		t.Fatalf("list only run must not report booked: %+v", got)
	}
	if len(tr.pressed()) != 1 {
		t.Fatalf("presses = %d, want only the list click", len(tr.pressed()))
	}
	waitFor(t, time.Second, "reset to idle", func() bool { return state(e) == flow.StateIdle })
	if st := e.Status(); st.Workflow.SuccessfulRuns != 1 {
		t.Fatalf("successful runs = %d, want 1", st.Workflow.SuccessfulRuns)
	}
}

func TestEngineTriggerWhileActiveDoesNotStartSecondRun(t *testing.T) {
	tr := newFakeTransport()
	e, _ := startEngine(t, tr, testSettings())

	tr.send(transport.KindNew, 1, "Появились новые перевозки", ctl("Перевозки", "p1", 0, 0))
	waitFor(t, time.Second, "step 1 click", func() bool { return len(tr.pressed()) >= 1 })

	// Second announcement without controls while the run is in flight.
	tr.send(transport.KindNew, 5, "Появились новые перевозки")
	time.Sleep(30 * time.Millisecond)

	st := e.Status()
	if st.Workflow.TotalRuns != 1 {
		t.Fatalf("total runs = %d, want 1", st.Workflow.TotalRuns)
	}
	if got := state(e); got != flow.StateStep1 {
		t.Fatalf("state = %s, want %s", got, flow.StateStep1)
	}
}

func TestEngineStep2IndexPicksByPosition(t *testing.T) {
	cfg := testSettings()
	idx := 1
	cfg.Step2Index = &idx
	tr := newFakeTransport()
	e, _ := startEngine(t, tr, cfg)

	tr.send(transport.KindNew, 1, "Появились новые перевозки", ctl("Перевозки", "p1", 0, 0))
	waitFor(t, time.Second, "step 1 click", func() bool { return len(tr.pressed()) >= 1 })

	sendUntil(t, tr, time.Second, "advance to step_2",
		func() {
			tr.send(transport.KindNew, 2, "Список",
				ctl("Груз А", "pa", 0, 0),
				ctl("Груз Б", "pb", 1, 0))
		},
		func() bool { return state(e) == flow.StateStep2 })

	waitFor(t, time.Second, "positional click", func() bool {
		for _, p := range tr.pressed() {
			if p == (pressCall{2, "pb"}) {
				return true
			}
		}
		return false
	})
}

func TestEngineRunReturnsWhenEventsClose(t *testing.T) {
	tr := newFakeTransport()
	e := New(Options{Transport: tr, Settings: testSettings()})

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	close(tr.events)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after events closed")
	}
}
