// Package flow is the booking workflow state machine: a fixed three-step
// click sequence from trigger to confirmation. The machine is a pure
// transition table with statistics; timeouts are configured here but
// evaluated by the engine's sweep, and the machine never transitions
// itself.
package flow

import (
	"fmt"
	"sync"
	"time"
)

// State is one phase of a booking run.
type State string

const (
	StateIdle      State = "idle"
	StateStep1     State = "step_1"
	StateStep2     State = "step_2"
	StateStep3     State = "step_3"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Active reports whether the state is one of the three click steps.
func (s State) Active() bool {
	return s == StateStep1 || s == StateStep2 || s == StateStep3
}

// Terminal reports whether the state ends a run and awaits Reset.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Timeouts carries the per-step limits the engine's sweep enforces.
type Timeouts struct {
	Step1 time.Duration
	Step2 time.Duration
	Step3 time.Duration
}

// For returns the timeout for an active state, 0 otherwise.
func (t Timeouts) For(s State) time.Duration {
	switch s {
	case StateStep1:
		return t.Step1
	case StateStep2:
		return t.Step2
	case StateStep3:
		return t.Step3
	default:
		return 0
	}
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Run is the context of the in-flight booking attempt. Message ids are
// recorded as steps claim them so late goroutines can detect they are
// acting on a stale run.
type Run struct {
	TriggerMessageID int64
	Step1MessageID   int64
	Step2MessageID   int64
}

// Stats is a point-in-time view of machine counters.
type Stats struct {
	State          State         `json:"state"`
	PreviousState  State         `json:"previous_state"`
	TotalRuns      int64         `json:"total_runs"`
	SuccessfulRuns int64         `json:"successful_runs"`
	FailedRuns     int64         `json:"failed_runs"`
	SuccessRate    float64       `json:"success_rate"`
	ElapsedInState time.Duration `json:"elapsed_in_state"`
}

// Machine enforces the legal transition set:
//
//	idle -> step_1                 (Begin, trigger fired)
//	step_1 -> step_2 -> step_3     (Advance, carrying the new message id)
//	step_3 -> completed            (Complete)
//	any active -> error            (Fail, with reason)
//	completed|error -> idle        (Reset)
//
// Anything else is a programming error and panics. Exactly one non-idle run
// exists at a time; callers must check State() before Begin.
type Machine struct {
	mu        sync.Mutex
	state     State
	previous  State
	enteredAt time.Time
	timeouts  Timeouts
	run       Run
	history   []Transition

	totalRuns      int64
	successfulRuns int64
	failedRuns     int64

	now func() time.Time
}

// New creates a machine in the idle state.
func New(timeouts Timeouts) *Machine {
	m := &Machine{
		state:    StateIdle,
		previous: StateIdle,
		timeouts: timeouts,
		now:      time.Now,
	}
	m.enteredAt = m.now()
	return m
}

// SetClock replaces the time source for tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentRun returns a copy of the in-flight run context.
func (m *Machine) CurrentRun() Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run
}

// Begin starts a run: idle -> step_1. Returns false without transitioning
// when a run is already in flight (a trigger during a run is rejected, not
// queued). Panics only from terminal states, where Begin indicates the
// caller skipped Reset.
func (m *Machine) Begin(triggerMessageID int64, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
	case StateStep1, StateStep2, StateStep3:
		return false
	default:
		panic(fmt.Sprintf("flow: Begin from %s without Reset", m.state))
	}
	m.totalRuns++
	m.run = Run{TriggerMessageID: triggerMessageID}
	m.transitionLocked(StateStep1, reason)
	return true
}

// Advance moves step_1 -> step_2 or step_2 -> step_3, recording the message
// id the completed step acted on. Any other current state panics.
func (m *Machine) Advance(messageID int64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStep1:
		m.run.Step1MessageID = messageID
		m.transitionLocked(StateStep2, reason)
	case StateStep2:
		m.run.Step2MessageID = messageID
		m.transitionLocked(StateStep3, reason)
	default:
		panic(fmt.Sprintf("flow: Advance from %s", m.state))
	}
}

// Complete moves step_3 -> completed. Any other current state panics.
func (m *Machine) Complete(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStep3 {
		panic(fmt.Sprintf("flow: Complete from %s", m.state))
	}
	m.successfulRuns++
	m.transitionLocked(StateCompleted, reason)
}

// Fail moves any active state -> error. Panics from idle and terminal
// states: there is no run to fail.
func (m *Machine) Fail(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Active() {
		panic(fmt.Sprintf("flow: Fail from %s", m.state))
	}
	m.failedRuns++
	m.transitionLocked(StateError, reason)
}

// Reset moves completed or error -> idle and clears the run context.
// Resetting an already-idle machine is a no-op so a delayed reset cannot
// trip over a sweep that got there first. Panics from active states.
func (m *Machine) Reset(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle:
		return
	case StateCompleted, StateError:
	default:
		panic(fmt.Sprintf("flow: Reset from %s", m.state))
	}
	m.run = Run{}
	m.transitionLocked(StateIdle, reason)
}

func (m *Machine) transitionLocked(to State, reason string) {
	now := m.now()
	m.history = append(m.history, Transition{From: m.state, To: to, At: now, Reason: reason})
	m.previous = m.state
	m.state = to
	m.enteredAt = now
}

// ElapsedInState returns the time since the last transition. The sole basis
// for timeout decisions.
func (m *Machine) ElapsedInState() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.enteredAt)
}

// TimedOut reports whether the machine sits in an active state past that
// state's configured timeout. The engine's sweep calls this; the machine
// never forces the transition itself.
func (m *Machine) TimedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := m.timeouts.For(m.state)
	if limit <= 0 {
		return false
	}
	return m.now().Sub(m.enteredAt) > limit
}

// History returns a copy of the transition log.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Stats returns current machine counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	rate := 0.0
	if m.totalRuns > 0 {
		rate = float64(m.successfulRuns) / float64(m.totalRuns)
	}
	return Stats{
		State:          m.state,
		PreviousState:  m.previous,
		TotalRuns:      m.totalRuns,
		SuccessfulRuns: m.successfulRuns,
		FailedRuns:     m.failedRuns,
		SuccessRate:    rate,
		ElapsedInState: m.now().Sub(m.enteredAt),
	}
}
