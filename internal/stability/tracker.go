// Package stability decides when a rapidly-edited message has gone quiet
// enough to act on. The target bot rewrites its menu message many times per
// second while loads churn; clicking mid-burst hits a control that no longer
// exists. The tracker records edit instants per message and answers "has
// this one stopped changing" under a configurable strategy.
package stability

import (
	"context"
	"sync"
	"time"
)

// Strategy selects how much quiet time counts as stable.
type Strategy string

const (
	// Wait requires the full threshold of quiet time. Correctness over speed.
	Wait Strategy = "wait"
	// Aggressive requires half the threshold. Latency over safety.
	Aggressive Strategy = "aggressive"
	// Predict requires the full threshold and a clear slowdown in edit
	// cadence: elapsed must exceed twice the mean inter-edit interval once
	// two or more samples exist.
	Predict Strategy = "predict"
)

// historyCap bounds the per-message edit ring kept for Predict.
const historyCap = 20

// pollInterval is the WaitForStable check cadence. The menu burst settles
// within a few hundred milliseconds, so the poll has to be much finer.
const pollInterval = 5 * time.Millisecond

type editRecord struct {
	last    time.Time
	history []time.Time // ring, only filled under Predict
	start   int
}

// Stats is a point-in-time view of tracker state.
type Stats struct {
	Tracked    int           `json:"tracked"`
	TotalEdits int64         `json:"total_edits"`
	Stabilized int           `json:"stabilized"`
	Strategy   Strategy      `json:"strategy"`
	Threshold  time.Duration `json:"threshold"`
}

// Tracker holds per-message edit timing. Safe for concurrent use; the
// dispatch loop records edits while step goroutines poll for stability.
type Tracker struct {
	mu        sync.Mutex
	threshold time.Duration
	strategy  Strategy
	records   map[int64]*editRecord
	edits     int64
	now       func() time.Time
}

// New creates a tracker. Threshold below 1ms is clamped to 100ms, the tuned
// default for the dispatcher bot's edit cadence. Unknown strategies fall
// back to Wait.
func New(threshold time.Duration, strategy Strategy) *Tracker {
	if threshold < time.Millisecond {
		threshold = 100 * time.Millisecond
	}
	switch strategy {
	case Wait, Aggressive, Predict:
	default:
		strategy = Wait
	}
	return &Tracker{
		threshold: threshold,
		strategy:  strategy,
		records:   make(map[int64]*editRecord),
		now:       time.Now,
	}
}

// SetClock replaces the time source. Tests drive stability with a synthetic
// clock instead of sleeping.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// RecordEdit stores now as the last-edit instant for id. O(1); under
// Predict it also appends to the bounded history ring.
func (t *Tracker) RecordEdit(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.edits++
	rec, ok := t.records[id]
	if !ok {
		rec = &editRecord{}
		t.records[id] = rec
	}
	rec.last = now
	if t.strategy == Predict {
		if len(rec.history) < historyCap {
			rec.history = append(rec.history, now)
		} else {
			rec.history[rec.start] = now
			rec.start = (rec.start + 1) % historyCap
		}
	}
}

// IsStable reports whether enough quiet time has elapsed since the last
// edit of id under the configured strategy. Pure and non-blocking. A
// message never edited is not stable.
func (t *Tracker) IsStable(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isStableLocked(id)
}

func (t *Tracker) isStableLocked(id int64) bool {
	rec, ok := t.records[id]
	if !ok {
		return false
	}
	elapsed := t.now().Sub(rec.last)

	switch t.strategy {
	case Aggressive:
		return elapsed >= t.threshold/2
	case Predict:
		if elapsed < t.threshold {
			return false
		}
		if len(rec.history) < 2 {
			return true
		}
		return elapsed > 2*t.meanInterval(rec)
	default:
		return elapsed >= t.threshold
	}
}

// meanInterval averages the gaps between consecutive ring samples in
// recording order.
func (t *Tracker) meanInterval(rec *editRecord) time.Duration {
	n := len(rec.history)
	var total time.Duration
	prev := rec.history[rec.start%n]
	for i := 1; i < n; i++ {
		cur := rec.history[(rec.start+i)%n]
		total += cur.Sub(prev)
		prev = cur
	}
	return total / time.Duration(n-1)
}

// WaitForStable polls IsStable every few milliseconds until it reports
// true, maxWait elapses, or ctx is cancelled. Returns whether stability was
// reached. Never returns an error: a timeout just means "not stable yet".
func (t *Tracker) WaitForStable(ctx context.Context, id int64, maxWait time.Duration) bool {
	if t.IsStable(id) {
		return true
	}
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return t.IsStable(id)
		case <-tick.C:
			if t.IsStable(id) {
				return true
			}
		}
	}
}

// Clear drops the record for id. Called when the cache evicts the message.
func (t *Tracker) Clear(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// ClearAll drops all records.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[int64]*editRecord)
}

// Stats returns current tracker counters. Stabilized counts the tracked
// messages that are stable right now.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stable := 0
	for id := range t.records {
		if t.isStableLocked(id) {
			stable++
		}
	}
	return Stats{
		Tracked:    len(t.records),
		TotalEdits: t.edits,
		Stabilized: stable,
		Strategy:   t.strategy,
		Threshold:  t.threshold,
	}
}
