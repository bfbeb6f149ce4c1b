package clicker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/SnapLoad/SnapLoad/internal/transport"
)

// scriptedPresser returns its scripted errors in order, then succeeds.
type scriptedPresser struct {
	errs  []error
	calls int
}

func (p *scriptedPresser) Press(ctx context.Context, messageID int64, payload []byte) error {
	p.calls++
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func newTestClicker(t *testing.T, p Presser) (*Clicker, *[]time.Duration) {
	t.Helper()
	c := New(p, Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, FloodCeiling: 60 * time.Second})
	slept := &[]time.Duration{}
	c.SetSleep(func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	})
	return c, slept
}

func TestClickFirstAttemptSucceeds(t *testing.T) {
	c, slept := newTestClicker(t, &scriptedPresser{})

	out := c.Click(context.Background(), 1, []byte("go"))
	if !out.OK {
		t.Fatalf("click failed: %+v", out)
	}
	if out.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", out.Attempts)
	}
	if len(*slept) != 0 {
		t.Fatalf("unexpected sleeps: %v", *slept)
	}
}

func TestClickRetriesStaleThenSucceeds(t *testing.T) {
	p := &scriptedPresser{errs: []error{
		fmt.Errorf("press: %w", transport.ErrStaleMessage),
		fmt.Errorf("press: %w", transport.ErrStaleMessage),
	}}
	c, slept := newTestClicker(t, p)

	out := c.Click(context.Background(), 1, []byte("go"))
	if !out.OK {
		t.Fatalf("click failed: %+v", out)
	}
	if out.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", out.Attempts)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("sleep[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}
}

func TestClickExhaustsRetries(t *testing.T) {
	stale := fmt.Errorf("press: %w", transport.ErrStaleMessage)
	p := &scriptedPresser{errs: []error{stale, stale, stale}}
	c, _ := newTestClicker(t, p)

	out := c.Click(context.Background(), 1, []byte("go"))
	if out.OK {
		t.Fatal("expected failure")
	}
	if out.Kind != FailureStale {
		t.Fatalf("kind = %q, want %q", out.Kind, FailureStale)
	}
	if out.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", out.Attempts)
	}
	if out.Reason == "" {
		t.Fatal("reason is empty")
	}
	if p.calls != 3 {
		t.Fatalf("presser calls = %d, want 3", p.calls)
	}
}

func TestClickInvalidReferenceBacksOffLonger(t *testing.T) {
	invalid := fmt.Errorf("press: %w", transport.ErrInvalidReference)
	p := &scriptedPresser{errs: []error{invalid, invalid}}
	c, slept := newTestClicker(t, p)

	out := c.Click(context.Background(), 1, []byte("go"))
	if !out.OK {
		t.Fatalf("click failed: %+v", out)
	}
	want := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("sleep[%d] = %v, want %v", i, (*slept)[i], d)
		}
	}
}

func TestClickFloodWaitDoesNotConsumeAttempts(t *testing.T) {
	p := &scriptedPresser{errs: []error{
		&transport.FloodWaitError{Wait: 2 * time.Second},
		fmt.Errorf("press: %w", transport.ErrStaleMessage),
	}}
	c, slept := newTestClicker(t, p)

	out := c.Click(context.Background(), 1, []byte("go"))
	if !out.OK {
		t.Fatalf("click failed: %+v", out)
	}
	if out.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", out.Attempts)
	}
	if len(*slept) != 2 || (*slept)[0] != 2*time.Second {
		t.Fatalf("sleeps = %v, want flood wait first", *slept)
	}
	st := c.Stats()
	if st.FloodWaits != 1 {
		t.Fatalf("flood waits = %d, want 1", st.FloodWaits)
	}
}

func TestClickFloodWaitOverCeilingFailsImmediately(t *testing.T) {
	p := &scriptedPresser{errs: []error{
		&transport.FloodWaitError{Wait: 61 * time.Second},
	}}
	c, slept := newTestClicker(t, p)

	out := c.Click(context.Background(), 1, []byte("go"))
	if out.OK {
		t.Fatal("expected failure")
	}
	if out.Kind != FailureRateLimitedTooLong {
		t.Fatalf("kind = %q, want %q", out.Kind, FailureRateLimitedTooLong)
	}
	if out.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", out.Attempts)
	}
	if len(*slept) != 0 {
		t.Fatalf("unexpected sleeps: %v", *slept)
	}
}

func TestClickClassifiesTimeout(t *testing.T) {
	dead := fmt.Errorf("press: %w", context.DeadlineExceeded)
	p := &scriptedPresser{errs: []error{dead, dead, dead}}
	c, _ := newTestClicker(t, p)

	out := c.Click(context.Background(), 1, []byte("go"))
	if out.Kind != FailureTimeout {
		t.Fatalf("kind = %q, want %q", out.Kind, FailureTimeout)
	}
}

func TestClickClassifiesUnknown(t *testing.T) {
	boom := errors.New("boom")
	p := &scriptedPresser{errs: []error{boom, boom, boom}}
	c, _ := newTestClicker(t, p)

	out := c.Click(context.Background(), 1, []byte("go"))
	if out.Kind != FailureUnknown {
		t.Fatalf("kind = %q, want %q", out.Kind, FailureUnknown)
	}
}

func TestClickCanceledStopsEarly(t *testing.T) {
	p := &scriptedPresser{errs: []error{context.Canceled}}
	c, _ := newTestClicker(t, p)

	out := c.Click(context.Background(), 1, []byte("go"))
	if out.OK {
		t.Fatal("expected failure")
	}
	if out.Kind != FailureCanceled {
		t.Fatalf("kind = %q, want %q", out.Kind, FailureCanceled)
	}
	if p.calls != 1 {
		t.Fatalf("presser calls = %d, want 1", p.calls)
	}
}

func TestStatsAccumulateAcrossClicks(t *testing.T) {
	stale := fmt.Errorf("press: %w", transport.ErrStaleMessage)
	p := &scriptedPresser{errs: []error{stale, stale, stale, stale, stale}}
	c, _ := newTestClicker(t, p)

	if out := c.Click(context.Background(), 1, []byte("a")); out.OK {
		t.Fatal("first click should exhaust retries")
	}
	if out := c.Click(context.Background(), 2, []byte("b")); !out.OK {
		t.Fatalf("second click failed: %+v", out)
	}

	st := c.Stats()
	if st.Clicks != 2 || st.Successes != 1 || st.Failures != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Attempts != 6 {
		t.Fatalf("attempts = %d, want 6", st.Attempts)
	}
}

func TestPolicyClamps(t *testing.T) {
	c := New(&scriptedPresser{}, Policy{})
	if c.policy.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want default 3", c.policy.MaxAttempts)
	}
	if c.policy.BaseDelay != 100*time.Millisecond {
		t.Fatalf("base delay = %v, want default 100ms", c.policy.BaseDelay)
	}
	if c.policy.FloodCeiling != 60*time.Second {
		t.Fatalf("flood ceiling = %v, want default 60s", c.policy.FloodCeiling)
	}
}
