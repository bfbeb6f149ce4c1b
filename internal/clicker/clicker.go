// Package clicker invokes the transport press action with bounded,
// classified retry. One Click call presses exactly one control and reports
// how it went; workflow progression is the orchestrator's business.
package clicker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/SnapLoad/SnapLoad/internal/transport"
)

// FailureKind classifies why a click ultimately failed.
type FailureKind string

const (
	// FailureNone marks a successful outcome.
	FailureNone FailureKind = ""
	// FailureStale means the message kept changing under us until retries
	// ran out.
	FailureStale FailureKind = "stale"
	// FailureInvalidReference means the opaque payload never became a live
	// control again.
	FailureInvalidReference FailureKind = "invalid_reference"
	// FailureRateLimitedTooLong means the remote side demanded a pause
	// longer than the policy ceiling.
	FailureRateLimitedTooLong FailureKind = "rate_limited_too_long"
	// FailureTimeout means every attempt ran out of time.
	FailureTimeout FailureKind = "timeout"
	// FailureCanceled means the surrounding run was torn down mid-click.
	FailureCanceled FailureKind = "canceled"
	// FailureUnknown covers errors the transport could not type.
	FailureUnknown FailureKind = "unknown"
)

// Policy bounds the retry loop. A press answered with a flood wait is
// paused and retried without consuming an attempt, unless the mandated
// wait exceeds FloodCeiling.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	FloodCeiling time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		FloodCeiling: 60 * time.Second,
	}
}

// Outcome is the result of one Click call. Attempts counts real presses,
// not flood-wait pauses.
type Outcome struct {
	OK       bool
	Kind     FailureKind
	Reason   string
	Attempts int
	Elapsed  time.Duration
}

// Stats is a point-in-time view of executor totals across all clicks.
type Stats struct {
	Clicks     int64 `json:"clicks"`
	Attempts   int64 `json:"attempts"`
	Successes  int64 `json:"successes"`
	Failures   int64 `json:"failures"`
	FloodWaits int64 `json:"flood_waits"`
}

// Presser is the single transport action the clicker needs.
type Presser interface {
	Press(ctx context.Context, messageID int64, payload []byte) error
}

// Clicker presses controls through a transport with retry. Safe for
// concurrent use, though the orchestrator runs at most one click per
// target at a time.
type Clicker struct {
	presser Presser
	policy  Policy

	mu         sync.Mutex
	clicks     int64
	attempts   int64
	successes  int64
	failures   int64
	floodWaits int64

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a clicker over the given presser. Zero or negative policy
// fields fall back to DefaultPolicy values.
func New(presser Presser, policy Policy) *Clicker {
	def := DefaultPolicy()
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.FloodCeiling <= 0 {
		policy.FloodCeiling = def.FloodCeiling
	}
	return &Clicker{presser: presser, policy: policy, sleep: sleepCtx}
}

// SetSleep replaces the delay function. Tests use this to observe backoff
// schedules without waiting them out.
func (c *Clicker) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	c.sleep = fn
}

// Click presses the control identified by payload on messageID, retrying
// per policy. Stale messages and dead references back off and retry,
// references twice as slowly since they need the remote menu to cycle.
// Flood waits pause for the mandated duration and retry without consuming
// an attempt. The context bounds the whole call including pauses.
func (c *Clicker) Click(ctx context.Context, messageID int64, payload []byte) Outcome {
	start := time.Now()
	bo := c.newBackoff()

	var (
		attempts int
		lastKind FailureKind
		lastErr  error
	)
	for {
		err := c.presser.Press(ctx, messageID, payload)

		if fw, ok := transport.AsFloodWait(err); ok {
			if fw.Wait > c.policy.FloodCeiling {
				attempts++
				c.count(func() { c.attempts++ })
				return c.finish(Outcome{
					Kind:     FailureRateLimitedTooLong,
					Reason:   fmt.Sprintf("mandated wait %s exceeds ceiling %s", fw.Wait, c.policy.FloodCeiling),
					Attempts: attempts,
					Elapsed:  time.Since(start),
				})
			}
			c.count(func() { c.floodWaits++ })
			slog.Warn("press rate limited, waiting", "message_id", messageID, "wait", fw.Wait)
			if serr := c.sleep(ctx, fw.Wait); serr != nil {
				return c.finish(Outcome{
					Kind:     FailureCanceled,
					Reason:   serr.Error(),
					Attempts: attempts,
					Elapsed:  time.Since(start),
				})
			}
			continue
		}

		attempts++
		c.count(func() { c.attempts++ })

		if err == nil {
			return c.finish(Outcome{OK: true, Attempts: attempts, Elapsed: time.Since(start)})
		}

		lastErr = err
		switch {
		case errors.Is(err, transport.ErrStaleMessage):
			lastKind = FailureStale
		case errors.Is(err, transport.ErrInvalidReference):
			lastKind = FailureInvalidReference
		case errors.Is(err, context.DeadlineExceeded):
			lastKind = FailureTimeout
		case errors.Is(err, context.Canceled):
			return c.finish(Outcome{
				Kind:     FailureCanceled,
				Reason:   err.Error(),
				Attempts: attempts,
				Elapsed:  time.Since(start),
			})
		default:
			lastKind = FailureUnknown
		}

		if attempts >= c.policy.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if lastKind == FailureInvalidReference {
			delay *= 2
		}
		slog.Debug("press failed, retrying", "message_id", messageID, "kind", string(lastKind), "attempt", attempts, "delay", delay)
		if serr := c.sleep(ctx, delay); serr != nil {
			return c.finish(Outcome{
				Kind:     FailureCanceled,
				Reason:   serr.Error(),
				Attempts: attempts,
				Elapsed:  time.Since(start),
			})
		}
	}

	return c.finish(Outcome{
		Kind:     lastKind,
		Reason:   lastErr.Error(),
		Attempts: attempts,
		Elapsed:  time.Since(start),
	})
}

// Stats returns executor totals.
func (c *Clicker) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Clicks:     c.clicks,
		Attempts:   c.attempts,
		Successes:  c.successes,
		Failures:   c.failures,
		FloodWaits: c.floodWaits,
	}
}

// BackOff instances are stateful, so every click builds a fresh one.
func (c *Clicker) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.policy.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (c *Clicker) count(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}

func (c *Clicker) finish(o Outcome) Outcome {
	c.mu.Lock()
	c.clicks++
	if o.OK {
		c.successes++
	} else {
		c.failures++
	}
	c.mu.Unlock()
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
