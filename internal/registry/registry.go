// Package registry runs the fleet: one engine per enabled target, each on
// its own transport connection, with runtime pause/resume and periodic
// persistence of run statistics to the store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/SnapLoad/SnapLoad/internal/clicker"
	"github.com/SnapLoad/SnapLoad/internal/config"
	"github.com/SnapLoad/SnapLoad/internal/console"
	"github.com/SnapLoad/SnapLoad/internal/engine"
	"github.com/SnapLoad/SnapLoad/internal/feed"
	"github.com/SnapLoad/SnapLoad/internal/flow"
	"github.com/SnapLoad/SnapLoad/internal/stability"
	"github.com/SnapLoad/SnapLoad/internal/store"
	"github.com/SnapLoad/SnapLoad/internal/transport"
	"github.com/SnapLoad/SnapLoad/internal/transport/telegram"
)

const defaultFlushInterval = 30 * time.Second

// Options wires a registry. Config and Store are required. NewTransport
// lets tests substitute the MTProto client; nil uses the real one.
type Options struct {
	Config        *config.Config
	Store         *store.Service
	Feed          *feed.Publisher
	Console       *console.Console
	Logger        *slog.Logger
	FlushInterval time.Duration
	NewTransport  func(acct *store.Account, target *store.Target) transport.Client
}

// unit is one live target: its transport connection, its engine and the
// statistics counters already persisted for it.
type unit struct {
	account *store.Account
	target  *store.Target
	client  transport.Client
	engine  *engine.Engine
	done    chan struct{}
	flushed flushMark
}

func (u *unit) live() bool {
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

// flushMark records the cumulative counters the store has already seen so
// the next flush writes only the difference.
type flushMark struct {
	runs, okRuns, failedRuns       int64
	clicks, okClicks, failedClicks int64
	triggers                       int64
	errorAt                        time.Time
}

// deltaSince turns a cumulative engine snapshot into the increment the
// store has not seen yet, and the mark to remember once it is written.
func deltaSince(st engine.Status, mark flushMark) (store.StatsDelta, flushMark) {
	d := store.StatsDelta{
		TotalRuns:        st.Workflow.TotalRuns - mark.runs,
		SuccessfulRuns:   st.Workflow.SuccessfulRuns - mark.okRuns,
		FailedRuns:       st.Workflow.FailedRuns - mark.failedRuns,
		TotalClicks:      st.Executor.Clicks - mark.clicks,
		SuccessfulClicks: st.Executor.Successes - mark.okClicks,
		FailedClicks:     st.Executor.Failures - mark.failedClicks,
		TriggersSeen:     st.TriggersSeen - mark.triggers,
	}
	next := flushMark{
		runs:         st.Workflow.TotalRuns,
		okRuns:       st.Workflow.SuccessfulRuns,
		failedRuns:   st.Workflow.FailedRuns,
		clicks:       st.Executor.Clicks,
		okClicks:     st.Executor.Successes,
		failedClicks: st.Executor.Failures,
		triggers:     st.TriggersSeen,
		errorAt:      mark.errorAt,
	}
	if st.LastError != "" && st.LastErrorAt.After(mark.errorAt) {
		at := st.LastErrorAt
		d.LastError = st.LastError
		d.LastErrorAt = &at
		next.errorAt = st.LastErrorAt
	}
	return d, next
}

// Registry owns the fleet. It implements the console's Fleet interface so
// operators can pause, resume and switch modes at runtime.
type Registry struct {
	cfg           *config.Config
	store         *store.Service
	feed          *feed.Publisher
	console       *console.Console
	log           *slog.Logger
	flushInterval time.Duration
	newTransport  func(acct *store.Account, target *store.Target) transport.Client

	mu      sync.Mutex
	units   map[int64]*unit
	rootCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	flush := opts.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}
	nt := opts.NewTransport
	if nt == nil {
		nt = realTransport(opts.Config)
	}
	return &Registry{
		cfg:           opts.Config,
		store:         opts.Store,
		feed:          opts.Feed,
		console:       opts.Console,
		log:           log,
		flushInterval: flush,
		newTransport:  nt,
		units:         make(map[int64]*unit),
	}
}

func realTransport(cfg *config.Config) func(*store.Account, *store.Target) transport.Client {
	return func(acct *store.Account, target *store.Target) transport.Client {
		apiID, apiHash := acct.APIID, acct.APIHash
		if apiID == 0 {
			apiID = cfg.Telegram.APIID
		}
		if apiHash == "" {
			apiHash = cfg.Telegram.APIHash
		}
		sess := acct.SessionFile
		if !filepath.IsAbs(sess) {
			sess = filepath.Join(cfg.SessionsDir(), sess)
		}
		return telegram.New(telegram.Options{
			Phone:       acct.Phone,
			APIID:       apiID,
			APIHash:     apiHash,
			SessionFile: sess,
			BotUsername: target.BotUsername,
			DeviceModel: cfg.Telegram.DeviceModel,
		})
	}
}

// Start connects every enabled target of every active account and begins
// the flush loop. Targets that fail to connect are logged and retried by
// the loop; Start fails only when nothing could be started at all.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("registry already started")
	}
	r.rootCtx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true
	rootCtx := r.rootCtx
	r.mu.Unlock()

	accounts, err := r.store.ListActiveAccounts()
	if err != nil {
		r.abortStart()
		return fmt.Errorf("list accounts: %w", err)
	}

	var total, started int
	for i := range accounts {
		acct := accounts[i]
		targets, err := r.store.ListEnabledTargets(acct.ID)
		if err != nil {
			r.rollbackStart()
			return fmt.Errorf("list targets for %s: %w", acct.Phone, err)
		}
		for j := range targets {
			total++
			if err := r.startUnit(rootCtx, &acct, &targets[j]); err != nil {
				r.log.Error("target failed to start",
					"account", acct.Phone,
					"target", targets[j].BotUsername,
					"error", err)
				continue
			}
			started++
		}
	}
	if total == 0 {
		r.abortStart()
		return errors.New("no enabled targets, add one with snapload targets add")
	}
	if started == 0 {
		r.abortStart()
		return fmt.Errorf("none of %d targets started", total)
	}

	r.log.Info("registry started", "targets", started, "of", total, "flush_interval", r.flushInterval)
	go r.loop(rootCtx)
	return nil
}

// rollbackStart stops units already started when Start hits a hard error
// partway through, then unwinds.
func (r *Registry) rollbackStart() {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.stopUnit(id)
	}
	r.abortStart()
}

// abortStart unwinds a Start that could not bring anything up. The flush
// loop has not been launched yet, so its done channel is closed here.
func (r *Registry) abortStart() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.running = false
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		close(done)
	}
}

// startUnit builds the transport and engine for one target and launches
// them. Caller holds no locks.
func (r *Registry) startUnit(ctx context.Context, acct *store.Account, target *store.Target) error {
	client := r.newTransport(acct, target)
	eng := engine.New(engine.Options{
		Transport: client,
		Settings:  r.settingsFor(target),
		Logger:    r.log.With("account", acct.Phone),
		OnRunStarted: func(rep engine.RunReport) {
			if r.feed != nil {
				r.feed.RunStarted(ctx, rep.RunID, rep.Target)
			}
		},
		OnRunFinished: func(rep engine.RunReport) {
			if r.feed != nil {
				r.feed.RunFinished(ctx, rep)
			}
			if r.console != nil {
				r.console.NotifyRunFinished(rep)
			}
		},
	})

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", client.Name(), err)
	}

	u := &unit{
		account: acct,
		target:  target,
		client:  client,
		engine:  eng,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(u.done)
		_ = eng.Run(ctx)
	}()

	r.mu.Lock()
	r.units[target.ID] = u
	r.mu.Unlock()
	return nil
}

// settingsFor flattens global workflow configuration and the target row
// into the engine's settings. Per-target step-2 selection wins over the
// global keyword list.
func (r *Registry) settingsFor(t *store.Target) engine.Settings {
	w := r.cfg.Workflow
	step2 := t.Step2KeywordList()
	if len(step2) == 0 {
		step2 = w.Step2Keywords
	}
	return engine.Settings{
		Target:                 t.BotUsername,
		TriggerPhrase:          w.TriggerPhrase,
		Step1Keywords:          w.Step1Keywords,
		Step2Keywords:          step2,
		Step3Keywords:          w.Step3Keywords,
		Step2Index:             t.Step2Index,
		SuccessPhrases:         w.SuccessPhrases,
		ListOnly:               t.Mode == store.ModeListOnly,
		CacheCapacity:          r.cfg.Cache.Capacity,
		StabilizationThreshold: r.cfg.Stabilization.Threshold,
		Strategy:               stability.Strategy(r.cfg.Stabilization.Strategy),
		Retry: clicker.Policy{
			MaxAttempts:  r.cfg.Retry.MaxAttempts,
			BaseDelay:    r.cfg.Retry.BaseDelay,
			FloodCeiling: r.cfg.Retry.FloodCeiling,
		},
		Timeouts: flow.Timeouts{
			Step1: w.Step1Timeout,
			Step2: w.Step2Timeout,
			Step3: w.Step3Timeout,
		},
		InterClickDelay: w.InterClickDelay,
		GraceDelay:      w.GraceDelay,
		SweepInterval:   w.SweepInterval,
	}
}

// Stop winds the fleet down: transports first so engines drain, then a
// final statistics flush.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	units := make([]*unit, 0, len(r.units))
	for _, u := range r.units {
		units = append(units, u)
	}
	r.mu.Unlock()

	cancel()
	for _, u := range units {
		if err := u.client.Stop(); err != nil {
			r.log.Warn("transport stop", "client", u.client.Name(), "error", err)
		}
		<-u.done
	}
	<-done
	r.flushStats()
	r.log.Info("registry stopped")
	return nil
}

// loop persists statistics and revives dropped connections until the
// registry stops.
func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flushStats()
			r.reviveDead(ctx)
		}
	}
}

// flushStats writes each engine's counter increments to the store and
// touches the connected-at time of accounts with a live session. Marks
// advance only after a successful write so a failed write retries.
func (r *Registry) flushStats() {
	r.mu.Lock()
	units := make([]*unit, 0, len(r.units))
	for _, u := range r.units {
		units = append(units, u)
	}
	r.mu.Unlock()

	touched := make(map[int64]bool)
	for _, u := range units {
		delta, next := deltaSince(u.engine.Status(), u.flushed)
		if !delta.IsZero() {
			if err := r.store.IncrementRunStats(u.target.ID, delta); err != nil {
				r.log.Warn("stats flush failed", "target", u.target.BotUsername, "error", err)
				continue
			}
			u.flushed = next
		}
		if u.live() && !touched[u.account.ID] {
			touched[u.account.ID] = true
			if err := r.store.TouchAccountConnected(u.account.ID); err != nil {
				r.log.Warn("touch account failed", "account", u.account.Phone, "error", err)
			}
		}
	}
}

// reviveDead rebuilds units whose engine loop has exited while the
// registry is still running. The target row is re-read so a disable that
// raced the drop is honored.
func (r *Registry) reviveDead(ctx context.Context) {
	r.mu.Lock()
	var dead []*unit
	for _, u := range r.units {
		if !u.live() {
			dead = append(dead, u)
		}
	}
	r.mu.Unlock()

	for _, u := range dead {
		_ = u.client.Stop()

		target, err := r.store.GetTarget(u.target.ID)
		if err != nil || !target.Enabled {
			r.log.Info("dropped target not revived", "target", u.target.BotUsername)
			r.mu.Lock()
			delete(r.units, u.target.ID)
			r.mu.Unlock()
			continue
		}
		r.log.Info("reviving dropped target", "target", target.BotUsername, "account", u.account.Phone)
		if err := r.startUnit(ctx, u.account, target); err != nil {
			r.log.Warn("revive failed, will retry", "target", target.BotUsername, "error", err)
		}
	}
}

// ---------- Console fleet interface ----------

// IsRunning reports whether the target has a live engine.
func (r *Registry) IsRunning(targetID int64) bool {
	r.mu.Lock()
	u, ok := r.units[targetID]
	r.mu.Unlock()
	return ok && u.live()
}

// Pause disables the target and stops its engine. The disable persists,
// so a paused target stays paused across restarts until resumed.
func (r *Registry) Pause(botUsername string) error {
	target, err := r.findTarget(botUsername)
	if err != nil {
		return err
	}
	if err := r.store.SetTargetEnabled(target.ID, false); err != nil {
		return err
	}
	r.stopUnit(target.ID)
	return nil
}

// Resume re-enables the target and starts its engine.
func (r *Registry) Resume(botUsername string) error {
	target, err := r.findTarget(botUsername)
	if err != nil {
		return err
	}
	if err := r.store.SetTargetEnabled(target.ID, true); err != nil {
		return err
	}
	if r.IsRunning(target.ID) {
		return nil
	}

	r.mu.Lock()
	running := r.running
	ctx := r.rootCtx
	r.mu.Unlock()
	if !running {
		return errors.New("registry is not running")
	}

	acct, err := r.store.GetAccount(target.AccountID)
	if err != nil {
		return err
	}
	if !acct.IsActive {
		return fmt.Errorf("account %s is inactive", acct.Phone)
	}
	target.Enabled = true
	r.stopUnit(target.ID)
	return r.startUnit(ctx, acct, target)
}

// SetMode persists the workflow mode and restarts the engine so the new
// mode takes effect immediately.
func (r *Registry) SetMode(botUsername, mode string) error {
	target, err := r.findTarget(botUsername)
	if err != nil {
		return err
	}
	if err := r.store.SetTargetMode(target.ID, mode); err != nil {
		return err
	}
	if !r.IsRunning(target.ID) {
		return nil
	}

	r.mu.Lock()
	ctx := r.rootCtx
	r.mu.Unlock()

	acct, err := r.store.GetAccount(target.AccountID)
	if err != nil {
		return err
	}
	target.Mode = mode
	r.stopUnit(target.ID)
	return r.startUnit(ctx, acct, target)
}

func (r *Registry) findTarget(botUsername string) (*store.Target, error) {
	target, err := r.store.FindTarget(botUsername)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("target %s not found", botUsername)
	}
	return target, nil
}

// stopUnit flushes the unit's final statistics, stops its transport and
// removes it from the fleet.
func (r *Registry) stopUnit(targetID int64) {
	r.mu.Lock()
	u, ok := r.units[targetID]
	if ok {
		delete(r.units, targetID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := u.client.Stop(); err != nil {
		r.log.Warn("transport stop", "client", u.client.Name(), "error", err)
	}
	<-u.done

	delta, next := deltaSince(u.engine.Status(), u.flushed)
	if !delta.IsZero() {
		if err := r.store.IncrementRunStats(u.target.ID, delta); err != nil {
			r.log.Warn("final stats flush failed", "target", u.target.BotUsername, "error", err)
		} else {
			u.flushed = next
		}
	}
	r.log.Info("target stopped", "target", u.target.BotUsername)
}

// ---------- Status aggregation ----------

// TargetStatus pairs a target with its engine snapshot.
type TargetStatus struct {
	Account string        `json:"account"`
	Target  store.Target  `json:"target"`
	Live    bool          `json:"live"`
	Engine  engine.Status `json:"engine"`
}

// Statuses snapshots every unit in the fleet, live or dropped.
func (r *Registry) Statuses() []TargetStatus {
	r.mu.Lock()
	units := make([]*unit, 0, len(r.units))
	for _, u := range r.units {
		units = append(units, u)
	}
	r.mu.Unlock()

	out := make([]TargetStatus, 0, len(units))
	for _, u := range units {
		out = append(out, TargetStatus{
			Account: u.account.Phone,
			Target:  *u.target,
			Live:    u.live(),
			Engine:  u.engine.Status(),
		})
	}
	return out
}
