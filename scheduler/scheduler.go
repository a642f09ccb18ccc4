// Package scheduler runs the engine's background, clock-driven tasks:
// contract rollover scanning/execution, the EOD monitoring window,
// instance heartbeats, and audit-log retention cleanup (spec.md §2
// "Scheduler", §4.9 "Scheduled Processes"). Each task is an independently
// cancellable goroutine driven by a clock.Clock so tests can fast-forward
// time instead of sleeping.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/audit"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/clock"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/config"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/leader"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/logger"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/marketfeed"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/portfolio"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/stopmgr"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/symbolresolver"
)

var log = logger.With("scheduler")

// Task is one independently schedulable background process.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns the set of background tasks and runs each on its own
// ticker until the supplied context is cancelled (spec.md §4.9: "each
// scheduled process runs independently; a failure in one must not stop
// the others").
type Scheduler struct {
	clock clock.Clock
	tasks []Task
}

// New builds a Scheduler bound to clk.
func New(clk clock.Clock) *Scheduler {
	return &Scheduler{clock: clk}
}

// Register adds a task to the scheduler.
func (s *Scheduler) Register(t Task) {
	s.tasks = append(s.tasks, t)
}

// Run starts every registered task and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.runTask(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	ticker := s.clock.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := t.Run(ctx); err != nil {
				log.Errorf("scheduler: task %s failed: %v", t.Name, err)
			}
		}
	}
}

// RolloverScanInterval is how often the rollover scanner checks for
// positions approaching expiry (spec.md §4.9).
const RolloverScanInterval = 1 * time.Hour

// HeartbeatInterval is how often this instance refreshes its
// instance_metadata row (spec.md §4.8).
const HeartbeatInterval = 10 * time.Second

// CleanupInterval is how often the audit-retention sweep runs.
const CleanupInterval = 24 * time.Hour

// RolloverScanner checks every open position for rollover-due status and
// hands due ones to the executor.
type RolloverScanner struct {
	store    *portfolio.Store
	catalog  *instrument.Catalog
	resolver *symbolresolver.Resolver
	execute  func(ctx context.Context, pos *portfolio.Position) error
	clk      clock.Clock
}

// NewRolloverScanner builds a RolloverScanner. execute performs the actual
// close-old/open-new contract swap and is supplied by the caller so the
// scheduler package stays decoupled from the broker/engine packages.
func NewRolloverScanner(store *portfolio.Store, catalog *instrument.Catalog, clk clock.Clock, execute func(ctx context.Context, pos *portfolio.Position) error) *RolloverScanner {
	return &RolloverScanner{store: store, catalog: catalog, resolver: symbolresolver.New(catalog), execute: execute, clk: clk}
}

// rolloverScanConcurrency bounds how many positions are checked/executed in
// parallel per scan tick, so one slow broker call during a rollover doesn't
// serialize the whole instrument set behind it (spec.md §5 "broker calls are
// bounded-concurrency, never unbounded fan-out").
const rolloverScanConcurrency = 4

// Scan implements the scanner's Task.Run function.
func (r *RolloverScanner) Scan(ctx context.Context) error {
	positions, err := r.store.ListAllOpenPositions()
	if err != nil {
		return err
	}

	now := r.clk.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rolloverScanConcurrency)

	for _, pos := range positions {
		pos := pos
		g.Go(func() error {
			r.scanOne(gctx, pos, now)
			return nil
		})
	}
	return g.Wait()
}

func (r *RolloverScanner) scanOne(ctx context.Context, pos *portfolio.Position, now time.Time) {
	if _, ok := r.catalog.Get(pos.Instrument); !ok {
		return
	}
	expiry, err := r.resolver.NextExpiry(pos.Instrument, now)
	if err != nil {
		log.Warnf("rollover scan: %s: %v", pos.Instrument, err)
		return
	}
	due, err := r.resolver.RolloverDue(pos.Instrument, expiry.Date, now)
	if err != nil || !due {
		return
	}
	if pos.RolloverStatus == portfolio.RolloverPending || pos.RolloverStatus == portfolio.RolloverInProgress {
		return
	}
	pos.RolloverStatus = portfolio.RolloverPending
	if err := r.store.UpdatePosition(pos); err != nil {
		log.Errorf("rollover scan: failed to mark %s pending: %v", pos.PositionID, err)
		return
	}
	if err := r.execute(ctx, pos); err != nil {
		pos.RolloverStatus = portfolio.RolloverFailed
		_ = r.store.UpdatePosition(pos)
		log.Errorf("rollover scan: execution failed for %s: %v", pos.PositionID, err)
	}
}

// Heartbeat refreshes this instance's instance_metadata row.
type Heartbeat struct {
	instanceID string
	store      *portfolio.Store
	elector    *leader.Elector
	clk        clock.Clock
}

// NewHeartbeat builds a Heartbeat task.
func NewHeartbeat(instanceID string, store *portfolio.Store, elector *leader.Elector, clk clock.Clock) *Heartbeat {
	return &Heartbeat{instanceID: instanceID, store: store, elector: elector, clk: clk}
}

// Beat implements the heartbeat task's Task.Run function.
func (h *Heartbeat) Beat(_ context.Context) error {
	status := portfolio.InstanceStandby
	if h.elector.IsLeader() {
		status = portfolio.InstanceActive
	}
	now := h.clk.Now()
	return h.store.UpsertHeartbeat(&portfolio.InstanceMetadata{
		InstanceID:    h.instanceID,
		LastHeartbeat: now,
		IsLeader:      h.elector.IsLeader(),
		Status:        status,
	})
}

// Cleanup runs the audit-log retention sweep.
type Cleanup struct {
	sink *audit.Sink
	clk  clock.Clock
}

// NewCleanup builds a Cleanup task.
func NewCleanup(sink *audit.Sink, clk clock.Clock) *Cleanup {
	return &Cleanup{sink: sink, clk: clk}
}

// Run implements the cleanup task's Task.Run function.
func (c *Cleanup) Run(_ context.Context) error {
	n, err := c.sink.Cleanup(c.clk.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		log.Infof("audit cleanup: removed %d rows older than %d days", n, audit.RetentionDays)
	}
	return nil
}

// eodMonitorConcurrency bounds how many positions are quoted/checked in
// parallel per scan tick (spec.md §5 "broker calls are bounded-concurrency").
const eodMonitorConcurrency = 4

// EODMonitor evaluates simplified exit conditions for every open position of
// an EOD-enabled instrument currently inside its EODWindow, emitting a
// synthetic EXIT through exit when the live quote has breached the
// position's stop (spec.md §4.9 "EOD monitor": "at sub-minute cadence,
// evaluate simplified exit conditions using last known indicators + live
// LTP; emit synthetic EXIT signals for positions breaching their stop
// before close").
type EODMonitor struct {
	store   *portfolio.Store
	catalog *instrument.Catalog
	feed    marketfeed.Feed
	eod     config.EOD
	mh      config.MarketHours
	exit    func(ctx context.Context, pos *portfolio.Position, ltp float64) error
	clk     clock.Clock
}

// NewEODMonitor builds an EODMonitor. exit performs the actual synthetic
// EXIT dispatch and is supplied by the caller so the scheduler package stays
// decoupled from the engine package, mirroring RolloverScanner's execute
// callback.
func NewEODMonitor(store *portfolio.Store, catalog *instrument.Catalog, feed marketfeed.Feed, eod config.EOD, mh config.MarketHours, clk clock.Clock, exit func(ctx context.Context, pos *portfolio.Position, ltp float64) error) *EODMonitor {
	return &EODMonitor{store: store, catalog: catalog, feed: feed, eod: eod, mh: mh, exit: exit, clk: clk}
}

// Scan implements the monitor task's Task.Run function.
func (m *EODMonitor) Scan(ctx context.Context) error {
	positions, err := m.store.ListAllOpenPositions()
	if err != nil {
		return err
	}
	now := m.clk.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(eodMonitorConcurrency)
	for _, pos := range positions {
		pos := pos
		g.Go(func() error {
			m.scanOne(gctx, pos, now)
			return nil
		})
	}
	return g.Wait()
}

func (m *EODMonitor) scanOne(ctx context.Context, pos *portfolio.Position, now time.Time) {
	cfg, ok := m.catalog.Get(pos.Instrument)
	if !ok {
		return
	}
	inWindow, err := EODWindow(cfg, m.eod, m.mh, now)
	if err != nil || !inWindow {
		return
	}

	symbol := pos.FuturesSymbol
	if symbol == "" {
		symbol = string(instrument.BankNifty)
	}
	quote, err := m.feed.GetQuote(ctx, symbol)
	if err != nil {
		log.Warnf("eod monitor: get quote for %s (%s): %v", pos.PositionID, symbol, err)
		return
	}
	if quote.LTP <= 0 || !stopmgr.StopHit(pos.CurrentStop, quote.LTP) {
		return
	}

	if err := m.exit(ctx, pos, quote.LTP); err != nil {
		log.Errorf("eod monitor: failed to raise exit for %s: %v", pos.PositionID, err)
	}
}

// EODWindow reports whether `now` falls within an instrument's end-of-day
// monitoring window, which opens MonitoringStartMinutes before the
// instrument's exchange close (spec.md §4.9 "EOD monitor").
func EODWindow(cfg instrument.Config, eod config.EOD, marketHours config.MarketHours, now time.Time) (bool, error) {
	if !cfg.EODEnabled {
		return false, nil
	}
	endStr := marketHours.NSEEnd
	if cfg.Exchange == instrument.MCX {
		endStr = marketHours.MCXEnd
	}
	closeT, err := time.Parse("15:04", endStr)
	if err != nil {
		return false, err
	}
	closeToday := time.Date(now.Year(), now.Month(), now.Day(), closeT.Hour(), closeT.Minute(), 0, 0, now.Location())
	windowStart := closeToday.Add(-time.Duration(eod.MonitoringStartMinutes) * time.Minute)
	return !now.Before(windowStart) && !now.After(closeToday), nil
}
