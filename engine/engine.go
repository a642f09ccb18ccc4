// Package engine orchestrates the full signal-to-position pipeline:
// pause/leadership/market-hours gating, dedup, validation, sizing,
// pyramid gating, stop management and order execution (spec.md §2
// "Engine / Orchestrator", §4.7 "process_signal dispatch").
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/apperr"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/audit"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/broker"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/clock"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/config"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/leader"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/logger"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/marketfeed"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/metrics"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/portfolio"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/signal"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/symbolresolver"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/validator"
)

var log = logger.With("engine")

// OutcomeStatus classifies how a signal was handled.
type OutcomeStatus string

const (
	OutcomeAccepted  OutcomeStatus = "ACCEPTED"
	OutcomeRejected  OutcomeStatus = "REJECTED"
	OutcomeDuplicate OutcomeStatus = "DUPLICATE"
	OutcomeIgnored   OutcomeStatus = "IGNORED"
)

// Outcome is what ProcessSignal returns for every inbound signal, used for
// both the HTTP response body and the audit trail (spec.md §4.7).
type Outcome struct {
	Status     OutcomeStatus
	Reason     string
	PositionID string
}

// Engine wires every component named in spec.md §4.7's dispatch table.
type Engine struct {
	cfg      *config.Config
	catalog  *instrument.Catalog
	resolver *symbolresolver.Resolver
	store    *portfolio.Store
	dedup    *signal.Dedup
	feed     marketfeed.Feed
	executor *broker.Executor
	elector  *leader.Elector
	audit    *audit.Sink
	clock    clock.Clock

	paused atomic.Bool

	// per-(instrument,layer) serialization, spec.md §4.7 "concurrent
	// signals for the same layer are serialized".
	layerLocks sync.Map
}

// New builds an Engine from its collaborators.
func New(cfg *config.Config, catalog *instrument.Catalog, store *portfolio.Store,
	dedup *signal.Dedup, feed marketfeed.Feed, executor *broker.Executor,
	elector *leader.Elector, auditSink *audit.Sink, clk clock.Clock) *Engine {
	return &Engine{
		cfg:      cfg,
		catalog:  catalog,
		resolver: symbolresolver.New(catalog),
		store:    store,
		dedup:    dedup,
		feed:     feed,
		executor: executor,
		elector:  elector,
		audit:    auditSink,
		clock:    clk,
	}
}

// Pause stops all new order placement but keeps processing signals for
// audit purposes (spec.md §4.7 "trading_paused gate").
func (e *Engine) Pause()  { e.paused.Store(true) }
func (e *Engine) Resume() { e.paused.Store(false) }
func (e *Engine) IsPaused() bool { return e.paused.Load() }

func (e *Engine) lockFor(inst instrument.Name, layer string) *sync.Mutex {
	key := fmt.Sprintf("%s:%s", inst, layer)
	v, _ := e.layerLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ProcessSignal runs the full dispatch pipeline for one raw webhook body
// (spec.md §4.1 intake through §4.7 dispatch).
func (e *Engine) ProcessSignal(ctx context.Context, raw []byte) (Outcome, error) {
	start := e.clock.Now()

	sig, err := signal.ParsePayload(raw)
	if err != nil {
		return Outcome{Status: OutcomeRejected, Reason: err.Error()}, nil
	}

	defer func() {
		metrics.ObserveSignalProcessing(string(sig.Instrument), string(sig.Kind), e.clock.Now().Sub(start).Seconds())
	}()
	metrics.RecordSignalReceived(string(sig.Instrument), string(sig.Kind))

	fp := sig.Fingerprint()
	dup, err := e.dedup.CheckAndMark(ctx, fp)
	if err != nil {
		log.Errorf("dedup check failed: %v", err)
	}
	if dup {
		metrics.RecordSignalDuplicate(string(sig.Instrument))
		e.audit.SignalOutcome(fp, string(sig.Kind), string(sig.Instrument), sig.RawPayload, string(OutcomeDuplicate), "")
		return Outcome{Status: OutcomeDuplicate}, nil
	}

	if e.IsPaused() {
		return e.reject(sig, fp, "trading is paused")
	}

	if err := e.elector.RequireLeader(); err != nil {
		var le *apperr.LeadershipError
		if asLeadershipError(err, &le) {
			return Outcome{Status: OutcomeIgnored, Reason: "not leader"}, nil
		}
		return e.reject(sig, fp, err.Error())
	}

	cfg, ok := e.catalog.Get(sig.Instrument)
	if !ok {
		return e.reject(sig, fp, "unknown instrument")
	}

	if !e.isMarketOpen(cfg, e.clock.Now()) {
		return e.reject(sig, fp, "market closed")
	}

	mu := e.lockFor(sig.Instrument, sig.Layer)
	mu.Lock()
	defer mu.Unlock()

	switch sig.Kind {
	case signal.KindBaseEntry:
		return e.dispatchBaseEntry(ctx, cfg, sig, fp)
	case signal.KindPyramid:
		return e.dispatchPyramid(ctx, cfg, sig, fp)
	case signal.KindExit:
		return e.dispatchExit(ctx, cfg, sig, fp)
	case signal.KindEODMonitor:
		return e.dispatchEODMonitor(ctx, cfg, sig, fp)
	default:
		return e.reject(sig, fp, "unknown signal kind")
	}
}

func asLeadershipError(err error, target **apperr.LeadershipError) bool {
	le, ok := err.(*apperr.LeadershipError)
	if ok {
		*target = le
	}
	return ok
}

func (e *Engine) reject(sig signal.Signal, fp, reason string) (Outcome, error) {
	metrics.RecordSignalRejected(string(sig.Instrument), reason)
	e.audit.SignalOutcome(fp, string(sig.Kind), string(sig.Instrument), sig.RawPayload, string(OutcomeRejected), reason)
	return Outcome{Status: OutcomeRejected, Reason: reason}, nil
}

func (e *Engine) accept(sig signal.Signal, fp, positionID string) (Outcome, error) {
	e.audit.SignalOutcome(fp, string(sig.Kind), string(sig.Instrument), sig.RawPayload, string(OutcomeAccepted), "")
	return Outcome{Status: OutcomeAccepted, PositionID: positionID}, nil
}

// isMarketOpen checks the instrument's exchange trading window (spec.md
// §4.6/§6 market_hours). Holiday calendars are an external collaborator
// (spec.md §1) and are not evaluated here.
func (e *Engine) isMarketOpen(cfg instrument.Config, now time.Time) bool {
	mh := e.cfg.MarketHours
	startStr, endStr := mh.NSEStart, mh.NSEEnd
	if cfg.Exchange == instrument.MCX {
		startStr, endStr = mh.MCXStart, mh.MCXEnd
	}
	open, err := time.Parse("15:04", startStr)
	if err != nil {
		return true
	}
	closeT, err := time.Parse("15:04", endStr)
	if err != nil {
		return true
	}
	t := time.Date(0, 1, 1, now.Hour(), now.Minute(), 0, 0, time.UTC)
	o := time.Date(0, 1, 1, open.Hour(), open.Minute(), 0, 0, time.UTC)
	c := time.Date(0, 1, 1, closeT.Hour(), closeT.Minute(), 0, 0, time.UTC)
	return !t.Before(o) && !t.After(c)
}

// conditionConfig builds the validator.Config used for condition validation
// from the engine's configured signal-age threshold (spec.md §4.2, §6
// eod.max_signal_age_seconds), rather than validator's own hardcoded
// default.
func (e *Engine) conditionConfig() validator.Config {
	cfg := validator.DefaultConfig()
	if e.cfg.EOD.MaxSignalAgeSeconds > 0 {
		cfg.MaxSignalAge = time.Duration(e.cfg.EOD.MaxSignalAgeSeconds) * time.Second
	}
	return cfg
}

func newPositionID(inst instrument.Name, layer string) string {
	return fmt.Sprintf("%s_%s", inst, layer)
}
