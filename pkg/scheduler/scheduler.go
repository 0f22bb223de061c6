// Package scheduler drives periodic maintenance: health scoring, the
// analyzer/optimizer 80/20 loop, and telemetry/work archival, on fixed
// cadences. One loop runs per job kind, each cooperatively non-overlapping
// with itself (a slow job delays its own next tick, never runs two copies
// at once) while different kinds run freely concurrently subject to
// the Store's lock discipline.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/swarmsh/swarmsh/pkg/analyzer"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/events"
	"github.com/swarmsh/swarmsh/pkg/health"
	"github.com/swarmsh/swarmsh/pkg/isolation"
	"github.com/swarmsh/swarmsh/pkg/log"
	"github.com/swarmsh/swarmsh/pkg/metrics"
	"github.com/swarmsh/swarmsh/pkg/optimizer"
	"github.com/swarmsh/swarmsh/pkg/storage"
)

// JobKind identifies one of the Scheduler's cooperative maintenance loops.
type JobKind string

const (
	JobHealthMonitor      JobKind = "health_monitor"
	JobOptimizerRebalance JobKind = "optimizer_rebalance"
	JobAnalyzer           JobKind = "analyzer"
	JobTelemetryArchive   JobKind = "telemetry_archive"
	JobWorkArchive        JobKind = "work_archive"
	JobStaleLockCleaner   JobKind = "stale_lock_cleaner"
)

var allKinds = []JobKind{
	JobHealthMonitor,
	JobOptimizerRebalance,
	JobAnalyzer,
	JobTelemetryArchive,
	JobWorkArchive,
	JobStaleLockCleaner,
}

// Config tunes per-kind run intervals and retention/archival knobs.
// DefaultConfig returns the built-in values; a field left zero is used
// as zero, with no default substituted.
type Config struct {
	HealthMonitorInterval      time.Duration
	OptimizerRebalanceInterval time.Duration
	AnalyzerInterval           time.Duration
	TelemetryArchiveInterval   time.Duration
	WorkArchiveInterval        time.Duration
	StaleLockCleanerInterval   time.Duration

	// JobTimeout bounds a single job run; a job exceeding it is abandoned
	// (its context is cancelled) so the next tick is never blocked behind it.
	JobTimeout time.Duration

	TelemetryRetainSpans int
	WorkArchiveOlderThan time.Duration
}

// DefaultConfig returns the built-in cadences: health every 2h, optimizer
// rebalance hourly, analyzer every 6h, telemetry archive every 4h, work
// archive daily, stale lock cleanup every 30m.
func DefaultConfig() Config {
	return Config{
		HealthMonitorInterval:      2 * time.Hour,
		OptimizerRebalanceInterval: time.Hour,
		AnalyzerInterval:           6 * time.Hour,
		TelemetryArchiveInterval:   4 * time.Hour,
		WorkArchiveInterval:        24 * time.Hour,
		StaleLockCleanerInterval:   30 * time.Minute,
		JobTimeout:                 10 * time.Minute,
		TelemetryRetainSpans:       1000,
		WorkArchiveOlderThan:       7 * 24 * time.Hour,
	}
}

func (c Config) interval(kind JobKind) time.Duration {
	switch kind {
	case JobHealthMonitor:
		return c.HealthMonitorInterval
	case JobOptimizerRebalance:
		return c.OptimizerRebalanceInterval
	case JobAnalyzer:
		return c.AnalyzerInterval
	case JobTelemetryArchive:
		return c.TelemetryArchiveInterval
	case JobWorkArchive:
		return c.WorkArchiveInterval
	case JobStaleLockCleaner:
		return c.StaleLockCleanerInterval
	default:
		return time.Hour
	}
}

// Scheduler composes the periodic maintenance components and runs one
// cooperative loop per JobKind.
type Scheduler struct {
	store     *storage.Store
	analyzer  *analyzer.Analyzer
	optimizer *optimizer.Optimizer
	health    *health.Monitor
	broker    *events.Broker
	clock     clock.Clock
	cfg       Config

	// isolation is optional; nil means the maintenance.isolation_gc hook
	// is inert. Set via WithIsolation.
	isolation isolation.Provider

	runningMu sync.Mutex
	running   map[JobKind]bool

	wg     sync.WaitGroup
	stopCh chan struct{}

	advanceOptimizerCh chan struct{}
}

// New wires a Scheduler over an already-constructed component set.
func New(store *storage.Store, an *analyzer.Analyzer, opt *optimizer.Optimizer, mon *health.Monitor, broker *events.Broker, clk clock.Clock, cfg Config) *Scheduler {
	return &Scheduler{
		store:              store,
		analyzer:           an,
		optimizer:          opt,
		health:             mon,
		broker:             broker,
		clock:              clk,
		cfg:                cfg,
		running:            make(map[JobKind]bool, len(allKinds)),
		stopCh:             make(chan struct{}),
		advanceOptimizerCh: make(chan struct{}, 1),
	}
}

// WithIsolation attaches the optional maintenance.isolation_gc hook:
// after a successful work archive, Release is called for the archived
// allocation so a real Provider can reclaim worktrees/ports/DBs tied to
// retired WorkItems. With isolation.NoOp this is inert bookkeeping.
func (s *Scheduler) WithIsolation(p isolation.Provider) *Scheduler {
	s.isolation = p
	return s
}

// Start launches one goroutine per job kind plus the health-event
// listener, each performing a catch-up run before settling into its
// ticker cadence.
func (s *Scheduler) Start(ctx context.Context) {
	sub := s.broker.Subscribe()
	s.wg.Add(1)
	go s.watchHealthEvents(ctx, sub)

	for _, kind := range allKinds {
		kind := kind
		s.wg.Add(1)
		go s.runLoop(ctx, kind)
	}
}

// Stop signals every loop to exit and blocks until they do.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) watchHealthEvents(ctx context.Context, sub events.Subscriber) {
	defer s.wg.Done()
	defer s.broker.Unsubscribe(sub)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type == events.EventHealthCritical {
				select {
				case s.advanceOptimizerCh <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (s *Scheduler) runLoop(ctx context.Context, kind JobKind) {
	defer s.wg.Done()
	interval := s.cfg.interval(kind)

	// Only the optimizer loop receives advance signals; a nil channel
	// never fires, so the other loops cannot consume and drop one.
	var advance <-chan struct{}
	if kind == JobOptimizerRebalance {
		advance = s.advanceOptimizerCh
	}

	s.catchUp(ctx, kind, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, kind)
		case <-advance:
			s.runOnce(ctx, kind)
		}
	}
}

type lastRunMarker struct {
	RanAt time.Time `json:"ran_at"`
}

// catchUp performs a single make-up run if the last recorded run for
// kind predates process start by more than one interval, matching the
// "at most one catch-up run per kind on startup" contract.
func (s *Scheduler) catchUp(ctx context.Context, kind JobKind, interval time.Duration) {
	var marker lastRunMarker
	found, err := s.store.ReadState(markerName(kind), &marker)
	if err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Str("kind", string(kind)).Msg("failed to read catch-up marker")
	}
	if !found || s.clock.Now().Sub(marker.RanAt) > interval {
		s.runOnce(ctx, kind)
	}
}

func markerName(kind JobKind) string {
	return "last_run_" + string(kind)
}

// runOnce executes kind's job exactly once, guarding against overlap
// with a still-running instance of the same kind.
func (s *Scheduler) runOnce(ctx context.Context, kind JobKind) {
	s.runningMu.Lock()
	if s.running[kind] {
		s.runningMu.Unlock()
		return
	}
	s.running[kind] = true
	s.runningMu.Unlock()

	defer func() {
		s.runningMu.Lock()
		s.running[kind] = false
		s.runningMu.Unlock()
	}()

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	err := s.dispatch(jobCtx, kind)
	timer.ObserveDurationVec(metrics.SchedulerJobDuration, string(kind))

	outcome := "success"
	if err != nil {
		outcome = "error"
		log.WithComponent("scheduler").Error().Err(err).Str("kind", string(kind)).Msg("job failed")
	}
	metrics.SchedulerJobRunsTotal.WithLabelValues(string(kind), outcome).Inc()

	if err == nil {
		_ = s.store.WriteState(markerName(kind), lastRunMarker{RanAt: s.clock.Now()})
	}
}

func (s *Scheduler) dispatch(ctx context.Context, kind JobKind) error {
	switch kind {
	case JobHealthMonitor:
		report, err := s.health.Run(ctx)
		if err != nil {
			return err
		}
		if report.Status == health.StatusCritical {
			s.broker.Publish(&events.Event{Type: events.EventHealthCritical, Message: "health score below critical threshold"})
		}
		return nil
	case JobOptimizerRebalance:
		rep, err := s.analyzer.Run(ctx)
		if err != nil {
			return err
		}
		_, err = s.optimizer.Run(ctx, rep)
		return err
	case JobAnalyzer:
		_, err := s.analyzer.Run(ctx)
		return err
	case JobTelemetryArchive:
		_, err := s.optimizer.CompactTelemetry(ctx, s.cfg.TelemetryRetainSpans)
		return err
	case JobWorkArchive:
		archived, err := s.optimizer.ArchiveWork(ctx, s.cfg.WorkArchiveOlderThan)
		if err != nil {
			return err
		}
		if archived > 0 && s.isolation != nil {
			if rerr := s.isolation.Release(ctx, "archived-work"); rerr != nil {
				log.WithComponent("scheduler").Warn().Err(rerr).Msg("isolation_gc release failed")
			}
		}
		return nil
	case JobStaleLockCleaner:
		rep, err := s.analyzer.Run(ctx)
		if err != nil {
			return err
		}
		_, err = s.optimizer.Run(ctx, rep)
		return err
	default:
		return nil
	}
}
