package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/swarmsh/swarmsh/pkg/advisor"
	"github.com/swarmsh/swarmsh/pkg/analyzer"
	"github.com/swarmsh/swarmsh/pkg/clock"
	"github.com/swarmsh/swarmsh/pkg/config"
	"github.com/swarmsh/swarmsh/pkg/coordination"
	"github.com/swarmsh/swarmsh/pkg/events"
	"github.com/swarmsh/swarmsh/pkg/health"
	"github.com/swarmsh/swarmsh/pkg/ids"
	"github.com/swarmsh/swarmsh/pkg/isolation"
	"github.com/swarmsh/swarmsh/pkg/optimizer"
	"github.com/swarmsh/swarmsh/pkg/scheduler"
	"github.com/swarmsh/swarmsh/pkg/storage"
	"github.com/swarmsh/swarmsh/pkg/telemetry"
)

const defaultMaxRetries = 3

// app bundles the components every CLI command needs, wired once from
// the resolved Config.
type app struct {
	cfg       config.Config
	store     *storage.Store
	ids       *ids.Minter
	telemetry *telemetry.Emitter
	engine    *coordination.Engine
	analyzer  *analyzer.Analyzer
	optimizer *optimizer.Optimizer
	health    *health.Monitor
	advisor   advisor.Advisor
	broker    *events.Broker
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.CoordinationDir, cfg.LockTimeout())
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	minter := ids.New()
	var opts []telemetry.Option
	if cfg.OTELExporterOTLPEndpoint != "" {
		opts = append(opts, telemetry.WithOTLPEndpoint(ctx, cfg.OTELExporterOTLPEndpoint))
	}
	emitter := telemetry.New(store, minter, cfg.OTELServiceName, cfg.OTELServiceVersion, opts...)

	clk := clock.Real{}
	engine := coordination.New(store, emitter, minter, clk, defaultMaxRetries)

	th := analyzer.Defaults()
	th.TelemetryBloatSpans = cfg.MaxSpans
	th.StaleLockTTL = int64(cfg.StaleWorkTTL())
	an := analyzer.New(store, emitter, minter, clk, th)

	opt := optimizer.New(store, engine, emitter, clk, optimizer.DefaultConfig())

	healthCfg := health.DefaultConfig()
	healthCfg.MaxSpans = cfg.MaxSpans
	mon := health.New(store, emitter, minter, clk, healthCfg)

	var adv advisor.Advisor = advisor.NoOp{}
	if cfg.AdvisorEndpoint != "" {
		adv = advisor.NewRemote(advisor.RemoteConfig{Endpoint: cfg.AdvisorEndpoint, Timeout: cfg.AdvisorTimeout()})
	}

	broker := events.NewBroker()

	return &app{
		cfg:       cfg,
		store:     store,
		ids:       minter,
		telemetry: emitter,
		engine:    engine,
		analyzer:  an,
		optimizer: opt,
		health:    mon,
		advisor:   adv,
		broker:    broker,
	}, nil
}

func (a *app) close(ctx context.Context) {
	_ = a.telemetry.Close(ctx)
	_ = a.store.Close()
}

func (a *app) newScheduler() *scheduler.Scheduler {
	sched := scheduler.New(a.store, a.analyzer, a.optimizer, a.health, a.broker, clock.Real{}, scheduler.DefaultConfig())
	return sched.WithIsolation(isolation.NewNoOp(20000))
}

// exitCode maps an error to the exit code scheme: 0 success, 1
// validation, 2 not found, 3 state-machine violation, 4 lock timeout,
// 5 store corruption, >=64 internal/unrecognized.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch coordination.KindOf(err) {
	case coordination.KindValidation, coordination.KindInvalidCapacity, coordination.KindNoAgentContext:
		return 1
	case coordination.KindNotFound:
		return 2
	case coordination.KindStateMachineViolation, coordination.KindAlreadyTerminal, coordination.KindOwnershipViolation, coordination.KindCapacityExceeded, coordination.KindDuplicateAgent:
		return 3
	case coordination.KindLockTimeout:
		return 4
	case coordination.KindStoreCorruption:
		return 5
	}
	if errors.Is(err, storage.ErrCorruption) {
		return 5
	}
	return 64
}

func forceTraceContext(ctx context.Context, cfg config.Config) context.Context {
	if cfg.ForceTraceID == "" {
		return ctx
	}
	return telemetry.ContextWithTrace(ctx, cfg.ForceTraceID, "")
}
