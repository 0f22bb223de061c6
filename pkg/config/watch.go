package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/swarmsh/swarmsh/pkg/events"
	"github.com/swarmsh/swarmsh/pkg/log"
)

// Watcher observes the optional YAML file and COORDINATION_DIR for
// changes and publishes config.changed notices. It never reloads or
// mutates the Config that was already built by Load — "Configuration
// is read at startup and immutable per process" — so a restart is
// always required to pick up an on-disk change. This is the "optional
// signal-driven reload" escape hatch implemented as a notice, not a
// hot mutation.
type Watcher struct {
	fsw    *fsnotify.Watcher
	broker *events.Broker
}

// NewWatcher watches cfg.ConfigFile (if set) and cfg.CoordinationDir.
func NewWatcher(cfg Config, broker *events.Broker) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		if err := fsw.Add(cfg.ConfigFile); err != nil {
			log.WithComponent("config").Warn().Err(err).Str("path", cfg.ConfigFile).Msg("failed to watch config file")
		}
	}
	if cfg.CoordinationDir != "" {
		if err := fsw.Add(cfg.CoordinationDir); err != nil {
			log.WithComponent("config").Warn().Err(err).Str("path", cfg.CoordinationDir).Msg("failed to watch coordination dir")
		}
	}
	return &Watcher{fsw: fsw, broker: broker}, nil
}

// Run blocks, publishing events.EventConfigChanged for every write/create
// event observed, until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.broker.Publish(&events.Event{
					Type:    events.EventConfigChanged,
					Message: "restart required to pick up configuration change: " + ev.Name,
				})
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithComponent("config").Warn().Err(err).Msg("config watcher error")
		}
	}
}
