package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swarmsh/swarmsh/pkg/config"
	"github.com/swarmsh/swarmsh/pkg/health"
	"github.com/swarmsh/swarmsh/pkg/log"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "address for /healthz and /metrics")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Scheduler as a long-lived process (health/metrics HTTP + all maintenance jobs)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			lastExitCode = 64
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		ctx = forceTraceContext(ctx, cfg)

		a, err := buildApp(ctx, cfg)
		if err != nil {
			lastExitCode = 64
			return err
		}
		defer a.close(ctx)

		a.broker.Start()
		defer a.broker.Stop()

		watcher, err := config.NewWatcher(cfg, a.broker)
		if err != nil {
			log.WithComponent("serve").Warn().Err(err).Msg("config watcher unavailable")
		} else {
			go watcher.Run(ctx)
		}

		sched := a.newScheduler()
		sched.Start(ctx)

		srv := health.NewServer(a.health)
		errCh := make(chan error, 1)
		go func() {
			fmt.Printf("swarmsh serve: listening on %s\n", serveAddr)
			errCh <- srv.ListenAndServe(serveAddr)
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				lastExitCode = 64
				sched.Stop()
				return err
			}
		}

		sched.Stop()
		return nil
	},
}
