package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmsh/swarmsh/pkg/advisor"
	"github.com/swarmsh/swarmsh/pkg/coordination"
	"github.com/swarmsh/swarmsh/pkg/types"
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var registerCmd = &cobra.Command{
	Use:   "register <agent_id> [capacity] [team] [specialization]",
	Short: "Register a worker agent",
	Args:  cobra.RangeArgs(1, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			agentID := args[0]
			capacity := 100
			if len(args) > 1 {
				c, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("coordination: %w", coordination.ErrValidation)
				}
				capacity = c
			}
			team := ""
			if len(args) > 2 {
				team = args[2]
			}
			specialization := ""
			if len(args) > 3 {
				specialization = args[3]
			}

			agent, err := a.engine.Register(ctx, agentID, team, capacity, specialization)
			if err != nil {
				return err
			}
			return printJSON(agent)
		})
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <agent_id> <work_type> <description> [priority] [team]",
	Short: "Claim a new unit of work on behalf of an agent",
	Args:  cobra.RangeArgs(3, 5),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			ctx = coordination.ContextWithAgent(ctx, args[0])
			priority := types.PriorityMedium
			if len(args) > 3 {
				priority = types.Priority(args[3])
			}
			team := ""
			if len(args) > 4 {
				team = args[4]
			}

			item, err := a.engine.Claim(ctx, args[1], args[2], priority, team)
			if err != nil {
				return err
			}
			return printJSON(item)
		})
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress <agent_id> <work_id> <percent> [status]",
	Short: "Report progress on a claimed work item",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			ctx = coordination.ContextWithAgent(ctx, args[0])
			percent, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("coordination: %w", coordination.ErrValidation)
			}
			var status *types.WorkStatus
			if len(args) > 3 {
				s := types.WorkStatus(args[3])
				status = &s
			}

			item, err := a.engine.Progress(ctx, args[1], percent, status)
			if err != nil {
				return err
			}
			return printJSON(item)
		})
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <agent_id> <work_id> [result] [velocity_points]",
	Short: "Mark a work item complete",
	Args:  cobra.RangeArgs(2, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			ctx = coordination.ContextWithAgent(ctx, args[0])
			result := ""
			if len(args) > 2 {
				result = args[2]
			}
			velocity := 0
			if len(args) > 3 {
				v, err := strconv.Atoi(args[3])
				if err != nil {
					return fmt.Errorf("coordination: %w", coordination.ErrValidation)
				}
				velocity = v
			}

			item, err := a.engine.Complete(ctx, args[1], result, velocity)
			if err != nil {
				return err
			}
			return printJSON(item)
		})
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <actor> <work_id>",
	Short: "Release a claimed work item back to pending",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			item, err := a.engine.Release(ctx, args[1], args[0])
			if err != nil {
				return err
			}
			return printJSON(item)
		})
	},
}

var reassignCmd = &cobra.Command{
	Use:   "reassign <work_id> <new_agent_id>",
	Short: "Reassign a work item to a different agent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			item, err := a.engine.Reassign(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(item)
		})
	},
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Print a read-only aggregation of current coordination state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			report, err := a.analyzer.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the Analyzer once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			report, err := a.analyzer.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run the Optimizer once, acting on a fresh Analyzer report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			report, err := a.analyzer.Run(ctx)
			if err != nil {
				return err
			}
			applied, err := a.optimizer.Run(ctx, report)
			if err != nil {
				return err
			}

			out := map[string]any{"applied": applied}
			snapshot := advisor.Snapshot{Bottlenecks: report.Bottlenecks, GeneratedAt: time.Now()}
			if rec, advErr := a.advisor.Recommend(ctx, snapshot); advErr == nil && rec != nil {
				out["advisor_recommendation"] = rec
			}
			return printJSON(out)
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run the HealthMonitor once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			report, err := a.health.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	},
}

var generateIDCmd = &cobra.Command{
	Use:   "generate-id <prefix>",
	Short: "Mint an entity ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWithApp(cmd, func(ctx context.Context, a *app) error {
			fmt.Println(a.ids.NewEntityID(args[0]))
			return nil
		})
	},
}
