package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stageline/internal/automation"
	"stageline/internal/domain"
	"stageline/internal/engine"
)

func automationCmd() *cobra.Command {
	a := &cobra.Command{Use: "automation", Short: "Signal automation"}
	a.AddCommand(automationSettingsCmd())
	a.AddCommand(&cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the active workspace once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				res, err := e.EvaluateAutomation(ctx, ws)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, evaluationTable)
			})
		},
	})
	a.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Evaluate every active workspace once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, sweepTable)
			})
		},
	})
	var limit int
	actions := &cobra.Command{
		Use:   "actions",
		Short: "Automation audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				items, err := e.ListAutomationActions(ctx, ws, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, actionsTable)
			})
		},
	}
	actions.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	a.AddCommand(actions)
	a.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the scheduler in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := shutdownContext(cmd.Context())
			defer stop()
			return withStore(ctx, func(ctx context.Context, e engine.Engine) error {
				report := func(res automation.SweepResult) {
					logger.Info("sweep finished", zap.Int("workspaces", len(res.Workspaces)), zap.Int("actions", res.Actions), zap.Int("failed", res.Failed))
					if res.Actions > 0 {
						_ = printJSONOrTable(res, sweepTable)
					}
				}
				first, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				report(first)
				err = e.NewScheduler().Run(ctx, report)
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	})
	return a
}

func automationSettingsCmd() *cobra.Command {
	var (
		depth, minSeverity        string
		initiative, doc, cooldown int
		maxPerDay                 int
		minConfidence             float64
	)
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or update automation settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				s, err := e.AutomationSettings(ctx, ws)
				if err != nil {
					return err
				}
				flags := cmd.Flags()
				changed := false
				if flags.Changed("depth") {
					d, err := domain.ParseDepth(depth)
					if err != nil {
						return err
					}
					s.Depth, changed = d, true
				}
				if flags.Changed("initiative-threshold") {
					s.InitiativeThreshold, changed = initiative, true
				}
				if flags.Changed("doc-threshold") {
					s.DocThreshold, changed = doc, true
				}
				if flags.Changed("min-confidence") {
					s.MinConfidence, changed = minConfidence, true
				}
				if flags.Changed("min-severity") {
					s.MinSeverity, changed = domain.Severity(minSeverity), true
				}
				if flags.Changed("cooldown-minutes") {
					s.CooldownMinutes, changed = cooldown, true
				}
				if flags.Changed("max-actions-per-day") {
					s.MaxActionsPerDay, changed = maxPerDay, true
				}
				if changed {
					if s, err = e.UpdateAutomationSettings(ctx, s, actor()); err != nil {
						return err
					}
				}
				return printJSON(s)
			})
		},
	}
	cmd.Flags().StringVar(&depth, "depth", "", "manual, suggest, auto_create or full_auto")
	cmd.Flags().IntVar(&initiative, "initiative-threshold", 0, "cluster size that creates an initiative")
	cmd.Flags().IntVar(&doc, "doc-threshold", 0, "cluster size that triggers PRD generation")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "minimum cluster confidence")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "minimum cluster severity (empty admits all)")
	cmd.Flags().IntVar(&cooldown, "cooldown-minutes", 0, "per-cluster cooldown")
	cmd.Flags().IntVar(&maxPerDay, "max-actions-per-day", 0, "daily action cap")
	return cmd
}
