package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stageline/internal/auth"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
	"stageline/internal/transition"
)

func itemCmd() *cobra.Command {
	it := &cobra.Command{Use: "item", Short: "Manage work items"}
	it.AddCommand(itemCreateCmd())
	it.AddCommand(itemListCmd())
	it.AddCommand(itemShowCmd())
	it.AddCommand(itemArchiveCmd())
	it.AddCommand(itemMetricsCmd())
	it.AddCommand(itemHistoryCmd())
	return it
}

func itemCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a work item in the inbox",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				item, err := e.CreateWorkItem(ctx, engine.WorkItemCreateOptions{
					ID:          id,
					WorkspaceID: ws,
					Name:        strings.Join(args, " "),
					Description: desc,
					ActorID:     actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.WorkItem{item}, workItemsTable)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "work item id (generated when empty)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	return cmd
}

func itemListCmd() *cobra.Command {
	var stage, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				f := repo.WorkItemFilters{WorkspaceID: ws, Status: status, Limit: limit}
				if stage != "" {
					st, err := domain.ParseStage(stage)
					if err != nil {
						return err
					}
					f.Stage = string(st)
				}
				items, err := e.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, workItemsTable)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				return printJSON(item)
			})
		},
	}
}

func itemArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				archived, err := e.ArchiveWorkItem(ctx, item.ID, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.WorkItem{archived}, workItemsTable)
			})
		},
	}
}

func itemMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <id> name=value...",
		Short: "Record current release metrics",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics, err := parseMetrics(args[1:])
			if err != nil {
				return err
			}
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				updated, err := e.SetMetrics(ctx, item.ID, metrics, actor())
				if err != nil {
					return err
				}
				return printJSON(updated.Metadata)
			})
		},
	}
}

func parseMetrics(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid metric %q (want name=value)", p)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid metric %q: %w", p, err)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}

func itemHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Stage transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				evs, err := e.ListTransitions(ctx, item.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(evs, transitionsTable)
			})
		},
	}
}

func evidenceCmds() []*cobra.Command {
	return []*cobra.Command{docCmd(), prototypeCmd(), artifactCmd(), juryCmd()}
}

func docCmd() *cobra.Command {
	var title, file string
	cmd := &cobra.Command{
		Use:   "doc <item-id> <type>",
		Short: "Attach a document (research, prd, design_brief, ...)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content string
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = string(b)
			}
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				doc, err := e.AddDocument(ctx, domain.Document{WorkItemID: item.ID, Type: args[1], Title: title, Content: content}, actor())
				if err != nil {
					return err
				}
				doc.Content = ""
				return printJSON(doc)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title")
	cmd.Flags().StringVar(&file, "file", "", "read content from file")
	return cmd
}

func prototypeCmd() *cobra.Command {
	var kind, url string
	cmd := &cobra.Command{
		Use:   "prototype <item-id>",
		Short: "Attach a prototype",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				p, err := e.AddPrototype(ctx, domain.Prototype{WorkItemID: item.ID, Type: kind, URL: url}, actor())
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "type", "interactive", "prototype type")
	cmd.Flags().StringVar(&url, "url", "", "prototype URL")
	return cmd
}

func artifactCmd() *cobra.Command {
	var kind, label, path, stage string
	cmd := &cobra.Command{
		Use:   "artifact <item-id>",
		Short: "Attach a stage artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := domain.Artifact{Type: kind, Label: label, Path: path}
			if stage != "" {
				st, err := domain.ParseStage(stage)
				if err != nil {
					return err
				}
				a.Stage = st
			}
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				a.WorkItemID = item.ID
				out, err := e.AddArtifact(ctx, a, actor())
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "type", "", "artifact type")
	cmd.Flags().StringVar(&label, "label", "", "label")
	cmd.Flags().StringVar(&path, "path", "", "path or URL")
	cmd.Flags().StringVar(&stage, "stage", "", "stage (defaults to the item's current stage)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func juryCmd() *cobra.Command {
	var approvals, total int
	var verdict string
	var concerns []string
	cmd := &cobra.Command{
		Use:   "jury <item-id>",
		Short: "Record a jury evaluation for the item's current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				ev, err := e.RecordJury(ctx, engine.JuryInput{
					WorkItemID: item.ID,
					Approvals:  approvals,
					Total:      total,
					Verdict:    verdict,
					Concerns:   concerns,
				}, actor())
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
	cmd.Flags().IntVar(&approvals, "approvals", 0, "approving jurors")
	cmd.Flags().IntVar(&total, "total", 0, "total jurors")
	cmd.Flags().StringVar(&verdict, "verdict", "", "pass, fail or conditional (derived when empty)")
	cmd.Flags().StringSliceVar(&concerns, "concern", nil, "concern raised (repeatable)")
	return cmd
}

func criteriaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "criteria <item-id>",
		Short: "Check graduation criteria for the item's current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				res, err := e.CheckCriteria(ctx, item.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, criteriaTable)
			})
		},
	}
}

func gatesCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "gates <item-id>",
		Short: "Evaluate stage gates against stored documents and an optional directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				rep, err := e.EvaluateStageGates(ctx, item.ID, dir)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(rep, gatesTable); err != nil {
					return err
				}
				if !rep.Passed {
					return errors.New("required gates failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory with stage artifacts")
	return cmd
}

func transitionCmd() *cobra.Command {
	var reason string
	var force, dryRun bool
	cmd := &cobra.Command{
		Use:   "transition <item-id> <stage>",
		Short: "Move a work item to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseStage(args[1])
			if err != nil {
				return err
			}
			return withItem(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, item domain.WorkItem) error {
				if force {
					if err := e.Require(ctx, item.WorkspaceID, actor(), auth.PermTransitionOverride); err != nil {
						return err
					}
				}
				if dryRun {
					dec, err := e.ValidateTransition(ctx, item.ID, to, transition.Options{ForceOverride: force})
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(dec)
					}
					if len(dec.CheckResult.Checks) > 0 {
						_ = printJSONOrTable(dec.CheckResult, criteriaTable)
					}
					fmt.Printf("%s -> %s: allowed=%v %s\n", item.ID, to, dec.Allowed, dec.Reason)
					return nil
				}
				res, err := e.Transition(ctx, transition.Request{
					WorkItemID:    item.ID,
					ToStage:       to,
					ActorID:       actor(),
					ActorKind:     domain.ActorUser,
					Reason:        reason,
					ForceOverride: force,
				})
				var blocked *transition.BlockedError
				if errors.As(err, &blocked) {
					if !viper.GetBool("json") && len(blocked.Decision.CheckResult.Checks) > 0 {
						_ = printJSONOrTable(blocked.Decision.CheckResult, criteriaTable)
					}
					return err
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				msg := fmt.Sprintf("%s: %s -> %s", item.ID, res.Event.FromStage, res.Event.ToStage)
				if res.Decision.Overridden {
					msg += " (override)"
				}
				fmt.Println(msg)
				for _, j := range res.Jobs {
					fmt.Printf("  queued %s job %s\n", j.Type, j.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the transition")
	cmd.Flags().BoolVar(&force, "force", false, "override unmet criteria when the stage allows it")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the decision without moving the item")
	return cmd
}

// withItem resolves the active workspace and loads an item that belongs to it.
func withItem(ctx context.Context, id string, fn func(context.Context, engine.Engine, domain.WorkItem) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine, ws string) error {
		item, err := e.GetWorkItem(ctx, id)
		if err != nil {
			return err
		}
		if item.WorkspaceID != ws {
			return fmt.Errorf("work item %s: %w", id, repo.ErrNotFound)
		}
		return fn(ctx, e, item)
	})
}
