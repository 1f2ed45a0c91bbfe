package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

func signalCmd() *cobra.Command {
	sig := &cobra.Command{Use: "signal", Short: "Evidence signals"}
	sig.AddCommand(signalIngestCmd())
	sig.AddCommand(signalListCmd())
	sig.AddCommand(signalStatusCmd())
	sig.AddCommand(signalLinkCmd())
	return sig
}

func signalIngestCmd() *cobra.Command {
	var severity, source, embedding string
	cmd := &cobra.Command{
		Use:   "ingest <text>",
		Short: "Ingest a signal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vec, err := parseEmbedding(embedding)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				s, err := e.IngestSignal(ctx, engine.SignalInput{
					WorkspaceID: ws,
					Text:        strings.Join(args, " "),
					Embedding:   vec,
					Severity:    severity,
					Source:      source,
				}, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.EvidenceSignal{s}, signalsTable)
			})
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "low, medium, high or critical (default medium)")
	cmd.Flags().StringVar(&source, "source", "cli", "signal source")
	cmd.Flags().StringVar(&embedding, "embedding", "", "comma separated embedding vector")
	return cmd
}

func parseEmbedding(raw string) ([]float32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid embedding component %q", p)
		}
		out = append(out, float32(v))
	}
	return out, nil
}

func signalListCmd() *cobra.Command {
	var statuses []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.SignalFilters{Limit: limit}
			for _, raw := range statuses {
				st, err := domain.ParseSignalStatus(raw)
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, st)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				f.WorkspaceID = ws
				items, err := e.ListSignals(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, signalsTable)
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func signalStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <signal-id> <new|reviewed|archived>",
		Short: "Change a signal's review status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignal(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, s domain.EvidenceSignal) error {
				updated, err := e.SetSignalStatus(ctx, s.ID, args[1], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.EvidenceSignal{updated}, signalsTable)
			})
		},
	}
}

func signalLinkCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "link <signal-id> <item-id>",
		Short: "Link a signal to a work item as evidence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignal(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine, s domain.EvidenceSignal) error {
				link, err := e.LinkSignal(ctx, s.ID, args[1], reason, actor())
				if err != nil {
					return err
				}
				return printJSON(link)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the signal supports the item")
	return cmd
}

func withSignal(ctx context.Context, id string, fn func(context.Context, engine.Engine, domain.EvidenceSignal) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine, ws string) error {
		s, err := e.GetSignal(ctx, id)
		if err != nil {
			return err
		}
		if s.WorkspaceID != ws {
			return fmt.Errorf("signal %s: %w", id, repo.ErrNotFound)
		}
		return fn(ctx, e, s)
	})
}

func clustersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clusters",
		Short: "Cluster the workspace's new signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				clusters, err := e.Clusters(ctx, ws)
				if err != nil {
					return err
				}
				return printJSONOrTable(clusters, clustersTable)
			})
		},
	}
}

func jobsCmd() *cobra.Command {
	var status, kind, item string
	var limit int
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				items, err := e.ListJobs(ctx, repo.JobFilters{WorkspaceID: ws, WorkItemID: item, Status: status, Type: kind, Limit: limit})
				if err != nil {
					return err
				}
				return printJSONOrTable(items, jobsTable)
			})
		},
	}
	jobs.Flags().StringVar(&status, "status", "", "filter by status")
	jobs.Flags().StringVar(&kind, "type", "", "filter by job type")
	jobs.Flags().StringVar(&item, "item", "", "filter by work item")
	jobs.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	jobs.AddCommand(&cobra.Command{
		Use:   "status <job-id> <pending|running|completed|failed>",
		Short: "Update a job's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				job, err := e.Repo.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				if job.WorkspaceID != ws {
					return fmt.Errorf("job %s: %w", args[0], repo.ErrNotFound)
				}
				job, err = e.SetJobStatus(ctx, job.ID, args[1], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.Job{job}, jobsTable)
			})
		},
	})
	return jobs
}

func notificationsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List automation notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, ws string) error {
				items, err := e.ListNotifications(ctx, ws, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, notificationsTable)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}
