package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"stageline/internal/automation"
	"stageline/internal/criteria"
	"stageline/internal/domain"
	"stageline/internal/gate"
)

// printJSONOrTable prints JSON when --json is set or no renderer is given.
func printJSONOrTable[T any](v T, render func(T) table.Writer) error {
	if viper.GetBool("json") || render == nil {
		return printJSON(v)
	}
	tw := render(v)
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

func workspacesTable(items []domain.Workspace) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
	for _, w := range items {
		tw.AppendRow(table.Row{w.ID, w.Name, w.Status, w.CreatedAt})
	}
	return tw
}

func apiKeysTable(items []domain.APIKey) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Permissions", "Created"})
	for _, k := range items {
		tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Permissions, ","), k.CreatedAt})
	}
	return tw
}

func workItemsTable(items []domain.WorkItem) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Status", "Updated"})
	for _, it := range items {
		tw.AppendRow(table.Row{it.ID, it.Name, it.Stage, it.Status, it.UpdatedAt})
	}
	return tw
}

func criteriaTable(res criteria.Result) table.Writer {
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("%s @ %s  can_graduate=%v enforced=%v quality=%.2f",
		res.WorkItemID, res.Stage, res.CanGraduate, res.Enforced, res.QualityScore))
	tw.AppendHeader(table.Row{"Check", "Required", "Passed", "Message"})
	for _, c := range res.Checks {
		tw.AppendRow(table.Row{c.Name, c.Required, mark(c.Passed), c.Message})
	}
	return tw
}

func gatesTable(rep gate.Report) table.Writer {
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("gates for %s  passed=%v", rep.Stage, rep.Passed))
	tw.AppendHeader(table.Row{"Gate", "Type", "Required", "Passed", "Message"})
	for _, o := range rep.Outcomes {
		tw.AppendRow(table.Row{o.GateID, o.Type, o.Required, mark(o.Passed), o.Message})
	}
	return tw
}

func transitionsTable(items []domain.StageTransitionEvent) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"When", "From", "To", "Actor", "Kind", "Forced", "Reason"})
	for _, ev := range items {
		tw.AppendRow(table.Row{ev.CreatedAt, ev.FromStage, ev.ToStage, ev.ActorID, ev.ActorKind, ev.Forced, ev.Reason})
	}
	return tw
}

func signalsTable(items []domain.EvidenceSignal) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"ID", "Severity", "Status", "Source", "Text"})
	for _, s := range items {
		tw.AppendRow(table.Row{s.ID, s.Severity, s.Status, s.Source, truncate(s.Text, 60)})
	}
	return tw
}

func clustersTable(items []domain.SignalCluster) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Cluster", "Members", "Severity", "Confidence", "Suggested", "Theme"})
	for _, c := range items {
		tw.AppendRow(table.Row{c.ID, c.MemberCount(), c.Severity, fmt.Sprintf("%.2f", c.Confidence), c.SuggestedAction, truncate(c.Theme, 50)})
	}
	return tw
}

func evaluationTable(res automation.Result) table.Writer {
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("%s depth=%s clusters=%d", res.WorkspaceID, res.Depth, res.ClustersChecked))
	tw.AppendHeader(table.Row{"Cluster", "Outcome", "Detail"})
	for _, a := range res.ActionsTriggered {
		detail := a.WorkItemID
		if a.JobID != "" {
			detail += " job=" + a.JobID
		}
		tw.AppendRow(table.Row{a.ClusterID, a.Type, detail})
	}
	for _, s := range res.Skipped {
		tw.AppendRow(table.Row{s.ClusterID, "skipped: " + s.Reason, s.Message})
	}
	return tw
}

func sweepTable(res automation.SweepResult) table.Writer {
	tw := table.NewWriter()
	tw.SetTitle(fmt.Sprintf("actions=%d failed=%d", res.Actions, res.Failed))
	tw.AppendHeader(table.Row{"Workspace", "Depth", "Clusters", "Actions", "Error"})
	for _, w := range res.Workspaces {
		tw.AppendRow(table.Row{w.WorkspaceID, w.Depth, w.ClustersChecked, w.Actions, w.Error})
	}
	return tw
}

func actionsTable(items []domain.AutomationActionRecord) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"When", "Cluster", "Action", "Work item"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.CreatedAt, a.ClusterID, a.ActionType, a.WorkItemID})
	}
	return tw
}

func jobsTable(items []domain.Job) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"ID", "Type", "Status", "Work item", "Auto", "Updated"})
	for _, j := range items {
		tw.AppendRow(table.Row{j.ID, j.Type, j.Status, j.WorkItemID, j.AutoTriggered, j.UpdatedAt})
	}
	return tw
}

func notificationsTable(items []domain.Notification) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"When", "Kind", "Title", "Message"})
	for _, n := range items {
		tw.AppendRow(table.Row{n.CreatedAt, n.Kind, n.Title, truncate(n.Message, 60)})
	}
	return tw
}

func eventsTable(items []domain.Event) table.Writer {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"ID", "When", "Type", "Entity", "Actor"})
	for _, ev := range items {
		tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
	}
	return tw
}

func mark(ok bool) string {
	if ok {
		return "yes"
	}
	return "NO"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
