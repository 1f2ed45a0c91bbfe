// Package criteria decides whether a work item is ready to leave its stage.
package criteria

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"stageline/internal/domain"
	"stageline/internal/gate"
	"stageline/internal/repo"
)

const (
	CheckRequiredDocuments  = "required_documents"
	CheckMinApprovalRate    = "min_approval_rate"
	CheckMinJuryEvaluations = "min_jury_evaluations"
	CheckRequirePrototype   = "require_prototype"
	CheckMinLinkedEvidence  = "min_linked_evidence"
	CheckMetricsGate        = "metrics_gate"
)

// Evidence is everything the checks read about one work item.
type Evidence struct {
	Stage           domain.Stage
	DocumentTypes   []string
	LatestJury      *domain.JuryEvaluation
	JuryEvaluations int
	Prototypes      int
	LinkedEvidence  int
	Metrics         map[string]float64
}

type Check struct {
	Name     string         `json:"name"`
	Required bool           `json:"required"`
	Passed   bool           `json:"passed"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

type Result struct {
	WorkItemID      string                     `json:"work_item_id"`
	Stage           domain.Stage               `json:"stage"`
	CanGraduate     bool                       `json:"can_graduate"`
	Criteria        *domain.GraduationCriteria `json:"criteria,omitempty"`
	Enforced        bool                       `json:"enforced"`
	Checks          []Check                    `json:"checks"`
	OverrideAllowed bool                       `json:"override_allowed"`
	QualityScore    float64                    `json:"quality_score"`
}

// FailedMessages returns the messages of failed checks in evaluation order.
func (r Result) FailedMessages() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Message)
		}
	}
	return out
}

// Evaluate applies the stage definition to ev. A nil definition or one without
// criteria is fail-open: the item can graduate and nothing is enforced.
func Evaluate(def *domain.StageDefinition, ev Evidence) Result {
	res := Result{Stage: ev.Stage, CanGraduate: true, OverrideAllowed: true, Checks: []Check{}}
	var thresholds map[string]float64
	if def != nil {
		thresholds = def.MetricThresholds
	}
	if def == nil || def.Criteria == nil {
		res.QualityScore = heuristicScore(ev, thresholds)
		return res
	}
	cr := def.Criteria
	res.Criteria = cr
	res.Enforced = def.Enforced
	res.OverrideAllowed = cr.OverrideAllowed()

	if len(cr.RequiredDocuments) > 0 {
		res.Checks = append(res.Checks, checkDocuments(cr.RequiredDocuments, ev.DocumentTypes))
	}
	if cr.MinApprovalRate != nil {
		res.Checks = append(res.Checks, checkApprovalRate(*cr.MinApprovalRate, ev.LatestJury))
	}
	if cr.MinJuryEvaluations != nil {
		want := *cr.MinJuryEvaluations
		res.Checks = append(res.Checks, Check{
			Name:     CheckMinJuryEvaluations,
			Required: true,
			Passed:   ev.JuryEvaluations >= want,
			Message:  fmt.Sprintf("%d of %d required jury evaluations", ev.JuryEvaluations, want),
			Details:  map[string]any{"count": ev.JuryEvaluations, "required": want},
		})
	}
	if cr.RequirePrototype {
		c := Check{Name: CheckRequirePrototype, Required: true, Passed: ev.Prototypes > 0, Details: map[string]any{"count": ev.Prototypes}}
		if c.Passed {
			c.Message = fmt.Sprintf("%d prototype(s) present", ev.Prototypes)
		} else {
			c.Message = "prototype required"
		}
		res.Checks = append(res.Checks, c)
	}
	if cr.MinLinkedEvidence != nil {
		want := *cr.MinLinkedEvidence
		res.Checks = append(res.Checks, Check{
			Name:     CheckMinLinkedEvidence,
			Required: true,
			Passed:   ev.LinkedEvidence >= want,
			Message:  fmt.Sprintf("%d of %d required linked evidence signals", ev.LinkedEvidence, want),
			Details:  map[string]any{"count": ev.LinkedEvidence, "required": want},
		})
	}
	if cr.RequireMetricsGate {
		res.Checks = append(res.Checks, CheckMetrics(thresholds, ev.Metrics))
	}

	passed := 0
	for _, c := range res.Checks {
		if c.Passed {
			passed++
		} else {
			res.CanGraduate = false
		}
	}
	res.QualityScore = 1
	if len(res.Checks) > 0 {
		res.QualityScore = float64(passed) / float64(len(res.Checks))
	}
	return res
}

func checkDocuments(required, present []string) Check {
	have := map[string]bool{}
	for _, t := range present {
		have[t] = true
	}
	missing := []string{}
	for _, t := range required {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	c := Check{
		Name:     CheckRequiredDocuments,
		Required: true,
		Passed:   len(missing) == 0,
		Details:  map[string]any{"required": required, "missing": missing},
	}
	if c.Passed {
		c.Message = "all required documents present"
	} else {
		c.Message = "missing documents: " + strings.Join(missing, ", ")
	}
	return c
}

func checkApprovalRate(want float64, latest *domain.JuryEvaluation) Check {
	rate := 0.0
	if latest != nil {
		rate = latest.ApprovalRate
	}
	c := Check{
		Name:     CheckMinApprovalRate,
		Required: true,
		Passed:   rate >= want,
		Details:  map[string]any{"approval_rate": rate, "required": want},
	}
	switch {
	case latest == nil:
		c.Message = fmt.Sprintf("no jury evaluation; approval rate %.0f%% required", want*100)
	case c.Passed:
		c.Message = fmt.Sprintf("approval rate %.0f%% meets %.0f%%", rate*100, want*100)
	default:
		c.Message = fmt.Sprintf("approval rate %.0f%% below required %.0f%%", rate*100, want*100)
	}
	return c
}

// LowerIsBetter reports whether smaller values of the metric are better.
func LowerIsBetter(metric string) bool {
	m := strings.ToLower(metric)
	for _, marker := range []string{"error", "crash", "failure", "bug", "latency", "churn"} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// CheckMetrics compares the current snapshot with stage thresholds.
func CheckMetrics(thresholds, metrics map[string]float64) Check {
	c := Check{Name: CheckMetricsGate, Required: true}
	if len(thresholds) == 0 {
		c.Passed = true
		c.Message = "no metric thresholds configured"
		return c
	}
	names := make([]string, 0, len(thresholds))
	for name := range thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	var failures []string
	missing := []string{}
	for _, name := range names {
		threshold := thresholds[name]
		value, ok := metrics[name]
		if !ok {
			missing = append(missing, name)
			failures = append(failures, name+" not reported")
			continue
		}
		if LowerIsBetter(name) {
			if value > threshold {
				failures = append(failures, fmt.Sprintf("%s %g above max %g", name, value, threshold))
			}
		} else if value < threshold {
			failures = append(failures, fmt.Sprintf("%s %g below min %g", name, value, threshold))
		}
	}
	c.Passed = len(failures) == 0
	c.Details = map[string]any{"thresholds": thresholds, "missing": missing}
	if c.Passed {
		c.Message = "all metrics meet thresholds"
	} else {
		c.Message = "metrics gate failed: " + strings.Join(failures, ", ")
	}
	return c
}

// heuristicScore rates readiness when no criteria exist, from what a stage at
// this pipeline position is expected to have.
func heuristicScore(ev Evidence, thresholds map[string]float64) float64 {
	idx := ev.Stage.Index()
	expected, passed := 0, 0
	expect := func(ok bool) {
		expected++
		if ok {
			passed++
		}
	}
	if idx >= domain.StageDiscovery.Index() {
		expect(len(ev.DocumentTypes) > 0)
	}
	if idx >= domain.StageDiscovery.Index() && idx <= domain.StageValidate.Index() {
		expect(ev.LinkedEvidence > 0)
	}
	if idx >= domain.StagePrototype.Index() {
		expect(ev.Prototypes > 0)
	}
	if idx >= domain.StageValidate.Index() {
		expect(ev.LatestJury != nil && ev.LatestJury.Verdict == "pass")
	}
	if idx >= domain.StageAlpha.Index() {
		expect(len(ev.Metrics) > 0 && CheckMetrics(thresholds, ev.Metrics).Passed)
	}
	if expected == 0 {
		return 1
	}
	return float64(passed) / float64(expected)
}

// Checker loads evidence from the store for Evaluate.
type Checker struct {
	Repo repo.Repo
}

// CheckCriteria evaluates the work item against its current stage's definition.
func (c Checker) CheckCriteria(ctx context.Context, workItemID string) (Result, error) {
	item, err := c.Repo.GetWorkItem(ctx, nil, workItemID)
	if err != nil {
		return Result{}, err
	}
	return c.CheckItem(ctx, item)
}

func (c Checker) CheckItem(ctx context.Context, item domain.WorkItem) (Result, error) {
	var def *domain.StageDefinition
	d, err := c.Repo.GetStageDefinition(ctx, nil, item.WorkspaceID, item.Stage)
	switch {
	case err == nil:
		def = &d
	case !errors.Is(err, repo.ErrNotFound):
		return Result{}, fmt.Errorf("load stage definition: %w", err)
	}
	ev, err := c.LoadEvidence(ctx, item)
	if err != nil {
		return Result{}, err
	}
	res := Evaluate(def, ev)
	res.WorkItemID = item.ID
	return res, nil
}

func (c Checker) LoadEvidence(ctx context.Context, item domain.WorkItem) (Evidence, error) {
	ev := Evidence{Stage: item.Stage, Metrics: gate.CurrentMetrics(item.Metadata)}
	var err error
	if ev.DocumentTypes, err = c.Repo.DocumentTypes(ctx, nil, item.ID); err != nil {
		return ev, fmt.Errorf("load documents: %w", err)
	}
	latest, err := c.Repo.LatestJuryEvaluation(ctx, nil, item.ID)
	switch {
	case err == nil:
		ev.LatestJury = &latest
	case !errors.Is(err, repo.ErrNotFound):
		return ev, fmt.Errorf("load jury evaluation: %w", err)
	}
	if ev.JuryEvaluations, err = c.Repo.CountJuryEvaluations(ctx, nil, item.ID); err != nil {
		return ev, fmt.Errorf("count jury evaluations: %w", err)
	}
	if ev.Prototypes, err = c.Repo.CountPrototypes(ctx, nil, item.ID); err != nil {
		return ev, fmt.Errorf("count prototypes: %w", err)
	}
	if ev.LinkedEvidence, err = c.Repo.CountLinkedSignals(ctx, nil, item.ID); err != nil {
		return ev, fmt.Errorf("count linked evidence: %w", err)
	}
	return ev, nil
}
