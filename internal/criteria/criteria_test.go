package criteria

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func TestNoCriteriaFailsOpen(t *testing.T) {
	states := []Evidence{
		{Stage: domain.StageInbox},
		{Stage: domain.StageBeta, Metrics: map[string]float64{"error_rate": 0.9}},
		{Stage: domain.StagePRD, DocumentTypes: []string{"prd"}, LinkedEvidence: 3},
	}
	defs := []*domain.StageDefinition{nil, {Enforced: true}}
	for _, def := range defs {
		for _, ev := range states {
			res := Evaluate(def, ev)
			assert.True(t, res.CanGraduate)
			assert.False(t, res.Enforced)
			assert.Empty(t, res.Checks)
			assert.True(t, res.OverrideAllowed)
		}
	}
}

func TestRequiredDocumentsReportsMissing(t *testing.T) {
	def := &domain.StageDefinition{Enforced: true, Criteria: &domain.GraduationCriteria{RequiredDocuments: []string{"A", "B"}}}
	res := Evaluate(def, Evidence{Stage: domain.StagePRD, DocumentTypes: []string{"A"}})
	require.Len(t, res.Checks, 1)
	check := res.Checks[0]
	assert.False(t, check.Passed)
	assert.False(t, res.CanGraduate)
	if diff := cmp.Diff([]string{"B"}, check.Details["missing"]); diff != "" {
		t.Fatalf("missing documents (-want +got):\n%s", diff)
	}
}

func TestChecksAreNotShortCircuited(t *testing.T) {
	def := &domain.StageDefinition{Enforced: true, Criteria: &domain.GraduationCriteria{
		RequiredDocuments:  []string{"prd"},
		MinApprovalRate:    ptr(0.7),
		MinJuryEvaluations: ptr(2),
		RequirePrototype:   true,
		MinLinkedEvidence:  ptr(1),
		RequireMetricsGate: true,
		AllowOverride:      ptr(false),
	}, MetricThresholds: map[string]float64{"error_rate": 0.05, "activation_rate": 0.2}}
	ev := Evidence{
		Stage:           domain.StageAlpha,
		DocumentTypes:   []string{"prd"},
		LatestJury:      &domain.JuryEvaluation{ApprovalRate: 0.5, Verdict: "fail"},
		JuryEvaluations: 2,
		LinkedEvidence:  0,
		Metrics:         map[string]float64{"error_rate": 0.01, "activation_rate": 0.3},
	}
	res := Evaluate(def, ev)
	got := map[string]bool{}
	for _, c := range res.Checks {
		got[c.Name] = c.Passed
	}
	want := map[string]bool{
		CheckRequiredDocuments:  true,
		CheckMinApprovalRate:    false,
		CheckMinJuryEvaluations: true,
		CheckRequirePrototype:   false,
		CheckMinLinkedEvidence:  false,
		CheckMetricsGate:        true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("check outcomes (-want +got):\n%s", diff)
	}
	assert.False(t, res.CanGraduate)
	assert.False(t, res.OverrideAllowed)
	assert.InDelta(t, 0.5, res.QualityScore, 1e-9)
	assert.Len(t, res.FailedMessages(), 3)
}

func TestApprovalRateWithoutJuryIsZero(t *testing.T) {
	def := &domain.StageDefinition{Criteria: &domain.GraduationCriteria{MinApprovalRate: ptr(0.0)}}
	assert.True(t, Evaluate(def, Evidence{}).CanGraduate)

	def.Criteria.MinApprovalRate = ptr(0.1)
	res := Evaluate(def, Evidence{})
	assert.False(t, res.CanGraduate)
	assert.Equal(t, 0.0, res.Checks[0].Details["approval_rate"])
}

func TestMetricsDirection(t *testing.T) {
	thresholds := map[string]float64{"crash_rate": 0.02, "retention": 0.4}
	assert.True(t, CheckMetrics(thresholds, map[string]float64{"crash_rate": 0.01, "retention": 0.5}).Passed)
	assert.False(t, CheckMetrics(thresholds, map[string]float64{"crash_rate": 0.03, "retention": 0.5}).Passed)
	assert.False(t, CheckMetrics(thresholds, map[string]float64{"crash_rate": 0.01, "retention": 0.3}).Passed)

	missing := CheckMetrics(thresholds, map[string]float64{"crash_rate": 0.01})
	assert.False(t, missing.Passed)
	assert.Contains(t, missing.Message, "retention not reported")
	assert.True(t, CheckMetrics(nil, nil).Passed)
}

func TestHeuristicScoreByStage(t *testing.T) {
	cases := []struct {
		name string
		ev   Evidence
		want float64
	}{
		{"inbox expects nothing", Evidence{Stage: domain.StageInbox}, 1},
		{"discovery with docs only", Evidence{Stage: domain.StageDiscovery, DocumentTypes: []string{"research"}}, 0.5},
		{"prototype complete", Evidence{Stage: domain.StagePrototype, DocumentTypes: []string{"prd"}, LinkedEvidence: 2, Prototypes: 1}, 1},
		{"validate without jury", Evidence{Stage: domain.StageValidate, DocumentTypes: []string{"prd"}, LinkedEvidence: 2, Prototypes: 1}, 0.75},
		{"build past evidence window", Evidence{Stage: domain.StageBuild, DocumentTypes: []string{"prd"}, Prototypes: 1, LatestJury: &domain.JuryEvaluation{Verdict: "pass"}}, 1},
		{"alpha without metrics", Evidence{Stage: domain.StageAlpha, DocumentTypes: []string{"prd"}, Prototypes: 1, LatestJury: &domain.JuryEvaluation{Verdict: "pass"}}, 0.75},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Evaluate(nil, tc.ev).QualityScore, 1e-9)
		})
	}
}

func TestCheckerLoadsEvidenceFromStore(t *testing.T) {
	conn := testutil.OpenDB(t)
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	testutil.SeedWorkspace(t, conn, "ws-1")
	seedConfig(t, conn, r)
	item := testutil.SeedWorkItem(t, conn, "ws-1", "wi-1", domain.StagePRD)

	chk := Checker{Repo: r}
	res, err := chk.CheckCriteria(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, res.Enforced)
	assert.False(t, res.CanGraduate)

	ts := repo.Timestamp(testutil.Epoch)
	require.NoError(t, r.InsertDocument(ctx, nil, domain.Document{ID: "d1", WorkItemID: item.ID, Type: "prd", Title: "PRD", CreatedBy: "tester", CreatedAt: ts}))
	res, err = chk.CheckCriteria(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, res.CanGraduate)
	assert.Equal(t, item.ID, res.WorkItemID)

	_, err = chk.CheckCriteria(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func seedConfig(t *testing.T, conn *sql.DB, r repo.Repo) {
	t.Helper()
	tx, err := conn.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.UpsertWorkspaceConfigTx(context.Background(), tx, "ws-1", config.Default("ws-1"), repo.Timestamp(testutil.Epoch)))
	require.NoError(t, tx.Commit())
}
