package gate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
)

func TestUnknownGateTypeFailsWithTypeName(t *testing.T) {
	g := FromDefinition(domain.GateDefinition{ID: "x", Type: "telepathy"})
	res := Evaluate(g, Context{})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "telepathy")
}

func TestExistencePatterns(t *testing.T) {
	paths := []string{"docs/prd.md", "web/src/Button.stories.tsx", "research/interviews/notes.txt"}
	cases := []struct {
		pattern string
		want    bool
	}{
		{"prd.md", true},
		{"design.md", false},
		{"*.stories.tsx", true},
		{"*.test.tsx", false},
		{"**/interviews", true},
		{"**/surveys", false},
		{"", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern, func(t *testing.T) {
			res := Evaluate(ExistenceGate{Pattern: tc.pattern}, Context{Paths: paths})
			assert.Equal(t, tc.want, res.Passed, res.Message)
		})
	}
}

func TestContentListsMissingSectionsInOrder(t *testing.T) {
	c := Context{Files: map[string]string{"prd.md": "# PRD\n## Problem\nusers churn\n"}}
	g := ContentGate{File: "prd.md", Sections: []string{"## Goals", "## Problem", "## Success Metrics"}}
	res := Evaluate(g, c)
	want := Result{Passed: false, Message: "missing sections: ## Goals, ## Success Metrics"}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("content result mismatch (-want +got):\n%s", diff)
	}

	c.Files["prd.md"] += "## Goals\n## Success Metrics\n"
	assert.True(t, Evaluate(g, c).Passed)
}

func TestContentResolvesNestedFile(t *testing.T) {
	c := Context{Files: map[string]string{"docs/deep/prd.md": "## Problem"}}
	res := Evaluate(ContentGate{File: "prd.md", Sections: []string{"## Problem"}}, c)
	assert.True(t, res.Passed, res.Message)

	res = Evaluate(ContentGate{File: "design.md", Sections: []string{"x"}}, c)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "not found")
}

func TestArtifactMatchesStageTypeAndLabel(t *testing.T) {
	c := Context{
		Stage: domain.StagePrototype,
		Artifacts: []domain.Artifact{
			{ID: "a1", Stage: domain.StageDesign, Type: "figma", Label: "flows v2"},
			{ID: "a2", Stage: domain.StagePrototype, Type: "storybook", Label: "checkout flow"},
		},
	}
	assert.True(t, Evaluate(ArtifactGate{ArtifactType: "storybook"}, c).Passed)
	assert.True(t, Evaluate(ArtifactGate{ArtifactType: "storybook", LabelContains: "checkout"}, c).Passed)
	assert.False(t, Evaluate(ArtifactGate{ArtifactType: "storybook", LabelContains: "onboarding"}, c).Passed)
	// figma exists but for another stage
	assert.False(t, Evaluate(ArtifactGate{ArtifactType: "figma"}, c).Passed)
}

func TestMetricOperators(t *testing.T) {
	ops := []Operator{OpGTE, OpGT, OpLTE, OpLT, OpEQ}
	values := []float64{0.1, 0.5, 0.9}
	literal := func(op Operator, v, th float64) bool {
		switch op {
		case OpGTE:
			return v >= th
		case OpGT:
			return v > th
		case OpLTE:
			return v <= th
		case OpLT:
			return v < th
		default:
			return v == th
		}
	}
	for _, op := range ops {
		for _, v := range values {
			g := MetricThresholdGate{Metric: "activation", Operator: op, Threshold: 0.5}
			res := Evaluate(g, Context{Metrics: map[string]float64{"activation": v}})
			assert.Equalf(t, literal(op, v, 0.5), res.Passed, "%v %s 0.5", v, op)
		}
	}
}

func TestMetricAbsentAlwaysFails(t *testing.T) {
	for _, op := range []Operator{OpGTE, OpGT, OpLTE, OpLT, OpEQ} {
		res := Evaluate(MetricThresholdGate{Metric: "nps", Operator: op}, Context{Metrics: map[string]float64{"other": 1}})
		assert.False(t, res.Passed)
		assert.Contains(t, res.Message, "not found")
	}
}

func TestFromDefinitionDecodesConfig(t *testing.T) {
	raw, err := json.Marshal(map[string]any{"metric": "error_rate", "operator": "<=", "threshold": 0.05})
	require.NoError(t, err)
	g := FromDefinition(domain.GateDefinition{Type: domain.GateMetricThreshold, Config: raw})
	want := MetricThresholdGate{Metric: "error_rate", Operator: OpLTE, Threshold: 0.05}
	if diff := cmp.Diff(want, g); diff != "" {
		t.Fatalf("decoded gate mismatch (-want +got):\n%s", diff)
	}

	bad := FromDefinition(domain.GateDefinition{Type: domain.GateMetricThreshold, Config: json.RawMessage(`{"metric":"x","operator":"~"}`)})
	res := Evaluate(bad, Context{Metrics: map[string]float64{"x": 1}})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "invalid")
}

func TestEvaluateAllOnlyRequiredGatesBlock(t *testing.T) {
	defs := []domain.GateDefinition{
		{ID: "prd", Name: "prd", Type: domain.GateExistence, Required: true, Config: json.RawMessage(`{"pattern":"prd.md"}`)},
		{ID: "stories", Name: "stories", Type: domain.GateExistence, Config: json.RawMessage(`{"pattern":"*.stories.tsx"}`), FailureMessage: "add stories"},
	}
	rep := EvaluateAll(domain.StagePRD, defs, Context{Paths: []string{"prd.md"}})
	require.Len(t, rep.Outcomes, 2)
	assert.True(t, rep.Passed)
	assert.Equal(t, "add stories", rep.Outcomes[1].FailureMessage)

	rep = EvaluateAll(domain.StagePRD, defs, Context{})
	assert.False(t, rep.Passed)
}

func TestFromDirectorySkipsStateDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".stageline"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "prd.md"), []byte("## Problem"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".stageline", "stageline.db"), []byte("x"), 0o644))

	c, err := FromDirectory(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/prd.md"}, c.Paths)
	assert.Equal(t, "## Problem", c.Files["docs/prd.md"])
}

func TestCurrentMetricsAcceptsNumbersAndStrings(t *testing.T) {
	meta := map[string]any{"release_metrics": map[string]any{"current": map[string]any{
		"error_rate": 0.01, "activation_rate": "0.4", "label": "n/a",
	}}}
	got := CurrentMetrics(meta)
	want := map[string]float64{"error_rate": 0.01, "activation_rate": 0.4}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("metrics mismatch (-want +got):\n%s", diff)
	}
}
