// Package gate evaluates single gate definitions against supplied evidence.
//
// Gates form a closed set. Each variant implements the unexported isGate
// method so the type switch in Evaluate is the one place that must change
// when a variant is added.
package gate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"stageline/internal/domain"
)

type Gate interface {
	isGate()
}

// ExistenceGate passes when any path matches Pattern.
type ExistenceGate struct {
	Pattern string `json:"pattern"`
}

// ContentGate passes when File contains every entry of Sections.
type ContentGate struct {
	File     string   `json:"file"`
	Sections []string `json:"sections"`
}

// ArtifactGate passes when a persisted artifact for the current stage has ArtifactType
// and, if set, a label containing LabelContains.
type ArtifactGate struct {
	ArtifactType  string `json:"artifact_type"`
	LabelContains string `json:"label_contains,omitempty"`
}

type MetricThresholdGate struct {
	Metric    string   `json:"metric"`
	Operator  Operator `json:"operator"`
	Threshold float64  `json:"threshold"`
}

// UnknownGate carries a type tag no variant handles.
type UnknownGate struct {
	Type string
}

// InvalidGate carries a known type whose configuration could not be decoded.
type InvalidGate struct {
	Type domain.GateType
	Err  error
}

func (ExistenceGate) isGate()       {}
func (ContentGate) isGate()         {}
func (ArtifactGate) isGate()        {}
func (MetricThresholdGate) isGate() {}
func (UnknownGate) isGate()         {}
func (InvalidGate) isGate()         {}

type Operator string

const (
	OpGTE Operator = ">="
	OpGT  Operator = ">"
	OpLTE Operator = "<="
	OpLT  Operator = "<"
	OpEQ  Operator = "=="
)

// Compare applies the operator. ok is false for an unrecognized operator.
func (op Operator) Compare(value, threshold float64) (passed, ok bool) {
	switch op {
	case OpGTE:
		return value >= threshold, true
	case OpGT:
		return value > threshold, true
	case OpLTE:
		return value <= threshold, true
	case OpLT:
		return value < threshold, true
	case OpEQ:
		return value == threshold, true
	}
	return false, false
}

// Context is the evidence a gate may read. Every field is optional.
type Context struct {
	Stage     domain.Stage
	Paths     []string
	Files     map[string]string
	Artifacts []domain.Artifact
	Metrics   map[string]float64
}

type Result struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// FromDefinition decodes a stored definition into its variant.
func FromDefinition(def domain.GateDefinition) Gate {
	switch def.Type {
	case domain.GateExistence:
		var g ExistenceGate
		if err := unmarshal(def.Config, &g); err != nil {
			return InvalidGate{Type: def.Type, Err: err}
		}
		return g
	case domain.GateContent:
		var g ContentGate
		if err := unmarshal(def.Config, &g); err != nil {
			return InvalidGate{Type: def.Type, Err: err}
		}
		return g
	case domain.GateArtifact:
		var g ArtifactGate
		if err := unmarshal(def.Config, &g); err != nil {
			return InvalidGate{Type: def.Type, Err: err}
		}
		return g
	case domain.GateMetricThreshold:
		var g MetricThresholdGate
		if err := unmarshal(def.Config, &g); err != nil {
			return InvalidGate{Type: def.Type, Err: err}
		}
		if _, ok := g.Operator.Compare(0, 0); !ok {
			return InvalidGate{Type: def.Type, Err: fmt.Errorf("unsupported operator %q", g.Operator)}
		}
		return g
	}
	return UnknownGate{Type: string(def.Type)}
}

func unmarshal(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// Evaluate checks one gate. It never panics and never returns an error; an
// unsupported gate is a failed result naming its type.
func Evaluate(g Gate, c Context) Result {
	switch g := g.(type) {
	case ExistenceGate:
		return evalExistence(g, c)
	case ContentGate:
		return evalContent(g, c)
	case ArtifactGate:
		return evalArtifact(g, c)
	case MetricThresholdGate:
		return evalMetric(g, c)
	case InvalidGate:
		return Result{Message: fmt.Sprintf("invalid %s gate config: %v", g.Type, g.Err)}
	case UnknownGate:
		return Result{Message: fmt.Sprintf("unknown gate type: %s", g.Type)}
	}
	return Result{Message: fmt.Sprintf("unknown gate type: %T", g)}
}

// MatchPattern supports a plain suffix, "*.ext" and "**/segment" containment.
func MatchPattern(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	switch {
	case strings.HasPrefix(pattern, "**/"):
		return strings.Contains(path, strings.TrimPrefix(pattern, "**/"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(path, strings.TrimPrefix(pattern, "*"))
	}
	return strings.HasSuffix(path, pattern)
}

func evalExistence(g ExistenceGate, c Context) Result {
	for _, p := range c.Paths {
		if MatchPattern(g.Pattern, p) {
			return Result{Passed: true, Message: fmt.Sprintf("found %s matching %s", p, g.Pattern)}
		}
	}
	return Result{Message: fmt.Sprintf("no file matches %s", g.Pattern)}
}

func evalContent(g ContentGate, c Context) Result {
	content, ok := c.lookupFile(g.File)
	if !ok {
		return Result{Message: fmt.Sprintf("file %s not found", g.File)}
	}
	var missing []string
	for _, s := range g.Sections {
		if !strings.Contains(content, s) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return Result{Message: "missing sections: " + strings.Join(missing, ", ")}
	}
	return Result{Passed: true, Message: fmt.Sprintf("%s contains all %d sections", g.File, len(g.Sections))}
}

func evalArtifact(g ArtifactGate, c Context) Result {
	for _, a := range c.Artifacts {
		if c.Stage != "" && a.Stage != c.Stage {
			continue
		}
		if a.Type != g.ArtifactType {
			continue
		}
		if g.LabelContains != "" && !strings.Contains(a.Label, g.LabelContains) {
			continue
		}
		return Result{Passed: true, Message: fmt.Sprintf("artifact %s found", a.ID)}
	}
	if g.LabelContains != "" {
		return Result{Message: fmt.Sprintf("no %s artifact with label containing %q", g.ArtifactType, g.LabelContains)}
	}
	return Result{Message: fmt.Sprintf("no %s artifact", g.ArtifactType)}
}

func evalMetric(g MetricThresholdGate, c Context) Result {
	value, ok := c.Metrics[g.Metric]
	if !ok {
		return Result{Message: fmt.Sprintf("metric %s not found", g.Metric)}
	}
	passed, known := g.Operator.Compare(value, g.Threshold)
	if !known {
		return Result{Message: fmt.Sprintf("unsupported operator %q", g.Operator)}
	}
	msg := fmt.Sprintf("%s = %g (%s %g)", g.Metric, value, g.Operator, g.Threshold)
	return Result{Passed: passed, Message: msg}
}

// lookupFile finds content by exact path, then by the shortest path ending in "/"+name.
func (c Context) lookupFile(name string) (string, bool) {
	if content, ok := c.Files[name]; ok {
		return content, true
	}
	var candidates []string
	for p := range c.Files {
		if strings.HasSuffix(p, "/"+name) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) < len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})
	return c.Files[candidates[0]], true
}
