package gate

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

const maxFileBytes = 256 << 10

var skipDirs = map[string]bool{".git": true, ".stageline": true, "node_modules": true, "vendor": true}

// FromDirectory collects slash-separated relative paths under root and the
// content of every file small enough to scan.
func FromDirectory(root string) (Context, error) {
	c := Context{Files: map[string]string{}}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		c.Paths = append(c.Paths, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() <= maxFileBytes {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			c.Files[rel] = string(data)
		}
		return nil
	})
	sort.Strings(c.Paths)
	return c, err
}

// ForWorkItem builds a context from persisted evidence: documents appear as
// "<type>.md" files, artifacts and the current release metrics are attached.
func ForWorkItem(ctx context.Context, r repo.Repo, item domain.WorkItem) (Context, error) {
	c := Context{Stage: item.Stage, Files: map[string]string{}}
	docs, err := r.ListDocuments(ctx, nil, item.ID)
	if err != nil {
		return c, err
	}
	for _, d := range docs {
		name := d.Type + ".md"
		if _, seen := c.Files[name]; !seen {
			c.Paths = append(c.Paths, name)
		}
		c.Files[name] = d.Content
	}
	arts, err := r.ListArtifacts(ctx, nil, item.ID, "")
	if err != nil {
		return c, err
	}
	c.Artifacts = arts
	for _, a := range arts {
		if a.Path != "" {
			c.Paths = append(c.Paths, a.Path)
		}
	}
	c.Metrics = CurrentMetrics(item.Metadata)
	return c, nil
}

// Merge overlays other onto c. Files and metrics in other win.
func (c Context) Merge(other Context) Context {
	out := Context{Stage: c.Stage, Files: map[string]string{}, Metrics: map[string]float64{}}
	if other.Stage != "" {
		out.Stage = other.Stage
	}
	out.Paths = append(append(out.Paths, c.Paths...), other.Paths...)
	out.Artifacts = append(append(out.Artifacts, c.Artifacts...), other.Artifacts...)
	for k, v := range c.Files {
		out.Files[k] = v
	}
	for k, v := range other.Files {
		out.Files[k] = v
	}
	for k, v := range c.Metrics {
		out.Metrics[k] = v
	}
	for k, v := range other.Metrics {
		out.Metrics[k] = v
	}
	return out
}

// CurrentMetrics reads metadata["release_metrics"]["current"] as a metric map.
// Values may be JSON numbers or numeric strings; anything else is ignored.
func CurrentMetrics(metadata map[string]any) map[string]float64 {
	out := map[string]float64{}
	rm, ok := metadata["release_metrics"].(map[string]any)
	if !ok {
		return out
	}
	cur, ok := rm["current"].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range cur {
		if f, err := toFloat(v); err == nil {
			out[k] = f
		}
	}
	return out
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, errors.New("not a number")
}

// Outcome is the result of one named gate definition.
type Outcome struct {
	GateID         string          `json:"gate_id"`
	Name           string          `json:"name"`
	Type           domain.GateType `json:"type"`
	Required       bool            `json:"required"`
	Passed         bool            `json:"passed"`
	Message        string          `json:"message"`
	FailureMessage string          `json:"failure_message,omitempty"`
}

type Report struct {
	Stage    domain.Stage `json:"stage"`
	Passed   bool         `json:"passed"`
	Outcomes []Outcome    `json:"outcomes"`
}

// EvaluateAll runs every definition. The report passes when every required gate passes.
func EvaluateAll(stage domain.Stage, defs []domain.GateDefinition, c Context) Report {
	rep := Report{Stage: stage, Passed: true, Outcomes: []Outcome{}}
	for _, def := range defs {
		res := Evaluate(FromDefinition(def), c)
		out := Outcome{
			GateID:   def.ID,
			Name:     def.Name,
			Type:     def.Type,
			Required: def.Required,
			Passed:   res.Passed,
			Message:  res.Message,
		}
		if !res.Passed {
			out.FailureMessage = def.FailureMessage
			if def.Required {
				rep.Passed = false
			}
		}
		rep.Outcomes = append(rep.Outcomes, out)
	}
	return rep
}
