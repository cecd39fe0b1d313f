package scenarios

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/events"
)

const SummaryFile = "summary.json"

// parsedFields is the number of top-level fields in a parsed requirement.
const parsedFields = 3

// Runner runs the pipeline on one requirement text.
type Runner interface {
	Run(ctx context.Context, text, sessionID string) (domain.PipelineResult, error)
}

// Auditor is implemented by runners that keep an event log. A batch run is
// recorded as one scenarios.run event.
type Auditor interface {
	Audit(ctx context.Context, evtType, entityKind, entityID string, payload events.EventPayload)
}

// Counts summarizes one scenario result.
type Counts struct {
	Parsed    int `json:"parsed"`
	Conflicts int `json:"conflicts"`
	APIPaths  int `json:"api_paths"`
}

// Summary maps a scenario filename to its counts.
type Summary map[string]Counts

// Names returns the scenario filenames in sorted order.
func (s Summary) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Driver runs every .txt scenario in Dir and writes results to ResultsDir.
type Driver struct {
	Runner     Runner
	Dir        string
	ResultsDir string
	Logger     *log.Logger
}

func (d Driver) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// RunAll runs each scenario file, writes <name>.json per scenario and a
// summary.json for the batch. Blank scenario files are skipped.
func (d Driver) RunAll(ctx context.Context) (Summary, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	if err := os.MkdirAll(d.ResultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}
	summary := Summary{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("read scenario %s: %w", name, err)
		}
		text := string(data)
		if err := engine.ValidateText(text); err != nil {
			d.logger().Printf("scenarios: skipping %s: %v", name, err)
			continue
		}
		res, err := d.Runner.Run(ctx, text, "")
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", name, err)
		}
		out := filepath.Join(d.ResultsDir, strings.TrimSuffix(name, ".txt")+".json")
		if err := engine.WriteJSON(out, res); err != nil {
			return nil, fmt.Errorf("write result for %s: %w", name, err)
		}
		summary[name] = Counts{
			Parsed:    parsedFields,
			Conflicts: len(res.Conflicts),
			APIPaths:  len(res.API.Paths),
		}
	}
	if err := engine.WriteJSON(filepath.Join(d.ResultsDir, SummaryFile), summary); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	if a, ok := d.Runner.(Auditor); ok {
		a.Audit(ctx, events.TypeScenariosRun, "scenario_batch", d.Dir, events.EventPayload{
			"scenarios": len(summary),
			"results":   d.ResultsDir,
		})
	}
	d.logger().Printf("scenarios: executed %d scenarios, summary written to %s", len(summary), filepath.Join(d.ResultsDir, SummaryFile))
	return summary, nil
}
