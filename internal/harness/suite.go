package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ScenarioNotFoundError is returned when a scenario path doesn't exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario file %q does not exist", e.Path)
}

// FindScenarios expands paths into scenario files. Directories contribute
// their *.yaml and *.yml files in lexical order; files are taken as given.
func FindScenarios(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			return nil, &ScenarioNotFoundError{Path: p}
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}

		var found []string
		for _, pattern := range []string{"*.yaml", "*.yml"} {
			matches, err := filepath.Glob(filepath.Join(p, pattern))
			if err != nil {
				return nil, fmt.Errorf("glob %s: %w", p, err)
			}
			found = append(found, matches...)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

// SuiteResult summarizes a batch of scenario runs.
type SuiteResult struct {
	TotalScenarios int               `json:"total_scenarios"`
	Passed         int               `json:"passed"`
	Failed         int               `json:"failed"`
	Results        []ScenarioOutcome `json:"results"`
	Failures       []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioOutcome is the per-scenario line of a suite report.
type ScenarioOutcome struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Pass   bool   `json:"pass"`
	Events int    `json:"events"`
	Digest string `json:"digest,omitempty"`
}

// ScenarioFailure represents a scenario that failed to load, run or pass.
type ScenarioFailure struct {
	Name         string `json:"name,omitempty"`
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// RunSuite loads and runs every scenario file.
//
// For each file:
// 1. Load and validate the scenario
// 2. Run it via harness.Run
// 3. Collect pass/fail and the failure reason
func RunSuite(paths []string, opts ...Option) *SuiteResult {
	result := &SuiteResult{Results: []ScenarioOutcome{}}

	for _, path := range paths {
		result.TotalScenarios++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(ScenarioFailure{
				ScenarioPath: path,
				Error:        fmt.Sprintf("failed to load scenario: %v", err),
			})
			continue
		}

		runResult, err := Run(scenario, opts...)
		if err != nil {
			result.fail(ScenarioFailure{
				Name:         scenario.Name,
				ScenarioPath: path,
				Error:        fmt.Sprintf("scenario execution failed: %v", err),
			})
			continue
		}

		result.Results = append(result.Results, ScenarioOutcome{
			Name:   scenario.Name,
			Path:   path,
			Pass:   runResult.Pass,
			Events: len(runResult.Trace),
			Digest: runResult.Digest,
		})
		if !runResult.Pass {
			result.fail(ScenarioFailure{
				Name:         scenario.Name,
				ScenarioPath: path,
				Error:        fmt.Sprintf("scenario assertions failed: %v", runResult.Errors),
			})
			continue
		}
		result.Passed++
	}

	return result
}

func (r *SuiteResult) fail(f ScenarioFailure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
}
