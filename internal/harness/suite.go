package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult is the outcome of running every scenario in a directory.
type SuiteResult struct {
	Total   int                `json:"total"`
	Passed  int                `json:"passed"`
	Failed  int                `json:"failed"`
	Results map[string]*Result `json:"results"`
	// Order lists scenario names in the order they ran.
	Order []string `json:"order"`
}

// OK reports whether every scenario passed.
func (r *SuiteResult) OK() bool {
	return r.Failed == 0
}

// RunDir loads and runs every *.yaml or *.yml scenario in dir, in file name
// order. A non-empty filter is a glob matched against the file name without
// its extension. A scenario that fails to load or run is an error; a
// scenario whose assertions fail is counted in Failed.
func RunDir(ctx context.Context, dir, filter string) (*SuiteResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(e.Name(), ext))
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				continue
			}
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	suite := &SuiteResult{Results: make(map[string]*Result, len(paths))}
	for _, path := range paths {
		scenario, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if _, dup := suite.Results[scenario.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate scenario name %q", filepath.Base(path), scenario.Name)
		}

		result, err := RunContext(ctx, scenario)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
		}
		suite.Results[scenario.Name] = result
		suite.Order = append(suite.Order, scenario.Name)
		suite.Total++
		if result.Pass {
			suite.Passed++
		} else {
			suite.Failed++
		}
	}
	return suite, nil
}
