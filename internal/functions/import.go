// ABOUTME: Bulk import of a whole source file into a module group
// ABOUTME: Splits public functions from preamble and matches tests by name

package functions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/2389/toolhost/internal/script"
)

// ErrNothingToImport indicates the source defines no public top-level functions.
var ErrNothingToImport = errors.New("no public functions to import")

// ImportRequest describes a bulk import.
type ImportRequest struct {
	Source   string
	Filename string
	// ModuleGroup defaults to Filename's base name without extension.
	ModuleGroup string
	TestSource  string
	SkipTests   bool
}

// ImportOutcome is the per-function result of a bulk import.
type ImportOutcome struct {
	Version    int
	Activated  bool
	TestStatus string
	Tests      []string
	Err        error
}

// ImportReport summarizes a bulk import.
type ImportReport struct {
	ModuleGroup    string
	PreambleSet    bool
	Order          []string
	Functions      map[string]*ImportOutcome
	UnmatchedTests []string
}

// ImportBulk registers every public top-level function of req.Source as a new
// version in one module group. The non-function remainder becomes the group
// preamble. Test routines in req.TestSource are attached to the function
// their name maps to; non-test statements of the test source are shared by
// every attached test. Per-function failures are reported, not returned.
func (s *Service) ImportBulk(ctx context.Context, req ImportRequest) (*ImportReport, error) {
	group := req.ModuleGroup
	if group == "" {
		base := filepath.Base(req.Filename)
		group = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if !identifierRe.MatchString(group) {
		return nil, fmt.Errorf("%w: module group %q", ErrInvalidName, group)
	}

	label := req.Filename
	if label == "" {
		label = group
	}

	defs, preamble, err := script.Split(req.Source, label, script.IsPublic)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("%s: %w", label, ErrNothingToImport)
	}

	report := &ImportReport{
		ModuleGroup: group,
		Functions:   make(map[string]*ImportOutcome, len(defs)),
	}

	if strings.TrimSpace(preamble) != "" {
		if err := s.SetPreamble(ctx, group, preamble, "imported from "+label); err != nil {
			return nil, fmt.Errorf("setting preamble: %w", err)
		}
		report.PreambleSet = true
	}

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}

	plan, err := planTests(req.TestSource, label, names)
	if err != nil {
		return nil, err
	}
	report.UnmatchedTests = plan.unmatched

	for _, d := range defs {
		outcome := &ImportOutcome{}
		report.Order = append(report.Order, d.Name)
		report.Functions[d.Name] = outcome

		var testCode string
		if matched := plan.byFunction[d.Name]; len(matched) > 0 {
			testCode = plan.assemble(matched)
			for _, td := range matched {
				outcome.Tests = append(outcome.Tests, td.Name)
			}
		}

		res, err := s.Register(ctx, RegisterRequest{
			Name:        d.Name,
			ModuleGroup: group,
			Code:        d.Source,
			TestCode:    testCode,
			Description: d.Doc,
			SkipTests:   req.SkipTests,
		})
		if err != nil {
			outcome.Err = err
			s.logger.Warn("import: function rejected", "name", d.Name, "error", err)
			continue
		}
		outcome.Version = res.Version
		outcome.Activated = res.Activated
		outcome.TestStatus = res.TestStatus
	}

	s.logger.Info("=== MODULE IMPORTED ===",
		"module_group", group,
		"functions", len(defs),
		"preamble", report.PreambleSet,
		"unmatched_tests", len(report.UnmatchedTests),
	)
	return report, nil
}

// testPlan holds test routines grouped by the function they target.
type testPlan struct {
	helpers    string
	byFunction map[string][]script.Definition
	unmatched  []string
}

func planTests(testSource, label string, functions []string) (*testPlan, error) {
	plan := &testPlan{byFunction: make(map[string][]script.Definition)}
	if strings.TrimSpace(testSource) == "" {
		return plan, nil
	}

	testDefs, helpers, err := script.Split(testSource, label+" tests", script.IsTestName)
	if err != nil {
		return nil, err
	}
	plan.helpers = helpers
	for _, td := range testDefs {
		target := script.TestTarget(td.Name, functions)
		if target == "" {
			plan.unmatched = append(plan.unmatched, td.Name)
			continue
		}
		plan.byFunction[target] = append(plan.byFunction[target], td)
	}
	return plan, nil
}

// assemble joins the shared helpers with the given test routines.
func (p *testPlan) assemble(tests []script.Definition) string {
	var b strings.Builder
	if strings.TrimSpace(p.helpers) != "" {
		b.WriteString(p.helpers)
		b.WriteString("\n")
	}
	for i, td := range tests {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(td.Source)
	}
	return b.String()
}
