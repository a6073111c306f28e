package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/telecommand/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern on the file name)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "updated" or "mismatch"
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// String renders the result for text output.
func (r TestResult) String() string {
	if r.Total == 0 {
		return "No scenarios found."
	}
	var b strings.Builder
	for _, s := range r.Scenarios {
		mark := "✓"
		if !s.Pass {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%s %s", mark, s.Name)
		if s.Golden == "updated" {
			b.WriteString(" (golden updated)")
		}
		b.WriteByte('\n')
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "  %s\n", strings.TrimRight(e, "\n"))
		}
	}
	fmt.Fprintf(&b, "\n%d passed, %d failed, %d total", r.Passed, r.Failed, r.Total)
	return b.String()
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenario-path>...",
		Short: "Run scenario suites against the simulated spacecraft",
		Long: `Run YAML scenarios against a fresh engine and simulated spacecraft.

Each scenario names its own catalog and world. Step expectations and
assertions decide pass or fail. When golden/<file>.golden exists next to a
scenario, its trace must also match; --update rewrites those files.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Scenario path not found or bad filter

Examples:
  telecommand test ./scenarios
  telecommand test ./scenarios --filter "safe_*"
  telecommand test ./scenarios/link_faults.yaml --update
  telecommand test ./scenarios --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, paths []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	files, err := harness.FindScenarios(paths...)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot find scenarios", err)
	}
	files, err = filterScenarios(files, opts.Filter)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	result := TestResult{Scenarios: []ScenarioResult{}}
	if len(files) == 0 {
		return formatter.Success(result)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	suite, err := harness.RunSuite(ctx, opts.logger(), files...)
	if err != nil && suite == nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot run scenarios", err)
	}

	failures := make(map[string]harness.ScenarioFailure, len(suite.Failures))
	for _, f := range suite.Failures {
		failures[f.ScenarioPath] = f
	}
	for _, path := range files {
		sr := ScenarioResult{Name: scenarioName(path), Path: path, Pass: true}
		if f, ok := failures[path]; ok {
			sr.Pass = false
			sr.Errors = f.Errors
			if f.Name != "" {
				sr.Name = f.Name
			}
		}
		run, ran := suite.Results[path]
		if !ran && sr.Pass {
			// Interrupted before this scenario ran.
			continue
		}
		if ran {
			sr.Name = run.Name
			checkGolden(&sr, run, opts.Update)
		}
		result.Total++
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Scenarios = append(result.Scenarios, sr)
	}

	if err != nil {
		_ = formatter.Failure(result, ErrCodeGeneric, err.Error())
		return WrapExitError(ExitFailure, "scenario run interrupted", err)
	}
	if result.Failed > 0 {
		msg := fmt.Sprintf("%d of %d scenario(s) failed", result.Failed, result.Total)
		_ = formatter.Failure(result, ErrCodeGeneric, msg)
		return NewExitError(ExitFailure, msg)
	}
	return formatter.Success(result)
}

// filterScenarios keeps files whose base name, without extension, matches
// the glob pattern.
func filterScenarios(files []string, pattern string) ([]string, error) {
	if pattern == "" {
		return files, nil
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid filter pattern %q: %w", pattern, err)
	}
	var kept []string
	for _, f := range files {
		if ok, _ := filepath.Match(pattern, scenarioName(f)); ok {
			kept = append(kept, f)
		}
	}
	return kept, nil
}

func scenarioName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	return filepath.Join(filepath.Dir(scenarioFile), "golden", scenarioName(scenarioFile)+".golden")
}

// checkGolden compares the trace with the scenario's golden file, or
// rewrites it when update is set. A missing golden file is not checked.
func checkGolden(sr *ScenarioResult, run *harness.Result, update bool) {
	current, err := harness.MarshalTrace(run.Name, run.Trace)
	if err != nil {
		sr.fail(fmt.Sprintf("marshal trace: %v", err))
		return
	}
	path := goldenFilePath(sr.Path)

	if update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			sr.fail(fmt.Sprintf("create golden directory: %v", err))
			return
		}
		if err := os.WriteFile(path, current, 0o644); err != nil {
			sr.fail(fmt.Sprintf("write golden file: %v", err))
			return
		}
		sr.Golden = "updated"
		return
	}

	want, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		sr.fail(fmt.Sprintf("read golden file: %v", err))
		return
	}
	if !bytes.Equal(bytes.TrimSpace(want), bytes.TrimSpace(current)) {
		sr.Golden = "mismatch"
		sr.fail("trace does not match golden file (run with --update to regenerate)")
		return
	}
	sr.Golden = "match"
}

func (sr *ScenarioResult) fail(msg string) {
	sr.Pass = false
	sr.Errors = append(sr.Errors, msg)
}
