package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/causalog/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // "match", "updated" or "absent"
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario files against fresh nodes",
		Long: `Run scenario files through the invocation pipeline of fresh, temporary
nodes, checking expectations, assertions and golden traces.

The golden trace of scenario.yaml is golden/scenario.golden next to it.
A scenario without a golden file is checked by its assertions only.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  causalog test ./scenarios
  causalog test ./scenarios --filter "ethereum_*"
  causalog test ./scenarios --update
  causalog test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := newFormatter(cmd, opts.RootOptions)

	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}
	files, err := findScenarioFiles(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logs := io.Discard
	if opts.Verbose {
		logs = cmd.ErrOrStderr()
	}
	logger := cfg.Logger(logs)
	hopts := []harness.Option{
		harness.WithLogger(logger),
		harness.WithEngineOptions(cfg.EngineOptions(logger)...),
	}

	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		out.VerboseLog("running %s", file)
		sr := runScenario(ctx, file, opts, hopts)
		if !out.JSON() {
			printScenario(out.Writer, sr)
		}
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	var failure *CLIError
	if result.Failed > 0 {
		failure = &CLIError{Code: CodeTestFailed, Message: fmt.Sprintf("%d scenario(s) failed", result.Failed)}
	}
	if out.JSON() {
		if err := out.Result(result, failure); err != nil {
			return err
		}
	} else {
		outputTestText(out.Writer, result)
	}
	if failure != nil {
		return NewExitError(ExitFailure, failure.Message)
	}
	return nil
}

// findScenarioFiles lists *.yaml files in dir whose base name, without the
// extension, matches filter.
func findScenarioFiles(dir, filter string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	if filter == "" {
		return files, nil
	}
	if _, err := filepath.Match(filter, ""); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", filter, err)
	}
	var out []string
	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		if ok, _ := filepath.Match(filter, name); ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func runScenario(ctx context.Context, file string, opts *TestOptions, hopts []harness.Option) ScenarioResult {
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	sc, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{Name: name, Errors: []string{err.Error()}}
	}
	sr := ScenarioResult{Name: sc.Name}

	res, err := harness.Run(ctx, sc, hopts...)
	if err != nil {
		sr.Errors = append(sr.Errors, err.Error())
		return sr
	}
	sr.Errors = append(sr.Errors, res.Errors...)

	trace := []byte(res.TraceText())
	golden := goldenFilePath(file)
	switch want, err := os.ReadFile(golden); {
	case opts.Update:
		if err := writeGolden(golden, trace); err != nil {
			sr.Errors = append(sr.Errors, err.Error())
		}
		sr.Golden = "updated"
	case os.IsNotExist(err):
		sr.Golden = "absent"
	case err != nil:
		sr.Errors = append(sr.Errors, fmt.Sprintf("failed to read golden file: %v", err))
	case !bytes.Equal(want, trace):
		sr.Errors = append(sr.Errors, "trace does not match golden file (run with --update to regenerate)")
	default:
		sr.Golden = "match"
	}

	sr.Pass = len(sr.Errors) == 0
	return sr
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(scenarioFile string) string {
	dir := filepath.Dir(scenarioFile)
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

func writeGolden(path string, trace []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, trace, 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

func printScenario(w io.Writer, sr ScenarioResult) {
	if sr.Pass {
		suffix := ""
		if sr.Golden == "updated" {
			suffix = " (golden updated)"
		}
		fmt.Fprintf(w, "✓ %s%s\n", sr.Name, suffix)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", sr.Name)
	for _, e := range sr.Errors {
		fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(strings.TrimRight(e, "\n"), "\n", "\n  "))
	}
}

// outputTestText outputs the test summary as text.
func outputTestText(w io.Writer, result TestResult) {
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed == 0 {
		fmt.Fprintln(w, "✓ All scenarios passed")
	}
}
