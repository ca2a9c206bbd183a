package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/causalog/internal/harness"
)

// ValidationError is one problem found by validate.
type ValidationError struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Config    string            `json:"config,omitempty"`
	Scenarios int               `json:"scenarios"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [scenario-file-or-dir...]",
		Short: "Validate configuration and scenario files",
		Long: `Validate the node configuration and, optionally, scenario files without
running anything. Directories are searched for *.yaml scenarios.

Examples:
  causalog validate --config causalog.yaml
  causalog validate ./scenarios`,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts)
	result := ValidationResult{Config: opts.Config}

	if _, err := loadConfig(opts); err != nil {
		name := opts.Config
		if name == "" {
			name = "<defaults>"
		}
		result.Errors = append(result.Errors, ValidationError{File: name, Message: err.Error()})
	}

	files, err := scenarioPaths(paths)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list scenarios", err)
	}
	for _, f := range files {
		formatter.VerboseLog("validating %s", f)
		if _, err := harness.LoadScenario(f); err != nil {
			result.Errors = append(result.Errors, ValidationError{File: f, Message: err.Error()})
			continue
		}
		result.Scenarios++
	}
	result.Valid = len(result.Errors) == 0

	if formatter.JSON() {
		var failure *CLIError
		if !result.Valid {
			failure = &CLIError{Code: CodeInvalid, Message: fmt.Sprintf("%d problem(s) found", len(result.Errors))}
		}
		if err := formatter.Result(result, failure); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		for _, e := range result.Errors {
			fmt.Fprintf(w, "✗ %s: %s\n", e.File, e.Message)
		}
		if result.Valid {
			fmt.Fprintf(w, "✓ Configuration valid, %d scenario(s) valid\n", result.Scenarios)
		}
	}
	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d problem(s) found", len(result.Errors)))
	}
	return nil
}

// scenarioPaths expands directories to the *.yaml files they hold.
func scenarioPaths(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		files, err := filepath.Glob(filepath.Join(p, "*.yaml"))
		if err != nil {
			return nil, err
		}
		out = append(out, files...)
	}
	return out, nil
}
