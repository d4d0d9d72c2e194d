package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adrianco/consciousness-sub000/internal/policy"
)

// ValidationIssue is one policy compile error in command output.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult is the validate command's payload.
type ValidationResult struct {
	Valid       bool              `json:"valid"`
	Constraints int               `json:"constraints"`
	Calibration int               `json:"calibrations"`
	Issues      []ValidationIssue `json:"issues,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <constraints-dir>",
		Short: "Compile safety constraint documents and report errors",
		Long: `Compile the CUE safety policy (constraints and sensor calibrations)
exactly as the run command would, reporting every compile error instead
of stopping at the first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	set, errs := policy.LoadDir(dir)
	if set == nil && len(errs) > 0 {
		// Nothing loaded at all: bad path, unreadable files.
		_ = formatter.Failure("E_LOAD", errs[0].Error(), nil)
		return WrapExitError(ExitCommandError, "policy load failed", errs[0])
	}

	result := ValidationResult{Valid: len(errs) == 0}
	if set != nil {
		result.Constraints = len(set.Constraints)
		result.Calibration = len(set.Calibrations)
	}
	for _, err := range errs {
		result.Issues = append(result.Issues, toIssue(err))
	}

	if !result.Valid {
		if formatter.Format == "json" {
			_ = formatter.Failure("E_POLICY", fmt.Sprintf("%d policy error(s)", len(errs)), result.Issues)
		} else {
			fmt.Fprintln(formatter.Writer, "✗ Policy invalid")
			fmt.Fprintln(formatter.Writer)
			for _, issue := range result.Issues {
				if issue.Line > 0 {
					fmt.Fprintf(formatter.Writer, "  %s (line %d): %s\n", issue.Field, issue.Line, issue.Message)
				} else {
					fmt.Fprintf(formatter.Writer, "  %s: %s\n", issue.Field, issue.Message)
				}
			}
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Policy valid: %d constraint(s), %d calibration(s)\n",
		result.Constraints, result.Calibration)
	return nil
}

func toIssue(err error) ValidationIssue {
	var cerr *policy.CompileError
	if errors.As(err, &cerr) {
		issue := ValidationIssue{Field: cerr.Field, Message: cerr.Message}
		if cerr.Pos.IsValid() {
			issue.Line = cerr.Pos.Line()
		}
		return issue
	}
	return ValidationIssue{Field: "policy", Message: err.Error()}
}
