package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/telecommand/internal/compiler"
	"github.com/roach88/telecommand/internal/expr"
	"github.com/roach88/telecommand/internal/ir"
)

// ErrCodeDuplicateKey marks two definitions sharing namespace/id.
const ErrCodeDuplicateKey = "E302"

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool                       `json:"valid"`
	Commands  int                        `json:"commands"`
	Sequences int                        `json:"sequences"`
	Errors    []compiler.ValidationError `json:"errors,omitempty"`
}

// String renders the result for text output.
func (r ValidationResult) String() string {
	return fmt.Sprintf("✓ Catalog valid: %d command(s), %d sequence(s)", r.Commands, r.Sequences)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <catalog-dir>",
		Short: "Validate a command catalog",
		Long: `Validate CUE command definitions and sequences without loading them
into an engine.

Checks parameter specs, constraint and verifier expressions, semver
versions, duplicate keys and that every sequence step names a defined
command.

Exit codes:
  0 - Catalog valid
  1 - Validation errors
  2 - Catalog could not be loaded`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, catalogDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	checker, err := expr.NewEvaluator()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create expression evaluator", err)
	}

	result, validationErrors, err := ValidateCatalogDir(catalogDir, checker)
	if err != nil {
		var loadErr *compiler.LoadError
		if errors.As(err, &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
			return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", loadErr.Code, loadErr.Message))
		}
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load catalog", err)
	}
	formatter.VerboseLog("Checked %d command(s) and %d sequence(s) in %s", result.Commands, result.Sequences, catalogDir)

	if len(validationErrors) > 0 {
		return outputValidationErrors(formatter, result, validationErrors)
	}
	return formatter.Success(result)
}

// ValidateCatalogDir compiles and validates every definition in dir.
// The returned error is set only when the directory cannot be loaded at
// all; per-definition problems are returned as validation errors.
func ValidateCatalogDir(dir string, checker compiler.ExpressionChecker) (ValidationResult, []compiler.ValidationError, error) {
	loadResult, loadErrors := compiler.LoadDir(dir, compiler.LoadModeCollectAll)
	if loadResult == nil {
		if len(loadErrors) > 0 {
			return ValidationResult{}, nil, loadErrors[0]
		}
		return ValidationResult{}, nil, fmt.Errorf("no definitions loaded from %s", dir)
	}

	var errs []compiler.ValidationError
	for _, err := range loadErrors {
		errs = append(errs, loadValidationError(err))
	}

	keys := make(map[ir.CommandKey]bool, len(loadResult.Commands))
	for _, def := range loadResult.Commands {
		key := def.Key()
		prefix := "command." + key.String()
		if keys[key] {
			errs = append(errs, compiler.ValidationError{
				Field:   prefix,
				Message: "duplicate command key",
				Code:    ErrCodeDuplicateKey,
			})
		}
		keys[key] = true
		for _, ve := range compiler.Validate(def, checker) {
			ve.Field = prefix + "." + ve.Field
			errs = append(errs, ve)
		}
	}

	for _, spec := range loadResult.Sequences {
		prefix := "sequence." + spec.ID
		for _, ve := range compiler.Validate(spec, checker) {
			ve.Field = prefix + "." + ve.Field
			errs = append(errs, ve)
		}
		for i, step := range spec.Steps {
			if !keys[step.Command] {
				errs = append(errs, compiler.ValidationError{
					Field:   fmt.Sprintf("%s.steps[%d].command", prefix, i),
					Message: fmt.Sprintf("unknown command %s", step.Command),
					Code:    ErrCodeUnknownCommand,
				})
			}
		}
	}

	result := ValidationResult{
		Valid:     len(errs) == 0,
		Commands:  len(loadResult.Commands),
		Sequences: len(loadResult.Sequences),
		Errors:    errs,
	}
	return result, errs, nil
}

func loadValidationError(err error) compiler.ValidationError {
	var loadErr *compiler.LoadError
	if errors.As(err, &loadErr) {
		line := 0
		if loadErr.Pos.IsValid() {
			line = loadErr.Pos.Line()
		}
		return compiler.ValidationError{
			Field:   "load",
			Message: loadErr.Message,
			Code:    loadErr.Code,
			Line:    line,
		}
	}
	return compiler.ValidationError{Field: "load", Message: err.Error(), Code: ErrCodeGeneric}
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult, errs []compiler.ValidationError) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}); err != nil {
			return err
		}
		return exitErr
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}

	return exitErr
}
