package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/telecommand/internal/ir"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	Args     string
	Comments string
	World    string
	Timeout  time.Duration
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec <catalog-dir> <namespace/id>",
		Short: "Execute one command against the simulated spacecraft",
		Long: `Bind arguments to a catalogued command, check its pre-constraints,
transmit it to the simulated spacecraft and wait for its verifiers.

The final history record is printed and, with --db, persisted.

Exit codes:
  0 - Command verified (status success)
  1 - Command rejected, failed, timed out or aborted
  2 - Bad catalog, world, database or arguments

Examples:
  telecommand exec ./catalog /SAT/ADCS/SET_MODE --args '{"mode":"SAFE"}'
  telecommand exec ./catalog /SAT/EPS/HEATER --args '{"setpoint":5}' --world ./leo.yaml --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Args, "args", "{}", "command arguments as JSON")
	cmd.Flags().StringVar(&opts.Comments, "comments", "", "operator comments stored with the invocation")
	cmd.Flags().StringVar(&opts.World, "world", "", "simulation world YAML")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "abort verification after this long (0 waits for the verifiers)")

	return cmd
}

func runExec(opts *ExecOptions, catalogDir, ref string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	key, err := ir.ParseCommandKey(ref)
	if err != nil {
		_ = formatter.Error(string(ir.CodeValidation), err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid command key", err)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(opts.Args), &raw); err != nil {
		_ = formatter.Error(string(ir.CodeValidation), "invalid --args JSON: "+err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid --args JSON", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := openRuntime(ctx, opts.RootOptions, catalogDir, opts.World)
	if err != nil {
		return reportRuntimeError(formatter, err)
	}
	defer rt.Close()

	inv, err := rt.engine.Bind(key, raw, opts.Comments, opts.Config.Operator)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), errorDetails(err))
		return WrapExitError(ExitCommandError, "cannot bind command", err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	rec, err := rt.engine.Execute(ctx, inv)
	if rec.ID == "" {
		_ = formatter.Error(errorCode(err), err.Error(), errorDetails(err))
		return WrapExitError(ExitFailure, "command not executed", err)
	}
	view := newRecordView(rec)
	if rec.Status != ir.StatusSuccess {
		_ = formatter.Failure(view, errorCode(err), rec.Message)
		return NewExitError(ExitFailure, fmt.Sprintf("%s finished %s", key, rec.Status))
	}
	return formatter.Success(view)
}

// signalContext returns the command context cancelled on SIGINT/SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// reportRuntimeError prints an openRuntime failure and passes it on.
func reportRuntimeError(formatter *OutputFormatter, err error) error {
	_ = formatter.Error(errorCode(err), err.Error(), nil)
	return err
}
