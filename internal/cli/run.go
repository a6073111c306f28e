package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	World string
}

// RunResult holds the run command output.
type RunResult struct {
	Run     ir.SequenceRun `json:"run"`
	Records RecordList     `json:"records"`
}

// String renders the result for text output.
func (r RunResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sequence %s (run %s): %s\n", r.Run.SequenceID, r.Run.ID, r.Run.Status)
	for _, step := range r.Run.Steps {
		fmt.Fprintf(&b, "  step %d: %s", step.Index, step.Status)
		if step.Message != "" {
			fmt.Fprintf(&b, " (%s)", step.Message)
		}
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(r.Records.String())
	return b.String()
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <catalog-dir> <sequence-id>",
		Short: "Run a catalogued sequence to completion",
		Long: `Start a sequence against the simulated spacecraft and wait for it to
finish. Each step is executed like a single command, then the step's delay
is observed before the next one. Interrupting the process stops the run.

Exit codes:
  0 - Run completed
  1 - Run failed or was stopped
  2 - Bad catalog, world or database, or unknown sequence

Example:
  telecommand run ./catalog safe_entry --world ./leo.yaml --db ./history.db`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSequence(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.World, "world", "", "simulation world YAML")

	return cmd
}

func runSequence(opts *RunOptions, catalogDir, sequenceID string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := openRuntime(ctx, opts.RootOptions, catalogDir, opts.World)
	if err != nil {
		return reportRuntimeError(formatter, err)
	}
	defer rt.Close()

	run, err := rt.engine.StartSequence(ctx, sequenceID, opts.Config.Operator)
	if err != nil {
		_ = formatter.Error(errorCode(err), err.Error(), errorDetails(err))
		return WrapExitError(ExitCommandError, "cannot start sequence", err)
	}
	formatter.VerboseLog("started run %s of %s", run.ID(), sequenceID)

	status, err := run.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		_ = run.Stop()
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		status, _ = run.Wait(waitCtx)
		cancel()
	}

	recs := make([]ir.HistoryRecord, 0, len(status.Steps))
	for rec := range rt.engine.Ledger().Query(history.Filter{RunID: status.ID}) {
		recs = append(recs, rec)
	}
	result := RunResult{Run: status, Records: recordList(recs)}

	if status.Status != ir.RunCompleted {
		msg := fmt.Sprintf("sequence %s finished %s", sequenceID, status.Status)
		_ = formatter.Failure(result, ErrCodeGeneric, msg)
		return NewExitError(ExitFailure, msg)
	}
	return formatter.Success(result)
}
