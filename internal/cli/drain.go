package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/telecommand/internal/engine"
	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
)

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	World               string
	ContinueOnRejection bool
}

// Plan is a list of commands to queue and drain in one pass.
type Plan struct {
	Entries []PlanEntry `yaml:"entries"`
}

// PlanEntry is one queued command of a plan.
type PlanEntry struct {
	Command       string         `yaml:"command"`
	Args          map[string]any `yaml:"args,omitempty"`
	Comments      string         `yaml:"comments,omitempty"`
	Priority      int            `yaml:"priority,omitempty"`
	ScheduleAfter float64        `yaml:"schedule_after_seconds,omitempty"`
	ExpireAfter   float64        `yaml:"expire_after_seconds,omitempty"`
}

// DrainResult holds the drain command output.
type DrainResult struct {
	Report  engine.DrainReport `json:"report"`
	Records RecordList         `json:"records"`
}

// String renders the result for text output.
func (r DrainResult) String() string {
	var b strings.Builder
	b.WriteString(r.Records.String())
	fmt.Fprintf(&b, "\nDrained %d entr(ies): %d success", len(r.Report.Outcomes), r.Report.Count(ir.StatusSuccess))
	if r.Report.Stopped {
		fmt.Fprintf(&b, ", stopped at rejection with %d remaining", r.Report.Remaining)
	}
	return b.String()
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain <catalog-dir> <plan.yaml>",
		Short: "Queue a plan of commands and drain it",
		Long: `Queue every entry of a plan file, then drain the queue: highest
priority first, equal priorities in file order. Entries past their expiry
are recorded expired. The drain stops at the first rejected command unless
--continue-on-rejection is set.

Plan format:
  entries:
    - command: /SAT/OBC/NOOP
      args: { tag: pass-start }
      priority: 9
      expire_after_seconds: 60

Exit codes:
  0 - Every entry succeeded
  1 - An entry did not succeed or the drain stopped
  2 - Bad catalog, plan, world or database`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.World, "world", "", "simulation world YAML")
	cmd.Flags().BoolVar(&opts.ContinueOnRejection, "continue-on-rejection", rootOpts.Config.ContinueOnRejection, "keep draining after a rejected command")

	return cmd
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	var plan Plan
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if len(plan.Entries) == 0 {
		return Plan{}, errors.New("plan has no entries")
	}
	for i, e := range plan.Entries {
		if _, err := ir.ParseCommandKey(e.Command); err != nil {
			return Plan{}, fmt.Errorf("entries[%d]: %w", i, err)
		}
		if e.ScheduleAfter < 0 || e.ExpireAfter < 0 {
			return Plan{}, fmt.Errorf("entries[%d]: schedule and expiry offsets must be non-negative", i)
		}
	}
	return plan, nil
}

func runDrain(opts *DrainOptions, catalogDir, planPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	plan, err := LoadPlan(planPath)
	if err != nil {
		_ = formatter.Error(string(ir.CodeValidation), err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid plan", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	rootOpts := *opts.RootOptions
	rootOpts.Config.ContinueOnRejection = opts.ContinueOnRejection
	rt, err := openRuntime(ctx, &rootOpts, catalogDir, opts.World)
	if err != nil {
		return reportRuntimeError(formatter, err)
	}
	defer rt.Close()

	now := time.Now()
	for i, e := range plan.Entries {
		key, _ := ir.ParseCommandKey(e.Command)
		inv, err := rt.engine.Bind(key, e.Args, e.Comments, opts.Config.Operator)
		if err != nil {
			_ = formatter.Error(errorCode(err), fmt.Sprintf("entries[%d]: %v", i, err), errorDetails(err))
			return WrapExitError(ExitCommandError, "cannot bind plan entry", err)
		}
		var enqueueOpts []engine.EnqueueOption
		if e.ScheduleAfter > 0 {
			enqueueOpts = append(enqueueOpts, engine.ScheduleAt(now.Add(seconds(e.ScheduleAfter))))
		}
		if e.ExpireAfter > 0 {
			enqueueOpts = append(enqueueOpts, engine.ExpireAt(now.Add(seconds(e.ExpireAfter))))
		}
		qc, err := rt.engine.Queue().Enqueue(inv, e.Priority, enqueueOpts...)
		if err != nil {
			_ = formatter.Error(errorCode(err), fmt.Sprintf("entries[%d]: %v", i, err), nil)
			return WrapExitError(ExitCommandError, "cannot queue plan entry", err)
		}
		formatter.VerboseLog("queued %s as %s (priority %d)", e.Command, qc.ID, e.Priority)
	}

	lastSeq := rt.engine.Ledger().LastSeq()
	report, drainErr := rt.engine.Queue().Drain(ctx)

	var recs []ir.HistoryRecord
	for rec := range rt.engine.Ledger().Query(history.Filter{}) {
		if rec.Seq > lastSeq {
			recs = append(recs, rec)
		}
	}
	result := DrainResult{Report: report, Records: recordList(recs)}

	if drainErr != nil {
		_ = formatter.Failure(result, errorCode(drainErr), drainErr.Error())
		return WrapExitError(ExitFailure, "drain interrupted", drainErr)
	}
	if report.Stopped || report.Count(ir.StatusSuccess) != len(report.Outcomes) {
		msg := fmt.Sprintf("%d of %d entr(ies) succeeded", report.Count(ir.StatusSuccess), len(plan.Entries))
		_ = formatter.Failure(result, ErrCodeGeneric, msg)
		return NewExitError(ExitFailure, msg)
	}
	return formatter.Success(result)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
