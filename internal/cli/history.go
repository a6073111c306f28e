package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/telecommand/internal/history"
	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Namespace string
	Command   string
	Statuses  []string
	Operator  string
	RunID     string
	Since     string
	Until     string
	Limit     int
	Offset    int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query persisted command history",
		Long: `List history records from a database written by exec, drain or run.
Records are returned in sequence order. All filters combine.

Examples:
  telecommand history --db ./history.db --namespace /SAT/ --status failed --status timeout
  telecommand history --db ./history.db --run run-1 --format json
  telecommand history --db ./history.db --since 2026-10-01T00:00:00Z --limit 20`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "namespace, or namespace prefix ending in /")
	cmd.Flags().StringVar(&opts.Command, "command", "", "command id")
	cmd.Flags().StringArrayVar(&opts.Statuses, "status", nil, "record status (repeatable)")
	cmd.Flags().StringVar(&opts.Operator, "issued-by", "", "operator who issued the command")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "sequence run id")
	cmd.Flags().StringVar(&opts.Since, "since", "", "dispatched at or after (RFC3339)")
	cmd.Flags().StringVar(&opts.Until, "until", "", "dispatched before (RFC3339)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum records (0 for all)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "records to skip")

	return cmd
}

// buildFilter converts the flags into a history filter.
func (o *HistoryOptions) buildFilter() (history.Filter, error) {
	f := history.Filter{
		Namespace: o.Namespace,
		CommandID: o.Command,
		Operator:  o.Operator,
		RunID:     o.RunID,
		Limit:     o.Limit,
		Offset:    o.Offset,
	}
	if o.Limit < 0 || o.Offset < 0 {
		return f, errors.New("--limit and --offset must be non-negative")
	}
	for _, s := range o.Statuses {
		st, err := ir.ParseRecordStatus(s)
		if err != nil {
			return f, err
		}
		f.Statuses = append(f.Statuses, st)
	}
	var err error
	if f.Since, err = parseTimeFlag("since", o.Since); err != nil {
		return f, err
	}
	if f.Until, err = parseTimeFlag("until", o.Until); err != nil {
		return f, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return f, errors.New("--since must be before --until")
	}
	return f, nil
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.Config.DBPath == "" {
		_ = formatter.Error(string(ir.CodeValidation), "--db (or TELECOMMAND_DB) is required", nil)
		return NewExitError(ExitCommandError, "no database")
	}
	filter, err := opts.buildFilter()
	if err != nil {
		_ = formatter.Error(string(ir.CodeValidation), err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	st, err := store.Open(opts.Config.DBPath, store.WithLogger(opts.logger().With("component", "store")))
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot open database", err)
	}
	defer st.Close()

	recs, err := st.Query(cmd.Context(), filter)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "query failed", err)
	}
	formatter.VerboseLog("%d record(s) matched", len(recs))
	return formatter.Success(recordList(recs))
}
