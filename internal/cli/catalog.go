package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/telecommand/internal/catalog"
	"github.com/roach88/telecommand/internal/expr"
	"github.com/roach88/telecommand/internal/ir"
)

// CatalogOptions holds flags for the catalog command.
type CatalogOptions struct {
	*RootOptions
	Namespace       string
	Search          string
	MinSignificance string
	Watch           bool
}

// CommandSummary is one catalog entry in command output.
type CommandSummary struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	Significance string   `json:"significance"`
	Parameters   []string `json:"parameters,omitempty"`
	Verifiers    []string `json:"verifiers,omitempty"`
}

// CatalogListing holds the catalog command result.
type CatalogListing struct {
	Commands  []CommandSummary `json:"commands"`
	Sequences []string         `json:"sequences"`
}

// String renders the listing for text output.
func (l CatalogListing) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Commands (%d):\n", len(l.Commands))
	for _, c := range l.Commands {
		version := c.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(&b, "  %-32s %-8s %-9s %s\n", c.Key, version, c.Significance, c.Name)
		if len(c.Parameters) > 0 {
			fmt.Fprintf(&b, "      params: %s\n", strings.Join(c.Parameters, ", "))
		}
	}
	fmt.Fprintf(&b, "Sequences (%d):", len(l.Sequences))
	for _, id := range l.Sequences {
		fmt.Fprintf(&b, "\n  %s", id)
	}
	return b.String()
}

// ReloadSummary describes one hot reload in --watch mode.
type ReloadSummary struct {
	Added     []string `json:"added,omitempty"`
	Sequences []string `json:"sequences,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// NewCatalogCommand creates the catalog command.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CatalogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "catalog <catalog-dir>",
		Short: "List catalog definitions",
		Long: `Load a CUE catalog and list its commands and sequences.

With --watch the directory stays under watch: new CUE files register new
definitions as they appear. Definitions whose key is already registered
are reported, never replaced.

Examples:
  telecommand catalog ./catalog
  telecommand catalog ./catalog --namespace /SAT/ --min-significance critical
  telecommand catalog ./catalog --watch`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalog(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "namespace filter (prefix when it ends in /)")
	cmd.Flags().StringVar(&opts.Search, "search", "", "case-insensitive name or id substring")
	cmd.Flags().StringVar(&opts.MinSignificance, "min-significance", "", "lowest significance to list")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "watch the directory and report reloads until interrupted")

	return cmd
}

func runCatalog(opts *CatalogOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	filter := catalog.Filter{
		Namespace:       opts.Namespace,
		NameContains:    opts.Search,
		MinSignificance: ir.SignificanceLevel(opts.MinSignificance),
	}
	if filter.MinSignificance != "" && filter.MinSignificance.Rank() < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown significance %q", opts.MinSignificance))
	}

	checker, err := expr.NewEvaluator()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create expression evaluator", err)
	}
	cat := catalog.New(checker, catalog.WithLogger(opts.logger()))
	report := catalog.LoadInto(cat, dir)
	if len(report.Errors) > 0 && cat.Len() == 0 {
		err := errors.Join(report.Errors...)
		_ = formatter.Error(errorCode(report.Errors[0]), err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load catalog", err)
	}
	for _, err := range report.Errors {
		formatter.VerboseLog("load problem: %v", err)
	}

	if err := formatter.Success(listCatalog(cat, filter)); err != nil {
		return err
	}
	if !opts.Watch {
		if len(report.Errors) > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d definition(s) failed to load", len(report.Errors)))
		}
		return nil
	}

	ctx, stop := signalContext(cmd)
	defer stop()
	return watchCatalog(ctx, opts, dir, cat, formatter)
}

// watchCatalog reports every reload until ctx ends.
func watchCatalog(ctx context.Context, opts *CatalogOptions, dir string, cat *catalog.Catalog, formatter *OutputFormatter) error {
	w, err := catalog.NewWatcher(dir, cat,
		catalog.WithWatcherLogger(opts.logger()),
		catalog.WithReloadHook(func(r catalog.ReloadReport) {
			_ = formatter.Success(summarizeReload(r))
		}),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to watch catalog", err)
	}
	defer w.Close()

	formatter.VerboseLog("Watching %s for changes", dir)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "catalog watch failed", err)
	}
	return nil
}

func listCatalog(cat *catalog.Catalog, filter catalog.Filter) CatalogListing {
	defs := cat.List(filter)
	listing := CatalogListing{
		Commands:  make([]CommandSummary, 0, len(defs)),
		Sequences: cat.SequenceIDs(),
	}
	for _, def := range defs {
		summary := CommandSummary{
			Key:          def.Key().String(),
			Name:         def.Name,
			Version:      def.Version,
			Significance: string(def.Significance.Level),
		}
		for _, p := range def.Parameters {
			param := p.Name + ":" + string(p.Type)
			if p.Units != "" {
				param += "[" + p.Units + "]"
			}
			if !p.Required {
				param += "?"
			}
			summary.Parameters = append(summary.Parameters, param)
		}
		for _, v := range def.Verifiers {
			summary.Verifiers = append(summary.Verifiers, v.ID)
		}
		listing.Commands = append(listing.Commands, summary)
	}
	return listing
}

func summarizeReload(r catalog.ReloadReport) ReloadSummary {
	var s ReloadSummary
	for _, key := range r.Added {
		s.Added = append(s.Added, key.String())
	}
	s.Sequences = append(s.Sequences, r.Sequences...)
	for _, err := range r.Errors {
		s.Errors = append(s.Errors, err.Error())
	}
	return s
}

// String renders the reload summary for text output.
func (s ReloadSummary) String() string {
	var parts []string
	if len(s.Added) > 0 {
		parts = append(parts, "added "+strings.Join(s.Added, ", "))
	}
	if len(s.Sequences) > 0 {
		parts = append(parts, "sequences "+strings.Join(s.Sequences, ", "))
	}
	for _, e := range s.Errors {
		parts = append(parts, "error: "+e)
	}
	if len(parts) == 0 {
		return "reload: no changes"
	}
	return "reload: " + strings.Join(parts, "; ")
}
