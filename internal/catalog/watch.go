package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/telecommand/internal/compiler"
	"github.com/roach88/telecommand/internal/ir"
)

// ReloadReport summarizes one catalog directory reload.
type ReloadReport struct {
	Added     []ir.CommandKey
	Sequences []string
	Errors    []error
}

// Watcher reloads a catalog directory when CUE files are written or created.
//
// Reloads only add: a command or sequence whose key is already registered
// is skipped when its content is unchanged and reported as DUPLICATE_ID
// otherwise. Registered definitions are never replaced.
type Watcher struct {
	dir      string
	catalog  *Catalog
	fs       *fsnotify.Watcher
	logger   *slog.Logger
	onReload func(ReloadReport)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithReloadHook is called after every reload triggered by a file event.
func WithReloadHook(fn func(ReloadReport)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// NewWatcher starts watching dir. Call Run to process events and Close to
// release the underlying watch.
func NewWatcher(dir string, c *Catalog, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:     dir,
		catalog: c,
		fs:      fsw,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "catalog-watcher")
	return w, nil
}

// Reload compiles the directory and registers anything new.
func (w *Watcher) Reload() ReloadReport {
	return LoadInto(w.catalog, w.dir)
}

// LoadInto compiles dir and registers its commands and sequences in c.
// Commands and sequences identical to an existing registration are skipped
// silently; changed ones are reported as DUPLICATE_ID.
func LoadInto(c *Catalog, dir string) ReloadReport {
	var report ReloadReport

	result, errs := compiler.LoadDir(dir, compiler.LoadModeCollectAll)
	report.Errors = append(report.Errors, errs...)
	if result == nil {
		return report
	}

	for _, def := range result.Commands {
		if existing, ok := c.LookupKey(def.Key()); ok && sameDefinition(existing, def) {
			continue
		}
		if err := c.Register(def); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.Added = append(report.Added, def.Key())
	}

	for _, spec := range result.Sequences {
		if existing, ok := c.SequenceSpec(spec.ID); ok && sameSequence(existing, spec) {
			continue
		}
		if err := c.RegisterSequence(spec); err != nil {
			report.Errors = append(report.Errors, err)
			continue
		}
		report.Sequences = append(report.Sequences, spec.ID)
	}

	return report
}

func sameDefinition(a, b ir.CommandDefinition) bool {
	da, errA := ir.DefinitionDigest(a)
	db, errB := ir.DefinitionDigest(b)
	return errA == nil && errB == nil && da == db
}

func sameSequence(a, b ir.SequenceSpec) bool {
	da, errA := ir.SequenceDigest(a)
	db, errB := ir.SequenceDigest(b)
	return errA == nil && errB == nil && da == db
}

// Run processes file events until ctx is cancelled or the watch closes.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(event.Name) != ".cue" {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.logger.Debug("fsnotify event", "op", event.Op.String(), "file", event.Name)
				report := w.Reload()
				w.logReport(report)
				if w.onReload != nil {
					w.onReload(report)
				}
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) logReport(r ReloadReport) {
	for _, key := range r.Added {
		w.logger.Info("command added", "command", key.String())
	}
	for _, id := range r.Sequences {
		w.logger.Info("sequence added", "sequence", id)
	}
	for _, err := range r.Errors {
		level := slog.LevelWarn
		if ir.HasCode(err, ir.CodeDuplicateID) {
			level = slog.LevelError
		}
		w.logger.Log(context.Background(), level, "reload problem", "error", err)
	}
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	if err := w.fs.Close(); err != nil && !errors.Is(err, fsnotify.ErrClosed) {
		return err
	}
	return nil
}
