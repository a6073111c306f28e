// Package catalog holds the registered command definitions.
//
// The catalog is read-mostly: definitions are validated once at registration
// and never change afterwards. There is no delete API; a new version of a
// command is registered under a new id, so history records always refer to
// the definition that was actually executed.
//
// Every accessor returns a deep copy. Queued work and sequences therefore own
// their definitions by value and are unaffected by later registrations.
package catalog

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/roach88/telecommand/internal/compiler"
	"github.com/roach88/telecommand/internal/ir"
)

// Catalog is the command definition registry. Safe for concurrent use.
type Catalog struct {
	checker compiler.ExpressionChecker
	logger  *slog.Logger

	mu        sync.RWMutex
	defs      map[ir.CommandKey]ir.CommandDefinition
	sequences map[string]ir.SequenceSpec
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = l
	}
}

// New creates an empty catalog. checker compiles constraint and verifier
// expressions during registration; nil skips expression checks.
func New(checker compiler.ExpressionChecker, opts ...Option) *Catalog {
	c := &Catalog{
		checker:   checker,
		logger:    slog.Default(),
		defs:      make(map[ir.CommandKey]ir.CommandDefinition),
		sequences: make(map[string]ir.SequenceSpec),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "catalog")
	return c
}

// Register validates def and adds it under namespace/id.
//
// Returns DUPLICATE_ID if the key is taken and VALIDATION_ERROR (listing
// every problem) if the definition is malformed.
func (c *Catalog) Register(def ir.CommandDefinition) error {
	if errs := compiler.Validate(&def, c.checker); len(errs) > 0 {
		return validationError(def.Key().String(), "invalid command definition", errs)
	}

	def = def.Clone()
	key := def.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.defs[key]; exists {
		return &ir.Error{
			Code:    ir.CodeDuplicateID,
			Message: "command already registered",
			Subject: key.String(),
		}
	}
	c.defs[key] = def

	c.logger.Debug("command registered",
		"command", key.String(),
		"version", def.Version,
		"significance", def.Significance.Level)
	return nil
}

// RegisterAll registers each definition and returns every failure.
func (c *Catalog) RegisterAll(defs []ir.CommandDefinition) []error {
	var errs []error
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Lookup returns a copy of the definition registered under namespace/id.
func (c *Catalog) Lookup(namespace, id string) (ir.CommandDefinition, bool) {
	return c.LookupKey(ir.CommandKey{Namespace: namespace, ID: id})
}

// LookupKey is Lookup by key.
func (c *Catalog) LookupKey(key ir.CommandKey) (ir.CommandDefinition, bool) {
	c.mu.RLock()
	def, ok := c.defs[key]
	c.mu.RUnlock()
	if !ok {
		return ir.CommandDefinition{}, false
	}
	return def.Clone(), true
}

// LookupLatest returns the highest-versioned definition in namespace whose
// name matches. Definitions without a version sort as 0.0.0; ties break on
// id so the result is deterministic.
func (c *Catalog) LookupLatest(namespace, name string) (ir.CommandDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		best    ir.CommandDefinition
		bestVer *semver.Version
		found   bool
	)
	for key, def := range c.defs {
		if key.Namespace != namespace || def.Name != name {
			continue
		}
		ver := parseVersion(def.Version)
		if !found {
			best, bestVer, found = def, ver, true
			continue
		}
		if d := ver.Compare(bestVer); d > 0 || (d == 0 && def.ID > best.ID) {
			best, bestVer = def, ver
		}
	}
	if !found {
		return ir.CommandDefinition{}, false
	}
	return best.Clone(), true
}

func parseVersion(v string) *semver.Version {
	if v == "" {
		return semver.New(0, 0, 0, "", "")
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return semver.New(0, 0, 0, "", "")
	}
	return parsed
}

// Filter selects definitions in List. Zero fields match everything.
type Filter struct {
	Namespace       string               // exact namespace, or a prefix ending in "/"
	NameContains    string               // case-insensitive substring of name or id
	MinSignificance ir.SignificanceLevel // significance floor
}

func (f Filter) matches(def ir.CommandDefinition) bool {
	if f.Namespace != "" {
		if strings.HasSuffix(f.Namespace, "/") {
			if !strings.HasPrefix(def.Namespace+"/", f.Namespace) {
				return false
			}
		} else if def.Namespace != f.Namespace {
			return false
		}
	}
	if f.NameContains != "" {
		needle := strings.ToLower(f.NameContains)
		if !strings.Contains(strings.ToLower(def.Name), needle) &&
			!strings.Contains(strings.ToLower(def.ID), needle) {
			return false
		}
	}
	if f.MinSignificance != "" && def.Significance.Level.Rank() < f.MinSignificance.Rank() {
		return false
	}
	return true
}

// List returns copies of matching definitions ordered by namespace then id.
func (c *Catalog) List(f Filter) []ir.CommandDefinition {
	c.mu.RLock()
	out := make([]ir.CommandDefinition, 0, len(c.defs))
	for _, def := range c.defs {
		if f.matches(def) {
			out = append(out, def.Clone())
		}
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b ir.CommandDefinition) int {
		return cmp.Or(
			cmp.Compare(a.Namespace, b.Namespace),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return out
}

// Len returns the number of registered definitions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

// RegisterSequence validates and stores a sequence definition. Step commands
// are resolved when the sequence is bound, so a sequence may be registered
// before the commands it references.
func (c *Catalog) RegisterSequence(spec ir.SequenceSpec) error {
	if errs := compiler.Validate(&spec, nil); len(errs) > 0 {
		return validationError(spec.ID, "invalid sequence", errs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sequences[spec.ID]; exists {
		return &ir.Error{Code: ir.CodeDuplicateID, Message: "sequence already registered", Subject: spec.ID}
	}
	c.sequences[spec.ID] = cloneSequenceSpec(spec)
	return nil
}

// SequenceSpec returns the named sequence definition.
func (c *Catalog) SequenceSpec(id string) (ir.SequenceSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.sequences[id]
	if !ok {
		return ir.SequenceSpec{}, false
	}
	return cloneSequenceSpec(spec), true
}

// SequenceIDs lists registered sequence ids in sorted order.
func (c *Catalog) SequenceIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sequences))
	for id := range c.sequences {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func cloneSequenceSpec(spec ir.SequenceSpec) ir.SequenceSpec {
	out := spec
	out.Steps = make([]ir.StepSpec, len(spec.Steps))
	for i, st := range spec.Steps {
		cp := st
		if st.Args != nil {
			cp.Args = ir.CloneValue(st.Args).(map[string]any)
		}
		out.Steps[i] = cp
	}
	return out
}

// validationError folds compiler validation errors into one VALIDATION_ERROR
// keyed by field.
func validationError(subject, message string, errs []compiler.ValidationError) *ir.Error {
	details := make(map[string]string, len(errs))
	for _, e := range errs {
		entry := fmt.Sprintf("%s %s", e.Code, e.Message)
		if prev, ok := details[e.Field]; ok {
			entry = prev + "; " + entry
		}
		details[e.Field] = entry
	}
	return ir.NewValidationError(subject, message, details)
}
