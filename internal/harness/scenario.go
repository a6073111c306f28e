package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/telecommand/internal/ir"
	"github.com/roach88/telecommand/internal/sim"
)

// Scenario drives the engine headlessly against a simulated spacecraft and
// asserts on the resulting command history.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog is the CUE catalog directory, relative to the scenario file.
	Catalog string `yaml:"catalog"`

	// World is an optional sim world file, relative to the scenario file.
	World string `yaml:"world,omitempty"`

	// Telemetry overrides initial telemetry values of the world.
	Telemetry map[string]any `yaml:"telemetry,omitempty"`

	// Operator is recorded on every invocation. Defaults to "harness".
	Operator string `yaml:"operator,omitempty"`

	// TickMillis is the simulated time advanced per drive step.
	// Defaults to 100.
	TickMillis int `yaml:"tick_ms,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and persisted records.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one of the action fields is set.
type Step struct {
	// Exec binds and executes a command directly, waiting for its outcome.
	Exec string `yaml:"exec,omitempty"`

	// Enqueue binds a command and adds it to the queue.
	Enqueue string `yaml:"enqueue,omitempty"`

	// Args are the raw command arguments (exec, enqueue).
	Args     map[string]any `yaml:"args,omitempty"`
	Comments string         `yaml:"comments,omitempty"`

	// Priority, ScheduleAfter and ExpireAfter apply to enqueue. Times are
	// relative to the simulated clock when the step runs.
	Priority      int     `yaml:"priority,omitempty"`
	ScheduleAfter float64 `yaml:"schedule_after_seconds,omitempty"`
	ExpireAfter   float64 `yaml:"expire_after_seconds,omitempty"`

	// Drain runs the queue until it is empty or stops.
	Drain bool `yaml:"drain,omitempty"`

	// Sequence names a catalog sequence; Action selects what to do with it
	// (run, start, pause, resume, stop, wait). Defaults to run.
	Sequence string `yaml:"sequence,omitempty"`
	Action   string `yaml:"action,omitempty"`

	// Telemetry publishes values on the simulated feed.
	Telemetry map[string]any `yaml:"telemetry,omitempty"`

	// Uplink sets the simulated uplink fault: ok, NO_LINK, BUSY, REJECTED.
	Uplink string `yaml:"uplink,omitempty"`

	// TelemetryLink drops or restores the telemetry feed: up, down.
	TelemetryLink string `yaml:"telemetry_link,omitempty"`

	// AdvanceSeconds moves simulated time forward.
	AdvanceSeconds float64 `yaml:"advance_seconds,omitempty"`

	// Expect validates the step outcome. If nil, any outcome is accepted
	// except a harness error.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Step kinds.
const (
	StepExec          = "exec"
	StepEnqueue       = "enqueue"
	StepDrain         = "drain"
	StepSequence      = "sequence"
	StepTelemetry     = "telemetry"
	StepUplink        = "uplink"
	StepTelemetryLink = "telemetry_link"
	StepAdvance       = "advance"
)

// Sequence step actions.
const (
	ActionRun    = "run"
	ActionStart  = "start"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
	ActionWait   = "wait"
)

// UplinkOK clears an injected uplink fault.
const UplinkOK = "ok"

// Kinds returns the action kinds set on the step.
func (s Step) Kinds() []string {
	var kinds []string
	if s.Exec != "" {
		kinds = append(kinds, StepExec)
	}
	if s.Enqueue != "" {
		kinds = append(kinds, StepEnqueue)
	}
	if s.Drain {
		kinds = append(kinds, StepDrain)
	}
	if s.Sequence != "" {
		kinds = append(kinds, StepSequence)
	}
	if s.Telemetry != nil {
		kinds = append(kinds, StepTelemetry)
	}
	if s.Uplink != "" {
		kinds = append(kinds, StepUplink)
	}
	if s.TelemetryLink != "" {
		kinds = append(kinds, StepTelemetryLink)
	}
	if s.AdvanceSeconds != 0 {
		kinds = append(kinds, StepAdvance)
	}
	return kinds
}

// Kind returns the step's single action kind, or "" if it has none or many.
func (s Step) Kind() string {
	if kinds := s.Kinds(); len(kinds) == 1 {
		return kinds[0]
	}
	return ""
}

// Expect specifies the expected step outcome.
type Expect struct {
	// Status is the record status (exec) or run status (sequence run/wait).
	Status string `yaml:"status,omitempty"`

	// Error is the expected error code, e.g. VALIDATION_ERROR. When set the
	// step must fail with that code.
	Error string `yaml:"error,omitempty"`

	// Outcomes are the record statuses of a drain, in order.
	Outcomes []string `yaml:"outcomes,omitempty"`

	// Stopped expects the drain to halt at a rejection.
	Stopped *bool `yaml:"stopped,omitempty"`
}

// Assertion validates the trace or the persisted records.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a record for command with matching args (and status)
	// - "trace_order": commands first appear in this order
	// - "trace_count": command (with status, if set) appears exactly Count times
	// - "final_state": query the records table and verify column values
	Type string `yaml:"type"`

	// Command is the command key (trace_contains, trace_count).
	Command string `yaml:"command,omitempty"`

	// Args are the expected bindings (trace_contains). Subset match.
	Args map[string]any `yaml:"args,omitempty"`

	// Status narrows trace_contains and trace_count to one record status.
	Status string `yaml:"status,omitempty"`

	// Commands is the expected order (trace_order).
	Commands []string `yaml:"commands,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Table, Where and Expect configure final_state. All Where columns must
	// match exactly; Expect is a subset match on the single matching row.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Catalog and world
// paths are resolved relative to the scenario file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving catalog and world paths relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	scenario.Catalog = resolve(basePath, scenario.Catalog)
	scenario.World = resolve(basePath, scenario.World)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) || base == "" {
		return path
	}
	return filepath.Join(base, path)
}

// validateScenario checks required fields and step shapes.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Catalog == "" {
		return fmt.Errorf("catalog is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps must contain at least one step")
	}
	if s.TickMillis < 0 {
		return fmt.Errorf("tick_ms must be non-negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	kinds := step.Kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("steps[%d]: no action set", index)
	case 1:
	default:
		return fmt.Errorf("steps[%d]: exactly one action allowed, got %v", index, kinds)
	}

	switch kinds[0] {
	case StepExec, StepEnqueue:
		ref := step.Exec + step.Enqueue
		if _, err := ir.ParseCommandKey(ref); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if step.ScheduleAfter < 0 || step.ExpireAfter < 0 {
			return fmt.Errorf("steps[%d]: schedule and expiry offsets must be non-negative", index)
		}
	case StepSequence:
		switch step.Action {
		case "", ActionRun, ActionStart, ActionPause, ActionResume, ActionStop, ActionWait:
		default:
			return fmt.Errorf("steps[%d]: unknown sequence action %q", index, step.Action)
		}
	case StepUplink:
		switch step.Uplink {
		case UplinkOK, sim.FaultNoLink, sim.FaultBusy, sim.FaultRejected:
		default:
			return fmt.Errorf("steps[%d]: unknown uplink state %q", index, step.Uplink)
		}
	case StepTelemetryLink:
		if step.TelemetryLink != "up" && step.TelemetryLink != "down" {
			return fmt.Errorf("steps[%d]: telemetry_link must be up or down, got %q", index, step.TelemetryLink)
		}
	case StepAdvance:
		if step.AdvanceSeconds < 0 {
			return fmt.Errorf("steps[%d]: advance_seconds must be positive", index)
		}
	}

	if step.Expect != nil {
		if err := validateExpect(index, kinds[0], *step.Expect); err != nil {
			return err
		}
	}
	return nil
}

func validateExpect(index int, kind string, e Expect) error {
	if e.Status != "" {
		switch kind {
		case StepExec:
			if _, err := ir.ParseRecordStatus(e.Status); err != nil {
				return fmt.Errorf("steps[%d].expect.status: %w", index, err)
			}
		case StepSequence:
		default:
			return fmt.Errorf("steps[%d].expect.status: not supported for %s", index, kind)
		}
	}
	for _, o := range e.Outcomes {
		if kind != StepDrain {
			return fmt.Errorf("steps[%d].expect.outcomes: only supported for drain", index)
		}
		if _, err := ir.ParseRecordStatus(o); err != nil {
			return fmt.Errorf("steps[%d].expect.outcomes: %w", index, err)
		}
	}
	if e.Stopped != nil && kind != StepDrain {
		return fmt.Errorf("steps[%d].expect.stopped: only supported for drain", index)
	}
	return nil
}

// validateAssertion validates a single assertion.
func validateAssertion(index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Command == "" {
			return fmt.Errorf("assertions[%d]: command is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Commands) == 0 {
			return fmt.Errorf("assertions[%d]: commands list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Command == "" {
			return fmt.Errorf("assertions[%d]: command is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Status != "" {
		if _, err := ir.ParseRecordStatus(a.Status); err != nil {
			return fmt.Errorf("assertions[%d].status: %w", index, err)
		}
	}
	return nil
}
