// Package sim provides a loopback spacecraft for running the engine without
// hardware. A World file gives the initial telemetry, uplink fault injection
// and the telemetry effects each command has once it is received.
//
// World files are YAML:
//
//	name: leo-demo
//	telemetry:
//	  mode: NOMINAL
//	  battery_v: 7.8
//	link:
//	  fault: ""            # "", NO_LINK, BUSY, REJECTED
//	  reject: [/SAT/PAYLOAD/FIRE]
//	effects:
//	  - command: /SAT/ADCS/SET_MODE
//	    delay_seconds: 1.5
//	    set: { slewing: false }
//	    set_from_args: { mode: mode }
package sim

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/telecommand/internal/ir"
)

// Fault modes for the simulated uplink.
const (
	FaultNone     = ""
	FaultNoLink   = "NO_LINK"
	FaultBusy     = "BUSY"
	FaultRejected = "REJECTED"
)

// World describes the simulated spacecraft.
type World struct {
	Name      string         `yaml:"name"`
	Telemetry map[string]any `yaml:"telemetry"`
	Link      Link           `yaml:"link"`
	Effects   []Effect       `yaml:"effects"`
}

// Link configures uplink fault injection.
type Link struct {
	// Fault makes every transmission fail with the given cause.
	Fault string `yaml:"fault"`
	// Reject lists command keys the spacecraft refuses.
	Reject []string `yaml:"reject"`
}

// Effect is the telemetry change a command causes once received.
type Effect struct {
	Command      string  `yaml:"command"`
	DelaySeconds float64 `yaml:"delay_seconds"`
	// Set assigns fixed telemetry values.
	Set map[string]any `yaml:"set"`
	// SetFromArgs copies bound arguments into telemetry fields
	// (telemetry field: argument name).
	SetFromArgs map[string]string `yaml:"set_from_args"`
}

// Load reads and validates a world file.
func Load(path string) (World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return World{}, fmt.Errorf("failed to read world file: %w", err)
	}
	w, err := Parse(data)
	if err != nil {
		return World{}, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// Parse decodes a world document. Unknown fields are rejected.
func Parse(data []byte) (World, error) {
	var w World
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&w); err != nil {
		return World{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := w.normalize(); err != nil {
		return World{}, fmt.Errorf("invalid world: %w", err)
	}
	return w, nil
}

// normalize validates the world and converts YAML values to the binding
// value set.
func (w *World) normalize() error {
	switch w.Link.Fault {
	case FaultNone, FaultNoLink, FaultBusy, FaultRejected:
	default:
		return fmt.Errorf("link.fault: unknown fault %q", w.Link.Fault)
	}
	for i, key := range w.Link.Reject {
		if _, err := ir.ParseCommandKey(key); err != nil {
			return fmt.Errorf("link.reject[%d]: %w", i, err)
		}
	}

	tm, err := normalizeMap(w.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	w.Telemetry = tm

	for i := range w.Effects {
		e := &w.Effects[i]
		if _, err := ir.ParseCommandKey(e.Command); err != nil {
			return fmt.Errorf("effects[%d].command: %w", i, err)
		}
		if e.DelaySeconds < 0 {
			return fmt.Errorf("effects[%d].delay_seconds: must be >= 0, got %v", i, e.DelaySeconds)
		}
		if len(e.Set) == 0 && len(e.SetFromArgs) == 0 {
			return fmt.Errorf("effects[%d]: set or set_from_args is required", i)
		}
		for field, arg := range e.SetFromArgs {
			if arg == "" {
				return fmt.Errorf("effects[%d].set_from_args.%s: argument name is required", i, field)
			}
		}
		if e.Set, err = normalizeMap(e.Set); err != nil {
			return fmt.Errorf("effects[%d].set: %w", i, err)
		}
	}
	return nil
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, err := ir.NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}
