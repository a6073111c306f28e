package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/telecommand/internal/ir"
)

var testEpoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDefinition() ir.CommandDefinition {
	lo := 0.0
	return ir.CommandDefinition{
		ID:        "HEATER",
		Name:      "Heater power",
		Namespace: "/SAT/EPS",
		Version:   "1.2.0",
		Parameters: []ir.ParameterSpec{
			{Name: "on", Type: ir.ParamBoolean, Required: true},
			{Name: "level", Type: ir.ParamInteger, Min: &lo, Default: int64(10)},
			{Name: "gain", Type: ir.ParamFloat},
			{Name: "at", Type: ir.ParamTime},
			{Name: "blob", Type: ir.ParamBinary},
			{Name: "mode", Type: ir.ParamEnum, EnumValues: []string{"A", "B"}},
		},
		Constraints:  []ir.Constraint{{ID: "bus", Phase: ir.PhasePre, Expression: "tm.bus_v > 20.0"}},
		Verifiers:    []ir.Verifier{{ID: "temp", Kind: ir.VerifierTelemetry, Condition: "tm.heater == args.on", TimeoutSeconds: 5}},
		Significance: ir.Significance{Level: ir.SignificanceWarning, Reason: "thermal"},
	}
}

// createTestRecord creates a pending record with every binding type.
func createTestRecord(id string, seq int64) ir.HistoryRecord {
	inv := ir.Invocation{
		Definition: testDefinition(),
		Bindings: ir.Bindings{
			"on":    true,
			"level": int64(9007199254740993),
			"gain":  2.5,
			"at":    testEpoch.Add(time.Minute),
			"blob":  []byte{0xca, 0xfe},
			"mode":  "B",
		},
		Comments: "warm up",
		Operator: "alice",
	}
	return ir.HistoryRecord{
		ID:           id,
		Seq:          seq,
		Invocation:   inv,
		Digest:       "d-" + id,
		Origin:       ir.Origin{Kind: ir.OriginDirect},
		Operator:     "alice",
		Status:       ir.StatusPending,
		DispatchTime: testEpoch.Add(time.Duration(seq) * time.Second),
		PreConstraints: []ir.ConstraintResult{
			{ConstraintID: "bus", Phase: ir.PhasePre, Passed: true, Timestamp: testEpoch},
		},
	}
}
