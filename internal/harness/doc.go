// Package harness runs YAML scenarios against the command engine.
//
// Each scenario gets a fresh engine wired to a simulated spacecraft
// (package sim), a fake clock starting at Epoch, counter ids and an
// in-memory SQLite history. Steps drive the engine the way an operator
// would; the resulting history is the trace that assertions and golden
// files check.
//
// # Scenario Format
//
//	name: safe_mode_entry
//	description: "What this scenario validates"
//	catalog: ../catalog          # CUE directory, relative to this file
//	world: ../worlds/leo.yaml    # sim world, optional
//	operator: alice
//	steps:
//	  - exec: /SAT/ADCS/SET_MODE
//	    args: { mode: SAFE }
//	    expect: { status: success }
//	  - enqueue: /SAT/OBC/NOOP
//	    priority: 5
//	    expire_after_seconds: 30
//	  - drain: true
//	    expect: { outcomes: [success] }
//	  - sequence: safe_entry       # action: run|start|pause|resume|stop|wait
//	    expect: { status: completed }
//	  - telemetry: { battery_v: 6.5 }
//	  - uplink: NO_LINK            # ok|NO_LINK|BUSY|REJECTED
//	  - telemetry_link: down
//	  - advance_seconds: 2
//	assertions:
//	  - type: trace_contains
//	    command: /SAT/ADCS/SET_MODE
//	    args: { mode: SAFE }
//	    status: success
//	  - type: final_state
//	    table: records
//	    where: { seq: 1 }
//	    expect: { status: success, ack_id: sim-1 }
//
// # Assertion Types
//
//   - trace_contains: a record for the command with matching args and status
//   - trace_order: commands first appear in the specified order
//   - trace_count: the command appears exactly N times
//   - final_state: one row of the records table has the expected columns
//
// # Simulated Time
//
// Steps that wait (exec, drain, sequence run/wait) advance the fake clock in
// ticks (tick_ms, default 100) until the work finishes, pausing briefly in
// real time between ticks so engine goroutines observe each instant. Sim
// effects and verifier deadlines that fall within one tick of each other
// are not ordered.
package harness
