// Package harness runs YAML-defined queue scenarios against the real engine.
//
// A scenario seeds content, scripts publisher outcomes per platform and
// source, then drives a sequence of steps:
//
//	rank      run one ranking pass
//	tick      run one executor tick
//	retry     run one retry sweep
//	cancel    cancel an entry by id
//	advance   move the fixed clock forward
//
// Every step runs against a fresh SQLite store with a fixed clock and
// sequential entry ids (e-001, e-002, ...), so the transition trace is
// deterministic and can be compared against a golden file:
//
//	go test ./internal/harness -update
//
// regenerates testdata/golden from the current behavior.
package harness
