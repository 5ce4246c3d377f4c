package entity

import "testing"

// TestGateSatisfied tests that only passed and waived gates count as satisfied
func TestGateSatisfied(t *testing.T) {
	satisfied := []string{GateStatusPassed, GateStatusWaived}
	for _, s := range satisfied {
		if !GateSatisfied(s) {
			t.Fatalf("expected gate status %q to be satisfied", s)
		}
	}

	notSatisfied := []string{GateStatusPending, GateStatusFailed, GateStatusRework, ""}
	for _, s := range notSatisfied {
		if GateSatisfied(s) {
			t.Fatalf("expected gate status %q to NOT be satisfied", s)
		}
	}
}

// TestRecomputeEligibility tests the derivation of production/dispatch flags from gates
func TestRecomputeEligibility(t *testing.T) {
	cases := []struct {
		name           string
		material       string
		firstPiece     string
		final          string
		wantProduction bool
		wantDispatch   bool
	}{
		{"all pending", GateStatusPending, GateStatusPending, GateStatusPending, false, false},
		{"material only", GateStatusPassed, GateStatusPending, GateStatusPending, false, false},
		{"first piece only", GateStatusPending, GateStatusPassed, GateStatusPending, false, false},
		{"production gates passed", GateStatusPassed, GateStatusPassed, GateStatusPending, true, false},
		{"waived counts as satisfied", GateStatusWaived, GateStatusPassed, GateStatusPending, true, false},
		{"all passed", GateStatusPassed, GateStatusPassed, GateStatusPassed, true, true},
		{"all waived", GateStatusWaived, GateStatusWaived, GateStatusWaived, true, true},
		{"final passed but material failed", GateStatusFailed, GateStatusPassed, GateStatusPassed, false, false},
		{"final failed", GateStatusPassed, GateStatusPassed, GateStatusFailed, true, false},
		{"final rework", GateStatusPassed, GateStatusWaived, GateStatusRework, true, false},
	}

	for _, tc := range cases {
		b := &ProductionBatch{
			MaterialGate:   tc.material,
			FirstPieceGate: tc.firstPiece,
			FinalGate:      tc.final,
		}
		b.RecomputeEligibility()
		if b.ProductionAllowed != tc.wantProduction {
			t.Fatalf("%s: expected production_allowed=%v, got %v", tc.name, tc.wantProduction, b.ProductionAllowed)
		}
		if b.DispatchAllowed != tc.wantDispatch {
			t.Fatalf("%s: expected dispatch_allowed=%v, got %v", tc.name, tc.wantDispatch, b.DispatchAllowed)
		}
	}
}

// TestBatchTransitions tests that closed batch states are terminal
func TestBatchTransitions(t *testing.T) {
	openTargets := ValidBatchTransitions[BatchStateOpen]
	hasSuperseded := false
	hasComplete := false
	for _, s := range openTargets {
		if s == BatchStateClosedSuperseded {
			hasSuperseded = true
		}
		if s == BatchStateClosedComplete {
			hasComplete = true
		}
	}
	if !hasSuperseded {
		t.Fatal("expected open → closed_superseded transition to be valid")
	}
	if !hasComplete {
		t.Fatal("expected open → closed_complete transition to be valid")
	}

	// Closed states must have no outgoing transitions
	if len(ValidBatchTransitions[BatchStateClosedSuperseded]) != 0 {
		t.Fatal("expected closed_superseded to be terminal")
	}
	if len(ValidBatchTransitions[BatchStateClosedComplete]) != 0 {
		t.Fatal("expected closed_complete to be terminal")
	}
}

// TestBatchIsOpen tests that a batch counts as open only when in open state and not production complete
func TestBatchIsOpen(t *testing.T) {
	b := &ProductionBatch{State: BatchStateOpen}
	if !b.IsOpen() {
		t.Fatal("expected open batch to be open")
	}

	b.ProductionComplete = true
	if b.IsOpen() {
		t.Fatal("expected production-complete batch to NOT be open")
	}

	b = &ProductionBatch{State: BatchStateClosedSuperseded}
	if b.IsOpen() {
		t.Fatal("expected superseded batch to NOT be open")
	}

	b = &ProductionBatch{State: BatchStateClosedComplete}
	if b.IsOpen() {
		t.Fatal("expected completed batch to NOT be open")
	}
}
