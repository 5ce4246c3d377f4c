package entity

import "testing"

// TestTerminalQCResult tests which inspection results finalize a QC record
func TestTerminalQCResult(t *testing.T) {
	terminal := []string{QCResultPass, QCResultFail, QCResultRework, QCResultWaived}
	for _, r := range terminal {
		if !TerminalQCResult(r) {
			t.Fatalf("expected result %q to be terminal", r)
		}
	}

	if TerminalQCResult(QCResultPending) {
		t.Fatal("expected pending to NOT be terminal")
	}
	if TerminalQCResult("unknown") {
		t.Fatal("expected unknown result to NOT be terminal")
	}
}

// TestGateStatusForResult tests the mapping from inspection result to batch gate status
func TestGateStatusForResult(t *testing.T) {
	cases := map[string]string{
		QCResultPass:    GateStatusPassed,
		QCResultFail:    GateStatusFailed,
		QCResultRework:  GateStatusRework,
		QCResultWaived:  GateStatusWaived,
		QCResultPending: GateStatusPending,
		"unknown":       GateStatusPending,
	}
	for result, want := range cases {
		if got := GateStatusForResult(result); got != want {
			t.Fatalf("result %q: expected gate status %q, got %q", result, want, got)
		}
	}
}
