package core

import (
	"testing"
)

func TestSortFindings_Deterministic(t *testing.T) {
	a := []Finding{
		{Check: CheckNetworkPath, Severity: SeverityWarning, Message: "b"},
		{Check: CheckAgentRegistration, Severity: SeverityCritical, Message: "absent"},
		{Check: CheckNetworkPath, Severity: SeverityError, Message: "a"},
		{Check: CheckInstanceState, Severity: SeverityInfo, Message: "running"},
	}
	b := []Finding{a[2], a[0], a[3], a[1]}

	SortFindings(a)
	SortFindings(b)

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sort order depends on input order at %d: %v vs %v", i, a[i], b[i])
		}
	}
	if a[0].Check != CheckAgentRegistration {
		t.Fatalf("expected agent_registration first, got %s", a[0].Check)
	}
	// Within one check, most severe first.
	if a[len(a)-2].Check == CheckNetworkPath && a[len(a)-2].Severity < a[len(a)-1].Severity {
		t.Fatalf("expected severity-descending order within a check")
	}
}

func TestMaxSeverity(t *testing.T) {
	if got := MaxSeverity(nil); got != SeverityInfo {
		t.Fatalf("empty set should be info, got %s", got)
	}
	findings := []Finding{{Severity: SeverityWarning}, {Severity: SeverityError}}
	if got := MaxSeverity(findings); got != SeverityError {
		t.Fatalf("expected error, got %s", got)
	}
}

func TestHasCritical(t *testing.T) {
	if HasCritical([]Finding{{Severity: SeverityError}}) {
		t.Fatalf("error is not critical")
	}
	if !HasCritical([]Finding{{Severity: SeverityInfo}, {Severity: SeverityCritical}}) {
		t.Fatalf("expected critical to be detected")
	}
}
