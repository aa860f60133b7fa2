package alert

import (
	"strings"
	"testing"
)

func TestAlertValidate(t *testing.T) {
	a := Alert{Severity: SeverityCritical, Job: "hard_delete", Summary: "fence mismatch"}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestAlertValidateRejectsUnknownSeverity(t *testing.T) {
	a := Alert{Severity: "fatal", Job: "hard_delete", Summary: "x"}
	if err := a.Validate(); err == nil {
		t.Fatalf("expected severity error")
	}
}

func TestAlertValidateRequiresJobAndSummary(t *testing.T) {
	if err := (Alert{Severity: SeverityWarning, Summary: "x"}).Validate(); err == nil {
		t.Fatalf("expected job error")
	}
	if err := (Alert{Severity: SeverityWarning, Job: "j"}).Validate(); err == nil {
		t.Fatalf("expected summary error")
	}
}

func TestInsertQueryReturnsID(t *testing.T) {
	if !strings.Contains(insertAlertQuery, "RETURNING alert_id") {
		t.Fatalf("insert must return the alert id")
	}
}
