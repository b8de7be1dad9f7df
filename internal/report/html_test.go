package report

import (
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/configwatch/internal/store"
)

func finding(id, resource string, sev store.Severity, status store.Status) store.Finding {
	return store.Finding{
		ID:           id,
		ResourceType: store.ResourceS3,
		ResourceID:   resource,
		AccountID:    "111122223333",
		Region:       "us-east-1",
		Severity:     sev,
		Status:       status,
	}
}

func TestGenerate_WithFindings(t *testing.T) {
	now := time.Now().UTC()
	crit := finding("f-crit", "public-bucket", store.SeverityCritical, store.StatusOpen)
	crit.FirstDetectedAt = now.Add(-50 * time.Hour)
	crit.CorrelatedFindingID = "f-key"
	crit.Violations = []store.Violation{{
		RuleName:    "public-exposure",
		RiskLevel:   store.SeverityHigh,
		Reason:      "public access is not blocked",
		Remediation: "Enable Block Public Access",
	}}
	findings := []store.Finding{
		crit,
		finding("f-med", "logs-bucket", store.SeverityMedium, store.StatusInProgress),
		finding("f-old", "old-bucket", store.SeverityHigh, store.StatusResolved),
	}

	html, err := Generate(findings, now, "prod-account")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	body := string(html)
	for _, want := range []string{
		"<!DOCTYPE html>",
		"ConfigWatch Compliance Report",
		"prod-account",
		"Critical: 1",
		"High: 0",
		"Medium: 1",
		"Total: 3",
		"public-bucket (111122223333/us-east-1)",
		"public access is not blocked",
		"Enable Block Public Access",
		"linked: f-key",
		"2d 2h",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected HTML to contain %q", want)
		}
	}
}

func TestGenerate_Empty(t *testing.T) {
	html, err := Generate(nil, time.Now(), "")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	body := string(html)
	if !strings.Contains(body, "No findings.") {
		t.Error("expected empty report to contain 'No findings.'")
	}
	if !strings.Contains(body, "Total: 0") {
		t.Error("expected total count of 0")
	}
}

func TestGenerate_SortOrder(t *testing.T) {
	findings := []store.Finding{
		finding("a", "low-bucket", store.SeverityLow, store.StatusOpen),
		finding("b", "resolved-bucket", store.SeverityCritical, store.StatusResolved),
		finding("c", "crit-bucket", store.SeverityCritical, store.StatusOpen),
	}

	html, err := Generate(findings, time.Now(), "")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	body := string(html)
	critIdx := strings.Index(body, "crit-bucket")
	lowIdx := strings.Index(body, "low-bucket")
	resolvedIdx := strings.Index(body, "resolved-bucket")
	if critIdx > lowIdx || lowIdx > resolvedIdx {
		t.Error("expected active findings by severity, then terminal findings")
	}
}

func TestGenerate_EscapesHTML(t *testing.T) {
	f := finding("x", "<script>alert(1)</script>", store.SeverityHigh, store.StatusOpen)
	html, err := Generate([]store.Finding{f}, time.Now(), "")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if strings.Contains(string(html), "<script>alert(1)</script>") {
		t.Error("resource id must be escaped")
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		since time.Time
		want  string
	}{
		{now.Add(-30 * time.Minute), "30m"},
		{now.Add(-5 * time.Hour), "5h"},
		{now.Add(-49 * time.Hour), "2d 1h"},
		{now.Add(time.Hour), "0m"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.since, now); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", now.Sub(tt.since), got, tt.want)
		}
	}
}
