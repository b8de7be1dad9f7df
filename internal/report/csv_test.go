package report

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/ppiankov/configwatch/internal/store"
)

func parseCSV(t *testing.T, buf *bytes.Buffer) [][]string {
	t.Helper()
	records, err := csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV: %v", err)
	}
	return records
}

func TestWriteCSV_Header(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV error: %v", err)
	}

	records := parseCSV(t, &buf)
	if len(records) != 1 {
		t.Fatalf("expected 1 row (header only), got %d", len(records))
	}
	for i, col := range csvHeader {
		if records[0][i] != col {
			t.Errorf("header[%d] = %q, want %q", i, records[0][i], col)
		}
	}
}

func TestWriteCSV_Rows(t *testing.T) {
	first := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	resolved := first.Add(time.Hour)
	findings := []store.Finding{
		{
			ID: "f1", ResourceType: store.ResourceS3, ResourceID: "audit-bucket",
			AccountID: "111122223333", Region: "us-east-1",
			Severity: store.SeverityCritical, Status: store.StatusOpen,
			Violations: []store.Violation{
				{RuleName: "public-exposure"}, {RuleName: "confidentiality-classification"},
			},
			FirstDetectedAt: first,
		},
		{
			ID: "f2", ResourceType: store.ResourceKMS, ResourceID: "key, with comma",
			Severity: store.SeverityLow, Status: store.StatusResolved,
			ResolvedAt: &resolved, PartiallyEvaluated: true,
		},
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, findings); err != nil {
		t.Fatalf("WriteCSV error: %v", err)
	}

	records := parseCSV(t, &buf)
	if len(records) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(records))
	}
	row := records[1]
	if row[5] != "Critical" || row[6] != "90" || row[7] != "open" {
		t.Errorf("unexpected severity/score/status: %v", row[5:8])
	}
	if row[8] != "confidentiality-classification;public-exposure" {
		t.Errorf("rules = %q", row[8])
	}
	if row[11] != "2026-03-01T10:30:00Z" {
		t.Errorf("firstDetectedAt = %q", row[11])
	}
	if records[2][2] != "key, with comma" {
		t.Errorf("resourceId = %q, want quoting preserved", records[2][2])
	}
	if records[2][10] != "true" || records[2][13] != "2026-03-01T11:30:00Z" {
		t.Errorf("unexpected partial/resolvedAt: %q %q", records[2][10], records[2][13])
	}
	if records[1][13] != "" {
		t.Errorf("open finding should have empty resolvedAt, got %q", records[1][13])
	}
}
