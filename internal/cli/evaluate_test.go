package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/ppiankov/configwatch/internal/config"
	"github.com/ppiankov/configwatch/internal/monitor"
	"github.com/ppiankov/configwatch/internal/store"
)

const (
	publicBucket = `{"resourceType":"s3","resourceId":"audit-bucket","accountId":"111122223333","region":"us-east-1","config":{"public_access_block":"not_blocked"}}`
	keyID        = "1234abcd-12ab-34cd-56ef-1234567890ab"
	pendingKey   = `{"resourceType":"kms","resourceId":"` + keyID + `","accountId":"111122223333","region":"us-east-1","config":{"key_state":"PendingDeletion","origin":"AWS_KMS","key_rotation_enabled":true}}`
	kmsBucket    = `{"resourceType":"s3","resourceId":"data-bucket","accountId":"111122223333","region":"us-east-1","config":{` +
		`"encryption":{"sse_algorithm":"aws:kms","kms_master_key_id":"` + keyID + `","status":"enabled"},` +
		`"ownership":{"object_ownership":"BucketOwnerEnforced"},"public_access_block":{"status":"blocked"},` +
		`"versioning":{"status":"Enabled"},"logging":{"status":"enabled"},"notification":{"status":"enabled"}}}`
	deleteAudit = `{"event":{"kind":"Deleted","resourceType":"s3","resourceId":"audit-bucket"}}`
)

func testRuntime(t *testing.T, dbPath string) *runtime {
	t.Helper()
	rt, err := newRuntime(context.Background(), &cobra.Command{}, config.Defaults(), dbPath)
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	return rt
}

func TestCollectInputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.json", "a.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	single := writeTemp(t, "single.json", "{}")

	files, err := collectInputs([]string{dir, single, "-"})
	if err != nil {
		t.Fatalf("collectInputs: %v", err)
	}
	want := []string{filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json"), single, "-"}
	if strings.Join(files, ",") != strings.Join(want, ",") {
		t.Errorf("files = %v, want %v", files, want)
	}

	if _, err := collectInputs([]string{filepath.Join(dir, "missing.json")}); err == nil {
		t.Error("expected error for missing input")
	}
	if _, err := collectInputs([]string{t.TempDir()}); err == nil {
		t.Error("expected error for directory without json files")
	}
}

func TestEvaluateFiles_CreatesAndResolves(t *testing.T) {
	rt := testRuntime(t, ":memory:")
	defer rt.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "01-bucket.json"), []byte(publicBucket), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "02-delete.json"), []byte(deleteAudit), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err := collectInputs([]string{dir})
	if err != nil {
		t.Fatal(err)
	}

	r := evaluateFiles(context.Background(), rt.orch, files, nil, 4)
	if len(r.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", r.Errors)
	}
	if len(r.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(r.Findings))
	}
	f := r.Findings[0]
	if f.ResourceID != "audit-bucket" || f.Status != store.StatusResolved {
		t.Errorf("expected resolved audit-bucket finding, got %s %s", f.ResourceID, f.Status)
	}
	if code := monitor.ExitCode(r); code != 0 {
		t.Errorf("expected exit code 0 after resolve, got %d", code)
	}
}

func TestEvaluateFiles_StdinAndErrors(t *testing.T) {
	rt := testRuntime(t, ":memory:")
	defer rt.Close()

	bad := writeTemp(t, "bad.json", `{"not":"a notification"}`)
	stdin := strings.NewReader(`[` + pendingKey + `,` + kmsBucket + `]`)

	r := evaluateFiles(context.Background(), rt.orch, []string{"-", bad}, stdin, 1)
	var badErr bool
	for key := range r.Errors {
		badErr = badErr || strings.HasPrefix(key, bad)
	}
	if !badErr {
		t.Errorf("expected error for %s, got %v", bad, r.Errors)
	}
	if len(r.Findings) != 2 {
		t.Fatalf("expected key and bucket findings, got %d", len(r.Findings))
	}
	if code := monitor.ExitCode(r); code != 3 {
		t.Errorf("expected exit code 3 with evaluation errors, got %d", code)
	}

	var bucket *store.Finding
	for i := range r.Findings {
		if r.Findings[i].ResourceID == "data-bucket" {
			bucket = &r.Findings[i]
		}
	}
	if bucket == nil {
		t.Fatal("no finding for data-bucket")
	}
	if bucket.CorrelatedFindingID == "" {
		t.Error("expected data-bucket finding linked to the key finding")
	}
}

func TestEvaluateFiles_FailOnThreshold(t *testing.T) {
	rt := testRuntime(t, ":memory:")
	defer rt.Close()

	r := evaluateFiles(context.Background(), rt.orch, []string{"-"}, strings.NewReader(publicBucket), 1)
	if code := monitor.ExitCode(r); code != 2 {
		t.Errorf("expected exit code 2 for critical finding, got %d", code)
	}
	if code := monitor.ExitCodeAt(r, store.SeverityCritical); code != 2 {
		t.Errorf("expected exit code 2 at critical threshold, got %d", code)
	}
}

// seedDatabase evaluates the key and bucket notifications into a file
// database and returns its path with the key finding id.
func seedDatabase(t *testing.T) (string, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "findings.db")
	rt := testRuntime(t, dbPath)
	r := evaluateFiles(context.Background(), rt.orch, []string{"-"},
		strings.NewReader(`[`+pendingKey+`,`+kmsBucket+`,`+publicBucket+`]`), 1)
	rt.Close()
	if len(r.Errors) != 0 {
		t.Fatalf("seeding: %v", r.Errors)
	}
	for i := range r.Findings {
		if r.Findings[i].ResourceType == store.ResourceKMS {
			return dbPath, r.Findings[i].ID
		}
	}
	t.Fatal("no kms finding seeded")
	return "", ""
}

func TestFindingsCommands(t *testing.T) {
	dbPath, keyFinding := seedDatabase(t)

	out, err := execute("findings", "list", "--config", "", "--db", dbPath, "-o", "json", "--resource-type", "s3")
	if err != nil {
		t.Fatalf("findings list: %v", err)
	}
	var listed []store.Finding
	if err := json.Unmarshal([]byte(out), &listed); err != nil {
		t.Fatalf("decoding list output: %v\n%s", err, out)
	}
	if len(listed) != 2 {
		t.Errorf("expected 2 s3 findings, got %d", len(listed))
	}

	out, err = execute("findings", "list", "--config", "", "--db", dbPath, "--severity", "critical")
	if err != nil {
		t.Fatalf("findings list text: %v", err)
	}
	if !strings.Contains(out, "audit-bucket") {
		t.Errorf("expected audit-bucket in critical list, got %q", out)
	}

	if _, err := execute("findings", "list", "--config", "", "--db", dbPath, "--status", "bogus"); err == nil {
		t.Error("expected error for unknown status")
	}

	out, err = execute("findings", "show", keyFinding, "--config", "", "--db", dbPath)
	if err != nil {
		t.Fatalf("findings show: %v", err)
	}
	if !strings.Contains(out, keyID) || !strings.Contains(out, "Escalates") {
		t.Errorf("expected key detail with escalation link, got %q", out)
	}

	out, err = execute("findings", "status", keyFinding, "in_progress", "--config", "", "--db", dbPath)
	if err != nil {
		t.Fatalf("findings status: %v", err)
	}
	if !strings.Contains(out, "in_progress") {
		t.Errorf("unexpected status output %q", out)
	}
}

func TestImpactCommand(t *testing.T) {
	dbPath, keyFinding := seedDatabase(t)

	out, err := execute("impact", "--config", "", "--db", dbPath, "--resource", "1234abcd", "-o", "json")
	if err != nil {
		t.Fatalf("impact --resource: %v", err)
	}
	var qr struct {
		Findings []store.Finding `json:"findings"`
	}
	if err := json.Unmarshal([]byte(out), &qr); err != nil {
		t.Fatalf("decoding impact output: %v\n%s", err, out)
	}
	if len(qr.Findings) != 2 {
		t.Errorf("expected key and dependent bucket, got %d findings", len(qr.Findings))
	}

	out, err = execute("impact", "--config", "", "--db", dbPath, "--finding", keyFinding)
	if err != nil {
		t.Fatalf("impact --finding: %v", err)
	}
	if !strings.Contains(out, "data-bucket") {
		t.Errorf("expected dependent data-bucket in output, got %q", out)
	}

	if _, err := execute("impact", "--config", "", "--db", dbPath); err == nil {
		t.Error("expected error without a query flag")
	}
	if _, err := execute("impact", "--config", "", "--db", dbPath, "--finding", "missing"); err == nil {
		t.Error("expected error for unknown finding")
	}
}

func TestReportCommand(t *testing.T) {
	dbPath, _ := seedDatabase(t)

	out, err := execute("report", "--config", "", "--db", dbPath, "--account-name", "prod-account")
	if err != nil {
		t.Fatalf("report html: %v", err)
	}
	if !strings.Contains(out, "ConfigWatch Compliance Report") || !strings.Contains(out, "prod-account") {
		t.Errorf("unexpected html report: %.200q", out)
	}

	csvPath := filepath.Join(t.TempDir(), "findings.csv")
	if _, err := execute("report", "--config", "", "--db", dbPath, "--format", "csv", "-o", csvPath); err != nil {
		t.Fatalf("report csv: %v", err)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(strings.TrimSpace(string(data)), "\n"); lines != 3 {
		t.Errorf("expected header and 3 rows, got %d data lines", lines)
	}

	if _, err := execute("report", "--config", "", "--db", dbPath, "--format", "pdf"); err == nil {
		t.Error("expected error for unknown format")
	}
}
