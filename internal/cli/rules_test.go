package cli

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func executeRules(args ...string) (string, error) {
	return execute(append([]string{"rules"}, args...)...)
}

func TestRulesCommand_DefaultOutput(t *testing.T) {
	out, err := executeRules()
	if err != nil {
		t.Fatalf("rules command failed: %v", err)
	}

	var parsed map[string]interface{}
	if err := yaml.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}

	if parsed["apiVersion"] != "monitoring.coreos.com/v1" {
		t.Errorf("expected apiVersion monitoring.coreos.com/v1, got %v", parsed["apiVersion"])
	}
	if parsed["kind"] != "PrometheusRule" {
		t.Errorf("expected kind PrometheusRule, got %v", parsed["kind"])
	}

	meta, ok := parsed["metadata"].(map[string]interface{})
	if !ok {
		t.Fatal("metadata is not a map")
	}
	if meta["name"] != "configwatch-alerts" {
		t.Errorf("expected name configwatch-alerts, got %v", meta["name"])
	}

	expectedAlerts := []string{
		"ConfigwatchCriticalFindings",
		"ConfigwatchHighFindings",
		"ConfigwatchEvaluationErrors",
		"ConfigwatchRuleErrors",
		"ConfigwatchLinkedLookupUnknown",
	}
	for _, alert := range expectedAlerts {
		if !strings.Contains(out, alert) {
			t.Errorf("expected alert %q in output", alert)
		}
	}

	if !strings.Contains(out, `configwatch_findings_open{severity="High"} >= 5`) {
		t.Error("expected default high threshold 5 in output")
	}
	if !strings.Contains(out, "for: 10m") {
		t.Error("expected default pending period 10m in output")
	}
}

func TestRulesCommand_CustomThresholds(t *testing.T) {
	out, err := executeRules("--high-threshold", "1", "--for", "30m")
	if err != nil {
		t.Fatalf("rules command failed: %v", err)
	}

	if !strings.Contains(out, `configwatch_findings_open{severity="High"} >= 1`) {
		t.Error("expected custom high threshold 1 in output")
	}
	if !strings.Contains(out, "for: 30m") {
		t.Error("expected custom pending period 30m in output")
	}
	if strings.Contains(out, "for: 10m") {
		t.Error("did not expect default pending period with --for")
	}
}

func TestRulesCommand_SubMinuteFor(t *testing.T) {
	out, err := executeRules("--for", "45s")
	if err != nil {
		t.Fatalf("rules command failed: %v", err)
	}
	if !strings.Contains(out, "for: 45s") {
		t.Errorf("expected pending period 45s in output, got:\n%s", out)
	}
	if strings.Contains(out, "for: 0m") || strings.Contains(out, "for: 0s") {
		t.Error("sub-minute --for must not collapse to zero")
	}

	out, err = executeRules("--for", "1h30m")
	if err != nil {
		t.Fatalf("rules command failed: %v", err)
	}
	if !strings.Contains(out, "for: 1h30m") {
		t.Errorf("expected pending period 1h30m in output, got:\n%s", out)
	}

	if _, err := executeRules("--for=-5m"); err == nil {
		t.Error("expected error for negative --for")
	}
}

func TestRulesCommand_InvalidThreshold(t *testing.T) {
	if _, err := executeRules("--high-threshold", "0"); err == nil {
		t.Fatal("expected error for --high-threshold 0")
	}
}

func TestRulesCommand_CustomName(t *testing.T) {
	out, err := executeRules("--name", "my-custom-alerts", "--namespace", "monitoring")
	if err != nil {
		t.Fatalf("rules command failed: %v", err)
	}

	var parsed map[string]interface{}
	if err := yaml.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}

	meta, ok := parsed["metadata"].(map[string]interface{})
	if !ok {
		t.Fatal("metadata is not a map")
	}
	if meta["name"] != "my-custom-alerts" {
		t.Errorf("expected name my-custom-alerts, got %v", meta["name"])
	}
	if meta["namespace"] != "monitoring" {
		t.Errorf("expected namespace monitoring, got %v", meta["namespace"])
	}
}

func TestRulesCommand_Labels(t *testing.T) {
	out, err := executeRules("--labels", "prometheus=kube,role=alert-rules")
	if err != nil {
		t.Fatalf("rules command failed: %v", err)
	}

	if !strings.Contains(out, "prometheus: kube") {
		t.Error("expected label 'prometheus: kube' in output")
	}
	if !strings.Contains(out, "role: alert-rules") {
		t.Error("expected label 'role: alert-rules' in output")
	}
}

func TestRulesCommand_Flags(t *testing.T) {
	expectedFlags := []string{"high-threshold", "for", "name", "namespace", "labels"}
	for _, name := range expectedFlags {
		if rulesCmd.Flags().Lookup(name) == nil {
			t.Errorf("expected --%s flag on 'rules' command", name)
		}
	}
}
