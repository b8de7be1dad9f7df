package cli

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/prometheus/common/model"
	"github.com/spf13/cobra"
)

const defaultForMinutes = 10

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Generate PrometheusRule YAML for configwatch alerts",
	Long: `Output a static PrometheusRule YAML manifest with alert rules for open
critical and high findings, evaluation failures, rule faults and linked
resource lookups that could not be resolved.

No running service required. The output is valid
monitoring.coreos.com/v1 PrometheusRule YAML suitable for kubectl apply.`,
	Example: `  # Generate with defaults
  configwatch rules

  # Page on any open high finding after 30 minutes
  configwatch rules --high-threshold 1 --for 30m

  # Custom metadata
  configwatch rules --name configwatch-alerts --namespace monitoring

  # Add extra labels for PrometheusRule selection
  configwatch rules --labels 'prometheus=kube,role=alert-rules'

  # Apply directly
  configwatch rules | kubectl apply -f -`,
	Args: cobra.NoArgs,
	RunE: runRules,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.Flags().Int("high-threshold", 5, "Open high findings that trigger ConfigwatchHighFindings")
	rulesCmd.Flags().Duration("for", 0, "Pending period for non-critical alerts (default: 10m)")
	rulesCmd.Flags().String("name", "configwatch-alerts", "PrometheusRule metadata.name")
	rulesCmd.Flags().String("namespace", "", "PrometheusRule metadata.namespace")
	rulesCmd.Flags().String("labels", "", "Extra labels (comma-separated key=value pairs)")
}

type rulesData struct {
	Labels        map[string]string
	Name          string
	Namespace     string
	For           string
	HighThreshold int
}

func runRules(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")           //nolint:errcheck // flag registered above
	ns, _ := cmd.Flags().GetString("namespace")        //nolint:errcheck // flag registered above
	labelsStr, _ := cmd.Flags().GetString("labels")    //nolint:errcheck // flag registered above
	forDur, _ := cmd.Flags().GetDuration("for")        //nolint:errcheck // flag registered above
	highThr, _ := cmd.Flags().GetInt("high-threshold") //nolint:errcheck // flag registered above

	if highThr < 1 {
		return fmt.Errorf("--high-threshold must be at least 1, got %d", highThr)
	}
	if forDur < 0 {
		return fmt.Errorf("--for must not be negative, got %s", forDur)
	}
	if forDur == 0 {
		forDur = defaultForMinutes * time.Minute
	}
	pending := model.Duration(forDur).String()

	labels := make(map[string]string)
	if labelsStr != "" {
		for _, pair := range strings.Split(labelsStr, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) == 2 {
				labels[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
	}

	data := rulesData{
		Name:          name,
		Namespace:     ns,
		Labels:        labels,
		For:           pending,
		HighThreshold: highThr,
	}

	tmpl, err := template.New("prometheusrule").Parse(prometheusRuleTemplate)
	if err != nil {
		return fmt.Errorf("parsing template: %w", err)
	}

	return tmpl.Execute(cmd.OutOrStdout(), data)
}

const prometheusRuleTemplate = `apiVersion: monitoring.coreos.com/v1
kind: PrometheusRule
metadata:
  name: {{ .Name }}
{{- if .Namespace }}
  namespace: {{ .Namespace }}
{{- end }}
  labels:
    app.kubernetes.io/name: configwatch
{{- range $k, $v := .Labels }}
    {{ $k }}: {{ $v }}
{{- end }}
spec:
  groups:
    - name: configwatch.rules
      rules:
        - alert: ConfigwatchCriticalFindings
          expr: configwatch_findings_open{severity="Critical"} > 0
          for: 0m
          labels:
            severity: critical
          annotations:
            summary: "{{"{{"}} $value {{"}}"}} critical configuration findings open"
            description: "configwatch has open Critical findings. Run 'configwatch findings list --severity critical' for details."
        - alert: ConfigwatchHighFindings
          expr: configwatch_findings_open{severity="High"} >= {{ .HighThreshold }}
          for: {{ .For }}
          labels:
            severity: warning
          annotations:
            summary: "{{"{{"}} $value {{"}}"}} high configuration findings open"
            description: "At least {{ .HighThreshold }} High findings have been open for {{ .For }}."
        - alert: ConfigwatchEvaluationErrors
          expr: increase(configwatch_evaluation_errors_total[5m]) > 0
          for: {{ .For }}
          labels:
            severity: warning
          annotations:
            summary: "Evaluation errors for {{"{{"}} $labels.resource_type {{"}}"}} ({{"{{"}} $labels.reason {{"}}"}})"
            description: "configwatch failed to evaluate {{"{{"}} $labels.resource_type {{"}}"}} changes; no finding was written for them."
        - alert: ConfigwatchRuleErrors
          expr: increase(configwatch_rule_errors_total[15m]) > 0
          for: {{ .For }}
          labels:
            severity: warning
          annotations:
            summary: "Rule {{"{{"}} $labels.rule {{"}}"}} is faulting"
            description: "Rule {{"{{"}} $labels.rule {{"}}"}} keeps faulting; affected findings are partially evaluated."
        - alert: ConfigwatchLinkedLookupUnknown
          expr: increase(configwatch_linked_lookups_total{outcome="unknown"}[15m]) > 0
          for: {{ .For }}
          labels:
            severity: warning
          annotations:
            summary: "Linked resource lookups are failing"
            description: "Dependent resources could not be resolved; escalated findings may be missing."
`
