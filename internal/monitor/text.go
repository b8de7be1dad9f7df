package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ppiankov/configwatch/internal/store"
)

var (
	critStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))   // red
	highStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208")) // orange
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))  // yellow
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))   // dim gray

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
)

// Header returns a styled two-line summary of the report for terminals.
func Header(r Report) string {
	counts := make(map[store.Severity]int)
	for i := range r.Findings {
		if r.Findings[i].Status.Active() {
			counts[r.Findings[i].Severity]++
		}
	}

	title := headerStyle.Render(fmt.Sprintf("configwatch · %s", r.At.UTC().Format("2006-01-02 15:04 UTC")))
	line := headerStyle.Render(fmt.Sprintf(
		"%s  %s  %s  %s  %s",
		critStyle.Render(fmt.Sprintf("Critical: %d", counts[store.SeverityCritical])),
		highStyle.Render(fmt.Sprintf("High: %d", counts[store.SeverityHigh])),
		warnStyle.Render(fmt.Sprintf("Medium: %d", counts[store.SeverityMedium])),
		fmt.Sprintf("Low: %d", counts[store.SeverityLow]),
		dimStyle.Render(fmt.Sprintf("Errors: %d", len(r.Errors))),
	))
	return title + "\n" + line
}

// PlainText returns a non-interactive text representation for piped output.
func PlainText(findings []store.Finding) string {
	findings = sortFindings(findings)
	if len(findings) == 0 {
		return "No findings."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %-5s %-40s %-14s %-10s %s\n", "SEV", "TYPE", "RESOURCE", "STATUS", "LAST SEEN", "RULES")
	fmt.Fprintf(&b, "%-6s %-5s %-40s %-14s %-10s %s\n", "---", "----", "--------", "------", "---------", "-----")
	for i := range findings {
		row := findingToRow(&findings[i])
		fmt.Fprintf(&b, "%-6s %-5s %-40s %-14s %-10s %s\n", row[0], row[1], row[2], row[3], row[4], row[5])
	}
	return b.String()
}

// Detail returns a multi-line description of one finding.
func Detail(f *store.Finding) string {
	var lines []string
	lines = append(lines,
		fmt.Sprintf("Finding:  %s", f.ID),
		fmt.Sprintf("Resource: %s/%s (%s, %s)", f.ResourceType, f.ResourceID, f.AccountID, f.Region),
		fmt.Sprintf("Severity: %s (score %d)", f.Severity, f.Severity.Score()),
		fmt.Sprintf("Status:   %s (version %d)", f.Status, f.Version),
		fmt.Sprintf("Title:    %s", f.Title),
	)
	if f.CorrelatedFindingID != "" {
		lines = append(lines, fmt.Sprintf("Linked:   %s", f.CorrelatedFindingID))
	}
	if len(f.Annotations) > 0 {
		lines = append(lines, fmt.Sprintf("Notes:    %s", strings.Join(f.Annotations, "; ")))
	}
	for _, v := range f.Violations {
		lines = append(lines, fmt.Sprintf("  [%s] %s: %s", sevLabel(v.RiskLevel), v.RuleName, v.Reason))
		if v.Remediation != "" {
			lines = append(lines, "         fix: "+v.Remediation)
		}
	}
	return strings.Join(lines, "\n")
}

// findingToRow converts a finding to a row of plain text cells (no ANSI).
func findingToRow(f *store.Finding) []string {
	seen := ""
	if !f.LastEvaluatedAt.IsZero() {
		seen = FormatAge(f.LastEvaluatedAt, time.Now())
	}
	return []string{
		sevLabel(f.Severity),
		string(f.ResourceType),
		truncate(f.ResourceID, 40),
		string(f.Status),
		seen,
		truncate(strings.Join(f.RuleNames(), ","), 60),
	}
}

func sevLabel(s store.Severity) string {
	switch s {
	case store.SeverityCritical:
		return "CRIT"
	case store.SeverityHigh:
		return "HIGH"
	case store.SeverityMedium:
		return "MED"
	case store.SeverityLow:
		return "LOW"
	case store.SeverityInformational:
		return "INFO"
	default:
		return "-"
	}
}

// FormatAge returns a human-readable age (plain text).
func FormatAge(at, now time.Time) string {
	d := now.Sub(at)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// sortFindings returns a sorted copy: most severe first, then by resource.
func sortFindings(findings []store.Finding) []store.Finding {
	sorted := make([]store.Finding, len(findings))
	copy(sorted, findings)

	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := sorted[i].Severity.Rank(), sorted[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].ResourceID < sorted[j].ResourceID
	})

	return sorted
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
