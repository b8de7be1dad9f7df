// Package report renders findings as CSV exports and self-contained HTML
// compliance reports.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/configwatch/internal/store"
)

//go:embed templates/report.html
var templateFS embed.FS

var reportTmpl = template.Must(template.ParseFS(templateFS, "templates/report.html"))

// Generate renders findings as a self-contained HTML report. Only active
// findings are counted in the summary; terminal findings are listed after them.
func Generate(findings []store.Finding, at time.Time, accountName string) ([]byte, error) {
	findings = sortFindings(findings)

	counts := make(map[store.Severity]int)
	rows := make([]reportRow, 0, len(findings))
	for i := range findings {
		f := &findings[i]
		if f.Status.Active() {
			counts[f.Severity]++
		}
		rows = append(rows, buildRow(f, at))
	}

	data := reportData{
		GeneratedAt:   at.UTC().Format("2006-01-02 15:04 UTC"),
		AccountName:   accountName,
		CriticalCount: counts[store.SeverityCritical],
		HighCount:     counts[store.SeverityHigh],
		MediumCount:   counts[store.SeverityMedium],
		LowCount:      counts[store.SeverityLow] + counts[store.SeverityInformational],
		TotalCount:    len(findings),
		Findings:      rows,
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type reportData struct {
	GeneratedAt   string
	AccountName   string
	Findings      []reportRow
	CriticalCount int
	HighCount     int
	MediumCount   int
	LowCount      int
	TotalCount    int
}

type reportRow struct {
	Severity      string
	SeverityLabel string
	ResourceType  string
	Where         string
	Status        string
	Age           string
	FindingID     string
	Linked        string
	Annotations   string
	Violations    []violationRow
}

type violationRow struct {
	Rule        string
	Risk        string
	Reason      string
	Remediation string
}

func buildRow(f *store.Finding, now time.Time) reportRow {
	where := f.ResourceID
	if f.AccountID != "" || f.Region != "" {
		where = fmt.Sprintf("%s (%s/%s)", f.ResourceID, f.AccountID, f.Region)
	}

	row := reportRow{
		Severity:      strings.ToLower(string(f.Severity)),
		SeverityLabel: strings.ToUpper(string(f.Severity)),
		ResourceType:  string(f.ResourceType),
		Where:         where,
		Status:        string(f.Status),
		FindingID:     f.ID,
		Linked:        f.CorrelatedFindingID,
		Annotations:   strings.Join(f.Annotations, "; "),
	}
	if !f.FirstDetectedAt.IsZero() {
		row.Age = formatAge(f.FirstDetectedAt, now)
	}
	for _, v := range f.Violations {
		row.Violations = append(row.Violations, violationRow{
			Rule:        v.RuleName,
			Risk:        string(v.RiskLevel),
			Reason:      v.Reason,
			Remediation: v.Remediation,
		})
	}
	return row
}

// formatAge reports how long a finding has been open.
func formatAge(since, now time.Time) string {
	d := now.Sub(since)
	if d < 0 {
		d = 0
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	default:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
}

// sortFindings puts active findings first, most severe first, then by resource.
func sortFindings(findings []store.Finding) []store.Finding {
	sorted := make([]store.Finding, len(findings))
	copy(sorted, findings)

	sort.SliceStable(sorted, func(i, j int) bool {
		ai, aj := sorted[i].Status.Active(), sorted[j].Status.Active()
		if ai != aj {
			return ai
		}
		ri, rj := sorted[i].Severity.Rank(), sorted[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].ResourceID < sorted[j].ResourceID
	})

	return sorted
}
