package impact

import (
	"sort"
	"strings"

	"github.com/ppiankov/configwatch/internal/store"
)

// QueryResult holds the blast radius of an impact query. Only active findings
// are counted; resolved and false-positive findings no longer carry risk.
type QueryResult struct {
	BySeverity     map[store.Severity]int     `json:"bySeverity"`
	ByType         map[store.ResourceType]int `json:"byType"`
	MatchedPattern string                     `json:"matchedPattern"`
	Findings       []store.Finding            `json:"findings"`
	Accounts       []string                   `json:"accounts"`
	Regions        []string                   `json:"regions"`
}

// Dependents returns every finding that depends, directly or transitively, on
// the finding with the given id.
func (g *Graph) Dependents(findingID string) QueryResult {
	return g.buildResult(findingID, walk(g.dependents, findingID))
}

// Dependencies returns every finding the given finding was escalated by.
func (g *Graph) Dependencies(findingID string) QueryResult {
	return g.buildResult(findingID, walk(g.dependencies, findingID))
}

// QueryResource finds findings whose resource id contains the pattern
// (case-insensitive substring match), together with their dependents.
func (g *Graph) QueryResource(pattern string) QueryResult {
	pat := strings.ToLower(pattern)
	var ids []string

	for key, indices := range g.resourceIndex {
		if !strings.Contains(key, pat) {
			continue
		}
		for _, idx := range indices {
			id := g.findings[idx].ID
			ids = append(ids, id)
			ids = append(ids, walk(g.dependents, id)...)
		}
	}

	return g.buildResult(pattern, ids)
}

func (g *Graph) buildResult(pattern string, ids []string) QueryResult {
	qr := QueryResult{
		MatchedPattern: pattern,
		BySeverity:     make(map[store.Severity]int),
		ByType:         make(map[store.ResourceType]int),
	}

	seen := make(map[string]bool)
	accountSet := make(map[string]bool)
	regionSet := make(map[string]bool)

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		f, ok := g.Finding(id)
		if !ok || !f.Status.Active() {
			continue
		}
		qr.Findings = append(qr.Findings, f)
		if f.Severity != store.SeverityNone {
			qr.BySeverity[f.Severity]++
		}
		qr.ByType[f.ResourceType]++
		if f.AccountID != "" {
			accountSet[f.AccountID] = true
		}
		if f.Region != "" {
			regionSet[f.Region] = true
		}
	}

	sort.Slice(qr.Findings, func(i, j int) bool {
		a, b := qr.Findings[i], qr.Findings[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		return a.ResourceID < b.ResourceID
	})

	for acct := range accountSet {
		qr.Accounts = append(qr.Accounts, acct)
	}
	sort.Strings(qr.Accounts)

	for r := range regionSet {
		qr.Regions = append(qr.Regions, r)
	}
	sort.Strings(qr.Regions)

	return qr
}
