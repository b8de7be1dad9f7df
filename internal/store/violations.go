package store

import (
	"slices"
	"strings"
)

// SortViolations orders violations by rule name, then reason.
func SortViolations(vs []Violation) {
	slices.SortStableFunc(vs, func(a, b Violation) int {
		if c := strings.Compare(a.RuleName, b.RuleName); c != 0 {
			return c
		}
		return strings.Compare(a.Reason, b.Reason)
	})
}

// RuleNames returns the sorted, de-duplicated rule names in vs.
func RuleNames(vs []Violation) []string {
	names := make([]string, 0, len(vs))
	for i := range vs {
		names = append(names, vs[i].RuleName)
	}
	slices.Sort(names)
	return slices.Compact(names)
}
