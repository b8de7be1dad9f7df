// Package risk reduces a resource's violations to one severity.
package risk

import (
	"github.com/ppiankov/configwatch/internal/store"
)

// DefaultThreshold is the number of distinct issues that escalates to Medium.
const DefaultThreshold = 3

// Aggregator applies count-based escalation to a violation set.
type Aggregator struct {
	Threshold int
}

// New returns an aggregator escalating at threshold issues. Non-positive
// thresholds fall back to DefaultThreshold.
func New(threshold int) Aggregator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Aggregator{Threshold: threshold}
}

// Aggregate returns the overall severity of a resource's own violations:
//
//  1. any Critical violation: Critical
//  2. distinct issues >= threshold: Medium
//  3. 1 or 2 distinct issues: Low
//  4. only Informational violations: Informational
//  5. no violations: SeverityNone (compliant)
//
// Issues are distinct (rule, reason) pairs; Informational violations are not counted.
func (a Aggregator) Aggregate(violations []store.Violation) store.Severity {
	threshold := a.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	type issue struct{ rule, reason string }
	seen := make(map[issue]struct{}, len(violations))
	informational := false
	for i := range violations {
		v := &violations[i]
		if v.RiskLevel == store.SeverityCritical {
			return store.SeverityCritical
		}
		if v.RiskLevel == store.SeverityInformational {
			informational = true
			continue
		}
		seen[issue{v.RuleName, v.Reason}] = struct{}{}
	}

	switch n := len(seen); {
	case n >= threshold:
		return store.SeverityMedium
	case n > 0:
		return store.SeverityLow
	case informational:
		return store.SeverityInformational
	default:
		return store.SeverityNone
	}
}

// Aggregate applies the default threshold.
func Aggregate(violations []store.Violation) store.Severity {
	return New(DefaultThreshold).Aggregate(violations)
}
