// Package monitor renders findings for terminals and pipelines and maps them
// to process exit codes.
package monitor

import (
	"time"

	"github.com/ppiankov/configwatch/internal/store"
)

// Report is the outcome of evaluating a batch of snapshots.
type Report struct {
	At       time.Time         `json:"at"`
	Errors   map[string]string `json:"errors,omitempty"` // input -> evaluation error
	Findings []store.Finding   `json:"findings"`
}

// ExitCode returns a process exit code based on the worst active finding.
//
//	0 = no problems
//	1 = low or medium findings exist
//	2 = high or critical findings
//	3 = evaluation errors
func ExitCode(r Report) int {
	if len(r.Errors) > 0 {
		return 3
	}
	code := 0
	for i := range r.Findings {
		f := &r.Findings[i]
		if !f.Status.Active() {
			continue
		}
		switch f.Severity {
		case store.SeverityCritical, store.SeverityHigh:
			code = 2
		case store.SeverityMedium, store.SeverityLow:
			if code < 1 {
				code = 1
			}
		}
	}
	return code
}

// ExitCodeAt is like ExitCode but only findings at or above threshold count.
func ExitCodeAt(r Report, threshold store.Severity) int {
	if len(r.Errors) > 0 {
		return 3
	}
	for i := range r.Findings {
		f := &r.Findings[i]
		if f.Status.Active() && f.Severity != store.SeverityNone && f.Severity.AtLeast(threshold) {
			return 2
		}
	}
	return 0
}
