// Package correlate folds the security state of dependent resources into a
// primary resource's evaluation.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ppiankov/configwatch/internal/policy"
	"github.com/ppiankov/configwatch/internal/store"
)

// DefaultTimeout bounds a single dependent lookup.
const DefaultTimeout = 5 * time.Second

// AnnotationLinkedUnavailable marks a finding whose dependent audit could not be obtained.
const AnnotationLinkedUnavailable = "linked audit unavailable"

// Outcome classifies what is known about a dependent resource.
type Outcome string

const (
	OutcomeNone    Outcome = "none"    // primary has no dependents
	OutcomeKnown   Outcome = "known"   // every dependent evaluated
	OutcomeUnknown Outcome = "unknown" // at least one dependent lookup failed
)

// Dependent is a dependent resource's own evaluation, computed without correlation.
type Dependent struct {
	Ref       store.ResourceRef `json:"ref"`
	FindingID string            `json:"findingId,omitempty"`
	Severity  store.Severity    `json:"severity"`
	Rules     []string          `json:"rules,omitempty"`
}

// Resolver produces a dependent's evaluation. Implementations must not
// correlate further, so lookups stay one hop deep.
type Resolver interface {
	Resolve(ctx context.Context, ref store.ResourceRef) (Dependent, error)
}

// Result is the correlator's contribution to a primary evaluation.
type Result struct {
	Outcome     Outcome
	Dependents  []Dependent
	Violations  []store.Violation // linked-resource violations to append
	Severity    store.Severity    // max(own, insecure dependents)
	Annotations []string
	Partial     bool
}

// CorrelatedFindingID returns the first insecure dependent's finding id.
func (r *Result) CorrelatedFindingID() string {
	for _, d := range r.Dependents {
		if d.Severity != store.SeverityNone && d.FindingID != "" {
			return d.FindingID
		}
	}
	return ""
}

// Links returns the correlation links from the primary finding to each insecure dependent.
func (r *Result) Links(fromFindingID string, at time.Time) []store.CorrelationLink {
	var links []store.CorrelationLink
	for _, d := range r.Dependents {
		if d.Severity == store.SeverityNone || d.FindingID == "" || d.FindingID == fromFindingID {
			continue
		}
		links = append(links, store.CorrelationLink{
			FromFindingID: fromFindingID,
			ToFindingID:   d.FindingID,
			Relation:      store.RelationEncryptionKey,
			CreatedAt:     at,
		})
	}
	return links
}

// Correlator resolves dependents of a primary snapshot. It never writes to the
// dependent's finding.
type Correlator struct {
	linker   policy.Linker
	resolver Resolver
	timeout  time.Duration
}

// New creates a correlator. A nil resolver disables correlation.
func New(linker policy.Linker, resolver Resolver, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{linker: linker, resolver: resolver, timeout: timeout}
}

// Correlate resolves every dependent of snap and folds insecure ones into the result.
// Lookup failures degrade to OutcomeUnknown and never fail the evaluation.
func (c *Correlator) Correlate(ctx context.Context, snap *store.ResourceSnapshot, own store.Severity) Result {
	res := Result{Outcome: OutcomeNone, Severity: own}
	if c == nil || c.linker == nil {
		return res
	}
	refs := c.linker.Links(snap)
	if len(refs) == 0 {
		return res
	}

	res.Outcome = OutcomeKnown
	for _, ref := range refs {
		dep, err := c.resolve(ctx, ref)
		if err != nil {
			slog.Warn("linked audit unavailable",
				"resource", snap.ResourceID, "dependent", ref.ID, "type", ref.Type, "err", err)
			res.Outcome = OutcomeUnknown
			res.Partial = true
			continue
		}
		res.Dependents = append(res.Dependents, dep)
		if dep.Severity == store.SeverityNone {
			continue
		}
		res.Violations = append(res.Violations, linkedViolation(dep))
		res.Severity = store.MaxSeverity(res.Severity, dep.Severity)
	}
	if res.Partial {
		res.Annotations = append(res.Annotations, AnnotationLinkedUnavailable)
	}
	return res
}

func (c *Correlator) resolve(ctx context.Context, ref store.ResourceRef) (Dependent, error) {
	if c.resolver == nil {
		return Dependent{}, fmt.Errorf("no resolver configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type answer struct {
		dep Dependent
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		dep, err := c.resolver.Resolve(ctx, ref)
		ch <- answer{dep, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return Dependent{}, a.err
		}
		a.dep.Ref = ref
		return a.dep, nil
	case <-ctx.Done():
		return Dependent{}, fmt.Errorf("resolving %s %s: %w", ref.Type, ref.ID, ctx.Err())
	}
}

func linkedViolation(dep Dependent) store.Violation {
	reason := fmt.Sprintf("Linked %s resource '%s' is insecure (%s)", strings.ToUpper(string(dep.Ref.Type)), dep.Ref.ID, dep.Severity)
	if len(dep.Rules) > 0 {
		reason += ": " + strings.Join(dep.Rules, ", ")
	}
	return store.Violation{
		RuleName:  policy.RuleLinkedInsecure,
		RiskLevel: dep.Severity,
		Reason:    reason,
	}
}
