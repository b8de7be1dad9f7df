package engine

import (
	"context"
	"fmt"

	"github.com/ppiankov/configwatch/internal/correlate"
	"github.com/ppiankov/configwatch/internal/lifecycle"
	"github.com/ppiankov/configwatch/internal/policy"
	"github.com/ppiankov/configwatch/internal/risk"
	"github.com/ppiankov/configwatch/internal/store"
)

// Linked lookup modes.
const (
	LookupSnapshot = "snapshot"
	LookupFinding  = "finding"
)

// SnapshotSource returns the latest known snapshot of a resource.
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context, rt store.ResourceType, id string) (*store.ResourceSnapshot, error)
}

// SnapshotResolver evaluates a dependent's latest snapshot in-process with
// rules and aggregation only. It never correlates further and never writes.
type SnapshotResolver struct {
	Snapshots  SnapshotSource
	Rules      policy.RuleEvaluator
	Aggregator risk.Aggregator
	Findings   FindingLookup
}

// Resolve implements correlate.Resolver.
func (r *SnapshotResolver) Resolve(ctx context.Context, ref store.ResourceRef) (correlate.Dependent, error) {
	family, ok := policy.FamilyFor(ref.Type)
	if !ok {
		return correlate.Dependent{}, fmt.Errorf("%w: %q", policy.ErrUnsupportedResourceType, ref.Type)
	}
	snap, err := r.Snapshots.LatestSnapshot(ctx, ref.Type, ref.ID)
	if err != nil {
		return correlate.Dependent{}, fmt.Errorf("loading dependent snapshot: %w", err)
	}
	ev, err := r.Rules.Evaluate(ctx, snap)
	if err != nil {
		return correlate.Dependent{}, fmt.Errorf("evaluating dependent: %w", err)
	}
	agg := r.Aggregator
	if agg.Threshold <= 0 {
		agg = risk.New(risk.DefaultThreshold)
	}
	sev := agg.Aggregate(ev.Violations)
	if sev == store.SeverityNone && !ev.Complete() {
		return correlate.Dependent{}, fmt.Errorf("dependent %s evaluation incomplete", ref.ID)
	}

	dedupKey := lifecycle.DedupKey(ref.Type, family)
	dep := correlate.Dependent{Ref: ref, Severity: sev, Rules: store.RuleNames(ev.Violations)}
	if sev == store.SeverityNone {
		return dep, nil
	}

	// Link to the dependent's active finding, or to the id it will be created with.
	dep.FindingID = lifecycle.FindingID(snap.AccountID, snap.Region, snap.ResourceID, dedupKey, "")
	if r.Findings != nil {
		prior, err := r.Findings.Lookup(ctx, ref.ID, dedupKey)
		if err != nil {
			return correlate.Dependent{}, fmt.Errorf("looking up dependent finding: %w", err)
		}
		if prior != nil && prior.Status.Active() {
			dep.FindingID = prior.ID
		}
	}
	return dep, nil
}

// FindingResolver reads a dependent's current finding from the store.
type FindingResolver struct {
	Findings FindingLookup
}

// Resolve implements correlate.Resolver. A dependent that was never evaluated
// is unknown rather than secure.
func (r *FindingResolver) Resolve(ctx context.Context, ref store.ResourceRef) (correlate.Dependent, error) {
	family, ok := policy.FamilyFor(ref.Type)
	if !ok {
		return correlate.Dependent{}, fmt.Errorf("%w: %q", policy.ErrUnsupportedResourceType, ref.Type)
	}
	f, err := r.Findings.Lookup(ctx, ref.ID, lifecycle.DedupKey(ref.Type, family))
	if err != nil {
		return correlate.Dependent{}, fmt.Errorf("looking up dependent finding: %w", err)
	}
	if f == nil {
		return correlate.Dependent{}, fmt.Errorf("dependent %s %s: %w", ref.Type, ref.ID, store.ErrNotFound)
	}
	dep := correlate.Dependent{Ref: ref}
	if f.Status.Active() {
		dep.FindingID = f.ID
		dep.Severity = f.Severity
		dep.Rules = f.RuleNames()
	}
	return dep, nil
}
