// Package lifecycle maps an evaluation outcome and the prior finding for the
// same resource to a single finding mutation.
package lifecycle

import (
	"slices"
	"time"

	"github.com/ppiankov/configwatch/internal/store"
)

// Annotations added by lifecycle decisions.
const (
	AnnotationResourceDeleted = "resource deleted"
)

// Outcome is everything the lifecycle manager needs from one evaluation.
type Outcome struct {
	Snapshot            *store.ResourceSnapshot
	DedupKey            string
	Violations          []store.Violation // own and correlated, already sorted
	Severity            store.Severity
	Complete            bool // every rule ran without faulting
	CorrelatedFindingID string
	Annotations         []string
	Partial             bool
	At                  time.Time
}

// Decide returns the mutation that moves prior (nil when the resource has never
// been flagged) to reflect o. It never resolves a finding on an incomplete evaluation.
func Decide(prior *store.Finding, o *Outcome) store.Mutation {
	flagged := len(o.Violations) > 0

	if prior == nil {
		if !flagged {
			return noop("compliant")
		}
		return create(o, "")
	}

	switch prior.Status {
	case store.StatusOpen, store.StatusInProgress:
		if flagged {
			return update(prior, o)
		}
		if !o.Complete {
			return noop("evaluation incomplete; keeping finding open")
		}
		return resolve(prior, o.At, nil)

	case store.StatusResolved:
		if !flagged {
			return noop("already resolved")
		}
		return create(o, o.At.UTC().Format(time.RFC3339Nano))

	case store.StatusFalsePositive:
		if !flagged {
			return noop("marked false positive")
		}
		if slices.Equal(prior.RuleNames(), store.RuleNames(o.Violations)) {
			return noop("marked false positive; violation signature unchanged")
		}
		return create(o, o.At.UTC().Format(time.RFC3339Nano))
	}

	return noop("unknown prior status " + string(prior.Status))
}

// DecideDeletion resolves an active finding for a deleted resource without evaluating rules.
func DecideDeletion(prior *store.Finding, at time.Time) store.Mutation {
	if prior == nil || !prior.Status.Active() {
		return noop("no active finding for deleted resource")
	}
	return resolve(prior, at, []string{AnnotationResourceDeleted})
}

func noop(reason string) store.Mutation {
	return store.Mutation{Kind: store.MutationNoop, Reason: reason}
}

func create(o *Outcome, seed string) store.Mutation {
	snap := o.Snapshot
	at := o.At.UTC()
	f := &store.Finding{
		ID:              FindingID(snap.AccountID, snap.Region, snap.ResourceID, o.DedupKey, seed),
		DedupKey:        o.DedupKey,
		ResourceID:      snap.ResourceID,
		ResourceType:    snap.ResourceType,
		AccountID:       snap.AccountID,
		Region:          snap.Region,
		Status:          store.StatusOpen,
		FirstDetectedAt: at,
		Version:         1,
	}
	apply(f, o)
	reason := "new detection"
	if seed != "" {
		reason = "new detection after terminal finding"
	}
	return store.Mutation{Kind: store.MutationCreate, Finding: f, Reason: reason}
}

func update(prior *store.Finding, o *Outcome) store.Mutation {
	f := *prior
	apply(&f, o)
	return store.Mutation{Kind: store.MutationUpdate, Finding: &f, ExpectedVersion: prior.Version, Reason: "violations persist"}
}

func resolve(prior *store.Finding, at time.Time, annotations []string) store.Mutation {
	f := *prior
	resolvedAt := at.UTC()
	f.Status = store.StatusResolved
	f.ResolvedAt = &resolvedAt
	f.LastEvaluatedAt = resolvedAt
	f.Violations = nil
	f.Annotations = annotations
	f.PartiallyEvaluated = false
	f.Description = Description(f.ResourceType, f.ResourceID, nil)
	reason := "no violations"
	if len(annotations) > 0 {
		reason = annotations[0]
	}
	return store.Mutation{Kind: store.MutationResolve, Finding: &f, ExpectedVersion: prior.Version, Reason: reason}
}

// apply overwrites the evaluation-derived fields of f.
func apply(f *store.Finding, o *Outcome) {
	f.Violations = slices.Clone(o.Violations)
	f.Severity = o.Severity
	f.Title = Title(f.ResourceType)
	f.Description = Description(f.ResourceType, f.ResourceID, o.Violations)
	f.CorrelatedFindingID = o.CorrelatedFindingID
	f.Annotations = slices.Clone(o.Annotations)
	f.PartiallyEvaluated = o.Partial
	f.LastEvaluatedAt = o.At.UTC()
	f.ResolvedAt = nil
}
