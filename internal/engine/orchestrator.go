// Package engine drives one change event through rule evaluation, risk
// aggregation, correlation and the finding lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ppiankov/configwatch/internal/correlate"
	"github.com/ppiankov/configwatch/internal/drift"
	"github.com/ppiankov/configwatch/internal/lifecycle"
	"github.com/ppiankov/configwatch/internal/policy"
	"github.com/ppiankov/configwatch/internal/remediation"
	"github.com/ppiankov/configwatch/internal/risk"
	"github.com/ppiankov/configwatch/internal/store"
)

var (
	// ErrTransient means the finding store kept conflicting; the caller may retry the event.
	ErrTransient = errors.New("transient store conflict")
	// ErrInvalidSnapshot means the event and snapshot cannot be evaluated together.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// FindingLookup reads the prior finding for a resource and dedup key.
// It returns nil when the resource has never been flagged.
type FindingLookup interface {
	Lookup(ctx context.Context, resourceID, dedupKey string) (*store.Finding, error)
}

// FindingStore is the finding persistence the orchestrator writes through.
// Apply must fail with store.ErrConflict when a conditional write loses a race.
type FindingStore interface {
	FindingLookup
	Apply(ctx context.Context, m store.Mutation) (*store.Finding, error)
	AppendLink(ctx context.Context, l store.CorrelationLink) error
}

// FindingGetter reads a finding by id. Optional on the store; it lets a
// redelivered event that would recreate an already terminal finding end as a noop.
type FindingGetter interface {
	Get(ctx context.Context, id string) (*store.Finding, error)
}

// RuleErrorSink receives rule faults. Optional on the store.
type RuleErrorSink interface {
	RecordRuleErrors(ctx context.Context, errs []store.RuleError) error
}

// SnapshotSink keeps the latest snapshot of each resource. Optional on the store.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snap *store.ResourceSnapshot) error
	DeleteSnapshot(ctx context.Context, rt store.ResourceType, id string) error
}

// Observer is notified of every evaluation, including failed ones (Result.Err set).
type Observer interface {
	Observe(ctx context.Context, r *Result)
}

// Result describes what one evaluation did.
type Result struct {
	EvaluationID string                  `json:"evaluationId"`
	Event        store.ChangeEvent       `json:"event"`
	Mutation     store.MutationKind      `json:"mutation"`
	Reason       string                  `json:"reason,omitempty"`
	Finding      *store.Finding          `json:"finding,omitempty"`
	Prior        *store.Finding          `json:"-"`
	Links        []store.CorrelationLink `json:"links,omitempty"`
	RuleErrors   []store.RuleError       `json:"ruleErrors,omitempty"`
	Correlation  correlate.Outcome       `json:"correlation,omitempty"`
	Drift        []drift.Change          `json:"drift,omitempty"`
	Retried      bool                    `json:"retried,omitempty"`
	Duration     time.Duration           `json:"duration"`
	Err          error                   `json:"-"`
}

// Options configure an Orchestrator.
type Options struct {
	Rules      policy.RuleEvaluator
	Store      FindingStore
	Correlator *correlate.Correlator
	Aggregator risk.Aggregator
	Observers  []Observer
	Tracer     trace.Tracer
	Now        func() time.Time
}

// Orchestrator is stateless across calls and safe for concurrent use.
// Concurrent evaluations of the same resource are settled by the store's
// conditional writes.
type Orchestrator struct {
	rules      policy.RuleEvaluator
	store      FindingStore
	correlator *correlate.Correlator
	aggregator risk.Aggregator
	observers  []Observer
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		rules:      opts.Rules,
		store:      opts.Store,
		correlator: opts.Correlator,
		aggregator: opts.Aggregator,
		observers:  opts.Observers,
		tracer:     opts.Tracer,
		now:        opts.Now,
	}
	if o.aggregator.Threshold <= 0 {
		o.aggregator = risk.New(risk.DefaultThreshold)
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("configwatch")
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Evaluate processes one change event. For Created and Modified events snap is
// required; Deleted events resolve the resource's active finding without
// running rules. A whole-evaluation failure returns an error and writes nothing.
func (o *Orchestrator) Evaluate(ctx context.Context, ev store.ChangeEvent, snap *store.ResourceSnapshot) (*Result, error) {
	start := o.now()
	res := &Result{EvaluationID: uuid.NewString(), Event: ev, Correlation: correlate.OutcomeNone}

	ctx, span := o.tracer.Start(ctx, "engine.Evaluate", trace.WithAttributes(
		attribute.String("evaluation.id", res.EvaluationID),
	))
	defer span.End()

	err := o.evaluate(ctx, res, snap)
	ev = res.Event
	span.SetAttributes(
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("resource.type", string(ev.ResourceType)),
		attribute.String("resource.id", ev.ResourceID),
	)
	res.Duration = o.now().Sub(start)
	res.Err = err
	for _, obs := range o.observers {
		obs.Observe(ctx, res)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("evaluation failed", "resource", ev.ResourceID, "kind", ev.Kind, "err", err)
		return res, err
	}
	span.SetAttributes(attribute.String("mutation", string(res.Mutation)))

	slog.Debug("evaluation complete",
		"resource", ev.ResourceID, "kind", ev.Kind, "mutation", res.Mutation, "reason", res.Reason)
	return res, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, res *Result, snap *store.ResourceSnapshot) error {
	ev := &res.Event
	if err := normalize(ev, snap); err != nil {
		return err
	}
	family, ok := policy.FamilyFor(ev.ResourceType)
	if !ok {
		return fmt.Errorf("%w: %q", policy.ErrUnsupportedResourceType, ev.ResourceType)
	}
	dedupKey := lifecycle.DedupKey(ev.ResourceType, family)
	at := ev.At
	if at.IsZero() {
		at = o.now()
	}

	if ev.Kind == store.ChangeDeleted {
		if sink, ok := o.store.(SnapshotSink); ok {
			if err := sink.DeleteSnapshot(ctx, ev.ResourceType, ev.ResourceID); err != nil {
				slog.Warn("dropping snapshot failed", "resource", ev.ResourceID, "err", err)
			}
		}
		return o.commit(ctx, res, dedupKey, func(prior *store.Finding) store.Mutation {
			return lifecycle.DecideDeletion(prior, at)
		})
	}

	evaluation, err := o.rules.Evaluate(ctx, snap)
	if err != nil {
		return fmt.Errorf("evaluating rules: %w", err)
	}
	res.RuleErrors = evaluation.Errors
	if sink, ok := o.store.(RuleErrorSink); ok && len(evaluation.Errors) > 0 {
		if err := sink.RecordRuleErrors(ctx, evaluation.Errors); err != nil {
			slog.Warn("recording rule errors failed", "resource", ev.ResourceID, "err", err)
		}
	}
	if src, ok := o.store.(SnapshotSource); ok {
		res.Drift = o.drift(ctx, src, snap)
	}
	if sink, ok := o.store.(SnapshotSink); ok {
		if err := sink.SaveSnapshot(ctx, snap); err != nil {
			slog.Warn("saving snapshot failed", "resource", ev.ResourceID, "err", err)
		}
	}

	own := o.aggregator.Aggregate(evaluation.Violations)
	corr := o.correlator.Correlate(ctx, snap, own)
	res.Correlation = corr.Outcome

	violations := append(append([]store.Violation(nil), evaluation.Violations...), corr.Violations...)
	remediation.Apply(violations)
	store.SortViolations(violations)

	outcome := &lifecycle.Outcome{
		Snapshot:            snap,
		DedupKey:            dedupKey,
		Violations:          violations,
		Severity:            corr.Severity,
		Complete:            evaluation.Complete(),
		CorrelatedFindingID: corr.CorrelatedFindingID(),
		Annotations:         corr.Annotations,
		Partial:             corr.Partial,
		At:                  at,
	}
	if err := o.commit(ctx, res, dedupKey, func(prior *store.Finding) store.Mutation {
		return lifecycle.Decide(prior, outcome)
	}); err != nil {
		return err
	}

	if res.Finding == nil || !res.Finding.Status.Active() {
		return nil
	}
	for _, l := range corr.Links(res.Finding.ID, at.UTC()) {
		if err := o.store.AppendLink(ctx, l); err != nil {
			slog.Warn("appending correlation link failed", "from", l.FromFindingID, "to", l.ToFindingID, "err", err)
			continue
		}
		res.Links = append(res.Links, l)
	}
	return nil
}

// drift compares snap with the last stored snapshot of the resource.
func (o *Orchestrator) drift(ctx context.Context, src SnapshotSource, snap *store.ResourceSnapshot) []drift.Change {
	prev, err := src.LatestSnapshot(ctx, snap.ResourceType, snap.ResourceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		slog.Warn("loading previous snapshot failed", "resource", snap.ResourceID, "err", err)
		return nil
	}
	changes := drift.Detect(prev, snap)
	if len(changes) > 0 {
		slog.Info("configuration drift", "resource", snap.ResourceID, "type", snap.ResourceType, "changes", len(changes))
		for _, c := range changes {
			slog.Debug("drift", "resource", snap.ResourceID, "change", c.String())
		}
	}
	return changes
}

// commit decides and applies a mutation, re-deciding once against fresh prior
// state when the store reports a conflict.
func (o *Orchestrator) commit(ctx context.Context, res *Result, dedupKey string, decide func(*store.Finding) store.Mutation) error {
	id := res.Event.ResourceID
	for attempt := 0; attempt < 2; attempt++ {
		prior, err := o.store.Lookup(ctx, id, dedupKey)
		if err != nil {
			return fmt.Errorf("looking up prior finding: %w", err)
		}
		m := decide(prior)
		res.Prior = prior
		res.Mutation = m.Kind
		res.Reason = m.Reason
		res.Retried = attempt > 0

		if m.Kind == store.MutationNoop {
			res.Finding = prior
			return nil
		}
		stored, err := o.store.Apply(ctx, m)
		if errors.Is(err, store.ErrConflict) && m.Kind == store.MutationCreate {
			if terminal := o.terminal(ctx, m.Finding.ID); terminal != nil {
				res.Mutation = store.MutationNoop
				res.Reason = "already processed; finding " + terminal.ID + " is " + string(terminal.Status)
				res.Finding = prior
				return nil
			}
		}
		if errors.Is(err, store.ErrConflict) {
			slog.Debug("finding write conflict", "resource", id, "attempt", attempt+1, "err", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("applying %s mutation: %w", m.Kind, err)
		}
		res.Finding = stored
		return nil
	}
	return fmt.Errorf("%w: resource %s, dedup key %s", ErrTransient, id, dedupKey)
}

// terminal returns the stored finding with id when it exists and is no longer
// active. A create colliding with such a record replays an event already
// applied, since reopen ids are seeded by the event time.
func (o *Orchestrator) terminal(ctx context.Context, id string) *store.Finding {
	getter, ok := o.store.(FindingGetter)
	if !ok {
		return nil
	}
	f, err := getter.Get(ctx, id)
	if err != nil || f.Status.Active() {
		return nil
	}
	return f
}

// normalize fills event identity from the snapshot and checks they agree.
func normalize(ev *store.ChangeEvent, snap *store.ResourceSnapshot) error {
	if snap == nil {
		if ev.Kind != store.ChangeDeleted {
			return fmt.Errorf("%w: %s event without snapshot", ErrInvalidSnapshot, ev.Kind)
		}
		if ev.ResourceID == "" || ev.ResourceType == "" {
			return fmt.Errorf("%w: deleted event without resource identity", ErrInvalidSnapshot)
		}
		return nil
	}
	if snap.ResourceID == "" || snap.ResourceType == "" {
		return fmt.Errorf("%w: snapshot without resource identity", ErrInvalidSnapshot)
	}
	if ev.ResourceID == "" {
		ev.ResourceID = snap.ResourceID
	}
	if ev.ResourceType == "" {
		ev.ResourceType = snap.ResourceType
	}
	if ev.AccountID == "" {
		ev.AccountID = snap.AccountID
	}
	if ev.Region == "" {
		ev.Region = snap.Region
	}
	if ev.ResourceID != snap.ResourceID || ev.ResourceType != snap.ResourceType {
		return fmt.Errorf("%w: event for %s/%s carries snapshot of %s/%s",
			ErrInvalidSnapshot, ev.ResourceType, ev.ResourceID, snap.ResourceType, snap.ResourceID)
	}
	if ev.Kind == "" {
		ev.Kind = store.ChangeModified
	}
	return nil
}
