package policy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/configwatch/internal/remediation"
	"github.com/ppiankov/configwatch/internal/store"
)

// RuleSet evaluates snapshots against in-process rules, dispatched by resource type.
// It is safe for concurrent use; rules and settings are read-only after construction.
type RuleSet struct {
	settings Settings
	byType   map[store.ResourceType][]Rule
	now      func() time.Time
}

// NewRuleSet creates a rule set with the given settings. With no rules, the
// built-in S3 and KMS rules are registered.
func NewRuleSet(settings Settings, rules ...Rule) *RuleSet {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	rs := &RuleSet{
		settings: settings,
		byType:   make(map[store.ResourceType][]Rule),
		now:      time.Now,
	}
	for _, r := range rules {
		rs.byType[r.ResourceType()] = append(rs.byType[r.ResourceType()], r)
	}
	return rs
}

// DefaultRules returns every built-in rule.
func DefaultRules() []Rule {
	return append(S3Rules(), KMSRules()...)
}

// Rules returns the registered rules sorted by resource type and name.
func (rs *RuleSet) Rules() []Rule {
	var out []Rule
	for _, rules := range rs.byType {
		out = append(out, rules...)
	}
	slices.SortFunc(out, func(a, b Rule) int {
		if a.ResourceType() != b.ResourceType() {
			if a.ResourceType() < b.ResourceType() {
				return -1
			}
			return 1
		}
		if a.Name() < b.Name() {
			return -1
		}
		if a.Name() > b.Name() {
			return 1
		}
		return 0
	})
	return out
}

// Settings returns the settings the rule set was built with.
func (rs *RuleSet) Settings() Settings {
	return rs.settings
}

// Evaluate runs every enabled rule for the snapshot's resource type. A rule that
// panics abstains and is reported in Evaluation.Errors.
func (rs *RuleSet) Evaluate(ctx context.Context, snap *store.ResourceSnapshot) (Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	family, ok := FamilyFor(snap.ResourceType)
	rules := rs.byType[snap.ResourceType]
	if !ok || len(rules) == 0 {
		return Evaluation{}, fmt.Errorf("%w: %q", ErrUnsupportedResourceType, snap.ResourceType)
	}

	ev := Evaluation{Family: family}
	for _, r := range rules {
		if rs.settings.disabled(r.Name()) {
			continue
		}
		vs, err := rs.run(r, snap)
		if err != nil {
			slog.Warn("rule faulted", "rule", r.Name(), "resource", snap.ResourceID, "err", err)
			ev.Errors = append(ev.Errors, store.RuleError{
				ID:           uuid.NewString(),
				RuleName:     r.Name(),
				ResourceType: snap.ResourceType,
				ResourceID:   snap.ResourceID,
				Message:      err.Error(),
				At:           rs.now().UTC(),
			})
			continue
		}
		ev.Violations = append(ev.Violations, vs...)
	}
	remediation.Apply(ev.Violations)
	store.SortViolations(ev.Violations)
	return ev, nil
}

func (rs *RuleSet) run(r Rule, snap *store.ResourceSnapshot) (vs []store.Violation, err error) {
	defer func() {
		if p := recover(); p != nil {
			vs = nil
			err = fmt.Errorf("rule %s panicked: %v", r.Name(), p)
		}
	}()
	return r.Evaluate(snap, &rs.settings), nil
}

// Links returns the resources the snapshot depends on.
func (rs *RuleSet) Links(snap *store.ResourceSnapshot) []store.ResourceRef {
	return Links(snap)
}

// Links extracts dependency references from a snapshot. Only S3 buckets
// encrypted with a KMS key currently carry one.
func Links(snap *store.ResourceSnapshot) []store.ResourceRef {
	if snap == nil || snap.ResourceType != store.ResourceS3 {
		return nil
	}
	return s3KeyLinks(snap)
}
