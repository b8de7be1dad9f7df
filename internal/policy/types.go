// Package policy holds the declarative security rules evaluated against
// resource snapshots.
package policy

import (
	"context"
	"errors"

	"github.com/ppiankov/configwatch/internal/store"
)

// ErrUnsupportedResourceType is returned when no rules are registered for a snapshot's type.
var ErrUnsupportedResourceType = errors.New("unsupported resource type")

// Rule families. Every rule belongs to exactly one family per resource type,
// and each family yields at most one open finding per resource.
const (
	FamilyS3Audit  = "s3-bucket-security-audit"
	FamilyKMSAudit = "kms-key-security-audit"
)

// Rule is a named pure check over a snapshot.
type Rule interface {
	Name() string
	ResourceType() store.ResourceType
	Family() string
	Description() string
	Evaluate(snap *store.ResourceSnapshot, s *Settings) []store.Violation
}

// Evaluation is the combined outcome of running every applicable rule.
type Evaluation struct {
	Family     string            `json:"family"`
	Violations []store.Violation `json:"violations"`
	Errors     []store.RuleError `json:"errors,omitempty"`
}

// Complete reports whether every rule ran without faulting.
func (e *Evaluation) Complete() bool {
	return len(e.Errors) == 0
}

// RuleEvaluator evaluates a snapshot against a rule set.
// An error means the evaluation as a whole could not be performed.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, snap *store.ResourceSnapshot) (Evaluation, error)
}

// Linker extracts references to resources a snapshot depends on.
type Linker interface {
	Links(snap *store.ResourceSnapshot) []store.ResourceRef
}

// FamilyFor returns the rule family evaluated for a resource type.
func FamilyFor(rt store.ResourceType) (string, bool) {
	switch rt {
	case store.ResourceS3:
		return FamilyS3Audit, true
	case store.ResourceKMS:
		return FamilyKMSAudit, true
	default:
		return "", false
	}
}

// Settings tune rule behavior. Loaded from a policy file.
type Settings struct {
	RequiredTags       []string `json:"requiredTags,omitempty"`
	MaxKMSGrants       int      `json:"maxKMSGrants,omitempty"`
	DisabledRules      []string `json:"disabledRules,omitempty"`
	ConfidentialityTag string   `json:"confidentialityTag,omitempty"`
}

// DefaultSettings returns settings used when no policy file is given.
func DefaultSettings() Settings {
	return Settings{
		MaxKMSGrants:       5,
		ConfidentialityTag: "Confidentiality",
	}
}

func (s *Settings) disabled(rule string) bool {
	for _, r := range s.DisabledRules {
		if r == rule {
			return true
		}
	}
	return false
}

// Enabled reports whether the named rule runs under these settings.
func (s *Settings) Enabled(rule string) bool {
	return !s.disabled(rule)
}
