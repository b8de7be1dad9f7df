// Package store defines the shared data model: resource snapshots, violations,
// findings and the links between them.
package store

import (
	"encoding/json"
	"strings"
	"time"
)

// Severity classifies how urgent a finding or violation is.
// The zero value means compliant (no risk).
type Severity string

const (
	SeverityNone          Severity = ""
	SeverityInformational Severity = "Informational"
	SeverityLow           Severity = "Low"
	SeverityMedium        Severity = "Medium"
	SeverityHigh          Severity = "High"
	SeverityCritical      Severity = "Critical"
)

var severityRank = map[Severity]int{
	SeverityNone:          0,
	SeverityInformational: 1,
	SeverityLow:           2,
	SeverityMedium:        3,
	SeverityHigh:          4,
	SeverityCritical:      5,
}

// ParseSeverity maps a label to a Severity. Qualified labels such as
// "Critical (Unknown - No tag found)" parse to their leading level.
// Unrecognized labels return SeverityNone and false.
func ParseSeverity(label string) (Severity, bool) {
	s := strings.TrimSpace(label)
	if i := strings.IndexAny(s, " ("); i > 0 {
		s = s[:i]
	}
	for sev := range severityRank {
		if sev != SeverityNone && strings.EqualFold(string(sev), s) {
			return sev, true
		}
	}
	return SeverityNone, false
}

// Rank returns the ordinal of s; higher is more severe.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Score is the normalized 0-100 score used by finding consumers.
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 90
	case SeverityHigh:
		return 70
	case SeverityMedium:
		return 50
	case SeverityLow:
		return 30
	case SeverityInformational:
		return 10
	default:
		return 0
	}
}

// Label is the Security Hub style uppercase label, empty for SeverityNone.
func (s Severity) Label() string {
	return strings.ToUpper(string(s))
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Status is the lifecycle state of a finding.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInProgress    Status = "in_progress"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// Active reports whether the status is non-terminal.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInProgress
}

// Valid reports whether s is part of the status vocabulary.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusFalsePositive:
		return true
	}
	return false
}

// ResourceType identifies the kind of cloud resource a snapshot describes.
type ResourceType string

const (
	ResourceS3  ResourceType = "s3"
	ResourceKMS ResourceType = "kms"
)

// ChangeKind is the type of configuration change that triggered an evaluation.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "Created"
	ChangeModified ChangeKind = "Modified"
	ChangeDeleted  ChangeKind = "Deleted"
)

// ChangeEvent is a single change notification for one resource.
type ChangeEvent struct {
	Kind         ChangeKind   `json:"kind"`
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	AccountID    string       `json:"accountId,omitempty"`
	Region       string       `json:"region,omitempty"`
	Source       string       `json:"source,omitempty"` // e.g. CloudTrail event name
	At           time.Time    `json:"at"`
}

// Tag is a single resource tag. Keys may repeat in a tag list.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ResourceSnapshot is a point-in-time configuration of one resource.
type ResourceSnapshot struct {
	ResourceType ResourceType   `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	AccountID    string         `json:"accountId"`
	Region       string         `json:"region"`
	Config       map[string]any `json:"config"`
	Tags         []Tag          `json:"tags,omitempty"`
	CapturedAt   time.Time      `json:"capturedAt,omitempty"`
}

// Tag returns the value of the first tag matching key (case-insensitive).
func (s *ResourceSnapshot) Tag(key string) (string, bool) {
	for _, t := range s.Tags {
		if strings.EqualFold(t.Key, key) {
			return t.Value, true
		}
	}
	return "", false
}

// Ref returns the reference identifying this snapshot's resource.
func (s *ResourceSnapshot) Ref() ResourceRef {
	return ResourceRef{Type: s.ResourceType, ID: s.ResourceID, AccountID: s.AccountID, Region: s.Region}
}

// ResourceRef points at another resource, e.g. the KMS key a bucket uses.
type ResourceRef struct {
	Type      ResourceType `json:"type"`
	ID        string       `json:"id"`
	AccountID string       `json:"accountId,omitempty"`
	Region    string       `json:"region,omitempty"`
}

// Violation is a single rule failure.
type Violation struct {
	RuleName    string   `json:"ruleName"`
	RiskLevel   Severity `json:"riskLevel"`
	Reason      string   `json:"reason"`
	Remediation string   `json:"remediation,omitempty"`
}

// RuleError records a rule that faulted and abstained.
type RuleError struct {
	ID           string       `json:"id"`
	RuleName     string       `json:"ruleName"`
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	Message      string       `json:"message"`
	At           time.Time    `json:"at"`
}

// Finding is the persisted outcome of evaluating one resource for one rule family.
type Finding struct {
	ID                  string       `json:"findingId"`
	DedupKey            string       `json:"dedupKey"`
	ResourceID          string       `json:"resourceId"`
	ResourceType        ResourceType `json:"resourceType"`
	AccountID           string       `json:"accountId"`
	Region              string       `json:"region"`
	Severity            Severity     `json:"severity"`
	Status              Status       `json:"status"`
	Title               string       `json:"title"`
	Description         string       `json:"description"`
	Violations          []Violation  `json:"violations"`
	CorrelatedFindingID string       `json:"correlatedFindingId,omitempty"`
	Annotations         []string     `json:"annotations,omitempty"`
	PartiallyEvaluated  bool         `json:"partiallyEvaluated"`
	FirstDetectedAt     time.Time    `json:"firstDetectedAt"`
	LastEvaluatedAt     time.Time    `json:"lastEvaluatedAt"`
	ResolvedAt          *time.Time   `json:"resolvedAt,omitempty"`
	Version             int          `json:"version"`
}

type findingFields Finding

// MarshalJSON adds the normalized severity label and score to the finding.
func (f Finding) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		findingFields
		SeverityLabel string `json:"severityLabel"`
		SeverityScore int    `json:"severityScore"`
	}{findingFields(f), f.Severity.Label(), f.Severity.Score()})
}

// RuleNames returns the sorted, de-duplicated rule names of the finding's violations.
func (f *Finding) RuleNames() []string {
	return RuleNames(f.Violations)
}

// RelationEncryptionKey links a resource's finding to the finding of the key encrypting it.
const RelationEncryptionKey = "depends_on_encryption_key"

// CorrelationLink is a non-owning reference between two findings.
type CorrelationLink struct {
	FromFindingID string    `json:"fromFindingId"`
	ToFindingID   string    `json:"toFindingId"`
	Relation      string    `json:"relation"`
	CreatedAt     time.Time `json:"createdAt"`
}

// MutationKind is the lifecycle action decided for a finding.
type MutationKind string

const (
	MutationCreate  MutationKind = "create"
	MutationUpdate  MutationKind = "update"
	MutationResolve MutationKind = "resolve"
	MutationNoop    MutationKind = "noop"
)

// Mutation is a pending change to the finding store. ExpectedVersion is the
// version the store must still hold for an update or resolve to apply.
type Mutation struct {
	Kind            MutationKind `json:"kind"`
	Finding         *Finding     `json:"finding,omitempty"`
	ExpectedVersion int          `json:"expectedVersion"`
	Reason          string       `json:"reason,omitempty"`
}
