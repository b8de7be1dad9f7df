package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/configwatch/internal/store"
)

// Rule names shared across resource types.
const (
	RulePublicExposure     = "public-exposure"
	RuleConfidentiality    = "confidentiality-classification"
	RuleRequiredTags       = "required-tags-missing"
	RuleLinkedInsecure     = "linked-resource-insecure"
	confidentialityPublic  = "public"
	defaultConfidentiality = "Confidentiality"
)

// check adapts a plain function to the Rule interface.
type check struct {
	name   string
	rt     store.ResourceType
	family string
	desc   string
	fn     func(snap *store.ResourceSnapshot, cfg Config, s *Settings) []store.Violation
}

func (c *check) Name() string                     { return c.name }
func (c *check) ResourceType() store.ResourceType { return c.rt }
func (c *check) Family() string                   { return c.family }
func (c *check) Description() string              { return c.desc }

func (c *check) Evaluate(snap *store.ResourceSnapshot, s *Settings) []store.Violation {
	return c.fn(snap, Config(snap.Config), s)
}

func violation(rule string, sev store.Severity, format string, args ...any) store.Violation {
	return store.Violation{RuleName: rule, RiskLevel: sev, Reason: fmt.Sprintf(format, args...)}
}

// exposureFunc reports whether a snapshot is publicly reachable and why.
type exposureFunc func(cfg Config) (exposed bool, reason string)

// confidentialityLevels maps lowercase tag values to severities.
var confidentialityLevels = map[string]store.Severity{
	"high":          store.SeverityCritical,
	"medium":        store.SeverityMedium,
	"low":           store.SeverityLow,
	"informational": store.SeverityInformational,
}

// declaredPublic reports whether the owner has classified the resource as public.
func declaredPublic(snap *store.ResourceSnapshot, s *Settings) bool {
	v, ok := snap.Tag(confidentialityKey(s))
	return ok && strings.EqualFold(strings.TrimSpace(v), confidentialityPublic)
}

func confidentialityKey(s *Settings) string {
	if s != nil && s.ConfidentialityTag != "" {
		return s.ConfidentialityTag
	}
	return defaultConfidentiality
}

func publicExposureRule(rt store.ResourceType, family string, exposed exposureFunc) Rule {
	return &check{
		name:   RulePublicExposure,
		rt:     rt,
		family: family,
		desc:   "Public access controls are not fully blocked",
		fn: func(snap *store.ResourceSnapshot, cfg Config, s *Settings) []store.Violation {
			open, reason := exposed(cfg)
			if !open || declaredPublic(snap, s) {
				return nil
			}
			return []store.Violation{violation(RulePublicExposure, store.SeverityHigh, "%s", reason)}
		},
	}
}

func confidentialityRule(rt store.ResourceType, family string, exposed exposureFunc) Rule {
	return &check{
		name:   RuleConfidentiality,
		rt:     rt,
		family: family,
		desc:   "Publicly reachable resources are classified by their confidentiality tag",
		fn: func(snap *store.ResourceSnapshot, cfg Config, s *Settings) []store.Violation {
			if open, _ := exposed(cfg); !open {
				return nil
			}
			key := confidentialityKey(s)
			v, ok := snap.Tag(key)
			if !ok || strings.TrimSpace(v) == "" {
				return []store.Violation{violation(RuleConfidentiality, store.SeverityCritical,
					"Critical (Unknown - No tag found): missing confidentiality tag %q on a resource whose public access is not blocked", key)}
			}
			level := strings.ToLower(strings.TrimSpace(v))
			if level == confidentialityPublic {
				return nil
			}
			sev, known := confidentialityLevels[level]
			if !known {
				return []store.Violation{violation(RuleConfidentiality, store.SeverityCritical,
					"Critical (Unrecognized confidentiality %q): public access is not blocked", v)}
			}
			return []store.Violation{violation(RuleConfidentiality, sev,
				"%s confidentiality data with public access not blocked", strings.ToUpper(level[:1])+level[1:])}
		},
	}
}

func requiredTagsRule(rt store.ResourceType, family string) Rule {
	return &check{
		name:   RuleRequiredTags,
		rt:     rt,
		family: family,
		desc:   "Resources carry every tag listed in the policy settings",
		fn: func(snap *store.ResourceSnapshot, _ Config, s *Settings) []store.Violation {
			if s == nil {
				return nil
			}
			var missing []string
			for _, key := range s.RequiredTags {
				if v, ok := snap.Tag(key); !ok || v == "" {
					missing = append(missing, key)
				}
			}
			if len(missing) == 0 {
				return nil
			}
			return []store.Violation{violation(RuleRequiredTags, store.SeverityLow,
				"Missing required tags: %s", strings.Join(missing, ", "))}
		},
	}
}

// statements returns the statements of an IAM-style policy document, which the
// collector delivers either decoded or as a JSON string.
func statements(doc any) []map[string]any {
	switch d := doc.(type) {
	case string:
		if d == "" {
			return nil
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(d), &decoded); err != nil {
			return nil
		}
		return statements(decoded)
	case map[string]any:
		switch st := d["Statement"].(type) {
		case []any:
			out := make([]map[string]any, 0, len(st))
			for _, s := range st {
				if m, ok := s.(map[string]any); ok {
					out = append(out, m)
				}
			}
			return out
		case map[string]any:
			return []map[string]any{st}
		}
	}
	return nil
}

// wildcardAllow reports whether any Allow statement grants access to every principal.
// Statements carrying a Condition are considered scoped.
func wildcardAllow(doc any) bool {
	for _, st := range statements(doc) {
		if effect, _ := st["Effect"].(string); !strings.EqualFold(effect, "Allow") {
			continue
		}
		if _, scoped := st["Condition"]; scoped {
			continue
		}
		if wildcardPrincipal(st["Principal"]) {
			return true
		}
	}
	return false
}

func wildcardPrincipal(p any) bool {
	switch v := p.(type) {
	case string:
		return v == "*"
	case map[string]any:
		for _, inner := range v {
			if wildcardPrincipal(inner) {
				return true
			}
		}
	case []any:
		for _, inner := range v {
			if wildcardPrincipal(inner) {
				return true
			}
		}
	}
	return false
}
