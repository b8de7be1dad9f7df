package policy

import (
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/ppiankov/configwatch/internal/store"
)

// KMS hygiene rule names.
const (
	RuleKMSRotation      = "kms-rotation-disabled"
	RuleKMSKeyState      = "kms-key-not-enabled"
	RuleKMSOrigin        = "kms-external-key-material"
	RuleKMSPolicyMissing = "kms-key-policy-missing"
	RuleKMSGrants        = "kms-excessive-grants"
)

func kmsExposure(cfg Config) (exposed bool, reason string) {
	if wildcardAllow(cfg["key_policy"]) {
		return true, "Key policy allows any principal (*) without conditions; public access is not blocked"
	}
	return false, ""
}

func kmsRule(name, desc string, fn func(cfg Config, s *Settings) []store.Violation) Rule {
	return &check{
		name:   name,
		rt:     store.ResourceKMS,
		family: FamilyKMSAudit,
		desc:   desc,
		fn: func(_ *store.ResourceSnapshot, cfg Config, s *Settings) []store.Violation {
			return fn(cfg, s)
		},
	}
}

// KMSRules returns the rule set for KMS keys.
func KMSRules() []Rule {
	return []Rule{
		publicExposureRule(store.ResourceKMS, FamilyKMSAudit, kmsExposure),
		confidentialityRule(store.ResourceKMS, FamilyKMSAudit, kmsExposure),
		requiredTagsRule(store.ResourceKMS, FamilyKMSAudit),
		kmsRule(RuleKMSRotation, "Automatic key rotation is enabled", func(cfg Config, _ *Settings) []store.Violation {
			if spec := cfg.String("key_spec"); spec != "" && spec != string(kmstypes.KeySpecSymmetricDefault) {
				return nil
			}
			if cfg.Bool("key_rotation_enabled") {
				return nil
			}
			return []store.Violation{violation(RuleKMSRotation, store.SeverityLow, "Key rotation disabled")}
		}),
		kmsRule(RuleKMSKeyState, "Key is in the Enabled state", func(cfg Config, _ *Settings) []store.Violation {
			state := cfg.String("key_state")
			switch kmstypes.KeyState(state) {
			case kmstypes.KeyStateEnabled:
				return nil
			case kmstypes.KeyStatePendingDeletion:
				return []store.Violation{violation(RuleKMSKeyState, store.SeverityCritical, "Key state is %s", state)}
			case "":
				return []store.Violation{violation(RuleKMSKeyState, store.SeverityMedium, "Key state unknown")}
			}
			return []store.Violation{violation(RuleKMSKeyState, store.SeverityMedium, "Key state is %s", state)}
		}),
		kmsRule(RuleKMSOrigin, "Key material is generated by AWS KMS", func(cfg Config, _ *Settings) []store.Violation {
			origin := cfg.String("origin")
			if origin == string(kmstypes.OriginTypeAwsKms) {
				return nil
			}
			if origin == "" {
				origin = "unknown"
			}
			return []store.Violation{violation(RuleKMSOrigin, store.SeverityLow, "Key origin is %s", origin)}
		}),
		kmsRule(RuleKMSPolicyMissing, "Key has an explicit key policy", func(cfg Config, _ *Settings) []store.Violation {
			if cfg.Has("key_policy") && len(statements(cfg["key_policy"])) > 0 {
				return nil
			}
			return []store.Violation{violation(RuleKMSPolicyMissing, store.SeverityMedium, "No key policy found")}
		}),
		kmsRule(RuleKMSGrants, "Key grants stay within the configured limit", func(cfg Config, s *Settings) []store.Violation {
			limit := DefaultSettings().MaxKMSGrants
			if s != nil && s.MaxKMSGrants > 0 {
				limit = s.MaxKMSGrants
			}
			n := cfg.Len("grants")
			if n <= limit {
				return nil
			}
			return []store.Violation{violation(RuleKMSGrants, store.SeverityLow,
				"%d active grants (limit %d)", n, limit)}
		}),
	}
}
