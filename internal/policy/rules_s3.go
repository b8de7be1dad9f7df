package policy

import (
	"strings"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ppiankov/configwatch/internal/store"
)

// S3 hygiene rule names.
const (
	RuleS3Versioning    = "s3-versioning-disabled"
	RuleS3AccessLogging = "s3-access-logging-disabled"
	RuleS3Notifications = "s3-notifications-disabled"
	RuleS3Encryption    = "s3-default-encryption-missing"
	RuleS3ACLs          = "s3-acls-enabled"
	RuleS3PolicyGrants  = "s3-bucket-policy-wildcard"
)

var publicAccessFlags = []string{
	"block_public_acls",
	"ignore_public_acls",
	"block_public_policy",
	"restrict_public_buckets",
}

// s3Exposure decides whether a bucket's public access block is fully in place.
// The block may arrive as a status string or as an object with per-flag booleans.
func s3Exposure(cfg Config) (exposed bool, reason string) {
	switch pab := cfg["public_access_block"].(type) {
	case string:
		if strings.EqualFold(pab, "blocked") {
			return false, ""
		}
		return true, "Bucket public access block is " + pab + "; public access is not blocked"
	case map[string]any:
		block := Config(pab)
		if strings.EqualFold(block.String("status"), "blocked") {
			return false, ""
		}
		var off []string
		for _, flag := range publicAccessFlags {
			if !block.Bool(flag) {
				off = append(off, flag)
			}
		}
		if len(off) == 0 {
			return false, ""
		}
		return true, "Bucket public access is not blocked: " + strings.Join(off, ", ") + " disabled"
	}
	return true, "Bucket has no public access block configuration; public access is not blocked"
}

func s3Hygiene(name, desc string, fn func(cfg Config) (bool, store.Severity, string)) Rule {
	return &check{
		name:   name,
		rt:     store.ResourceS3,
		family: FamilyS3Audit,
		desc:   desc,
		fn: func(_ *store.ResourceSnapshot, cfg Config, _ *Settings) []store.Violation {
			flagged, sev, reason := fn(cfg)
			if !flagged {
				return nil
			}
			return []store.Violation{violation(name, sev, "%s", reason)}
		},
	}
}

// S3Rules returns the rule set for S3 buckets.
func S3Rules() []Rule {
	return []Rule{
		publicExposureRule(store.ResourceS3, FamilyS3Audit, s3Exposure),
		confidentialityRule(store.ResourceS3, FamilyS3Audit, s3Exposure),
		requiredTagsRule(store.ResourceS3, FamilyS3Audit),
		s3Hygiene(RuleS3Versioning, "Bucket versioning is enabled", func(cfg Config) (bool, store.Severity, string) {
			status := cfg.Map("versioning").String("status")
			if strings.EqualFold(status, string(s3types.BucketVersioningStatusEnabled)) {
				return false, "", ""
			}
			return true, store.SeverityLow, "Versioning disabled"
		}),
		s3Hygiene(RuleS3AccessLogging, "Server access logging is enabled", func(cfg Config) (bool, store.Severity, string) {
			if cfg.Enabled("logging") {
				return false, "", ""
			}
			return true, store.SeverityLow, "Access logging disabled"
		}),
		s3Hygiene(RuleS3Notifications, "Event notifications are configured", func(cfg Config) (bool, store.Severity, string) {
			if cfg.Enabled("notification") {
				return false, "", ""
			}
			return true, store.SeverityLow, "Event notifications disabled"
		}),
		s3Hygiene(RuleS3Encryption, "Default server-side encryption is configured", func(cfg Config) (bool, store.Severity, string) {
			enc := cfg.Map("encryption")
			if enc.String("sse_algorithm") != "" && !strings.EqualFold(enc.String("status"), "none") {
				return false, "", ""
			}
			return true, store.SeverityLow, "Default encryption not configured"
		}),
		s3Hygiene(RuleS3ACLs, "Object ownership is BucketOwnerEnforced so ACLs are disabled", func(cfg Config) (bool, store.Severity, string) {
			ownership := cfg.Map("ownership").String("object_ownership")
			if ownership == string(s3types.ObjectOwnershipBucketOwnerEnforced) && !cfg.Bool("acls_enabled") {
				return false, "", ""
			}
			if ownership == "" {
				ownership = "unknown"
			}
			return true, store.SeverityLow, "ACLs enabled (object ownership " + ownership + ")"
		}),
		s3Hygiene(RuleS3PolicyGrants, "Bucket policy does not grant access to every principal", func(cfg Config) (bool, store.Severity, string) {
			if !wildcardAllow(cfg["bucket_policy"]) {
				return false, "", ""
			}
			return true, store.SeverityMedium, "Bucket policy grants access to any principal (*)"
		}),
	}
}

// s3KeyLinks returns the KMS key a bucket's default encryption uses.
func s3KeyLinks(snap *store.ResourceSnapshot) []store.ResourceRef {
	enc := Config(snap.Config).Map("encryption")
	alg := enc.String("sse_algorithm")
	if alg != string(s3types.ServerSideEncryptionAwsKms) && alg != string(s3types.ServerSideEncryptionAwsKmsDsse) {
		return nil
	}
	keyID := enc.String("kms_master_key_id")
	if keyID == "" {
		return nil
	}
	return []store.ResourceRef{KeyRef(keyID, snap.AccountID, snap.Region)}
}

// KeyRef builds a KMS reference from a key id or ARN. Account and region in an
// ARN take precedence over the fallbacks.
func KeyRef(key, account, region string) store.ResourceRef {
	ref := store.ResourceRef{Type: store.ResourceKMS, ID: key, AccountID: account, Region: region}
	if !strings.HasPrefix(key, "arn:") {
		return ref
	}
	// arn:partition:kms:region:account:key/id
	parts := strings.SplitN(key, ":", 6)
	if len(parts) != 6 {
		return ref
	}
	if parts[3] != "" {
		ref.Region = parts[3]
	}
	if parts[4] != "" {
		ref.AccountID = parts[4]
	}
	ref.ID = strings.TrimPrefix(parts[5], "key/")
	return ref
}
