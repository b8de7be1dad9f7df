// Package remediation maps rule names to actionable fix suggestions.
package remediation

import (
	"github.com/ppiankov/configwatch/internal/store"
)

// Lookup returns a remediation string for the given violation, or empty if none applies.
func Lookup(v *store.Violation) string {
	if r, ok := rulePlaybook[v.RuleName]; ok {
		return r
	}

	// Severity-based fallback for rules without a dedicated entry
	switch v.RiskLevel {
	case store.SeverityCritical:
		return "Critical configuration issue. Restrict access to the resource immediately and review its policy."
	case store.SeverityHigh:
		return "Review the resource configuration and tighten access controls."
	}

	return ""
}

// Apply populates the Remediation field on all violations in the slice.
func Apply(violations []store.Violation) {
	for i := range violations {
		if violations[i].Remediation == "" {
			violations[i].Remediation = Lookup(&violations[i])
		}
	}
}

var rulePlaybook = map[string]string{
	"public-exposure": "Enable all four S3 Block Public Access settings on the bucket, or remove wildcard " +
		"principals from the key policy. Run: aws s3api put-public-access-block --bucket <name> " +
		"--public-access-block-configuration BlockPublicAcls=true,IgnorePublicAcls=true,BlockPublicPolicy=true,RestrictPublicBuckets=true",

	"confidentiality-classification": "Tag the resource with its data classification (Confidentiality=High|Medium|Low|Informational|Public). " +
		"If the data is not meant to be public, block public access first.",

	"required-tags-missing": "Add the missing tags required by the organization tagging policy.",

	"linked-resource-insecure": "The encryption key used by this resource has its own open finding. " +
		"Remediate the key finding; this finding re-evaluates on the next change.",

	"s3-versioning-disabled": "Enable bucket versioning. Run: aws s3api put-bucket-versioning --bucket <name> " +
		"--versioning-configuration Status=Enabled",

	"s3-access-logging-disabled": "Enable server access logging to a dedicated log bucket. Run: aws s3api put-bucket-logging --bucket <name> ...",

	"s3-notifications-disabled": "Configure event notifications (SNS, SQS or Lambda) so changes to the bucket are observable.",

	"s3-default-encryption-missing": "Enable default encryption, preferably SSE-KMS with a customer managed key. " +
		"Run: aws s3api put-bucket-encryption --bucket <name> ...",

	"s3-acls-enabled": "Set object ownership to BucketOwnerEnforced to disable ACLs. " +
		"Run: aws s3api put-bucket-ownership-controls --bucket <name> --ownership-controls Rules=[{ObjectOwnership=BucketOwnerEnforced}]",

	"s3-bucket-policy-wildcard": "Replace wildcard principals in the bucket policy with explicit accounts or roles, or add conditions.",

	"kms-rotation-disabled": "Enable automatic key rotation. Run: aws kms enable-key-rotation --key-id <id>",

	"kms-key-not-enabled": "Enable the key or cancel its scheduled deletion. Run: aws kms cancel-key-deletion --key-id <id>",

	"kms-external-key-material": "Prefer AWS_KMS generated key material, or document the import and rotation process for external material.",

	"kms-key-policy-missing": "Attach an explicit key policy that grants least-privilege access.",

	"kms-excessive-grants": "Review active grants and retire the ones no longer needed. Run: aws kms list-grants --key-id <id>",
}
