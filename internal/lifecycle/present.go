package lifecycle

import (
	"fmt"
	"strings"

	"github.com/ppiankov/configwatch/internal/store"
)

var resourceLabels = map[store.ResourceType][2]string{
	store.ResourceS3:  {"S3 Bucket", "S3 bucket"},
	store.ResourceKMS: {"KMS Key", "KMS key"},
}

// Title returns the finding title for a resource type.
func Title(rt store.ResourceType) string {
	label, ok := resourceLabels[rt]
	if !ok {
		label[0] = strings.ToUpper(string(rt)) + " Resource"
	}
	return label[0] + " Security Configuration Issues Detected"
}

// Description summarizes the violations of a finding. The reason of the most
// severe violation is quoted as the policy evaluation reason.
func Description(rt store.ResourceType, resourceID string, violations []store.Violation) string {
	label, ok := resourceLabels[rt]
	if !ok {
		label[1] = string(rt) + " resource"
	}
	if len(violations) == 0 {
		return fmt.Sprintf("%s '%s' has no open security configuration issues.", label[1], resourceID)
	}

	issues := make([]string, 0, len(violations))
	top := violations[0]
	for _, v := range violations {
		issues = append(issues, v.Reason)
		if v.RiskLevel.Rank() > top.RiskLevel.Rank() {
			top = v
		}
	}
	return fmt.Sprintf("%s '%s' has security configuration issues. Issues found: %s. Policy evaluation reason: %s",
		label[1], resourceID, strings.Join(issues, "; "), top.Reason)
}
