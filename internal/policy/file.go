package policy

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// policyFile represents the YAML structure for a policy settings file.
type policyFile struct {
	Name     string   `json:"name"`
	Settings Settings `json:"settings"`
}

// LoadSettings reads a YAML policy file. Unset fields keep their defaults.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path) //nolint:gosec // user-provided policy file path
	if err != nil {
		return settings, fmt.Errorf("reading policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return settings, fmt.Errorf("parsing policy file: %w", err)
	}

	s := pf.Settings
	if len(s.RequiredTags) > 0 {
		settings.RequiredTags = s.RequiredTags
	}
	if s.MaxKMSGrants > 0 {
		settings.MaxKMSGrants = s.MaxKMSGrants
	}
	if len(s.DisabledRules) > 0 {
		settings.DisabledRules = s.DisabledRules
	}
	if s.ConfidentialityTag != "" {
		settings.ConfidentialityTag = s.ConfidentialityTag
	}
	return settings, nil
}
