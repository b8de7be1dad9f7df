package policy

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Config is a read-only view over a collector-produced configuration map.
// Absent or mistyped fields read as their zero value, which every rule
// treats as the least secure setting.
type Config map[string]any

// Map returns the nested object at key.
func (c Config) Map(key string) Config {
	if c == nil {
		return nil
	}
	if m, ok := c[key].(map[string]any); ok {
		return Config(m)
	}
	return nil
}

// Has reports whether key is present with a non-nil value.
func (c Config) Has(key string) bool {
	if c == nil {
		return false
	}
	v, ok := c[key]
	return ok && v != nil
}

// String returns the string at key, or "".
func (c Config) String(key string) string {
	if c == nil {
		return ""
	}
	s, _ := c[key].(string)
	return s
}

// Bool returns the boolean at key. Strings "true"/"enabled" read as true.
func (c Config) Bool(key string) bool {
	if c == nil {
		return false
	}
	switch v := c[key].(type) {
	case bool:
		return v
	case *bool:
		return aws.ToBool(v)
	case string:
		return strings.EqualFold(v, "true") || strings.EqualFold(v, "enabled")
	}
	return false
}

// Len returns the length of the list at key.
func (c Config) Len(key string) int {
	if c == nil {
		return 0
	}
	if l, ok := c[key].([]any); ok {
		return len(l)
	}
	return 0
}

// Enabled reports whether the nested object at key carries status "enabled".
func (c Config) Enabled(key string) bool {
	return strings.EqualFold(c.Map(key).String("status"), "enabled")
}
