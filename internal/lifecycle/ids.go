package lifecycle

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/ppiankov/configwatch/internal/store"
)

// DedupKey identifies the rule family a finding belongs to for one resource type.
func DedupKey(rt store.ResourceType, family string) string {
	return string(rt) + "/" + family
}

// FindingID derives a stable finding id from the resource identity and dedup key.
// A non-empty seed distinguishes a fresh detection after a terminal record.
func FindingID(accountID, region, resourceID, dedupKey, seed string) string {
	parts := []string{accountID, region, resourceID, dedupKey}
	if seed != "" {
		parts = append(parts, seed)
	}
	sum := blake3.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:16])
}
