package settings

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// Digest returns a BLAKE3 hex digest of the canonical JSON encoding of a
// settings document. encoding/json sorts map keys, so equal documents hash
// equally regardless of key order.
func Digest(settings map[string]any) string {
	if settings == nil {
		settings = map[string]any{}
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
