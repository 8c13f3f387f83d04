package replay

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gowebpki/jcs"
)

// fingerprint hashes a payload for command matching. JSON payloads are
// canonicalized first so key order and whitespace do not count as drift.
func fingerprint(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	canonical, err := jcs.Transform(payload)
	if err != nil {
		canonical = payload
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
