package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// StorageKey isolates a user key inside a record family and namespace:
// "<family>:<ns>:<key>".
func StorageKey(family, ns, key string) string {
	return family + ":" + ns + ":" + key
}

// Redact returns a short stable fingerprint of k for log lines, so account
// identifiers do not end up in logs verbatim.
func Redact(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}
