package license

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the stored device fingerprint from a client-supplied
// device identifier. The raw identifier is kept for audit; all equality
// checks after activation compare this one-way hash instead.
func Fingerprint(deviceID string) string {
	sum := sha256.Sum256([]byte(deviceID))
	return hex.EncodeToString(sum[:])
}
