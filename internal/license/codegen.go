package license

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// CodeGenerator supplies fresh license codes for provisioning. Codes are
// opaque to the rest of the system; only uniqueness and canonical form
// (uppercase) matter.
type CodeGenerator interface {
	Generate() (string, error)
}

// codeAlphabet excludes ambiguous characters (0/O, 1/I/L) so codes survive
// being read over the phone.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	codeGroups    = 3
	codeGroupSize = 4
)

// RandomCodeGenerator produces codes like "K7QM-2XJP-9RWD" from crypto/rand.
// Uniqueness is probabilistic here and enforced by the store's primary key;
// provisioning retries on collision.
type RandomCodeGenerator struct{}

// Generate returns a fresh random code in canonical form.
func (RandomCodeGenerator) Generate() (string, error) {
	// Bytes at or past the largest multiple of the alphabet size are redrawn
	// so every character is equally likely.
	const limit = 256 - 256%len(codeAlphabet)
	const codeLen = codeGroups * codeGroupSize

	var b strings.Builder
	raw := make([]byte, codeLen)
	written := 0
	for written < codeLen {
		if _, err := rand.Read(raw); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, c := range raw {
			if int(c) >= limit {
				continue
			}
			if written > 0 && written%codeGroupSize == 0 {
				b.WriteByte('-')
			}
			b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
			written++
			if written == codeLen {
				break
			}
		}
	}
	return b.String(), nil
}
