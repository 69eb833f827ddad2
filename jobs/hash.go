package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// hashPattern matches the canonical content-hash encoding:
// "sha256:" followed by 64 lowercase hex characters.
var hashPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// HashContent returns the canonical content hash of raw input bytes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HashText hashes text after trimming surrounding whitespace, so trailing
// newline differences do not defeat deduplication.
func HashText(text string) string {
	return HashContent([]byte(strings.TrimSpace(text)))
}

// ValidateHash checks the canonical encoding.
func ValidateHash(h string) error {
	if !hashPattern.MatchString(h) {
		return fmt.Errorf("invalid content hash %q: want sha256: + 64 lowercase hex", h)
	}
	return nil
}
