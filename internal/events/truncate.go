package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"unicode/utf8"
)

// MaxTextBytes caps Message and Error on published events.
const MaxTextBytes = 16 << 10

// truncateText cuts s to at most maxBytes on a rune boundary and appends the
// original size and a sha256 of the full text.
func truncateText(s string, maxBytes int) (string, bool) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, false
	}
	sum := sha256.Sum256([]byte(s))
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s... [truncated %d bytes sha256=%s]", s[:cut], len(s), hex.EncodeToString(sum[:8])), true
}
