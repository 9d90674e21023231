// Package fingerprint computes the deterministic cache key used by the TTS
// cache: a stable hash of (model, voice, text).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const unitSeparator = "\x1f"

// Fingerprint is the opaque, process-local cache key. Never exposed over
// the wire; equality implies equivalent audio.
type Fingerprint string

// Compute returns the SHA-256 hex digest of
// model ‖ 0x1f ‖ voice ‖ 0x1f ‖ text, after NFC-normalizing and trimming
// ASCII whitespace from text. Collision-stable across restarts and
// architectures.
func Compute(model, voice, text string) Fingerprint {
	normalized := norm.NFC.String(trimASCIISpace(text))

	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte(unitSeparator))
	h.Write([]byte(voice))
	h.Write([]byte(unitSeparator))
	h.Write([]byte(normalized))

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// trimASCIISpace trims only ASCII whitespace (space, tab, CR, LF), leaving
// other Unicode whitespace (which may carry semantic weight in some
// scripts) untouched.
func trimASCIISpace(s string) string {
	return strings.Trim(s, " \t\r\n")
}
