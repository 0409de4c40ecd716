// Package content computes stable fingerprints for raw document snapshots.
// The fingerprint is the deduplication key for adjacent-duplicate suppression
// and the stored content_hash, so it must be deterministic across cosmetic
// re-serialization of the same text by upstream fetchers.
package content

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	dErrors "regradar/pkg/domain-errors"
)

// Hash is a hex-encoded SHA-256 digest of normalized content bytes.
type Hash string

// Validate rejects snapshots that must never be ingested. Runs before
// fingerprinting so a malformed snapshot is never partially recorded.
func Validate(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "snapshot content is empty")
	}
	return nil
}

// Normalize canonicalizes line endings and trailing whitespace so that two
// byte streams carrying the same text hash identically.
//
// Rules: CRLF and bare CR become LF, trailing spaces/tabs are stripped per
// line, and leading/trailing blank lines are dropped.
func Normalize(raw []byte) []byte {
	s := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	s = bytes.ReplaceAll(s, []byte("\r"), []byte("\n"))

	lines := bytes.Split(s, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.TrimRight(line, " \t")
	}

	start := 0
	for start < len(lines) && len(lines[start]) == 0 {
		start++
	}
	end := len(lines)
	for end > start && len(lines[end-1]) == 0 {
		end--
	}

	return bytes.Join(lines[start:end], []byte("\n"))
}

// Fingerprint returns the content hash of a snapshot. Pure and deterministic:
// the same normalized bytes always produce the same hash.
func Fingerprint(raw []byte) Hash {
	sum := sha256.Sum256(Normalize(raw))
	return Hash(hex.EncodeToString(sum[:]))
}
