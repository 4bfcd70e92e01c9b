// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of EVE evidence artifacts.
//
// Every hash in the pipeline (row hashes, root hashes, vault event hashes) is
// computed over JCS output, so two implementations that agree on the field
// values agree on the bytes regardless of field-insertion order or language.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
//  1. Object keys are sorted by UTF-16 code units, recursively.
//  2. HTML escaping is undone (unlike standard json.Marshal).
//  3. Numbers use the ECMAScript shortest round-trip form, so 10.50 is written as 10.5.
//
// Struct json tags are respected: v is marshalled with encoding/json first and the
// result is transformed.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 of raw bytes and returns the lowercase hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashStrings hashes the concatenation of parts.
func HashStrings(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = io.WriteString(h, p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashFile streams the file at path through SHA-256 and returns the hex digest
// together with the file size.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the data root
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// IsHexDigest reports whether s looks like a lowercase SHA-256 hex digest.
func IsHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
