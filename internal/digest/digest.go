// Package digest implements content addressing for the store: a deterministic
// hash over canonicalized content, used as the identity key for sources,
// templates, notes and media. Identical logical content always yields the
// identical key, regardless of the insertion order of map entries.
package digest

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
)

// Bytes hashes raw bytes. Used for source packages and media blobs.
func Bytes(b []byte) string {
	return fmt.Sprintf("%x", md5.Sum(b))
}

// Map hashes a field-data map after canonicalizing it to key-sorted JSON.
func Map(data map[string]string) string {
	return Bytes(canonical(data))
}

// Template hashes a template's rendering content. Name is deliberately
// excluded: two templates that render identically collapse to one row.
func Template(front, back, css, js string) string {
	return Bytes(canonical(map[string]string{
		"front": front,
		"back":  back,
		"css":   css,
		"js":    js,
	}))
}

// canonical serializes a map into a stable byte sequence. encoding/json
// sorts map keys, which is the canonical ordering we rely on.
func canonical(v map[string]string) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// A map[string]string cannot fail to marshal.
		panic(err)
	}
	return b
}
