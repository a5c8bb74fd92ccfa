package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

const (
	defaultContentType = "misc"
	dataSuffix         = ".json"
	metaSuffix         = ".meta.json"

	// Escaped names longer than this are replaced by a hash so they fit
	// common filesystem and object-key limits.
	maxNameLength = 200
)

// contentType is the key prefix before the first ':', reduced to a safe
// directory name.
func contentType(key string) string {
	prefix, _, ok := strings.Cut(key, ":")
	if !ok || prefix == "" {
		return defaultContentType
	}
	var b strings.Builder
	for _, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// escapeName makes key safe as a single path element. Dots are escaped so a
// data file name can never collide with a metadata file name.
func escapeName(key string) string {
	name := strings.ReplaceAll(url.QueryEscape(key), ".", "%2E")
	if len(name) > maxNameLength {
		sum := sha256.Sum256([]byte(key))
		return hashedPrefix + hex.EncodeToString(sum[:])
	}
	return name
}

// hashedPrefix marks hashed names. It decodes to NUL, which ValidateKey
// rejects, so no escaped key can start with it.
const hashedPrefix = "%00"

// unescapeName reverses escapeName. Hashed names report false.
func unescapeName(name string) (string, bool) {
	if strings.HasPrefix(name, hashedPrefix) {
		return "", false
	}
	key, err := url.QueryUnescape(name)
	if err != nil {
		return "", false
	}
	return key, true
}

// relPath is "<content-type>/<escaped-key>" without a suffix.
func relPath(key string) string {
	return contentType(key) + "/" + escapeName(key)
}
