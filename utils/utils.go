// Package utils provides utility functions for the application.
package utils

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

func ToPtr[T any](v T) *T {
	return &v
}

func IsTrue(b *bool) bool {
	return b != nil && *b
}

// Digest returns the 32-character lowercase hex token used for version
// hashes. The format is a cache-busting identifier, not a security
// primitive.
func Digest(input string) string {
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VersionHash derives the version token for one data type. The timestamp is
// the batch-shared microsecond timestamp; the nano sample disambiguates
// entries so two hashes never collide even across identical timestamps.
func VersionHash(dataType string, ts time.Time, nanoSample int64) string {
	return Digest(fmt.Sprintf("%s_%d_%d", dataType, ts.UnixMicro(), nanoSample))
}

// BumpLockName derives the deterministic lock name for a set of data types.
// The set is sorted so {a,b} and {b,a} contend on the same lock.
func BumpLockName(dataTypes []string) string {
	sorted := make([]string, len(dataTypes))
	copy(sorted, dataTypes)
	sort.Strings(sorted)
	return VersionUpdateLockPrefix + strings.Join(sorted, "_")
}

// UniqueNonEmpty deduplicates a slice of identifiers, dropping blanks and
// preserving first-seen order.
func UniqueNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
