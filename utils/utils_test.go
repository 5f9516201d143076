// Package utils provides utility functions for the application.
package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDigest(t *testing.T) {
	token := Digest("products_1700000000000000_42")

	assert.Len(t, token, 32)
	assert.Equal(t, token, Digest("products_1700000000000000_42"), "same input must yield the same token")
	assert.NotEqual(t, token, Digest("products_1700000000000000_43"))
}

func TestVersionHash(t *testing.T) {
	ts := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)

	t.Run("distinct data types yield distinct hashes", func(t *testing.T) {
		a := VersionHash("products", ts, 7)
		b := VersionHash("categories", ts, 7)
		assert.NotEqual(t, a, b)
	})

	t.Run("distinct nano samples yield distinct hashes", func(t *testing.T) {
		a := VersionHash("products", ts, 7)
		b := VersionHash("products", ts, 8)
		assert.NotEqual(t, a, b)
	})

	t.Run("hash is 32 hex characters", func(t *testing.T) {
		assert.Regexp(t, "^[0-9a-f]{32}$", VersionHash("products", ts, 7))
	})
}

func TestBumpLockName(t *testing.T) {
	tests := []struct {
		name      string
		dataTypes []string
		expected  string
	}{
		{
			name:      "single type",
			dataTypes: []string{"products"},
			expected:  "version_update_products",
		},
		{
			name:      "already sorted",
			dataTypes: []string{"categories", "products"},
			expected:  "version_update_categories_products",
		},
		{
			name:      "unsorted input is normalized",
			dataTypes: []string{"products", "categories"},
			expected:  "version_update_categories_products",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BumpLockName(tt.dataTypes))
		})
	}
}

func TestBumpLockNameDoesNotMutateInput(t *testing.T) {
	input := []string{"products", "categories"}
	_ = BumpLockName(input)
	assert.Equal(t, []string{"products", "categories"}, input)
}

func TestUniqueNonEmpty(t *testing.T) {
	out := UniqueNonEmpty([]string{"products", "", "  ", "categories", "products", " orders "})
	assert.Equal(t, []string{"products", "categories", "orders"}, out)
}

func TestUTCNowMicro(t *testing.T) {
	now := UTCNowMicro()
	assert.Equal(t, time.UTC, now.Location())
	assert.Zero(t, now.Nanosecond()%1000, "timestamp must carry at most microsecond resolution")
}
