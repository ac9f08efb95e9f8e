// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture; it depends on nothing.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
)

// ─── Utilities ──────────────────────────────────────────────────────────────

// SHA256Hex computes SHA-256 hash and returns hex string.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashToken returns the digest under which a desktop token is stored.
func HashToken(token string) string {
	return SHA256Hex([]byte(token))
}

// NormalizeUserID trims whitespace around a caller-supplied user id.
func NormalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrInvalidUser
	}
	return userID, nil
}

// Page sizing limits.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	maxPage         = math.MaxInt / MaxPageSize
)

// Page converts a 1-based page and page size into limit/offset, applying
// the default size and cap. Pages past maxPage are clamped so the offset
// never overflows.
func Page(page, pageSize int) (limit, offset int) {
	switch {
	case page < 1:
		page = 1
	case page > maxPage:
		page = maxPage
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	return pageSize, (page - 1) * pageSize
}
