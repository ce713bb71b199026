// Package storage provides the PostgreSQL persistence layer for the snapshot
// service: the refresh job ledger, the materialized snapshot store, the source
// reader and API key storage.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/schmalle/secman-snapshot/internal/snapshot"
)

const (
	// API key format constants.
	randomBytesSize = 32
	apiKeyPrefix    = "secman_ak_"
	apiKeyLength    = 74 // "secman_ak_" + 64 hex chars
	maskPrefixLen   = 14 // Show "secman_ak_1234"
	maskSuffixLen   = 4  // Show last 4 chars
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when API key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

// Key represents an API key together with the caller scope it grants.
// Unrestricted keys see every snapshot row; restricted keys see only rows
// overlapping their group set (plus ungrouped rows).
type Key struct {
	ID           string     `json:"id"`
	Key          string     `json:"key"`
	Name         string     `json:"name"`
	Unrestricted bool       `json:"unrestricted"`
	GroupIDs     []int64    `json:"groupIds"`
	CreatedAt    time.Time  `json:"createdAt"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Active       bool       `json:"active"`
}

// Scope returns the caller scope this key grants on snapshot reads.
func (k *Key) Scope() snapshot.CallerScope {
	if k.Unrestricted {
		return snapshot.Unrestricted()
	}

	return snapshot.GroupScope(k.GroupIDs...)
}

// Usable reports whether the key may authenticate right now.
func (k *Key) Usable(now time.Time) bool {
	if !k.Active {
		return false
	}

	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}

	return true
}

// KeyStore defines the interface for API key storage and retrieval.
type KeyStore interface {
	// FindByKey retrieves an API key by its plaintext key value.
	FindByKey(ctx context.Context, key string) (*Key, bool)
	// Add stores a new API key.
	Add(ctx context.Context, apiKey *Key) error
	// Delete deactivates an API key.
	Delete(ctx context.Context, keyID string) error
	// List returns all active API keys.
	List(ctx context.Context) ([]*Key, error)
}

// SecureCompare performs constant-time comparison of two strings to prevent timing attacks.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		// Compare against a dummy of the same length to keep timing flat
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey masks an API key for secure logging by showing only the prefix and suffix.
// Designed for the 74-character key format: "secman_ak_" + 64 hex chars.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	keyLen := len(key)

	if keyLen == apiKeyLength {
		maskedLen := keyLen - maskPrefixLen - maskSuffixLen

		return key[:maskPrefixLen] + strings.Repeat("*", maskedLen) + key[keyLen-maskSuffixLen:]
	}

	// Any other key length (testing, development, etc.) is masked completely.
	return strings.Repeat("*", keyLen)
}

// GenerateAPIKey creates a new secure API key.
func GenerateAPIKey() (string, error) {
	// 32 random bytes (256 bits)
	randomBytes := make([]byte, randomBytesSize)

	_, err := rand.Read(randomBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return apiKeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey extracts the API key from various header formats.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, apiKeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
