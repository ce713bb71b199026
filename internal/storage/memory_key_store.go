package storage

import (
	"context"
	"sync"
	"time"
)

// InMemoryKeyStore provides thread-safe in-memory storage for API keys.
// Used in tests and local development; production deployments use
// PersistentKeyStore.
type InMemoryKeyStore struct {
	// keys maps plaintext key strings to Key structs for fast lookup
	keys map[string]*Key
	// keysByID maps key IDs to Key structs for ID-based operations
	keysByID map[string]*Key
	// mutex protects concurrent access to both maps
	mutex sync.RWMutex
}

// NewInMemoryKeyStore creates a new thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:     make(map[string]*Key),
		keysByID: make(map[string]*Key),
	}
}

// FindByKey retrieves an API key by its plaintext key value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*Key, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	apiKey, exists := s.keys[key]
	if !exists || !apiKey.Usable(time.Now()) {
		return nil, false
	}

	// Return a copy to prevent external modification
	keyCopy := *apiKey

	return &keyCopy, true
}

// Add stores a new API key.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *Key) error {
	if apiKey == nil {
		return ErrKeyNil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.keysByID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	// Store a copy to prevent external modification
	keyCopy := *apiKey
	s.keys[keyCopy.Key] = &keyCopy
	s.keysByID[keyCopy.ID] = &keyCopy

	return nil
}

// Delete deactivates an API key by id.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.keysByID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	existing.Active = false

	return nil
}

// List returns all active API keys.
func (s *InMemoryKeyStore) List(_ context.Context) ([]*Key, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := []*Key{}

	for _, apiKey := range s.keysByID {
		if !apiKey.Active {
			continue
		}

		keyCopy := *apiKey
		result = append(result, &keyCopy)
	}

	return result, nil
}
