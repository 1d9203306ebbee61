package nitram

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store is a session's scratch space: a concurrency-safe mapping from
// string keys to opaque JSON values. Every handler invoked under the same
// session sees the same Store, so mutations persist across calls for the
// session's lifetime.
type Store struct {
	mu sync.RWMutex
	kv map[string]json.RawMessage
}

func NewStore() *Store {
	return &Store{kv: make(map[string]json.RawMessage)}
}

// Get decodes the value under key into out. It reports false when the key
// is absent or the stored value does not decode into out.
func (s *Store) Get(key string, out any) bool {
	s.mu.RLock()
	raw, ok := s.kv[key]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// Set stores v under key, replacing any previous value.
func (s *Store) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding store value %q: %w", key, err)
	}
	s.mu.Lock()
	s.kv[key] = raw
	s.mu.Unlock()
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.kv, key)
	s.mu.Unlock()
}

// Len reports the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.kv)
}
