package fabric

import (
	"errors"
	"sync"
)

// Store errors.
var (
	ErrStoreFull      = errors.New("fabric: store at capacity")
	ErrDuplicateIndex = errors.New("fabric: index already in use")
	ErrNotFound       = errors.New("fabric: identity not found")
)

// DefaultMaxIdentities is the minimum supported-fabrics count a node
// must offer (Spec Section 11.18.5.3).
const DefaultMaxIdentities = 5

// Store holds the node's fabric identities, keyed by fabric index.
// Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	identities map[FabricIndex]*Identity
	max        int
}

// NewStore creates a store capped at max identities (0 uses
// DefaultMaxIdentities).
func NewStore(max int) *Store {
	if max <= 0 {
		max = DefaultMaxIdentities
	}
	return &Store{
		identities: make(map[FabricIndex]*Identity),
		max:        max,
	}
}

// Add registers an identity under its fabric index.
func (s *Store) Add(id *Identity) error {
	if id == nil || !id.Index.IsValid() {
		return ErrBadIndex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.identities) >= s.max {
		return ErrStoreFull
	}
	if _, exists := s.identities[id.Index]; exists {
		return ErrDuplicateIndex
	}
	s.identities[id.Index] = id
	return nil
}

// Remove deletes the identity at index.
func (s *Store) Remove(index FabricIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[index]; !exists {
		return ErrNotFound
	}
	delete(s.identities, index)
	return nil
}

// ByIndex returns the identity at index, or nil.
func (s *Store) ByIndex(index FabricIndex) *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identities[index]
}

// NextIndex returns the lowest unassigned fabric index.
func (s *Store) NextIndex() (FabricIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.identities) >= s.max {
		return FabricIndexInvalid, ErrStoreFull
	}
	for idx := FabricIndexMin; idx <= FabricIndexMax; idx++ {
		if _, taken := s.identities[idx]; !taken {
			return idx, nil
		}
	}
	return FabricIndexInvalid, ErrStoreFull
}

// Count returns the number of registered identities.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities)
}

// ForEach visits each identity until fn returns false.
func (s *Store) ForEach(fn func(*Identity) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.identities {
		if !fn(id) {
			return
		}
	}
}
