package licensing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Transitions on one license are
// serialized by a per-license mutex.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	licenses map[int64]*License
	byHash   map[string]int64
	locks    map[int64]*sync.Mutex
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		licenses: make(map[int64]*License),
		byHash:   make(map[string]int64),
		locks:    make(map[int64]*sync.Mutex),
		now:      time.Now,
	}
}

// Create implements Store
func (s *MemoryStore) Create(ctx context.Context, l *License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.licenses {
		if existing.OrganizationID == l.OrganizationID && existing.Status != StatusRevoked {
			return conflictLicense()
		}
	}
	if _, ok := s.byHash[l.KeyHash]; ok {
		return conflictLicense()
	}

	s.nextID++
	now := s.now().UTC()
	l.ID = s.nextID
	l.CreatedAt = now
	l.UpdatedAt = now

	stored := l.clone()
	stored.LicenseKey = ""
	s.licenses[l.ID] = stored
	s.byHash[l.KeyHash] = l.ID
	s.locks[l.ID] = &sync.Mutex{}
	return nil
}

// GetByID implements Store
func (s *MemoryStore) GetByID(ctx context.Context, id int64) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.licenses[id]
	if !ok {
		return nil, notFoundLicense(id)
	}
	return l.clone(), nil
}

// GetByKeyHash implements Store
func (s *MemoryStore) GetByKeyHash(ctx context.Context, keyHash string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, notFoundLicense("key")
	}
	return s.licenses[id].clone(), nil
}

// GetByOrganization implements Store
func (s *MemoryStore) GetByOrganization(ctx context.Context, organizationID int64) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *License
	for _, l := range s.licenses {
		if l.OrganizationID != organizationID {
			continue
		}
		if l.Status != StatusRevoked {
			return l.clone(), nil
		}
		if latest == nil || l.IssuedAt.After(latest.IssuedAt) || (l.IssuedAt.Equal(latest.IssuedAt) && l.ID > latest.ID) {
			latest = l
		}
	}
	if latest == nil {
		return nil, notFoundLicense(fmt.Sprintf("organization=%d", organizationID))
	}
	return latest.clone(), nil
}

// Transition implements Store
func (s *MemoryStore) Transition(ctx context.Context, id int64, fn TransitionFunc) (*License, bool, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, notFoundLicense(id)
	}

	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	changed, err := fn(current)
	if err != nil || !changed {
		return current, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.licenses[id]
	stored.Status = current.Status
	stored.SuspensionReason = current.SuspensionReason
	if current.LastValidatedAt != nil {
		t := *current.LastValidatedAt
		stored.LastValidatedAt = &t
	}
	stored.UpdatedAt = s.now().UTC()
	current.UpdatedAt = stored.UpdatedAt
	return current, true, nil
}
