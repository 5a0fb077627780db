package orgs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/entitlements/pkg/errdefs"
)

type membershipKey struct {
	orgID  int64
	userID int64
}

// MemoryStore is an in-process Store. Values are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	orgs    map[int64]*Organization
	members map[membershipKey]*Membership
	current map[int64]int64
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:    make(map[int64]*Organization),
		members: make(map[membershipKey]*Membership),
		current: make(map[int64]int64),
		now:     time.Now,
	}
}

// CreateOrganization implements Store
func (s *MemoryStore) CreateOrganization(ctx context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if org.ParentID != nil {
		if _, ok := s.orgs[*org.ParentID]; !ok {
			return notFoundOrganization(*org.ParentID)
		}
	}

	s.nextID++
	now := s.now().UTC()
	org.ID = s.nextID
	org.CreatedAt = now
	org.UpdatedAt = now
	s.orgs[org.ID] = org.clone()
	return nil
}

// GetOrganization implements Store
func (s *MemoryStore) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	org, ok := s.orgs[id]
	if !ok {
		return nil, notFoundOrganization(id)
	}
	return org.clone(), nil
}

// UpdateOrganization implements Store
func (s *MemoryStore) UpdateOrganization(ctx context.Context, org *Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.orgs[org.ID]
	if !ok {
		return notFoundOrganization(org.ID)
	}
	stored.Name = org.Name
	stored.Slug = org.Slug
	stored.IsActive = org.IsActive
	stored.UpdatedAt = s.now().UTC()
	org.UpdatedAt = stored.UpdatedAt
	return nil
}

// ListSubtree implements Store
func (s *MemoryStore) ListSubtree(ctx context.Context, rootID int64) ([]*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subtree, err := s.subtreeLocked(rootID)
	if err != nil {
		return nil, err
	}
	out := make([]*Organization, len(subtree))
	for i, org := range subtree {
		out[i] = org.clone()
	}
	return out, nil
}

// subtreeLocked walks parent links downward from rootID. Each organization
// is visited once, so corrupted parent links cannot loop forever.
func (s *MemoryStore) subtreeLocked(rootID int64) ([]*Organization, error) {
	root, ok := s.orgs[rootID]
	if !ok {
		return nil, notFoundOrganization(rootID)
	}

	children := make(map[int64][]*Organization)
	for _, org := range s.orgs {
		if org.ParentID != nil {
			children[*org.ParentID] = append(children[*org.ParentID], org)
		}
	}

	visited := map[int64]bool{rootID: true}
	out := []*Organization{root}
	queue := []int64{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	return rootFirst(out, rootID), nil
}

// WithSubtreeLock implements Store. The whole store is held for writing
// while fn runs; saves are applied only when fn succeeds.
func (s *MemoryStore) WithSubtreeLock(ctx context.Context, rootID int64, fn func(tx SubtreeTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subtree, err := s.subtreeLocked(rootID)
	if err != nil {
		return err
	}

	tx := &memorySubtreeTx{store: s, pending: make(map[int64]*Organization)}
	for _, org := range subtree {
		tx.subtree = append(tx.subtree, org.clone())
	}

	if err := fn(tx); err != nil {
		return err
	}

	now := s.now().UTC()
	for id, org := range tx.pending {
		stored := s.orgs[id]
		stored.ParentID = org.clone().ParentID
		stored.HierarchyType = org.HierarchyType
		stored.HierarchyLevel = org.HierarchyLevel
		stored.UpdatedAt = now
	}
	return nil
}

type memorySubtreeTx struct {
	store   *MemoryStore
	subtree []*Organization
	pending map[int64]*Organization
}

func (tx *memorySubtreeTx) Subtree() []*Organization {
	return tx.subtree
}

func (tx *memorySubtreeTx) GetOrganization(ctx context.Context, id int64) (*Organization, error) {
	if org, ok := tx.pending[id]; ok {
		return org.clone(), nil
	}
	org, ok := tx.store.orgs[id]
	if !ok {
		return nil, notFoundOrganization(id)
	}
	return org.clone(), nil
}

func (tx *memorySubtreeTx) SaveStructure(ctx context.Context, org *Organization) error {
	if _, ok := tx.store.orgs[org.ID]; !ok {
		return notFoundOrganization(org.ID)
	}
	if org.ParentID != nil {
		if _, ok := tx.store.orgs[*org.ParentID]; !ok {
			return notFoundOrganization(*org.ParentID)
		}
	}
	tx.pending[org.ID] = org.clone()
	return nil
}

// DeleteOrganizations implements Store
func (s *MemoryStore) DeleteOrganizations(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, ok := s.orgs[id]; !ok {
			return notFoundOrganization(id)
		}
	}

	for _, id := range ids {
		delete(s.orgs, id)
		for key := range s.members {
			if key.orgID == id {
				delete(s.members, key)
			}
		}
		for userID, current := range s.current {
			if current == id {
				delete(s.current, userID)
			}
		}
	}
	return nil
}

// CreateMembership implements Store
func (s *MemoryStore) CreateMembership(ctx context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orgs[m.OrganizationID]; !ok {
		return notFoundOrganization(m.OrganizationID)
	}
	key := membershipKey{orgID: m.OrganizationID, userID: m.UserID}
	if _, ok := s.members[key]; ok {
		return errdefs.Conflict("user is already a member of the organization")
	}

	now := s.now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	s.members[key] = m.clone()
	return nil
}

// GetMembership implements Store
func (s *MemoryStore) GetMembership(ctx context.Context, orgID, userID int64) (*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[membershipKey{orgID: orgID, userID: userID}]
	if !ok {
		return nil, notFoundMembership(orgID, userID)
	}
	return m.clone(), nil
}

// UpdateMembership implements Store
func (s *MemoryStore) UpdateMembership(ctx context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.members[membershipKey{orgID: m.OrganizationID, userID: m.UserID}]
	if !ok {
		return notFoundMembership(m.OrganizationID, m.UserID)
	}
	stored.Role = m.Role
	stored.Permissions = append([]string(nil), m.Permissions...)
	stored.IsActive = m.IsActive
	stored.UpdatedAt = s.now().UTC()
	m.UpdatedAt = stored.UpdatedAt
	return nil
}

// DeleteMembership implements Store
func (s *MemoryStore) DeleteMembership(ctx context.Context, orgID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := membershipKey{orgID: orgID, userID: userID}
	if _, ok := s.members[key]; !ok {
		return false, nil
	}
	delete(s.members, key)
	if current, ok := s.current[userID]; ok && current == orgID {
		delete(s.current, userID)
	}
	return true, nil
}

// ListUserOrganizations implements Store
func (s *MemoryStore) ListUserOrganizations(ctx context.Context, userID int64) ([]*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Organization
	for key, m := range s.members {
		if key.userID != userID || !m.IsActive {
			continue
		}
		if org, ok := s.orgs[key.orgID]; ok {
			out = append(out, org.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetCurrentOrganization implements Store
func (s *MemoryStore) SetCurrentOrganization(ctx context.Context, userID, orgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orgs[orgID]; !ok {
		return notFoundOrganization(orgID)
	}
	s.current[userID] = orgID
	return nil
}

// GetCurrentOrganization implements Store
func (s *MemoryStore) GetCurrentOrganization(ctx context.Context, userID int64) (*int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orgID, ok := s.current[userID]
	if !ok {
		return nil, nil
	}
	return &orgID, nil
}
