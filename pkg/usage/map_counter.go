package usage

import (
	"context"
	"sync"
)

// MapCounter is an in-memory Counter fed by Set. It backs the memory
// storage mode and tests.
type MapCounter struct {
	mu        sync.RWMutex
	snapshots map[int64]Snapshot
	err       error
}

// NewMapCounter creates an empty counter
func NewMapCounter() *MapCounter {
	return &MapCounter{snapshots: make(map[int64]Snapshot)}
}

// Set replaces the snapshot of one organization
func (c *MapCounter) Set(organizationID int64, snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[organizationID] = snap
}

// FailWith makes subsequent calls return err; nil restores normal behavior
func (c *MapCounter) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Count implements Counter
func (c *MapCounter) Count(ctx context.Context, organizationID int64) (Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return Snapshot{}, c.err
	}
	return c.snapshots[organizationID], nil
}

// CountMany implements Counter
func (c *MapCounter) CountMany(ctx context.Context, ids []int64) (map[int64]Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[int64]Snapshot, len(ids))
	for _, id := range ids {
		out[id] = c.snapshots[id]
	}
	return out, nil
}
