// Package usage counts the resources an organization currently owns.
//
// A Snapshot is computed on demand and never persisted. Counter
// implementations read from the platform's resource tables; CachedCounter
// fronts any Counter with a short-lived in-process cache.
package usage

import (
	"context"
	"fmt"
	"sort"
)

// Limit names shared with license limit maps
const (
	LimitServers                = "max_servers"
	LimitApplications           = "max_applications"
	LimitDomains                = "max_domains"
	LimitUsers                  = "max_users"
	LimitCloudProviders         = "max_cloud_providers"
	LimitConcurrentProvisioning = "max_concurrent_provisioning"
)

// LimitNames lists every known limit in reporting order
var LimitNames = []string{
	LimitServers,
	LimitApplications,
	LimitDomains,
	LimitUsers,
	LimitCloudProviders,
	LimitConcurrentProvisioning,
}

var limitLabels = map[string]string{
	LimitServers:                "Server",
	LimitApplications:           "Application",
	LimitDomains:                "Domain",
	LimitUsers:                  "User",
	LimitCloudProviders:         "Cloud provider",
	LimitConcurrentProvisioning: "Concurrent provisioning",
}

// Snapshot is a point-in-time resource count for one organization or subtree
type Snapshot struct {
	Servers                int64 `json:"servers"`
	Applications           int64 `json:"applications"`
	Domains                int64 `json:"domains"`
	Users                  int64 `json:"users"`
	CloudProviders         int64 `json:"cloud_providers"`
	ConcurrentProvisioning int64 `json:"concurrent_provisioning"`

	// Truncated is set when at least one count reached the counting cap
	Truncated bool `json:"truncated,omitempty"`
}

// Get returns the count tracked by a limit name
func (s Snapshot) Get(limit string) (int64, bool) {
	switch limit {
	case LimitServers:
		return s.Servers, true
	case LimitApplications:
		return s.Applications, true
	case LimitDomains:
		return s.Domains, true
	case LimitUsers:
		return s.Users, true
	case LimitCloudProviders:
		return s.CloudProviders, true
	case LimitConcurrentProvisioning:
		return s.ConcurrentProvisioning, true
	default:
		return 0, false
	}
}

// Add returns the element-wise sum of two snapshots
func (s Snapshot) Add(o Snapshot) Snapshot {
	return Snapshot{
		Servers:                s.Servers + o.Servers,
		Applications:           s.Applications + o.Applications,
		Domains:                s.Domains + o.Domains,
		Users:                  s.Users + o.Users,
		CloudProviders:         s.CloudProviders + o.CloudProviders,
		ConcurrentProvisioning: s.ConcurrentProvisioning + o.ConcurrentProvisioning,
		Truncated:              s.Truncated || o.Truncated,
	}
}

// Map returns counts keyed by limit name
func (s Snapshot) Map() map[string]int64 {
	out := make(map[string]int64, len(LimitNames))
	for _, name := range LimitNames {
		v, _ := s.Get(name)
		out[name] = v
	}
	return out
}

// HasOwnedResources reports whether servers or applications exist
func (s Snapshot) HasOwnedResources() bool {
	return s.Servers > 0 || s.Applications > 0
}

// Describe renders a count/limit pair for humans, e.g. "Server count (6) exceeds limit (5)"
func Describe(limit string, current, bound int64) string {
	label, ok := limitLabels[limit]
	if !ok {
		label = limit
	}
	return fmt.Sprintf("%s count (%d) exceeds limit (%d)", label, current, bound)
}

// KnownLimit reports whether name is a recognized limit
func KnownLimit(name string) bool {
	_, ok := limitLabels[name]
	return ok
}

// SortedLimitNames returns the keys of m in reporting order, unknown names last
func SortedLimitNames[V any](m map[string]V) []string {
	order := make(map[string]int, len(LimitNames))
	for i, name := range LimitNames {
		order[name] = i
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, iok := order[names[i]]
		oj, jok := order[names[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})
	return names
}

// Counter computes usage snapshots
type Counter interface {
	// Count returns the snapshot of a single organization
	Count(ctx context.Context, organizationID int64) (Snapshot, error)

	// CountMany returns snapshots for several organizations in one pass.
	// Organizations owning nothing are present with a zero snapshot.
	CountMany(ctx context.Context, organizationIDs []int64) (map[int64]Snapshot, error)
}
