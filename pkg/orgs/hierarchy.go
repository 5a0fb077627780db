package orgs

import (
	"sort"
	"strings"

	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

// buildTree materializes the subtree rooted at rootID from a flat list.
// Traversal is iterative and tracks visited ids; reaching an organization
// twice means the parent links are corrupted.
func buildTree(rootID int64, orgs []*Organization, snapshots map[int64]usage.Snapshot) (*HierarchyNode, error) {
	nodes := make(map[int64]*HierarchyNode, len(orgs))
	for _, org := range orgs {
		nodes[org.ID] = &HierarchyNode{Organization: org, Usage: snapshots[org.ID], Children: []*HierarchyNode{}}
	}
	root, ok := nodes[rootID]
	if !ok {
		return nil, notFoundOrganization(rootID)
	}

	children := childIndex(orgs, nodes)

	visited := map[int64]bool{rootID: true}
	stack := []*HierarchyNode{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, childID := range children[node.Organization.ID] {
			if visited[childID] {
				return nil, errdefs.CycleDetected(childID)
			}
			visited[childID] = true
			child := nodes[childID]
			node.Children = append(node.Children, child)
			stack = append(stack, child)
		}
	}
	return root, nil
}

// childIndex maps each parent to its children, restricted to the given set
// and ordered by id
func childIndex(orgs []*Organization, members map[int64]*HierarchyNode) map[int64][]int64 {
	children := make(map[int64][]int64)
	for _, org := range orgs {
		if org.ParentID == nil {
			continue
		}
		if _, ok := members[*org.ParentID]; !ok {
			continue
		}
		children[*org.ParentID] = append(children[*org.ParentID], org.ID)
	}
	for _, ids := range children {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return children
}

// relevel recomputes hierarchy levels below the root after a move and
// returns every organization whose structure changed
func relevel(root *Organization, subtree []*Organization) ([]*Organization, error) {
	byID := make(map[int64]*HierarchyNode, len(subtree))
	for _, org := range subtree {
		byID[org.ID] = &HierarchyNode{Organization: org}
	}
	children := childIndex(subtree, byID)

	changed := []*Organization{root}
	visited := map[int64]bool{root.ID: true}
	queue := []*Organization{root}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, childID := range children[parent.ID] {
			if visited[childID] {
				return nil, errdefs.CycleDetected(childID)
			}
			visited[childID] = true
			child := byID[childID].Organization
			if level := parent.HierarchyLevel + 1; child.HierarchyLevel != level {
				child.HierarchyLevel = level
				changed = append(changed, child)
			}
			queue = append(queue, child)
		}
	}
	return changed, nil
}

// deletionOrder returns subtree ids deepest first so children go before parents
func deletionOrder(root *HierarchyNode) []int64 {
	var ids []int64
	queue := []*HierarchyNode{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		ids = append(ids, node.Organization.ID)
		queue = append(queue, node.Children...)
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}

// generateSlug generates a URL-friendly slug from a name
func generateSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.ReplaceAll(slug, " ", "-")
	// Remove special characters
	var result strings.Builder
	for _, r := range slug {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
