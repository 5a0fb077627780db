package orgs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/entitlements/pkg/audit"
	"github.com/platinummonkey/entitlements/pkg/errdefs"
	"github.com/platinummonkey/entitlements/pkg/observability"
	"github.com/platinummonkey/entitlements/pkg/usage"
)

type engineFixture struct {
	engine  *Engine
	store   *MemoryStore
	counter *usage.MapCounter
	audit   *audit.MemoryLogger
	metrics *observability.Metrics
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := NewMemoryStore()
	counter := usage.NewMapCounter()
	auditLog := audit.NewMemoryLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := NewEngine(store, EngineConfig{
		Counter: counter,
		Audit:   auditLog,
		Metrics: metrics,
	})
	return &engineFixture{engine: engine, store: store, counter: counter, audit: auditLog, metrics: metrics}
}

// chain creates top_branch -> master_branch -> sub_user -> end_user
func (f *engineFixture) chain(t *testing.T) []*Organization {
	t.Helper()
	ctx := context.Background()
	var out []*Organization
	var parent *int64
	for _, name := range []string{"Top", "Master", "Sub", "End"} {
		org, err := f.engine.CreateOrganization(ctx, CreateOrgRequest{Name: name}, parent)
		require.NoError(t, err)
		out = append(out, org)
		parent = ptr(org.ID)
	}
	return out
}

func TestEngine_CreateOrganization(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	t.Run("root defaults to top branch", func(t *testing.T) {
		org, err := f.engine.CreateOrganization(ctx, CreateOrgRequest{Name: "Acme Corp"}, nil)
		require.NoError(t, err)
		assert.Equal(t, TypeTopBranch, org.HierarchyType)
		assert.Equal(t, 0, org.HierarchyLevel)
		assert.Nil(t, org.ParentID)
		assert.True(t, org.IsActive)
		assert.Equal(t, "acme-corp", org.Slug)
		assert.NotZero(t, org.ID)
	})

	t.Run("chain follows succession", func(t *testing.T) {
		chain := f.chain(t)
		for i, org := range chain {
			assert.Equal(t, hierarchyOrder[i], org.HierarchyType)
			assert.Equal(t, i, org.HierarchyLevel)
			if i > 0 {
				require.NotNil(t, org.ParentID)
				assert.Equal(t, chain[i-1].ID, *org.ParentID)
			}
		}
	})

	t.Run("end user cannot have children", func(t *testing.T) {
		chain := f.chain(t)
		_, err := f.engine.CreateOrganization(ctx, CreateOrgRequest{Name: "Leaf"}, ptr(chain[3].ID))
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidHierarchy))
	})

	t.Run("explicit type must be the successor", func(t *testing.T) {
		chain := f.chain(t)
		_, err := f.engine.CreateOrganization(ctx,
			CreateOrgRequest{Name: "Skip", HierarchyType: TypeSubUser}, ptr(chain[0].ID))
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidHierarchy))

		org, err := f.engine.CreateOrganization(ctx,
			CreateOrgRequest{Name: "Explicit", HierarchyType: TypeMasterBranch}, ptr(chain[0].ID))
		require.NoError(t, err)
		assert.Equal(t, TypeMasterBranch, org.HierarchyType)
	})

	t.Run("root must be top branch", func(t *testing.T) {
		_, err := f.engine.CreateOrganization(ctx, CreateOrgRequest{Name: "Bad", HierarchyType: TypeSubUser}, nil)
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidHierarchy))
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := f.engine.CreateOrganization(ctx, CreateOrgRequest{Name: "Bad", HierarchyType: "galaxy"}, nil)
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidHierarchy))
	})

	t.Run("missing parent", func(t *testing.T) {
		_, err := f.engine.CreateOrganization(ctx, CreateOrgRequest{Name: "Orphan"}, ptr(9999))
		assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := f.engine.CreateOrganization(ctx, CreateOrgRequest{Name: "   "}, nil)
		assert.True(t, errdefs.IsKind(err, errdefs.KindValidationFailed))
	})

	assert.NotEmpty(t, f.audit.OfType(audit.EventOrgCreated))
	assert.Greater(t, testutil.ToFloat64(f.metrics.HierarchyOperationsTotal.WithLabelValues("create", "error")), float64(0))
}

func TestEngine_UpdateOrganization(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	chain := f.chain(t)

	name := "Renamed Master"
	inactive := false
	org, err := f.engine.UpdateOrganization(ctx, chain[1].ID, UpdateOrgRequest{Name: &name, IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "Renamed Master", org.Name)
	assert.Equal(t, "renamed-master", org.Slug)
	assert.False(t, org.IsActive)

	same := TypeMasterBranch
	_, err = f.engine.UpdateOrganization(ctx, chain[1].ID, UpdateOrgRequest{HierarchyType: &same})
	assert.NoError(t, err)

	other := TypeSubUser
	_, err = f.engine.UpdateOrganization(ctx, chain[1].ID, UpdateOrgRequest{HierarchyType: &other})
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidHierarchy))

	_, err = f.engine.UpdateOrganization(ctx, chain[2].ID, UpdateOrgRequest{ParentID: ptr(chain[0].ID)})
	assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidHierarchy))

	_, err = f.engine.UpdateOrganization(ctx, 9999, UpdateOrgRequest{Name: &name})
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	stored, err := f.engine.GetOrganization(ctx, chain[1].ID)
	require.NoError(t, err)
	assert.Equal(t, TypeMasterBranch, stored.HierarchyType)
	assert.Equal(t, "Renamed Master", stored.Name)
}

func TestEngine_MoveOrganization(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	first := f.chain(t)
	second := f.chain(t)

	t.Run("move master branch under another top branch", func(t *testing.T) {
		moved, err := f.engine.MoveOrganization(ctx, first[1].ID, ptr(second[0].ID))
		require.NoError(t, err)
		require.NotNil(t, moved.ParentID)
		assert.Equal(t, second[0].ID, *moved.ParentID)
		assert.Equal(t, 1, moved.HierarchyLevel)

		inside, err := f.engine.IsWithinSubtree(ctx, second[0].ID, first[3].ID)
		require.NoError(t, err)
		assert.True(t, inside)

		inside, err = f.engine.IsWithinSubtree(ctx, first[0].ID, first[3].ID)
		require.NoError(t, err)
		assert.False(t, inside)
	})

	t.Run("cannot move under itself", func(t *testing.T) {
		_, err := f.engine.MoveOrganization(ctx, second[1].ID, ptr(second[1].ID))
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidHierarchy))
	})

	t.Run("cannot move under a descendant", func(t *testing.T) {
		_, err := f.engine.MoveOrganization(ctx, second[0].ID, ptr(second[2].ID))
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidHierarchy))
	})

	t.Run("succession is enforced", func(t *testing.T) {
		_, err := f.engine.MoveOrganization(ctx, second[2].ID, ptr(second[0].ID))
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidHierarchy))

		stored, err := f.engine.GetOrganization(ctx, second[2].ID)
		require.NoError(t, err)
		assert.Equal(t, second[1].ID, *stored.ParentID)
	})

	t.Run("only top branch can become a root", func(t *testing.T) {
		_, err := f.engine.MoveOrganization(ctx, second[1].ID, nil)
		assert.True(t, errdefs.IsKind(err, errdefs.KindInvalidHierarchy))
	})

	t.Run("missing organization", func(t *testing.T) {
		_, err := f.engine.MoveOrganization(ctx, 9999, nil)
		assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

		_, err = f.engine.MoveOrganization(ctx, second[1].ID, ptr(9999))
		assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
	})

	assert.Len(t, f.audit.OfType(audit.EventOrgMoved), 1)
}

func TestEngine_MoveOrganization_RecomputesLevels(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	chain := f.chain(t)

	// corrupt stored levels below the moved organization
	f.store.mu.Lock()
	f.store.orgs[chain[2].ID].HierarchyLevel = 7
	f.store.orgs[chain[3].ID].HierarchyLevel = 9
	f.store.mu.Unlock()

	other, err := f.engine.CreateOrganization(ctx, CreateOrgRequest{Name: "Other"}, nil)
	require.NoError(t, err)

	_, err = f.engine.MoveOrganization(ctx, chain[1].ID, ptr(other.ID))
	require.NoError(t, err)

	for i, org := range chain[1:] {
		stored, err := f.engine.GetOrganization(ctx, org.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, stored.HierarchyLevel, "org %d", org.ID)
	}
}

func TestEngine_Memberships(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	chain := f.chain(t)
	const userID = int64(42)

	m, err := f.engine.AttachUserToOrganization(ctx, chain[0].ID, userID, "", []string{"deploy_application", " ", "deploy_application"})
	require.NoError(t, err)
	assert.Equal(t, RoleMember, m.Role)
	assert.Equal(t, []string{"deploy_application"}, m.Permissions)
	assert.True(t, m.IsActive)

	_, err = f.engine.AttachUserToOrganization(ctx, chain[0].ID, userID, RoleAdmin, nil)
	assert.True(t, errdefs.IsKind(err, errdefs.KindConflict))

	_, err = f.engine.AttachUserToOrganization(ctx, chain[1].ID, userID, "superuser", nil)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidationFailed))

	_, err = f.engine.AttachUserToOrganization(ctx, 9999, userID, RoleMember, nil)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	updated, err := f.engine.UpdateUserRole(ctx, chain[0].ID, userID, RoleAdmin, nil)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, updated.Role)
	assert.Equal(t, []string{"deploy_application"}, updated.Permissions)

	_, err = f.engine.UpdateUserRole(ctx, chain[1].ID, userID, RoleAdmin, nil)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	_, err = f.engine.AttachUserToOrganization(ctx, chain[1].ID, userID, RoleOwner, nil)
	require.NoError(t, err)

	orgs, err := f.engine.GetUserOrganizations(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, orgs, 2)

	_, err = f.engine.SetMembershipActive(ctx, chain[1].ID, userID, false)
	require.NoError(t, err)
	orgs, err = f.engine.GetUserOrganizations(ctx, userID)
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, chain[0].ID, orgs[0].ID)

	orgs, err = f.engine.GetUserOrganizations(ctx, 777)
	require.NoError(t, err)
	assert.Empty(t, orgs)

	assert.Len(t, f.audit.OfType(audit.EventMemberAttached), 2)
	assert.Len(t, f.audit.OfType(audit.EventMemberRoleChanged), 2)
}

func TestEngine_SwitchUserOrganization(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	chain := f.chain(t)
	const userID = int64(5)

	_, err := f.engine.SwitchUserOrganization(ctx, userID, chain[0].ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUnauthorized))

	_, err = f.engine.AttachUserToOrganization(ctx, chain[0].ID, userID, RoleMember, nil)
	require.NoError(t, err)

	org, err := f.engine.SwitchUserOrganization(ctx, userID, chain[0].ID)
	require.NoError(t, err)
	assert.Equal(t, chain[0].ID, org.ID)

	current, err := f.engine.GetCurrentOrganization(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, chain[0].ID, *current)

	_, err = f.engine.SetMembershipActive(ctx, chain[0].ID, userID, false)
	require.NoError(t, err)
	_, err = f.engine.SwitchUserOrganization(ctx, userID, chain[0].ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUnauthorized))

	_, err = f.engine.AttachUserToOrganization(ctx, chain[1].ID, userID, RoleMember, nil)
	require.NoError(t, err)
	inactive := false
	_, err = f.engine.UpdateOrganization(ctx, chain[1].ID, UpdateOrgRequest{IsActive: &inactive})
	require.NoError(t, err)
	_, err = f.engine.SwitchUserOrganization(ctx, userID, chain[1].ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindUnauthorized))
}

func TestEngine_DetachClearsCurrentOrganization(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	chain := f.chain(t)
	const userID = int64(8)

	_, err := f.engine.AttachUserToOrganization(ctx, chain[0].ID, userID, RoleOwner, nil)
	require.NoError(t, err)
	_, err = f.engine.SwitchUserOrganization(ctx, userID, chain[0].ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.DetachUserFromOrganization(ctx, chain[0].ID, userID))

	current, err := f.engine.GetCurrentOrganization(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, current)

	_, err = f.engine.GetMembership(ctx, chain[0].ID, userID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	err = f.engine.DetachUserFromOrganization(ctx, chain[0].ID, userID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestEngine_GetOrganizationHierarchy(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	chain := f.chain(t)
	sibling, err := f.engine.CreateOrganization(ctx, CreateOrgRequest{Name: "Sibling"}, ptr(chain[0].ID))
	require.NoError(t, err)

	f.counter.Set(chain[1].ID, usage.Snapshot{Servers: 3})
	f.counter.Set(sibling.ID, usage.Snapshot{Domains: 2})

	tree, err := f.engine.GetOrganizationHierarchy(ctx, chain[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 5, tree.Count())
	require.Len(t, tree.Children, 2)
	assert.Equal(t, int64(3), tree.Children[0].Usage.Servers)
	assert.Equal(t, int64(2), tree.Children[1].Usage.Domains)

	leaf, err := f.engine.GetOrganizationHierarchy(ctx, chain[3].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, leaf.Count())
	assert.NotNil(t, leaf.Children)

	_, err = f.engine.GetOrganizationHierarchy(ctx, 9999)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))

	f.counter.FailWith(errors.New("replica down"))
	_, err = f.engine.GetOrganizationHierarchy(ctx, chain[0].ID)
	assert.ErrorContains(t, err, "replica down")
}

func TestEngine_GetOrganizationHierarchy_Cycle(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	chain := f.chain(t)

	// corrupt the root so it hangs below its own descendant
	f.store.mu.Lock()
	f.store.orgs[chain[0].ID].ParentID = ptr(chain[3].ID)
	f.store.mu.Unlock()

	_, err := f.engine.GetOrganizationHierarchy(ctx, chain[0].ID)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindCycleDetected))

	_, err = f.engine.IsWithinSubtree(ctx, 9999, chain[2].ID)
	assert.True(t, errdefs.IsKind(err, errdefs.KindCycleDetected))
}

func TestEngine_DeleteOrganization(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	t.Run("refuses organizations with children", func(t *testing.T) {
		chain := f.chain(t)
		deleted, err := f.engine.DeleteOrganization(ctx, chain[0].ID, false)
		assert.False(t, deleted)
		var domainErr *errdefs.Error
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, errdefs.KindHasChildren, domainErr.Kind)
	})

	t.Run("refuses organizations with servers or applications", func(t *testing.T) {
		org, err := f.engine.CreateOrganization(ctx, CreateOrgRequest{Name: "Busy"}, nil)
		require.NoError(t, err)
		f.counter.Set(org.ID, usage.Snapshot{Applications: 1})

		_, err = f.engine.DeleteOrganization(ctx, org.ID, false)
		assert.True(t, errdefs.IsKind(err, errdefs.KindHasActiveResources))

		f.counter.Set(org.ID, usage.Snapshot{Domains: 4, Users: 2})
		deleted, err := f.engine.DeleteOrganization(ctx, org.ID, false)
		require.NoError(t, err)
		assert.True(t, deleted)
	})

	t.Run("force removes the whole subtree and memberships", func(t *testing.T) {
		chain := f.chain(t)
		f.counter.Set(chain[2].ID, usage.Snapshot{Servers: 10})
		_, err := f.engine.AttachUserToOrganization(ctx, chain[3].ID, 77, RoleOwner, nil)
		require.NoError(t, err)
		_, err = f.engine.SwitchUserOrganization(ctx, 77, chain[3].ID)
		require.NoError(t, err)

		deleted, err := f.engine.DeleteOrganization(ctx, chain[0].ID, true)
		require.NoError(t, err)
		assert.True(t, deleted)

		for _, org := range chain {
			_, err := f.engine.GetOrganization(ctx, org.ID)
			assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
		}
		_, err = f.engine.GetMembership(ctx, chain[3].ID, 77)
		assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
		current, err := f.engine.GetCurrentOrganization(ctx, 77)
		require.NoError(t, err)
		assert.Nil(t, current)

		events := f.audit.OfType(audit.EventOrgForceDelete)
		require.Len(t, events, 1)
		assert.Equal(t, 3, events[0].Metadata["descendants"])
	})

	t.Run("missing organization", func(t *testing.T) {
		_, err := f.engine.DeleteOrganization(ctx, 9999, true)
		assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
	})
}

type recordingRevoker struct {
	calls [][]int64
	err   error
}

func (r *recordingRevoker) RevokeOrganizationLicenses(_ context.Context, ids []int64) error {
	r.calls = append(r.calls, append([]int64(nil), ids...))
	return r.err
}

func TestEngine_DeleteOrganizationRevokesLicenses(t *testing.T) {
	ctx := context.Background()
	revoker := &recordingRevoker{}
	f := newEngineFixture(t)
	f.engine = NewEngine(f.store, EngineConfig{Counter: f.counter, Licenses: revoker, Audit: f.audit})

	chain := f.chain(t)
	deleted, err := f.engine.DeleteOrganization(ctx, chain[1].ID, true)
	require.NoError(t, err)
	assert.True(t, deleted)
	require.Len(t, revoker.calls, 1)
	assert.ElementsMatch(t, []int64{chain[1].ID, chain[2].ID, chain[3].ID}, revoker.calls[0])

	t.Run("revocation failure keeps the organization", func(t *testing.T) {
		revoker.err = errors.New("license store unavailable")
		_, err := f.engine.DeleteOrganization(ctx, chain[0].ID, false)
		assert.ErrorContains(t, err, "license store unavailable")

		_, err = f.engine.GetOrganization(ctx, chain[0].ID)
		assert.NoError(t, err)
	})
}

func TestEngine_GetOrganizationUsage(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	chain := f.chain(t)

	f.counter.Set(chain[0].ID, usage.Snapshot{Servers: 1, Users: 2})
	f.counter.Set(chain[2].ID, usage.Snapshot{Servers: 4, Applications: 3})

	own, err := f.engine.GetOrganizationUsage(ctx, chain[0].ID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), own.Servers)

	total, err := f.engine.GetOrganizationUsage(ctx, chain[0].ID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total.Servers)
	assert.Equal(t, int64(3), total.Applications)
	assert.Equal(t, int64(2), total.Users)

	_, err = f.engine.GetOrganizationUsage(ctx, 9999, false)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestEngine_ConcurrentMoves(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	a := f.chain(t)
	b := f.chain(t)

	// moving A's master under B while B's master moves under A must leave a tree
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = f.engine.MoveOrganization(ctx, a[1].ID, ptr(b[0].ID))
	}()
	go func() {
		defer wg.Done()
		_, _ = f.engine.MoveOrganization(ctx, b[1].ID, ptr(a[0].ID))
	}()
	wg.Wait()

	for _, root := range []int64{a[0].ID, b[0].ID} {
		tree, err := f.engine.GetOrganizationHierarchy(ctx, root)
		require.NoError(t, err)
		assert.Equal(t, 4, tree.Count())
	}
}
