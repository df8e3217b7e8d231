package capability

import (
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/aura/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyMeet(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Policy
		expected Policy
	}{
		{"any is identity", Any(), Threshold(2, 3), Threshold(2, 3)},
		{"all absorbs", All(), Threshold(2, 3), All()},
		{"equal n takes max m", Threshold(1, 3), Threshold(2, 3), Threshold(2, 3)},
		{"m equal n normalizes to all", Threshold(2, 3), Threshold(3, 3), All()},
		{"stricter proportion wins", Threshold(1, 2), Threshold(2, 5), Threshold(1, 2)},
		{"equal proportion prefers larger group", Threshold(1, 2), Threshold(2, 4), Threshold(2, 4)},
		{"any with any", Any(), Any(), Any()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.a.Meet(tt.b))
			assert.Equal(t, tt.expected, tt.b.Meet(tt.a))
		})
	}
}

func TestPolicyLatticeLaws(t *testing.T) {
	policies := []Policy{Any(), All(), Threshold(1, 2), Threshold(2, 3), Threshold(2, 4), Threshold(3, 5), Threshold(1, 5)}
	for _, a := range policies {
		assert.Equal(t, a, a.Meet(a), "idempotent %s", a)
		for _, b := range policies {
			assert.Equal(t, a.Meet(b), b.Meet(a), "commutative %s %s", a, b)
			assert.True(t, a.Meet(b).LessOrEqual(a), "meet below %s", a)
			for _, c := range policies {
				assert.Equal(t, a.Meet(b).Meet(c), a.Meet(b.Meet(c)), "associative %s %s %s", a, b, c)
			}
		}
	}
	assert.True(t, All().LessOrEqual(Threshold(2, 3)))
	assert.True(t, Threshold(2, 3).LessOrEqual(Any()))
	assert.False(t, Any().LessOrEqual(Threshold(2, 3)))
}

func TestPolicySatisfied(t *testing.T) {
	assert.True(t, Any().Satisfied(1, 5))
	assert.False(t, Threshold(3, 5).Satisfied(2, 5))
	assert.True(t, Threshold(3, 5).Satisfied(3, 5))
	assert.False(t, All().Satisfied(4, 5))
	assert.True(t, All().Satisfied(5, 5))
	require.ErrorIs(t, Policy{Kind: PolicyThreshold, M: 4, N: 3}.Validate(), ErrInvalidPolicy)
}

func TestFrontierMeet(t *testing.T) {
	a := Restrict(Threshold(1, 2), PermChatSend, PermStorageRead)
	b := Restrict(Any(), PermChatSend, PermTreePropose)

	m := a.Meet(b)
	assert.Equal(t, Set{PermChatSend}, m.Permissions)
	assert.Equal(t, Threshold(1, 2), m.Policy)
	assert.True(t, m.Equal(b.Meet(a)))
	assert.True(t, Top().Meet(a).Equal(a))
	assert.True(t, a.Meet(a).Equal(a))
	assert.True(t, Top().Allows("anything"))
	assert.False(t, m.Allows(PermStorageRead))
}

func device(n uint64) Subject { return Device(interfaces.DeviceIDFromUint(n)) }

func TestDelegationAndTrustPath(t *testing.T) {
	g := NewAuthorityGraph()
	root, b, c := device(1), device(2), device(3)
	require.NoError(t, g.AddRoot(root, AllPermissions...))

	_, err := g.Delegate(root, b, PermChatSend, Threshold(1, 2))
	require.NoError(t, err)
	_, err = g.Delegate(b, c, PermChatSend, Threshold(2, 2))
	require.NoError(t, err)

	assert.True(t, g.HasTrustPath(c))
	path, ok := g.CapabilityPath(c, PermChatSend)
	require.True(t, ok)
	require.Len(t, path, 2)
	assert.Equal(t, b.Key(), path[0].Delegator.Key())

	// Widening is refused
	_, err = g.Delegate(b, c, PermChatSend, Any())
	assert.ErrorIs(t, err, ErrWidening)

	// Delegating something not held is refused
	_, err = g.Delegate(c, b, PermStorageWrite, All())
	assert.ErrorIs(t, err, ErrNotHeld)

	// Roots are sealed once delegations exist
	assert.ErrorIs(t, g.AddRoot(device(9), PermChatSend), ErrRootsSealed)
}

func TestTrustPathCycle(t *testing.T) {
	g := NewAuthorityGraph()
	a, b := device(2), device(3)
	require.NoError(t, g.AddRoot(device(1), PermChatSend))

	// a and b delegate to each other with no route to the root.
	g.delegations[Delegation{Delegator: a, Delegatee: b, Capability: PermChatSend, Attenuation: Any()}.ID()] =
		Delegation{Delegator: a, Delegatee: b, Capability: PermChatSend, Attenuation: Any()}
	g.delegations[Delegation{Delegator: b, Delegatee: a, Capability: PermChatSend, Attenuation: Any()}.ID()] =
		Delegation{Delegator: b, Delegatee: a, Capability: PermChatSend, Attenuation: Any()}
	g.recompute()

	assert.False(t, g.HasTrustPath(a))
	assert.False(t, g.HasTrustPath(b))
	_, held := g.Holds(a, PermChatSend)
	assert.False(t, held)
}

func TestRevoke(t *testing.T) {
	g := NewAuthorityGraph()
	root, b := device(1), device(2)
	require.NoError(t, g.AddRoot(root, PermChatSend, PermStorageRead))
	_, err := g.Delegate(root, b, PermChatSend, Any())
	require.NoError(t, err)

	g.Revoke(PermChatSend)
	g.Revoke(PermChatSend)

	_, held := g.Holds(root, PermChatSend)
	assert.False(t, held)
	_, held = g.Holds(b, PermChatSend)
	assert.False(t, held)
	assert.False(t, g.HasTrustPath(b))
	assert.Equal(t, Set{PermStorageRead}, g.Visible(root))

	_, err = g.Delegate(root, b, PermChatSend, Any())
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestGraphMergeIsOrderIndependent(t *testing.T) {
	base := NewAuthorityGraph()
	require.NoError(t, base.AddRoot(device(1), AllPermissions...))

	left := base.Clone()
	_, err := left.Delegate(device(1), device(2), PermChatSend, Threshold(1, 2))
	require.NoError(t, err)

	right := base.Clone()
	_, err = right.Delegate(device(1), device(3), PermStorageRead, Any())
	require.NoError(t, err)
	right.Revoke(PermRecovery)

	ab := left.Clone()
	ab.Merge(right)
	ba := right.Clone()
	ba.Merge(left)

	assert.Equal(t, ab.State(), ba.State())
	assert.True(t, ab.HasTrustPath(device(2)))
	assert.True(t, ab.HasTrustPath(device(3)))
	assert.True(t, ab.IsRevoked(PermRecovery))
}

func TestGraphStoreCopyOnWrite(t *testing.T) {
	g := NewAuthorityGraph()
	require.NoError(t, g.AddRoot(device(1), PermChatSend))
	store := NewGraphStore(g)

	before := store.Snapshot()
	require.NoError(t, store.Update(func(g *AuthorityGraph) error {
		_, err := g.Delegate(device(1), device(2), PermChatSend, Any())
		return err
	}))

	assert.False(t, before.HasTrustPath(device(2)))
	assert.True(t, store.Snapshot().HasTrustPath(device(2)))

	err := store.Update(func(g *AuthorityGraph) error {
		_, err := g.Delegate(device(5), device(6), PermChatSend, Any())
		return err
	})
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestEvaluator(t *testing.T) {
	g := NewAuthorityGraph()
	root, b := device(1), device(2)
	require.NoError(t, g.AddRoot(root, AllPermissions...))
	_, err := g.Delegate(root, b, PermChatSend, Threshold(2, 3))
	require.NoError(t, err)

	ctx := interfaces.ContextID{1}
	checks := &LocalChecks{
		TimeWindows: []TimeWindow{{Permission: PermChatSend, NotAfter: 10_000}},
		RateLimits:  []RateLimit{{Permission: PermChatSend, PerSecond: 1, Burst: 1}},
	}
	e := NewEvaluator(slog.New(slog.NewTextHandler(io.Discard, nil)), checks)

	d := e.Evaluate(g, Request{Subject: b, Permission: PermChatSend, Context: ctx, Policy: Any(), NowMs: 1000})
	require.True(t, d.Granted)
	assert.Equal(t, Threshold(2, 3), d.Effective.Policy)
	assert.Len(t, d.Audit.Traversed, 1)

	// Effective policy never exceeds the input policy
	assert.True(t, d.Effective.Policy.LessOrEqual(Any()))

	// Second call within the same second hits the rate limit
	d = e.Evaluate(g, Request{Subject: b, Permission: PermChatSend, Context: ctx, Policy: Any(), NowMs: 1100})
	assert.False(t, d.Granted)
	assert.Contains(t, d.Audit.Reason, "rate limit")

	d = e.Evaluate(g, Request{Subject: b, Permission: PermChatSend, Context: ctx, Policy: Any(), NowMs: 20_000})
	assert.False(t, d.Granted)
	assert.Contains(t, d.Audit.Reason, "time window")

	_, err = e.Authorize(g, Request{Subject: b, Permission: PermStorageWrite, Context: ctx, Policy: Any()})
	assert.ErrorIs(t, err, interfaces.ErrPermissionDenied)
	assert.Equal(t, interfaces.KindPermissionDenied, interfaces.KindOf(err))

	// Every evaluation is audited regardless of outcome
	assert.Len(t, e.AuditLog(), 4)
}

func TestEvaluatorContextRestriction(t *testing.T) {
	g := NewAuthorityGraph()
	require.NoError(t, g.AddRoot(device(1), PermStorageRead))

	allowed := interfaces.ContextID{7}
	checks := &LocalChecks{AllowedContexts: map[string][]interfaces.ContextID{PermStorageRead: {allowed}}}
	e := NewEvaluator(slog.New(slog.NewTextHandler(io.Discard, nil)), checks)

	assert.True(t, e.Evaluate(g, Request{Subject: device(1), Permission: PermStorageRead, Context: allowed, Policy: Any()}).Granted)
	assert.False(t, e.Evaluate(g, Request{Subject: device(1), Permission: PermStorageRead, Context: interfaces.ContextID{8}, Policy: Any()}).Granted)
}
