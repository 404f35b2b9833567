package retention_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coherentops/agentmem/audit"
	"github.com/coherentops/agentmem/core"
	"github.com/coherentops/agentmem/retention"
	"github.com/coherentops/agentmem/store"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	store *store.Store
	audit *audit.Auditor
	ret   *retention.Engine
	clock *fakeClock
}

func newFixture(t *testing.T, cfg *retention.Config) *fixture {
	t.Helper()
	clock := newFakeClock()

	storeCfg := store.DefaultConfig()
	storeCfg.Clock = clock.Now
	st, err := store.New(storeCfg)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	aud := audit.New(st, &audit.Config{Clock: clock.Now})

	if cfg == nil {
		cfg = retention.DefaultConfig()
	}
	cfg.Clock = clock.Now

	return &fixture{
		store: st,
		audit: aud,
		ret:   retention.New(st, nil, aud, cfg),
		clock: clock,
	}
}

func (f *fixture) put(t *testing.T, key string, opts *store.PutOptions) *core.Entry {
	t.Helper()
	scope := core.Scope{OwnerType: "agent", OwnerID: "a"}
	e, err := f.store.Put(context.Background(), scope, key, key, opts)
	require.NoError(t, err)
	return e
}

func TestSweepExpiresPastTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.put(t, "short", &store.PutOptions{TTL: time.Minute})
	f.put(t, "long", &store.PutOptions{TTL: time.Hour})
	f.put(t, "forever", nil)

	f.clock.Advance(2 * time.Minute)

	report, err := f.ret.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Expired)
	require.Equal(t, 0, report.Evicted)
	require.Equal(t, 2, report.ActiveAfter)

	scope := core.Scope{OwnerType: "agent", OwnerID: "a"}
	_, err = f.store.Get(ctx, scope, "short")
	require.ErrorIs(t, err, core.ErrExpired)
	_, err = f.store.Get(ctx, scope, "long")
	require.NoError(t, err)
}

func TestSweepRecordsExpiryInAuditLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	e := f.put(t, "short", &store.PutOptions{TTL: time.Minute})
	f.clock.Advance(2 * time.Minute)

	_, err := f.ret.Sweep(ctx)
	require.NoError(t, err)

	recs := f.audit.Records(e.ID)
	require.Len(t, recs, 1)
	require.Equal(t, retention.SystemAgent, recs[0].AgentID)
	require.Equal(t, core.AccessInvalidate, recs[0].Type)
	require.Equal(t, "expired", recs[0].Reason)
}

func TestSweepEvictsLowestScoreFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &retention.Config{Capacity: 2})

	imp := func(v float64) *store.PutOptions {
		return &store.PutOptions{Importance: &v}
	}
	f.put(t, "keep-high", imp(0.9))
	f.put(t, "keep-mid", imp(0.6))
	doomedA := f.put(t, "drop-a", imp(0.2))
	doomedB := f.put(t, "drop-b", imp(0.1))

	report, err := f.ret.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Evicted)
	require.Equal(t, 2, report.ActiveAfter)

	scope := core.Scope{OwnerType: "agent", OwnerID: "a"}
	_, err = f.store.Get(ctx, scope, "keep-high")
	require.NoError(t, err)
	_, err = f.store.Get(ctx, scope, "keep-mid")
	require.NoError(t, err)
	_, err = f.store.Get(ctx, scope, "drop-a")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.store.Get(ctx, scope, "drop-b")
	require.ErrorIs(t, err, core.ErrNotFound)

	for _, e := range []*core.Entry{doomedA, doomedB} {
		recs := f.audit.Records(e.ID)
		require.Len(t, recs, 1)
		require.Equal(t, "eviction", recs[0].Reason)
	}
}

func TestPinnedEntriesAreNeverEvicted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &retention.Config{Capacity: 1, PinnedThreshold: 0.95})

	imp := func(v float64) *store.PutOptions {
		return &store.PutOptions{Importance: &v}
	}
	f.put(t, "pinned-a", imp(0.95))
	f.put(t, "pinned-b", imp(1.0))
	f.put(t, "mortal", imp(0.5))

	report, err := f.ret.Sweep(ctx)
	require.NoError(t, err)
	// Only the unpinned entry is eligible, even though the store stays over
	// capacity afterwards.
	require.Equal(t, 1, report.Evicted)
	require.Equal(t, 2, report.ActiveAfter)

	scope := core.Scope{OwnerType: "agent", OwnerID: "a"}
	_, err = f.store.Get(ctx, scope, "pinned-a")
	require.NoError(t, err)
	_, err = f.store.Get(ctx, scope, "mortal")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestRecencyDecayPrefersRecentlyAccessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &retention.Config{
		Capacity: 1,
		HalfLife: 24 * time.Hour,
	})

	imp := 0.5
	old := f.put(t, "old", &store.PutOptions{Importance: &imp})
	f.clock.Advance(48 * time.Hour)
	f.put(t, "fresh", &store.PutOptions{Importance: &imp})

	// Same importance; the entry untouched for two half-lives scores lower.
	now := f.clock.Now()
	require.Less(t, f.ret.Score(old, now), imp/2)

	report, err := f.ret.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Evicted)

	scope := core.Scope{OwnerType: "agent", OwnerID: "a"}
	_, err = f.store.Get(ctx, scope, "fresh")
	require.NoError(t, err)
	_, err = f.store.Get(ctx, scope, "old")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestRecencyFloorBoundsDecay(t *testing.T) {
	f := newFixture(t, &retention.Config{
		HalfLife:     time.Hour,
		RecencyFloor: 0.1,
	})

	imp := 0.8
	e := f.put(t, "ancient", &store.PutOptions{Importance: &imp})
	f.clock.Advance(1000 * time.Hour)

	score := f.ret.Score(e, f.clock.Now())
	require.InDelta(t, 0.8*0.1, score, 1e-9)
}

func TestZeroCapacityMeansNoEviction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &retention.Config{})

	for _, key := range []string{"a", "b", "c"} {
		f.put(t, key, nil)
	}

	report, err := f.ret.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, report.Evicted)
	require.Equal(t, 3, report.ActiveAfter)
}
