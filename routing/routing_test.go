package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyResolution(t *testing.T) {
	var p = &Policy{
		Version: 3,
		Tenants: map[string]Assignment{
			"alpha": {Shard: "shard-b", Mirrors: []string{"shard-c"}},
		},
		Ranges: []Range{
			{Prefix: "a", Shard: "shard-a"},
			{Prefix: "", Shard: "shard-0"},
		},
	}

	// Explicit assignment wins over a matching range.
	var a, err = p.Resolve("alpha")
	require.NoError(t, err)
	require.Equal(t, "shard-b", a.Shard)
	require.True(t, a.DualWrite())

	// First matching range, then the catch-all.
	a, err = p.Resolve("apple")
	require.NoError(t, err)
	require.Equal(t, "shard-a", a.Shard)

	a, err = p.Resolve("zed")
	require.NoError(t, err)
	require.Equal(t, "shard-0", a.Shard)

	require.Equal(t, []string{"shard-0", "shard-a", "shard-b", "shard-c"}, p.Shards())
}

func TestPolicyResolutionWithoutMatch(t *testing.T) {
	var p = &Policy{Version: 1, Ranges: []Range{{Prefix: "a", Shard: "shard-a"}}}
	var _, err = p.Resolve("beta")
	require.Error(t, err)
}

func TestPolicyCloneDoesNotAlias(t *testing.T) {
	var p = &Policy{
		Version: 1,
		Tenants: map[string]Assignment{"alpha": {Shard: "shard-a", Mirrors: []string{"shard-b"}}},
		Ranges:  []Range{{Prefix: "", Shard: "shard-0"}},
	}
	var next = p.Clone()
	next.SetAssignment("alpha", Assignment{Shard: "shard-b"})
	next.SetAssignment("beta", Assignment{Shard: "shard-c"})
	next.Ranges[0].Shard = "shard-9"

	require.Equal(t, "shard-a", p.Tenants["alpha"].Shard)
	require.NotContains(t, p.Tenants, "beta")
	require.Equal(t, "shard-0", p.Ranges[0].Shard)
}

func TestMemoryStorePublishSequence(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemory()

	var _, err = store.GetActive(ctx)
	require.ErrorIs(t, err, ErrNoPolicy)

	var v1 = &Policy{Tenants: map[string]Assignment{"alpha": {Shard: "shard-a"}}}
	version, err := store.PublishIfActive(ctx, v1, 0, "boot")
	require.NoError(t, err)
	require.Equal(t, uint64(1), version)

	// A publish conditioned on a stale active version loses.
	_, err = store.PublishIfActive(ctx, &Policy{}, 0, "late")
	require.ErrorIs(t, err, ErrVersionConflict)

	var v2 = v1.Clone()
	v2.SetAssignment("alpha", Assignment{Shard: "shard-b"})
	version, err = store.PublishIfActive(ctx, v2, 1, "split")
	require.NoError(t, err)
	require.Equal(t, uint64(2), version)

	// Published versions are immutable and retained.
	var got, errByV = store.GetByVersion(ctx, 1)
	require.NoError(t, errByV)
	require.Equal(t, "shard-a", got.Tenants["alpha"].Shard)

	active, err := store.GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), active.Version)
	require.Equal(t, "shard-b", active.Tenants["alpha"].Shard)

	_, err = store.GetByVersion(ctx, 9)
	require.ErrorIs(t, err, ErrVersionNotFound)
}

func TestUpdateRetriesConcurrentPublishers(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var _, err = Update(ctx, store, "racer", func(p *Policy) error {
				p.SetAssignment("alpha", Assignment{Shard: "shard-a"})
				return nil
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var active, err = store.GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(8), active.Version)
}

func TestUpdatePropagatesMutationError(t *testing.T) {
	var boom = errors.New("boom")
	var _, err = Update(context.Background(), NewMemory(), "x", func(*Policy) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
}

func TestAuditTrail(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemory()

	for i := 0; i < 3; i++ {
		var _, err = Update(ctx, store, "op", func(p *Policy) error {
			p.SetAssignment("alpha", Assignment{Shard: "shard-a"})
			return nil
		})
		require.NoError(t, err)
	}

	var records, err = store.ListAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, uint64(3), records[0].Version)
	require.Equal(t, uint64(2), records[1].Version)
	require.Equal(t, "op", records[0].Actor)
	require.NotEmpty(t, records[0].Patch)

	purged, err := store.PurgeAudit(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 3, purged)

	records, err = store.ListAudit(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestPollerIsMonotonic(t *testing.T) {
	var ctx = context.Background()
	var store = NewMemory()

	var _, err = Update(ctx, store, "t", func(p *Policy) error {
		p.SetAssignment("alpha", Assignment{Shard: "shard-a"})
		return nil
	})
	require.NoError(t, err)

	var poller = NewPoller(store, time.Hour)
	active, err := poller.Active(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), active.Version)

	_, err = Update(ctx, store, "t", func(p *Policy) error {
		p.SetAssignment("alpha", Assignment{Shard: "shard-b"})
		return nil
	})
	require.NoError(t, err)

	// The cached view serves until a refresh advances it.
	a, policy, err := poller.Resolve(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, "shard-a", a.Shard)
	require.Equal(t, uint64(1), policy.Version)

	require.NoError(t, poller.Refresh(ctx))
	a, policy, err = poller.Resolve(ctx, "alpha")
	require.NoError(t, err)
	require.Equal(t, "shard-b", a.Shard)
	require.Equal(t, uint64(2), policy.Version)
}

// notifyingStore wraps Memory with a Notifier signal the test pulses.
type notifyingStore struct {
	*Memory
	notify chan struct{}
}

func (s *notifyingStore) WatchActive(context.Context) <-chan struct{} { return s.notify }

func TestPollerRefreshesOnNotify(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	var store = &notifyingStore{Memory: NewMemory(), notify: make(chan struct{})}

	var _, err = Update(ctx, store, "t", func(p *Policy) error {
		p.SetAssignment("alpha", Assignment{Shard: "shard-a"})
		return nil
	})
	require.NoError(t, err)

	// A long interval isolates the notify path from the ticker backstop.
	var poller = NewPoller(store, time.Hour)
	_, err = poller.Active(ctx)
	require.NoError(t, err)

	var done = make(chan error)
	go func() { done <- poller.Run(ctx) }()

	_, err = Update(ctx, store, "t", func(p *Policy) error {
		p.SetAssignment("alpha", Assignment{Shard: "shard-b"})
		return nil
	})
	require.NoError(t, err)

	store.notify <- struct{}{}
	require.Eventually(t, func() bool {
		var a, _, err = poller.Resolve(ctx, "alpha")
		return err == nil && a.Shard == "shard-b"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestSeedPolicyCoversEveryTenant(t *testing.T) {
	var p = SeedPolicy(4)
	for _, tenant := range []string{"alpha", "42", "zebra", "_odd"} {
		var a, err = p.Resolve(tenant)
		require.NoError(t, err)
		require.NotEmpty(t, a.Shard)
	}
}
