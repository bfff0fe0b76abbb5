package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-reliability/internal/cache"
	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/repo"
	"github.com/miradorstack/mirador-reliability/internal/snapshots"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

var (
	checkoutKey = models.ScopeKey{Kind: models.KindProduct, Scope: "checkout"}
	searchKey   = models.ScopeKey{Kind: models.KindProduct, Scope: "search"}
)

// fakeGenerator counts calls and can block or fail on demand.
type fakeGenerator struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	fail map[models.ScopeKey]error
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{entered: make(chan struct{}, 16), fail: make(map[models.ScopeKey]error)}
}

func (g *fakeGenerator) failWith(key models.ScopeKey, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[key] = err
}

func (g *fakeGenerator) Generate(ctx context.Context, key models.ScopeKey) (models.GenerationOutput, error) {
	n := g.calls.Add(1)
	g.entered <- struct{}{}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return models.GenerationOutput{}, ctx.Err()
		}
	}
	g.mu.Lock()
	err := g.fail[key]
	g.mu.Unlock()
	if err != nil {
		return models.GenerationOutput{}, err
	}
	payload := fmt.Sprintf(`{"scope":%q,"call":%d}`, key.Scope, n)
	return models.GenerationOutput{Payload: json.RawMessage(payload), SourceRecordCount: 3}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestOrchestrator(t *testing.T, gen Generator, opts Options, keys ...models.ScopeKey) (*Orchestrator, *snapshots.Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts.Clock = clock.Now
	if opts.MaxAge == 0 {
		opts.MaxAge = 30 * time.Minute
	}
	store := snapshots.New(snapshots.Options{RetainCount: opts.RetainCount})
	o := New(store, gen, keys, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o, store, clock
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	require.Eventually(t, func() bool { return o.Stats().InFlight == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestForceRefreshSingleFlight(t *testing.T) {
	gen := newFakeGenerator()
	gen.release = make(chan struct{})
	o, store, _ := newTestOrchestrator(t, gen, Options{Workers: 2}, checkoutKey)

	const callers = 16
	var accepted, joined atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.ForceRefresh(context.Background(), checkoutKey)
			assert.NoError(t, err)
			switch res {
			case ResultAccepted:
				accepted.Add(1)
			case ResultAlreadyInFlight:
				joined.Add(1)
			}
		}()
	}
	wg.Wait()
	close(gen.release)
	waitIdle(t, o)

	assert.Equal(t, int32(1), gen.calls.Load(), "exactly one generation must run")
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(callers-1), joined.Load())

	_, ok := store.Get(checkoutKey, time.Now(), 0)
	assert.True(t, ok)
}

func TestConcurrentFirstReadsShareGeneration(t *testing.T) {
	gen := newFakeGenerator()
	gen.release = make(chan struct{})
	o, _, _ := newTestOrchestrator(t, gen, Options{}, checkoutKey)

	reads := make(chan snapshots.Read, 2)
	for i := 0; i < 2; i++ {
		go func() {
			read, err := o.Get(context.Background(), checkoutKey)
			assert.NoError(t, err)
			reads <- read
		}()
	}
	<-gen.entered
	time.Sleep(50 * time.Millisecond)
	close(gen.release)

	first, second := <-reads, <-reads
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, first.Snapshot.Sequence, second.Snapshot.Sequence)
	assert.JSONEq(t, string(first.Snapshot.Payload), string(second.Snapshot.Payload))
	assert.Equal(t, snapshots.StateValid, first.State)
}

func TestLateFirstReaderJoinsInstalledSnapshot(t *testing.T) {
	gen := newFakeGenerator()
	o, _, _ := newTestOrchestrator(t, gen, Options{}, checkoutKey)

	require.NoError(t, o.RefreshScope(context.Background(), checkoutKey))
	waitIdle(t, o)

	// A reader that missed before the install lands here after the flight has finished.
	assert.Nil(t, o.triggerFirst(checkoutKey), "an installed snapshot must not start another generation")
	assert.Equal(t, int32(1), gen.calls.Load())

	read, err := o.Get(context.Background(), checkoutKey)
	require.NoError(t, err)
	assert.Equal(t, snapshots.StateValid, read.State)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestGetServesSnapshotRegardlessOfAge(t *testing.T) {
	gen := newFakeGenerator()
	o, _, clock := newTestOrchestrator(t, gen, Options{MaxAge: time.Minute}, checkoutKey)

	require.NoError(t, o.RefreshScope(context.Background(), checkoutKey))
	clock.Advance(2 * time.Hour)

	read, err := o.Get(context.Background(), checkoutKey)
	require.NoError(t, err)
	assert.True(t, read.Stale)
	assert.Equal(t, 2*time.Hour, read.Age)
	assert.Equal(t, int32(1), gen.calls.Load(), "reads never regenerate an existing snapshot")
}

func TestFailedGenerationKeepsPreviousSnapshot(t *testing.T) {
	gen := newFakeGenerator()
	o, _, _ := newTestOrchestrator(t, gen, Options{}, checkoutKey)

	require.NoError(t, o.RefreshScope(context.Background(), checkoutKey))
	before, err := o.Get(context.Background(), checkoutKey)
	require.NoError(t, err)

	gen.failWith(checkoutKey, utils.KindError(utils.ErrSourceUnavailable, "source.FetchBatch", errors.New("gateway down")))
	err = o.RefreshScope(context.Background(), checkoutKey)
	require.ErrorIs(t, err, utils.ErrGenerationFailed)
	require.ErrorIs(t, err, utils.ErrSourceUnavailable)

	after, err := o.Get(context.Background(), checkoutKey)
	require.NoError(t, err)
	assert.Equal(t, before.Snapshot, after.Snapshot)

	stats := o.Stats()
	require.Len(t, stats.Scopes, 1)
	assert.Contains(t, stats.Scopes[0].LastError, "gateway down")
	assert.True(t, stats.Scopes[0].Valid)
}

func TestFirstGenerationFailureIsNotYetAvailable(t *testing.T) {
	gen := newFakeGenerator()
	gen.failWith(checkoutKey, errors.New("boom"))
	o, _, _ := newTestOrchestrator(t, gen, Options{}, checkoutKey)

	read, err := o.Get(context.Background(), checkoutKey)
	require.ErrorIs(t, err, utils.ErrNotYetAvailable)
	assert.ErrorIs(t, err, utils.ErrGenerationFailed)
	assert.Empty(t, read.Snapshot.Payload)
	assert.Equal(t, snapshots.StateAbsent, read.State)
}

func TestUnconfiguredScope(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, newFakeGenerator(), Options{}, checkoutKey)

	read, err := o.Get(context.Background(), searchKey)
	require.ErrorIs(t, err, utils.ErrScopeNotFound)
	assert.Equal(t, snapshots.StateAbsent, read.State)

	_, err = o.ForceRefresh(context.Background(), searchKey)
	require.ErrorIs(t, err, utils.ErrScopeNotFound)
}

func TestDeactivateDiscardsInFlightGeneration(t *testing.T) {
	gen := newFakeGenerator()
	gen.release = make(chan struct{}) // never closed; the generator exits on cancellation
	o, store, _ := newTestOrchestrator(t, gen, Options{}, checkoutKey)

	res, err := o.ForceRefresh(context.Background(), checkoutKey)
	require.NoError(t, err)
	require.Equal(t, ResultAccepted, res)
	<-gen.entered

	assert.True(t, o.Deactivate(checkoutKey))
	waitIdle(t, o)

	_, ok := store.Get(checkoutKey, time.Now(), 0)
	assert.False(t, ok)
	assert.Empty(t, store.Keys())
	_, err = o.Get(context.Background(), checkoutKey)
	assert.ErrorIs(t, err, utils.ErrScopeNotFound)
}

func TestRefreshStaleAndExpiredOnly(t *testing.T) {
	gen := newFakeGenerator()
	o, _, clock := newTestOrchestrator(t, gen, Options{MaxAge: 10 * time.Minute}, checkoutKey, searchKey)

	assert.Equal(t, 2, o.RefreshStale(context.Background()), "absent scopes are due")
	waitIdle(t, o)
	assert.Equal(t, 0, o.RefreshStale(context.Background()))

	run, err := o.RefreshAll(context.Background(), models.RefreshExpiredOnly)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Refreshed)

	clock.Advance(11 * time.Minute)
	run, err = o.RefreshAll(context.Background(), models.RefreshExpiredOnly)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Refreshed)

	require.True(t, o.Invalidate(checkoutKey))
	assert.Equal(t, 1, o.RefreshStale(context.Background()))
	waitIdle(t, o)
	assert.Equal(t, int32(5), gen.calls.Load())
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	gen := newFakeGenerator()
	gen.failWith(searchKey, errors.New("search index offline"))
	runs := repo.NewMemoryStore()
	o, _, _ := newTestOrchestrator(t, gen, Options{Runs: runs}, checkoutKey, searchKey)

	run, err := o.RefreshAll(context.Background(), models.RefreshForceAll)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Refreshed)
	assert.Equal(t, 1, run.Failed)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0], "product:search")
	assert.NotEmpty(t, run.ID)

	saved, err := runs.RecentRefreshRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, models.RefreshForceAll, saved[0].Type)

	_, err = o.Get(context.Background(), checkoutKey)
	assert.NoError(t, err)
}

func TestRefreshKindFiltersBatch(t *testing.T) {
	gen := newFakeGenerator()
	exec := models.ScopeKey{Kind: models.KindExecutive, Scope: "all"}
	o, store, _ := newTestOrchestrator(t, gen, Options{}, checkoutKey, searchKey, exec)

	run, err := o.RefreshKind(context.Background(), models.RefreshForceAll, models.KindProduct)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Refreshed)
	assert.Equal(t, int32(2), gen.calls.Load())

	_, ok := store.Get(exec, time.Now(), 0)
	assert.False(t, ok, "executive scope must not be generated by a product batch")
}

func TestPreloadActivatesCommonScopes(t *testing.T) {
	gen := newFakeGenerator()
	exec := models.ScopeKey{Kind: models.KindExecutive, Scope: "all"}
	o, _, _ := newTestOrchestrator(t, gen, Options{CommonScopes: []models.ScopeKey{exec}})

	run, err := o.Preload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, run.Refreshed)
	assert.True(t, o.Configured(exec))
}

func TestLeaseHeldElsewhereSkipsGeneration(t *testing.T) {
	gen := newFakeGenerator()
	provider := cache.NewMemoryProvider()
	lease := cache.NewLease(provider, "lease:", "instance-a", time.Minute)
	_, err := provider.SetNX(context.Background(), "lease:"+checkoutKey.String(), []byte("instance-b"), time.Minute)
	require.NoError(t, err)

	o, _, _ := newTestOrchestrator(t, gen, Options{Lease: lease}, checkoutKey)
	require.NoError(t, o.RefreshScope(context.Background(), checkoutKey))
	assert.Equal(t, int32(0), gen.calls.Load())

	require.NoError(t, provider.Del(context.Background(), "lease:"+checkoutKey.String()))
	require.NoError(t, o.RefreshScope(context.Background(), checkoutKey))
	assert.Equal(t, int32(1), gen.calls.Load())

	_, err = provider.Get(context.Background(), "lease:"+checkoutKey.String())
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "lease must be released after generation")
}

func TestCleanupPurgesHistory(t *testing.T) {
	gen := newFakeGenerator()
	runs := repo.NewMemoryStore()
	o, store, clock := newTestOrchestrator(t, gen, Options{RetainAge: time.Hour, RetainCount: 5, Runs: runs}, checkoutKey)

	for i := 0; i < 3; i++ {
		require.NoError(t, o.RefreshScope(context.Background(), checkoutKey))
		clock.Advance(time.Minute)
	}
	require.Len(t, store.History(checkoutKey), 2)

	clock.Advance(2 * time.Hour)
	res, err := o.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Memory)
	assert.Empty(t, store.History(checkoutKey))
}
