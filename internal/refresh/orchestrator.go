// Package refresh drives dashboard snapshot generation.
//
// Every trigger path (first read, manual force, the staleness scanner and batch refreshes)
// joins the same in-flight generation per scope key, so at most one generation per scope
// runs at a time within the process.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-reliability/internal/cache"
	"github.com/miradorstack/mirador-reliability/internal/metrics"
	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/snapshots"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

// Result is the outcome of a ForceRefresh call.
type Result string

const (
	ResultAccepted        Result = "accepted"
	ResultAlreadyInFlight Result = "already_in_flight"
)

// DefaultGenerator identifies snapshots built by this service.
const DefaultGenerator = "mirador-reliability/v1"

// Generator builds the payload for one scope key.
type Generator interface {
	Generate(ctx context.Context, key models.ScopeKey) (models.GenerationOutput, error)
}

// RunStore records refresh batches and purges persisted snapshot history.
type RunStore interface {
	SaveRefreshRun(ctx context.Context, run models.RefreshRun) error
	PurgeSnapshots(ctx context.Context, before time.Time, keep int) (int, error)
}

// Options tunes an Orchestrator.
type Options struct {
	Workers           int
	MaxAge            time.Duration
	GenerationTimeout time.Duration
	RetainCount       int
	RetainAge         time.Duration
	CommonScopes      []models.ScopeKey
	Generator         string
	Lease             *cache.Lease
	Runs              RunStore
	Clock             utils.Clock
	Logger            *slog.Logger
}

// CleanupResult reports how many superseded snapshots were purged.
type CleanupResult struct {
	Memory    int `json:"memory"`
	Persisted int `json:"persisted"`
}

// Stats summarises the orchestrator and every scope it knows.
type Stats struct {
	Scopes   []snapshots.ScopeStats `json:"scopes"`
	InFlight int                    `json:"in_flight"`
	Workers  int                    `json:"workers"`
	MaxAge   time.Duration          `json:"max_age"`
}

// flight is one in-progress generation shared by every caller that triggered it.
type flight struct {
	done chan struct{}
	err  error
}

func (f *flight) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type scope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Orchestrator coordinates generation for a set of configured scope keys.
type Orchestrator struct {
	store *snapshots.Store
	gen   Generator
	opts  Options
	clock utils.Clock
	log   *slog.Logger

	sem chan struct{}
	wg    sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	scopes   map[models.ScopeKey]*scope
	inflight map[models.ScopeKey]*flight
}

// New constructs an Orchestrator serving the given scope keys.
func New(store *snapshots.Store, gen Generator, keys []models.ScopeKey, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Generator == "" {
		opts.Generator = DefaultGenerator
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:      store,
		gen:        gen,
		opts:       opts,
		clock:      opts.Clock,
		log:        logger,
		sem:        make(chan struct{}, opts.Workers),
		baseCtx:    baseCtx,
		baseCancel: cancel,
		scopes:     make(map[models.ScopeKey]*scope),
		inflight:   make(map[models.ScopeKey]*flight),
	}
	for _, key := range keys {
		_ = o.Activate(key)
	}
	return o
}

// Activate adds key to the configured scopes. Activating an active key is a no-op.
func (o *Orchestrator) Activate(key models.ScopeKey) error {
	if !key.Kind.Valid() || key.Scope == "" {
		return utils.KindError(utils.ErrScopeNotFound, "refresh.Activate", fmt.Errorf("invalid scope key %q", key))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.scopes[key]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.scopes[key] = &scope{ctx: ctx, cancel: cancel}
	return nil
}

// Deactivate cancels any generation for key and drops its snapshot.
func (o *Orchestrator) Deactivate(key models.ScopeKey) bool {
	o.mu.Lock()
	sc, ok := o.scopes[key]
	delete(o.scopes, key)
	o.mu.Unlock()
	if !ok {
		return false
	}
	sc.cancel()
	o.store.Delete(key)
	metrics.ForgetScope(key.String())
	o.log.Info("scope deactivated", slog.String("scope", key.String()))
	return true
}

// Configured reports whether key is an active scope.
func (o *Orchestrator) Configured(key models.ScopeKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.scopes[key]
	return ok
}

// Keys lists the active scopes, sorted.
func (o *Orchestrator) Keys() []models.ScopeKey {
	o.mu.Lock()
	keys := make([]models.ScopeKey, 0, len(o.scopes))
	for k := range o.scopes {
		keys = append(keys, k)
	}
	o.mu.Unlock()
	slices.SortFunc(keys, func(a, b models.ScopeKey) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})
	return keys
}

// Get serves the current snapshot for key whatever its age. On the first read of a scope it
// waits for the shared generation; if that fails the read returns ErrNotYetAvailable.
func (o *Orchestrator) Get(ctx context.Context, key models.ScopeKey) (snapshots.Read, error) {
	if !o.Configured(key) {
		return snapshots.Read{State: snapshots.StateAbsent}, utils.KindError(utils.ErrScopeNotFound, "refresh.Get", fmt.Errorf("scope %s is not configured", key))
	}
	if read, ok := o.store.Get(key, o.clock.Now(), o.opts.MaxAge); ok {
		return read, nil
	}

	f := o.triggerFirst(key)
	if f == nil {
		if read, ok := o.store.Get(key, o.clock.Now(), o.opts.MaxAge); ok {
			return read, nil
		}
		f, _ = o.trigger(key)
	}
	genErr := f.wait(ctx)
	if ctx.Err() != nil {
		return snapshots.Read{State: snapshots.StateGenerating}, ctx.Err()
	}

	if read, ok := o.store.Get(key, o.clock.Now(), o.opts.MaxAge); ok {
		return read, nil
	}
	if errors.Is(genErr, utils.ErrScopeNotFound) {
		return snapshots.Read{State: snapshots.StateAbsent}, genErr
	}
	return snapshots.Read{State: snapshots.StateAbsent}, utils.KindError(utils.ErrNotYetAvailable, "refresh.Get", genErr)
}

// ForceRefresh schedules a generation for key regardless of max-age.
func (o *Orchestrator) ForceRefresh(_ context.Context, key models.ScopeKey) (Result, error) {
	if !o.Configured(key) {
		metrics.ObserveRefreshRequest("not_found")
		return "", utils.KindError(utils.ErrScopeNotFound, "refresh.ForceRefresh", fmt.Errorf("scope %s is not configured", key))
	}
	if _, started := o.trigger(key); !started {
		metrics.ObserveRefreshRequest(string(ResultAlreadyInFlight))
		return ResultAlreadyInFlight, nil
	}
	metrics.ObserveRefreshRequest(string(ResultAccepted))
	return ResultAccepted, nil
}

// RefreshScope runs a generation for key and waits for it.
func (o *Orchestrator) RefreshScope(ctx context.Context, key models.ScopeKey) error {
	if !o.Configured(key) {
		return utils.KindError(utils.ErrScopeNotFound, "refresh.RefreshScope", fmt.Errorf("scope %s is not configured", key))
	}
	f, _ := o.trigger(key)
	return f.wait(ctx)
}

// RefreshStale forces a refresh of every scope that is absent, stale or invalidated and
// returns how many were accepted.
func (o *Orchestrator) RefreshStale(ctx context.Context) int {
	accepted := 0
	for _, key := range o.due() {
		if ctx.Err() != nil {
			break
		}
		if res, err := o.ForceRefresh(ctx, key); err == nil && res == ResultAccepted {
			accepted++
		}
	}
	if accepted > 0 {
		o.log.Debug("stale scopes scheduled", slog.Int("count", accepted))
	}
	return accepted
}

func (o *Orchestrator) due() []models.ScopeKey {
	now := o.clock.Now()
	due := make([]models.ScopeKey, 0)
	for _, key := range o.Keys() {
		read, ok := o.store.Get(key, now, o.opts.MaxAge)
		if !ok || read.State == snapshots.StateStale || read.State == snapshots.StateInvalidated {
			due = append(due, key)
		}
	}
	return due
}

// Invalidate marks the snapshot for key for regeneration on the next scan.
func (o *Orchestrator) Invalidate(key models.ScopeKey) bool {
	return o.store.Invalidate(key)
}

// RefreshAll regenerates a batch of scopes and waits for all of them. One failing scope
// never stops the others.
func (o *Orchestrator) RefreshAll(ctx context.Context, typ models.RefreshType) (models.RefreshRun, error) {
	return o.runBatch(ctx, typ, o.batchKeys(typ))
}

// RefreshKind is RefreshAll restricted to scopes of one dashboard kind.
func (o *Orchestrator) RefreshKind(ctx context.Context, typ models.RefreshType, kind models.DashboardKind) (models.RefreshRun, error) {
	keys := slices.DeleteFunc(o.batchKeys(typ), func(k models.ScopeKey) bool { return k.Kind != kind })
	return o.runBatch(ctx, typ, keys)
}

func (o *Orchestrator) batchKeys(typ models.RefreshType) []models.ScopeKey {
	if typ == models.RefreshExpiredOnly {
		return o.due()
	}
	return o.Keys()
}

// Preload activates and generates the configured common scopes.
func (o *Orchestrator) Preload(ctx context.Context) (models.RefreshRun, error) {
	keys := make([]models.ScopeKey, 0, len(o.opts.CommonScopes))
	for _, key := range o.opts.CommonScopes {
		if err := o.Activate(key); err != nil {
			o.log.Warn("skip invalid common scope", slog.String("scope", key.String()), slog.Any("error", err))
			continue
		}
		keys = append(keys, key)
	}
	return o.runBatch(ctx, models.RefreshOnDemand, keys)
}

func (o *Orchestrator) runBatch(ctx context.Context, typ models.RefreshType, keys []models.ScopeKey) (models.RefreshRun, error) {
	run := models.RefreshRun{ID: uuid.NewString(), Type: typ, Started: o.clock.Now()}

	type outcome struct {
		key models.ScopeKey
		err error
	}
	results := make(chan outcome, len(keys))
	for _, key := range keys {
		f, _ := o.trigger(key)
		go func(key models.ScopeKey) {
			results <- outcome{key: key, err: f.wait(ctx)}
		}(key)
	}
	for range keys {
		res := <-results
		if res.err != nil {
			run.Failed++
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", res.key, res.err))
			continue
		}
		run.Refreshed++
	}
	slices.Sort(run.Errors)
	run.Completed = o.clock.Now()

	o.log.Info("refresh batch complete",
		slog.String("type", string(typ)),
		slog.Int("refreshed", run.Refreshed),
		slog.Int("failed", run.Failed),
		slog.Duration("duration", run.Duration()),
	)
	if o.opts.Runs != nil {
		if err := o.opts.Runs.SaveRefreshRun(context.WithoutCancel(ctx), run); err != nil {
			o.log.Warn("save refresh run failed", slog.Any("error", err))
		}
	}
	return run, ctx.Err()
}

// Cleanup purges superseded snapshots older than the retention age.
func (o *Orchestrator) Cleanup(ctx context.Context) (CleanupResult, error) {
	now := o.clock.Now()
	res := CleanupResult{Memory: o.store.Purge(now, o.opts.RetainAge)}
	if o.opts.Runs != nil {
		n, err := o.opts.Runs.PurgeSnapshots(ctx, now.Add(-o.opts.RetainAge), o.opts.RetainCount)
		if err != nil {
			return res, fmt.Errorf("purge persisted snapshots: %w", err)
		}
		res.Persisted = n
	}
	o.log.Info("snapshot cleanup", slog.Int("memory", res.Memory), slog.Int("persisted", res.Persisted))
	return res, nil
}

// Stats reports every scope the store knows plus in-flight work.
func (o *Orchestrator) Stats() Stats {
	now := o.clock.Now()
	scopes := o.store.Stats(now, o.opts.MaxAge)
	for _, st := range scopes {
		if st.Valid {
			metrics.SetSnapshotAge(st.Key.String(), st.Age)
		}
	}
	o.mu.Lock()
	inflight := len(o.inflight)
	o.mu.Unlock()
	return Stats{Scopes: scopes, InFlight: inflight, Workers: o.opts.Workers, MaxAge: o.opts.MaxAge}
}

// Close cancels outstanding generations and waits for them to drain or ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.baseCancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trigger joins or starts the generation for key. started is true when this call began a
// new generation.
func (o *Orchestrator) trigger(key models.ScopeKey) (*flight, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f, ok := o.inflight[key]; ok {
		return f, false
	}
	return o.startLocked(key), true
}

// triggerFirst is trigger for a reader that found no snapshot. It returns nil when a
// generation installed one since. A flight installs before it leaves inflight, so the
// re-check under o.mu cannot miss both.
func (o *Orchestrator) triggerFirst(key models.ScopeKey) *flight {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f, ok := o.inflight[key]; ok {
		return f
	}
	if _, ok := o.store.Get(key, o.clock.Now(), o.opts.MaxAge); ok {
		return nil
	}
	return o.startLocked(key)
}

// startLocked launches a generation for key. o.mu must be held.
func (o *Orchestrator) startLocked(key models.ScopeKey) *flight {
	f := &flight{done: make(chan struct{})}
	o.inflight[key] = f
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := o.execute(key)

		o.mu.Lock()
		delete(o.inflight, key)
		o.mu.Unlock()

		f.err = err
		close(f.done)
	}()
	return f
}

func (o *Orchestrator) execute(key models.ScopeKey) error {
	o.mu.Lock()
	sc, ok := o.scopes[key]
	o.mu.Unlock()
	if !ok {
		return utils.KindError(utils.ErrScopeNotFound, "refresh.generate", fmt.Errorf("scope %s is not configured", key))
	}
	ctx := sc.ctx

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if o.opts.Lease != nil {
		held, err := o.opts.Lease.Acquire(ctx, key.String())
		if err != nil {
			o.log.Warn("lease acquire failed, generating anyway", slog.String("scope", key.String()), slog.Any("error", err))
		} else if !held {
			o.log.Debug("scope leased by another instance", slog.String("scope", key.String()))
			return nil
		} else {
			defer func() { _ = o.opts.Lease.Release(context.WithoutCancel(ctx), key.String()) }()
		}
	}

	seq := o.store.Begin(key)
	defer o.store.End(key)

	genCtx := ctx
	if o.opts.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, o.opts.GenerationTimeout)
		defer cancel()
	}

	start := o.clock.Now()
	out, err := o.gen.Generate(genCtx, key)
	duration := o.clock.Now().Sub(start)

	if ctx.Err() != nil {
		metrics.ObserveGeneration(key.Kind, duration, metrics.OutcomeDiscarded)
		o.log.Info("generation discarded, scope cancelled", slog.String("scope", key.String()))
		return ctx.Err()
	}
	if err != nil {
		o.store.RecordFailure(key, err, duration)
		metrics.ObserveGeneration(key.Kind, duration, metrics.OutcomeError)
		o.log.Warn("generation failed",
			slog.String("scope", key.String()),
			slog.Duration("duration", duration),
			slog.Any("error", err),
		)
		return utils.KindError(utils.ErrGenerationFailed, "refresh.generate", err)
	}

	snap := models.DashboardSnapshot{
		Key:                key,
		Sequence:           seq,
		Payload:            out.Payload,
		GeneratedAt:        o.clock.Now(),
		GenerationDuration: duration,
		Generator:          o.opts.Generator,
		Valid:              true,
		SourceRecordCount:  out.SourceRecordCount,
		DataSize:           len(out.Payload),
	}
	if err := o.store.Install(ctx, snap); err != nil {
		metrics.ObserveGeneration(key.Kind, duration, metrics.OutcomeDiscarded)
		if errors.Is(err, snapshots.ErrSuperseded) {
			o.log.Debug("generation superseded", slog.String("scope", key.String()), slog.Uint64("sequence", seq))
			return nil
		}
		return err
	}

	metrics.ObserveGeneration(key.Kind, duration, metrics.OutcomeSuccess)
	metrics.SetSnapshotAge(key.String(), 0)
	o.log.Info("snapshot installed",
		slog.String("scope", key.String()),
		slog.Uint64("sequence", seq),
		slog.Int("bytes", snap.DataSize),
		slog.Duration("duration", duration),
	)
	return nil
}
