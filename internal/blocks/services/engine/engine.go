// Package engine is the caller-facing facade: it owns the single sync pass
// lock and the live SyncStatus, and forwards queries to the lookup engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/blockmirror/internal/blocks/common/clock"
	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/domain"
	"github.com/haukened/blockmirror/internal/blocks/services/lookup"
)

// maxFollowPages bounds the follow walk against a remote that never ends
// its cursor chain.
const maxFollowPages = 10000

const (
	errFollowsPage  = "follows page %d: %w"
	errStoreFollows = "store follows: %w"
)

// Options configures an Engine.
type Options struct {
	// Actor is the DID whose follows are synced.
	Actor   string
	Store   Store
	Follows FollowsSource
	Batch   BatchRunner
	Lookup  *lookup.Engine
	Deep    DeepResolver
	// MaxEntries is the prune limit applied after each pass. Zero uses the
	// store's own limit.
	MaxEntries int
	Clock      clock.Clock
	Logger     log.Logger
}

// Engine runs sync passes one at a time and answers lookups.
type Engine struct {
	// running is the pass lock. It may be held by a pass in this process or
	// by a persisted flag left over from a previous one.
	running atomic.Bool
	// active is true only while a pass runs in this process.
	active atomic.Bool
	// lockMu orders the running/active transitions.
	lockMu sync.Mutex
	wg     sync.WaitGroup
	// base is cancelled by Close and stops background passes.
	base       context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	status domain.SyncStatus

	actor      string
	store      Store
	follows    FollowsSource
	batch      BatchRunner
	lookup     *lookup.Engine
	deep       DeepResolver
	maxEntries int
	clock      clock.Clock
	logger     log.Logger
}

func New(opts Options) (*Engine, error) {
	if opts.Actor == "" {
		return nil, fmt.Errorf("actor is required")
	}
	if opts.Store == nil || opts.Follows == nil || opts.Batch == nil || opts.Lookup == nil {
		return nil, fmt.Errorf("store, follows, batch and lookup are required")
	}
	st, err := opts.Store.LoadStatus()
	if err != nil {
		return nil, fmt.Errorf("load sync status: %w", err)
	}
	base, cancel := context.WithCancel(context.Background())
	e := &Engine{
		base:       base,
		cancelBase: cancel,
		status:     st,
		actor:      opts.Actor,
		store:      opts.Store,
		follows:    opts.Follows,
		batch:      opts.Batch,
		lookup:     opts.Lookup,
		deep:       opts.Deep,
		maxEntries: opts.MaxEntries,
		clock:      clock.OrReal(opts.Clock),
		logger:     log.With(opts.Logger, map[string]any{"component": "engine"}),
	}
	if st.IsRunning {
		e.running.Store(true)
		e.logger.Warn(map[string]any{"started_at": st.StartedAt}, "persisted sync flag is set, passes are locked until it is cleared")
	}
	return e, nil
}

// TriggerSync starts a pass in the background and reports whether it did.
// It returns false, and changes nothing, when a pass already holds the lock.
// The pass keeps ctx's values but not its cancellation; Close stops it.
func (e *Engine) TriggerSync(ctx context.Context) bool {
	if !e.acquire() {
		return false
	}
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.base, cancel)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer stop()
		if _, err := e.run(pctx); err != nil {
			e.logger.Error(map[string]any{"error": err}, "sync pass failed")
		}
	}()
	return true
}

// RunSync runs a pass and waits for it.
func (e *Engine) RunSync(ctx context.Context) (domain.SyncReport, error) {
	if !e.acquire() {
		return domain.SyncReport{}, domain.ErrSyncInProgress
	}
	return e.run(ctx)
}

func (e *Engine) acquire() bool {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	if !e.running.CompareAndSwap(false, true) {
		return false
	}
	e.active.Store(true)
	return true
}

func (e *Engine) release() {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	e.active.Store(false)
	e.running.Store(false)
}

// Wait blocks until background passes started by TriggerSync return.
func (e *Engine) Wait() { e.wg.Wait() }

// Close cancels background passes and waits for them to record their
// final status.
func (e *Engine) Close() {
	e.cancelBase()
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) (report domain.SyncReport, err error) {
	start := e.clock.Now()
	defer func() {
		e.update(true, func(s *domain.SyncStatus) {
			s.IsRunning = false
			s.Phase = domain.PhaseIdle
			if err != nil {
				s.LastError = err.Error()
			}
		})
		e.release()
	}()

	e.update(true, func(s *domain.SyncStatus) {
		*s = domain.SyncStatus{
			IsRunning:    true,
			Phase:        domain.PhaseFetchingFollows,
			StartedAt:    start,
			LastFullSync: s.LastFullSync,
		}
	})
	e.logger.Info(map[string]any{"actor": e.actor}, "sync pass started")

	follows, err := e.fetchFollows(ctx)
	if err != nil {
		e.logger.Error(map[string]any{"actor": e.actor, "error": err}, "follow list unavailable, pass aborted")
		return report, fmt.Errorf("%w: %w", domain.ErrFollowsUnavailable, err)
	}
	if err := e.store.ReplaceFollows(follows); err != nil {
		return report, fmt.Errorf(errStoreFollows, err)
	}
	// the stored list carries server URLs learned on earlier passes
	follows = e.store.Follows()
	report.TotalFollows = len(follows)

	e.update(true, func(s *domain.SyncStatus) {
		s.Phase = domain.PhaseSyncingBlocks
		s.TotalFollows = len(follows)
	})

	res, err := e.batch.Process(ctx, follows, func(_, _ int, stats domain.BatchStats) {
		e.update(false, func(s *domain.SyncStatus) {
			s.SyncedFollows = stats.Synced + stats.Skipped
			s.Errors = append([]string(nil), stats.Errors...)
		})
	})
	report.BatchStats = res.BatchStats

	now := e.clock.Now()
	synced := make(map[string]string, len(res.Checked))
	for _, c := range res.Checked {
		synced[c.Account.DID] = c.Outcome.ServerURL
	}
	if merr := e.store.MarkFollowsSynced(synced, now); merr != nil {
		e.logger.Warn(map[string]any{"error": merr}, "failed to record follow sync times")
	}
	if err != nil {
		return report, err
	}

	pruned, perr := e.store.Prune(e.maxEntries)
	if perr != nil {
		e.logger.Warn(map[string]any{"error": perr}, "prune failed")
	}
	report.Pruned = pruned
	report.Duration = now.Sub(start)

	e.update(true, func(s *domain.SyncStatus) {
		s.SyncedFollows = res.Synced + res.Skipped
		s.Errors = append([]string(nil), res.Errors...)
		s.LastFullSync = now
	})
	e.logger.Info(map[string]any{
		"follows":  report.TotalFollows,
		"synced":   report.Synced,
		"skipped":  report.Skipped,
		"failed":   report.Failed(),
		"pruned":   report.Pruned,
		"duration": report.Duration.String(),
	}, "sync pass finished")
	return report, nil
}

// fetchFollows walks the follow list. Any page failure is structural.
func (e *Engine) fetchFollows(ctx context.Context) ([]domain.FollowedAccount, error) {
	var (
		out    []domain.FollowedAccount
		seen   = make(map[string]struct{})
		cursor string
	)
	for page := 1; page <= maxFollowPages; page++ {
		e.update(false, func(s *domain.SyncStatus) { s.FetchingPage = page })
		p, err := e.follows.ListFollowsPage(ctx, e.actor, cursor)
		if err != nil {
			return nil, fmt.Errorf(errFollowsPage, page, err)
		}
		for _, f := range p.Follows {
			if _, dup := seen[f.DID]; dup || f.DID == "" {
				continue
			}
			seen[f.DID] = struct{}{}
			out = append(out, f)
		}
		e.update(false, func(s *domain.SyncStatus) { s.FetchedFollows = len(out) })
		if p.Cursor == "" || p.Cursor == cursor {
			return out, nil
		}
		cursor = p.Cursor
	}
	e.logger.Warn(map[string]any{"pages": maxFollowPages}, "follow list page limit reached")
	return out, nil
}

// update applies fn to the live status and optionally persists it. Progress
// updates stay in memory; phase changes are written through.
func (e *Engine) update(persist bool, fn func(s *domain.SyncStatus)) {
	e.mu.Lock()
	fn(&e.status)
	snap := e.status.Clone()
	e.mu.Unlock()
	if !persist {
		return
	}
	if err := e.store.SaveStatus(snap); err != nil {
		e.logger.Warn(map[string]any{"error": err}, "failed to persist sync status")
	}
}

// GetSyncStatus returns a copy of the live status.
func (e *Engine) GetSyncStatus() domain.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.Clone()
}

// ForceClearRunning releases a pass lock left behind by a previous process.
// A pass running in this process cannot be cleared.
func (e *Engine) ForceClearRunning() error {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	if e.active.Load() {
		return domain.ErrSyncInProgress
	}
	e.update(true, func(s *domain.SyncStatus) {
		s.IsRunning = false
		s.Phase = domain.PhaseIdle
	})
	e.running.Store(false)
	e.logger.Warn(nil, "sync flag force-cleared")
	return nil
}

// ClearStaleSync clears a leftover pass lock whose pass started more than
// maxAge ago. It reports whether anything was cleared.
func (e *Engine) ClearStaleSync(maxAge time.Duration) (bool, error) {
	st := e.GetSyncStatus()
	if !st.IsRunning || e.active.Load() {
		return false, nil
	}
	if age := e.clock.Now().Sub(st.StartedAt); age < maxAge {
		return false, nil
	}
	if err := e.ForceClearRunning(); err != nil {
		if errors.Is(err, domain.ErrSyncInProgress) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
