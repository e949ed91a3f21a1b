// Package deep resolves the membership of shared block-lists, one bulk
// fetch per list creator.
package deep

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/haukened/blockmirror/internal/blocks/common/clock"
	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/common/utils"
	"github.com/haukened/blockmirror/internal/blocks/domain"
)

const (
	DefaultCreatorDelay = 500 * time.Millisecond
	DefaultTimeout      = 2 * time.Minute

	errInvalidList   = "list %s: %v"
	errCreatorFailed = "creator %s: %v"
	errStoreList     = "store list %s: %w"
)

// sleep waits for d or until ctx is done. Swapped in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Cache is the part of the cache store the resolver reads and writes.
type Cache interface {
	SubscribedListURIs() []string
	UpsertGlobalBlocklist(l domain.GlobalBlocklist) error
}

// ListSource is the part of the repository reader the resolver needs.
type ListSource interface {
	ResolveServerURL(ctx context.Context, did string) (string, error)
	FetchListsSnapshot(ctx context.Context, creatorDID, serverURL string, listURIs []string) (map[string]domain.ListSnapshot, error)
}

// ProgressFunc is called after each creator is processed.
type ProgressFunc func(done, total int, creator string)

// Options configures a Resolver.
type Options struct {
	Cache  Cache
	Source ListSource
	// CreatorDelay is the pause between creators. Zero disables it.
	CreatorDelay time.Duration
	// Timeout bounds the work for a single creator.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  log.Logger
}

// Resolver is the DeepBlocklistResolver.
type Resolver struct {
	running atomic.Bool

	cache   Cache
	source  ListSource
	delay   time.Duration
	timeout time.Duration
	clock   clock.Clock
	logger  log.Logger
}

func New(opts Options) (*Resolver, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("list source is required")
	}
	if opts.CreatorDelay < 0 {
		opts.CreatorDelay = DefaultCreatorDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Resolver{
		cache:   opts.Cache,
		source:  opts.Source,
		delay:   opts.CreatorDelay,
		timeout: opts.Timeout,
		clock:   clock.OrReal(opts.Clock),
		logger:  log.With(opts.Logger, map[string]any{"component": "deep"}),
	}, nil
}

// Running reports whether a resolve pass is in flight.
func (r *Resolver) Running() bool { return r.running.Load() }

// groups maps each creator to the subscribed lists it owns.
func groups(uris []string) (map[string][]string, []string) {
	out := make(map[string][]string)
	var errs []string
	for _, uri := range uris {
		creator, err := utils.ListCreator(uri)
		if err != nil {
			errs = append(errs, fmt.Sprintf(errInvalidList, uri, err))
			continue
		}
		out[creator] = append(out[creator], uri)
	}
	return out, errs
}

// Resolve refreshes every subscribed list. Per-creator failures are
// recorded and the loop continues; only cancellation stops it early.
func (r *Resolver) Resolve(ctx context.Context, onProgress ProgressFunc) (domain.DeepSyncResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return domain.DeepSyncResult{}, domain.ErrDeepResolveInProgress
	}
	defer r.running.Store(false)

	byCreator, errs := groups(r.cache.SubscribedListURIs())
	res := domain.DeepSyncResult{Errors: errs}
	creators := make([]string, 0, len(byCreator))
	for c := range byCreator {
		creators = append(creators, c)
	}
	sort.Strings(creators)

	r.logger.Info(map[string]any{"creators": len(creators)}, "deep resolve started")
	for i, creator := range creators {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		lists, members, err := r.resolveCreator(ctx, creator, byCreator[creator])
		res.CreatorsProcessed++
		res.ListsResolved += lists
		res.TotalMembers += members
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf(errCreatorFailed, creator, err))
			r.logger.Warn(map[string]any{"creator": creator, "error": err}, "creator lists not resolved")
		} else {
			r.logger.Info(map[string]any{"creator": creator, "lists": lists, "members": members}, "creator lists resolved")
		}
		if onProgress != nil {
			onProgress(i+1, len(creators), creator)
		}
		if i < len(creators)-1 {
			if err := sleep(ctx, r.delay); err != nil {
				return res, err
			}
		}
	}
	r.logger.Info(map[string]any{
		"creators": res.CreatorsProcessed,
		"lists":    res.ListsResolved,
		"members":  res.TotalMembers,
		"errors":   len(res.Errors),
	}, "deep resolve finished")
	return res, nil
}

func (r *Resolver) resolveCreator(ctx context.Context, creator string, uris []string) (lists, members int, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pds, err := r.source.ResolveServerURL(ctx, creator)
	if err != nil {
		return 0, 0, err
	}
	snap, err := r.source.FetchListsSnapshot(ctx, creator, pds, uris)
	if err != nil {
		return 0, 0, err
	}
	now := r.clock.Now()
	for _, uri := range uris {
		l, ok := snap[uri]
		if !ok {
			r.logger.Debug(map[string]any{"list": uri}, "subscribed list not found at creator")
			continue
		}
		set := mapset.NewSet(l.Members...)
		set.Remove("")
		err := r.cache.UpsertGlobalBlocklist(domain.GlobalBlocklist{
			URI:            uri,
			Name:           l.Name,
			Description:    l.Description,
			CreatorDID:     creator,
			Members:        set,
			MemberCount:    set.Cardinality(),
			LastResolvedAt: now,
		})
		if err != nil {
			return lists, members, fmt.Errorf(errStoreList, uri, err)
		}
		lists++
		members += set.Cardinality()
	}
	return lists, members, nil
}
