// Package fetch decides, per account, between paginated record listing and a
// bulk repository snapshot, and runs the chosen fetch.
package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/common/utils"
	"github.com/haukened/blockmirror/internal/blocks/domain"
)

// Source is how an account's records were obtained.
type Source string

const (
	SourceListing  Source = "listing"
	SourceSnapshot Source = "snapshot"
)

const (
	DefaultHeavyThreshold = 500
	DefaultMaxRecords     = 10000
)

// Hint is what the cache already knows about an account.
type Hint struct {
	// KnownRecordCount is the record count of the cached entry, zero if none.
	KnownRecordCount int
	// CachedRevision and Cached allow an incremental snapshot. Leave them
	// empty when the remote revision is already known to differ.
	CachedRevision string
	Cached         *domain.RelationshipEntry
}

// Result is an account's fetched relationship records.
type Result struct {
	Source          Source
	DirectBlocks    []string
	SubscribedLists []string
	// Revision is set only by snapshots.
	Revision string
	// Partial means a listing endpoint refused part of the walk. The records
	// are still usable but no revision may be stored for them.
	Partial        bool
	Truncated      bool
	WasIncremental bool
}

// RecordCount is the number of records in the result.
func (r Result) RecordCount() int { return len(r.DirectBlocks) + len(r.SubscribedLists) }

// Options configures a Strategy.
type Options struct {
	Source         RecordSource
	HeavyThreshold int
	MaxRecords     int
	Logger         log.Logger
}

// Strategy implements the listing/snapshot choice.
type Strategy struct {
	source    RecordSource
	threshold int
	cap       int
	logger    log.Logger
}

// New creates a Strategy.
func New(opts Options) (*Strategy, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("record source is required")
	}
	if opts.HeavyThreshold <= 0 {
		opts.HeavyThreshold = DefaultHeavyThreshold
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	return &Strategy{
		source:    opts.Source,
		threshold: opts.HeavyThreshold,
		cap:       opts.MaxRecords,
		logger:    log.With(opts.Logger, map[string]any{"component": "fetch"}),
	}, nil
}

// Threshold is the record count at which an account counts as heavy.
func (s *Strategy) Threshold() int { return s.threshold }

// IsHeavy reports whether a known record count calls for a snapshot.
func (s *Strategy) IsHeavy(knownRecordCount int) bool {
	return knownRecordCount >= s.threshold
}

// Decide picks the first source to try for an account.
func (s *Strategy) Decide(knownRecordCount int) Source {
	if s.IsHeavy(knownRecordCount) {
		return SourceSnapshot
	}
	return SourceListing
}

// Fetch obtains the account's direct blocks and list subscriptions.
//
// Listing switches to a snapshot once the running count reaches the
// threshold with pages still remaining. When snapshots are unsupported or
// refused the listing carries on to the record cap. Permanent remote
// refusals yield a partial result rather than an error; transient failures
// are returned.
func (s *Strategy) Fetch(ctx context.Context, did, serverURL string, hint Hint) (Result, error) {
	if s.Decide(hint.KnownRecordCount) == SourceSnapshot {
		res, err := s.snapshot(ctx, did, serverURL, hint)
		if !errors.Is(err, domain.ErrSnapshotUnsupported) {
			return res, err
		}
		return s.list(ctx, did, serverURL, false)
	}
	return s.list(ctx, did, serverURL, true)
}

func (s *Strategy) snapshot(ctx context.Context, did, serverURL string, hint Hint) (Result, error) {
	var (
		snap domain.BlocksSnapshot
		err  error
	)
	if hint.CachedRevision != "" && hint.Cached != nil {
		snap, err = s.source.FetchBlocksSnapshotIncremental(ctx, did, serverURL, hint.CachedRevision, hint.Cached)
	} else {
		snap, err = s.source.FetchBlocksSnapshot(ctx, did, serverURL)
	}
	if err != nil {
		if domain.IsPermanent(err) && !errors.Is(err, domain.ErrSnapshotUnsupported) {
			s.logger.Debug(map[string]any{"did": did, "error": err}, "snapshot refused, treating as empty")
			return Result{Source: SourceSnapshot, DirectBlocks: []string{}, SubscribedLists: []string{}, Partial: true}, nil
		}
		return Result{}, err
	}
	blocks, tb := utils.DedupCapped(snap.Blocks, s.cap)
	lists, tl := utils.DedupCapped(snap.Lists, s.cap)
	return Result{
		Source:          SourceSnapshot,
		DirectBlocks:    blocks,
		SubscribedLists: lists,
		Revision:        snap.Revision,
		Truncated:       tb || tl,
		WasIncremental:  snap.WasIncremental,
	}, nil
}

type pageFunc func(ctx context.Context, did, serverURL, cursor string) (domain.RecordPage, error)

// list walks blocks then list subscriptions. With mayswitch it tries one
// snapshot as soon as the threshold is crossed with pages left, and resumes
// listing if the snapshot is unavailable.
func (s *Strategy) list(ctx context.Context, did, serverURL string, mayswitch bool) (Result, error) {
	res := Result{Source: SourceListing}
	seen := 0
	var switched *Result

	walk := func(next pageFunc) ([]string, error) {
		var acc []string
		cursor := ""
		for {
			page, err := next(ctx, did, serverURL, cursor)
			if err != nil {
				if domain.IsPermanent(err) {
					res.Partial = true
					return acc, nil
				}
				return acc, err
			}
			acc = append(acc, page.Values...)
			seen += len(page.Values)
			if page.Cursor == "" || page.Cursor == cursor {
				return acc, nil
			}
			if mayswitch && seen >= s.threshold {
				mayswitch = false
				s.logger.Debug(map[string]any{"did": did, "listed": seen}, "threshold crossed, switching to snapshot")
				snap, err := s.snapshot(ctx, did, serverURL, Hint{})
				switch {
				case err == nil && !snap.Partial:
					switched = &snap
					return acc, nil
				case err != nil && !errors.Is(err, domain.ErrSnapshotUnsupported):
					return acc, err
				}
			}
			if len(acc) >= s.cap {
				// stop once the deduplicated set is full
				if deduped, _ := utils.DedupCapped(acc, s.cap); len(deduped) >= s.cap {
					res.Truncated = true
					return acc, nil
				}
			}
			cursor = page.Cursor
		}
	}

	blocks, err := walk(s.source.ListBlocksPage)
	if err != nil {
		return res, err
	}
	if switched != nil {
		return *switched, nil
	}
	lists, err := walk(s.source.ListBlocklistSubscriptionsPage)
	if err != nil {
		return res, err
	}
	if switched != nil {
		return *switched, nil
	}

	var tb, tl bool
	res.DirectBlocks, tb = utils.DedupCapped(blocks, s.cap)
	res.SubscribedLists, tl = utils.DedupCapped(lists, s.cap)
	res.Truncated = res.Truncated || tb || tl
	return res, nil
}
