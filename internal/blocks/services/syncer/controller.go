// Package syncer keeps per-account cache entries in step with the remote:
// a revision-checking controller for one account and a batch processor that
// drives it across the follow list.
package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/haukened/blockmirror/internal/blocks/common/log"
	"github.com/haukened/blockmirror/internal/blocks/domain"
	"github.com/haukened/blockmirror/internal/blocks/services/fetch"
)

// Outcome describes what Sync did for an account.
type Outcome struct {
	Skipped   bool   // revision unchanged, nothing downloaded
	ServerURL string // resolved home server
	Source    fetch.Source
	Records   int
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Cache   EntryCache
	Remote  RevisionSource
	Fetcher Fetcher
	Logger  log.Logger
}

// Controller is the per-account incremental sync state machine:
// check the revision, skip when unchanged, otherwise fetch and store.
type Controller struct {
	cache   EntryCache
	remote  RevisionSource
	fetcher Fetcher
	logger  log.Logger
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Cache == nil || opts.Remote == nil || opts.Fetcher == nil {
		return nil, fmt.Errorf("cache, remote and fetcher are required")
	}
	return &Controller{
		cache:   opts.Cache,
		remote:  opts.Remote,
		fetcher: opts.Fetcher,
		logger:  log.With(opts.Logger, map[string]any{"component": "syncer"}),
	}, nil
}

// errStaleServer marks a stored home server that refused the account.
var errStaleServer = errors.New("stored home server refused the account")

// serverForgetter is implemented by resolvers that cache home servers.
type serverForgetter interface {
	ForgetServerURL(did string)
}

// Sync brings one account's cache entry up to date.
// A home server remembered from an earlier pass is trusted until it refuses
// the account, then it is resolved again and the sync retried once.
func (c *Controller) Sync(ctx context.Context, acct domain.FollowedAccount) (Outcome, error) {
	if acct.ServerURL != "" {
		out, err := c.syncAt(ctx, acct.DID, acct.ServerURL, true)
		if !errors.Is(err, errStaleServer) {
			return out, err
		}
		c.logger.Info(map[string]any{"did": acct.DID, "server": acct.ServerURL}, "stored home server refused the account, resolving again")
		if f, ok := c.remote.(serverForgetter); ok {
			f.ForgetServerURL(acct.DID)
		}
	}

	u, err := c.remote.ResolveServerURL(ctx, acct.DID)
	if err != nil {
		if domain.IsPermanent(err) {
			// no reachable repository: zero relationships
			return Outcome{}, c.cache.UpsertEntry(acct.DID, nil, nil, "")
		}
		return Outcome{ServerURL: acct.ServerURL}, err
	}
	return c.syncAt(ctx, acct.DID, u, false)
}

// syncAt syncs did against serverURL. When stored is set, a permanent
// refusal returns errStaleServer and leaves the cache untouched.
func (c *Controller) syncAt(ctx context.Context, did, serverURL string, stored bool) (Outcome, error) {
	out := Outcome{ServerURL: serverURL}
	cached, hasCached := c.cache.Entry(did)

	rev, revErr := c.remote.GetLatestRevision(ctx, did, serverURL)
	if revErr != nil && ctx.Err() != nil {
		return out, revErr
	}
	if revErr != nil && stored && domain.IsPermanent(revErr) {
		return out, errStaleServer
	}
	if revErr == nil && hasCached && cached.Revision != "" && rev == cached.Revision {
		out.Skipped = true
		out.Records = cached.RecordCount()
		return out, c.cache.Touch(did)
	}
	if revErr != nil {
		c.logger.Debug(map[string]any{"did": did, "error": revErr}, "revision check failed, forcing full fetch")
	}

	hint := fetch.Hint{}
	if hasCached {
		hint.KnownRecordCount = cached.RecordCount()
		// the revision is unknown, so a snapshot may still find it unchanged
		if revErr != nil && cached.Revision != "" {
			hint.CachedRevision = cached.Revision
			hint.Cached = &cached
		}
	}

	res, err := c.fetcher.Fetch(ctx, did, serverURL, hint)
	if err != nil {
		if stored && domain.IsPermanent(err) {
			return out, errStaleServer
		}
		return out, err
	}
	if res.Partial && stored {
		return out, errStaleServer
	}
	out.Source = res.Source
	out.Records = res.RecordCount()

	if res.WasIncremental {
		out.Skipped = true
		return out, c.cache.Touch(did)
	}

	revision := ""
	switch {
	case res.Partial:
	case res.Revision != "":
		revision = res.Revision
	case revErr == nil:
		revision = rev
	}
	if err := c.cache.UpsertEntry(did, res.DirectBlocks, res.SubscribedLists, revision); err != nil {
		return out, fmt.Errorf("store entry: %w", err)
	}
	return out, nil
}

// IsKnownHeavy reports whether the cached entry for did is at or above the
// fetch threshold.
func (c *Controller) IsKnownHeavy(did string) bool {
	e, ok := c.cache.Entry(did)
	return ok && c.fetcher.IsHeavy(e.RecordCount())
}

var _ AccountSyncer = (*Controller)(nil)
