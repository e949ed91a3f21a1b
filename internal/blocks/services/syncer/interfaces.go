package syncer

import (
	"context"

	"github.com/haukened/blockmirror/internal/blocks/domain"
	"github.com/haukened/blockmirror/internal/blocks/services/fetch"
)

// EntryCache is the slice of the cache store the controller writes to.
type EntryCache interface {
	Entry(did string) (domain.RelationshipEntry, bool)
	UpsertEntry(did string, direct, lists []string, revision string) error
	Touch(did string) error
}

// RevisionSource resolves home servers and current revisions.
type RevisionSource interface {
	ResolveServerURL(ctx context.Context, did string) (string, error)
	GetLatestRevision(ctx context.Context, did, serverURL string) (string, error)
}

// Fetcher runs the listing/snapshot fetch for one account.
type Fetcher interface {
	Fetch(ctx context.Context, did, serverURL string, hint fetch.Hint) (fetch.Result, error)
	IsHeavy(knownRecordCount int) bool
}

// AccountSyncer syncs a single account.
type AccountSyncer interface {
	Sync(ctx context.Context, acct domain.FollowedAccount) (Outcome, error)
}
