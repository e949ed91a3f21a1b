package domain

import "context"

// RecordPage is one page of a paginated record listing. Values holds the
// record subjects (DIDs for blocks, list AT-URIs for subscriptions).
type RecordPage struct {
	Values []string
	Cursor string // empty on the last page
}

// BlocksSnapshot is an account's relationship records taken from one bulk
// repository download.
type BlocksSnapshot struct {
	Blocks         []string
	Lists          []string
	Revision       string
	WasIncremental bool // true when the cached sets were reused unchanged
}

// ListSnapshot is the content of one shared list as found in its creator's repository.
type ListSnapshot struct {
	Name        string
	Description string
	Members     []string
}

// FollowsPage is one page of the local user's follow graph.
type FollowsPage struct {
	Follows []FollowedAccount
	Cursor  string
}

// RepositoryReader is the remote data source for relationship records.
type RepositoryReader interface {
	ListBlocksPage(ctx context.Context, did, serverURL, cursor string) (RecordPage, error)
	ListBlocklistSubscriptionsPage(ctx context.Context, did, serverURL, cursor string) (RecordPage, error)
	GetLatestRevision(ctx context.Context, did, serverURL string) (string, error)
	FetchBlocksSnapshot(ctx context.Context, did, serverURL string) (BlocksSnapshot, error)
	// FetchBlocksSnapshotIncremental may return cached unchanged when the
	// remote revision still equals cachedRevision.
	FetchBlocksSnapshotIncremental(ctx context.Context, did, serverURL, cachedRevision string, cached *RelationshipEntry) (BlocksSnapshot, error)
	// FetchListsSnapshot returns the requested lists of one creator keyed by
	// list URI. An empty listURIs returns every list the creator owns.
	FetchListsSnapshot(ctx context.Context, creatorDID, serverURL string, listURIs []string) (map[string]ListSnapshot, error)
	ResolveServerURL(ctx context.Context, did string) (string, error)
	ListFollowsPage(ctx context.Context, actor, cursor string) (FollowsPage, error)
}
