package fetch

import (
	"context"

	"github.com/haukened/blockmirror/internal/blocks/domain"
)

// RecordSource is the part of the repository reader the strategy uses.
type RecordSource interface {
	ListBlocksPage(ctx context.Context, did, serverURL, cursor string) (domain.RecordPage, error)
	ListBlocklistSubscriptionsPage(ctx context.Context, did, serverURL, cursor string) (domain.RecordPage, error)
	FetchBlocksSnapshot(ctx context.Context, did, serverURL string) (domain.BlocksSnapshot, error)
	FetchBlocksSnapshotIncremental(ctx context.Context, did, serverURL, cachedRevision string, cached *domain.RelationshipEntry) (domain.BlocksSnapshot, error)
}
