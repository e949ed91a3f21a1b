package engine

import (
	"context"
	"time"

	"github.com/haukened/blockmirror/internal/blocks/domain"
	"github.com/haukened/blockmirror/internal/blocks/services/deep"
	"github.com/haukened/blockmirror/internal/blocks/services/syncer"
)

// Store is the cache store surface owned by the engine.
type Store interface {
	Follows() []domain.FollowedAccount
	ReplaceFollows(follows []domain.FollowedAccount) error
	MarkFollowsSynced(synced map[string]string, at time.Time) error
	SaveStatus(st domain.SyncStatus) error
	LoadStatus() (domain.SyncStatus, error)
	Prune(maxSize int) (int, error)
	Clear() error
}

// FollowsSource pages through the local user's follow list.
type FollowsSource interface {
	ListFollowsPage(ctx context.Context, actor, cursor string) (domain.FollowsPage, error)
}

// followsPurger is implemented by follow sources that cache pages.
type followsPurger interface {
	PurgeFollows()
}

// BatchRunner syncs a follow list.
type BatchRunner interface {
	Process(ctx context.Context, accounts []domain.FollowedAccount, onProgress syncer.ProgressFunc) (syncer.Result, error)
}

// DeepResolver refreshes shared list membership.
type DeepResolver interface {
	Resolve(ctx context.Context, onProgress deep.ProgressFunc) (domain.DeepSyncResult, error)
}
