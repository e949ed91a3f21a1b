package xrpc

import (
	"context"
	"io"

	"github.com/haukened/blockmirror/internal/blocks/domain"
)

// RepoContents is what a RepoDecoder extracts from a repository export.
type RepoContents struct {
	Revision string
	// Blocks are the subjects of app.bsky.graph.block records.
	Blocks []string
	// BlocklistSubscriptions are the subjects of app.bsky.graph.listblock records.
	BlocklistSubscriptions []string
	// Lists are the repository's own app.bsky.graph.list records keyed by AT-URI,
	// with members gathered from its app.bsky.graph.listitem records.
	Lists map[string]domain.ListSnapshot
}

// RepoDecoder parses the body of com.atproto.sync.getRepo (a CAR file).
// Without one the client cannot take snapshots and reports
// domain.ErrSnapshotUnsupported.
type RepoDecoder interface {
	Decode(ctx context.Context, did string, car io.Reader) (RepoContents, error)
}
