package xrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/haukened/blockmirror/internal/blocks/common/utils"
	"github.com/haukened/blockmirror/internal/blocks/domain"
)

const (
	methodListRecords     = "com.atproto.repo.listRecords"
	methodGetLatestCommit = "com.atproto.sync.getLatestCommit"
	methodGetRepo         = "com.atproto.sync.getRepo"

	collectionBlock     = "app.bsky.graph.block"
	collectionListblock = "app.bsky.graph.listblock"
	collectionList      = "app.bsky.graph.list"
	collectionListitem  = "app.bsky.graph.listitem"
)

// maxListPages bounds a single creator's list walk when no decoder is
// available.
var maxListPages = 1000

type listRecordsResponse struct {
	Cursor  string `json:"cursor"`
	Records []struct {
		URI   string          `json:"uri"`
		Value json.RawMessage `json:"value"`
	} `json:"records"`
}

type subjectValue struct {
	Subject string `json:"subject"`
	List    string `json:"list"`
}

type listValue struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (c *Client) listRecords(ctx context.Context, did, serverURL, collection, cursor string) (listRecordsResponse, error) {
	params := url.Values{
		"repo":       {did},
		"collection": {collection},
		"limit":      {fmt.Sprint(pageLimit)},
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var out listRecordsResponse
	err := c.getJSON(ctx, methodListRecords, xrpcURL(serverURL, methodListRecords, params), &out)
	return out, err
}

func (c *Client) subjectPage(ctx context.Context, did, serverURL, collection, cursor string) (domain.RecordPage, error) {
	res, err := c.listRecords(ctx, did, serverURL, collection, cursor)
	if err != nil {
		return domain.RecordPage{}, err
	}
	page := domain.RecordPage{Values: make([]string, 0, len(res.Records)), Cursor: res.Cursor}
	for _, r := range res.Records {
		var v subjectValue
		if err := json.Unmarshal(r.Value, &v); err != nil || v.Subject == "" {
			continue
		}
		page.Values = append(page.Values, v.Subject)
	}
	// a cursor on an empty page would loop forever
	if len(res.Records) == 0 {
		page.Cursor = ""
	}
	return page, nil
}

// ListBlocksPage lists one page of app.bsky.graph.block subjects.
func (c *Client) ListBlocksPage(ctx context.Context, did, serverURL, cursor string) (domain.RecordPage, error) {
	return c.subjectPage(ctx, did, serverURL, collectionBlock, cursor)
}

// ListBlocklistSubscriptionsPage lists one page of app.bsky.graph.listblock subjects.
func (c *Client) ListBlocklistSubscriptionsPage(ctx context.Context, did, serverURL, cursor string) (domain.RecordPage, error) {
	return c.subjectPage(ctx, did, serverURL, collectionListblock, cursor)
}

// GetLatestRevision returns the repository's current commit revision.
func (c *Client) GetLatestRevision(ctx context.Context, did, serverURL string) (string, error) {
	var out struct {
		CID string `json:"cid"`
		Rev string `json:"rev"`
	}
	u := xrpcURL(serverURL, methodGetLatestCommit, url.Values{"did": {did}})
	if err := c.getJSON(ctx, methodGetLatestCommit, u, &out); err != nil {
		return "", err
	}
	return out.Rev, nil
}

func (c *Client) fetchRepo(ctx context.Context, did, serverURL string) (RepoContents, error) {
	if c.decoder == nil {
		return RepoContents{}, domain.ErrSnapshotUnsupported
	}
	var contents RepoContents
	u := xrpcURL(serverURL, methodGetRepo, url.Values{"did": {did}})
	err := c.get(ctx, methodGetRepo, u, "application/vnd.ipld.car", func(body io.Reader) error {
		// buffer so a decoder failure never leaves a half-read connection behind
		buf, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		contents, err = c.decoder.Decode(ctx, did, bytes.NewReader(buf))
		return err
	})
	return contents, err
}

// FetchBlocksSnapshot downloads the whole repository and extracts its
// block and list subscription records.
func (c *Client) FetchBlocksSnapshot(ctx context.Context, did, serverURL string) (domain.BlocksSnapshot, error) {
	repo, err := c.fetchRepo(ctx, did, serverURL)
	if err != nil {
		return domain.BlocksSnapshot{}, err
	}
	return domain.BlocksSnapshot{
		Blocks:   repo.Blocks,
		Lists:    repo.BlocklistSubscriptions,
		Revision: repo.Revision,
	}, nil
}

// FetchBlocksSnapshotIncremental reuses cached when the remote revision is
// unchanged and otherwise takes a full snapshot.
func (c *Client) FetchBlocksSnapshotIncremental(ctx context.Context, did, serverURL, cachedRevision string, cached *domain.RelationshipEntry) (domain.BlocksSnapshot, error) {
	if cachedRevision != "" && cached != nil {
		rev, err := c.GetLatestRevision(ctx, did, serverURL)
		if err == nil && rev == cachedRevision {
			return domain.BlocksSnapshot{
				Blocks:         setSlice(cached.DirectBlocks),
				Lists:          setSlice(cached.SubscribedLists),
				Revision:       rev,
				WasIncremental: true,
			}, nil
		}
	}
	return c.FetchBlocksSnapshot(ctx, did, serverURL)
}

func setSlice(s mapset.Set[string]) []string {
	if s == nil {
		return nil
	}
	return s.ToSlice()
}

// FetchListsSnapshot returns the creator's lists, restricted to listURIs
// when given. With a decoder it is one repository download; otherwise it
// walks the creator's list and listitem records once.
func (c *Client) FetchListsSnapshot(ctx context.Context, creatorDID, serverURL string, listURIs []string) (map[string]domain.ListSnapshot, error) {
	var wanted mapset.Set[string]
	if len(listURIs) > 0 {
		wanted = mapset.NewThreadUnsafeSet(listURIs...)
	}
	keep := func(uri string) bool { return wanted == nil || wanted.Contains(uri) }

	repo, err := c.fetchRepo(ctx, creatorDID, serverURL)
	switch {
	case err == nil:
		out := make(map[string]domain.ListSnapshot)
		for uri, l := range repo.Lists {
			if keep(uri) {
				out[uri] = l
			}
		}
		return out, nil
	case !errors.Is(err, domain.ErrSnapshotUnsupported):
		return nil, err
	}

	out := make(map[string]domain.ListSnapshot)
	if err := c.walk(ctx, creatorDID, serverURL, collectionList, func(uri string, raw json.RawMessage) {
		var v listValue
		if keep(uri) && json.Unmarshal(raw, &v) == nil {
			out[uri] = domain.ListSnapshot{Name: v.Name, Description: v.Description, Members: []string{}}
		}
	}); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := c.walk(ctx, creatorDID, serverURL, collectionListitem, func(_ string, raw json.RawMessage) {
		var v subjectValue
		if json.Unmarshal(raw, &v) != nil || v.Subject == "" {
			return
		}
		if l, ok := out[v.List]; ok {
			l.Members = append(l.Members, v.Subject)
			out[v.List] = l
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) walk(ctx context.Context, did, serverURL, collection string, visit func(uri string, value json.RawMessage)) error {
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		res, err := c.listRecords(ctx, did, serverURL, collection, cursor)
		if err != nil {
			return err
		}
		for _, r := range res.Records {
			if _, err := utils.ParseATURI(r.URI); err != nil {
				continue
			}
			visit(r.URI, r.Value)
		}
		if res.Cursor == "" || len(res.Records) == 0 {
			return nil
		}
		cursor = res.Cursor
	}
	c.logger.Warn(map[string]any{"did": did, "collection": collection}, "record walk hit page limit")
	return fmt.Errorf(errWalkTruncated, collection, did, maxListPages, domain.ErrListTruncated)
}
