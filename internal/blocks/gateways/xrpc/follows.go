package xrpc

import (
	"context"
	"fmt"
	"net/url"

	"github.com/haukened/blockmirror/internal/blocks/domain"
)

const methodGetFollows = "app.bsky.graph.getFollows"

type getFollowsResponse struct {
	Cursor  string `json:"cursor"`
	Follows []struct {
		DID         string `json:"did"`
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
		Avatar      string `json:"avatar"`
	} `json:"follows"`
}

// ListFollowsPage lists one page of actor's follows from the appview.
// Pages are cached per (actor, cursor) for the configured follows TTL.
func (c *Client) ListFollowsPage(ctx context.Context, actor, cursor string) (domain.FollowsPage, error) {
	key := actor + "|" + cursor
	if c.follows != nil {
		if page, ok := c.follows.Get(key); ok {
			return page, nil
		}
	}

	params := url.Values{"actor": {actor}, "limit": {fmt.Sprint(pageLimit)}}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var res getFollowsResponse
	if err := c.getJSON(ctx, methodGetFollows, xrpcURL(c.appview, methodGetFollows, params), &res); err != nil {
		return domain.FollowsPage{}, err
	}

	page := domain.FollowsPage{Follows: make([]domain.FollowedAccount, 0, len(res.Follows)), Cursor: res.Cursor}
	for _, f := range res.Follows {
		if f.DID == "" {
			continue
		}
		page.Follows = append(page.Follows, domain.FollowedAccount{
			DID:         f.DID,
			Handle:      f.Handle,
			DisplayName: f.DisplayName,
			Avatar:      f.Avatar,
		})
	}
	if len(res.Follows) == 0 {
		page.Cursor = ""
	}
	if c.follows != nil {
		c.follows.Add(key, page)
	}
	return page, nil
}

// PurgeFollows drops cached follow pages so the next pass sees fresh data.
func (c *Client) PurgeFollows() {
	if c.follows != nil {
		c.follows.Purge()
	}
}
