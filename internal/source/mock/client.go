// Package mock provides a scripted source.Client for tests. Each method pops
// the next queued result for its key, so a test can stage a full crawl's
// worth of listings, forests and expansions up front and assert on the call
// counts afterwards.
package mock

import (
	"context"
	"fmt"

	"github.com/threadscout/threadscout/internal/core"
	"github.com/threadscout/threadscout/internal/source"
)

type postsResult struct {
	posts []*core.Post
	err   error
}

type forestResult struct {
	forest *source.Forest
	err    error
}

type expandResult struct {
	comments []*core.Comment
	err      error
}

type Client struct {
	posts   map[string][]postsResult
	search  map[string][]postsResult
	forests map[string][]forestResult
	expands map[string][]expandResult

	PostsCalls   int
	SearchCalls  int
	ForestCalls  int
	ExpandCalls  int
	RequestCount int
}

func NewClient() *Client {
	return &Client{
		posts:   map[string][]postsResult{},
		search:  map[string][]postsResult{},
		forests: map[string][]forestResult{},
		expands: map[string][]expandResult{},
	}
}

func postsKey(src string, listing source.Listing) string {
	return src + "/" + string(listing)
}

// QueuePosts stages the next Posts result for the source+listing pair.
func (c *Client) QueuePosts(src string, listing source.Listing, posts []*core.Post, err error) {
	key := postsKey(src, listing)
	c.posts[key] = append(c.posts[key], postsResult{posts: posts, err: err})
}

// QueueSearch stages the next Search result for the source+query pair.
func (c *Client) QueueSearch(src, query string, posts []*core.Post, err error) {
	key := src + "?" + query
	c.search[key] = append(c.search[key], postsResult{posts: posts, err: err})
}

// QueueForest stages the next CommentForest result for the post.
func (c *Client) QueueForest(postID string, forest *source.Forest, err error) {
	c.forests[postID] = append(c.forests[postID], forestResult{forest: forest, err: err})
}

// QueueExpand stages the next ExpandMore result for the post.
func (c *Client) QueueExpand(postID string, comments []*core.Comment, err error) {
	c.expands[postID] = append(c.expands[postID], expandResult{comments: comments, err: err})
}

func (c *Client) Posts(_ context.Context, src string, listing source.Listing, _ source.ListOptions) ([]*core.Post, error) {
	c.PostsCalls++
	c.RequestCount++
	key := postsKey(src, listing)
	queue := c.posts[key]
	if len(queue) == 0 {
		return nil, fmt.Errorf("mock: no queued posts for %s", key)
	}
	next := queue[0]
	c.posts[key] = queue[1:]
	return next.posts, next.err
}

func (c *Client) Search(_ context.Context, src, query string, _ source.SearchOptions) ([]*core.Post, error) {
	c.SearchCalls++
	c.RequestCount++
	key := src + "?" + query
	queue := c.search[key]
	if len(queue) == 0 {
		return nil, fmt.Errorf("mock: no queued search results for %s", key)
	}
	next := queue[0]
	c.search[key] = queue[1:]
	return next.posts, next.err
}

func (c *Client) CommentForest(_ context.Context, postID string, _ int) (*source.Forest, error) {
	c.ForestCalls++
	c.RequestCount++
	queue := c.forests[postID]
	if len(queue) == 0 {
		return nil, fmt.Errorf("mock: no queued forest for post %s", postID)
	}
	next := queue[0]
	c.forests[postID] = queue[1:]
	return next.forest, next.err
}

func (c *Client) ExpandMore(_ context.Context, postID string, _ core.MoreStub) ([]*core.Comment, error) {
	c.ExpandCalls++
	c.RequestCount++
	queue := c.expands[postID]
	if len(queue) == 0 {
		return nil, fmt.Errorf("mock: no queued expansion for post %s", postID)
	}
	next := queue[0]
	c.expands[postID] = queue[1:]
	return next.comments, next.err
}

var _ source.Client = (*Client)(nil)
