// Package source defines the crawler's view of the content platform: a
// paginated, rate-limited API that lists posts for a named source, searches
// them by keyword, and serves nested comment forests with "load more"
// continuations. Implementations live in subpackages; the crawl engine only
// ever sees the Client interface.
package source

import (
	"context"
	"fmt"

	"github.com/threadscout/threadscout/internal/core"
)

// Listing identifies one of the platform's recency/popularity orderings.
type Listing string

const (
	ListingHot    Listing = "hot"
	ListingNew    Listing = "new"
	ListingRising Listing = "rising"
	ListingTop    Listing = "top"
)

// DefaultListings is the crawl order used when the configuration does not
// name its own set.
var DefaultListings = []Listing{ListingHot, ListingNew, ListingRising, ListingTop}

// ParseListing validates a configured listing name.
func ParseListing(s string) (Listing, error) {
	switch Listing(s) {
	case ListingHot, ListingNew, ListingRising, ListingTop:
		return Listing(s), nil
	}
	return "", fmt.Errorf("unsupported listing %q", s)
}

// ListOptions bounds a single listing page.
type ListOptions struct {
	Limit int
	// TimeFilter applies to the top listing only (hour, day, week, month,
	// year, all).
	TimeFilter string
}

// SearchOptions bounds a keyword search.
type SearchOptions struct {
	Limit      int
	TimeFilter string
	Sort       string
}

// Forest is a post's comment tree as returned by the platform: the post's
// refreshed fields plus its root comments, each carrying nested replies and
// possibly More stubs.
type Forest struct {
	Post  *core.Post
	Roots []*core.Comment
}

// Client is the platform API surface the crawl engine consumes. Every call
// costs one budgeted request.
type Client interface {
	// Posts returns one page of a source's listing, most relevant first.
	// Recency-ordered listings (new) are the basis of the incremental
	// early-stop heuristic.
	Posts(ctx context.Context, src string, listing Listing, opts ListOptions) ([]*core.Post, error)
	// Search returns posts in the source matching the query.
	Search(ctx context.Context, src, query string, opts SearchOptions) ([]*core.Post, error)
	// CommentForest returns the post's comment trees, limited to the first
	// limit root comments.
	CommentForest(ctx context.Context, postID string, limit int) (*Forest, error)
	// ExpandMore resolves a "load more replies" placeholder into the
	// comments it stands for.
	ExpandMore(ctx context.Context, postID string, stub core.MoreStub) ([]*core.Comment, error)
}
