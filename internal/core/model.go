package core

import "time"

// Post is a single submission collected from a monitored source, with its
// retained comment trees embedded. Posts are rebuilt on every crawl; only the
// output document and the crawl record survive a run.
type Post struct {
	ID             string     `json:"id" yaml:"id"`
	Source         string     `json:"source" yaml:"source"`
	Title          string     `json:"title" yaml:"title"`
	Body           string     `json:"body" yaml:"body"`
	Author         string     `json:"author" yaml:"author"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	Score          int        `json:"score" yaml:"score"`
	UpvoteRatio    float64    `json:"upvote_ratio" yaml:"upvote_ratio"`
	NumComments    int        `json:"num_comments" yaml:"num_comments"`
	URL            string     `json:"url" yaml:"url"`
	Flair          string     `json:"flair,omitempty" yaml:"flair,omitempty"`
	Edited         bool       `json:"edited" yaml:"edited"`
	CollectedAt    time.Time  `json:"collected_at" yaml:"collected_at"`
	MatchedKeyword string     `json:"matched_keyword,omitempty" yaml:"matched_keyword,omitempty"`
	Comments       []*Comment `json:"comments" yaml:"comments"`
}

// Comment is one node of a reply tree. Depth is 0 for top-level comments and
// parent.Depth+1 below; the fetcher guarantees Depth never exceeds the
// configured maximum.
type Comment struct {
	ID           string     `json:"id" yaml:"id"`
	PostID       string     `json:"submission_id" yaml:"submission_id"`
	ParentID     string     `json:"parent_id" yaml:"parent_id"`
	Author       string     `json:"author" yaml:"author"`
	Body         string     `json:"body" yaml:"body"`
	Score        int        `json:"score" yaml:"score"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at"`
	Edited       bool       `json:"edited" yaml:"edited"`
	IsRootAuthor bool       `json:"is_root_author" yaml:"is_root_author"`
	Depth        int        `json:"depth" yaml:"depth"`
	CollectedAt  time.Time  `json:"collected_at" yaml:"collected_at"`
	Replies      []*Comment `json:"replies" yaml:"replies"`

	// More holds the platform's unexpanded-children placeholder for this
	// node, if one was returned. Never serialized; the tree fetcher either
	// expands it or drops it.
	More *MoreStub `json:"-" yaml:"-"`
}

// MoreStub is the opaque "load more replies" continuation the platform emits
// in place of children it did not inline.
type MoreStub struct {
	ParentID string
	Count    int
	ChildIDs []string
}

// CountComments returns the number of comments in the forest including all
// nested replies.
func CountComments(comments []*Comment) int {
	n := len(comments)
	for _, c := range comments {
		n += CountComments(c.Replies)
	}
	return n
}
