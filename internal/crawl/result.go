package crawl

import (
	"time"

	"github.com/threadscout/threadscout/internal/core"
	"github.com/threadscout/threadscout/internal/statestore"
)

// Mode selects how much previously captured content a run revisits.
type Mode string

const (
	// ModeFull recollects every item regardless of prior records.
	ModeFull Mode = "full"
	// ModeIncremental skips unchanged items and stops paging a recency
	// listing at the first unchanged post.
	ModeIncremental Mode = "incremental"
)

// Skip reasons reported in the run summary.
const (
	SkipTooOld           = "too_old"
	SkipLowScore         = "low_score"
	SkipIrrelevant       = "no_keyword_match"
	SkipRuleFiltered     = "rule_filtered"
	SkipUnchanged        = "unchanged"
	SkipFetchError       = "fetch_error"
	SkipForbiddenSource  = "forbidden_source"
	SkipListingAbandoned = "listing_abandoned"
)

// RunMetadata describes one crawl run for the output document.
type RunMetadata struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Mode       Mode      `json:"mode"`
	Sources    []string  `json:"sources"`
	Keywords   []string  `json:"keywords,omitempty"`
}

// Summary is the run's closing accounting: what was collected, what was
// skipped and why, and where the request budget ended up.
type Summary struct {
	PostsCollected    int                 `json:"posts_collected"`
	CommentsCollected int                 `json:"comments_collected"`
	Skipped           map[string]int      `json:"skipped,omitempty"`
	APIRequests       int                 `json:"api_requests"`
	RateState         statestore.RateState `json:"rate_state"`
}

// Result is the single structured document a run produces.
type Result struct {
	Metadata RunMetadata  `json:"run"`
	Posts    []*core.Post `json:"posts"`
	Summary  Summary      `json:"summary"`
}

func (r *Result) skip(reason string) {
	if r.Summary.Skipped == nil {
		r.Summary.Skipped = map[string]int{}
	}
	r.Summary.Skipped[reason]++
}
