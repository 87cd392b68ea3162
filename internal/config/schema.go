// Package config loads and validates the threadscout.yaml document and turns
// it into the runtime options the crawler consumes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/threadscout/threadscout/internal/crawl"
	"github.com/threadscout/threadscout/internal/ratelimit"
	"github.com/threadscout/threadscout/internal/source"
	"github.com/threadscout/threadscout/internal/tree"
)

// Document is the top-level structure of a threadscout.yaml file.
type Document struct {
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Comments  CommentsConfig  `yaml:"comments,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
	State     StateConfig     `yaml:"state,omitempty"`
	Output    OutputConfig    `yaml:"output,omitempty"`
	Schedule  *ScheduleConfig `yaml:"schedule,omitempty"`
}

// CrawlerConfig selects what gets crawled and how posts are filtered.
type CrawlerConfig struct {
	Sources         []string `yaml:"sources"`
	Keywords        []string `yaml:"keywords,omitempty"`
	Listings        []string `yaml:"listings,omitempty"`
	Mode            string   `yaml:"mode,omitempty"`
	PostsPerListing int      `yaml:"posts_per_listing,omitempty"`
	SearchLimit     int      `yaml:"search_limit,omitempty"`
	TimeFilter      string   `yaml:"time_filter,omitempty"`
	Lookback        Duration `yaml:"lookback,omitempty"`
	MinPostScore    int      `yaml:"min_post_score,omitempty"`
	StopOnUnchanged *bool    `yaml:"stop_on_unchanged,omitempty"`
	// FilterRule is an optional expression over post fields (title, body,
	// author, source, flair, score, num_comments, upvote_ratio); it must
	// evaluate to a bool and false drops the post.
	FilterRule string `yaml:"filter_rule,omitempty"`
}

// CommentsConfig controls comment-tree retention.
type CommentsConfig struct {
	MaxDepth                int      `yaml:"max_depth,omitempty"`
	MaxRepliesPerNode       int      `yaml:"max_replies_per_node,omitempty"`
	MinScore                *int     `yaml:"min_score,omitempty"`
	ReplyScoreSlack         *int     `yaml:"reply_score_slack,omitempty"`
	Keywords                []string `yaml:"keywords,omitempty"`
	AlwaysIncludeRootAuthor *bool    `yaml:"always_include_root_author,omitempty"`
	PreserveContext         *bool    `yaml:"preserve_context,omitempty"`
	// MoreExpansionLimit bounds "load more" expansions per post; -1 turns
	// expansion off.
	MoreExpansionLimit int `yaml:"more_expansion_limit,omitempty"`
	Limit              int `yaml:"limit,omitempty"`
	SearchLimit        int `yaml:"search_limit,omitempty"`
	SearchMaxDepth     int `yaml:"search_max_depth,omitempty"`
}

// RateLimitConfig tunes the request budget. Zero values fall back to the
// limiter's defaults.
type RateLimitConfig struct {
	Window             Duration `yaml:"window,omitempty"`
	WindowCap          int      `yaml:"window_cap,omitempty"`
	DailyCap           int      `yaml:"daily_cap,omitempty"`
	BackoffBase        Duration `yaml:"backoff_base,omitempty"`
	BackoffCeiling     Duration `yaml:"backoff_ceiling,omitempty"`
	BackoffJitter      Duration `yaml:"backoff_jitter,omitempty"`
	MaxThrottleRetries int      `yaml:"max_throttle_retries,omitempty"`
}

type StateConfig struct {
	Path string `yaml:"path,omitempty"`
}

type OutputConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// ScheduleConfig makes the crawler run on a cron schedule instead of once.
type ScheduleConfig struct {
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone,omitempty"`
}

const (
	defaultStatePath       = "threadscout.db"
	defaultOutputDir       = "out"
	defaultCommentMinScore = -5
	defaultReplySlack      = 3
)

// Load reads, parses and validates a config file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	doc.applyDefaults()
	return &doc, nil
}

func (d *Document) Validate() error {
	if len(d.Crawler.Sources) == 0 {
		return fmt.Errorf("crawler: at least one source is required")
	}
	switch d.Crawler.Mode {
	case "", string(crawl.ModeFull), string(crawl.ModeIncremental):
	default:
		return fmt.Errorf("crawler: mode must be %q or %q", crawl.ModeFull, crawl.ModeIncremental)
	}
	for i, l := range d.Crawler.Listings {
		if _, err := source.ParseListing(l); err != nil {
			return fmt.Errorf("crawler: listing %d: %w", i, err)
		}
	}
	if d.Crawler.Lookback < 0 {
		return fmt.Errorf("crawler: lookback must not be negative")
	}
	if d.Comments.MaxDepth < 0 {
		return fmt.Errorf("comments: max_depth must not be negative")
	}
	if d.Schedule != nil && d.Schedule.Cron == "" {
		return fmt.Errorf("schedule: cron expression is required")
	}
	return nil
}

func (d *Document) applyDefaults() {
	if d.State.Path == "" {
		d.State.Path = defaultStatePath
	}
	if d.Output.Dir == "" {
		d.Output.Dir = defaultOutputDir
	}
}

// CrawlOptions assembles the crawler's runtime options. Listing names were
// validated already.
func (d *Document) CrawlOptions() crawl.Options {
	var listings []source.Listing
	for _, l := range d.Crawler.Listings {
		parsed, _ := source.ParseListing(l)
		listings = append(listings, parsed)
	}

	policy := tree.Policy{
		MaxDepth:                d.Comments.MaxDepth,
		MaxRepliesPerNode:       d.Comments.MaxRepliesPerNode,
		MinScore:                intOr(d.Comments.MinScore, defaultCommentMinScore),
		ReplyScoreSlack:         intOr(d.Comments.ReplyScoreSlack, defaultReplySlack),
		Keywords:                d.Comments.Keywords,
		AlwaysIncludeRootAuthor: boolOr(d.Comments.AlwaysIncludeRootAuthor, true),
		PreserveContext:         boolOr(d.Comments.PreserveContext, true),
		MoreExpansionLimit:      d.Comments.MoreExpansionLimit,
	}
	searchPolicy := policy
	searchPolicy.MaxDepth = d.Comments.SearchMaxDepth
	if searchPolicy.MaxDepth <= 0 {
		// Keyword sweeps stay shallow; they exist to catch the post, not the
		// whole thread.
		searchPolicy.MaxDepth = 1
	}

	return crawl.Options{
		Sources:            d.Crawler.Sources,
		Keywords:           d.Crawler.Keywords,
		Listings:           listings,
		Mode:               crawl.Mode(d.Crawler.Mode),
		PostsPerListing:    d.Crawler.PostsPerListing,
		SearchLimit:        d.Crawler.SearchLimit,
		TimeFilter:         d.Crawler.TimeFilter,
		Lookback:           d.Crawler.Lookback.Std(),
		MinPostScore:       d.Crawler.MinPostScore,
		FilterRule:         d.Crawler.FilterRule,
		StopOnUnchanged:    boolOr(d.Crawler.StopOnUnchanged, true),
		CommentLimit:       d.Comments.Limit,
		SearchCommentLimit: d.Comments.SearchLimit,
		Comments:           policy,
		SearchComments:     searchPolicy,
	}
}

// RateConfig maps the rate_limit section onto the limiter's configuration.
func (d *Document) RateConfig() ratelimit.Config {
	return ratelimit.Config{
		Window:             d.RateLimit.Window.Std(),
		WindowCap:          d.RateLimit.WindowCap,
		DailyCap:           d.RateLimit.DailyCap,
		BackoffBase:        d.RateLimit.BackoffBase.Std(),
		BackoffCeiling:     d.RateLimit.BackoffCeiling.Std(),
		BackoffJitter:      d.RateLimit.BackoffJitter.Std(),
		MaxThrottleRetries: d.RateLimit.MaxThrottleRetries,
	}
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

// Duration is a yaml-friendly duration accepting the extended syntax from
// parseDurationExtended ("90m", "36h", "7d", "1w").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := parseDurationExtended(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
