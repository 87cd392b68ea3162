package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/threadscout/threadscout/internal/crawl"
	"github.com/threadscout/threadscout/internal/source"
)

const sampleConfig = `
crawler:
  sources: [LocalLLaMA, MachineLearning]
  keywords: [benchmark, quantization]
  listings: [hot, new]
  mode: incremental
  posts_per_listing: 15
  lookback: 7d
  min_post_score: 10
  filter_rule: "num_comments > 2"
comments:
  max_depth: 3
  max_replies_per_node: 8
  min_score: 0
  reply_score_slack: 2
  preserve_context: true
rate_limit:
  window: 10m
  window_cap: 300
  daily_cap: 1000
  backoff_base: 30s
  backoff_ceiling: 8m
state:
  path: /var/lib/threadscout/state.db
output:
  dir: /var/lib/threadscout/out
schedule:
  cron: "0 */6 * * *"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threadscout.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesFullDocument(t *testing.T) {
	doc, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(doc.Crawler.Sources) != 2 {
		t.Errorf("sources = %v", doc.Crawler.Sources)
	}
	if doc.Crawler.Lookback.Std() != 7*24*time.Hour {
		t.Errorf("lookback = %s, want 168h", doc.Crawler.Lookback.Std())
	}
	if doc.RateLimit.BackoffCeiling.Std() != 8*time.Minute {
		t.Errorf("backoff ceiling = %s", doc.RateLimit.BackoffCeiling.Std())
	}
	if doc.Schedule == nil || doc.Schedule.Cron != "0 */6 * * *" {
		t.Errorf("schedule = %+v", doc.Schedule)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	doc, err := Load(writeConfig(t, "crawler:\n  sources: [golang]\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.State.Path != defaultStatePath {
		t.Errorf("state path = %q", doc.State.Path)
	}
	if doc.Output.Dir != defaultOutputDir {
		t.Errorf("output dir = %q", doc.Output.Dir)
	}
}

func TestCrawlOptionsMapping(t *testing.T) {
	doc, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := doc.CrawlOptions()

	if opts.Mode != crawl.ModeIncremental {
		t.Errorf("mode = %q", opts.Mode)
	}
	if len(opts.Listings) != 2 || opts.Listings[0] != source.ListingHot {
		t.Errorf("listings = %v", opts.Listings)
	}
	if !opts.StopOnUnchanged {
		t.Error("stop_on_unchanged must default to true")
	}
	if opts.Comments.MinScore != 0 {
		t.Errorf("explicit min_score 0 overridden: %d", opts.Comments.MinScore)
	}
	if opts.Comments.ReplyScoreSlack != 2 {
		t.Errorf("reply slack = %d", opts.Comments.ReplyScoreSlack)
	}
	if !opts.Comments.AlwaysIncludeRootAuthor {
		t.Error("always_include_root_author must default to true")
	}
	if opts.SearchComments.MaxDepth != 1 {
		t.Errorf("search depth = %d, want shallow default", opts.SearchComments.MaxDepth)
	}
}

func TestCrawlOptionsDefaultCommentScores(t *testing.T) {
	doc, err := Load(writeConfig(t, "crawler:\n  sources: [golang]\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := doc.CrawlOptions()
	if opts.Comments.MinScore != defaultCommentMinScore {
		t.Errorf("min_score = %d, want %d", opts.Comments.MinScore, defaultCommentMinScore)
	}
	if opts.Comments.ReplyScoreSlack != defaultReplySlack {
		t.Errorf("reply slack = %d, want %d", opts.Comments.ReplyScoreSlack, defaultReplySlack)
	}
}

func TestValidateRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no sources", "crawler: {}\n", "at least one source"},
		{"bad mode", "crawler:\n  sources: [golang]\n  mode: turbo\n", "mode must be"},
		{"bad listing", "crawler:\n  sources: [golang]\n  listings: [controversial]\n", "unsupported listing"},
		{"schedule without cron", "crawler:\n  sources: [golang]\nschedule:\n  timezone: UTC\n", "cron expression"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	var d Duration
	if err := yaml.Unmarshal([]byte(`"1w2d"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Std() != 9*24*time.Hour {
		t.Errorf("1w2d = %s", d.Std())
	}
	if err := yaml.Unmarshal([]byte(`"not a duration"`), &d); err == nil {
		t.Error("expected error for malformed duration")
	}
}
