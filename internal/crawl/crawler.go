// Package crawl orchestrates a run: sources crossed with listing strategies
// and keyword searches, a request budget spent through the rate limiter,
// fingerprint-driven change detection against the record store, and bounded
// comment-tree fetching for every retained post. All per-item failures stay
// per-item; only credential rejection and exhausted throttle retries abort a
// run.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/threadscout/threadscout/internal/core"
	"github.com/threadscout/threadscout/internal/fingerprint"
	"github.com/threadscout/threadscout/internal/ratelimit"
	"github.com/threadscout/threadscout/internal/source"
	"github.com/threadscout/threadscout/internal/statestore"
	"github.com/threadscout/threadscout/internal/tree"
)

// searchScopeSuffix separates search-discovered records from listing records
// so the two discovery paths keep independent change bookkeeping.
const searchScopeSuffix = "_search"

type Options struct {
	Sources  []string
	Keywords []string
	Listings []source.Listing
	Mode     Mode

	PostsPerListing int
	SearchLimit     int
	// TimeFilter applies to the top listing and searches (hour..all).
	TimeFilter string

	// Lookback drops posts older than the window; zero disables the gate.
	Lookback     time.Duration
	MinPostScore int
	// FilterRule is an optional expression evaluated per post; it must
	// return a bool and false drops the post.
	FilterRule string

	// StopOnUnchanged enables the incremental early-stop: the first
	// unchanged post ends that listing's paging. It assumes the listing is
	// recency-ordered; turning it off trades request budget for recall.
	StopOnUnchanged bool

	// CommentLimit bounds root comments requested per post; the search
	// variants are shallower so keyword sweeps stay cheap.
	CommentLimit       int
	SearchCommentLimit int
	Comments           tree.Policy
	SearchComments     tree.Policy
}

func (o *Options) applyDefaults() {
	if len(o.Listings) == 0 {
		o.Listings = source.DefaultListings
	}
	if o.Mode == "" {
		o.Mode = ModeIncremental
	}
	if o.PostsPerListing <= 0 {
		o.PostsPerListing = 25
	}
	if o.SearchLimit <= 0 {
		o.SearchLimit = 10
	}
	if o.CommentLimit <= 0 {
		o.CommentLimit = 20
	}
	if o.SearchCommentLimit <= 0 {
		o.SearchCommentLimit = 10
	}
	if o.SearchComments.MaxDepth == 0 && o.SearchComments.MaxRepliesPerNode == 0 {
		o.SearchComments = o.Comments
		o.SearchComments.MaxDepth = 1
	}
}

type Crawler struct {
	client  source.Client
	limiter *ratelimit.Limiter
	store   statestore.Store
	fetcher *tree.Fetcher
	filter  *postFilter
	opts    Options
	logger  *slog.Logger
}

func New(client source.Client, limiter *ratelimit.Limiter, store statestore.Store, opts Options, logger *slog.Logger) (*Crawler, error) {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	filter, err := newPostFilter(opts.Lookback, opts.MinPostScore, opts.Keywords, opts.FilterRule)
	if err != nil {
		return nil, err
	}
	c := &Crawler{
		client:  client,
		limiter: limiter,
		store:   store,
		filter:  filter,
		opts:    opts,
		logger:  logger,
	}
	// The fetcher sees a wrapped client so placeholder expansions spend
	// request budget like every other platform call.
	c.fetcher = tree.NewFetcher(&expansionClient{Client: client, crawler: c}, logger)
	return c, nil
}

// expansionClient meters the tree fetcher's "load more" calls through the
// rate limiter. Errors that only cost the placeholder are returned raw for
// the fetcher to isolate; anything that must end the run is marked so the
// fetch aborts and the error surfaces.
type expansionClient struct {
	source.Client
	crawler *Crawler
}

func (e *expansionClient) ExpandMore(ctx context.Context, postID string, stub core.MoreStub) ([]*core.Comment, error) {
	var out []*core.Comment
	err := e.crawler.budgeted(ctx, func() (err error) {
		out, err = e.Client.ExpandMore(ctx, postID, stub)
		return err
	})
	if err != nil {
		reacted := e.crawler.react(ctx, err)
		if errors.Is(reacted, errSkipItem) || errors.Is(reacted, errAbandonListing) {
			return nil, err
		}
		return nil, tree.Abort(reacted)
	}
	return out, nil
}

// Run executes one crawl over all configured sources and returns the run
// document. The result is populated even when the run aborts early, so the
// caller can still write out what was collected.
func (c *Crawler) Run(ctx context.Context) (*Result, error) {
	tracer := otel.Tracer("threadscout/crawl")
	ctx, span := tracer.Start(ctx, "crawl.run")
	span.SetAttributes(
		attribute.String("crawl.mode", string(c.opts.Mode)),
		attribute.Int("crawl.sources", len(c.opts.Sources)),
		attribute.Int("crawl.keywords", len(c.opts.Keywords)),
	)
	defer span.End()

	if err := c.limiter.Load(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := &Result{Metadata: RunMetadata{
		StartedAt: time.Now().UTC(),
		Mode:      c.opts.Mode,
		Sources:   c.opts.Sources,
		Keywords:  c.opts.Keywords,
	}}
	set := newResultSet()

	var runErr error
	for _, src := range c.opts.Sources {
		err := c.crawlSource(ctx, src, set, res)
		if err == nil {
			continue
		}
		if errors.Is(err, ratelimit.ErrDailyBudgetExhausted) {
			c.logger.Warn("daily request budget exhausted, ending run early", slog.String("source", src))
			break
		}
		runErr = err
		break
	}

	res.Metadata.FinishedAt = time.Now().UTC()
	res.Posts = set.posts()
	res.Summary.PostsCollected = len(res.Posts)
	for _, p := range res.Posts {
		res.Summary.CommentsCollected += core.CountComments(p.Comments)
	}
	res.Summary.APIRequests = c.limiter.Requests()
	res.Summary.RateState = c.limiter.State()

	span.SetAttributes(
		attribute.Int("crawl.posts_collected", res.Summary.PostsCollected),
		attribute.Int("crawl.comments_collected", res.Summary.CommentsCollected),
		attribute.Int("crawl.api_requests", res.Summary.APIRequests),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	c.logger.Info("crawl finished",
		slog.Int("posts", res.Summary.PostsCollected),
		slog.Int("comments", res.Summary.CommentsCollected),
		slog.Int("api_requests", res.Summary.APIRequests),
		slog.Any("skipped", res.Summary.Skipped))
	return res, runErr
}

func (c *Crawler) crawlSource(ctx context.Context, src string, set *resultSet, res *Result) error {
	ctx, span := otel.Tracer("threadscout/crawl").Start(ctx, "crawl.source")
	span.SetAttributes(attribute.String("crawl.source", src))
	defer span.End()

	if last, ok, err := c.store.LastCrawl(ctx, src); err == nil && ok {
		c.logger.Info("crawling source", slog.String("source", src), slog.Time("last_crawl", last))
	} else {
		c.logger.Info("crawling source for the first time", slog.String("source", src))
	}

	pending := map[string]statestore.Record{}
	searchPending := map[string]statestore.Record{}

	// Records are flushed even when the run aborts mid-source, so work
	// already done keeps its incremental bookkeeping.
	crawlErr := c.crawlSourceItems(ctx, src, set, res, pending, searchPending)

	if len(pending) > 0 {
		if err := c.store.PutRecords(ctx, src, pending); err != nil {
			if crawlErr == nil {
				return fmt.Errorf("persist crawl records for %s: %w", src, err)
			}
			c.logger.Error("failed to persist crawl records", slog.String("source", src), slog.Any("error", err))
		}
	}
	if len(searchPending) > 0 {
		if err := c.store.PutRecords(ctx, src+searchScopeSuffix, searchPending); err != nil {
			if crawlErr == nil {
				return fmt.Errorf("persist search records for %s: %w", src, err)
			}
			c.logger.Error("failed to persist search records", slog.String("source", src), slog.Any("error", err))
		}
	}
	if crawlErr != nil {
		span.RecordError(crawlErr)
		span.SetStatus(codes.Error, crawlErr.Error())
		return crawlErr
	}
	if err := c.store.SetLastCrawl(ctx, src, time.Now().UTC()); err != nil {
		return fmt.Errorf("stamp last crawl for %s: %w", src, err)
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *Crawler) crawlSourceItems(ctx context.Context, src string, set *resultSet, res *Result, pending, searchPending map[string]statestore.Record) error {
	for _, listing := range c.opts.Listings {
		err := c.crawlListing(ctx, src, listing, set, res, pending)
		switch {
		case err == nil:
		case errors.Is(err, errSkipItem), errors.Is(err, errAbandonListing):
			res.skip(SkipListingAbandoned)
			c.logger.Warn("listing abandoned",
				slog.String("source", src), slog.String("listing", string(listing)), slog.Any("cause", err))
		case errors.Is(err, errSkipSource):
			res.skip(SkipForbiddenSource)
			c.logger.Warn("source not accessible, skipping", slog.String("source", src))
			return nil
		default:
			return err
		}
	}

	for _, kw := range c.opts.Keywords {
		err := c.crawlSearch(ctx, src, kw, set, res, searchPending)
		switch {
		case err == nil:
		case errors.Is(err, errSkipItem), errors.Is(err, errAbandonListing):
			res.skip(SkipListingAbandoned)
			c.logger.Warn("search abandoned",
				slog.String("source", src), slog.String("keyword", kw), slog.Any("cause", err))
		case errors.Is(err, errSkipSource):
			res.skip(SkipForbiddenSource)
			c.logger.Warn("source not accessible, skipping", slog.String("source", src))
			return nil
		default:
			return err
		}
	}

	return nil
}

func (c *Crawler) crawlListing(ctx context.Context, src string, listing source.Listing, set *resultSet, res *Result, pending map[string]statestore.Record) error {
	var posts []*core.Post
	err := c.budgeted(ctx, func() (err error) {
		posts, err = c.client.Posts(ctx, src, listing, source.ListOptions{
			Limit:      c.opts.PostsPerListing,
			TimeFilter: c.opts.TimeFilter,
		})
		return err
	})
	if err != nil {
		return c.react(ctx, err)
	}

	for _, post := range posts {
		_, reason, ferr := c.filter.evaluate(post, true)
		if ferr != nil {
			c.logger.Warn("filter rule failed, keeping post", slog.String("post_id", post.ID), slog.Any("error", ferr))
		}
		if reason != "" {
			res.skip(reason)
			continue
		}

		fp := fingerprint.Post(post)
		if c.opts.Mode == ModeIncremental {
			rec, ok, err := c.store.Record(ctx, src, post.ID)
			if err != nil {
				return fmt.Errorf("read record %s/%s: %w", src, post.ID, err)
			}
			if ok && rec.Fingerprint == fp {
				pending[post.ID] = statestore.Record{Fingerprint: fp, LastSeen: time.Now().UTC()}
				res.skip(SkipUnchanged)
				if c.opts.StopOnUnchanged {
					// Everything below an unchanged post in a
					// recency-ordered listing was captured before.
					c.logger.Debug("unchanged post, stopping listing",
						slog.String("source", src), slog.String("listing", string(listing)), slog.String("post_id", post.ID))
					break
				}
				continue
			}
		}

		err := c.collectPost(ctx, src, post, fp, c.opts.Comments, c.opts.CommentLimit, set, res, pending)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) crawlSearch(ctx context.Context, src, keyword string, set *resultSet, res *Result, pending map[string]statestore.Record) error {
	var posts []*core.Post
	err := c.budgeted(ctx, func() (err error) {
		posts, err = c.client.Search(ctx, src, keyword, source.SearchOptions{
			Limit:      c.opts.SearchLimit,
			TimeFilter: c.opts.TimeFilter,
		})
		return err
	})
	if err != nil {
		return c.react(ctx, err)
	}

	scope := src + searchScopeSuffix
	for _, post := range posts {
		// Search hits match the keyword by construction; only the recency,
		// score and rule gates apply.
		_, reason, ferr := c.filter.evaluate(post, false)
		if ferr != nil {
			c.logger.Warn("filter rule failed, keeping post", slog.String("post_id", post.ID), slog.Any("error", ferr))
		}
		if reason != "" {
			res.skip(reason)
			continue
		}
		post.MatchedKeyword = keyword

		fp := fingerprint.Post(post)
		if c.opts.Mode == ModeIncremental {
			rec, ok, err := c.store.Record(ctx, scope, post.ID)
			if err != nil {
				return fmt.Errorf("read record %s/%s: %w", scope, post.ID, err)
			}
			if ok && rec.Fingerprint == fp {
				// Search results are relevance-ordered, so an unchanged hit
				// says nothing about the ones after it.
				pending[post.ID] = statestore.Record{Fingerprint: fp, LastSeen: time.Now().UTC()}
				res.skip(SkipUnchanged)
				continue
			}
		}

		err := c.collectPost(ctx, scope, post, fp, c.opts.SearchComments, c.opts.SearchCommentLimit, set, res, pending)
		if err != nil {
			return err
		}
	}
	return nil
}

// collectPost spends one request on the post's comment page, runs the tree
// fetch, and stages record updates for the post and every retained comment.
func (c *Crawler) collectPost(ctx context.Context, recordScope string, post *core.Post, fp string, policy tree.Policy, limit int, set *resultSet, res *Result, pending map[string]statestore.Record) error {
	var forest *source.Forest
	err := c.budgeted(ctx, func() (err error) {
		forest, err = c.client.CommentForest(ctx, post.ID, limit)
		return err
	})
	if err != nil {
		reacted := c.react(ctx, err)
		if errors.Is(reacted, errSkipItem) {
			res.skip(SkipFetchError)
			c.logger.Warn("skipping post after fetch failure",
				slog.String("source", post.Source), slog.String("post_id", post.ID), slog.Any("error", err))
			return nil
		}
		return reacted
	}

	// The comment page carries fields the listing omits (flair); prefer it
	// but keep the discovery provenance. The record keeps the listing-side
	// fingerprint, which is what the next run will compare against.
	if forest.Post != nil {
		forest.Post.Source = post.Source
		forest.Post.MatchedKeyword = post.MatchedKeyword
		post = forest.Post
	}

	if c.opts.Mode == ModeIncremental {
		policy.Unchanged = func(cm *core.Comment) bool {
			rec, ok, err := c.store.Record(ctx, recordScope, cm.ID)
			return err == nil && ok && rec.Fingerprint == fingerprint.Comment(cm)
		}
	}

	comments, err := c.fetcher.Fetch(ctx, forest, policy)
	if err != nil {
		return err
	}
	post.Comments = comments
	post.CollectedAt = time.Now().UTC()
	set.add(post)

	now := time.Now().UTC()
	pending[post.ID] = statestore.Record{Fingerprint: fp, LastSeen: now}
	stageComments(comments, now, pending)
	return nil
}

func stageComments(comments []*core.Comment, now time.Time, pending map[string]statestore.Record) {
	for _, cm := range comments {
		pending[cm.ID] = statestore.Record{Fingerprint: fingerprint.Comment(cm), LastSeen: now}
		stageComments(cm.Replies, now, pending)
	}
}

// Internal routing sentinels for per-scope error isolation.
var (
	errSkipItem       = errors.New("skip item")
	errAbandonListing = errors.New("abandon listing")
	errSkipSource     = errors.New("skip source")
)

// budgeted acquires a request slot, runs the call, and clears the throttle
// streak on success.
func (c *Crawler) budgeted(ctx context.Context, fn func() error) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	c.limiter.OnSuccess()
	return nil
}

// react maps a failed platform call to its blast radius: throttles back off
// and abandon the listing, credential rejection aborts the run, forbidden
// sources are skipped whole, and everything else costs one item.
func (c *Crawler) react(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ratelimit.ErrDailyBudgetExhausted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	if hint, ok := source.IsThrottle(err); ok {
		if berr := c.limiter.OnThrottled(ctx, hint); berr != nil {
			return fmt.Errorf("aborting run: %w", berr)
		}
		return fmt.Errorf("%w: %v", errAbandonListing, err)
	}
	switch {
	case source.IsAuth(err):
		return fmt.Errorf("aborting run: %w", err)
	case source.IsForbidden(err):
		return fmt.Errorf("%w: %v", errSkipSource, err)
	default:
		return fmt.Errorf("%w: %v", errSkipItem, err)
	}
}
