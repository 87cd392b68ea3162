// Package reddit implements source.Client against the Reddit API. Listings
// and keyword search go through the go-reddit client; comment forests and
// "load more" continuations use the public JSON endpoints directly, which
// expose per-node detail (link flair, edit state, submitter flag, more
// placeholders) the library does not surface.
package reddit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	goreddit "github.com/vartanbeno/go-reddit/v2/reddit"

	"github.com/threadscout/threadscout/internal/core"
	"github.com/threadscout/threadscout/internal/retry"
	"github.com/threadscout/threadscout/internal/source"
)

const defaultUserAgent = "threadscout/0.1"

// Credentials for the script-type Reddit app. All four must be set for an
// authenticated client; otherwise the read-only client is used.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

type Client struct {
	api       *goreddit.Client
	http      *http.Client
	userAgent string
	logger    *slog.Logger
	retryCfg  retry.Config

	// succeeded flips after the first clean response. A 401 before any
	// success means bad credentials; afterwards it is treated as a
	// throttle-style rejection, matching the platform's habit of answering
	// sustained load with auth-shaped errors.
	succeeded bool
}

func NewClient(creds Credentials, userAgent string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Timeout: timeout}

	var (
		api *goreddit.Client
		err error
	)
	if creds.ClientID != "" && creds.ClientSecret != "" && creds.Username != "" && creds.Password != "" {
		logger.Info("using authenticated Reddit client", slog.String("client_id", creds.ClientID))
		api, err = goreddit.NewClient(goreddit.Credentials{
			ID:       creds.ClientID,
			Secret:   creds.ClientSecret,
			Username: creds.Username,
			Password: creds.Password,
		}, goreddit.WithHTTPClient(httpClient), goreddit.WithUserAgent(userAgent))
	} else {
		logger.Info("using readonly Reddit client")
		api, err = goreddit.NewReadonlyClient(goreddit.WithHTTPClient(httpClient), goreddit.WithUserAgent(userAgent))
	}
	if err != nil {
		return nil, fmt.Errorf("init reddit client: %w", err)
	}

	return &Client{
		api:       api,
		http:      httpClient,
		userAgent: userAgent,
		logger:    logger,
		retryCfg:  retry.Config{Attempts: 3, BaseDelay: 200 * time.Millisecond},
	}, nil
}

func (c *Client) Posts(ctx context.Context, src string, listing source.Listing, opts source.ListOptions) ([]*core.Post, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 25
	}

	var posts []*goreddit.Post
	err := retry.Do(ctx, c.retryCfg, func() error {
		var (
			resp *goreddit.Response
			err  error
		)
		switch listing {
		case source.ListingHot:
			posts, resp, err = c.api.Subreddit.HotPosts(ctx, src, &goreddit.ListOptions{Limit: limit})
		case source.ListingNew:
			posts, resp, err = c.api.Subreddit.NewPosts(ctx, src, &goreddit.ListOptions{Limit: limit})
		case source.ListingRising:
			posts, resp, err = c.api.Subreddit.RisingPosts(ctx, src, &goreddit.ListOptions{Limit: limit})
		case source.ListingTop:
			posts, resp, err = c.api.Subreddit.TopPosts(ctx, src, &goreddit.ListPostOptions{
				ListOptions: goreddit.ListOptions{Limit: limit},
				Time:        timeFilter(opts.TimeFilter),
			})
		default:
			return retry.Stop(fmt.Errorf("unsupported listing %q", listing))
		}
		return c.finish(c.classify(src, resp, err))
	})
	if err != nil {
		return nil, err
	}

	out := make([]*core.Post, 0, len(posts))
	for _, p := range posts {
		if p == nil {
			continue
		}
		out = append(out, c.mapPost(src, p))
	}
	return out, nil
}

func (c *Client) Search(ctx context.Context, src, query string, opts source.SearchOptions) ([]*core.Post, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	sort := opts.Sort
	if sort == "" {
		sort = "relevance"
	}

	var posts []*goreddit.Post
	err := retry.Do(ctx, c.retryCfg, func() error {
		var (
			resp *goreddit.Response
			err  error
		)
		posts, resp, err = c.api.Subreddit.SearchPosts(ctx, query, src, &goreddit.ListPostSearchOptions{
			ListPostOptions: goreddit.ListPostOptions{
				ListOptions: goreddit.ListOptions{Limit: limit},
				Time:        timeFilter(opts.TimeFilter),
			},
			Sort: sort,
		})
		return c.finish(c.classify(src, resp, err))
	})
	if err != nil {
		return nil, err
	}

	out := make([]*core.Post, 0, len(posts))
	for _, p := range posts {
		if p == nil {
			continue
		}
		out = append(out, c.mapPost(src, p))
	}
	return out, nil
}

func (c *Client) mapPost(src string, p *goreddit.Post) *core.Post {
	return &core.Post{
		ID:          p.ID,
		Source:      src,
		Title:       p.Title,
		Body:        p.Body,
		Author:      p.Author,
		CreatedAt:   timestampToTime(p.Created),
		Score:       p.Score,
		UpvoteRatio: float64(p.UpvoteRatio),
		NumComments: p.NumberOfComments,
		URL:         canonicalURL(p.Permalink),
		Edited:      timestampSet(p.Edited),
		CollectedAt: time.Now().UTC(),
	}
}

// finish records success for the 401 disambiguation and converts transient
// classifications into retryable errors; everything else stops the retry
// loop immediately.
func (c *Client) finish(err error) error {
	if err == nil {
		c.succeeded = true
		return nil
	}
	if source.IsTransient(err) {
		return err
	}
	return retry.Stop(err)
}

// classify maps a go-reddit call result to the crawl error taxonomy; the
// response is nil on transport failure.
func (c *Client) classify(src string, resp *goreddit.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp == nil {
		return &source.TransientError{Err: err}
	}
	return c.classifyHTTP(src, resp.StatusCode, resp.Header, err)
}

func (c *Client) classifyHTTP(src string, status int, header http.Header, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &source.ThrottleError{RetryAfter: retryAfterHint(header), Err: err}
	case status == http.StatusUnauthorized:
		if c.succeeded {
			return &source.ThrottleError{Err: err}
		}
		return &source.AuthError{Err: err}
	case status == http.StatusForbidden || status == http.StatusNotFound:
		return &source.ForbiddenError{Source: src, Err: err}
	}
	return &source.TransientError{Err: err}
}

func retryAfterHint(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func timeFilter(tf string) string {
	if tf == "" {
		return "week"
	}
	return tf
}

func canonicalURL(permalink string) string {
	if permalink == "" {
		return ""
	}
	if strings.HasPrefix(permalink, "http://") || strings.HasPrefix(permalink, "https://") {
		return permalink
	}
	if strings.HasPrefix(permalink, "/") {
		return "https://www.reddit.com" + permalink
	}
	return "https://www.reddit.com/" + permalink
}

func timestampToTime(ts *goreddit.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.Time.UTC()
}

// timestampSet reports whether the platform recorded an edit; the API sends
// false (decoded as a zero timestamp) for never-edited items.
func timestampSet(ts *goreddit.Timestamp) bool {
	return ts != nil && !ts.Time.IsZero()
}
