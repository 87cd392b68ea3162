package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/threadscout/threadscout/internal/core"
	"github.com/threadscout/threadscout/internal/retry"
	"github.com/threadscout/threadscout/internal/source"
)

const publicBaseURL = "https://www.reddit.com"

// CommentForest fetches a post's comment trees through the public JSON
// endpoint, which inlines nested replies and marks unexpanded children with
// "more" placeholder nodes.
func (c *Client) CommentForest(ctx context.Context, postID string, limit int) (*source.Forest, error) {
	if postID == "" {
		return nil, &source.MalformedError{Err: fmt.Errorf("post id is required")}
	}
	if limit <= 0 {
		limit = 20
	}

	endpoint := fmt.Sprintf("%s/comments/%s.json?limit=%d&raw_json=1", publicBaseURL, url.PathEscape(postID), limit)

	var payload []listingEnvelope
	if err := c.getJSON(ctx, "", endpoint, &payload); err != nil {
		return nil, err
	}
	if len(payload) < 2 {
		return nil, &source.MalformedError{Err: fmt.Errorf("comment page returned %d listings", len(payload))}
	}

	forest := &source.Forest{}
	for _, child := range payload[0].Data.Children {
		if child.Kind != kindPost {
			continue
		}
		var pd postPayload
		if err := json.Unmarshal(child.Data, &pd); err != nil {
			return nil, &source.MalformedError{Err: fmt.Errorf("decode post %s: %w", postID, err)}
		}
		forest.Post = pd.toPost()
		break
	}
	if forest.Post == nil {
		return nil, &source.MalformedError{Err: fmt.Errorf("comment page for %s has no post", postID)}
	}

	roots, err := decodeCommentChildren(payload[1].Data.Children, postID)
	if err != nil {
		return nil, err
	}
	if len(roots) > limit {
		roots = roots[:limit]
	}
	forest.Roots = roots
	return forest, nil
}

// ExpandMore resolves a "load more replies" placeholder. The endpoint
// returns the comments as a flat list; they are stitched back into trees
// here, returning the nodes whose parent is the placeholder's parent.
func (c *Client) ExpandMore(ctx context.Context, postID string, stub core.MoreStub) ([]*core.Comment, error) {
	if len(stub.ChildIDs) == 0 {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/api/morechildren.json?api_type=json&link_id=%s&children=%s&raw_json=1",
		publicBaseURL, url.QueryEscape(fullPostID(postID)), url.QueryEscape(strings.Join(stub.ChildIDs, ",")))

	var payload moreChildrenEnvelope
	if err := c.getJSON(ctx, "", endpoint, &payload); err != nil {
		return nil, err
	}

	flat := make([]*core.Comment, 0, len(payload.JSON.Data.Things))
	byFullID := make(map[string]*core.Comment, len(payload.JSON.Data.Things))
	parents := make(map[string]string, len(payload.JSON.Data.Things))
	for _, thing := range payload.JSON.Data.Things {
		if thing.Kind != kindComment {
			continue
		}
		var cd commentPayload
		if err := json.Unmarshal(thing.Data, &cd); err != nil {
			c.logger.Warn("skipping undecodable comment in more-children batch", "post_id", postID, "error", err)
			continue
		}
		comment := cd.toComment(postID)
		flat = append(flat, comment)
		byFullID[fullCommentID(comment.ID)] = comment
		parents[fullCommentID(comment.ID)] = cd.ParentID
	}

	// Reattach children that arrived in the same batch; everything whose
	// parent is the stub's parent (or outside the batch) surfaces as a root
	// of the expansion.
	var roots []*core.Comment
	for _, comment := range flat {
		parentID := parents[fullCommentID(comment.ID)]
		if parent, ok := byFullID[parentID]; ok && parentID != stub.ParentID {
			parent.Replies = append(parent.Replies, comment)
			continue
		}
		roots = append(roots, comment)
	}
	return roots, nil
}

func (c *Client) getJSON(ctx context.Context, src, endpoint string, out any) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Stop(&source.MalformedError{Err: err})
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return &source.TransientError{Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			classified := c.classifyHTTP(src, resp.StatusCode, resp.Header, fmt.Errorf("%s returned %s", endpoint, resp.Status))
			return c.finish(classified)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Stop(&source.MalformedError{Err: fmt.Errorf("decode %s: %w", endpoint, err)})
		}
		c.succeeded = true
		return nil
	})
}

const (
	kindComment = "t1"
	kindPost    = "t3"
	kindMore    = "more"
)

type listingEnvelope struct {
	Kind string `json:"kind"`
	Data struct {
		Children []thingEnvelope `json:"children"`
	} `json:"data"`
}

type thingEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type moreChildrenEnvelope struct {
	JSON struct {
		Data struct {
			Things []thingEnvelope `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

type postPayload struct {
	ID            string          `json:"id"`
	Subreddit     string          `json:"subreddit"`
	Title         string          `json:"title"`
	SelfText      string          `json:"selftext"`
	Author        string          `json:"author"`
	Score         int             `json:"score"`
	UpvoteRatio   float64         `json:"upvote_ratio"`
	NumComments   int             `json:"num_comments"`
	Permalink     string          `json:"permalink"`
	LinkFlairText string          `json:"link_flair_text"`
	Edited        json.RawMessage `json:"edited"`
	CreatedUTC    float64         `json:"created_utc"`
}

func (pd *postPayload) toPost() *core.Post {
	return &core.Post{
		ID:          pd.ID,
		Source:      pd.Subreddit,
		Title:       pd.Title,
		Body:        pd.SelfText,
		Author:      pd.Author,
		CreatedAt:   time.Unix(int64(pd.CreatedUTC), 0).UTC(),
		Score:       pd.Score,
		UpvoteRatio: pd.UpvoteRatio,
		NumComments: pd.NumComments,
		URL:         canonicalURL(pd.Permalink),
		Flair:       pd.LinkFlairText,
		Edited:      editedFlag(pd.Edited),
		CollectedAt: time.Now().UTC(),
	}
}

type commentPayload struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id"`
	Author      string          `json:"author"`
	Body        string          `json:"body"`
	Score       int             `json:"score"`
	CreatedUTC  float64         `json:"created_utc"`
	Edited      json.RawMessage `json:"edited"`
	IsSubmitter bool            `json:"is_submitter"`
	Replies     json.RawMessage `json:"replies"`
}

func (cd *commentPayload) toComment(postID string) *core.Comment {
	return &core.Comment{
		ID:           cd.ID,
		PostID:       postID,
		ParentID:     cd.ParentID,
		Author:       authorOrDeleted(cd.Author),
		Body:         cd.Body,
		Score:        cd.Score,
		CreatedAt:    time.Unix(int64(cd.CreatedUTC), 0).UTC(),
		Edited:       editedFlag(cd.Edited),
		IsRootAuthor: cd.IsSubmitter,
		CollectedAt:  time.Now().UTC(),
	}
}

func decodeCommentChildren(children []thingEnvelope, postID string) ([]*core.Comment, error) {
	var out []*core.Comment
	for _, child := range children {
		switch child.Kind {
		case kindComment:
			var cd commentPayload
			if err := json.Unmarshal(child.Data, &cd); err != nil {
				return nil, &source.MalformedError{Err: fmt.Errorf("decode comment: %w", err)}
			}
			comment := cd.toComment(postID)
			if trimmed := strings.TrimSpace(comment.Body); trimmed == "" || trimmed == "[deleted]" || trimmed == "[removed]" {
				continue
			}
			if len(cd.Replies) > 0 && cd.Replies[0] == '{' {
				var nested listingEnvelope
				if err := json.Unmarshal(cd.Replies, &nested); err != nil {
					return nil, &source.MalformedError{Err: fmt.Errorf("decode replies of %s: %w", cd.ID, err)}
				}
				replies, err := decodeCommentChildren(nested.Data.Children, postID)
				if err != nil {
					return nil, err
				}
				for _, r := range replies {
					if r.More != nil && r.ID == "" {
						// A bare placeholder child attaches to this node.
						comment.More = r.More
						continue
					}
					comment.Replies = append(comment.Replies, r)
				}
			}
			out = append(out, comment)
		case kindMore:
			var md moreFragment
			if err := json.Unmarshal(child.Data, &md); err != nil {
				return nil, &source.MalformedError{Err: fmt.Errorf("decode more stub: %w", err)}
			}
			if len(md.Children) == 0 {
				continue
			}
			out = append(out, &core.Comment{More: &core.MoreStub{
				ParentID: md.ParentID,
				Count:    md.Count,
				ChildIDs: md.Children,
			}})
		}
	}
	return out, nil
}

type moreFragment struct {
	Count    int      `json:"count"`
	ParentID string   `json:"parent_id"`
	Children []string `json:"children"`
}

func authorOrDeleted(author string) string {
	if author == "" {
		return "[deleted]"
	}
	return author
}

// editedFlag decodes the platform's edited field, which is false for
// untouched items and an epoch timestamp once edited.
func editedFlag(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "false" && s != "null"
}

func fullPostID(id string) string {
	if strings.HasPrefix(id, "t3_") {
		return id
	}
	return "t3_" + id
}

func fullCommentID(id string) string {
	if strings.HasPrefix(id, "t1_") {
		return id
	}
	return "t1_" + id
}
