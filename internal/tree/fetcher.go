// Package tree turns a raw comment forest into the retained conversation
// trees. Traversal runs over an explicit worklist so depth and fan-out bounds
// hold regardless of how deep the platform nests replies.
package tree

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/threadscout/threadscout/internal/core"
	"github.com/threadscout/threadscout/internal/source"
)

const (
	defaultMaxDepth          = 4
	defaultMaxRepliesPerNode = 10
	defaultExpansionLimit    = 3
)

// Policy controls which comments survive traversal.
type Policy struct {
	// MaxDepth is the deepest retained level; comments at the boundary are
	// kept without their children.
	MaxDepth int
	// MaxRepliesPerNode clamps the direct children walked under any node.
	MaxRepliesPerNode int
	// MinScore prunes comments below it. Replies are allowed ReplyScoreSlack
	// below MinScore so threads are not cut mid-conversation.
	MinScore        int
	ReplyScoreSlack int
	// Keywords gates top-level comments; empty means every comment is
	// relevant.
	Keywords []string
	// AlwaysIncludeRootAuthor retains the post author's comments regardless
	// of score or keyword relevance.
	AlwaysIncludeRootAuthor bool
	// PreserveContext skips the keyword gate below the top level so reply
	// chains under a relevant root stay intact.
	PreserveContext bool
	// MoreExpansionLimit bounds "load more" placeholder expansions per post.
	// Each expansion is a budgeted request, so this trades completeness for
	// crawl cost.
	MoreExpansionLimit int

	// Unchanged, when set, reports that a comment's prior capture is still
	// current; its subtree is then omitted from the output.
	Unchanged func(*core.Comment) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxDepth <= 0 {
		p.MaxDepth = defaultMaxDepth
	}
	if p.MaxRepliesPerNode <= 0 {
		p.MaxRepliesPerNode = defaultMaxRepliesPerNode
	}
	switch {
	case p.MoreExpansionLimit == 0:
		p.MoreExpansionLimit = defaultExpansionLimit
	case p.MoreExpansionLimit < 0:
		// Negative disables expansion entirely.
		p.MoreExpansionLimit = 0
	}
	return p
}

// Abort marks an expansion error that must end the whole fetch instead of
// costing only the failed placeholder. Clients wrap errors such as an
// exhausted request budget this way; everything else is isolated.
func Abort(err error) error {
	return &abortError{err: err}
}

type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

type Fetcher struct {
	client source.Client
	logger *slog.Logger
}

func NewFetcher(client source.Client, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, logger: logger}
}

type workItem struct {
	node   *core.Comment
	parent *core.Comment // nil for retained roots
	depth  int
}

// Fetch walks the forest and returns the retained root comments with their
// retained replies attached. Nodes are visited in platform order; a failed
// placeholder expansion drops only that placeholder.
func (f *Fetcher) Fetch(ctx context.Context, forest *source.Forest, policy Policy) ([]*core.Comment, error) {
	policy = policy.withDefaults()

	tracer := otel.Tracer("threadscout/tree")
	ctx, span := tracer.Start(ctx, "tree.fetch")
	if forest.Post != nil {
		span.SetAttributes(attribute.String("post.id", forest.Post.ID))
	}
	defer span.End()

	var (
		out        []*core.Comment
		stack      []workItem
		expansions int
	)
	fail := func(err error) ([]*core.Comment, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	push := func(nodes []*core.Comment, parent *core.Comment, depth int) {
		for i := len(nodes) - 1; i >= 0; i-- {
			stack = append(stack, workItem{node: nodes[i], parent: parent, depth: depth})
		}
	}
	push(forest.Roots, nil, 0)

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node := item.node

		// A bare placeholder carries no comment of its own; expand it in
		// place and walk the results at the same depth.
		if node.ID == "" && node.More != nil {
			expanded, ok, err := f.expand(ctx, forest, node.More, &expansions, policy)
			if err != nil {
				return fail(err)
			}
			if ok {
				push(expanded, item.parent, item.depth)
			}
			continue
		}

		node.Depth = item.depth
		if forest.Post != nil {
			node.PostID = forest.Post.ID
			if !node.IsRootAuthor && node.Author == forest.Post.Author && node.Author != "[deleted]" {
				node.IsRootAuthor = true
			}
		}

		if !f.retain(node, policy) {
			continue
		}
		if policy.Unchanged != nil && policy.Unchanged(node) {
			continue
		}

		children := node.Replies
		if item.depth < policy.MaxDepth && node.More != nil {
			expanded, ok, err := f.expand(ctx, forest, node.More, &expansions, policy)
			if err != nil {
				return fail(err)
			}
			if ok {
				children = append(children, expanded...)
			}
		}
		node.Replies = nil
		node.More = nil

		if item.parent == nil {
			out = append(out, node)
		} else {
			item.parent.Replies = append(item.parent.Replies, node)
		}

		if item.depth >= policy.MaxDepth {
			continue
		}
		if len(children) > policy.MaxRepliesPerNode {
			children = children[:policy.MaxRepliesPerNode]
		}
		push(children, node, item.depth+1)
	}

	span.SetAttributes(
		attribute.Int("tree.retained_roots", len(out)),
		attribute.Int("tree.expansions", expansions),
	)
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// retain applies the keep rules. Root-author comments bypass every other
// gate when the policy says so; otherwise a comment must clear the score
// threshold for its level and, at the top level (or whenever context
// preservation is off), match a monitored keyword.
func (f *Fetcher) retain(node *core.Comment, policy Policy) bool {
	if policy.AlwaysIncludeRootAuthor && node.IsRootAuthor {
		return true
	}

	threshold := policy.MinScore
	if node.Depth > 0 {
		threshold -= policy.ReplyScoreSlack
	}
	if node.Score < threshold {
		return false
	}

	if len(policy.Keywords) == 0 {
		return true
	}
	if node.Depth > 0 && policy.PreserveContext {
		return true
	}
	return matchesAny(node.Body, policy.Keywords)
}

func (f *Fetcher) expand(ctx context.Context, forest *source.Forest, stub *core.MoreStub, expansions *int, policy Policy) ([]*core.Comment, bool, error) {
	if *expansions >= policy.MoreExpansionLimit {
		return nil, false, nil
	}
	*expansions++

	postID := ""
	if forest.Post != nil {
		postID = forest.Post.ID
	}
	expanded, err := f.client.ExpandMore(ctx, postID, *stub)
	if err != nil {
		var abort *abortError
		if errors.As(err, &abort) {
			return nil, false, abort.err
		}
		f.logger.Warn("dropping unexpandable comment placeholder",
			"post_id", postID,
			"parent_id", stub.ParentID,
			"hidden_count", stub.Count,
			"error", err)
		return nil, false, nil
	}
	return expanded, true, nil
}

func matchesAny(body string, keywords []string) bool {
	lower := strings.ToLower(body)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
