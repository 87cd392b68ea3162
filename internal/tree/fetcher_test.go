package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/threadscout/threadscout/internal/core"
	"github.com/threadscout/threadscout/internal/source"
	"github.com/threadscout/threadscout/internal/source/mock"
)

func testPost() *core.Post {
	return &core.Post{ID: "p1", Source: "golang", Author: "op", Title: "weekly thread"}
}

func comment(id, author, body string, score int, replies ...*core.Comment) *core.Comment {
	return &core.Comment{ID: id, Author: author, Body: body, Score: score, Replies: replies}
}

func openPolicy() Policy {
	return Policy{MaxDepth: 4, MaxRepliesPerNode: 10, MinScore: -100}
}

func fetchAll(t *testing.T, forest *source.Forest, policy Policy) []*core.Comment {
	t.Helper()
	f := NewFetcher(mock.NewClient(), slog.Default())
	got, err := f.Fetch(context.Background(), forest, policy)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	return got
}

func walk(comments []*core.Comment, visit func(*core.Comment)) {
	for _, c := range comments {
		visit(c)
		walk(c.Replies, visit)
	}
}

func TestFetchAssignsDepthAndStopsAtBoundary(t *testing.T) {
	// A single chain five levels deep; MaxDepth 2 keeps three levels.
	chain := comment("c0", "a", "x", 1,
		comment("c1", "b", "x", 1,
			comment("c2", "c", "x", 1,
				comment("c3", "d", "x", 1,
					comment("c4", "e", "x", 1)))))
	forest := &source.Forest{Post: testPost(), Roots: []*core.Comment{chain}}

	policy := openPolicy()
	policy.MaxDepth = 2
	got := fetchAll(t, forest, policy)

	var ids []string
	walk(got, func(c *core.Comment) {
		ids = append(ids, c.ID)
		if c.Depth > 2 {
			t.Errorf("comment %s at depth %d exceeds the bound", c.ID, c.Depth)
		}
		for _, r := range c.Replies {
			if r.Depth != c.Depth+1 {
				t.Errorf("reply %s depth = %d, parent depth = %d", r.ID, r.Depth, c.Depth)
			}
		}
	})
	if len(ids) != 3 || ids[0] != "c0" || ids[2] != "c2" {
		t.Fatalf("retained ids = %v, want [c0 c1 c2]", ids)
	}
}

func TestFetchClampsFanOut(t *testing.T) {
	root := comment("root", "a", "x", 1)
	for i := 0; i < 7; i++ {
		root.Replies = append(root.Replies, comment(fmt.Sprintf("r%d", i), "b", "x", 1))
	}
	forest := &source.Forest{Post: testPost(), Roots: []*core.Comment{root}}

	policy := openPolicy()
	policy.MaxRepliesPerNode = 3
	got := fetchAll(t, forest, policy)

	if len(got) != 1 || len(got[0].Replies) != 3 {
		t.Fatalf("kept %d replies, want 3", len(got[0].Replies))
	}
	for i, r := range got[0].Replies {
		if want := fmt.Sprintf("r%d", i); r.ID != want {
			t.Errorf("reply %d = %s, want %s (platform order)", i, r.ID, want)
		}
	}
}

func TestFetchKeepsRootAuthorBelowMinScoreAtMaxDepth(t *testing.T) {
	// The post author's deep, heavily downvoted reply must survive when the
	// always-include policy is on.
	chain := comment("c0", "a", "x", 10,
		comment("c1", "b", "x", 10,
			comment("c2", "op", "x", -50)))
	forest := &source.Forest{Post: testPost(), Roots: []*core.Comment{chain}}

	policy := Policy{MaxDepth: 2, MaxRepliesPerNode: 10, MinScore: 0, AlwaysIncludeRootAuthor: true}
	got := fetchAll(t, forest, policy)

	var found *core.Comment
	walk(got, func(c *core.Comment) {
		if c.ID == "c2" {
			found = c
		}
	})
	if found == nil {
		t.Fatal("root author's comment was pruned")
	}
	if !found.IsRootAuthor {
		t.Error("IsRootAuthor not set from the post author match")
	}
	if found.Depth != 2 {
		t.Errorf("depth = %d, want 2", found.Depth)
	}
}

func TestFetchScorePruningWithReplySlack(t *testing.T) {
	root := comment("root", "a", "x", 5,
		comment("ok", "b", "x", -2),
		comment("low", "c", "x", -4))
	forest := &source.Forest{Post: testPost(), Roots: []*core.Comment{
		root,
		comment("weakroot", "d", "x", -1),
	}}

	policy := Policy{MaxDepth: 4, MaxRepliesPerNode: 10, MinScore: 0, ReplyScoreSlack: 3}
	got := fetchAll(t, forest, policy)

	var ids []string
	walk(got, func(c *core.Comment) { ids = append(ids, c.ID) })
	if len(ids) != 2 || ids[0] != "root" || ids[1] != "ok" {
		t.Fatalf("retained = %v, want [root ok]: slack applies below top level only", ids)
	}
}

func TestFetchKeywordGateAndContextPreservation(t *testing.T) {
	forest := &source.Forest{Post: testPost(), Roots: []*core.Comment{
		comment("hit", "a", "I benchmarked the new GC today", 5,
			comment("ctx", "b", "nice, which version?", 2)),
		comment("miss", "c", "unrelated chatter", 50),
	}}

	policy := openPolicy()
	policy.Keywords = []string{"gc"}
	policy.PreserveContext = true
	got := fetchAll(t, forest, policy)

	if len(got) != 1 || got[0].ID != "hit" {
		t.Fatalf("roots = %+v, want only the keyword match", got)
	}
	if len(got[0].Replies) != 1 || got[0].Replies[0].ID != "ctx" {
		t.Fatal("context reply under a relevant root was dropped")
	}

	policy.PreserveContext = false
	got = fetchAll(t, forest, policy)
	if len(got) != 1 || len(got[0].Replies) != 0 {
		t.Fatal("without context preservation the off-topic reply must be pruned")
	}
}

func TestFetchExpandsMoreStubsUpToLimit(t *testing.T) {
	client := mock.NewClient()
	client.QueueExpand("p1", []*core.Comment{comment("m1", "a", "x", 1)}, nil)

	root := comment("root", "a", "x", 1)
	root.More = &core.MoreStub{ParentID: "t1_root", Count: 1, ChildIDs: []string{"m1"}}
	second := comment("second", "b", "x", 1)
	second.More = &core.MoreStub{ParentID: "t1_second", Count: 2, ChildIDs: []string{"m2"}}
	forest := &source.Forest{Post: testPost(), Roots: []*core.Comment{root, second}}

	policy := openPolicy()
	policy.MoreExpansionLimit = 1
	f := NewFetcher(client, slog.Default())
	got, err := f.Fetch(context.Background(), forest, policy)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if client.ExpandCalls != 1 {
		t.Fatalf("ExpandCalls = %d, want 1 (expansion budget)", client.ExpandCalls)
	}
	if len(got) != 2 || len(got[0].Replies) != 1 || got[0].Replies[0].ID != "m1" {
		t.Fatalf("expanded reply not attached: %+v", got)
	}
	if len(got[1].Replies) != 0 {
		t.Fatal("second stub should have been dropped once the budget ran out")
	}
}

func TestFetchExpansionFailureDoesNotAbortSiblings(t *testing.T) {
	client := mock.NewClient()
	client.QueueExpand("p1", nil, &source.TransientError{Err: fmt.Errorf("boom")})

	broken := comment("broken", "a", "x", 1)
	broken.More = &core.MoreStub{ParentID: "t1_broken", Count: 3, ChildIDs: []string{"z"}}
	forest := &source.Forest{Post: testPost(), Roots: []*core.Comment{
		broken,
		comment("sibling", "b", "x", 1),
	}}

	f := NewFetcher(client, slog.Default())
	got, err := f.Fetch(context.Background(), forest, openPolicy())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("retained %d roots, want both despite the failed expansion", len(got))
	}
}

func TestFetchStopsOnAbortMarkedExpansionError(t *testing.T) {
	// An expansion failure wrapped with Abort must end the fetch and surface
	// the underlying error, instead of being swallowed like an ordinary
	// placeholder failure.
	budgetGone := errors.New("request budget exhausted")
	client := mock.NewClient()
	client.QueueExpand("p1", nil, Abort(budgetGone))

	broken := comment("broken", "a", "x", 1)
	broken.More = &core.MoreStub{ParentID: "t1_broken", Count: 3, ChildIDs: []string{"z"}}
	forest := &source.Forest{Post: testPost(), Roots: []*core.Comment{
		broken,
		comment("sibling", "b", "x", 1),
	}}

	f := NewFetcher(client, slog.Default())
	_, err := f.Fetch(context.Background(), forest, openPolicy())
	if !errors.Is(err, budgetGone) {
		t.Fatalf("Fetch err = %v, want the wrapped cause surfaced", err)
	}
}

func TestFetchExpandsBareRootPlaceholder(t *testing.T) {
	client := mock.NewClient()
	client.QueueExpand("p1", []*core.Comment{comment("late", "a", "x", 1)}, nil)

	forest := &source.Forest{Post: testPost(), Roots: []*core.Comment{
		comment("first", "b", "x", 1),
		{More: &core.MoreStub{ParentID: "t3_p1", Count: 5, ChildIDs: []string{"late"}}},
	}}

	f := NewFetcher(client, slog.Default())
	got, err := f.Fetch(context.Background(), forest, openPolicy())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 || got[1].ID != "late" {
		t.Fatalf("roots = %+v, want [first late]", got)
	}
	if got[1].Depth != 0 {
		t.Errorf("expanded root depth = %d, want 0", got[1].Depth)
	}
}

func TestFetchSkipsUnchangedSubtrees(t *testing.T) {
	forest := &source.Forest{Post: testPost(), Roots: []*core.Comment{
		comment("stale", "a", "x", 5, comment("child", "b", "x", 5)),
		comment("fresh", "c", "x", 5),
	}}

	policy := openPolicy()
	policy.Unchanged = func(c *core.Comment) bool { return c.ID == "stale" }
	got := fetchAll(t, forest, policy)

	if len(got) != 1 || got[0].ID != "fresh" {
		t.Fatalf("roots = %+v, want only the changed comment", got)
	}
}
