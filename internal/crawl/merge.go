package crawl

import "github.com/threadscout/threadscout/internal/core"

// resultSet accumulates posts deduplicated by ID across the listing and
// search discovery paths, preserving first-seen order. A post reached twice
// keeps one entry; its comment lists are merged uniquely by comment ID.
type resultSet struct {
	order []string
	byID  map[string]*core.Post
}

func newResultSet() *resultSet {
	return &resultSet{byID: map[string]*core.Post{}}
}

func (rs *resultSet) add(p *core.Post) {
	existing, ok := rs.byID[p.ID]
	if !ok {
		rs.order = append(rs.order, p.ID)
		rs.byID[p.ID] = p
		return
	}
	existing.Comments = mergeComments(existing.Comments, p.Comments)
	if existing.MatchedKeyword == "" {
		existing.MatchedKeyword = p.MatchedKeyword
	}
}

func (rs *resultSet) posts() []*core.Post {
	out := make([]*core.Post, 0, len(rs.order))
	for _, id := range rs.order {
		out = append(out, rs.byID[id])
	}
	return out
}

// mergeComments appends the src roots whose IDs are not already present in
// dst. Trees are merged whole at the root level; a root seen twice keeps its
// first capture.
func mergeComments(dst, src []*core.Comment) []*core.Comment {
	seen := make(map[string]struct{}, len(dst))
	for _, c := range dst {
		seen[c.ID] = struct{}{}
	}
	for _, c := range src {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		dst = append(dst, c)
	}
	return dst
}
