package crawl

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/threadscout/threadscout/internal/core"
)

// postFilter applies the source-level gates to a listed post before any
// comment budget is spent on it: recency window, minimum score, keyword
// relevance over title+body, and an optional user-supplied keep rule.
type postFilter struct {
	lookback time.Duration
	minScore int
	keywords []string
	program  *vm.Program

	now func() time.Time
}

func newPostFilter(lookback time.Duration, minScore int, keywords []string, rule string) (*postFilter, error) {
	f := &postFilter{
		lookback: lookback,
		minScore: minScore,
		keywords: keywords,
		now:      time.Now,
	}
	if rule != "" {
		program, err := expr.Compile(rule, expr.Env(map[string]interface{}{}))
		if err != nil {
			return nil, fmt.Errorf("compile filter rule: %w", err)
		}
		f.program = program
	}
	return f, nil
}

// evaluate returns the matched keyword and an empty reason when the post
// passes, or the skip reason otherwise. checkKeywords is off for
// search-discovered posts, which are relevant by construction.
func (f *postFilter) evaluate(p *core.Post, checkKeywords bool) (keyword, reason string, err error) {
	if f.lookback > 0 && !p.CreatedAt.IsZero() && f.now().UTC().Sub(p.CreatedAt) > f.lookback {
		return "", SkipTooOld, nil
	}
	if p.Score < f.minScore {
		return "", SkipLowScore, nil
	}
	if checkKeywords && len(f.keywords) > 0 {
		keyword = matchKeyword(p, f.keywords)
		if keyword == "" {
			return "", SkipIrrelevant, nil
		}
	}
	if f.program != nil {
		keep, err := f.runRule(p)
		if err != nil {
			return "", "", err
		}
		if !keep {
			return "", SkipRuleFiltered, nil
		}
	}
	return keyword, "", nil
}

func (f *postFilter) runRule(p *core.Post) (bool, error) {
	env := map[string]interface{}{
		"title":        p.Title,
		"body":         p.Body,
		"author":       p.Author,
		"source":       p.Source,
		"flair":        p.Flair,
		"score":        p.Score,
		"num_comments": p.NumComments,
		"upvote_ratio": p.UpvoteRatio,
	}
	result, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("run filter rule: %w", err)
	}
	keep, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("filter rule returned %T, want bool", result)
	}
	return keep, nil
}

func matchKeyword(p *core.Post, keywords []string) string {
	title := strings.ToLower(p.Title)
	body := strings.ToLower(p.Body)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		lower := strings.ToLower(kw)
		if strings.Contains(title, lower) || strings.Contains(body, lower) {
			return kw
		}
	}
	return ""
}
