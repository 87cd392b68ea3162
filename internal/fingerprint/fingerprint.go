// Package fingerprint computes change-detection hashes for posts and
// comments. A fingerprint is derived only from the fields that move when the
// item meaningfully changes (score, edit state, comment count); volatile
// fields such as collection timestamps never feed the hash. Fingerprints are
// compared against the crawl record to decide whether an item needs
// re-collection; they are not identity keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/threadscout/threadscout/internal/core"
)

// Post returns the change fingerprint for a post.
func Post(p *core.Post) string {
	return sum(p.ID, p.Score, p.Edited, p.NumComments)
}

// Comment returns the change fingerprint for a comment. Comments carry no
// child count of their own, so only score and edit state drive it.
func Comment(c *core.Comment) string {
	return sum(c.ID, c.Score, c.Edited, -1)
}

func sum(id string, score int, edited bool, numComments int) string {
	var b strings.Builder
	b.WriteString(id)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(score))
	b.WriteByte('|')
	b.WriteString(strconv.FormatBool(edited))
	if numComments >= 0 {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(numComments))
	}
	h := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(h[:])
}
