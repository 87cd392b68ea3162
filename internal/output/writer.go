// Package output persists the run document a crawl produces. One JSON file
// per run, grouped by day, which is the layout downstream analysis stages
// pick up from.
package output

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/threadscout/threadscout/internal/crawl"
)

const platformDir = "reddit"

type Writer struct {
	root   string
	logger *slog.Logger

	now func() time.Time
}

func NewWriter(root string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{root: root, logger: logger, now: time.Now}
}

// Write stores the result as <root>/reddit/<date>/crawl_<timestamp>.json and
// returns the path.
func (w *Writer) Write(res *crawl.Result) (string, error) {
	now := w.now().UTC()
	dir := filepath.Join(w.root, platformDir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("crawl_%s.json", now.Format("20060102T150405Z")))
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode run document: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write run document: %w", err)
	}

	w.logger.Info("run document written",
		slog.String("path", path),
		slog.Int("posts", res.Summary.PostsCollected))
	return path, nil
}
