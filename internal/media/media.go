// ABOUTME: Temporary on-disk store for inbound message attachments
// ABOUTME: Files expire after a TTL and are swept by a background goroutine

package media

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Meta carries context about where an attachment came from.
type Meta struct {
	ConversationID string
	From           string
}

// Store persists attachments under a base directory and removes them once
// they outlive the TTL.
type Store struct {
	baseDir string
	ttl     time.Duration
	logger  *slog.Logger
	done    chan struct{}
	closed  bool
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// NewStore creates the base directory, runs an initial sweep, and starts
// the periodic cleanup goroutine.
func NewStore(baseDir string, ttl time.Duration, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}

	s := &Store{
		baseDir: baseDir,
		ttl:     ttl,
		logger:  logger,
		done:    make(chan struct{}),
	}
	s.sweep()

	interval := ttl / 2
	if interval > 6*time.Hour {
		interval = 6 * time.Hour
	}
	if interval < time.Minute {
		interval = time.Minute
	}
	go s.sweepLoop(interval)

	return s, nil
}

// SaveMedia writes attachment bytes to a timestamped file and returns its
// path. The filename extension comes from the original filename, falling
// back to the mimetype, falling back to .bin.
func (s *Store) SaveMedia(ctx context.Context, data []byte, filename, mimetype string, meta Meta) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty media payload")
	}

	ext := filepath.Ext(filename)
	if ext == "" && mimetype != "" {
		if exts, err := mime.ExtensionsByType(mimetype); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
	}
	if ext == "" {
		ext = ".bin"
	}

	conv := meta.ConversationID
	if conv == "" {
		conv = "unknown"
	}
	safeConv := unsafeChars.ReplaceAllString(conv, "_")

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	name := fmt.Sprintf("%s_%s_%s%s", stamp, safeConv, uuid.NewString()[:8], ext)
	path := filepath.Join(s.baseDir, name)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing media file: %w", err)
	}

	s.logger.Info("saved media attachment", "path", path, "from", meta.From, "size", len(data))
	return path, nil
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

// sweep removes files older than the TTL.
func (s *Store) sweep() {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		s.logger.Warn("failed to read media directory", "error", err)
		return
	}

	threshold := time.Now().Add(-s.ttl)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(threshold) {
			path := filepath.Join(s.baseDir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Warn("failed to remove expired media file", "path", path, "error", err)
				continue
			}
			s.logger.Debug("removed expired media file", "path", path)
		}
	}
}

// Dir returns the base directory.
func (s *Store) Dir() string {
	return s.baseDir
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *Store) Close() {
	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
