// Package artifacts persists uploaded image payloads to per-thread
// directories.
package artifacts

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// extByMediaType maps accepted media types to file extensions.
var extByMediaType = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Store writes decoded artifacts under a root directory, one subdirectory
// per thread.
type Store struct {
	dir string
	log *zap.Logger
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, log *zap.Logger) *Store {
	return &Store{dir: dir, log: log}
}

// Save decodes a base64 payload and writes it to
// <dir>/<threadID>/<uuid>.<ext>, returning the written path.
func (s *Store) Save(threadID, data, mediaType string) (string, error) {
	ext, ok := extByMediaType[mediaType]
	if !ok {
		return "", fmt.Errorf("unsupported media type: %s", mediaType)
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode image data: %w", err)
	}

	threadDir := filepath.Join(s.dir, threadID)
	if err := os.MkdirAll(threadDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}

	path := filepath.Join(threadDir, uuid.New().String()+ext)
	if err := os.WriteFile(path, decoded, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	s.log.Debug("artifact saved",
		zap.String("thread", threadID),
		zap.String("path", path),
		zap.Int("bytes", len(decoded)))
	return path, nil
}
