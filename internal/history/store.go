// Package history replays persisted thread transcripts to seed a session's
// token totals, model tier, and cumulative cost.
package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"claude-relay/internal/cost"
)

const (
	seedTTL           = 5 * time.Minute
	cleanupInterval   = 10 * time.Minute
	maxTranscriptLine = 1024 * 1024 // 1 MB
)

// Seed is the replayed state of a thread at session creation.
type Seed struct {
	Usage   cost.Usage
	Premium bool
	Cost    float64
}

// record is one persisted transcript line. Only assistant records carry
// usage.
type record struct {
	Type  string `json:"type"`
	Model string `json:"model"`
	Usage *struct {
		InputTokens              int `json:"input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		OutputTokens             int `json:"output_tokens"`
	} `json:"usage"`
}

// Store reads `<dir>/<threadID>.jsonl` transcripts. Seeds are cached and
// invalidated when the underlying file changes.
type Store struct {
	dir     string
	cache   *gocache.Cache
	watcher *fsnotify.Watcher
	cancel  chan struct{}
	log     *zap.Logger
}

// NewStore creates a store for the given history directory. The directory
// is created if missing so the fsnotify watch can be established.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsW.Add(dir); err != nil {
		fsW.Close()
		return nil, err
	}

	s := &Store{
		dir:     dir,
		cache:   gocache.New(seedTTL, cleanupInterval),
		watcher: fsW,
		cancel:  make(chan struct{}),
		log:     log,
	}
	go s.watchLoop()
	return s, nil
}

// watchLoop drops cached seeds whose transcript changed on disk.
func (s *Store) watchLoop() {
	for {
		select {
		case <-s.cancel:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			threadID := strings.TrimSuffix(filepath.Base(event.Name), ".jsonl")
			s.cache.Delete(threadID)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("history watcher error", zap.Error(err))
		}
	}
}

// Seed replays the thread's transcript. A missing or unreadable transcript
// yields a zero seed; a reconnecting viewer starting fresh is not an error.
func (s *Store) Seed(threadID string) Seed {
	if cached, ok := s.cache.Get(threadID); ok {
		return cached.(Seed)
	}

	seed := s.replay(threadID)
	s.cache.Set(threadID, seed, gocache.DefaultExpiration)
	return seed
}

func (s *Store) replay(threadID string) Seed {
	f, err := os.Open(filepath.Join(s.dir, threadID+".jsonl"))
	if err != nil {
		return Seed{}
	}
	defer f.Close()

	var seed Seed
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, maxTranscriptLine), maxTranscriptLine)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Type != "assistant" || rec.Usage == nil {
			continue
		}

		premium := strings.Contains(rec.Model, "opus")
		u := cost.Usage{
			InputTokens:      rec.Usage.InputTokens,
			CacheWriteTokens: rec.Usage.CacheCreationInputTokens,
			CacheReadTokens:  rec.Usage.CacheReadInputTokens,
			OutputTokens:     rec.Usage.OutputTokens,
		}
		seed.Usage = seed.Usage.Add(u)
		seed.Cost += cost.Compute(u, premium)
		seed.Premium = premium
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("history replay error", zap.String("thread", threadID), zap.Error(err))
	}
	return seed
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.cancel)
	return s.watcher.Close()
}
