package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"claude-relay/internal/history"
)

// Seeder replays persisted thread history at session creation.
type Seeder interface {
	Seed(threadID string) history.Seed
}

// ArtifactSaver persists an uploaded image for a thread.
type ArtifactSaver interface {
	Save(threadID, data, mediaType string) (string, error)
}

// Options configure registry-owned sessions.
type Options struct {
	GracePeriod      time.Duration
	MaxContextTokens int
	ShutdownTimeout  time.Duration
}

// Registry is the process-wide map from thread identifier to session,
// constructed once at startup and passed to every component that needs it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	launcher  Launcher
	seeder    Seeder
	artifacts ArtifactSaver
	clk       clock.Clock
	log       *zap.Logger
	opts      Options
}

// NewRegistry creates an empty registry.
func NewRegistry(launcher Launcher, seeder Seeder, artifacts ArtifactSaver, clk clock.Clock, log *zap.Logger, opts Options) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		launcher:  launcher,
		seeder:    seeder,
		artifacts: artifacts,
		clk:       clk,
		log:       log,
		opts:      opts,
	}
}

// Attach returns the thread's session, creating and seeding it on first
// connection, and swaps in the given socket. An existing session keeps its
// child and cost state across the reconnect.
func (r *Registry) Attach(threadID string, sock Sender) *Session {
	for {
		r.mu.Lock()
		s, ok := r.sessions[threadID]
		if !ok {
			s = r.newSession(threadID)
			r.sessions[threadID] = s
		}
		r.mu.Unlock()

		if s.attach(sock) {
			return s
		}
		// Grace expiry terminated this session between lookup and attach.
		// Drop it and start over with a fresh one.
		r.remove(s)
	}
}

func (r *Registry) newSession(threadID string) *Session {
	s := &Session{
		threadID: threadID,
		reg:      r,
		log:      r.log.With(zap.String("thread", threadID)),
	}
	if r.seeder != nil {
		seed := r.seeder.Seed(threadID)
		s.usage = seed.Usage
		s.cumulativeCost = seed.Cost
		s.premium = seed.Premium
	}
	return s
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// remove evicts a session, but never a successor that has already replaced
// it under the same thread id. Safe to call more than once.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	removed := r.sessions[s.threadID] == s
	if removed {
		delete(r.sessions, s.threadID)
	}
	r.mu.Unlock()

	if removed {
		r.log.Info("session removed", zap.String("thread", s.threadID))
	}
}

// Shutdown interrupts every running child, allows ShutdownTimeout for clean
// exits, then force-kills stragglers and drops all sessions.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		child := s.child
		s.mu.Unlock()
		if child != nil {
			_ = child.Interrupt()
		}
	}

	r.clk.Sleep(r.opts.ShutdownTimeout)

	for _, s := range sessions {
		s.mu.Lock()
		child := s.child
		s.child = nil
		s.pending = nil
		if s.killTimer != nil {
			s.killTimer.Stop()
			s.killTimer = nil
		}
		s.mu.Unlock()
		if child != nil {
			_ = child.Kill()
		}
	}

	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
}
