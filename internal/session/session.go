// Package session owns the per-thread orchestration state: one optional
// child agent process, one current socket, and the accumulated cost of the
// conversation.
package session

import (
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"claude-relay/internal/cost"
	"claude-relay/internal/protocol"
	"claude-relay/internal/stream"
)

const (
	stderrTailCap   = 4 * 1024
	stdoutChunkSize = 4 * 1024
)

// Sender delivers one server message to a client connection. Implementations
// must not block; the transport drops on backpressure.
type Sender interface {
	Send(msg any)
}

// pendingTurn is a message queued to run after the current child exits.
type pendingTurn struct {
	content string
	image   *protocol.ImagePayload
}

// Session coordinates one thread's child process across any number of
// socket reconnects. At most one child and one current socket exist at a
// time.
type Session struct {
	threadID string
	reg      *Registry
	log      *zap.Logger

	mu             sync.Mutex
	child          Process
	sock           Sender
	stderrTail     *TailBuffer
	usage          cost.Usage
	cumulativeCost float64
	premium        bool
	connectedAt    time.Time
	startedAt      time.Time
	killTimer      *clock.Timer
	// processing guards the gap between deciding to spawn and the child
	// actually existing. Messages arriving inside the gap are queued.
	processing    bool
	pending       *pendingTurn
	activeMessage string
	// terminated marks a session killed by grace expiry. A launch completing
	// after this point must not install its child, and a socket attaching
	// after this point must start over with a fresh session.
	terminated bool
}

// ThreadID returns the session's thread identifier.
func (s *Session) ThreadID() string {
	return s.threadID
}

// attach swaps in a new current socket, cancelling any pending grace timer,
// and sends the connect-time handshake: ready plus a fresh usage snapshot.
// Mid-turn events missed during a disconnect gap are not replayed. Returns
// false when the session terminated before the socket could land; the
// registry retries with a fresh session.
func (s *Session) attach(sock Sender) bool {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return false
	}
	if s.killTimer != nil {
		s.killTimer.Stop()
		s.killTimer = nil
	}
	s.sock = sock
	s.connectedAt = s.reg.clk.Now()
	snapshot := s.usageSnapshotLocked()
	s.mu.Unlock()

	sock.Send(protocol.NewReady())
	sock.Send(snapshot)
	s.log.Info("socket attached")
	return true
}

// Detach handles a socket close or error. The child, if any, survives for
// the grace window; a session left with nothing is evicted.
func (s *Session) Detach(sock Sender) {
	s.mu.Lock()
	if s.sock != sock {
		// A stale socket detaching must not disturb its replacement.
		s.mu.Unlock()
		return
	}
	s.sock = nil
	connected := s.reg.clk.Now().Sub(s.connectedAt)
	s.log.Info("socket detached", zap.Duration("connected", connected))

	if s.hasWorkLocked() {
		// Arming is idempotent: one timer per session.
		if s.killTimer == nil {
			s.killTimer = s.reg.clk.AfterFunc(s.reg.opts.GracePeriod, s.graceExpired)
			s.log.Info("socket lost, grace timer armed",
				zap.Duration("grace", s.reg.opts.GracePeriod))
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.reg.remove(s)
}

func (s *Session) hasWorkLocked() bool {
	return s.child != nil || s.processing || s.pending != nil
}

// graceExpired force-terminates the child and evicts the session. A
// reconnection that won the race leaves everything intact.
func (s *Session) graceExpired() {
	s.mu.Lock()
	if s.sock != nil {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.killTimer = nil
	child := s.child
	s.child = nil
	s.pending = nil
	s.mu.Unlock()

	if child != nil {
		if err := child.Kill(); err != nil {
			s.log.Warn("kill after grace expiry failed", zap.Error(err))
		}
	}
	s.log.Info("grace period expired, session terminated")
	s.reg.remove(s)
}

// HandleMessage routes an inbound client message: spawn when idle,
// interrupt-and-queue when a child is running, queue-only inside the spawn
// race window.
func (s *Session) HandleMessage(content string, image *protocol.ImagePayload) {
	s.mu.Lock()
	switch {
	case s.processing:
		// Spawn already in flight; ride along on the next turn.
		s.queueLocked(content, image)
		s.mu.Unlock()

	case s.child != nil:
		s.queueInterruptLocked(content, image)
		sock := s.sock
		s.mu.Unlock()
		if sock != nil {
			sock.Send(protocol.NewSystem("interrupting"))
		}

	default:
		s.processing = true
		s.mu.Unlock()
		s.startTurn(content, image)
	}
}

func (s *Session) queueLocked(content string, image *protocol.ImagePayload) {
	if s.pending != nil {
		s.pending.content = composeInterrupt(s.pending.content, content)
		if image != nil {
			s.pending.image = image
		}
		return
	}
	s.pending = &pendingTurn{content: content, image: image}
}

// queueInterruptLocked composes the interrupt narrative so the in-flight
// message is not silently lost, then signals the child. A second interrupt
// composes onto the already-queued prompt without re-signalling.
func (s *Session) queueInterruptLocked(content string, image *protocol.ImagePayload) {
	if s.pending != nil {
		s.pending.content = composeInterrupt(s.pending.content, content)
		if image != nil {
			s.pending.image = image
		}
		return
	}

	s.pending = &pendingTurn{
		content: composeInterrupt(s.activeMessage, content),
		image:   image,
	}
	if err := s.child.Interrupt(); err != nil {
		s.log.Warn("interrupt signal failed", zap.Error(err))
	}
}

// Cancel interrupts the running child without queuing a replacement turn.
func (s *Session) Cancel() {
	s.mu.Lock()
	child := s.child
	sock := s.sock
	s.mu.Unlock()

	if child == nil {
		return
	}
	if err := child.Interrupt(); err != nil {
		s.log.Warn("cancel signal failed", zap.Error(err))
	}
	if sock != nil {
		sock.Send(protocol.NewCancelled())
	}
}

// startTurn persists any image artifact, launches the child, and wires up
// its streams. The processing flag is released on every exit path.
func (s *Session) startTurn(content string, image *protocol.ImagePayload) {
	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	if image != nil && s.reg.artifacts != nil {
		// Artifact persistence failure degrades to a text-only turn.
		if _, err := s.reg.artifacts.Save(s.threadID, image.Data, image.MediaType); err != nil {
			s.log.Warn("artifact save failed", zap.Error(err))
			s.send(protocol.NewError("failed to store attached image; continuing without it"))
		}
	}

	proc, err := s.reg.launcher.Launch(s.threadID, content)
	if err != nil {
		s.log.Error("spawn failed", zap.Error(err))
		s.send(protocol.NewError(err.Error()))
		s.send(protocol.NewDone(1))
		s.maybeEvict()
		return
	}

	tail := NewTailBuffer(stderrTailCap)
	s.mu.Lock()
	if s.terminated {
		// Grace expiry won the race while Launch was in flight; the child
		// must not outlive the session it was spawned for.
		s.mu.Unlock()
		s.log.Info("session terminated during spawn, killing child")
		if err := proc.Kill(); err != nil {
			s.log.Warn("kill of late-spawned child failed", zap.Error(err))
		}
		go proc.Wait()
		return
	}
	s.child = proc
	s.activeMessage = content
	s.startedAt = s.reg.clk.Now()
	s.stderrTail = tail
	s.mu.Unlock()
	s.log.Info("turn started", zap.Int("promptLen", len(content)))

	go s.runChild(proc, tail)
}

// runChild drains the child's streams, then reaps it. Stream listeners
// close over the session, never over a socket, which is what makes
// reconnection transparent.
func (s *Session) runChild(proc Process, tail *TailBuffer) {
	parser := stream.NewParser()
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})

	go func() {
		defer close(stdoutDone)
		buf := make([]byte, stdoutChunkSize)
		for {
			n, err := proc.Stdout().Read(buf)
			if n > 0 {
				for _, ev := range parser.Feed(buf[:n]) {
					s.handleEvent(ev)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(tail, proc.Stderr())
	}()

	<-stdoutDone
	for _, ev := range parser.Flush() {
		s.handleEvent(ev)
	}
	<-stderrDone

	code := proc.Wait()
	s.onExit(code)
}

// onExit completes the turn. A queued message spawns immediately and
// suppresses the finished turn's completion and error events; the client
// was already shown an interrupting status.
func (s *Session) onExit(code int) {
	s.mu.Lock()
	s.child = nil
	s.activeMessage = ""
	pending := s.pending
	s.pending = nil
	elapsed := s.reg.clk.Now().Sub(s.startedAt)
	var stderrTail string
	if s.stderrTail != nil {
		stderrTail = s.stderrTail.String()
	}

	if pending != nil {
		s.processing = true
		s.mu.Unlock()
		s.log.Info("turn finished with queued message, spawning next",
			zap.Int("code", code), zap.Duration("elapsed", elapsed))
		s.startTurn(pending.content, pending.image)
		return
	}

	sock := s.sock
	s.mu.Unlock()
	s.log.Info("turn finished", zap.Int("code", code), zap.Duration("elapsed", elapsed))

	if sock != nil {
		if code != 0 {
			msg := stderrTail
			if msg == "" {
				msg = "agent process exited abnormally"
			}
			sock.Send(protocol.NewError(msg))
		}
		sock.Send(protocol.NewDone(code))
	}

	s.maybeEvict()
}

// maybeEvict removes the session once neither child nor socket remain.
func (s *Session) maybeEvict() {
	s.mu.Lock()
	gone := s.sock == nil && !s.hasWorkLocked()
	if gone && s.killTimer != nil {
		s.killTimer.Stop()
		s.killTimer = nil
	}
	s.mu.Unlock()

	if gone {
		s.reg.remove(s)
	}
}

// handleEvent forwards one parsed stream event to the current socket,
// accounting cost along the way.
func (s *Session) handleEvent(ev stream.Event) {
	switch e := ev.(type) {
	case stream.SystemEvent:
		s.send(protocol.NewSystem(e.Subtype))

	case stream.UsageEvent:
		s.mu.Lock()
		s.cumulativeCost += cost.Compute(e.Usage, s.premium)
		s.usage = s.usage.Add(e.Usage)
		snapshot := s.usageSnapshotLocked()
		sock := s.sock
		s.mu.Unlock()
		if sock != nil {
			sock.Send(snapshot)
		}

	case stream.TextEvent:
		s.send(protocol.NewText(e.Text))

	case stream.ToolUseEvent:
		if estimate, ok := cost.EstimateTool(e.Name, e.Input); ok {
			s.mu.Lock()
			s.cumulativeCost += estimate
			update := s.usageSnapshotLocked()
			// Sentinel: cost changed, context unchanged.
			update.ContextPercent = -1
			sock := s.sock
			s.mu.Unlock()
			if sock != nil {
				sock.Send(update)
			}
		}
		s.send(protocol.NewToolUse(e.ID, e.Name, e.Input))

	case stream.ToolResultEvent:
		s.send(protocol.NewToolResult(e.ID, e.Success, e.Result))
	}
}

func (s *Session) usageSnapshotLocked() protocol.UsageMessage {
	maxTokens := s.reg.opts.MaxContextTokens
	return protocol.UsageMessage{
		Type:           protocol.TypeUsage,
		ContextPercent: cost.ContextPercent(s.usage.Total(), maxTokens),
		InputTokens:    s.usage.InputTokens + s.usage.CacheWriteTokens + s.usage.CacheReadTokens,
		OutputTokens:   s.usage.OutputTokens,
		MaxTokens:      maxTokens,
		EstimatedCost:  cost.FormatUSD(s.cumulativeCost),
	}
}

// send delivers to whichever socket is current at send time.
func (s *Session) send(msg any) {
	s.mu.Lock()
	sock := s.sock
	s.mu.Unlock()
	if sock != nil {
		sock.Send(msg)
	}
}

// composeInterrupt builds the prompt carrying both the interrupted message
// and its replacement, so the interrupted message is not silently dropped
// from the upstream agent's history.
func composeInterrupt(interrupted, next string) string {
	return "The user sent the following message:\n\n" + interrupted +
		"\n\nbut interrupted before you responded. The user then sent:\n\n" + next
}
