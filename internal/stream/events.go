package stream

import (
	"encoding/json"

	"claude-relay/internal/cost"
)

// Event is one typed domain event decoded from the agent's output stream.
// The set of implementations is closed; unrecognized lines never produce an
// event.
type Event interface {
	isEvent()
}

// SystemEvent is an agent lifecycle notification (e.g. subtype "init").
type SystemEvent struct {
	Subtype string
}

// UsageEvent carries the token counts reported with an assistant message.
type UsageEvent struct {
	Usage cost.Usage
}

// TextEvent is a chunk of assistant text.
type TextEvent struct {
	Text string
}

// ToolUseEvent is an assistant tool invocation.
type ToolUseEvent struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultEvent is the outcome of a tool invocation, keyed by the
// invocation id. Result is truncated to maxToolResultLen.
type ToolResultEvent struct {
	ID      string
	Success bool
	Result  string
}

func (SystemEvent) isEvent()     {}
func (UsageEvent) isEvent()      {}
func (TextEvent) isEvent()       {}
func (ToolUseEvent) isEvent()    {}
func (ToolResultEvent) isEvent() {}
