// Package stream parses the agent CLI's stream-json output into typed
// domain events.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"claude-relay/internal/cost"
)

// maxToolResultLen bounds the result text forwarded to clients.
const maxToolResultLen = 2000

const truncationMarker = "… [truncated]"

// Parser reassembles newline-delimited JSON records from arbitrarily
// chunked reads. Malformed or unrecognized lines are dropped; the protocol
// is best-effort.
type Parser struct {
	buf []byte
}

// NewParser returns a parser with an empty reassembly buffer.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends a chunk and returns the events decoded from every complete
// line it closes. The trailing partial line is retained for the next chunk.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			return events
		}
		line := p.buf[:i]
		p.buf = p.buf[i+1:]
		events = append(events, parseLine(line)...)
	}
}

// Flush decodes whatever remains in the buffer as a final line. Called when
// the process exits without a trailing newline.
func (p *Parser) Flush() []Event {
	if len(p.buf) == 0 {
		return nil
	}
	line := p.buf
	p.buf = nil
	return parseLine(line)
}

// Wire shapes for the agent's stream-json records. Only the fields the
// orchestrator consumes are decoded.

type rawRecord struct {
	Type    string      `json:"type"`
	Subtype string      `json:"subtype"`
	Message *rawMessage `json:"message"`
}

type rawMessage struct {
	Usage   *rawUsage  `json:"usage"`
	Content []rawBlock `json:"content"`
}

type rawUsage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

func parseLine(line []byte) []Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	var rec rawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil
	}

	switch rec.Type {
	case "system":
		return []Event{SystemEvent{Subtype: rec.Subtype}}
	case "assistant":
		return parseAssistant(rec.Message)
	case "user":
		return parseUser(rec.Message)
	default:
		// Unrecognized record kinds are ignored by design.
		return nil
	}
}

// parseAssistant emits the usage report before any content so that clients
// always see a usage snapshot ahead of the text it paid for.
func parseAssistant(msg *rawMessage) []Event {
	if msg == nil {
		return nil
	}

	var events []Event
	if u := msg.Usage; u != nil {
		events = append(events, UsageEvent{Usage: cost.Usage{
			InputTokens:      u.InputTokens,
			CacheWriteTokens: u.CacheCreationInputTokens,
			CacheReadTokens:  u.CacheReadInputTokens,
			OutputTokens:     u.OutputTokens,
		}})
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			events = append(events, TextEvent{Text: block.Text})
		case "tool_use":
			events = append(events, ToolUseEvent{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	return events
}

func parseUser(msg *rawMessage) []Event {
	if msg == nil {
		return nil
	}

	var events []Event
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, ToolResultEvent{
			ID:      block.ToolUseID,
			Success: !block.IsError,
			Result:  truncate(resultText(block.Content)),
		})
	}
	return events
}

// resultText extracts readable text from a tool result, which arrives in
// one of three shapes: a plain string, an array of mixed text/other parts,
// or a nested object carrying its own content field.
func resultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err == nil {
		var b strings.Builder
		for _, part := range parts {
			if part.Type == "text" {
				b.WriteString(part.Text)
			}
		}
		return b.String()
	}

	var nested struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(content, &nested); err == nil && len(nested.Content) > 0 {
		return resultText(nested.Content)
	}
	return ""
}

func truncate(s string) string {
	if len(s) <= maxToolResultLen {
		return s
	}
	return s[:maxToolResultLen] + truncationMarker
}
