// Package protocol defines the client wire protocol and its validation.
package protocol

import (
	"encoding/json"
	"regexp"
)

// Client → Server message types.
const (
	TypeMessage = "message"
	TypeCancel  = "cancel"
)

// Server → Client message types.
const (
	TypeReady      = "ready"
	TypeUsage      = "usage"
	TypeText       = "text"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeError      = "error"
	TypeDone       = "done"
	TypeSystem     = "system"
	TypeCancelled  = "cancelled"
)

// threadIDPattern is the fixed shape connection keys must match,
// e.g. "T-abc1".
var threadIDPattern = regexp.MustCompile(`^T-[a-z0-9]+$`)

// ValidThreadID reports whether id matches the required thread shape.
func ValidThreadID(id string) bool {
	return threadIDPattern.MatchString(id)
}

// ClientMessage is a tagged message from a client.
type ClientMessage struct {
	Type    string        `json:"type"`
	Content string        `json:"content,omitempty"`
	Image   *ImagePayload `json:"image,omitempty"`
}

// ImagePayload is an inline base64 image attached to a message.
type ImagePayload struct {
	Data      string `json:"data"`
	MediaType string `json:"mediaType"`
}

// Server → Client messages. Each is a flat struct carrying its own type tag.

type ReadyMessage struct {
	Type string `json:"type"`
}

// UsageMessage is a usage snapshot. ContextPercent is -1 when only the cost
// changed (hidden-cost tool estimate) and the context window did not.
type UsageMessage struct {
	Type           string `json:"type"`
	ContextPercent int    `json:"contextPercent"`
	InputTokens    int    `json:"inputTokens"`
	OutputTokens   int    `json:"outputTokens"`
	MaxTokens      int    `json:"maxTokens"`
	EstimatedCost  string `json:"estimatedCost"`
}

type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ToolUseMessage struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type ToolResultMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Result  string `json:"result"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type DoneMessage struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

type SystemMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

type CancelledMessage struct {
	Type string `json:"type"`
}

func NewReady() ReadyMessage {
	return ReadyMessage{Type: TypeReady}
}

func NewText(text string) TextMessage {
	return TextMessage{Type: TypeText, Text: text}
}

func NewToolUse(id, name string, input json.RawMessage) ToolUseMessage {
	return ToolUseMessage{Type: TypeToolUse, ID: id, Name: name, Input: input}
}

func NewToolResult(id string, success bool, result string) ToolResultMessage {
	return ToolResultMessage{Type: TypeToolResult, ID: id, Success: success, Result: result}
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}

func NewDone(code int) DoneMessage {
	return DoneMessage{Type: TypeDone, Code: code}
}

func NewSystem(subtype string) SystemMessage {
	return SystemMessage{Type: TypeSystem, Subtype: subtype}
}

func NewCancelled() CancelledMessage {
	return CancelledMessage{Type: TypeCancelled}
}
