package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeMessage: true,
	TypeCancel:  true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed message and any validation error.
func ValidateClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Type == TypeMessage {
		if msg.Content == "" {
			return nil, fmt.Errorf("missing required field 'content' in %s", msg.Type)
		}
		if msg.Image != nil {
			if msg.Image.Data == "" {
				return nil, fmt.Errorf("missing required field 'image.data' in %s", msg.Type)
			}
			if msg.Image.MediaType == "" {
				return nil, fmt.Errorf("missing required field 'image.mediaType' in %s", msg.Type)
			}
		}
	}

	return &msg, nil
}
