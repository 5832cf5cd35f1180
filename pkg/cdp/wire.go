package cdp

import (
	"encoding/json"
	"fmt"
)

// Message is a single DevTools wire frame. Outbound commands carry ID,
// Method and Params; inbound frames are either a response (ID set, Result or
// Error set) or an event (Method set, no matching ID). Payloads are opaque
// to the engine.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *MessageError   `json:"error,omitempty"`
}

// MessageError is a peer-reported command rejection.
type MessageError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *MessageError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Message, e.Code, string(e.Data))
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}
