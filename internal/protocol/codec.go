package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// DecodeMessage reads a Message from r and checks required fields.
func DecodeMessage(r io.Reader) (Message, error) {
	var msg Message
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := ValidateMessage(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ValidateMessage checks the fields the dispatcher relies on.
func ValidateMessage(msg Message) error {
	if msg.ID == "" {
		return fmt.Errorf("message missing required field: id")
	}
	if msg.ChannelID == "" {
		return fmt.Errorf("message missing required field: channel_id")
	}
	return nil
}

// EncodeResponse serializes a Response for storage.
func EncodeResponse(resp *Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("response is nil")
	}
	if resp.Plugin == "" {
		return nil, fmt.Errorf("response missing required field: plugin")
	}
	if err := resp.Lock.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lock directive: %w", err)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return b, nil
}

// DecodeResponse parses a stored Response.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Plugin == "" {
		return nil, fmt.Errorf("response missing required field: plugin")
	}
	return &resp, nil
}

// EncodeDirective serializes a lock directive; nil encodes as SQL-friendly nil.
func EncodeDirective(d *LockDirective) (any, error) {
	if d == nil {
		return nil, nil
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock directive: %w", err)
	}
	return string(b), nil
}

// DecodeDirective parses a stored directive. Unknown actions are an error,
// never coerced into "no directive".
func DecodeDirective(data []byte) (*LockDirective, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var d LockDirective
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode lock directive: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
