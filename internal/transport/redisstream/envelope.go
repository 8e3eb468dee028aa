package redisstream

import (
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/switchboard/internal/protocol"
)

// envelopeField is the stream entry field carrying the JSON envelope.
const envelopeField = "envelope"

// InboundEnvelope is a message a service adapter wants dispatched.
type InboundEnvelope struct {
	Site    string           `json:"site"`
	Message protocol.Message `json:"message"`
}

// OutboundEnvelope carries a chosen response to the delivery adapter, which
// must answer with a PostedEnvelope once the response is on the service.
type OutboundEnvelope struct {
	ID            string             `json:"id"`
	DispatchID    string             `json:"dispatch_id"`
	InteractionID int64              `json:"interaction_id"`
	Site          string             `json:"site"`
	ChannelID     string             `json:"channel_id"`
	ReplyTo       string             `json:"reply_to,omitempty"`
	Response      *protocol.Response `json:"response"`
}

// PostedEnvelope confirms that an interaction's response was delivered.
type PostedEnvelope struct {
	InteractionID int64             `json:"interaction_id"`
	PostedID      protocol.PostedID `json:"posted_id"`
}

// decodeEnvelope reads the envelope field of a stream entry into v.
func decodeEnvelope(values map[string]any, v any) error {
	raw, ok := values[envelopeField].(string)
	if !ok {
		return fmt.Errorf("missing %s field", envelopeField)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	return nil
}

func encodeEnvelope(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return map[string]any{envelopeField: string(b)}, nil
}
