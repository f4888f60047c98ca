package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedFrame = errors.New("malformed frame")

// EncodeSync wraps an action in a SYNC envelope.
func EncodeSync(a Action) ([]byte, error) {
	return json.Marshal(Envelope{Kind: KindSync, Data: ToWire(a)})
}

// EncodeChat wraps a chat message in a CHAT envelope.
func EncodeChat(m ChatMessage) ([]byte, error) {
	return json.Marshal(Envelope{Kind: KindChat, Data: m})
}

// DecodeFrame parses the outer envelope of a broadcast frame.
func DecodeFrame(data []byte) (InboundEnvelope, error) {
	var env InboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return InboundEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Kind == "" {
		return InboundEnvelope{}, fmt.Errorf("%w: missing kind", ErrMalformedFrame)
	}
	return env, nil
}

// DecodeAction parses and validates a wire action. Unknown or incomplete
// actions never reach the reconciliation engine.
func DecodeAction(data []byte) (Action, error) {
	var w WireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}
	return w.Action()
}

// DecodeChat parses and validates a chat message.
func DecodeChat(data []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if m.ID == "" || strings.TrimSpace(m.Text) == "" {
		return ChatMessage{}, fmt.Errorf("%w: chat message needs id and text", ErrMalformedFrame)
	}
	return m, nil
}
