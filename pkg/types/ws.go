package types

import (
	"encoding/json"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// WSMessageType defines WebSocket message types for Orchestrator-Agent communication.
type WSMessageType string

const (
	// Orchestrator -> Agent
	WSMsgAssign    WSMessageType = "ASSIGN"
	WSMsgCancel    WSMessageType = "CANCEL"
	WSMsgInterrupt WSMessageType = "INTERRUPT"
	WSMsgProvide   WSMessageType = "PROVIDE"
	WSMsgUnprovide WSMessageType = "UNPROVIDE"

	// Agent -> Orchestrator
	WSMsgInit  WSMessageType = "INIT"
	WSMsgEvent WSMessageType = "ASSIGNATION_EVENT"

	// Both directions
	WSMsgHeartbeat WSMessageType = "HEARTBEAT"
)

// WSMessage is the unified envelope for all WebSocket messages.
// ID is unique per sender; replies reference the originating message through ReplyTo.
type WSMessage struct {
	Type    WSMessageType   `json:"type"`
	ID      string          `json:"id"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an envelope with a fresh id around payload.
func NewMessage(msgType WSMessageType, payload any) (*WSMessage, error) {
	msg := &WSMessage{Type: msgType, ID: uuid.NewString()}
	if payload != nil {
		data, err := sonic.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return msg, nil
}

// Decode unmarshals the payload of msg into v.
func (m *WSMessage) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return sonic.Unmarshal(m.Data, v)
}

// Encode serializes the envelope into a text frame.
func Encode(msg *WSMessage) ([]byte, error) {
	return sonic.Marshal(msg)
}

// DecodeMessage parses a text frame into an envelope.
func DecodeMessage(raw []byte) (*WSMessage, error) {
	var msg WSMessage
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
