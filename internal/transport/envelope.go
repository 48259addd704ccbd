package transport

import (
	"encoding/json"
	"fmt"

	"chatsync/internal/chat"
)

// EventJoinRoom is the outbound request to receive a user's push events.
const EventJoinRoom = "join-user-room"

// Envelope is one frame on the push channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Deleted is the payload of a messageDeleted event.
type Deleted struct {
	MessageID string `json:"messageId"`
}

// Encode builds a frame for event with data as payload.
func Encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode turns a frame into an engine event. Unknown events decode with
// only their kind set.
func Decode(frame []byte) (chat.Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return chat.Event{}, fmt.Errorf("decode frame: %w", err)
	}

	kind := chat.EventKind(env.Event)
	switch kind {
	case chat.EventNewMessage, chat.EventMessageSent:
		var m chat.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return chat.Event{}, fmt.Errorf("decode %s: %w", kind, err)
		}
		return chat.Event{Kind: kind, Message: &m}, nil
	case chat.EventMessageDeleted:
		var d Deleted
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return chat.Event{}, fmt.Errorf("decode %s: %w", kind, err)
		}
		return chat.Event{Kind: kind, MessageID: d.MessageID}, nil
	default:
		return chat.Event{Kind: kind}, nil
	}
}
