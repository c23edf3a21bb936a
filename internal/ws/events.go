package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
)

type EventType string

const (
	Hello           EventType = "hello"
	Error           EventType = "error"
	MessageNew      EventType = "new_message"
	MessageEdited   EventType = "message_edited"
	MessagesDeleted EventType = "message_deleted"
	ReactionChanged EventType = "reaction_changed"
	Typing          EventType = "typing"
	MessageRead     EventType = "read_receipt"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMalformedEvent   = errors.New("malformed event")
)

// ServerEvent is the push channel envelope.
type ServerEvent struct {
	Type    EventType       `json:"type"`
	ChatID  int64           `json:"chat_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(chatID int64, t EventType, payload any) (ServerEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ServerEvent{}, fmt.Errorf("ws.NewEvent: %w", err)
	}
	return ServerEvent{Type: t, ChatID: chatID, Payload: raw}, nil
}

// Event is a decoded push event. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type   EventType
	ChatID int64

	Message    *messagesdomain.Message
	DeletedIDs []int64
	Reaction   *messagesdomain.ReactionState
	Typing     *TypingPayload
	Read       *MessageReadPayload
	Error      *ErrorPayload
}

// Decode parses one frame. Unknown types and undecodable payloads are
// reported with ErrUnknownEventType and ErrMalformedEvent so the caller can
// log and skip them.
func Decode(data []byte) (Event, error) {
	var env ServerEvent
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	evt := Event{Type: env.Type, ChatID: env.ChatID}

	var target any
	switch env.Type {
	case Hello:
		return evt, nil
	case Error:
		evt.Error = &ErrorPayload{}
		target = evt.Error
	case MessageNew, MessageEdited:
		var p MessageNewPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return Event{}, err
		}
		if p.Message.ID <= 0 {
			return Event{}, fmt.Errorf("%w: %s without message id", ErrMalformedEvent, env.Type)
		}
		if p.Message.ConversationID == 0 {
			p.Message.ConversationID = env.ChatID
		}
		evt.Message = &p.Message
		return evt, nil
	case MessagesDeleted:
		var p MessagesDeletePayload
		if err := unmarshalPayload(env, &p); err != nil {
			return Event{}, err
		}
		evt.DeletedIDs = p.IDs
		return evt, nil
	case ReactionChanged:
		evt.Reaction = &messagesdomain.ReactionState{}
		target = evt.Reaction
	case Typing:
		evt.Typing = &TypingPayload{}
		target = evt.Typing
	case MessageRead:
		evt.Read = &MessageReadPayload{}
		target = evt.Read
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}

	if err := unmarshalPayload(env, target); err != nil {
		return Event{}, err
	}
	return evt, nil
}

func unmarshalPayload(env ServerEvent, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedEvent, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
	}
	return nil
}
