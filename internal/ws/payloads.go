package ws

import messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"

type MessagesDeletePayload struct {
	IDs []int64 `json:"ids"`
}

// MessageNewPayload is shared by new_message and message_edited; edits
// carry the full message with edited_at set.
type MessageNewPayload struct {
	Message messagesdomain.Message `json:"message"`
}

type MessageReadPayload struct {
	UserID            int64 `json:"user_id"`
	LastReadMessageID int64 `json:"last_read_message_id"`
}

type TypingPayload struct {
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const ErrCodeUnauthorized = "unauthorized"

const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdTyping      = "typing"
)

// ClientMsg is a client to server command.
type ClientMsg struct {
	Type     string  `json:"type"`
	ChatIDs  []int64 `json:"chat_ids,omitempty"`
	ChatID   int64   `json:"chat_id,omitempty"`
	IsTyping *bool   `json:"is_typing,omitempty"`
}

func SubscribeMsg(chatIDs ...int64) ClientMsg {
	return ClientMsg{Type: CmdSubscribe, ChatIDs: chatIDs}
}

func UnsubscribeMsg(chatIDs ...int64) ClientMsg {
	return ClientMsg{Type: CmdUnsubscribe, ChatIDs: chatIDs}
}

func TypingMsg(chatID int64, isTyping bool) ClientMsg {
	return ClientMsg{Type: CmdTyping, ChatID: chatID, IsTyping: &isTyping}
}
