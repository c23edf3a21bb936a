package engine

import (
	chatsdomain "github.com/kgellert/hodatay-chatsync/internal/chats"
	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
	"github.com/kgellert/hodatay-chatsync/internal/messages/store"
	"github.com/kgellert/hodatay-chatsync/internal/mutations"
	"github.com/kgellert/hodatay-chatsync/internal/ws/manager"
)

func (e *Engine) SelfID() int64 { return e.selfID }

// Send submits a draft and ends the local typing session.
func (e *Engine) Send(chatID int64, d mutations.Draft) (clientID string, done <-chan error) {
	e.composer.SetTyping(chatID, false)
	return e.rec.Send(e.baseCtx(), chatID, d)
}

func (e *Engine) Retry(chatID int64, clientID string) <-chan error {
	return e.rec.Retry(e.baseCtx(), chatID, clientID)
}

func (e *Engine) Discard(chatID int64, clientID string) error {
	return e.rec.Discard(chatID, clientID)
}

func (e *Engine) EditMessage(chatID, messageID int64, content string) <-chan error {
	return e.rec.Edit(e.baseCtx(), chatID, messageID, content)
}

func (e *Engine) DeleteMessage(chatID, messageID int64) <-chan error {
	return e.rec.Delete(e.baseCtx(), chatID, messageID)
}

func (e *Engine) ToggleReaction(chatID, messageID int64, emoji string) <-chan error {
	return e.rec.ToggleReaction(e.baseCtx(), chatID, messageID, emoji)
}

func (e *Engine) MarkRead(chatID, messageID int64) <-chan error {
	return e.rec.MarkRead(e.baseCtx(), chatID, messageID)
}

// SetTyping forwards composer activity: true on every keystroke, false when
// the draft is cleared.
func (e *Engine) SetTyping(chatID int64, isTyping bool) {
	e.composer.SetTyping(chatID, isTyping)
}

func (e *Engine) Conversations() []chatsdomain.Conversation {
	return e.unread.Conversations()
}

func (e *Engine) Conversation(chatID int64) (chatsdomain.Conversation, bool) {
	if !e.unread.Known(chatID) {
		return chatsdomain.Conversation{}, false
	}
	return e.unread.Conversation(chatID)
}

// Messages returns the conversation's history followed by pending sends,
// with read-by sets completed from the known read receipts. It is nil for
// a conversation that was never opened.
func (e *Engine) Messages(chatID int64) []messagesdomain.Message {
	msgs := e.store.Messages(chatID)
	e.unread.FillReadBy(chatID, msgs)
	return msgs
}

func (e *Engine) Meta(chatID int64) store.Meta { return e.store.Meta(chatID) }

func (e *Engine) TypingUsers(chatID int64) []int64 { return e.typing.TypingUsers(chatID) }

func (e *Engine) UnreadCount(chatID int64) int64 { return e.unread.UnreadCount(chatID) }

func (e *Engine) ConnectionState() manager.State { return e.push.State() }
