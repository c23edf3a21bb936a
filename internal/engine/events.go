package engine

import (
	"log/slog"

	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
	"github.com/kgellert/hodatay-chatsync/internal/messages/store"
	"github.com/kgellert/hodatay-chatsync/internal/ws"
)

// handleEvent routes one push event. It runs on the push channel's read
// goroutine.
func (e *Engine) handleEvent(evt ws.Event) {
	const op = "engine.handleEvent"

	chatID := evt.ChatID

	switch evt.Type {
	case ws.MessageNew, ws.MessageEdited:
		msg := *evt.Message
		if msg.ConversationID == 0 {
			msg.ConversationID = chatID
		}
		chatID = msg.ConversationID
		e.applyMessage(evt.Type, msg)

	case ws.MessagesDeleted:
		if len(e.store.ApplyDelete(chatID, evt.DeletedIDs)) > 0 {
			e.notify(Change{Kind: KindMessages, ConversationID: chatID})
		}
		e.unread.OnDelete(chatID, evt.DeletedIDs)
		e.notify(Change{Kind: KindUnread, ConversationID: chatID})
		e.notify(Change{Kind: KindConversations, ConversationID: chatID})

	case ws.ReactionChanged:
		if e.rec.ApplyReactionPush(chatID, *evt.Reaction) {
			e.notify(Change{Kind: KindMessages, ConversationID: chatID})
		}

	case ws.Typing:
		e.typing.Typing(chatID, evt.Typing.UserID, evt.Typing.IsTyping)

	case ws.MessageRead:
		r := evt.Read
		changed := e.store.MarkReadBy(chatID, r.LastReadMessageID, r.UserID)
		if e.unread.OnReceipt(chatID, r.UserID, r.LastReadMessageID) {
			changed = true
		}
		if changed {
			e.notify(Change{Kind: KindMessages, ConversationID: chatID})
			e.notify(Change{Kind: KindUnread, ConversationID: chatID})
		}

	default:
		e.log.Debug("push event not routed",
			slog.String("op", op),
			slog.String("type", string(evt.Type)),
		)
		return
	}

	if chatID != 0 && !e.unread.Known(chatID) {
		e.log.Debug("event for unknown conversation",
			slog.String("op", op),
			slog.Int64("chat_id", chatID),
		)
		e.refreshSoon()
	}
}

func (e *Engine) applyMessage(t ws.EventType, msg messagesdomain.Message) {
	chatID := msg.ConversationID

	var res store.ApplyResult
	if t == ws.MessageEdited {
		res = e.store.ApplyEdit(msg)
	} else {
		res = e.store.ApplyPushedMessage(msg)
	}

	// A duplicate or stale copy must not move the header or the count.
	// History that is not materialized cannot tell a duplicate apart, and
	// the coordinator dedups new messages by id itself.
	if res == store.Ignored && (t == ws.MessageEdited || e.store.Meta(chatID).Materialized) {
		return
	}

	stored, ok := e.store.Get(chatID, msg.ID)
	if !ok {
		stored = msg.Clone()
		stored.Normalize(e.selfID)
	}
	e.unread.OnMessage(chatID, stored)

	if res == store.Inserted || res == store.Replaced {
		e.notify(Change{Kind: KindMessages, ConversationID: chatID})
	}
	e.notify(Change{Kind: KindUnread, ConversationID: chatID})
	e.notify(Change{Kind: KindConversations, ConversationID: chatID})
}
