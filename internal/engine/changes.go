package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
)

type Kind string

const (
	KindConversations Kind = "conversations"
	KindMessages      Kind = "messages"
	KindTyping        Kind = "typing"
	KindUnread        Kind = "unread"
	KindConnection    Kind = "connection"
)

// Change tells observers which part of the state moved. ConversationID is
// zero for the whole list and for the connection.
type Change struct {
	Kind           Kind  `json:"type"`
	ConversationID int64 `json:"chat_id,omitempty"`
}

// Callbacks receive fresh snapshots for one subscribed conversation. Any of
// them may be nil.
type Callbacks struct {
	Messages func(msgs []messagesdomain.Message)
	Typing   func(userIDs []int64)
	Unread   func(count int64)
}

// Watch registers fn for every change. fn runs on the goroutine that made
// the change and must not block.
func (e *Engine) Watch(fn func(Change)) (remove func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.watchers[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.watchers, id)
			e.mu.Unlock()
		})
	}
}

// Subscribe opens a conversation view: it holds the history, the push
// subscription and the typing watch. The first view loads the first page,
// or the newest one when older history is already loaded, since nothing
// was pushed for the conversation while it had no view. The returned func
// releases all of it and is safe to call more than once.
func (e *Engine) Subscribe(chatID int64, cb Callbacks) (unsubscribe func()) {
	const op = "engine.Subscribe"

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	room := e.subs[chatID]
	if room == nil {
		room = make(map[int]Callbacks)
		e.subs[chatID] = room
	}
	room[id] = cb
	first := len(room) == 1
	e.mu.Unlock()

	e.store.Open(chatID)
	e.push.Subscribe(chatID)
	if first {
		e.typing.Watch(chatID)
	}

	switch meta := e.store.Meta(chatID); {
	case first && meta.Loaded:
		e.catchUp(chatID)
	case !meta.Loaded && meta.HasMore:
		ctx := e.baseCtx()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if _, err := e.store.FetchNextPage(ctx, chatID); err != nil && ctx.Err() == nil {
				e.log.Warn("first page not loaded",
					slog.String("op", op),
					slog.Int64("chat_id", chatID),
					sl.Err(err),
				)
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(room, id)
			last := len(room) == 0
			if last {
				delete(e.subs, chatID)
			}
			e.mu.Unlock()

			if last {
				e.composer.SetTyping(chatID, false)
				e.typing.Unwatch(chatID)
			}
			e.push.Unsubscribe(chatID)
			e.store.Close(chatID)
		})
	}
}

func (e *Engine) notify(c Change) {
	e.mu.Lock()
	watchers := make([]func(Change), 0, len(e.watchers))
	for _, fn := range e.watchers {
		watchers = append(watchers, fn)
	}
	var cbs []Callbacks
	if c.ConversationID != 0 {
		for _, cb := range e.subs[c.ConversationID] {
			cbs = append(cbs, cb)
		}
	}
	e.mu.Unlock()

	for _, fn := range watchers {
		fn(c)
	}
	if len(cbs) == 0 {
		return
	}

	switch c.Kind {
	case KindMessages:
		msgs := e.Messages(c.ConversationID)
		for _, cb := range cbs {
			if cb.Messages != nil {
				cb.Messages(msgs)
			}
		}
	case KindTyping:
		users := e.TypingUsers(c.ConversationID)
		for _, cb := range cbs {
			if cb.Typing != nil {
				cb.Typing(users)
			}
		}
	case KindUnread:
		n := e.UnreadCount(c.ConversationID)
		for _, cb := range cbs {
			if cb.Unread != nil {
				cb.Unread(n)
			}
		}
	}
}

// FetchOlder loads the next older page. ctx bounds the wait only.
func (e *Engine) FetchOlder(ctx context.Context, chatID int64) (messagesdomain.Page, error) {
	return e.store.FetchNextPage(ctx, chatID)
}

// ViewportChanged reports the oldest visible index and prefetches when it
// is close to the loaded edge.
func (e *Engine) ViewportChanged(chatID int64, oldestVisibleIndex int) bool {
	return e.store.ViewportChanged(e.baseCtx(), chatID, oldestVisibleIndex)
}
