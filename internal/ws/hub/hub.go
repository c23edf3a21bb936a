// Package hub fans engine changes out to the UI sockets. Rooms follow the
// conversations UI clients subscribed to; the first subscriber opens the
// conversation on the engine and the last one releases it.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/kgellert/hodatay-chatsync/internal/engine"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
)

// Opener opens a conversation view on the engine, usually *engine.Engine.
type Opener interface {
	Subscribe(chatID int64, cb engine.Callbacks) (unsubscribe func())
}

type Connection struct {
	conn      *websocket.Conn
	send      chan []byte
	chatIDs   map[int64]struct{}
	closeOnce sync.Once
}

func NewConnection(conn *websocket.Conn) *Connection {
	return &Connection{
		conn:    conn,
		send:    make(chan []byte, 128),
		chatIDs: make(map[int64]struct{}),
	}
}

type cmdKind int

const (
	cmdRegister cmdKind = iota
	cmdUnregister
	cmdJoin
	cmdLeave
)

// command is one connection command. Commands share a queue so that a socket's
// register, subscriptions and unregister are applied in order.
type command struct {
	kind    cmdKind
	c       *Connection
	chatIDs []int64
}

type Hub struct {
	opener Opener
	log    *slog.Logger

	cmds   chan command
	notify chan engine.Change
	done   chan struct{}

	conns    map[*Connection]struct{}
	chats    map[int64]map[*Connection]struct{}
	releases map[int64]func()

	dropped atomic.Int64
}

func NewHub(opener Opener, log *slog.Logger) *Hub {
	if log == nil {
		log = sl.Discard()
	}
	return &Hub{
		opener:   opener,
		log:      log,
		cmds:     make(chan command, 64),
		notify:   make(chan engine.Change, 256),
		done:     make(chan struct{}),
		conns:    make(map[*Connection]struct{}),
		chats:    make(map[int64]map[*Connection]struct{}),
		releases: make(map[int64]func()),
	}
}

// Run owns the rooms until ctx is done. Every open conversation is released
// and every connection's send queue is closed on the way out.
func (h *Hub) Run(ctx context.Context) {
	const op = "hub.Run"

	defer func() {
		close(h.done)
		for chatID, release := range h.releases {
			release()
			delete(h.releases, chatID)
		}
		for c := range h.conns {
			c.CloseSend()
		}
		// Sockets registered after the last loop turn.
		for {
			select {
			case cmd := <-h.cmds:
				cmd.c.CloseSend()
			default:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-h.cmds:
			h.apply(cmd)

		case ch := <-h.notify:
			payload, err := json.Marshal(ch)
			if err != nil {
				h.log.Error("failed to encode change", slog.String("op", op), sl.Err(err))
				continue
			}
			for c := range h.audience(ch) {
				c.Send(payload)
			}
		}
	}
}

func (h *Hub) apply(cmd command) {
	switch cmd.kind {
	case cmdRegister:
		h.conns[cmd.c] = struct{}{}
	case cmdUnregister:
		for chatID := range cmd.c.chatIDs {
			h.leave(cmd.c, chatID)
		}
		delete(h.conns, cmd.c)
		cmd.c.CloseSend()
	case cmdJoin, cmdLeave:
		if _, ok := h.conns[cmd.c]; !ok {
			return
		}
		for _, chatID := range cmd.chatIDs {
			if chatID <= 0 {
				continue
			}
			if cmd.kind == cmdJoin {
				h.join(cmd.c, chatID)
			} else {
				h.leave(cmd.c, chatID)
			}
		}
	}
}

func (h *Hub) join(c *Connection, chatID int64) {
	if _, ok := c.chatIDs[chatID]; ok {
		return
	}
	room := h.chats[chatID]
	if room == nil {
		room = make(map[*Connection]struct{})
		h.chats[chatID] = room
		h.releases[chatID] = h.opener.Subscribe(chatID, engine.Callbacks{})
	}
	room[c] = struct{}{}
	c.chatIDs[chatID] = struct{}{}
}

func (h *Hub) leave(c *Connection, chatID int64) {
	delete(c.chatIDs, chatID)
	room := h.chats[chatID]
	if room == nil {
		return
	}
	delete(room, c)
	if len(room) > 0 {
		return
	}
	delete(h.chats, chatID)
	if release := h.releases[chatID]; release != nil {
		delete(h.releases, chatID)
		release()
	}
}

// audience is the room for conversation-scoped history and typing changes
// and every connection for the rest, which list views render.
func (h *Hub) audience(ch engine.Change) map[*Connection]struct{} {
	switch ch.Kind {
	case engine.KindMessages, engine.KindTyping:
		return h.chats[ch.ConversationID]
	default:
		return h.conns
	}
}

func (h *Hub) enqueue(cmd command) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.cmds <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Register(c *Connection) {
	if !h.enqueue(command{kind: cmdRegister, c: c}) {
		c.CloseSend()
	}
}

func (h *Hub) Unregister(c *Connection) {
	h.enqueue(command{kind: cmdUnregister, c: c})
}

func (h *Hub) Subscribe(c *Connection, chatIDs []int64) {
	h.enqueue(command{kind: cmdJoin, c: c, chatIDs: chatIDs})
}

func (h *Hub) Unsubscribe(c *Connection, chatIDs []int64) {
	h.enqueue(command{kind: cmdLeave, c: c, chatIDs: chatIDs})
}

// Notify queues a change for delivery. It never blocks: the engine calls it
// from its own goroutines, some of them while the hub releases a room.
func (h *Hub) Notify(ch engine.Change) {
	select {
	case h.notify <- ch:
	default:
		h.dropped.Add(1)
	}
}

// Dropped counts changes lost to a full queue.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (c *Connection) Send(b []byte) {
	select {
	case c.send <- b:
	default:
	}
}

func (c *Connection) CloseSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
