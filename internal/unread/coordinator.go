// Package unread derives per-conversation unread counts, read-by sets and
// the conversation list order from the loaded history, the read markers and
// the server's list baseline.
package unread

import (
	"slices"
	"sync"

	chatsdomain "github.com/kgellert/hodatay-chatsync/internal/chats"
	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
)

// Source is the loaded history, usually the message page store.
type Source interface {
	Since(chatID int64, after messagesdomain.Key) ([]messagesdomain.Message, bool)
	Get(chatID, messageID int64) (messagesdomain.Message, bool)
}

type conversation struct {
	info   chatsdomain.Conversation
	listed bool

	// marker is the current user's read position. A zero CreatedAt means
	// only the id is known so far.
	marker messagesdomain.Key

	// baseline is the server's unread count for everything up to
	// baselineUntil, taken from the conversation list.
	baseline      int64
	baselineUntil messagesdomain.Key

	// pushed holds unread candidates from other users that arrived after
	// baselineUntil.
	pushed map[int64]messagesdomain.Key

	receipts map[int64]int64
}

type Coordinator struct {
	selfID int64
	source Source

	mu    sync.Mutex
	convs map[int64]*conversation
}

func New(selfID int64, source Source) *Coordinator {
	return &Coordinator{
		selfID: selfID,
		source: source,
		convs:  make(map[int64]*conversation),
	}
}

func (c *Coordinator) convLocked(chatID int64) *conversation {
	cv := c.convs[chatID]
	if cv == nil {
		cv = &conversation{
			info:     chatsdomain.Conversation{ID: chatID},
			pushed:   make(map[int64]messagesdomain.Key),
			receipts: make(map[int64]int64),
		}
		c.convs[chatID] = cv
	}
	return cv
}

// Seed installs the conversation list. A re-seed replaces the baseline and
// forgets the pushed messages it now covers; local state that is newer
// than the list is kept.
func (c *Coordinator) Seed(list []chatsdomain.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, item := range list {
		cv := c.convLocked(item.ID)

		prev := cv.info
		cv.listed = true
		cv.info = item.Clone()
		cv.info.UnreadCount = 0
		if prev.LastMessage != nil {
			cv.info.Touch(*prev.LastMessage)
		}

		if item.LastReadMessageID != 0 {
			c.advanceLocked(item.ID, cv, messagesdomain.Key{ID: item.LastReadMessageID})
		}

		cv.baseline = item.UnreadCount
		cv.baselineUntil = messagesdomain.Key{}
		if item.LastMessage != nil {
			cv.baselineUntil = item.LastMessage.Key()
		}
		for id, k := range cv.pushed {
			if !cv.baselineUntil.IsZero() && !after(k, cv.baselineUntil) {
				delete(cv.pushed, id)
			}
		}
		c.clearBaselineLocked(cv)
	}
}

// Known reports whether the conversation came with the list.
func (c *Coordinator) Known(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv := c.convs[chatID]
	return cv != nil && cv.listed
}

// OnMessage accounts a new or replaced message and moves the conversation
// header. It reports whether the conversation is known from the list.
func (c *Coordinator) OnMessage(chatID int64, msg messagesdomain.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv := c.convLocked(chatID)
	if msg.Status != messagesdomain.StatusPending && msg.Status != messagesdomain.StatusFailed {
		cv.info.Touch(msg)
	}

	key := msg.Key()
	switch {
	case msg.Deleted:
		delete(cv.pushed, msg.ID)
	case msg.SenderID == c.selfID || msg.ID == 0:
	case !cv.baselineUntil.IsZero() && !after(key, cv.baselineUntil):
	case !after(key, cv.marker):
	default:
		cv.pushed[msg.ID] = key
	}

	return cv.listed
}

func (c *Coordinator) OnDelete(chatID int64, ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv := c.convLocked(chatID)
	for _, id := range ids {
		delete(cv.pushed, id)
		if cv.info.LastMessage != nil && cv.info.LastMessage.ID == id {
			cv.info.LastMessage.Tombstone()
		}
	}
}

// SetMarker moves the current user's read marker forward. Older markers
// are ignored. It reports whether the marker moved.
func (c *Coordinator) SetMarker(chatID int64, key messagesdomain.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.advanceLocked(chatID, c.convLocked(chatID), key)
}

// OnReceipt records a read receipt. The current user's own receipts (from
// another device) move the marker.
func (c *Coordinator) OnReceipt(chatID, userID, messageID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv := c.convLocked(chatID)
	moved := false
	if prev, ok := cv.receipts[userID]; !ok || c.receiptBeforeLocked(chatID, prev, messageID) {
		cv.receipts[userID] = messageID
		moved = true
	}

	if userID == c.selfID {
		key := messagesdomain.Key{ID: messageID}
		if m, ok := c.source.Get(chatID, messageID); ok {
			key = m.Key()
		}
		if c.advanceLocked(chatID, cv, key) {
			moved = true
		}
	}
	return moved
}

func (c *Coordinator) Marker(chatID int64) messagesdomain.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv := c.convs[chatID]
	if cv == nil {
		return messagesdomain.Key{}
	}
	c.resolveLocked(chatID, cv)
	return cv.marker
}

// UnreadCount counts messages from other users after the marker that are
// not deleted. It is exact when the loaded history covers the marker and
// falls back to the list baseline plus pushed messages otherwise.
func (c *Coordinator) UnreadCount(chatID int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv := c.convs[chatID]
	if cv == nil {
		return 0
	}
	return c.countLocked(chatID, cv)
}

func (c *Coordinator) countLocked(chatID int64, cv *conversation) int64 {
	c.resolveLocked(chatID, cv)

	if cv.marker.ID == 0 || !cv.marker.CreatedAt.IsZero() {
		if msgs, exhaustive := c.source.Since(chatID, cv.marker); exhaustive {
			var n int64
			for _, m := range msgs {
				if m.SenderID != c.selfID && !m.Deleted {
					n++
				}
			}
			return n
		}
	}

	n := cv.baseline
	for _, k := range cv.pushed {
		if after(k, cv.marker) {
			n++
		}
	}
	return n
}

// ReadBy returns the users, other than the sender, whose receipts are at or
// after msg.
func (c *Coordinator) ReadBy(chatID int64, msg messagesdomain.Message) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv := c.convs[chatID]
	if cv == nil {
		return nil
	}

	var users []int64
	for _, r := range c.receiptsLocked(chatID, cv, nil) {
		if r.covers(msg) {
			users = append(users, r.userID)
		}
	}
	slices.Sort(users)
	return users
}

// FillReadBy completes the read-by sets of a history snapshot from the
// known receipts.
func (c *Coordinator) FillReadBy(chatID int64, msgs []messagesdomain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv := c.convs[chatID]
	if cv == nil || len(cv.receipts) == 0 {
		return
	}

	keys := make(map[int64]messagesdomain.Key, len(msgs))
	for _, m := range msgs {
		if m.ID != 0 {
			keys[m.ID] = m.Key()
		}
	}
	receipts := c.receiptsLocked(chatID, cv, keys)

	for i := range msgs {
		if msgs[i].ID == 0 {
			continue
		}
		for _, r := range receipts {
			if r.covers(msgs[i]) {
				msgs[i].AddReadBy(r.userID)
			}
		}
	}
}

type receipt struct {
	userID    int64
	messageID int64
	key       messagesdomain.Key
}

// covers reports whether the receipt is at or after msg and from someone
// other than its sender.
func (r receipt) covers(msg messagesdomain.Message) bool {
	if r.userID == msg.SenderID {
		return false
	}
	if r.messageID == msg.ID {
		return true
	}
	if r.key.CreatedAt.IsZero() || msg.CreatedAt.IsZero() {
		return r.messageID > msg.ID
	}
	return r.key.Compare(msg.Key()) > 0
}

// receiptsLocked resolves every receipt position once, from known when it
// has the message and from the loaded history otherwise.
func (c *Coordinator) receiptsLocked(chatID int64, cv *conversation, known map[int64]messagesdomain.Key) []receipt {
	out := make([]receipt, 0, len(cv.receipts))
	for userID, id := range cv.receipts {
		r := receipt{userID: userID, messageID: id, key: messagesdomain.Key{ID: id}}
		if k, ok := known[id]; ok {
			r.key = k
		} else if m, ok := c.source.Get(chatID, id); ok {
			r.key = m.Key()
		}
		out = append(out, r)
	}
	return out
}

// Conversations returns the list most recent activity first with unread
// counts filled in.
func (c *Coordinator) Conversations() []chatsdomain.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]chatsdomain.Conversation, 0, len(c.convs))
	for id, cv := range c.convs {
		if !cv.listed {
			continue
		}
		item := cv.info.Clone()
		item.UnreadCount = c.countLocked(id, cv)
		item.LastReadMessageID = cv.marker.ID
		out = append(out, item)
	}
	slices.SortFunc(out, chatsdomain.CompareActivity)
	return out
}

func (c *Coordinator) Conversation(chatID int64) (chatsdomain.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cv := c.convs[chatID]
	if cv == nil {
		return chatsdomain.Conversation{}, false
	}
	item := cv.info.Clone()
	item.UnreadCount = c.countLocked(chatID, cv)
	item.LastReadMessageID = cv.marker.ID
	return item, true
}

func (c *Coordinator) advanceLocked(chatID int64, cv *conversation, key messagesdomain.Key) bool {
	if key.ID == 0 {
		return false
	}
	c.resolveLocked(chatID, cv)
	if key.CreatedAt.IsZero() {
		if m, ok := c.source.Get(chatID, key.ID); ok {
			key = m.Key()
		}
	}
	if !cv.marker.IsZero() && !after(key, cv.marker) {
		return false
	}

	cv.marker = key
	for id, k := range cv.pushed {
		if !after(k, key) {
			delete(cv.pushed, id)
		}
	}
	c.clearBaselineLocked(cv)
	return true
}

// clearBaselineLocked drops the list baseline once the marker has reached
// the list's last message.
func (c *Coordinator) clearBaselineLocked(cv *conversation) {
	if cv.baselineUntil.IsZero() || cv.marker.IsZero() {
		return
	}
	if !after(cv.baselineUntil, cv.marker) {
		cv.baseline = 0
	}
}

// resolveLocked upgrades an id-only marker once its message is loaded.
func (c *Coordinator) resolveLocked(chatID int64, cv *conversation) {
	if cv.marker.ID == 0 || !cv.marker.CreatedAt.IsZero() {
		return
	}
	if m, ok := c.source.Get(chatID, cv.marker.ID); ok {
		cv.marker = m.Key()
	}
}

// receiptBeforeLocked reports whether message a is older than message b,
// by position when both are loaded and by id otherwise.
func (c *Coordinator) receiptBeforeLocked(chatID, a, b int64) bool {
	ma, okA := c.source.Get(chatID, a)
	mb, okB := c.source.Get(chatID, b)
	if okA && okB {
		return ma.Key().Less(mb.Key())
	}
	return a < b
}

// after reports whether k is strictly after marker. Keys known only by id
// compare by id.
func after(k, marker messagesdomain.Key) bool {
	if marker.IsZero() {
		return true
	}
	if k.CreatedAt.IsZero() || marker.CreatedAt.IsZero() {
		return k.ID > marker.ID
	}
	return k.Compare(marker) > 0
}
