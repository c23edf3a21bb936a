// Package presence tracks who is typing in the watched conversations and
// paces the local composer's own typing signals.
package presence

import (
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Entry struct {
	ConversationID int64
	UserID         int64
	ExpiresAt      time.Time
}

type room struct {
	expires map[int64]time.Time
	timer   *clock.Timer
}

// Tracker holds typing entries with a fixed TTL. Only watched
// conversations keep entries and an expiry timer.
type Tracker struct {
	selfID   int64
	ttl      time.Duration
	clock    clock.Clock
	onChange func(chatID int64)

	mu    sync.Mutex
	rooms map[int64]*room
}

func New(selfID int64, ttl time.Duration, clk clock.Clock, onChange func(chatID int64)) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if onChange == nil {
		onChange = func(int64) {}
	}

	return &Tracker{
		selfID:   selfID,
		ttl:      ttl,
		clock:    clk,
		onChange: onChange,
		rooms:    make(map[int64]*room),
	}
}

func (t *Tracker) Watch(chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rooms[chatID] == nil {
		t.rooms[chatID] = &room{expires: make(map[int64]time.Time)}
	}
}

// Unwatch drops the conversation's entries and stops its timer.
func (t *Tracker) Unwatch(chatID int64) {
	t.mu.Lock()
	r := t.rooms[chatID]
	delete(t.rooms, chatID)
	if r != nil && r.timer != nil {
		r.timer.Stop()
	}
	t.mu.Unlock()

	if r != nil && len(r.expires) > 0 {
		t.onChange(chatID)
	}
}

// Typing records a typing event. Events for unwatched conversations and for
// the current user are dropped.
func (t *Tracker) Typing(chatID, userID int64, isTyping bool) {
	if userID == t.selfID {
		return
	}

	t.mu.Lock()
	r := t.rooms[chatID]
	if r == nil {
		t.mu.Unlock()
		return
	}

	now := t.clock.Now()
	exp, ok := r.expires[userID]
	wasTyping := ok && exp.After(now)
	if isTyping {
		r.expires[userID] = now.Add(t.ttl)
	} else {
		delete(r.expires, userID)
	}
	t.scheduleLocked(chatID, r, now)
	t.mu.Unlock()

	if wasTyping != isTyping {
		t.onChange(chatID)
	}
}

// TypingUsers returns the sorted ids currently typing. Expired entries are
// excluded even before the sweep removes them.
func (t *Tracker) TypingUsers(chatID int64) []int64 {
	entries := t.Entries(chatID)
	users := make([]int64, 0, len(entries))
	for _, e := range entries {
		users = append(users, e.UserID)
	}
	return users
}

func (t *Tracker) Entries(chatID int64) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.rooms[chatID]
	if r == nil {
		return nil
	}

	now := t.clock.Now()
	out := make([]Entry, 0, len(r.expires))
	for userID, exp := range r.expires {
		if exp.After(now) {
			out = append(out, Entry{ConversationID: chatID, UserID: userID, ExpiresAt: exp})
		}
	}
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

func (t *Tracker) scheduleLocked(chatID int64, r *room, now time.Time) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	var next time.Time
	for _, exp := range r.expires {
		if next.IsZero() || exp.Before(next) {
			next = exp
		}
	}
	if next.IsZero() {
		return
	}

	r.timer = t.clock.AfterFunc(max(next.Sub(now), 0), func() { t.sweep(chatID, r) })
}

func (t *Tracker) sweep(chatID int64, r *room) {
	t.mu.Lock()
	if t.rooms[chatID] != r {
		t.mu.Unlock()
		return
	}

	now := t.clock.Now()
	removed := 0
	for userID, exp := range r.expires {
		if !exp.After(now) {
			delete(r.expires, userID)
			removed++
		}
	}
	t.scheduleLocked(chatID, r, now)
	t.mu.Unlock()

	if removed > 0 {
		t.onChange(chatID)
	}
}
