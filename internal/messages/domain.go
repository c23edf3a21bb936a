package messages

import (
	"maps"
	"slices"
	"time"

	"github.com/kgellert/hodatay-chatsync/internal/uploads"
)

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

type Message struct {
	ID             int64                `json:"id"`
	ClientID       string               `json:"client_id,omitempty"`
	ConversationID int64                `json:"chat_id"`
	SenderID       int64                `json:"user_id"`
	Content        *string              `json:"text"`
	Attachments    []uploads.Attachment `json:"attachments"`
	ReplyToID      *int64               `json:"reply_to_message_id,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	Edited         bool                 `json:"edited"`
	EditedAt       *time.Time           `json:"edited_at,omitempty"`
	Deleted        bool                 `json:"deleted"`
	Reactions      map[string]*Reaction `json:"reactions,omitempty"`
	ReadBy         []int64              `json:"read_by,omitempty"`

	// Local-only sync state.
	Status        Status `json:"status,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Key orders messages inside a conversation: created_at ascending, id as
// tie-break.
type Key struct {
	CreatedAt time.Time
	ID        int64
}

func (k Key) Compare(o Key) int {
	if c := k.CreatedAt.Compare(o.CreatedAt); c != 0 {
		return c
	}
	switch {
	case k.ID < o.ID:
		return -1
	case k.ID > o.ID:
		return 1
	}
	return 0
}

func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

func (k Key) IsZero() bool { return k.ID == 0 && k.CreatedAt.IsZero() }

func (m Message) Key() Key { return Key{CreatedAt: m.CreatedAt, ID: m.ID} }

func Compare(a, b Message) int { return a.Key().Compare(b.Key()) }

func Text(s string) *string { return &s }

// ContentString returns the message text or "" for attachment-only and
// deleted messages.
func (m *Message) ContentString() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Tombstone hides the message body but keeps the slot.
func (m *Message) Tombstone() {
	m.Deleted = true
	m.Content = nil
	m.Attachments = nil
	m.Reactions = nil
}

func (m *Message) HasReadBy(userID int64) bool {
	_, found := slices.BinarySearch(m.ReadBy, userID)
	return found
}

func (m *Message) AddReadBy(userID int64) bool {
	i, found := slices.BinarySearch(m.ReadBy, userID)
	if found {
		return false
	}
	m.ReadBy = slices.Insert(m.ReadBy, i, userID)
	return true
}

// Normalize restores the aggregate invariants after decoding or merging:
// sorted read-by set, reaction counts equal to distinct users and the
// reacted-by-me flag derived from selfID.
func (m *Message) Normalize(selfID int64) {
	if len(m.ReadBy) > 0 {
		slices.Sort(m.ReadBy)
		m.ReadBy = slices.Compact(m.ReadBy)
	}
	for emoji, r := range m.Reactions {
		if r == nil {
			delete(m.Reactions, emoji)
			continue
		}
		r.normalize(selfID)
		if r.Count == 0 {
			delete(m.Reactions, emoji)
		}
	}
	if m.Status == "" {
		m.Status = StatusConfirmed
	}
}

func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		c := *m.Content
		out.Content = &c
	}
	if m.ReplyToID != nil {
		r := *m.ReplyToID
		out.ReplyToID = &r
	}
	if m.EditedAt != nil {
		e := *m.EditedAt
		out.EditedAt = &e
	}
	if m.Attachments != nil {
		out.Attachments = make([]uploads.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			out.Attachments[i] = a.Clone()
		}
	}
	out.ReadBy = slices.Clone(m.ReadBy)
	if m.Reactions != nil {
		out.Reactions = make(map[string]*Reaction, len(m.Reactions))
		for emoji, r := range m.Reactions {
			rc := r.Clone()
			out.Reactions[emoji] = &rc
		}
	}
	return out
}

// Reaction is the per-emoji aggregate of a message.
type Reaction struct {
	Count       int     `json:"count"`
	ReactedByMe bool    `json:"reacted_by_me"`
	Users       []int64 `json:"users"`
}

func NewReaction(users []int64, selfID int64) *Reaction {
	r := &Reaction{Users: slices.Clone(users)}
	r.normalize(selfID)
	return r
}

func (r *Reaction) normalize(selfID int64) {
	slices.Sort(r.Users)
	r.Users = slices.Compact(r.Users)
	r.Count = len(r.Users)
	r.ReactedByMe = r.Has(selfID)
}

func (r *Reaction) Has(userID int64) bool {
	_, found := slices.BinarySearch(r.Users, userID)
	return found
}

func (r Reaction) Clone() Reaction {
	r.Users = slices.Clone(r.Users)
	return r
}

// SetReaction sets whether userID reacted with emoji, keeping the aggregate
// consistent. It reports whether anything changed.
func (m *Message) SetReaction(emoji string, userID, selfID int64, on bool) bool {
	r := m.Reactions[emoji]
	if r == nil {
		r = &Reaction{}
	}

	if r.Has(userID) == on {
		return false
	}

	if on {
		r.Users = append(r.Users, userID)
	} else {
		r.Users = slices.DeleteFunc(r.Users, func(id int64) bool { return id == userID })
	}
	r.normalize(selfID)

	if m.Reactions == nil {
		m.Reactions = make(map[string]*Reaction)
	}
	if r.Count == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = r
	}
	return true
}

// ReactionUsers returns the users that reacted with emoji.
func (m *Message) ReactionUsers(emoji string) []int64 {
	if r := m.Reactions[emoji]; r != nil {
		return slices.Clone(r.Users)
	}
	return nil
}

// ReplaceReaction installs an authoritative aggregate for one emoji.
func (m *Message) ReplaceReaction(emoji string, users []int64, selfID int64) {
	if len(users) == 0 {
		delete(m.Reactions, emoji)
		return
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]*Reaction)
	}
	m.Reactions[emoji] = NewReaction(users, selfID)
}

func EqualReactions(a, b map[string]*Reaction) bool {
	return maps.EqualFunc(a, b, func(x, y *Reaction) bool {
		return slices.Equal(x.Users, y.Users)
	})
}

type SendRequest struct {
	ClientID         string               `json:"client_id"`
	Text             *string              `json:"text,omitempty"`
	Attachments      []uploads.Attachment `json:"attachments,omitempty"`
	ReplyToMessageID *int64               `json:"reply_to_message_id,omitempty"`
}

type EditRequest struct {
	Text string `json:"text"`
}

type SetLastReadMessageRequest struct {
	LastReadMessageID int64 `json:"last_read_message_id"`
}

// ReactionState is the authoritative aggregate returned by the reaction
// endpoints and carried by reaction_changed events.
type ReactionState struct {
	MessageID int64   `json:"message_id"`
	Emoji     string  `json:"emoji"`
	Users     []int64 `json:"users"`
}

// ReadReceipt is the server's canonical read marker of one user.
type ReadReceipt struct {
	ConversationID    int64 `json:"chat_id"`
	UserID            int64 `json:"user_id"`
	LastReadMessageID int64 `json:"last_read_message_id"`
}

// Page is one cursor page of history, oldest first.
type Page struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"next_cursor"`
	HasMore    bool      `json:"has_more"`
}
