package chatsdomain

import (
	"slices"
	"strings"
	"time"

	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
)

type Type string

const (
	TypeDirect Type = "direct"
	TypeGroup  Type = "group"
)

type Participant struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Conversation struct {
	ID                int64                   `json:"id"`
	Type              Type                    `json:"type"`
	Title             string                  `json:"title,omitempty"`
	AvatarURL         string                  `json:"avatar_url,omitempty"`
	Participants      []Participant           `json:"users"`
	LastMessage       *messagesdomain.Message `json:"last_message"`
	LastActivityAt    time.Time               `json:"last_activity_at"`
	UnreadCount       int64                   `json:"unread_count"`
	LastReadMessageID int64                   `json:"last_read_message_id,omitempty"`
}

// DisplayName derives the conversation title shown to selfID: the peer's
// name for direct chats, the explicit title or joined member names for
// groups.
func (c *Conversation) DisplayName(selfID int64) string {
	if c.Type == TypeGroup && c.Title != "" {
		return c.Title
	}

	names := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID == selfID {
			continue
		}
		names = append(names, p.Name)
	}

	if len(names) == 0 {
		return c.Title
	}
	return strings.Join(names, ", ")
}

func (c *Conversation) Avatar(selfID int64) string {
	if c.Type == TypeGroup {
		return c.AvatarURL
	}
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p.AvatarURL
		}
	}
	return c.AvatarURL
}

func (c *Conversation) HasParticipant(userID int64) bool {
	return slices.ContainsFunc(c.Participants, func(p Participant) bool { return p.ID == userID })
}

// Touch advances last activity to msg if msg is newer than what is known.
// A message with the last message's id replaces it (edits, tombstones).
func (c *Conversation) Touch(msg messagesdomain.Message) bool {
	if c.LastMessage != nil && c.LastMessage.ID == msg.ID {
		m := msg.Clone()
		c.LastMessage = &m
		return true
	}
	if c.LastMessage != nil && !c.LastMessage.Key().Less(msg.Key()) {
		return false
	}
	m := msg.Clone()
	c.LastMessage = &m
	if msg.CreatedAt.After(c.LastActivityAt) {
		c.LastActivityAt = msg.CreatedAt
	}
	return true
}

func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		out.LastMessage = &m
	}
	return out
}

// CompareActivity orders conversations most recent activity first; ties by
// last message id, then by conversation id. Conversations without any
// activity sort last.
func CompareActivity(a, b Conversation) int {
	aEmpty, bEmpty := a.LastActivityAt.IsZero(), b.LastActivityAt.IsZero()
	switch {
	case aEmpty && !bEmpty:
		return 1
	case !aEmpty && bEmpty:
		return -1
	}

	if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
		return c
	}

	var aLast, bLast int64
	if a.LastMessage != nil {
		aLast = a.LastMessage.ID
	}
	if b.LastMessage != nil {
		bLast = b.LastMessage.ID
	}
	switch {
	case aLast > bLast:
		return -1
	case aLast < bLast:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

type ListPage struct {
	Conversations []Conversation `json:"conversations"`
	NextCursor    string         `json:"next_cursor"`
	HasMore       bool           `json:"has_more"`
}
