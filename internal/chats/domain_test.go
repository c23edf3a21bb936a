package chatsdomain

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
)

func TestDisplayName(t *testing.T) {
	direct := Conversation{
		Type: TypeDirect,
		Participants: []Participant{
			{ID: 1, Name: "me", AvatarURL: "me.png"},
			{ID: 2, Name: "Dana", AvatarURL: "dana.png"},
		},
	}
	assert.Equal(t, "Dana", direct.DisplayName(1))
	assert.Equal(t, "dana.png", direct.Avatar(1))

	group := Conversation{
		Type:         TypeGroup,
		Participants: []Participant{{ID: 1, Name: "me"}, {ID: 2, Name: "Dana"}, {ID: 3, Name: "Lee"}},
	}
	assert.Equal(t, "Dana, Lee", group.DisplayName(1))

	group.Title = "Incident #42"
	assert.Equal(t, "Incident #42", group.DisplayName(1))
}

func TestCompareActivity(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	list := []Conversation{
		{ID: 1},
		{ID: 2, LastActivityAt: t0, LastMessage: &messagesdomain.Message{ID: 10}},
		{ID: 3, LastActivityAt: t0.Add(time.Minute), LastMessage: &messagesdomain.Message{ID: 11}},
		{ID: 4, LastActivityAt: t0, LastMessage: &messagesdomain.Message{ID: 12}},
	}
	slices.SortFunc(list, CompareActivity)

	ids := make([]int64, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []int64{3, 4, 2, 1}, ids)
}

func TestTouch(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := Conversation{ID: 1}

	assert.True(t, c.Touch(messagesdomain.Message{ID: 2, CreatedAt: t0}))
	assert.False(t, c.Touch(messagesdomain.Message{ID: 1, CreatedAt: t0}))
	assert.Equal(t, int64(2), c.LastMessage.ID)
	assert.Equal(t, t0, c.LastActivityAt)

	assert.True(t, c.Touch(messagesdomain.Message{ID: 2, CreatedAt: t0, Deleted: true}))
	assert.True(t, c.LastMessage.Deleted)
}
