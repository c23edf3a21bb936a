package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
)

func encode(t *testing.T, chatID int64, typ EventType, payload any) []byte {
	t.Helper()

	evt, err := NewEvent(chatID, typ, payload)
	require.NoError(t, err)
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return data
}

func TestDecode_NewMessage(t *testing.T) {
	data := encode(t, 4, MessageNew, MessageNewPayload{
		Message: messagesdomain.Message{ID: 10, SenderID: 2, Content: messagesdomain.Text("hi")},
	})

	evt, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, MessageNew, evt.Type)
	require.NotNil(t, evt.Message)
	assert.Equal(t, int64(4), evt.Message.ConversationID)
	assert.Equal(t, "hi", evt.Message.ContentString())
}

func TestDecode_Typed(t *testing.T) {
	evt, err := Decode(encode(t, 4, Typing, TypingPayload{UserID: 3, IsTyping: true}))
	require.NoError(t, err)
	require.NotNil(t, evt.Typing)
	assert.Equal(t, int64(3), evt.Typing.UserID)

	evt, err = Decode(encode(t, 4, MessagesDeleted, MessagesDeletePayload{IDs: []int64{1, 2}}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, evt.DeletedIDs)

	evt, err = Decode(encode(t, 4, ReactionChanged, messagesdomain.ReactionState{MessageID: 1, Emoji: "👍", Users: []int64{2}}))
	require.NoError(t, err)
	require.NotNil(t, evt.Reaction)
	assert.Equal(t, "👍", evt.Reaction.Emoji)

	evt, err = Decode(encode(t, 4, MessageRead, MessageReadPayload{UserID: 2, LastReadMessageID: 9}))
	require.NoError(t, err)
	require.NotNil(t, evt.Read)
	assert.Equal(t, int64(9), evt.Read.LastReadMessageID)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte(`{"type":"presence","chat_id":1,"payload":{}}`))
	require.ErrorIs(t, err, ErrUnknownEventType)

	_, err = Decode([]byte(`{not json`))
	require.ErrorIs(t, err, ErrMalformedEvent)

	_, err = Decode([]byte(`{"type":"typing","chat_id":1}`))
	require.ErrorIs(t, err, ErrMalformedEvent)

	_, err = Decode([]byte(`{"type":"new_message","chat_id":1,"payload":{"message":{"text":"x"}}}`))
	require.ErrorIs(t, err, ErrMalformedEvent)
}
