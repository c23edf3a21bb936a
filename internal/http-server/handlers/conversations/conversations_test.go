package conversationsHandler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatsdomain "github.com/kgellert/hodatay-chatsync/internal/chats"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
)

type fakeService struct {
	list []chatsdomain.Conversation
}

func (f fakeService) SelfID() int64 { return 1 }

func (f fakeService) Conversations() []chatsdomain.Conversation { return f.list }

func (f fakeService) Conversation(chatID int64) (chatsdomain.Conversation, bool) {
	for _, c := range f.list {
		if c.ID == chatID {
			return c, true
		}
	}
	return chatsdomain.Conversation{}, false
}

func router() http.Handler {
	svc := fakeService{list: []chatsdomain.Conversation{{
		ID:   10,
		Type: chatsdomain.TypeDirect,
		Participants: []chatsdomain.Participant{
			{ID: 1, Name: "me"},
			{ID: 2, Name: "Alice", AvatarURL: "https://cdn.test/alice.png"},
		},
		UnreadCount: 3,
	}}}

	r := chi.NewRouter()
	r.Get("/conversations", GetConversations(sl.Discard(), svc))
	r.Get("/conversations/{chatId}", GetConversation(sl.Discard(), svc))
	return r
}

func TestGetConversations(t *testing.T) {
	rec := httptest.NewRecorder()
	router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body GetConversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Conversations, 1)
	assert.Equal(t, "Alice", body.Conversations[0].DisplayName)
	assert.Equal(t, "https://cdn.test/alice.png", body.Conversations[0].Avatar)
	assert.Equal(t, int64(3), body.Conversations[0].UnreadCount)
}

func TestGetConversation(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "known", path: "/conversations/10", status: http.StatusOK},
		{name: "unknown", path: "/conversations/11", status: http.StatusNotFound},
		{name: "bad id", path: "/conversations/x", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
