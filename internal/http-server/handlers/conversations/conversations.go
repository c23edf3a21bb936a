package conversationsHandler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	chatsdomain "github.com/kgellert/hodatay-chatsync/internal/chats"
	resp "github.com/kgellert/hodatay-chatsync/internal/lib"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	"github.com/kgellert/hodatay-chatsync/internal/transport/httpapi"
)

// ConversationView is a list entry with the names derived for the current
// user.
type ConversationView struct {
	chatsdomain.Conversation
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

type GetConversationsResponse struct {
	resp.Response
	Conversations []ConversationView `json:"conversations"`
}

type GetConversationResponse struct {
	resp.Response
	Conversation ConversationView `json:"conversation"`
}

type ConversationsService interface {
	SelfID() int64
	Conversations() []chatsdomain.Conversation
	Conversation(chatID int64) (chatsdomain.Conversation, bool)
}

func view(c chatsdomain.Conversation, selfID int64) ConversationView {
	return ConversationView{
		Conversation: c,
		DisplayName:  c.DisplayName(selfID),
		Avatar:       c.Avatar(selfID),
	}
}

func GetConversations(log *slog.Logger, svc ConversationsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.conversations.GetConversations"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		selfID := svc.SelfID()
		list := svc.Conversations()
		out := make([]ConversationView, 0, len(list))
		for _, c := range list {
			out = append(out, view(c, selfID))
		}

		log.Debug("conversations listed", slog.Int("count", len(out)))

		render.JSON(w, r, GetConversationsResponse{
			Response:      resp.OK(),
			Conversations: out,
		})
	}
}

func GetConversation(log *slog.Logger, svc ConversationsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.conversations.GetConversation"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		chatID, err := httpapi.IDParam(r, "chatId")
		if err != nil {
			log.Warn("invalid chatId", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		c, ok := svc.Conversation(chatID)
		if !ok {
			httpapi.WriteError(w, r, chatsdomain.ErrChatNotFound)
			return
		}

		render.JSON(w, r, GetConversationResponse{
			Response:     resp.OK(),
			Conversation: view(c, svc.SelfID()),
		})
	}
}
