package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	resp "github.com/kgellert/hodatay-chatsync/internal/lib"
	"github.com/kgellert/hodatay-chatsync/internal/lib/logger/sl"
	"github.com/kgellert/hodatay-chatsync/internal/messages"
	"github.com/kgellert/hodatay-chatsync/internal/messages/store"
	"github.com/kgellert/hodatay-chatsync/internal/mutations"
	"github.com/kgellert/hodatay-chatsync/internal/transport/httpapi"
)

// Engine is the part of the sync engine the message routes drive.
type Engine interface {
	Messages(chatID int64) []messages.Message
	Meta(chatID int64) store.Meta
	FetchOlder(ctx context.Context, chatID int64) (messages.Page, error)
	ViewportChanged(chatID int64, oldestVisibleIndex int) bool

	Send(chatID int64, d mutations.Draft) (string, <-chan error)
	Retry(chatID int64, clientID string) <-chan error
	Discard(chatID int64, clientID string) error
	EditMessage(chatID, messageID int64, content string) <-chan error
	DeleteMessage(chatID, messageID int64) <-chan error
	ToggleReaction(chatID, messageID int64, emoji string) <-chan error
	MarkRead(chatID, messageID int64) <-chan error
	SetTyping(chatID int64, isTyping bool)
}

type GetMessagesResponse struct {
	resp.Response
	Messages []messages.Message `json:"messages"`
	Loaded   bool               `json:"loaded"`
	HasMore  bool               `json:"has_more"`
	Fetching bool               `json:"fetching"`
}

type FetchOlderResponse struct {
	resp.Response
	Fetched int  `json:"fetched"`
	HasMore bool `json:"has_more"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

type ViewportRequest struct {
	OldestVisibleIndex int `json:"oldest_visible_index"`
}

type ViewportResponse struct {
	resp.Response
	Prefetching bool `json:"prefetching"`
}

type DeleteMessagesRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

type Handler struct {
	engine Engine
	log    *slog.Logger
}

func New(engine Engine, log *slog.Logger) *Handler {
	return &Handler{engine: engine, log: log}
}

func (h *Handler) logger(r *http.Request, op string) *slog.Logger {
	return h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)
}

// respond reports a mutation whose outcome may still be in flight. Errors
// known by now (validation, missing message) are returned directly.
func respond(w http.ResponseWriter, r *http.Request, log *slog.Logger, clientID string, done <-chan error) {
	select {
	case err := <-done:
		if err != nil {
			log.Warn("mutation failed", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}
		resp.WriteMutation(w, r, clientID, false)
	default:
		resp.WriteMutation(w, r, clientID, true)
	}
}

func decode(r *http.Request, v any) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return fmt.Errorf("%w: %v", httpapi.ErrBadRequest, err)
	}
	return nil
}

func (h *Handler) GetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.GetMessages")

		chatID, err := httpapi.IDParam(r, "chatId")
		if err != nil {
			log.Warn("invalid chatId", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		msgs := h.engine.Messages(chatID)
		if msgs == nil {
			msgs = []messages.Message{}
		}
		meta := h.engine.Meta(chatID)

		render.JSON(w, r, GetMessagesResponse{
			Response: resp.OK(),
			Messages: msgs,
			Loaded:   meta.Loaded,
			HasMore:  meta.HasMore,
			Fetching: meta.Fetching,
		})
	}
}

func (h *Handler) FetchOlder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.FetchOlder")

		chatID, err := httpapi.IDParam(r, "chatId")
		if err != nil {
			log.Warn("invalid chatId", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		page, err := h.engine.FetchOlder(r.Context(), chatID)
		if err != nil {
			log.Error("failed to fetch history", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		render.JSON(w, r, FetchOlderResponse{
			Response: resp.OK(),
			Fetched:  len(page.Items),
			HasMore:  h.engine.Meta(chatID).HasMore,
		})
	}
}

func (h *Handler) Viewport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.Viewport")

		chatID, err := httpapi.IDParam(r, "chatId")
		if err != nil {
			log.Warn("invalid chatId", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		var req ViewportRequest
		if err := decode(r, &req); err != nil {
			log.Warn("decode request error", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		render.JSON(w, r, ViewportResponse{
			Response:    resp.OK(),
			Prefetching: h.engine.ViewportChanged(chatID, req.OldestVisibleIndex),
		})
	}
}

func (h *Handler) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.SendMessage")

		chatID, err := httpapi.IDParam(r, "chatId")
		if err != nil {
			log.Warn("invalid chatId", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		var draft mutations.Draft
		if err := decode(r, &draft); err != nil {
			log.Warn("decode request error", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		clientID, done := h.engine.Send(chatID, draft)
		respond(w, r, log, clientID, done)
	}
}

func (h *Handler) RetryMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.RetryMessage")

		chatID, err := httpapi.IDParam(r, "chatId")
		if err != nil {
			log.Warn("invalid chatId", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}
		clientID := chi.URLParam(r, "clientId")

		respond(w, r, log, clientID, h.engine.Retry(chatID, clientID))
	}
}

func (h *Handler) DiscardMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.DiscardMessage")

		chatID, err := httpapi.IDParam(r, "chatId")
		if err != nil {
			log.Warn("invalid chatId", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		if err := h.engine.Discard(chatID, chi.URLParam(r, "clientId")); err != nil {
			log.Warn("failed to discard message", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		render.NoContent(w, r)
	}
}

func (h *Handler) EditMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.EditMessage")

		chatID, messageID, err := messageParams(r)
		if err != nil {
			log.Warn("invalid path", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		var req messages.EditRequest
		if err := decode(r, &req); err != nil {
			log.Warn("decode request error", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		respond(w, r, log, "", h.engine.EditMessage(chatID, messageID, req.Text))
	}
}

func (h *Handler) DeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.DeleteMessage")

		chatID, messageID, err := messageParams(r)
		if err != nil {
			log.Warn("invalid path", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		respond(w, r, log, "", h.engine.DeleteMessage(chatID, messageID))
	}
}

// DeleteMessages tombstones a selection. The first error known by now
// fails the request; the others are reconciled in the background.
func (h *Handler) DeleteMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.DeleteMessages")

		chatID, err := httpapi.IDParam(r, "chatId")
		if err != nil {
			log.Warn("invalid chatId", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		var req DeleteMessagesRequest
		if err := decode(r, &req); err != nil {
			log.Warn("invalid messageIDs", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		pending := false
		for _, id := range req.MessageIDs {
			select {
			case err := <-h.engine.DeleteMessage(chatID, id):
				if err != nil {
					log.Warn("failed to delete message", slog.Int64("message_id", id), sl.Err(err))
					httpapi.WriteError(w, r, err)
					return
				}
			default:
				pending = true
			}
		}

		resp.WriteMutation(w, r, "", pending)
	}
}

func (h *Handler) ToggleReaction() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.ToggleReaction")

		chatID, messageID, err := messageParams(r)
		if err != nil {
			log.Warn("invalid path", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		var req ReactionRequest
		if err := decode(r, &req); err != nil {
			log.Warn("decode request error", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		respond(w, r, log, "", h.engine.ToggleReaction(chatID, messageID, req.Emoji))
	}
}

func (h *Handler) SetLastReadMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.SetLastReadMessage")

		chatID, err := httpapi.IDParam(r, "chatId")
		if err != nil {
			log.Warn("invalid chatId", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		var req messages.SetLastReadMessageRequest
		if err := decode(r, &req); err != nil {
			log.Warn("decode request error", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		respond(w, r, log, "", h.engine.MarkRead(chatID, req.LastReadMessageID))
	}
}

func (h *Handler) SetTyping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.logger(r, "handlers.messages.SetTyping")

		chatID, err := httpapi.IDParam(r, "chatId")
		if err != nil {
			log.Warn("invalid chatId", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		var req TypingRequest
		if err := decode(r, &req); err != nil {
			log.Warn("decode request error", sl.Err(err))
			httpapi.WriteError(w, r, err)
			return
		}

		h.engine.SetTyping(chatID, req.IsTyping)

		render.NoContent(w, r)
	}
}

func messageParams(r *http.Request) (chatID, messageID int64, err error) {
	if chatID, err = httpapi.IDParam(r, "chatId"); err != nil {
		return 0, 0, err
	}
	if messageID, err = httpapi.IDParam(r, "messageId"); err != nil {
		return 0, 0, err
	}
	return chatID, messageID, nil
}
