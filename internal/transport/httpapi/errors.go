package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/kgellert/hodatay-chatsync/internal/api"
	chatsdomain "github.com/kgellert/hodatay-chatsync/internal/chats"
	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
	"github.com/kgellert/hodatay-chatsync/internal/uploads"
)

func MapError(err error) (status int, code, msg string) {
	switch {
	case errors.Is(err, chatsdomain.ErrChatNotFound):
		return http.StatusNotFound, "chat_not_found", err.Error()

	case errors.Is(err, chatsdomain.ErrInvalidChatID):
		return http.StatusBadRequest, "invalid_chat_id", err.Error()

	case errors.Is(err, chatsdomain.ErrChatNotWatched):
		return http.StatusConflict, "chat_not_watched", err.Error()

	case errors.Is(err, messagesdomain.ErrTextOrAttachmentsIsRequired):
		return http.StatusBadRequest, "text_or_attachments_required", err.Error()

	case errors.Is(err, messagesdomain.ErrTooManyAttachments):
		return http.StatusBadRequest, "too_many_attachments", err.Error()

	case errors.Is(err, messagesdomain.ErrInvalidLastReadMessageId):
		return http.StatusBadRequest, "invalid_last_read_message_id", err.Error()

	case errors.Is(err, messagesdomain.ErrEmptyEmoji):
		return http.StatusBadRequest, "emoji_required", err.Error()

	case errors.Is(err, messagesdomain.ErrMessageIsNotExist):
		return http.StatusNotFound, "message_not_found", err.Error()

	case errors.Is(err, messagesdomain.ErrPendingIsNotExist):
		return http.StatusNotFound, "pending_not_found", err.Error()

	case errors.Is(err, messagesdomain.ErrMessageIsDeleted):
		return http.StatusConflict, "message_deleted", err.Error()

	case errors.Is(err, messagesdomain.ErrNotRetryable):
		return http.StatusConflict, "not_retryable", err.Error()

	case errors.Is(err, uploads.ErrInvalidFileId),
		errors.Is(err, uploads.ErrContentTypeIsRequired),
		errors.Is(err, uploads.ErrInvalidContentType),
		errors.Is(err, uploads.ErrContentTypeMismatch):
		return http.StatusBadRequest, "invalid_attachment", err.Error()

	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request", err.Error()

	case api.IsUnauthorized(err):
		return http.StatusUnauthorized, "unauthorized", "session rejected by the chat server"

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "chat server did not answer in time"
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, "upstream_error", apiErr.Error()
	}

	return http.StatusInternalServerError, "internal_error", "internal server error"
}
