package chatsdomain

import (
	"errors"
)

var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrChatsNotFound  = errors.New("chats not found")
	ErrChatNotWatched = errors.New("chat is not open in any view")
	ErrInvalidChatID  = errors.New("invalid chat id")
)
