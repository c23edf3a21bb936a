package messages

import (
	"errors"
	"fmt"
)

var (
	ErrTextOrAttachmentsIsRequired = errors.New("text or attachments is required")
	ErrTooManyAttachments          = errors.New("too many attachments")
	ErrInvalidLastReadMessageId    = errors.New("invalid lastReadMessageId")
	ErrMessageIsNotExist           = errors.New("message is not exist")
	ErrMessageIsDeleted            = errors.New("message is deleted")
	ErrPendingIsNotExist           = errors.New("pending message is not exist")
	ErrNotRetryable                = errors.New("message is not in a retryable state")
	ErrEmptyEmoji                  = errors.New("emoji is required")
)

// MutationError is the retryable, per-message error surfaced after an
// optimistic change was rolled back.
type MutationError struct {
	Op             string
	ConversationID int64
	MessageID      int64
	Err            error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s chat=%d message=%d: %v", e.Op, e.ConversationID, e.MessageID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
