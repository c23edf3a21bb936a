package mutations

import (
	"fmt"
	"strings"

	messagesdomain "github.com/kgellert/hodatay-chatsync/internal/messages"
	"github.com/kgellert/hodatay-chatsync/internal/uploads"
)

// Draft is what the composer submits.
type Draft struct {
	Content     *string              `json:"text,omitempty"`
	Attachments []uploads.Attachment `json:"attachments,omitempty"`
	ReplyToID   *int64               `json:"reply_to_message_id,omitempty"`
}

func (d Draft) Validate(maxAttachments int) error {
	hasText := d.Content != nil && strings.TrimSpace(*d.Content) != ""
	if !hasText && len(d.Attachments) == 0 {
		return messagesdomain.ErrTextOrAttachmentsIsRequired
	}
	if maxAttachments > 0 && len(d.Attachments) > maxAttachments {
		return messagesdomain.ErrTooManyAttachments
	}
	for i, att := range d.Attachments {
		if err := uploads.Validate(att); err != nil {
			return fmt.Errorf("attachment %d: %w", i, err)
		}
	}
	return nil
}

func (d Draft) request(clientID string) messagesdomain.SendRequest {
	req := messagesdomain.SendRequest{
		ClientID:         clientID,
		ReplyToMessageID: d.ReplyToID,
	}
	if d.Content != nil && strings.TrimSpace(*d.Content) != "" {
		req.Text = messagesdomain.Text(*d.Content)
	}
	for _, att := range d.Attachments {
		req.Attachments = append(req.Attachments, att.Clone())
	}
	return req
}
