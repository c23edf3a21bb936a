package uploads

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

const keyPrefix = "uploads/"

var allowedContentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/heic": ".heic",

	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/vnd.ms-excel": ".xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.ms-powerpoint":                                             ".ppt",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",

	"application/zip": ".zip",

	"audio/mpeg": ".mp3",
	"audio/ogg":  ".ogg",
	"audio/webm": ".webm",
	"audio/wav":  ".wav",

	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

func ExtForContentType(ct string) (string, bool) {
	ext, ok := allowedContentTypes[ct]
	return ext, ok
}

func IsValidContentType(ct string) bool {
	_, exist := allowedContentTypes[ct]
	return exist
}

// Validate checks an attachment reference before it is sent with a message.
// File ids are upload keys of the form "uploads/<uuid>[.ext]".
func Validate(att Attachment) error {
	if err := validateKey(att.FileID); err != nil {
		return err
	}

	if att.ContentType == "" {
		return ErrContentTypeIsRequired
	}

	ext, ok := ExtForContentType(att.ContentType)
	if !ok {
		return ErrInvalidContentType
	}

	if fExt := path.Ext(att.FileID); fExt != "" && fExt != ext {
		return ErrContentTypeMismatch
	}

	return nil
}

func validateKey(key string) error {
	if !strings.HasPrefix(key, keyPrefix) || strings.Contains(key, "..") {
		return ErrInvalidFileId
	}

	base := strings.TrimPrefix(key, keyPrefix)
	base = strings.TrimSuffix(base, path.Ext(base))
	if _, err := uuid.Parse(base); err != nil {
		return ErrInvalidFileId
	}

	return nil
}
