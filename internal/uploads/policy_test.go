package uploads

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	const id = "uploads/0190f1e8-7c3a-7b4c-9d2e-5f6a7b8c9d0e"

	tests := []struct {
		name    string
		att     Attachment
		wantErr error
	}{
		{
			name: "image with extension",
			att:  Attachment{FileID: id + ".png", ContentType: "image/png"},
		},
		{
			name: "document without extension",
			att:  Attachment{FileID: id, ContentType: "application/pdf"},
		},
		{
			name:    "foreign prefix",
			att:     Attachment{FileID: "avatars/" + id[len("uploads/"):], ContentType: "image/png"},
			wantErr: ErrInvalidFileId,
		},
		{
			name:    "path traversal",
			att:     Attachment{FileID: "uploads/../secret", ContentType: "image/png"},
			wantErr: ErrInvalidFileId,
		},
		{
			name:    "missing content type",
			att:     Attachment{FileID: id},
			wantErr: ErrContentTypeIsRequired,
		},
		{
			name:    "unsupported content type",
			att:     Attachment{FileID: id, ContentType: "application/x-msdownload"},
			wantErr: ErrInvalidContentType,
		},
		{
			name:    "extension mismatch",
			att:     Attachment{FileID: id + ".jpg", ContentType: "image/png"},
			wantErr: ErrContentTypeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.att)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
