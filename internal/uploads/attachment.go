package uploads

// Attachment is a reference to an already uploaded file carried by a message.
type Attachment struct {
	FileID      string `json:"file_id"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Width       *int   `json:"width,omitempty"`
	Height      *int   `json:"height,omitempty"`
}

func (a Attachment) Clone() Attachment {
	out := a
	if a.Width != nil {
		w := *a.Width
		out.Width = &w
	}
	if a.Height != nil {
		h := *a.Height
		out.Height = &h
	}
	return out
}
