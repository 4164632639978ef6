package domain

import "time"

// Attachment is a file uploaded into a room.
type Attachment struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	SenderID    string    `json:"sender_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Token returns the attachment reference content for this file.
func (a *Attachment) Token() Content {
	return AttachmentContent(a.Filename, a.ID)
}
