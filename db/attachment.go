package db

import (
	"context"
	"fmt"
)

// AttachmentInfo is attachment metadata without the content blob.
type AttachmentInfo struct {
	ID          int64   `db:"id" json:"id"`
	MessageID   int64   `db:"message_id" json:"messageId"`
	Filename    string  `db:"filename" json:"filename"`
	ContentType *string `db:"content_type" json:"contentType,omitempty"`
	Size        int64   `db:"size" json:"size"`
}

// Attachment is a full attachment row including its content.
type Attachment struct {
	AttachmentInfo
	Content []byte `db:"content" json:"-"`
}

// GetAttachment returns an attachment with its content, or
// ErrAttachmentNotFound.
func (d *Database) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	var att Attachment
	err := d.GetContext(ctx, &att, `
		SELECT id, message_id, filename, content_type, size, content
		FROM attachments
		WHERE id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("reading attachment %d: %w", id, err)
	}
	return &att, nil
}
