package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pulsarmail/pulsar/logger"
)

// Message is a captured mail message. Optional columns are pointers and nil
// when the original message did not carry them.
type Message struct {
	ID             int64     `db:"id" json:"id"`
	MailboxID      int64     `db:"mailbox_id" json:"mailboxId"`
	MessageRef     *string   `db:"message_ref" json:"messageRef,omitempty"`
	FromAddress    string    `db:"from_address" json:"from"`
	ToAddress      string    `db:"to_address" json:"to"`
	Subject        *string   `db:"subject" json:"subject,omitempty"`
	TextBody       *string   `db:"text_body" json:"textBody,omitempty"`
	HTMLBody       *string   `db:"html_body" json:"htmlBody,omitempty"`
	HeadersBlob    string    `db:"headers_blob" json:"headers"`
	RawSource      string    `db:"raw_source" json:"rawSource"`
	HasAttachments bool      `db:"has_attachments" json:"hasAttachments"`
	IsRead         bool      `db:"is_read" json:"isRead"`
	ReceivedAt     time.Time `db:"received_at" json:"receivedAt"`
}

// MessageDetail is a message together with its attachment rows (metadata
// only; attachment content is fetched individually via GetAttachment).
type MessageDetail struct {
	Message
	Attachments []AttachmentInfo `json:"attachments"`
}

// MessageData is the decoded form of a submitted message, ready for
// persistence.
type MessageData struct {
	MessageRef  string // Message-ID header, may be empty
	From        string
	To          string
	Subject     string
	TextBody    string
	HTMLBody    string
	HeadersJSON string // serialized ordered header list
	RawSource   []byte
	Attachments []AttachmentData
}

// AttachmentData is a decoded attachment pending persistence.
type AttachmentData struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// Delivered identifies the rows created by a successful delivery.
type Delivered struct {
	MailboxID int64
	MessageID int64
}

// DeliverMessage files a decoded message into the mailbox of username,
// creating the mailbox on first contact. The mailbox row, the message row and
// all attachment rows commit in a single transaction: either the whole
// message becomes visible or nothing does. has_attachments reflects the
// number of attachment rows actually written.
func (d *Database) DeliverMessage(ctx context.Context, username string, data *MessageData) (*Delivered, error) {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	mailbox, err := getOrCreateMailboxTx(ctx, tx, username)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			mailbox_id, message_ref, from_address, to_address, subject,
			text_body, html_body, headers_blob, raw_source,
			has_attachments, is_read
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		mailbox.ID,
		nullable(data.MessageRef),
		data.From,
		data.To,
		nullable(data.Subject),
		nullable(data.TextBody),
		nullable(data.HTMLBody),
		data.HeadersJSON,
		string(data.RawSource),
		len(data.Attachments) > 0,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	messageID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading message id: %w", err)
	}

	for _, att := range data.Attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (message_id, filename, content_type, size, content)
			VALUES (?, ?, ?, ?, ?)`,
			messageID, att.Filename, nullable(att.ContentType), att.Size, att.Content,
		); err != nil {
			return nil, fmt.Errorf("inserting attachment %q: %w", att.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delivery: %w", err)
	}

	logger.Info("message delivered",
		"mailbox_id", mailbox.ID,
		"message_id", messageID,
		"username", username,
		"attachments", len(data.Attachments),
	)
	return &Delivered{MailboxID: mailbox.ID, MessageID: messageID}, nil
}

// ListMessages returns all messages of a mailbox ordered by received time
// descending.
func (d *Database) ListMessages(ctx context.Context, mailboxID int64) ([]Message, error) {
	var messages []Message
	err := d.SelectContext(ctx, &messages, `
		SELECT * FROM messages
		WHERE mailbox_id = ?
		ORDER BY received_at DESC, id DESC`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("listing messages for mailbox %d: %w", mailboxID, err)
	}
	return messages, nil
}

// GetMessage returns a single message with its attachment metadata, or
// ErrMessageNotFound.
func (d *Database) GetMessage(ctx context.Context, id int64) (*MessageDetail, error) {
	var detail MessageDetail
	err := d.GetContext(ctx, &detail.Message, "SELECT * FROM messages WHERE id = ?", id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("reading message %d: %w", id, err)
	}

	err = d.SelectContext(ctx, &detail.Attachments, `
		SELECT id, message_id, filename, content_type, size
		FROM attachments
		WHERE message_id = ?
		ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("reading attachments of message %d: %w", id, err)
	}
	return &detail, nil
}

// MarkMessageRead flips a message to read and returns its mailbox id.
// Idempotent: marking an already-read message succeeds without change.
// is_read is monotonic, there is no inverse operation.
func (d *Database) MarkMessageRead(ctx context.Context, id int64) (int64, error) {
	var mailboxID int64
	err := d.GetContext(ctx, &mailboxID,
		"UPDATE messages SET is_read = 1 WHERE id = ? RETURNING mailbox_id", id)
	if err != nil {
		if isNoRows(err) {
			return 0, ErrMessageNotFound
		}
		return 0, fmt.Errorf("marking message %d read: %w", id, err)
	}
	return mailboxID, nil
}

// DeleteMessage removes a message and, via the schema cascade, all of its
// attachments. Returns the mailbox id the message belonged to.
func (d *Database) DeleteMessage(ctx context.Context, id int64) (int64, error) {
	var mailboxID int64
	err := d.GetContext(ctx, &mailboxID,
		"DELETE FROM messages WHERE id = ? RETURNING mailbox_id", id)
	if err != nil {
		if isNoRows(err) {
			return 0, ErrMessageNotFound
		}
		return 0, fmt.Errorf("deleting message %d: %w", id, err)
	}
	logger.Info("deleted message", "message_id", id, "mailbox_id", mailboxID)
	return mailboxID, nil
}

// DeleteMessages removes a batch of messages in one transaction, cascading to
// their attachments. Unknown ids are skipped. Returns the distinct mailbox
// ids that lost messages.
func (d *Database) DeleteMessages(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In("DELETE FROM messages WHERE id IN (?) RETURNING mailbox_id", ids)
	if err != nil {
		return nil, fmt.Errorf("building batch delete: %w", err)
	}

	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var mailboxIDs []int64
	if err := tx.SelectContext(ctx, &mailboxIDs, d.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("deleting messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing batch delete: %w", err)
	}

	logger.Info("deleted messages", "requested", len(ids), "deleted", len(mailboxIDs))
	return dedupe(mailboxIDs), nil
}

// TotalUnreadCount returns the number of unread messages across all
// mailboxes.
func (d *Database) TotalUnreadCount(ctx context.Context) (int, error) {
	var count int
	err := d.GetContext(ctx, &count, "SELECT COUNT(*) FROM messages WHERE is_read = 0")
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// MailboxUnreadCount returns the number of unread messages in one mailbox.
func (d *Database) MailboxUnreadCount(ctx context.Context, mailboxID int64) (int, error) {
	var count int
	err := d.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM messages WHERE mailbox_id = ? AND is_read = 0", mailboxID)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages for mailbox %d: %w", mailboxID, err)
	}
	return count, nil
}

// nullable maps an empty string to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
