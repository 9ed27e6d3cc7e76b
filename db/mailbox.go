package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pulsarmail/pulsar/logger"
)

// Mailbox is a named bucket of captured messages, keyed by the username the
// submitting client authenticated with.
//
// MessageCount and UnreadCount are always computed from the owned message
// rows. The legacy message_count column still exists in the schema but is
// never read or maintained.
type Mailbox struct {
	ID           int64     `db:"id" json:"id"`
	Username     string    `db:"username" json:"username"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	MessageCount int       `db:"message_count" json:"messageCount"`
	UnreadCount  int       `db:"unread_count" json:"unreadCount"`
}

// GetOrCreateMailbox resolves the mailbox for username, creating it on first
// contact. Usernames are taken verbatim: byte-exact, case-sensitive, no
// trimming. Safe under concurrent first contact: the unique constraint on
// username arbitrates the creation race, and the loser reads the winner's row.
func (d *Database) GetOrCreateMailbox(ctx context.Context, username string) (*Mailbox, error) {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	mailbox, err := getOrCreateMailboxTx(ctx, tx, username)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return mailbox, nil
}

// getOrCreateMailboxTx is the transactional core of GetOrCreateMailbox,
// shared with message delivery so mailbox creation and the first message
// insert commit atomically.
func getOrCreateMailboxTx(ctx context.Context, tx *sqlx.Tx, username string) (*Mailbox, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO mailboxes (username) VALUES (?) ON CONFLICT(username) DO NOTHING",
		username)
	if err != nil {
		return nil, fmt.Errorf("inserting mailbox: %w", err)
	}

	var mailbox Mailbox
	err = tx.GetContext(ctx, &mailbox,
		"SELECT id, username, created_at, message_count FROM mailboxes WHERE username = ?",
		username)
	if err != nil {
		return nil, fmt.Errorf("reading mailbox: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		logger.Info("created mailbox", "username", username, "mailbox_id", mailbox.ID)
	}
	return &mailbox, nil
}

// ListMailboxes returns all mailboxes ordered by creation time descending,
// each annotated with live message and unread counts.
func (d *Database) ListMailboxes(ctx context.Context) ([]Mailbox, error) {
	var mailboxes []Mailbox
	err := d.SelectContext(ctx, &mailboxes, `
		SELECT
			m.id,
			m.username,
			m.created_at,
			COUNT(e.id) AS message_count,
			COALESCE(SUM(CASE WHEN e.is_read = 0 THEN 1 ELSE 0 END), 0) AS unread_count
		FROM mailboxes m
		LEFT JOIN messages e ON e.mailbox_id = m.id
		GROUP BY m.id
		ORDER BY m.created_at DESC, m.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	return mailboxes, nil
}

// GetMailbox returns a single mailbox by id with live counts.
func (d *Database) GetMailbox(ctx context.Context, id int64) (*Mailbox, error) {
	var mailbox Mailbox
	err := d.GetContext(ctx, &mailbox, `
		SELECT
			m.id,
			m.username,
			m.created_at,
			COUNT(e.id) AS message_count,
			COALESCE(SUM(CASE WHEN e.is_read = 0 THEN 1 ELSE 0 END), 0) AS unread_count
		FROM mailboxes m
		LEFT JOIN messages e ON e.mailbox_id = m.id
		WHERE m.id = ?
		GROUP BY m.id`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrMailboxNotFound
		}
		return nil, fmt.Errorf("reading mailbox %d: %w", id, err)
	}
	return &mailbox, nil
}

// DeleteMailbox removes a mailbox together with its messages and their
// attachments. Not exposed through the boundary API, but the cascade is part
// of the schema contract.
func (d *Database) DeleteMailbox(ctx context.Context, id int64) error {
	res, err := d.ExecContext(ctx, "DELETE FROM mailboxes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting mailbox %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMailboxNotFound
	}
	logger.Info("deleted mailbox", "mailbox_id", id)
	return nil
}
