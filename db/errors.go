package db

import (
	"database/sql"
	"errors"
)

// Sentinel errors for database operations
var (
	// ErrMailboxNotFound indicates that a mailbox was not found in the database
	ErrMailboxNotFound = errors.New("mailbox not found")

	// ErrMessageNotFound indicates that a message was not found in the database
	ErrMessageNotFound = errors.New("message not found")

	// ErrAttachmentNotFound indicates that an attachment was not found in the database
	ErrAttachmentNotFound = errors.New("attachment not found")

	// ErrSettingNotFound indicates that a settings key has no stored value
	ErrSettingNotFound = errors.New("setting not found")
)

// isNoRows reports whether err is the database/sql empty-result sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
