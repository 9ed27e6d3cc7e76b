// Package api is the boundary surface consumed by the presentation layer:
// mailbox and message queries, mutations, attachment export, settings and
// the event subscription. It carries no UI dependencies.
package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pulsarmail/pulsar/config"
	"github.com/pulsarmail/pulsar/db"
	"github.com/pulsarmail/pulsar/events"
	"github.com/pulsarmail/pulsar/logger"
	"github.com/pulsarmail/pulsar/server/smtpcapture"
)

// API exposes the capture service to a presentation layer.
type API struct {
	store      *db.Database
	notifier   *events.Notifier
	controller *smtpcapture.Controller
}

// New wires the boundary API.
func New(store *db.Database, notifier *events.Notifier, controller *smtpcapture.Controller) *API {
	return &API{
		store:      store,
		notifier:   notifier,
		controller: controller,
	}
}

// ListMailboxes returns all mailboxes, newest first, with live counts.
func (a *API) ListMailboxes(ctx context.Context) ([]db.Mailbox, error) {
	return a.store.ListMailboxes(ctx)
}

// ListMessages returns the messages of a mailbox, newest first.
func (a *API) ListMessages(ctx context.Context, mailboxID int64) ([]db.Message, error) {
	return a.store.ListMessages(ctx, mailboxID)
}

// GetMessage returns a message with its attachment metadata.
func (a *API) GetMessage(ctx context.Context, id int64) (*db.MessageDetail, error) {
	return a.store.GetMessage(ctx, id)
}

// MarkRead marks a message read and pushes updated unread aggregates.
func (a *API) MarkRead(ctx context.Context, id int64) error {
	mailboxID, err := a.store.MarkMessageRead(ctx, id)
	if err != nil {
		return err
	}
	a.notifier.MailboxChanged(ctx, mailboxID)
	return nil
}

// DeleteMessage deletes one message, cascading to its attachments.
func (a *API) DeleteMessage(ctx context.Context, id int64) error {
	mailboxID, err := a.store.DeleteMessage(ctx, id)
	if err != nil {
		return err
	}
	a.notifier.MailboxChanged(ctx, mailboxID)
	return nil
}

// DeleteMessages deletes a batch of messages in a single transaction.
func (a *API) DeleteMessages(ctx context.Context, ids []int64) error {
	mailboxIDs, err := a.store.DeleteMessages(ctx, ids)
	if err != nil {
		return err
	}
	for _, mailboxID := range mailboxIDs {
		a.notifier.MailboxChanged(ctx, mailboxID)
	}
	return nil
}

// GetTotalUnreadCount returns the unread count across all mailboxes.
func (a *API) GetTotalUnreadCount(ctx context.Context) (int, error) {
	return a.store.TotalUnreadCount(ctx)
}

// GetAttachment returns a full attachment row including content.
func (a *API) GetAttachment(ctx context.Context, id int64) (*db.Attachment, error) {
	return a.store.GetAttachment(ctx, id)
}

// SaveAttachment writes an attachment's content to destPath (the suggested
// save location, typically chosen by the user). An existing file is never
// overwritten; the name is uniquified instead. Returns the path written.
func (a *API) SaveAttachment(ctx context.Context, id int64, destPath string) (string, error) {
	att, err := a.store.GetAttachment(ctx, id)
	if err != nil {
		return "", err
	}
	if destPath == "" {
		return "", fmt.Errorf("destination path required")
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", fmt.Errorf("creating destination directory: %w", err)
	}

	path := uniquePath(destPath)
	if err := os.WriteFile(path, att.Content, 0644); err != nil {
		return "", fmt.Errorf("writing attachment %d: %w", id, err)
	}
	logger.Info("attachment saved", "attachment_id", id, "path", path)
	return path, nil
}

// OpenAttachment saves an attachment to a temporary location and hands it to
// the operating system's default opener.
func (a *API) OpenAttachment(ctx context.Context, id int64) error {
	att, err := a.store.GetAttachment(ctx, id)
	if err != nil {
		return err
	}

	dir := filepath.Join(os.TempDir(), "pulsar-attachments")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	path := uniquePath(filepath.Join(dir, filepath.Base(att.Filename)))
	if err := os.WriteFile(path, att.Content, 0600); err != nil {
		return fmt.Errorf("writing attachment %d: %w", id, err)
	}

	cmd := openerCommand(path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("opening attachment %d: %w", id, err)
	}
	logger.Info("attachment opened", "attachment_id", id, "path", path)
	return nil
}

// GetSettings returns all stored settings.
func (a *API) GetSettings(ctx context.Context) (map[string]string, error) {
	return a.store.GetAllSettings(ctx)
}

// GetCurrentPort returns the port the listener is actually bound to, or the
// configured port when the listener is stopped.
func (a *API) GetCurrentPort(ctx context.Context) (string, error) {
	if port, err := a.controller.CurrentPort(); err == nil {
		return port, nil
	}
	return a.store.GetSMTPPort(ctx)
}

// UpdateSettings upserts the given settings. Changing the smtp_port setting
// triggers a live restart onto the new port; a failed rebind is reported to
// the caller and leaves the listener stopped.
func (a *API) UpdateSettings(ctx context.Context, settings map[string]string) error {
	newPort, hasPort := settings[db.SettingSMTPPort]
	if hasPort {
		if err := config.ValidatePort(newPort); err != nil {
			return fmt.Errorf("invalid %s: %w", db.SettingSMTPPort, err)
		}
	}

	oldPort, err := a.store.GetSMTPPort(ctx)
	if err != nil {
		return err
	}

	for key, value := range settings {
		if err := a.store.SetSetting(ctx, key, value); err != nil {
			return err
		}
	}

	if hasPort && newPort != oldPort {
		// The rebind outlives the request: a caller disconnecting right
		// after submitting the change must not cut the drain short.
		if err := a.controller.Restart(context.WithoutCancel(ctx), newPort); err != nil {
			return fmt.Errorf("port setting saved but rebind failed: %w", err)
		}
	}
	return nil
}

// Subscribe attaches an event listener. The returned cancel function must be
// called when the subscriber goes away.
func (a *API) Subscribe() (<-chan events.Event, func()) {
	return a.notifier.Emitter().Subscribe()
}

// IsNotFound reports whether err is one of the persistence not-found
// sentinels, so transports can map it to an absent-result response.
func IsNotFound(err error) bool {
	return errors.Is(err, db.ErrMailboxNotFound) ||
		errors.Is(err, db.ErrMessageNotFound) ||
		errors.Is(err, db.ErrAttachmentNotFound) ||
		errors.Is(err, db.ErrSettingNotFound)
}

// uniquePath returns path, or the first "name (N).ext" variant that does not
// exist yet.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// openerCommand builds the platform-specific "open with default app"
// command.
func openerCommand(path string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", path)
	case "windows":
		return exec.Command("cmd", "/c", "start", "", path)
	default:
		return exec.Command("xdg-open", path)
	}
}
