package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessageData() *MessageData {
	return &MessageData{
		MessageRef:  "abc@example.com",
		From:        "Alice <alice@example.com>",
		To:          "bob@example.com",
		Subject:     "Hi",
		TextBody:    "hello body",
		HeadersJSON: `[{"name":"From","value":"Alice <alice@example.com>"}]`,
		RawSource:   []byte("From: alice@example.com\r\n\r\nhello body"),
		Attachments: []AttachmentData{{
			Filename:    "f.txt",
			ContentType: "text/plain",
			Size:        11,
			Content:     []byte("hello world"),
		}},
	}
}

func TestDeliverMessage(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	delivered, err := d.DeliverMessage(ctx, "journal", testMessageData())
	require.NoError(t, err)
	require.NotZero(t, delivered.MailboxID)
	require.NotZero(t, delivered.MessageID)

	mailbox, err := d.GetMailbox(ctx, delivered.MailboxID)
	require.NoError(t, err)
	assert.Equal(t, "journal", mailbox.Username)
	assert.Equal(t, 1, mailbox.MessageCount)
	assert.Equal(t, 1, mailbox.UnreadCount)

	detail, err := d.GetMessage(ctx, delivered.MessageID)
	require.NoError(t, err)
	require.NotNil(t, detail.Subject)
	assert.Equal(t, "Hi", *detail.Subject)
	require.NotNil(t, detail.MessageRef)
	assert.Equal(t, "abc@example.com", *detail.MessageRef)
	assert.True(t, detail.HasAttachments)
	assert.False(t, detail.IsRead)
	require.Len(t, detail.Attachments, 1)
	assert.Equal(t, "f.txt", detail.Attachments[0].Filename)
	assert.Equal(t, int64(11), detail.Attachments[0].Size)
}

func TestDeliverMessageOptionalFieldsNull(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	delivered, err := d.DeliverMessage(ctx, "sparse", &MessageData{
		From:        "a@x",
		To:          "b@x",
		HeadersJSON: "[]",
	})
	require.NoError(t, err)

	detail, err := d.GetMessage(ctx, delivered.MessageID)
	require.NoError(t, err)
	assert.Nil(t, detail.Subject)
	assert.Nil(t, detail.MessageRef)
	assert.Nil(t, detail.TextBody)
	assert.Nil(t, detail.HTMLBody)
	assert.False(t, detail.HasAttachments)
}

func TestListMessagesNewestFirst(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	var last *Delivered
	for i := 0; i < 3; i++ {
		var err error
		last, err = d.DeliverMessage(ctx, "journal", &MessageData{From: "a@x", To: "b@x", HeadersJSON: "[]"})
		require.NoError(t, err)
	}

	messages, err := d.ListMessages(ctx, last.MailboxID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, last.MessageID, messages[0].ID)
	assert.Greater(t, messages[0].ID, messages[1].ID)
	assert.Greater(t, messages[1].ID, messages[2].ID)
}

func TestMarkMessageRead(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	delivered, err := d.DeliverMessage(ctx, "journal", testMessageData())
	require.NoError(t, err)

	mailboxID, err := d.MarkMessageRead(ctx, delivered.MessageID)
	require.NoError(t, err)
	assert.Equal(t, delivered.MailboxID, mailboxID)

	unread, err := d.MailboxUnreadCount(ctx, delivered.MailboxID)
	require.NoError(t, err)
	assert.Zero(t, unread)

	// Marking an already-read message succeeds without change.
	_, err = d.MarkMessageRead(ctx, delivered.MessageID)
	assert.NoError(t, err)

	_, err = d.MarkMessageRead(ctx, 99999)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestDeleteMessageCascadesToAttachments(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	delivered, err := d.DeliverMessage(ctx, "journal", testMessageData())
	require.NoError(t, err)

	mailboxID, err := d.DeleteMessage(ctx, delivered.MessageID)
	require.NoError(t, err)
	assert.Equal(t, delivered.MailboxID, mailboxID)

	_, err = d.GetMessage(ctx, delivered.MessageID)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	var attachments int
	require.NoError(t, d.GetContext(ctx, &attachments, "SELECT COUNT(*) FROM attachments"))
	assert.Zero(t, attachments)

	// The mailbox itself survives a message delete.
	mailbox, err := d.GetMailbox(ctx, delivered.MailboxID)
	require.NoError(t, err)
	assert.Zero(t, mailbox.MessageCount)

	_, err = d.DeleteMessage(ctx, delivered.MessageID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestDeleteMessagesBatch(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	a1, err := d.DeliverMessage(ctx, "alpha", testMessageData())
	require.NoError(t, err)
	a2, err := d.DeliverMessage(ctx, "alpha", testMessageData())
	require.NoError(t, err)
	b1, err := d.DeliverMessage(ctx, "beta", testMessageData())
	require.NoError(t, err)

	// Unknown ids are skipped, not errors.
	mailboxIDs, err := d.DeleteMessages(ctx, []int64{a1.MessageID, a2.MessageID, b1.MessageID, 99999})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a1.MailboxID, b1.MailboxID}, mailboxIDs)

	total, err := d.TotalUnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	mailboxIDs, err = d.DeleteMessages(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, mailboxIDs)
}

func TestUnreadCounts(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	a, err := d.DeliverMessage(ctx, "alpha", testMessageData())
	require.NoError(t, err)
	_, err = d.DeliverMessage(ctx, "beta", testMessageData())
	require.NoError(t, err)

	total, err := d.TotalUnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, err = d.MarkMessageRead(ctx, a.MessageID)
	require.NoError(t, err)

	total, err = d.TotalUnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	unread, err := d.MailboxUnreadCount(ctx, a.MailboxID)
	require.NoError(t, err)
	assert.Zero(t, unread)
}
