package db

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateMailbox(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	created, err := d.GetOrCreateMailbox(ctx, "journal")
	require.NoError(t, err)
	require.Equal(t, "journal", created.Username)
	require.NotZero(t, created.ID)

	again, err := d.GetOrCreateMailbox(ctx, "journal")
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
}

func TestGetOrCreateMailboxUsernamesAreVerbatim(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	// Case and surrounding whitespace are significant.
	a, err := d.GetOrCreateMailbox(ctx, "Journal")
	require.NoError(t, err)
	b, err := d.GetOrCreateMailbox(ctx, "journal")
	require.NoError(t, err)
	c, err := d.GetOrCreateMailbox(ctx, " journal")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, b.ID, c.ID)
}

func TestGetOrCreateMailboxConcurrentFirstContact(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mailbox, err := d.GetOrCreateMailbox(ctx, "race")
			if err == nil {
				ids[i] = mailbox.ID
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	var count int
	err := d.GetContext(ctx, &count, "SELECT COUNT(*) FROM mailboxes WHERE username = 'race'")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListMailboxesCountsAndOrder(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	first, err := d.GetOrCreateMailbox(ctx, "first")
	require.NoError(t, err)
	second, err := d.GetOrCreateMailbox(ctx, "second")
	require.NoError(t, err)

	_, err = d.DeliverMessage(ctx, "first", &MessageData{From: "a@x", To: "b@x", HeadersJSON: "[]"})
	require.NoError(t, err)
	delivered, err := d.DeliverMessage(ctx, "first", &MessageData{From: "a@x", To: "b@x", HeadersJSON: "[]"})
	require.NoError(t, err)
	_, err = d.MarkMessageRead(ctx, delivered.MessageID)
	require.NoError(t, err)

	mailboxes, err := d.ListMailboxes(ctx)
	require.NoError(t, err)
	require.Len(t, mailboxes, 2)

	// Newest mailbox first; creation times can collide so id breaks the tie.
	assert.Equal(t, second.ID, mailboxes[0].ID)
	assert.Equal(t, 0, mailboxes[0].MessageCount)
	assert.Equal(t, 0, mailboxes[0].UnreadCount)

	assert.Equal(t, first.ID, mailboxes[1].ID)
	assert.Equal(t, 2, mailboxes[1].MessageCount)
	assert.Equal(t, 1, mailboxes[1].UnreadCount)
}

func TestGetMailboxNotFound(t *testing.T) {
	d := newTestDB(t)

	_, err := d.GetMailbox(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrMailboxNotFound)
}

func TestDeleteMailboxCascades(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	delivered, err := d.DeliverMessage(ctx, "doomed", &MessageData{
		From:        "a@x",
		To:          "b@x",
		HeadersJSON: "[]",
		Attachments: []AttachmentData{{Filename: "f.txt", Size: 3, Content: []byte("abc")}},
	})
	require.NoError(t, err)

	require.NoError(t, d.DeleteMailbox(ctx, delivered.MailboxID))
	assert.ErrorIs(t, d.DeleteMailbox(ctx, delivered.MailboxID), ErrMailboxNotFound)

	var messages, attachments int
	require.NoError(t, d.GetContext(ctx, &messages, "SELECT COUNT(*) FROM messages"))
	require.NoError(t, d.GetContext(ctx, &attachments, "SELECT COUNT(*) FROM attachments"))
	assert.Zero(t, messages)
	assert.Zero(t, attachments)
}
