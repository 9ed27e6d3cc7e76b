package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsarmail/pulsar/db"
)

func TestEmitterPublishSubscribe(t *testing.T) {
	e := NewEmitter()
	defer e.Close()

	ch, cancel := e.Subscribe()
	defer cancel()
	require.Equal(t, 1, e.SubscriberCount())

	e.Publish(Event{Kind: KindNewMessage, MailboxID: 1, MessageID: 2})

	select {
	case ev := <-ch:
		assert.Equal(t, KindNewMessage, ev.Kind)
		assert.Equal(t, int64(1), ev.MailboxID)
		assert.Equal(t, int64(2), ev.MessageID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestEmitterCancelRemovesSubscriber(t *testing.T) {
	e := NewEmitter()
	defer e.Close()

	ch, cancel := e.Subscribe()
	cancel()
	assert.Zero(t, e.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Cancelling twice is safe.
	cancel()
}

func TestEmitterSlowSubscriberNeverBlocks(t *testing.T) {
	e := NewEmitter()
	defer e.Close()

	_, cancel := e.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody reads; overflow past the buffer must drop, not block.
		for i := 0; i < subscriberBuffer*2; i++ {
			e.Publish(Event{Kind: KindUnreadChanged, MailboxID: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestEmitterClose(t *testing.T) {
	e := NewEmitter()
	ch, _ := e.Subscribe()

	e.Close()
	_, open := <-ch
	assert.False(t, open)

	// Publish and Subscribe after close are inert.
	e.Publish(Event{Kind: KindNewMessage})
	closed, cancel := e.Subscribe()
	defer cancel()
	_, open = <-closed
	assert.False(t, open)
}

func TestNotifierNewMessage(t *testing.T) {
	store, err := db.New(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	emitter := NewEmitter()
	defer emitter.Close()
	notifier := NewNotifier(store, emitter)

	ch, cancel := emitter.Subscribe()
	defer cancel()

	delivered, err := store.DeliverMessage(context.Background(), "journal", &db.MessageData{
		From: "a@x", To: "b@x", HeadersJSON: "[]",
	})
	require.NoError(t, err)

	notifier.NewMessage(context.Background(), delivered.MailboxID, delivered.MessageID, "a@x", "")

	select {
	case ev := <-ch:
		assert.Equal(t, KindNewMessage, ev.Kind)
		assert.Equal(t, delivered.MailboxID, ev.MailboxID)
		assert.Equal(t, "(No Subject)", ev.Subject)
		assert.Equal(t, 1, ev.MailboxUnread)
		assert.Equal(t, 1, ev.TotalUnread)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestNotifierMailboxChanged(t *testing.T) {
	store, err := db.New(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	emitter := NewEmitter()
	defer emitter.Close()
	notifier := NewNotifier(store, emitter)

	ch, cancel := emitter.Subscribe()
	defer cancel()

	notifier.MailboxChanged(context.Background(), 42)

	select {
	case ev := <-ch:
		assert.Equal(t, KindUnreadChanged, ev.Kind)
		assert.Equal(t, int64(42), ev.MailboxID)
		assert.Zero(t, ev.TotalUnread)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}
