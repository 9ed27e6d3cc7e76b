// Package events implements the notification emitter: a non-blocking
// publish/subscribe registry the presentation layer attaches to, plus the
// unread-aggregate recomputation that accompanies every mutation.
package events

import (
	"context"
	"sync"

	"github.com/pulsarmail/pulsar/db"
	"github.com/pulsarmail/pulsar/logger"
	"github.com/pulsarmail/pulsar/pkg/metrics"
)

// Kind discriminates event payloads.
type Kind string

const (
	// KindNewMessage is published after a message is durably persisted.
	KindNewMessage Kind = "new_message"

	// KindUnreadChanged is published after a read or delete mutation
	// changes unread aggregates.
	KindUnreadChanged Kind = "unread_changed"
)

// Event is pushed to all current subscribers.
type Event struct {
	Kind          Kind   `json:"kind"`
	MailboxID     int64  `json:"mailboxId"`
	MessageID     int64  `json:"messageId,omitempty"`
	From          string `json:"from,omitempty"`
	Subject       string `json:"subject,omitempty"`
	MailboxUnread int    `json:"mailboxUnread"`
	TotalUnread   int    `json:"totalUnread"`
}

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind loses events rather than delaying ingestion.
const subscriberBuffer = 64

// Emitter fans events out to subscribers. Publish never blocks.
type Emitter struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEmitter returns an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its event channel and a
// cancel function. The channel is closed on cancel or emitter shutdown.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := e.nextID
	e.nextID++
	ch := make(chan Event, subscriberBuffer)
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking: if a
// subscriber's buffer is full the event is dropped for that subscriber.
func (e *Emitter) Publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	for id, ch := range e.subs {
		select {
		case ch <- ev:
			metrics.EventsPublishedTotal.WithLabelValues(string(ev.Kind)).Inc()
		default:
			metrics.EventsDroppedTotal.WithLabelValues(string(ev.Kind)).Inc()
			logger.Warn("dropping event for slow subscriber", "subscriber", id, "kind", ev.Kind)
		}
	}
}

// Close shuts the emitter down and closes all subscriber channels.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}

// SubscriberCount returns the number of active subscribers.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Notifier recomputes unread aggregates and publishes events. Aggregate
// lookups are best-effort: a failed count query downgrades the event rather
// than suppressing it.
type Notifier struct {
	store   *db.Database
	emitter *Emitter
}

// NewNotifier wires an emitter to the store it reads aggregates from.
func NewNotifier(store *db.Database, emitter *Emitter) *Notifier {
	return &Notifier{store: store, emitter: emitter}
}

// Emitter exposes the underlying emitter for subscription.
func (n *Notifier) Emitter() *Emitter {
	return n.emitter
}

// NewMessage publishes the ingestion event for a freshly persisted message.
func (n *Notifier) NewMessage(ctx context.Context, mailboxID, messageID int64, from, subject string) {
	if subject == "" {
		subject = "(No Subject)"
	}
	mailboxUnread, totalUnread := n.unreadCounts(ctx, mailboxID)
	n.emitter.Publish(Event{
		Kind:          KindNewMessage,
		MailboxID:     mailboxID,
		MessageID:     messageID,
		From:          from,
		Subject:       subject,
		MailboxUnread: mailboxUnread,
		TotalUnread:   totalUnread,
	})
}

// MailboxChanged publishes updated unread aggregates after a read or delete
// mutation touched the given mailbox.
func (n *Notifier) MailboxChanged(ctx context.Context, mailboxID int64) {
	mailboxUnread, totalUnread := n.unreadCounts(ctx, mailboxID)
	n.emitter.Publish(Event{
		Kind:          KindUnreadChanged,
		MailboxID:     mailboxID,
		MailboxUnread: mailboxUnread,
		TotalUnread:   totalUnread,
	})
}

func (n *Notifier) unreadCounts(ctx context.Context, mailboxID int64) (int, int) {
	mailboxUnread, err := n.store.MailboxUnreadCount(ctx, mailboxID)
	if err != nil {
		logger.Warn("failed to compute mailbox unread count", "mailbox_id", mailboxID, "error", err)
	}
	totalUnread, err := n.store.TotalUnreadCount(ctx)
	if err != nil {
		logger.Warn("failed to compute total unread count", "error", err)
	}
	return mailboxUnread, totalUnread
}
