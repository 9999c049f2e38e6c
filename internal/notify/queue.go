package notify

import (
	"context"
	"log/slog"
	"time"
)

// Dispatcher is what Queue delivers through. *Notifier satisfies it.
type Dispatcher interface {
	Notify(ctx context.Context, event, title, message string) error
}

type message struct {
	event, title, body string
}

// Queue serialises announcements: one delivery in flight at a time, and a
// fixed pause after each attempt. Failed deliveries are logged and dropped.
type Queue struct {
	dispatcher Dispatcher
	items      chan message
	delay      time.Duration
	logger     *slog.Logger
}

// NewQueue creates a Queue holding up to size pending messages. A
// non-positive delay defaults to one second.
func NewQueue(d Dispatcher, size int, delay time.Duration, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	if delay <= 0 {
		delay = time.Second
	}
	return &Queue{
		dispatcher: d,
		items:      make(chan message, size),
		delay:      delay,
		logger:     logger.With(slog.String("component", "notify_queue")),
	}
}

// Enqueue adds a message without blocking. It returns false when the queue
// is full and the message was dropped.
func (q *Queue) Enqueue(event, title, body string) bool {
	select {
	case q.items <- message{event: event, title: title, body: body}:
		return true
	default:
		q.logger.Warn("notification queue full, dropping message",
			slog.String("event", event),
			slog.String("title", title),
		)
		return false
	}
}

// Pending returns the number of queued messages.
func (q *Queue) Pending() int {
	return len(q.items)
}

// Run delivers queued messages until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.InfoContext(ctx, "notification queue started", slog.Duration("delay", q.delay))
	for {
		select {
		case <-ctx.Done():
			q.logger.InfoContext(ctx, "notification queue stopped", slog.Int("pending", len(q.items)))
			return nil
		case m := <-q.items:
			if err := q.dispatcher.Notify(ctx, m.event, m.title, m.body); err != nil {
				q.logger.WarnContext(ctx, "notification dropped",
					slog.String("event", m.event),
					slog.String("error", err.Error()),
				)
			}
			t := time.NewTimer(q.delay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
	}
}
