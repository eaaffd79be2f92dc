// Package messagequeue defines the queue port used for rollup dispatch and
// cache invalidation broadcasts, with the payload schemas carried on it.
package messagequeue

import "context"

// Handler processes one delivered message. Returning an error asks the
// backend to redeliver; a backend may dead-letter after repeated failures.
// ctx carries the publisher's request id.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes and consumes messages by subject.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers every message on subject to this process. The
	// returned func stops delivery.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// QueueSubscribe shares delivery among all subscribers using the same
	// group, so each message is handled once per group.
	QueueSubscribe(ctx context.Context, subject, group string, handler Handler) (cancel func(), err error)

	// Drain finishes in-flight messages, then closes the connection.
	Drain() error
	Close() error
	IsConnected() bool
}

// Subjects.
const (
	SubjectUsageRecorded   = "usage.recorded"   // one UsageRecordedPayload per recorded usage
	SubjectQuotaInvalidate = "quota.invalidate" // QuotaInvalidatePayload from admin writes
)
