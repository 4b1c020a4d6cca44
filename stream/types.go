package stream

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Errors returned by the broker and its stores.
var (
	ErrAlreadySubscribed   = errors.New("already subscribed")
	ErrNotSubscribed       = errors.New("not subscribed")
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExists        = errors.New("stream already exists")
	ErrInvalidStreamID     = errors.New("invalid stream id")
	ErrInvalidSubscriberID = errors.New("invalid subscriber id")
	ErrClosed              = errors.New("broker is closed")
)

const (
	maxStreamIDLen     = 128
	maxSubscriberIDLen = 256
)

var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// StreamID names a stream. It is the key of all per-stream state and is only
// ever stored as a value, never spliced into identifiers.
type StreamID string

// Validate reports whether the id is usable as a stream name.
func (id StreamID) Validate() error {
	if len(id) == 0 || len(id) > maxStreamIDLen || !streamIDPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: %q", ErrInvalidStreamID, string(id))
	}
	return nil
}

func (id StreamID) String() string { return string(id) }

// SubscriberID identifies one live consuming session.
type SubscriberID string

// Validate reports whether the id is usable as a subscriber identity.
func (id SubscriberID) Validate() error {
	if len(id) == 0 || len(id) > maxSubscriberIDLen {
		return fmt.Errorf("%w: length %d", ErrInvalidSubscriberID, len(id))
	}
	return nil
}

func (id SubscriberID) String() string { return string(id) }

// Event is a committed entry of a stream.
type Event struct {
	Stream   StreamID
	Sequence uint64
	Payload  []byte
	Time     time.Time
}

// Subscription is a registry row: the last sequence a subscriber fully consumed.
type Subscription struct {
	Stream     StreamID
	Subscriber SubscriberID
	Cursor     uint64
}

// StreamInfo describes the bookkeeping state of one stream.
type StreamInfo struct {
	ID             StreamID
	Tail           uint64
	TrimmedThrough uint64
	CreatedAt      time.Time
	Subscriptions  []Subscription
}

// Retained returns how many committed events are still stored.
func (i StreamInfo) Retained() uint64 {
	if i.Tail <= i.TrimmedThrough {
		return 0
	}
	return i.Tail - i.TrimmedThrough
}

// Record is a payload waiting to be appended.
type Record struct {
	Payload []byte
	Time    time.Time
}

// ConsumeResult is what a store hands back for one Read.
type ConsumeResult struct {
	Events *Events
	// Low and High bound the delivered range (Low, High].
	Low  uint64
	High uint64
	// TrimmedThrough is the retention boundary applied by this read, zero when
	// nothing was trimmed.
	TrimmedThrough uint64
}

// Store is the transactional backend holding every stream's log and
// subscription registry.
//
// Append and AppendBatch must only be called while the caller holds the
// stream's ordering guard. All other methods are safe for concurrent use.
type Store interface {
	CreateStream(ctx context.Context, id StreamID, at time.Time) error
	DropStream(ctx context.Context, id StreamID) error
	ListStreams(ctx context.Context) ([]StreamID, error)
	Describe(ctx context.Context, id StreamID) (StreamInfo, error)

	Tail(ctx context.Context, id StreamID) (uint64, error)
	AppendBatch(ctx context.Context, id StreamID, recs []Record) ([]uint64, error)

	Subscribe(ctx context.Context, id StreamID, sub SubscriberID) (uint64, error)
	Unsubscribe(ctx context.Context, id StreamID, sub SubscriberID) error
	Consume(ctx context.Context, id StreamID, sub SubscriberID) (ConsumeResult, error)

	// Sweep trims id to the minimum cursor over all subscriptions, or to the
	// tail when there are none. It returns the new boundary, zero when
	// nothing was trimmed.
	Sweep(ctx context.Context, id StreamID) (uint64, error)
	// PurgeSubscriptions removes the subscription rows, on every stream, whose
	// subscriber id starts with prefix. An empty prefix removes all of them.
	PurgeSubscriptions(ctx context.Context, prefix string) (int, error)

	Close() error
}

// Notifier is the wakeup channel telling idle subscribers that a stream has
// new events. Delivery is best effort.
type Notifier interface {
	Publish(id StreamID)
	Listen(id StreamID) (signals <-chan struct{}, cancel func())
}
