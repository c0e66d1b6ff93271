package fn

import "sync/atomic"

const (
	// DefaultQueueSize is the default size to use for concurrent queues.
	DefaultQueueSize = 10
)

var (
	// nextID is the next subscription ID that will be used for a new event
	// receiver. This MUST be used atomically.
	nextID uint64
)

// EventReceiver is a subscription handle that buffers new items for a single
// subscriber without ever blocking the publisher.
type EventReceiver[T any] struct {
	// id is the internal process-unique ID of the subscription.
	id uint64

	// NewItemCreated is sent to when a new item was created successfully.
	NewItemCreated *ConcurrentQueue[T]
}

// NewEventReceiver creates a new event receiver with a started concurrent
// queue of the given size.
func NewEventReceiver[T any](queueSize int) *EventReceiver[T] {
	created := NewConcurrentQueue[T](queueSize)
	created.Start()

	return &EventReceiver[T]{
		id:             atomic.AddUint64(&nextID, 1),
		NewItemCreated: created,
	}
}

// ID returns the internal process-unique ID of the subscription.
func (e *EventReceiver[T]) ID() uint64 {
	return e.id
}

// Stop stops the receiver from processing events.
func (e *EventReceiver[T]) Stop() {
	e.NewItemCreated.Stop()
}

// EventPublisher is an interface type for a component that offers event based
// subscriptions for publishing events.
type EventPublisher[T any, Q any] interface {
	// RegisterSubscriber adds a new subscriber for receiving events. The
	// deliverExisting boolean indicates whether already existing items
	// should be sent to the NewItemCreated channel when the subscription is
	// started. An optional deliverFrom can be specified to indicate from
	// which marker onward existing items should be delivered.
	RegisterSubscriber(receiver *EventReceiver[T], deliverExisting bool,
		deliverFrom Q) error

	// RemoveSubscriber removes the given subscriber and also stops it from
	// processing events.
	RemoveSubscriber(subscriber *EventReceiver[T]) error
}
