package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed MessageBus.
var ErrBusClosed = errors.New("message bus closed")

const defaultBuffer = 100

// MessageBus decouples the socket read loop from the turn workers. Inbound
// carries robot callbacks; outbound carries bridge-initiated sends, such as
// those queued through the gateway's POST /send.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	closed   atomic.Bool
}

func NewMessageBus() *MessageBus {
	return NewMessageBusSize(defaultBuffer)
}

// NewMessageBusSize creates a bus whose queues hold size messages each.
// A size of zero makes every publish wait for a consumer.
func NewMessageBusSize(size int) *MessageBus {
	size = max(size, 0)
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
		done:     make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	return publish(ctx, mb, mb.inbound, msg)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return receive(ctx, mb.done, mb.inbound)
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	return publish(ctx, mb, mb.outbound, msg)
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return receive(ctx, mb.done, mb.outbound)
}

// Close stops the bus. Pending messages are dropped. Safe to call twice.
func (mb *MessageBus) Close() {
	if mb.closed.CompareAndSwap(false, true) {
		close(mb.done)
	}
}

func publish[T any](ctx context.Context, mb *MessageBus, q chan<- T, msg T) error {
	if mb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case q <- msg:
		return nil
	case <-mb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receive returns false once the bus is closed or ctx is done.
func receive[T any](ctx context.Context, done <-chan struct{}, q <-chan T) (T, bool) {
	var zero T
	select {
	case msg, ok := <-q:
		return msg, ok
	case <-done:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}
