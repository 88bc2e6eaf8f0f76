package channels

import (
	"context"
	"sync/atomic"

	"github.com/tinyland-inc/dingclaw/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// MessageContext is one decoded robot message.
type MessageContext = bus.InboundMessage

type BaseChannel struct {
	bus     *bus.MessageBus
	running atomic.Bool
	name    string
}

func NewBaseChannel(name string, mb *bus.MessageBus) *BaseChannel {
	if mb == nil {
		mb = bus.NewMessageBus()
	}
	return &BaseChannel{bus: mb, name: name}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) Bus() *bus.MessageBus {
	return c.bus
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}

// HandleMessage stamps msg with the channel name and queues it for the
// turn workers.
func (c *BaseChannel) HandleMessage(ctx context.Context, msg MessageContext) error {
	msg.Channel = c.name
	return c.bus.PublishInbound(ctx, msg)
}
