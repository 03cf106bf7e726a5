// Package channels is the transport abstraction: a channel connects a
// messaging platform to the dispatcher via the message bus. The base
// channel carries the shared allow-list and per-sender rate limiting.
package channels

import (
	"context"

	"github.com/CristianCarreira/aipal/internal/bus"
)

// Channel is implemented by every transport.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the channel is processing messages.
	IsRunning() bool
}

// BaseChannel provides the shared pieces; transports embed it.
type BaseChannel struct {
	name    string
	bus     *bus.MessageBus
	running bool
	allowed map[int64]struct{}
	limiter *SenderRateLimiter
}

// NewBaseChannel builds a BaseChannel. An empty allow-list permits all
// senders.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowedUsers []int64) *BaseChannel {
	allowed := make(map[int64]struct{}, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = struct{}{}
	}
	return &BaseChannel{
		name:    name,
		bus:     msgBus,
		allowed: allowed,
		limiter: NewSenderRateLimiter(),
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports the running state.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// Bus returns the message bus.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// HasAllowList reports whether an allow-list is configured.
func (c *BaseChannel) HasAllowList() bool { return len(c.allowed) > 0 }

// IsAllowed checks the sender against the allow-list. An empty list
// permits everyone.
func (c *BaseChannel) IsAllowed(userID int64) bool {
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[userID]
	return ok
}

// AllowRate checks the per-sender rate limit.
func (c *BaseChannel) AllowRate(userID int64) bool {
	return c.limiter.Allow(userID)
}

// Truncate shortens a string for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
