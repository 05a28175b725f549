// Package push delivers notifications to browser and mobile devices.
package push

import (
	"context"
	"errors"
	"fmt"
)

// Token types.
const (
	TypeWeb  = "web"
	TypeExpo = "expo"
)

// Channel names, used for routing and metrics.
const (
	ChannelWebPush = "webpush"
	ChannelGateway = "gateway"
)

var (
	// ErrGone means the push target no longer exists and will never accept
	// a delivery again.
	ErrGone = errors.New("push: target gone")
	// ErrNoChannel means no sender is configured for the target's type.
	ErrNoChannel = errors.New("push: no channel configured")
)

// Notification is a rendered push payload.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Target is a delivery address plus the tag that selects its channel.
type Target struct {
	Token string
	Type  string
}

// Sender delivers a notification to one target.
type Sender interface {
	Send(ctx context.Context, t Target, n Notification) error
}

// Router picks a sender by target type: "web" goes to Web Push, every
// other type to the mobile gateway.
type Router struct {
	Web     Sender
	Gateway Sender
}

// Channel returns the channel name a target is routed to.
func (r *Router) Channel(t Target) string {
	if t.Type == TypeWeb {
		return ChannelWebPush
	}
	return ChannelGateway
}

// Send routes n to the sender for t.
func (r *Router) Send(ctx context.Context, t Target, n Notification) error {
	var s Sender
	switch r.Channel(t) {
	case ChannelWebPush:
		s = r.Web
	default:
		s = r.Gateway
	}
	if s == nil {
		return fmt.Errorf("%w for %q tokens", ErrNoChannel, t.Type)
	}
	return s.Send(ctx, t, n)
}

// Configured reports whether at least one channel can send.
func (r *Router) Configured() bool {
	return r != nil && (r.Web != nil || r.Gateway != nil)
}
