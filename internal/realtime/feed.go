package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/unilink/chatd/internal/bus"
)

const namespace = "messages."

// Feed publishes message-log changes on the event bus and hands them to
// subscribers in publish order.
type Feed struct {
	bus    *bus.Bus
	origin string
}

// NewFeed returns a feed over b. origin identifies this process; changes
// published without an origin are stamped with it.
func NewFeed(b *bus.Bus, origin string) *Feed {
	if origin == "" {
		origin = uuid.NewString()
	}
	return &Feed{bus: b, origin: origin}
}

// Origin returns the instance id stamped on locally published changes.
func (f *Feed) Origin() string { return f.origin }

// Publish stamps and publishes c. Callers publish after the write that
// produced c has committed.
func (f *Feed) Publish(c Change) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Table == "" {
		c.Table = TableMessages
	}
	if c.CommittedAt.IsZero() {
		c.CommittedAt = time.Now().UTC()
	}
	if c.Origin == "" {
		c.Origin = f.origin
	}
	f.bus.Publish(bus.Event{Kind: kindFor(c.Type), Timestamp: c.CommittedAt, Payload: c})
}

// Subscribe returns every change published after the call. A subscriber
// that falls more than buf changes behind loses the overflow; the bus
// counts those drops. The returned func ends the subscription and closes
// the channel.
func (f *Feed) Subscribe(buf int) (<-chan Change, func()) {
	events, unsub := f.bus.Subscribe(namespace, buf)
	out := make(chan Change, buf)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for evt := range events {
			c, ok := evt.Payload.(Change)
			if !ok {
				continue
			}
			select {
			case out <- c:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			unsub()
		})
	}
}
