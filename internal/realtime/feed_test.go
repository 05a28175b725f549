package realtime

import (
	"testing"
	"time"

	"github.com/unilink/chatd/internal/bus"
	"github.com/unilink/chatd/internal/store"
)

func recv(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}
	return Change{}
}

func TestFeedStampsAndDelivers(t *testing.T) {
	f := NewFeed(bus.New(), "node-a")
	ch, unsub := f.Subscribe(10)
	defer unsub()

	msg := &store.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi"}
	f.Publish(Change{Type: Insert, New: msg, Participants: [2]string{"alice", "bob"}})

	c := recv(t, ch)
	if c.ID == "" || c.CommittedAt.IsZero() {
		t.Errorf("change not stamped: %+v", c)
	}
	if c.Origin != "node-a" || c.Table != TableMessages {
		t.Errorf("origin/table = %q/%q", c.Origin, c.Table)
	}
	if c.ConversationID() != "c1" || !c.Involves("bob") || c.Involves("carol") {
		t.Errorf("unexpected scoping for %+v", c)
	}
}

func TestFeedPreservesPublishOrder(t *testing.T) {
	f := NewFeed(bus.New(), "")
	ch, unsub := f.Subscribe(64)
	defer unsub()

	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, id := range ids {
		f.Publish(Change{Type: Insert, New: &store.Message{ID: id, ConversationID: "c1"}})
	}
	f.Publish(Change{Type: Delete, Old: &store.Message{ID: "m2", ConversationID: "c1"}})

	for _, id := range ids {
		if got := recv(t, ch).Message().ID; got != id {
			t.Fatalf("got %s, want %s", got, id)
		}
	}
	del := recv(t, ch)
	if del.Type != Delete || del.Message().ID != "m2" {
		t.Errorf("got %+v, want DELETE m2", del)
	}
}

func TestFeedIgnoresOtherBusKinds(t *testing.T) {
	b := bus.New()
	f := NewFeed(b, "")
	ch, unsub := f.Subscribe(10)
	defer unsub()

	b.Publish(bus.Event{Kind: bus.KindNotificationQueued})
	b.Publish(bus.Event{Kind: bus.KindMessageInsert, Payload: "not a change"})

	select {
	case c := <-ch:
		t.Errorf("unexpected change: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	f := NewFeed(b, "")
	ch, unsub := f.Subscribe(10)
	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("bus subscribers = %d, want 0", n)
	}
}
