package chat

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/unilink/chatd/internal/realtime"
	"github.com/unilink/chatd/internal/store"
	"go.uber.org/zap"
)

// Backend is what a Controller needs from the chat service.
type Backend interface {
	ListConversations(ctx context.Context, userID string) ([]store.ConversationSummary, error)
	FetchMessages(ctx context.Context, in store.FetchMessagesInput) ([]store.Message, error)
	ClearedAt(ctx context.Context, userID, conversationID string) (time.Time, bool, error)
	SendMessage(ctx context.Context, conversationID, senderID, content string) (*store.Message, error)
	ClearChat(ctx context.Context, userID, conversationID string) (time.Time, error)
	DeleteChat(ctx context.Context, userID, conversationID string) error
	MarkRead(ctx context.Context, userID, conversationID string) error
}

// Subscriber is a source of realtime changes.
type Subscriber interface {
	Subscribe(buf int) (<-chan realtime.Change, func())
}

// Notice is a transient, user-facing error report.
type Notice struct {
	At      time.Time `json:"at"`
	Op      string    `json:"op"`
	Code    Code      `json:"code"`
	Message string    `json:"message"`
}

const maxNotices = 20

// View is a point-in-time copy of a controller's state for rendering.
type View struct {
	State         State                       `json:"state"`
	Active        string                      `json:"active_conversation_id,omitempty"`
	ClearedAt     time.Time                   `json:"cleared_at,omitzero"`
	Messages      []store.Message             `json:"messages"`
	Conversations []store.ConversationSummary `json:"conversations"`
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	ViewerID string
	PageSize int
	Buffer   int
}

// Controller keeps one viewer's chat view consistent with the store, the
// viewer's visibility overlay and the realtime feed.
//
// Messages enter the view only from fetches and from realtime INSERT
// changes. Send never appends locally, so the sender's own echo is the
// single append path and a message is never shown twice.
type Controller struct {
	backend  Backend
	feed     Subscriber
	viewer   string
	pageSize int
	buffer   int
	log      *zap.Logger

	mu            sync.Mutex
	state         State
	active        string
	cutoff        time.Time
	openSeq       uint64
	messages      []store.Message
	conversations []store.ConversationSummary
	notices       []Notice
	observers     []func(View)
}

// NewController creates a controller in the idle state.
func NewController(backend Backend, feed Subscriber, cfg ControllerConfig, log *zap.Logger) *Controller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Controller{
		backend:       backend,
		feed:          feed,
		viewer:        cfg.ViewerID,
		pageSize:      cfg.PageSize,
		buffer:        cfg.Buffer,
		log:           log.With(zap.String("viewer_id", cfg.ViewerID)),
		state:         Idle,
		conversations: []store.ConversationSummary{},
	}
}

// OnUpdate registers fn to be called with a fresh View after every change.
// fn runs on the goroutine that made the change and must not block.
func (c *Controller) OnUpdate(fn func(View)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() View {
	return View{
		State:         c.state,
		Active:        c.active,
		ClearedAt:     c.cutoff,
		Messages:      slices.Clone(c.messages),
		Conversations: slices.Clone(c.conversations),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DrainNotices returns and forgets the pending notices.
func (c *Controller) DrainNotices() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.notices
	c.notices = nil
	return out
}

func (c *Controller) notify() {
	c.mu.Lock()
	if len(c.observers) == 0 {
		c.mu.Unlock()
		return
	}
	v := c.snapshotLocked()
	obs := slices.Clone(c.observers)
	c.mu.Unlock()
	for _, fn := range obs {
		fn(v)
	}
}

func (c *Controller) addNoticeLocked(op string, err error) {
	c.notices = append(c.notices, Notice{At: time.Now().UTC(), Op: op, Code: CodeOf(err), Message: err.Error()})
	if len(c.notices) > maxNotices {
		c.notices = c.notices[len(c.notices)-maxNotices:]
	}
}

func (c *Controller) report(op string, err error) {
	c.mu.Lock()
	c.addNoticeLocked(op, err)
	c.mu.Unlock()
	c.log.Warn(op+" failed", zap.Error(err))
}

func (c *Controller) transitionLocked(to State) error {
	if err := checkTransition(c.state, to); err != nil {
		return err
	}
	c.state = to
	return nil
}

// RefreshConversations reloads the conversation list. On failure the list
// is emptied and a notice is recorded.
func (c *Controller) RefreshConversations(ctx context.Context) error {
	list, err := c.backend.ListConversations(ctx, c.viewer)
	c.mu.Lock()
	if err != nil {
		c.conversations = []store.ConversationSummary{}
		c.addNoticeLocked("list conversations", err)
	} else {
		c.conversations = list
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("list conversations failed", zap.Error(err))
	}
	c.notify()
	return err
}

// OpenConversation makes id the active conversation and loads its newest
// page. If another conversation is opened before the fetch returns, the
// fetch result is discarded.
func (c *Controller) OpenConversation(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingConversation
	}

	c.mu.Lock()
	if err := c.transitionLocked(Loading); err != nil {
		c.mu.Unlock()
		return err
	}
	c.openSeq++
	seq := c.openSeq
	c.active = id
	c.cutoff = time.Time{}
	c.messages = nil
	c.mu.Unlock()
	c.notify()

	cutoff, cleared, err := c.backend.ClearedAt(ctx, c.viewer, id)
	var page []store.Message
	if err == nil {
		page, err = c.backend.FetchMessages(ctx, store.FetchMessagesInput{
			ConversationID: id,
			ViewerID:       c.viewer,
			Limit:          c.pageSize,
		})
	}

	c.mu.Lock()
	if c.active != id || c.openSeq != seq {
		c.mu.Unlock()
		c.log.Debug("discarding stale fetch", zap.String("conversation_id", id))
		return nil
	}
	if err != nil {
		c.active = ""
		c.messages = nil
		_ = c.transitionLocked(Idle)
		c.addNoticeLocked("open conversation", err)
		c.mu.Unlock()
		c.log.Warn("open conversation failed", zap.String("conversation_id", id), zap.Error(err))
		c.notify()
		return err
	}

	// Realtime inserts that arrived while loading are kept if the page
	// does not already contain them.
	merged := page
	for _, m := range c.messages {
		if !containsID(merged, m.ID) && (!cleared || m.CreatedAt.After(cutoff)) {
			merged = append(merged, m)
		}
	}
	sortMessages(merged)
	c.messages = merged
	if cleared {
		c.cutoff = cutoff
		_ = c.transitionLocked(Cleared)
	} else {
		_ = c.transitionLocked(Ready)
	}
	c.mu.Unlock()
	c.notify()

	if err := c.backend.MarkRead(ctx, c.viewer, id); err != nil {
		c.log.Debug("mark read failed", zap.String("conversation_id", id), zap.Error(err))
	}
	return nil
}

// LoadOlder fetches the page before the oldest loaded message and
// prepends it. It returns how many messages were added.
func (c *Controller) LoadOlder(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.active == "" || c.state == Loading {
		c.mu.Unlock()
		return 0, ErrNoActiveConversation
	}
	id, seq, offset := c.active, c.openSeq, len(c.messages)
	c.mu.Unlock()

	page, err := c.backend.FetchMessages(ctx, store.FetchMessagesInput{
		ConversationID: id,
		ViewerID:       c.viewer,
		Offset:         offset,
		Limit:          c.pageSize,
	})
	if err != nil {
		c.report("load older messages", err)
		c.notify()
		return 0, err
	}

	c.mu.Lock()
	if c.active != id || c.openSeq != seq {
		c.mu.Unlock()
		return 0, nil
	}
	older := make([]store.Message, 0, len(page))
	for _, m := range page {
		if !containsID(c.messages, m.ID) {
			older = append(older, m)
		}
	}
	c.messages = append(older, c.messages...)
	c.mu.Unlock()
	c.notify()
	return len(older), nil
}

// Send posts content to the active conversation. The view is not touched;
// the message shows up when its realtime INSERT arrives.
func (c *Controller) Send(ctx context.Context, content string) error {
	c.mu.Lock()
	id := c.active
	c.mu.Unlock()
	if id == "" {
		return ErrNoActiveConversation
	}

	if _, err := c.backend.SendMessage(ctx, id, c.viewer, content); err != nil {
		c.report("send message", err)
		c.notify()
		return err
	}
	return nil
}

// ClearChat clears the active conversation for the viewer and empties
// the view.
func (c *Controller) ClearChat(ctx context.Context) error {
	c.mu.Lock()
	id := c.active
	c.mu.Unlock()
	if id == "" {
		return ErrNoActiveConversation
	}

	at, err := c.backend.ClearChat(ctx, c.viewer, id)
	if err != nil {
		c.report("clear chat", err)
		c.notify()
		return err
	}

	c.mu.Lock()
	if c.active == id {
		if err := c.transitionLocked(Cleared); err != nil {
			c.mu.Unlock()
			return err
		}
		c.cutoff = at
		// Inserts applied while the clear was in flight may be newer than the cutoff.
		c.messages = slices.DeleteFunc(c.messages, func(m store.Message) bool {
			return !m.CreatedAt.After(at)
		})
		// A fetch still in flight predates the cutoff.
		c.openSeq++
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// DeleteChat deletes the active conversation for the viewer, returns the
// controller to idle and reloads the conversation list.
func (c *Controller) DeleteChat(ctx context.Context) error {
	c.mu.Lock()
	id := c.active
	c.mu.Unlock()
	if id == "" {
		return ErrNoActiveConversation
	}

	if err := c.backend.DeleteChat(ctx, c.viewer, id); err != nil {
		c.report("delete chat", err)
		c.notify()
		return err
	}

	c.mu.Lock()
	if c.active == id {
		_ = c.transitionLocked(Idle)
		c.active = ""
		c.cutoff = time.Time{}
		c.messages = nil
		c.openSeq++
	}
	c.mu.Unlock()

	_ = c.RefreshConversations(ctx)
	return nil
}

// HandleChange applies one realtime change. Changes for conversations the
// viewer is not part of are ignored.
func (c *Controller) HandleChange(ctx context.Context, ch realtime.Change) {
	if !ch.Involves(c.viewer) {
		return
	}

	switch ch.Type {
	case realtime.Insert:
		if ch.New == nil {
			return
		}
		c.mu.Lock()
		c.applyInsertLocked(*ch.New)
		c.mu.Unlock()
		// Previews and ordering change whichever conversation is active.
		_ = c.RefreshConversations(ctx)
		return

	case realtime.Update:
		if ch.New == nil {
			return
		}
		c.mu.Lock()
		if i := indexOf(c.messages, ch.New.ID); i >= 0 {
			c.messages[i] = *ch.New
		}
		c.mu.Unlock()

	case realtime.Delete:
		m := ch.Message()
		if m == nil {
			return
		}
		c.mu.Lock()
		if i := indexOf(c.messages, m.ID); i >= 0 {
			c.messages = slices.Delete(c.messages, i, i+1)
		}
		c.mu.Unlock()
	}
	c.notify()
}

func (c *Controller) applyInsertLocked(m store.Message) {
	if c.active == "" || m.ConversationID != c.active {
		return
	}
	if !c.cutoff.IsZero() && !m.CreatedAt.After(c.cutoff) {
		return
	}
	if containsID(c.messages, m.ID) {
		return
	}
	n := len(c.messages)
	c.messages = append(c.messages, m)
	if n > 0 && messageLess(m, c.messages[n-1]) {
		sortMessages(c.messages)
	}
}

// Run subscribes to the feed and applies changes until ctx is done or the
// feed closes the subscription.
func (c *Controller) Run(ctx context.Context) error {
	changes, unsub := c.feed.Subscribe(c.buffer)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			c.HandleChange(ctx, ch)
		}
	}
}

func indexOf(msgs []store.Message, id string) int {
	return slices.IndexFunc(msgs, func(m store.Message) bool { return m.ID == id })
}

func containsID(msgs []store.Message, id string) bool {
	return indexOf(msgs, id) >= 0
}

// messageLess orders by creation time, then by the store's insertion
// sequence, the same order FetchMessages uses. Rows without a sequence
// fall back to their ULID, which is monotonic only within one process.
func messageLess(a, b store.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != 0 && b.Seq != 0 && a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

func sortMessages(msgs []store.Message) {
	slices.SortStableFunc(msgs, func(a, b store.Message) int {
		switch {
		case messageLess(a, b):
			return -1
		case messageLess(b, a):
			return 1
		default:
			return 0
		}
	})
}
