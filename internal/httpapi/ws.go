package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/unilink/chatd/internal/chat"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 10
	outboundBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients authenticate with a bearer token, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// command is a client request on the socket.
type command struct {
	ID             string `json:"id,omitempty"`
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	OtherUserID    string `json:"other_user_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

// frame is a server message on the socket.
type frame struct {
	Type   string       `json:"type"`
	ID     string       `json:"id,omitempty"`
	OK     *bool        `json:"ok,omitempty"`
	Error  *errorBody   `json:"error,omitempty"`
	Data   any          `json:"data,omitempty"`
	View   *chat.View   `json:"view,omitempty"`
	Notice *chat.Notice `json:"notice,omitempty"`
}

// wsSession binds one socket to one controller.
type wsSession struct {
	h      *handlers
	conn   *websocket.Conn
	ctrl   *chat.Controller
	viewer string
	log    *zap.Logger

	dirty chan struct{}
	out   chan frame
}

func (h *handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	viewer := UserID(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	log := h.Log.With(zap.String("viewer_id", viewer))
	s := &wsSession{
		h:      h,
		conn:   conn,
		viewer: viewer,
		log:    log,
		dirty:  make(chan struct{}, 1),
		out:    make(chan frame, outboundBuffer),
	}
	s.ctrl = chat.NewController(h.Chat, h.Feed, chat.ControllerConfig{
		ViewerID: viewer,
		Buffer:   h.RealtimeBuffer,
	}, log)
	s.ctrl.OnUpdate(func(chat.View) { s.markDirty() })

	// The request context is detached from the hijacked connection, so the
	// session gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := s.ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("controller stopped", zap.Error(err))
		}
	}()
	go s.writePump(ctx, cancel)

	_ = s.ctrl.RefreshConversations(ctx)
	log.Debug("websocket session started")
	s.readPump(ctx)
	log.Debug("websocket session ended")
}

func (s *wsSession) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *wsSession) enqueue(ctx context.Context, f frame) {
	select {
	case s.out <- f:
	case <-ctx.Done():
	}
}

func (s *wsSession) readPump(ctx context.Context) {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.enqueue(ctx, failure("", &chat.Error{Code: chat.CodeInvalidArgument, Message: "malformed command"}))
			continue
		}
		// Opening runs in the background so a later open can supersede a
		// slow one; the controller discards the stale result.
		if cmd.Type == "open" {
			go s.handle(ctx, cmd)
			continue
		}
		s.handle(ctx, cmd)
	}
}

func (s *wsSession) handle(ctx context.Context, cmd command) {
	var (
		data any
		err  error
	)
	switch cmd.Type {
	case "open":
		id := cmd.ConversationID
		if id == "" && cmd.OtherUserID != "" {
			id, err = s.h.Chat.StartConversation(ctx, s.viewer, cmd.OtherUserID)
		}
		if err == nil {
			err = s.ctrl.OpenConversation(ctx, id)
			data = map[string]string{"conversation_id": id}
		}
	case "load_older":
		var n int
		n, err = s.ctrl.LoadOlder(ctx)
		data = map[string]int{"loaded": n}
	case "send":
		err = s.ctrl.Send(ctx, cmd.Content)
	case "clear":
		err = s.ctrl.ClearChat(ctx)
	case "delete":
		err = s.ctrl.DeleteChat(ctx)
	case "refresh":
		err = s.ctrl.RefreshConversations(ctx)
	default:
		err = &chat.Error{Code: chat.CodeInvalidArgument, Message: "unknown command " + cmd.Type}
	}

	if err != nil {
		s.enqueue(ctx, failure(cmd.ID, err))
		return
	}
	ok := true
	s.enqueue(ctx, frame{Type: "result", ID: cmd.ID, OK: &ok, Data: data})
}

func failure(id string, err error) frame {
	ok := false
	body := errorPayload(err)
	return frame{Type: "result", ID: id, OK: &ok, Error: &body}
}

func (s *wsSession) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		_ = s.conn.Close()
	}()

	write := func(f frame) error {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return s.conn.WriteJSON(f)
	}

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-s.dirty:
			v := s.ctrl.Snapshot()
			if err := write(frame{Type: "view", View: &v}); err != nil {
				return
			}
			for _, n := range s.ctrl.DrainNotices() {
				if err := write(frame{Type: "notice", Notice: &n}); err != nil {
					return
				}
			}

		case f := <-s.out:
			if err := write(f); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
