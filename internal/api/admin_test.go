package api

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/unilink/chatd/internal/bus"
	"github.com/unilink/chatd/internal/notify"
	"github.com/unilink/chatd/internal/push"
	"github.com/unilink/chatd/internal/status"
	"github.com/unilink/chatd/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type stubRunner struct {
	mu  sync.Mutex
	res notify.Result
	err error
}

func (s *stubRunner) RunOnce(context.Context) (notify.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res, s.err
}

func (s *stubRunner) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type stubStats struct{ st notify.Stats }

func (s stubStats) Stats() notify.Stats { return s.st }

type nopSender struct{}

func (nopSender) Send(context.Context, push.Target, push.Notification) error { return nil }

func startAdmin(t *testing.T, deps AdminDeps) *Client {
	t.Helper()
	// Short path keeps the socket under the 104-char limit on macOS.
	dir, err := os.MkdirTemp("/tmp", "chatd-api-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	sock := filepath.Join(dir, "a.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)

	srv := grpc.NewServer()
	RegisterAdminServer(srv, NewAdminService(deps))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func seededDB(t *testing.T) (*store.DB, []store.PendingNotification) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	conv, err := db.GetOrCreateConversation(ctx, "alice", "bob", now)
	require.NoError(t, err)

	var pns []store.PendingNotification
	for i, c := range []string{"one", "two"} {
		_, pn, err := db.AppendMessage(ctx, store.AppendMessageInput{
			ConversationID: conv,
			SenderID:       "alice",
			Content:        c,
			Now:            now.Add(time.Duration(i+1) * time.Second),
		})
		require.NoError(t, err)
		pns = append(pns, *pn)
	}
	return db, pns
}

func TestGetStatus(t *testing.T) {
	db, _ := seededDB(t)
	b := bus.New()
	_, unsub := b.Subscribe("messages.", 1)
	defer unsub()

	machine := status.NewMachine(nil)
	require.NoError(t, machine.Transition(status.Degraded, "redis: refused"))

	c := startAdmin(t, AdminDeps{
		Machine:   machine,
		Instance:  "node-1",
		DB:        db,
		Bus:       b,
		Scheduler: stubStats{st: notify.Stats{Runs: 3, Backoff: time.Minute, LastError: "boom"}},
		Router:    &push.Router{Web: nopSender{}},
	})

	st, err := c.GetStatus(context.Background())
	require.NoError(t, err)
	f := st.AsMap()
	require.Equal(t, "node-1", f["instance"])
	require.Equal(t, "DEGRADED", f["state"])
	require.Equal(t, "redis: refused", f["state_reason"])
	require.EqualValues(t, 1, f["conversation_count"])
	require.EqualValues(t, 2, f["message_count"])
	require.EqualValues(t, 2, f["notification_backlog"])
	require.EqualValues(t, 1, f["bus_subscribers"])
	require.Equal(t, true, f["web_push_enabled"])
	require.Equal(t, false, f["gateway_enabled"])

	sched := f["scheduler"].(map[string]any)
	require.EqualValues(t, 3, sched["runs"])
	require.EqualValues(t, 60000, sched["backoff_ms"])
	require.Equal(t, "boom", sched["last_error"])
}

func TestRunDispatch(t *testing.T) {
	runner := &stubRunner{res: notify.Result{Processed: 3, Success: 2, Failed: 1}}
	c := startAdmin(t, AdminDeps{Runner: runner})
	ctx := context.Background()

	res, err := c.RunDispatch(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, res.AsMap()["processed"])
	require.EqualValues(t, 1, res.AsMap()["failed"])

	runner.fail(notify.ErrNoChannels)
	_, err = c.RunDispatch(ctx)
	require.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err))

	runner.fail(errors.New("db gone"))
	_, err = c.RunDispatch(ctx)
	require.Equal(t, codes.Internal, grpcstatus.Code(err))
}

func TestRunDispatchUnconfigured(t *testing.T) {
	c := startAdmin(t, AdminDeps{})
	_, err := c.RunDispatch(context.Background())
	require.Equal(t, codes.Unavailable, grpcstatus.Code(err))
}

func TestListDeadLetters(t *testing.T) {
	db, pns := seededDB(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, db.DeadLetterNotifications(ctx, []string{pns[0].ID}, "push subscription gone", at))

	c := startAdmin(t, AdminDeps{DB: db})
	resp, err := c.ListDeadLetters(ctx, 0)
	require.NoError(t, err)

	items := resp.AsMap()["notifications"].([]any)
	require.Len(t, items, 1)
	row := items[0].(map[string]any)
	require.Equal(t, pns[0].ID, row["id"])
	require.Equal(t, "bob", row["receiver_id"])
	require.Equal(t, "push subscription gone", row["error"])
	require.EqualValues(t, store.MaxDeliveryAttempts, row["attempts"])
}
