package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unilink/chatd/internal/bus"
	"github.com/unilink/chatd/internal/chat"
	"github.com/unilink/chatd/internal/notify"
	"github.com/unilink/chatd/internal/realtime"
	"github.com/unilink/chatd/internal/store"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type fakeRunner struct {
	mu    sync.Mutex
	res   notify.Result
	err   error
	calls int
}

func (f *fakeRunner) RunOnce(context.Context) (notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

func (f *fakeRunner) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type apiFixture struct {
	db     *store.DB
	auth   *Authenticator
	runner *fakeRunner
	srv    *httptest.Server
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	feed := realtime.NewFeed(b, "test")
	auth := NewAuthenticator(testSecret, "campus")
	runner := &fakeRunner{res: notify.Result{Processed: 2, Success: 2}}

	handler := NewRouter(Deps{
		Chat:       chat.NewService(db, feed, b, zap.NewNop()),
		Feed:       feed,
		Auth:       auth,
		Dispatch:   runner,
		ServiceKey: "svc-key",
		Gatherer:   prometheus.NewRegistry(),
		Ping:       db.PingContext,
		Log:        zap.NewNop(),
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &apiFixture{db: db, auth: auth, runner: runner, srv: srv}
}

func (f *apiFixture) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := f.auth.Issue(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, user, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func (f *apiFixture) start(t *testing.T, user, other string) string {
	t.Helper()
	status, body := f.do(t, user, http.MethodPost, "/api/conversations", map[string]string{"other_user_id": other})
	require.Equal(t, http.StatusOK, status, body)
	return body["conversation_id"].(string)
}

func contentsOf(body map[string]any) []string {
	var out []string
	for _, m := range body["messages"].([]any) {
		out = append(out, m.(map[string]any)["content"].(string))
	}
	return out
}

func TestAuthRequired(t *testing.T) {
	f := newAPI(t)

	status, body := f.do(t, "", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthenticated", body["error"].(map[string]any)["code"])

	other := NewAuthenticator("other-secret", "campus")
	tok, err := other.Issue("alice", time.Hour)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestVerifyRejectsExpiredAndWrongIssuer(t *testing.T) {
	a := NewAuthenticator(testSecret, "campus")

	tok, err := a.Issue("alice", -time.Minute)
	require.NoError(t, err)
	_, err = a.Verify(tok)
	require.Error(t, err)

	tok, err = NewAuthenticator(testSecret, "elsewhere").Issue("alice", time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(tok)
	require.Error(t, err)

	tok, err = a.Issue("alice", time.Hour)
	require.NoError(t, err)
	sub, err := a.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "alice", sub)
}

func TestConversationFlow(t *testing.T) {
	f := newAPI(t)
	conv := f.start(t, "alice", "bob")
	require.Equal(t, conv, f.start(t, "bob", "alice"))

	for _, c := range []string{"m1", "m2", "m3"} {
		status, body := f.do(t, "alice", http.MethodPost, "/api/conversations/"+conv+"/messages", map[string]string{"content": c})
		require.Equal(t, http.StatusCreated, status, body)
		require.Equal(t, c, body["content"])
	}

	status, body := f.do(t, "alice", http.MethodPost, "/api/conversations/"+conv+"/clear", nil)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, body["cleared_at"])

	for _, c := range []string{"m4", "m5"} {
		status, _ := f.do(t, "bob", http.MethodPost, "/api/conversations/"+conv+"/messages", map[string]string{"content": c})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body = f.do(t, "alice", http.MethodGet, "/api/conversations/"+conv+"/messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"m4", "m5"}, contentsOf(body))
	assert.NotEmpty(t, body["cleared_at"])

	status, body = f.do(t, "bob", http.MethodGet, "/api/conversations/"+conv+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"m4", "m5"}, contentsOf(body))

	status, body = f.do(t, "bob", http.MethodGet, "/api/conversations/"+conv+"/messages?offset=2&limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"m2", "m3"}, contentsOf(body))

	status, body = f.do(t, "bob", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["conversations"], 1)

	status, body = f.do(t, "bob", http.MethodGet, "/api/recent-chats", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["recent_chats"], 1)
}

func TestErrorMapping(t *testing.T) {
	f := newAPI(t)
	conv := f.start(t, "alice", "bob")

	status, body := f.do(t, "alice", http.MethodPost, "/api/conversations/"+conv+"/messages", map[string]string{"content": "  "})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_argument", body["error"].(map[string]any)["code"])

	status, _ = f.do(t, "mallory", http.MethodGet, "/api/conversations/"+conv+"/messages", nil)
	require.Equal(t, http.StatusForbidden, status)

	status, _ = f.do(t, "alice", http.MethodPost, "/api/conversations/missing/read", nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, "alice", http.MethodPost, "/api/conversations", map[string]string{"other_user_id": "alice"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, "alice", http.MethodPost, "/api/conversations", map[string]string{"unknown": "x"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, "alice", http.MethodGet, "/api/conversations/"+conv+"/messages?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestDeleteChatHidesOnlyForCaller(t *testing.T) {
	f := newAPI(t)
	conv := f.start(t, "alice", "bob")
	status, _ := f.do(t, "alice", http.MethodPost, "/api/conversations/"+conv+"/messages", map[string]string{"content": "hi"})
	require.Equal(t, http.StatusCreated, status)

	status, _ = f.do(t, "alice", http.MethodPost, "/api/conversations/"+conv+"/delete", nil)
	require.Equal(t, http.StatusNoContent, status)

	_, body := f.do(t, "alice", http.MethodGet, "/api/conversations", nil)
	require.Empty(t, body["conversations"])
	_, body = f.do(t, "bob", http.MethodGet, "/api/conversations", nil)
	require.Len(t, body["conversations"], 1)
}

func TestListConversationsFailsSoft(t *testing.T) {
	f := newAPI(t)
	require.NoError(t, f.db.Close())

	status, body := f.do(t, "alice", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, body["conversations"])
	require.Empty(t, body["conversations"])
	require.Equal(t, "unavailable", body["error"].(map[string]any)["code"])

	status, _ = f.do(t, "", http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
}

func TestDispatchEndpoint(t *testing.T) {
	f := newAPI(t)
	url := f.srv.URL + "/internal/notifications/dispatch"

	post := func(key string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, url, nil)
		if key != "" {
			req.Header.Set("X-Service-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("")
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post("wrong")
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, f.runner.callCount())

	resp = post("svc-key")
	var res notify.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, notify.Result{Processed: 2, Success: 2}, res)

	f.runner.fail(notify.ErrNoChannels)
	resp = post("svc-key")
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.runner.fail(errors.New("boom"))
	resp = post("svc-key")
	resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestDispatchUnconfigured(t *testing.T) {
	h := NewRouter(Deps{Auth: NewAuthenticator(testSecret, ""), Log: zap.NewNop()})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/notifications/dispatch", nil)
	req.Header.Set("X-Service-Key", "anything")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPI(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *apiFixture) dial(t *testing.T, user string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + f.token(t, user)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(cmd command) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(cmd))
}

// await reads frames until match accepts one.
func (c *wsClient) await(match func(frame) bool) frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f frame
		// View and Notice decode into fresh values on each read.
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func resultFor(id string) func(frame) bool {
	return func(f frame) bool { return f.Type == "result" && f.ID == id }
}

func viewWith(contents ...string) func(frame) bool {
	return func(f frame) bool {
		if f.Type != "view" || f.View == nil || len(f.View.Messages) != len(contents) {
			return false
		}
		for i, m := range f.View.Messages {
			if m.Content != contents[i] {
				return false
			}
		}
		return true
	}
}

func TestWebSocketSendEchoesOnce(t *testing.T) {
	f := newAPI(t)
	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")

	alice.send(command{ID: "1", Type: "open", OtherUserID: "bob"})
	res := alice.await(resultFor("1"))
	require.True(t, *res.OK)
	conv := res.Data.(map[string]any)["conversation_id"].(string)

	bob.send(command{ID: "1", Type: "open", ConversationID: conv})
	require.True(t, *bob.await(resultFor("1")).OK)

	alice.send(command{ID: "2", Type: "send", Content: "hello"})
	alice.await(viewWith("hello"))
	bob.await(viewWith("hello"))

	alice.send(command{ID: "3", Type: "clear"})
	require.True(t, *alice.await(resultFor("3")).OK)

	bob.send(command{ID: "2", Type: "send", Content: "after"})
	v := alice.await(viewWith("after"))
	require.Equal(t, chat.Cleared, v.View.State)
	bob.await(viewWith("hello", "after"))
}

func TestWebSocketReportsCommandErrors(t *testing.T) {
	f := newAPI(t)
	alice := f.dial(t, "alice")

	alice.send(command{ID: "x", Type: "send", Content: "hi"})
	res := alice.await(resultFor("x"))
	require.False(t, *res.OK)
	require.Equal(t, string(chat.CodeFailedPrecondition), res.Error.Code)

	alice.send(command{ID: "y", Type: "bogus"})
	res = alice.await(resultFor("y"))
	require.False(t, *res.OK)
	require.Equal(t, string(chat.CodeInvalidArgument), res.Error.Code)
}

func TestWebSocketRequiresToken(t *testing.T) {
	f := newAPI(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
