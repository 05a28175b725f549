package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unilink/chatd/internal/api"
	"github.com/unilink/chatd/internal/bus"
	"github.com/unilink/chatd/internal/config"
	"github.com/unilink/chatd/internal/httpapi"
	"github.com/unilink/chatd/internal/lock"
	"github.com/unilink/chatd/internal/status"
	"github.com/unilink/chatd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

// testConfig returns a config rooted in a short temp dir (macOS limits
// unix socket paths to 104 chars) with no outbound push channels.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "chatd-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Instance = "test"
	cfg.LogLevel = "error"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.ServiceKey = "svc"
	cfg.Notify.Enabled = false
	cfg.Gateway.URL = ""
	return cfg
}

func TestAdminStatusOverSocket(t *testing.T) {
	cfg := testConfig(t)

	lk, err := lock.Acquire(cfg.LockDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(cfg.DataDir, "chatd.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	b := bus.New()
	machine := status.NewMachine(b)
	admin := api.NewAdminService(api.AdminDeps{Instance: "test", DB: db, Bus: b, Machine: machine})

	srv, err := NewServer(Params{Config: cfg}, zap.NewNop(), admin)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	if _, statErr := os.Stat(cfg.SocketPath()); statErr != nil {
		t.Fatalf("socket not created at %s: %v", cfg.SocketPath(), statErr)
	}

	client, err := api.Dial(cfg.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	resp, err := client.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus error = %v", err)
	}
	if got := resp.AsMap()["state"]; got != string(status.Booting) {
		t.Errorf("state = %v, want BOOTING", got)
	}

	_ = machine.Transition(status.Ready, "")
	resp, err = client.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.AsMap()["state"]; got != string(status.Ready) {
		t.Errorf("state = %v, want READY", got)
	}
}

// TestFxModuleWiring verifies the dependency graph resolves and the
// daemon serves both surfaces end to end.
func TestFxModuleWiring(t *testing.T) {
	cfg := testConfig(t)

	var httpSrv *httpapi.Server
	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{Config: cfg}),
		fx.Populate(&httpSrv),
	)
	app.RequireStart()
	defer app.RequireStop()

	auth := httpapi.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	token, err := auth.Issue("alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	base := "http://" + httpSrv.Addr()

	post := func(path string, body any) map[string]any {
		t.Helper()
		raw, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			t.Fatalf("POST %s = %d", path, resp.StatusCode)
		}
		out := map[string]any{}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return out
	}

	conv := post("/api/conversations", map[string]string{"other_user_id": "bob"})["conversation_id"].(string)
	post("/api/conversations/"+conv+"/messages", map[string]string{"content": "hello"})

	client, err := api.Dial(cfg.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	resp, err := client.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus error = %v", err)
	}
	st := resp.AsMap()
	if st["state"] != string(status.Ready) {
		t.Errorf("state = %v, want READY", st["state"])
	}
	if st["message_count"] != float64(1) {
		t.Errorf("message_count = %v, want 1", st["message_count"])
	}
	if st["notification_backlog"] != float64(1) {
		t.Errorf("notification_backlog = %v, want 1", st["notification_backlog"])
	}
}

func TestSecondDaemonRefusesHeldDataDir(t *testing.T) {
	cfg := testConfig(t)

	lk, err := lock.Acquire(cfg.LockDir())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(fx.NopLogger, Module(Params{Config: cfg}))
	err = app.Err()
	if err == nil {
		t.Fatal("expected startup to fail while the data dir is locked")
	}
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Errorf("err = %v, want HeldError", err)
	}
	if held != nil && held.PID != os.Getpid() {
		t.Errorf("held by PID %d, want %d", held.PID, os.Getpid())
	}
}
