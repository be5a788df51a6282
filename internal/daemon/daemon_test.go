package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/relay/internal/account"
	"github.com/matheus3301/relay/internal/api"
	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/lock"
	"github.com/matheus3301/relay/internal/remote"
	"github.com/matheus3301/relay/internal/remote/remotetest"
	"github.com/matheus3301/relay/internal/status"
	"go.uber.org/fx"
)

// testHome points the account layout at a short temp dir. Unix socket
// paths are limited to ~104 bytes on macOS.
func testHome(t *testing.T) string {
	t.Helper()
	home, err := os.MkdirTemp("/tmp", "relay-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv(account.EnvHome, home)
	return home
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.UserID = "alice"
	cfg.Remote.URL = "ws://unused.invalid"
	cfg.LogLevel = "error"
	cfg.Outbox.RetryInterval = config.Duration{Duration: 50 * time.Millisecond}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestModuleGraphIsComplete(t *testing.T) {
	testHome(t)
	if err := fx.ValidateApp(Module(Params{Account: "test", Config: testConfig()})); err != nil {
		t.Fatalf("ValidateApp: %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)

	rs := remotetest.New()
	rs.PutChat(remote.ChatDoc{ID: "c1", Type: "dm", ParticipantIDs: []string{"alice", "bob"}, CreatedAt: 1})

	app := fx.New(
		Module(Params{Account: "test", Config: testConfig(), Remote: rs}),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}
	stopped := false
	defer func() {
		if !stopped {
			_ = app.Stop(context.Background())
		}
	}()

	client, err := api.Dial(account.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = client.Close() }()

	st, err := client.Call(ctx, api.StatusServiceName, "GetStatus", nil)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got := st.Fields["state"].GetStringValue(); got != string(status.Online) {
		t.Errorf("state = %q, want ONLINE", got)
	}
	if got := st.Fields["account"].GetStringValue(); got != "test" {
		t.Errorf("account = %q, want test", got)
	}

	waitFor(t, "chat list sync", func() bool {
		out, err := client.Call(ctx, api.ChatServiceName, "ListChats", nil)
		return err == nil && len(out.Fields["chats"].GetListValue().GetValues()) == 1
	})

	sent, err := client.Call(ctx, api.MessageServiceName, "SendText", map[string]any{"chat_id": "c1", "text": "hi bob"})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	id := sent.Fields["message"].GetStructValue().Fields["id"].GetStringValue()
	waitFor(t, "remote write", func() bool {
		_, ok := rs.Message("c1", id)
		return ok
	})

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	stopped = true

	if _, held := lock.Inspect(account.Dir("test")); held {
		t.Error("lock file left behind after stop")
	}
	if _, err := os.Stat(account.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
}

func TestDaemonRefusesHeldAccount(t *testing.T) {
	testHome(t)

	lk, err := lock.Acquire(account.Dir("test"), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(
		Module(Params{Account: "test", Config: testConfig(), Remote: remotetest.New()}),
		fx.NopLogger,
	)
	var held *lock.HeldError
	if !errors.As(app.Err(), &held) {
		t.Fatalf("err = %v, want HeldError", app.Err())
	}
	if held.Holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", held.Holder.PID, os.Getpid())
	}
}

func TestDaemonRejectsInvalidConfig(t *testing.T) {
	home := testHome(t)
	cfg := testConfig()
	cfg.UserID = ""

	app := fx.New(
		Module(Params{Account: "test", Config: cfg, Remote: remotetest.New()}),
		fx.NopLogger,
	)
	if app.Err() == nil {
		t.Fatal("expected config error")
	}
	if _, err := os.Stat(filepath.Join(home, "accounts", "test", "relay.db")); !os.IsNotExist(err) {
		t.Error("store opened despite invalid config")
	}
}
