package daemon

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/contacts"
	"github.com/matheus3301/chatsync/internal/devserver"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

// shortHome points CHATSYNC_HOME at a short /tmp path (macOS 104-char socket limit).
func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cs-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.EnvHome, dir)
	return dir
}

func testConfig(t *testing.T, dev *devserver.Server, backend string) *config.Config {
	t.Helper()
	ts := httptest.NewServer(dev.Handler())
	t.Cleanup(ts.Close)
	cfg := config.Default()
	cfg.ServerURL = ts.URL + "/"
	cfg.WSURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	cfg.Store = backend
	cfg.LogLevel = "debug"
	cfg.Realtime.Reconnect.Delay = config.Duration{Duration: 20 * time.Millisecond}
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	for _, backend := range []string{config.StoreFile, config.StoreSQLite} {
		t.Run(backend, func(t *testing.T) {
			shortHome(t)
			dev := devserver.New(nil)
			cfg := testConfig(t, dev, backend)

			app := fxtest.New(t, Module(Params{SessionName: "test", Config: cfg}))
			app.RequireStart()
			defer app.RequireStop()

			client, err := api.Dial(session.SocketPath("test"))
			require.NoError(t, err)
			defer func() { _ = client.Close() }()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			st, err := client.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, "test", st.Session)
			assert.False(t, st.Authenticated)
			assert.Equal(t, string(status.Disconnected), st.State)

			// Sending requires a session.
			_, _, err = client.Send(ctx, "nobody", "hi", nil)
			require.Error(t, err)

			me, err := client.Signup(ctx, "+100")
			require.NoError(t, err)
			assert.NotEmpty(t, me.ID)
			assert.Empty(t, me.Token)

			require.Eventually(t, func() bool {
				st, err := client.Status(ctx)
				return err == nil && st.State == string(status.Connected)
			}, 3*time.Second, 10*time.Millisecond)
			assert.True(t, dev.Online(me.ID))
		})
	}
}

func TestDaemonSurvivesRestart(t *testing.T) {
	shortHome(t)
	dev := devserver.New(nil)
	peer := dev.Register(model.Contact{Phone: "+200", Name: "Bob"})
	cfg := testConfig(t, dev, config.StoreFile)
	ctx := context.Background()

	app := fxtest.New(t, Module(Params{SessionName: "s", Config: cfg}))
	app.RequireStart()
	client, err := api.Dial(session.SocketPath("s"))
	require.NoError(t, err)
	_, err = client.Signup(ctx, "+100")
	require.NoError(t, err)
	found, err := client.FindContact(ctx, peer.Phone)
	require.NoError(t, err)
	require.NotNil(t, found)
	_ = client.Close()
	app.RequireStop()

	app = fxtest.New(t, Module(Params{SessionName: "s", Config: cfg}))
	app.RequireStart()
	defer app.RequireStop()
	client, err = api.Dial(session.SocketPath("s"))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Authenticated)
	assert.Equal(t, 1, st.Contacts)
}

func TestSecondDaemonRefused(t *testing.T) {
	shortHome(t)
	cfg := testConfig(t, devserver.New(nil), config.StoreFile)

	first := fxtest.New(t, Module(Params{SessionName: "dup", Config: cfg}))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(
		fx.NopLogger,
		Module(Params{SessionName: "dup", Config: cfg, SocketPath: filepath.Join(os.TempDir(), "cs-dup.sock")}),
	)
	err := second.Err()
	require.Error(t, err)
	var held *lock.LockHeldError
	assert.ErrorAs(t, err, &held)
}

func TestUnknownBackend(t *testing.T) {
	shortHome(t)
	cfg := testConfig(t, devserver.New(nil), "etcd")
	app := fx.New(fx.NopLogger, Module(Params{SessionName: "x", Config: cfg}))
	require.Error(t, app.Err())
}

// TestNewServer verifies the server binds the socket it is given.
// Regression: NewServer previously took a bare `string` param which fx
// cannot resolve, causing a silent startup crash ("missing type: string").
func TestNewServer(t *testing.T) {
	dir := shortHome(t)
	socketPath := filepath.Join(dir, "d.sock")

	fb, err := store.NewFileBackend(dir)
	require.NoError(t, err)
	snaps := store.NewSnapshots(fb)
	holder, err := session.NewHolder(snaps)
	require.NoError(t, err)
	b := bus.New()
	machine := status.NewMachine(b)
	cache := contacts.New(snaps, nil, nil)
	defer cache.Close()
	require.NoError(t, cache.Load(context.Background()))
	queue, err := outbox.New(snaps, b, nil)
	require.NoError(t, err)
	coord := intsync.New(intsync.Deps{
		Session:  holder,
		Remote:   remote.New("http://127.0.0.1/", nil, nil),
		Contacts: cache,
		Queue:    queue,
		Bus:      b,
	})
	control := api.NewControl("t", machine, coord, holder, cache, queue, b)

	srv, err := NewServer(Params{SessionName: "t", SocketPath: socketPath}, zap.NewNop(), control)
	require.NoError(t, err)

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// The socket is listening, so a second server must not take it over.
	_, err = NewServer(Params{SessionName: "t", SocketPath: socketPath}, zap.NewNop(), control)
	require.Error(t, err)

	srv.Stop(context.Background())
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestNewServerClearsStaleSocket(t *testing.T) {
	dir := shortHome(t)
	socketPath := filepath.Join(dir, "stale.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0600))

	fb, err := store.NewFileBackend(dir)
	require.NoError(t, err)
	snaps := store.NewSnapshots(fb)
	holder, err := session.NewHolder(snaps)
	require.NoError(t, err)
	cache := contacts.New(snaps, nil, nil)
	defer cache.Close()
	control := api.NewControl("t", status.NewMachine(nil), nil, holder, cache, nil, nil)

	srv, err := NewServer(Params{SocketPath: socketPath}, zap.NewNop(), control)
	require.NoError(t, err)
	srv.Stop(context.Background())
}
