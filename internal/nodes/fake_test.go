package nodes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"fleetctl/internal/api"
	"fleetctl/internal/devices"
	"fleetctl/internal/model"
	"fleetctl/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport records calls in order and fails on demand.
type fakeTransport struct {
	mu            sync.Mutex
	readyErr      error
	backendsErr   error
	repopulateErr error
	restartErr    error
	sendErr       error
	backends      []api.Backend
	events        []string
	repopulated   [][]api.UserData
	closed        bool
	// blockBackends holds FetchBackends until the call is canceled or the
	// transport is closed.
	blockBackends bool
	// onReady runs at the start of every WaitReady.
	onReady func()

	sent    chan api.UserData
	release chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		backends: []api.Backend{{
			Name: "xray", Type: "xray", Version: "1.8.4", Running: true,
			Inbounds: []api.Inbound{{Tag: "vless-tcp", Protocol: "vless"}},
		}},
		sent:    make(chan api.UserData, 64),
		release: make(chan struct{}),
	}
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTransport) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeTransport) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeTransport) Repopulated() [][]api.UserData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]api.UserData(nil), f.repopulated...)
}

func (f *fakeTransport) WaitReady(context.Context, time.Duration) error {
	f.mu.Lock()
	onReady := f.onReady
	f.mu.Unlock()
	if onReady != nil {
		onReady()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

func (f *fakeTransport) SyncUsers(ctx context.Context) (api.UserStream, error) {
	f.record("stream")
	return &fakeStream{f: f, ctx: ctx}, nil
}

func (f *fakeTransport) RepopulateUsers(_ context.Context, users []api.UserData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "repopulate")
	if f.repopulateErr != nil {
		return f.repopulateErr
	}
	f.repopulated = append(f.repopulated, users)
	return nil
}

func (f *fakeTransport) FetchUsersStats(context.Context) ([]api.UserStats, error) {
	return nil, nil
}

func (f *fakeTransport) FetchBackends(ctx context.Context) ([]api.Backend, error) {
	f.mu.Lock()
	f.events = append(f.events, "backends")
	block := f.blockBackends
	backends, err := f.backends, f.backendsErr
	f.mu.Unlock()
	if !block {
		return backends, err
	}

	select {
	case <-f.release:
	case <-ctx.Done():
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.events = append(f.events, "backends failed: transport closed")
		return nil, errors.New("transport is closing")
	}
	f.events = append(f.events, "backends failed: canceled")
	return nil, ctx.Err()
}

func (f *fakeTransport) RestartBackend(context.Context, string, string, api.ConfigFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "restart")
	return f.restartErr
}

func (f *fakeTransport) FetchBackendConfig(context.Context, string) (api.BackendConfig, error) {
	return api.BackendConfig{}, nil
}

func (f *fakeTransport) GetBackendStats(context.Context, string) (api.BackendStats, error) {
	return api.BackendStats{Running: true}, nil
}

func (f *fakeTransport) StreamBackendLogs(context.Context, string, bool) (api.LogStream, error) {
	return nil, nil
}

func (f *fakeTransport) FetchUserDevices(_ context.Context, uid int64, _ bool) (api.UserDevicesHistory, error) {
	return api.UserDevicesHistory{UID: uid}, nil
}

func (f *fakeTransport) FetchAllDevices(context.Context) (api.AllUsersDevices, error) {
	return api.AllUsersDevices{}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.release)
	}
	return nil
}

type fakeStream struct {
	f   *fakeTransport
	ctx context.Context
}

func (s *fakeStream) Send(u *api.UserData) error {
	s.f.mu.Lock()
	err := s.f.sendErr
	s.f.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case s.f.sent <- *u:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (*fakeStream) CloseAndRecv() (*api.Empty, error) {
	return &api.Empty{}, nil
}

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := Options{
		Logger: slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug),
		Clock:  quartz.NewMock(t),
	}
	opts.applyDefaults()
	return opts
}

func testAllowList(t *testing.T, db store.Store) *AllowList {
	t.Helper()
	ledger, err := devices.NewLedger(db, quartz.NewMock(t), 0)
	require.NoError(t, err)
	return NewAllowList(db, ledger, true)
}

func newTestConn(t *testing.T, db store.Store, node model.Node, ft *fakeTransport) *Conn {
	t.Helper()
	c := newConn(node, ft, db, testAllowList(t, db), testOptions(t))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}
