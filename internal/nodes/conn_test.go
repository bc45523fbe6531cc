package nodes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetctl/internal/api"
	"fleetctl/internal/model"
	"fleetctl/internal/store/storetest"
)

func TestMailboxCoalesces(t *testing.T) {
	t.Parallel()

	box := newMailbox()
	box.put(api.UserData{User: api.User{ID: 1, Username: "v1"}})
	box.put(api.UserData{User: api.User{ID: 2}})
	box.put(api.UserData{User: api.User{ID: 1, Username: "v2"}})
	require.Equal(t, 2, box.len())

	got := box.take()
	require.Len(t, got, 2)
	require.Equal(t, "v2", got[0].User.Username)
	require.EqualValues(t, 2, got[1].User.ID)
	require.Nil(t, box.take())

	box.put(api.UserData{User: api.User{ID: 3}})
	box.clear()
	require.Zero(t, box.len())
}

func TestMonitorRepeatedFailuresStayUnhealthy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storetest.New(t)
	node := storetest.Node(t, db, model.Node{})
	ft := newFakeTransport()
	conn := newTestConn(t, db, node, ft)

	failures := []error{
		&api.ConnectError{Kind: api.FailureTimeout, Addr: "10.0.0.1:53042", Timeout: 5 * time.Second},
		&api.ConnectError{Kind: api.FailureRefused, Addr: "10.0.0.1:53042"},
		&api.ConnectError{Kind: api.FailureTLS, Err: errors.New("bad certificate")},
	}
	for _, failure := range failures {
		ft.set(func(f *fakeTransport) { f.readyErr = failure })
		conn.monitorOnce(ctx)

		status, message := conn.Status()
		require.Equal(t, model.NodeStatusUnhealthy, status)
		require.Equal(t, failure.Error(), message)
		require.False(t, conn.Synced())
	}

	persisted, err := db.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, model.NodeStatusUnhealthy, persisted.Status)
	require.Equal(t, "TLS error: bad certificate", persisted.Message)
	require.Empty(t, ft.Events())
}

func TestMonitorRetryReportsConnecting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storetest.New(t)
	node := storetest.Node(t, db, model.Node{})
	ft := newFakeTransport()
	conn := newTestConn(t, db, node, ft)

	refused := &api.ConnectError{Kind: api.FailureRefused, Addr: "10.0.0.1:53042"}
	ft.set(func(f *fakeTransport) { f.readyErr = refused })
	conn.monitorOnce(ctx)
	status, _ := conn.Status()
	require.Equal(t, model.NodeStatusUnhealthy, status)

	var during []model.NodeStatus
	ft.set(func(f *fakeTransport) {
		f.onReady = func() {
			status, _ := conn.Status()
			during = append(during, status)
		}
	})
	conn.monitorOnce(ctx)
	require.Equal(t, []model.NodeStatus{model.NodeStatusConnecting}, during)
	status, message := conn.Status()
	require.Equal(t, model.NodeStatusUnhealthy, status)
	require.Equal(t, refused.Error(), message)

	ft.set(func(f *fakeTransport) { f.readyErr = nil })
	conn.monitorOnce(ctx)
	status, _ = conn.Status()
	require.Equal(t, model.NodeStatusHealthy, status)

	// Synced nodes are only checked for readiness.
	during = nil
	conn.monitorOnce(ctx)
	require.Equal(t, []model.NodeStatus{model.NodeStatusHealthy}, during)
}

func TestMonitorSyncsBeforeStreaming(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storetest.New(t)
	node := storetest.Node(t, db, model.Node{})
	alice := storetest.User(t, db, model.User{DeviceLimit: storetest.Ptr(3)})
	over := storetest.User(t, db, model.User{DataLimit: storetest.Ptr[int64](10), UsedTraffic: 10})
	storetest.Inbound(t, db, node.ID, "vless-tcp", alice, over)
	ft := newFakeTransport()
	conn := newTestConn(t, db, node, ft)

	// Updates queued before the resync are superseded by it.
	require.NoError(t, conn.Enqueue(api.UserData{User: api.User{ID: alice.ID}}))

	conn.monitorOnce(ctx)
	require.Eventually(t, func() bool { return len(ft.Events()) == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"backends", "repopulate", "stream"}, ft.Events())

	status, message := conn.Status()
	require.Equal(t, model.NodeStatusHealthy, status)
	require.Empty(t, message)
	require.True(t, conn.Synced())

	pushed := ft.Repopulated()
	require.Len(t, pushed, 1)
	require.Len(t, pushed[0], 1)
	require.Equal(t, alice.ID, pushed[0][0].User.ID)
	require.Equal(t, 3, *pushed[0][0].User.DeviceLimit)
	require.True(t, pushed[0][0].User.EnforceDeviceLimit)
	require.Equal(t, []api.Inbound{{Tag: "vless-tcp"}}, pushed[0][0].Inbounds)
	require.Zero(t, conn.Pending())

	backends, err := db.ListNodeBackends(ctx, node.ID)
	require.NoError(t, err)
	require.Len(t, backends, 1)
	require.Equal(t, "xray", backends[0].Name)

	persisted, err := db.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.Equal(t, model.NodeStatusHealthy, persisted.Status)

	// A synced node is left alone.
	conn.monitorOnce(ctx)
	require.Len(t, ft.Repopulated(), 1)

	require.NoError(t, conn.Enqueue(api.UserData{User: api.User{ID: alice.ID, Username: "latest"}}))
	select {
	case got := <-ft.sent:
		require.Equal(t, "latest", got.User.Username)
	case <-time.After(5 * time.Second):
		t.Fatal("update was not streamed")
	}
}

func TestStreamBreakForcesResync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storetest.New(t)
	node := storetest.Node(t, db, model.Node{})
	ft := newFakeTransport()
	conn := newTestConn(t, db, node, ft)

	conn.monitorOnce(ctx)
	require.True(t, conn.Synced())

	ft.set(func(f *fakeTransport) { f.sendErr = errors.New("stream terminated") })
	require.NoError(t, conn.Enqueue(api.UserData{User: api.User{ID: 1}}))
	require.Eventually(t, func() bool { return !conn.Synced() }, 5*time.Second, 10*time.Millisecond)

	// Still healthy but not synced: explicit resyncs are refused.
	status, _ := conn.Status()
	require.Equal(t, model.NodeStatusHealthy, status)
	require.ErrorIs(t, conn.Resync(ctx), ErrNotSynced)

	ft.set(func(f *fakeTransport) { f.sendErr = nil })
	conn.monitorOnce(ctx)
	require.True(t, conn.Synced())
	require.Len(t, ft.Repopulated(), 2)
	require.NoError(t, conn.Resync(ctx))
	require.Len(t, ft.Repopulated(), 3)
}

func TestResyncFailsFastWhenDisconnected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storetest.New(t)
	node := storetest.Node(t, db, model.Node{})
	ft := newFakeTransport()
	ft.readyErr = &api.ConnectError{Kind: api.FailureRefused, Addr: "x"}
	conn := newTestConn(t, db, node, ft)

	conn.monitorOnce(ctx)
	require.ErrorIs(t, conn.Resync(ctx), ErrNotConnected)
	require.Empty(t, ft.Repopulated())
}

func TestSyncFailureMarksUnhealthy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storetest.New(t)
	node := storetest.Node(t, db, model.Node{})
	ft := newFakeTransport()
	ft.repopulateErr = errors.New("unavailable")
	conn := newTestConn(t, db, node, ft)

	conn.monitorOnce(ctx)
	status, message := conn.Status()
	require.Equal(t, model.NodeStatusUnhealthy, status)
	require.Equal(t, "sync failed: repopulate users: unavailable", message)
	require.False(t, conn.Synced())
	require.NotContains(t, ft.Events(), "stream")
}

func TestRestartBackend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storetest.New(t)
	node := storetest.Node(t, db, model.Node{})
	ft := newFakeTransport()
	conn := newTestConn(t, db, node, ft)
	conn.monitorOnce(ctx)

	require.NoError(t, conn.RestartBackend(ctx, "xray", "{}", api.ConfigFormatJSON))
	require.Len(t, ft.Repopulated(), 2)
	status, _ := conn.Status()
	require.Equal(t, model.NodeStatusHealthy, status)

	ft.set(func(f *fakeTransport) { f.restartErr = errors.New("invalid config") })
	err := conn.RestartBackend(ctx, "xray", "{", api.ConfigFormatJSON)
	require.Error(t, err)
	status, message := conn.Status()
	require.Equal(t, model.NodeStatusUnhealthy, status)
	require.Equal(t, "backend restart failed: invalid config", message)
	require.False(t, conn.Synced())
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	db := storetest.New(t)
	node := storetest.Node(t, db, model.Node{})
	ft := newFakeTransport()
	conn := newConn(node, ft, db, testAllowList(t, db), testOptions(t))

	conn.Start()
	require.Eventually(t, func() bool {
		status, _ := conn.Status()
		return status == model.NodeStatusHealthy
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Stop())
	require.NoError(t, conn.Stop())
	ft.mu.Lock()
	require.True(t, ft.closed)
	ft.mu.Unlock()
	require.ErrorIs(t, conn.Enqueue(api.UserData{}), ErrStopped)
	require.ErrorIs(t, conn.Resync(context.Background()), ErrStopped)
}

func TestStopClosesTransportBeforeCanceling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storetest.New(t)
	node := storetest.Node(t, db, model.Node{})
	ft := newFakeTransport()
	ft.set(func(f *fakeTransport) { f.blockBackends = true })
	conn := newConn(node, ft, db, testAllowList(t, db), testOptions(t))

	conn.Start()
	require.Eventually(t, func() bool {
		return len(ft.Events()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Stop())
	require.Equal(t, []string{"backends", "backends failed: transport closed"}, ft.Events())

	// The aborted sync is not reported as a node failure.
	persisted, err := db.GetNode(ctx, node.ID)
	require.NoError(t, err)
	require.NotContains(t, persisted.Message, "sync failed")
}
