package devices_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/stretchr/testify/require"

	"fleetctl/internal/devices"
	"fleetctl/internal/model"
	"fleetctl/internal/store/storetest"
)

type recordingPusher struct {
	mu    sync.Mutex
	users []int64
}

func (p *recordingPusher) PushUser(_ context.Context, userID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	return nil
}

func (p *recordingPusher) pushed() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.users...)
}

func TestTrackDeviceLimitScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
	db, ledger, clock := newLedger(t)
	node := storetest.Node(t, db, model.Node{})
	user := storetest.User(t, db, model.User{DeviceLimit: storetest.Ptr(1)})
	pusher := &recordingPusher{}
	tracker := devices.NewTracker(logger, db, ledger, pusher, devices.WithClock(clock))

	d1, ip1, ok := tracker.Track(ctx, devices.Sample{UserID: user.ID, NodeID: node.ID, IP: "1.1.1.1", ClientName: "sing-box"})
	require.True(t, ok)
	require.NotZero(t, d1)
	require.NotZero(t, ip1)
	require.Equal(t, []int64{user.ID}, pusher.pushed())

	before, err := db.GetDevice(ctx, d1)
	require.NoError(t, err)

	dev, ip, ok := tracker.Track(ctx, devices.Sample{UserID: user.ID, NodeID: node.ID, IP: "2.2.2.2", ClientName: "clash"})
	require.False(t, ok)
	require.Zero(t, dev)
	require.Zero(t, ip)

	all, err := db.ListUserDevices(ctx, user.ID, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, before, all[0])

	ips, err := db.ListDeviceIPs(ctx, d1)
	require.NoError(t, err)
	require.Len(t, ips, 1)
	require.Equal(t, "1.1.1.1", ips[0].IP)
	require.Len(t, pusher.pushed(), 1)
}

func TestTrackExistingDevice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := slogtest.Make(t, nil).Leveled(slog.LevelDebug)
	db, ledger, clock := newLedger(t)
	n1 := storetest.Node(t, db, model.Node{})
	n2 := storetest.Node(t, db, model.Node{})
	user := storetest.User(t, db, model.User{})
	pusher := &recordingPusher{}
	tracker := devices.NewTracker(logger, db, ledger, pusher, devices.WithClock(clock))

	sample := devices.Sample{
		UserID:      user.ID,
		NodeID:      n1.ID,
		IP:          "1.1.1.1",
		UserAgent:   "v2rayng/1.8.5",
		Upload:      10,
		Download:    20,
		BucketStart: start.Add(7 * time.Minute),
	}
	d1, _, ok := tracker.Track(ctx, sample)
	require.True(t, ok)

	clock.Set(start.Add(time.Minute))
	sample.NodeID = n2.ID
	sample.IP = "2.2.2.2"
	d2, ip2, ok := tracker.Track(ctx, sample)
	require.True(t, ok)
	require.Equal(t, d1, d2)
	require.Len(t, pusher.pushed(), 1)

	dev, err := db.GetDevice(ctx, d1)
	require.NoError(t, err)
	require.Equal(t, "v2rayNG", dev.ClientName)
	require.Equal(t, "android", dev.ClientType)
	require.Equal(t, n2.ID, *dev.LastNodeID)
	require.Equal(t, ip2, *dev.LastIPID)
	require.True(t, start.Add(time.Minute).Equal(dev.LastSeenAt))

	rows, err := db.ListDeviceTraffic(ctx, d1)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.True(t, start.Add(5*time.Minute).Equal(row.BucketStart))
		require.Equal(t, 300, row.BucketSeconds)
		require.EqualValues(t, 10, row.UploadBytes)
		require.EqualValues(t, 1, row.ConnectCount)
	}
}

func TestTrackUnknownUserIsUntracked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	db, ledger, clock := newLedger(t)
	node := storetest.Node(t, db, model.Node{})
	tracker := devices.NewTracker(logger, db, ledger, nil, devices.WithClock(clock))

	_, _, ok := tracker.Track(ctx, devices.Sample{UserID: 4242, NodeID: node.ID, IP: "1.1.1.1"})
	require.False(t, ok)
}

func TestTrackNormalizesRemoteAddress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	db, ledger, clock := newLedger(t)
	node := storetest.Node(t, db, model.Node{})
	user := storetest.User(t, db, model.User{})
	tracker := devices.NewTracker(logger, db, ledger, nil, devices.WithClock(clock))

	sample := devices.Sample{UserID: user.ID, NodeID: node.ID, IP: "203.0.113.7:50122", ClientName: "Hiddify"}
	dev, first, ok := tracker.Track(ctx, sample)
	require.True(t, ok)
	sample.IP = "[::ffff:203.0.113.7]:50123"
	_, second, ok := tracker.Track(ctx, sample)
	require.True(t, ok)
	require.Equal(t, first, second)

	ips, err := db.ListDeviceIPs(ctx, dev)
	require.NoError(t, err)
	require.Len(t, ips, 1)
	require.Equal(t, "203.0.113.7", ips[0].IP)

	sample.IP = "not-an-address"
	_, _, ok = tracker.Track(ctx, sample)
	require.False(t, ok)
}
