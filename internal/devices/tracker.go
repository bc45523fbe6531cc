package devices

import (
	"context"
	"errors"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"fleetctl/internal/addrutil"
	"fleetctl/internal/fingerprint"
	"fleetctl/internal/model"
	"fleetctl/internal/store"
)

// DefaultBucketWidth is the width of a device traffic bucket.
const DefaultBucketWidth = 5 * time.Minute

// UserPusher delivers a user's current allow-list entry to every node
// serving that user.
type UserPusher interface {
	PushUser(ctx context.Context, userID int64) error
}

// Sample is one connection report attributed to a user on a node.
type Sample struct {
	UserID         int64
	NodeID         int64
	IP             string
	ClientName     string
	UserAgent      string
	TLSFingerprint string
	Protocol       string
	Upload         int64
	Download       int64
	BucketStart    time.Time
	Geo            *model.Geo
}

// Tracker resolves samples into devices. Failures never reach the caller;
// they are logged and the sample is reported as untracked.
type Tracker struct {
	logger      slog.Logger
	db          store.Store
	ledger      *Ledger
	pusher      UserPusher
	clock       quartz.Clock
	bucketWidth time.Duration
}

type TrackerOption func(*Tracker)

func WithBucketWidth(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.bucketWidth = d
		}
	}
}

func WithClock(clock quartz.Clock) TrackerOption {
	return func(t *Tracker) {
		t.clock = clock
	}
}

func NewTracker(logger slog.Logger, db store.Store, ledger *Ledger, pusher UserPusher, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		logger:      logger,
		db:          db,
		ledger:      ledger,
		pusher:      pusher,
		clock:       quartz.NewReal(),
		bucketWidth: DefaultBucketWidth,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track records the sample against the device it resolves to. ok is false
// when the sample could not be attributed to a device.
func (t *Tracker) Track(ctx context.Context, s Sample) (deviceID, ipID int64, ok bool) {
	logger := t.logger.With(
		slog.F("user_id", s.UserID),
		slog.F("node_id", s.NodeID),
		slog.F("ip", s.IP),
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "panic while tracking connection", slog.F("panic", r))
			deviceID, ipID, ok = 0, 0, false
		}
	}()

	ip, ok := addrutil.RemoteIP(s.IP)
	if !ok {
		logger.Warn(ctx, "unparseable remote address, connection not tracked")
		return 0, 0, false
	}

	clientName := s.ClientName
	if clientName == "" {
		clientName = fingerprint.ExtractClientName(s.UserAgent)
	}
	clientName = fingerprint.NormalizeClientName(clientName)
	clientType := fingerprint.GuessClientType(clientName, s.UserAgent)
	fp, version := fingerprint.Build(s.UserID, clientName, s.TLSFingerprint, "", s.UserAgent)

	bucket := s.BucketStart
	if bucket.IsZero() {
		bucket = t.clock.Now()
	}
	bucket = bucket.UTC().Truncate(t.bucketWidth)

	var created bool
	err := t.db.InTx(ctx, func(tx store.Store) error {
		user, err := tx.GetUser(ctx, s.UserID)
		if err != nil {
			return xerrors.Errorf("get user: %w", err)
		}
		dev, isNew, err := t.ledger.ResolveOrCreate(ctx, tx, user, fp, version, clientName, clientType, s.NodeID)
		if err != nil {
			return err
		}
		created = isNew
		if !isNew {
			if err := t.ledger.Touch(ctx, tx, dev.ID, s.NodeID); err != nil {
				return xerrors.Errorf("touch device: %w", err)
			}
		}
		if dev.Blocked {
			logger.Warn(ctx, "connection from blocked device", slog.F("device_id", dev.ID))
		}

		row, err := t.ledger.RecordIP(ctx, tx, dev.ID, ip, s.Upload, s.Download, s.Geo)
		if err != nil {
			return xerrors.Errorf("record ip: %w", err)
		}
		if dev.LastIPID == nil || *dev.LastIPID != row.ID {
			if err := tx.SetDeviceLastIP(ctx, dev.ID, row.ID); err != nil {
				return xerrors.Errorf("set last ip: %w", err)
			}
		}
		err = t.ledger.RecordTraffic(ctx, tx, dev.ID, s.UserID, s.NodeID, bucket,
			int(t.bucketWidth/time.Second), s.Upload, s.Download, 1)
		if err != nil {
			return xerrors.Errorf("record traffic: %w", err)
		}
		deviceID, ipID = dev.ID, row.ID
		return nil
	})
	if errors.Is(err, ErrDeviceLimitExceeded) {
		logger.Warn(ctx, "device limit reached, connection not tracked")
		return 0, 0, false
	}
	if err != nil {
		logger.Error(ctx, "track connection", slog.Error(err))
		return 0, 0, false
	}

	if created {
		logger.Info(ctx, "new device", slog.F("device_id", deviceID), slog.F("client", clientName))
		if t.pusher != nil {
			if err := t.pusher.PushUser(ctx, s.UserID); err != nil {
				logger.Warn(ctx, "push user after new device", slog.Error(err))
			}
		}
	}
	return deviceID, ipID, true
}
