// Package devices keeps the per-user device ledger and resolves telemetry
// samples into tracked devices.
package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/coder/quartz"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/xerrors"

	"fleetctl/internal/fingerprint"
	"fleetctl/internal/model"
	"fleetctl/internal/store"
)

// ErrDeviceLimitExceeded is returned when a user already has as many
// non-blocked devices as their device limit allows.
var ErrDeviceLimitExceeded = xerrors.New("device limit exceeded")

const (
	DefaultCacheSize = 4096

	suspiciousWindow        = 24 * time.Hour
	suspiciousMaxCountries  = 5
	suspiciousMaxRecentIPs  = 20
	suspiciousDatacenterPct = 0.5
)

type deviceKey struct {
	userID      int64
	fingerprint string
	version     int
}

// Ledger owns device, device IP and device traffic records.
type Ledger struct {
	db    store.Store
	clock quartz.Clock
	ids   *lru.Cache[deviceKey, int64]
}

func NewLedger(db store.Store, clock quartz.Clock, cacheSize int) (*Ledger, error) {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	ids, err := lru.New[deviceKey, int64](cacheSize)
	if err != nil {
		return nil, xerrors.Errorf("device cache: %w", err)
	}
	return &Ledger{db: db, clock: clock, ids: ids}, nil
}

// ResolveOrCreate returns the user's device with the given fingerprint,
// creating it when none exists. Creation is refused with
// ErrDeviceLimitExceeded once the user's non-blocked device count reaches
// their limit. Existing devices are always returned, blocked or not.
// Cached ids are checked against the stored fingerprint before use.
func (l *Ledger) ResolveOrCreate(ctx context.Context, tx store.Store, user model.User, fp string, version int, clientName string, clientType fingerprint.ClientType, nodeID int64) (model.Device, bool, error) {
	key := deviceKey{userID: user.ID, fingerprint: fp, version: version}
	if id, ok := l.ids.Get(key); ok {
		dev, err := tx.GetDevice(ctx, id)
		if err == nil && dev.UserID == user.ID && dev.Fingerprint == fp && dev.FingerprintVersion == version {
			return dev, false, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return model.Device{}, false, xerrors.Errorf("get device %d: %w", id, err)
		}
		l.ids.Remove(key)
	}

	dev, err := tx.GetDeviceByFingerprint(ctx, user.ID, fp, version)
	switch {
	case err == nil:
		l.ids.Add(key, dev.ID)
		return dev, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return model.Device{}, false, xerrors.Errorf("lookup device: %w", err)
	}

	if user.DeviceLimit != nil {
		active, err := tx.CountUserDevices(ctx, user.ID, boolPtr(false))
		if err != nil {
			return model.Device{}, false, xerrors.Errorf("count devices: %w", err)
		}
		if active >= *user.DeviceLimit {
			return model.Device{}, false, ErrDeviceLimitExceeded
		}
	}

	now := l.clock.Now().UTC()
	dev, err = tx.InsertDevice(ctx, model.Device{
		UserID:             user.ID,
		Fingerprint:        fp,
		FingerprintVersion: version,
		DisplayName:        clientName,
		ClientName:         clientName,
		ClientType:         string(clientType),
		FirstSeenAt:        now,
		LastSeenAt:         now,
		LastNodeID:         &nodeID,
	})
	if err != nil {
		return model.Device{}, false, err
	}
	// Not cached: tx may still roll back and the id be reused.
	return dev, true, nil
}

// Touch marks the device as seen now on nodeID.
func (l *Ledger) Touch(ctx context.Context, tx store.Store, deviceID, nodeID int64) error {
	return tx.TouchDevice(ctx, deviceID, nodeID, l.clock.Now())
}

// RecordIP adds one connection and the given bytes to the device's stats for
// ip. Geo fields are only filled while unknown.
func (l *Ledger) RecordIP(ctx context.Context, tx store.Store, deviceID int64, ip string, upload, download int64, geo *model.Geo) (model.DeviceIP, error) {
	now := l.clock.Now()
	if err := tx.EnsureDeviceIP(ctx, deviceID, ip, now); err != nil {
		return model.DeviceIP{}, xerrors.Errorf("create device ip: %w", err)
	}
	var g model.Geo
	if geo != nil {
		g = *geo
	}
	return tx.AddDeviceIPStats(ctx, deviceID, ip, upload, download, 1, now, g)
}

// RecordTraffic adds to the traffic bucket keyed by device, node and start.
func (l *Ledger) RecordTraffic(ctx context.Context, tx store.Store, deviceID, userID, nodeID int64, bucketStart time.Time, bucketSeconds int, upload, download, connects int64) error {
	return tx.AddDeviceTraffic(ctx, model.DeviceTraffic{
		DeviceID:      deviceID,
		UserID:        userID,
		NodeID:        nodeID,
		BucketStart:   bucketStart,
		BucketSeconds: bucketSeconds,
		UploadBytes:   upload,
		DownloadBytes: download,
		ConnectCount:  connects,
	})
}

func (l *Ledger) SetBlocked(ctx context.Context, deviceID int64, blocked bool) error {
	return l.db.SetDeviceBlocked(ctx, deviceID, blocked)
}

// CountActive returns the number of non-blocked devices of a user.
func (l *Ledger) CountActive(ctx context.Context, userID int64) (int, error) {
	return l.db.CountUserDevices(ctx, userID, boolPtr(false))
}

func (l *Ledger) Delete(ctx context.Context, deviceID int64) error {
	dev, err := l.db.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := l.db.DeleteDevice(ctx, deviceID); err != nil {
		return err
	}
	l.ids.Remove(deviceKey{userID: dev.UserID, fingerprint: dev.Fingerprint, version: dev.FingerprintVersion})
	return nil
}

// AllowedFingerprints lists the fingerprints of a user's non-blocked devices.
func (l *Ledger) AllowedFingerprints(ctx context.Context, userID int64) ([]string, error) {
	devs, err := l.db.ListUserDevices(ctx, userID, boolPtr(false))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.Fingerprint)
	}
	sort.Strings(out)
	return out, nil
}

// Suspicious reports whether the device's address history looks like account
// sharing or proxy chaining. The result is informational only.
func (l *Ledger) Suspicious(ctx context.Context, deviceID int64) (bool, []string, error) {
	ips, err := l.db.ListDeviceIPs(ctx, deviceID)
	if err != nil {
		return false, nil, err
	}
	reasons := suspiciousReasons(ips, l.clock.Now())
	return len(reasons) > 0, reasons, nil
}

func suspiciousReasons(ips []model.DeviceIP, now time.Time) []string {
	if len(ips) == 0 {
		return nil
	}
	var (
		reasons    []string
		datacenter int
		recent     int
		countries  = map[string]struct{}{}
		threshold  = now.Add(-suspiciousWindow)
	)
	for _, ip := range ips {
		if ip.IsDatacenter != nil && *ip.IsDatacenter {
			datacenter++
		}
		if ip.CountryCode != nil && *ip.CountryCode != "" {
			countries[*ip.CountryCode] = struct{}{}
		}
		if !ip.LastSeenAt.Before(threshold) {
			recent++
		}
	}
	if float64(datacenter) > float64(len(ips))*suspiciousDatacenterPct {
		reasons = append(reasons, "high datacenter IP usage")
	}
	if len(countries) > suspiciousMaxCountries {
		reasons = append(reasons, fmt.Sprintf("multiple countries (%d)", len(countries)))
	}
	if recent > suspiciousMaxRecentIPs {
		reasons = append(reasons, fmt.Sprintf("rapid IP changes (%d in 24h)", recent))
	}
	return reasons
}

// UserStatistics summarizes a user's devices.
type UserStatistics struct {
	UserID            int64    `json:"user_id"`
	TotalDevices      int      `json:"total_devices"`
	ActiveDevices     int      `json:"active_devices"`
	BlockedDevices    int      `json:"blocked_devices"`
	TotalIPs          int      `json:"total_ips"`
	UniqueCountries   []string `json:"unique_countries"`
	TotalTraffic      int64    `json:"total_traffic"`
	SuspiciousDevices int      `json:"suspicious_devices"`
}

func (l *Ledger) UserStatistics(ctx context.Context, userID int64) (UserStatistics, error) {
	devs, err := l.db.ListUserDevices(ctx, userID, nil)
	if err != nil {
		return UserStatistics{}, xerrors.Errorf("list devices: %w", err)
	}
	now := l.clock.Now()
	stats := UserStatistics{UserID: userID, TotalDevices: len(devs), UniqueCountries: []string{}}
	countries := map[string]struct{}{}
	for _, d := range devs {
		if !d.LastSeenAt.Before(now.Add(-suspiciousWindow)) {
			stats.ActiveDevices++
		}
		if d.Blocked {
			stats.BlockedDevices++
		}
		ips, err := l.db.ListDeviceIPs(ctx, d.ID)
		if err != nil {
			return UserStatistics{}, xerrors.Errorf("list ips of device %d: %w", d.ID, err)
		}
		stats.TotalIPs += len(ips)
		for _, ip := range ips {
			if ip.CountryCode != nil && *ip.CountryCode != "" {
				countries[*ip.CountryCode] = struct{}{}
			}
		}
		if len(suspiciousReasons(ips, now)) > 0 {
			stats.SuspiciousDevices++
		}
	}
	for c := range countries {
		stats.UniqueCountries = append(stats.UniqueCountries, c)
	}
	sort.Strings(stats.UniqueCountries)

	traffic, err := l.db.ListUserTraffic(ctx, userID)
	if err != nil {
		return UserStatistics{}, xerrors.Errorf("list traffic: %w", err)
	}
	for _, t := range traffic {
		stats.TotalTraffic += t.UploadBytes + t.DownloadBytes
	}
	return stats, nil
}

func boolPtr(v bool) *bool {
	return &v
}
