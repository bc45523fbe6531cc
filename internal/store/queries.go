package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/xerrors"

	"fleetctl/internal/model"
)

const (
	nodeColumns     = `id, name, address, port, usage_coefficient, status, message`
	userColumns     = `id, username, key, enabled, data_limit, used_traffic, lifetime_used_traffic, device_limit, online_at`
	deviceColumns   = `id, user_id, fingerprint, fingerprint_version, display_name, client_name, client_type, first_seen_at, last_seen_at, last_node_id, last_ip_id, is_blocked, trust_level`
	deviceIPColumns = `id, device_id, ip, first_seen_at, last_seen_at, connect_count, upload_bytes, download_bytes, asn, asn_org, country_code, region, city, is_datacenter`
	trafficColumns  = `id, device_id, user_id, node_id, bucket_start, bucket_seconds, upload_bytes, download_bytes, connect_count`
)

func (s *sqlStore) InsertNode(ctx context.Context, node model.Node) (model.Node, error) {
	if node.Status == "" {
		node.Status = model.NodeStatusUnhealthy
	}
	var out model.Node
	err := sqlx.GetContext(ctx, s.db, &out, `
		INSERT INTO nodes (name, address, port, usage_coefficient, status, message)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING `+nodeColumns,
		node.Name, node.Address, node.Port, node.UsageCoefficient, node.Status, node.Message)
	if err != nil {
		return model.Node{}, xerrors.Errorf("insert node: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetNode(ctx context.Context, id int64) (model.Node, error) {
	var out model.Node
	err := sqlx.GetContext(ctx, s.db, &out, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	return out, notFound(err)
}

func (s *sqlStore) ListNodes(ctx context.Context) ([]model.Node, error) {
	var out []model.Node
	err := sqlx.SelectContext(ctx, s.db, &out, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	return out, err
}

func (s *sqlStore) UpdateNodeStatus(ctx context.Context, id int64, status model.NodeStatus, message string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET status = ?, message = ? WHERE id = ?`, status, message, id)
	return err
}

func (s *sqlStore) ReplaceNodeBackends(ctx context.Context, nodeID int64, backends []model.Backend) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM node_backends WHERE node_id = ?`, nodeID); err != nil {
		return xerrors.Errorf("clear backends: %w", err)
	}
	for _, b := range backends {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO node_backends (node_id, name, backend_type, version, running)
			VALUES (?, ?, ?, ?, ?)`,
			nodeID, b.Name, b.Type, b.Version, b.Running)
		if err != nil {
			return xerrors.Errorf("insert backend %q: %w", b.Name, err)
		}
	}
	return nil
}

func (s *sqlStore) ListNodeBackends(ctx context.Context, nodeID int64) ([]model.Backend, error) {
	var out []model.Backend
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT node_id, name, backend_type, version, running
		FROM node_backends WHERE node_id = ? ORDER BY name`, nodeID)
	return out, err
}

func (s *sqlStore) UpsertNodeInbounds(ctx context.Context, nodeID int64, inbounds []model.Inbound) error {
	for _, in := range inbounds {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO inbounds (node_id, tag, protocol) VALUES (?, ?, ?)
			ON CONFLICT (node_id, tag) DO UPDATE SET protocol = excluded.protocol`,
			nodeID, in.Tag, in.Protocol)
		if err != nil {
			return xerrors.Errorf("upsert inbound %q: %w", in.Tag, err)
		}
	}
	return nil
}

func (s *sqlStore) GetInbound(ctx context.Context, nodeID int64, tag string) (model.Inbound, error) {
	var out model.Inbound
	err := sqlx.GetContext(ctx, s.db, &out, `
		SELECT id, node_id, tag, protocol FROM inbounds WHERE node_id = ? AND tag = ?`, nodeID, tag)
	return out, notFound(err)
}

func (s *sqlStore) InsertUser(ctx context.Context, user model.User) (model.User, error) {
	var out model.User
	err := sqlx.GetContext(ctx, s.db, &out, `
		INSERT INTO users (username, key, enabled, data_limit, used_traffic, lifetime_used_traffic, device_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING `+userColumns,
		user.Username, user.Key, user.Enabled, user.DataLimit, user.UsedTraffic, user.LifetimeUsedTraffic, user.DeviceLimit)
	if err != nil {
		return model.User{}, xerrors.Errorf("insert user: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetUser(ctx context.Context, id int64) (model.User, error) {
	var out model.User
	err := sqlx.GetContext(ctx, s.db, &out, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return out, notFound(err)
}

func (s *sqlStore) GetUsersByIDs(ctx context.Context, ids []int64) ([]model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+userColumns+` FROM users WHERE id IN (?)`, ids)
	if err != nil {
		return nil, xerrors.Errorf("build query: %w", err)
	}
	var out []model.User
	err = sqlx.SelectContext(ctx, s.db, &out, s.db.Rebind(query), args...)
	return out, err
}

func (s *sqlStore) AddUserInbound(ctx context.Context, userID, inboundID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_inbounds (user_id, inbound_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING`, userID, inboundID)
	return err
}

func (s *sqlStore) ListNodeUserInbounds(ctx context.Context, nodeID int64) ([]UserInbound, error) {
	var out []UserInbound
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT u.id, u.username, u.key, u.enabled, u.data_limit, u.used_traffic,
			u.lifetime_used_traffic, u.device_limit, u.online_at, i.node_id, i.tag
		FROM users u
		JOIN user_inbounds ui ON ui.user_id = u.id
		JOIN inbounds i ON i.id = ui.inbound_id
		WHERE i.node_id = ?
		ORDER BY u.id, i.tag`, nodeID)
	return out, err
}

func (s *sqlStore) ListUserInbounds(ctx context.Context, userID int64) ([]model.Inbound, error) {
	var out []model.Inbound
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT i.id, i.node_id, i.tag, i.protocol
		FROM inbounds i
		JOIN user_inbounds ui ON ui.inbound_id = i.id
		WHERE ui.user_id = ?
		ORDER BY i.node_id, i.tag`, userID)
	return out, err
}

func (s *sqlStore) AddUserUsage(ctx context.Context, deltas []UsageDelta, onlineAt time.Time) error {
	for _, d := range deltas {
		_, err := s.db.ExecContext(ctx, `
			UPDATE users
			SET used_traffic = used_traffic + ?,
				lifetime_used_traffic = lifetime_used_traffic + ?,
				online_at = ?
			WHERE id = ?`, d.Value, d.Value, onlineAt.UTC(), d.UserID)
		if err != nil {
			return xerrors.Errorf("add usage for user %d: %w", d.UserID, err)
		}
	}
	return nil
}

func (s *sqlStore) AddNodeUsage(ctx context.Context, nodeID int64, hour time.Time, uplink, downlink int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_usages (node_id, created_at, uplink, downlink) VALUES (?, ?, ?, ?)
		ON CONFLICT (node_id, created_at) DO UPDATE SET
			uplink = uplink + excluded.uplink,
			downlink = downlink + excluded.downlink`,
		nodeID, hour.UTC(), uplink, downlink)
	return err
}

func (s *sqlStore) GetNodeUsage(ctx context.Context, nodeID int64, hour time.Time) (NodeUsage, error) {
	var out NodeUsage
	err := sqlx.GetContext(ctx, s.db, &out, `
		SELECT node_id, created_at, uplink, downlink FROM node_usages
		WHERE node_id = ? AND created_at = ?`, nodeID, hour.UTC())
	return out, notFound(err)
}

func (s *sqlStore) AddNodeUserUsage(ctx context.Context, nodeID, userID int64, hour time.Time, value int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_user_usages (node_id, user_id, created_at, used_traffic) VALUES (?, ?, ?, ?)
		ON CONFLICT (node_id, user_id, created_at) DO UPDATE SET
			used_traffic = used_traffic + excluded.used_traffic`,
		nodeID, userID, hour.UTC(), value)
	return err
}

func (s *sqlStore) GetNodeUserUsage(ctx context.Context, nodeID, userID int64, hour time.Time) (int64, error) {
	var out int64
	err := sqlx.GetContext(ctx, s.db, &out, `
		SELECT used_traffic FROM node_user_usages
		WHERE node_id = ? AND user_id = ? AND created_at = ?`, nodeID, userID, hour.UTC())
	return out, notFound(err)
}

func (s *sqlStore) InsertDevice(ctx context.Context, d model.Device) (model.Device, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO user_devices (user_id, fingerprint, fingerprint_version, display_name,
			client_name, client_type, first_seen_at, last_seen_at, last_node_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UserID, d.Fingerprint, d.FingerprintVersion, d.DisplayName,
		d.ClientName, d.ClientType, d.FirstSeenAt.UTC(), d.LastSeenAt.UTC(), d.LastNodeID)
	if err != nil {
		return model.Device{}, xerrors.Errorf("insert device: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Device{}, xerrors.Errorf("device id: %w", err)
	}
	return s.GetDevice(ctx, id)
}

func (s *sqlStore) GetDevice(ctx context.Context, id int64) (model.Device, error) {
	var out model.Device
	err := sqlx.GetContext(ctx, s.db, &out, `SELECT `+deviceColumns+` FROM user_devices WHERE id = ?`, id)
	return out, notFound(err)
}

func (s *sqlStore) GetDeviceByFingerprint(ctx context.Context, userID int64, fingerprint string, version int) (model.Device, error) {
	var out model.Device
	err := sqlx.GetContext(ctx, s.db, &out, `
		SELECT `+deviceColumns+` FROM user_devices
		WHERE user_id = ? AND fingerprint = ? AND fingerprint_version = ?`,
		userID, fingerprint, version)
	return out, notFound(err)
}

func (s *sqlStore) ListUserDevices(ctx context.Context, userID int64, blocked *bool) ([]model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM user_devices WHERE user_id = ?`
	args := []any{userID}
	if blocked != nil {
		query += ` AND is_blocked = ?`
		args = append(args, *blocked)
	}
	query += ` ORDER BY last_seen_at DESC, id`
	var out []model.Device
	err := sqlx.SelectContext(ctx, s.db, &out, query, args...)
	return out, err
}

func (s *sqlStore) CountUserDevices(ctx context.Context, userID int64, blocked *bool) (int, error) {
	query := `SELECT COUNT(*) FROM user_devices WHERE user_id = ?`
	args := []any{userID}
	if blocked != nil {
		query += ` AND is_blocked = ?`
		args = append(args, *blocked)
	}
	var out int
	err := sqlx.GetContext(ctx, s.db, &out, query, args...)
	return out, err
}

func (s *sqlStore) TouchDevice(ctx context.Context, id, nodeID int64, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_devices SET last_seen_at = ?, last_node_id = ? WHERE id = ?`,
		seenAt.UTC(), nodeID, id)
	return err
}

func (s *sqlStore) SetDeviceLastIP(ctx context.Context, id, ipID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE user_devices SET last_ip_id = ? WHERE id = ?`, ipID, id)
	return err
}

func (s *sqlStore) SetDeviceBlocked(ctx context.Context, id int64, blocked bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE user_devices SET is_blocked = ? WHERE id = ?`, blocked, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (s *sqlStore) DeleteDevice(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_devices WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

func (s *sqlStore) EnsureDeviceIP(ctx context.Context, deviceID int64, ip string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_device_ips (device_id, ip, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id, ip) DO NOTHING`,
		deviceID, ip, seenAt.UTC(), seenAt.UTC())
	return err
}

// AddDeviceIPStats increments counters on an existing DeviceIP row. Geo
// columns are only written while they are still NULL.
func (s *sqlStore) AddDeviceIPStats(ctx context.Context, deviceID int64, ip string, upload, download, connects int64, seenAt time.Time, geo model.Geo) (model.DeviceIP, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_device_ips SET
			last_seen_at = ?,
			upload_bytes = upload_bytes + ?,
			download_bytes = download_bytes + ?,
			connect_count = connect_count + ?,
			asn = COALESCE(asn, ?),
			asn_org = COALESCE(asn_org, ?),
			country_code = COALESCE(country_code, ?),
			region = COALESCE(region, ?),
			city = COALESCE(city, ?),
			is_datacenter = COALESCE(is_datacenter, ?)
		WHERE device_id = ? AND ip = ?`,
		seenAt.UTC(), upload, download, connects,
		geo.ASN, geo.ASNOrg, geo.CountryCode, geo.Region, geo.City, geo.IsDatacenter,
		deviceID, ip)
	if err != nil {
		return model.DeviceIP{}, xerrors.Errorf("update device ip: %w", err)
	}
	if err := affectedOne(res); err != nil {
		return model.DeviceIP{}, err
	}
	var out model.DeviceIP
	err = sqlx.GetContext(ctx, s.db, &out, `
		SELECT `+deviceIPColumns+` FROM user_device_ips WHERE device_id = ? AND ip = ?`, deviceID, ip)
	return out, notFound(err)
}

func (s *sqlStore) ListDeviceIPs(ctx context.Context, deviceID int64) ([]model.DeviceIP, error) {
	var out []model.DeviceIP
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT `+deviceIPColumns+` FROM user_device_ips
		WHERE device_id = ? ORDER BY last_seen_at DESC, id`, deviceID)
	return out, err
}

func (s *sqlStore) AddDeviceTraffic(ctx context.Context, t model.DeviceTraffic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_device_traffic (device_id, user_id, node_id, bucket_start, bucket_seconds,
			upload_bytes, download_bytes, connect_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, node_id, bucket_start) DO UPDATE SET
			upload_bytes = upload_bytes + excluded.upload_bytes,
			download_bytes = download_bytes + excluded.download_bytes,
			connect_count = connect_count + excluded.connect_count`,
		t.DeviceID, t.UserID, t.NodeID, t.BucketStart.UTC(), t.BucketSeconds,
		t.UploadBytes, t.DownloadBytes, t.ConnectCount)
	return err
}

func (s *sqlStore) ListDeviceTraffic(ctx context.Context, deviceID int64) ([]model.DeviceTraffic, error) {
	var out []model.DeviceTraffic
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT `+trafficColumns+` FROM user_device_traffic
		WHERE device_id = ? ORDER BY bucket_start, node_id`, deviceID)
	return out, err
}

func (s *sqlStore) ListUserTraffic(ctx context.Context, userID int64) ([]model.DeviceTraffic, error) {
	var out []model.DeviceTraffic
	err := sqlx.SelectContext(ctx, s.db, &out, `
		SELECT `+trafficColumns+` FROM user_device_traffic
		WHERE user_id = ? ORDER BY bucket_start, device_id, node_id`, userID)
	return out, err
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func affectedOne(res rowsAffected) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
