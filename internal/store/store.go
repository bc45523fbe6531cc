// Package store persists nodes, users, usage counters and device records.
//
// All access goes through Store. Multi-statement work runs inside InTx so
// every caller gets a short-lived transactional scope that is committed or
// rolled back before InTx returns.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/xerrors"

	"fleetctl/internal/model"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// UserInbound is a user entitled to an inbound on a node.
type UserInbound struct {
	model.User
	NodeID int64  `db:"node_id"`
	Tag    string `db:"tag"`
}

// UsageDelta is an increment to a user's running traffic totals.
type UsageDelta struct {
	UserID int64
	Value  int64
}

// NodeUsage is a per-node hourly counter.
type NodeUsage struct {
	NodeID    int64     `db:"node_id"`
	CreatedAt time.Time `db:"created_at"`
	Uplink    int64     `db:"uplink"`
	Downlink  int64     `db:"downlink"`
}

// Store is the persistence surface used by the control plane.
type Store interface {
	// InTx runs fn inside a transaction. fn must only use the Store it is
	// handed. Calling InTx on a transactional Store reuses the transaction.
	InTx(ctx context.Context, fn func(Store) error) error
	Close() error

	InsertNode(ctx context.Context, node model.Node) (model.Node, error)
	GetNode(ctx context.Context, id int64) (model.Node, error)
	ListNodes(ctx context.Context) ([]model.Node, error)
	UpdateNodeStatus(ctx context.Context, id int64, status model.NodeStatus, message string) error
	ReplaceNodeBackends(ctx context.Context, nodeID int64, backends []model.Backend) error
	ListNodeBackends(ctx context.Context, nodeID int64) ([]model.Backend, error)
	UpsertNodeInbounds(ctx context.Context, nodeID int64, inbounds []model.Inbound) error
	GetInbound(ctx context.Context, nodeID int64, tag string) (model.Inbound, error)

	InsertUser(ctx context.Context, user model.User) (model.User, error)
	GetUser(ctx context.Context, id int64) (model.User, error)
	GetUsersByIDs(ctx context.Context, ids []int64) ([]model.User, error)
	AddUserInbound(ctx context.Context, userID, inboundID int64) error
	ListNodeUserInbounds(ctx context.Context, nodeID int64) ([]UserInbound, error)
	ListUserInbounds(ctx context.Context, userID int64) ([]model.Inbound, error)
	AddUserUsage(ctx context.Context, deltas []UsageDelta, onlineAt time.Time) error

	AddNodeUsage(ctx context.Context, nodeID int64, hour time.Time, uplink, downlink int64) error
	GetNodeUsage(ctx context.Context, nodeID int64, hour time.Time) (NodeUsage, error)
	AddNodeUserUsage(ctx context.Context, nodeID, userID int64, hour time.Time, value int64) error
	GetNodeUserUsage(ctx context.Context, nodeID, userID int64, hour time.Time) (int64, error)

	InsertDevice(ctx context.Context, device model.Device) (model.Device, error)
	GetDevice(ctx context.Context, id int64) (model.Device, error)
	GetDeviceByFingerprint(ctx context.Context, userID int64, fingerprint string, version int) (model.Device, error)
	ListUserDevices(ctx context.Context, userID int64, blocked *bool) ([]model.Device, error)
	CountUserDevices(ctx context.Context, userID int64, blocked *bool) (int, error)
	TouchDevice(ctx context.Context, id, nodeID int64, seenAt time.Time) error
	SetDeviceLastIP(ctx context.Context, id, ipID int64) error
	SetDeviceBlocked(ctx context.Context, id int64, blocked bool) error
	DeleteDevice(ctx context.Context, id int64) error

	EnsureDeviceIP(ctx context.Context, deviceID int64, ip string, seenAt time.Time) error
	AddDeviceIPStats(ctx context.Context, deviceID int64, ip string, upload, download, connects int64, seenAt time.Time, geo model.Geo) (model.DeviceIP, error)
	ListDeviceIPs(ctx context.Context, deviceID int64) ([]model.DeviceIP, error)

	AddDeviceTraffic(ctx context.Context, traffic model.DeviceTraffic) error
	ListDeviceTraffic(ctx context.Context, deviceID int64) ([]model.DeviceTraffic, error)
	ListUserTraffic(ctx context.Context, userID int64) ([]model.DeviceTraffic, error)
}

type sqlStore struct {
	sdb *sqlx.DB
	db  sqlx.ExtContext
}

// Open opens (and creates, if needed) the sqlite database at path.
func Open(ctx context.Context, path string) (Store, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sdb, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open database: %w", err)
	}
	// sqlite serializes writers; a single connection keeps transactions
	// from failing with SQLITE_BUSY under concurrent callers.
	sdb.SetMaxOpenConns(1)
	if _, err := sdb.ExecContext(ctx, schema); err != nil {
		_ = sdb.Close()
		return nil, xerrors.Errorf("apply schema: %w", err)
	}
	return &sqlStore{sdb: sdb, db: sdb}, nil
}

func (s *sqlStore) Close() error {
	if s.sdb == nil {
		return nil
	}
	return s.sdb.Close()
}

func (s *sqlStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.sdb == nil {
		// Already inside a transaction.
		return fn(s)
	}
	tx, err := s.sdb.BeginTxx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// Rollback after commit is a no-op returning ErrTxDone.
		_ = tx.Rollback()
	}()
	if err := fn(&sqlStore{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("commit transaction: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
