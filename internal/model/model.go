package model

import "time"

// NodeStatus is the persisted health of a node connection.
type NodeStatus string

const (
	NodeStatusConnecting NodeStatus = "connecting"
	NodeStatusHealthy    NodeStatus = "healthy"
	NodeStatusUnhealthy  NodeStatus = "unhealthy"
	NodeStatusDisabled   NodeStatus = "disabled"
)

// Node represents a registered proxy-serving host in the fleet.
type Node struct {
	ID               int64      `db:"id"`
	Name             string     `db:"name"`
	Address          string     `db:"address"`
	Port             int        `db:"port"`
	UsageCoefficient float64    `db:"usage_coefficient"`
	Status           NodeStatus `db:"status"`
	Message          string     `db:"message"`
}

// Backend is one traffic-relaying process reported by a node.
type Backend struct {
	NodeID  int64  `db:"node_id"`
	Name    string `db:"name"`
	Type    string `db:"backend_type"`
	Version string `db:"version"`
	Running bool   `db:"running"`
}

// Inbound is a named ingress listener on a node backend.
type Inbound struct {
	ID       int64  `db:"id"`
	NodeID   int64  `db:"node_id"`
	Tag      string `db:"tag"`
	Protocol string `db:"protocol"`
}

// User is a subscriber whose traffic is metered across the fleet.
type User struct {
	ID                  int64      `db:"id"`
	Username            string     `db:"username"`
	Key                 string     `db:"key"`
	Enabled             bool       `db:"enabled"`
	DataLimit           *int64     `db:"data_limit"`
	UsedTraffic         int64      `db:"used_traffic"`
	LifetimeUsedTraffic int64      `db:"lifetime_used_traffic"`
	DeviceLimit         *int       `db:"device_limit"`
	OnlineAt            *time.Time `db:"online_at"`
}

// DataLimitReached reports whether a limited user has used up their quota.
func (u User) DataLimitReached() bool {
	return u.DataLimit != nil && *u.DataLimit > 0 && u.UsedTraffic >= *u.DataLimit
}

// Active reports whether nodes should admit the user at all.
func (u User) Active() bool {
	return u.Enabled && !u.DataLimitReached()
}

// Device is a tracked client identity of a user.
type Device struct {
	ID                 int64     `db:"id"`
	UserID             int64     `db:"user_id"`
	Fingerprint        string    `db:"fingerprint"`
	FingerprintVersion int       `db:"fingerprint_version"`
	DisplayName        string    `db:"display_name"`
	ClientName         string    `db:"client_name"`
	ClientType         string    `db:"client_type"`
	FirstSeenAt        time.Time `db:"first_seen_at"`
	LastSeenAt         time.Time `db:"last_seen_at"`
	LastNodeID         *int64    `db:"last_node_id"`
	LastIPID           *int64    `db:"last_ip_id"`
	Blocked            bool      `db:"is_blocked"`
	TrustLevel         int       `db:"trust_level"`
}

// DeviceIP aggregates what a device did from a single address.
type DeviceIP struct {
	ID            int64     `db:"id"`
	DeviceID      int64     `db:"device_id"`
	IP            string    `db:"ip"`
	FirstSeenAt   time.Time `db:"first_seen_at"`
	LastSeenAt    time.Time `db:"last_seen_at"`
	ConnectCount  int64     `db:"connect_count"`
	UploadBytes   int64     `db:"upload_bytes"`
	DownloadBytes int64     `db:"download_bytes"`
	ASN           *int64    `db:"asn"`
	ASNOrg        *string   `db:"asn_org"`
	CountryCode   *string   `db:"country_code"`
	Region        *string   `db:"region"`
	City          *string   `db:"city"`
	IsDatacenter  *bool     `db:"is_datacenter"`
}

// Geo is optional enrichment attached to a DeviceIP. Nil fields are unknown.
type Geo struct {
	ASN          *int64
	ASNOrg       *string
	CountryCode  *string
	Region       *string
	City         *string
	IsDatacenter *bool
}

// DeviceTraffic is a fixed-width traffic bucket for a device on a node.
type DeviceTraffic struct {
	ID            int64     `db:"id"`
	DeviceID      int64     `db:"device_id"`
	UserID        int64     `db:"user_id"`
	NodeID        int64     `db:"node_id"`
	BucketStart   time.Time `db:"bucket_start"`
	BucketSeconds int       `db:"bucket_seconds"`
	UploadBytes   int64     `db:"upload_bytes"`
	DownloadBytes int64     `db:"download_bytes"`
	ConnectCount  int64     `db:"connect_count"`
}

// AllowEntry is one user's admission state as pushed to a node.
type AllowEntry struct {
	UserID              int64
	Username            string
	Key                 string
	Inbounds            []string
	DeviceLimit         *int
	AllowedFingerprints []string
}
