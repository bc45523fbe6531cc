package api

// Message types of the node service. wire.go maps them onto the node's
// protobuf schema.

type Empty struct{}

// User is a user's admission entry as understood by a node.
type User struct {
	ID                  int64    `json:"id"`
	Username            string   `json:"username"`
	Key                 string   `json:"key"`
	DeviceLimit         *int     `json:"device_limit,omitempty"`
	AllowedFingerprints []string `json:"allowed_fingerprints,omitempty"`
	EnforceDeviceLimit  bool     `json:"enforce_device_limit"`
}

type Inbound struct {
	Tag      string `json:"tag"`
	Protocol string `json:"protocol,omitempty"`
	Config   string `json:"config,omitempty"`
}

// UserData pairs a user with the inbounds they may use. An empty inbound
// list removes the user from the node.
type UserData struct {
	User     User      `json:"user"`
	Inbounds []Inbound `json:"inbounds"`
}

type UsersData struct {
	UsersData []UserData `json:"users_data"`
}

// UserStats is one usage sample reported by a node since the last fetch.
type UserStats struct {
	UID            int64  `json:"uid"`
	Usage          int64  `json:"usage"`
	Uplink         int64  `json:"uplink,omitempty"`
	Downlink       int64  `json:"downlink,omitempty"`
	RemoteIP       string `json:"remote_ip,omitempty"`
	ClientName     string `json:"client_name,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	TLSFingerprint string `json:"tls_fingerprint,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
}

type UsersStats struct {
	UsersStats []UserStats `json:"users_stats"`
}

type Backend struct {
	Name     string    `json:"name"`
	Type     string    `json:"type,omitempty"`
	Version  string    `json:"version,omitempty"`
	Running  bool      `json:"running"`
	Inbounds []Inbound `json:"inbounds,omitempty"`
}

type BackendsResponse struct {
	Backends []Backend `json:"backends"`
}

// ConfigFormat identifies how a backend configuration is encoded.
type ConfigFormat int

const (
	ConfigFormatPlain ConfigFormat = iota
	ConfigFormatJSON
	ConfigFormatYAML
)

type BackendConfig struct {
	Configuration string       `json:"configuration"`
	ConfigFormat  ConfigFormat `json:"config_format"`
}

type RestartBackendRequest struct {
	BackendName string         `json:"backend_name"`
	Config      *BackendConfig `json:"config,omitempty"`
}

type BackendStats struct {
	Running bool `json:"running"`
}

type BackendLogsRequest struct {
	BackendName   string `json:"backend_name"`
	IncludeBuffer bool   `json:"include_buffer"`
}

type LogLine struct {
	Line string `json:"line"`
}

type UserDevicesRequest struct {
	UID        int64 `json:"uid"`
	ActiveOnly bool  `json:"active_only"`
}

// DeviceInfo is a node's local view of one client connection source.
// Timestamps are unix seconds.
type DeviceInfo struct {
	RemoteIP       string `json:"remote_ip"`
	ClientName     string `json:"client_name,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	TLSFingerprint string `json:"tls_fingerprint,omitempty"`
	FirstSeen      int64  `json:"first_seen"`
	LastSeen       int64  `json:"last_seen"`
	TotalUsage     int64  `json:"total_usage"`
	IsActive       bool   `json:"is_active"`
}

type UserDevicesHistory struct {
	UID     int64        `json:"uid"`
	Devices []DeviceInfo `json:"devices"`
}

type AllUsersDevices struct {
	Users []UserDevicesHistory `json:"users"`
}
