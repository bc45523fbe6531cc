package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"fleetctl/internal/addrutil"
)

// ErrClosed is returned once the client has been closed.
var ErrClosed = xerrors.New("client closed")

// Options configure a node client.
type Options struct {
	Address string
	Port    int
	// CertPEM and KeyPEM are the client certificate presented to the node.
	// The node's own certificate is not verified. When both are empty the
	// channel is plaintext.
	CertPEM string
	KeyPEM  string
	// Dialer replaces the TCP dialer. Used by tests to dial in-memory
	// listeners.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// UserStream is the client side of the SyncUsers stream.
type UserStream interface {
	Send(*UserData) error
	CloseAndRecv() (*Empty, error)
}

// LogStream yields backend log lines until io.EOF.
type LogStream interface {
	Recv() (*LogLine, error)
}

// Client talks to one node over a single gRPC channel.
type Client struct {
	cc   *grpc.ClientConn
	addr string

	mu      sync.Mutex
	lastErr *dialError
}

// NewClient creates a client for the node. No connection is attempted until
// WaitReady or an RPC is issued.
func NewClient(opts Options) (*Client, error) {
	addr, err := addrutil.NodeAddr(opts.Address, opts.Port)
	if err != nil {
		return nil, err
	}
	c := &Client{addr: addr}

	var creds credentials.TransportCredentials
	switch {
	case opts.CertPEM == "" && opts.KeyPEM == "":
		creds = insecure.NewCredentials()
	default:
		cert, err := tls.X509KeyPair([]byte(opts.CertPEM), []byte(opts.KeyPEM))
		if err != nil {
			return nil, xerrors.Errorf("load client certificate: %w", err)
		}
		creds = credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			// Node certificates are self-issued.
			InsecureSkipVerify: true, //nolint:gosec
			MinVersion:         tls.VersionTLS12,
		})
	}

	dial := opts.Dialer
	if dial == nil {
		var d net.Dialer
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}

	cc, err := grpc.NewClient("passthrough:///"+c.addr,
		grpc.WithTransportCredentials(&recordingCreds{TransportCredentials: creds, c: c}),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			conn, err := dial(ctx, addr)
			if err != nil {
				c.record(&dialError{err: err})
			}
			return conn, err
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Second,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   10 * time.Second,
			},
			MinConnectTimeout: 5 * time.Second,
		}),
	)
	if err != nil {
		return nil, xerrors.Errorf("create channel to %s: %w", c.addr, err)
	}
	c.cc = cc
	return c, nil
}

// Addr returns the node's host:port.
func (c *Client) Addr() string {
	return c.addr
}

// WaitReady blocks until the channel is ready or timeout elapses. Failures
// are returned as *ConnectError.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.cc.Connect()
	for {
		state := c.cc.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return ErrClosed
		case connectivity.TransientFailure:
			if err := c.lastError(); err != nil {
				return c.connectError(err, timeout)
			}
		}
		if !c.cc.WaitForStateChange(ctx, state) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				if err := c.lastError(); err != nil {
					return c.connectError(err, timeout)
				}
				return &ConnectError{Kind: FailureTimeout, Addr: c.addr, Timeout: timeout, Err: ctx.Err()}
			}
			return ctx.Err()
		}
	}
}

func (c *Client) connectError(err *dialError, timeout time.Duration) *ConnectError {
	return &ConnectError{Kind: err.kind(), Addr: c.addr, Timeout: timeout, Err: err.err}
}

// SyncUsers opens the allow-list update stream.
func (c *Client) SyncUsers(ctx context.Context) (UserStream, error) {
	stream, err := c.cc.NewStream(ctx, syncUsersStream, methodSyncUsers)
	if err != nil {
		return nil, err
	}
	return &userStream{ClientStream: stream}, nil
}

func (c *Client) RepopulateUsers(ctx context.Context, users []UserData) error {
	return c.invoke(ctx, methodRepopulateUsers, &UsersData{UsersData: users}, new(Empty))
}

func (c *Client) FetchUsersStats(ctx context.Context) ([]UserStats, error) {
	out := new(UsersStats)
	if err := c.invoke(ctx, methodFetchUsersStats, &Empty{}, out); err != nil {
		return nil, err
	}
	return out.UsersStats, nil
}

func (c *Client) FetchBackends(ctx context.Context) ([]Backend, error) {
	out := new(BackendsResponse)
	if err := c.invoke(ctx, methodFetchBackends, &Empty{}, out); err != nil {
		return nil, err
	}
	return out.Backends, nil
}

func (c *Client) RestartBackend(ctx context.Context, name, config string, format ConfigFormat) error {
	req := &RestartBackendRequest{
		BackendName: name,
		Config:      &BackendConfig{Configuration: config, ConfigFormat: format},
	}
	return c.invoke(ctx, methodRestartBackend, req, new(Empty))
}

func (c *Client) FetchBackendConfig(ctx context.Context, name string) (BackendConfig, error) {
	var out BackendConfig
	err := c.invoke(ctx, methodFetchBackendConfig, &Backend{Name: name}, &out)
	return out, err
}

func (c *Client) GetBackendStats(ctx context.Context, name string) (BackendStats, error) {
	var out BackendStats
	err := c.invoke(ctx, methodGetBackendStats, &Backend{Name: name}, &out)
	return out, err
}

// StreamBackendLogs streams log lines of a backend until ctx is canceled or
// the node closes the stream.
func (c *Client) StreamBackendLogs(ctx context.Context, name string, includeBuffer bool) (LogStream, error) {
	stream, err := c.cc.NewStream(ctx, streamBackendLogsStream, methodStreamBackendLogs)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(toWire(&BackendLogsRequest{BackendName: name, IncludeBuffer: includeBuffer})); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &logStream{ClientStream: stream}, nil
}

func (c *Client) FetchUserDevices(ctx context.Context, uid int64, activeOnly bool) (UserDevicesHistory, error) {
	var out UserDevicesHistory
	err := c.invoke(ctx, methodFetchUserDevices, &UserDevicesRequest{UID: uid, ActiveOnly: activeOnly}, &out)
	return out, err
}

func (c *Client) FetchAllDevices(ctx context.Context) (AllUsersDevices, error) {
	var out AllUsersDevices
	err := c.invoke(ctx, methodFetchAllDevices, &Empty{}, &out)
	return out, err
}

// invoke sends in as a protobuf message and decodes the reply into out.
func (c *Client) invoke(ctx context.Context, method string, in, out wireMessage) error {
	reply := newWire(out)
	if err := c.cc.Invoke(ctx, method, toWire(in), reply); err != nil {
		return err
	}
	fromWire(reply, out)
	return nil
}

type userStream struct {
	grpc.ClientStream
}

func (s *userStream) Send(u *UserData) error {
	return s.ClientStream.SendMsg(toWire(u))
}

func (s *userStream) CloseAndRecv() (*Empty, error) {
	if err := s.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	out := new(Empty)
	if err := s.ClientStream.RecvMsg(newWire(out)); err != nil {
		return nil, err
	}
	return out, nil
}

type logStream struct {
	grpc.ClientStream
}

func (s *logStream) Recv() (*LogLine, error) {
	out := new(LogLine)
	msg := newWire(out)
	if err := s.ClientStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	fromWire(msg, out)
	return out, nil
}

func (c *Client) Close() error {
	return c.cc.Close()
}

func (c *Client) record(err *dialError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

func (c *Client) lastError() *dialError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// recordingCreds remembers handshake failures so WaitReady can report why
// the channel is not ready. gRPC itself only exposes the channel state.
type recordingCreds struct {
	credentials.TransportCredentials
	c *Client
}

func (r *recordingCreds) ClientHandshake(ctx context.Context, authority string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	out, info, err := r.TransportCredentials.ClientHandshake(ctx, authority, conn)
	if err != nil {
		r.c.record(&dialError{err: err, handshake: true})
		return nil, nil, err
	}
	r.c.record(nil)
	return out, info, nil
}

func (r *recordingCreds) Clone() credentials.TransportCredentials {
	return &recordingCreds{TransportCredentials: r.TransportCredentials.Clone(), c: r.c}
}
