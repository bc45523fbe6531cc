// Package nodes manages the control plane's connections to proxy nodes:
// health monitoring, allow-list synchronization and the registry that owns
// every connection.
package nodes

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"fleetctl/internal/api"
	"fleetctl/internal/metrics"
	"fleetctl/internal/model"
	"fleetctl/internal/store"
)

var (
	// ErrNotConnected is returned by Resync when the node is not healthy.
	ErrNotConnected = xerrors.New("node is not connected")
	// ErrNotSynced is returned by Resync before the initial allow-list push.
	ErrNotSynced = xerrors.New("node is not synced")
	// ErrStopped is returned once the connection has been stopped.
	ErrStopped = xerrors.New("node connection stopped")
)

const (
	DefaultMonitorInterval = 10 * time.Second
	DefaultConnectTimeout  = 5 * time.Second
	DefaultSyncTimeout     = 30 * time.Second
	RestartAckTimeout      = 5 * time.Second
)

// Transport is the RPC surface of a node. *api.Client implements it.
type Transport interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	SyncUsers(ctx context.Context) (api.UserStream, error)
	RepopulateUsers(ctx context.Context, users []api.UserData) error
	FetchUsersStats(ctx context.Context) ([]api.UserStats, error)
	FetchBackends(ctx context.Context) ([]api.Backend, error)
	RestartBackend(ctx context.Context, name, config string, format api.ConfigFormat) error
	FetchBackendConfig(ctx context.Context, name string) (api.BackendConfig, error)
	GetBackendStats(ctx context.Context, name string) (api.BackendStats, error)
	StreamBackendLogs(ctx context.Context, name string, includeBuffer bool) (api.LogStream, error)
	FetchUserDevices(ctx context.Context, uid int64, activeOnly bool) (api.UserDevicesHistory, error)
	FetchAllDevices(ctx context.Context) (api.AllUsersDevices, error)
	Close() error
}

// Options tune every connection created by a Registry.
type Options struct {
	Logger          slog.Logger
	Clock           quartz.Clock
	Metrics         *metrics.Metrics
	MonitorInterval time.Duration
	ConnectTimeout  time.Duration
	SyncTimeout     time.Duration
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = quartz.NewReal()
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = DefaultSyncTimeout
	}
}

// Conn is the control plane's connection to one node.
type Conn struct {
	node   model.Node
	logger slog.Logger
	db     store.Store
	allow  *AllowList
	t      Transport
	opts   Options
	box    *mailbox

	// iter serializes monitor iterations and backend restarts.
	iter sync.Mutex

	mu      sync.Mutex
	status  model.NodeStatus
	message string
	synced  bool
	stream  *streamTask
	started bool
	stopped bool
	ticker  quartz.Waiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type streamTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newConn(node model.Node, t Transport, db store.Store, allow *AllowList, opts Options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		node:    node,
		logger:  opts.Logger.Named("node").With(slog.F("node_id", node.ID), slog.F("node_name", node.Name)),
		db:      db,
		allow:   allow,
		t:       t,
		opts:    opts,
		box:     newMailbox(),
		status:  node.Status,
		message: node.Message,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Conn) ID() int64 {
	return c.node.ID
}

// UsageCoefficient is the multiplier applied to usage reported by this node.
func (c *Conn) UsageCoefficient() float64 {
	return c.node.UsageCoefficient
}

// Start runs one monitor iteration immediately and then one per interval
// until Stop.
func (c *Conn) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	c.status, c.message = model.NodeStatusConnecting, ""
	c.opts.Metrics.SetNodeStatus(c.node.ID, model.NodeStatusConnecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.monitorOnce(c.ctx)
	}()
	c.ticker = c.opts.Clock.TickerFunc(c.ctx, c.opts.MonitorInterval, func() error {
		c.monitorOnce(c.ctx)
		return nil
	}, "node", "monitor")
}

// Stop closes the transport, then cancels the monitor loop and the
// streaming task. In-flight calls fail from the channel closing.
func (c *Conn) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	ticker := c.ticker
	c.mu.Unlock()

	err := c.t.Close()
	c.cancel()
	if ticker != nil {
		_ = ticker.Wait()
	}
	c.wg.Wait()
	return err
}

// halted reports whether work for ctx should be abandoned silently.
func (c *Conn) halted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Status returns the current status and status message.
func (c *Conn) Status() (model.NodeStatus, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.message
}

// Synced reports whether the node holds the current allow-list.
func (c *Conn) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Pending returns the number of users with an undelivered update.
func (c *Conn) Pending() int {
	return c.box.len()
}

// Enqueue schedules an allow-list update for delivery over the sync stream.
// It never blocks; a pending update for the same user is replaced.
func (c *Conn) Enqueue(u api.UserData) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	c.box.put(u)
	return nil
}

func (c *Conn) monitorOnce(ctx context.Context) {
	c.iter.Lock()
	defer c.iter.Unlock()
	if c.halted(ctx) {
		return
	}
	if !c.Synced() {
		c.setConnecting()
	}

	if err := c.t.WaitReady(ctx, c.opts.ConnectTimeout); err != nil {
		if c.halted(ctx) {
			return
		}
		c.logger.Warn(ctx, "node connection failed", slog.Error(err))
		c.markUnhealthy(ctx, err.Error())
		return
	}
	if c.Synced() {
		return
	}

	if err := c.sync(ctx); err != nil {
		if c.halted(ctx) {
			return
		}
		c.logger.Warn(ctx, "node sync failed", slog.Error(err))
		c.markUnhealthy(ctx, "sync failed: "+err.Error())
		return
	}
	c.startStream()
	c.setStatus(ctx, model.NodeStatusHealthy, "")
	c.logger.Info(ctx, "connected to node")
}

func (c *Conn) markUnhealthy(ctx context.Context, message string) {
	c.setSynced(false)
	c.stopStream()
	if c.halted(ctx) {
		return
	}
	c.setStatus(ctx, model.NodeStatusUnhealthy, message)
}

// setConnecting marks a connection attempt. The last failure message is
// kept and nothing is persisted.
func (c *Conn) setConnecting() {
	c.mu.Lock()
	c.status = model.NodeStatusConnecting
	c.mu.Unlock()
	c.opts.Metrics.SetNodeStatus(c.node.ID, model.NodeStatusConnecting)
}

// sync persists the node's backend inventory and pushes its complete
// allow-list. Pending stream updates are dropped first; the pushed list
// already reflects them.
func (c *Conn) sync(ctx context.Context) error {
	c.stopStream()
	c.setSynced(false)

	ctx, cancel := context.WithTimeout(ctx, c.opts.SyncTimeout)
	defer cancel()

	backends, err := c.t.FetchBackends(ctx)
	if err != nil {
		return xerrors.Errorf("fetch backends: %w", err)
	}
	if err := c.storeBackends(ctx, backends); err != nil {
		return xerrors.Errorf("store backends: %w", err)
	}

	c.box.clear()
	users, err := c.allow.ForNode(ctx, c.node.ID)
	if err != nil {
		return xerrors.Errorf("build allow-list: %w", err)
	}
	err = c.t.RepopulateUsers(ctx, users)
	c.opts.Metrics.Resync(c.node.ID, err)
	if err != nil {
		return xerrors.Errorf("repopulate users: %w", err)
	}
	c.setSynced(true)
	c.logger.Debug(ctx, "pushed allow-list", slog.F("users", len(users)))
	return nil
}

func (c *Conn) storeBackends(ctx context.Context, backends []api.Backend) error {
	return c.db.InTx(ctx, func(tx store.Store) error {
		var (
			rows     = make([]model.Backend, 0, len(backends))
			inbounds []model.Inbound
		)
		for _, b := range backends {
			rows = append(rows, model.Backend{
				NodeID:  c.node.ID,
				Name:    b.Name,
				Type:    b.Type,
				Version: b.Version,
				Running: b.Running,
			})
			for _, in := range b.Inbounds {
				inbounds = append(inbounds, model.Inbound{NodeID: c.node.ID, Tag: in.Tag, Protocol: in.Protocol})
			}
		}
		if err := tx.ReplaceNodeBackends(ctx, c.node.ID, rows); err != nil {
			return err
		}
		return tx.UpsertNodeInbounds(ctx, c.node.ID, inbounds)
	})
}

func (c *Conn) startStream() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.stream != nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	task := &streamTask{cancel: cancel, done: make(chan struct{})}
	c.stream = task
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(task.done)
		c.runStream(ctx, task)
	}()
}

func (c *Conn) stopStream() {
	c.mu.Lock()
	task := c.stream
	c.stream = nil
	c.mu.Unlock()
	if task != nil {
		task.cancel()
		<-task.done
	}
}

func (c *Conn) runStream(ctx context.Context, task *streamTask) {
	stream, err := c.t.SyncUsers(ctx)
	if err != nil {
		c.detach(ctx, task, err)
		return
	}
	c.logger.Debug(ctx, "opened sync stream")
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.box.wake:
		}
		for _, u := range c.box.take() {
			if err := stream.Send(&u); err != nil {
				c.detach(ctx, task, err)
				return
			}
			c.opts.Metrics.StreamUpdate(c.node.ID)
		}
	}
}

// detach marks the node unsynced after its stream broke so the next healthy
// monitor iteration pushes the full allow-list again.
func (c *Conn) detach(ctx context.Context, task *streamTask, err error) {
	if c.halted(ctx) {
		return
	}
	c.mu.Lock()
	current := c.stream == task
	if current {
		c.stream = nil
		c.synced = false
	}
	c.mu.Unlock()
	if current {
		c.opts.Metrics.SetNodeSynced(c.node.ID, false)
		c.logger.Info(ctx, "node detached", slog.Error(err))
	}
}

func (c *Conn) setSynced(synced bool) {
	c.mu.Lock()
	c.synced = synced
	c.mu.Unlock()
	c.opts.Metrics.SetNodeSynced(c.node.ID, synced)
}

func (c *Conn) setStatus(ctx context.Context, status model.NodeStatus, message string) {
	c.mu.Lock()
	changed := c.status != status || c.message != message
	c.status, c.message = status, message
	c.mu.Unlock()

	c.opts.Metrics.SetNodeStatus(c.node.ID, status)
	if !changed || status == model.NodeStatusConnecting {
		return
	}
	if err := c.db.UpdateNodeStatus(ctx, c.node.ID, status, message); err != nil {
		c.logger.Error(ctx, "persist node status", slog.Error(err))
	}
}

// Resync pushes the node's complete allow-list again. It fails fast when
// the node is not healthy or has not completed its initial sync.
func (c *Conn) Resync(ctx context.Context) error {
	c.mu.Lock()
	status, synced, stopped := c.status, c.synced, c.stopped
	c.mu.Unlock()
	switch {
	case stopped:
		return ErrStopped
	case status != model.NodeStatusHealthy:
		return ErrNotConnected
	case !synced:
		return ErrNotSynced
	}

	users, err := c.allow.ForNode(ctx, c.node.ID)
	if err != nil {
		return xerrors.Errorf("build allow-list: %w", err)
	}
	err = c.t.RepopulateUsers(ctx, users)
	c.opts.Metrics.Resync(c.node.ID, err)
	if err != nil {
		return xerrors.Errorf("repopulate users: %w", err)
	}
	c.logger.Info(ctx, "resynced users", slog.F("users", len(users)))
	return nil
}

// RestartBackend restarts a backend with a new configuration and resyncs
// the node. Any failure leaves the node unhealthy until the monitor
// reconnects it.
func (c *Conn) RestartBackend(ctx context.Context, name, config string, format api.ConfigFormat) error {
	c.iter.Lock()
	defer c.iter.Unlock()

	ackCtx, cancel := context.WithTimeout(ctx, RestartAckTimeout)
	err := c.t.RestartBackend(ackCtx, name, config, format)
	cancel()
	if err == nil {
		err = c.sync(ctx)
	}
	if err != nil {
		c.markUnhealthy(ctx, "backend restart failed: "+err.Error())
		return xerrors.Errorf("restart backend %q: %w", name, err)
	}
	c.startStream()
	c.setStatus(ctx, model.NodeStatusHealthy, "")
	return nil
}

func (c *Conn) FetchUsersStats(ctx context.Context) ([]api.UserStats, error) {
	return c.t.FetchUsersStats(ctx)
}

func (c *Conn) BackendConfig(ctx context.Context, name string) (api.BackendConfig, error) {
	return c.t.FetchBackendConfig(ctx, name)
}

func (c *Conn) BackendStats(ctx context.Context, name string) (api.BackendStats, error) {
	return c.t.GetBackendStats(ctx, name)
}

func (c *Conn) StreamBackendLogs(ctx context.Context, name string, includeBuffer bool) (api.LogStream, error) {
	return c.t.StreamBackendLogs(ctx, name, includeBuffer)
}

// UserDevices returns the node's local connection history for one user.
func (c *Conn) UserDevices(ctx context.Context, uid int64, activeOnly bool) (api.UserDevicesHistory, error) {
	return c.t.FetchUserDevices(ctx, uid, activeOnly)
}

func (c *Conn) AllDevices(ctx context.Context) (api.AllUsersDevices, error) {
	return c.t.FetchAllDevices(ctx)
}
