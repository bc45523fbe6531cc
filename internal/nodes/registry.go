package nodes

import (
	"context"
	"errors"
	"sort"
	"sync"

	"cdr.dev/slog/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"fleetctl/internal/model"
	"fleetctl/internal/store"
)

var (
	ErrNodeNotFound = xerrors.New("node not found")
	ErrNodeDisabled = xerrors.New("node is disabled")
)

// DialFunc creates the transport used to reach a node.
type DialFunc func(node model.Node) (Transport, error)

// Registry owns the connection of every enabled node.
type Registry struct {
	db     store.Store
	allow  *AllowList
	dial   DialFunc
	opts   Options
	logger slog.Logger

	// admin serializes Add, Remove and Close.
	admin sync.Mutex

	mu     sync.RWMutex
	conns  map[int64]*Conn
	closed bool
}

func NewRegistry(db store.Store, allow *AllowList, dial DialFunc, opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		db:     db,
		allow:  allow,
		dial:   dial,
		opts:   opts,
		logger: opts.Logger.Named("registry"),
		conns:  map[int64]*Conn{},
	}
}

// Add starts a connection for node, replacing and stopping any existing
// connection with the same id.
func (r *Registry) Add(ctx context.Context, node model.Node) (*Conn, error) {
	if node.Status == model.NodeStatusDisabled {
		return nil, ErrNodeDisabled
	}
	r.admin.Lock()
	defer r.admin.Unlock()

	t, err := r.dial(node)
	if err != nil {
		return nil, xerrors.Errorf("dial node %d: %w", node.ID, err)
	}
	conn := newConn(node, t, r.db, r.allow, r.opts)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = t.Close()
		return nil, ErrStopped
	}
	old := r.conns[node.ID]
	r.conns[node.ID] = conn
	r.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			r.logger.Warn(ctx, "stop replaced node connection", slog.F("node_id", node.ID), slog.Error(err))
		}
	}
	conn.Start()
	r.logger.Info(ctx, "node added", slog.F("node_id", node.ID), slog.F("address", node.Address), slog.F("port", node.Port))
	return conn, nil
}

// Remove stops and forgets the node's connection.
func (r *Registry) Remove(ctx context.Context, id int64) error {
	r.admin.Lock()
	defer r.admin.Unlock()

	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if !ok {
		return ErrNodeNotFound
	}
	err := conn.Stop()
	r.opts.Metrics.ForgetNode(id)
	r.logger.Info(ctx, "node removed", slog.F("node_id", id))
	return err
}

// Disable stops the node's connection and persists the disabled status.
func (r *Registry) Disable(ctx context.Context, id int64) error {
	if err := r.Remove(ctx, id); err != nil && !errors.Is(err, ErrNodeNotFound) {
		return err
	}
	if err := r.db.UpdateNodeStatus(ctx, id, model.NodeStatusDisabled, ""); err != nil {
		return xerrors.Errorf("persist node status: %w", err)
	}
	r.opts.Metrics.SetNodeStatus(id, model.NodeStatusDisabled)
	return nil
}

// Enable clears the disabled status and starts connecting to the node.
func (r *Registry) Enable(ctx context.Context, id int64) (*Conn, error) {
	node, err := r.db.GetNode(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	node.Status, node.Message = model.NodeStatusUnhealthy, ""
	if err := r.db.UpdateNodeStatus(ctx, id, node.Status, node.Message); err != nil {
		return nil, xerrors.Errorf("persist node status: %w", err)
	}
	return r.Add(ctx, node)
}

func (r *Registry) Get(id int64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// List returns every connection ordered by node id.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close stops every connection. The registry rejects Add afterwards.
func (r *Registry) Close() error {
	r.admin.Lock()
	defer r.admin.Unlock()

	r.mu.Lock()
	r.closed = true
	conns := r.conns
	r.conns = map[int64]*Conn{}
	r.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Stop())
	}
	return err
}

// PushUser enqueues the user's current allow-list entry on every node that
// serves one of the user's inbounds.
func (r *Registry) PushUser(ctx context.Context, userID int64) error {
	entries, err := r.allow.ForUser(ctx, userID)
	if err != nil {
		return err
	}
	var eg errgroup.Group
	for nodeID, entry := range entries {
		conn, ok := r.Get(nodeID)
		if !ok {
			continue
		}
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := conn.Enqueue(entry); err != nil {
				return xerrors.Errorf("node %d: %w", nodeID, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// LoadFromStore adds every persisted node that is not disabled. Nodes that
// cannot be dialed are skipped and reported in the returned error.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	nodes, err := r.db.ListNodes(ctx)
	if err != nil {
		return xerrors.Errorf("list nodes: %w", err)
	}
	var errs error
	for _, n := range nodes {
		if n.Status == model.NodeStatusDisabled {
			r.opts.Metrics.SetNodeStatus(n.ID, model.NodeStatusDisabled)
			continue
		}
		if _, err := r.Add(ctx, n); err != nil {
			r.logger.Error(ctx, "add node", slog.F("node_id", n.ID), slog.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// State is a point-in-time view of a node connection.
type State struct {
	ID      int64            `json:"id"`
	Name    string           `json:"name"`
	Address string           `json:"address"`
	Port    int              `json:"port"`
	Status  model.NodeStatus `json:"status"`
	Message string           `json:"message,omitempty"`
	Synced  bool             `json:"synced"`
	Pending int              `json:"pending_updates"`
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		ID:      c.node.ID,
		Name:    c.node.Name,
		Address: c.node.Address,
		Port:    c.node.Port,
		Status:  c.status,
		Message: c.message,
		Synced:  c.synced,
		Pending: c.box.len(),
	}
}
