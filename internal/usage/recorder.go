// Package usage polls every connected node for traffic counters, bills users
// and feeds per-connection samples to the device tracker.
package usage

import (
	"context"
	"sort"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"fleetctl/internal/api"
	"fleetctl/internal/devices"
	"fleetctl/internal/metrics"
	"fleetctl/internal/nodes"
	"fleetctl/internal/store"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

// Node is a usage source.
type Node interface {
	ID() int64
	UsageCoefficient() float64
	FetchUsersStats(ctx context.Context) ([]api.UserStats, error)
}

// Fleet lists the nodes to poll and delivers allow-list pushes.
type Fleet interface {
	Nodes() []Node
	PushUser(ctx context.Context, userID int64) error
}

// Tracker attributes a sample to a device.
type Tracker interface {
	Track(ctx context.Context, s devices.Sample) (deviceID, ipID int64, ok bool)
}

type registryFleet struct {
	*nodes.Registry
}

// RegistryFleet polls every connection held by r.
func RegistryFleet(r *nodes.Registry) Fleet {
	return registryFleet{Registry: r}
}

func (f registryFleet) Nodes() []Node {
	conns := f.List()
	out := make([]Node, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

type Options struct {
	Logger       slog.Logger
	Clock        quartz.Clock
	Metrics      *metrics.Metrics
	FetchTimeout time.Duration
}

// Recorder runs usage collection rounds.
type Recorder struct {
	logger       slog.Logger
	db           store.Store
	fleet        Fleet
	tracker      Tracker
	clock        quartz.Clock
	metrics      *metrics.Metrics
	fetchTimeout time.Duration
}

func New(db store.Store, fleet Fleet, tracker Tracker, opts Options) *Recorder {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	return &Recorder{
		logger:       opts.Logger.Named("usage"),
		db:           db,
		fleet:        fleet,
		tracker:      tracker,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		fetchTimeout: opts.FetchTimeout,
	}
}

// Start runs the recorder every interval until ctx is done.
func (r *Recorder) Start(ctx context.Context, interval time.Duration) quartz.Waiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return r.clock.TickerFunc(ctx, interval, func() error {
		if err := r.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error(ctx, "record usage", slog.Error(err))
		}
		return nil
	}, "usage", "record")
}

type batch struct {
	nodeID      int64
	coefficient float64
	stats       []api.UserStats
}

// Run performs one collection round.
func (r *Recorder) Run(ctx context.Context) error {
	start := r.clock.Now()
	defer func() {
		r.metrics.UsageRun(r.clock.Since(start).Seconds())
	}()

	batches := r.fetch(ctx)
	hour := start.UTC().Truncate(time.Hour)

	var (
		users   = map[int64]int64{}
		total   int
		tracked int
		errs    error
	)
	for _, b := range batches {
		var (
			raw      int64
			nodeUser = map[int64]int64{}
		)
		for _, s := range b.stats {
			scaled := int64(float64(s.Usage) * b.coefficient)
			users[s.UID] += scaled
			nodeUser[s.UID] += scaled
			raw += s.Usage
			total++

			ok := false
			if s.RemoteIP != "" {
				_, _, ok = r.tracker.Track(ctx, sampleFrom(b.nodeID, s, start))
				if ok {
					tracked++
				}
			}
			r.metrics.UsageSample(ok, s.RemoteIP != "")
		}
		if err := r.recordNode(ctx, b.nodeID, hour, raw, nodeUser); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if total > 0 {
		logger := r.logger.With(slog.F("samples", total), slog.F("tracked", tracked))
		if tracked == 0 {
			logger.Warn(ctx, "no samples attributed to devices, nodes may not report remote addresses")
		} else {
			logger.Debug(ctx, "recorded usage samples")
		}
	}

	crossed, err := r.bill(ctx, users, start)
	if err != nil {
		return multierr.Append(errs, err)
	}
	for _, uid := range crossed {
		r.metrics.LimitPush()
		if err := r.fleet.PushUser(ctx, uid); err != nil {
			r.logger.Warn(ctx, "push user over data limit", slog.F("user_id", uid), slog.Error(err))
		}
	}
	return errs
}

func (r *Recorder) fetch(ctx context.Context) []batch {
	list := r.fleet.Nodes()
	batches := make([]batch, len(list))

	var eg errgroup.Group
	for i, n := range list {
		batches[i] = batch{nodeID: n.ID(), coefficient: n.UsageCoefficient()}
		eg.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
			defer cancel()
			stats, err := n.FetchUsersStats(fctx)
			if err != nil {
				r.metrics.UsageFetchFailure(n.ID())
				r.logger.Warn(ctx, "fetch usage", slog.F("node_id", n.ID()), slog.Error(err))
				return nil
			}
			for _, s := range stats {
				if s.Usage == 0 {
					continue
				}
				if s.Uplink == 0 && s.Downlink == 0 && s.Usage > 0 {
					s.Downlink = s.Usage
				}
				batches[i].stats = append(batches[i].stats, s)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return batches
}

func sampleFrom(nodeID int64, s api.UserStats, bucket time.Time) devices.Sample {
	return devices.Sample{
		UserID:         s.UID,
		NodeID:         nodeID,
		IP:             s.RemoteIP,
		ClientName:     s.ClientName,
		UserAgent:      s.UserAgent,
		TLSFingerprint: s.TLSFingerprint,
		Protocol:       s.Protocol,
		Upload:         s.Uplink,
		Download:       s.Downlink,
		BucketStart:    bucket,
	}
}

// recordNode adds the raw node total and the scaled per-user totals to the
// node's hourly counters.
func (r *Recorder) recordNode(ctx context.Context, nodeID int64, hour time.Time, raw int64, perUser map[int64]int64) error {
	if raw == 0 && len(perUser) == 0 {
		return nil
	}
	err := r.db.InTx(ctx, func(tx store.Store) error {
		if raw != 0 {
			if err := tx.AddNodeUsage(ctx, nodeID, hour, 0, raw); err != nil {
				return err
			}
		}
		for _, uid := range sortedKeys(perUser) {
			if err := tx.AddNodeUserUsage(ctx, nodeID, uid, hour, perUser[uid]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("record usage of node %d: %w", nodeID, err)
	}
	return nil
}

// bill applies the aggregated deltas to the users' running totals and
// returns the users that reached their data limit in this round.
func (r *Recorder) bill(ctx context.Context, users map[int64]int64, at time.Time) ([]int64, error) {
	if len(users) == 0 {
		return nil, nil
	}
	ids := sortedKeys(users)
	deltas := make([]store.UsageDelta, 0, len(ids))
	for _, uid := range ids {
		deltas = append(deltas, store.UsageDelta{UserID: uid, Value: users[uid]})
	}

	var crossed []int64
	err := r.db.InTx(ctx, func(tx store.Store) error {
		before, err := tx.GetUsersByIDs(ctx, ids)
		if err != nil {
			return xerrors.Errorf("load users: %w", err)
		}
		var candidates []int64
		for _, u := range before {
			if u.DataLimit != nil && *u.DataLimit > 0 && u.UsedTraffic < *u.DataLimit {
				candidates = append(candidates, u.ID)
			}
		}

		if err := tx.AddUserUsage(ctx, deltas, at); err != nil {
			return err
		}

		after, err := tx.GetUsersByIDs(ctx, candidates)
		if err != nil {
			return xerrors.Errorf("reload users: %w", err)
		}
		for _, u := range after {
			if u.DataLimitReached() {
				crossed = append(crossed, u.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("bill users: %w", err)
	}
	sort.Slice(crossed, func(i, j int) bool { return crossed[i] < crossed[j] })
	return crossed, nil
}

func sortedKeys(m map[int64]int64) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
