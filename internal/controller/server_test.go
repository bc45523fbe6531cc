package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"fleetctl/internal/api"
	"fleetctl/internal/devices"
	"fleetctl/internal/fingerprint"
	"fleetctl/internal/metrics"
	"fleetctl/internal/model"
	"fleetctl/internal/nodes"
	"fleetctl/internal/store"
	"fleetctl/internal/store/storetest"
)

// stubTransport implements the subset of nodes.Transport the handlers reach.
type stubTransport struct {
	nodes.Transport
	readyErr error

	mu   sync.Mutex
	sent []api.UserData
}

func (s *stubTransport) WaitReady(context.Context, time.Duration) error { return s.readyErr }

func (*stubTransport) FetchBackends(context.Context) ([]api.Backend, error) { return nil, nil }

func (*stubTransport) RepopulateUsers(context.Context, []api.UserData) error { return nil }

func (s *stubTransport) SyncUsers(context.Context) (api.UserStream, error) { return s, nil }

func (s *stubTransport) Send(u *api.UserData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, *u)
	return nil
}

func (*stubTransport) CloseAndRecv() (*api.Empty, error) { return &api.Empty{}, nil }

func (*stubTransport) GetBackendStats(context.Context, string) (api.BackendStats, error) {
	return api.BackendStats{Running: true}, nil
}

func (*stubTransport) Close() error { return nil }

func (s *stubTransport) Sent() []api.UserData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.UserData(nil), s.sent...)
}

type harness struct {
	db         store.Store
	ledger     *devices.Ledger
	registry   *nodes.Registry
	handler    http.Handler
	transports map[int64]*stubTransport
}

func newHarness(t *testing.T, unreachable ...int64) *harness {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug)
	clock := quartz.NewMock(t)
	db := storetest.New(t)
	ledger, err := devices.NewLedger(db, clock, 0)
	require.NoError(t, err)

	h := &harness{db: db, ledger: ledger, transports: map[int64]*stubTransport{}}
	var mu sync.Mutex
	dial := func(node model.Node) (nodes.Transport, error) {
		st := &stubTransport{}
		for _, id := range unreachable {
			if id == node.ID {
				st.readyErr = errors.New("connection refused")
			}
		}
		mu.Lock()
		h.transports[node.ID] = st
		mu.Unlock()
		return st, nil
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h.registry = nodes.NewRegistry(db, nodes.NewAllowList(db, ledger, false), dial,
		nodes.Options{Logger: logger, Clock: clock, Metrics: m})
	t.Cleanup(func() { _ = h.registry.Close() })

	h.handler = NewServer(Options{
		Logger:   logger,
		DB:       db,
		Registry: h.registry,
		Ledger:   ledger,
		Gatherer: reg,
	}).Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) addNode(t *testing.T) nodes.State {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/nodes", addNodeRequest{Name: "edge-1", Address: "10.0.0.1", Port: 62050})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var state nodes.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	return state
}

func (h *harness) waitStatus(t *testing.T, id int64, status model.NodeStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, ok := h.registry.Get(id)
		return ok && conn.State().Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNodeLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	state := h.addNode(t)
	require.Equal(t, "edge-1", state.Name)
	h.waitStatus(t, state.ID, model.NodeStatusHealthy)

	rec := h.do(t, http.MethodGet, "/api/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var states []nodes.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &states))
	require.Len(t, states, 1)

	path := "/api/nodes/" + strconv.FormatInt(state.ID, 10)
	rec = h.do(t, http.MethodPost, path+"/resync", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, path+"/backends/xray/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, path+"/disable", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodPost, path+"/resync", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, path+"/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestResyncUnreachableNodeConflicts(t *testing.T) {
	t.Parallel()
	// The first node inserted into a fresh database gets id 1.
	h := newHarness(t, 1)

	state := h.addNode(t)
	require.EqualValues(t, 1, state.ID)
	h.waitStatus(t, state.ID, model.NodeStatusUnhealthy)

	rec := h.do(t, http.MethodPost, "/api/nodes/1/resync", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), nodes.ErrNotConnected.Error())
}

func TestAddNodeValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/nodes", addNodeRequest{Name: "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/nodes", map[string]any{"name": "x", "bogus": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/nodes/abc/resync", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceEndpoints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	state := h.addNode(t)
	h.waitStatus(t, state.ID, model.NodeStatusHealthy)
	user := storetest.User(t, h.db, model.User{})
	storetest.Inbound(t, h.db, state.ID, "vless-tcp", user)

	fp, version := fingerprint.Build(user.ID, "v2rayNG", "", "", "")
	var dev model.Device
	require.NoError(t, h.db.InTx(ctx, func(tx store.Store) error {
		var err error
		dev, _, err = h.ledger.ResolveOrCreate(ctx, tx, user, fp, version, "v2rayNG", fingerprint.ClientAndroid, state.ID)
		if err != nil {
			return err
		}
		_, err = h.ledger.RecordIP(ctx, tx, dev.ID, "203.0.113.9", 10, 20, nil)
		return err
	}))

	userPath := "/api/users/" + strconv.FormatInt(user.ID, 10)
	devicePath := "/api/devices/" + strconv.FormatInt(dev.ID, 10)

	rec := h.do(t, http.MethodGet, userPath+"/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []Device
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, fp, listed[0].Fingerprint)

	rec = h.do(t, http.MethodGet, userPath+"/devices/statistics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats devices.UserStatistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.TotalDevices)
	require.Equal(t, 1, stats.TotalIPs)

	rec = h.do(t, http.MethodGet, devicePath+"/suspicious", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sus suspiciousResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sus))
	require.False(t, sus.Suspicious)
	require.Empty(t, sus.Reasons)

	rec = h.do(t, http.MethodPost, devicePath+"/block", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, userPath+"/devices?blocked=true", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	// Blocking drops the fingerprint from the pushed allow-list.
	st := h.transports[state.ID]
	require.Eventually(t, func() bool {
		sent := st.Sent()
		return len(sent) > 0 && sent[len(sent)-1].User.ID == user.ID && len(sent[len(sent)-1].User.AllowedFingerprints) == 0
	}, 5*time.Second, 10*time.Millisecond)

	rec = h.do(t, http.MethodDelete, devicePath, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, devicePath, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodGet, devicePath+"/suspicious", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	state := h.addNode(t)
	h.waitStatus(t, state.ID, model.NodeStatusHealthy)

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "fleetctl_node_status")
}
