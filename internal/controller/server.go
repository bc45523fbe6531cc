package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"fleetctl/internal/api"
	"fleetctl/internal/devices"
	"fleetctl/internal/model"
	"fleetctl/internal/nodes"
	"fleetctl/internal/store"
)

// Options wires the server to the control plane.
type Options struct {
	Logger      slog.Logger
	Listen      string
	MetricsPath string
	DB          store.Store
	Registry    *nodes.Registry
	Ledger      *devices.Ledger
	Gatherer    prometheus.Gatherer
}

// Server provides the controller HTTP API.
type Server struct {
	opts   Options
	logger slog.Logger
}

// NewServer constructs a controller server.
func NewServer(opts Options) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	return &Server{opts: opts, logger: opts.Logger.Named("http")}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Get("/nodes", s.handleListNodes)
		r.Post("/nodes", s.handleAddNode)
		r.Route("/nodes/{node}", func(r chi.Router) {
			r.Get("/", s.handleGetNode)
			r.Post("/resync", s.handleResync)
			r.Post("/disable", s.handleDisable)
			r.Post("/enable", s.handleEnable)
			r.Get("/backends/{backend}/stats", s.handleBackendStats)
			r.Post("/backends/{backend}/restart", s.handleRestartBackend)
		})
		r.Get("/users/{user}/devices", s.handleUserDevices)
		r.Get("/users/{user}/devices/statistics", s.handleUserStatistics)
		r.Get("/devices/{device}/suspicious", s.handleSuspicious)
		r.Post("/devices/{device}/block", s.handleBlock(true))
		r.Post("/devices/{device}/unblock", s.handleBlock(false))
		r.Delete("/devices/{device}", s.handleDeleteDevice)
	})

	if s.opts.Gatherer != nil {
		r.Handle(s.opts.MetricsPath, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe runs the HTTP server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info(ctx, "controller listening", slog.F("addr", s.opts.Listen))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return xerrors.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(r.Context(), "request",
			slog.F("method", r.Method),
			slog.F("path", r.URL.Path),
			slog.F("status", ww.Status()),
			slog.F("duration", time.Since(start)),
		)
	})
}

type addNodeRequest struct {
	Name             string   `json:"name"`
	Address          string   `json:"address"`
	Port             int      `json:"port"`
	UsageCoefficient *float64 `json:"usage_coefficient,omitempty"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	conns := s.opts.Registry.List()
	states := make([]nodes.State, 0, len(conns))
	for _, c := range conns {
		states = append(states, c.State())
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var req addNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" || req.Address == "" || req.Port <= 0 {
		writeJSONError(w, http.StatusBadRequest, "name, address and port are required")
		return
	}
	coefficient := 1.0
	if req.UsageCoefficient != nil {
		coefficient = *req.UsageCoefficient
	}
	if coefficient < 0 {
		writeJSONError(w, http.StatusBadRequest, "usage_coefficient must not be negative")
		return
	}

	node, err := s.opts.DB.InsertNode(r.Context(), model.Node{
		Name:             req.Name,
		Address:          req.Address,
		Port:             req.Port,
		UsageCoefficient: coefficient,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.opts.Registry.Add(r.Context(), node)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn.State())
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conn.State())
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	if err := conn.Resync(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "node")
	if !ok {
		return
	}
	if _, err := s.opts.DB.GetNode(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.opts.Registry.Disable(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "node")
	if !ok {
		return
	}
	conn, err := s.opts.Registry.Enable(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn.State())
}

func (s *Server) handleBackendStats(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	stats, err := conn.BackendStats(r.Context(), chi.URLParam(r, "backend"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type restartRequest struct {
	Config string           `json:"config"`
	Format api.ConfigFormat `json:"format"`
}

func (s *Server) handleRestartBackend(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.conn(w, r)
	if !ok {
		return
	}
	var req restartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := conn.RestartBackend(r.Context(), chi.URLParam(r, "backend"), req.Config, req.Format); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn.State())
}

// Device is the API view of a tracked device.
type Device struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Fingerprint string    `json:"fingerprint"`
	DisplayName string    `json:"display_name"`
	ClientName  string    `json:"client_name"`
	ClientType  string    `json:"client_type"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	LastNodeID  *int64    `json:"last_node_id,omitempty"`
	Blocked     bool      `json:"is_blocked"`
}

func deviceView(d model.Device) Device {
	return Device{
		ID:          d.ID,
		UserID:      d.UserID,
		Fingerprint: d.Fingerprint,
		DisplayName: d.DisplayName,
		ClientName:  d.ClientName,
		ClientType:  d.ClientType,
		FirstSeenAt: d.FirstSeenAt,
		LastSeenAt:  d.LastSeenAt,
		LastNodeID:  d.LastNodeID,
		Blocked:     d.Blocked,
	}
}

func (s *Server) handleUserDevices(w http.ResponseWriter, r *http.Request) {
	uid, ok := idParam(w, r, "user")
	if !ok {
		return
	}
	var blocked *bool
	if v := r.URL.Query().Get("blocked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid blocked filter")
			return
		}
		blocked = &b
	}
	devs, err := s.opts.DB.ListUserDevices(r.Context(), uid, blocked)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		out = append(out, deviceView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUserStatistics(w http.ResponseWriter, r *http.Request) {
	uid, ok := idParam(w, r, "user")
	if !ok {
		return
	}
	stats, err := s.opts.Ledger.UserStatistics(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type suspiciousResponse struct {
	DeviceID   int64    `json:"device_id"`
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons"`
}

func (s *Server) handleSuspicious(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "device")
	if !ok {
		return
	}
	if _, err := s.opts.DB.GetDevice(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	suspicious, reasons, err := s.opts.Ledger.Suspicious(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reasons == nil {
		reasons = []string{}
	}
	writeJSON(w, http.StatusOK, suspiciousResponse{DeviceID: id, Suspicious: suspicious, Reasons: reasons})
}

// handleBlock changes a device's blocked flag and pushes the owner's new
// fingerprint allow-list.
func (s *Server) handleBlock(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "device")
		if !ok {
			return
		}
		dev, err := s.opts.DB.GetDevice(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := s.opts.Ledger.SetBlocked(r.Context(), id, blocked); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.pushUser(r, dev.UserID)
		dev.Blocked = blocked
		writeJSON(w, http.StatusOK, deviceView(dev))
	}
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "device")
	if !ok {
		return
	}
	dev, err := s.opts.DB.GetDevice(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.opts.Ledger.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.pushUser(r, dev.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pushUser(r *http.Request, userID int64) {
	if err := s.opts.Registry.PushUser(r.Context(), userID); err != nil {
		s.logger.Warn(r.Context(), "push user", slog.F("user_id", userID), slog.Error(err))
	}
}

func (s *Server) conn(w http.ResponseWriter, r *http.Request) (*nodes.Conn, bool) {
	id, ok := idParam(w, r, "node")
	if !ok {
		return nil, false
	}
	conn, ok := s.opts.Registry.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, nodes.ErrNodeNotFound.Error())
		return nil, false
	}
	return conn, true
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid "+name+" id")
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, nodes.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, nodes.ErrNotConnected),
		errors.Is(err, nodes.ErrNotSynced),
		errors.Is(err, nodes.ErrNodeDisabled):
		return http.StatusConflict
	case errors.Is(err, nodes.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", slog.F("path", r.URL.Path), slog.Error(err))
	}
	writeJSONError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
