package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/snmpwatch/internal/logging"
	"github.com/HerbHall/snmpwatch/internal/poller"
	"github.com/HerbHall/snmpwatch/internal/snapshot"
	"github.com/HerbHall/snmpwatch/internal/store"
	"github.com/HerbHall/snmpwatch/internal/version"
)

const streamWriteTimeout = 5 * time.Second

// Refresher triggers polls. *poller.Scheduler satisfies it.
type Refresher interface {
	poller.Refresher
	Groups() []string
}

// SnapshotReader reads the latest good snapshots. Latest returns
// store.ErrNotFound for a group with nothing recorded.
type SnapshotReader interface {
	Latest(ctx context.Context, group string) (*snapshot.Snapshot, error)
	All(ctx context.Context) ([]*snapshot.Snapshot, error)
}

// Deps are the components the HTTP surface serves.
type Deps struct {
	Refresher Refresher
	Snapshots SnapshotReader
	Hub       *Hub
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
	// RefreshRate limits refresh triggers per second; zero means no limit.
	RefreshRate float64
}

// Server is the snmpwatch HTTP server.
type Server struct {
	httpServer *http.Server
	deps       Deps
	limiter    *rate.Limiter
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a new Server instance.
func New(addr string, deps Deps, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	limit := rate.Inf
	burst := 1
	if deps.RefreshRate > 0 {
		limit = rate.Limit(deps.RefreshRate)
		burst = max(1, int(deps.RefreshRate))
	}

	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     logging.RequestLogger(logger)(mux),
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: stream connections are long lived.
			IdleTimeout: 60 * time.Second,
		},
		deps:    deps,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		mux:     mux,
	}

	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/groups", s.handleGroups)
	s.mux.HandleFunc("GET /api/v1/snapshots", s.handleSnapshots)
	s.mux.HandleFunc("POST /api/v1/groups/{group}/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/v1/groups/{group}/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /api/v1/groups/{group}/stream", s.handleStream)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}
}

// Handler returns the root handler, including request logging.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Snmpwatch-Version", version.Short())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": version.Name,
		"version": version.Map(),
	})
}

func (s *Server) handleGroups(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Refresher.Groups())
}

func (s *Server) knownGroup(group string) bool {
	return slices.Contains(s.deps.Refresher.Groups(), group)
}

// refreshResponse reports whether a trigger produced a new snapshot. A
// failed poll and a superseded poll both read as "updated": false.
type refreshResponse struct {
	PollID   string             `json:"poll_id"`
	Group    string             `json:"group"`
	Updated  bool               `json:"updated"`
	Snapshot *snapshot.Snapshot `json:"snapshot,omitempty"`
	Label    string             `json:"label,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	if !s.knownGroup(group) {
		NotFound(w, fmt.Sprintf("group %q not found", group), r.URL.Path)
		return
	}
	if !s.limiter.Allow() {
		RateLimited(w, "refresh triggered too often", r.URL.Path)
		return
	}

	out := s.deps.Refresher.Refresh(r.Context(), group)
	resp := refreshResponse{PollID: out.PollID, Group: group, Updated: out.Updated()}
	if resp.Updated {
		resp.Snapshot = out.Snapshot
		resp.Label = out.Snapshot.Label()
	}
	writeJSON(w, http.StatusOK, resp)
}

type snapshotResponse struct {
	*snapshot.Snapshot
	Label string `json:"label"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	if !s.knownGroup(group) {
		NotFound(w, fmt.Sprintf("group %q not found", group), r.URL.Path)
		return
	}
	if s.deps.Snapshots == nil {
		ServiceUnavailable(w, "snapshot store not configured", r.URL.Path)
		return
	}

	snap, err := s.deps.Snapshots.Latest(r.Context(), group)
	if errors.Is(err, store.ErrNotFound) {
		NotFound(w, fmt.Sprintf("no snapshot recorded for group %q", group), r.URL.Path)
		return
	}
	if err != nil {
		s.logger.Error("load snapshot", zap.String("group", group), zap.Error(err))
		InternalError(w, "failed to load snapshot", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Snapshot: snap, Label: snap.Label()})
}

// handleSnapshots lists the latest snapshot of every configured group that
// has one. Rows left over from groups no longer configured are skipped.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshots == nil {
		ServiceUnavailable(w, "snapshot store not configured", r.URL.Path)
		return
	}

	snaps, err := s.deps.Snapshots.All(r.Context())
	if err != nil {
		s.logger.Error("list snapshots", zap.Error(err))
		InternalError(w, "failed to list snapshots", r.URL.Path)
		return
	}
	out := make([]snapshotResponse, 0, len(snaps))
	for _, snap := range snaps {
		if s.knownGroup(snap.Group) {
			out = append(out, snapshotResponse{Snapshot: snap, Label: snap.Label()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("group")
	if !s.knownGroup(group) {
		NotFound(w, fmt.Sprintf("group %q not found", group), r.URL.Path)
		return
	}
	if s.deps.Hub == nil {
		ServiceUnavailable(w, "streaming not configured", r.URL.Path)
		return
	}

	// Subscribe before the upgrade so nothing delivered after the initial
	// snapshot is missed.
	updates, cancel := s.deps.Hub.Subscribe(group)
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if s.deps.Snapshots != nil {
		if snap, err := s.deps.Snapshots.Latest(ctx, group); err == nil {
			if err := s.writeSnapshot(ctx, conn, snap); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.writeSnapshot(ctx, conn, snap); err != nil {
				s.logger.Debug("stream write", zap.String("group", group), zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeSnapshot(ctx context.Context, conn *websocket.Conn, snap *snapshot.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, snapshotResponse{Snapshot: snap, Label: snap.Label()})
}
