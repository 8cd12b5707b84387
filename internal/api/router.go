package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/pipeline"
	"github.com/loykin/tapline/internal/signal"
	"github.com/loykin/tapline/internal/topology"
)

// MaxConfigBytes bounds the body of POST /config.
const MaxConfigBytes = 1 << 20

// Router provides embeddable HTTP handlers for inspecting and steering a
// running topology.
// Endpoints:
//
//	GET  {basePath}/health
//	GET  {basePath}/components          current graph snapshot
//	GET  {basePath}/config              config paths, generation and component ids
//	GET  {basePath}/topology/watch      websocket stream of snapshots
//	POST {basePath}/reload              reload from disk
//	POST {basePath}/reload/components   body: {"components": [...]}
//	POST {basePath}/config              body: config text; query: format=toml|yaml|json
//	POST {basePath}/shutdown
//
// Mutating endpoints only queue a signal and answer 202; the run loop applies it.
type Router struct {
	shared   *topology.Shared
	tx       *signal.Sender
	basePath string
	logger   *slog.Logger

	// relMu is held shared by handlers using the controller and exclusively by release.
	relMu    sync.RWMutex
	released bool
}

// NewRouter takes ownership of the shared handle and the sender.
func NewRouter(shared *topology.Shared, tx *signal.Sender, basePath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{shared: shared, tx: tx, basePath: sanitizeBase(basePath), logger: logger}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/components", r.handleComponents)
	group.GET("/config", r.handleConfig)
	group.GET("/topology/watch", r.handleWatch)
	group.POST("/reload", r.handleReload)
	group.POST("/reload/components", r.handleReloadComponents)
	group.POST("/config", r.handleApplyConfig)
	group.POST("/shutdown", r.handleShutdown)
	return g
}

// release gives the controller handle back once no handler is using it.
// Later requests that need the controller get 503.
func (r *Router) release() {
	r.relMu.Lock()
	defer r.relMu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.shared.Release()
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type acceptedResp struct {
	Accepted string `json:"accepted"`
}

type componentResp struct {
	Type   string   `json:"type"`
	Inputs []string `json:"inputs,omitempty"`
}

type configResp struct {
	ConfigPaths    []string                 `json:"config_paths"`
	Generation     uint64                   `json:"generation"`
	ReloadSet      []string                 `json:"reload_set"`
	RequireHealthy bool                     `json:"require_healthy"`
	Sources        map[string]componentResp `json:"sources"`
	Transforms     map[string]componentResp `json:"transforms"`
	Sinks          map[string]componentResp `json:"sinks"`
}

type reloadComponentsReq struct {
	Components []string `json:"components"`
}

var errReleased = errors.New("topology controller is shutting down")

// withController runs fn with exclusive access to the controller. fn must
// only copy state out; responses are written after both locks are dropped so
// a slow client never holds up the run loop or the release.
func (r *Router) withController(c *gin.Context, fn func(*topology.Controller)) error {
	r.relMu.RLock()
	defer r.relMu.RUnlock()
	if r.released {
		return errReleased
	}
	ctrl, unlock, err := r.shared.Lock(c.Request.Context())
	if err != nil {
		return err
	}
	defer unlock()
	fn(ctrl)
	return nil
}

func (r *Router) handleHealth(c *gin.Context) {
	r.relMu.RLock()
	released := r.released
	r.relMu.RUnlock()
	if released {
		writeJSON(c, http.StatusServiceUnavailable, okResp{OK: false})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleComponents(c *gin.Context) {
	var snap pipeline.Snapshot
	if err := r.withController(c, func(ctrl *topology.Controller) {
		snap = ctrl.Topology.Snapshot()
	}); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleConfig(c *gin.Context) {
	var resp configResp
	if err := r.withController(c, func(ctrl *topology.Controller) {
		cfg := ctrl.Topology.Config()
		resp = configResp{
			ConfigPaths:    make([]string, 0, len(ctrl.ConfigPaths)),
			Generation:     ctrl.Topology.Generation(),
			ReloadSet:      ctrl.Topology.ReloadSet(),
			RequireHealthy: cfg.HealthChecks.RequireHealthy,
			Sources:        components(cfg.Sources),
			Transforms:     components(cfg.Transforms),
			Sinks:          components(cfg.Sinks),
		}
		for _, p := range ctrl.ConfigPaths {
			resp.ConfigPaths = append(resp.ConfigPaths, p.String())
		}
	}); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func components(m map[string]config.ComponentConfig) map[string]componentResp {
	out := make(map[string]componentResp, len(m))
	for name, cc := range m {
		out[name] = componentResp{Type: cc.Type, Inputs: cc.Inputs}
	}
	return out
}

func (r *Router) handleReload(c *gin.Context) {
	r.queue(c, signal.NewReloadFromDisk())
}

func (r *Router) handleReloadComponents(c *gin.Context) {
	var req reloadComponentsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if len(req.Components) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "components is required"})
		return
	}
	for _, name := range req.Components {
		if !isSafeName(name) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid component id: " + name})
			return
		}
	}
	names := append([]string(nil), req.Components...)
	sort.Strings(names)
	r.queue(c, signal.NewReloadComponents(names...))
}

func (r *Router) handleApplyConfig(c *gin.Context) {
	format, ok := formatOf(c.Query("format"), c.GetHeader("Content-Type"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unsupported format: " + c.Query("format")})
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxConfigBytes))
	if err != nil {
		writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{Error: err.Error()})
		return
	}
	if len(data) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "empty config"})
		return
	}
	r.queue(c, signal.NewReloadFromConfigBuilder(config.NewBuilder("api", data, format)))
}

func (r *Router) handleShutdown(c *gin.Context) {
	r.queue(c, signal.NewShutdown(nil))
}

func (r *Router) queue(c *gin.Context, sig signal.Signal) {
	r.logger.Info("API request queued", "signal", sig.String(), "remote", c.ClientIP())
	r.tx.Send(sig)
	writeJSON(c, http.StatusAccepted, acceptedResp{Accepted: sig.Kind.String()})
}

// topology returns the running topology, or nil once released.
func (r *Router) topology(c *gin.Context) *pipeline.RunningTopology {
	var topo *pipeline.RunningTopology
	if err := r.withController(c, func(ctrl *topology.Controller) { topo = ctrl.Topology }); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return nil
	}
	return topo
}
