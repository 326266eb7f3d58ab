package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/store"
)

// Router provides embeddable read-only HTTP handlers over the liveness store.
// Endpoints:
//
//	GET {basePath}/instances              active instances (?all=1 unsupported; active only)
//	GET {basePath}/instances/:id          one instance by id
//	GET {basePath}/instances/:id/history  transitions for one instance (?limit=N)
//	GET {basePath}/history                recent transitions across instances (?limit=N)
//	GET {basePath}/healthz                liveness of the API itself
//	GET {basePath}/metrics                prometheus metrics
//
// Presentation is out of scope for the control plane; this surface only
// exposes the shape dashboards need. All handlers are read-only.
type Router struct {
	st       store.Store
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(st store.Store, basePath string) *Router {
	return &Router{st: st, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/instances", r.handleInstances)
	group.GET("/instances/:id", r.handleInstance)
	group.GET("/instances/:id/history", r.handleInstanceHistory)
	group.GET("/history", r.handleHistory)
	group.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, st store.Store) (*http.Server, error) {
	r := NewRouter(st, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type instanceResp struct {
	ID                string     `json:"id"`
	InstanceType      string     `json:"instance_type"`
	MachineID         string     `json:"machine_id"`
	Status            string     `json:"status"`
	Hostname          string     `json:"hostname"`
	ProcessID         int        `json:"process_id"`
	StartedAt         time.Time  `json:"started_at"`
	StoppedAt         *time.Time `json:"stopped_at,omitempty"`
	LastHeartbeat     time.Time  `json:"last_heartbeat"`
	MissedHeartbeats  int        `json:"missed_heartbeats"`
	CommandsProcessed int64      `json:"commands_processed"`
	ErrorsEncountered int64      `json:"errors_encountered"`
	LastErrorMessage  string     `json:"last_error_message,omitempty"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty"`
	Environment       string     `json:"environment,omitempty"`
}

type historyResp struct {
	ID             int64     `json:"id"`
	InstanceID     string    `json:"instance_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Reason         string    `json:"reason"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r *Router) handleInstances(c *gin.Context) {
	insts, err := r.st.ActiveInstances(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]instanceResp, 0, len(insts))
	for _, i := range insts {
		out = append(out, toInstanceResp(i))
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleInstance(c *gin.Context) {
	inst, err := r.st.GetInstance(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResp{Error: "instance not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, toInstanceResp(inst))
}

func (r *Router) handleInstanceHistory(c *gin.Context) {
	entries, err := r.st.History(c.Request.Context(), c.Param("id"), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, toHistoryResp(entries))
}

func (r *Router) handleHistory(c *gin.Context) {
	entries, err := r.st.RecentHistory(c.Request.Context(), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, toHistoryResp(entries))
}

func limitParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || n <= 0 {
		return 50
	}
	return n
}

func toInstanceResp(i store.Instance) instanceResp {
	out := instanceResp{
		ID:                i.ID,
		InstanceType:      i.InstanceType,
		MachineID:         i.MachineID,
		Status:            string(i.Status),
		Hostname:          i.Hostname,
		ProcessID:         i.ProcessID,
		StartedAt:         i.StartedAt,
		LastHeartbeat:     i.LastHeartbeat,
		MissedHeartbeats:  i.MissedHeartbeats,
		CommandsProcessed: i.CommandsProcessed,
		ErrorsEncountered: i.ErrorsEncountered,
		Environment:       i.Environment,
	}
	if i.StoppedAt.Valid {
		t := i.StoppedAt.Time
		out.StoppedAt = &t
	}
	if i.LastErrorMessage.Valid {
		out.LastErrorMessage = i.LastErrorMessage.String
	}
	if i.LastErrorAt.Valid {
		t := i.LastErrorAt.Time
		out.LastErrorAt = &t
	}
	return out
}

func toHistoryResp(entries []store.HistoryEntry) []historyResp {
	out := make([]historyResp, 0, len(entries))
	for _, h := range entries {
		out = append(out, historyResp{
			ID:             h.ID,
			InstanceID:     h.InstanceID,
			PreviousStatus: string(h.PreviousStatus),
			NewStatus:      string(h.NewStatus),
			Reason:         h.Reason,
			UptimeSeconds:  h.UptimeSeconds,
			CreatedAt:      h.CreatedAt,
		})
	}
	return out
}

func sanitizeBase(basePath string) string {
	bp := strings.TrimSpace(basePath)
	if bp == "" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimSuffix(bp, "/")
}
