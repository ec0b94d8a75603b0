package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/persistence/indexdb"
	"tilecraft.ai/internal/protocol"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/world"
	"tilecraft.ai/internal/transport/observer"
)

const adminTimeout = 5 * time.Second

type adminRequest struct {
	Pos    [2]int `json:"pos"`
	Type   string `json:"type,omitempty"`
	Item   string `json:"item,omitempty"`
	Count  int    `json:"count,omitempty"`
	JobID  string `json:"job_id,omitempty"`
	Locked bool   `json:"locked,omitempty"`
}

// registerAdmin mounts the local-only mutation and inspection endpoints. Every mutation runs as a
// world command, so it lands on a tick boundary.
func registerAdmin(mux *http.ServeMux, w *world.World, log *logrus.Entry) {
	mux.HandleFunc("/admin/v1/state", loopbackOnly(http.MethodGet, func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
		defer cancel()
		st, err := w.RequestState(ctx)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"state": st, "metrics": w.Metrics()})
	}))
	mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
		defer cancel()
		tick, err := w.RequestSnapshot(ctx)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick})
	}))

	mutation := func(name string, fn func(w *world.World, req adminRequest) (any, error)) http.HandlerFunc {
		return loopbackOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
			var req adminRequest
			if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<16)).Decode(&req); err != nil {
				writeJSON(rw, http.StatusBadRequest, protocol.NewError(protocol.ErrBadRequest, "malformed body: "+err.Error()))
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
			defer cancel()
			v, err := w.Submit(ctx, "admin_"+name, func(w *world.World) (any, error) { return fn(w, req) })
			if err != nil {
				log.WithError(err).WithField("op", name).Debug("admin request rejected")
				writeError(rw, err)
				return
			}
			writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "result": v})
		})
	}
	pos := func(req adminRequest) grid.Pos { return grid.PosFromArray(req.Pos) }

	mux.HandleFunc("/admin/v1/build", mutation("build", func(w *world.World, req adminRequest) (any, error) {
		return w.PostBuild(pos(req), req.Type)
	}))
	mux.HandleFunc("/admin/v1/deconstruct", mutation("deconstruct", func(w *world.World, req adminRequest) (any, error) {
		return w.PostDeconstruct(pos(req))
	}))
	mux.HandleFunc("/admin/v1/remove", mutation("remove", func(w *world.World, req adminRequest) (any, error) {
		return nil, w.RemoveStructure(pos(req))
	}))
	mux.HandleFunc("/admin/v1/drop", mutation("drop", func(w *world.World, req adminRequest) (any, error) {
		return w.DropItems(pos(req), req.Item, req.Count)
	}))
	mux.HandleFunc("/admin/v1/agent", mutation("agent", func(w *world.World, req adminRequest) (any, error) {
		return w.AddAgent(pos(req))
	}))
	mux.HandleFunc("/admin/v1/lock", mutation("lock", func(w *world.World, req adminRequest) (any, error) {
		return nil, w.SetDoorLocked(pos(req), req.Locked)
	}))
	mux.HandleFunc("/admin/v1/cancel", mutation("cancel", func(w *world.World, req adminRequest) (any, error) {
		return nil, w.CancelJob(req.JobID)
	}))
	mux.HandleFunc("/admin/v1/retry_unreachable", mutation("retry_unreachable", func(w *world.World, _ adminRequest) (any, error) {
		return w.ResetUnreachableJobs(), nil
	}))
}

func metricsHandler(w *world.World, idx *indexdb.SQLiteIndex, hub *observer.Hub) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		id := w.ID()
		m := w.Metrics()
		tick := w.CurrentTick()
		if m.Tick != 0 {
			tick = m.Tick
		}

		gauge := func(name, help string, v any) {
			fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
			fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
			fmt.Fprintf(rw, "%s{world=%q} %v\n", name, id, v)
		}
		gauge("tilecraft_world_tick", "Current world tick.", tick)
		gauge("tilecraft_world_agents", "Current number of agents.", m.Agents)
		gauge("tilecraft_world_regions", "Live region count.", m.Regions)
		gauge("tilecraft_world_live_jobs", "Jobs not yet terminated.", m.LiveJobs)
		gauge("tilecraft_world_queued_jobs", "Jobs waiting in region queues.", m.QueuedJobs)
		gauge("tilecraft_world_unreachable_jobs", "Jobs quarantined as unreachable.", m.UnreachableJobs)
		gauge("tilecraft_world_graph_builds", "Completed traversal graph builds.", m.GraphBuilds)
		gauge("tilecraft_world_graph_discarded", "Graph builds discarded as stale.", m.GraphDiscarded)
		gauge("tilecraft_world_step_ms", "Last tick step duration in milliseconds.", fmt.Sprintf("%.3f", m.StepMS))

		fmt.Fprintf(rw, "# HELP tilecraft_world_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE tilecraft_world_queue_depth gauge\n")
		fmt.Fprintf(rw, "tilecraft_world_queue_depth{world=%q,queue=%q} %d\n", id, "commands", m.QueueDepths.Commands)

		if hub != nil {
			gauge("tilecraft_observer_sessions", "Connected observer sessions.", hub.Sessions())
			gauge("tilecraft_observer_dropped_total", "Observer frames dropped on full outboxes.", hub.Dropped())
		}
		if idx != nil {
			s := idx.Stats()
			fmt.Fprintf(rw, "# HELP tilecraft_index_queue_depth Index writer queue depth.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_index_queue_depth gauge\n")
			fmt.Fprintf(rw, "tilecraft_index_queue_depth{world=%q} %d\n", id, s.QueueDepth)
			fmt.Fprintf(rw, "# HELP tilecraft_index_dropped_total Index writes dropped under backpressure.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_index_dropped_total counter\n")
			fmt.Fprintf(rw, "tilecraft_index_dropped_total{world=%q,kind=%q} %d\n", id, "tick", s.DropTickTotal)
			fmt.Fprintf(rw, "tilecraft_index_dropped_total{world=%q,kind=%q} %d\n", id, "job", s.DropJobTotal)
			fmt.Fprintf(rw, "tilecraft_index_dropped_total{world=%q,kind=%q} %d\n", id, "snapshot", s.DropSnapshotTotal)
			fmt.Fprintf(rw, "# HELP tilecraft_index_commit_fail_total Failed index commits.\n")
			fmt.Fprintf(rw, "# TYPE tilecraft_index_commit_fail_total counter\n")
			fmt.Fprintf(rw, "tilecraft_index_commit_fail_total{world=%q} %d\n", id, s.CommitFailTotal)
		}
	}
}

func loopbackOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

// errorCode maps simulation errors onto protocol error codes and HTTP statuses.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, grid.ErrOutOfBounds):
		return http.StatusBadRequest, protocol.ErrOutOfBounds
	case errors.Is(err, catalogs.ErrUnknownStructure), errors.Is(err, catalogs.ErrUnknownItem):
		return http.StatusBadRequest, protocol.ErrBadRequest
	case errors.Is(err, world.ErrUnknownAgent), errors.Is(err, world.ErrUnknownJob), errors.Is(err, grid.ErrNoStructure):
		return http.StatusNotFound, protocol.ErrNotFound
	case errors.Is(err, world.ErrJobPending), errors.Is(err, grid.ErrOccupied), errors.Is(err, grid.ErrMixedStack), errors.Is(err, world.ErrNotBuilt):
		return http.StatusConflict, protocol.ErrConflict
	case errors.Is(err, grid.ErrBlocked), errors.Is(err, world.ErrNotWalkable):
		return http.StatusConflict, protocol.ErrBlocked
	case errors.Is(err, world.ErrWorldStopped), errors.Is(err, world.ErrNoSnapshotSink), errors.Is(err, world.ErrSnapshotSinkFull),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, protocol.ErrUnavailable
	default:
		return http.StatusInternalServerError, protocol.ErrInternal
	}
}

func writeError(rw http.ResponseWriter, err error) {
	status, code := errorCode(err)
	writeJSON(rw, status, protocol.NewError(code, err.Error()))
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
