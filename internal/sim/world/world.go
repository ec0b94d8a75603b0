// Package world runs the authoritative tile simulation: one goroutine owns the grid, the region
// partition, the job set and every agent, and advances them in fixed ticks.
package world

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/logger"
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/jobs"
	"tilecraft.ai/internal/sim/regions"
	"tilecraft.ai/internal/sim/scheduler"
	"tilecraft.ai/internal/sim/tilegraph"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrUnknownJob   = errors.New("unknown job")
	ErrNotBuilt     = errors.New("structure not constructed")
	ErrJobPending   = errors.New("tile already has a pending job")
	ErrNotWalkable  = errors.New("tile not walkable")
)

type World struct {
	cfg  WorldConfig
	cats *catalogs.Catalogs
	log  *logrus.Entry

	tick atomic.Uint64

	grid      *grid.Grid
	part      *regions.Partitioner
	graphs    *tilegraph.Cache
	sched     *scheduler.Scheduler
	unsubGrid func()

	agents map[string]*scheduler.Agent
	jobs   map[string]*jobs.Job
	// views holds the last published view of every agent.
	views map[string]AgentView

	nextJobNum   uint64
	nextAgentNum uint64

	jobCreated   observerList[JobView]
	agentChanged observerList[AgentView]
	jobEvents    observerList[JobEvent]

	tickLogger TickLogger
	jobLogger  JobLogger

	// Optional snapshot sink (may be nil). Snapshot writing should be off-thread.
	snapshotSink chan<- snapshot.SnapshotV1

	metrics atomic.Value

	cmds     chan command
	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg WorldConfig, cats *catalogs.Catalogs, log *logrus.Entry) (*World, error) {
	cfg.applyDefaults()
	if cfg.Width*cfg.Height > 1<<24 {
		return nil, fmt.Errorf("world %dx%d too large", cfg.Width, cfg.Height)
	}
	w := &World{
		cfg:    cfg,
		cats:   cats,
		log:    logger.Or(log).WithField("world", cfg.ID),
		agents: map[string]*scheduler.Agent{},
		jobs:   map[string]*jobs.Job{},
		views:  map[string]AgentView{},
		cmds:   make(chan command, 256),
		stop:   make(chan struct{}),
	}
	g := grid.New(cfg.Width, cfg.Height, cfg.FloorCost)
	w.install(g, w.newPartitioner(g))
	return w, nil
}

func (w *World) newPartitioner(g *grid.Grid) *regions.Partitioner {
	return regions.New(g, w.log, w.onJobQueued)
}

// install wires g and its partition into a fresh graph cache and scheduler.
func (w *World) install(g *grid.Grid, part *regions.Partitioner) {
	if w.unsubGrid != nil {
		w.unsubGrid()
	}
	w.grid = g
	w.part = part
	async := w.cfg.GraphRebuildAsync
	w.graphs = tilegraph.NewCache(func() tilegraph.Source {
		if async {
			return g.Freeze()
		}
		return g
	}, async, w.log)
	w.sched = scheduler.New(w, scheduler.Config{WorkRate: w.cfg.WorkRate, DoorOpenRate: w.cfg.DoorOpenRate}, w.log)
	w.unsubGrid = g.OnChange(w.onGridChange)
}

func (w *World) ID() string {
	if w == nil {
		return ""
	}
	return w.cfg.ID
}

func (w *World) TickRateHz() int {
	if w == nil {
		return 0
	}
	return w.cfg.TickRateHz
}

func (w *World) CurrentTick() uint64 { return w.tick.Load() }

func (w *World) SetTickLogger(l TickLogger)                    { w.tickLogger = l }
func (w *World) SetJobLogger(l JobLogger)                      { w.jobLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

// OnJobCreated registers fn for every job entering a region queue for the first time.
func (w *World) OnJobCreated(fn func(JobView)) (unsubscribe func()) { return w.jobCreated.add(fn) }

// OnAgentChanged registers fn for agent views; it fires at most once per agent per tick and only
// when the view differs from the last one published.
func (w *World) OnAgentChanged(fn func(AgentView)) (unsubscribe func()) {
	return w.agentChanged.add(fn)
}

func (w *World) OnJobEvent(fn func(JobEvent)) (unsubscribe func()) { return w.jobEvents.add(fn) }

func (w *World) onGridChange(c grid.Change) {
	if c.Kind.Topology() {
		w.graphs.Invalidate()
	}
	switch c.Kind {
	case grid.StructureBuilt:
		w.part.OnStructureBuilt(c.Pos)
	case grid.StructureRemoved:
		w.part.OnStructureRemoved(c.Pos)
		w.resetUnreachable("structure removed")
	case grid.ItemsChanged:
		w.part.OnItemsChanged(c.Pos, c.Item, c.Delta)
	case grid.FloorChanged:
		if w.grid.MovementCost(c.Pos) > 0 {
			w.resetUnreachable("floor opened")
		}
	}
}

func (w *World) resetUnreachable(reason string) int {
	n := w.part.ResetAllUnreachable()
	if n > 0 {
		w.log.WithFields(logrus.Fields{"jobs": n, "reason": reason}).Debug("unreachable jobs requeued")
	}
	return n
}

// scheduler.Env

func (w *World) Grid() *grid.Grid                { return w.grid }
func (w *World) Partition() *regions.Partitioner { return w.part }
func (w *World) Graph() (*tilegraph.Graph, bool) { return w.graphs.Get() }

func (w *World) NextJobID() string {
	w.nextJobNum++
	return fmt.Sprintf("T%06d", w.nextJobNum)
}

func (w *World) JobEvent(kind scheduler.EventKind, j *jobs.Job, a *scheduler.Agent) {
	if kind == scheduler.EventHaulCreated {
		w.track(j)
	}
	agentID := ""
	if a != nil {
		agentID = a.ID
	}
	w.emitJobEvent(string(kind), j, agentID, "")
}

func (w *World) onJobQueued(r *regions.Region, j *jobs.Job) {
	v := w.jobView(j)
	v.Region = regionIDOf(r)
	w.jobCreated.emit(v)
	w.emitJobEvent(EventCreated, j, "", "")
}

func (w *World) emitJobEvent(event string, j *jobs.Job, agentID, reason string) {
	v := w.jobView(j)
	nowTick := w.tick.Load()
	w.jobEvents.emit(JobEvent{Tick: nowTick, Event: event, Job: v, AgentID: agentID})
	if w.jobLogger != nil {
		_ = w.jobLogger.WriteJobEvent(JobLogEntry{
			Tick:    nowTick,
			JobID:   j.ID,
			Kind:    string(j.Kind),
			Event:   event,
			AgentID: agentID,
			Region:  v.Region,
			Pos:     v.Pos,
			Reason:  reason,
		})
	}
}

func (w *World) jobView(j *jobs.Job) JobView {
	v := JobView{
		ID:           j.ID,
		Kind:         string(j.Kind),
		Pos:          j.Tile.ToArray(),
		WorkLeft:     j.WorkLeft,
		Requirements: append(j.Requirements[:0:0], j.Requirements...),
		Structure:    j.StructureType,
	}
	if j.Haul == nil {
		v.Region = regionIDOf(w.part.RegionForJob(j))
	}
	return v
}

func regionIDOf(r *regions.Region) int {
	if r == nil {
		return 0
	}
	return r.ID
}

// track keeps j in the live job set until it terminates.
func (w *World) track(j *jobs.Job) {
	w.jobs[j.ID] = j
	done := func(j *jobs.Job) {
		delete(w.jobs, j.ID)
		if j.Haul == nil {
			w.part.Remove(j)
		}
	}
	j.OnComplete(done)
	j.OnCancel(done)
}

func (w *World) sortedAgents() []*scheduler.Agent {
	out := make([]*scheduler.Agent, 0, len(w.agents))
	for _, a := range w.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *World) sortedJobs() []*jobs.Job {
	out := make([]*jobs.Job, 0, len(w.jobs))
	for _, j := range w.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

type observer[T any] struct {
	id int
	fn func(T)
}

// observerList is safe for registration from any goroutine; emit runs on the world goroutine.
type observerList[T any] struct {
	mu   sync.Mutex
	next int
	subs []observer[T]
}

func (l *observerList[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.subs = append(l.subs, observer[T]{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s.id == id {
				l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
				return
			}
		}
	}
}

func (l *observerList[T]) emit(v T) {
	l.mu.Lock()
	subs := append([]observer[T](nil), l.subs...)
	l.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

func (l *observerList[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
