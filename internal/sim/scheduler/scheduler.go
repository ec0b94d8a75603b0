package scheduler

import (
	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/logger"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/jobs"
	"tilecraft.ai/internal/sim/pathfind"
	"tilecraft.ai/internal/sim/regions"
	"tilecraft.ai/internal/sim/tilegraph"
)

type EventKind string

const (
	EventAssigned    EventKind = "ASSIGNED"
	EventHaulCreated EventKind = "HAUL_CREATED"
	EventPickedUp    EventKind = "PICKED_UP"
	EventDelivered   EventKind = "DELIVERED"
	EventPromoted    EventKind = "PROMOTED"
	EventCompleted   EventKind = "COMPLETED"
	EventCancelled   EventKind = "CANCELLED"
	EventUnreachable EventKind = "UNREACHABLE"
	EventDropped     EventKind = "DROPPED"
)

// Env is the world surface the scheduler runs against.
type Env interface {
	Grid() *grid.Grid
	Partition() *regions.Partitioner
	// Graph returns the cached movement graph, triggering a rebuild when absent.
	Graph() (*tilegraph.Graph, bool)
	NextJobID() string
	JobEvent(kind EventKind, j *jobs.Job, a *Agent)
}

type Config struct {
	// WorkRate scales dt into job work time.
	WorkRate float64
	// DoorOpenRate is door openness gained per second of pushing.
	DoorOpenRate float64
}

type Scheduler struct {
	env Env
	cfg Config
	log *logrus.Entry
}

func New(env Env, cfg Config, log *logrus.Entry) *Scheduler {
	if cfg.WorkRate <= 0 {
		cfg.WorkRate = 1
	}
	if cfg.DoorOpenRate <= 0 {
		cfg.DoorOpenRate = 2
	}
	return &Scheduler{env: env, cfg: cfg, log: logger.Or(log).WithField("component", "scheduler")}
}

// Step advances one agent by dt seconds. It never blocks and never fails; problems degrade to
// stalling or quarantining the agent's job.
func (s *Scheduler) Step(a *Agent, dt float64) {
	defer a.deriveState()

	if a.Parent == nil && a.Current == nil {
		j, _ := s.env.Partition().FindJob(a.Pos)
		if j == nil {
			return
		}
		s.take(a, j)
	}

	if a.Current == nil && a.Parent != nil {
		if !a.Parent.NeedsMaterial() {
			s.promote(a)
		} else if !s.resolveMaterials(a) {
			return
		}
	}

	if a.Current != nil {
		s.advance(a, dt)
	}
}

// Attach re-registers the agent's slot handlers, e.g. after a snapshot restore.
func (s *Scheduler) Attach(a *Agent) {
	if a.Parent != nil {
		s.subscribe(a, a.Parent)
	}
	if a.Current != nil && a.Current != a.Parent {
		s.subscribe(a, a.Current)
	}
	a.deriveState()
}

func (s *Scheduler) take(a *Agent, j *jobs.Job) {
	s.subscribe(a, j)
	if j.NeedsMaterial() {
		a.Parent = j
	} else {
		a.Current = j
	}
	a.deriveState()
	s.env.JobEvent(EventAssigned, j, a)
}

func (s *Scheduler) subscribe(a *Agent, j *jobs.Job) {
	if a.subs == nil {
		a.subs = map[*jobs.Job][]func(){}
	}
	if _, ok := a.subs[j]; ok {
		return
	}
	a.subs[j] = []func(){
		j.OnComplete(func(j *jobs.Job) { s.ended(a, j, true) }),
		j.OnCancel(func(j *jobs.Job) { s.ended(a, j, false) }),
	}
}

// ended is the shared completion/cancellation handler. Jobs no longer in a slot are ignored.
func (s *Scheduler) ended(a *Agent, j *jobs.Job, completed bool) {
	if a.Current != j && a.Parent != j {
		return
	}
	a.unsubscribe(j)
	if a.Current == j {
		if completed && j.Haul != nil {
			s.applyHaul(a, j)
		}
		a.Current = nil
		a.dropPath()
	}
	if a.Parent == j {
		a.Parent = nil
		if cur := a.Current; cur != nil && cur.Haul != nil && cur.Haul.Parent == j {
			cur.Cancel()
		}
	}
	a.deriveState()
	if completed {
		s.env.JobEvent(EventCompleted, j, a)
	} else {
		s.env.JobEvent(EventCancelled, j, a)
	}
}

func (s *Scheduler) promote(a *Agent) {
	a.Current = a.Parent
	a.Parent = nil
	a.dropPath()
	a.deriveState()
	s.env.JobEvent(EventPromoted, a.Current, a)
}

// quarantine abandons the root job the agent is working towards: it goes to its region's
// unreachable list and the agent returns to idle.
func (s *Scheduler) quarantine(a *Agent) {
	root := a.Parent
	if root == nil {
		root = a.Current
	}
	if cur := a.Current; cur != nil && cur != root {
		a.unsubscribe(cur)
		cur.Cancel()
	}
	a.unsubscribe(root)
	a.Parent = nil
	a.Current = nil
	a.dropPath()
	a.deriveState()
	if root == nil {
		return
	}
	s.env.Partition().Quarantine(root)
	s.log.WithFields(logrus.Fields{"agent": a.ID, "job": root.ID}).Info("job unreachable")
	s.env.JobEvent(EventUnreachable, root, a)
}

// advance walks towards the current job and works it once in range.
func (s *Scheduler) advance(a *Agent, dt float64) {
	j := a.Current
	if !a.HasNext && s.inWorkRange(a.Pos, j) {
		a.dropPath()
		j.DoWork(dt * s.cfg.WorkRate)
		return
	}

	if a.Path == nil || a.Dest != j.Tile {
		if a.HasNext {
			// Finish the step already in flight before replanning.
			s.move(a, dt)
			return
		}
		graph, ok := s.env.Graph()
		if !ok {
			return
		}
		tiles := pathfind.FindPathAny(graph, a.Pos, s.workTiles(j))
		if tiles == nil {
			s.quarantine(a)
			return
		}
		a.Path = pathfind.NewPath(tiles)
		a.Dest = j.Tile
		if a.Path.Remaining() == 0 {
			return
		}
	}
	if a.Path.Remaining() == 0 && !a.HasNext {
		a.Path = nil
		return
	}
	s.move(a, dt)
}

// move makes progress on the current step, pulling the next tile from the path if needed.
func (s *Scheduler) move(a *Agent, dt float64) {
	g := s.env.Grid()
	if !a.HasNext {
		next, ok := a.Path.Peek()
		if !ok {
			return
		}
		if !g.Traversable(next) {
			// The path predates a topology change; replan next tick.
			a.dropPath()
			return
		}
		a.Path.Next()
		a.Next = next
		a.HasNext = true
		a.Progress = 0
	}

	if d, ok := g.DoorAt(a.Next); ok && !d.Open {
		if d.Locked {
			// Locked after the path was planned; the graph has been invalidated, so replan.
			a.dropPath()
			return
		}
		g.OpenDoor(a.Next, s.cfg.DoorOpenRate*dt)
		return
	}

	cost := g.MovementCost(a.Next)
	if cost <= 0 {
		cost = 1
	}
	a.Progress += a.Speed * dt / (cost * grid.StepDistance(a.Pos, a.Next))
	if a.Progress < 1 {
		return
	}
	prev := a.Pos
	a.Pos = a.Next
	a.HasNext = false
	a.Progress = 0
	if d, ok := g.DoorAt(prev); ok && d.Open {
		g.CloseDoor(prev)
	}
}

// standOnTarget reports whether agents work a job from its own tile. Tiles holding a structure
// or build site are worked from a neighbour.
func (s *Scheduler) standOnTarget(j *jobs.Job) bool {
	t := s.env.Grid().At(j.Tile)
	return t != nil && t.Structure == nil && s.env.Grid().Traversable(j.Tile)
}

func (s *Scheduler) inWorkRange(p grid.Pos, j *jobs.Job) bool {
	if p == j.Tile {
		return s.standOnTarget(j)
	}
	return s.adjacent(p, j.Tile)
}

// adjacent is king-move adjacency without cutting a blocked corner.
func (s *Scheduler) adjacent(a, b grid.Pos) bool {
	if grid.Chebyshev(a, b) != 1 {
		return false
	}
	if a.X == b.X || a.Y == b.Y {
		return true
	}
	g := s.env.Grid()
	return g.Traversable(grid.Pos{X: b.X, Y: a.Y}) && g.Traversable(grid.Pos{X: a.X, Y: b.Y})
}

func (s *Scheduler) workTiles(j *jobs.Job) []grid.Pos {
	g := s.env.Grid()
	var out []grid.Pos
	if s.standOnTarget(j) {
		out = append(out, j.Tile)
	}
	for _, d := range grid.Dirs8 {
		p := j.Tile.Add(d)
		if g.Traversable(p) && !g.IsDoor(p) && s.adjacent(p, j.Tile) {
			out = append(out, p)
		}
	}
	return out
}
