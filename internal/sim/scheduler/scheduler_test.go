package scheduler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/inventory"
	"tilecraft.ai/internal/sim/jobs"
	"tilecraft.ai/internal/sim/regions"
	"tilecraft.ai/internal/sim/tilegraph"
)

type recorded struct {
	kind     EventKind
	jobID    string
	haulMode jobs.HaulMode
	state    State
	rootReqs int
}

type testEnv struct {
	g      *grid.Grid
	part   *regions.Partitioner
	cache  *tilegraph.Cache
	ids    int
	root   *jobs.Job
	events []recorded
	doors  int
}

func newTestEnv(g *grid.Grid) *testEnv {
	e := &testEnv{g: g}
	e.part = regions.New(g, nil, nil)
	e.cache = tilegraph.NewCache(func() tilegraph.Source { return g }, false, nil)
	g.OnChange(func(c grid.Change) {
		if c.Kind.Topology() {
			e.cache.Invalidate()
		}
		switch c.Kind {
		case grid.StructureBuilt:
			e.part.OnStructureBuilt(c.Pos)
		case grid.StructureRemoved:
			e.part.OnStructureRemoved(c.Pos)
		case grid.ItemsChanged:
			e.part.OnItemsChanged(c.Pos, c.Item, c.Delta)
		case grid.DoorChanged:
			e.doors++
		}
	})
	return e
}

func (e *testEnv) Grid() *grid.Grid                { return e.g }
func (e *testEnv) Partition() *regions.Partitioner { return e.part }
func (e *testEnv) Graph() (*tilegraph.Graph, bool) { return e.cache.Get() }

func (e *testEnv) NextJobID() string {
	e.ids++
	return fmt.Sprintf("H%d", e.ids)
}

func (e *testEnv) JobEvent(k EventKind, j *jobs.Job, a *Agent) {
	r := recorded{kind: k, jobID: j.ID, state: a.State}
	if j.Haul != nil {
		r.haulMode = j.Haul.Mode
	}
	if e.root != nil {
		r.rootReqs = len(e.root.Requirements)
	}
	e.events = append(e.events, r)
}

func wall() *grid.Structure {
	return &grid.Structure{Type: "WALL", Constructed: true, RoomBlocking: true}
}

func run(t *testing.T, s *Scheduler, a *Agent, dt float64, max int, until func() bool) {
	t.Helper()
	for i := 0; i < max; i++ {
		if until() {
			return
		}
		s.Step(a, dt)
	}
	require.True(t, until(), "condition not reached after %d ticks (agent %+v)", max, a)
}

func TestScheduler_HaulingChain(t *testing.T) {
	g := grid.New(12, 6, 1)
	for _, p := range []grid.Pos{{X: 8, Y: 1}, {X: 9, Y: 1}, {X: 10, Y: 1}, {X: 8, Y: 3}, {X: 9, Y: 3}} {
		_, err := g.AddItems(p, "WOOD", 2)
		require.NoError(t, err)
	}
	env := newTestEnv(g)
	require.Equal(t, 10, env.part.Outside().Count("WOOD"))

	build := jobs.New("J1", jobs.KindBuild, grid.Pos{X: 2, Y: 2}, 1, []inventory.Stack{{Item: "WOOD", Count: 10}})
	env.root = build
	env.part.Enqueue(build)

	s := New(env, Config{WorkRate: 1}, nil)
	a := NewAgent("A1", grid.Pos{X: 5, Y: 4}, 4, 20)
	assert.Equal(t, StateIdle, a.State)

	run(t, s, a, 0.25, 2000, build.Done)

	assert.Equal(t, jobs.OutcomeCompleted, build.Outcome())
	assert.Equal(t, StateIdle, a.State)
	assert.True(t, a.Inv.Empty())
	assert.Equal(t, 0, env.part.Outside().Count("WOOD"))

	var pickups, promoted int
	var delivered bool
	require.NotEmpty(t, env.events)
	first := env.events[0]
	assert.Equal(t, EventAssigned, first.kind)
	assert.Equal(t, StateAwaitingMaterial, first.state, "a job with requirements becomes the parent")
	for _, ev := range env.events {
		switch ev.kind {
		case EventPickedUp:
			pickups++
			assert.False(t, delivered, "pickups happen before delivery")
		case EventDelivered:
			delivered = true
			assert.Equal(t, 0, ev.rootReqs)
		case EventPromoted:
			promoted++
			assert.True(t, delivered, "promotion only after delivery")
			assert.Equal(t, 0, ev.rootReqs, "requirements empty before promotion")
			assert.Equal(t, StateExecuting, ev.state)
		case EventHaulCreated:
			assert.Equal(t, StateHauling, ev.state)
		}
	}
	assert.Equal(t, 5, pickups)
	assert.Equal(t, 1, promoted)
	last := env.events[len(env.events)-1]
	assert.Equal(t, EventCompleted, last.kind)
	assert.Equal(t, "J1", last.jobID)
}

func TestScheduler_AbandonAndRetry(t *testing.T) {
	g := grid.New(10, 8, 1)
	env := newTestEnv(g)
	target := grid.Pos{X: 6, Y: 4}
	j := jobs.New("J1", jobs.KindBuild, target, 1, nil)
	env.part.Enqueue(j)

	s := New(env, Config{}, nil)
	a := NewAgent("A1", grid.Pos{X: 1, Y: 1}, 1, 10)
	s.Step(a, 0.5)
	s.Step(a, 0.5)
	require.Equal(t, StateExecuting, a.State)

	for _, d := range grid.Dirs8 {
		require.NoError(t, g.PlaceStructure(target.Add(d), wall()))
	}
	enclosed := env.part.RegionAt(target)
	require.NotNil(t, enclosed)
	require.False(t, enclosed.Outside)

	run(t, s, a, 0.5, 200, func() bool { return a.State == StateIdle })
	assert.Nil(t, a.Current)
	assert.Nil(t, a.Parent)
	assert.Nil(t, a.Path)
	assert.True(t, enclosed.Unreachable.Contains(j))
	assert.False(t, enclosed.Queue.Contains(j))
	assert.Equal(t, 0, j.Subscribers(), "agent callbacks unregistered")
	assert.False(t, j.Done())

	for i := 0; i < 5; i++ {
		s.Step(a, 0.5)
	}
	assert.Equal(t, StateIdle, a.State, "quarantined job is not retried")

	_, err := g.RemoveStructure(target.Add(grid.Pos{X: -1}))
	require.NoError(t, err)
	r := env.part.RegionAt(target)
	require.True(t, r.Outside, "enclosure merged into outside")
	assert.Equal(t, 1, env.part.ResetUnreachableJobs(r))

	run(t, s, a, 0.5, 400, j.Done)
	assert.Equal(t, jobs.OutcomeCompleted, j.Outcome())
}

func TestScheduler_OpensAndClosesDoors(t *testing.T) {
	g := grid.New(7, 5, 1)
	doorPos := grid.Pos{X: 3, Y: 2}
	for y := 0; y < 5; y++ {
		p := grid.Pos{X: 3, Y: y}
		if p == doorPos {
			require.NoError(t, g.PlaceStructure(p, &grid.Structure{Type: "DOOR", Constructed: true, MovementCost: 1, RoomBlocking: true, Behavior: &grid.Door{}}))
			continue
		}
		require.NoError(t, g.PlaceStructure(p, wall()))
	}
	env := newTestEnv(g)
	j := jobs.New("J1", jobs.KindBuild, grid.Pos{X: 5, Y: 2}, 0.5, nil)
	env.part.Enqueue(j)

	s := New(env, Config{DoorOpenRate: 2}, nil)
	a := NewAgent("A1", grid.Pos{X: 1, Y: 2}, 2, 10)
	run(t, s, a, 0.25, 400, j.Done)

	assert.GreaterOrEqual(t, env.doors, 2, "door opened and closed")
	d, _ := g.DoorAt(doorPos)
	assert.False(t, d.Open, "door closed behind the agent")
	assert.GreaterOrEqual(t, a.Pos.X, 4)
}

// doorColumn walls off x=4 of a 9x10 grid with a door at (4,2) and, when gap is set, an
// opening at (4,8).
func doorColumn(t *testing.T, g *grid.Grid, locked, gap bool) grid.Pos {
	t.Helper()
	door := grid.Pos{X: 4, Y: 2}
	for y := 0; y < 10; y++ {
		p := grid.Pos{X: 4, Y: y}
		switch {
		case p == door:
			require.NoError(t, g.PlaceStructure(p, &grid.Structure{Type: "DOOR", Constructed: true, MovementCost: 1, RoomBlocking: true, Behavior: &grid.Door{Locked: locked}}))
		case gap && y == 8:
		default:
			require.NoError(t, g.PlaceStructure(p, wall()))
		}
	}
	return door
}

func (e *testEnv) sawUnreachable() bool {
	for _, r := range e.events {
		if r.kind == EventUnreachable {
			return true
		}
	}
	return false
}

func TestScheduler_RoutesAroundLockedDoor(t *testing.T) {
	g := grid.New(9, 10, 1)
	door := doorColumn(t, g, true, true)
	env := newTestEnv(g)
	j := jobs.New("J1", jobs.KindBuild, grid.Pos{X: 7, Y: 2}, 0.5, nil)
	env.part.Enqueue(j)

	s := New(env, Config{DoorOpenRate: 2}, nil)
	a := NewAgent("A1", grid.Pos{X: 1, Y: 2}, 2, 10)
	run(t, s, a, 0.25, 600, j.Done)

	assert.Equal(t, jobs.OutcomeCompleted, j.Outcome())
	assert.False(t, env.sawUnreachable(), "reachable job must not be quarantined")
	d, _ := g.DoorAt(door)
	assert.True(t, d.Locked)
	assert.False(t, d.Open)
}

func TestScheduler_ReplansWhenDoorLockedEnRoute(t *testing.T) {
	g := grid.New(9, 10, 1)
	door := doorColumn(t, g, false, true)
	env := newTestEnv(g)
	j := jobs.New("J1", jobs.KindBuild, grid.Pos{X: 7, Y: 2}, 0.5, nil)
	env.part.Enqueue(j)

	s := New(env, Config{DoorOpenRate: 2}, nil)
	a := NewAgent("A1", grid.Pos{X: 1, Y: 2}, 2, 10)
	run(t, s, a, 0.25, 100, func() bool { return a.Path != nil && a.Pos.X >= 2 })
	require.NoError(t, g.LockDoor(door, true))

	run(t, s, a, 0.25, 600, j.Done)
	assert.Equal(t, jobs.OutcomeCompleted, j.Outcome())
	assert.False(t, env.sawUnreachable())
}

func TestScheduler_LockedEnRouteWithoutDetourQuarantines(t *testing.T) {
	g := grid.New(9, 10, 1)
	door := doorColumn(t, g, false, false)
	env := newTestEnv(g)
	j := jobs.New("J1", jobs.KindBuild, grid.Pos{X: 7, Y: 2}, 0.5, nil)
	env.part.Enqueue(j)

	s := New(env, Config{DoorOpenRate: 2}, nil)
	a := NewAgent("A1", grid.Pos{X: 1, Y: 2}, 2, 10)
	run(t, s, a, 0.25, 100, func() bool { return a.Path != nil && a.Pos.X >= 2 })
	require.NoError(t, g.LockDoor(door, true))

	run(t, s, a, 0.25, 100, env.sawUnreachable)
	assert.False(t, j.Done())
	assert.True(t, env.part.RegionForJob(j).Unreachable.Contains(j))
	assert.LessOrEqual(t, a.Pos.X, 3, "agent stayed west of the locked door")
}

func TestScheduler_CancelClearsSlot(t *testing.T) {
	g := grid.New(10, 3, 1)
	env := newTestEnv(g)
	j := jobs.New("J1", jobs.KindBuild, grid.Pos{X: 8, Y: 1}, 5, nil)
	env.part.Enqueue(j)

	s := New(env, Config{}, nil)
	a := NewAgent("A1", grid.Pos{X: 0, Y: 1}, 1, 10)
	s.Step(a, 0.5)
	require.Same(t, j, a.Current)

	j.Cancel()
	assert.Nil(t, a.Current)
	assert.Nil(t, a.Path)
	assert.Equal(t, StateIdle, a.State)

	s.Step(a, 0.5)
	assert.Equal(t, StateIdle, a.State)
}

func TestScheduler_PartialDeliveryThenQuarantine(t *testing.T) {
	g := grid.New(8, 4, 1)
	env := newTestEnv(g)
	j := jobs.New("J1", jobs.KindBuild, grid.Pos{X: 5, Y: 1}, 1, []inventory.Stack{{Item: "WOOD", Count: 10}})
	env.part.Enqueue(j)

	s := New(env, Config{}, nil)
	a := NewAgent("A1", grid.Pos{X: 1, Y: 1}, 2, 10)
	a.Inv.Add("WOOD", 3)

	run(t, s, a, 0.25, 400, func() bool { return env.part.Outside().Unreachable.Contains(j) })
	assert.Equal(t, 7, j.Outstanding("WOOD"), "carried wood was delivered first")
	assert.True(t, a.Inv.Empty())
	assert.Equal(t, StateIdle, a.State)
}

func TestScheduler_IdleWithoutWork(t *testing.T) {
	env := newTestEnv(grid.New(3, 3, 1))
	s := New(env, Config{}, nil)
	a := NewAgent("A1", grid.Pos{X: 1, Y: 1}, 1, 1)
	s.Step(a, 1)
	assert.Equal(t, StateIdle, a.State)
	assert.Nil(t, a.ActiveJob())
	assert.Empty(t, env.events)
}
