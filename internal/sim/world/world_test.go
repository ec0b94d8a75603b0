package world

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/scheduler"
)

var (
	catsOnce sync.Once
	cats     *catalogs.Catalogs
	catsErr  error
)

func testCatalogs(t *testing.T) *catalogs.Catalogs {
	t.Helper()
	catsOnce.Do(func() {
		cats, catsErr = catalogs.Load(filepath.Join("..", "..", "..", "configs"))
	})
	if catsErr != nil {
		t.Fatalf("load catalogs: %v", catsErr)
	}
	return cats
}

func newTestWorld(t *testing.T, width, height int) *World {
	t.Helper()
	w, err := New(WorldConfig{ID: "test", Width: width, Height: height, TickRateHz: 10, AgentSpeed: 2}, testCatalogs(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func mustDrop(t *testing.T, w *World, p grid.Pos, item string, n int) {
	t.Helper()
	if got, err := w.DropItems(p, item, n); err != nil || got != n {
		t.Fatalf("drop %s at %v: placed=%d err=%v", item, p, got, err)
	}
}

func mustAgent(t *testing.T, w *World, p grid.Pos) string {
	t.Helper()
	id, err := w.AddAgent(p)
	if err != nil {
		t.Fatalf("add agent: %v", err)
	}
	return id
}

func stepUntil(t *testing.T, w *World, max int, cond func() bool) {
	t.Helper()
	for i := 0; i < max; i++ {
		if cond() {
			return
		}
		w.StepOnce()
	}
	if !cond() {
		t.Fatalf("condition not met after %d ticks; state=%+v", max, w.State())
	}
}

func builtAt(w *World, p grid.Pos) bool {
	t := w.grid.At(p)
	return t != nil && t.Structure != nil && t.Structure.Constructed
}

// setupDoorBuild is a small scenario: wood on the east side, a door site in the middle and one
// agent in the west.
func setupDoorBuild(t *testing.T) (*World, grid.Pos) {
	w := newTestWorld(t, 16, 10)
	mustDrop(t, w, grid.Pos{X: 12, Y: 5}, "WOOD", 3)
	mustAgent(t, w, grid.Pos{X: 2, Y: 2})
	site := grid.Pos{X: 6, Y: 5}
	if _, err := w.PostBuild(site, "DOOR"); err != nil {
		t.Fatalf("post build: %v", err)
	}
	return w, site
}

func TestWorld_AgentIDsStepInCreationOrder(t *testing.T) {
	w := newTestWorld(t, 16, 10)
	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, mustAgent(t, w, grid.Pos{X: i + 1, Y: 1}))
	}
	if ids[0] != "A000001" || ids[11] != "A000012" {
		t.Fatalf("ids=%v", ids)
	}
	for i, a := range w.sortedAgents() {
		if a.ID != ids[i] {
			t.Fatalf("step order[%d]=%s want %s", i, a.ID, ids[i])
		}
	}
}

func TestWorld_BuildWithHauling(t *testing.T) {
	w, site := setupDoorBuild(t)

	var events []string
	w.OnJobEvent(func(e JobEvent) { events = append(events, e.Event) })

	stepUntil(t, w, 2000, func() bool { return builtAt(w, site) })

	if len(w.Jobs()) != 0 {
		t.Fatalf("jobs left: %+v", w.Jobs())
	}
	if w.part.Outside().Count("WOOD") != 0 {
		t.Fatalf("wood still in tally: %v", w.part.Outside().Tally())
	}
	want := []string{
		string(scheduler.EventAssigned),
		string(scheduler.EventHaulCreated),
		string(scheduler.EventPickedUp),
		string(scheduler.EventDelivered),
		string(scheduler.EventPromoted),
		string(scheduler.EventCompleted),
	}
	i := 0
	for _, e := range events {
		if i < len(want) && e == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("event order: got %v, want subsequence %v", events, want)
	}

	// The agent goes idle on the next tick.
	w.StepOnce()
	a, _ := w.Agent("A000001")
	if a.State != string(scheduler.StateIdle) || len(a.Carried) != 0 {
		t.Fatalf("agent=%+v", a)
	}
}

func TestWorld_DeterministicDigests(t *testing.T) {
	a, _ := setupDoorBuild(t)
	b, _ := setupDoorBuild(t)
	for i := 0; i < 300; i++ {
		ta, da := a.StepOnce()
		tb, db := b.StepOnce()
		if ta != tb || da != db {
			t.Fatalf("diverged at tick %d/%d: %s != %s", ta, tb, da, db)
		}
	}
}

func TestWorld_SnapshotRoundTripPreservesDigest(t *testing.T) {
	a, site := setupDoorBuild(t)
	var lastTick uint64
	for i := 0; i < 45; i++ {
		lastTick, _ = a.StepOnce()
	}
	snap := a.ExportSnapshot(lastTick)

	path := snapshot.Path(t.TempDir(), lastTick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	read, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	b := newTestWorld(t, 4, 4)
	if err := b.ImportSnapshot(read); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := b.stateDigest(lastTick); got != snap.Header.Digest {
		t.Fatalf("digest after import %s != %s", got, snap.Header.Digest)
	}
	if b.CurrentTick() != a.CurrentTick() {
		t.Fatalf("tick %d != %d", b.CurrentTick(), a.CurrentTick())
	}

	for i := 0; i < 400; i++ {
		ta, da := a.StepOnce()
		tb, db := b.StepOnce()
		if ta != tb || da != db {
			t.Fatalf("diverged after import at tick %d", ta)
		}
	}
	if !builtAt(b, site) {
		t.Fatalf("imported world did not finish the build")
	}
}

func TestWorld_ImportRejectsDanglingJobIDs(t *testing.T) {
	a, _ := setupDoorBuild(t)
	snap := a.ExportSnapshot(0)
	snap.Regions[0].Queue = append(snap.Regions[0].Queue, "T999999")

	b := newTestWorld(t, 4, 4)
	before := b.stateDigest(0)
	if err := b.ImportSnapshot(snap); err == nil {
		t.Fatalf("expected error")
	}
	if b.stateDigest(0) != before {
		t.Fatalf("failed import modified the world")
	}
}

func TestWorld_AgentChangedOncePerTick(t *testing.T) {
	w, _ := setupDoorBuild(t)
	perTick := map[uint64]map[string]int{}
	w.OnAgentChanged(func(v AgentView) {
		tick := w.CurrentTick()
		if perTick[tick] == nil {
			perTick[tick] = map[string]int{}
		}
		perTick[tick][v.ID]++
	})
	for i := 0; i < 200; i++ {
		w.StepOnce()
	}
	if len(perTick) == 0 {
		t.Fatalf("no agent notifications")
	}
	for tick, m := range perTick {
		for id, n := range m {
			if n != 1 {
				t.Fatalf("agent %s notified %d times at tick %d", id, n, tick)
			}
		}
	}

	// An idle agent with nothing to do stays quiet.
	idle := newTestWorld(t, 5, 5)
	mustAgent(t, idle, grid.Pos{X: 1, Y: 1})
	var n int
	idle.OnAgentChanged(func(AgentView) { n++ })
	for i := 0; i < 10; i++ {
		idle.StepOnce()
	}
	if n != 1 {
		t.Fatalf("idle agent notified %d times, want 1", n)
	}
}

func TestWorld_UnreachableRetriedAfterWallRemoval(t *testing.T) {
	w := newTestWorld(t, 16, 10)
	stash := grid.Pos{X: 10, Y: 5}
	mustDrop(t, w, stash, "WOOD", 2)
	for _, d := range grid.Dirs8 {
		if err := w.ConstructInstant(stash.Add(d), "WALL"); err != nil {
			t.Fatalf("wall: %v", err)
		}
	}
	mustAgent(t, w, grid.Pos{X: 2, Y: 2})
	target := grid.Pos{X: 4, Y: 5}
	id, err := w.PostBuild(target, "FURNITURE")
	if err != nil {
		t.Fatalf("post: %v", err)
	}

	outside := w.part.Outside()
	stepUntil(t, w, 500, func() bool { return outside.Unreachable.Len() == 1 })
	a, _ := w.Agent("A000001")
	if a.State != string(scheduler.StateIdle) {
		t.Fatalf("agent kept the quarantined job: %+v", a)
	}

	if err := w.RemoveStructure(stash.Add(grid.Pos{X: -1})); err != nil {
		t.Fatalf("remove wall: %v", err)
	}
	if n := w.part.Outside().Unreachable.Len(); n != 0 {
		t.Fatalf("job not requeued after removal: %d unreachable", n)
	}
	stepUntil(t, w, 2000, func() bool { return builtAt(w, target) })
	if _, ok := w.jobs[id]; ok {
		t.Fatalf("finished job still tracked")
	}
}

func TestWorld_CancelBuildRefundsDelivered(t *testing.T) {
	w := newTestWorld(t, 12, 6)
	mustDrop(t, w, grid.Pos{X: 9, Y: 1}, "WOOD", 2)
	agentID := mustAgent(t, w, grid.Pos{X: 1, Y: 1})
	site := grid.Pos{X: 5, Y: 3}
	id, err := w.PostBuild(site, "FURNITURE")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	delivered := false
	w.OnJobEvent(func(e JobEvent) {
		if e.Event == string(scheduler.EventDelivered) {
			delivered = true
		}
	})
	stepUntil(t, w, 1000, func() bool { return delivered })

	if err := w.CancelJob(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if tile := w.grid.At(site); tile.Structure != nil {
		t.Fatalf("build site left behind: %+v", tile.Structure)
	}
	if n := w.grid.ItemCount(site, "WOOD"); n != 2 {
		t.Fatalf("refund=%d want 2", n)
	}
	if _, ok, _ := w.GetActiveJob(agentID); ok {
		t.Fatalf("agent still holds the cancelled job")
	}
	if err := w.CancelJob(id); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestWorld_Deconstruct(t *testing.T) {
	w := newTestWorld(t, 8, 5)
	p := grid.Pos{X: 4, Y: 2}
	if err := w.ConstructInstant(p, "WALL"); err != nil {
		t.Fatalf("wall: %v", err)
	}
	mustAgent(t, w, grid.Pos{X: 1, Y: 2})
	var created []JobView
	w.OnJobCreated(func(j JobView) { created = append(created, j) })
	id, err := w.PostDeconstruct(p)
	if err != nil {
		t.Fatalf("deconstruct: %v", err)
	}
	if len(created) != 1 || created[0].ID != id || created[0].Kind != "DECONSTRUCT" || created[0].Region == 0 {
		t.Fatalf("created=%+v", created)
	}
	if _, err := w.PostDeconstruct(p); !errors.Is(err, ErrJobPending) {
		t.Fatalf("duplicate deconstruct: %v", err)
	}
	stepUntil(t, w, 500, func() bool { return w.grid.At(p).Structure == nil })
	if n := w.grid.ItemCount(p, "STONE"); n != 2 {
		t.Fatalf("refund STONE=%d want 2", n)
	}
	if _, err := w.PostDeconstruct(p); !errors.Is(err, grid.ErrNoStructure) {
		t.Fatalf("empty tile: %v", err)
	}
}

func TestWorld_ConstructInstantDisplacesAgents(t *testing.T) {
	w := newTestWorld(t, 5, 5)
	id := mustAgent(t, w, grid.Pos{X: 2, Y: 2})
	if err := w.ConstructInstant(grid.Pos{X: 2, Y: 2}, "WALL"); err != nil {
		t.Fatalf("wall: %v", err)
	}
	a, _ := w.Agent(id)
	if a.Pos == [2]int{2, 2} {
		t.Fatalf("agent left inside wall")
	}
	if _, err := w.PostBuild(grid.Pos{X: 2, Y: 2}, "WALL"); !errors.Is(err, grid.ErrOccupied) {
		t.Fatalf("build on wall: %v", err)
	}
	if _, err := w.PostBuild(grid.Pos{X: 0, Y: 0}, "CASTLE"); !errors.Is(err, catalogs.ErrUnknownStructure) {
		t.Fatalf("unknown type: %v", err)
	}
}

func TestWorld_AsyncGraphRebuilds(t *testing.T) {
	w, err := New(WorldConfig{Width: 16, Height: 10, TickRateHz: 10, AgentSpeed: 2, GraphRebuildAsync: true}, testCatalogs(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustDrop(t, w, grid.Pos{X: 12, Y: 5}, "WOOD", 3)
	mustAgent(t, w, grid.Pos{X: 2, Y: 2})
	site := grid.Pos{X: 6, Y: 5}
	if _, err := w.PostBuild(site, "DOOR"); err != nil {
		t.Fatalf("post: %v", err)
	}
	for i := 0; i < 3000 && !builtAt(w, site); i++ {
		w.StepOnce()
		w.graphs.Wait()
	}
	if !builtAt(w, site) {
		t.Fatalf("door not built with async graphs: %+v", w.State())
	}
	if w.Metrics().GraphBuilds == 0 {
		t.Fatalf("no graph builds recorded")
	}
}

func TestWorld_RunLoopCommands(t *testing.T) {
	w, err := New(WorldConfig{Width: 12, Height: 6, TickRateHz: 200, AgentSpeed: 4}, testCatalogs(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := make(chan snapshot.SnapshotV1, 1)
	w.SetSnapshotSink(sink)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if _, err := w.Submit(ctx, "agent", func(w *World) (any, error) { return w.AddAgent(grid.Pos{X: 1, Y: 1}) }); err != nil {
		t.Fatalf("add agent: %v", err)
	}
	if _, err := w.RequestDrop(ctx, grid.Pos{X: 9, Y: 4}, "WOOD", 2); err != nil {
		t.Fatalf("drop: %v", err)
	}
	id, err := w.RequestBuild(ctx, grid.Pos{X: 5, Y: 3}, "FURNITURE")
	if err != nil || id == "" {
		t.Fatalf("build: id=%q err=%v", id, err)
	}
	if _, err := w.RequestBuild(ctx, grid.Pos{X: 50, Y: 3}, "FURNITURE"); !errors.Is(err, grid.ErrOutOfBounds) {
		t.Fatalf("out of bounds build: %v", err)
	}

	for {
		st, err := w.RequestState(ctx)
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if len(st.Jobs) == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	tick, err := w.RequestSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	snap := <-sink
	if snap.Header.Tick != tick {
		t.Fatalf("snapshot tick %d != %d", snap.Header.Tick, tick)
	}

	w.Stop()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := w.RequestState(context.Background()); !errors.Is(err, ErrWorldStopped) {
		t.Fatalf("state after stop: %v", err)
	}
}

type tickRecorder struct {
	mu      sync.Mutex
	entries []TickLogEntry
}

func (r *tickRecorder) WriteTick(e TickLogEntry) error {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return nil
}

func TestWorld_ReadCommandsAreNotExternalInput(t *testing.T) {
	w := newTestWorld(t, 8, 8)
	rec := &tickRecorder{}
	w.SetTickLogger(rec)
	sink := make(chan snapshot.SnapshotV1, 1)
	w.SetSnapshotSink(sink)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if _, err := w.RequestState(ctx); err != nil {
		t.Fatalf("state: %v", err)
	}
	if _, err := w.RequestSnapshot(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := w.RequestSnapshot(ctx); !errors.Is(err, ErrSnapshotSinkFull) {
		t.Fatalf("second snapshot with a full sink: %v", err)
	}
	if _, err := w.RequestDrop(ctx, grid.Pos{X: 1, Y: 1}, "WOOD", 2); err != nil {
		t.Fatalf("drop: %v", err)
	}
	w.Stop()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	total := 0
	for _, e := range rec.entries {
		total += e.Commands
	}
	if total != 1 {
		t.Fatalf("logged commands=%d want 1 (only the drop mutates)", total)
	}
}
