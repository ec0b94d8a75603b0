package world

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/sim/catalogs"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/inventory"
	"tilecraft.ai/internal/sim/jobs"
	"tilecraft.ai/internal/sim/scheduler"
)

// The methods in this file mutate world state and must run on the world goroutine (or before
// Run starts). Other goroutines go through Submit.

func (w *World) AddAgent(pos grid.Pos) (string, error) {
	if !w.grid.InBounds(pos) {
		return "", fmt.Errorf("add agent %v: %w", pos, grid.ErrOutOfBounds)
	}
	if !w.grid.Traversable(pos) {
		return "", fmt.Errorf("add agent %v: %w", pos, ErrNotWalkable)
	}
	w.nextAgentNum++
	id := fmt.Sprintf("A%06d", w.nextAgentNum)
	w.agents[id] = scheduler.NewAgent(id, pos, w.cfg.AgentSpeed, w.cfg.InventoryCapacity)
	w.log.WithFields(logrus.Fields{"agent": id, "x": pos.X, "y": pos.Y}).Info("agent added")
	return id, nil
}

func (w *World) structureDef(id string) (catalogs.StructureDef, error) {
	if w.cats == nil {
		return catalogs.StructureDef{}, fmt.Errorf("%w: %q (no catalogs)", catalogs.ErrUnknownStructure, id)
	}
	return w.cats.Structure(id)
}

// PostBuild places an unconstructed structure at pos and queues the BUILD job for it. Materials
// from the catalog cost become the job's requirements.
func (w *World) PostBuild(pos grid.Pos, structureType string) (string, error) {
	def, err := w.structureDef(structureType)
	if err != nil {
		return "", err
	}
	if err := w.grid.PlaceStructure(pos, def.NewStructure(false)); err != nil {
		return "", err
	}
	j := jobs.New(w.NextJobID(), jobs.KindBuild, pos, def.BuildWork, def.Costs())
	j.StructureType = structureType
	w.bindJob(j)
	w.track(j)
	w.part.Enqueue(j)
	return j.ID, nil
}

// PostDeconstruct queues a DECONSTRUCT job for the built structure at pos.
func (w *World) PostDeconstruct(pos grid.Pos) (string, error) {
	t := w.grid.At(pos)
	if t == nil {
		return "", fmt.Errorf("deconstruct %v: %w", pos, grid.ErrOutOfBounds)
	}
	if t.Structure == nil {
		return "", fmt.Errorf("deconstruct %v: %w", pos, grid.ErrNoStructure)
	}
	if !t.Structure.Constructed {
		return "", fmt.Errorf("deconstruct %v: %w", pos, ErrNotBuilt)
	}
	if w.pendingJobAt(pos) != nil {
		return "", fmt.Errorf("deconstruct %v: %w", pos, ErrJobPending)
	}
	work := 1.0
	if def, err := w.structureDef(t.Structure.Type); err == nil && def.BuildWork > 0 {
		work = def.BuildWork / 2
	}
	j := jobs.New(w.NextJobID(), jobs.KindDeconstruct, pos, work, nil)
	j.StructureType = t.Structure.Type
	w.bindJob(j)
	w.track(j)
	w.part.Enqueue(j)
	return j.ID, nil
}

// bindJob attaches the world-side effects of finishing or cancelling a root job.
func (w *World) bindJob(j *jobs.Job) {
	switch j.Kind {
	case jobs.KindBuild:
		j.OnComplete(func(j *jobs.Job) {
			if t := w.grid.At(j.Tile); t != nil && t.Structure != nil && solid(t.Structure) {
				w.displaceAgents(j.Tile)
			}
			if err := w.grid.Construct(j.Tile); err != nil {
				w.log.WithError(err).WithField("job", j.ID).Error("construct failed")
			}
		})
		j.OnCancel(func(j *jobs.Job) {
			t := w.grid.At(j.Tile)
			if t == nil || t.Structure == nil || t.Structure.Constructed || t.Structure.Type != j.StructureType {
				return
			}
			_, _ = w.grid.RemoveStructure(j.Tile)
			w.spill(j.Tile, w.delivered(j))
		})
	case jobs.KindDeconstruct:
		j.OnComplete(func(j *jobs.Job) {
			s, err := w.grid.RemoveStructure(j.Tile)
			if err != nil {
				w.log.WithError(err).WithField("job", j.ID).Warn("deconstruct target gone")
				return
			}
			if def, err := w.structureDef(s.Type); err == nil {
				w.spill(j.Tile, def.Costs())
			}
		})
	}
}

// delivered is what a build job has received so far: catalog cost minus outstanding need.
func (w *World) delivered(j *jobs.Job) []inventory.Stack {
	def, err := w.structureDef(j.StructureType)
	if err != nil {
		return nil
	}
	var out []inventory.Stack
	for _, c := range def.Costs() {
		if n := c.Count - j.Outstanding(c.Item); n > 0 {
			out = append(out, inventory.Stack{Item: c.Item, Count: n})
		}
	}
	return out
}

// ConstructInstant places a finished structure without a job.
func (w *World) ConstructInstant(pos grid.Pos, structureType string) error {
	def, err := w.structureDef(structureType)
	if err != nil {
		return err
	}
	s := def.NewStructure(true)
	if t := w.grid.At(pos); t != nil && t.Structure == nil && solid(s) {
		w.displaceAgents(pos)
	}
	return w.grid.PlaceStructure(pos, s)
}

// solid reports whether agents may not stand on s once built. Doors are walked through, not
// stood on.
func solid(s *grid.Structure) bool {
	return s.RoomBlocking || s.MovementCost == 0
}

// RemoveStructure clears pos immediately. Pending jobs targeting the tile are cancelled first.
func (w *World) RemoveStructure(pos grid.Pos) error {
	if !w.grid.InBounds(pos) {
		return fmt.Errorf("remove %v: %w", pos, grid.ErrOutOfBounds)
	}
	for j := w.pendingJobAt(pos); j != nil; j = w.pendingJobAt(pos) {
		w.cancel(j, "structure removed")
	}
	if t := w.grid.At(pos); t.Structure == nil {
		return nil
	}
	_, err := w.grid.RemoveStructure(pos)
	return err
}

// DropItems puts n of item at pos, spilling onto nearby tiles when pos cannot hold them. It
// returns how many were placed.
func (w *World) DropItems(pos grid.Pos, item string, n int) (int, error) {
	if !w.grid.InBounds(pos) {
		return 0, fmt.Errorf("drop %v: %w", pos, grid.ErrOutOfBounds)
	}
	if n <= 0 {
		return 0, nil
	}
	if w.cats != nil {
		if _, ok := w.cats.Items.Defs[item]; !ok {
			return 0, fmt.Errorf("drop %v %q: %w", pos, item, catalogs.ErrUnknownItem)
		}
	}
	lost := w.spill(pos, []inventory.Stack{{Item: item, Count: n}})
	w.resetUnreachable("items dropped")
	return n - lost, nil
}

func (w *World) SetFloor(pos grid.Pos, cost float64) error {
	return w.grid.SetFloor(pos, cost)
}

// SetDoorLocked locks or unlocks a built door. Unlocking requeues unreachable jobs.
func (w *World) SetDoorLocked(pos grid.Pos, locked bool) error {
	if err := w.grid.LockDoor(pos, locked); err != nil {
		return err
	}
	if !locked {
		w.resetUnreachable("door unlocked")
	}
	return nil
}

func (w *World) CancelJob(id string) error {
	j, ok := w.jobs[id]
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrUnknownJob)
	}
	w.cancel(j, "requested")
	return nil
}

func (w *World) cancel(j *jobs.Job, reason string) {
	w.part.Remove(j)
	if j.Cancel() {
		w.emitJobEvent(EventRemoved, j, "", reason)
	}
}

// ResetUnreachableJobs requeues every quarantined job and returns how many moved.
func (w *World) ResetUnreachableJobs() int { return w.resetUnreachable("requested") }

// GetActiveJob returns the job the agent is executing, else the one it gathers materials for.
func (w *World) GetActiveJob(agentID string) (JobView, bool, error) {
	a, ok := w.agents[agentID]
	if !ok {
		return JobView{}, false, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	j := a.ActiveJob()
	if j == nil {
		return JobView{}, false, nil
	}
	return w.jobView(j), true, nil
}

func (w *World) Agent(id string) (AgentView, bool) {
	a, ok := w.agents[id]
	if !ok {
		return AgentView{}, false
	}
	return viewOf(a), true
}

func (w *World) Agents() []AgentView {
	out := make([]AgentView, 0, len(w.agents))
	for _, a := range w.sortedAgents() {
		out = append(out, viewOf(a))
	}
	return out
}

// Jobs lists live root jobs (hauling sub-jobs excluded) by id.
func (w *World) Jobs() []JobView {
	var out []JobView
	for _, j := range w.sortedJobs() {
		if j.Haul == nil {
			out = append(out, w.jobView(j))
		}
	}
	return out
}

func (w *World) TileAt(pos grid.Pos) (TileView, bool) {
	t := w.grid.At(pos)
	if t == nil {
		return TileView{}, false
	}
	v := TileView{
		Pos:    pos.ToArray(),
		Floor:  t.Floor,
		Items:  w.grid.TileItems(pos),
		Region: regionIDOf(w.part.RegionAt(pos)),
	}
	if s := t.Structure; s != nil {
		v.Structure = s.Type
		v.Built = s.Constructed
		if d, ok := s.Door(); ok {
			v.DoorOpen = d.Open
			v.Locked = d.Locked
		}
	}
	return v, true
}

func (w *World) pendingJobAt(pos grid.Pos) *jobs.Job {
	for _, j := range w.sortedJobs() {
		if j.Haul == nil && j.Tile == pos && !j.Done() {
			return j
		}
	}
	return nil
}

// displaceAgents moves agents off a tile that is about to become solid and aborts steps into it.
func (w *World) displaceAgents(pos grid.Pos) {
	for _, a := range w.sortedAgents() {
		if a.HasNext && a.Next == pos {
			a.HasNext = false
			a.Progress = 0
			a.Path = nil
		}
		if a.Pos != pos {
			continue
		}
		for _, d := range grid.Dirs8 {
			q := pos.Add(d)
			if w.grid.Traversable(q) && !w.grid.IsDoor(q) {
				a.Pos = q
				break
			}
		}
		a.HasNext = false
		a.Progress = 0
		a.Path = nil
	}
}

// spill places stacks on pos and then on the closest tiles around it, ring by ring. It returns
// the number of items that found no place.
func (w *World) spill(pos grid.Pos, stacks []inventory.Stack) int {
	lost := 0
	maxR := w.grid.Width()
	if h := w.grid.Height(); h > maxR {
		maxR = h
	}
	for _, st := range stacks {
		left := st.Count
		for r := 0; r <= maxR && left > 0; r++ {
			for _, p := range ring(pos, r) {
				if left == 0 {
					break
				}
				if !w.grid.InBounds(p) || w.grid.BlocksRegion(p) || !w.grid.Traversable(p) {
					continue
				}
				n, err := w.grid.AddItems(p, st.Item, left)
				if err != nil {
					continue
				}
				left -= n
			}
		}
		if left > 0 {
			lost += left
			w.log.WithFields(logrus.Fields{"item": st.Item, "count": left}).Warn("no room to drop items")
		}
	}
	return lost
}

// ring lists the tiles at Chebyshev distance r from c, row by row.
func ring(c grid.Pos, r int) []grid.Pos {
	if r == 0 {
		return []grid.Pos{c}
	}
	var out []grid.Pos
	for y := c.Y - r; y <= c.Y+r; y++ {
		for x := c.X - r; x <= c.X+r; x++ {
			if y == c.Y-r || y == c.Y+r || x == c.X-r || x == c.X+r {
				out = append(out, grid.Pos{X: x, Y: y})
			}
		}
	}
	return out
}
