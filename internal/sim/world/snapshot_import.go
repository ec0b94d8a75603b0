package world

import (
	"fmt"

	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/inventory"
	"tilecraft.ai/internal/sim/jobs"
	"tilecraft.ai/internal/sim/pathfind"
	"tilecraft.ai/internal/sim/regions"
	"tilecraft.ai/internal/sim/scheduler"
)

// ImportSnapshot replaces the current in-memory world state with the snapshot. Regions, queues
// and agent slots are restored as recorded rather than re-derived, so the next tick continues
// exactly where the exporting world left off. On error the world is unchanged.
func (w *World) ImportSnapshot(s snapshot.SnapshotV1) error {
	if s.Header.Version != snapshot.Version {
		return fmt.Errorf("unsupported snapshot version %d", s.Header.Version)
	}
	if s.Width <= 0 || s.Height <= 0 || len(s.Floor) != s.Width*s.Height {
		return fmt.Errorf("snapshot grid %dx%d with %d floor cells", s.Width, s.Height, len(s.Floor))
	}

	g, err := importGrid(s)
	if err != nil {
		return err
	}

	byID := make(map[string]*jobs.Job, len(s.Jobs))
	for _, jv := range s.Jobs {
		if _, dup := byID[jv.ID]; dup {
			return fmt.Errorf("duplicate job %s", jv.ID)
		}
		j := jobs.New(jv.ID, jobs.Kind(jv.Kind), grid.PosFromArray(jv.Tile), jv.WorkLeft, importStacks(jv.Requirements))
		j.WorkLeft = jv.WorkLeft
		j.StructureType = jv.StructureType
		byID[jv.ID] = j
	}
	lookup := func(id string) (*jobs.Job, error) {
		if id == "" {
			return nil, nil
		}
		j, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown job %s", id)
		}
		return j, nil
	}
	for _, jv := range s.Jobs {
		if jv.HaulMode == "" {
			continue
		}
		parent, err := lookup(jv.HaulParent)
		if err != nil {
			return fmt.Errorf("job %s parent: %w", jv.ID, err)
		}
		byID[jv.ID].Haul = &jobs.Haul{Mode: jobs.HaulMode(jv.HaulMode), Item: jv.HaulItem, Count: jv.HaulCount, Parent: parent}
	}

	states := make([]regions.State, 0, len(s.Regions))
	for _, rv := range s.Regions {
		st := regions.State{ID: rv.ID, Outside: rv.Outside, Tiles: rv.Tiles, Tally: rv.Tally}
		for _, id := range rv.Queue {
			j, err := lookup(id)
			if err != nil {
				return fmt.Errorf("region %d queue: %w", rv.ID, err)
			}
			st.Queue = append(st.Queue, j)
		}
		for _, id := range rv.Unreachable {
			j, err := lookup(id)
			if err != nil {
				return fmt.Errorf("region %d unreachable: %w", rv.ID, err)
			}
			st.Unreachable = append(st.Unreachable, j)
		}
		states = append(states, st)
	}
	part := w.newPartitioner(g)
	if err := part.Restore(states, s.NextRegionID); err != nil {
		return fmt.Errorf("regions: %w", err)
	}

	agents := make(map[string]*scheduler.Agent, len(s.Agents))
	for _, av := range s.Agents {
		if _, dup := agents[av.ID]; dup {
			return fmt.Errorf("duplicate agent %s", av.ID)
		}
		a := scheduler.NewAgent(av.ID, grid.PosFromArray(av.Pos), av.Speed, av.Capacity)
		a.Next = grid.PosFromArray(av.Next)
		a.HasNext = av.HasNext
		a.Progress = av.Progress
		a.Dest = grid.PosFromArray(av.Dest)
		if av.HasPath {
			steps := make([]grid.Pos, 0, len(av.Path))
			for _, p := range av.Path {
				steps = append(steps, grid.PosFromArray(p))
			}
			a.Path = pathfind.Resume(steps)
		}
		if a.Parent, err = lookup(av.Parent); err != nil {
			return fmt.Errorf("agent %s parent: %w", av.ID, err)
		}
		if a.Current, err = lookup(av.Current); err != nil {
			return fmt.Errorf("agent %s current: %w", av.ID, err)
		}
		for _, st := range av.Inv {
			a.Inv.Add(st.Item, st.Count)
		}
		agents[av.ID] = a
	}

	// Everything validated; swap state in.
	w.cfg.Width, w.cfg.Height = s.Width, s.Height
	if s.Header.WorldID != "" {
		w.cfg.ID = s.Header.WorldID
	}
	w.install(g, part)
	w.jobs = map[string]*jobs.Job{}
	w.agents = agents
	w.views = map[string]AgentView{}
	w.nextJobNum = s.NextJobNum
	w.nextAgentNum = s.NextAgentNum

	// Subscription order matches live creation: world effects first, then agent slots, then
	// hauling sub-job tracking.
	var hauls []*jobs.Job
	for _, jv := range s.Jobs {
		j := byID[jv.ID]
		if j.Haul != nil {
			hauls = append(hauls, j)
			continue
		}
		w.bindJob(j)
		w.track(j)
	}
	for _, a := range w.sortedAgents() {
		w.sched.Attach(a)
	}
	for _, j := range hauls {
		w.track(j)
	}

	w.tick.Store(s.Header.Tick + 1)
	w.log.WithField("tick", s.Header.Tick).Info("snapshot imported")
	return nil
}

func importGrid(s snapshot.SnapshotV1) (*grid.Grid, error) {
	g := grid.New(s.Width, s.Height, 0)
	for i, f := range s.Floor {
		g.ByIndex(i).Floor = f
	}
	for _, sv := range s.Structures {
		t := g.ByIndex(sv.Tile)
		if t == nil {
			return nil, fmt.Errorf("structure tile %d out of range", sv.Tile)
		}
		st := &grid.Structure{
			Type:         sv.Type,
			Constructed:  sv.Constructed,
			MovementCost: sv.MovementCost,
			RoomBlocking: sv.RoomBlocking,
		}
		switch {
		case sv.Door != nil:
			st.Behavior = &grid.Door{Open: sv.Door.Open, Openness: sv.Door.Openness, Locked: sv.Door.Locked}
		case sv.Container != nil:
			inv := inventory.New(sv.Container.Capacity)
			for _, it := range sv.Container.Items {
				inv.Add(it.Item, it.Count)
			}
			st.Behavior = &grid.Container{Inv: inv}
		}
		t.Structure = st
	}
	for _, sv := range s.Stacks {
		t := g.ByIndex(sv.Tile)
		if t == nil {
			return nil, fmt.Errorf("stack tile %d out of range", sv.Tile)
		}
		t.Stack = &inventory.Stack{Item: sv.Item, Count: sv.Count}
	}
	return g, nil
}

func importStacks(in []snapshot.ItemStackV1) []inventory.Stack {
	out := make([]inventory.Stack, 0, len(in))
	for _, st := range in {
		out = append(out, inventory.Stack{Item: st.Item, Count: st.Count})
	}
	return out
}
