package world

import (
	"tilecraft.ai/internal/persistence/snapshot"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/inventory"
	"tilecraft.ai/internal/sim/jobs"
)

func (w *World) ExportSnapshot(nowTick uint64) snapshot.SnapshotV1 {
	n := w.grid.Len()
	s := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.cfg.ID,
			Tick:    nowTick,
			Digest:  w.stateDigest(nowTick),
		},
		TickRate:     w.cfg.TickRateHz,
		Width:        w.cfg.Width,
		Height:       w.cfg.Height,
		Floor:        make([]float64, n),
		NextJobNum:   w.nextJobNum,
		NextAgentNum: w.nextAgentNum,
		NextRegionID: w.part.NextID(),
	}

	for i := 0; i < n; i++ {
		t := w.grid.ByIndex(i)
		s.Floor[i] = t.Floor
		if t.Stack != nil && t.Stack.Count > 0 {
			s.Stacks = append(s.Stacks, snapshot.StackV1{Tile: i, Item: t.Stack.Item, Count: t.Stack.Count})
		}
		if t.Structure != nil {
			s.Structures = append(s.Structures, exportStructure(i, t.Structure))
		}
	}

	states, _ := w.part.Export()
	for _, st := range states {
		s.Regions = append(s.Regions, snapshot.RegionV1{
			ID:          st.ID,
			Outside:     st.Outside,
			Tiles:       st.Tiles,
			Tally:       st.Tally,
			Queue:       jobIDs(st.Queue),
			Unreachable: jobIDs(st.Unreachable),
		})
	}

	for _, j := range w.sortedJobs() {
		s.Jobs = append(s.Jobs, exportJob(j))
	}

	for _, a := range w.sortedAgents() {
		av := snapshot.AgentV1{
			ID:       a.ID,
			Pos:      a.Pos.ToArray(),
			Speed:    a.Speed,
			Next:     a.Next.ToArray(),
			HasNext:  a.HasNext,
			Progress: a.Progress,
			Dest:     a.Dest.ToArray(),
			HasPath:  a.Path != nil,
			State:    string(a.State),
			Parent:   jobID(a.Parent),
			Current:  jobID(a.Current),
			Capacity: a.Inv.Capacity(),
			Inv:      exportStacks(a.Inv.Items()),
		}
		for _, p := range a.Path.Steps() {
			av.Path = append(av.Path, p.ToArray())
		}
		s.Agents = append(s.Agents, av)
	}
	return s
}

func exportStructure(idx int, st *grid.Structure) snapshot.StructureV1 {
	out := snapshot.StructureV1{
		Tile:         idx,
		Type:         st.Type,
		Constructed:  st.Constructed,
		MovementCost: st.MovementCost,
		RoomBlocking: st.RoomBlocking,
	}
	if d, ok := st.Door(); ok {
		out.Door = &snapshot.DoorV1{Open: d.Open, Openness: d.Openness, Locked: d.Locked}
	}
	if c, ok := st.Container(); ok && c.Inv != nil {
		out.Container = &snapshot.ContainerV1{Capacity: c.Inv.Capacity(), Items: exportStacks(c.Inv.Items())}
	}
	return out
}

func exportJob(j *jobs.Job) snapshot.JobV1 {
	out := snapshot.JobV1{
		ID:            j.ID,
		Kind:          string(j.Kind),
		Tile:          j.Tile.ToArray(),
		WorkLeft:      j.WorkLeft,
		Requirements:  exportStacks(j.Requirements),
		StructureType: j.StructureType,
	}
	if h := j.Haul; h != nil {
		out.HaulMode = string(h.Mode)
		out.HaulItem = h.Item
		out.HaulCount = h.Count
		out.HaulParent = jobID(h.Parent)
	}
	return out
}

func exportStacks(in []inventory.Stack) []snapshot.ItemStackV1 {
	if len(in) == 0 {
		return nil
	}
	out := make([]snapshot.ItemStackV1, 0, len(in))
	for _, st := range in {
		out = append(out, snapshot.ItemStackV1{Item: st.Item, Count: st.Count})
	}
	return out
}

func jobIDs(list []*jobs.Job) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, j := range list {
		out = append(out, j.ID)
	}
	return out
}
