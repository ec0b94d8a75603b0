package scheduler

import (
	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/jobs"
)

// resolveMaterials turns the parent's outstanding requirements into one hauling job. It reports
// false when the parent had to be abandoned.
func (s *Scheduler) resolveMaterials(a *Agent) bool {
	p := a.Parent
	useful := s.carriesUseful(a, p)
	if a.Inv.Full() && !useful {
		s.dropSurplus(a, p)
	}
	if a.Inv.Satisfies(p.Requirements) || (a.Inv.Full() && useful) {
		s.startHaul(a, jobs.HaulDeliver, p.Tile, "", 0)
		return true
	}

	for _, req := range p.Requirements {
		if a.Inv.Free() == 0 {
			break
		}
		have := a.Inv.Count(req.Item)
		if have >= req.Count {
			continue
		}
		src, avail, ok := s.findSource(a.Pos, req.Item)
		if !ok {
			continue
		}
		n := req.Count - have
		if free := a.Inv.Free(); free < n {
			n = free
		}
		if avail < n {
			n = avail
		}
		s.startHaul(a, jobs.HaulPickup, src, req.Item, n)
		return true
	}

	if useful {
		// Nothing left to fetch; hand over what is carried.
		s.startHaul(a, jobs.HaulDeliver, p.Tile, "", 0)
		return true
	}
	s.log.WithFields(logrus.Fields{"agent": a.ID, "job": p.ID}).Debug("no reachable material source")
	s.quarantine(a)
	return false
}

func (s *Scheduler) carriesUseful(a *Agent, p *jobs.Job) bool {
	for _, r := range p.Requirements {
		if a.Inv.Count(r.Item) > 0 {
			return true
		}
	}
	return false
}

func (s *Scheduler) startHaul(a *Agent, mode jobs.HaulMode, tile grid.Pos, item string, n int) {
	h := jobs.New(s.env.NextJobID(), jobs.KindHaul, tile, 0, nil)
	h.Haul = &jobs.Haul{Mode: mode, Item: item, Count: n, Parent: a.Parent}
	s.subscribe(a, h)
	a.Current = h
	a.dropPath()
	a.deriveState()
	s.env.JobEvent(EventHaulCreated, h, a)
}

// applyHaul performs the transfer of a finished hauling job.
func (s *Scheduler) applyHaul(a *Agent, h *jobs.Job) {
	g := s.env.Grid()
	switch h.Haul.Mode {
	case jobs.HaulPickup:
		n := h.Haul.Count
		if free := a.Inv.Free(); free < n {
			n = free
		}
		taken := g.TakeItems(h.Tile, h.Haul.Item, n)
		a.Inv.Add(h.Haul.Item, taken)
		if taken > 0 {
			s.env.JobEvent(EventPickedUp, h, a)
		}
	case jobs.HaulDeliver:
		p := h.Haul.Parent
		if p == nil || p.Done() {
			return
		}
		delivered := 0
		for _, r := range append(p.Requirements[:0:0], p.Requirements...) {
			used := p.Deliver(r.Item, a.Inv.Count(r.Item))
			a.Inv.Remove(r.Item, used)
			delivered += used
		}
		if delivered > 0 {
			s.env.JobEvent(EventDelivered, h, a)
		}
	}
}

// findSource is a breadth-first search from pos over traversable tiles and unlocked doors for
// the nearest tile holding item.
func (s *Scheduler) findSource(from grid.Pos, item string) (grid.Pos, int, bool) {
	g := s.env.Grid()
	if !g.InBounds(from) {
		return grid.Pos{}, 0, false
	}
	seen := make([]bool, g.Len())
	queue := []grid.Pos{from}
	seen[g.Index(from)] = true
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if n := g.ItemCount(p, item); n > 0 {
			return p, n, true
		}
		for _, d := range grid.Dirs4 {
			q := p.Add(d)
			if !g.InBounds(q) || seen[g.Index(q)] || !g.Traversable(q) {
				continue
			}
			seen[g.Index(q)] = true
			queue = append(queue, q)
		}
	}
	return grid.Pos{}, 0, false
}

// dropSurplus puts down carried items the parent does not need so the agent can pick up
// what it does.
func (s *Scheduler) dropSurplus(a *Agent, p *jobs.Job) {
	g := s.env.Grid()
	for _, st := range a.Inv.Items() {
		if p.Outstanding(st.Item) > 0 {
			continue
		}
		for _, d := range append([]grid.Pos{{}}, grid.Dirs8[:]...) {
			at := a.Pos.Add(d)
			if g.IsDoor(at) || !g.Traversable(at) {
				continue
			}
			if t := g.At(at); t != nil && t.Structure != nil {
				continue
			}
			n, err := g.AddItems(at, st.Item, st.Count)
			if err != nil || n == 0 {
				continue
			}
			a.Inv.Remove(st.Item, n)
			s.env.JobEvent(EventDropped, p, a)
			break
		}
	}
}
