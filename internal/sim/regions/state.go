package regions

import (
	"fmt"

	"tilecraft.ai/internal/sim/jobs"
)

// State is the persisted form of one region.
type State struct {
	ID          int
	Outside     bool
	Tiles       []int
	Tally       map[string]int
	Queue       []*jobs.Job
	Unreachable []*jobs.Job
}

// Export returns every region ordered by id along with the id counter.
func (p *Partitioner) Export() ([]State, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []State
	for _, r := range p.Regions() {
		out = append(out, State{
			ID:          r.ID,
			Outside:     r.Outside,
			Tiles:       r.Tiles(),
			Tally:       r.Tally(),
			Queue:       r.Queue.Jobs(),
			Unreachable: r.Unreachable.Jobs(),
		})
	}
	return out, p.nextID
}

// Restore replaces the partition with states. Exactly one state must be the outside region and
// every tile index must be in range and owned once. Jobs are adopted without notification.
func (p *Partitioner) Restore(states []State, nextID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.g.Len()
	regionOf := make([]*Region, n)
	regions := map[int]*Region{}
	var outside *Region
	for _, st := range states {
		if _, dup := regions[st.ID]; dup {
			return fmt.Errorf("duplicate region id %d", st.ID)
		}
		if st.ID > nextID {
			return fmt.Errorf("region id %d beyond counter %d", st.ID, nextID)
		}
		r := &Region{ID: st.ID, Outside: st.Outside, tiles: map[int]struct{}{}, tally: map[string]int{}}
		rr := r
		r.Queue = jobs.NewQueue(func(j *jobs.Job) {
			if p.onCreated != nil {
				p.onCreated(rr, j)
			}
		})
		r.Unreachable = jobs.NewQueue(nil)
		if st.Outside {
			if outside != nil {
				return fmt.Errorf("multiple outside regions")
			}
			outside = r
		}
		for _, idx := range st.Tiles {
			if idx < 0 || idx >= n {
				return fmt.Errorf("region %d: tile %d out of range", st.ID, idx)
			}
			if regionOf[idx] != nil {
				return fmt.Errorf("region %d: tile %d already owned by region %d", st.ID, idx, regionOf[idx].ID)
			}
			regionOf[idx] = r
			r.tiles[idx] = struct{}{}
		}
		r.addTallyMap(st.Tally, 1)
		for _, j := range st.Queue {
			r.Queue.Adopt(j)
		}
		for _, j := range st.Unreachable {
			r.Unreachable.Adopt(j)
		}
		regions[r.ID] = r
	}
	if outside == nil {
		return fmt.Errorf("no outside region")
	}

	p.regionOf = regionOf
	p.regions = regions
	p.outside = outside
	p.nextID = nextID
	return nil
}

// NextID is the highest region id handed out so far.
func (p *Partitioner) NextID() int { return p.nextID }
