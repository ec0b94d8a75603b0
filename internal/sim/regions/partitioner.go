package regions

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"tilecraft.ai/internal/logger"
	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/jobs"
)

// Partitioner owns the region set of one grid. Flood passes are serialized by mu; queue
// operations are called from the world goroutine only.
type Partitioner struct {
	g   *grid.Grid
	log *logrus.Entry

	mu       sync.Mutex
	regionOf []*Region
	regions  map[int]*Region
	outside  *Region
	nextID   int

	onCreated func(*Region, *jobs.Job)

	created   int
	destroyed int
}

// New builds the initial partition of g. onCreated fires for every first-time Enqueue.
func New(g *grid.Grid, log *logrus.Entry, onCreated func(*Region, *jobs.Job)) *Partitioner {
	p := &Partitioner{
		g:         g,
		log:       logger.Or(log).WithField("component", "regions"),
		regions:   map[int]*Region{},
		onCreated: onCreated,
	}
	p.outside = p.newRegion(true)
	p.Rebuild()
	return p
}

func (p *Partitioner) newRegion(outside bool) *Region {
	p.nextID++
	r := &Region{
		ID:      p.nextID,
		Outside: outside,
		tiles:   map[int]struct{}{},
		tally:   map[string]int{},
	}
	r.Queue = jobs.NewQueue(func(j *jobs.Job) {
		if p.onCreated != nil {
			p.onCreated(r, j)
		}
	})
	r.Unreachable = jobs.NewQueue(nil)
	p.regions[r.ID] = r
	p.created++
	return r
}

func (p *Partitioner) destroy(r *Region) {
	delete(p.regions, r.ID)
	p.destroyed++
}

func (p *Partitioner) Outside() *Region { return p.outside }

func (p *Partitioner) Region(id int) *Region { return p.regions[id] }

// Regions returns every live region ordered by id.
func (p *Partitioner) Regions() []*Region {
	out := make([]*Region, 0, len(p.regions))
	for _, r := range p.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegionAt returns the region owning pos, or nil for blocking or out-of-bounds tiles.
func (p *Partitioner) RegionAt(pos grid.Pos) *Region {
	if !p.g.InBounds(pos) {
		return nil
	}
	return p.regionOf[p.g.Index(pos)]
}

// Counters returns how many regions have been created and destroyed so far.
func (p *Partitioner) Counters() (created, destroyed int) { return p.created, p.destroyed }

func (p *Partitioner) tileTally(idx int) map[string]int {
	m := map[string]int{}
	for _, st := range p.g.TileItems(p.g.PosOf(idx)) {
		m[st.Item] += st.Count
	}
	return m
}

func (p *Partitioner) assign(idx int, r *Region) {
	if old := p.regionOf[idx]; old != nil {
		delete(old.tiles, idx)
	}
	p.regionOf[idx] = r
	if r != nil {
		r.tiles[idx] = struct{}{}
	}
}

// flood collects the 4-connected tiles reachable from seed whose current owner is within.
func (p *Partitioner) flood(seed int, within *Region, seen []bool) (tiles []int, border bool) {
	queue := []int{seed}
	seen[seed] = true
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		tiles = append(tiles, idx)
		pos := p.g.PosOf(idx)
		if p.g.IsBorder(pos) {
			border = true
		}
		for _, d := range grid.Dirs4 {
			n := pos.Add(d)
			if !p.g.InBounds(n) {
				continue
			}
			ni := p.g.Index(n)
			if seen[ni] || p.regionOf[ni] != within || p.g.BlocksRegion(n) {
				continue
			}
			seen[ni] = true
			queue = append(queue, ni)
		}
	}
	return tiles, border
}

// Rebuild recomputes every region from scratch. Components touching the map border form the
// outside region; each enclosed component becomes its own region. Queued jobs are re-homed.
func (p *Partitioner) Rebuild() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var carried []*Region
	for _, r := range p.regions {
		carried = append(carried, r)
	}
	sort.Slice(carried, func(i, j int) bool { return carried[i].ID < carried[j].ID })

	n := p.g.Len()
	p.regionOf = make([]*Region, n)
	for _, r := range p.regions {
		r.tiles = map[int]struct{}{}
		r.tally = map[string]int{}
	}

	// Mark every open tile as belonging to a sentinel so flood can bound on it.
	pending := &Region{}
	for i := 0; i < n; i++ {
		if !p.g.BlocksRegion(p.g.PosOf(i)) {
			p.regionOf[i] = pending
		}
	}
	seen := make([]bool, n)
	for i := 0; i < n; i++ {
		if p.regionOf[i] != pending || seen[i] {
			continue
		}
		comp, border := p.flood(i, pending, seen)
		target := p.outside
		if !border {
			target = p.newRegion(false)
		}
		for _, idx := range comp {
			p.regionOf[idx] = target
			target.tiles[idx] = struct{}{}
			target.addTallyMap(p.tileTally(idx), 1)
		}
	}

	for _, r := range carried {
		if r == p.outside {
			continue
		}
		p.rehomeAll(r)
		p.destroy(r)
	}
	p.rehome(p.outside)
	p.log.WithField("regions", len(p.regions)).Debug("partition rebuilt")
}

// OnStructureBuilt detaches pos from its region and re-floods the old region from each
// orthogonal neighbour.
func (p *Partitioner) OnStructureBuilt(pos grid.Pos) {
	if !p.g.InBounds(pos) || !p.g.BlocksRegion(pos) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.g.Index(pos)
	old := p.regionOf[idx]
	if old == nil {
		return
	}
	old.addTallyMap(p.tileTally(idx), -1)
	p.assign(idx, nil)

	seen := make([]bool, p.g.Len())
	var absorbers []*Region
	movedTotal := map[string]int{}
	touched := map[*Region]bool{old: true}
	for _, d := range grid.Dirs4 {
		n := pos.Add(d)
		if !p.g.InBounds(n) {
			continue
		}
		ni := p.g.Index(n)
		if seen[ni] || p.regionOf[ni] != old {
			continue
		}
		comp, border := p.flood(ni, old, seen)
		if border && old.Outside {
			// Still connected to the map edge; these tiles stay outside.
			continue
		}
		target := p.outside
		if !border {
			target = p.newRegion(false)
		}
		moved := map[string]int{}
		for _, ci := range comp {
			for k, v := range p.tileTally(ci) {
				moved[k] += v
			}
			p.assign(ci, target)
		}
		target.addTallyMap(moved, 1)
		if old.Outside {
			old.addTallyMap(moved, -1)
		} else {
			for k, v := range moved {
				movedTotal[k] += v
			}
		}
		absorbers = append(absorbers, target)
		touched[target] = true
	}

	if !old.Outside {
		if old.Len() == 0 {
			if len(absorbers) > 0 {
				old.addTallyMap(movedTotal, -1)
				absorbers[0].addTallyMap(old.tally, 1)
			}
			p.rehomeAll(old)
			p.destroy(old)
		} else {
			p.log.WithFields(logrus.Fields{
				"region": old.ID,
				"tiles":  old.Len(),
				"x":      pos.X,
				"y":      pos.Y,
			}).Error("invalid region state: region still holds tiles after split")
		}
	}
	for _, r := range p.Regions() {
		if touched[r] {
			p.rehome(r)
		}
	}
	p.log.WithFields(logrus.Fields{"x": pos.X, "y": pos.Y, "old": old.ID, "new": len(absorbers)}).Debug("structure built")
}

// OnStructureRemoved attaches the freed tile, merging every region it now connects.
func (p *Partitioner) OnStructureRemoved(pos grid.Pos) {
	if !p.g.InBounds(pos) || p.g.BlocksRegion(pos) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.g.Index(pos)
	if p.regionOf[idx] != nil {
		return
	}
	var touching []*Region
	hasOutside := p.g.IsBorder(pos)
	for _, d := range grid.Dirs4 {
		n := pos.Add(d)
		if !p.g.InBounds(n) {
			continue
		}
		r := p.regionOf[p.g.Index(n)]
		if r == nil || containsRegion(touching, r) {
			continue
		}
		if r.Outside {
			hasOutside = true
		}
		touching = append(touching, r)
	}

	var target *Region
	switch {
	case hasOutside:
		target = p.outside
	case len(touching) > 0:
		target = touching[0]
	default:
		target = p.newRegion(false)
	}
	for _, r := range touching {
		if r != target {
			p.merge(r, target)
		}
	}
	p.assign(idx, target)
	target.addTallyMap(p.tileTally(idx), 1)
	p.rehome(target)
	p.log.WithFields(logrus.Fields{"x": pos.X, "y": pos.Y, "region": target.ID, "merged": len(touching)}).Debug("structure removed")
}

func containsRegion(list []*Region, r *Region) bool {
	for _, x := range list {
		if x == r {
			return true
		}
	}
	return false
}

// merge moves every tile, tally entry and job of src into dst and destroys src.
func (p *Partitioner) merge(src, dst *Region) {
	for _, idx := range src.Tiles() {
		p.assign(idx, dst)
	}
	dst.addTallyMap(src.tally, 1)
	src.tally = map[string]int{}
	for _, j := range src.Queue.Drain() {
		dst.Queue.Adopt(j)
	}
	for _, j := range src.Unreachable.Drain() {
		dst.Unreachable.Adopt(j)
	}
	p.destroy(src)
}

// RegionForJob is the region whose queues should hold j: the region of its tile, or the first
// orthogonally adjacent region when the tile blocks, or outside.
func (p *Partitioner) RegionForJob(j *jobs.Job) *Region {
	return p.regionNear(j.Tile)
}

func (p *Partitioner) regionNear(pos grid.Pos) *Region {
	if r := p.RegionAt(pos); r != nil {
		return r
	}
	for _, d := range grid.Dirs4 {
		if r := p.RegionAt(pos.Add(d)); r != nil {
			return r
		}
	}
	return p.outside
}

// rehome moves jobs of r whose tiles now belong elsewhere, keeping queue/unreachable status.
func (p *Partitioner) rehome(r *Region) {
	for _, j := range r.Queue.Jobs() {
		if t := p.regionNear(j.Tile); t != r {
			r.Queue.Remove(j)
			t.Queue.Adopt(j)
		}
	}
	for _, j := range r.Unreachable.Jobs() {
		if t := p.regionNear(j.Tile); t != r {
			r.Unreachable.Remove(j)
			t.Unreachable.Adopt(j)
		}
	}
}

func (p *Partitioner) rehomeAll(r *Region) {
	for _, j := range r.Queue.Drain() {
		p.regionNear(j.Tile).Queue.Adopt(j)
	}
	for _, j := range r.Unreachable.Drain() {
		p.regionNear(j.Tile).Unreachable.Adopt(j)
	}
}

// AssignItemToRegion adds amount of item to r's tally.
func (p *Partitioner) AssignItemToRegion(r *Region, item string, amount int) {
	if r != nil {
		r.addTally(item, amount)
	}
}

// RemoveItemFromRegion subtracts amount; a count at or below zero drops the entry.
func (p *Partitioner) RemoveItemFromRegion(r *Region, item string, amount int) {
	if r != nil {
		r.addTally(item, -amount)
	}
}

// OnItemsChanged applies a grid item delta to the owning region's tally.
func (p *Partitioner) OnItemsChanged(pos grid.Pos, item string, delta int) {
	r := p.RegionAt(pos)
	if delta > 0 {
		p.AssignItemToRegion(r, item, delta)
	} else {
		p.RemoveItemFromRegion(r, item, -delta)
	}
}

// Enqueue routes j to its region's queue. A job already held by any queue or unreachable list
// is left where it is and no creation notification fires.
func (p *Partitioner) Enqueue(j *jobs.Job) bool {
	r := p.RegionForJob(j)
	if r.HasJob(j) || p.holder(j) != nil {
		return false
	}
	return r.Queue.Enqueue(j)
}

func (p *Partitioner) holder(j *jobs.Job) *Region {
	for _, r := range p.regions {
		if r.HasJob(j) {
			return r
		}
	}
	return nil
}

// Quarantine moves j onto its region's unreachable list.
func (p *Partitioner) Quarantine(j *jobs.Job) {
	r := p.RegionForJob(j)
	r.Queue.Remove(j)
	r.Unreachable.Adopt(j)
}

// Remove takes j out of whichever queue or unreachable list holds it.
func (p *Partitioner) Remove(j *jobs.Job) bool {
	r := p.RegionForJob(j)
	if r.Queue.Remove(j) || r.Unreachable.Remove(j) {
		return true
	}
	for _, r := range p.Regions() {
		if r.Queue.Remove(j) || r.Unreachable.Remove(j) {
			return true
		}
	}
	return false
}

// ResetUnreachableJobs moves every live job of r's unreachable list back onto its queue.
func (p *Partitioner) ResetUnreachableJobs(r *Region) int {
	n := 0
	for _, j := range r.Unreachable.Drain() {
		if j.Done() {
			continue
		}
		if r.Queue.Adopt(j) {
			n++
		}
	}
	return n
}

// ResetAllUnreachable resets every region and returns how many jobs were requeued.
func (p *Partitioner) ResetAllUnreachable() int {
	n := 0
	for _, r := range p.Regions() {
		n += p.ResetUnreachableJobs(r)
	}
	return n
}

// Neighbors lists regions reachable from r through one unlocked door, ordered by id.
func (p *Partitioner) Neighbors(r *Region) []*Region {
	seen := map[*Region]bool{r: true}
	var out []*Region
	for idx := range r.tiles {
		pos := p.g.PosOf(idx)
		for _, d := range grid.Dirs4 {
			door := pos.Add(d)
			dd, ok := p.g.DoorAt(door)
			if !ok || dd.Locked {
				continue
			}
			for _, d2 := range grid.Dirs4 {
				o := p.RegionAt(door.Add(d2))
				if o == nil || seen[o] {
					continue
				}
				seen[o] = true
				out = append(out, o)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindJob dequeues from the nearest region, breadth-first through doors, that has queued work.
// An agent standing on a door starts from the regions around it.
func (p *Partitioner) FindJob(from grid.Pos) (*jobs.Job, *Region) {
	var start []*Region
	if r := p.RegionAt(from); r != nil {
		start = append(start, r)
	} else {
		for _, d := range grid.Dirs4 {
			if r := p.RegionAt(from.Add(d)); r != nil && !containsRegion(start, r) {
				start = append(start, r)
			}
		}
	}
	seen := map[*Region]bool{}
	queue := make([]*Region, 0, len(start))
	for _, r := range start {
		seen[r] = true
		queue = append(queue, r)
	}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		if j := r.Queue.Dequeue(); j != nil {
			return j, r
		}
		for _, n := range p.Neighbors(r) {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return nil, nil
}
