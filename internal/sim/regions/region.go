// Package regions maintains 4-connected regions of non-blocking tiles, their item tallies and
// their job queues.
package regions

import (
	"sort"

	"tilecraft.ai/internal/sim/jobs"
)

type Region struct {
	ID      int
	Outside bool

	tiles map[int]struct{}
	tally map[string]int

	Queue       *jobs.Queue
	Unreachable *jobs.Queue
}

func (r *Region) Len() int { return len(r.tiles) }

func (r *Region) Has(tileIndex int) bool {
	_, ok := r.tiles[tileIndex]
	return ok
}

// Tiles returns member tile indexes in ascending order.
func (r *Region) Tiles() []int {
	out := make([]int, 0, len(r.tiles))
	for i := range r.tiles {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (r *Region) Count(item string) int { return r.tally[item] }

func (r *Region) Tally() map[string]int {
	out := make(map[string]int, len(r.tally))
	for k, v := range r.tally {
		out[k] = v
	}
	return out
}

func (r *Region) addTally(item string, n int) {
	if n == 0 {
		return
	}
	v := r.tally[item] + n
	if v <= 0 {
		delete(r.tally, item)
		return
	}
	r.tally[item] = v
}

func (r *Region) addTallyMap(m map[string]int, sign int) {
	for k, v := range m {
		r.addTally(k, sign*v)
	}
}

// HasJob reports whether j sits in the queue or the unreachable list.
func (r *Region) HasJob(j *jobs.Job) bool {
	return r.Queue.Contains(j) || r.Unreachable.Contains(j)
}
