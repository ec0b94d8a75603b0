// Package pathfind runs A* over a tilegraph snapshot.
package pathfind

import (
	"container/heap"
	"math"

	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/tilegraph"
)

type openItem struct {
	node int
	f    float64
	seq  int
}

// openSet orders by f, then by insertion sequence so equal-f expansions are deterministic.
type openSet []openItem

func (h openSet) Len() int { return len(h) }
func (h openSet) Less(i, j int) bool {
	if h[i].f != h[j].f {
		return h[i].f < h[j].f
	}
	return h[i].seq < h[j].seq
}
func (h openSet) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *openSet) Push(x any)   { *h = append(*h, x.(openItem)) }
func (h *openSet) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// StepCost is the cost of traversing e: destination cost times 1 or sqrt(2).
func StepCost(e tilegraph.Edge) float64 {
	if e.Diagonal {
		return e.Cost * math.Sqrt2
	}
	return e.Cost
}

// FindPath returns the tiles from start to goal inclusive, or nil when either is absent from
// the graph or goal is unreachable.
func FindPath(g *tilegraph.Graph, start, goal grid.Pos) []grid.Pos {
	return FindPathAny(g, start, []grid.Pos{goal})
}

// FindPathAny searches towards the cheapest of several goals. The heuristic is the Euclidean
// distance to the nearest goal.
func FindPathAny(g *tilegraph.Graph, start grid.Pos, goals []grid.Pos) []grid.Pos {
	if g == nil || len(goals) == 0 {
		return nil
	}
	sn, ok := g.Node(start)
	if !ok {
		return nil
	}
	goalSet := make(map[int]bool, len(goals))
	targets := make([]grid.Pos, 0, len(goals))
	for _, p := range goals {
		n, ok := g.Node(p)
		if !ok {
			continue
		}
		goalSet[n.Index] = true
		targets = append(targets, p)
	}
	if len(targets) == 0 {
		return nil
	}
	h := func(p grid.Pos) float64 {
		best := math.Inf(1)
		for _, t := range targets {
			if d := grid.Euclidean(p, t); d < best {
				best = d
			}
		}
		return best
	}

	size := g.Len()
	gScore := make([]float64, size)
	for i := range gScore {
		gScore[i] = math.Inf(1)
	}
	from := make([]int, size)
	for i := range from {
		from[i] = -1
	}
	closed := make([]bool, size)

	seq := 0
	open := &openSet{}
	gScore[sn.Index] = 0
	heap.Push(open, openItem{node: sn.Index, f: h(start), seq: seq})

	for open.Len() > 0 {
		cur := heap.Pop(open).(openItem)
		if closed[cur.node] {
			continue
		}
		if goalSet[cur.node] {
			return reconstruct(g, from, cur.node)
		}
		closed[cur.node] = true
		node := g.ByIndex(cur.node)
		for _, e := range node.Edges {
			if closed[e.To] {
				continue
			}
			tentative := gScore[cur.node] + StepCost(e)
			if tentative >= gScore[e.To] {
				continue
			}
			gScore[e.To] = tentative
			from[e.To] = cur.node
			seq++
			heap.Push(open, openItem{node: e.To, f: tentative + h(g.ByIndex(e.To).Pos), seq: seq})
		}
	}
	return nil
}

func reconstruct(g *tilegraph.Graph, from []int, end int) []grid.Pos {
	var rev []grid.Pos
	for i := end; i != -1; i = from[i] {
		rev = append(rev, g.ByIndex(i).Pos)
	}
	out := make([]grid.Pos, len(rev))
	for i := range rev {
		out[i] = rev[len(rev)-1-i]
	}
	return out
}

// PathCost sums step costs along path. It returns +Inf if any hop has no edge.
func PathCost(g *tilegraph.Graph, path []grid.Pos) float64 {
	total := 0.0
	for i := 1; i < len(path); i++ {
		e, ok := g.EdgeBetween(path[i-1], path[i])
		if !ok {
			return math.Inf(1)
		}
		total += StepCost(e)
	}
	return total
}
