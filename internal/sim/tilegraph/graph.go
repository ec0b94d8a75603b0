// Package tilegraph builds the immutable 8-way movement graph of a tile grid.
package tilegraph

import (
	"tilecraft.ai/internal/sim/grid"
)

// Source is the read surface a graph is built from. Both *grid.Grid and *grid.Frozen satisfy it.
type Source interface {
	Size() (int, int)
	MovementCost(p grid.Pos) float64
	// Traversable is false for impassable ground, solid structures and locked doors.
	Traversable(p grid.Pos) bool
}

type Edge struct {
	To   int
	Cost float64
	// Diagonal edges are charged sqrt(2) times Cost by the path finder.
	Diagonal bool
}

type Node struct {
	Index int
	Pos   grid.Pos
	// Walkable nodes can be entered; others only appear as search origins.
	Walkable bool
	Edges    []Edge
}

type Graph struct {
	width  int
	height int
	nodes  []Node
}

// Build creates one node per tile. An edge exists towards every traversable neighbour, except
// diagonals that would cut the corner of a non-traversable orthogonal tile.
func Build(src Source) *Graph {
	w, h := src.Size()
	g := &Graph{width: w, height: h, nodes: make([]Node, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := grid.Pos{X: x, Y: y}
			n := &g.nodes[y*w+x]
			n.Index = y*w + x
			n.Pos = p
			n.Walkable = src.Traversable(p)
			for _, d := range grid.Dirs8 {
				q := p.Add(d)
				if q.X < 0 || q.Y < 0 || q.X >= w || q.Y >= h {
					continue
				}
				if !src.Traversable(q) {
					continue
				}
				diag := d.X != 0 && d.Y != 0
				if diag {
					if !src.Traversable(grid.Pos{X: p.X + d.X, Y: p.Y}) ||
						!src.Traversable(grid.Pos{X: p.X, Y: p.Y + d.Y}) {
						continue
					}
				}
				cost := src.MovementCost(q)
				if cost <= 0 {
					// Zero-cost doors move like plain floor.
					cost = 1
				}
				n.Edges = append(n.Edges, Edge{To: q.Y*w + q.X, Cost: cost, Diagonal: diag})
			}
		}
	}
	return g
}

func (g *Graph) Size() (int, int) { return g.width, g.height }

func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node at p, or false when p is outside the graph.
func (g *Graph) Node(p grid.Pos) (*Node, bool) {
	if g == nil || p.X < 0 || p.Y < 0 || p.X >= g.width || p.Y >= g.height {
		return nil, false
	}
	return &g.nodes[p.Y*g.width+p.X], true
}

func (g *Graph) ByIndex(i int) *Node {
	if g == nil || i < 0 || i >= len(g.nodes) {
		return nil
	}
	return &g.nodes[i]
}

// EdgeBetween returns the edge a->b if one exists.
func (g *Graph) EdgeBetween(a, b grid.Pos) (Edge, bool) {
	n, ok := g.Node(a)
	if !ok {
		return Edge{}, false
	}
	to := b.Y*g.width + b.X
	for _, e := range n.Edges {
		if e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// EdgeCount is the total number of directed edges.
func (g *Graph) EdgeCount() int {
	n := 0
	for i := range g.nodes {
		n += len(g.nodes[i].Edges)
	}
	return n
}
