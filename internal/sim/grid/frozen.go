package grid

// Frozen is an immutable copy of the movement-relevant tile state. It is safe to read
// from a background goroutine while the live grid keeps changing.
type Frozen struct {
	width  int
	height int
	cost   []float64
	walk   []bool
}

func (g *Grid) Freeze() *Frozen {
	f := &Frozen{
		width:  g.width,
		height: g.height,
		cost:   make([]float64, len(g.tiles)),
		walk:   make([]bool, len(g.tiles)),
	}
	for i := range g.tiles {
		p := g.tiles[i].Pos
		f.cost[i] = g.MovementCost(p)
		f.walk[i] = g.Traversable(p)
	}
	return f
}

func (f *Frozen) Size() (int, int) { return f.width, f.height }

func (f *Frozen) inBounds(p Pos) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < f.width && p.Y < f.height
}

func (f *Frozen) MovementCost(p Pos) float64 {
	if !f.inBounds(p) {
		return 0
	}
	return f.cost[p.Y*f.width+p.X]
}

func (f *Frozen) Traversable(p Pos) bool {
	if !f.inBounds(p) {
		return false
	}
	return f.walk[p.Y*f.width+p.X]
}
