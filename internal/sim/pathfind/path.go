package pathfind

import "tilecraft.ai/internal/sim/grid"

// Path is a cursor over the tiles still to be walked. The origin tile is not included.
type Path struct {
	steps []grid.Pos
	i     int
}

// NewPath wraps a FindPath result, dropping its first (origin) tile.
func NewPath(tiles []grid.Pos) *Path {
	if len(tiles) == 0 {
		return nil
	}
	return &Path{steps: append([]grid.Pos(nil), tiles[1:]...)}
}

func (p *Path) Remaining() int {
	if p == nil {
		return 0
	}
	return len(p.steps) - p.i
}

func (p *Path) Peek() (grid.Pos, bool) {
	if p.Remaining() == 0 {
		return grid.Pos{}, false
	}
	return p.steps[p.i], true
}

func (p *Path) Next() (grid.Pos, bool) {
	pos, ok := p.Peek()
	if ok {
		p.i++
	}
	return pos, ok
}

// Dest is the final tile, or false for an exhausted or nil path.
func (p *Path) Dest() (grid.Pos, bool) {
	if p == nil || len(p.steps) == 0 {
		return grid.Pos{}, false
	}
	return p.steps[len(p.steps)-1], true
}

// Steps returns the unwalked tiles.
func (p *Path) Steps() []grid.Pos {
	if p.Remaining() == 0 {
		return nil
	}
	return append([]grid.Pos(nil), p.steps[p.i:]...)
}

// Resume rebuilds a cursor from unwalked steps, e.g. after a snapshot restore. Unlike NewPath
// it never returns nil.
func Resume(steps []grid.Pos) *Path {
	return &Path{steps: append([]grid.Pos(nil), steps...)}
}
