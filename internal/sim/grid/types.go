package grid

import (
	"errors"
	"math"

	"tilecraft.ai/internal/sim/inventory"
)

var (
	ErrOutOfBounds = errors.New("grid: out of bounds")
	ErrOccupied    = errors.New("grid: tile occupied")
	ErrNoStructure = errors.New("grid: no structure")
	ErrBlocked     = errors.New("grid: tile blocked")
	ErrMixedStack  = errors.New("grid: tile holds a different item")
)

type Pos struct {
	X int
	Y int
}

func (p Pos) Add(d Pos) Pos { return Pos{X: p.X + d.X, Y: p.Y + d.Y} }

func (p Pos) ToArray() [2]int { return [2]int{p.X, p.Y} }

func PosFromArray(a [2]int) Pos { return Pos{X: a[0], Y: a[1]} }

// Dirs4 is the fixed orthogonal neighbour order (N, E, S, W). Region floods and
// material searches depend on it for determinism.
var Dirs4 = [4]Pos{{X: 0, Y: -1}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: -1, Y: 0}}

// Dirs8 is Dirs4 followed by the diagonals (NE, SE, SW, NW).
var Dirs8 = [8]Pos{
	{X: 0, Y: -1}, {X: 1, Y: 0}, {X: 0, Y: 1}, {X: -1, Y: 0},
	{X: 1, Y: -1}, {X: 1, Y: 1}, {X: -1, Y: 1}, {X: -1, Y: -1},
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Chebyshev is the king-move distance.
func Chebyshev(a, b Pos) int {
	dx, dy := absInt(a.X-b.X), absInt(a.Y-b.Y)
	if dx > dy {
		return dx
	}
	return dy
}

func Euclidean(a, b Pos) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

// Octile is the shortest 8-way distance on an unobstructed cost-1 grid.
func Octile(a, b Pos) float64 {
	dx, dy := absInt(a.X-b.X), absInt(a.Y-b.Y)
	lo, hi := dx, dy
	if lo > hi {
		lo, hi = hi, lo
	}
	return float64(hi-lo) + float64(lo)*math.Sqrt2
}

// StepDistance is 1 for orthogonal steps and sqrt(2) for diagonal ones.
func StepDistance(a, b Pos) float64 {
	if a.X != b.X && a.Y != b.Y {
		return math.Sqrt2
	}
	return 1
}

type BehaviorKind string

const (
	BehaviorDoor      BehaviorKind = "DOOR"
	BehaviorContainer BehaviorKind = "CONTAINER"
)

// Behavior is the typed per-kind state of a structure.
type Behavior interface {
	Kind() BehaviorKind
}

// Door opens gradually; agents wait on a closed door until Openness reaches 1.
type Door struct {
	Open     bool
	Openness float64
	Locked   bool
}

func (*Door) Kind() BehaviorKind { return BehaviorDoor }

// Container is storage whose contents count toward the region tally.
type Container struct {
	Inv *inventory.Inventory
}

func (*Container) Kind() BehaviorKind { return BehaviorContainer }

type Structure struct {
	Type         string
	Constructed  bool
	MovementCost float64
	RoomBlocking bool
	Behavior     Behavior
}

func (s *Structure) Door() (*Door, bool) {
	if s == nil {
		return nil, false
	}
	d, ok := s.Behavior.(*Door)
	return d, ok
}

func (s *Structure) Container() (*Container, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.Behavior.(*Container)
	return c, ok
}

type Tile struct {
	Pos       Pos
	Index     int
	Floor     float64
	Structure *Structure
	Stack     *inventory.Stack
}
