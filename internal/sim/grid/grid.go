package grid

import (
	"fmt"

	"tilecraft.ai/internal/sim/inventory"
)

// Grid is the live tile map. It is owned by the world goroutine; background
// readers must use Freeze.
type Grid struct {
	width  int
	height int
	tiles  []Tile

	listeners    []listener
	nextListener int
}

func New(width, height int, floor float64) *Grid {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	g := &Grid{width: width, height: height, tiles: make([]Tile, width*height)}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			g.tiles[i] = Tile{Pos: Pos{X: x, Y: y}, Index: i, Floor: floor}
		}
	}
	return g
}

func (g *Grid) Size() (int, int) { return g.width, g.height }
func (g *Grid) Width() int       { return g.width }
func (g *Grid) Height() int      { return g.height }
func (g *Grid) Len() int         { return len(g.tiles) }

func (g *Grid) InBounds(p Pos) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < g.width && p.Y < g.height
}

// IsBorder reports whether p lies on the outermost ring of the map.
func (g *Grid) IsBorder(p Pos) bool {
	return p.X == 0 || p.Y == 0 || p.X == g.width-1 || p.Y == g.height-1
}

func (g *Grid) Index(p Pos) int { return p.Y*g.width + p.X }

func (g *Grid) PosOf(i int) Pos { return Pos{X: i % g.width, Y: i / g.width} }

// At returns the tile at p or nil when out of bounds.
func (g *Grid) At(p Pos) *Tile {
	if !g.InBounds(p) {
		return nil
	}
	return &g.tiles[g.Index(p)]
}

func (g *Grid) Tile(x, y int) *Tile { return g.At(Pos{X: x, Y: y}) }

func (g *Grid) ByIndex(i int) *Tile {
	if i < 0 || i >= len(g.tiles) {
		return nil
	}
	return &g.tiles[i]
}

// MovementCost is floor cost times the multiplier of a constructed structure; 0 is impassable.
func (g *Grid) MovementCost(p Pos) float64 {
	t := g.At(p)
	if t == nil {
		return 0
	}
	cost := t.Floor
	if s := t.Structure; s != nil && s.Constructed {
		cost *= s.MovementCost
	}
	return cost
}

func (g *Grid) IsDoor(p Pos) bool {
	t := g.At(p)
	if t == nil || t.Structure == nil || !t.Structure.Constructed {
		return false
	}
	_, ok := t.Structure.Door()
	return ok
}

// Traversable is the movement predicate shared by the tile graph and material searches.
// A door is traversable whatever its movement cost, unless it is locked.
func (g *Grid) Traversable(p Pos) bool {
	if d, ok := g.DoorAt(p); ok {
		return !d.Locked
	}
	return g.MovementCost(p) > 0
}

func (g *Grid) BlocksRegion(p Pos) bool {
	t := g.At(p)
	if t == nil {
		return true
	}
	s := t.Structure
	return s != nil && s.Constructed && s.RoomBlocking
}

func (g *Grid) SetFloor(p Pos, cost float64) error {
	t := g.At(p)
	if t == nil {
		return fmt.Errorf("set floor %v: %w", p, ErrOutOfBounds)
	}
	if cost < 0 {
		cost = 0
	}
	t.Floor = cost
	g.emit(Change{Kind: FloorChanged, Pos: p})
	return nil
}

// PlaceStructure puts s on an empty tile. A constructed structure is announced immediately;
// an unconstructed one is a build site and changes nothing until Construct.
func (g *Grid) PlaceStructure(p Pos, s *Structure) error {
	t := g.At(p)
	if t == nil {
		return fmt.Errorf("place %v: %w", p, ErrOutOfBounds)
	}
	if t.Structure != nil {
		return fmt.Errorf("place %v: %w", p, ErrOccupied)
	}
	if s.RoomBlocking && t.Stack != nil {
		return fmt.Errorf("place %v: %w", p, ErrBlocked)
	}
	t.Structure = s
	if s.Constructed {
		g.emit(Change{Kind: StructureBuilt, Pos: p, Structure: s})
	}
	return nil
}

func (g *Grid) Construct(p Pos) error {
	t := g.At(p)
	if t == nil {
		return fmt.Errorf("construct %v: %w", p, ErrOutOfBounds)
	}
	s := t.Structure
	if s == nil {
		return fmt.Errorf("construct %v: %w", p, ErrNoStructure)
	}
	if s.Constructed {
		return nil
	}
	if s.RoomBlocking && t.Stack != nil {
		return fmt.Errorf("construct %v: %w", p, ErrBlocked)
	}
	s.Constructed = true
	g.emit(Change{Kind: StructureBuilt, Pos: p, Structure: s})
	return nil
}

// RemoveStructure clears the tile. Container contents are destroyed with it.
func (g *Grid) RemoveStructure(p Pos) (*Structure, error) {
	t := g.At(p)
	if t == nil {
		return nil, fmt.Errorf("remove %v: %w", p, ErrOutOfBounds)
	}
	s := t.Structure
	if s == nil {
		return nil, fmt.Errorf("remove %v: %w", p, ErrNoStructure)
	}
	if c, ok := s.Container(); ok && s.Constructed && c.Inv != nil {
		for _, st := range c.Inv.Items() {
			c.Inv.Remove(st.Item, st.Count)
			g.emit(Change{Kind: ItemsChanged, Pos: p, Item: st.Item, Delta: -st.Count})
		}
	}
	t.Structure = nil
	if s.Constructed {
		g.emit(Change{Kind: StructureRemoved, Pos: p, Structure: s})
	}
	return s, nil
}

// ItemCount counts item on the tile stack and in a constructed container on the tile.
func (g *Grid) ItemCount(p Pos, item string) int {
	t := g.At(p)
	if t == nil {
		return 0
	}
	n := 0
	if t.Stack != nil && t.Stack.Item == item {
		n += t.Stack.Count
	}
	if c, ok := t.Structure.Container(); ok && t.Structure.Constructed && c.Inv != nil {
		n += c.Inv.Count(item)
	}
	return n
}

// AddItems stores items in a constructed container on the tile, else on the tile stack.
func (g *Grid) AddItems(p Pos, item string, n int) (int, error) {
	t := g.At(p)
	if t == nil {
		return 0, fmt.Errorf("add items %v: %w", p, ErrOutOfBounds)
	}
	if n <= 0 {
		return 0, nil
	}
	if c, ok := t.Structure.Container(); ok && t.Structure.Constructed && c.Inv != nil {
		added := c.Inv.Add(item, n)
		if added > 0 {
			g.emit(Change{Kind: ItemsChanged, Pos: p, Item: item, Delta: added})
		}
		return added, nil
	}
	// Blocking structures and their build sites never hold loose items.
	if t.Structure != nil && t.Structure.RoomBlocking {
		return 0, fmt.Errorf("add items %v: %w", p, ErrBlocked)
	}
	if t.Stack != nil && t.Stack.Item != item {
		return 0, fmt.Errorf("add items %v: %w", p, ErrMixedStack)
	}
	if t.Stack == nil {
		t.Stack = &inventory.Stack{Item: item}
	}
	t.Stack.Count += n
	g.emit(Change{Kind: ItemsChanged, Pos: p, Item: item, Delta: n})
	return n, nil
}

// TakeItems removes up to n items, container first, and returns how many were taken.
func (g *Grid) TakeItems(p Pos, item string, n int) int {
	t := g.At(p)
	if t == nil || n <= 0 {
		return 0
	}
	taken := 0
	if c, ok := t.Structure.Container(); ok && t.Structure.Constructed && c.Inv != nil {
		taken += c.Inv.Remove(item, n)
	}
	if taken < n && t.Stack != nil && t.Stack.Item == item {
		k := n - taken
		if k > t.Stack.Count {
			k = t.Stack.Count
		}
		t.Stack.Count -= k
		taken += k
		if t.Stack.Count <= 0 {
			t.Stack = nil
		}
	}
	if taken > 0 {
		g.emit(Change{Kind: ItemsChanged, Pos: p, Item: item, Delta: -taken})
	}
	return taken
}

// TileItems lists everything held on the tile (stack plus container).
func (g *Grid) TileItems(p Pos) []inventory.Stack {
	t := g.At(p)
	if t == nil {
		return nil
	}
	var out []inventory.Stack
	if t.Stack != nil && t.Stack.Count > 0 {
		out = append(out, *t.Stack)
	}
	if c, ok := t.Structure.Container(); ok && t.Structure.Constructed && c.Inv != nil {
		out = append(out, c.Inv.Items()...)
	}
	return out
}

func (g *Grid) DoorAt(p Pos) (*Door, bool) {
	t := g.At(p)
	if t == nil || t.Structure == nil || !t.Structure.Constructed {
		return nil, false
	}
	return t.Structure.Door()
}

// OpenDoor advances the door's opening by amount and reports whether it is open.
func (g *Grid) OpenDoor(p Pos, amount float64) bool {
	d, ok := g.DoorAt(p)
	if !ok {
		return true
	}
	if d.Locked {
		return false
	}
	if d.Open {
		return true
	}
	d.Openness += amount
	if d.Openness >= 1 {
		d.Openness = 1
		d.Open = true
		g.emit(Change{Kind: DoorChanged, Pos: p})
	}
	return d.Open
}

func (g *Grid) CloseDoor(p Pos) {
	d, ok := g.DoorAt(p)
	if !ok || (!d.Open && d.Openness == 0) {
		return
	}
	d.Open = false
	d.Openness = 0
	g.emit(Change{Kind: DoorChanged, Pos: p})
}

// LockDoor sets the lock flag of a constructed door. Locking also closes it.
func (g *Grid) LockDoor(p Pos, locked bool) error {
	d, ok := g.DoorAt(p)
	if !ok {
		return fmt.Errorf("lock %v: %w", p, ErrNoStructure)
	}
	if d.Locked == locked {
		return nil
	}
	d.Locked = locked
	if locked {
		d.Open = false
		d.Openness = 0
	}
	g.emit(Change{Kind: DoorLockChanged, Pos: p})
	return nil
}
