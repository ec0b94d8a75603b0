package grid

type ChangeKind int

const (
	StructureBuilt ChangeKind = iota + 1
	StructureRemoved
	ItemsChanged
	DoorChanged
	FloorChanged
	DoorLockChanged
)

func (k ChangeKind) String() string {
	switch k {
	case StructureBuilt:
		return "STRUCTURE_BUILT"
	case StructureRemoved:
		return "STRUCTURE_REMOVED"
	case ItemsChanged:
		return "ITEMS_CHANGED"
	case DoorChanged:
		return "DOOR_CHANGED"
	case FloorChanged:
		return "FLOOR_CHANGED"
	case DoorLockChanged:
		return "DOOR_LOCK_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// Topology reports whether the change can alter movement costs or connectivity.
func (k ChangeKind) Topology() bool {
	switch k {
	case StructureBuilt, StructureRemoved, FloorChanged, DoorLockChanged:
		return true
	}
	return false
}

type Change struct {
	Kind      ChangeKind
	Pos       Pos
	Structure *Structure

	// ItemsChanged only.
	Item  string
	Delta int
}

type listener struct {
	id int
	fn func(Change)
}

// OnChange registers fn for every mutation, in registration order.
// The returned func unsubscribes.
func (g *Grid) OnChange(fn func(Change)) (unsubscribe func()) {
	g.nextListener++
	id := g.nextListener
	g.listeners = append(g.listeners, listener{id: id, fn: fn})
	return func() {
		for i, l := range g.listeners {
			if l.id == id {
				g.listeners = append(g.listeners[:i:i], g.listeners[i+1:]...)
				return
			}
		}
	}
}

func (g *Grid) emit(c Change) {
	for _, l := range g.listeners {
		l.fn(c)
	}
}
