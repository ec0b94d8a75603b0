package inventory

import "sort"

// Stack is an item type and a count. Requirement lists and tile stacks share it.
type Stack struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

// Inventory is a bounded bag of items carried by an agent or held by a container.
// A capacity <= 0 means unbounded.
type Inventory struct {
	capacity int
	items    map[string]int
}

func New(capacity int) *Inventory {
	return &Inventory{capacity: capacity, items: map[string]int{}}
}

func (inv *Inventory) Capacity() int { return inv.capacity }

func (inv *Inventory) Count(item string) int {
	if inv == nil {
		return 0
	}
	return inv.items[item]
}

func (inv *Inventory) Total() int {
	if inv == nil {
		return 0
	}
	n := 0
	for _, c := range inv.items {
		n += c
	}
	return n
}

// Free is the remaining capacity, or a large number when unbounded.
func (inv *Inventory) Free() int {
	if inv.capacity <= 0 {
		return int(^uint(0) >> 1)
	}
	free := inv.capacity - inv.Total()
	if free < 0 {
		return 0
	}
	return free
}

func (inv *Inventory) Full() bool {
	return inv.capacity > 0 && inv.Total() >= inv.capacity
}

func (inv *Inventory) Empty() bool { return inv.Total() == 0 }

// Add stores up to n items and returns how many fit.
func (inv *Inventory) Add(item string, n int) int {
	if n <= 0 || item == "" {
		return 0
	}
	if free := inv.Free(); n > free {
		n = free
	}
	if n <= 0 {
		return 0
	}
	inv.items[item] += n
	return n
}

// Remove takes up to n items and returns how many were taken.
func (inv *Inventory) Remove(item string, n int) int {
	if n <= 0 {
		return 0
	}
	have := inv.items[item]
	if n > have {
		n = have
	}
	if n <= 0 {
		return 0
	}
	if have-n <= 0 {
		delete(inv.items, item)
	} else {
		inv.items[item] = have - n
	}
	return n
}

// Satisfies reports whether every requirement is covered by what is carried.
func (inv *Inventory) Satisfies(reqs []Stack) bool {
	for _, r := range reqs {
		if inv.Count(r.Item) < r.Count {
			return false
		}
	}
	return true
}

// Items returns the contents sorted by item id.
func (inv *Inventory) Items() []Stack {
	if inv == nil {
		return nil
	}
	out := make([]Stack, 0, len(inv.items))
	for item, c := range inv.items {
		if c > 0 {
			out = append(out, Stack{Item: item, Count: c})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	return out
}

// Map returns a copy of the contents.
func (inv *Inventory) Map() map[string]int {
	out := make(map[string]int, len(inv.items))
	for k, v := range inv.items {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

// TransferTo moves up to n items into dst and returns how many moved.
func (inv *Inventory) TransferTo(dst *Inventory, item string, n int) int {
	if n > inv.Count(item) {
		n = inv.Count(item)
	}
	moved := dst.Add(item, n)
	inv.Remove(item, moved)
	return moved
}
