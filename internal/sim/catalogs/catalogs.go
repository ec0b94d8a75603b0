package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/inventory"
)

var (
	ErrUnknownStructure = errors.New("unknown structure type")
	ErrUnknownItem      = errors.New("unknown item")
)

type Catalogs struct {
	Structures StructureCatalog
	Items      ItemCatalog
}

type StructureCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]StructureDef
	PaletteDigest string
	DefsDigest    string
}

const (
	BehaviorDoor      = "DOOR"
	BehaviorContainer = "CONTAINER"
)

type StructureDef struct {
	ID           string      `json:"id"`
	MovementCost float64     `json:"movement_cost"`
	RoomBlocking bool        `json:"room_blocking"`
	Behavior     string      `json:"behavior,omitempty"` // "", "DOOR", "CONTAINER"
	Capacity     int         `json:"capacity,omitempty"`
	BuildWork    float64     `json:"build_work"`
	Cost         []ItemCount `json:"cost,omitempty"`
}

type ItemCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]ItemDef
	PaletteDigest string
	DefsDigest    string
}

type ItemDef struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // "MATERIAL","FOOD","TOOL"
	MaxStack int    `json:"max_stack,omitempty"`
}

type ItemCount struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadItems(filepath.Join(configDir, "items.json"), &c.Items); err != nil {
		return nil, err
	}
	if err := loadStructures(filepath.Join(configDir, "structures.json"), &c.Structures, &c.Items); err != nil {
		return nil, err
	}
	return &c, nil
}

// Structure returns the definition for id.
func (c *Catalogs) Structure(id string) (StructureDef, error) {
	d, ok := c.Structures.Defs[id]
	if !ok {
		return StructureDef{}, fmt.Errorf("%w: %q", ErrUnknownStructure, id)
	}
	return d, nil
}

// Costs converts the build cost into inventory stacks, in catalog order.
func (d StructureDef) Costs() []inventory.Stack {
	out := make([]inventory.Stack, 0, len(d.Cost))
	for _, c := range d.Cost {
		out = append(out, inventory.Stack{Item: c.Item, Count: c.Count})
	}
	return out
}

// NewStructure instantiates a grid structure from the definition.
func (d StructureDef) NewStructure(constructed bool) *grid.Structure {
	s := &grid.Structure{
		Type:         d.ID,
		Constructed:  constructed,
		MovementCost: d.MovementCost,
		RoomBlocking: d.RoomBlocking,
	}
	switch d.Behavior {
	case BehaviorDoor:
		s.Behavior = &grid.Door{}
	case BehaviorContainer:
		s.Behavior = &grid.Container{Inv: inventory.New(d.Capacity)}
	}
	return s
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func palette(ids []string) ([]string, map[string]uint16, string) {
	sort.Strings(ids)
	index := make(map[string]uint16, len(ids))
	for i, id := range ids {
		index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	return ids, index, sha256Hex(palJSON)
}

func loadItems(path string, out *ItemCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.DefsDigest = sha256Hex(raw)

	var defs []ItemDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("items.json: %w", err)
	}
	out.Defs = map[string]ItemDef{}
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("items.json: empty id")
		}
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("items.json: duplicate id %q", d.ID)
		}
		out.Defs[d.ID] = d
		ids = append(ids, d.ID)
	}
	out.Palette, out.Index, out.PaletteDigest = palette(ids)
	return nil
}

func loadStructures(path string, out *StructureCatalog, items *ItemCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.DefsDigest = sha256Hex(raw)

	var defs []StructureDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("structures.json: %w", err)
	}
	out.Defs = map[string]StructureDef{}
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("structures.json: empty id")
		}
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("structures.json: duplicate id %q", d.ID)
		}
		if d.MovementCost < 0 || d.BuildWork < 0 {
			return fmt.Errorf("structures.json: %s: negative cost or work", d.ID)
		}
		switch d.Behavior {
		case "", BehaviorDoor:
		case BehaviorContainer:
			if d.Capacity <= 0 {
				return fmt.Errorf("structures.json: %s: container needs capacity", d.ID)
			}
		default:
			return fmt.Errorf("structures.json: %s: unknown behavior %q", d.ID, d.Behavior)
		}
		for _, c := range d.Cost {
			if _, ok := items.Defs[c.Item]; !ok {
				return fmt.Errorf("structures.json: %s: unknown cost item %q", d.ID, c.Item)
			}
			if c.Count <= 0 {
				return fmt.Errorf("structures.json: %s: cost %s must be positive", d.ID, c.Item)
			}
		}
		out.Defs[d.ID] = d
		ids = append(ids, d.ID)
	}
	out.Palette, out.Index, out.PaletteDigest = palette(ids)
	return nil
}
