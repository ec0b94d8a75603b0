package catalogs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tilecraft.ai/internal/sim/grid"
)

func TestLoad_RepoConfigs(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.Structures.Palette) == 0 || len(c.Items.Palette) == 0 {
		t.Fatalf("empty catalogs: %+v", c)
	}
	for i := 1; i < len(c.Structures.Palette); i++ {
		if c.Structures.Palette[i-1] >= c.Structures.Palette[i] {
			t.Fatalf("palette not sorted: %v", c.Structures.Palette)
		}
	}
	if c.Structures.DefsDigest == "" || c.Items.PaletteDigest == "" {
		t.Fatalf("missing digests")
	}

	door, err := c.Structure("DOOR")
	if err != nil {
		t.Fatalf("DOOR: %v", err)
	}
	s := door.NewStructure(false)
	if _, ok := s.Door(); !ok || s.Constructed || !s.RoomBlocking {
		t.Fatalf("door structure=%+v", s)
	}
	if len(door.Costs()) == 0 {
		t.Fatalf("door has no cost")
	}

	crate, err := c.Structure("CRATE")
	if err != nil {
		t.Fatalf("CRATE: %v", err)
	}
	if ct, ok := crate.NewStructure(true).Container(); !ok || ct.Inv.Capacity() != crate.Capacity {
		t.Fatalf("crate container=%+v", ct)
	}

	if _, err := c.Structure("NOPE"); !errors.Is(err, ErrUnknownStructure) {
		t.Fatalf("expected ErrUnknownStructure, got %v", err)
	}
}

func writeConfigs(t *testing.T, items, structures string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "items.json"), []byte(items), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "structures.json"), []byte(structures), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoad_RejectsBadDefinitions(t *testing.T) {
	items := `[{"id":"WOOD","kind":"MATERIAL"}]`
	cases := map[string]string{
		"unknown cost item": `[{"id":"WALL","cost":[{"item":"GOLD","count":1}]}]`,
		"zero cost":         `[{"id":"WALL","cost":[{"item":"WOOD","count":0}]}]`,
		"bad behavior":      `[{"id":"WALL","behavior":"TRAP"}]`,
		"container no cap":  `[{"id":"BOX","behavior":"CONTAINER"}]`,
		"duplicate":         `[{"id":"WALL"},{"id":"WALL"}]`,
		"empty id":          `[{"id":""}]`,
		"negative cost":     `[{"id":"WALL","movement_cost":-1}]`,
	}
	for name, structures := range cases {
		if _, err := Load(writeConfigs(t, items, structures)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestStructureDef_PlainWall(t *testing.T) {
	d := StructureDef{ID: "WALL", RoomBlocking: true}
	s := d.NewStructure(true)
	if s.Behavior != nil {
		t.Fatalf("wall has behavior %v", s.Behavior)
	}
	g := grid.New(3, 3, 1)
	if err := g.PlaceStructure(grid.Pos{X: 1, Y: 1}, s); err != nil {
		t.Fatalf("place: %v", err)
	}
	if g.Traversable(grid.Pos{X: 1, Y: 1}) {
		t.Fatalf("wall should not be traversable")
	}
}
