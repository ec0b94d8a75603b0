// Package scenario loads map descriptions (size, floor, prebuilt structures, item stacks, agents
// and standing orders) and applies them to a fresh world.
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tilecraft.ai/internal/sim/grid"
	"tilecraft.ai/internal/sim/world"
)

//go:embed scenario.schema.json
var schemaJSON []byte

const schemaURL = "scenario.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

type Scenario struct {
	Name       string      `json:"name"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Floor      []FloorRect `json:"floor,omitempty"`
	Structures []Placement `json:"structures,omitempty"`
	Items      []ItemDrop  `json:"items,omitempty"`
	Agents     [][2]int    `json:"agents,omitempty"`
	Orders     []Order     `json:"orders,omitempty"`
}

// FloorRect sets the floor cost of every tile in [From, To]. A missing To means a single tile.
type FloorRect struct {
	From [2]int  `json:"from"`
	To   *[2]int `json:"to,omitempty"`
	Cost float64 `json:"cost"`
}

// Placement fills [From, To] with finished structures of Type.
type Placement struct {
	Type   string  `json:"type"`
	From   [2]int  `json:"from"`
	To     *[2]int `json:"to,omitempty"`
	Locked bool    `json:"locked,omitempty"`
}

type ItemDrop struct {
	Item  string `json:"item"`
	Pos   [2]int `json:"pos"`
	Count int    `json:"count"`
}

const (
	OpBuild       = "BUILD"
	OpDeconstruct = "DECONSTRUCT"
)

type Order struct {
	Op   string `json:"op"`
	Type string `json:"type,omitempty"`
	Pos  [2]int `json:"pos"`
}

func Load(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse validates data against the scenario schema and decodes it.
func Parse(data []byte) (*Scenario, error) {
	sch, err := compiled()
	if err != nil {
		return nil, fmt.Errorf("compile scenario schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	var s Scenario
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks what the schema cannot: every coordinate must lie inside the map.
func (s *Scenario) Validate() error {
	in := func(p [2]int) bool { return p[0] >= 0 && p[1] >= 0 && p[0] < s.Width && p[1] < s.Height }
	rect := func(what string, i int, from [2]int, to *[2]int) error {
		if !in(from) {
			return fmt.Errorf("%s[%d]: from %v outside %dx%d", what, i, from, s.Width, s.Height)
		}
		if to != nil && !in(*to) {
			return fmt.Errorf("%s[%d]: to %v outside %dx%d", what, i, *to, s.Width, s.Height)
		}
		return nil
	}
	for i, f := range s.Floor {
		if err := rect("floor", i, f.From, f.To); err != nil {
			return err
		}
	}
	for i, p := range s.Structures {
		if err := rect("structures", i, p.From, p.To); err != nil {
			return err
		}
	}
	for i, it := range s.Items {
		if !in(it.Pos) {
			return fmt.Errorf("items[%d]: %v outside map", i, it.Pos)
		}
	}
	for i, a := range s.Agents {
		if !in(a) {
			return fmt.Errorf("agents[%d]: %v outside map", i, a)
		}
	}
	for i, o := range s.Orders {
		if !in(o.Pos) {
			return fmt.Errorf("orders[%d]: %v outside map", i, o.Pos)
		}
	}
	return nil
}

// Config sizes cfg for the scenario map.
func (s *Scenario) Config(cfg world.WorldConfig) world.WorldConfig {
	cfg.Width = s.Width
	cfg.Height = s.Height
	return cfg
}

// Apply lays the scenario out on w in file order: floor, structures, items, agents and finally
// orders. It must run before the world loop starts.
func (s *Scenario) Apply(w *world.World) error {
	for i, f := range s.Floor {
		for _, p := range tiles(f.From, f.To) {
			if err := w.SetFloor(p, f.Cost); err != nil {
				return fmt.Errorf("floor[%d]: %w", i, err)
			}
		}
	}
	for i, pl := range s.Structures {
		for _, p := range tiles(pl.From, pl.To) {
			if err := w.ConstructInstant(p, pl.Type); err != nil {
				return fmt.Errorf("structures[%d] at %v: %w", i, p, err)
			}
			if pl.Locked {
				if err := w.SetDoorLocked(p, true); err != nil {
					return fmt.Errorf("structures[%d] lock %v: %w", i, p, err)
				}
			}
		}
	}
	for i, it := range s.Items {
		if _, err := w.DropItems(grid.PosFromArray(it.Pos), it.Item, it.Count); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
	}
	for i, a := range s.Agents {
		if _, err := w.AddAgent(grid.PosFromArray(a)); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
	}
	for i, o := range s.Orders {
		p := grid.PosFromArray(o.Pos)
		var err error
		switch o.Op {
		case OpBuild:
			_, err = w.PostBuild(p, o.Type)
		case OpDeconstruct:
			_, err = w.PostDeconstruct(p)
		default:
			err = fmt.Errorf("unknown op %q", o.Op)
		}
		if err != nil {
			return fmt.Errorf("orders[%d]: %w", i, err)
		}
	}
	return nil
}

// tiles lists the rectangle spanned by from and to, row by row.
func tiles(from [2]int, to *[2]int) []grid.Pos {
	x0, y0 := from[0], from[1]
	x1, y1 := x0, y0
	if to != nil {
		x1, y1 = to[0], to[1]
	}
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	out := make([]grid.Pos, 0, (x1-x0+1)*(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			out = append(out, grid.Pos{X: x, Y: y})
		}
	}
	return out
}
