package world

import (
	"tilecraft.ai/internal/sim/tuning"
)

type WorldConfig struct {
	ID     string
	Width  int
	Height int

	FloorCost          float64
	TickRateHz         int
	AgentSpeed         float64
	WorkRate           float64
	DoorOpenRate       float64
	InventoryCapacity  int
	GraphRebuildAsync  bool
	SnapshotEveryTicks int
}

// ConfigFromTuning fills the runtime knobs of a world config from a tuning file.
func ConfigFromTuning(id string, width, height int, t tuning.Tuning) WorldConfig {
	return WorldConfig{
		ID:                 id,
		Width:              width,
		Height:             height,
		FloorCost:          t.FloorCost,
		TickRateHz:         t.TickRateHz,
		AgentSpeed:         t.AgentSpeed,
		WorkRate:           t.WorkRate,
		DoorOpenRate:       t.DoorOpenRate,
		InventoryCapacity:  t.InventoryCapacity,
		GraphRebuildAsync:  t.GraphRebuildAsync,
		SnapshotEveryTicks: t.SnapshotEveryTicks,
	}
}

func (c *WorldConfig) applyDefaults() {
	d := tuning.Defaults()
	if c.ID == "" {
		c.ID = "world_1"
	}
	if c.Width <= 0 {
		c.Width = 64
	}
	if c.Height <= 0 {
		c.Height = 64
	}
	if c.FloorCost <= 0 {
		c.FloorCost = d.FloorCost
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = d.TickRateHz
	}
	if c.AgentSpeed <= 0 {
		c.AgentSpeed = d.AgentSpeed
	}
	if c.WorkRate <= 0 {
		c.WorkRate = d.WorkRate
	}
	if c.DoorOpenRate <= 0 {
		c.DoorOpenRate = d.DoorOpenRate
	}
	if c.InventoryCapacity <= 0 {
		c.InventoryCapacity = d.InventoryCapacity
	}
	if c.SnapshotEveryTicks < 0 {
		c.SnapshotEveryTicks = 0
	}
}

// dt is the simulated seconds per tick.
func (c WorldConfig) dt() float64 { return 1 / float64(c.TickRateHz) }
