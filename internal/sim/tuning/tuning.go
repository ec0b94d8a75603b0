package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickRateHz         int     `yaml:"tick_rate_hz"`
	FloorCost          float64 `yaml:"floor_cost"`
	AgentSpeed         float64 `yaml:"agent_speed"`
	WorkRate           float64 `yaml:"work_rate"`
	DoorOpenRate       float64 `yaml:"door_open_rate"`
	InventoryCapacity  int     `yaml:"inventory_capacity"`
	GraphRebuildAsync  bool    `yaml:"graph_rebuild_async"`
	SnapshotEveryTicks int     `yaml:"snapshot_every_ticks"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:         10,
		FloorCost:          1,
		AgentSpeed:         2,
		WorkRate:           1,
		DoorOpenRate:       2,
		InventoryCapacity:  20,
		SnapshotEveryTicks: 600,
	}
}

// Load reads path over Defaults; keys absent from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.TickRateHz <= 0:
		return fmt.Errorf("tick_rate_hz must be positive")
	case t.FloorCost < 0:
		return fmt.Errorf("floor_cost must not be negative")
	case t.AgentSpeed <= 0:
		return fmt.Errorf("agent_speed must be positive")
	case t.WorkRate <= 0:
		return fmt.Errorf("work_rate must be positive")
	case t.DoorOpenRate <= 0:
		return fmt.Errorf("door_open_rate must be positive")
	case t.InventoryCapacity < 0:
		return fmt.Errorf("inventory_capacity must not be negative")
	case t.SnapshotEveryTicks < 0:
		return fmt.Errorf("snapshot_every_ticks must not be negative")
	}
	return nil
}
