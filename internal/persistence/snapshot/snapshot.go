package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
	Digest  string `json:"digest,omitempty"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	TickRate int       `json:"tick_rate_hz"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Floor    []float64 `json:"floor"`

	Structures []StructureV1 `json:"structures"`
	Stacks     []StackV1     `json:"stacks"`
	Regions    []RegionV1    `json:"regions"`
	Jobs       []JobV1       `json:"jobs"`
	Agents     []AgentV1     `json:"agents"`

	NextJobNum   uint64 `json:"next_job_num"`
	NextAgentNum uint64 `json:"next_agent_num"`
	NextRegionID int    `json:"next_region_id"`
}

type ItemStackV1 struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type DoorV1 struct {
	Open     bool    `json:"open"`
	Openness float64 `json:"openness"`
	Locked   bool    `json:"locked"`
}

type ContainerV1 struct {
	Capacity int           `json:"capacity"`
	Items    []ItemStackV1 `json:"items"`
}

type StructureV1 struct {
	Tile         int          `json:"tile"`
	Type         string       `json:"type"`
	Constructed  bool         `json:"constructed"`
	MovementCost float64      `json:"movement_cost"`
	RoomBlocking bool         `json:"room_blocking"`
	Door         *DoorV1      `json:"door,omitempty"`
	Container    *ContainerV1 `json:"container,omitempty"`
}

type StackV1 struct {
	Tile  int    `json:"tile"`
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type RegionV1 struct {
	ID          int            `json:"id"`
	Outside     bool           `json:"outside"`
	Tiles       []int          `json:"tiles"`
	Tally       map[string]int `json:"tally"`
	Queue       []string       `json:"queue"`
	Unreachable []string       `json:"unreachable"`
}

type JobV1 struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	Tile          [2]int        `json:"tile"`
	WorkLeft      float64       `json:"work_left"`
	Requirements  []ItemStackV1 `json:"requirements,omitempty"`
	StructureType string        `json:"structure_type,omitempty"`

	HaulMode   string `json:"haul_mode,omitempty"`
	HaulItem   string `json:"haul_item,omitempty"`
	HaulCount  int    `json:"haul_count,omitempty"`
	HaulParent string `json:"haul_parent,omitempty"`
}

type AgentV1 struct {
	ID       string        `json:"id"`
	Pos      [2]int        `json:"pos"`
	Speed    float64       `json:"speed"`
	Next     [2]int        `json:"next"`
	HasNext  bool          `json:"has_next"`
	Progress float64       `json:"progress"`
	Dest     [2]int        `json:"dest"`
	HasPath  bool          `json:"has_path"`
	Path     [][2]int      `json:"path,omitempty"`
	State    string        `json:"state"`
	Parent   string        `json:"parent,omitempty"`
	Current  string        `json:"current,omitempty"`
	Capacity int           `json:"capacity"`
	Inv      []ItemStackV1 `json:"inventory,omitempty"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is repeated inside the gob body.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// Path is the conventional location of the snapshot for tick under dir.
func Path(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.snap.zst", tick))
}
