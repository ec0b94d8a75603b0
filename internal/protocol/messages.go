package protocol

// HELLO (client -> server). Optional; without it a session receives every stream.
type HelloMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Client          string   `json:"client,omitempty"`
	Streams         []string `json:"streams,omitempty"`
}

// BOOTSTRAP (server -> client): the full picture a new observer starts from.
type BootstrapMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	SessionID       string           `json:"session_id,omitempty"`
	WorldID         string           `json:"world_id"`
	Tick            uint64           `json:"tick"`
	TickRateHz      int              `json:"tick_rate_hz"`
	Width           int              `json:"width"`
	Height          int              `json:"height"`
	Catalogs        CatalogDigests   `json:"catalogs"`
	Floor           FloorLayer       `json:"floor"`
	Structures      []StructureState `json:"structures"`
	Stacks          []StackState     `json:"stacks"`
	Agents          []AgentState     `json:"agents"`
	Jobs            []JobState       `json:"jobs"`
}

type CatalogDigests struct {
	Structures DigestRef `json:"structures"`
	Items      DigestRef `json:"items"`
}

type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// FloorLayer is the palette + run-length encoded floor cost of every tile in row order.
type FloorLayer struct {
	Palette  []float64 `json:"palette"`
	Encoding string    `json:"encoding"`
	Data     string    `json:"data"`
}

type StructureState struct {
	Pos      [2]int `json:"pos"`
	Type     string `json:"type"`
	Built    bool   `json:"built"`
	DoorOpen bool   `json:"door_open,omitempty"`
	Locked   bool   `json:"locked,omitempty"`
}

type StackState struct {
	Pos   [2]int `json:"pos"`
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type ItemCount struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type AgentState struct {
	ID      string      `json:"id"`
	Pos     [2]int      `json:"pos"`
	Next    *[2]int     `json:"next,omitempty"`
	State   string      `json:"state"`
	JobID   string      `json:"job_id,omitempty"`
	Parent  string      `json:"parent_id,omitempty"`
	Carried []ItemCount `json:"carried,omitempty"`
}

type JobState struct {
	ID           string      `json:"id"`
	Kind         string      `json:"kind"`
	Pos          [2]int      `json:"pos"`
	WorkLeft     float64     `json:"work_left"`
	Requirements []ItemCount `json:"requirements,omitempty"`
	Structure    string      `json:"structure,omitempty"`
	Region       int         `json:"region,omitempty"`
}

// AGENT (server -> client): one agent whose observable state changed this tick.
type AgentMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Tick            uint64     `json:"tick"`
	Agent           AgentState `json:"agent"`
}

// JOB (server -> client): one job lifecycle event.
type JobMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	Event           string   `json:"event"`
	AgentID         string   `json:"agent_id,omitempty"`
	Job             JobState `json:"job"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
