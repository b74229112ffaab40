package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name,omitempty"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
}

type HelloCapabilities struct {
	BatchDiffs bool `json:"batch_diffs,omitempty"`
	MaxPending int  `json:"max_pending,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	TickRateHz        int    `json:"tick_rate_hz"`
	ChunkSize         int    `json:"chunk_size"`
	Seed              int64  `json:"seed"`
	BoundaryR         int    `json:"boundary_r,omitempty"`
	DefaultMaterialID uint16 `json:"default_material_id"`
	DefaultFlags      uint8  `json:"default_flags"`
}

// DIFF (client -> server): a batch of requested cell writes.
type DiffMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ReqID           string      `json:"req_id,omitempty"`
	Cells           []CellWrite `json:"cells"`
}

type CellWrite struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Z        int    `json:"z"`
	Material uint16 `json:"m"`
	Flags    uint8  `json:"f,omitempty"`
}

// ACK (server -> client)
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for,omitempty"`
	Accepted        int    `json:"accepted"`
	Rejected        int    `json:"rejected,omitempty"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick,omitempty"`
}

// ERROR (server -> client), also sent before closing on a fatal
// handshake problem.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

// SUBSCRIBE (observer -> server)
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ObserverName    string `json:"observer_name,omitempty"`
	WantMeshes      bool   `json:"want_meshes,omitempty"`
}

// SUBSCRIBED (server -> observer)
type SubscribedMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	WorldParams     WorldParams `json:"world_params"`
	Window          WindowStats `json:"window"`
}

// WindowStats is the rolling-window summary sent on subscribe.
type WindowStats struct {
	Ticks    uint64 `json:"ticks"`
	Diffs    int    `json:"diffs"`
	Dirty    int    `json:"dirty"`
	Remeshes int    `json:"remeshes"`
	Uploads  int    `json:"uploads"`
	Failures int    `json:"failures"`
}

// TICK (server -> observer): one frame's scheduler outcome.
type TickMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Tick            uint64     `json:"tick"`
	Diffs           int        `json:"diffs"`
	Dirty           int        `json:"dirty"`
	Remeshed        int        `json:"remeshed"`
	Uploaded        int        `json:"uploaded"`
	Failures        int        `json:"failures"`
	Backlog         BacklogRef `json:"backlog"`
	DurationMicros  int64      `json:"dur_us,omitempty"`
	LoadedChunks    int        `json:"loaded_chunks,omitempty"`
	Dropped         []DropRef  `json:"dropped,omitempty"`
}

type BacklogRef struct {
	Diffs   int `json:"diffs"`
	Dirty   int `json:"dirty"`
	Remesh  int `json:"remesh"`
	Uploads int `json:"uploads"`
}

// DropRef names one work item dropped during the tick.
type DropRef struct {
	Class string `json:"class"`
	Item  string `json:"item"`
}

// MESH (server -> observer): one uploaded chunk mesh.
type MeshMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CX              int    `json:"cx"`
	CY              int    `json:"cy"`
	CZ              int    `json:"cz"`
	Faces           int    `json:"faces"`
	Encoding        string `json:"encoding"`
	Data            []byte `json:"data"`
}
