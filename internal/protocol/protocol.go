package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello      = "HELLO"
	TypeWelcome    = "WELCOME"
	TypeDiff       = "DIFF"
	TypeAck        = "ACK"
	TypeError      = "ERROR"
	TypeSubscribe  = "SUBSCRIBE"
	TypeSubscribed = "SUBSCRIBED"
	TypeTick       = "TICK"
	TypeMesh       = "MESH"
)

// Mesh payload encodings.
const EncodingZstdQuads = "ZSTD_QUADS"

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
