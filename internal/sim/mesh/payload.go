package mesh

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

// ChunkMesh is one chunk's finished face list, ready for upload. An
// empty quad list is valid and means the chunk renders nothing.
type ChunkMesh struct {
	Chunk voxel.ChunkPos
	Quads []Quad
}

func (m *ChunkMesh) FaceCount() int {
	if m == nil {
		return 0
	}
	return len(m.Quads)
}

// Wire form: zstd-compressed little-endian buffer of
//
//	int32 cx, cy, cz
//	uint32 quad count
//	per quad: x, y, z, face (4 bytes), material uint16, flags uint8
const quadBytes = 7

// EncodePayload serializes the mesh for transport.
func (m *ChunkMesh) EncodePayload() ([]byte, error) {
	raw := make([]byte, 0, 16+len(m.Quads)*quadBytes)
	var scratch [4]byte

	put32 := func(v int32) {
		binary.LittleEndian.PutUint32(scratch[:], uint32(v))
		raw = append(raw, scratch[:]...)
	}
	put32(int32(m.Chunk.X))
	put32(int32(m.Chunk.Y))
	put32(int32(m.Chunk.Z))
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(m.Quads)))
	raw = append(raw, scratch[:]...)

	for _, q := range m.Quads {
		raw = append(raw, q.X, q.Y, q.Z, byte(q.Face))
		binary.LittleEndian.PutUint16(scratch[:2], q.Material)
		raw = append(raw, scratch[0], scratch[1], q.Flags)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePayload parses a payload produced by EncodePayload.
func DecodePayload(b []byte) (*ChunkMesh, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("mesh payload: %w", err)
	}
	if len(raw) < 16 {
		return nil, fmt.Errorf("mesh payload truncated: %d bytes", len(raw))
	}

	m := &ChunkMesh{
		Chunk: voxel.ChunkPos{
			X: int(int32(binary.LittleEndian.Uint32(raw[0:4]))),
			Y: int(int32(binary.LittleEndian.Uint32(raw[4:8]))),
			Z: int(int32(binary.LittleEndian.Uint32(raw[8:12]))),
		},
	}
	count := binary.LittleEndian.Uint32(raw[12:16])
	body := raw[16:]
	if len(body) != int(count)*quadBytes {
		return nil, fmt.Errorf("mesh payload: %d quads declared, %d bytes of body", count, len(body))
	}
	m.Quads = make([]Quad, count)
	for i := range m.Quads {
		off := i * quadBytes
		m.Quads[i] = Quad{
			X:        body[off],
			Y:        body[off+1],
			Z:        body[off+2],
			Face:     Face(body[off+3]),
			Material: binary.LittleEndian.Uint16(body[off+4 : off+6]),
			Flags:    body[off+6],
		}
	}
	return m, nil
}
