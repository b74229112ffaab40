package mesh

import (
	"errors"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

// CellSource is the voxel view a mesher reads. Reads outside loaded
// chunks yield the default cell.
type CellSource interface {
	CellAt(voxel.CellPos) voxel.Cell
	DefaultCell() voxel.Cell
	ChunkSize() int
}

type Face uint8

const (
	FacePosX Face = iota
	FaceNegX
	FacePosY
	FaceNegY
	FacePosZ
	FaceNegZ
)

var faceOffsets = [6][3]int{
	{1, 0, 0},
	{-1, 0, 0},
	{0, 1, 0},
	{0, -1, 0},
	{0, 0, 1},
	{0, 0, -1},
}

// Quad is one visible cell face. Coordinates are chunk-local.
type Quad struct {
	X, Y, Z  uint8
	Face     Face
	Material uint16
	Flags    uint8
}

// Mesher extracts visible faces: a face is emitted when the cell is
// non-default and its neighbor on that side is default. Output order
// is deterministic for a given chunk content.
type Mesher struct {
	src CellSource
}

func NewMesher(src CellSource) *Mesher {
	return &Mesher{src: src}
}

func (m *Mesher) Remesh(chunk voxel.ChunkPos) (*ChunkMesh, error) {
	if m == nil || m.src == nil {
		return nil, errors.New("mesher has no cell source")
	}
	size := m.src.ChunkSize()
	def := m.src.DefaultCell()
	org := chunk.Origin(size)

	out := &ChunkMesh{Chunk: chunk}
	for y := 0; y < size; y++ {
		for z := 0; z < size; z++ {
			for x := 0; x < size; x++ {
				p := voxel.CellPos{X: org.X + x, Y: org.Y + y, Z: org.Z + z}
				c := m.src.CellAt(p)
				if c == def {
					continue
				}
				for f, off := range faceOffsets {
					n := p.Offset(off[0], off[1], off[2])
					if m.src.CellAt(n) != def {
						continue
					}
					out.Quads = append(out.Quads, Quad{
						X:        uint8(x),
						Y:        uint8(y),
						Z:        uint8(z),
						Face:     Face(f),
						Material: c.Material,
						Flags:    c.Flags,
					})
				}
			}
		}
	}
	return out, nil
}
