package voxel

import (
	"crypto/sha256"
	"encoding/binary"
)

// Cell is one voxel: a material id plus a flags byte for
// orientation/attribute bits the renderer cares about.
type Cell struct {
	Material uint16 `json:"m"`
	Flags    uint8  `json:"f"`
}

// Chunk is a dense size^3 block of cells.
type Chunk struct {
	Pos   ChunkPos
	Cells []Cell // len = size*size*size

	size  int
	dirty bool
	hash  [32]byte
}

func NewChunk(pos ChunkPos, size int, fill Cell) *Chunk {
	c := &Chunk{
		Pos:   pos,
		Cells: make([]Cell, size*size*size),
		size:  size,
		dirty: true,
	}
	if fill != (Cell{}) {
		for i := range c.Cells {
			c.Cells[i] = fill
		}
	}
	return c
}

func (c *Chunk) Size() int { return c.size }

func (c *Chunk) index(x, y, z int) int {
	// x fastest, then z, then y
	return x + z*c.size + y*c.size*c.size
}

func (c *Chunk) Get(x, y, z int) Cell {
	return c.Cells[c.index(x, y, z)]
}

func (c *Chunk) Set(x, y, z int, v Cell) bool {
	i := c.index(x, y, z)
	if c.Cells[i] == v {
		return false
	}
	c.Cells[i] = v
	c.dirty = true
	return true
}

// Digest hashes the cell contents deterministically. Cached until the
// next Set that changes a cell.
func (c *Chunk) Digest() [32]byte {
	if c.dirty || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [3]byte
		for _, v := range c.Cells {
			binary.LittleEndian.PutUint16(tmp[:2], v.Material)
			tmp[2] = v.Flags
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.dirty = false
	}
	return c.hash
}

// Clone returns a deep copy safe to hand off the owning goroutine.
func (c *Chunk) Clone() *Chunk {
	cp := &Chunk{
		Pos:   c.Pos,
		Cells: make([]Cell, len(c.Cells)),
		size:  c.size,
		dirty: c.dirty,
		hash:  c.hash,
	}
	copy(cp.Cells, c.Cells)
	return cp
}
