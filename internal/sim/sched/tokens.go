package sched

import (
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/mesh"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

// Work class labels, used in failure records, stats rows and the
// observer stream.
const (
	ClassCellDiff    = "cell_diff"
	ClassDirtyCell   = "dirty_cell"
	ClassChunkRemesh = "chunk_remesh"
	ClassChunkUpload = "chunk_upload"
)

// CellDiff asks for one cell to take a new value.
type CellDiff struct {
	Pos  voxel.CellPos
	Cell voxel.Cell
	Seq  uint64
}

// DirtyCell marks a cell whose applied change is not yet reflected in
// its chunk's mesh.
type DirtyCell struct {
	Pos voxel.CellPos
	Seq uint64
}

// RemeshRequest asks for one chunk's mesh to be rebuilt. At most one
// request per chunk is queued at a time.
type RemeshRequest struct {
	Chunk voxel.ChunkPos
	Seq   uint64
}

// MeshUpload carries a finished mesh toward the render sink. At most
// one upload per chunk is queued at a time; a fresher mesh for the
// same chunk replaces the queued payload without changing its place
// in line.
type MeshUpload struct {
	Chunk voxel.ChunkPos
	Mesh  *mesh.ChunkMesh
	Seq   uint64
}
