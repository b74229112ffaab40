package sched

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/mesh"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/tuning"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

// ErrConfigViolation aborts a tick when the active configuration
// breaks a fixed invariant. Queue contents are untouched when it is
// returned.
var ErrConfigViolation = errors.New("configuration violation")

// Deps are the external collaborators a drain calls into. A nil
// collaborator turns every token needing it into a recorded failure;
// it never panics and never blocks the class.
type Deps struct {
	// ApplyDiff writes one cell and returns the cells whose chunk
	// mesh is affected by the write.
	ApplyDiff func(pos voxel.CellPos, v voxel.Cell) ([]voxel.CellPos, error)
	// Remesh rebuilds one chunk's mesh.
	Remesh func(chunk voxel.ChunkPos) (*mesh.ChunkMesh, error)
	// Commit hands one finished mesh to the render sink.
	Commit func(chunk voxel.ChunkPos, m *mesh.ChunkMesh) error
}

// WorkFailure records one dropped token. The token is gone; the rest
// of its class keeps draining.
type WorkFailure struct {
	Class string
	Cell  voxel.CellPos
	Chunk voxel.ChunkPos
	Err   error
}

func (f WorkFailure) String() string {
	switch f.Class {
	case ClassCellDiff, ClassDirtyCell:
		return fmt.Sprintf("%s (%d,%d,%d): %v", f.Class, f.Cell.X, f.Cell.Y, f.Cell.Z, f.Err)
	default:
		return fmt.Sprintf("%s chunk (%d,%d,%d): %v", f.Class, f.Chunk.X, f.Chunk.Y, f.Chunk.Z, f.Err)
	}
}

// BacklogSizes is a point-in-time view of queue depths.
type BacklogSizes struct {
	Diffs   int `json:"diffs"`
	Dirty   int `json:"dirty"`
	Remesh  int `json:"remesh"`
	Uploads int `json:"uploads"`
}

// UpdateReport summarizes one update-phase drain (diffs, dirty cells,
// remeshes).
type UpdateReport struct {
	Tick uint64

	// Processed counts are drained tokens, including ones that then
	// failed; Failures carries the detail.
	DiffsProcessed int
	DirtyProcessed int
	ChunksRemeshed int

	DerivedDirty   int
	DerivedRemesh  int
	DerivedUploads int

	Failures []WorkFailure
	Backlog  BacklogSizes
}

// CommitReport summarizes one commit-phase drain (uploads).
type CommitReport struct {
	Tick uint64

	ChunksUploaded int

	Failures []WorkFailure
	Backlog  BacklogSizes
}

// Scheduler owns the four work queues and drains a bounded slice of
// each per tick. It keeps no other state between ticks; budgets come
// from the configuration passed to each run.
type Scheduler struct {
	deps Deps
	seq  atomic.Uint64

	diffs   fifo[CellDiff]
	dirty   fifo[DirtyCell]
	remesh  *chunkFIFO[RemeshRequest]
	uploads *chunkFIFO[MeshUpload]
}

func New(deps Deps) *Scheduler {
	return &Scheduler{
		deps:    deps,
		remesh:  newChunkFIFO(func(r RemeshRequest) voxel.ChunkPos { return r.Chunk }),
		uploads: newChunkFIFO(func(u MeshUpload) voxel.ChunkPos { return u.Chunk }),
	}
}

func (s *Scheduler) nextSeq() uint64 { return s.seq.Add(1) }

// EnqueueDiff accepts a cell mutation request. Never fails; backlog is
// unbounded.
func (s *Scheduler) EnqueueDiff(pos voxel.CellPos, v voxel.Cell) {
	s.diffs.Enqueue(CellDiff{Pos: pos, Cell: v, Seq: s.nextSeq()})
}

func (s *Scheduler) EnqueueDirty(pos voxel.CellPos) {
	s.dirty.Enqueue(DirtyCell{Pos: pos, Seq: s.nextSeq()})
}

// EnqueueRemesh requests a chunk rebuild. Duplicate requests for a
// chunk already waiting are dropped.
func (s *Scheduler) EnqueueRemesh(chunk voxel.ChunkPos) bool {
	return s.remesh.EnqueueUnique(RemeshRequest{Chunk: chunk, Seq: s.nextSeq()})
}

func (s *Scheduler) enqueueUpload(chunk voxel.ChunkPos, m *mesh.ChunkMesh) bool {
	return s.uploads.EnqueueOrReplace(MeshUpload{Chunk: chunk, Mesh: m, Seq: s.nextSeq()})
}

func (s *Scheduler) Backlog() BacklogSizes {
	return BacklogSizes{
		Diffs:   s.diffs.Len(),
		Dirty:   s.dirty.Len(),
		Remesh:  s.remesh.Len(),
		Uploads: s.uploads.Len(),
	}
}

// DiscardAll drops every queued token. Used at shutdown; pending work
// is not drained.
func (s *Scheduler) DiscardAll() {
	s.diffs.Clear()
	s.dirty.Clear()
	s.remesh.Clear()
	s.uploads.Clear()
}

func checkChunkSize(cfg tuning.Tuning) error {
	if cfg.ChunkSize != tuning.ChunkSizeCells {
		return fmt.Errorf("chunk size %d, runtime requires %d: %w",
			cfg.ChunkSize, tuning.ChunkSizeCells, ErrConfigViolation)
	}
	return nil
}

// RunUpdate drains the update-phase classes in fixed order: cell
// diffs, then dirty cells, then remeshes. Tokens derived during an
// earlier step are eligible for the later steps of the same tick. If
// the chunk-size invariant does not hold the tick is refused before
// anything is popped.
func (s *Scheduler) RunUpdate(tick uint64, cfg tuning.Tuning) (UpdateReport, error) {
	rep := UpdateReport{Tick: tick}
	if err := checkChunkSize(cfg); err != nil {
		rep.Backlog = s.Backlog()
		return rep, err
	}

	for _, d := range s.diffs.Drain(cfg.MaxCellDiffsPerFrame) {
		rep.DiffsProcessed++
		if s.deps.ApplyDiff == nil {
			rep.Failures = append(rep.Failures, WorkFailure{
				Class: ClassCellDiff, Cell: d.Pos,
				Err: errors.New("no voxel storage attached"),
			})
			continue
		}
		affected, err := s.deps.ApplyDiff(d.Pos, d.Cell)
		if err != nil {
			rep.Failures = append(rep.Failures, WorkFailure{Class: ClassCellDiff, Cell: d.Pos, Err: err})
			continue
		}
		for _, p := range affected {
			s.EnqueueDirty(p)
			rep.DerivedDirty++
		}
	}

	for _, c := range s.dirty.Drain(cfg.MaxDirtyCellsToRenderPerFrame) {
		rep.DirtyProcessed++
		if s.EnqueueRemesh(c.Pos.Chunk(cfg.ChunkSize)) {
			rep.DerivedRemesh++
		}
	}

	for _, r := range s.remesh.Drain(cfg.MaxChunksRemeshPerFrame) {
		rep.ChunksRemeshed++
		if s.deps.Remesh == nil {
			rep.Failures = append(rep.Failures, WorkFailure{
				Class: ClassChunkRemesh, Chunk: r.Chunk,
				Err: errors.New("no mesher attached"),
			})
			continue
		}
		m, err := s.deps.Remesh(r.Chunk)
		if err != nil {
			rep.Failures = append(rep.Failures, WorkFailure{Class: ClassChunkRemesh, Chunk: r.Chunk, Err: err})
			continue
		}
		if s.enqueueUpload(r.Chunk, m) {
			rep.DerivedUploads++
		}
	}

	rep.Backlog = s.Backlog()
	return rep, nil
}

// RunCommit drains the upload class. Runs after RunUpdate, once per
// frame.
func (s *Scheduler) RunCommit(tick uint64, cfg tuning.Tuning) (CommitReport, error) {
	rep := CommitReport{Tick: tick}
	if err := checkChunkSize(cfg); err != nil {
		rep.Backlog = s.Backlog()
		return rep, err
	}

	for _, u := range s.uploads.Drain(cfg.MaxChunksUploadPerFrame) {
		rep.ChunksUploaded++
		if s.deps.Commit == nil {
			rep.Failures = append(rep.Failures, WorkFailure{
				Class: ClassChunkUpload, Chunk: u.Chunk,
				Err: errors.New("no render sink attached"),
			})
			continue
		}
		if err := s.deps.Commit(u.Chunk, u.Mesh); err != nil {
			rep.Failures = append(rep.Failures, WorkFailure{Class: ClassChunkUpload, Chunk: u.Chunk, Err: err})
		}
	}

	rep.Backlog = s.Backlog()
	return rep, nil
}
