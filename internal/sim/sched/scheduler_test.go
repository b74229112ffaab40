package sched

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/mesh"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/tuning"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

func cfgWithBudgets(diffs, dirty, remesh, upload int) tuning.Tuning {
	cfg := tuning.Defaults()
	cfg.MaxCellDiffsPerFrame = diffs
	cfg.MaxDirtyCellsToRenderPerFrame = dirty
	cfg.MaxChunksRemeshPerFrame = remesh
	cfg.MaxChunksUploadPerFrame = upload
	return cfg
}

// storeScheduler wires a scheduler to a real store and mesher, with
// commits recorded.
func storeScheduler(t *testing.T) (*Scheduler, *voxel.Store, *[]voxel.ChunkPos) {
	t.Helper()
	store := voxel.NewStore(voxel.StoreConfig{ChunkSize: 16})
	mesher := mesh.NewMesher(store)
	commits := &[]voxel.ChunkPos{}
	s := New(Deps{
		ApplyDiff: store.ApplyDiff,
		Remesh:    mesher.Remesh,
		Commit: func(c voxel.ChunkPos, m *mesh.ChunkMesh) error {
			*commits = append(*commits, c)
			return nil
		},
	})
	return s, store, commits
}

func TestDiffBudgetCapsEachTick(t *testing.T) {
	s, _, _ := storeScheduler(t)
	cfg := cfgWithBudgets(2, 0, 0, 0)

	for i := 0; i < 5; i++ {
		s.EnqueueDiff(voxel.CellPos{X: i}, voxel.Cell{Material: 1})
	}

	rep, err := s.RunUpdate(1, cfg)
	if err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if rep.DiffsProcessed != 2 {
		t.Fatalf("tick 1 processed %d diffs, want 2", rep.DiffsProcessed)
	}
	if rep.Backlog.Diffs != 3 {
		t.Fatalf("tick 1 backlog %d, want 3", rep.Backlog.Diffs)
	}

	rep, err = s.RunUpdate(2, cfg)
	if err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if rep.DiffsProcessed != 2 || rep.Backlog.Diffs != 1 {
		t.Fatalf("tick 2 processed %d, backlog %d; want 2 and 1", rep.DiffsProcessed, rep.Backlog.Diffs)
	}

	rep, err = s.RunUpdate(3, cfg)
	if err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	if rep.DiffsProcessed != 1 || rep.Backlog.Diffs != 0 {
		t.Fatalf("tick 3 processed %d, backlog %d; want 1 and 0", rep.DiffsProcessed, rep.Backlog.Diffs)
	}
}

func TestNeighboringCellsShareOneRemesh(t *testing.T) {
	s, _, _ := storeScheduler(t)

	// Both cells live in chunk (0,0,0); their dirty cells must collapse
	// to a single remesh request.
	s.EnqueueDiff(voxel.CellPos{X: 5, Y: 5, Z: 5}, voxel.Cell{Material: 1})
	s.EnqueueDiff(voxel.CellPos{X: 5, Y: 5, Z: 6}, voxel.Cell{Material: 1})

	cfg := cfgWithBudgets(8, 64, 0, 0)
	rep, err := s.RunUpdate(1, cfg)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rep.DiffsProcessed != 2 {
		t.Fatalf("processed %d diffs, want 2", rep.DiffsProcessed)
	}
	if rep.DerivedRemesh != 1 {
		t.Fatalf("derived %d remesh requests, want 1", rep.DerivedRemesh)
	}
	if rep.Backlog.Remesh != 1 {
		t.Fatalf("remesh backlog %d, want 1", rep.Backlog.Remesh)
	}
}

func TestSameTickWavefront(t *testing.T) {
	s, _, commits := storeScheduler(t)
	s.EnqueueDiff(voxel.CellPos{X: 1, Y: 2, Z: 3}, voxel.Cell{Material: 4})

	cfg := cfgWithBudgets(8, 64, 8, 8)
	rep, err := s.RunUpdate(1, cfg)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rep.DiffsProcessed != 1 || rep.DerivedDirty != 7 {
		t.Fatalf("diffs %d derived %d, want 1 and 7", rep.DiffsProcessed, rep.DerivedDirty)
	}
	// Dirty cells enqueued in step 1 are drained by step 2 of the same
	// tick, and the derived remesh runs in step 3.
	if rep.DirtyProcessed != 7 || rep.ChunksRemeshed != 1 {
		t.Fatalf("dirty %d remeshed %d, want 7 and 1", rep.DirtyProcessed, rep.ChunksRemeshed)
	}
	if rep.DerivedUploads != 1 {
		t.Fatalf("derived uploads %d, want 1", rep.DerivedUploads)
	}

	cm, err := s.RunCommit(1, cfg)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if cm.ChunksUploaded != 1 {
		t.Fatalf("uploaded %d, want 1", cm.ChunksUploaded)
	}
	if len(*commits) != 1 || (*commits)[0] != (voxel.ChunkPos{X: 0, Y: 0, Z: 0}) {
		t.Fatalf("commits = %v", *commits)
	}
}

func TestChunkSizeViolationLeavesQueuesIntact(t *testing.T) {
	s, _, _ := storeScheduler(t)
	s.EnqueueDiff(voxel.CellPos{X: 1, Y: 1, Z: 1}, voxel.Cell{Material: 1})

	bad := cfgWithBudgets(8, 8, 8, 8)
	bad.ChunkSize = 32
	if _, err := s.RunUpdate(1, bad); !errors.Is(err, ErrConfigViolation) {
		t.Fatalf("err = %v, want ErrConfigViolation", err)
	}
	if _, err := s.RunCommit(1, bad); !errors.Is(err, ErrConfigViolation) {
		t.Fatalf("commit err = %v, want ErrConfigViolation", err)
	}
	if got := s.Backlog().Diffs; got != 1 {
		t.Fatalf("aborted tick consumed tokens, backlog %d want 1", got)
	}

	good := cfgWithBudgets(8, 8, 8, 8)
	rep, err := s.RunUpdate(2, good)
	if err != nil {
		t.Fatalf("recovery tick: %v", err)
	}
	if rep.DiffsProcessed != 1 {
		t.Fatalf("recovery processed %d, want 1", rep.DiffsProcessed)
	}
}

func TestMesherFailureSkipsOnlyThatChunk(t *testing.T) {
	bad := voxel.ChunkPos{X: 1, Y: 0, Z: 0}
	var committed []voxel.ChunkPos
	s := New(Deps{
		Remesh: func(c voxel.ChunkPos) (*mesh.ChunkMesh, error) {
			if c == bad {
				return nil, fmt.Errorf("remesh %v exploded", c)
			}
			return &mesh.ChunkMesh{Chunk: c}, nil
		},
		Commit: func(c voxel.ChunkPos, m *mesh.ChunkMesh) error {
			committed = append(committed, c)
			return nil
		},
	})

	s.EnqueueRemesh(bad)
	s.EnqueueRemesh(voxel.ChunkPos{X: 2, Y: 0, Z: 0})
	s.EnqueueRemesh(voxel.ChunkPos{X: 3, Y: 0, Z: 0})

	cfg := cfgWithBudgets(0, 0, 8, 8)
	rep, err := s.RunUpdate(1, cfg)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rep.ChunksRemeshed != 3 {
		t.Fatalf("remeshed %d, want 3", rep.ChunksRemeshed)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].Chunk != bad {
		t.Fatalf("failures = %v", rep.Failures)
	}
	if rep.Backlog.Uploads != 2 {
		t.Fatalf("upload backlog %d, want 2", rep.Backlog.Uploads)
	}

	if _, err := s.RunCommit(1, cfg); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(committed) != 2 {
		t.Fatalf("committed %v, failed chunk's upload leaked through", committed)
	}
	for _, c := range committed {
		if c == bad {
			t.Fatalf("failed chunk %v was committed", c)
		}
	}
}

func TestCommitFailureDoesNotBlockClass(t *testing.T) {
	bad := voxel.ChunkPos{X: 0, Y: 0, Z: 0}
	var committed []voxel.ChunkPos
	s := New(Deps{
		Remesh: func(c voxel.ChunkPos) (*mesh.ChunkMesh, error) {
			return &mesh.ChunkMesh{Chunk: c}, nil
		},
		Commit: func(c voxel.ChunkPos, m *mesh.ChunkMesh) error {
			if c == bad {
				return errors.New("sink refused")
			}
			committed = append(committed, c)
			return nil
		},
	})
	s.EnqueueRemesh(bad)
	s.EnqueueRemesh(voxel.ChunkPos{X: 1, Y: 0, Z: 0})

	cfg := cfgWithBudgets(0, 0, 8, 8)
	if _, err := s.RunUpdate(1, cfg); err != nil {
		t.Fatalf("update: %v", err)
	}
	cm, err := s.RunCommit(1, cfg)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if cm.ChunksUploaded != 2 {
		t.Fatalf("uploaded %d, want 2 (failure still consumes the token)", cm.ChunksUploaded)
	}
	if len(cm.Failures) != 1 || len(committed) != 1 {
		t.Fatalf("failures %v, committed %v", cm.Failures, committed)
	}
	if cm.Backlog.Uploads != 0 {
		t.Fatalf("failed upload re-queued, backlog %d", cm.Backlog.Uploads)
	}
}

func TestMissingCollaboratorsSurfaceFailures(t *testing.T) {
	s := New(Deps{})
	s.EnqueueDiff(voxel.CellPos{X: 1, Y: 1, Z: 1}, voxel.Cell{Material: 1})
	s.EnqueueRemesh(voxel.ChunkPos{X: 0, Y: 0, Z: 0})

	cfg := cfgWithBudgets(8, 8, 8, 8)
	rep, err := s.RunUpdate(1, cfg)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(rep.Failures) != 2 {
		t.Fatalf("failures = %v, want one per class with a missing collaborator", rep.Failures)
	}
}

func TestZeroBudgetsDrainNothing(t *testing.T) {
	s, _, _ := storeScheduler(t)
	s.EnqueueDiff(voxel.CellPos{X: 1, Y: 1, Z: 1}, voxel.Cell{Material: 1})
	s.EnqueueDirty(voxel.CellPos{X: 2, Y: 2, Z: 2})
	s.EnqueueRemesh(voxel.ChunkPos{X: 0, Y: 0, Z: 0})

	cfg := cfgWithBudgets(0, 0, 0, 0)
	rep, err := s.RunUpdate(1, cfg)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rep.DiffsProcessed != 0 || rep.DirtyProcessed != 0 || rep.ChunksRemeshed != 0 {
		t.Fatalf("zero budgets drained something: %+v", rep)
	}
	before := BacklogSizes{Diffs: 1, Dirty: 1, Remesh: 1}
	if rep.Backlog != before {
		t.Fatalf("backlog = %+v, want %+v", rep.Backlog, before)
	}
}

func TestDiffDrainOrderIsFIFO(t *testing.T) {
	var applied []voxel.CellPos
	s := New(Deps{
		ApplyDiff: func(p voxel.CellPos, v voxel.Cell) ([]voxel.CellPos, error) {
			applied = append(applied, p)
			return nil, nil
		},
	})
	for i := 0; i < 6; i++ {
		s.EnqueueDiff(voxel.CellPos{X: i}, voxel.Cell{Material: 1})
	}
	cfg := cfgWithBudgets(4, 0, 0, 0)
	if _, err := s.RunUpdate(1, cfg); err != nil {
		t.Fatalf("tick 1: %v", err)
	}
	if _, err := s.RunUpdate(2, cfg); err != nil {
		t.Fatalf("tick 2: %v", err)
	}
	if len(applied) != 6 {
		t.Fatalf("applied %d, want 6", len(applied))
	}
	for i, p := range applied {
		if p.X != i {
			t.Fatalf("position %d applied out of order: %v", i, applied)
		}
	}
}

func TestDiscardAllEmptiesEveryQueue(t *testing.T) {
	s, _, _ := storeScheduler(t)
	s.EnqueueDiff(voxel.CellPos{X: 1, Y: 1, Z: 1}, voxel.Cell{Material: 1})
	s.EnqueueDirty(voxel.CellPos{X: 2, Y: 2, Z: 2})
	s.EnqueueRemesh(voxel.ChunkPos{X: 0, Y: 0, Z: 0})
	s.enqueueUpload(voxel.ChunkPos{X: 1, Y: 0, Z: 0}, &mesh.ChunkMesh{Chunk: voxel.ChunkPos{X: 1, Y: 0, Z: 0}})

	s.DiscardAll()
	if got := s.Backlog(); got != (BacklogSizes{}) {
		t.Fatalf("backlog after discard = %+v", got)
	}
}
