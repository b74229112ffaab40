package runtime

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/mesh"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/sched"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/tuning"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/zone"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestHandle(t *testing.T, events EventSink) *Handle {
	t.Helper()
	h := NewHandle(Options{Logger: quietLogger(), Events: events})
	t.Cleanup(func() { _ = h.Shutdown() })
	return h
}

type fakeRenderer struct {
	fail map[voxel.ChunkPos]bool
}

func (r *fakeRenderer) Remesh(c voxel.ChunkPos) (*mesh.ChunkMesh, error) {
	if r.fail[c] {
		return nil, fmt.Errorf("remesh %v refused", c)
	}
	return &mesh.ChunkMesh{Chunk: c}, nil
}

type recordingSink struct {
	committed []voxel.ChunkPos
	frames    []sched.TickStats
}

func (s *recordingSink) Commit(c voxel.ChunkPos, m *mesh.ChunkMesh) error {
	s.committed = append(s.committed, c)
	return nil
}

func (s *recordingSink) FrameCommit(st sched.TickStats) {
	s.frames = append(s.frames, st)
}

type recordingRegistry struct {
	rows []sched.TickStats
}

func (r *recordingRegistry) RecordTick(st sched.TickStats) error {
	r.rows = append(r.rows, st)
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	types  []string
	fields []map[string]any
}

func (e *eventRecorder) Event(tick uint64, typ string, fields map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, typ)
	e.fields = append(e.fields, fields)
}

func (e *eventRecorder) slots(typ string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for i, ty := range e.types {
		if ty != typ {
			continue
		}
		if s, ok := e.fields[i]["slot"].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestShutdownOnUninitializedIsNoOp(t *testing.T) {
	h := newTestHandle(t, nil)
	if err := h.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if h.State() != StateUninitialized {
		t.Fatalf("state = %v after no-op shutdown", h.State())
	}
	// The handle is still usable.
	if err := h.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("initialize after no-op shutdown: %v", err)
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	h := newTestHandle(t, nil)
	if err := h.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := h.SubmitDiff(voxel.CellPos{X: 1, Y: 1, Z: 1}, voxel.Cell{Material: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	// The second call must not have rebuilt the queues.
	if got := h.Backlog().Diffs; got != 1 {
		t.Fatalf("backlog after double init = %d, want 1", got)
	}
}

func TestSecondActiveHandleRejected(t *testing.T) {
	h1 := newTestHandle(t, nil)
	if err := h1.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("h1 init: %v", err)
	}
	h2 := newTestHandle(t, nil)
	if err := h2.Initialize(tuning.Defaults()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("h2 init err = %v, want ErrInvalidState", err)
	}
	if err := h1.Shutdown(); err != nil {
		t.Fatalf("h1 shutdown: %v", err)
	}
	if err := h2.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("h2 init after slot freed: %v", err)
	}
}

func TestReinitializeAfterShutdownRejected(t *testing.T) {
	h := newTestHandle(t, nil)
	if err := h.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := h.Initialize(tuning.Defaults()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("re-init err = %v, want ErrInvalidState", err)
	}
}

func TestRegisterRejectsNil(t *testing.T) {
	h := newTestHandle(t, nil)
	if err := h.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.RegisterRegistry(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("registry: %v", err)
	}
	if err := h.RegisterZone(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zone: %v", err)
	}
	if err := h.RegisterRenderer(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("renderer: %v", err)
	}
	if err := h.RegisterRenderService(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("render service: %v", err)
	}
}

func TestRegisterBeforeInitializeRejected(t *testing.T) {
	h := newTestHandle(t, nil)
	if err := h.RegisterRegistry(&recordingRegistry{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestMutationsAfterShutdownRejected(t *testing.T) {
	h := newTestHandle(t, nil)
	if err := h.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := h.RegisterZone(zone.New(1, 0)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("register: %v", err)
	}
	if err := h.SubmitDiff(voxel.CellPos{}, voxel.Cell{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.TickUpdate(1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("tick update: %v", err)
	}
	if _, err := h.TickCommit(1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("tick commit: %v", err)
	}
}

func TestShutdownUnregistersInReverseOrder(t *testing.T) {
	rec := &eventRecorder{}
	h := newTestHandle(t, rec)
	if err := h.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.RegisterRegistry(&recordingRegistry{}); err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := h.RegisterZone(zone.New(1, 0)); err != nil {
		t.Fatalf("zone: %v", err)
	}
	if err := h.RegisterRenderer(&fakeRenderer{}); err != nil {
		t.Fatalf("renderer: %v", err)
	}
	if err := h.RegisterRenderService(&recordingSink{}); err != nil {
		t.Fatalf("render service: %v", err)
	}
	if err := h.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	got := rec.slots("unregistered")
	want := []string{"render_service", "renderer", "zone", "registry"}
	if len(got) != len(want) {
		t.Fatalf("unregistered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("teardown order %v, want %v", got, want)
		}
	}
}

func TestShutdownDiscardsBacklogForNextGeneration(t *testing.T) {
	h1 := newTestHandle(t, nil)
	if err := h1.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("init: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := h1.SubmitDiff(voxel.CellPos{X: i}, voxel.Cell{Material: 1}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := h1.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	h2 := newTestHandle(t, nil)
	if err := h2.Initialize(tuning.Defaults()); err != nil {
		t.Fatalf("h2 init: %v", err)
	}
	if got := h2.Backlog(); got != (sched.BacklogSizes{}) {
		t.Fatalf("fresh generation inherited backlog %+v", got)
	}
}

func TestDeferredSeedRunsOnFirstTickOnly(t *testing.T) {
	cfg := tuning.Defaults()
	cfg.SeedOnInit = true
	cfg.MaxChunksRemeshPerFrame = 16
	cfg.MaxChunksUploadPerFrame = 16

	h := newTestHandle(t, nil)
	if err := h.Initialize(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.RegisterZone(zone.New(1, 0)); err != nil {
		t.Fatalf("zone: %v", err)
	}
	if err := h.RegisterRenderer(&fakeRenderer{}); err != nil {
		t.Fatalf("renderer: %v", err)
	}
	sink := &recordingSink{}
	if err := h.RegisterRenderService(sink); err != nil {
		t.Fatalf("sink: %v", err)
	}

	up, err := h.TickUpdate(1)
	if err != nil {
		t.Fatalf("tick 1 update: %v", err)
	}
	if h.LoadedChunks() != 9 {
		t.Fatalf("seeded %d chunks, want 9", h.LoadedChunks())
	}
	if up.ChunksRemeshed != 9 {
		t.Fatalf("remeshed %d on seed tick, want 9", up.ChunksRemeshed)
	}
	if _, err := h.TickCommit(1); err != nil {
		t.Fatalf("tick 1 commit: %v", err)
	}
	if len(sink.committed) != 9 {
		t.Fatalf("committed %d meshes, want 9", len(sink.committed))
	}
	if len(sink.frames) != 1 || sink.frames[0].Tick != 1 {
		t.Fatalf("frames = %+v", sink.frames)
	}

	// Second tick: the seed must not rerun.
	up, err = h.TickUpdate(2)
	if err != nil {
		t.Fatalf("tick 2 update: %v", err)
	}
	if up.ChunksRemeshed != 0 {
		t.Fatalf("tick 2 remeshed %d, want 0", up.ChunksRemeshed)
	}
	if h.LoadedChunks() != 9 {
		t.Fatalf("tick 2 loaded %d, want 9", h.LoadedChunks())
	}
}

func TestSeedSkippedWithoutZone(t *testing.T) {
	rec := &eventRecorder{}
	cfg := tuning.Defaults()
	cfg.SeedOnInit = true

	h := newTestHandle(t, rec)
	if err := h.Initialize(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := h.TickUpdate(1); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.LoadedChunks() != 0 {
		t.Fatalf("loaded %d chunks with no zone", h.LoadedChunks())
	}
	found := false
	rec.mu.Lock()
	for _, ty := range rec.types {
		if ty == "seed_skipped" {
			found = true
		}
	}
	rec.mu.Unlock()
	if !found {
		t.Fatal("seed_skipped event missing")
	}
}

func TestRegistryReceivesTickStats(t *testing.T) {
	cfg := tuning.Defaults()
	cfg.SeedOnInit = false

	h := newTestHandle(t, nil)
	if err := h.Initialize(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	reg := &recordingRegistry{}
	if err := h.RegisterRegistry(reg); err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := h.SubmitDiff(voxel.CellPos{X: 1, Y: 2, Z: 3}, voxel.Cell{Material: 5}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.TickUpdate(1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := h.TickCommit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(reg.rows) != 1 {
		t.Fatalf("recorded %d rows, want 1", len(reg.rows))
	}
	if reg.rows[0].Tick != 1 || reg.rows[0].DiffsProcessed != 1 {
		t.Fatalf("row = %+v", reg.rows[0])
	}
}

func TestRegisterConfigSwapsBudgets(t *testing.T) {
	cfg := tuning.Defaults()
	cfg.SeedOnInit = false

	h := newTestHandle(t, nil)
	if err := h.Initialize(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.SubmitDiff(voxel.CellPos{X: 1, Y: 1, Z: 1}, voxel.Cell{Material: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	frozen := cfg
	frozen.MaxCellDiffsPerFrame = 0
	if err := h.RegisterConfig(frozen); err != nil {
		t.Fatalf("register config: %v", err)
	}
	up, err := h.TickUpdate(1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.DiffsProcessed != 0 || up.Backlog.Diffs != 1 {
		t.Fatalf("frozen budget still drained: %+v", up)
	}

	if err := h.RegisterConfig(cfg); err != nil {
		t.Fatalf("register config: %v", err)
	}
	up, err = h.TickUpdate(2)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.DiffsProcessed != 1 {
		t.Fatalf("restored budget drained %d, want 1", up.DiffsProcessed)
	}
}
