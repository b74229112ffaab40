package runtime

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/snapshot"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/mesh"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/sched"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/tuning"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
)

type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Registry records per-tick outcomes somewhere durable.
type Registry interface {
	RecordTick(st sched.TickStats) error
}

// Zone decides which chunks the runtime keeps warm.
type Zone interface {
	SeedChunks() []voxel.ChunkPos
	Touch(c voxel.ChunkPos, now uint64)
	Tick(now uint64) []voxel.ChunkPos
}

// Renderer rebuilds chunk meshes.
type Renderer interface {
	Remesh(chunk voxel.ChunkPos) (*mesh.ChunkMesh, error)
}

// RenderService receives finished meshes during the commit phase and
// a frame summary once the phase ends.
type RenderService interface {
	Commit(chunk voxel.ChunkPos, m *mesh.ChunkMesh) error
	FrameCommit(st sched.TickStats)
}

// EventSink receives structured runtime events. Optional; the runtime
// works without one.
type EventSink interface {
	Event(tick uint64, typ string, fields map[string]any)
}

// Registration slot names, in teardown logs and events.
const (
	slotRegistry      = "registry"
	slotZone          = "zone"
	slotRenderer      = "renderer"
	slotRenderService = "render_service"
	slotConfig        = "config"
)

// Handle owns one runtime generation: the active configuration, the
// voxel store, the scheduler and its queues, and whatever downstream
// services were registered. At most one handle is initialized in the
// process at a time; a shut-down handle stays dead and a fresh one
// must be constructed to start over.
type Handle struct {
	mu     sync.Mutex
	state  State
	logger *log.Logger
	events EventSink

	cfg   tuning.Tuning
	store *voxel.Store
	sched *sched.Scheduler

	registry  Registry
	zone      Zone
	renderer  Renderer
	renderSvc RenderService
	regOrder  []string

	pendingSeed bool

	window     *sched.Window
	lastUpdate sched.UpdateReport
	lastStats  sched.TickStats
	haveStats  bool
	loaded     int

	// Per-tick snapshots, owned by the loop goroutine between the
	// phase entry and its drain.
	curTick      uint64
	tickStart    time.Time
	tickStore    *voxel.Store
	tickZone     Zone
	tickRenderer Renderer
	tickSink     RenderService
}

type Options struct {
	Logger *log.Logger
	Events EventSink
}

// Exactly one handle may hold the initialized slot process-wide.
var activeHandle struct {
	mu sync.Mutex
	h  *Handle
}

func NewHandle(opts Options) *Handle {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Handle{
		state:  StateUninitialized,
		logger: logger,
		events: opts.Events,
	}
}

func (h *Handle) event(tick uint64, typ string, fields map[string]any) {
	if h.events == nil {
		return
	}
	h.events.Event(tick, typ, fields)
}

// Initialize resolves the configuration, builds the queues and the
// voxel store, and claims the process-wide runtime slot. Calling it
// again on an already-initialized handle is a no-op; initializing a
// second handle while another holds the slot is refused.
func (h *Handle) Initialize(cfg tuning.Tuning) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateInitialized:
		return nil
	case StateShutdown:
		return fmt.Errorf("initialize after shutdown: %w", ErrInvalidState)
	}

	activeHandle.mu.Lock()
	if activeHandle.h != nil && activeHandle.h != h {
		activeHandle.mu.Unlock()
		return fmt.Errorf("another runtime handle is already initialized: %w", ErrInvalidState)
	}
	activeHandle.h = h
	activeHandle.mu.Unlock()

	norm, fixes := cfg.Normalized()
	for _, fix := range fixes {
		h.logger.Printf("config corrected: %s", fix)
		h.event(0, "config_correction", map[string]any{
			"field": fix.Field, "got": fix.Got, "using": fix.Want,
		})
	}
	h.cfg = norm

	h.store = voxel.NewStore(voxel.StoreConfig{
		ChunkSize: norm.ChunkSize,
		Default:   voxel.Cell{Material: norm.DefaultMaterialID, Flags: norm.DefaultFlags},
		Gen: voxel.Gen{
			Seed:    norm.WorldSeed,
			Surface: norm.DefaultMaterialID + 3,
			Soil:    norm.DefaultMaterialID + 2,
			Rock:    norm.DefaultMaterialID + 1,
		},
		BoundaryR: norm.WorldBoundaryR,
	})
	h.sched = sched.New(sched.Deps{
		ApplyDiff: h.applyDiff,
		Remesh:    h.remesh,
		Commit:    h.commit,
	})
	h.window = sched.NewWindow(uint64(norm.TickRateHz), uint64(norm.TickRateHz)*30)
	h.pendingSeed = norm.SeedOnInit
	h.state = StateInitialized

	h.logger.Printf("runtime initialized (tick %d Hz, chunk %d)", norm.TickRateHz, norm.ChunkSize)
	h.event(0, "lifecycle", map[string]any{"state": h.state.String()})
	return nil
}

// applyDiff, remesh and commit run on the loop goroutine against the
// snapshots taken at phase entry.
func (h *Handle) applyDiff(p voxel.CellPos, v voxel.Cell) ([]voxel.CellPos, error) {
	st := h.tickStore
	if st == nil {
		return nil, errors.New("no voxel storage attached")
	}
	affected, err := st.ApplyDiff(p, v)
	if err != nil {
		return nil, err
	}
	if h.tickZone != nil && len(affected) > 0 {
		h.tickZone.Touch(p.Chunk(tuning.ChunkSizeCells), h.curTick)
	}
	return affected, nil
}

func (h *Handle) remesh(c voxel.ChunkPos) (*mesh.ChunkMesh, error) {
	r := h.tickRenderer
	if r == nil {
		return nil, errors.New("no renderer registered")
	}
	return r.Remesh(c)
}

func (h *Handle) commit(c voxel.ChunkPos, m *mesh.ChunkMesh) error {
	s := h.tickSink
	if s == nil {
		return errors.New("no render service registered")
	}
	return s.Commit(c, m)
}

func (h *Handle) registerSlot(slot string, set func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateInitialized {
		return fmt.Errorf("register %s while %s: %w", slot, h.state, ErrInvalidState)
	}
	set()
	for i, s := range h.regOrder {
		if s == slot {
			h.regOrder = append(h.regOrder[:i], h.regOrder[i+1:]...)
			break
		}
	}
	h.regOrder = append(h.regOrder, slot)
	h.event(h.curTick, "registered", map[string]any{"slot": slot})
	return nil
}

func (h *Handle) RegisterRegistry(r Registry) error {
	if r == nil {
		return fmt.Errorf("nil registry: %w", ErrInvalidInput)
	}
	return h.registerSlot(slotRegistry, func() { h.registry = r })
}

func (h *Handle) RegisterZone(z Zone) error {
	if z == nil {
		return fmt.Errorf("nil zone: %w", ErrInvalidInput)
	}
	return h.registerSlot(slotZone, func() { h.zone = z })
}

func (h *Handle) RegisterRenderer(r Renderer) error {
	if r == nil {
		return fmt.Errorf("nil renderer: %w", ErrInvalidInput)
	}
	return h.registerSlot(slotRenderer, func() { h.renderer = r })
}

func (h *Handle) RegisterRenderService(s RenderService) error {
	if s == nil {
		return fmt.Errorf("nil render service: %w", ErrInvalidInput)
	}
	return h.registerSlot(slotRenderService, func() { h.renderSvc = s })
}

// RegisterConfig swaps the active configuration. The replacement is
// normalized the same way the initial load is.
func (h *Handle) RegisterConfig(cfg tuning.Tuning) error {
	norm, fixes := cfg.Normalized()
	return h.registerSlot(slotConfig, func() {
		for _, fix := range fixes {
			h.logger.Printf("config corrected: %s", fix)
			h.event(h.curTick, "config_correction", map[string]any{
				"field": fix.Field, "got": fix.Got, "using": fix.Want,
			})
		}
		h.cfg = norm
	})
}

// SubmitDiff queues one cell mutation. Safe to call from transport
// goroutines; never blocks.
func (h *Handle) SubmitDiff(p voxel.CellPos, v voxel.Cell) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateInitialized {
		return fmt.Errorf("submit diff while %s: %w", h.state, ErrInvalidState)
	}
	h.sched.EnqueueDiff(p, v)
	return nil
}

// TickUpdate runs the update phase: the deferred seed if one is
// pending, then the diff, dirty-cell and remesh drains, then zone
// expiry. Call once per frame, before TickCommit.
func (h *Handle) TickUpdate(now uint64) (sched.UpdateReport, error) {
	h.mu.Lock()
	if h.state != StateInitialized {
		h.mu.Unlock()
		return sched.UpdateReport{}, fmt.Errorf("tick update while %s: %w", h.state, ErrInvalidState)
	}
	cfg := h.cfg
	sc := h.sched
	h.curTick = now
	h.tickStart = time.Now()
	h.tickStore = h.store
	h.tickZone = h.zone
	h.tickRenderer = h.renderer
	h.tickSink = h.renderSvc
	seed := h.pendingSeed
	h.pendingSeed = false
	h.mu.Unlock()

	if seed {
		h.runSeed(now, sc)
	}

	rep, err := sc.RunUpdate(now, cfg)
	if err != nil {
		h.logger.Printf("tick %d update refused: %v", now, err)
		h.event(now, "tick_refused", map[string]any{"phase": "update", "error": err.Error()})
		return rep, err
	}
	h.logFailures(now, rep.Failures)

	if h.tickZone != nil {
		expired := h.tickZone.Tick(now)
		for _, c := range expired {
			h.tickStore.Evict(c)
		}
		if len(expired) > 0 {
			h.event(now, "chunks_expired", map[string]any{"count": len(expired)})
		}
	}

	h.mu.Lock()
	h.lastUpdate = rep
	h.loaded = h.tickStore.Count()
	h.mu.Unlock()
	return rep, nil
}

func (h *Handle) runSeed(now uint64, sc *sched.Scheduler) {
	if h.tickZone == nil {
		h.logger.Printf("seed requested but no zone registered; skipping")
		h.event(now, "seed_skipped", map[string]any{"reason": "no zone"})
		return
	}
	seeds := h.tickZone.SeedChunks()
	created := 0
	for _, c := range seeds {
		if h.tickStore.SeedChunk(c) {
			created++
		}
		h.tickZone.Touch(c, now)
		sc.EnqueueRemesh(c)
	}
	h.logger.Printf("seeded %d/%d chunks", created, len(seeds))
	h.event(now, "seeded", map[string]any{"created": created, "requested": len(seeds)})
}

// TickCommit runs the commit phase: the upload drain, then stats
// recording and the render service's frame hook. Call once per frame,
// after TickUpdate.
func (h *Handle) TickCommit(now uint64) (sched.CommitReport, error) {
	h.mu.Lock()
	if h.state != StateInitialized {
		h.mu.Unlock()
		return sched.CommitReport{}, fmt.Errorf("tick commit while %s: %w", h.state, ErrInvalidState)
	}
	cfg := h.cfg
	sc := h.sched
	up := h.lastUpdate
	h.tickSink = h.renderSvc
	reg := h.registry
	sink := h.renderSvc
	h.mu.Unlock()

	rep, err := sc.RunCommit(now, cfg)
	if err != nil {
		h.logger.Printf("tick %d commit refused: %v", now, err)
		h.event(now, "tick_refused", map[string]any{"phase": "commit", "error": err.Error()})
		return rep, err
	}
	h.logFailures(now, rep.Failures)

	stats := sched.MergeReports(up, rep)
	stats.Tick = now
	stats.DurationMicros = time.Since(h.tickStart).Microseconds()

	if reg != nil {
		if rerr := reg.RecordTick(stats); rerr != nil {
			h.logger.Printf("registry record tick %d: %v", now, rerr)
			h.event(now, "registry_error", map[string]any{"error": rerr.Error()})
		}
	}
	if sink != nil {
		sink.FrameCommit(stats)
	}

	h.mu.Lock()
	h.window.Record(stats)
	h.lastStats = stats
	h.haveStats = true
	h.mu.Unlock()
	return rep, nil
}

func (h *Handle) logFailures(now uint64, failures []sched.WorkFailure) {
	for _, f := range failures {
		h.logger.Printf("work item dropped: %s", f)
		h.event(now, "work_failure", map[string]any{
			"class": f.Class,
			"item":  f.String(),
		})
	}
}

// Shutdown clears registered services in reverse registration order,
// discards all queued work, and releases the process-wide slot. A
// handle that was never initialized shuts down as a no-op; repeated
// calls are no-ops too.
func (h *Handle) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitialized {
		return nil
	}

	for i := len(h.regOrder) - 1; i >= 0; i-- {
		slot := h.regOrder[i]
		switch slot {
		case slotRegistry:
			h.registry = nil
		case slotZone:
			h.zone = nil
		case slotRenderer:
			h.renderer = nil
		case slotRenderService:
			h.renderSvc = nil
		case slotConfig:
			// Config is a value; nothing to release.
		}
		h.logger.Printf("unregistered %s", slot)
		h.event(h.curTick, "unregistered", map[string]any{"slot": slot})
	}
	h.regOrder = nil

	h.sched.DiscardAll()
	h.sched = nil
	h.store = nil
	h.window = nil
	h.state = StateShutdown

	activeHandle.mu.Lock()
	if activeHandle.h == h {
		activeHandle.h = nil
	}
	activeHandle.mu.Unlock()

	h.logger.Printf("runtime shut down")
	h.event(h.curTick, "lifecycle", map[string]any{"state": h.state.String()})
	return nil
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) ActiveConfig() tuning.Tuning {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// Backlog reports current queue depths; zero after shutdown.
func (h *Handle) Backlog() sched.BacklogSizes {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sched == nil {
		return sched.BacklogSizes{}
	}
	return h.sched.Backlog()
}

// LastStats returns the most recent completed tick's stats.
func (h *Handle) LastStats() (sched.TickStats, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastStats, h.haveStats
}

// WindowSummary aggregates the rolling stats window up to now.
func (h *Handle) WindowSummary(now uint64) sched.StatsBucket {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.window == nil {
		return sched.StatsBucket{}
	}
	return h.window.Summarize(now)
}

// LoadedChunks is the chunk count as of the last update phase.
func (h *Handle) LoadedChunks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

// CellSource exposes the store view a mesher reads. Only valid while
// the handle is initialized; remeshing runs on the loop goroutine.
func (h *Handle) CellSource() mesh.CellSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.store == nil {
		return nil
	}
	return h.store
}

// CurrentTick is the last tick either phase ran for, or the restore
// tick after ImportSnapshot. The driver resumes counting from it.
func (h *Handle) CurrentTick() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.curTick
}

// ExportSnapshot clones the full store state. Must run on the loop
// goroutine, or before the loop starts.
func (h *Handle) ExportSnapshot(now uint64) (snapshot.SnapshotV1, error) {
	h.mu.Lock()
	if h.state != StateInitialized {
		h.mu.Unlock()
		return snapshot.SnapshotV1{}, fmt.Errorf("export snapshot while %s: %w", h.state, ErrInvalidState)
	}
	cfg := h.cfg
	store := h.store
	h.mu.Unlock()

	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: 1,
			Tick:    now,
			SavedAt: time.Now().UTC().Format(time.RFC3339Nano),
		},
		Seed:            cfg.WorldSeed,
		ChunkSize:       cfg.ChunkSize,
		BoundaryR:       cfg.WorldBoundaryR,
		DefaultMaterial: cfg.DefaultMaterialID,
		DefaultFlags:    cfg.DefaultFlags,
	}
	for _, pos := range store.LoadedChunks() {
		ch, ok := store.Snapshot(pos)
		if !ok {
			continue
		}
		mats := make([]uint16, len(ch.Cells))
		flags := make([]uint8, len(ch.Cells))
		for i, c := range ch.Cells {
			mats[i] = c.Material
			flags[i] = c.Flags
		}
		snap.Chunks = append(snap.Chunks, snapshot.ChunkV1{
			CX: pos.X, CY: pos.Y, CZ: pos.Z,
			Materials: mats,
			Flags:     flags,
		})
	}
	return snap, nil
}

// ImportSnapshot replaces the store contents with the snapshot's chunks
// and queues a remesh for each so meshes regenerate. Call between
// Initialize and the first tick; a restored world skips the deferred
// seed and the driver resumes tick numbering after the snapshot tick.
func (h *Handle) ImportSnapshot(snap snapshot.SnapshotV1) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateInitialized {
		return fmt.Errorf("import snapshot while %s: %w", h.state, ErrInvalidState)
	}
	if snap.ChunkSize != h.cfg.ChunkSize {
		return fmt.Errorf("snapshot chunk size %d, runtime uses %d: %w", snap.ChunkSize, h.cfg.ChunkSize, ErrInvalidInput)
	}
	for _, c := range snap.Chunks {
		if len(c.Flags) != len(c.Materials) {
			return fmt.Errorf("chunk (%d,%d,%d): %d materials vs %d flags: %w",
				c.CX, c.CY, c.CZ, len(c.Materials), len(c.Flags), ErrInvalidInput)
		}
		cells := make([]voxel.Cell, len(c.Materials))
		for i := range c.Materials {
			cells[i] = voxel.Cell{Material: c.Materials[i], Flags: c.Flags[i]}
		}
		pos := voxel.ChunkPos{X: c.CX, Y: c.CY, Z: c.CZ}
		if err := h.store.RestoreChunk(pos, cells); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		h.sched.EnqueueRemesh(pos)
		if h.zone != nil {
			h.zone.Touch(pos, snap.Header.Tick)
		}
	}
	h.pendingSeed = false
	h.curTick = snap.Header.Tick
	h.loaded = h.store.Count()

	h.logger.Printf("restored %d chunks from snapshot (tick %d)", len(snap.Chunks), snap.Header.Tick)
	h.event(snap.Header.Tick, "restored", map[string]any{"chunks": len(snap.Chunks)})
	return nil
}
