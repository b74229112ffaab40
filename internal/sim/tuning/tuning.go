package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChunkSizeCells is the fixed chunk edge length. Mesh bucketing, the
// wire protocol, and stored indexes all assume it, so configuration
// input cannot change it.
const ChunkSizeCells = 16

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz"`

	ChunkSize int `yaml:"chunk_size"`

	// Per-frame budgets. Zero disables the class for the frame;
	// negative input is clamped to zero.
	MaxCellDiffsPerFrame          int `yaml:"max_cell_diffs_per_frame"`
	MaxDirtyCellsToRenderPerFrame int `yaml:"max_dirty_cells_to_render_per_frame"`
	MaxChunksRemeshPerFrame       int `yaml:"max_chunks_remesh_per_frame"`
	MaxChunksUploadPerFrame       int `yaml:"max_chunks_upload_per_frame"`

	DefaultMaterialID uint16 `yaml:"default_material_id"`
	DefaultFlags      uint8  `yaml:"default_flags"`

	WorldSeed      int64 `yaml:"world_seed"`
	WorldBoundaryR int   `yaml:"world_boundary_r"`

	SeedOnInit    bool   `yaml:"seed_on_init"`
	SeedRadius    int    `yaml:"seed_radius"`
	ChunkTTLTicks uint64 `yaml:"chunk_ttl_ticks"`

	// Zero disables periodic snapshots.
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	SnapshotKeep       int `yaml:"snapshot_keep"`
}

// Correction records one field the normalizer had to fix. Callers log
// these as warnings; the corrected config is always usable.
type Correction struct {
	Field string
	Got   int
	Want  int
}

func (c Correction) String() string {
	return fmt.Sprintf("%s: got %d, using %d", c.Field, c.Got, c.Want)
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz: 20,

		ChunkSize: ChunkSizeCells,

		MaxCellDiffsPerFrame:          64,
		MaxDirtyCellsToRenderPerFrame: 256,
		MaxChunksRemeshPerFrame:       8,
		MaxChunksUploadPerFrame:       8,

		DefaultMaterialID: 0,
		DefaultFlags:      0,

		WorldSeed:      1337,
		WorldBoundaryR: 1024,

		SeedOnInit:    true,
		SeedRadius:    2,
		ChunkTTLTicks: 600,

		SnapshotEveryTicks: 600,
		SnapshotKeep:       8,
	}
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalized returns a copy with the chunk size forced and budgets
// clamped, plus the list of corrections applied. Budgets are clamped
// only, never defaulted: an explicit zero means that work class drains
// nothing this frame. Idempotent: normalizing a normalized config
// changes nothing and reports no corrections.
func (t Tuning) Normalized() (Tuning, []Correction) {
	var fixes []Correction

	if t.ChunkSize != ChunkSizeCells {
		fixes = append(fixes, Correction{Field: "chunk_size", Got: t.ChunkSize, Want: ChunkSizeCells})
		t.ChunkSize = ChunkSizeCells
	}
	clamp := func(field string, v *int) {
		if *v < 0 {
			fixes = append(fixes, Correction{Field: field, Got: *v, Want: 0})
			*v = 0
		}
	}
	clamp("max_cell_diffs_per_frame", &t.MaxCellDiffsPerFrame)
	clamp("max_dirty_cells_to_render_per_frame", &t.MaxDirtyCellsToRenderPerFrame)
	clamp("max_chunks_remesh_per_frame", &t.MaxChunksRemeshPerFrame)
	clamp("max_chunks_upload_per_frame", &t.MaxChunksUploadPerFrame)

	// Loop plumbing fields have no meaningful zero; fill quietly.
	if t.TickRateHz <= 0 {
		t.TickRateHz = Defaults().TickRateHz
	}
	if t.SeedRadius < 0 {
		t.SeedRadius = 0
	}
	if t.WorldBoundaryR < 0 {
		t.WorldBoundaryR = 0
	}
	if t.SnapshotEveryTicks < 0 {
		t.SnapshotEveryTicks = 0
	}
	if t.SnapshotKeep < 0 {
		t.SnapshotKeep = 0
	}

	return t, fixes
}
