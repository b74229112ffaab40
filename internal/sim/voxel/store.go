package voxel

import (
	"fmt"
	"sort"
)

// Gen drives deterministic terrain for seeded chunks.
type Gen struct {
	Seed int64

	// Palette ids for generated columns.
	Surface uint16
	Soil    uint16
	Rock    uint16
}

// Store holds loaded chunks keyed by chunk position.
type Store struct {
	size      int
	def       Cell
	gen       Gen
	boundaryR int // cells; 0 = unbounded

	// Accessed only from the runtime loop goroutine.
	chunks map[ChunkPos]*Chunk
}

type StoreConfig struct {
	ChunkSize int
	Default   Cell
	Gen       Gen
	BoundaryR int
}

func NewStore(cfg StoreConfig) *Store {
	size := cfg.ChunkSize
	if size <= 0 {
		size = 16
	}
	return &Store{
		size:      size,
		def:       cfg.Default,
		gen:       cfg.Gen,
		boundaryR: cfg.BoundaryR,
		chunks:    map[ChunkPos]*Chunk{},
	}
}

func (s *Store) ChunkSize() int    { return s.size }
func (s *Store) DefaultCell() Cell { return s.def }
func (s *Store) Count() int        { return len(s.chunks) }

func (s *Store) InBounds(pos CellPos) bool {
	if s.boundaryR <= 0 {
		return true
	}
	r := s.boundaryR
	return pos.X >= -r && pos.X <= r && pos.Y >= -r && pos.Y <= r && pos.Z >= -r && pos.Z <= r
}

// CellAt reads one cell. Missing chunks read as the default cell; only
// writes materialize them.
func (s *Store) CellAt(pos CellPos) Cell {
	if !s.InBounds(pos) {
		return s.def
	}
	ch, ok := s.chunks[pos.Chunk(s.size)]
	if !ok {
		return s.def
	}
	lx, ly, lz := pos.Local(s.size)
	return ch.Get(lx, ly, lz)
}

// ApplyDiff writes one cell and reports which cells the write affects
// for rendering purposes: the target plus its face-adjacent neighbors,
// restricted to the target's owning chunk. A write that does not change
// the stored value affects nothing.
func (s *Store) ApplyDiff(pos CellPos, v Cell) ([]CellPos, error) {
	if !s.InBounds(pos) {
		return nil, fmt.Errorf("cell (%d,%d,%d) outside world boundary", pos.X, pos.Y, pos.Z)
	}
	ch := s.getOrCreateChunk(pos.Chunk(s.size))
	lx, ly, lz := pos.Local(s.size)
	if !ch.Set(lx, ly, lz, v) {
		return nil, nil
	}
	owner := ch.Pos
	affected := make([]CellPos, 0, 7)
	affected = append(affected, pos)
	for _, n := range pos.FaceNeighbors() {
		if n.Chunk(s.size) == owner {
			affected = append(affected, n)
		}
	}
	return affected, nil
}

// Snapshot returns a copy of the chunk at pos, or false if not loaded.
func (s *Store) Snapshot(pos ChunkPos) (*Chunk, bool) {
	ch, ok := s.chunks[pos]
	if !ok {
		return nil, false
	}
	return ch.Clone(), true
}

func (s *Store) Loaded(pos ChunkPos) bool {
	_, ok := s.chunks[pos]
	return ok
}

func (s *Store) Evict(pos ChunkPos) {
	delete(s.chunks, pos)
}

func (s *Store) LoadedChunks() []ChunkPos {
	keys := make([]ChunkPos, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].X != keys[j].X {
			return keys[i].X < keys[j].X
		}
		if keys[i].Y != keys[j].Y {
			return keys[i].Y < keys[j].Y
		}
		return keys[i].Z < keys[j].Z
	})
	return keys
}

// NonDefaultCells counts cells differing from the default in one chunk.
func (s *Store) NonDefaultCells(pos ChunkPos) int {
	ch, ok := s.chunks[pos]
	if !ok {
		return 0
	}
	n := 0
	for _, c := range ch.Cells {
		if c != s.def {
			n++
		}
	}
	return n
}

// SeedChunk generates terrain into pos if it is not already loaded.
// Existing chunks are left alone so seeding never clobbers edits.
func (s *Store) SeedChunk(pos ChunkPos) bool {
	if _, ok := s.chunks[pos]; ok {
		return false
	}
	ch := NewChunk(pos, s.size, s.def)
	s.generateChunk(ch)
	_ = ch.Digest()
	s.chunks[pos] = ch
	return true
}

// RestoreChunk replaces the chunk at pos with the given cells, in
// index order, creating the chunk if needed.
func (s *Store) RestoreChunk(pos ChunkPos, cells []Cell) error {
	want := s.size * s.size * s.size
	if len(cells) != want {
		return fmt.Errorf("chunk (%d,%d,%d): %d cells, want %d", pos.X, pos.Y, pos.Z, len(cells), want)
	}
	ch := NewChunk(pos, s.size, s.def)
	copy(ch.Cells, cells)
	_ = ch.Digest()
	s.chunks[pos] = ch
	return nil
}

func (s *Store) getOrCreateChunk(pos ChunkPos) *Chunk {
	if ch, ok := s.chunks[pos]; ok {
		return ch
	}
	ch := NewChunk(pos, s.size, s.def)
	_ = ch.Digest()
	s.chunks[pos] = ch
	return ch
}

func (s *Store) generateChunk(ch *Chunk) {
	org := ch.Pos.Origin(s.size)
	for z := 0; z < s.size; z++ {
		for x := 0; x < s.size; x++ {
			wx := org.X + x
			wz := org.Z + z
			// Column height from hashed noise, rock under soil under
			// one surface cell.
			h := int(hash3(s.gen.Seed, wx, 0, wz) % 8)
			for y := 0; y < s.size; y++ {
				wy := org.Y + y
				var c Cell
				switch {
				case wy > h:
					c = s.def
				case wy == h:
					c = Cell{Material: s.gen.Surface}
				case wy >= h-2:
					c = Cell{Material: s.gen.Soil}
				default:
					c = Cell{Material: s.gen.Rock}
				}
				ch.Cells[ch.index(x, y, z)] = c
			}
		}
	}
}
