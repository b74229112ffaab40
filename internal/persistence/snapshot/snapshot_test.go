package snapshot

import (
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	snap := SnapshotV1{
		Header:          Header{Version: 1, Tick: 42, SavedAt: "2026-01-01T00:00:00Z"},
		Seed:            1337,
		ChunkSize:       16,
		BoundaryR:       1024,
		DefaultMaterial: 0,
		Chunks: []ChunkV1{
			{CX: 0, CY: 0, CZ: 0, Materials: []uint16{1, 2, 3}, Flags: []uint8{0, 0, 1}},
			{CX: -1, CY: 0, CZ: 2, Materials: []uint16{7}, Flags: []uint8{0}},
			{CX: 3, CY: 0, CZ: 0, Materials: denseMaterials(16*16*16, 7, 100, 9), Flags: make([]uint8, 16*16*16)},
		},
	}

	path := Path(dir, snap.Header.Tick)
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Header.Tick != 42 || got.Seed != 1337 || got.ChunkSize != 16 {
		t.Fatalf("header mismatch: %+v", got)
	}
	if len(got.Chunks) != 3 {
		t.Fatalf("chunks=%d want 3", len(got.Chunks))
	}
	if got.Chunks[1].CX != -1 || got.Chunks[1].Materials[0] != 7 {
		t.Fatalf("chunk mismatch: %+v", got.Chunks[1])
	}
	dense := got.Chunks[2]
	if len(dense.Materials) != 16*16*16 || len(dense.Flags) != 16*16*16 {
		t.Fatalf("dense chunk lengths: %d materials, %d flags", len(dense.Materials), len(dense.Flags))
	}
	if dense.Materials[99] != 7 || dense.Materials[100] != 9 || dense.Materials[101] != 7 {
		t.Fatalf("dense chunk cells: %d %d %d", dense.Materials[99], dense.Materials[100], dense.Materials[101])
	}
}

func denseMaterials(n int, fill uint16, at int, v uint16) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = fill
	}
	out[at] = v
	return out
}

func TestLatestAndPrune(t *testing.T) {
	dir := t.TempDir()

	for _, tick := range []uint64{10, 30, 20} {
		snap := SnapshotV1{Header: Header{Version: 1, Tick: tick}, ChunkSize: 16}
		if err := WriteSnapshot(Path(dir, tick), snap); err != nil {
			t.Fatalf("write %d: %v", tick, err)
		}
	}

	if got := Latest(dir); got != Path(dir, 30) {
		t.Fatalf("latest=%q want %q", got, Path(dir, 30))
	}

	removed, err := Prune(dir, 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d want 1", removed)
	}
	if got := Latest(dir); got != Path(dir, 30) {
		t.Fatalf("latest after prune=%q", got)
	}
	if _, err := ReadSnapshot(Path(dir, 10)); err == nil {
		t.Fatalf("expected oldest snapshot removed")
	}
}

func TestLatestEmptyDir(t *testing.T) {
	if got := Latest(filepath.Join(t.TempDir(), "missing")); got != "" {
		t.Fatalf("latest=%q want empty", got)
	}
}
