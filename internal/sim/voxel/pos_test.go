package voxel

import "testing"

func TestChunkFloorDivision(t *testing.T) {
	cases := []struct {
		cell CellPos
		want ChunkPos
	}{
		{CellPos{0, 0, 0}, ChunkPos{0, 0, 0}},
		{CellPos{5, 5, 5}, ChunkPos{0, 0, 0}},
		{CellPos{5, 5, 6}, ChunkPos{0, 0, 0}},
		{CellPos{15, 15, 15}, ChunkPos{0, 0, 0}},
		{CellPos{16, 0, 0}, ChunkPos{1, 0, 0}},
		{CellPos{-1, 0, 0}, ChunkPos{-1, 0, 0}},
		{CellPos{-16, 0, 0}, ChunkPos{-1, 0, 0}},
		{CellPos{-17, 31, -33}, ChunkPos{-2, 1, -3}},
	}
	for _, c := range cases {
		if got := c.cell.Chunk(16); got != c.want {
			t.Errorf("Chunk(%v) = %v, want %v", c.cell, got, c.want)
		}
	}
}

func TestLocalWrapsNegative(t *testing.T) {
	lx, ly, lz := (CellPos{-1, -1, -1}).Local(16)
	if lx != 15 || ly != 15 || lz != 15 {
		t.Fatalf("Local(-1,-1,-1) = (%d,%d,%d), want (15,15,15)", lx, ly, lz)
	}
}

func TestOriginRoundTrip(t *testing.T) {
	for _, cp := range []ChunkPos{{0, 0, 0}, {1, 2, 3}, {-1, -2, -3}} {
		if got := cp.Origin(16).Chunk(16); got != cp {
			t.Errorf("Origin/Chunk round trip for %v gave %v", cp, got)
		}
	}
}

func TestFaceNeighborsDistinct(t *testing.T) {
	p := CellPos{3, 4, 5}
	seen := map[CellPos]bool{p: true}
	for _, n := range p.FaceNeighbors() {
		if seen[n] {
			t.Fatalf("duplicate neighbor %v", n)
		}
		seen[n] = true
	}
}
