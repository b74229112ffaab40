package voxel

// CellPos addresses a single cell in world space.
type CellPos struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// ChunkPos addresses a chunk in chunk space.
type ChunkPos struct {
	X int `json:"cx"`
	Y int `json:"cy"`
	Z int `json:"cz"`
}

func (p CellPos) Offset(dx, dy, dz int) CellPos {
	return CellPos{X: p.X + dx, Y: p.Y + dy, Z: p.Z + dz}
}

// Chunk returns the chunk owning p. size > 0.
func (p CellPos) Chunk(size int) ChunkPos {
	return ChunkPos{
		X: floorDiv(p.X, size),
		Y: floorDiv(p.Y, size),
		Z: floorDiv(p.Z, size),
	}
}

// Local returns p's coordinates relative to its owning chunk's origin.
func (p CellPos) Local(size int) (int, int, int) {
	return mod(p.X, size), mod(p.Y, size), mod(p.Z, size)
}

// Origin returns the world position of the chunk's (0,0,0) cell.
func (c ChunkPos) Origin(size int) CellPos {
	return CellPos{X: c.X * size, Y: c.Y * size, Z: c.Z * size}
}

// FaceNeighbors returns the six face-adjacent cells of p.
func (p CellPos) FaceNeighbors() [6]CellPos {
	return [6]CellPos{
		p.Offset(1, 0, 0),
		p.Offset(-1, 0, 0),
		p.Offset(0, 1, 0),
		p.Offset(0, -1, 0),
		p.Offset(0, 0, 1),
		p.Offset(0, 0, -1),
	}
}

func floorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}
