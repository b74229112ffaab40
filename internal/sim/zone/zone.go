package zone

import (
	"sort"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

// Service tracks which chunks are worth keeping loaded: a square zone
// of chunks around an anchor, plus recently touched chunks outside it.
type Service struct {
	radius   int
	ttlTicks uint64
	anchor   voxel.ChunkPos

	// Accessed only from the runtime loop goroutine.
	lastSeen map[voxel.ChunkPos]uint64
}

func New(radius int, ttlTicks uint64) *Service {
	if radius < 0 {
		radius = 0
	}
	return &Service{
		radius:   radius,
		ttlTicks: ttlTicks,
		lastSeen: map[voxel.ChunkPos]uint64{},
	}
}

func (s *Service) SetAnchor(c voxel.ChunkPos) { s.anchor = c }

func (s *Service) InZone(c voxel.ChunkPos) bool {
	dx := c.X - s.anchor.X
	dz := c.Z - s.anchor.Z
	if dx < 0 {
		dx = -dx
	}
	if dz < 0 {
		dz = -dz
	}
	return dx <= s.radius && dz <= s.radius && c.Y == s.anchor.Y
}

// SeedChunks lists the zone's chunk layer around the anchor, ordered
// deterministically.
func (s *Service) SeedChunks() []voxel.ChunkPos {
	out := make([]voxel.ChunkPos, 0, (2*s.radius+1)*(2*s.radius+1))
	for dz := -s.radius; dz <= s.radius; dz++ {
		for dx := -s.radius; dx <= s.radius; dx++ {
			out = append(out, voxel.ChunkPos{
				X: s.anchor.X + dx,
				Y: s.anchor.Y,
				Z: s.anchor.Z + dz,
			})
		}
	}
	return out
}

// Touch records activity on a chunk so it outlives the zone for a
// while.
func (s *Service) Touch(c voxel.ChunkPos, now uint64) {
	s.lastSeen[c] = now
}

// Tick returns chunks whose activity lapsed past the TTL and forgets
// them. Chunks inside the zone never expire. A zero TTL disables
// expiry entirely.
func (s *Service) Tick(now uint64) []voxel.ChunkPos {
	if s.ttlTicks == 0 {
		return nil
	}
	var expired []voxel.ChunkPos
	for c, last := range s.lastSeen {
		if s.InZone(c) {
			continue
		}
		if now-last < s.ttlTicks {
			continue
		}
		expired = append(expired, c)
	}
	for _, c := range expired {
		delete(s.lastSeen, c)
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].X != expired[j].X {
			return expired[i].X < expired[j].X
		}
		if expired[i].Y != expired[j].Y {
			return expired[i].Y < expired[j].Y
		}
		return expired[i].Z < expired[j].Z
	})
	return expired
}
