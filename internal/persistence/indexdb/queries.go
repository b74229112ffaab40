package indexdb

import (
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/sched"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

// TickRow is one persisted frame summary.
type TickRow struct {
	Tick           uint64             `json:"tick"`
	Diffs          int                `json:"diffs"`
	Dirty          int                `json:"dirty"`
	Remeshed       int                `json:"remeshed"`
	Uploaded       int                `json:"uploaded"`
	Failures       int                `json:"failures"`
	Backlog        sched.BacklogSizes `json:"backlog"`
	DurationMicros int64              `json:"dur_us"`
	RecordedAt     string             `json:"recorded_at"`
}

// LatestTicks returns up to n frame summaries, newest first.
func (s *Index) LatestTicks(n int) ([]TickRow, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT tick,diffs,dirty,remeshed,uploaded,failures,backlog_diffs,backlog_dirty,backlog_remesh,backlog_uploads,dur_us,recorded_at FROM ticks ORDER BY tick DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickRow
	for rows.Next() {
		var r TickRow
		var tick int64
		if err := rows.Scan(
			&tick,
			&r.Diffs, &r.Dirty, &r.Remeshed, &r.Uploaded, &r.Failures,
			&r.Backlog.Diffs, &r.Backlog.Dirty, &r.Backlog.Remesh, &r.Backlog.Uploads,
			&r.DurationMicros, &r.RecordedAt,
		); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MeshTotals sums the chunk mesh table.
type MeshTotals struct {
	Chunks   int    `json:"chunks"`
	Faces    int64  `json:"faces"`
	Bytes    int64  `json:"bytes"`
	LastTick uint64 `json:"last_tick"`
}

func (s *Index) MeshTotals() (MeshTotals, error) {
	var t MeshTotals
	var last int64
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(faces),0), COALESCE(SUM(bytes),0), COALESCE(MAX(last_tick),0) FROM chunk_meshes`).
		Scan(&t.Chunks, &t.Faces, &t.Bytes, &last)
	if err != nil {
		return MeshTotals{}, err
	}
	t.LastTick = uint64(last)
	return t, nil
}

// ChunkMeshRow is one persisted chunk mesh record.
type ChunkMeshRow struct {
	Chunk    voxel.ChunkPos `json:"chunk"`
	LastTick uint64         `json:"last_tick"`
	Faces    int            `json:"faces"`
	Bytes    int            `json:"bytes"`
}

// SnapshotRow is one recorded snapshot file.
type SnapshotRow struct {
	Tick    uint64 `json:"tick"`
	Path    string `json:"path"`
	Seed    int64  `json:"seed"`
	Chunks  int    `json:"chunks"`
	SavedAt string `json:"saved_at"`
}

// Snapshots returns recorded snapshots, newest first.
func (s *Index) Snapshots(limit int) ([]SnapshotRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT tick,path,seed,chunks,saved_at FROM snapshots ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var tick int64
		if err := rows.Scan(&tick, &r.Path, &r.Seed, &r.Chunks, &r.SavedAt); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ChunkMeshes returns per-chunk rows, most recently updated first.
func (s *Index) ChunkMeshes(limit int) ([]ChunkMeshRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT cx,cy,cz,last_tick,faces,bytes FROM chunk_meshes ORDER BY last_tick DESC, cx, cy, cz LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChunkMeshRow
	for rows.Next() {
		var r ChunkMeshRow
		var last int64
		if err := rows.Scan(&r.Chunk.X, &r.Chunk.Y, &r.Chunk.Z, &last, &r.Faces, &r.Bytes); err != nil {
			return nil, err
		}
		r.LastTick = uint64(last)
		out = append(out, r)
	}
	return out, rows.Err()
}
