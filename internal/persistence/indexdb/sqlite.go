package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/snapshot"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/sched"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

// Index mirrors per-tick scheduler outcomes and committed chunk meshes
// into a local SQLite file. Writes go through a buffered channel to a
// single writer goroutine; the tick loop never blocks on the database.
type Index struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTicks  atomic.Uint64
	dropMeshes atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqMeshes
	reqSnapshot
)

type req struct {
	kind   reqKind
	tick   tickRow
	meshes meshBatch
	snap   snapRow
}

type tickRow struct {
	Stats      sched.TickStats
	RecordedAt string
}

// MeshRow describes one committed chunk mesh.
type MeshRow struct {
	Chunk voxel.ChunkPos
	Faces int
	Bytes int
}

type meshBatch struct {
	Tick uint64
	Rows []MeshRow
}

type snapRow struct {
	Tick    uint64
	Path    string
	Seed    int64
	Chunks  int
	SavedAt string
}

// Stats reports writer queue health.
type Stats struct {
	QueueDepth    int
	QueueCapacity int
	DropTickTotal uint64
	DropMeshTotal uint64
}

func Open(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Index{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			diffs INTEGER NOT NULL,
			dirty INTEGER NOT NULL,
			remeshed INTEGER NOT NULL,
			uploaded INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			backlog_diffs INTEGER NOT NULL,
			backlog_dirty INTEGER NOT NULL,
			backlog_remesh INTEGER NOT NULL,
			backlog_uploads INTEGER NOT NULL,
			dur_us INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_failures ON ticks(failures);`,
		`CREATE TABLE IF NOT EXISTS chunk_meshes (
			cx INTEGER NOT NULL,
			cy INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			last_tick INTEGER NOT NULL,
			faces INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			PRIMARY KEY (cx, cy, cz)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_meshes_last_tick ON chunk_meshes(last_tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			saved_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *Index) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordTick enqueues one frame summary. Entries are dropped if the
// indexer falls behind; the event log remains the source of truth.
func (s *Index) RecordTick(st sched.TickStats) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	r := tickRow{
		Stats:      st,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqTick, tick: r}:
	default:
		s.dropTicks.Add(1)
	}
	return nil
}

// RecordMeshes enqueues the meshes committed during one frame.
func (s *Index) RecordMeshes(tick uint64, rows []MeshRow) {
	if s == nil || s.closed.Load() || len(rows) == 0 {
		return
	}
	select {
	case s.ch <- req{kind: reqMeshes, meshes: meshBatch{Tick: tick, Rows: rows}}:
	default:
		s.dropMeshes.Add(1)
	}
}

// RecordSnapshot enqueues the metadata of a written snapshot file.
func (s *Index) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapRow{
		Tick:    snap.Header.Tick,
		Path:    path,
		Seed:    snap.Seed,
		Chunks:  len(snap.Chunks),
		SavedAt: snap.Header.SavedAt,
	}
	if r.SavedAt == "" {
		r.SavedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snap: r}:
	default:
		s.dropTicks.Add(1)
	}
}

func (s *Index) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTickTotal: s.dropTicks.Load(),
		DropMeshTotal: s.dropMeshes.Load(),
	}
}

func (s *Index) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,diffs,dirty,remeshed,uploaded,failures,backlog_diffs,backlog_dirty,backlog_remesh,backlog_uploads,dur_us,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	upsertMesh, _ := s.db.Prepare(`INSERT OR REPLACE INTO chunk_meshes(cx,cy,cz,last_tick,faces,bytes) VALUES(?,?,?,?,?,?)`)
	insertSnap, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,seed,chunks,saved_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if upsertMesh != nil {
			_ = upsertMesh.Close()
		}
		if insertSnap != nil {
			_ = insertSnap.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			st := r.tick.Stats
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(
					int64(st.Tick),
					st.DiffsProcessed,
					st.DirtyProcessed,
					st.ChunksRemeshed,
					st.ChunksUploaded,
					st.Failures,
					st.Backlog.Diffs,
					st.Backlog.Dirty,
					st.Backlog.Remesh,
					st.Backlog.Uploads,
					st.DurationMicros,
					r.tick.RecordedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqMeshes:
			for _, m := range r.meshes.Rows {
				if upsertMesh == nil {
					break
				}
				if _, err := tx.Stmt(upsertMesh).Exec(
					m.Chunk.X, m.Chunk.Y, m.Chunk.Z,
					int64(r.meshes.Tick),
					m.Faces,
					m.Bytes,
				); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqSnapshot:
			if insertSnap != nil {
				if _, err := tx.Stmt(insertSnap).Exec(
					int64(r.snap.Tick),
					r.snap.Path,
					r.snap.Seed,
					r.snap.Chunks,
					r.snap.SavedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
