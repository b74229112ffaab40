package main

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/indexdb"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/mirror"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/runtime"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/sched"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/transport/observer"
)

// openIndex opens the local read-model index. It does not affect the
// tick loop; disabling it only loses the admin/query surface.
func openIndex(worldDir string, disable bool) (*indexdb.Index, error) {
	if disable {
		return nil, nil
	}
	return indexdb.Open(filepath.Join(worldDir, "index", "sim.db"))
}

// buildMirror opens the remote stats mirror when an endpoint is set.
// The token comes from VP_MIRROR_TOKEN so it stays out of process
// listings.
func buildMirror(endpoint, worldID string, logger *log.Logger) (*mirror.Mirror, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, nil
	}
	return mirror.Open(mirror.Config{
		Endpoint:      endpoint,
		Token:         strings.TrimSpace(os.Getenv("VP_MIRROR_TOKEN")),
		WorldID:       worldID,
		BatchSize:     envInt("VP_MIRROR_BATCH_SIZE", 128),
		FlushInterval: time.Duration(envInt("VP_MIRROR_FLUSH_MS", 500)) * time.Millisecond,
		Logger:        logger,
	})
}

// multiRegistry fans one frame summary out to several registries.
type multiRegistry []runtime.Registry

func (m multiRegistry) RecordTick(st sched.TickStats) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordTick(st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// meshIndex adapts the index to the observer hub's mesh recorder.
type meshIndex struct {
	idx *indexdb.Index
}

func (m meshIndex) RecordMeshes(tick uint64, rows []observer.MeshRecord) {
	out := make([]indexdb.MeshRow, len(rows))
	for i, r := range rows {
		out[i] = indexdb.MeshRow{Chunk: r.Chunk, Faces: r.Faces, Bytes: r.Bytes}
	}
	m.idx.RecordMeshes(tick, out)
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
