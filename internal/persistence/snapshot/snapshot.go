package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/encoding"
)

type Header struct {
	Version int    `json:"version"`
	Tick    uint64 `json:"tick"`
	SavedAt string `json:"saved_at,omitempty"`
}

// SnapshotV1 captures the full voxel store plus the parameters needed
// to resume it. Cell data is parallel material/flag arrays in x-fastest,
// then z, then y order; on disk the arrays are run-length packed.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Seed      int64 `json:"seed"`
	ChunkSize int   `json:"chunk_size"`
	BoundaryR int   `json:"boundary_r"`

	DefaultMaterial uint16 `json:"default_material"`
	DefaultFlags    uint8  `json:"default_flags"`

	Chunks []ChunkV1 `json:"chunks"`
}

type ChunkV1 struct {
	CX        int      `json:"cx"`
	CY        int      `json:"cy"`
	CZ        int      `json:"cz"`
	Materials []uint16 `json:"materials"`
	Flags     []uint8  `json:"flags"`
}

// Gob body. Cell arrays travel as RLE varint pairs.
type bodyV1 struct {
	Header          Header
	Seed            int64
	ChunkSize       int
	BoundaryR       int
	DefaultMaterial uint16
	DefaultFlags    uint8
	Chunks          []chunkWireV1
}

type chunkWireV1 struct {
	CX, CY, CZ int
	Materials  []byte
	Flags      []byte
}

func packBody(snap SnapshotV1) bodyV1 {
	body := bodyV1{
		Header:          snap.Header,
		Seed:            snap.Seed,
		ChunkSize:       snap.ChunkSize,
		BoundaryR:       snap.BoundaryR,
		DefaultMaterial: snap.DefaultMaterial,
		DefaultFlags:    snap.DefaultFlags,
		Chunks:          make([]chunkWireV1, 0, len(snap.Chunks)),
	}
	for _, c := range snap.Chunks {
		body.Chunks = append(body.Chunks, chunkWireV1{
			CX:        c.CX,
			CY:        c.CY,
			CZ:        c.CZ,
			Materials: encoding.EncodeRLE(c.Materials),
			Flags:     encoding.EncodeRLE8(c.Flags),
		})
	}
	return body
}

func unpackBody(body bodyV1) (SnapshotV1, error) {
	snap := SnapshotV1{
		Header:          body.Header,
		Seed:            body.Seed,
		ChunkSize:       body.ChunkSize,
		BoundaryR:       body.BoundaryR,
		DefaultMaterial: body.DefaultMaterial,
		DefaultFlags:    body.DefaultFlags,
		Chunks:          make([]ChunkV1, 0, len(body.Chunks)),
	}
	for _, cw := range body.Chunks {
		mats, err := encoding.DecodeRLE(cw.Materials)
		if err != nil {
			return snap, fmt.Errorf("chunk (%d,%d,%d) materials: %w", cw.CX, cw.CY, cw.CZ, err)
		}
		flags, err := encoding.DecodeRLE8(cw.Flags)
		if err != nil {
			return snap, fmt.Errorf("chunk (%d,%d,%d) flags: %w", cw.CX, cw.CY, cw.CZ, err)
		}
		if len(flags) != len(mats) {
			return snap, fmt.Errorf("chunk (%d,%d,%d): %d materials, %d flags", cw.CX, cw.CY, cw.CZ, len(mats), len(flags))
		}
		snap.Chunks = append(snap.Chunks, ChunkV1{
			CX:        cw.CX,
			CY:        cw.CY,
			CZ:        cw.CZ,
			Materials: mats,
			Flags:     flags,
		})
	}
	return snap, nil
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	body := packBody(snap)
	if err := gob.NewEncoder(bw).Encode(&body); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Read header line (ignore it for now, gob also contains header).
	_, _ = br.ReadBytes('\n')

	var body bodyV1
	if err := gob.NewDecoder(br).Decode(&body); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return unpackBody(body)
}

// Path names the snapshot file for a tick under dir.
func Path(dir string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.snap.zst", tick))
}

// Latest returns the path of the highest-tick snapshot under dir, or
// "" when there is none.
func Latest(dir string) string {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		tick, ok := tickFromName(name)
		if !ok {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

// Prune removes the oldest snapshots, keeping at most keep files.
// keep <= 0 keeps everything.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	type snapFile struct {
		tick uint64
		name string
	}
	var files []snapFile
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		tick, ok := tickFromName(e.Name())
		if !ok {
			continue
		}
		files = append(files, snapFile{tick: tick, name: e.Name()})
	}
	if len(files) <= keep {
		return 0, nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].tick < files[j].tick })

	removed := 0
	for _, f := range files[:len(files)-keep] {
		if err := os.Remove(filepath.Join(dir, f.name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func tickFromName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, ".snap.zst") {
		return 0, false
	}
	base := strings.TrimSuffix(name, ".snap.zst")
	tick, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return tick, true
}
