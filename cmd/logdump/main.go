package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/eventlog"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/snapshot"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst to describe")
		eventsDir  = flag.String("events", "", "events dir containing events-*.jsonl.zst")
		fromTick   = flag.Uint64("from_tick", 0, "ignore events before this tick (inclusive)")
		toTick     = flag.Uint64("to_tick", 0, "ignore events after this tick (inclusive, 0 = no limit)")
		typeFilter = flag.String("type", "", "only count/print events of this type")
		tail       = flag.Int("tail", 0, "print the last n matching events as JSON lines")
		listChunks = flag.Bool("chunks", false, "list the snapshot's chunks")
	)
	flag.Parse()

	if *snapPath == "" && *eventsDir == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot or -events")
		os.Exit(2)
	}

	if *snapPath != "" {
		describeSnapshot(*snapPath, *listChunks)
	}
	if *eventsDir != "" {
		dumpEvents(*eventsDir, *fromTick, *toTick, *typeFilter, *tail)
	}
}

func describeSnapshot(path string, listChunks bool) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	cells := 0
	nonDefault := 0
	for _, c := range snap.Chunks {
		cells += len(c.Materials)
		for i, m := range c.Materials {
			if m != snap.DefaultMaterial || c.Flags[i] != snap.DefaultFlags {
				nonDefault++
			}
		}
	}
	fmt.Printf("snapshot v%d tick=%d saved=%s seed=%d chunk_size=%d boundary=%d chunks=%d cells=%d non_default=%d\n",
		snap.Header.Version, snap.Header.Tick, snap.Header.SavedAt, snap.Seed,
		snap.ChunkSize, snap.BoundaryR, len(snap.Chunks), cells, nonDefault)

	if !listChunks {
		return
	}
	for _, c := range snap.Chunks {
		n := 0
		for i, m := range c.Materials {
			if m != snap.DefaultMaterial || c.Flags[i] != snap.DefaultFlags {
				n++
			}
		}
		fmt.Printf("chunk (%d,%d,%d) non_default=%d\n", c.CX, c.CY, c.CZ, n)
	}
}

func dumpEvents(dir string, fromTick, toTick uint64, typeFilter string, tail int) {
	files, err := eventlog.ListFiles(dir, "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", dir)
		os.Exit(1)
	}

	byType := map[string]int{}
	var (
		total     int
		firstTick uint64
		lastTick  uint64
		haveFirst bool
		tailBuf   []eventlog.Entry
	)
	for _, path := range files {
		ents, err := eventlog.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", filepath.Base(path), err)
			os.Exit(1)
		}
		for _, e := range ents {
			if e.Tick < fromTick {
				continue
			}
			if toTick != 0 && e.Tick > toTick {
				continue
			}
			if typeFilter != "" && e.Type != typeFilter {
				continue
			}
			total++
			byType[e.Type]++
			if !haveFirst || e.Tick < firstTick {
				firstTick = e.Tick
				haveFirst = true
			}
			if e.Tick > lastTick {
				lastTick = e.Tick
			}
			if tail > 0 {
				tailBuf = append(tailBuf, e)
				if len(tailBuf) > tail {
					tailBuf = tailBuf[1:]
				}
			}
		}
	}

	fmt.Printf("events files=%d matched=%d ticks=%d..%d\n", len(files), total, firstTick, lastTick)

	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Printf("  %-20s %d\n", t, byType[t])
	}

	for _, e := range tailBuf {
		b, err := json.Marshal(e)
		if err != nil {
			continue
		}
		fmt.Println(string(b))
	}
}
