package runtime

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/snapshot"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/sched"
)

// Loop drives the handle from a wall-clock ticker: one update phase
// then one commit phase per frame.
type Loop struct {
	h      *Handle
	logger *log.Logger

	// OnSnapshot, when set before Run, is called from the snapshot
	// writer goroutine after each successful write.
	OnSnapshot func(path string, snap snapshot.SnapshotV1)

	snapDir  string
	snapKeep int
	snapCh   chan snapshot.SnapshotV1
}

func NewLoop(h *Handle, logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{h: h, logger: logger}
}

// EnableSnapshots arranges for the loop to export the store every
// SnapshotEveryTicks ticks and write it under dir, pruning to keep
// files. Call before Run.
func (l *Loop) EnableSnapshots(dir string, keep int) {
	l.snapDir = dir
	l.snapKeep = keep
	l.snapCh = make(chan snapshot.SnapshotV1, 2)
}

// Run ticks until ctx is cancelled or the handle shuts down. A tick
// refused over a configuration violation is logged and skipped; the
// backlog stays queued for the next frame. Tick numbering resumes from
// the handle's current tick, so a restored world continues counting.
func (l *Loop) Run(ctx context.Context) error {
	hz := l.h.ActiveConfig().TickRateHz
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	if l.snapCh != nil {
		go l.writeSnapshots(ctx)
	}

	tick := l.h.CurrentTick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick++
			if !l.step(tick) {
				return nil
			}
			l.maybeSnapshot(tick)
		}
	}
}

func (l *Loop) step(tick uint64) bool {
	start := time.Now()

	if _, err := l.h.TickUpdate(tick); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return false
		}
		if errors.Is(err, sched.ErrConfigViolation) {
			return true
		}
		l.logger.Printf("tick %d update: %v", tick, err)
		return true
	}
	if _, err := l.h.TickCommit(tick); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return false
		}
		if errors.Is(err, sched.ErrConfigViolation) {
			return true
		}
		l.logger.Printf("tick %d commit: %v", tick, err)
		return true
	}

	if d := time.Since(start); d > 50*time.Millisecond {
		l.logger.Printf("slow tick %d: %s", tick, d)
	}
	return true
}

// maybeSnapshot exports on the loop goroutine and hands the clone to
// the writer goroutine. A full write channel drops the snapshot rather
// than stalling the frame.
func (l *Loop) maybeSnapshot(tick uint64) {
	if l.snapCh == nil {
		return
	}
	every := l.h.ActiveConfig().SnapshotEveryTicks
	if every <= 0 || tick%uint64(every) != 0 {
		return
	}
	snap, err := l.h.ExportSnapshot(tick)
	if err != nil {
		return
	}
	select {
	case l.snapCh <- snap:
	default:
		l.logger.Printf("snapshot writer behind, skipping tick %d", tick)
	}
}

func (l *Loop) writeSnapshots(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-l.snapCh:
			path := snapshot.Path(l.snapDir, snap.Header.Tick)
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				l.logger.Printf("snapshot write: %v", err)
				continue
			}
			if l.OnSnapshot != nil {
				l.OnSnapshot(path, snap)
			}
			if removed, err := snapshot.Prune(l.snapDir, l.snapKeep); err != nil {
				l.logger.Printf("snapshot prune: %v", err)
			} else if removed > 0 {
				l.logger.Printf("snapshot %d written, pruned %d", snap.Header.Tick, removed)
			} else {
				l.logger.Printf("snapshot %d written (%d chunks)", snap.Header.Tick, len(snap.Chunks))
			}
		}
	}
}
