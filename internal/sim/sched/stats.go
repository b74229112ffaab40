package sched

// TickStats is the merged outcome of one frame's update and commit
// drains, as recorded to the registry and streamed to observers.
type TickStats struct {
	Tick uint64 `json:"tick"`

	DiffsProcessed int `json:"diffs"`
	DirtyProcessed int `json:"dirty"`
	ChunksRemeshed int `json:"remeshed"`
	ChunksUploaded int `json:"uploaded"`
	Failures       int `json:"failures"`

	Backlog        BacklogSizes `json:"backlog"`
	DurationMicros int64        `json:"dur_us"`

	// Dropped lists the tick's failed work items, in drain order.
	Dropped []WorkFailure `json:"-"`
}

func MergeReports(up UpdateReport, cm CommitReport) TickStats {
	st := TickStats{
		Tick:           up.Tick,
		DiffsProcessed: up.DiffsProcessed,
		DirtyProcessed: up.DirtyProcessed,
		ChunksRemeshed: up.ChunksRemeshed,
		ChunksUploaded: cm.ChunksUploaded,
		Failures:       len(up.Failures) + len(cm.Failures),
		Backlog:        cm.Backlog,
	}
	if st.Failures > 0 {
		st.Dropped = make([]WorkFailure, 0, st.Failures)
		st.Dropped = append(st.Dropped, up.Failures...)
		st.Dropped = append(st.Dropped, cm.Failures...)
	}
	return st
}

type StatsBucket struct {
	Diffs    int `json:"diffs"`
	Dirty    int `json:"dirty"`
	Remeshes int `json:"remeshes"`
	Uploads  int `json:"uploads"`
	Failures int `json:"failures"`
}

// Window aggregates recent tick stats into fixed-width buckets so the
// metrics endpoint and observer hello can report a rolling view.
type Window struct {
	bucketTicks uint64
	windowTicks uint64

	buckets []StatsBucket
	curIdx  int
	curBase uint64 // start tick (inclusive) of current bucket
}

func NewWindow(bucketTicks, windowTicks uint64) *Window {
	if bucketTicks <= 0 {
		bucketTicks = 100
	}
	if windowTicks < bucketTicks {
		windowTicks = bucketTicks
	}
	n := int(windowTicks / bucketTicks)
	if n < 1 {
		n = 1
	}
	return &Window{
		bucketTicks: bucketTicks,
		windowTicks: uint64(n) * bucketTicks,
		buckets:     make([]StatsBucket, n),
	}
}

func (w *Window) rotate(nowTick uint64) {
	if w == nil {
		return
	}
	// A jump past the whole window (a restored world resumes at its
	// snapshot tick) clears every bucket; skip ahead in one step.
	if nowTick >= w.curBase+w.windowTicks+w.bucketTicks {
		for i := range w.buckets {
			w.buckets[i] = StatsBucket{}
		}
		w.curBase = nowTick - nowTick%w.bucketTicks
		return
	}
	// Move forward until nowTick is in [curBase, curBase+bucketTicks).
	for nowTick >= w.curBase+w.bucketTicks {
		w.curIdx = (w.curIdx + 1) % len(w.buckets)
		w.buckets[w.curIdx] = StatsBucket{}
		w.curBase += w.bucketTicks
	}
}

func (w *Window) Record(st TickStats) {
	if w == nil {
		return
	}
	w.rotate(st.Tick)
	b := &w.buckets[w.curIdx]
	b.Diffs += st.DiffsProcessed
	b.Dirty += st.DirtyProcessed
	b.Remeshes += st.ChunksRemeshed
	b.Uploads += st.ChunksUploaded
	b.Failures += st.Failures
}

func (w *Window) WindowTicks() uint64 {
	if w == nil {
		return 0
	}
	return w.windowTicks
}

func (w *Window) Summarize(nowTick uint64) StatsBucket {
	if w == nil {
		return StatsBucket{}
	}
	w.rotate(nowTick)
	var out StatsBucket
	for _, b := range w.buckets {
		out.Diffs += b.Diffs
		out.Dirty += b.Dirty
		out.Remeshes += b.Remeshes
		out.Uploads += b.Uploads
		out.Failures += b.Failures
	}
	return out
}
