package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/snapshot"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/sched"
)

// Mirror pushes tick summaries and snapshot records to a remote HTTP
// collector in batches. Delivery is best effort: the tick loop never
// blocks, full queues drop, and a failed flush keeps its batch for the
// next attempt.
type Mirror struct {
	cfg        Config
	httpClient *http.Client

	ch   chan event
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	queueDropped atomic.Uint64
	flushFails   atomic.Uint64
}

type Config struct {
	Endpoint      string
	Token         string
	WorldID       string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

type event struct {
	Kind    string `json:"kind"`
	WorldID string `json:"world_id"`
	Payload any    `json:"payload"`
}

type tickPayload struct {
	Tick     uint64             `json:"tick"`
	Diffs    int                `json:"diffs"`
	Dirty    int                `json:"dirty"`
	Remeshed int                `json:"remeshed"`
	Uploaded int                `json:"uploaded"`
	Failures int                `json:"failures"`
	Backlog  sched.BacklogSizes `json:"backlog"`
	DurUs    int64              `json:"dur_us"`
}

type snapshotPayload struct {
	Tick   uint64 `json:"tick"`
	Path   string `json:"path"`
	Seed   int64  `json:"seed"`
	Chunks int    `json:"chunks"`
}

// Stats reports mirror queue health.
type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	QueueDroppedTotal uint64
	FlushFailTotal    uint64
}

// A stuck collector must not grow the retained batch forever.
const batchHardCap = 16384

func Open(cfg Config) (*Mirror, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.WorldID = strings.TrimSpace(cfg.WorldID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty mirror endpoint")
	}
	if cfg.WorldID == "" {
		return nil, fmt.Errorf("empty world id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	m := &Mirror{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		ch: make(chan event, 32768),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop()
	}()

	return m, nil
}

func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.ch)
		m.wg.Wait()
	})
	return nil
}

// RecordTick enqueues one frame summary.
func (m *Mirror) RecordTick(st sched.TickStats) error {
	if m == nil || m.closed.Load() {
		return nil
	}
	p := tickPayload{
		Tick:     st.Tick,
		Diffs:    st.DiffsProcessed,
		Dirty:    st.DirtyProcessed,
		Remeshed: st.ChunksRemeshed,
		Uploaded: st.ChunksUploaded,
		Failures: st.Failures,
		Backlog:  st.Backlog,
		DurUs:    st.DurationMicros,
	}
	m.enqueue(event{Kind: "tick", WorldID: m.cfg.WorldID, Payload: p})
	return nil
}

// RecordSnapshot enqueues one written-snapshot record.
func (m *Mirror) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if m == nil || m.closed.Load() {
		return
	}
	p := snapshotPayload{
		Tick:   snap.Header.Tick,
		Path:   path,
		Seed:   snap.Seed,
		Chunks: len(snap.Chunks),
	}
	m.enqueue(event{Kind: "snapshot", WorldID: m.cfg.WorldID, Payload: p})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(m.ch),
		QueueCapacity:     cap(m.ch),
		QueueDroppedTotal: m.queueDropped.Load(),
		FlushFailTotal:    m.flushFails.Load(),
	}
}

func (m *Mirror) enqueue(ev event) {
	select {
	case m.ch <- ev:
	default:
		m.queueDropped.Add(1)
		m.printf("mirror queue full; drop kind=%s world=%s", ev.Kind, ev.WorldID)
	}
}

func (m *Mirror) loop() {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]event, 0, m.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := m.sendBatch(batch); err != nil {
			m.flushFails.Add(1)
			m.printf("mirror flush failed batch=%d err=%v", len(batch), err)
			if len(batch) > batchHardCap {
				m.queueDropped.Add(uint64(len(batch)))
				m.printf("mirror dropping %d retained events", len(batch))
				batch = batch[:0]
			}
			// Otherwise keep the batch; the next flush retries it.
			return
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-m.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= m.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (m *Mirror) sendBatch(events []event) error {
	if len(events) == 0 {
		return nil
	}

	body := struct {
		Events []event `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, m.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if m.cfg.Token != "" {
			req.Header.Set("x-vp-mirror-token", m.cfg.Token)
		}

		resp, err := m.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (m *Mirror) printf(format string, args ...any) {
	if m != nil && m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	}
}
