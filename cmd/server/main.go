package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/eventlog"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/indexdb"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/mirror"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/persistence/snapshot"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/mesh"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/runtime"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/sched"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/tuning"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/zone"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/transport/observer"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/transport/ws"
)

func main() {
	var (
		addr         = flag.String("addr", ":8090", "http listen address (ingest + metrics)")
		observerAddr = flag.String("observer_addr", "127.0.0.1:8091", "observer stream listen address")
		worldID      = flag.String("world", "world_1", "world id")
		seed         = flag.Int64("seed", 0, "world seed override (used only when starting fresh)")
		configDir    = flag.String("configs", "./configs", "config directory")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB    = flag.Bool("disable_db", false, "disable the local index (tick stats + mesh/snapshot metadata)")
		mirrorURL    = flag.String("mirror_url", "", "remote stats collector endpoint (empty to disable; token via VP_MIRROR_TOKEN)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	// Resolve any snapshot before the handle comes up: a resume has to
	// restore the world parameters the snapshot was taken with.
	snapDir := filepath.Join(worldDir, "snapshots")
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = snapshot.Latest(snapDir)
	}
	var snap snapshot.SnapshotV1
	haveSnap := false
	if snapshotToLoad != "" {
		snap, err = snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		haveSnap = true
	}
	if haveSnap {
		tune.WorldSeed = snap.Seed
		tune.WorldBoundaryR = snap.BoundaryR
		tune.DefaultMaterialID = snap.DefaultMaterial
		tune.DefaultFlags = snap.DefaultFlags
	} else if *seed != 0 {
		tune.WorldSeed = *seed
	}

	events := eventlog.NewSink(worldDir, logger)
	defer events.Close()

	h := runtime.NewHandle(runtime.Options{Logger: logger, Events: events})
	if err := h.Initialize(tune); err != nil {
		logger.Fatalf("initialize runtime: %v", err)
	}
	cfg := h.ActiveConfig()

	idx, err := openIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	mir, err := buildMirror(*mirrorURL, *worldID, logger)
	if err != nil {
		logger.Fatalf("open mirror: %v", err)
	}
	if mir != nil {
		defer mir.Close()
	}

	var regs multiRegistry
	if idx != nil {
		regs = append(regs, idx)
	}
	if mir != nil {
		regs = append(regs, mir)
	}
	switch len(regs) {
	case 0:
	case 1:
		if err := h.RegisterRegistry(regs[0]); err != nil {
			logger.Fatalf("register registry: %v", err)
		}
	default:
		if err := h.RegisterRegistry(regs); err != nil {
			logger.Fatalf("register registry: %v", err)
		}
	}

	if err := h.RegisterZone(zone.New(cfg.SeedRadius, cfg.ChunkTTLTicks)); err != nil {
		logger.Fatalf("register zone: %v", err)
	}
	if err := h.RegisterRenderer(mesh.NewMesher(h.CellSource())); err != nil {
		logger.Fatalf("register renderer: %v", err)
	}

	var rec observer.MeshRecorder
	if idx != nil {
		rec = meshIndex{idx}
	}
	obs := observer.NewServer(h, logger, rec)
	if err := h.RegisterRenderService(obs); err != nil {
		logger.Fatalf("register render service: %v", err)
	}

	if haveSnap {
		if err := h.ImportSnapshot(snap); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), h.CurrentTick())
	}

	ctx, cancel := signalContext()
	defer cancel()

	loop := runtime.NewLoop(h, logger)
	loop.EnableSnapshots(snapDir, cfg.SnapshotKeep)
	loop.OnSnapshot = func(path string, snap snapshot.SnapshotV1) {
		idx.RecordSnapshot(path, snap)
		mir.RecordSnapshot(path, snap)
	}
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx); err != nil {
			logger.Printf("loop stopped: %v", err)
		}
	}()

	deps := serverDeps{worldID: *worldID, h: h, idx: idx, mir: mir, obs: obs}
	enableAdmin := envBool("VP_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprof := envBool("VP_ENABLE_PPROF_HTTP", false)
	mux := buildMux(deps, ws.NewServer(h, logger).Handler(), enableAdmin, enablePprof, logger)

	obsMux := http.NewServeMux()
	obsMux.HandleFunc("/observer/ws", obs.WSHandler())
	obsSrv := &http.Server{
		Addr:              *observerAddr,
		Handler:           obsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("observer listening on %s", *observerAddr)
		if err := obsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("observer ListenAndServe: %v", err)
			cancel()
		}
	}()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
		_ = obsSrv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	cancel()
	<-loopDone
	_ = h.Shutdown()
}

// serverDeps carries what the http surfaces read. All fields but the
// handle and observer hub may be nil.
type serverDeps struct {
	worldID string
	h       *runtime.Handle
	idx     *indexdb.Index
	mir     *mirror.Mirror
	obs     *observer.Server
}

func buildMux(d serverDeps, ingest http.HandlerFunc, enableAdmin, enablePprof bool, logger *log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", d.metricsHandler())
	mux.HandleFunc("/v1/ws", ingest)

	if enableAdmin {
		// Local-only read endpoints over the index and the live handle.
		mux.HandleFunc("/admin/v1/state", d.stateHandler())
		mux.HandleFunc("/admin/v1/ticks", d.ticksHandler())
		mux.HandleFunc("/admin/v1/chunks", d.chunksHandler())
		mux.HandleFunc("/admin/v1/snapshots", d.snapshotsHandler())
	} else {
		logger.Printf("admin endpoints disabled (VP_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (VP_ENABLE_PPROF_HTTP=false)")
	}
	return mux
}

func (d serverDeps) metricsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		tick := d.h.CurrentTick()
		backlog := d.h.Backlog()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP voxelproject_tick Current runtime tick.\n")
		fmt.Fprintf(rw, "# TYPE voxelproject_tick gauge\n")
		fmt.Fprintf(rw, "voxelproject_tick{world=%q} %d\n", d.worldID, tick)

		fmt.Fprintf(rw, "# HELP voxelproject_loaded_chunks Loaded chunk count.\n")
		fmt.Fprintf(rw, "# TYPE voxelproject_loaded_chunks gauge\n")
		fmt.Fprintf(rw, "voxelproject_loaded_chunks{world=%q} %d\n", d.worldID, d.h.LoadedChunks())

		fmt.Fprintf(rw, "# HELP voxelproject_backlog Work queue backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE voxelproject_backlog gauge\n")
		fmt.Fprintf(rw, "voxelproject_backlog{world=%q,queue=%q} %d\n", d.worldID, "diffs", backlog.Diffs)
		fmt.Fprintf(rw, "voxelproject_backlog{world=%q,queue=%q} %d\n", d.worldID, "dirty", backlog.Dirty)
		fmt.Fprintf(rw, "voxelproject_backlog{world=%q,queue=%q} %d\n", d.worldID, "remesh", backlog.Remesh)
		fmt.Fprintf(rw, "voxelproject_backlog{world=%q,queue=%q} %d\n", d.worldID, "uploads", backlog.Uploads)

		if st, ok := d.h.LastStats(); ok {
			fmt.Fprintf(rw, "# HELP voxelproject_tick_duration_us Last tick duration in microseconds.\n")
			fmt.Fprintf(rw, "# TYPE voxelproject_tick_duration_us gauge\n")
			fmt.Fprintf(rw, "voxelproject_tick_duration_us{world=%q} %d\n", d.worldID, st.DurationMicros)

			fmt.Fprintf(rw, "# HELP voxelproject_tick_failures Work items dropped in the last tick.\n")
			fmt.Fprintf(rw, "# TYPE voxelproject_tick_failures gauge\n")
			fmt.Fprintf(rw, "voxelproject_tick_failures{world=%q} %d\n", d.worldID, st.Failures)
		}

		win := d.h.WindowSummary(tick)
		fmt.Fprintf(rw, "# HELP voxelproject_window Rolling window totals.\n")
		fmt.Fprintf(rw, "# TYPE voxelproject_window gauge\n")
		fmt.Fprintf(rw, "voxelproject_window{world=%q,metric=%q} %d\n", d.worldID, "diffs", win.Diffs)
		fmt.Fprintf(rw, "voxelproject_window{world=%q,metric=%q} %d\n", d.worldID, "dirty", win.Dirty)
		fmt.Fprintf(rw, "voxelproject_window{world=%q,metric=%q} %d\n", d.worldID, "remeshes", win.Remeshes)
		fmt.Fprintf(rw, "voxelproject_window{world=%q,metric=%q} %d\n", d.worldID, "uploads", win.Uploads)
		fmt.Fprintf(rw, "voxelproject_window{world=%q,metric=%q} %d\n", d.worldID, "failures", win.Failures)

		writeObserverMetrics(rw, d.obs)
		writeIndexMetrics(rw, d.idx)
		writeMirrorMetrics(rw, d.mir)
	}
}

func writeObserverMetrics(rw http.ResponseWriter, obs *observer.Server) {
	if obs == nil {
		return
	}
	s := obs.Stats()
	fmt.Fprintf(rw, "# HELP voxelproject_observer_subscribers Connected observer sessions.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_observer_subscribers gauge\n")
	fmt.Fprintf(rw, "voxelproject_observer_subscribers %d\n", s.Subscribers)

	fmt.Fprintf(rw, "# HELP voxelproject_observer_ticks_dropped_total Tick frames dropped on slow subscribers.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_observer_ticks_dropped_total counter\n")
	fmt.Fprintf(rw, "voxelproject_observer_ticks_dropped_total %d\n", s.TicksDroppedTotal)

	fmt.Fprintf(rw, "# HELP voxelproject_observer_meshes_dropped_total Mesh frames dropped on slow subscribers.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_observer_meshes_dropped_total counter\n")
	fmt.Fprintf(rw, "voxelproject_observer_meshes_dropped_total %d\n", s.MeshesDroppedTotal)

	fmt.Fprintf(rw, "# HELP voxelproject_observer_kicked_total Subscribers disconnected for falling behind.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_observer_kicked_total counter\n")
	fmt.Fprintf(rw, "voxelproject_observer_kicked_total %d\n", s.KickedTotal)
}

func writeIndexMetrics(rw http.ResponseWriter, idx *indexdb.Index) {
	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP voxelproject_index_queue_depth Index writer queue depth.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "voxelproject_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP voxelproject_index_queue_capacity Index writer queue capacity.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_index_queue_capacity gauge\n")
	fmt.Fprintf(rw, "voxelproject_index_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(rw, "# HELP voxelproject_index_drop_ticks_total Tick records dropped because the index writer was behind.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_index_drop_ticks_total counter\n")
	fmt.Fprintf(rw, "voxelproject_index_drop_ticks_total %d\n", s.DropTickTotal)

	fmt.Fprintf(rw, "# HELP voxelproject_index_drop_meshes_total Mesh records dropped because the index writer was behind.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_index_drop_meshes_total counter\n")
	fmt.Fprintf(rw, "voxelproject_index_drop_meshes_total %d\n", s.DropMeshTotal)
}

func writeMirrorMetrics(rw http.ResponseWriter, mir *mirror.Mirror) {
	if mir == nil {
		return
	}
	s := mir.Stats()
	fmt.Fprintf(rw, "# HELP voxelproject_mirror_queue_depth Mirror queue depth.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "voxelproject_mirror_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP voxelproject_mirror_queue_capacity Mirror queue capacity.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_mirror_queue_capacity gauge\n")
	fmt.Fprintf(rw, "voxelproject_mirror_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(rw, "# HELP voxelproject_mirror_dropped_total Mirror events dropped at enqueue.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_mirror_dropped_total counter\n")
	fmt.Fprintf(rw, "voxelproject_mirror_dropped_total %d\n", s.QueueDroppedTotal)

	fmt.Fprintf(rw, "# HELP voxelproject_mirror_flush_fail_total Mirror batch flushes that failed after retry.\n")
	fmt.Fprintf(rw, "# TYPE voxelproject_mirror_flush_fail_total counter\n")
	fmt.Fprintf(rw, "voxelproject_mirror_flush_fail_total %d\n", s.FlushFailTotal)
}

func (d serverDeps) stateHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		tick := d.h.CurrentTick()
		win := d.h.WindowSummary(tick)
		resp := struct {
			WorldID      string             `json:"world_id"`
			State        string             `json:"state"`
			Tick         uint64             `json:"tick"`
			LoadedChunks int                `json:"loaded_chunks"`
			Backlog      sched.BacklogSizes `json:"backlog"`
			Last         *sched.TickStats   `json:"last,omitempty"`
			Window       sched.StatsBucket  `json:"window"`
		}{
			WorldID:      d.worldID,
			State:        d.h.State().String(),
			Tick:         tick,
			LoadedChunks: d.h.LoadedChunks(),
			Backlog:      d.h.Backlog(),
			Window:       win,
		}
		if st, ok := d.h.LastStats(); ok {
			resp.Last = &st
		}
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (d serverDeps) ticksHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if d.idx == nil {
			http.Error(rw, "index disabled", http.StatusServiceUnavailable)
			return
		}
		rows, err := d.idx.LatestTicks(queryInt(r, "n", 50, 500))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"ticks": rows})
	}
}

func (d serverDeps) chunksHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if d.idx == nil {
			http.Error(rw, "index disabled", http.StatusServiceUnavailable)
			return
		}
		totals, err := d.idx.MeshTotals()
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rows, err := d.idx.ChunkMeshes(queryInt(r, "n", 50, 500))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"totals": totals, "chunks": rows})
	}
}

func (d serverDeps) snapshotsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		if d.idx == nil {
			http.Error(rw, "index disabled", http.StatusServiceUnavailable)
			return
		}
		rows, err := d.idx.Snapshots(queryInt(r, "n", 20, 200))
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"snapshots": rows})
	}
}

func queryInt(r *http.Request, key string, def, max int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
