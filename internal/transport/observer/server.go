package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/protocol"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/mesh"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/runtime"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/sched"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

// MeshRecord summarizes one uploaded chunk mesh for the index writer.
type MeshRecord struct {
	Chunk voxel.ChunkPos
	Faces int
	Bytes int
}

// MeshRecorder receives the tick's uploaded meshes after fan-out.
type MeshRecorder interface {
	RecordMeshes(tick uint64, rows []MeshRecord)
}

// A subscriber that misses this many consecutive TICK frames is kicked.
const maxTickMisses = 30

type subscriber struct {
	id         uint64
	name       string
	wantMeshes bool

	tickOut chan []byte
	meshOut chan []byte

	tickMisses int
	closed     bool
}

// Server is the read-only observation surface: it accepts SUBSCRIBE
// connections and, as the render service registered with the runtime,
// fans each committed frame out to them. Delivery is lossy per
// subscriber; the simulation never waits for an observer.
type Server struct {
	h   *runtime.Handle
	log *log.Logger
	rec MeshRecorder

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[uint64]*subscriber

	// Meshes committed during the current tick, staged until the
	// frame commit that flushes them. Loop goroutine only.
	frame []frameMesh

	ticksDropped  atomic.Uint64
	meshesDropped atomic.Uint64
	kicked        atomic.Uint64
}

type frameMesh struct {
	chunk voxel.ChunkPos
	faces int
	data  []byte
}

// Stats reports fan-out health for the metrics endpoint.
type Stats struct {
	Subscribers        int
	TicksDroppedTotal  uint64
	MeshesDroppedTotal uint64
	KickedTotal        uint64
}

func NewServer(h *runtime.Handle, logger *log.Logger, rec MeshRecorder) *Server {
	return &Server{
		h:   h,
		log: logger,
		rec: rec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: make(map[uint64]*subscriber),
	}
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	n := len(s.subs)
	s.mu.Unlock()
	return Stats{
		Subscribers:        n,
		TicksDroppedTotal:  s.ticksDropped.Load(),
		MeshesDroppedTotal: s.meshesDropped.Load(),
		KickedTotal:        s.kicked.Load(),
	}
}

// Commit stages one uploaded chunk mesh. Called by the scheduler's
// upload drain on the loop goroutine.
func (s *Server) Commit(chunk voxel.ChunkPos, m *mesh.ChunkMesh) error {
	payload, err := m.EncodePayload()
	if err != nil {
		return err
	}
	s.frame = append(s.frame, frameMesh{chunk: chunk, faces: m.FaceCount(), data: payload})
	return nil
}

// FrameCommit closes the tick: streams the TICK report and the staged
// MESH frames to subscribers, then hands the mesh summaries to the
// recorder.
func (s *Server) FrameCommit(st sched.TickStats) {
	tickMsg := protocol.TickMsg{
		Type:            protocol.TypeTick,
		ProtocolVersion: protocol.Version,
		Tick:            st.Tick,
		Diffs:           st.DiffsProcessed,
		Dirty:           st.DirtyProcessed,
		Remeshed:        st.ChunksRemeshed,
		Uploaded:        st.ChunksUploaded,
		Failures:        st.Failures,
		Backlog: protocol.BacklogRef{
			Diffs:   st.Backlog.Diffs,
			Dirty:   st.Backlog.Dirty,
			Remesh:  st.Backlog.Remesh,
			Uploads: st.Backlog.Uploads,
		},
		DurationMicros: st.DurationMicros,
		LoadedChunks:   s.h.LoadedChunks(),
	}
	for _, f := range st.Dropped {
		tickMsg.Dropped = append(tickMsg.Dropped, protocol.DropRef{Class: f.Class, Item: f.String()})
	}
	tickB, err := json.Marshal(tickMsg)
	if err != nil {
		s.log.Printf("[observer] marshal tick %d: %v", st.Tick, err)
		tickB = nil
	}

	meshB := make([][]byte, 0, len(s.frame))
	for _, f := range s.frame {
		b, err := json.Marshal(protocol.MeshMsg{
			Type:            protocol.TypeMesh,
			ProtocolVersion: protocol.Version,
			CX:              f.chunk.X,
			CY:              f.chunk.Y,
			CZ:              f.chunk.Z,
			Faces:           f.faces,
			Encoding:        protocol.EncodingZstdQuads,
			Data:            f.data,
		})
		if err != nil {
			s.log.Printf("[observer] marshal mesh %v: %v", f.chunk, err)
			continue
		}
		meshB = append(meshB, b)
	}

	s.mu.Lock()
	for id, sub := range s.subs {
		if tickB != nil {
			select {
			case sub.tickOut <- tickB:
				sub.tickMisses = 0
			default:
				sub.tickMisses++
				s.ticksDropped.Add(1)
				if sub.tickMisses >= maxTickMisses {
					s.closeSubLocked(id, sub)
					s.kicked.Add(1)
					continue
				}
			}
		}
		if !sub.wantMeshes {
			continue
		}
		for _, b := range meshB {
			select {
			case sub.meshOut <- b:
			default:
				s.meshesDropped.Add(1)
			}
		}
	}
	s.mu.Unlock()

	if s.rec != nil && len(s.frame) > 0 {
		rows := make([]MeshRecord, len(s.frame))
		for i, f := range s.frame {
			rows[i] = MeshRecord{Chunk: f.chunk, Faces: f.faces, Bytes: len(f.data)}
		}
		s.rec.RecordMeshes(st.Tick, rows)
	}
	s.frame = s.frame[:0]
}

func (s *Server) subscribe(name string, wantMeshes bool) *subscriber {
	sub := &subscriber{
		id:         s.nextID.Add(1),
		name:       name,
		wantMeshes: wantMeshes,
		tickOut:    make(chan []byte, 8),
		meshOut:    make(chan []byte, 4096),
	}
	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
	return sub
}

func (s *Server) unsubscribe(id uint64) {
	s.mu.Lock()
	if sub, ok := s.subs[id]; ok {
		s.closeSubLocked(id, sub)
	}
	s.mu.Unlock()
}

func (s *Server) closeSubLocked(id uint64, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(s.subs, id)
	close(sub.tickOut)
	close(sub.meshOut)
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &req); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if req.Type != protocol.TypeSubscribe || req.ProtocolVersion != protocol.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		if req.ObserverName == "" {
			req.ObserverName = "observer"
		}

		sub := s.subscribe(req.ObserverName, req.WantMeshes)
		defer s.unsubscribe(sub.id)

		if err := s.writeSubscribed(conn); err != nil {
			return
		}
		s.log.Printf("[observer] %s subscribed (meshes=%v)", req.ObserverName, req.WantMeshes)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-sub.tickOut:
					if !ok {
						// Kicked; close the conn so the reader unblocks.
						_ = conn.Close()
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				case b, ok := <-sub.meshOut:
					if !ok {
						_ = conn.Close()
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: keepalive plus re-SUBSCRIBE to toggle meshes.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var upd protocol.SubscribeMsg
			if err := json.Unmarshal(msg, &upd); err != nil {
				continue
			}
			if upd.Type != protocol.TypeSubscribe || upd.ProtocolVersion != protocol.Version {
				continue
			}
			s.mu.Lock()
			if cur, ok := s.subs[sub.id]; ok {
				cur.wantMeshes = upd.WantMeshes
			}
			s.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) writeSubscribed(conn *websocket.Conn) error {
	cfg := s.h.ActiveConfig()
	now := s.h.CurrentTick()
	win := s.h.WindowSummary(now)
	resp := protocol.SubscribedMsg{
		Type:            protocol.TypeSubscribed,
		ProtocolVersion: protocol.Version,
		WorldParams: protocol.WorldParams{
			TickRateHz:        cfg.TickRateHz,
			ChunkSize:         cfg.ChunkSize,
			Seed:              cfg.WorldSeed,
			BoundaryR:         cfg.WorldBoundaryR,
			DefaultMaterialID: cfg.DefaultMaterialID,
			DefaultFlags:      cfg.DefaultFlags,
		},
		Window: protocol.WindowStats{
			Ticks:    now,
			Diffs:    win.Diffs,
			Dirty:    win.Dirty,
			Remeshes: win.Remeshes,
			Uploads:  win.Uploads,
			Failures: win.Failures,
		},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
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
