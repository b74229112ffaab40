package observer

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/protocol"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/mesh"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/runtime"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/sched"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/tuning"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

type fakeRecorder struct {
	tick uint64
	rows []MeshRecord
}

func (r *fakeRecorder) RecordMeshes(tick uint64, rows []MeshRecord) {
	r.tick = tick
	r.rows = append(r.rows, rows...)
}

func testHandle(t *testing.T) *runtime.Handle {
	t.Helper()
	h := runtime.NewHandle(runtime.Options{Logger: log.New(io.Discard, "", 0)})
	cfg := tuning.Defaults()
	cfg.SeedOnInit = false
	if err := h.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = h.Shutdown() })
	return h
}

func subscribeTest(t *testing.T, s *Server, wantMeshes bool) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(s.WSHandler())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	req := protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		ObserverName:    "test",
		WantMeshes:      wantMeshes,
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("send SUBSCRIBE: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) (protocol.BaseMessage, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		t.Fatalf("decode %q: %v", msg, err)
	}
	return base, msg
}

func TestSubscribeHandshake(t *testing.T) {
	h := testHandle(t)
	s := NewServer(h, log.New(io.Discard, "", 0), nil)
	conn, done := subscribeTest(t, s, false)
	defer done()

	base, msg := readMsg(t, conn)
	if base.Type != protocol.TypeSubscribed {
		t.Fatalf("got %s, want SUBSCRIBED", base.Type)
	}
	var sub protocol.SubscribedMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		t.Fatalf("subscribed: %v", err)
	}
	if sub.WorldParams.ChunkSize != 16 {
		t.Fatalf("chunk_size = %d, want 16", sub.WorldParams.ChunkSize)
	}
	if got := s.Stats().Subscribers; got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}
}

func TestFrameFanOut(t *testing.T) {
	h := testHandle(t)
	rec := &fakeRecorder{}
	s := NewServer(h, log.New(io.Discard, "", 0), rec)
	conn, done := subscribeTest(t, s, true)
	defer done()

	if base, _ := readMsg(t, conn); base.Type != protocol.TypeSubscribed {
		t.Fatal("expected SUBSCRIBED first")
	}

	chunk := voxel.ChunkPos{X: 1, Y: 0, Z: -2}
	cm := &mesh.ChunkMesh{
		Chunk: chunk,
		Quads: []mesh.Quad{{X: 3, Y: 4, Z: 5, Face: mesh.FacePosY, Material: 7}},
	}
	if err := s.Commit(chunk, cm); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	s.FrameCommit(sched.TickStats{
		Tick:           9,
		ChunksUploaded: 1,
		Backlog:        sched.BacklogSizes{Remesh: 2},
		Dropped:        []sched.WorkFailure{{Class: sched.ClassChunkRemesh}},
	})

	var tick protocol.TickMsg
	var meshMsg protocol.MeshMsg
	var haveTick, haveMesh bool
	for i := 0; i < 2; i++ {
		base, msg := readMsg(t, conn)
		switch base.Type {
		case protocol.TypeTick:
			if err := json.Unmarshal(msg, &tick); err != nil {
				t.Fatalf("tick: %v", err)
			}
			haveTick = true
		case protocol.TypeMesh:
			if err := json.Unmarshal(msg, &meshMsg); err != nil {
				t.Fatalf("mesh: %v", err)
			}
			haveMesh = true
		default:
			t.Fatalf("unexpected %s", base.Type)
		}
	}
	if !haveTick || !haveMesh {
		t.Fatalf("got tick=%v mesh=%v, want both", haveTick, haveMesh)
	}

	if tick.Tick != 9 || tick.Uploaded != 1 || tick.Backlog.Remesh != 2 {
		t.Fatalf("tick = %+v", tick)
	}
	if len(tick.Dropped) != 1 || tick.Dropped[0].Class != sched.ClassChunkRemesh {
		t.Fatalf("dropped = %+v", tick.Dropped)
	}

	if meshMsg.CX != 1 || meshMsg.CY != 0 || meshMsg.CZ != -2 {
		t.Fatalf("mesh chunk = (%d,%d,%d)", meshMsg.CX, meshMsg.CY, meshMsg.CZ)
	}
	if meshMsg.Encoding != protocol.EncodingZstdQuads {
		t.Fatalf("encoding = %q", meshMsg.Encoding)
	}
	decoded, err := mesh.DecodePayload(meshMsg.Data)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(decoded.Quads) != 1 || decoded.Quads[0].Material != 7 {
		t.Fatalf("decoded quads = %+v", decoded.Quads)
	}

	if rec.tick != 9 || len(rec.rows) != 1 {
		t.Fatalf("recorder tick=%d rows=%d", rec.tick, len(rec.rows))
	}
	if rec.rows[0].Chunk != chunk || rec.rows[0].Faces != 1 || rec.rows[0].Bytes == 0 {
		t.Fatalf("recorded row = %+v", rec.rows[0])
	}
}

func TestMeshesNotSentWithoutOptIn(t *testing.T) {
	h := testHandle(t)
	s := NewServer(h, log.New(io.Discard, "", 0), nil)
	conn, done := subscribeTest(t, s, false)
	defer done()

	if base, _ := readMsg(t, conn); base.Type != protocol.TypeSubscribed {
		t.Fatal("expected SUBSCRIBED first")
	}

	chunk := voxel.ChunkPos{X: 0, Y: 0, Z: 0}
	if err := s.Commit(chunk, &mesh.ChunkMesh{Chunk: chunk}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	s.FrameCommit(sched.TickStats{Tick: 1, ChunksUploaded: 1})
	s.FrameCommit(sched.TickStats{Tick: 2})

	for i := 0; i < 2; i++ {
		base, _ := readMsg(t, conn)
		if base.Type != protocol.TypeTick {
			t.Fatalf("got %s, want only TICK frames", base.Type)
		}
	}
}

func TestSlowSubscriberKicked(t *testing.T) {
	h := testHandle(t)
	s := NewServer(h, log.New(io.Discard, "", 0), nil)

	// Register directly; nothing drains the channels.
	sub := s.subscribe("slow", false)
	for i := 0; i < cap(sub.tickOut)+maxTickMisses; i++ {
		s.FrameCommit(sched.TickStats{Tick: uint64(i + 1)})
	}

	st := s.Stats()
	if st.Subscribers != 0 {
		t.Fatalf("subscribers = %d, want 0 after kick", st.Subscribers)
	}
	if st.KickedTotal != 1 {
		t.Fatalf("kicked = %d, want 1", st.KickedTotal)
	}
	if st.TicksDroppedTotal == 0 {
		t.Fatal("expected dropped tick frames")
	}
}

func TestRejectsNonLoopback(t *testing.T) {
	h := testHandle(t)
	s := NewServer(h, log.New(io.Discard, "", 0), nil)

	req := httptest.NewRequest(http.MethodGet, "/observer/ws", nil)
	req.RemoteAddr = "203.0.113.9:4242"
	rw := httptest.NewRecorder()
	s.WSHandler()(rw, req)

	if rw.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rw.Code)
	}
}
