package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/protocol"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/runtime"
	"github.com/lucasrmunhoz/VoxelProjectV2/internal/sim/voxel"
)

// A single DIFF may not carry more cells than this; the schema and the
// server agree on the cap.
const maxDiffCells = 4096

type Server struct {
	h   *runtime.Handle
	log *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(h *runtime.Handle, logger *log.Logger) *Server {
	s := &Server{
		h:   h,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID, out := s.handshake(conn)
		if sessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		send := func(v any) bool {
			b, err := json.Marshal(v)
			if err != nil {
				return false
			}
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				send(errorMsg(protocol.ErrProtoBadRequest, "not a protocol message"))
				continue
			}
			if base.Type != protocol.TypeDiff {
				send(errorMsg(protocol.ErrProtoBadRequest, "expected DIFF"))
				continue
			}
			var diff protocol.DiffMsg
			if err := json.Unmarshal(msg, &diff); err != nil {
				send(errorMsg(protocol.ErrProtoBadRequest, "malformed DIFF"))
				continue
			}
			if diff.ProtocolVersion != protocol.Version {
				send(errorMsg(protocol.ErrProtoBadRequest, "bad protocol_version"))
				continue
			}
			if !send(s.applyDiff(diff)) {
				break
			}
		}

		s.log.Printf("[ws] session %s closed", sessionID)
	}
}

// applyDiff submits each requested cell write and builds the ACK. Cells
// outside the world boundary are rejected here so the client hears about
// them; everything else is queued and drained under the tick budgets.
func (s *Server) applyDiff(diff protocol.DiffMsg) protocol.AckMsg {
	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          diff.ReqID,
		ServerTick:      s.h.CurrentTick(),
	}
	if len(diff.Cells) == 0 {
		ack.Code = protocol.ErrBadRequest
		ack.Message = "no cells"
		return ack
	}
	if len(diff.Cells) > maxDiffCells {
		ack.Rejected = len(diff.Cells)
		ack.Code = protocol.ErrBadRequest
		ack.Message = "too many cells"
		return ack
	}

	boundary := s.h.ActiveConfig().WorldBoundaryR
	for i, c := range diff.Cells {
		if boundary > 0 && outsideBoundary(c, boundary) {
			ack.Rejected++
			if ack.Code == "" {
				ack.Code = protocol.ErrBadRequest
				ack.Message = "cell outside world boundary"
			}
			continue
		}
		err := s.h.SubmitDiff(
			voxel.CellPos{X: c.X, Y: c.Y, Z: c.Z},
			voxel.Cell{Material: c.Material, Flags: c.Flags},
		)
		if err != nil {
			ack.Rejected += len(diff.Cells) - i
			ack.Code = protocol.ErrInvalidState
			ack.Message = err.Error()
			break
		}
		ack.Accepted++
	}
	return ack
}

func outsideBoundary(c protocol.CellWrite, r int) bool {
	return c.X < -r || c.X > r || c.Y < -r || c.Y > r || c.Z < -r || c.Z > r
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, errorMsg(protocol.ErrProtoBadRequest, "bad protocol_version"))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}
	if hello.ClientName == "" {
		hello.ClientName = "client"
	}

	maxQ := hello.Capabilities.MaxPending
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}
	out = make(chan []byte, maxQ)

	cfg := s.h.ActiveConfig()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		WorldParams: protocol.WorldParams{
			TickRateHz:        cfg.TickRateHz,
			ChunkSize:         cfg.ChunkSize,
			Seed:              cfg.WorldSeed,
			BoundaryR:         cfg.WorldBoundaryR,
			DefaultMaterialID: cfg.DefaultMaterialID,
			DefaultFlags:      cfg.DefaultFlags,
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return "", nil
	}

	s.log.Printf("[ws] session %s open client=%q", welcome.SessionID, hello.ClientName)
	return welcome.SessionID, out
}

func errorMsg(code, message string) protocol.ErrorMsg {
	return protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
