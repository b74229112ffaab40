package tui

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/protocol"
)

// Stream is one live observer subscription. Next blocks until the
// server's next TICK frame; mesh frames are skipped.
type Stream struct {
	conn *websocket.Conn

	Params protocol.WorldParams
	Window protocol.WindowStats
}

func DialStream(url, observerName string) (*Stream, error) {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	req := protocol.SubscribeMsg{
		Type:            protocol.TypeSubscribe,
		ProtocolVersion: protocol.Version,
		ObserverName:    observerName,
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read subscribed: %w", err)
	}
	var sub protocol.SubscribedMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode subscribed: %w", err)
	}
	if sub.Type != protocol.TypeSubscribed {
		conn.Close()
		return nil, fmt.Errorf("expected SUBSCRIBED, got %s", sub.Type)
	}

	return &Stream{conn: conn, Params: sub.WorldParams, Window: sub.Window}, nil
}

func (s *Stream) Next() (protocol.TickMsg, error) {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return protocol.TickMsg{}, err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeTick {
			continue
		}
		var tick protocol.TickMsg
		if err := json.Unmarshal(msg, &tick); err != nil {
			continue
		}
		return tick, nil
	}
}

func (s *Stream) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
