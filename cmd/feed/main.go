package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucasrmunhoz/VoxelProjectV2/internal/protocol"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8090/v1/ws", "ingest ws url")
		name   = flag.String("name", "feed", "client name")
		rate   = flag.Int("rate", 10, "diff batches per second")
		batch  = flag.Int("batch", 4, "cells per diff")
		radius = flag.Int("radius", 48, "coordinate range, cells from origin")
		mats   = flag.Int("materials", 8, "material ids to draw from (1..n)")
		seed   = flag.Int64("seed", 0, "rng seed (0 = time-based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[feed] ", log.LstdFlags|log.Lmicroseconds)

	if *rate <= 0 || *batch <= 0 || *radius <= 0 || *mats <= 0 {
		logger.Fatal("rate, batch, radius and materials must be positive")
	}
	src := *seed
	if src == 0 {
		src = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(src))

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		Capabilities: protocol.HelloCapabilities{
			BatchDiffs: true,
			MaxPending: 16,
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		logger.Fatalf("read WELCOME: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		logger.Fatalf("expected WELCOME, got %s", msg)
	}
	logger.Printf("WELCOME session=%s tick_rate=%d seed=%d boundary=%d",
		welcome.SessionID, welcome.WorldParams.TickRateHz, welcome.WorldParams.Seed, welcome.WorldParams.BoundaryR)

	// Reader: surface rejected writes and server errors.
	go func() {
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Printf("read: %v", err)
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeAck:
				var ack protocol.AckMsg
				if err := json.Unmarshal(msg, &ack); err != nil {
					continue
				}
				if !protocol.IsKnownCode(ack.Code) {
					logger.Printf("ACK %s carries unknown code %q", ack.AckFor, ack.Code)
				}
				if ack.Rejected > 0 || ack.Code != "" {
					logger.Printf("ACK %s accepted=%d rejected=%d code=%s %s",
						ack.AckFor, ack.Accepted, ack.Rejected, ack.Code, ack.Message)
				}
			case protocol.TypeError:
				var em protocol.ErrorMsg
				if err := json.Unmarshal(msg, &em); err != nil {
					continue
				}
				logger.Printf("ERROR %s %s", em.Code, em.Message)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	reqN := 0
	for {
		select {
		case <-stop:
			logger.Printf("sent %d diffs, bye", reqN)
			return
		case <-ticker.C:
			reqN++
			cells := make([]protocol.CellWrite, *batch)
			for i := range cells {
				cells[i] = protocol.CellWrite{
					X:        r.Intn(2**radius+1) - *radius,
					Y:        r.Intn(2**radius+1) - *radius,
					Z:        r.Intn(2**radius+1) - *radius,
					Material: uint16(1 + r.Intn(*mats)),
				}
			}
			diff := protocol.DiffMsg{
				Type:            protocol.TypeDiff,
				ProtocolVersion: protocol.Version,
				ReqID:           fmt.Sprintf("r%d", reqN),
				Cells:           cells,
			}
			if err := conn.WriteJSON(diff); err != nil {
				logger.Fatalf("send DIFF: %v", err)
			}
		}
	}
}
