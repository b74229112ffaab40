package eventlog

import (
	"log"
	"path/filepath"
	"time"
)

// Sink records runtime events durably. Write failures are logged and
// dropped so a bad disk never stops the tick.
type Sink struct {
	logger *log.Logger
	w      *Writer
}

func NewSink(dataDir string, logger *log.Logger) *Sink {
	return &Sink{
		logger: logger,
		w:      NewWriter(filepath.Join(dataDir, "events"), "events"),
	}
}

func (s *Sink) Event(tick uint64, typ string, fields map[string]any) {
	e := Entry{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Tick:   tick,
		Type:   typ,
		Fields: fields,
	}
	if err := s.w.Write(e); err != nil && s.logger != nil {
		s.logger.Printf("[eventlog] write %s: %v", typ, err)
	}
}

func (s *Sink) Close() error { return s.w.Close() }
