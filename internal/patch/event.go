package patch

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Phase is the state reported in progress events. The numeric values are
// part of the event wire format.
type Phase int

const (
	Checking Phase = iota
	Downloading
	Patching
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Patching:
		return "patching"
	case Done:
		return "done"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}

// Event reports progress of a patch run. Total and Current count changed
// files and are only non-zero while downloading.
type Event struct {
	Total   int   `json:"total"`
	Current int   `json:"current"`
	State   Phase `json:"state"`
}

// Sink receives progress events and error messages. Implementations must
// not block the patch run.
type Sink interface {
	Event(ev Event)
	Error(message string)
}

// Funcs adapts plain functions to a Sink. Nil fields are skipped.
type Funcs struct {
	OnEvent func(Event)
	OnError func(string)
}

func (f Funcs) Event(ev Event) {
	if f.OnEvent != nil {
		f.OnEvent(ev)
	}
}

func (f Funcs) Error(message string) {
	if f.OnError != nil {
		f.OnError(message)
	}
}

// MultiSink fans out to several sinks in order
type MultiSink []Sink

func (m MultiSink) Event(ev Event) {
	for _, s := range m {
		s.Event(ev)
	}
}

func (m MultiSink) Error(message string) {
	for _, s := range m {
		s.Error(message)
	}
}

// LogSink writes events to a structured logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs every event
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Event(ev Event) {
	if ev.State == Downloading && ev.Current > 0 {
		s.logger.Info("download progress", "current", ev.Current, "total", ev.Total)
		return
	}
	s.logger.Info("patch state", "state", ev.State.String(), "total", ev.Total)
}

func (s *LogSink) Error(message string) {
	s.logger.Error("patch error", "message", message)
}

// JSONSink writes one JSON object per line, for a launcher reading the
// process output
type JSONSink struct {
	mu     sync.Mutex
	enc    *json.Encoder
	logger *slog.Logger
}

type jsonEvent struct {
	Type string `json:"type"`
	Event
}

type jsonLog struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// NewJSONSink creates a sink writing newline-delimited JSON to w
func NewJSONSink(w io.Writer, logger *slog.Logger) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w), logger: logger}
}

func (s *JSONSink) Event(ev Event) {
	s.write(jsonEvent{Type: "patcher", Event: ev})
}

func (s *JSONSink) Error(message string) {
	s.write(jsonLog{Type: "log", Level: "error", Message: message})
}

func (s *JSONSink) write(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		s.logger.Warn("failed to emit message", "error", err)
	}
}

// ChanSink delivers events over buffered channels. When a buffer is full the
// value is dropped and counted instead of blocking the run.
type ChanSink struct {
	events  chan Event
	errors  chan string
	dropped atomic.Int64
}

// NewChanSink creates a ChanSink with the given buffer size per channel
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{
		events: make(chan Event, buffer),
		errors: make(chan string, buffer),
	}
}

// Events returns the progress event stream
func (s *ChanSink) Events() <-chan Event {
	return s.events
}

// Errors returns the error message stream
func (s *ChanSink) Errors() <-chan string {
	return s.errors
}

// Dropped returns how many values were discarded because nobody was reading
func (s *ChanSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *ChanSink) Event(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChanSink) Error(message string) {
	select {
	case s.errors <- message:
	default:
		s.dropped.Add(1)
	}
}

type nopSink struct{}

func (nopSink) Event(Event) {}
func (nopSink) Error(string) {}
