package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/compliance-core/compliance-core/internal/safego"
	"github.com/compliance-core/compliance-core/internal/telemetry"
)

// Sink accepts one record. Implementations may write to a console stream, a
// file, or an external collector; the logger does not care which. A sink
// write error never reaches the business caller — the logger counts it and
// reports it on the internal fallback channel (slog).
type Sink interface {
	Write(Record) error
}

// WriterSink renders one JSON object per line to an io.Writer. It
// serializes concurrent writes so interleaved records cannot corrupt the
// stream. Suitable for stdout/stderr and plain files.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink creates a sink writing JSON lines to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write renders the record and appends a newline.
func (s *WriterSink) Write(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(append(data, '\n'))
	return err
}

// SlogSink bridges records onto the process-default slog handler configured
// by telemetry.SetupLogger, so operational records share one output pipeline
// with the rest of the application's diagnostics.
type SlogSink struct{}

// Write forwards the record to slog at the closest slog level. CRITICAL has
// no slog equivalent and maps to Error with a critical=true attribute.
func (SlogSink) Write(r Record) error {
	attrs := make([]any, 0, 2*(len(r.Fields)+2))
	attrs = append(attrs, KeyLoggerScope, r.LoggerScope, KeyCorrelationID, r.CorrelationID)
	for _, f := range r.Fields {
		attrs = append(attrs, f.Key, f.Value)
	}

	switch r.Level {
	case LevelDebug:
		slog.Debug(r.Message, attrs...)
	case LevelInfo:
		slog.Info(r.Message, attrs...)
	case LevelWarning:
		slog.Warn(r.Message, attrs...)
	case LevelCritical:
		slog.Error(r.Message, append(attrs, "critical", true)...)
	default:
		slog.Error(r.Message, attrs...)
	}
	return nil
}

// BufferedSink decouples log callers from a slow or bursty destination with
// a bounded in-memory buffer drained by one background worker. When the
// buffer is full the oldest queued record is dropped and the drop counter
// incremented; callers are never blocked. Close flushes best-effort within
// a bounded deadline.
type BufferedSink struct {
	inner   Sink
	ch      chan Record
	done    chan struct{}
	dropped atomic.Uint64

	// mu guards closed and makes Write's channel send safe against a
	// concurrent Close closing the channel.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
}

// DefaultBufferSize is the queue capacity used by NewBufferedSink when the
// caller passes size <= 0.
const DefaultBufferSize = 1024

// closeFlushDeadline bounds how long Close waits for the worker to drain.
const closeFlushDeadline = 5 * time.Second

// NewBufferedSink wraps inner with a bounded asynchronous queue.
func NewBufferedSink(inner Sink, size int) *BufferedSink {
	if size <= 0 {
		size = DefaultBufferSize
	}
	s := &BufferedSink{
		inner: inner,
		ch:    make(chan Record, size),
		done:  make(chan struct{}),
	}
	safego.Go(s.drain)
	return s
}

func (s *BufferedSink) drain() {
	defer close(s.done)
	for r := range s.ch {
		if err := s.inner.Write(r); err != nil {
			telemetry.LogSinkErrorsTotal.Inc()
			slog.Error("buffered sink write failed", "error", err)
		}
	}
}

// Write enqueues the record without blocking. On overflow the oldest queued
// record is discarded so recent records survive a stalled destination.
func (s *BufferedSink) Write(r Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		telemetry.LogRecordsDroppedTotal.Inc()
		s.dropped.Add(1)
		return nil
	}
	for {
		select {
		case s.ch <- r:
			return nil
		default:
		}
		// Queue full: drop the oldest and retry.
		select {
		case <-s.ch:
			telemetry.LogRecordsDroppedTotal.Inc()
			s.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many records have been discarded due to overflow or
// writes after Close.
func (s *BufferedSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting records and waits up to the flush deadline for the
// worker to drain what is already queued. Records still queued when the
// deadline expires are abandoned.
func (s *BufferedSink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		select {
		case <-s.done:
		case <-time.After(closeFlushDeadline):
			slog.Warn("buffered sink close deadline expired before flush completed")
		}
	})
	return nil
}
