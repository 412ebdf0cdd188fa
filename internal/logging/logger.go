package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/compliance-core/compliance-core/internal/phi"
	"github.com/compliance-core/compliance-core/internal/telemetry"
)

// Logger emits structured records for one component scope. It is safe for
// concurrent use; all state is immutable after construction.
//
// Contract: a log call never panics and never returns an error. Anything
// that goes wrong while building or delivering a record is absorbed here,
// counted, and reported via slog, so logging problems cannot affect a
// business response.
type Logger struct {
	scope  string
	sink   Sink
	filter *phi.Filter
}

// New creates a logger for the given component scope. filter may be nil, in
// which case the default PHI filter is used (there is deliberately no way to
// construct a logger that skips filtering).
func New(scope string, sink Sink, filter *phi.Filter) *Logger {
	if filter == nil {
		filter = phi.Default()
	}
	return &Logger{scope: scope, sink: sink, filter: filter}
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelDebug, msg, fields)
}

// Info logs at INFO level.
func (l *Logger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelInfo, msg, fields)
}

// Warning logs at WARNING level.
func (l *Logger) Warning(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelWarning, msg, fields)
}

// Error logs at ERROR level.
func (l *Logger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelError, msg, fields)
}

// Critical logs at CRITICAL level.
func (l *Logger) Critical(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LevelCritical, msg, fields)
}

// Exception logs err at ERROR level with the failure description attached
// as an "error" field. A nil err logs the message alone.
func (l *Logger) Exception(ctx context.Context, msg string, err error, fields ...Field) {
	if err != nil {
		fields = append(fields, F("error", err.Error()))
	}
	l.log(ctx, LevelError, msg, fields)
}

// Audit emits an INFO record tagged event_type=AUDIT for log consumers that
// watch the operational stream for security-relevant events. This is
// observability only — it does not write to the hash-chained audit trail,
// which is the separate internal/audit component.
func (l *Logger) Audit(ctx context.Context, action, resource, userID, status string, fields ...Field) {
	tagged := make([]Field, 0, len(fields)+5)
	tagged = append(tagged,
		F("event_type", "AUDIT"),
		F("action", action),
		F("resource", resource),
		F("user_id", userID),
		F("status", status),
	)
	tagged = append(tagged, fields...)
	l.log(ctx, LevelInfo, "AUDIT: "+action, tagged)
}

func (l *Logger) log(ctx context.Context, level Level, msg string, fields []Field) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.LogSinkErrorsTotal.Inc()
			slog.Error("recovered panic in log call", "panic", r, "scope", l.scope)
		}
	}()

	cid, ok := CorrelationID(ctx)
	if !ok {
		cid = NewCorrelationID()
	}

	rec := Record{
		Timestamp:     time.Now().UTC(),
		Level:         level,
		Message:       l.filter.Mask(msg),
		LoggerScope:   l.scope,
		CorrelationID: cid,
		Fields:        l.sanitize(fields),
	}

	telemetry.LogRecordsTotal.WithLabelValues(level.String()).Inc()

	if err := l.sink.Write(rec); err != nil {
		telemetry.LogSinkErrorsTotal.Inc()
		slog.Error("log sink write failed", "error", err, "scope", l.scope)
	}
}

// sanitize runs every field value through the PHI filter, preserving
// call-site order.
func (l *Logger) sanitize(fields []Field) []Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]Field, len(fields))
	for i, f := range fields {
		sanitized, _ := l.filter.FilterStructured(f.Value)
		out[i] = Field{Key: f.Key, Value: sanitized}
	}
	return out
}
