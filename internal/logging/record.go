// Package logging implements the structured, correlation-tagged logger used
// for operational visibility. Every log call produces one Record — a
// machine-parseable JSON object carrying a UTC timestamp, severity, emitting
// scope, and a correlation id — and hands it to a pluggable Sink. All
// caller-supplied fields pass through the PHI filter before they are
// attached, so sensitive text never survives into an emitted record.
//
// The logger is observability only. The Audit convenience method tags a
// record as audit-category for log consumers; the tamper-evident compliance
// ledger is the separate internal/audit package and is never written to from
// here.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Level is a log record severity.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelCritical
)

// String returns the canonical upper-case level name used on the wire.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL(%d)", int8(l))
	}
}

// Field is one caller-supplied key/value pair. Fields keep their call-site
// order through to the emitted JSON.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field at a call site.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Reserved record keys. These always win over caller-supplied fields of the
// same name.
const (
	KeyTimestamp     = "timestamp"
	KeyLevel         = "level"
	KeyMessage       = "message"
	KeyLoggerScope   = "loggerScope"
	KeyCorrelationID = "correlationId"
)

var reservedKeys = map[string]struct{}{
	KeyTimestamp:     {},
	KeyLevel:         {},
	KeyMessage:       {},
	KeyLoggerScope:   {},
	KeyCorrelationID: {},
}

// Record is one emitted observation. Records are immutable once handed to a
// sink; they exist only en route to their destination.
type Record struct {
	Timestamp     time.Time
	Level         Level
	Message       string
	LoggerScope   string
	CorrelationID string
	// Fields are already PHI-sanitized by the time a Record reaches a sink.
	Fields []Field
}

// MarshalJSON renders the record as a single flat JSON object: the five
// reserved keys first, then caller fields in call-site order. Caller fields
// whose key collides with a reserved key are skipped. A field value that
// cannot be serialized is replaced by its fmt %v rendering plus a
// "field_error" meta-field naming the degraded key, and marshalling still
// succeeds — a log record is never lost to a bad value.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	writePair := func(key string, raw []byte) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(raw)
	}

	ts, _ := json.Marshal(r.Timestamp.UTC().Format(time.RFC3339Nano))
	writePair(KeyTimestamp, ts)
	lvl, _ := json.Marshal(r.Level.String())
	writePair(KeyLevel, lvl)
	msg, _ := json.Marshal(r.Message)
	writePair(KeyMessage, msg)
	scope, _ := json.Marshal(r.LoggerScope)
	writePair(KeyLoggerScope, scope)
	cid, _ := json.Marshal(r.CorrelationID)
	writePair(KeyCorrelationID, cid)

	var degraded []string
	for _, f := range r.Fields {
		if _, reserved := reservedKeys[f.Key]; reserved {
			continue
		}
		raw, err := json.Marshal(f.Value)
		if err != nil {
			raw, _ = json.Marshal(fmt.Sprintf("%v", f.Value))
			degraded = append(degraded, f.Key)
		}
		writePair(f.Key, raw)
	}
	if len(degraded) > 0 {
		raw, _ := json.Marshal(degraded)
		writePair("field_error", raw)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
