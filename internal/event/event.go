// Package event defines the log event records held by tailview buffers.
//
// Records arrive already decoded from producers (network receivers,
// importers). Once appended to a buffer a record is immutable: buffers
// hand out shared pointers and callers must not modify them.
package event

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Level is the severity of a record.
type Level uint8

// Severity levels, lowest first.
const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"TRACE", "DEBUG", "INFO", "WARN", "ERROR"}

// String returns the upper-case level name.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("LEVEL(%d)", uint8(l))
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("event: invalid level %d", uint8(l))
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("event: unknown level %q", s)
	}
}

// SourceIdentifier names the logical origin of a stream of records.
type SourceIdentifier struct {
	Primary   string `json:"primary" cbor:"1,keyasint"`
	Secondary string `json:"secondary,omitempty" cbor:"2,keyasint,omitempty"`
}

// String renders the identifier as "primary" or "primary-secondary".
func (s SourceIdentifier) String() string {
	if s.Secondary == "" {
		return s.Primary
	}
	return s.Primary + "-" + s.Secondary
}

// IsZero reports whether the identifier is empty.
func (s SourceIdentifier) IsZero() bool {
	return s.Primary == "" && s.Secondary == ""
}

// Record is a single decoded log event.
type Record struct {
	// Sequence is the monotonically increasing position assigned by the producer.
	Sequence  uint64            `json:"seq" cbor:"1,keyasint"`
	Timestamp time.Time         `json:"ts" cbor:"2,keyasint"`
	Source    SourceIdentifier  `json:"source,omitzero" cbor:"3,keyasint,omitempty"`
	Level     Level             `json:"level" cbor:"4,keyasint"`
	Logger    string            `json:"logger,omitempty" cbor:"5,keyasint,omitempty"`
	Thread    string            `json:"thread,omitempty" cbor:"6,keyasint,omitempty"`
	Message   string            `json:"msg" cbor:"7,keyasint"`
	Fields    map[string]string `json:"fields,omitempty" cbor:"8,keyasint,omitempty"`

	// Payload is opaque application data carried alongside the record.
	Payload []byte `json:"payload,omitempty" cbor:"9,keyasint,omitempty"`
}

// Field returns the value of a named field.
func (r *Record) Field(key string) (string, bool) {
	if r == nil || r.Fields == nil {
		return "", false
	}
	v, ok := r.Fields[key]
	return v, ok
}

// Sequencer stamps consecutive sequence numbers onto records before they are
// appended. It is safe for concurrent use.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer returns a Sequencer whose first number is start.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Stamp assigns the next sequence number to r and returns it.
func (s *Sequencer) Stamp(r *Record) uint64 {
	seq := s.next.Add(1) - 1
	r.Sequence = seq
	return seq
}

// Next returns the number the next Stamp will assign.
func (s *Sequencer) Next() uint64 {
	return s.next.Load()
}
