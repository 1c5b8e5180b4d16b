// Package condition implements predicates over event records.
//
// Conditions are immutable values. A filter task can keep using the
// condition it started with while the view installs a replacement, so no
// defensive cloning is needed anywhere: composing conditions always builds
// new nodes and never touches existing ones.
package condition

import (
	"fmt"
	"regexp"
	"strings"

	"tailview/internal/event"
)

// Condition is a node in a predicate tree.
type Condition interface {
	// Matches reports whether r satisfies the condition.
	Matches(r *event.Record) bool

	// Equal reports structural equality with other.
	Equal(other Condition) bool

	// String renders the condition for display.
	String() string
}

// Match evaluates c against r. A nil condition matches every record.
func Match(c Condition, r *event.Record) bool {
	if c == nil {
		return true
	}
	return c.Matches(r)
}

// Equal reports whether a and b are structurally equal. Two nil
// conditions are equal.
func Equal(a, b Condition) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// True matches every record.
type True struct{}

func (True) Matches(*event.Record) bool { return true }

func (True) Equal(other Condition) bool {
	_, ok := other.(True)
	return ok
}

func (True) String() string { return "true" }

// LevelAtLeast matches records whose level is at or above Level.
type LevelAtLeast struct {
	Level event.Level
}

func (c LevelAtLeast) Matches(r *event.Record) bool {
	return r != nil && r.Level >= c.Level
}

func (c LevelAtLeast) Equal(other Condition) bool {
	o, ok := other.(LevelAtLeast)
	return ok && o == c
}

func (c LevelAtLeast) String() string { return "level >= " + c.Level.String() }

// MessageContains matches records whose message contains Text.
type MessageContains struct {
	Text       string
	IgnoreCase bool
}

func (c MessageContains) Matches(r *event.Record) bool {
	if r == nil {
		return false
	}
	if c.IgnoreCase {
		return strings.Contains(strings.ToLower(r.Message), strings.ToLower(c.Text))
	}
	return strings.Contains(r.Message, c.Text)
}

func (c MessageContains) Equal(other Condition) bool {
	o, ok := other.(MessageContains)
	return ok && o == c
}

func (c MessageContains) String() string {
	if c.IgnoreCase {
		return fmt.Sprintf("message contains %q (ignore case)", c.Text)
	}
	return fmt.Sprintf("message contains %q", c.Text)
}

// MessageMatches matches records whose message matches a regular expression.
type MessageMatches struct {
	pattern string
	re      *regexp.Regexp
}

// NewMessageMatches compiles pattern.
func NewMessageMatches(pattern string) (MessageMatches, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return MessageMatches{}, fmt.Errorf("condition: invalid pattern: %w", err)
	}
	return MessageMatches{pattern: pattern, re: re}, nil
}

// MustMessageMatches is like NewMessageMatches but panics on a bad pattern.
// Intended for patterns known at compile time.
func MustMessageMatches(pattern string) MessageMatches {
	c, err := NewMessageMatches(pattern)
	if err != nil {
		panic(err)
	}
	return c
}

// Pattern returns the source pattern.
func (c MessageMatches) Pattern() string { return c.pattern }

func (c MessageMatches) Matches(r *event.Record) bool {
	return r != nil && c.re != nil && c.re.MatchString(r.Message)
}

func (c MessageMatches) Equal(other Condition) bool {
	o, ok := other.(MessageMatches)
	return ok && o.pattern == c.pattern
}

func (c MessageMatches) String() string { return fmt.Sprintf("message =~ /%s/", c.pattern) }

// FieldEquals matches records carrying Key with exactly Value.
type FieldEquals struct {
	Key   string
	Value string
}

func (c FieldEquals) Matches(r *event.Record) bool {
	v, ok := r.Field(c.Key)
	return ok && v == c.Value
}

func (c FieldEquals) Equal(other Condition) bool {
	o, ok := other.(FieldEquals)
	return ok && o == c
}

func (c FieldEquals) String() string { return fmt.Sprintf("%s == %q", c.Key, c.Value) }

// LoggerPrefix matches records whose logger name starts with Prefix.
type LoggerPrefix struct {
	Prefix string
}

func (c LoggerPrefix) Matches(r *event.Record) bool {
	return r != nil && strings.HasPrefix(r.Logger, c.Prefix)
}

func (c LoggerPrefix) Equal(other Condition) bool {
	o, ok := other.(LoggerPrefix)
	return ok && o == c
}

func (c LoggerPrefix) String() string { return fmt.Sprintf("logger starts with %q", c.Prefix) }

// SourceIs matches records from one source. An empty Secondary matches any
// secondary name.
type SourceIs struct {
	Source event.SourceIdentifier
}

func (c SourceIs) Matches(r *event.Record) bool {
	if r == nil || r.Source.Primary != c.Source.Primary {
		return false
	}
	return c.Source.Secondary == "" || r.Source.Secondary == c.Source.Secondary
}

func (c SourceIs) Equal(other Condition) bool {
	o, ok := other.(SourceIs)
	return ok && o == c
}

func (c SourceIs) String() string { return "source == " + c.Source.String() }

// SequenceModulo matches records whose sequence number modulo Divisor
// equals Remainder. A zero Divisor matches nothing.
type SequenceModulo struct {
	Divisor   uint64
	Remainder uint64
}

func (c SequenceModulo) Matches(r *event.Record) bool {
	return r != nil && c.Divisor != 0 && r.Sequence%c.Divisor == c.Remainder
}

func (c SequenceModulo) Equal(other Condition) bool {
	o, ok := other.(SequenceModulo)
	return ok && o == c
}

func (c SequenceModulo) String() string {
	return fmt.Sprintf("seq %% %d == %d", c.Divisor, c.Remainder)
}
