package condition

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tailview/internal/event"
)

//go:embed condition.schema.json
var schemaSource string

const schemaURL = "https://tailview.local/schema/condition-v1.json"

// ErrUnsupported is returned when marshalling a condition type that has no
// JSON form.
var ErrUnsupported = errors.New("condition: unsupported condition type")

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString(schemaURL, schemaSource)
	})
	return schema, schemaErr
}

// node is the JSON form of a condition.
type node struct {
	Type       string  `json:"type"`
	Level      string  `json:"level,omitempty"`
	Text       string  `json:"text,omitempty"`
	IgnoreCase bool    `json:"ignore_case,omitempty"`
	Pattern    string  `json:"pattern,omitempty"`
	Key        string  `json:"key,omitempty"`
	Value      *string `json:"value,omitempty"`
	Prefix     *string `json:"prefix,omitempty"`
	Primary    string  `json:"primary,omitempty"`
	Secondary  string  `json:"secondary,omitempty"`
	Divisor    uint64  `json:"divisor,omitempty"`
	Remainder  uint64  `json:"remainder,omitempty"`
	Children   []*node `json:"children,omitempty"`
	Child      *node   `json:"child,omitempty"`
}

// Marshal encodes c as JSON.
func Marshal(c Condition) ([]byte, error) {
	n, err := toNode(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

// Unmarshal validates data against the condition schema and decodes it.
func Unmarshal(data []byte) (Condition, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("condition: compile schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("condition: parse: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("condition: invalid document: %w", err)
	}

	var n node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("condition: decode: %w", err)
	}
	return fromNode(&n)
}

func toNode(c Condition) (*node, error) {
	switch v := c.(type) {
	case True:
		return &node{Type: "true"}, nil
	case LevelAtLeast:
		return &node{Type: "level", Level: v.Level.String()}, nil
	case MessageContains:
		return &node{Type: "message_contains", Text: v.Text, IgnoreCase: v.IgnoreCase}, nil
	case MessageMatches:
		return &node{Type: "message_regex", Pattern: v.pattern}, nil
	case FieldEquals:
		value := v.Value
		return &node{Type: "field_equals", Key: v.Key, Value: &value}, nil
	case LoggerPrefix:
		prefix := v.Prefix
		return &node{Type: "logger_prefix", Prefix: &prefix}, nil
	case SourceIs:
		return &node{Type: "source", Primary: v.Source.Primary, Secondary: v.Source.Secondary}, nil
	case SequenceModulo:
		return &node{Type: "sequence_modulo", Divisor: v.Divisor, Remainder: v.Remainder}, nil
	case And:
		children, err := toNodes(v.children)
		if err != nil {
			return nil, err
		}
		return &node{Type: "and", Children: children}, nil
	case Or:
		children, err := toNodes(v.children)
		if err != nil {
			return nil, err
		}
		return &node{Type: "or", Children: children}, nil
	case Not:
		if v.child == nil {
			return &node{Type: "not", Child: &node{Type: "true"}}, nil
		}
		child, err := toNode(v.child)
		if err != nil {
			return nil, err
		}
		return &node{Type: "not", Child: child}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, c)
	}
}

func toNodes(children []Condition) ([]*node, error) {
	out := make([]*node, 0, len(children))
	for _, c := range children {
		n, err := toNode(c)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func fromNode(n *node) (Condition, error) {
	switch n.Type {
	case "true":
		return True{}, nil
	case "level":
		level, err := event.ParseLevel(n.Level)
		if err != nil {
			return nil, err
		}
		return LevelAtLeast{Level: level}, nil
	case "message_contains":
		return MessageContains{Text: n.Text, IgnoreCase: n.IgnoreCase}, nil
	case "message_regex":
		return NewMessageMatches(n.Pattern)
	case "field_equals":
		return FieldEquals{Key: n.Key, Value: deref(n.Value)}, nil
	case "logger_prefix":
		return LoggerPrefix{Prefix: deref(n.Prefix)}, nil
	case "source":
		return SourceIs{Source: event.SourceIdentifier{Primary: n.Primary, Secondary: n.Secondary}}, nil
	case "sequence_modulo":
		return SequenceModulo{Divisor: n.Divisor, Remainder: n.Remainder}, nil
	case "and", "or":
		children := make([]Condition, 0, len(n.Children))
		for _, child := range n.Children {
			c, err := fromNode(child)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if n.Type == "and" {
			return NewAnd(children...), nil
		}
		return NewOr(children...), nil
	case "not":
		child, err := fromNode(n.Child)
		if err != nil {
			return nil, err
		}
		return NewNot(child), nil
	default:
		return nil, fmt.Errorf("condition: unknown type %q", n.Type)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
