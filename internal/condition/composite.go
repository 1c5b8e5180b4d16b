package condition

import (
	"strings"

	"tailview/internal/event"
)

// And matches when every child matches. An empty And matches everything.
type And struct {
	children []Condition
}

// NewAnd returns an And over children. Nil children are dropped and the
// slice is copied, so later changes to the argument do not leak in.
func NewAnd(children ...Condition) And {
	return And{children: compact(children)}
}

// Children returns a copy of the child list.
func (a And) Children() []Condition { return append([]Condition(nil), a.children...) }

// Len returns the number of children.
func (a And) Len() int { return len(a.children) }

// Contains reports whether a structurally equal child exists.
func (a And) Contains(c Condition) bool { return containsEqual(a.children, c) }

// With returns a new And with c appended.
func (a And) With(c Condition) And {
	children := make([]Condition, 0, len(a.children)+1)
	children = append(children, a.children...)
	if c != nil {
		children = append(children, c)
	}
	return And{children: children}
}

func (a And) Matches(r *event.Record) bool {
	for _, c := range a.children {
		if !c.Matches(r) {
			return false
		}
	}
	return true
}

func (a And) Equal(other Condition) bool {
	o, ok := other.(And)
	return ok && equalLists(a.children, o.children)
}

func (a And) String() string { return join(a.children, " && ", "true") }

// Or matches when any child matches. An empty Or matches nothing.
type Or struct {
	children []Condition
}

// NewOr returns an Or over children, dropping nil children.
func NewOr(children ...Condition) Or {
	return Or{children: compact(children)}
}

// Children returns a copy of the child list.
func (o Or) Children() []Condition { return append([]Condition(nil), o.children...) }

// Len returns the number of children.
func (o Or) Len() int { return len(o.children) }

func (o Or) Matches(r *event.Record) bool {
	for _, c := range o.children {
		if c.Matches(r) {
			return true
		}
	}
	return false
}

func (o Or) Equal(other Condition) bool {
	p, ok := other.(Or)
	return ok && equalLists(o.children, p.children)
}

func (o Or) String() string { return join(o.children, " || ", "false") }

// Not negates its child. A Not without a child matches nothing, since the
// missing child would match everything.
type Not struct {
	child Condition
}

// NewNot returns the negation of c.
func NewNot(c Condition) Not { return Not{child: c} }

// Child returns the negated condition.
func (n Not) Child() Condition { return n.child }

func (n Not) Matches(r *event.Record) bool {
	return !Match(n.child, r)
}

func (n Not) Equal(other Condition) bool {
	o, ok := other.(Not)
	return ok && Equal(n.child, o.child)
}

func (n Not) String() string {
	if n.child == nil {
		return "!true"
	}
	return "!" + n.child.String()
}

func compact(children []Condition) []Condition {
	out := make([]Condition, 0, len(children))
	for _, c := range children {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func containsEqual(list []Condition, c Condition) bool {
	for _, existing := range list {
		if Equal(existing, c) {
			return true
		}
	}
	return false
}

func equalLists(a, b []Condition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func join(children []Condition, sep, empty string) string {
	if len(children) == 0 {
		return empty
	}
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}
