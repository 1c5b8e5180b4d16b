package condition

// Combine narrows existing by addition, the way filters are chained when a
// user filters an already filtered view.
//
// The result never contains duplicate And members and never wraps a single
// condition in an And, so repeated chaining stays flat:
//
//	Combine(nil, a)            == a
//	Combine(a, a)              == a (for any a, including an And)
//	Combine(a, b)              == And(a, b)
//	Combine(And(a, b), a)      == And(a, b)
//	Combine(And(a, b), c)      == And(a, b, c)
//
// existing is never modified.
func Combine(existing, addition Condition) Condition {
	if existing == nil {
		return addition
	}
	if addition == nil || existing.Equal(addition) {
		return existing
	}

	var merged And
	if and, ok := existing.(And); ok {
		if and.Contains(addition) {
			return normalize(and)
		}
		merged = and.With(addition)
	} else {
		merged = NewAnd(existing, addition)
	}
	return normalize(merged)
}

// normalize unwraps a single-child And.
func normalize(a And) Condition {
	if len(a.children) == 1 {
		return a.children[0]
	}
	return a
}
