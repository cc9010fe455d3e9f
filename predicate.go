package livequery

import (
	"reflect"

	"gopkg.in/mgo.v2/bson"
)

// Predicate matches a candidate document against some caller-defined
// criteria. It must be pure, terminating, and free of side effects; the
// engine never retries or swallows a panic raised out of Match, it surfaces
// it to the caller (see Run's error propagation policy).
type Predicate interface {
	Match(doc bson.M) bool
}

// PredicateFunc adapts a plain function to the Predicate interface.
type PredicateFunc func(doc bson.M) bool

// Match implements Predicate.
func (f PredicateFunc) Match(doc bson.M) bool { return f(doc) }

// specPredicate is the built-in Predicate implementation, matching a subset
// of MongoDB's query-document language against an in-memory document. No
// ecosystem Go library in the example corpus implements this, so it lives
// directly in this package (see DESIGN.md for the justification); every
// other concern in this module defers to a real third-party dependency.
type specPredicate struct {
	spec bson.M
}

// NewPredicate builds the default Predicate for a MongoDB-style query
// specification. Supported operators: implicit equality, $in, $nin, $ne,
// $gt, $gte, $lt, $lte, $exists. Field paths may be dotted ("a.b.c") to
// reach into nested documents.
func NewPredicate(spec bson.M) Predicate {
	return specPredicate{spec: spec}
}

// Match implements Predicate.
func (p specPredicate) Match(doc bson.M) bool {
	return matchSpec(p.spec, doc)
}

func matchSpec(spec bson.M, doc bson.M) bool {
	for field, want := range spec {
		if field == "$or" {
			if !matchOr(want, doc) {
				return false
			}
			continue
		}
		got, exists := lookupPath(doc, field)
		if !matchField(want, got, exists) {
			return false
		}
	}
	return true
}

// matchOr implements the $or boolean combinator the fine-grained server
// filter is built from: doc matches if any branch spec matches.
func matchOr(branches interface{}, doc bson.M) bool {
	rv := reflect.ValueOf(branches)
	if rv.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		var branch bson.M
		switch b := rv.Index(i).Interface().(type) {
		case bson.M:
			branch = b
		case map[string]interface{}:
			branch = bson.M(b)
		default:
			continue
		}
		if matchSpec(branch, doc) {
			return true
		}
	}
	return false
}

func matchField(want interface{}, got interface{}, exists bool) bool {
	if sub, ok := want.(bson.M); ok {
		return matchOperators(sub, got, exists)
	}
	if sub, ok := want.(map[string]interface{}); ok {
		return matchOperators(bson.M(sub), got, exists)
	}
	return exists && equal(want, got)
}

func matchOperators(ops bson.M, got interface{}, exists bool) bool {
	// A sub-document with no operator keys is an equality match against
	// the whole sub-document value, not a set of operators.
	hasOperator := false
	for k := range ops {
		if len(k) > 0 && k[0] == '$' {
			hasOperator = true
			break
		}
	}
	if !hasOperator {
		return exists && equal(bson.M(ops), got)
	}

	for op, arg := range ops {
		switch op {
		case "$in":
			if !exists || !inSlice(arg, got) {
				return false
			}
		case "$nin":
			if exists && inSlice(arg, got) {
				return false
			}
		case "$ne":
			if exists && equal(arg, got) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if exists != want {
				return false
			}
		case "$gt":
			if !exists || compare(got, arg) <= 0 {
				return false
			}
		case "$gte":
			if !exists || compare(got, arg) < 0 {
				return false
			}
		case "$lt":
			if c := compare(got, arg); !exists || c == -2 || c >= 0 {
				return false
			}
		case "$lte":
			if c := compare(got, arg); !exists || c == -2 || c > 0 {
				return false
			}
		default:
			// Unknown operators never match, rather than risk a false
			// positive on criteria we don't understand.
			return false
		}
	}
	return true
}

// lookupPath walks a dotted field path ("a.b.c") through nested bson.M
// documents.
func lookupPath(doc bson.M, path string) (interface{}, bool) {
	start := 0
	var cur interface{} = doc
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			key := path[start:i]
			m, ok := cur.(bson.M)
			if !ok {
				return nil, false
			}
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
			start = i + 1
		}
	}
	return cur, true
}

func inSlice(set interface{}, v interface{}) bool {
	rv := reflect.ValueOf(set)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return equal(set, v)
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), v) {
			return true
		}
	}
	return false
}

func equal(a, b interface{}) bool {
	an, aIsNum := toFloat(a)
	bn, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return an == bn
	}
	return reflect.DeepEqual(a, b)
}

// compare returns -1, 0, 1 comparing got to arg, supporting numeric and
// string ordering; any other pairing is treated as incomparable and reports
// -2, which $gt/$gte/$lt/$lte all treat as a non-match.
func compare(got, arg interface{}) int {
	if gn, ok1 := toFloat(got); ok1 {
		if an, ok2 := toFloat(arg); ok2 {
			switch {
			case gn < an:
				return -1
			case gn > an:
				return 1
			default:
				return 0
			}
		}
	}
	if gs, ok1 := got.(string); ok1 {
		if as, ok2 := arg.(string); ok2 {
			switch {
			case gs < as:
				return -1
			case gs > as:
				return 1
			default:
				return 0
			}
		}
	}
	return -2
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case bson.MongoTimestamp:
		return float64(n), true
	default:
		return 0, false
	}
}
