package livequery

import (
	"context"
	"sync"

	log "github.com/Sirupsen/logrus"
	"gopkg.in/mgo.v2/bson"
)

// Effect is the sentinel a LiveQuery hands back to the engine instead of
// using exceptions or generator control flow to signal "the server-side
// filter needs to be rebuilt".
type Effect int

const (
	// EffectNone means the journal entry the LiveQuery just handled did
	// not change its tracked-id set.
	EffectNone Effect = iota
	// EffectRestart means an id newly entered or left the tracked set,
	// which invalidates any id-restricted branch of the server-side
	// filter this LiveQuery contributed.
	EffectRestart
)

// LiveQuery is a single registration: a predicate over a namespace, the
// identifiers currently known to match it, and a callback fired once per
// membership transition.
type LiveQuery struct {
	collection Collection
	namespace  Namespace
	predicate  Predicate
	spec       bson.M
	// predicateByID is non-nil when spec pins an _id clause. Neither
	// handle nor serverFilterBranches reads it.
	predicateByID Predicate
	callback      Callback

	mu        sync.Mutex
	resultSet map[interface{}]bson.M

	log *log.Entry
}

func defaultCallback(c Change) {
	if c.TS == nil {
		log.Infof("LQ %s snapshot %s: %v", c.Op, c.Query.namespace, c.Obj)
		return
	}
	log.Infof("LQ %s %s change %s: %v", c.Op, c.Query.namespace, *c.TS, c.Obj)
}

// NewLiveQuery constructs a LiveQuery over collection matching spec. If
// callback is nil, changes are logged via the package-wide logrus logger
// (the teacher's own log_default idiom).
func NewLiveQuery(collection Collection, spec bson.M, callback Callback) *LiveQuery {
	if callback == nil {
		callback = defaultCallback
	}
	lq := &LiveQuery{
		collection: collection,
		namespace:  collection.Namespace(),
		predicate:  NewPredicate(spec),
		spec:       spec,
		callback:   callback,
		resultSet:  map[interface{}]bson.M{},
	}
	lq.log = log.WithField("ns", lq.namespace.String())
	if idSpec, ok := spec["_id"]; ok {
		lq.predicateByID = NewPredicate(bson.M{"_id": idSpec})
	}
	return lq
}

// Namespace returns the collection this LiveQuery watches.
func (lq *LiveQuery) Namespace() Namespace { return lq.namespace }

// Refresh re-reads every currently matching document via a direct find and
// replaces the result set. If emit is true, it also fires the callback with
// a 'd' event for every previously tracked id no longer present and an 'a'
// event for every document in the new snapshot; the returned slice mirrors
// exactly what was delivered to the callback. Change.TS is nil throughout,
// signalling "snapshot origin" to consumers.
func (lq *LiveQuery) Refresh(ctx context.Context, emit bool) ([]Change, error) {
	cur, err := lq.collection.Find(ctx, lq.spec)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	results := map[interface{}]bson.M{}
	var doc bson.M
	for cur.Next(ctx, &doc) {
		id := doc["_id"]
		results[id] = doc
		doc = nil
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	lq.mu.Lock()
	oldResultSet := lq.resultSet
	lq.resultSet = results
	lq.mu.Unlock()

	if !emit {
		return nil, nil
	}

	var changes []Change
	for id, obj := range oldResultSet {
		if _, stillMatches := results[id]; !stillMatches {
			c := Change{Op: ChangeRemoved, Query: lq, Obj: obj}
			changes = append(changes, c)
			lq.callback(c)
		}
	}
	for _, obj := range results {
		c := Change{Op: ChangeAdded, Query: lq, Obj: obj}
		changes = append(changes, c)
		lq.callback(c)
	}
	return changes, nil
}

// handle dispatches a single journal entry already known to belong to this
// LiveQuery's namespace (the engine guarantees that before calling).
func (lq *LiveQuery) handle(entry JournalEntry) Effect {
	switch entry.Op {
	case "i":
		if lq.predicate.Match(entry.O) {
			return lq.add(entry.TS, entry.O)
		}
		return EffectNone
	case "d":
		lq.log.Debug("discard because delete")
		return lq.discard(entry.TS, idOf(entry.O))
	case "u":
		if entry.Obj == nil {
			// Current document couldn't be fetched (concurrently
			// deleted, or missing for another reason); treat as a
			// non-match, consistent with the eventual 'd' entry
			// that will follow.
			return lq.discard(entry.TS, idOf(entry.O2))
		}
		if lq.predicate.Match(entry.Obj) {
			return lq.add(entry.TS, entry.Obj)
		}
		lq.log.Debug("discard because update no longer matches")
		return lq.discard(entry.TS, idOf(entry.O2))
	default:
		return EffectNone
	}
}

// add inserts or overwrites the result set entry for obj's _id and emits an
// 'a' Change. Overwriting an already-tracked id is an idempotent re-assert
// of membership (the document's fields changed but it still matches) and
// does not require a filter restart; a brand new id does.
func (lq *LiveQuery) add(ts Timestamp, obj bson.M) Effect {
	id := obj["_id"]

	lq.mu.Lock()
	_, wasTracked := lq.resultSet[id]
	lq.resultSet[id] = obj
	lq.mu.Unlock()

	tsCopy := ts
	lq.callback(Change{Op: ChangeAdded, Query: lq, TS: &tsCopy, Obj: obj})

	if wasTracked {
		return EffectNone
	}
	return EffectRestart
}

// discard removes id from the result set, if present, and emits a 'd'
// Change carrying the last-known pre-image. A discard of an untracked id is
// a no-op.
func (lq *LiveQuery) discard(ts Timestamp, id interface{}) Effect {
	lq.mu.Lock()
	obj, tracked := lq.resultSet[id]
	if tracked {
		delete(lq.resultSet, id)
	}
	lq.mu.Unlock()

	if !tracked {
		return EffectNone
	}

	tsCopy := ts
	lq.callback(Change{Op: ChangeRemoved, Query: lq, TS: &tsCopy, Obj: obj})
	return EffectRestart
}

// trackedIDs returns a snapshot of the currently tracked identifiers, used
// by the engine to build id-restricted filter branches.
func (lq *LiveQuery) trackedIDs() []interface{} {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	ids := make([]interface{}, 0, len(lq.resultSet))
	for id := range lq.resultSet {
		ids = append(ids, id)
	}
	return ids
}

// serverFilterBranches returns the oplog filter branches this LiveQuery
// contributes to the engine's fine-grained server-side filter: an insert
// branch narrowed by any literal top-level equality clauses in the
// predicate, and, once the tracked-id set is non-empty, id-restricted
// update and delete branches. A LiveQuery with an empty tracked-id set
// installs only the insert branch and relies on handle's EffectRestart to
// trigger a rebuild once the first match seeds the set.
func (lq *LiveQuery) serverFilterBranches() []bson.M {
	branches := []bson.M{insertBranch(lq.namespace, lq.spec)}

	ids := lq.trackedIDs()
	if len(ids) == 0 {
		return branches
	}
	branches = append(branches,
		bson.M{"op": "u", "ns": lq.namespace.String(), "o2._id": bson.M{"$in": ids}},
		bson.M{"op": "d", "ns": lq.namespace.String(), "o._id": bson.M{"$in": ids}},
	)
	return branches
}

// insertBranch builds the insert branch of a server-side filter: the
// namespace plus any literal scalar equality clauses from spec, promoted
// as "o.<field>" projections. Only literal scalar equality is promoted,
// never an operator sub-document or a non-scalar value, so the branch can
// never produce a false negative.
func insertBranch(ns Namespace, spec bson.M) bson.M {
	branch := bson.M{"op": "i", "ns": ns.String()}
	for field, want := range spec {
		if isLiteralScalar(want) {
			branch["o."+field] = want
		}
	}
	return branch
}

func isLiteralScalar(v interface{}) bool {
	switch v.(type) {
	case bson.M, map[string]interface{}:
		return false
	default:
		return !isSliceLike(v)
	}
}

func isSliceLike(v interface{}) bool {
	switch v.(type) {
	case []interface{}, []string, []int, []int32, []int64, []float64:
		return true
	default:
		return false
	}
}

func idOf(doc bson.M) interface{} {
	if doc == nil {
		return nil
	}
	return doc["_id"]
}
