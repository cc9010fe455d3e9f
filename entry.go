package livequery

import "gopkg.in/mgo.v2/bson"

// JournalEntry is a single record from the replica-set oplog.
//
// Obj is not part of the wire format: the engine populates it for "u"
// entries by fetching the document's current state via the driver, because
// the oplog's own "o" field for an update is only a delta, not a post-image.
type JournalEntry struct {
	TS Timestamp `bson:"ts"`
	NS string    `bson:"ns"`
	// Op is one of "i" (insert), "u" (update), "d" (delete). Other
	// opcodes (commands, no-ops) are ignored by the engine.
	Op string `bson:"op"`
	// O is the inserted document for "i", at least the deleted
	// document's identifier for "d", and an update delta (unused for
	// matching) for "u".
	O bson.M `bson:"o"`
	// O2 holds the updated document's identifier for "u" entries.
	O2 bson.M `bson:"o2,omitempty"`
	// Obj is the engine-fetched current document for "u" entries, or nil
	// if the point lookup found nothing (the document was concurrently
	// deleted or is otherwise gone).
	Obj bson.M `bson:"-"`
}

// namespace parses NS into a Namespace value.
func (e JournalEntry) namespace() Namespace {
	return ParseNamespace(e.NS)
}

// valid reports whether the entry has the minimum fields required to
// process it. Malformed entries are logged and skipped by the engine, but
// still advance the watermark when TS is present.
func (e JournalEntry) valid() bool {
	if e.NS == "" || e.Op == "" {
		return false
	}
	switch e.Op {
	case "i", "d":
		return e.O != nil
	case "u":
		return e.O2 != nil
	default:
		return true
	}
}
