// Package livequery turns a MongoDB replica-set's oplog into per-query
// add/remove change notifications.
//
// Client code declares interest in documents matching a query predicate
// against a specific collection; the engine emits "added" and "removed"
// events whenever the set of matching documents changes, starting with the
// initial snapshot and continuing from a tailed follow of the oplog.
//
// The database driver itself is out of scope: the engine only ever talks to
// it through the Client/JournalCollection/Collection/Cursor interfaces in
// this file, so a real driver (mgodriver) and an in-memory test fake
// (mockdriver) are interchangeable.
package livequery

import (
	"context"
	"fmt"

	"gopkg.in/mgo.v2/bson"
)

// Namespace identifies a collection within a database.
type Namespace struct {
	DB   string
	Coll string
}

// String renders the namespace the way the oplog's "ns" field does.
func (ns Namespace) String() string {
	return fmt.Sprintf("%s.%s", ns.DB, ns.Coll)
}

// ParseNamespace splits a "db.coll" string as found in a journal entry's
// "ns" field. Only the first dot is significant; collection names may
// themselves contain dots (e.g. "system.indexes").
func ParseNamespace(s string) Namespace {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return Namespace{DB: s[:i], Coll: s[i+1:]}
		}
	}
	return Namespace{DB: s}
}

// Timestamp is the oplog's monotonically non-decreasing ordering token.
// It is mgo's native representation (seconds-since-epoch in the high 32
// bits, an ordinal in the low 32 bits) and is already totally ordered by
// plain integer comparison.
type Timestamp = bson.MongoTimestamp

// CursorMode selects whether a journal tail blocks server-side for new
// entries or returns end-of-stream once caught up.
type CursorMode int

const (
	// ModeTailable returns end-of-stream when caught up; the caller is
	// expected to sleep and reopen.
	ModeTailable CursorMode = iota
	// ModeTailableAwait blocks server-side for new entries.
	ModeTailableAwait
)

// Cursor is a forward-only stream of documents, tailable or not.
type Cursor interface {
	// Next decodes the next document into out and returns true, or
	// returns false when the cursor is exhausted (non-tailable) or has
	// timed out waiting for more data (tailable). Callers must check Err
	// and Timeout to tell those cases apart.
	Next(ctx context.Context, out interface{}) bool
	// Err returns the first error encountered, if any. A tailable cursor
	// that simply timed out waiting for new data reports no error.
	Err() error
	// Timeout reports whether the cursor is still alive but the last
	// Next call returned false because no new data arrived before the
	// driver's tail deadline.
	Timeout() bool
	// Close releases the cursor's resources.
	Close() error
}

// Collection is a snapshot/point-lookup surface over a single collection.
type Collection interface {
	Namespace() Namespace
	// Find runs a snapshot query and returns a cursor over the results.
	Find(ctx context.Context, spec bson.M) (Cursor, error)
	// FindOne runs a point lookup and decodes the single result into out.
	// It returns ErrNotFound if no document matches spec.
	FindOne(ctx context.Context, spec bson.M, out interface{}) error
}

// JournalCollection is the replica-set oplog collection.
type JournalCollection interface {
	Collection
	// Tail opens a tailable cursor over the journal restricted by spec.
	Tail(ctx context.Context, spec bson.M, mode CursorMode) (Cursor, error)
	// LatestTimestamp returns the ts of the most recently written journal
	// entry, or a zero Timestamp if the journal is empty.
	LatestTimestamp(ctx context.Context) (Timestamp, error)
	// OldestTimestamp returns the ts of the oldest entry still retained
	// in the (capped) journal collection, or a zero Timestamp if the
	// journal is empty. The engine uses this to detect that the journal
	// has rolled past a watermark it meant to resume from.
	OldestTimestamp(ctx context.Context) (Timestamp, error)
}

// Client resolves the journal collection and arbitrary application
// collections addressed by namespace (used to fetch an update's current
// document).
type Client interface {
	Journal() JournalCollection
	Collection(ns Namespace) (Collection, error)
}

// ErrNotFound is returned by Collection.FindOne when no document matches.
var ErrNotFound = fmt.Errorf("livequery: document not found")
