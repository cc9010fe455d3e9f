// Package mockdriver is an in-memory fake of the livequery driver
// interfaces, used only by tests. It plays the same role the teacher repo's
// hand-rolled test fakes play (see dailymotion-oplog's event_test.go
// writeChecker): a small, purpose-built stand-in instead of a mocking
// library, so tests exercise the engine's real dispatch and filter logic
// against a predictable, in-process journal.
//
// The fake only supports livequery.ModeTailable: each Tail call returns a
// snapshot of the journal matching spec at that instant, and the cursor
// reports Timeout() once exhausted so the engine's normal poll-and-reopen
// loop drives it forward as new entries are appended to the Store.
package mockdriver

import (
	"context"
	"sync"

	"gopkg.in/mgo.v2/bson"

	lq "github.com/arborian/livequery"
)

// Store is the shared, in-memory backing state: a journal (the fake oplog)
// plus one document set per namespace.
type Store struct {
	mu          sync.Mutex
	clock       int64
	journal     []lq.JournalEntry
	oldest      int
	collections map[lq.Namespace]map[interface{}]bson.M
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{collections: map[lq.Namespace]map[interface{}]bson.M{}}
}

func (s *Store) nextTS() lq.Timestamp {
	s.clock++
	return lq.Timestamp(s.clock << 32)
}

func (s *Store) docsFor(ns lq.Namespace) map[interface{}]bson.M {
	docs := s.collections[ns]
	if docs == nil {
		docs = map[interface{}]bson.M{}
		s.collections[ns] = docs
	}
	return docs
}

// Insert writes doc into ns and appends a matching "i" journal entry.
// doc must carry an "_id" key.
func (s *Store) Insert(ns lq.Namespace, doc bson.M) lq.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.nextTS()
	stored := cloneDoc(doc)
	s.docsFor(ns)[stored["_id"]] = stored
	s.journal = append(s.journal, lq.JournalEntry{
		TS: ts, NS: ns.String(), Op: "i", O: cloneDoc(doc),
	})
	return ts
}

// Update replaces the document identified by id with doc (a full
// replacement, since the engine always re-reads the post-image rather than
// applying the oplog's update delta) and appends a matching "u" entry.
func (s *Store) Update(ns lq.Namespace, id interface{}, doc bson.M) lq.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.nextTS()
	stored := cloneDoc(doc)
	stored["_id"] = id
	s.docsFor(ns)[id] = stored
	s.journal = append(s.journal, lq.JournalEntry{
		TS: ts, NS: ns.String(), Op: "u",
		O:  bson.M{"$set": cloneDoc(doc)},
		O2: bson.M{"_id": id},
	})
	return ts
}

// Delete removes the document identified by id and appends a matching "d"
// entry.
func (s *Store) Delete(ns lq.Namespace, id interface{}) lq.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.nextTS()
	delete(s.docsFor(ns), id)
	s.journal = append(s.journal, lq.JournalEntry{
		TS: ts, NS: ns.String(), Op: "d", O: bson.M{"_id": id},
	})
	return ts
}

// Truncate simulates a capped collection rolling over: it retains only the
// newest keep journal entries (older ones disappear from OldestTimestamp
// and from Find/Tail), without touching the document sets, so a test can
// provoke ErrWatermarkLost.
func (s *Store) Truncate(keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if drop := len(s.journal) - keep; drop > s.oldest {
		s.oldest = drop
	}
}

func cloneDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Client implements livequery.Client over a Store.
type Client struct {
	store *Store
}

// NewClient wraps store as a livequery.Client.
func NewClient(store *Store) *Client {
	return &Client{store: store}
}

// Journal implements livequery.Client.
func (c *Client) Journal() lq.JournalCollection {
	return &journalCollection{store: c.store}
}

// Collection implements livequery.Client.
func (c *Client) Collection(ns lq.Namespace) (lq.Collection, error) {
	return &collection{store: c.store, ns: ns}, nil
}

type collection struct {
	store *Store
	ns    lq.Namespace
}

// Namespace implements livequery.Collection.
func (c *collection) Namespace() lq.Namespace { return c.ns }

// Find implements livequery.Collection.
func (c *collection) Find(ctx context.Context, spec bson.M) (lq.Cursor, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	pred := lq.NewPredicate(spec)
	var matched []bson.M
	for _, doc := range c.store.docsFor(c.ns) {
		if spec == nil || pred.Match(doc) {
			matched = append(matched, cloneDoc(doc))
		}
	}
	return &sliceCursor{docs: matched}, nil
}

// FindOne implements livequery.Collection.
func (c *collection) FindOne(ctx context.Context, spec bson.M, out interface{}) error {
	cur, err := c.Find(ctx, spec)
	if err != nil {
		return err
	}
	var doc bson.M
	if !cur.Next(ctx, &doc) {
		return lq.ErrNotFound
	}
	return decodeInto(doc, out)
}

type journalCollection struct {
	store *Store
}

// Namespace implements livequery.Collection; the fake journal pretends to
// live at local.oplog.rs like a real replica set's.
func (j *journalCollection) Namespace() lq.Namespace {
	return lq.Namespace{DB: "local", Coll: "oplog.rs"}
}

// Find implements livequery.Collection by matching spec against each
// entry's {ts, ns, op, o, o2} fields.
func (j *journalCollection) Find(ctx context.Context, spec bson.M) (lq.Cursor, error) {
	entries := j.matching(spec)
	docs := make([]bson.M, len(entries))
	for i, e := range entries {
		docs[i] = bson.M{"ts": e.TS, "ns": e.NS, "op": e.Op, "o": e.O, "o2": e.O2}
	}
	return &sliceCursor{docs: docs}, nil
}

// FindOne implements livequery.Collection.
func (j *journalCollection) FindOne(ctx context.Context, spec bson.M, out interface{}) error {
	entries := j.matching(spec)
	if len(entries) == 0 {
		return lq.ErrNotFound
	}
	return decodeInto(entries[0], out)
}

// Tail implements livequery.JournalCollection. It returns a snapshot of the
// entries currently matching spec; the engine's normal poll-and-reopen loop
// picks up entries appended to the Store afterwards on its next restart.
func (j *journalCollection) Tail(ctx context.Context, spec bson.M, mode lq.CursorMode) (lq.Cursor, error) {
	entries := j.matching(spec)
	return &journalCursor{entries: entries}, nil
}

// LatestTimestamp implements livequery.JournalCollection.
func (j *journalCollection) LatestTimestamp(ctx context.Context) (lq.Timestamp, error) {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()
	if len(j.store.journal) == 0 {
		return 0, nil
	}
	return j.store.journal[len(j.store.journal)-1].TS, nil
}

// OldestTimestamp implements livequery.JournalCollection.
func (j *journalCollection) OldestTimestamp(ctx context.Context) (lq.Timestamp, error) {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()
	if j.store.oldest >= len(j.store.journal) {
		return 0, nil
	}
	return j.store.journal[j.store.oldest].TS, nil
}

func (j *journalCollection) matching(spec bson.M) []lq.JournalEntry {
	j.store.mu.Lock()
	all := append([]lq.JournalEntry(nil), j.store.journal[j.store.oldest:]...)
	j.store.mu.Unlock()

	if spec == nil {
		return all
	}
	pred := lq.NewPredicate(spec)
	var matched []lq.JournalEntry
	for _, e := range all {
		doc := bson.M{"ts": e.TS, "ns": e.NS, "op": e.Op, "o": e.O, "o2": e.O2}
		if pred.Match(doc) {
			matched = append(matched, e)
		}
	}
	return matched
}

// sliceCursor is lq.Cursor over a pre-computed slice of documents.
type sliceCursor struct {
	docs []bson.M
	idx  int
	err  error
}

func (c *sliceCursor) Next(ctx context.Context, out interface{}) bool {
	if c.err != nil || c.idx >= len(c.docs) {
		return false
	}
	doc := c.docs[c.idx]
	c.idx++
	if err := decodeInto(doc, out); err != nil {
		c.err = err
		return false
	}
	return true
}

func (c *sliceCursor) Err() error     { return c.err }
func (c *sliceCursor) Timeout() bool  { return c.err == nil }
func (c *sliceCursor) Close() error   { return nil }

// journalCursor is lq.Cursor over a pre-computed slice of journal entries,
// standing in for a tailable cursor: once exhausted it reports Timeout
// rather than Err, exactly like a live tailable cursor with nothing new to
// deliver.
type journalCursor struct {
	entries []lq.JournalEntry
	idx     int
	err     error
}

func (c *journalCursor) Next(ctx context.Context, out interface{}) bool {
	if c.err != nil || c.idx >= len(c.entries) {
		return false
	}
	entry := c.entries[c.idx]
	c.idx++
	if err := decodeInto(entry, out); err != nil {
		c.err = err
		return false
	}
	return true
}

func (c *journalCursor) Err() error    { return c.err }
func (c *journalCursor) Timeout() bool { return c.err == nil }
func (c *journalCursor) Close() error  { return nil }

// decodeInto copies src into out via a bson marshal round trip, the same
// decoding path a real driver takes, so out may be either a *bson.M or a
// *livequery.JournalEntry indifferently.
func decodeInto(src interface{}, out interface{}) error {
	data, err := bson.Marshal(src)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, out)
}
