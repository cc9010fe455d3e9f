// Package mgodriver implements the livequery driver interfaces against a
// live MongoDB replica set using gopkg.in/mgo.v2, the way the teacher repo
// (dailymotion/oplog) manages its own mgo.Session: one session per process,
// cheaply copied per goroutine, with safe writes and generous timeouts.
package mgodriver

import (
	"context"
	"time"

	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"

	lq "github.com/arborian/livequery"
)

// Client wraps an *mgo.Session to implement livequery.Client.
type Client struct {
	session *mgo.Session
}

// Dial connects to a MongoDB replica set member and configures the session
// the way the teacher's oplog.New does: monotonic consistency, safe writes,
// generous sync/socket timeouts so a tailable cursor survives a brief
// network hiccup.
func Dial(url string) (*Client, error) {
	session, err := mgo.Dial(url)
	if err != nil {
		return nil, err
	}
	session.SetSyncTimeout(10 * time.Second)
	session.SetSocketTimeout(20 * time.Second)
	session.SetMode(mgo.Monotonic, true)
	session.SetSafe(&mgo.Safe{})
	return &Client{session: session}, nil
}

// Close releases the underlying session.
func (c *Client) Close() { c.session.Close() }

// Journal implements livequery.Client.
func (c *Client) Journal() lq.JournalCollection {
	return &journalCollection{collection{
		session: c.session.Copy(),
		ns:      lq.Namespace{DB: "local", Coll: "oplog.rs"},
	}}
}

// Collection implements livequery.Client.
func (c *Client) Collection(ns lq.Namespace) (lq.Collection, error) {
	return &collection{session: c.session.Copy(), ns: ns}, nil
}

type collection struct {
	session *mgo.Session
	ns      lq.Namespace
}

func (c *collection) mgoColl() *mgo.Collection {
	return c.session.DB(c.ns.DB).C(c.ns.Coll)
}

// Namespace implements livequery.Collection.
func (c *collection) Namespace() lq.Namespace { return c.ns }

// Find implements livequery.Collection.
func (c *collection) Find(ctx context.Context, spec bson.M) (lq.Cursor, error) {
	return &iterCursor{iter: c.mgoColl().Find(spec).Iter()}, nil
}

// FindOne implements livequery.Collection.
func (c *collection) FindOne(ctx context.Context, spec bson.M, out interface{}) error {
	err := c.mgoColl().Find(spec).One(out)
	if err == mgo.ErrNotFound {
		return lq.ErrNotFound
	}
	return err
}

type journalCollection struct {
	collection
}

// Tail implements livequery.JournalCollection. It uses mgo's natural-order,
// oplog-replay-optimized tailable cursor, the same primitive the teacher's
// oplog.go iter method opens for live streaming.
func (j *journalCollection) Tail(ctx context.Context, spec bson.M, mode lq.CursorMode) (lq.Cursor, error) {
	q := j.mgoColl().Find(spec).Sort("$natural").LogReplay()
	iter := q.Tail(tailTimeout(mode))
	return &iterCursor{iter: iter}, nil
}

// tailTimeout mirrors the teacher's 5-second tail deadline for
// ModeTailable; ModeTailableAwait asks the server to block rather than
// return a timeout, so a longer deadline just bounds how often the client
// re-checks the context for cancellation.
func tailTimeout(mode lq.CursorMode) time.Duration {
	if mode == lq.ModeTailableAwait {
		return 30 * time.Second
	}
	return 5 * time.Second
}

// LatestTimestamp implements livequery.JournalCollection.
func (j *journalCollection) LatestTimestamp(ctx context.Context) (lq.Timestamp, error) {
	var entry struct {
		TS lq.Timestamp `bson:"ts"`
	}
	err := j.mgoColl().Find(nil).Sort("-$natural").One(&entry)
	if err == mgo.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return entry.TS, nil
}

// OldestTimestamp implements livequery.JournalCollection.
func (j *journalCollection) OldestTimestamp(ctx context.Context) (lq.Timestamp, error) {
	var entry struct {
		TS lq.Timestamp `bson:"ts"`
	}
	err := j.mgoColl().Find(nil).Sort("$natural").One(&entry)
	if err == mgo.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return entry.TS, nil
}

// iterCursor adapts *mgo.Iter to livequery.Cursor.
type iterCursor struct {
	iter *mgo.Iter
}

// Next implements livequery.Cursor.
func (c *iterCursor) Next(ctx context.Context, out interface{}) bool {
	return c.iter.Next(out)
}

// Err implements livequery.Cursor.
func (c *iterCursor) Err() error {
	if c.iter.Err() == mgo.ErrCursor {
		// A dead/expired tailable cursor is not an error the engine
		// should surface: it just needs to be reopened.
		return nil
	}
	return c.iter.Err()
}

// Timeout implements livequery.Cursor.
func (c *iterCursor) Timeout() bool { return c.iter.Timeout() }

// Close implements livequery.Cursor.
func (c *iterCursor) Close() error { return c.iter.Close() }
