package livequery

import (
	"context"

	"gopkg.in/mgo.v2/bson"
)

// fakeCollection is a minimal Collection stand-in for white-box unit tests
// in this package (engine_test.go instead uses the real mockdriver package,
// since importing it here would create an import cycle: mockdriver imports
// this package).
type fakeCollection struct {
	ns   Namespace
	docs []bson.M
}

func (c *fakeCollection) Namespace() Namespace { return c.ns }

func (c *fakeCollection) Find(ctx context.Context, spec bson.M) (Cursor, error) {
	pred := NewPredicate(spec)
	var matched []bson.M
	for _, d := range c.docs {
		if spec == nil || pred.Match(d) {
			matched = append(matched, d)
		}
	}
	return &fakeCursor{docs: matched}, nil
}

func (c *fakeCollection) FindOne(ctx context.Context, spec bson.M, out interface{}) error {
	cur, _ := c.Find(ctx, spec)
	var doc bson.M
	if !cur.Next(ctx, &doc) {
		return ErrNotFound
	}
	ptr, ok := out.(*bson.M)
	if !ok {
		return ErrNotFound
	}
	*ptr = doc
	return nil
}

type fakeCursor struct {
	docs []bson.M
	idx  int
}

func (c *fakeCursor) Next(ctx context.Context, out interface{}) bool {
	if c.idx >= len(c.docs) {
		return false
	}
	ptr, ok := out.(*bson.M)
	if !ok {
		return false
	}
	*ptr = c.docs[c.idx]
	c.idx++
	return true
}

func (c *fakeCursor) Err() error    { return nil }
func (c *fakeCursor) Timeout() bool { return false }
func (c *fakeCursor) Close() error  { return nil }
