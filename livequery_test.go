package livequery

import (
	"context"
	"testing"

	"gopkg.in/mgo.v2/bson"
)

func TestLiveQueryRefreshEmitsSnapshot(t *testing.T) {
	coll := &fakeCollection{
		ns: Namespace{DB: "db", Coll: "coll"},
		docs: []bson.M{
			{"_id": "1", "status": "active"},
			{"_id": "2", "status": "inactive"},
		},
	}
	lq := NewLiveQuery(coll, bson.M{"status": "active"}, nil)

	changes, err := lq.Refresh(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Op != ChangeAdded || changes[0].Obj["_id"] != "1" {
		t.Fatalf("expected a single 'added' change for doc 1, got %+v", changes)
	}
	if changes[0].TS != nil {
		t.Error("snapshot-origin changes must carry a nil TS")
	}
}

func TestLiveQueryRefreshDiffsAgainstPriorSnapshot(t *testing.T) {
	coll := &fakeCollection{ns: Namespace{DB: "db", Coll: "coll"}, docs: []bson.M{
		{"_id": "1", "status": "active"},
	}}
	lq := NewLiveQuery(coll, bson.M{"status": "active"}, nil)
	if _, err := lq.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	coll.docs = nil // doc 1 no longer matches (e.g. deleted out of band)
	changes, err := lq.Refresh(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0].Op != ChangeRemoved || changes[0].Obj["_id"] != "1" {
		t.Fatalf("expected a single 'removed' change for doc 1, got %+v", changes)
	}
}

func TestLiveQueryHandleInsertMatch(t *testing.T) {
	coll := &fakeCollection{ns: Namespace{DB: "db", Coll: "coll"}}
	var got []Change
	lq := NewLiveQuery(coll, bson.M{"status": "active"}, func(c Change) {
		got = append(got, c)
	})

	entry := JournalEntry{TS: 1, NS: "db.coll", Op: "i", O: bson.M{"_id": "1", "status": "active"}}
	if effect := lq.handle(entry); effect != EffectRestart {
		t.Errorf("a brand new tracked id must request a restart, got %v", effect)
	}
	if len(got) != 1 || got[0].Op != ChangeAdded {
		t.Fatalf("expected one 'added' change, got %+v", got)
	}
}

func TestLiveQueryHandleInsertNoMatch(t *testing.T) {
	coll := &fakeCollection{ns: Namespace{DB: "db", Coll: "coll"}}
	var got []Change
	lq := NewLiveQuery(coll, bson.M{"status": "active"}, func(c Change) {
		got = append(got, c)
	})

	entry := JournalEntry{TS: 1, NS: "db.coll", Op: "i", O: bson.M{"_id": "1", "status": "inactive"}}
	if effect := lq.handle(entry); effect != EffectNone {
		t.Errorf("a non-matching insert must not request a restart, got %v", effect)
	}
	if len(got) != 0 {
		t.Fatalf("expected no change emitted, got %+v", got)
	}
}

func TestLiveQueryHandleDelete(t *testing.T) {
	coll := &fakeCollection{ns: Namespace{DB: "db", Coll: "coll"}}
	var got []Change
	lq := NewLiveQuery(coll, nil, func(c Change) {
		got = append(got, c)
	})
	lq.add(Timestamp(1), bson.M{"_id": "1"})
	got = nil

	entry := JournalEntry{TS: 2, NS: "db.coll", Op: "d", O: bson.M{"_id": "1"}}
	if effect := lq.handle(entry); effect != EffectRestart {
		t.Errorf("discarding a tracked id must request a restart, got %v", effect)
	}
	if len(got) != 1 || got[0].Op != ChangeRemoved {
		t.Fatalf("expected one 'removed' change, got %+v", got)
	}
}

func TestLiveQueryHandleDeleteUntracked(t *testing.T) {
	coll := &fakeCollection{ns: Namespace{DB: "db", Coll: "coll"}}
	var got []Change
	lq := NewLiveQuery(coll, nil, func(c Change) {
		got = append(got, c)
	})

	entry := JournalEntry{TS: 1, NS: "db.coll", Op: "d", O: bson.M{"_id": "unknown"}}
	if effect := lq.handle(entry); effect != EffectNone {
		t.Errorf("discarding an untracked id must be a no-op, got %v", effect)
	}
	if len(got) != 0 {
		t.Fatalf("expected no change emitted, got %+v", got)
	}
}

func TestLiveQueryHandleUpdateStillMatches(t *testing.T) {
	coll := &fakeCollection{ns: Namespace{DB: "db", Coll: "coll"}}
	lq := NewLiveQuery(coll, bson.M{"status": "active"}, nil)
	lq.add(Timestamp(1), bson.M{"_id": "1", "status": "active"})

	entry := JournalEntry{
		TS: 2, NS: "db.coll", Op: "u",
		O2:  bson.M{"_id": "1"},
		Obj: bson.M{"_id": "1", "status": "active"},
	}
	if effect := lq.handle(entry); effect != EffectNone {
		t.Errorf("re-asserting an already-tracked id must not request a restart, got %v", effect)
	}
}

func TestLiveQueryHandleUpdateNoLongerMatches(t *testing.T) {
	coll := &fakeCollection{ns: Namespace{DB: "db", Coll: "coll"}}
	lq := NewLiveQuery(coll, bson.M{"status": "active"}, nil)
	lq.add(Timestamp(1), bson.M{"_id": "1", "status": "active"})

	entry := JournalEntry{
		TS: 2, NS: "db.coll", Op: "u",
		O2:  bson.M{"_id": "1"},
		Obj: bson.M{"_id": "1", "status": "inactive"},
	}
	if effect := lq.handle(entry); effect != EffectRestart {
		t.Errorf("a tracked id leaving the result set must request a restart, got %v", effect)
	}
	if len(lq.trackedIDs()) != 0 {
		t.Error("id should no longer be tracked after it stops matching")
	}
}

func TestLiveQueryHandleUpdateMissingPostImage(t *testing.T) {
	coll := &fakeCollection{ns: Namespace{DB: "db", Coll: "coll"}}
	lq := NewLiveQuery(coll, bson.M{"status": "active"}, nil)
	lq.add(Timestamp(1), bson.M{"_id": "1", "status": "active"})

	// Obj is nil: the engine couldn't resolve the post-image (e.g. the
	// document was concurrently deleted), which must be treated as a
	// non-match.
	entry := JournalEntry{TS: 2, NS: "db.coll", Op: "u", O2: bson.M{"_id": "1"}}
	if effect := lq.handle(entry); effect != EffectRestart {
		t.Errorf("expected a restart when a tracked id's update can't be resolved, got %v", effect)
	}
}
