package livequery

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/mgo.v2/bson"
)

// ChangeOp is the kind of membership change a Change event reports.
type ChangeOp string

const (
	// ChangeAdded means the document is now in the LiveQuery's result set.
	ChangeAdded ChangeOp = "a"
	// ChangeRemoved means a tracked document has left the result set; Obj
	// is its last-known state. Deletes of untracked documents emit nothing.
	ChangeRemoved ChangeOp = "d"
)

// Change is emitted once per membership transition a LiveQuery observes.
type Change struct {
	Op    ChangeOp
	Query *LiveQuery
	// TS is nil for changes emitted by Refresh's initial snapshot, and
	// set to the originating journal entry's timestamp otherwise.
	TS  *Timestamp
	Obj bson.M
}

// Callback receives Change events for a single LiveQuery. The engine runs
// callbacks on its single dispatch goroutine; a callback that blocks or
// panics blocks or aborts that goroutine, so slow consumers should hand the
// Change off to their own queue.
type Callback func(Change)

// changeEventID renders a Change's timestamp as an SSE event id. Changes
// with a nil TS (snapshot origin) have no stable id.
func (c Change) changeEventID() string {
	if c.TS == nil {
		return ""
	}
	return fmt.Sprintf("%d", int64(*c.TS))
}

// WriteTo serializes a Change as an SSE-compatible message: "added" or
// "removed" as the event name, the document as JSON data.
func (c Change) WriteTo(w io.Writer) (int64, error) {
	event := "added"
	if c.Op == ChangeRemoved {
		event = "removed"
	}
	data, err := json.Marshal(c.Obj)
	if err != nil {
		return 0, err
	}
	n, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", c.changeEventID(), event, data)
	return int64(n), err
}

// Event is a technical, payload-free SSE message such as a cursor restart
// notification. It mirrors the teacher's own "reset"/"live" signal events,
// repurposed for this engine's lifecycle.
type Event struct {
	ID   string
	Name string
}

// WriteTo serializes an Event as an SSE-compatible message.
func (e Event) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "id: %s\nevent: %s\n\n", e.ID, e.Name)
	return int64(n), err
}
