package client

import "gopkg.in/mgo.v2/bson"

// Event is a decoded SSE frame from a LiveQueryDaemon subscription: either
// an "added"/"removed" Change, or a technical event carrying no document.
type Event struct {
	ID   string
	Name string
	Doc  bson.M

	ack chan<- *Event
}

// Done must be called once the event has been durably processed by the
// consumer; it unblocks Process's checkpoint bookkeeping.
func (e *Event) Done() {
	e.ack <- e
}
