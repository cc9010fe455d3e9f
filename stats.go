package livequery

import (
	"expvar"
	"fmt"
	"sync/atomic"
)

// Stats stores process-wide expvar counters about one Engine's activity,
// adapted from the teacher's own expvar.Int-based Stats struct for the
// live-query domain instead of the SSE-ingestion domain it originally
// tracked.
type Stats struct {
	// RegisteredQueries is the current number of LiveQueries registered
	// across all namespaces.
	RegisteredQueries *expvar.Int
	// EntriesDispatched is the total number of journal entries handed to
	// at least one LiveQuery.
	EntriesDispatched *expvar.Int
	// CursorRestarts is the total number of times the journal cursor was
	// opened: the first open, every reopen after the server-side filter
	// changed, and every reopen after a caught-up cursor was exhausted.
	CursorRestarts *expvar.Int
}

var statsInstanceSeq int64

// newStats creates a fresh, uniquely-named Stats object. expvar variables
// are process-global, so each Engine gets its own numbered namespace
// (livequery.<n>.*) to avoid colliding with any other Engine in the same
// process, such as in tests that construct several.
func newStats() *Stats {
	n := atomic.AddInt64(&statsInstanceSeq, 1)
	prefix := fmt.Sprintf("livequery.%d.", n)
	return &Stats{
		RegisteredQueries: expvar.NewInt(prefix + "registered_queries"),
		EntriesDispatched: expvar.NewInt(prefix + "entries_dispatched"),
		CursorRestarts:    expvar.NewInt(prefix + "cursor_restarts"),
	}
}
