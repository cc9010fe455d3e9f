package livequery

import "errors"

// ErrNoWatches is returned by Run when asked to open a journal cursor with
// no LiveQueries registered. Callers must register at least one LiveQuery
// before driving the engine.
var ErrNoWatches = errors.New("livequery: no live queries registered")

// ErrWatermarkLost is returned by Run when the journal has rolled over past
// the last dispatched watermark (e.g. the capped oplog collection wrapped),
// so resuming the tail would silently skip entries.
var ErrWatermarkLost = errors.New("livequery: watermark lost, journal rolled past last dispatched entry")
