package livequery

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/Sirupsen/logrus"
	"gopkg.in/mgo.v2/bson"
	"gopkg.in/tomb.v2"
)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMode selects the tailable cursor mode (defaults to ModeTailable).
func WithMode(mode CursorMode) Option {
	return func(e *Engine) { e.mode = mode }
}

// WithCoarseFilter forces the simpler, noisier server-side filter strategy
// instead of the fine-grained, per-LiveQuery one. Mostly useful for testing
// the filter synthesis itself.
func WithCoarseFilter(coarse bool) Option {
	return func(e *Engine) { e.coarseFilter = coarse }
}

// Engine is the multiplexing oplog tailer: it owns the journal cursor, the
// dispatch watermark, and the registry of LiveQueries sharing a single
// follow of the journal.
type Engine struct {
	client       Client
	mode         CursorMode
	coarseFilter bool

	mu           sync.Mutex
	watermark    Timestamp
	registry     map[string]map[*LiveQuery]struct{}
	needsRestart bool

	stats   *Stats
	metrics *metrics
	t       tomb.Tomb
}

// NewEngine constructs an Engine connected thru client, seeding its
// watermark from the journal's most recent entry — the engine emits only
// changes after this point and never replays history.
func NewEngine(ctx context.Context, client Client, opts ...Option) (*Engine, error) {
	e := &Engine{
		client:   client,
		registry: map[string]map[*LiveQuery]struct{}{},
		stats:    newStats(),
		metrics:  newMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}

	ts, err := client.Journal().LatestTimestamp(ctx)
	if err != nil {
		return nil, fmt.Errorf("livequery: reading initial watermark: %w", err)
	}
	e.watermark = ts
	return e, nil
}

// Register adds lq to the registry, seeds its result set via an immediate
// snapshot, and returns the Change events emitted for that snapshot.
func (e *Engine) Register(ctx context.Context, lq *LiveQuery) ([]Change, error) {
	changes, err := lq.Refresh(ctx, true)
	if err != nil {
		return nil, err
	}

	ns := lq.namespace.String()
	e.mu.Lock()
	if e.registry[ns] == nil {
		e.registry[ns] = map[*LiveQuery]struct{}{}
	}
	e.registry[ns][lq] = struct{}{}
	e.needsRestart = true
	e.mu.Unlock()

	e.stats.RegisteredQueries.Add(1)
	log.Debugf("ENGINE registered live query on %s", ns)
	return changes, nil
}

// Deregister removes lq from the registry. No final events are emitted.
func (e *Engine) Deregister(lq *LiveQuery) {
	ns := lq.namespace.String()

	e.mu.Lock()
	if bucket, ok := e.registry[ns]; ok {
		delete(bucket, lq)
		if len(bucket) == 0 {
			delete(e.registry, ns)
		}
	}
	e.needsRestart = true
	e.mu.Unlock()

	e.stats.RegisteredQueries.Add(-1)
	log.Debugf("ENGINE deregistered live query on %s", ns)
}

// Stop cooperatively shuts the engine down: it kills the engine's tomb and
// waits for Run to return. The loop notices between journal reads; Stop
// does not close the active cursor, so a read blocked in the driver only
// returns when the driver's own tail timeout expires.
func (e *Engine) Stop() error {
	e.t.Kill(nil)
	return e.t.Wait()
}

// Run drives the engine until ctx is cancelled, Stop is called, or an
// unrecoverable error occurs (ErrNoWatches, ErrWatermarkLost, or a
// recovered panic from a Predicate or Callback). Transient cursor death
// (server kill, election) is retried internally and never surfaces here.
//
// In ModeTailable, Run sleeps pollingInterval between a caught-up cursor
// and reopening it; in ModeTailableAwait the cursor itself blocks
// server-side and pollingInterval is unused.
func (e *Engine) Run(ctx context.Context, pollingInterval time.Duration) (err error) {
	e.t.Go(func() error {
		return e.loop(ctx, pollingInterval)
	})
	return e.t.Wait()
}

func (e *Engine) loop(ctx context.Context, pollingInterval time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("ENGINE recovered panic from predicate/callback: %v", r)
			err = fmt.Errorf("livequery: predicate or callback panicked: %v", r)
		}
	}()

	var cur Cursor
	defer func() {
		if cur != nil {
			cur.Close()
		}
	}()

	for {
		select {
		case <-e.t.Dying():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if cur == nil || e.needsRestartFlag() {
			if cur != nil {
				cur.Close()
				cur = nil
			}
			if err := e.checkWatermarkNotLost(ctx); err != nil {
				return err
			}
			spec, namespaces, err := e.buildFilter()
			if err != nil {
				return err
			}
			cur, err = e.client.Journal().Tail(ctx, spec, e.mode)
			if err != nil {
				return fmt.Errorf("livequery: opening journal cursor: %w", err)
			}
			log.Debugf("ENGINE opened cursor over %v with filter %v", namespaces, spec)
			e.clearNeedsRestart()
		}

		var raw JournalEntry
		if !cur.Next(ctx, &raw) {
			if err := cur.Err(); err != nil {
				return fmt.Errorf("livequery: journal cursor error: %w", err)
			}
			cur.Close()
			cur = nil
			if e.mode == ModeTailableAwait {
				// The driver itself blocks for new data; a false
				// Next with no error just means it's time to
				// reissue the tail from the current watermark.
				continue
			}
			select {
			case <-time.After(pollingInterval):
			case <-e.t.Dying():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		restart, err := e.dispatch(ctx, raw)
		if err != nil {
			return err
		}
		if restart {
			e.mu.Lock()
			e.needsRestart = true
			e.mu.Unlock()
		}
	}
}

// dispatch processes a single journal entry: it enriches "u" entries with
// the current document, hands the entry to every LiveQuery registered on
// its namespace, and advances the watermark only after dispatch completes,
// per the distilled spec's watermark-advancement invariant.
func (e *Engine) dispatch(ctx context.Context, entry JournalEntry) (needsRestart bool, err error) {
	if !entry.valid() {
		log.Warnf("ENGINE malformed journal entry, skipping: %+v", entry)
		if entry.TS != 0 {
			e.advanceWatermark(entry.TS)
		}
		return false, nil
	}

	ns := entry.namespace()
	if entry.Op == "u" {
		coll, err := e.client.Collection(ns)
		if err != nil {
			return false, fmt.Errorf("livequery: resolving collection %s: %w", ns, err)
		}
		var obj bson.M
		lookupErr := coll.FindOne(ctx, entry.O2, &obj)
		switch lookupErr {
		case nil:
			entry.Obj = obj
		case ErrNotFound:
			entry.Obj = nil
		default:
			return false, fmt.Errorf("livequery: fetching update post-image: %w", lookupErr)
		}
	}

	e.mu.Lock()
	bucket := e.registry[entry.NS]
	lqs := make([]*LiveQuery, 0, len(bucket))
	for lq := range bucket {
		lqs = append(lqs, lq)
	}
	e.mu.Unlock()

	for _, lq := range lqs {
		effect := lq.handle(entry)
		if effect == EffectRestart {
			needsRestart = true
		}
	}
	if len(lqs) > 0 {
		e.metrics.entriesDispatched.WithLabelValues(entry.Op).Inc()
		e.stats.EntriesDispatched.Add(1)
	}

	e.advanceWatermark(entry.TS)
	return needsRestart, nil
}

func (e *Engine) advanceWatermark(ts Timestamp) {
	e.mu.Lock()
	e.watermark = ts
	e.mu.Unlock()
	e.metrics.watermarkLag.Set(time.Since(tsTime(ts)).Seconds())
}

func (e *Engine) needsRestartFlag() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsRestart
}

func (e *Engine) clearNeedsRestart() {
	e.mu.Lock()
	e.needsRestart = false
	e.mu.Unlock()
}

// buildFilter assembles the current server-side filter: the coarse
// namespace-only strategy if WithCoarseFilter was set, otherwise the
// fine-grained, per-LiveQuery one.
func (e *Engine) buildFilter() (bson.M, []string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.registry) == 0 {
		return nil, nil, ErrNoWatches
	}

	namespaces := make([]string, 0, len(e.registry))
	for ns := range e.registry {
		namespaces = append(namespaces, ns)
	}

	e.metrics.cursorRestarts.Inc()
	e.stats.CursorRestarts.Add(1)

	if e.coarseFilter {
		return buildCoarseFilter(namespaces, e.watermark), namespaces, nil
	}

	var branches []bson.M
	for _, bucket := range e.registry {
		for lq := range bucket {
			branches = append(branches, lq.serverFilterBranches()...)
		}
	}
	return buildFineFilter(branches, e.watermark), namespaces, nil
}

// tsTime approximates a wall-clock time for a MongoDB oplog timestamp, used
// only to report watermark lag as a metric.
func tsTime(ts Timestamp) time.Time {
	return time.Unix(int64(ts)>>32, 0)
}

// checkWatermarkNotLost verifies that the journal still retains an entry at
// or before the current watermark, i.e. that reopening the cursor at
// ts > watermark cannot silently skip entries because the capped journal
// collection has rolled past that point.
func (e *Engine) checkWatermarkNotLost(ctx context.Context) error {
	e.mu.Lock()
	watermark := e.watermark
	e.mu.Unlock()

	if watermark == 0 {
		return nil
	}
	oldest, err := e.client.Journal().OldestTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("livequery: checking journal retention: %w", err)
	}
	if oldest != 0 && oldest > watermark {
		return ErrWatermarkLost
	}
	return nil
}
