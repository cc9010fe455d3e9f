package livequery

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/Sirupsen/logrus"
	"gopkg.in/mgo.v2/bson"
)

// LiveQueryDaemon exposes registered LiveQueries to remote processes over
// HTTP, the same role the teacher's SSEDaemon plays for its own event
// stream: one long-lived connection per subscriber, Server-Sent Events
// framing, a keep-alive ping, and CloseNotifier-driven teardown.
type LiveQueryDaemon struct {
	s      *http.Server
	engine *Engine
	client Client
}

// NewLiveQueryDaemon builds a daemon that registers subscriptions against
// engine, resolving collections thru client.
func NewLiveQueryDaemon(addr string, engine *Engine, client Client) *LiveQueryDaemon {
	daemon := &LiveQueryDaemon{engine: engine, client: client}
	daemon.s = &http.Server{
		Addr:           addr,
		Handler:        daemon,
		MaxHeaderBytes: 1 << 20,
	}
	return daemon
}

// Run starts serving, blocking until the listener fails.
func (daemon *LiveQueryDaemon) Run() error {
	return daemon.s.ListenAndServe()
}

func (daemon *LiveQueryDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(405)
		return
	}
	switch r.URL.Path {
	case "/subscribe":
		daemon.Subscribe(w, r)
	default:
		w.WriteHeader(404)
	}
}

// Subscribe registers a LiveQuery for the lifetime of the HTTP connection
// and streams its Change events as SSE frames.
//
// Query parameters:
//
//	ns        required, "db.collection"
//	predicate optional, a JSON query document; omitted means "match all"
func (daemon *LiveQueryDaemon) Subscribe(w http.ResponseWriter, r *http.Request) {
	log.Info("SSE subscribe connection started")

	if r.Header.Get("Accept") != "text/event-stream" {
		w.WriteHeader(406)
		return
	}

	nsParam := r.URL.Query().Get("ns")
	if nsParam == "" {
		w.WriteHeader(400)
		return
	}
	ns := ParseNamespace(nsParam)

	var spec bson.M
	if p := r.URL.Query().Get("predicate"); p != "" {
		if err := json.Unmarshal([]byte(p), &spec); err != nil {
			log.Warnf("SSE bad predicate: %s", err)
			w.WriteHeader(400)
			return
		}
	}

	coll, err := daemon.client.Collection(ns)
	if err != nil {
		log.Warnf("SSE can't resolve collection %s: %s", ns, err)
		w.WriteHeader(503)
		return
	}

	// events has a small buffer whose size does not matter: the registration
	// goroutine below runs concurrently with this handler's write loop, so
	// an initial snapshot larger than the buffer can never deadlock
	// against a writer that hasn't started draining yet.
	events := make(chan io.WriterTo, 16)
	lq := NewLiveQuery(coll, spec, func(c Change) {
		events <- c
	})

	registered := make(chan error, 1)
	go func() {
		_, err := daemon.engine.Register(r.Context(), lq)
		registered <- err
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(500)
		return
	}
	notifier, hasNotifier := w.(http.CloseNotifier)
	flusher.Flush()

	var closed <-chan bool
	if hasNotifier {
		closed = notifier.CloseNotify()
	}

	var subscribed bool
	defer func() {
		if subscribed {
			daemon.engine.Deregister(lq)
		}
	}()

	for {
		select {
		case err := <-registered:
			if err != nil {
				log.Warnf("SSE can't register live query: %s", err)
				return
			}
			subscribed = true
		case <-closed:
			log.Info("SSE connection closed")
			return
		case ev := <-events:
			if _, err := ev.WriteTo(w); err != nil {
				log.Warnf("SSE write error %s", err)
				return
			}
			flusher.Flush()
		case <-time.After(25 * time.Second):
			log.Debug("SSE sending a keep alive ping")
			w.Write([]byte{':', '\n'})
			flusher.Flush()
		}
	}
}
