package client

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSubscribeRejectsBadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Subscribe(srv.URL, Options{StateFile: filepath.Join(t.TempDir(), "state")})
	if err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestSubscribeAndProcessDeliversEventAndPersistsCheckpoint(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "id: 1\nevent: added\ndata: {\"_id\":\"x\"}\n\n")
		flusher, ok := w.(http.Flusher)
		if ok {
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := Subscribe(srv.URL, Options{StateFile: stateFile, NS: "db.coll"})
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan *Event)
	go c.Process(events)

	select {
	case ev := <-events:
		if ev.Doc["_id"] != "x" {
			t.Fatalf("unexpected event doc: %+v", ev.Doc)
		}
		ev.Done()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first event")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if content, err := os.ReadFile(stateFile); err == nil && string(content) == "1" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("checkpoint was never persisted to the state file")
}

func TestLoadLastEventIDMissingFileIsEmpty(t *testing.T) {
	c := &Client{options: Options{StateFile: filepath.Join(t.TempDir(), "missing")}}
	id, err := c.loadLastEventID()
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Errorf("expected an empty id for a missing state file, got %q", id)
	}
}

func TestSaveThenLoadLastEventIDRoundTrips(t *testing.T) {
	c := &Client{options: Options{StateFile: filepath.Join(t.TempDir(), "state")}}
	if err := c.saveLastEventID("7"); err != nil {
		t.Fatal(err)
	}
	id, err := c.loadLastEventID()
	if err != nil {
		t.Fatal(err)
	}
	if id != "7" {
		t.Errorf("id = %q, want 7", id)
	}
}
