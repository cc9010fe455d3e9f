// Package client is a remote consumer of a LiveQueryDaemon subscription,
// adapted from the teacher repo's consumer package: it reconnects with
// backoff, sends its persisted Last-Event-ID on each connection, and tracks
// in-flight events so a caller can safely checkpoint its own progress.
// LiveQueryDaemon does not act on Last-Event-ID: every connection starts
// with a fresh snapshot.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	log "github.com/Sirupsen/logrus"
	"gopkg.in/mgo.v2/bson"
)

// ErrAccessDenied is returned by Subscribe when the daemon rejects the
// configured Password.
var ErrAccessDenied = errors.New("invalid credentials")

// Options configures a subscription.
type Options struct {
	// StateFile persists the last processed event id across restarts.
	StateFile string
	// Password is sent as HTTP basic auth, if the daemon requires it.
	Password string
	// NS is the "db.collection" namespace to subscribe to.
	NS string
	// Predicate restricts which documents the subscription matches; nil
	// means match all documents in NS.
	Predicate bson.M
	// Reset discards any saved state and resumes from the current tail.
	Reset bool
}

// Client holds the state needed to maintain one subscription.
type Client struct {
	url     string
	options Options
	lastID  string
	http    http.Client
	body    io.ReadCloser
	ife     *InFlightEvents
}

// Subscribe connects to a LiveQueryDaemon at baseURL + "/subscribe".
//
// If the daemon is password protected and Options.Password is wrong,
// ErrAccessDenied is returned immediately. Any other connection failure is
// not fatal here; Process retries with backoff until the daemon is
// reachable again.
func Subscribe(baseURL string, options Options) (*Client, error) {
	if options.StateFile == "" {
		options.StateFile = path.Join(os.TempDir(), "livequery.state")
	}
	if options.Reset {
		os.Remove(options.StateFile)
	}

	q := url.Values{}
	q.Set("ns", options.NS)
	if options.Predicate != nil {
		data, err := json.Marshal(options.Predicate)
		if err != nil {
			return nil, fmt.Errorf("client: encoding predicate: %w", err)
		}
		q.Set("predicate", string(data))
	}

	c := &Client{
		url:     strings.TrimSuffix(baseURL, "/") + "/subscribe?" + q.Encode(),
		options: options,
		ife:     NewInFlightEvents(),
	}

	lastID, err := c.loadLastEventID()
	if err != nil {
		return nil, err
	}
	c.lastID = lastID

	if err := c.connect(); err == ErrAccessDenied {
		return nil, err
	}
	return c, nil
}

// Process streams decoded events thru events, reconnecting with exponential
// backoff on failure. The caller must call Done on each Event once it has
// been durably processed; Process only persists a new checkpoint once the
// oldest in-flight event is acknowledged, so acks may arrive out of order
// without losing resumability.
func (c *Client) Process(events chan<- *Event) {
	ack := make(chan *Event)

	go func() {
		d := NewDecoder(c.body)
		for {
			ev := &Event{ack: ack}
			err := d.Next(ev)
			if err != nil {
				log.Warnf("LQ client decode error: %s", err)
				backoff := time.Second
				for {
					time.Sleep(backoff)
					if err = c.connect(); err == nil {
						d = NewDecoder(c.body)
						break
					}
					log.Warnf("LQ client reconnect error: %s", err)
					if backoff < 60*time.Second {
						backoff *= 2
					}
				}
				continue
			}

			c.ife.Push(ev.ID)
			events <- ev
		}
	}()

	for ev := range ack {
		if found, first := c.ife.Pull(ev.ID); found && first {
			if err := c.saveLastEventID(ev.ID); err != nil {
				log.Errorf("LQ client can't persist checkpoint: %s", err)
				continue
			}
			c.lastID = ev.ID
		}
	}
}

func (c *Client) connect() (err error) {
	if c.body != nil {
		c.body.Close()
	}
	c.body = ioutil.NopCloser(bytes.NewBuffer(nil))

	req, err := http.NewRequest("GET", c.url, nil)
	if err != nil {
		return
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "text/event-stream")
	if c.lastID != "" {
		req.Header.Set("Last-Event-ID", c.lastID)
	}
	if c.options.Password != "" {
		req.SetBasicAuth("", c.options.Password)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return
	}
	if res.StatusCode == http.StatusForbidden || res.StatusCode == http.StatusUnauthorized {
		err = ErrAccessDenied
		return
	}
	if res.StatusCode != http.StatusOK {
		message, _ := ioutil.ReadAll(res.Body)
		err = fmt.Errorf("client: http error %d: %s", res.StatusCode, message)
		return
	}
	c.body = res.Body
	return
}

func (c *Client) loadLastEventID() (id string, err error) {
	_, statErr := os.Stat(c.options.StateFile)
	if os.IsNotExist(statErr) {
		return "", nil
	}
	if statErr != nil {
		return "", statErr
	}
	content, err := ioutil.ReadFile(c.options.StateFile)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func (c *Client) saveLastEventID(id string) error {
	return ioutil.WriteFile(c.options.StateFile, []byte(id), 0644)
}
