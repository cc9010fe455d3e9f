package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// ErrIncompleteEvent is returned when the decoder only received a partial event.
var ErrIncompleteEvent = errors.New("incomplete event")

// ErrInvalidEvent is returned when the decoder couldn't unmarshal the event's data.
var ErrInvalidEvent = errors.New("invalid event")

// ErrConnectionClosed is returned when the SSE stream closed unexpectedly.
var ErrConnectionClosed = errors.New("connection closed")

// Decoder reads a text/event-stream body one event at a time.
type Decoder struct {
	*bufio.Reader
}

// NewDecoder wraps r as a Decoder.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{bufio.NewReader(r)}
}

// Next reads the next event from the stream, or blocks until one arrives.
func (d *Decoder) Next(ev *Event) (err error) {
	ev.Name = ""
	ev.Doc = nil

	var line string
	for {
		if line, err = d.ReadString('\n'); err != nil {
			err = ErrConnectionClosed
			break
		}
		if line == "\n" {
			break
		}
		line = strings.TrimSuffix(line, "\n")
		if strings.HasPrefix(line, ":") {
			// keep-alive ping, ignore
			continue
		}
		sections := strings.SplitN(line, ":", 2)
		field, value := sections[0], ""
		if len(sections) == 2 {
			value = strings.TrimPrefix(sections[1], " ")
		}
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Name = value
		case "data":
			if value == "" {
				continue
			}
			if err = json.Unmarshal([]byte(value), &ev.Doc); err != nil {
				err = ErrInvalidEvent
				return
			}
		}
	}

	if err == nil && ev.Name == "" {
		err = ErrIncompleteEvent
	}
	return
}
