package client

import (
	"strings"
	"testing"
)

func TestDecoderNextParsesAddedEvent(t *testing.T) {
	d := NewDecoder(strings.NewReader("id: 42\nevent: added\ndata: {\"_id\":\"x\",\"status\":\"active\"}\n\n"))

	var ev Event
	if err := d.Next(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID != "42" || ev.Name != "added" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Doc["_id"] != "x" || ev.Doc["status"] != "active" {
		t.Fatalf("unexpected decoded doc: %+v", ev.Doc)
	}
}

func TestDecoderNextSkipsKeepAlivePings(t *testing.T) {
	d := NewDecoder(strings.NewReader(":\nid: 1\nevent: removed\ndata: {\"_id\":\"x\"}\n\n"))

	var ev Event
	if err := d.Next(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Name != "removed" {
		t.Fatalf("expected the removed event after the ping, got %+v", ev)
	}
}

func TestDecoderNextReadsMultipleEventsInSequence(t *testing.T) {
	d := NewDecoder(strings.NewReader(
		"id: 1\nevent: added\ndata: {\"_id\":\"a\"}\n\n" +
			"id: 2\nevent: added\ndata: {\"_id\":\"b\"}\n\n",
	))

	var first, second Event
	if err := d.Next(&first); err != nil {
		t.Fatal(err)
	}
	if err := d.Next(&second); err != nil {
		t.Fatal(err)
	}
	if first.Doc["_id"] != "a" || second.Doc["_id"] != "b" {
		t.Fatalf("events not read in order: %+v, %+v", first, second)
	}
}

func TestDecoderNextWithoutEventFieldIsIncomplete(t *testing.T) {
	d := NewDecoder(strings.NewReader("id: 1\ndata: {\"_id\":\"a\"}\n\n"))

	var ev Event
	if err := d.Next(&ev); err != ErrIncompleteEvent {
		t.Fatalf("expected ErrIncompleteEvent, got %v", err)
	}
}

func TestDecoderNextWithMalformedDataIsInvalid(t *testing.T) {
	d := NewDecoder(strings.NewReader("event: added\ndata: not-json\n\n"))

	var ev Event
	if err := d.Next(&ev); err != ErrInvalidEvent {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestDecoderNextAtEOFReportsConnectionClosed(t *testing.T) {
	d := NewDecoder(strings.NewReader(""))

	var ev Event
	if err := d.Next(&ev); err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestDecoderNextResetsFieldsBetweenCalls(t *testing.T) {
	d := NewDecoder(strings.NewReader(
		"id: 1\nevent: added\ndata: {\"_id\":\"a\"}\n\n" +
			"event: restart\n\n",
	))

	var ev Event
	if err := d.Next(&ev); err != nil {
		t.Fatal(err)
	}
	if err := d.Next(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Name != "restart" {
		t.Fatalf("expected restart event, got %+v", ev)
	}
	if ev.Doc != nil {
		t.Errorf("expected Doc to be cleared when the new event carries no data, got %+v", ev.Doc)
	}
}
