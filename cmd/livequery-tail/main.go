// The livequery-tail command connects to a livequeryd SSE endpoint and
// prints every change it observes, persisting a checkpoint of the last
// acknowledged event id.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"gopkg.in/mgo.v2/bson"

	"github.com/arborian/livequery/client"
)

var (
	password  = flag.String("password", "", "Password to access the live query daemon.")
	stateFile = flag.String("state-file", "", "Path to the state file storing the checkpoint (default: a temp file).")
	ns        = flag.String("ns", "", "Namespace to subscribe to, as db.collection.")
	predicate = flag.String("predicate", "", "JSON query document restricting the subscription.")
	reset     = flag.Bool("reset", false, "Discard any saved checkpoint and resume from the current tail.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Print("  <livequeryd url>\n")
	}
	flag.Parse()
	if flag.NArg() != 1 || *ns == "" {
		flag.Usage()
		os.Exit(2)
	}
	url := flag.Arg(0)

	var spec bson.M
	if *predicate != "" {
		if err := json.Unmarshal([]byte(*predicate), &spec); err != nil {
			log.Fatalf("invalid -predicate: %s", err)
		}
	}

	c, err := client.Subscribe(url, client.Options{
		StateFile: *stateFile,
		Password:  *password,
		NS:        *ns,
		Predicate: spec,
		Reset:     *reset,
	})
	if err == client.ErrAccessDenied {
		log.Fatal(err)
	} else if err != nil {
		log.Fatalf("can't subscribe: %s", err)
	}

	events := make(chan *client.Event)
	go c.Process(events)
	for ev := range events {
		fmt.Printf("#%s %s %v\n", ev.ID, ev.Name, ev.Doc)
		ev.Done()
	}
}
