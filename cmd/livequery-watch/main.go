// The livequery-watch command connects directly to a MongoDB replica set
// and prints every add/remove transition for a single query, without going
// through an intermediate livequeryd daemon. It is the direct-connection
// equivalent of livequery-tail, for local debugging of a predicate.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/mgo.v2/bson"

	lq "github.com/arborian/livequery"
	"github.com/arborian/livequery/mgodriver"
)

var (
	ns        = flag.String("ns", "", "Namespace to watch, as db.collection.")
	predicate = flag.String("predicate", "", "JSON query document restricting the watch.")
	awaitData = flag.Bool("await-data", false, "Use a server-side blocking (awaitData) tailable cursor instead of polling.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Print("  <mongodb url>\n")
	}
	flag.Parse()
	if flag.NArg() != 1 || *ns == "" {
		flag.Usage()
		os.Exit(2)
	}

	var spec bson.M
	if *predicate != "" {
		if err := json.Unmarshal([]byte(*predicate), &spec); err != nil {
			log.Fatalf("invalid -predicate: %s", err)
		}
	}

	client, err := mgodriver.Dial(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []lq.Option
	if *awaitData {
		opts = append(opts, lq.WithMode(lq.ModeTailableAwait))
	}
	engine, err := lq.NewEngine(ctx, client, opts...)
	if err != nil {
		log.Fatal(err)
	}

	coll, err := client.Collection(lq.ParseNamespace(*ns))
	if err != nil {
		log.Fatal(err)
	}
	query := lq.NewLiveQuery(coll, spec, func(c lq.Change) {
		id := "snapshot"
		if c.TS != nil {
			id = fmt.Sprintf("%d", int64(*c.TS))
		}
		fmt.Printf("#%s %s %v\n", id, c.Op, c.Obj)
	})

	if _, err := engine.Register(ctx, query); err != nil {
		log.Fatal(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		engine.Stop()
	}()

	if err := engine.Run(ctx, time.Second); err != nil {
		log.Fatal(err)
	}
}
