// The livequeryd command tails a MongoDB replica set's oplog and exposes
// live queries registered over it to remote consumers via an HTTP SSE API.
//
// See README for more information.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/Sirupsen/logrus"

	lq "github.com/arborian/livequery"
	"github.com/arborian/livequery/mgodriver"
)

var (
	debug           = flag.Bool("debug", false, "Show debug log messages.")
	listenAddr      = flag.String("listen", ":8042", "The address the SSE API listens on.")
	mongoURL        = flag.String("mongo-url", os.Getenv("LIVEQUERYD_MONGO_URL"), "MongoDB replica set URL to connect to.")
	pollingInterval = flag.Duration("polling-interval", time.Second, "How long to sleep between a caught-up tailable cursor and reopening it.")
	awaitData       = flag.Bool("await-data", false, "Use a server-side blocking (awaitData) tailable cursor instead of polling.")
	coarseFilter    = flag.Bool("coarse-filter", false, "Use the simpler namespace-only server-side filter instead of the fine-grained per-query one.")
)

func main() {
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	if *mongoURL == "" {
		fmt.Fprintln(os.Stderr, "livequeryd: -mongo-url is required")
		os.Exit(2)
	}

	client, err := mgodriver.Dial(*mongoURL)
	if err != nil {
		log.Fatalf("ENGINE can't connect to %s: %s", *mongoURL, err)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []lq.Option{lq.WithCoarseFilter(*coarseFilter)}
	if *awaitData {
		opts = append(opts, lq.WithMode(lq.ModeTailableAwait))
	}

	engine, err := lq.NewEngine(ctx, client, opts...)
	if err != nil {
		log.Fatalf("ENGINE can't start: %s", err)
	}

	go func() {
		if err := engine.Run(ctx, *pollingInterval); err != nil {
			log.Fatalf("ENGINE stopped: %s", err)
		}
	}()

	daemon := lq.NewLiveQueryDaemon(*listenAddr, engine, client)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("ENGINE shutting down")
		engine.Stop()
		os.Exit(0)
	}()

	log.Infof("SSE listening on %s", *listenAddr)
	log.Fatal(daemon.Run())
}
