// Command txqueued runs the transaction-queue manager of the custodial
// payment service: it decides which queued transactions may be broadcast,
// reconciles stale ones against the node, and emits payment notifications on
// every state change.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/etherpay/txqueue/db/metadb"
	"github.com/etherpay/txqueue/log"
	"github.com/etherpay/txqueue/manager"
	"github.com/etherpay/txqueue/notify"
	"github.com/etherpay/txqueue/store"
	"github.com/etherpay/txqueue/tasks"
	"github.com/etherpay/txqueue/web3"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level, cfg.Log.Output)
	log.Infow("starting txqueued",
		"rpc", cfg.Web3.RPC, "networkId", cfg.Web3.NetworkID, "datadir", cfg.Datadir)

	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := metadb.New(metadb.TypePebble, filepath.Join(cfg.Datadir, "txqueue"))
	if err != nil {
		log.Fatalf("could not open database: %v", err)
	}
	st := store.New(database)
	defer st.Close()

	eth, err := web3.Dial(ctx, cfg.Web3.RPC)
	if err != nil {
		log.Fatalf("could not connect to ethereum node: %v", err)
	}
	defer eth.Close()

	bus := tasks.New()
	notifier := notify.New(bus, cfg.Web3.NetworkID)
	mgr := manager.New(st, eth, notifier, bus, cfg.Web3.NetworkID)

	bus.Register(tasks.Handlers{
		ProcessQueue:     mgr.ProcessQueue,
		SendNotification: deliverNotification,
		SanityCheck:      mgr.SanityCheck,
	})
	bus.Start(ctx)
	defer bus.Close()

	bus.ScheduleSanityCheck(cfg.Sanity.Frequency, cfg.Sanity.Delay)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// deliverNotification hands a rendered payment message to the push
// notification service. Delivery itself is a separate service; here we only
// log the handoff.
func deliverNotification(_ context.Context, addr string, message []byte) {
	log.Infow("payment notification", "address", addr, "message", string(message))
}
