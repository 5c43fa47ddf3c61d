// Command cantpd runs a single ISO-TP/J1939 node against a real or virtual
// CAN interface: it claims a NodeId, serves the diagnostic and
// request/response channels, and periodically reports whatever data
// objects main registers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/canrise/isotp-go/pkg/can"
	_ "github.com/canrise/isotp-go/pkg/can/brutella"
	_ "github.com/canrise/isotp-go/pkg/can/socketcan"
	_ "github.com/canrise/isotp-go/pkg/can/virtual"
	"github.com/canrise/isotp-go/pkg/config"
	"github.com/canrise/isotp-go/pkg/isotp"
	"github.com/canrise/isotp-go/pkg/node"
)

var defaultInterface = "vcan0"

func main() {
	log.SetLevel(log.InfoLevel)

	iface := flag.String("backend", "socketcan", fmt.Sprintf("CAN backend to use (%v)", can.ImplementedInterfaces))
	channel := flag.String("i", defaultInterface, "interface/channel name, e.g. can0, vcan0")
	configPath := flag.String("config", "cantpd.ini", "path to the persisted node configuration")
	reportPeriod := flag.Duration("report-period", 0, "how often to flush registered data objects (0 disables reporting)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	bus, err := can.NewBus(*iface, *channel)
	if err != nil {
		log.Fatalf("could not open %s backend on %s: %v", *iface, *channel, err)
	}
	if err := bus.Start(); err != nil {
		log.Fatalf("could not start bus: %v", err)
	}
	defer bus.Close()

	store := config.NewFileStore(*configPath, logger)
	defer store.Close()
	persisted, err := store.Load()
	if err != nil {
		log.Fatalf("could not load configuration: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := node.Start(ctx, bus, node.Config{
		InitialNodeID: persisted.NodeID,
		ReportPeriod:  *reportPeriod,
		Logger:        logger,
		RequestHandler: node.RequestHandlerFunc(func(_ context.Context, sender isotp.NodeID, request []byte) ([]byte, error) {
			log.Infof("request from %s: % x", sender, request)
			return append([]byte("ack:"), request...), nil
		}),
	})
	if err != nil {
		log.Fatalf("could not start node: %v", err)
	}
	defer n.Stop()

	persisted.NodeID = n.ID()
	store.SaveQueued(persisted)

	log.Infof("cantpd running as node %s on %s/%s", n.ID(), *iface, *channel)

	<-ctx.Done()
	log.Info("shutting down")
}
