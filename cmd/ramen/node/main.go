package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"ramen/internal/httpapi"
	"ramen/internal/logging"
	"ramen/internal/mesh"
	"ramen/internal/pubsub"
	"ramen/internal/raft"
	"ramen/internal/raft/metrics"
	"ramen/internal/raft/server"
	"ramen/internal/raft/state_machine"
)

// network is what the node needs from UDPMesh and GRPCMesh
type network interface {
	server.Transport
	Start() error
	Stop() error
	Addr() string
	OnReceive(fn mesh.ReceiveFunc)
}

func main() {
	transport := flag.String("mesh", "udp", "Mesh transport: udp or grpc")
	cluster := flag.String("cluster", "ramen", "Cluster name")
	secret := flag.String("secret", os.Getenv("RAMEN_SECRET"), "Cluster secret (defaults to $RAMEN_SECRET)")
	id := flag.Uint("id", 0, "Node id (generated if not provided)")
	port := flag.Int("port", 7946, "Port to listen on")
	bind := flag.String("bind", "0.0.0.0", "Interface to listen on")
	advertise := flag.String("advertise", "", "Host other nodes reach this node at (grpc only)")
	seeds := flag.String("seeds", "", "Known peers as id=host:port, comma separated")
	tick := flag.Duration("tick", 10*time.Millisecond, "How often the node updates its timers")
	level := flag.String("log-level", "info", "Log level: debug, info, warn or error")
	httpAddr := flag.String("http", "", "Address to serve the HTTP API on (disabled if empty)")
	flag.Parse()

	logLevel, err := logging.ParseLevel(*level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger, err := logging.New("ramen", logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	nodeID := raft.NodeID(*id)
	for nodeID == raft.None {
		nodeID = raft.NodeID(uuid.New().ID())
	}

	meshConfig := mesh.DefaultConfig()
	meshConfig.ClusterName = *cluster
	meshConfig.ClusterSecret = *secret
	meshConfig.Port = *port
	meshConfig.BindHost = *bind
	meshConfig.AdvertiseHost = *advertise
	meshConfig.Logger = logger
	if meshConfig.Seeds, err = mesh.ParseSeeds(*seeds); err != nil {
		log.Fatalf("Invalid seeds: %v", err)
	}
	if err := meshConfig.Validate(); err != nil {
		log.Fatalf("Invalid mesh configuration: %v", err)
	}

	nw, err := newNetwork(*transport, nodeID, meshConfig)
	if err != nil {
		log.Fatalf("Failed to create mesh: %v", err)
	}

	events := pubsub.NewPubSub(logger)
	collector := metrics.NewMetrics()

	config := server.DefaultConfig()
	config.TickDuration = *tick
	config.Logger = logger
	config.Metrics = collector
	config.Events = events
	config.StateMachine = state_machine.NewKVStateMachine(nodeID, logger)
	config.OnDistributeAck = func(id string, ok bool) {
		logger.Infof("[NODE-%v] Entry %s acknowledged: %v", nodeID, id, ok)
	}

	node, err := server.NewNode(config, nw)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	orchestrator := server.NewOrchestrator(node, *tick, 0)
	nw.OnReceive(func(from raft.NodeID, data []byte) {
		if !orchestrator.Deliver(from, data) {
			logger.Warnf("[NODE-%v] Inbox full, dropped message from %v", nodeID, from)
		}
	})

	if err := nw.Start(); err != nil {
		log.Fatalf("Failed to start mesh: %v", err)
	}
	logger.Infof("[NODE-%v] Listening on %s (%s mesh %q)", nodeID, nw.Addr(), *transport, *cluster)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go logRoleChanges(ctx, events, logger)

	var srv *http.Server
	if *httpAddr != "" {
		api := httpapi.New(httpapi.NewNodeBackend(orchestrator, nodeID), logger)
		srv = &http.Server{Addr: *httpAddr, Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Infof("[HTTP] Serving on %s", *httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("[HTTP] Server failed: %v", err)
				stop()
			}
		}()
	}

	if err := orchestrator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("[NODE-%v] Orchestrator stopped: %v", nodeID, err)
	}

	log.Println("Shutting down...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("[HTTP] Shutdown failed: %v", err)
		}
		cancel()
	}
	if err := nw.Stop(); err != nil {
		logger.Warnf("[NODE-%v] Failed to stop mesh: %v", nodeID, err)
	}
	events.GracefulShutdown()

	report := collector.GetReport(len(nw.Peers(true)))
	report.PrintReport(os.Stdout)
}

func newNetwork(kind string, id raft.NodeID, config *mesh.Config) (network, error) {
	switch kind {
	case "udp":
		return mesh.NewUDPMesh(id, config)
	case "grpc":
		return mesh.NewGRPCMesh(id, config)
	default:
		return nil, fmt.Errorf("unknown mesh %q", kind)
	}
}

func logRoleChanges(ctx context.Context, events *pubsub.PubSubClient, logger logging.Logger) {
	ch := make(chan *pubsub.Event[server.RoleChangedPayload], 16)
	subID := pubsub.Subscribe(events, server.RoleChanged, ch, pubsub.SubscriptionOptions{IsBlocking: false})
	defer events.Unsubscribe(server.RoleChanged, subID)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			p := event.Payload
			logger.Infof("[NODE-%v] [TERM-%d] %s -> %s", p.Node, p.Term, p.From, p.To)
		}
	}
}
