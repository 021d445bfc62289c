// Command swarmnode is a standalone demo process wiring every package of
// the distributed query engine together as one node (its gossip Hub lives
// inside the process, so separate swarmnode processes do not see each other):
// in production this engine is embedded as a library by a host database,
// which owns the extension-registration glue this binary has no access
// to (see SPEC_FULL.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/swarmsql/swarmsql/internal/admission"
	"github.com/swarmsql/swarmsql/internal/catalog"
	"github.com/swarmsql/swarmsql/internal/config"
	"github.com/swarmsql/swarmsql/internal/coordinator"
	"github.com/swarmsql/swarmsql/internal/enginebridge/memengine"
	"github.com/swarmsql/swarmsql/internal/flightsvc"
	"github.com/swarmsql/swarmsql/internal/gossipfabric"
	"github.com/swarmsql/swarmsql/internal/gossipfabric/memlist"
	"github.com/swarmsql/swarmsql/internal/partition"
	"github.com/swarmsql/swarmsql/internal/resilience"
	"github.com/swarmsql/swarmsql/internal/shuffle"
	"github.com/swarmsql/swarmsql/internal/telemetry"
	"github.com/swarmsql/swarmsql/pkg/retry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; defaults are used otherwise)")
	nodeName := flag.String("node-name", "node-1", "this node's cluster-visible name")
	flightHost := flag.String("flight-host", "", "override global.flight_address host")
	flightPort := flag.Int("flight-port", 0, "override global.flight_address port")
	dataNode := flag.Bool("data-node", true, "whether this node hosts table shards")
	flag.Parse()

	if err := run(*configPath, *nodeName, *flightHost, *flightPort, *dataNode); err != nil {
		log.Fatalf("swarmnode: %v", err)
	}
}

func run(configPath, nodeName, flightHostOverride string, flightPortOverride int, dataNode bool) error {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("load env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	flightHost, flightPort, err := splitFlightAddress(cfg.Global.FlightAddress)
	if err != nil {
		return err
	}
	if flightHostOverride != "" {
		flightHost = flightHostOverride
	}
	if flightPortOverride != 0 {
		flightPort = flightPortOverride
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine := memengine.New()

	hub := memlist.NewHub()
	fabric := memlist.New(hub, nodeName)
	if err := fabric.Start(ctx, gossipfabric.StartConfig{
		Host: flightHost, Port: flightPort, ClusterID: "swarmnode-demo", NodeName: nodeName, DataNode: dataNode,
	}); err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	if dataNode {
		if err := fabric.SetKey(ctx, "data_node", "true"); err != nil {
			return fmt.Errorf("publish data_node key: %w", err)
		}
	}

	cat := catalog.New(fabric, engine, cfg.Catalog.RefreshInterval())

	nodeCounter := fabricNodeCounter{fabric: fabric}
	admissionCfg := admission.Config{
		DefaultMaxConcurrent:    cfg.Admission.DefaultMaxConcurrent,
		MaxMemoryUtilizationPct: float64(cfg.Admission.MaxMemoryUtilizationPct),
		MaxQueueSize:            cfg.Admission.MaxQueueSize,
		Timeout:                 cfg.Admission.Timeout(),
	}
	admissionCtl := admission.NewController(admissionCfg, nodeCounter)

	shuffleRegistry := shuffle.NewRegistry(cfg.Shuffle.TakeTimeout())

	var tlsFiles *flightsvc.TLSFiles
	if cfg.Security.TLS.Enabled {
		tlsFiles = &flightsvc.TLSFiles{
			CertFile: cfg.Security.TLS.CertFile,
			KeyFile:  cfg.Security.TLS.KeyFile,
			CAFile:   cfg.Security.TLS.CACertFile,
		}
	}
	rpcClient := flightsvc.NewClient(cfg.Security.TLS.CACertFile, cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
	defer rpcClient.Close()

	writer := shuffle.NewWriter(rpcClient)
	orchestrator := partition.NewOrchestrator(engine, fabric, rpcClient, writer)

	resilienceMgr := resilience.NewManager(
		resilience.Config{
			MaxRequests: cfg.Resilience.BreakerMaxRequests,
			Interval:    time.Duration(cfg.Resilience.BreakerIntervalSecs) * time.Second,
			Timeout:     time.Duration(cfg.Resilience.BreakerTimeoutSecs) * time.Second,
		},
		retry.Config{
			MaxAttempts:  cfg.Resilience.RetryMaxAttempts,
			InitialDelay: time.Duration(cfg.Resilience.RetryInitialDelayMillis) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Resilience.RetryMaxDelaySecs) * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	)

	coord := coordinator.New(engine, cat, fabric, rpcClient, resilienceMgr, admissionCtl)
	_ = orchestrator // held for future _partition_table/_create_table wiring once the host glue exists
	_ = coord

	telemetryCfg := telemetry.Config{
		Enabled:   cfg.Telemetry.Enabled,
		Address:   cfg.Telemetry.Address,
		Path:      cfg.Telemetry.Path,
		Namespace: cfg.Telemetry.Namespace,
	}
	collector := telemetry.NewCollector(telemetryCfg)
	collector.StartBackground()
	defer collector.Shutdown()

	selfAddr := fmt.Sprintf("%s:%d", flightHost, flightPort)
	flightService := flightsvc.New(engine, engine, shuffleRegistry, cat, selfAddr)

	registry := flightsvc.NewRegistry()
	if err := registry.Start(flightHost, flightPort, flightService, tlsFiles); err != nil {
		return fmt.Errorf("start flight server: %w", err)
	}
	defer registry.Stop(flightHost, flightPort)

	if err := fabric.SetKey(ctx, "service:flight", flightServiceValue(flightHost, flightPort)); err != nil {
		return fmt.Errorf("publish service:flight key: %w", err)
	}

	if _, err := cat.AdvertiseLocalTables(ctx); err != nil {
		log.Printf("swarmnode: initial AdvertiseLocalTables failed: %v", err)
	}
	cat.StartCatalogRefresh(ctx)
	defer cat.StopCatalogRefresh()

	log.Printf("swarmnode: node %q serving Flight on %s (data_node=%v)", nodeName, selfAddr, dataNode)

	<-ctx.Done()
	log.Printf("swarmnode: shutting down")
	return nil
}

type fabricNodeCounter struct {
	fabric gossipfabric.Fabric
}

func (f fabricNodeCounter) NodeCount() int {
	nodes, err := f.fabric.GetNodeStates(context.Background())
	if err != nil {
		return 1
	}
	if len(nodes) == 0 {
		return 1
	}
	return len(nodes)
}

func splitFlightAddress(addr string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("parse global.flight_address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parse global.flight_address port %q: %w", portStr, err)
	}
	return host, n, nil
}

// flightServiceValue builds the {"host","port","status":"running"} payload
// internal/catalog and internal/partition expect at the "service:flight"
// gossip key.
func flightServiceValue(host string, port int) string {
	return fmt.Sprintf(`{"host":%q,"port":%d,"status":"running"}`, advertisedHost(host), port)
}

// advertisedHost rewrites a wildcard bind address into something peers
// can actually dial; a real deployment would advertise the node's
// routable address explicitly instead of inferring it.
func advertisedHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}
