// Package main provides the microgridctl entry point and CLI interface for
// both agent roles of the DC microgrid coordination core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/devskill-org/microgrid-coordinator/agent"
	"github.com/devskill-org/microgrid-coordinator/bus"
	"github.com/devskill-org/microgrid-coordinator/config"
	"github.com/devskill-org/microgrid-coordinator/device"
	"github.com/devskill-org/microgrid-coordinator/fault"
	"github.com/devskill-org/microgrid-coordinator/metrics"
	"github.com/devskill-org/microgrid-coordinator/persistence"
	"github.com/devskill-org/microgrid-coordinator/protocol"
	"github.com/devskill-org/microgrid-coordinator/resource"
	"github.com/devskill-org/microgrid-coordinator/tagclient"
	"github.com/devskill-org/microgrid-coordinator/topology"
	"github.com/devskill-org/microgrid-coordinator/weather"
)

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		peers      = flag.String("peers", "", "Comma-separated list of peer bus addresses to subscribe to")
		dryRun     = flag.Bool("dry-run", false, "Run without writing any tag client setpoint")
		once       = flag.Bool("once", false, "Construct the agent and exit without starting its periodic tasks")
		clearFault = flag.String("clear-fault", "", "Force-clear the named protection zone in persistence and exit")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}

	if *clearFault != "" {
		runClearFault(cfg, *clearFault)
		return
	}

	logger := log.New(os.Stdout, fmt.Sprintf("[%s] ", cfg.AgentID), log.LstdFlags)

	b, err := bus.NewMangosBus(cfg.BusAddress, splitAndTrim(*peers), logger)
	if err != nil {
		logger.Fatalf("failed to start bus: %v", err)
	}
	defer b.Close()

	var dashboard *bus.Dashboard
	if cfg.HealthCheckPort > 0 {
		dashboard = bus.NewDashboard(b, []protocol.Topic{
			protocol.TopicCustomerService,
			protocol.TopicEnergyMarket,
			protocol.TopicDemandResponse,
			protocol.TopicWeatherService,
			protocol.TopicFREG,
		}, logger)
	}
	hs := newHealthServer(cfg.AgentID, cfg.HealthCheckPort, dashboard)
	hs.Start()

	var store *persistence.Store
	if cfg.PostgresDSN != "" {
		store, err = persistence.Open(cfg.PostgresDSN, logger)
		if err != nil {
			logger.Fatalf("failed to open persistence store: %v", err)
		}
		defer store.Close()
		if err := store.Migrate(context.Background()); err != nil {
			logger.Fatalf("failed to migrate persistence schema: %v", err)
		}
	}

	metricsReg := metrics.NewRegistry()

	var tags resource.TagClient
	if !*dryRun && cfg.TagClientAddress != "" {
		tcClient, err := tagclient.NewTCPClient(cfg.TagClientAddress, 1, buildAddressMap(cfg), cfg.TagStalenessThreshold, 5*time.Second)
		if err != nil {
			logger.Fatalf("failed to connect tag client: %v", err)
		}
		defer tcClient.Close()
		tags = tcClient
	}

	devices, err := buildDevices(cfg, tags)
	if err != nil {
		logger.Fatalf("failed to build device fleet: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	switch cfg.Role {
	case config.RoleUtility:
		runUtility(ctx, cfg, b, store, metricsReg, logger, sigChan, *once)
	case config.RoleHome:
		runHome(ctx, cfg, b, devices, metricsReg, logger, sigChan, *dryRun, *once)
	default:
		logger.Fatalf("unknown role: %s", cfg.Role)
	}

	if hs != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		hs.Stop(shutdownCtx)
	}
}

func runUtility(ctx context.Context, cfg *config.Config, b bus.Bus, store *persistence.Store, metricsReg *metrics.Registry, logger *log.Logger, sigChan <-chan os.Signal, runOnce bool) {
	topo := topology.New()
	topo.AddNode(cfg.AgentID)
	faults := fault.NewManager(topo)

	u := agent.NewUtility(cfg, b, topo, faults, store, metricsReg, logger)

	if runOnce {
		logger.Printf("utility %s: -once set, exiting without starting periodic tasks", cfg.AgentID)
		return
	}

	done := make(chan error, 1)
	go func() { done <- u.Start(ctx) }()

	logger.Printf("utility %s started, press Ctrl+C to stop", cfg.AgentID)
	select {
	case <-sigChan:
		logger.Printf("shutdown signal received")
	case err := <-done:
		if err != nil {
			logger.Printf("utility stopped: %v", err)
		}
	}
	u.Stop()
	<-done
}

func runHome(ctx context.Context, cfg *config.Config, b bus.Bus, devices []device.Device, metricsReg *metrics.Registry, logger *log.Logger, sigChan <-chan os.Signal, dryRun, runOnce bool) {
	actuate := buildActuator(devices, dryRun, logger)

	h := agent.NewHome(cfg, b, devices, actuate, metricsReg, logger)

	if loc, ok := solarLocation(cfg); ok {
		go runWeatherPoller(ctx, cfg, b, loc, logger)
	}

	if runOnce {
		logger.Printf("home %s: -once set, exiting without starting periodic tasks", cfg.AgentID)
		return
	}

	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	logger.Printf("home %s started, press Ctrl+C to stop", cfg.AgentID)
	select {
	case <-sigChan:
		logger.Printf("shutdown signal received")
	case err := <-done:
		if err != nil {
			logger.Printf("home stopped: %v", err)
		}
	}
	h.Stop()
	<-done
}

func runWeatherPoller(ctx context.Context, cfg *config.Config, b bus.Bus, loc weather.Location, logger *log.Logger) {
	client := weather.NewClient("microgridctl/1.0")
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	publishNowcast := func() {
		nowcast, err := client.FetchNowcast(loc)
		if err != nil {
			logger.Printf("weather poll failed: %v", err)
			return
		}
		nowcast.Header = protocol.Header{Sender: cfg.AgentID, Target: cfg.AgentID, Subject: "nowcast", Type: "nowcast"}
		data, err := protocol.Encode(nowcast)
		if err != nil {
			logger.Printf("failed to encode weather nowcast: %v", err)
			return
		}
		if err := b.Publish(protocol.TopicWeatherService, data); err != nil {
			logger.Printf("failed to publish weather nowcast: %v", err)
		}
	}

	publishNowcast()
	for {
		select {
		case <-ticker.C:
			publishNowcast()
		case <-ctx.Done():
			return
		}
	}
}

func runClearFault(cfg *config.Config, zoneID string) {
	if cfg.PostgresDSN == "" {
		fmt.Println("clear-fault requires postgres_dsn to be configured")
		os.Exit(1)
	}
	logger := log.New(os.Stdout, "[clear-fault] ", log.LstdFlags)
	store, err := persistence.Open(cfg.PostgresDSN, logger)
	if err != nil {
		fmt.Println("failed to open persistence store:", err)
		os.Exit(1)
	}
	defer store.Close()

	now := time.Now()
	zone := fault.NewManager(nil).Zone(zoneID)
	zone.ForceClear(now)

	ctx := context.Background()
	if err := store.SaveFaultTransition(ctx, zoneID, fault.StateNormal, 0, now); err != nil {
		fmt.Println("failed to persist force-clear:", err)
		os.Exit(1)
	}
	fmt.Printf("zone %s force-cleared at %s\n", zoneID, now.Format(time.RFC3339))
}

func splitAndTrim(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func showHelp() {
	fmt.Println("microgridctl - DC microgrid home and utility agent runtime")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Runs either the utility (market maker) or home agent role of a")
	fmt.Println("  DC microgrid coordination core: auction-based bidding over a")
	fmt.Println("  shared bus, per-home dynamic-programming planning, topology and")
	fmt.Println("  protection-zone fault handling, and PLC tag actuation.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  microgridctl [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Run a home agent against a config file")
	fmt.Println("  microgridctl -config=home.json")
	fmt.Println()
	fmt.Println("  # Run a utility agent, subscribing to two home bus endpoints")
	fmt.Println("  microgridctl -config=utility.json -peers=tcp://10.0.0.2:40899,tcp://10.0.0.3:40899")
	fmt.Println()
	fmt.Println("  # Simulate without writing tag setpoints")
	fmt.Println("  microgridctl -config=home.json -dry-run")
	fmt.Println()
	fmt.Println("  # Force-clear a locked-out protection zone")
	fmt.Println("  microgridctl -config=utility.json -clear-fault=zone-3")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  microgridctl -help")
}
