package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stomp-relay/config"
	natsbridge "stomp-relay/internal/bridge/nats"
	"stomp-relay/internal/logger"
	"stomp-relay/internal/messaging"
	"stomp-relay/internal/metrics"
	"stomp-relay/internal/relay"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "config/config.json", "path to config file")

	// Optional override flags
	hostOverride := flag.String("relay-host", "", "override relay broker host (empty = use config)")
	portOverride := flag.Int("relay-port", 0, "override relay broker port (0 = use config)")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics server address (empty = use config)")
	metricsPathOverride := flag.String("metrics-path", "", "override metrics endpoint path (empty = use config)")
	metricsIntervalOverride := flag.Duration("metrics-interval", 0, "override metrics collection interval (0 = use config)")

	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Apply any command line overrides
	cfg.ApplyOverrides(
		*hostOverride,
		*portOverride,
		*metricsAddrOverride,
		*metricsPathOverride,
		*metricsIntervalOverride,
	)

	// Initialize logger
	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var metricsCollector *metrics.MetricsCollector
	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}

		updateInterval, err := time.ParseDuration(cfg.Metrics.UpdateInterval)
		if err != nil {
			logger.Fatal("invalid metrics update interval", "error", err)
		}

		metricsCollector = metrics.NewMetricsCollector(metricsService, updateInterval)
		metricsCollector.Start()
		defer metricsCollector.Stop()

		// Setup metrics HTTP server
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))

		metricsServer = &http.Server{
			Addr:    cfg.Metrics.Address,
			Handler: mux,
		}

		go func() {
			logger.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	// Setup signal handlers
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Application channels
	inbound := messaging.NewChannel()
	brokerChannel := messaging.NewChannel()
	outbound := messaging.NewChannel()

	events := messaging.EventPublisherFunc(func(event messaging.BrokerEvent) {
		logger.Info("broker availability changed", "state", string(event.Type))
	})

	stompRelay := relay.NewRelay(
		&cfg.Relay,
		logger,
		metricsService,
		inbound,
		brokerChannel,
		outbound,
		events,
	)

	// Bridge the application channels onto NATS if configured
	var bridge *natsbridge.Bridge
	if cfg.NATS.Enabled {
		bridge, err = natsbridge.NewBridge(&cfg.NATS, logger, inbound)
		if err != nil {
			logger.Fatal("failed to create nats bridge", "error", err)
		}
		outbound.Subscribe(bridge)
		if err := bridge.Start(); err != nil {
			logger.Fatal("failed to start nats bridge", "error", err)
		}
	}

	if err := stompRelay.Start(); err != nil {
		logger.Fatal("failed to start relay", "error", err)
	}

	logger.Info("stomp-relay started",
		"relayHost", cfg.Relay.Host,
		"relayPort", cfg.Relay.Port,
		"destinationPrefixes", cfg.Relay.DestinationPrefixes,
		"natsEnabled", cfg.NATS.Enabled,
		"metricsEnabled", cfg.Metrics.Enabled)

	// Handle signals
	sig := <-sigChan
	logger.Info("shutting down...", "signal", sig.String())

	if err := stompRelay.Stop(); err != nil {
		logger.Error("failed to stop relay", "error", err)
	}

	if bridge != nil {
		bridge.Close()
	}

	if cfg.Metrics.Enabled && metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}
}
