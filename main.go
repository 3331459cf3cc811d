package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/latency-mesh/pkg/client"
	"github.com/latency-mesh/pkg/config"
	"github.com/latency-mesh/pkg/console"
	"github.com/latency-mesh/pkg/logging"
	"github.com/latency-mesh/pkg/mesh"
	"github.com/latency-mesh/pkg/metrics"
	"github.com/latency-mesh/pkg/peer"
	"github.com/latency-mesh/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	serverAddr    = kingpin.Flag("server", "Address to accept peers on (e.g. 127.0.0.1:7000).").Short('s').String()
	connectAddr   = kingpin.Flag("connect", "Comma-separated peers to join on startup.").Short('c').String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").String()

	// Global config
	appConfig *config.Config
)

func main() {
	kingpin.Parse()

	// Load configuration
	var err error
	appConfig, err = config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = config.Default()
	}
	applyFlags(appConfig)

	if err := logging.Setup(logging.Options{
		Level:      appConfig.Log.Level,
		Format:     appConfig.Log.Format,
		File:       appConfig.Log.File,
		MaxSizeMB:  appConfig.Log.MaxSizeMB,
		MaxBackups: appConfig.Log.MaxBackups,
		MaxAgeDays: appConfig.Log.MaxAgeDays,
	}); err != nil {
		logging.Fatalf("Logging setup error: %v", err)
	}
	defer logging.Flush()

	if err := appConfig.Validate(); err != nil {
		logging.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize peer ID early
	peerID := logging.GetPeerID()
	logging.Logf("Peer initialized with ID: %s", peerID)

	// Create context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runNode(ctx); err != nil {
		logging.Fatalf("Peer error: %v", err)
	}
	logging.Log("Shut down")
}

// applyFlags lets explicit command line flags win over the config file.
func applyFlags(cfg *config.Config) {
	if *serverAddr != "" {
		cfg.Node.BindAddr = *serverAddr
	}
	if *connectAddr != "" {
		cfg.Node.ConnectAddr = *connectAddr
	}
	if *listenAddress != "" {
		cfg.Node.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		cfg.Node.TelemetryPath = *telemetryPath
	}
}

func runNode(ctx context.Context) error {
	node := peer.NewNode(peer.OptionsFromConfig(appConfig))
	collector := metrics.NewCollector(node.Registry.Snapshot)
	node.Metrics = collector
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	defer node.Shutdown()

	// The listener must be bound before dialing so ConnInit carries our address.
	var srv *server.Server
	if appConfig.Node.BindAddr != "" {
		srv = server.New(node, appConfig.GetHandshakeTimeout(), appConfig.Node.AdvertiseAddr)
		if err := srv.Listen(appConfig.Node.BindAddr); err != nil {
			return err
		}
	}

	for _, addr := range client.SplitPeerList(appConfig.Node.ConnectAddr) {
		target, err := client.ResolvePeerAddr(ctx, addr)
		if err != nil {
			return err
		}
		if _, err := client.Connect(ctx, node, target, nil); err != nil && !errors.Is(err, client.ErrLatencyCeiling) {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error { return srv.Serve(gctx) })
	}
	g.Go(func() error { return mesh.Run(gctx, node, client.Connect) })
	g.Go(func() error { return peer.NewProber(node, appConfig.GetProbeInterval()).Run(gctx) })
	g.Go(func() error {
		return server.StartMetricsServer(gctx, appConfig.Node.ListenAddress, appConfig.Node.TelemetryPath, registry)
	})
	g.Go(func() error { return console.Render(gctx, node.Packages) })

	// Stdin blocks without honouring ctx, so it stays outside the group.
	go func() {
		if err := console.ReadInput(gctx, os.Stdin, node); err != nil {
			logging.Warnf("[console] input closed: %v", err)
		}
	}()

	err := g.Wait()
	if ctx.Err() != nil {
		logging.Log("Received shutdown signal, shutting down gracefully...")
	}
	return err
}
