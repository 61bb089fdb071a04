// Command dhtcrawler runs a single mainline DHT node plus a crawler loop
// that walks the network for nodes and live info-hashes.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prxssh/dhtcrawler/internal/config"
	"github.com/prxssh/dhtcrawler/internal/crawler"
	"github.com/prxssh/dhtcrawler/internal/dht"
	"github.com/prxssh/dhtcrawler/internal/eventbus"
	"github.com/prxssh/dhtcrawler/internal/logging"
	"github.com/prxssh/dhtcrawler/internal/persist"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON config file (defaults applied if empty)")
		port       = flag.Int("port", 0, "override the UDP port (0 keeps the config value)")
		statePath  = flag.String("state", "", "override the persistence snapshot path (empty keeps the config value)")
		verbose    = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	opts := logging.DefaultOptions()
	if *verbose {
		opts.SlogOpts.Level = slog.LevelDebug
	}
	logger := slog.New(logging.NewPrettyHandler(os.Stdout, &opts))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *statePath != "" {
		cfg.StatePath = *statePath
	}

	bus := eventbus.New(logger)

	node, err := dht.New(&dht.Config{
		Logger:     logger,
		Bus:        bus,
		LocalID:    dht.NodeID(cfg.LocalID),
		ListenHost: cfg.ListenHost,
		Port:       cfg.Port,
		MTU:        cfg.MTU,

		KBucketSize:           cfg.KBucketSize,
		Alpha:                 cfg.Alpha,
		MaxResults:            cfg.MaxResults,
		BucketStaleness:       cfg.BucketStaleness,
		BucketRefreshInterval: cfg.BucketRefreshInterval,

		MaxTransactions:    cfg.MaxTransactions,
		TransactionTimeout: cfg.TransactionTimeout,

		TokenRotationInterval: cfg.TokenRotationInterval,

		PeerTTL:         cfg.PeerTTL,
		MaxPeersPerHash: cfg.MaxPeersPerHash,
		MaxInfoHashes:   cfg.MaxInfoHashes,

		VerifierSettle: cfg.VerifierSettle,
		BootstrapNodes: cfg.BootstrapNodes,
	})
	if err != nil {
		logger.Error("failed to construct dht node", "err", err)
		os.Exit(1)
	}

	var cr *crawler.Crawler
	if cfg.CrawlerEnabled {
		cr = crawler.New(logger, node, bus, crawler.Config{
			Logger:               logger,
			ParallelCrawls:       cfg.ParallelCrawls,
			RefreshInterval:      cfg.CrawlerRefreshInterval,
			MaxNodes:             cfg.CrawlerMaxNodes,
			MaxInfoHashes:        cfg.CrawlerMaxInfoHashes,
			MaxConcurrentLookups: 5,
			MaxRandomLookups:     2,
			FollowUpDelay:        5 * time.Second,
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		logger.Error("failed to start dht node", "err", err)
		os.Exit(1)
	}
	logger.Info("dht node started", "addr", node.LocalAddr())

	if cfg.StatePath != "" {
		if n, p, err := persist.Load(cfg.StatePath, node.Table(), node.Store()); err != nil {
			logger.Warn("failed to load persisted state", "err", err)
		} else if n > 0 || p > 0 {
			logger.Info("restored persisted state", "nodes", n, "peers", p)
		}
	}

	if cr != nil {
		cr.Start()
		logger.Info("crawler started")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if cr != nil {
		cr.Stop()
	}
	node.Stop()

	if cfg.StatePath != "" {
		if err := persist.Save(cfg.StatePath, node.Table(), node.Store()); err != nil {
			logger.Warn("failed to persist state", "err", err)
		} else {
			logger.Info("persisted state", "path", cfg.StatePath)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			cfg, derr := config.Default()
			if derr != nil {
				return nil, derr
			}
			if err := config.Save(path, cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}
	return config.Load(path)
}
