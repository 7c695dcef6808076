// Zipcode Subnet Core - coordinator, validator, and miner process
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zipcode-subnet/validator-core/internal/api"
	"github.com/zipcode-subnet/validator-core/internal/config"
	"github.com/zipcode-subnet/validator-core/internal/consensus"
	"github.com/zipcode-subnet/validator-core/internal/coordinator"
	"github.com/zipcode-subnet/validator-core/internal/miner"
	"github.com/zipcode-subnet/validator-core/internal/newrelic"
	"github.com/zipcode-subnet/validator-core/internal/notify"
	"github.com/zipcode-subnet/validator-core/internal/objectstore"
	"github.com/zipcode-subnet/validator-core/internal/policy"
	"github.com/zipcode-subnet/validator-core/internal/profiling"
	"github.com/zipcode-subnet/validator-core/internal/rpc"
	"github.com/zipcode-subnet/validator-core/internal/scraper"
	"github.com/zipcode-subnet/validator-core/internal/storage"
	"github.com/zipcode-subnet/validator-core/internal/util"
	"github.com/zipcode-subnet/validator-core/internal/validator"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	mode := flag.String("mode", "", "Run mode override: coordinator, validator, miner (defaults to the per-role enabled flags in config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("subnet-core v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *mode != "" {
		cfg.Node.Role = *mode
		cfg.Coordinator.Enabled = *mode == "coordinator"
		cfg.Validator.Enabled = *mode == "validator"
		cfg.Miner.Enabled = *mode == "miner"
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("subnet-core v%s starting as %s", version, cfg.Node.Role)

	redis, err := storage.NewClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backends := make([]objectstore.Backend, 0, len(cfg.ObjectStore.Backends))
	for _, root := range cfg.ObjectStore.Backends {
		b, err := objectstore.NewFilesystemBackend(root)
		if err != nil {
			util.Fatalf("Failed to open object store backend %s: %v", root, err)
		}
		backends = append(backends, b)
	}
	if len(backends) == 0 {
		util.Fatalf("Failed to wire object store backends: no backends configured")
	}
	failover := objectstore.NewManager(ctx, backends, cfg.ObjectStore.HealthCheck)
	failover.Start()
	defer failover.Stop()
	objects := objectstore.NewStore(failover)

	var coord *coordinator.Coordinator
	var apiServer *api.Server
	var policySrv *policy.Server
	var runner *validator.Runner
	var gossip *consensus.GossipServer
	var miningLoop *miner.Miner
	var pprofServer *profiling.Server
	var nrAgent *newrelic.Agent

	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
	}

	if cfg.NewRelic.Enabled {
		nrAgent = newrelic.NewAgent(&cfg.NewRelic)
		if err := nrAgent.Start(); err != nil {
			util.Errorf("Failed to start New Relic agent: %v", err)
		}
	}

	if cfg.Coordinator.Enabled {
		pool, honeypotPool, err := coordinator.LoadPoolFile(cfg.Coordinator.PoolFile)
		if err != nil {
			util.Fatalf("Failed to load zipcode pool: %v", err)
		}

		policySrv = policy.NewServer(policy.DefaultConfig(), redis)
		policySrv.Start()

		coord = coordinator.New(cfg, redis, pool, honeypotPool)
		if err := coord.Start(); err != nil {
			util.Fatalf("Failed to start coordinator: %v", err)
		}

		if cfg.API.Enabled {
			apiServer = api.NewServer(cfg, redis, policySrv)
			if err := apiServer.Start(); err != nil {
				util.Fatalf("Failed to start API server: %v", err)
			}
		}
	}

	if cfg.Validator.Enabled {
		gossip = consensus.NewGossipServer(cfg.Validator.ID, cfg.Validator.GossipBind, cfg.Validator.GossipPeers, redis)
		if err := gossip.Start(); err != nil {
			util.Fatalf("Failed to start gossip server: %v", err)
		}

		publisher := rpc.NewWeightSetterClient(cfg.WeightSink.URL, cfg.WeightSink.Timeout)

		runner = validator.NewRunner(cfg, redis, objects, scraper.NewFake(nil), gossip, publisher)
		if cfg.Notify.Enabled {
			notifier := notify.NewNotifier(&notify.WebhookConfig{
				Enabled:      cfg.Notify.Enabled,
				DiscordURL:   cfg.Notify.DiscordURL,
				TelegramURL:  cfg.Notify.TelegramURL,
				TelegramBot:  cfg.Notify.TelegramBot,
				TelegramChat: cfg.Notify.TelegramChat,
				SubnetName:   cfg.Notify.SubnetName,
				SubnetURL:    cfg.Notify.SubnetURL,
			})
			runner.SetNotifier(notifier)
		}
		if err := runner.Start(ctx); err != nil {
			util.Fatalf("Failed to start validator runner: %v", err)
		}
	}

	if cfg.Miner.Enabled {
		client := miner.NewCoordinatorClient(cfg.Miner.CoordinatorURL, cfg.Miner.ID, cfg.Miner.Secret, cfg.Node.Timeout)
		miningLoop = miner.New(cfg, client, scraper.NewFake(nil), objects)
		if err := miningLoop.Start(ctx); err != nil {
			util.Fatalf("Failed to start miner: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("subnet-core started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	cancel()

	if miningLoop != nil {
		miningLoop.Stop()
	}
	if runner != nil {
		runner.Stop()
	}
	if gossip != nil {
		gossip.Stop()
	}
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			util.Warnf("API server shutdown error: %v", err)
		}
	}
	if coord != nil {
		coord.Stop()
	}
	if policySrv != nil {
		policySrv.Stop()
	}
	if pprofServer != nil {
		pprofServer.Stop()
	}
	if nrAgent != nil {
		nrAgent.Stop()
	}

	util.Info("subnet-core stopped")
}
