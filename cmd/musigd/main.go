// Package main provides musigd, the MuSig2 trade daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/klingon-exchange/musig-trade/internal/backend"
	"github.com/klingon-exchange/musig-trade/internal/chain"
	"github.com/klingon-exchange/musig-trade/internal/config"
	"github.com/klingon-exchange/musig-trade/internal/monitor"
	"github.com/klingon-exchange/musig-trade/internal/node"
	"github.com/klingon-exchange/musig-trade/internal/protocol"
	"github.com/klingon-exchange/musig-trade/internal/rpc"
	"github.com/klingon-exchange/musig-trade/internal/storage"
	"github.com/klingon-exchange/musig-trade/internal/wallet"
	"github.com/klingon-exchange/musig-trade/pkg/logging"
)

var commit = "unknown"

// Environment variables read at startup.
const (
	envWalletPassword   = "MUSIGD_WALLET_PASSWORD"
	envWalletPassphrase = "MUSIGD_WALLET_PASSPHRASE"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", config.DefaultDataDir, "Data directory")
		network        = flag.String("network", "mainnet", "Bitcoin network (mainnet, testnet, signet, regtest)")
		rpcAddr        = flag.String("rpc", "", "JSON-RPC listen address, overrides config")
		listenAddr     = flag.String("listen", "", "P2P listen address (multiaddr), overrides config")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		noMDNS         = flag.Bool("no-mdns", false, "Disable mDNS discovery")
		noDHT          = flag.Bool("no-dht", false, "Disable DHT discovery")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(logging.DefaultConfig())
	logging.SetDefault(log)

	if *showVersion {
		fmt.Printf("musigd %s (commit: %s)\n", rpc.Version, commit)
		os.Exit(0)
	}

	net, err := chain.ParseNetwork(*network)
	if err != nil {
		log.Fatal("Invalid network", "error", err)
	}
	cfg, err := config.Load(*dataDir, net)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *rpcAddr != "" {
		cfg.RPC.Listen = *rpcAddr
	}
	if *listenAddr != "" {
		cfg.P2P.ListenAddrs = []string{*listenAddr}
	}
	if *bootstrapPeers != "" {
		cfg.P2P.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}
	if *noMDNS {
		cfg.P2P.EnableMDNS = false
	}
	if *noDHT {
		cfg.P2P.EnableDHT = false
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log, logFile, err := logging.NewFile(&cfg.Logging)
	if err != nil {
		logging.Fatal("Failed to open log file", "error", err)
	}
	defer logFile.Close()
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.Path(*dataDir), "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := cfg.ResolvedDataDir()
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	chainBackend, err := backend.New(&cfg.Backend, cfg.Network)
	if err != nil {
		log.Fatal("Failed to create backend", "error", err)
	}
	defer chainBackend.Close()
	if err := chainBackend.Connect(ctx); err != nil {
		log.Warn("Backend not reachable, continuing offline", "type", cfg.Backend.Type, "error", err)
	}

	walletService, err := wallet.NewService(&wallet.ServiceConfig{
		DataDir:  dataPath,
		Network:  cfg.Network,
		Backend:  chainBackend,
		GapLimit: cfg.Wallet.GapLimit,
	})
	if err != nil {
		log.Fatal("Failed to create wallet service", "error", err)
	}
	unlockFromEnv(ctx, log, walletService, cfg)
	defer walletService.StopBackgroundSync()

	registry := protocol.NewRegistry()
	chainMonitor := monitor.New(&monitor.Config{
		Backend:       chainBackend,
		Registry:      registry,
		Interval:      cfg.Monitor.PollInterval,
		Confirmations: cfg.Monitor.Confirmations,
	})

	log.Info("Starting P2P node...")
	n, err := node.New(ctx, cfg, store)
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}

	rpcServer := rpc.NewServer(&rpc.Deps{
		Node:     n,
		Store:    store,
		Wallet:   walletService,
		Registry: registry,
		Monitor:  chainMonitor,
		Config:   cfg,
	})
	rpcServer.SetupTradeHandlers()

	if ids, err := rpcServer.MarkInterrupted(); err != nil {
		log.Warn("Failed to mark interrupted trades", "error", err)
	} else if len(ids) > 0 {
		log.Warn("Trades interrupted by restart marked failed", "trades", ids)
	}

	if err := n.Start(); err != nil {
		log.Fatal("Failed to start node", "error", err)
	}
	chainMonitor.Start()

	if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, n, cfg, rpcServer.Addr())

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status", "peers", n.PeerCount(), "trades", len(registry.IDs()),
					"watched", chainMonitor.Watched(), "uptime", n.Uptime().Round(time.Second))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	chainMonitor.Stop()
	if err := n.Stop(); err != nil {
		log.Error("Error stopping node", "error", err)
	}
	walletService.Lock()

	log.Info("Goodbye!")
}

// unlockFromEnv opens an existing wallet when its password is in the
// environment. Otherwise the wallet stays locked until wallet_unlock.
func unlockFromEnv(ctx context.Context, log *logging.Logger, svc *wallet.Service, cfg *config.Config) {
	password := os.Getenv(envWalletPassword)
	if password == "" || !svc.HasWallet() {
		log.Info("Wallet locked", "has_wallet", svc.HasWallet())
		return
	}
	if err := svc.LoadWallet(password, os.Getenv(envWalletPassphrase)); err != nil {
		log.Error("Failed to unlock wallet", "error", err)
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := svc.Sync(syncCtx); err != nil {
		log.Warn("Initial wallet sync failed", "error", err)
	}
	if cfg.Wallet.SyncInterval > 0 {
		svc.StartBackgroundSync(cfg.Wallet.SyncInterval)
	}
	b := svc.Balance()
	log.Info("Wallet unlocked", "confirmed", b.Confirmed, "unconfirmed", b.Unconfirmed)
}

func printBanner(log *logging.Logger, n *node.Node, cfg *config.Config, apiAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  musigd (%s)", cfg.Network)
	log.Infof("  Version: %s", rpc.Version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Infof("  Backend: %s | mDNS: %v | DHT: %v", cfg.Backend.Type, cfg.P2P.EnableMDNS, cfg.P2P.EnableDHT)
	log.Infof("  Data dir: %s", cfg.ResolvedDataDir())
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
