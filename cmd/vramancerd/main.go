package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"vramancer/internal/config"
	"vramancer/internal/httpapi"
	"vramancer/internal/journal"
	"vramancer/internal/memory"
	"vramancer/internal/placement"
	"vramancer/internal/registry"
	"vramancer/internal/router"
	"vramancer/internal/storage"
	"vramancer/internal/transport"
	"vramancer/pkg/types"
)

// defaultTierMB sizes the tiers when neither config nor flags specify them.
var defaultTierMB = map[string]int64{
	"gpu-primary":   512,
	"gpu-secondary": 512,
	"host-pinned":   1024,
	"host-pageable": 2048,
	"local-fast":    4096,
	"cold-archive":  8192,
}

func main() {
	// Flags with environment variable defaults
	defaultAddr := ":8080"
	if v := os.Getenv("VRAMANCER_ADDR"); v != "" {
		defaultAddr = v
	}
	addr := flag.String("addr", defaultAddr, "HTTP listen address, e.g. :8080")
	cfgPath := flag.String("config", "", "Config file (.yaml/.json/.toml)")
	nodeID := flag.String("node-id", "local", "This node's id in the registry")
	dataDir := flag.String("data-dir", "./data", "Directory backing the file tiers")
	nodesFile := flag.String("nodes-file", "", "Static node registry snapshot (.yaml/.json)")
	journalPath := flag.String("journal", "", "Optional sqlite migration journal path")
	transferAddr := flag.String("transfer-addr", "", "Listen address for inbound block transfers (empty disables)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "vramancerd").Logger()

	cfg := config.Config{}
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load config")
		}
		cfg = loaded
	}
	if cfg.Addr == "" {
		cfg.Addr = *addr
	}
	if cfg.NodeID == "" {
		cfg.NodeID = *nodeID
	}
	if cfg.DataDir == "" {
		cfg.DataDir = *dataDir
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = *journalPath
	}
	if cfg.NodesFile == "" {
		cfg.NodesFile = *nodesFile
	}

	stores, err := buildStores(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build tier stores")
	}
	tiers := memory.NewTierSet(stores)

	var jrnl *journal.Journal
	if cfg.JournalPath != "" {
		jrnl, err = journal.Open(cfg.JournalPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.JournalPath).Msg("failed to open journal")
		}
		defer jrnl.Close()
	}

	reg := registry.New()
	if cfg.NodesFile != "" {
		nodes, err := registry.LoadFile(cfg.NodesFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load nodes file")
		}
		reg.SetNodes(nodes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := clientv3.New(clientv3.Config{Endpoints: cfg.EtcdEndpoints, DialTimeout: 5 * time.Second})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to discovery etcd")
		}
		defer cli.Close()
		prefix := cfg.EtcdPrefix
		if prefix == "" {
			prefix = "/vramancer/nodes/"
		}
		if err := reg.WatchEtcd(ctx, cli, prefix, log.With().Str("component", "registry").Logger()); err != nil {
			log.Fatal().Err(err).Msg("failed to start registry watch")
		}
	}

	factory := transport.NewFactory(nil, log.With().Str("component", "transport").Logger(),
		transport.WithDefaultTimeout(transferTimeout(cfg)))

	prof := placement.New([]int{0, 1}, arenaBench(stores), log.With().Str("component", "placement").Logger())
	prof.ProfileOnce()
	go prof.Run(ctx, time.Minute)

	mgr := memory.New(memory.Config{
		NodeID:          cfg.NodeID,
		PressurePct:     cfg.PressurePct,
		HalfLife:        time.Duration(cfg.HalfLifeSecs * float64(time.Second)),
		TransferTimeout: transferTimeout(cfg),
	}, tiers, nil, factory, nil, nil, jrnl, log.With().Str("component", "memory").Logger())
	mgr.SetRouter(router.New(cfg.NodeID, reg, tiers, nil, prof.Bias))

	go mgr.MaintenanceLoop(ctx, 5*time.Second)

	if *transferAddr != "" {
		srv, err := transport.NewServer(*transferAddr, mgr.IngestRemote, log.With().Str("component", "transfer-server").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start transfer server")
		}
		defer srv.Close()
		go srv.Serve()
		log.Info().Str("addr", srv.Addr()).Msg("transfer server listening")
	}

	httpapi.SetLogger(log.With().Str("component", "httpapi").Logger())
	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(mgr)}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("node", cfg.NodeID).Msg("vramancerd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
}

func transferTimeout(cfg config.Config) time.Duration {
	if cfg.TransferTimeoutMs > 0 {
		return time.Duration(cfg.TransferTimeoutMs) * time.Millisecond
	}
	return 30 * time.Second
}

// buildStores constructs one physical store per configured tier.
func buildStores(cfg config.Config) (map[types.Tier]storage.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	capMB := func(name string) int64 {
		if v, ok := cfg.TierCapacityMB[name]; ok {
			return v
		}
		return defaultTierMB[name]
	}
	toBytes := func(mb int64) int64 { return mb << 20 }

	stores := make(map[types.Tier]storage.Store)
	for name, tier := range map[string]types.Tier{
		"gpu-primary":   types.TierGPUPrimary,
		"gpu-secondary": types.TierGPUSecondary,
	} {
		mb := capMB(name)
		if mb <= 0 {
			continue
		}
		device := 0
		if tier == types.TierGPUSecondary {
			device = 1
		}
		a, err := storage.NewArena(device, toBytes(mb))
		if err != nil {
			return nil, err
		}
		stores[tier] = a
	}
	if mb := capMB("host-pinned"); mb > 0 {
		stores[types.TierHostPinned] = storage.NewHostPool(toBytes(mb))
	}
	if mb := capMB("host-pageable"); mb > 0 {
		stores[types.TierHostPageable] = storage.NewHostPool(toBytes(mb))
	}
	if mb := capMB("local-fast"); mb > 0 {
		m, err := storage.NewMmapStore(filepath.Join(cfg.DataDir, "localfast.bin"), toBytes(mb))
		if err != nil {
			return nil, err
		}
		stores[types.TierLocalFast] = m
	}
	if mb := capMB("cold-archive"); mb > 0 {
		a, err := storage.NewArchiveStore(filepath.Join(cfg.DataDir, "archive"), toBytes(mb))
		if err != nil {
			return nil, err
		}
		stores[types.TierColdArchive] = a
	}
	return stores, nil
}

// arenaBench times a synthetic write+read against the device arenas so the
// placement profiler has a real signal even without hardware counters.
func arenaBench(stores map[types.Tier]storage.Store) placement.CopyBench {
	arenas := map[int]storage.Store{}
	if s, ok := stores[types.TierGPUPrimary]; ok {
		arenas[0] = s
	}
	if s, ok := stores[types.TierGPUSecondary]; ok {
		arenas[1] = s
	}
	return func(device int, n int64) (time.Duration, error) {
		s, ok := arenas[device]
		if !ok {
			return 0, fmt.Errorf("no arena bound to device %d", device)
		}
		h, err := s.Alloc(n)
		if err != nil {
			// Arena busy; a smaller probe still gives a usable signal.
			n = n / 8
			h, err = s.Alloc(n)
			if err != nil {
				return 0, err
			}
		}
		defer s.Free(h)
		buf := make([]byte, n)
		start := time.Now()
		if err := s.Write(h, buf); err != nil {
			return 0, err
		}
		if _, err := s.Read(h, n); err != nil {
			return 0, err
		}
		return time.Since(start), nil
	}
}
