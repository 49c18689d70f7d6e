package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quotewire/quotewire/internal/config"
	httpapi "github.com/quotewire/quotewire/internal/interfaces/http"
	"github.com/quotewire/quotewire/internal/load"
	"github.com/quotewire/quotewire/internal/mappercache"
	"github.com/quotewire/quotewire/internal/marketstatus"
	"github.com/quotewire/quotewire/internal/metrics"
	"github.com/quotewire/quotewire/internal/net/ratelimit"
	"github.com/quotewire/quotewire/internal/persistence/postgres"
	"github.com/quotewire/quotewire/internal/ports"
	"github.com/quotewire/quotewire/internal/providers"
	"github.com/quotewire/quotewire/internal/recovery"
	"github.com/quotewire/quotewire/internal/rules"
	"github.com/quotewire/quotewire/internal/smartcache"
	"github.com/quotewire/quotewire/internal/storage"
	"github.com/quotewire/quotewire/internal/stream"
	"github.com/quotewire/quotewire/internal/symbolmap"
	"github.com/quotewire/quotewire/internal/transformer"
)

const (
	appName = "quotewire"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var cfgPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time market data serving layer",
		Version: version,
		Long: `quotewire serves normalized market data: rule-driven payload
transformation, multi-tier symbol mapping, strategy-selected caching and a
WebSocket push path with gap recovery.`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("bad log level %q: %w", logLevel, err)
			}
			zerolog.SetGlobalLevel(lvl)
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := metrics.NewRegistry()

	var kv ports.KVStore
	if cfg.Storage.RedisAddr != "" {
		kv = storage.NewRedisKV(cfg.Storage.RedisAddr, cfg.Storage.RedisDB)
		log.Info().Str("addr", cfg.Storage.RedisAddr).Msg("redis cache backend")
	} else {
		kv = storage.NewMemoryKV(nil)
		log.Warn().Msg("no redis configured, using in-process cache")
	}

	var docs ports.DocStore
	var archive *postgres.TickArchive
	if cfg.Storage.PostgresDSN != "" {
		pg, err := postgres.NewDocStore(cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		docs = pg
		archive, err = postgres.NewTickArchive(pg.DB())
		if err != nil {
			return fmt.Errorf("tick archive: %w", err)
		}
		log.Info().Msg("postgres durable backend")
	} else {
		docs = storage.NewMemoryDoc()
		log.Warn().Msg("no postgres configured, durable tier is in-process")
	}

	store := storage.New(kv, docs, cfg.Storage, nil, reg)

	mapper, err := symbolmap.New(docs, cfg.SymbolMap, reg)
	if err != nil {
		return fmt.Errorf("symbol mapper: %w", err)
	}
	watcher := symbolmap.NewWatcher(mapper, docs, cfg.SymbolMap.MaxReconnectDelay)
	go watcher.Run(ctx)

	ctrl := load.New(cfg.Concurrency, reg)
	defer ctrl.Close()
	guard := symbolmap.NewMemGuard(mapper, cfg.SymbolMap, reg, ctrl.ForceShrink)
	go guard.Run(ctx)

	provMap := make(map[string]ports.ProviderAdapter)
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		provMap[name] = providers.New(name, pc)
	}
	defaultProvider := "longport"
	if _, ok := provMap[defaultProvider]; !ok {
		for name := range provMap {
			defaultProvider = name
			break
		}
	}

	market := marketstatus.New(cfg.Markets, nil, provMap[defaultProvider])

	ruleStore := rules.NewStore(docs)
	ruleCache := mappercache.New(store, cfg.MapperCache, nil, reg)
	tf := transformer.New(ruleStore, ruleCache, nil, reg, cfg.MapperCache.MaxBatchSize)

	orch, err := smartcache.New(store, market, cfg.SmartCache, nil, reg, ctrl)
	if err != nil {
		return fmt.Errorf("smart cache: %w", err)
	}
	defer orch.Close()

	var sched stream.RecoveryScheduler
	var sink stream.TickSink
	if archive != nil {
		sink = archive
		recent := recovery.NewCacheSource(store, stream.WarmKeyPrefix)
		eng := recovery.New(cfg.Recovery, archive, recent, nil, reg)
		defer eng.Close()
		sched = eng
	} else {
		log.Warn().Msg("no tick archive, reconnect recovery disabled")
	}

	recv := stream.NewReceiver(cfg.Stream, mapper, tf, orch, sched, sink, provMap, defaultProvider, nil, reg)
	defer recv.Close()

	limits := ratelimit.NewRegistry(cfg.Providers)

	srv := httpapi.New(httpapi.Deps{
		Config:       cfg,
		Store:        store,
		Mapper:       mapper,
		Markets:      market,
		Transformer:  tf,
		Orchestrator: orch,
		Receiver:     recv,
		Rules:        ruleStore,
		RuleCache:    ruleCache,
		Limits:       limits,
		Concurrency:  ctrl,
		Providers:    provMap,
		Metrics:      reg,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	}

	// Drain: stop watchers, then give in-flight requests the grace window.
	cancel()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Shutdown.GracefulTimeout)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("forced http shutdown")
	}
	select {
	case <-watcher.Done():
	case <-shutCtx.Done():
	}
	log.Info().Msg("shutdown complete")
	return nil
}
