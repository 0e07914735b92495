package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/config"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/executor"
	"github.com/pulkyeet/cycle-searcher/internal/export"
	"github.com/pulkyeet/cycle-searcher/internal/ingest"
	"github.com/pulkyeet/cycle-searcher/internal/metrics"
	"github.com/pulkyeet/cycle-searcher/internal/publish"
	"github.com/pulkyeet/cycle-searcher/internal/storage"
)

// watcher reacts to new heads: it folds the Sync events since the last
// seen head into the registry and triggers a pass, delivering whatever the latest pass finds.
type watcher struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *arbitrage.Registry
	session  *arbitrage.Session
	metrics  *metrics.Metrics
	sink     publish.Sink
	store    *storage.PoolStore
	exporter *export.ParquetWriter
	executor executor.Executor
	follower *ingest.SyncFollower

	passes sync.WaitGroup
}

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.Chain.WSURL == "" {
		log.Fatalf("invalid configuration: chain.ws_url is required to watch heads")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := newWatcher(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer w.close()

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(w.metrics)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", slog.String("addr", cfg.Metrics.Addr))
	}

	for {
		err := w.follow(ctx)
		if ctx.Err() != nil {
			break
		}
		logger.Warn("head subscription lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", cfg.Chain.ReconnectDelay.Duration),
		)
		select {
		case <-ctx.Done():
		case <-time.After(cfg.Chain.ReconnectDelay.Duration):
		}
		if ctx.Err() != nil {
			break
		}
	}

	w.passes.Wait()
	logger.Info("shutdown complete")
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	return mux
}

func newWatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*watcher, error) {
	w := &watcher{
		cfg:      cfg,
		log:      logger,
		registry: arbitrage.NewRegistry(),
		metrics:  metrics.New(cfg.Metrics.Namespace),
	}

	store, err := storage.NewPoolStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open pool store: %w", err)
	}
	w.store = store

	pools, err := store.LoadPools(cfg.Chain.DEXes...)
	if err != nil {
		return nil, fmt.Errorf("load pools: %w", err)
	}
	if len(pools) == 0 {
		logger.Warn("pool store is empty, falling back to well known pairs; run discover first")
		pools = ingest.KnownPools()
	}

	client, err := eth.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}
	added, err := ingest.Populate(ctx, client, w.registry, pools, new(big.Int).SetUint64(head), logger)
	if err != nil {
		return nil, fmt.Errorf("populate registry: %w", err)
	}
	logger.Info("registry populated", slog.Int("pools", added), slog.Uint64("block", head))
	// heads after the populate block, including any missed while the
	// subscription was down, are caught up from their Sync logs
	w.follower = ingest.NewSyncFollower(head, uint64(cfg.Chain.LogChunkSize))

	sessionCfg, err := cfg.SessionConfig(w.metrics, logger)
	if err != nil {
		return nil, err
	}
	w.session, err = arbitrage.NewSession(w.registry, sessionCfg)
	if err != nil {
		return nil, err
	}
	if _, err := w.session.Rebuild(ctx); err != nil {
		return nil, fmt.Errorf("enumerate paths: %w", err)
	}
	logger.Info("paths enumerated", slog.Int("paths", len(w.session.Paths())))

	sinks := publish.MultiSink{publish.LogSink{Log: logger}}
	if cfg.Redis.Enabled {
		rs, err := publish.NewRedisSink(ctx, publish.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			Stream:   cfg.Redis.Stream,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, rs)
	}
	w.sink = sinks

	if cfg.Export.Enabled {
		w.exporter, err = export.NewParquetWriter(cfg.Export.Path)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Executor.Enabled {
		w.executor = executor.NewDryRun(w.registry, common.HexToAddress(cfg.Executor.Recipient), uint32(cfg.Executor.SlippageBps), logger)
	}
	return w, nil
}

// follow subscribes to new heads until the subscription fails or ctx ends.
func (w *watcher) follow(ctx context.Context) error {
	client, err := eth.Dial(ctx, w.cfg.Chain.WSURL)
	if err != nil {
		return err
	}
	defer client.Close()

	heads := make(chan *types.Header, 16)
	sub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	w.log.Info("subscribed to new heads", slog.String("url", w.cfg.Chain.WSURL))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case header := <-heads:
			if err := w.onHead(ctx, client, header); err != nil {
				w.log.Error("head failed",
					slog.Uint64("block", header.Number.Uint64()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (w *watcher) onHead(ctx context.Context, client *eth.Client, header *types.Header) error {
	block := header.Number.Uint64()
	from := w.follower.Last() + 1
	updates, err := w.follower.Head(ctx, client, block, header.Hash())
	if err != nil {
		return err
	}
	if block > from {
		w.log.Info("caught up missed blocks", slog.Uint64("from", from), slog.Uint64("to", block))
	}
	touched, err := w.registry.ApplyUpdates(ingest.Changed(w.registry.Snapshot(), updates))
	if err != nil {
		return err
	}
	w.metrics.ReserveUpdates.Add(float64(len(touched)))
	if touched == nil {
		touched = []common.Address{}
	}
	w.log.Debug("head",
		slog.Uint64("block", block),
		slog.Int("sync_events", len(updates)),
		slog.Int("touched", len(touched)),
	)

	// a newer head cancels this pass
	w.passes.Add(1)
	go func() {
		defer w.passes.Done()
		w.runPass(ctx, arbitrage.Trigger{Block: block, Touched: touched})
	}()
	return nil
}

func (w *watcher) runPass(ctx context.Context, t arbitrage.Trigger) {
	opps, stats, err := w.session.Trigger(ctx, t)
	switch {
	case errors.Is(err, arbitrage.ErrSuperseded):
		w.log.Debug("pass superseded", slog.Uint64("block", t.Block))
		return
	case arbitrage.IsCancelled(err):
		return
	case err != nil:
		w.log.Error("pass failed", slog.Uint64("block", t.Block), slog.String("error", err.Error()))
		return
	}

	w.log.Info("pass complete",
		slog.String("pass_id", stats.PassID),
		slog.Uint64("block", stats.Block),
		slog.Int("evaluated", stats.Evaluated),
		slog.Int("skipped", stats.Skipped),
		slog.Int("opportunities", len(opps)),
		slog.Duration("took", stats.Duration),
	)
	if len(opps) == 0 {
		return
	}
	w.deliver(ctx, opps, stats)
}

func (w *watcher) deliver(ctx context.Context, opps []*arbitrage.Opportunity, stats *arbitrage.PassStats) {
	if err := w.sink.Publish(ctx, publish.NewBatch(opps, stats)); err != nil {
		w.metrics.PublishErrors.Inc()
		w.log.Error("publish failed", slog.String("error", err.Error()))
	}
	if err := w.store.RecordOpportunities(opps); err != nil {
		w.log.Error("record opportunities", slog.String("error", err.Error()))
	}
	if w.exporter != nil {
		if err := w.exporter.Write(opps); err != nil {
			w.log.Error("export failed", slog.String("error", err.Error()))
		}
	}
	if w.executor == nil {
		return
	}
	s, err := w.executor.Execute(ctx, opps[0])
	if err != nil {
		w.log.Error("dry run failed", slog.String("error", err.Error()))
		return
	}
	w.log.Info("dry run",
		slog.String("pass_id", s.PassID),
		slog.Bool("success", s.Success),
		slog.String("result", s.CompareResults()),
	)
}

func (w *watcher) close() {
	if err := w.sink.Close(); err != nil {
		w.log.Error("close sinks", slog.String("error", err.Error()))
	}
	if w.exporter != nil {
		if err := w.exporter.Close(); err != nil {
			w.log.Error("close export", slog.String("error", err.Error()))
		}
	}
	if err := w.store.Close(); err != nil {
		w.log.Error("close store", slog.String("error", err.Error()))
	}
}
