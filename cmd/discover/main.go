package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pulkyeet/cycle-searcher/internal/config"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/ingest"
	"github.com/pulkyeet/cycle-searcher/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	toBlock := flag.Uint64("to", 0, "last block to scan (0 = latest)")
	only := flag.String("dex", "", "only discover pairs of this DEX")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	dexes, err := cfg.DEXConfigs()
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *only != "" {
		dex, ok := eth.DEXByName(*only)
		if !ok {
			log.Fatalf("unknown dex %q", *only)
		}
		dexes = []eth.DEXConfig{dex}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := eth.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		log.Fatalf("failed to connect to Ethereum: %v", err)
	}
	defer client.Close()

	store, err := storage.NewPoolStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("failed to open pool store: %v", err)
	}
	defer store.Close()

	to := *toBlock
	if to == 0 {
		to, err = client.BlockNumber(ctx)
		if err != nil {
			log.Fatalf("failed to get latest block: %v", err)
		}
	}

	tokens := ingest.NewTokenResolver(client)
	for _, dex := range dexes {
		cursor := "pairs:" + dex.Name
		from := dex.StartBlock
		last, ok, err := store.Cursor(cursor)
		if err != nil {
			log.Fatalf("failed to read cursor: %v", err)
		}
		if ok {
			from = last + 1
		}
		if from > to {
			fmt.Printf("%s: up to date at block %d\n", dex.Name, last)
			continue
		}

		fmt.Printf("%s: scanning blocks %d to %d for new pairs...\n", dex.Name, from, to)
		saved, skipped, chunks := 0, 0, 0

		onChunk := func(end uint64, pairs []ingest.PairCreated) error {
			chunks++
			created := make(map[string]uint64, len(pairs))
			for _, pc := range pairs {
				created[pc.Pair.Hex()] = pc.Block
			}
			// an rpc failure stops before the cursor moves, so the chunk is read again
			pools, n, err := ingest.PoolsFromPairs(ctx, tokens, pairs)
			if err != nil {
				return err
			}
			skipped += n

			records := make([]storage.PoolRecord, 0, len(pools))
			for _, p := range pools {
				records = append(records, storage.PoolRecord{Pool: p, CreatedAt: created[p.Address.Hex()]})
			}
			if err := store.SavePools(records); err != nil {
				return err
			}
			saved += len(records)

			if chunks%10 == 0 {
				fmt.Printf("  block %d: %d pools saved, %d skipped...\n", end, saved, skipped)
			}
			return store.SetCursor(cursor, end)
		}

		if _, err := ingest.DiscoverPairs(ctx, client, dex, from, to, uint64(cfg.Chain.LogChunkSize), onChunk); err != nil {
			// the cursor already points past the last saved chunk
			log.Fatalf("%s discovery stopped: %v", dex.Name, err)
		}
		logger.Info("discovery complete",
			slog.String("dex", dex.Name),
			slog.Int("saved", saved),
			slog.Int("skipped", skipped),
			slog.Uint64("to", to),
		)
		fmt.Printf("✅ %s: %d pools saved, %d skipped (not erc20 tokens)\n", dex.Name, saved, skipped)
	}

	stats, err := store.Stats()
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Println("\nStore")
	fmt.Println("==========================================")
	fmt.Printf("Pools:         %d\n", stats["pools_entries"])
	fmt.Printf("Cursors:       %d\n", stats["cursors_entries"])
	fmt.Printf("Opportunities: %d\n", stats["opportunities_entries"])
}
