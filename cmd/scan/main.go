package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/config"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"github.com/pulkyeet/cycle-searcher/internal/executor"
	"github.com/pulkyeet/cycle-searcher/internal/export"
	"github.com/pulkyeet/cycle-searcher/internal/ingest"
	"github.com/pulkyeet/cycle-searcher/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	blockNum := flag.Uint64("block", 0, "block number to scan (0 = latest)")
	startBlock := flag.Uint64("start", 0, "first block of a range scan")
	endBlock := flag.Uint64("end", 0, "last block of a range scan")
	step := flag.Uint64("step", 100, "block step size of a range scan")
	top := flag.Int("top", 10, "opportunities to print per block")
	crossCheck := flag.Bool("crosscheck", false, "re-run every path exhaustively and report where greedy falls short")
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := eth.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		log.Fatalf("failed to connect to Ethereum: %v", err)
	}
	defer client.Close()

	blocks, err := blockList(ctx, client, *blockNum, *startBlock, *endBlock, *step)
	if err != nil {
		log.Fatalf("%v", err)
	}

	store, err := storage.NewPoolStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("failed to open pool store: %v", err)
	}
	defer store.Close()

	metas, err := loadPools(store, cfg.Chain.DEXes)
	if err != nil {
		log.Fatalf("failed to load pools: %v", err)
	}
	base, err := cfg.Base()
	if err != nil {
		log.Fatalf("%v", err)
	}

	var exporter *export.ParquetWriter
	if cfg.Export.Enabled {
		exporter, err = export.NewParquetWriter(cfg.Export.Path)
		if err != nil {
			log.Fatalf("%v", err)
		}
		defer func() {
			if err := exporter.Close(); err != nil {
				logger.Error("close export", slog.String("error", err.Error()))
			}
		}()
	}

	fmt.Printf("scanning %d block(s) for %s cycles over %d candidate pools...\n\n", len(blocks), base.Symbol, len(metas))

	reg := arbitrage.NewRegistry()
	added, err := ingest.Populate(ctx, client, reg, metas, new(big.Int).SetUint64(blocks[0]), logger)
	if err != nil {
		log.Fatalf("failed to fetch reserves: %v", err)
	}
	fmt.Printf("loaded %d live pools at block %d\n", added, blocks[0])

	sessionCfg, err := cfg.SessionConfig(nil, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}
	session, err := arbitrage.NewSession(reg, sessionCfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	var dryRun *executor.DryRun
	if cfg.Executor.Enabled {
		dryRun = executor.NewDryRun(reg, common.HexToAddress(cfg.Executor.Recipient), uint32(cfg.Executor.SlippageBps), logger)
	}

	enumOpts := enumerateOptions(sessionCfg)
	foundCount := 0
	for i, block := range blocks {
		trigger := arbitrage.Trigger{Block: block}
		if i > 0 {
			// later blocks only re-evaluate paths through pools that moved
			touched, err := refresh(ctx, client, reg, enumOpts, block, logger)
			if err != nil {
				log.Fatalf("block %d: %v", block, err)
			}
			trigger.Touched = touched
		}

		opps, stats, err := session.Trigger(ctx, trigger)
		if err != nil {
			if arbitrage.IsCancelled(err) {
				fmt.Println("\ninterrupted")
				return
			}
			log.Fatalf("block %d: %v", block, err)
		}
		foundCount += len(opps)
		printPass(reg.Snapshot(), base, opps, stats, *top)

		if err := store.RecordOpportunities(opps); err != nil {
			logger.Error("record opportunities", slog.String("error", err.Error()))
		}
		if exporter != nil {
			if err := exporter.Write(opps); err != nil {
				logger.Error("export failed", slog.String("error", err.Error()))
			}
		}
		if dryRun != nil && len(opps) > 0 {
			s, err := dryRun.Execute(ctx, opps[0])
			if err != nil {
				logger.Error("dry run failed", slog.String("error", err.Error()))
			} else {
				fmt.Printf("  dry run: %s\n", s.CompareResults())
			}
		}
		if *crossCheck {
			printCrossCheck(ctx, reg, session.Paths(), sessionCfg.Optimize, base)
		}
	}

	fmt.Printf("\n✅ Scan complete: %d block(s), %d opportunities\n", len(blocks), foundCount)
}

func blockList(ctx context.Context, client *eth.Client, block, start, end, step uint64) ([]uint64, error) {
	if start > 0 || end > 0 {
		if end < start || step == 0 {
			return nil, fmt.Errorf("invalid range %d..%d step %d", start, end, step)
		}
		var blocks []uint64
		for b := start; b <= end; b += step {
			blocks = append(blocks, b)
		}
		return blocks, nil
	}
	if block == 0 {
		latest, err := client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get latest block: %w", err)
		}
		block = latest
	}
	return []uint64{block}, nil
}

// loadPools prefers discovered pools from the store and falls back to the
// pairs of well known tokens.
func loadPools(store *storage.PoolStore, dexes []string) ([]arbitrage.Pool, error) {
	pools, err := store.LoadPools(dexes...)
	if err != nil {
		return nil, err
	}
	if len(pools) > 0 {
		return pools, nil
	}

	wanted := make(map[string]bool, len(dexes))
	for _, d := range dexes {
		wanted[d] = true
	}
	for _, p := range ingest.KnownPools() {
		if wanted[p.DEX] {
			pools = append(pools, p)
		}
	}
	return pools, nil
}

func enumerateOptions(cfg arbitrage.SessionConfig) arbitrage.EnumerateOptions {
	blacklist := make(map[common.Address]struct{}, len(cfg.Blacklist))
	for _, a := range cfg.Blacklist {
		blacklist[a] = struct{}{}
	}
	return arbitrage.EnumerateOptions{Base: cfg.Base, MaxHops: cfg.MaxHops, Blacklist: blacklist}
}

// refresh re-reads the reserves of pools that can sit on a cycle and
// returns the ones that moved.
func refresh(ctx context.Context, client *eth.Client, reg *arbitrage.Registry, opts arbitrage.EnumerateOptions, block uint64, log *slog.Logger) ([]common.Address, error) {
	snap := reg.Snapshot()
	reach, err := arbitrage.ReachablePools(snap, opts)
	if err != nil {
		return nil, err
	}
	addrs := make([]common.Address, 0, len(reach))
	for a := range reach {
		addrs = append(addrs, a)
	}
	updates, err := ingest.RefreshReserves(ctx, client, addrs, new(big.Int).SetUint64(block), log)
	if err != nil {
		return nil, err
	}
	touched, err := reg.ApplyUpdates(ingest.Changed(snap, updates))
	if err != nil {
		return nil, err
	}
	// nil would mean "everything"
	if touched == nil {
		touched = []common.Address{}
	}
	return touched, nil
}

func printPass(snap *arbitrage.Snapshot, base arbitrage.Token, opps []*arbitrage.Opportunity, stats *arbitrage.PassStats, top int) {
	fmt.Printf("\nBlock %d  (pass %s)\n", stats.Block, stats.PassID)
	fmt.Println("==========================================")
	fmt.Printf("paths: %d  evaluated: %d  skipped: %d  failed: %d  memo hits: %d  took: %s\n",
		stats.Paths, stats.Evaluated, stats.Skipped, stats.Failed, stats.MemoHits, stats.Duration)

	if len(opps) == 0 {
		fmt.Println("No profitable cycle found")
		return
	}
	for i, o := range opps {
		if i == top {
			fmt.Printf("... %d more\n", len(opps)-top)
			break
		}
		fmt.Printf("\n#%d  %d hops  profit %s %s\n", i+1, o.Path.Len(), o.ProfitDecimal.String(), base.Symbol)
		fmt.Printf("  Input:  %s\n", o.AmountIn.String())
		fmt.Printf("  Output: %s\n", o.AmountOut.String())
		for _, h := range o.Hops {
			fmt.Printf("  %-10s %s  %s -> %s%s\n", h.DEX, h.Pool.Hex(), h.AmountIn.String(), h.AmountOut.String(), hopPrices(snap, h))
		}
	}
}

// spot price of the hop's output in input units and the price impact of
// the hop's input, read from snap
func hopPrices(snap *arbitrage.Snapshot, h arbitrage.HopView) string {
	id, ok := snap.Lookup(h.Pool)
	if !ok {
		return ""
	}
	p, err := snap.Pool(id)
	if err != nil {
		return ""
	}
	d := arbitrage.OneForZero
	if h.ZeroForOne {
		d = arbitrage.ZeroForOne
	}
	rIn, rOut := p.Reserves(d)
	spot := arbitrage.CalculatePrice(rIn, rOut, p.TokenIn(d).Decimals, p.TokenOut(d).Decimals)
	impact, err := arbitrage.PriceImpact(h.AmountIn, rIn, rOut, p.FeeBps)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("  (spot %s %s per %s, impact %s%%)",
		spot.Text('f', 6), p.TokenIn(d).Symbol, p.TokenOut(d).Symbol, impact.Text('f', 3))
}

func printCrossCheck(ctx context.Context, reg *arbitrage.Registry, paths []*arbitrage.Path, params arbitrage.OptimizeParams, base arbitrage.Token) {
	report, err := arbitrage.CrossCheckPaths(ctx, reg.Snapshot(), paths, params)
	if err != nil {
		fmt.Printf("  cross-check interrupted: %v\n", err)
		return
	}
	fmt.Printf("  cross-check: %d paths, %d failed, %d where greedy missed profit\n",
		report.Checked, report.Failed, len(report.Divergent))
	for _, cc := range report.Divergent {
		fmt.Printf("  ⚠️  %s: greedy %s vs exhaustive %s (%s) at input %s\n",
			cc.Path, cc.Greedy.Profit.String(), cc.Exhaustive.Profit.String(), base.Symbol, cc.Exhaustive.AmountIn.String())
	}
}
