package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
	"golang.org/x/sync/errgroup"
)

// SyncUpdates decodes V2 Sync events into reserve updates. When a pool
// syncs several times the last event wins; pools keep the order of their
// first event.
func SyncUpdates(logs []types.Log) []arbitrage.ReserveUpdate {
	sorted := make([]types.Log, len(logs))
	copy(sorted, logs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BlockNumber != sorted[j].BlockNumber {
			return sorted[i].BlockNumber < sorted[j].BlockNumber
		}
		return sorted[i].Index < sorted[j].Index
	})

	index := make(map[common.Address]int)
	var updates []arbitrage.ReserveUpdate
	for _, lg := range sorted {
		if lg.Removed || len(lg.Topics) == 0 || lg.Topics[0] != eth.SyncTopic {
			continue
		}
		values, err := pairABI.Unpack("Sync", lg.Data)
		if err != nil || len(values) != 2 {
			continue
		}
		r0, ok0 := values[0].(*big.Int)
		r1, ok1 := values[1].(*big.Int)
		if !ok0 || !ok1 {
			continue
		}

		u := arbitrage.ReserveUpdate{Pool: lg.Address, Reserve0: r0, Reserve1: r1, Block: lg.BlockNumber}
		if i, seen := index[lg.Address]; seen {
			updates[i] = u
			continue
		}
		index[lg.Address] = len(updates)
		updates = append(updates, u)
	}
	return updates
}

// FetchSyncUpdates pulls the Sync events of one block.
func FetchSyncUpdates(ctx context.Context, f LogFilterer, blockHash common.Hash) ([]arbitrage.ReserveUpdate, error) {
	logs, err := f.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &blockHash,
		Topics:    [][]common.Hash{{eth.SyncTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter sync logs %s: %w", blockHash.Hex(), err)
	}
	return SyncUpdates(logs), nil
}

// FetchSyncRange pulls the Sync events of blocks [from, to], chunkSize
// blocks per request, folded into one update per pool.
func FetchSyncRange(ctx context.Context, f LogFilterer, from, to, chunkSize uint64) ([]arbitrage.ReserveUpdate, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	var logs []types.Log
	for start := from; start <= to; start += chunkSize {
		end := start + chunkSize - 1
		if end > to {
			end = to
		}
		chunk, err := f.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Topics:    [][]common.Hash{{eth.SyncTopic}},
		})
		if err != nil {
			return nil, fmt.Errorf("filter sync logs %d-%d: %w", start, end, err)
		}
		logs = append(logs, chunk...)
		if end == to {
			break
		}
	}
	return SyncUpdates(logs), nil
}

// SyncFollower turns a stream of heads into reserve updates. Heads that
// skip blocks, including the first head after a reconnect, pull every
// block since the last one applied.
type SyncFollower struct {
	chunkSize uint64
	last      uint64
}

// NewSyncFollower starts after block last, the block reserves were read at.
func NewSyncFollower(last, chunkSize uint64) *SyncFollower {
	return &SyncFollower{last: last, chunkSize: chunkSize}
}

// Last is the newest block whose Sync events were returned
func (s *SyncFollower) Last() uint64 { return s.last }

// Head returns the updates to apply for a new head. A failed call leaves
// the follower where it was, so the next head retries the gap.
func (s *SyncFollower) Head(ctx context.Context, f LogFilterer, number uint64, hash common.Hash) ([]arbitrage.ReserveUpdate, error) {
	var (
		updates []arbitrage.ReserveUpdate
		err     error
	)
	if number > s.last+1 {
		updates, err = FetchSyncRange(ctx, f, s.last+1, number, s.chunkSize)
	} else {
		// next block, or a reorg onto a lower or equal height
		updates, err = FetchSyncUpdates(ctx, f, hash)
	}
	if err != nil {
		return nil, err
	}
	s.last = number
	return updates, nil
}

const fetchConcurrency = 8

// RefreshReserves reads getReserves for every pool at block. Pools whose
// call fails are logged and left out.
func RefreshReserves(ctx context.Context, c Caller, pools []common.Address, block *big.Int, log *slog.Logger) ([]arbitrage.ReserveUpdate, error) {
	if log == nil {
		log = slog.Default()
	}
	results := make([]*arbitrage.ReserveUpdate, len(pools))
	var blockNum uint64
	if block != nil {
		blockNum = block.Uint64()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, addr := range pools {
		g.Go(func() error {
			r0, r1, err := FetchReserves(gctx, c, addr, block)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn("fetch reserves failed", slog.String("pool", addr.Hex()), slog.String("error", err.Error()))
				return nil
			}
			results[i] = &arbitrage.ReserveUpdate{Pool: addr, Reserve0: r0, Reserve1: r1, Block: blockNum}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("refresh reserves: %w", err)
	}

	updates := make([]arbitrage.ReserveUpdate, 0, len(pools))
	for _, u := range results {
		if u != nil {
			updates = append(updates, *u)
		}
	}
	return updates, nil
}

// Populate registers pools (metadata only, typically from the pool store)
// in reg with reserves read at block. It returns how many were added.
func Populate(ctx context.Context, c Caller, reg *arbitrage.Registry, pools []arbitrage.Pool, block *big.Int, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	addrs := make([]common.Address, len(pools))
	for i, p := range pools {
		addrs[i] = p.Address
	}
	updates, err := RefreshReserves(ctx, c, addrs, block, log)
	if err != nil {
		return 0, err
	}
	byAddr := make(map[common.Address]arbitrage.ReserveUpdate, len(updates))
	for _, u := range updates {
		byAddr[u.Pool] = u
	}

	added := 0
	for _, p := range pools {
		u, ok := byAddr[p.Address]
		if !ok {
			continue
		}
		p.Reserve0, p.Reserve1 = u.Reserve0, u.Reserve1
		if _, err := reg.AddPool(p); err != nil {
			log.Warn("skip pool", slog.String("pool", p.Address.Hex()), slog.String("error", err.Error()))
			continue
		}
		added++
	}
	if block != nil {
		reg.SetBlock(block.Uint64())
	}
	return added, nil
}

// Changed drops updates that would leave a pool's reserves as they are in
// snap, so unchanged pools stay out of the touched set.
func Changed(snap *arbitrage.Snapshot, updates []arbitrage.ReserveUpdate) []arbitrage.ReserveUpdate {
	out := make([]arbitrage.ReserveUpdate, 0, len(updates))
	for _, u := range updates {
		id, ok := snap.Lookup(u.Pool)
		if !ok {
			continue
		}
		p, err := snap.Pool(id)
		if err != nil {
			continue
		}
		if p.Reserve0.Cmp(u.Reserve0) == 0 && p.Reserve1.Cmp(u.Reserve1) == 0 {
			continue
		}
		out = append(out, u)
	}
	return out
}
