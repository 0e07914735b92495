package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pulkyeet/cycle-searcher/internal/arbitrage"
	"github.com/pulkyeet/cycle-searcher/internal/eth"
)

// DefaultChunkSize is how many blocks one eth_getLogs request covers
const DefaultChunkSize = 2000

// sortAddrs returns (lower, higher) by byte comparison, mirroring Uniswap's token ordering
func sortAddrs(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// ComputePairAddress derives a pair address the way the factory's CREATE2 does:
// keccak256(0xff ++ factory ++ keccak256(token0 ++ token1) ++ initCodeHash)[12:]
func ComputePairAddress(dex eth.DEXConfig, tokenA, tokenB common.Address) common.Address {
	token0, token1 := sortAddrs(tokenA, tokenB)
	salt := crypto.Keccak256Hash(token0.Bytes(), token1.Bytes())
	return crypto.CreateAddress2(dex.Factory, salt, dex.InitCodeHash[:])
}

// PairCreated is a decoded factory event
type PairCreated struct {
	DEX    string
	Pair   common.Address
	Token0 common.Address
	Token1 common.Address
	Block  uint64
}

// DiscoverPairs scans [from, to] for PairCreated events of dex, chunkSize
// blocks per request. onChunk, if set, is called after each chunk with the
// last block covered so callers can checkpoint.
func DiscoverPairs(
	ctx context.Context,
	f LogFilterer,
	dex eth.DEXConfig,
	from, to, chunkSize uint64,
	onChunk func(last uint64, pairs []PairCreated) error,
) ([]PairCreated, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	var all []PairCreated

	for start := from; start <= to; start += chunkSize {
		end := start + chunkSize - 1
		if end > to {
			end = to
		}
		logs, err := f.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{dex.Factory},
			Topics:    [][]common.Hash{{eth.PairCreatedTopic}},
		})
		if err != nil {
			return all, fmt.Errorf("filter %s pair logs %d-%d: %w", dex.Name, start, end, err)
		}

		chunk := make([]PairCreated, 0, len(logs))
		for _, lg := range logs {
			if lg.Removed || len(lg.Topics) < 3 || lg.Topics[0] != eth.PairCreatedTopic {
				continue
			}
			values, err := factoryABI.Unpack("PairCreated", lg.Data)
			if err != nil || len(values) < 1 {
				continue
			}
			pair, ok := values[0].(common.Address)
			if !ok {
				continue
			}
			chunk = append(chunk, PairCreated{
				DEX:    dex.Name,
				Pair:   pair,
				Token0: common.BytesToAddress(lg.Topics[1].Bytes()),
				Token1: common.BytesToAddress(lg.Topics[2].Bytes()),
				Block:  lg.BlockNumber,
			})
		}
		if onChunk != nil {
			if err := onChunk(end, chunk); err != nil {
				return all, err
			}
		}
		all = append(all, chunk...)

		if end == to {
			break
		}
	}
	return all, nil
}

// PoolsFromPairs turns discovered pairs into pool metadata, resolving
// token decimals. Pairs of unknown DEXes or with a token that is not an
// ERC20 are skipped; any other resolve error is returned so the caller
// can retry the batch.
func PoolsFromPairs(ctx context.Context, tokens *TokenResolver, pairs []PairCreated) ([]arbitrage.Pool, int, error) {
	pools := make([]arbitrage.Pool, 0, len(pairs))
	skipped := 0
	for _, pc := range pairs {
		if err := ctx.Err(); err != nil {
			return pools, skipped, err
		}
		dex, ok := eth.DEXByName(pc.DEX)
		if !ok {
			skipped++
			continue
		}
		t0, err := tokens.Resolve(ctx, pc.Token0)
		if errors.Is(err, ErrNotToken) {
			skipped++
			continue
		}
		if err != nil {
			return pools, skipped, fmt.Errorf("pair %s: %w", pc.Pair.Hex(), err)
		}
		t1, err := tokens.Resolve(ctx, pc.Token1)
		if errors.Is(err, ErrNotToken) {
			skipped++
			continue
		}
		if err != nil {
			return pools, skipped, fmt.Errorf("pair %s: %w", pc.Pair.Hex(), err)
		}
		pools = append(pools, arbitrage.Pool{
			Address: pc.Pair,
			DEX:     dex.Name,
			Variant: arbitrage.VariantConstantProductV2,
			Token0:  t0,
			Token1:  t1,
			FeeBps:  dex.FeeBps,
		})
	}
	return pools, skipped, nil
}

// KnownPools derives the pair of every two well known tokens on every
// known DEX. Some of them may not exist on chain.
func KnownPools() []arbitrage.Pool {
	symbols := make([]string, 0, len(eth.KnownTokens))
	for s := range eth.KnownTokens {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var pools []arbitrage.Pool
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			a, b := eth.KnownTokens[symbols[i]], eth.KnownTokens[symbols[j]]
			if bytes.Compare(a.Address.Bytes(), b.Address.Bytes()) > 0 {
				a, b = b, a
			}
			for _, dex := range eth.KnownDEXes {
				pools = append(pools, arbitrage.Pool{
					Address: ComputePairAddress(dex, a.Address, b.Address),
					DEX:     dex.Name,
					Variant: arbitrage.VariantConstantProductV2,
					Token0:  arbitrage.Token{Address: a.Address, Decimals: a.Decimals, Symbol: a.Symbol},
					Token1:  arbitrage.Token{Address: b.Address, Decimals: b.Decimals, Symbol: b.Symbol},
					FeeBps:  dex.FeeBps,
				})
			}
		}
	}
	return pools
}
